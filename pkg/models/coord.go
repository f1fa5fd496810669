package models

import "fmt"

// Coord is the two-part monotonic position of a message inside a thread.
// Order increases once per logical round; Step increases within an order for
// each message produced while responding to that round, starting at 0.
type Coord struct {
	Order int64 `json:"order"`
	Step  int64 `json:"step_order"`
}

// Cmp returns -1, 0 or 1 comparing c to o lexicographically.
func (c Coord) Cmp(o Coord) int {
	switch {
	case c.Order < o.Order:
		return -1
	case c.Order > o.Order:
		return 1
	case c.Step < o.Step:
		return -1
	case c.Step > o.Step:
		return 1
	}
	return 0
}

func (c Coord) Less(o Coord) bool { return c.Cmp(o) < 0 }

func (c Coord) String() string { return fmt.Sprintf("(%d,%d)", c.Order, c.Step) }
