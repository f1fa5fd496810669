package models

type StreamStatus string

const (
	StreamStreaming StreamStatus = "streaming"
	StreamFinished  StreamStatus = "finished"
	StreamAborted   StreamStatus = "aborted"
)

// Stream is the ephemeral projection of a message still being generated.
// It lives in the delta buffer until the retention window after finish or
// abort elapses, so slow subscribers can still catch the tail.
type Stream struct {
	ID      string `json:"id"`
	Thread  string `json:"thread"`
	Message string `json:"message,omitempty"`
	Order   int64  `json:"order"`
	Step    int64  `json:"step_order"`

	Status StreamStatus `json:"status"`
	// Reason records why an aborted stream stopped (caller-supplied or
	// "inactivity_timeout" when the janitor forced it).
	Reason string `json:"reason,omitempty"`
	Policy string `json:"policy,omitempty"`

	StartedTS    int64 `json:"started_ts"`
	LastActiveTS int64 `json:"last_active_ts"`
	// ExpiresAt (ns) is set when the stream finishes or aborts; the sweeper
	// deletes the buffer after this point.
	ExpiresAt int64 `json:"expires_at,omitempty"`
	// NextSeq is the sequence number the next delta will receive.
	NextSeq uint64 `json:"next_seq"`
}

func (s *Stream) Coord() Coord { return Coord{Order: s.Order, Step: s.Step} }

// Closed reports whether the stream accepts no further deltas.
func (s *Stream) Closed() bool { return s.Status != StreamStreaming }

// Delta is one incremental fragment of a streaming message, strictly
// ordered by Seq within its stream.
type Delta struct {
	Seq  uint64 `json:"seq"`
	Text string `json:"text"`
	TS   int64  `json:"ts,omitempty"`
}
