package store

import "errors"

var (
	// ErrNotOpen is returned when the store is used before Open.
	ErrNotOpen = errors.New("pebble not opened; call store.Open first")
	// ErrNotFound is returned for missing threads, messages and streams.
	ErrNotFound = errors.New("not found")
	// ErrThreadDeleted rejects writes to a soft-deleted thread.
	ErrThreadDeleted = errors.New("thread deleted")
	// ErrOrderingImmutable rejects patches that try to move a message's
	// (order, stepOrder) coordinate. Always a programming error.
	ErrOrderingImmutable = errors.New("ordering coordinates are immutable")
	// ErrUnknownOrder rejects step allocation against an order that was
	// never allocated for the thread.
	ErrUnknownOrder = errors.New("order beyond thread high-water mark")
)
