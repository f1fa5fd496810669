package models

type Thread struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	// User is an opaque identity id (clients manage meaning); default empty string
	User string `json:"user,omitempty"`
	// Summary is free-text metadata, typically a model-produced digest
	Summary string `json:"summary,omitempty"`
	// Created timestamp (ns)
	CreatedTS int64 `json:"created_ts,omitempty"`
	// Updated timestamp (ns) - last time metadata or thread activity changed
	UpdatedTS int64 `json:"updated_ts,omitempty"`
	// LastOrder is the thread's ordering high-water mark. The first root
	// message of a fresh thread gets order LastOrder+1 = 1. Orders are
	// thread-local and never reused, even when messages are deleted.
	LastOrder int64 `json:"last_order"`
	// Deleted marks a thread as soft-deleted; DeletedTS records deletion time (ns)
	Deleted   bool  `json:"deleted,omitempty"`
	DeletedTS int64 `json:"deleted_ts,omitempty"`
}
