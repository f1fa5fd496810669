package utils

import (
	"fmt"
	"sync/atomic"
	"time"
)

var idSeq uint64

func genID(prefix string) string {
	n := time.Now().UTC().UnixNano()
	s := atomic.AddUint64(&idSeq, 1)
	return fmt.Sprintf("%s-%d-%d", prefix, n, s)
}

// GenMessageID generates a unique message ID from the current UTC nanosecond
// timestamp and an atomic sequence number, formatted "msg-<timestamp>-<seq>".
func GenMessageID() string { return genID("msg") }

// GenThreadID generates a unique thread ID, formatted "thread-<timestamp>-<seq>".
func GenThreadID() string { return genID("thread") }

// GenStreamID generates a unique stream ID, formatted "stream-<timestamp>-<seq>".
func GenStreamID() string { return genID("stream") }
