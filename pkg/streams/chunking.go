package streams

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// A Chunker cuts buffered text into flushable chunks. Cut returns the
// complete chunks plus the unconsumed tail; concatenating every chunk a
// stream ever emits (tail included, flushed at close) reproduces the pushed
// text byte for byte.
type Chunker interface {
	Cut(buf string) (chunks []string, rest string)
}

// ChunkFunc adapts a plain function to the Chunker interface.
type ChunkFunc func(buf string) (chunks []string, rest string)

func (f ChunkFunc) Cut(buf string) ([]string, string) { return f(buf) }

// ForPolicy maps a stream's declared chunking policy to its Chunker.
func ForPolicy(policy string) (Chunker, error) {
	switch policy {
	case "", "raw":
		return ChunkFunc(rawCut), nil
	case "word":
		return ChunkFunc(wordCut), nil
	case "line":
		return ChunkFunc(lineCut), nil
	default:
		if expr, ok := strings.CutPrefix(policy, "regex:"); ok {
			return NewRegexChunker(expr)
		}
		return nil, fmt.Errorf("unknown chunking policy %q", policy)
	}
}

// rawCut flushes everything buffered as a single chunk.
func rawCut(buf string) ([]string, string) {
	if buf == "" {
		return nil, ""
	}
	return []string{buf}, ""
}

// wordCut emits word-plus-following-whitespace units and holds back the
// trailing partial word until more text arrives.
func wordCut(buf string) ([]string, string) {
	var chunks []string
	start := 0
	inSpace := false
	for i, r := range buf {
		switch {
		case unicode.IsSpace(r):
			inSpace = true
		case inSpace:
			chunks = append(chunks, buf[start:i])
			start = i
			inSpace = false
		}
	}
	return chunks, buf[start:]
}

// lineCut emits complete lines, newline included.
func lineCut(buf string) ([]string, string) {
	var chunks []string
	for {
		i := strings.IndexByte(buf, '\n')
		if i < 0 {
			return chunks, buf
		}
		chunks = append(chunks, buf[:i+1])
		buf = buf[i+1:]
	}
}

// NewRegexChunker cuts after every match of expr. Text between and inside
// matches is never dropped.
func NewRegexChunker(expr string) (Chunker, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("chunking regex: %w", err)
	}
	return ChunkFunc(func(buf string) ([]string, string) {
		var chunks []string
		for {
			loc := re.FindStringIndex(buf)
			if loc == nil || loc[1] == 0 {
				return chunks, buf
			}
			chunks = append(chunks, buf[:loc[1]])
			buf = buf[loc[1]:]
		}
	}), nil
}
