package search

import (
	"strings"
	"sync"
	"unicode"

	"github.com/go-ego/gse"

	"agentdb/pkg/logger"
)

var (
	segOnce sync.Once
	seg     gse.Segmenter
	segOK   bool
)

func segmenter() *gse.Segmenter {
	segOnce.Do(func() {
		if err := seg.LoadDict(); err != nil {
			logger.Warn("gse_dict_load_failed", "error", err)
			return
		}
		segOK = true
	})
	if !segOK {
		return nil
	}
	return &seg
}

// Tokenize lowercases and segments text into search tokens. CJK-aware via
// the gse segmenter; falls back to unicode word splitting when the
// dictionary is unavailable.
func Tokenize(text string) []string {
	text = strings.ToLower(text)
	var raw []string
	if s := segmenter(); s != nil {
		raw = s.Cut(text, true)
	} else {
		raw = strings.FieldsFunc(text, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
	}
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		t = strings.TrimFunc(t, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if t == "" {
			continue
		}
		out = append(out, t)
	}
	return out
}
