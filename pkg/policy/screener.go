// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy implements the static pre-execution screening of submitted
// source code. It is a policy gate, not a sandbox: the patterns are
// intentionally coarse and must never be relied on for containment.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"gopkg.in/yaml.v3"

	"github.com/crucible-mcp/crucible/pkg/logger"
)

const (
	memoSize = 1024
	memoTTL  = 5 * time.Minute
)

// Verdict is the screening outcome for one (language, code) pair.
type Verdict struct {
	// Valid is true when no deny pattern matched.
	Valid bool `json:"valid"`
	// Reason names the matched pattern when Valid is false.
	Reason string `json:"reason,omitempty"`
}

// Screener checks submitted source against the deny tables and memoizes
// verdicts. Safe for concurrent use.
type Screener struct {
	global []pattern
	byLang map[string][]pattern
	memo   *expirable.LRU[string, Verdict]
}

// New returns a screener using the built-in pattern tables.
func New() *Screener {
	return &Screener{
		global: globalPatterns,
		byLang: languagePatterns,
		memo:   expirable.NewLRU[string, Verdict](memoSize, nil, memoTTL),
	}
}

// NewFromFile returns a screener whose built-in tables are extended by the
// named YAML override file. Patterns are compiled once here; a broken file
// or pattern is a startup error.
func NewFromFile(path string) (*Screener, error) {
	s := New()
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read policy patterns file: %w", err)
	}

	var file overrideFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse policy patterns file: %w", err)
	}

	global, err := compileOverrides(file.Global)
	if err != nil {
		return nil, err
	}
	s.global = append(append([]pattern{}, s.global...), global...)

	if len(file.Languages) > 0 {
		merged := make(map[string][]pattern, len(s.byLang))
		for lang, pats := range s.byLang {
			merged[lang] = pats
		}
		for lang, overrides := range file.Languages {
			extra, err := compileOverrides(overrides)
			if err != nil {
				return nil, fmt.Errorf("language %s: %w", lang, err)
			}
			merged[lang] = append(append([]pattern{}, merged[lang]...), extra...)
		}
		s.byLang = merged
	}

	logger.Infof("Loaded policy pattern overrides from %s", path)
	return s, nil
}

// overrideFile is the YAML shape of a pattern override file.
type overrideFile struct {
	Global    []overridePattern            `yaml:"global"`
	Languages map[string][]overridePattern `yaml:"languages"`
}

type overridePattern struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

func compileOverrides(overrides []overridePattern) ([]pattern, error) {
	out := make([]pattern, 0, len(overrides))
	for _, o := range overrides {
		if o.Name == "" {
			return nil, fmt.Errorf("policy pattern with empty name")
		}
		re, err := regexp.Compile(o.Pattern)
		if err != nil {
			return nil, fmt.Errorf("policy pattern %q: %w", o.Name, err)
		}
		out = append(out, pattern{name: o.Name, re: re})
	}
	return out, nil
}

// Screen checks code for the given language. The verdict is memoized by a
// digest of (language, code) for the memo TTL.
func (s *Screener) Screen(language, code string) Verdict {
	key := memoKey(language, code)
	if v, ok := s.memo.Get(key); ok {
		return v
	}

	v := s.screen(language, code)
	s.memo.Add(key, v)
	return v
}

func (s *Screener) screen(language, code string) Verdict {
	for _, p := range s.global {
		if p.re.MatchString(code) {
			return Verdict{Valid: false, Reason: p.name}
		}
	}
	for _, p := range s.byLang[language] {
		if p.re.MatchString(code) {
			return Verdict{Valid: false, Reason: p.name}
		}
	}
	return Verdict{Valid: true}
}

func memoKey(language, code string) string {
	h := sha256.New()
	h.Write([]byte(language))
	h.Write([]byte{0})
	h.Write([]byte(code))
	return hex.EncodeToString(h.Sum(nil))
}
