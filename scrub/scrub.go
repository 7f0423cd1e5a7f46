// Package scrub detects personally-identifying substrings and replaces them
// with stable session-scoped tokens of the form [KIND_N]. The same value
// always maps to the same token within one session, so downstream pattern
// analysis keeps referential structure ("the same email appeared twice")
// without ever seeing the value itself.
package scrub

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Kind is a detected entity class.
type Kind string

const (
	KindEmail      Kind = "EMAIL"
	KindPhone      Kind = "PHONE"
	KindSSN        Kind = "SSN"
	KindCreditCard Kind = "CREDIT_CARD"
	KindIPAddress  Kind = "IP_ADDRESS"
	KindAuthToken  Kind = "AUTH_TOKEN"
	KindDOB        Kind = "DOB"
)

// Entity is one detected PII span.
type Entity struct {
	Kind  Kind
	Value string
	Start int
	End   int
}

// detector order fixes which kind wins when two kinds match the exact same
// span.
var detectors = []struct {
	kind Kind
	re   *regexp.Regexp
}{
	{KindAuthToken, regexp.MustCompile(`(?i)(?:bearer|api[_-]?key|token|secret|password|auth)[\s:=]+[A-Za-z0-9\-._~+/]{6,}=*`)},
	{KindEmail, regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
	{KindCreditCard, regexp.MustCompile(`\b(?:\d{4}[ \-]?){3}\d{3,4}\b`)},
	{KindSSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{KindPhone, regexp.MustCompile(`(?:\+?\d{1,3}[-. ])?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`)},
	{KindIPAddress, regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
	{KindDOB, regexp.MustCompile(`\b(?:19|20)\d{2}[-/](?:0?[1-9]|1[0-2])[-/](?:0?[1-9]|[12]\d|3[01])\b|\b(?:0?[1-9]|1[0-2])[-/](?:0?[1-9]|[12]\d|3[01])[-/](?:19|20)\d{2}\b`)},
}

// Scrubber owns the session-scoped token table. Tokens are assigned in
// first-seen order per distinct normalized value and survive until Reset.
type Scrubber struct {
	mu       sync.Mutex
	counters map[Kind]int
	tokens   map[string]string // kind + ":" + normalized value → token
}

// New returns a Scrubber with an empty token table.
func New() *Scrubber {
	return &Scrubber{
		counters: make(map[Kind]int),
		tokens:   make(map[string]string),
	}
}

// Reset clears the token table and counters. Called on session rotation.
func (s *Scrubber) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = make(map[Kind]int)
	s.tokens = make(map[string]string)
}

// Detect returns all PII spans in text after overlap resolution, ordered by
// start offset. Unrecognized text yields an empty slice; malformed input
// never fails.
func (s *Scrubber) Detect(text string) []Entity {
	if text == "" {
		return nil
	}
	var candidates []Entity
	for _, d := range detectors {
		for _, loc := range d.re.FindAllStringIndex(text, -1) {
			candidates = append(candidates, Entity{
				Kind:  d.kind,
				Value: text[loc[0]:loc[1]],
				Start: loc[0],
				End:   loc[1],
			})
		}
	}
	return resolveOverlaps(candidates)
}

// Scrub replaces every detected entity with its session token.
func (s *Scrubber) Scrub(text string) string {
	ents := s.Detect(text)
	if len(ents) == 0 {
		return text
	}

	var sb strings.Builder
	sb.Grow(len(text))
	prev := 0
	for _, e := range ents {
		sb.WriteString(text[prev:e.Start])
		sb.WriteString(s.tokenFor(e))
		prev = e.End
	}
	sb.WriteString(text[prev:])
	return sb.String()
}

// ContainsPII reports whether text holds at least one detectable entity.
func (s *Scrubber) ContainsPII(text string) bool {
	return len(s.Detect(text)) > 0
}

func (s *Scrubber) tokenFor(e Entity) string {
	key := string(e.Kind) + ":" + normalize(e.Value)
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok, ok := s.tokens[key]; ok {
		return tok
	}
	s.counters[e.Kind]++
	tok := fmt.Sprintf("[%s_%d]", e.Kind, s.counters[e.Kind])
	s.tokens[key] = tok
	return tok
}

// normalize folds spacing/punctuation variants of the same value together:
// "4111 1111 1111 1111" and "4111-1111-1111-1111" share one token.
func normalize(v string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.':
			return -1
		}
		return r
	}, strings.ToLower(v))
}

// resolveOverlaps keeps the longer of two overlapping matches; on equal
// length the earlier one wins, and for identical spans the detector order
// decides.
func resolveOverlaps(candidates []Entity) []Entity {
	if len(candidates) == 0 {
		return nil
	}
	order := make(map[Kind]int, len(detectors))
	for i, d := range detectors {
		order[d.kind] = i
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		li, lj := candidates[i].End-candidates[i].Start, candidates[j].End-candidates[j].Start
		if li != lj {
			return li > lj
		}
		if candidates[i].Start != candidates[j].Start {
			return candidates[i].Start < candidates[j].Start
		}
		return order[candidates[i].Kind] < order[candidates[j].Kind]
	})

	var kept []Entity
	for _, c := range candidates {
		overlaps := false
		for _, k := range kept {
			if c.Start < k.End && k.Start < c.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, c)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}
