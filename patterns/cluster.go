package patterns

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/veyra/ghostwork/idgen"
	"github.com/veyra/ghostwork/store"
	"github.com/veyra/ghostwork/vec"
)

// sequence is one sliding window over a session's event stream, the unit
// clustering operates on. Its embedding is the mean of the window's intent
// vectors and its timestamp is the window's first bucket.
type sequence struct {
	session   string
	events    []store.StoredEvent
	embedding []float32
	bucket    string    // first event's timestamp bucket, RFC 3339 UTC
	ts        time.Time // parsed bucket; zero when unparseable
}

func newSequence(session string, window []store.StoredEvent) *sequence {
	vecs := make([][]float32, 0, len(window))
	for _, ev := range window {
		vecs = append(vecs, ev.IntentVector)
	}
	ts, _ := time.Parse(time.RFC3339, window[0].TimestampBucket)
	return &sequence{
		session:   session,
		events:    window,
		embedding: vec.Mean(vecs),
		bucket:    window[0].TimestampBucket,
		ts:        ts,
	}
}

// intentKey is the comma-joined label ordering of the window. Two windows
// with the same key show the same workflow shape.
func (s *sequence) intentKey() string {
	parts := make([]string, len(s.events))
	for i, ev := range s.events {
		parts[i] = string(ev.IntentLabel)
	}
	return strings.Join(parts, ",")
}

// extractSequences groups events by session fingerprint, orders each group
// by sequence number, and slides a window of up to WindowSize (step 1)
// over it, skipping windows shorter than MinClusterSize. Sessions are
// visited in lexicographic order so a rescan over the same rows yields the
// same sequence order, which keeps cluster seeds and pattern IDs stable.
func extractSequences(events []store.StoredEvent) []*sequence {
	bySession := make(map[string][]store.StoredEvent)
	for _, ev := range events {
		bySession[ev.SessionFingerprint] = append(bySession[ev.SessionFingerprint], ev)
	}
	sessions := make([]string, 0, len(bySession))
	for s := range bySession {
		sessions = append(sessions, s)
	}
	sort.Strings(sessions)

	var out []*sequence
	for _, sess := range sessions {
		group := bySession[sess]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].SequenceNumber < group[j].SequenceNumber
		})
		last := len(group) - MinClusterSize
		if last < 0 {
			last = 0
		}
		for start := 0; start <= last; start++ {
			end := start + WindowSize
			if end > len(group) {
				end = len(group)
			}
			window := group[start:end]
			if len(window) < MinClusterSize {
				continue
			}
			out = append(out, newSequence(sess, window))
		}
	}
	return out
}

// cluster is a group of sequences judged to be the same recurring workflow.
type cluster struct {
	members  []*sequence
	centroid []float32
}

// clusterSequences runs the greedy single-pass grouping: each unassigned
// sequence seeds a cluster and claims every later unassigned sequence
// within SimilarityThreshold cosine of the seed and TemporalWindow of its
// timestamp. Membership is judged against the seed; the centroid is
// recomputed once the cluster is closed. Cosine against a zero or
// mismatched-length vector is 0, so empty embeddings never join anything.
// Groups smaller than MinClusterSize are dropped.
func clusterSequences(seqs []*sequence) []*cluster {
	assigned := make([]bool, len(seqs))
	var out []*cluster
	for i, seed := range seqs {
		if assigned[i] {
			continue
		}
		assigned[i] = true
		c := &cluster{members: []*sequence{seed}}
		for j := i + 1; j < len(seqs); j++ {
			if assigned[j] {
				continue
			}
			cand := seqs[j]
			if vec.Cosine(seed.embedding, cand.embedding) < SimilarityThreshold {
				continue
			}
			if !withinTemporalWindow(seed.ts, cand.ts) {
				continue
			}
			assigned[j] = true
			c.members = append(c.members, cand)
		}
		if len(c.members) < MinClusterSize {
			continue
		}
		embeds := make([][]float32, 0, len(c.members))
		for _, m := range c.members {
			embeds = append(embeds, m.embedding)
		}
		c.centroid = vec.Mean(embeds)
		out = append(out, c)
	}
	return out
}

func withinTemporalWindow(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= TemporalWindow
}

// occurrences counts distinct sessions among members. A workflow recurs
// once per session however many overlapping windows captured it, so this
// is the number the operator sees as "seen N times".
func (c *cluster) occurrences() int {
	seen := make(map[string]struct{}, len(c.members))
	for _, m := range c.members {
		seen[m.session] = struct{}{}
	}
	return len(seen)
}

// intentSequence returns the distinct intent labels across all member
// events in first-appearance order.
func (c *cluster) intentSequence() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range c.members {
		for _, ev := range m.events {
			label := string(ev.IntentLabel)
			if _, ok := seen[label]; ok {
				continue
			}
			seen[label] = struct{}{}
			out = append(out, label)
		}
	}
	return out
}

// structuralHashes returns the distinct non-empty structural hashes across
// all member events in first-appearance order.
func (c *cluster) structuralHashes() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range c.members {
		for _, ev := range m.events {
			if ev.StructuralHash == "" {
				continue
			}
			if _, ok := seen[ev.StructuralHash]; ok {
				continue
			}
			seen[ev.StructuralHash] = struct{}{}
			out = append(out, ev.StructuralHash)
		}
	}
	return out
}

// span returns the min and max member timestamps. Buckets are RFC 3339
// UTC, so string order is time order.
func (c *cluster) span() (first, last string) {
	for _, m := range c.members {
		if m.bucket == "" {
			continue
		}
		if first == "" || m.bucket < first {
			first = m.bucket
		}
		if m.bucket > last {
			last = m.bucket
		}
	}
	return first, last
}

// statScore is the statistical half of pattern confidence:
//
//	0.3 · size       cluster size against a target of 10 members
//	0.4 · coherence  how few distinct label orderings the members show
//	0.3 · encoder    mean intent confidence across member events
func (c *cluster) statScore() float64 {
	n := float64(len(c.members))

	size := math.Min(n/10, 1)

	uniq := make(map[string]struct{}, len(c.members))
	for _, m := range c.members {
		uniq[m.intentKey()] = struct{}{}
	}
	coherence := 1 - float64(len(uniq)-1)/n

	var sum float64
	var count int
	for _, m := range c.members {
		for _, ev := range m.events {
			sum += ev.IntentConfidence
			count++
		}
	}
	var encoder float64
	if count > 0 {
		encoder = sum / float64(count)
	}

	return 0.3*size + 0.4*coherence + 0.3*encoder
}

// PatternID derives a stable identifier from the org and the sorted
// label/hash sets, so re-detection over the same evidence lands on the
// same detected_patterns row.
func PatternID(orgID string, intentSeq, hashes []string) string {
	labels := append([]string(nil), intentSeq...)
	sort.Strings(labels)
	hs := append([]string(nil), hashes...)
	sort.Strings(hs)

	h := sha256.New()
	h.Write([]byte(orgID))
	h.Write([]byte{0x1f})
	h.Write([]byte(strings.Join(labels, ",")))
	h.Write([]byte{0x1f})
	h.Write([]byte(strings.Join(hs, ",")))
	return idgen.PrefixPattern + hex.EncodeToString(h.Sum(nil))[:32]
}
