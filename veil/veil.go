// Package veil is the on-device capture pipeline. It turns raw browser
// events into secure events: PII is scrubbed, the context URL is reduced to
// origin+digest, intent is classified, and the vector and timestamp are
// noise-perturbed. Nothing that leaves a Pipeline carries plaintext user
// text, a full URL, or a credential.
package veil

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/veyra/ghostwork/anonymize"
	"github.com/veyra/ghostwork/event"
	"github.com/veyra/ghostwork/fingerprint"
	"github.com/veyra/ghostwork/intent"
	"github.com/veyra/ghostwork/scrub"
)

// sessionSpanMS caps how long one session fingerprint stays live. Crossing
// the span rotates the fingerprint and clears the PII token table.
const sessionSpanMS = 900_000

// Pipeline converts raw events for one (org, device, user) triple. Safe for
// concurrent use.
type Pipeline struct {
	orgID    string
	deviceID string
	userID   string

	encoder  intent.Encoder
	scrubber *scrub.Scrubber
	unit     *anonymize.Unit
	logger   *slog.Logger

	mu           sync.Mutex
	seq          uint64
	sessionStart int64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithEncoder swaps the intent encoder.
func WithEncoder(enc intent.Encoder) Option {
	return func(p *Pipeline) { p.encoder = enc }
}

// WithUnit swaps the anonymization unit. Tests pass a seeded one.
func WithUnit(u *anonymize.Unit) Option {
	return func(p *Pipeline) { p.unit = u }
}

// WithScrubber swaps the PII scrubber.
func WithScrubber(s *scrub.Scrubber) Option {
	return func(p *Pipeline) { p.scrubber = s }
}

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// New returns a Pipeline bound to one org, device, and user.
func New(orgID, deviceID, userID string, opts ...Option) *Pipeline {
	p := &Pipeline{
		orgID:    orgID,
		deviceID: deviceID,
		userID:   userID,
		encoder:  intent.NewRuleEncoder(),
		scrubber: scrub.New(),
		unit:     anonymize.New(deviceID),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process converts one raw event into a secure event. It is total: malformed
// or partial input yields an unknown-intent secure event, never an error.
// The input event is not modified.
func (p *Pipeline) Process(ev *event.Raw) *event.Secure {
	if ev == nil {
		ev = &event.Raw{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ts := ev.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	p.rotate(ts)

	clean := cloneRaw(ev)
	p.scrubFields(clean)

	label, conf, vector := p.encoder.Encode(clean)

	p.seq++
	sec := &event.Secure{
		SessionFingerprint: p.unit.SessionFingerprint(p.userID, p.sessionStart),
		TimestampBucket:    p.unit.TimestampBucket(ts),
		IntentVector:       p.unit.PerturbVector(vector),
		OrgID:              p.orgID,
		Type:               clean.Type,
		IntentLabel:        label,
		IntentConfidence:   conf,
		SequenceNumber:     p.seq,
	}
	if t := eventTarget(clean); t != nil {
		sec.StructuralHash = anonymize.StructuralHash(t.DOMPath, t.TagName)
		sec.ElementSignature = anonymize.ElementSignature(t.TagName, t.Aria.Role, t.DOMPath)
	} else {
		sec.StructuralHash = anonymize.StructuralHash(nil, "")
	}
	return sec
}

// Reset zeros the sequence counter, forgets the session start, and clears
// the scrubber's token table.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq = 0
	p.sessionStart = 0
	p.scrubber.Reset()
}

// rotate starts a new session window when the current one is exhausted. The
// fingerprint rotates because its floor(sessionStart/15min) term changes;
// the scrubber resets so PII tokens cannot be correlated across windows.
func (p *Pipeline) rotate(ts int64) {
	if p.sessionStart == 0 {
		p.sessionStart = ts
		return
	}
	if ts-p.sessionStart >= sessionSpanMS {
		p.scrubber.Reset()
		p.logger.Debug("capture session rotated",
			slog.String("org_id", p.orgID),
			slog.Int64("span_ms", ts-p.sessionStart))
		p.sessionStart = ts
	}
}

func (p *Pipeline) scrubFields(ev *event.Raw) {
	if in := ev.Interaction; in != nil {
		in.Value = p.scrubber.Scrub(in.Value)
		if t := in.Target; t != nil {
			t.TextPreview = p.scrubber.Scrub(t.TextPreview)
			t.Context.ParentText = p.scrubber.Scrub(t.Context.ParentText)
		}
	}
	for i := range ev.Mutations {
		ev.Mutations[i].OldValue = p.scrubber.Scrub(ev.Mutations[i].OldValue)
		ev.Mutations[i].NewValue = p.scrubber.Scrub(ev.Mutations[i].NewValue)
	}
	if ev.Fault != nil {
		ev.Fault.Message = p.scrubber.Scrub(ev.Fault.Message)
	}
	if ev.Context.URL != "" {
		ev.Context.URL = anonymize.HashURL(ev.Context.URL)
	}
}

func eventTarget(ev *event.Raw) *fingerprint.Fingerprint {
	if ev.Interaction == nil {
		return nil
	}
	return ev.Interaction.Target
}

func cloneRaw(ev *event.Raw) *event.Raw {
	clean := *ev
	if ev.Interaction != nil {
		in := *ev.Interaction
		if ev.Interaction.Target != nil {
			t := *ev.Interaction.Target
			t.DOMPath = slices.Clone(ev.Interaction.Target.DOMPath)
			in.Target = &t
		}
		clean.Interaction = &in
	}
	clean.Mutations = slices.Clone(ev.Mutations)
	if ev.Network != nil {
		n := *ev.Network
		clean.Network = &n
	}
	if ev.Fault != nil {
		f := *ev.Fault
		clean.Fault = &f
	}
	return &clean
}
