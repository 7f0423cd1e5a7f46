// Package intent classifies raw browser events into a closed set of intent
// labels and renders each event as a deterministic 128-d vector. The rule
// table is intentionally simple; anything smarter (a learned embedding model)
// slots in behind the Encoder interface without touching callers.
package intent

import (
	"hash/fnv"
	"regexp"
	"strings"

	"github.com/veyra/ghostwork/event"
	"github.com/veyra/ghostwork/vec"
)

// Encoder maps a raw event to an intent label, a confidence in [0,1], and a
// 128-d vector. Implementations must be deterministic: two events with
// identical payload and context yield byte-identical results.
type Encoder interface {
	Encode(ev *event.Raw) (event.IntentClass, float64, []float32)
}

// Per-class vector seeds. Changing any of these silently re-embeds every
// stored event, so they are frozen.
var classSeeds = map[event.IntentClass]uint32{
	event.IntentDataEntry:          0x1a2b3c4d,
	event.IntentNavigation:         0x2b3c4d5e,
	event.IntentCommunication:      0x3c4d5e6f,
	event.IntentResearch:           0x4d5e6f70,
	event.IntentApproval:           0x5e6f7081,
	event.IntentFileOperation:      0x6f708192,
	event.IntentAuthentication:     0x708192a3,
	event.IntentConfiguration:      0x8192a3b4,
	event.IntentDataExtraction:     0x92a3b4c5,
	event.IntentWorkflowTransition: 0xa3b4c5d6,
	event.IntentErrorHandling:      0xb4c5d6e7,
	event.IntentUnknown:            0xc5d6e7f8,
}

var (
	authURLRe   = regexp.MustCompile(`auth|login|token`)
	commURLRe   = regexp.MustCompile(`message|email|send`)
	searchURLRe = regexp.MustCompile(`search|query`)
	exportURLRe = regexp.MustCompile(`export|download`)
)

// RuleEncoder is the default rule-table classifier.
type RuleEncoder struct{}

// NewRuleEncoder returns the rule-table encoder.
func NewRuleEncoder() *RuleEncoder { return &RuleEncoder{} }

// Encode classifies ev and derives its intent vector.
func (RuleEncoder) Encode(ev *event.Raw) (event.IntentClass, float64, []float32) {
	label, conf := classify(ev)
	return label, conf, vector(label, ev)
}

// classify walks the rule table top to bottom; the first matching row wins.
func classify(ev *event.Raw) (event.IntentClass, float64) {
	if ev == nil {
		return event.IntentUnknown, 0.10
	}
	switch ev.Type {
	case event.TypeInteraction:
		return classifyInteraction(ev.Interaction)
	case event.TypeMutation:
		return classifyMutations(ev.Mutations)
	case event.TypeNetwork:
		return classifyNetwork(ev.Network)
	case event.TypeError:
		return event.IntentErrorHandling, 0.90
	}
	return event.IntentUnknown, 0.10
}

func classifyInteraction(in *event.Interaction) (event.IntentClass, float64) {
	if in == nil {
		return event.IntentUnknown, 0.15
	}
	tgt := in.Target

	// Credential fields dominate: typing into or clicking a password/email
	// input is authentication no matter what else the target looks like.
	if tgt != nil && (in.Action == "input" || in.Action == "click") {
		if tgt.InputType == "password" || tgt.InputType == "email" {
			return event.IntentAuthentication, 0.85
		}
	}

	switch in.Action {
	case "input", "paste":
		return event.IntentDataEntry, 0.90
	case "navigate":
		return event.IntentNavigation, 0.95
	case "click":
		if tgt != nil {
			isButton := tgt.TagName == "button" || tgt.Aria.Role == "button"
			switch {
			case tgt.TagName == "a":
				return event.IntentNavigation, 0.85
			case isButton && tgt.FormID != "":
				return event.IntentDataEntry, 0.80
			case isButton:
				return event.IntentWorkflowTransition, 0.70
			case tgt.InputType == "checkbox" || tgt.InputType == "radio":
				return event.IntentConfiguration, 0.75
			}
		}
	case "select":
		return event.IntentDataEntry, 0.85
	case "copy":
		return event.IntentDataExtraction, 0.80
	case "scroll":
		return event.IntentResearch, 0.50
	case "focus":
		return event.IntentNavigation, 0.40
	}
	return event.IntentUnknown, 0.15
}

func classifyMutations(muts []event.Mutation) (event.IntentClass, float64) {
	total := 0
	formish := false
	for _, m := range muts {
		total += m.Added + m.Removed
		switch m.TargetTag {
		case "input", "textarea", "select":
			formish = true
		}
		if m.FormID != "" {
			formish = true
		}
	}
	if total > 20 {
		return event.IntentNavigation, 0.60
	}
	if formish {
		return event.IntentDataEntry, 0.50
	}
	return event.IntentUnknown, 0.15
}

func classifyNetwork(n *event.Network) (event.IntentClass, float64) {
	if n == nil {
		return event.IntentUnknown, 0.15
	}
	switch strings.ToUpper(n.Method) {
	case "POST", "PUT", "PATCH":
		if authURLRe.MatchString(n.URL) {
			return event.IntentAuthentication, 0.85
		}
		if commURLRe.MatchString(n.URL) {
			return event.IntentCommunication, 0.75
		}
		return event.IntentDataEntry, 0.70
	case "DELETE":
		return event.IntentWorkflowTransition, 0.70
	case "GET":
		if searchURLRe.MatchString(n.URL) {
			return event.IntentResearch, 0.70
		}
		if exportURLRe.MatchString(n.URL) {
			return event.IntentDataExtraction, 0.75
		}
	}
	if n.Status >= 400 {
		return event.IntentErrorHandling, 0.60
	}
	return event.IntentUnknown, 0.15
}

// vector derives the 128-d embedding: a per-class LCG base sequence mixed
// with seven event feature scalars at weight 0.3, L2-normalized, quantized
// to 4 decimals.
func vector(label event.IntentClass, ev *event.Raw) []float32 {
	seed, ok := classSeeds[label]
	if !ok {
		seed = classSeeds[event.IntentUnknown]
	}
	base := lcgSequence(seed, vec.Dim)
	feats := features(ev)

	v := make([]float32, vec.Dim)
	for i := range v {
		v[i] = float32(0.7*base[i] + 0.3*feats[i%len(feats)])
	}
	vec.Normalize(v)
	vec.Quantize(v, 4)
	return v
}

// lcgSequence yields n values in [-0.5, 0.5) from the Numerical Recipes
// linear congruential generator.
func lcgSequence(seed uint32, n int) []float64 {
	out := make([]float64, n)
	state := seed
	for i := range out {
		state = state*1664525 + 1013904223
		out[i] = float64(state)/4294967296.0 - 0.5
	}
	return out
}

// features extracts the seven scalar features, each shifted into roughly
// [-0.5, 0.5] so no single feature dominates the mix. Missing parts of the
// event contribute zeros, keeping the vector total over malformed input.
func features(ev *event.Raw) []float64 {
	f := make([]float64, 7)
	if ev == nil {
		return f
	}
	if in := ev.Interaction; in != nil {
		f[0] = actionFeature(in.Action)
		if t := in.Target; t != nil {
			f[1] = tagFeature(t.TagName)
			f[2] = depthFeature(len(t.DOMPath))
			f[3] = t.Position.RelX - 0.5
			f[4] = t.Position.RelY - 0.5
		}
	}
	if n := ev.Network; n != nil {
		f[5] = methodFeature(n.Method)
		f[6] = statusFeature(n.Status)
	}
	return f
}

var actionOrder = []string{"click", "input", "paste", "navigate", "select", "copy", "scroll", "focus", "change", "submit"}

func actionFeature(action string) float64 {
	for i, a := range actionOrder {
		if a == action {
			return float64(i+1)/float64(len(actionOrder)+1) - 0.5
		}
	}
	return 0
}

func tagFeature(tag string) float64 {
	if tag == "" {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(tag))
	return float64(h.Sum32()%1000)/1000.0 - 0.5
}

func depthFeature(depth int) float64 {
	d := float64(depth)
	if d > 20 {
		d = 20
	}
	return d/20.0 - 0.5
}

var methodOrder = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}

func methodFeature(method string) float64 {
	m := strings.ToUpper(method)
	for i, s := range methodOrder {
		if s == m {
			return float64(i+1)/float64(len(methodOrder)+1) - 0.5
		}
	}
	return 0
}

func statusFeature(status int) float64 {
	s := float64(status)
	if s < 0 {
		s = 0
	}
	if s > 599 {
		s = 599
	}
	return s/599.0 - 0.5
}
