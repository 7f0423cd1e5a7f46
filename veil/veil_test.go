package veil

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/veyra/ghostwork/anonymize"
	"github.com/veyra/ghostwork/event"
	"github.com/veyra/ghostwork/fingerprint"
	"github.com/veyra/ghostwork/vec"
)

func testPipeline() *Pipeline {
	unit := anonymize.New("dev-1", anonymize.WithRand(rand.New(rand.NewPCG(5, 6))))
	return New("org-1", "dev-1", "user-1", WithUnit(unit))
}

func passwordClick(ts int64) *event.Raw {
	return &event.Raw{
		Timestamp: ts,
		SessionID: "s1",
		Type:      event.TypeInteraction,
		Interaction: &event.Interaction{
			Action: "click",
			Value:  "hunter2",
			Target: &fingerprint.Fingerprint{
				TagName:     "input",
				InputType:   "password",
				DOMPath:     []string{"body", "div", "form", "input"},
				TextPreview: "hunter2",
				Position:    fingerprint.Position{RelX: 0.5, RelY: 0.3},
			},
		},
		Context: event.Context{
			URL:      "https://app.example.com/login?next=/billing",
			Viewport: fingerprint.Viewport{Width: 1280, Height: 720},
		},
	}
}

func TestProcessSanitizesPasswordCapture(t *testing.T) {
	p := testPipeline()
	sec := p.Process(passwordClick(1700000000000))

	if sec.IntentLabel != event.IntentAuthentication {
		t.Fatalf("label = %s, want authentication", sec.IntentLabel)
	}
	if sec.IntentConfidence != 0.85 {
		t.Fatalf("confidence = %v, want 0.85", sec.IntentConfidence)
	}
	if n := vec.Norm(sec.IntentVector); math.Abs(n-1.0) > 0.01 {
		t.Fatalf("vector norm = %v, want 1.0 +/- 0.01", n)
	}
	if !strings.HasPrefix(sec.ElementSignature, "input") || !strings.Contains(sec.ElementSignature, "@") {
		t.Fatalf("element signature %q malformed", sec.ElementSignature)
	}
	if len(sec.StructuralHash) != 8 {
		t.Fatalf("structural hash %q is not 8 hex chars", sec.StructuralHash)
	}

	raw, err := json.Marshal(sec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, leak := range []string{"hunter2", "login", "billing", "user-1"} {
		if strings.Contains(string(raw), leak) {
			t.Fatalf("secure event leaked %q: %s", leak, raw)
		}
	}
}

func TestProcessDoesNotModifyInput(t *testing.T) {
	p := testPipeline()
	ev := passwordClick(1700000000000)
	p.Process(ev)

	if ev.Interaction.Value != "hunter2" {
		t.Fatalf("input value mutated to %q", ev.Interaction.Value)
	}
	if ev.Interaction.Target.TextPreview != "hunter2" {
		t.Fatalf("target preview mutated to %q", ev.Interaction.Target.TextPreview)
	}
	if ev.Context.URL != "https://app.example.com/login?next=/billing" {
		t.Fatalf("context url mutated to %q", ev.Context.URL)
	}
}

func TestProcessSequenceNumbersIncrease(t *testing.T) {
	p := testPipeline()
	var prev uint64
	for i := 0; i < 5; i++ {
		sec := p.Process(passwordClick(1700000000000 + int64(i)*1000))
		if sec.SequenceNumber <= prev {
			t.Fatalf("sequence %d not after %d", sec.SequenceNumber, prev)
		}
		prev = sec.SequenceNumber
	}
}

func TestProcessRotatesSession(t *testing.T) {
	p := testPipeline()
	base := int64(1700000000000)

	first := p.Process(passwordClick(base))
	sameWindow := p.Process(passwordClick(base + 60_000))
	if first.SessionFingerprint != sameWindow.SessionFingerprint {
		t.Fatal("fingerprint changed inside one 15-minute window")
	}

	rotated := p.Process(passwordClick(base + 900_001))
	if rotated.SessionFingerprint == first.SessionFingerprint {
		t.Fatal("fingerprint did not rotate after 15 minutes")
	}
	if rotated.SequenceNumber <= sameWindow.SequenceNumber {
		t.Fatal("sequence numbers must stay monotone across rotation")
	}
}

func TestProcessTotalOnMalformedInput(t *testing.T) {
	p := testPipeline()

	for _, ev := range []*event.Raw{
		nil,
		{},
		{Type: event.Type("mystery"), Timestamp: 1700000000000},
		{Type: event.TypeInteraction, Timestamp: 1700000000000},
	} {
		sec := p.Process(ev)
		if sec == nil {
			t.Fatal("Process returned nil")
		}
		if sec.IntentLabel != event.IntentUnknown {
			t.Fatalf("malformed input classified as %s", sec.IntentLabel)
		}
		if sec.SessionFingerprint == "" || sec.TimestampBucket == "" {
			t.Fatalf("secure event missing anonymized fields: %+v", sec)
		}
	}
}

func TestResetZerosCounterAndSession(t *testing.T) {
	p := testPipeline()
	p.Process(passwordClick(1700000000000))
	p.Process(passwordClick(1700000001000))

	p.Reset()
	sec := p.Process(passwordClick(1700000002000))
	if sec.SequenceNumber != 1 {
		t.Fatalf("sequence after Reset = %d, want 1", sec.SequenceNumber)
	}
}

func TestProcessNetworkEventHasNoSignature(t *testing.T) {
	p := testPipeline()
	sec := p.Process(&event.Raw{
		Timestamp: 1700000000000,
		Type:      event.TypeNetwork,
		Network:   &event.Network{Method: "POST", URL: "https://api.example.com/auth/login", Status: 200},
	})
	if sec.IntentLabel != event.IntentAuthentication {
		t.Fatalf("label = %s, want authentication", sec.IntentLabel)
	}
	if sec.ElementSignature != "" {
		t.Fatalf("network event got element signature %q", sec.ElementSignature)
	}
	if len(sec.StructuralHash) != 8 {
		t.Fatalf("structural hash %q missing", sec.StructuralHash)
	}
}
