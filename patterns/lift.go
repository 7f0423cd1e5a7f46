package patterns

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/veyra/ghostwork/llm"
)

// liftSystemPrompt steers the model toward names an operator can act on.
// Placeholder names are called out explicitly because models default to
// them when the instances are mostly navigation and form-filling.
const liftSystemPrompt = `You are naming recurring browser workflows for an automation catalog.
Given observed intent sequences from one organization, respond with a single JSON object:
{"name": "...", "description": "...", "confidence": 0.0-1.0, "trigger": {...}, "parameters": [...]}
Rules:
- "name" describes the business task in domain terms (e.g. "Invoice approval sweep", "New-hire ticket triage").
- Never use generic placeholder names such as "Navigation" or "Data Entry".
- "description" is one or two sentences an operator reads before approving automation.
- "confidence" is your belief that these instances are one coherent workflow.
- "trigger" suggests when it should run: {"type": "event"|"schedule"|"api", "condition": "..."}.
- "parameters" lists likely inputs: [{"name", "type", "required"}].
Respond with the JSON object only.`

// liftResult is the shape expected back from the model. Confidence is a
// pointer so an absent field can fall back to the 0.5 default instead of
// reading as zero.
type liftResult struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Confidence  *float64        `json:"confidence"`
	Trigger     json.RawMessage `json:"trigger"`
	Parameters  json.RawMessage `json:"parameters"`
}

// renderClusterPrompt turns a cluster into the user prompt: up to
// maxSampledMembers instances rendered "label (eventType)" arrow-separated,
// followed by a label frequency summary over the whole cluster.
func renderClusterPrompt(c *cluster) string {
	var b strings.Builder
	b.WriteString("Observed workflow instances:\n")

	n := len(c.members)
	if n > maxSampledMembers {
		n = maxSampledMembers
	}
	for i := 0; i < n; i++ {
		steps := make([]string, len(c.members[i].events))
		for j, ev := range c.members[i].events {
			steps[j] = fmt.Sprintf("%s (%s)", ev.IntentLabel, ev.EventType)
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, strings.Join(steps, " -> "))
	}

	freq := make(map[string]int)
	for _, m := range c.members {
		for _, ev := range m.events {
			freq[string(ev.IntentLabel)]++
		}
	}
	labels := make([]string, 0, len(freq))
	for l := range freq {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool {
		if freq[labels[i]] != freq[labels[j]] {
			return freq[labels[i]] > freq[labels[j]]
		}
		return labels[i] < labels[j]
	})

	b.WriteString("\nIntent label frequency across the cluster:\n")
	for _, l := range labels {
		fmt.Fprintf(&b, "- %s: %d\n", l, freq[l])
	}
	return b.String()
}

// liftCluster asks the model to name one cluster. Transport errors and
// unparseable replies both surface as errors; the scan skips the cluster
// either way and the other clusters proceed.
func liftCluster(ctx context.Context, provider llm.Provider, c *cluster) (*liftResult, error) {
	resp, err := provider.Complete(ctx, &llm.Request{
		Messages: []llm.Message{
			llm.System(liftSystemPrompt),
			llm.User(renderClusterPrompt(c)),
		},
		Temperature: 0.3,
		MaxTokens:   600,
	})
	if err != nil {
		return nil, fmt.Errorf("patterns: lift: %w", err)
	}

	raw, err := llm.ExtractJSONObject(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("patterns: lift reply: %w", err)
	}
	var res liftResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("patterns: lift reply: %w", err)
	}
	if strings.TrimSpace(res.Name) == "" {
		return nil, fmt.Errorf("patterns: lift reply has no name")
	}
	return &res, nil
}
