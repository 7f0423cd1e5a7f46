package llm

import (
	"context"
	"sync"
)

// Step is one scripted completion outcome.
type Step struct {
	resp *Response
	err  error
}

// Text scripts a successful completion with the given content.
func Text(content string) Step {
	return Step{resp: &Response{Content: content, FinishReason: FinishStop, Model: "script"}}
}

// Reply scripts a fully specified response, for tests that care about
// tool calls or finish reasons.
func Reply(resp *Response) Step { return Step{resp: resp} }

// Fail scripts an error.
func Fail(err error) Step { return Step{err: err} }

// Script is a Provider fed with canned outcomes, played back in order.
// It records every request it sees so tests can assert on prompts.
// Safe for concurrent use; a Script past its last step returns
// ErrScriptExhausted.
type Script struct {
	mu    sync.Mutex
	steps []Step
	next  int
	calls []*Request
}

// NewScript builds a stub that plays the given steps in order.
func NewScript(steps ...Step) *Script {
	return &Script{steps: steps}
}

func (s *Script) Name() string { return "script" }

func (s *Script) HealthCheck(context.Context) bool { return true }

func (s *Script) Complete(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req.Clone())
	if s.next >= len(s.steps) {
		return nil, ErrScriptExhausted
	}
	step := s.steps[s.next]
	s.next++
	if step.err != nil {
		return nil, step.err
	}
	resp := *step.resp
	return &resp, nil
}

// Calls returns a copy of every request seen so far.
func (s *Script) Calls() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Request, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many completions were requested.
func (s *Script) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
