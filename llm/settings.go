package llm

import "context"

// Registry resolves the Provider an org's settings select. Orgs store a
// provider name and model in org_settings; the registry maps the name onto
// a configured Provider and injects the model as the request default.
type Registry struct {
	def       Provider
	providers map[string]Provider
}

// NewRegistry builds a registry with def as the fallback provider.
func NewRegistry(def Provider) *Registry {
	r := &Registry{def: def, providers: make(map[string]Provider)}
	if def != nil {
		r.providers[def.Name()] = def
	}
	return r
}

// Register adds a provider under its own name.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// FromSettings returns the provider for an org's llm_provider/llm_model
// pair. Unknown and empty provider names fall back to the default; a
// non-empty model becomes the default model for requests that do not set
// their own.
func (r *Registry) FromSettings(provider, model string) Provider {
	p, ok := r.providers[provider]
	if !ok {
		p = r.def
	}
	if p == nil {
		return nil
	}
	if model == "" {
		return p
	}
	return &modelDefault{Provider: p, model: model}
}

type modelDefault struct {
	Provider
	model string
}

func (m *modelDefault) Complete(ctx context.Context, req *Request) (*Response, error) {
	if req.Model == "" {
		req = req.Clone()
		req.Model = m.model
	}
	return m.Provider.Complete(ctx, req)
}
