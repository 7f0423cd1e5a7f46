// Package patterns detects recurring workflows in an org's secure event
// stream (temporal intent clustering).
//
// A scan reads the org's most recent events, slides windows over each
// session, clusters window embeddings that are close in intent space and
// in time, asks the configured LLM to name the surviving clusters, fuses
// statistical and model confidence, and upserts the result as
// detected_patterns rows. A pattern is evidence, not an automation: a
// Ghost exists only after an operator approves one.
//
// Scans are idempotent. Pattern IDs derive from the evidence itself, so
// replaying a batch or racing two scans for the same org converges on the
// same rows, and the store never lets a rescan overwrite an operator's
// approve/dismiss decision.
package patterns

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/sync/errgroup"

	"github.com/veyra/ghostwork/llm"
	"github.com/veyra/ghostwork/observability"
	"github.com/veyra/ghostwork/store"
	"github.com/veyra/ghostwork/vtq"
)

// Detection tuning. WindowSize bounds one sliding window and a scan reads
// the most recent 5·WindowSize events; the rest gate what survives each
// stage.
const (
	WindowSize           = 50
	MinClusterSize       = 3
	SimilarityThreshold  = 0.75
	TemporalWindow       = 30 * time.Minute
	ReviewThreshold      = 0.70
	AutoSuggestThreshold = 0.85

	// MaxLiftedClusters caps LLM spend per scan; clusters past the cap
	// resurface on the next scan of the org.
	MaxLiftedClusters = 5
	// maxSampledMembers bounds how many instances one lift prompt shows.
	maxSampledMembers = 5
)

// Service runs detection scans for orgs.
type Service struct {
	store    *store.Store
	registry *llm.Registry
	sanitize *bluemonday.Policy
	metrics  *observability.MetricsManager
	events   *observability.EventLogger
	log      *slog.Logger
}

// Option configures the Service.
type Option func(*Service)

// WithRegistry replaces the provider registry, enabling per-org provider
// and model selection from org_settings.
func WithRegistry(reg *llm.Registry) Option {
	return func(s *Service) { s.registry = reg }
}

// WithMetrics enables metric recording.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(s *Service) { s.metrics = mm }
}

// WithEvents records a business event per detected pattern.
func WithEvents(el *observability.EventLogger) Option {
	return func(s *Service) { s.events = el }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// New creates a detection service. provider names and describes clusters;
// with a nil provider scans still cluster but emit nothing, so outside
// tests a provider is effectively required.
func New(st *store.Store, provider llm.Provider, opts ...Option) *Service {
	s := &Service{
		store:    st,
		sanitize: bluemonday.StrictPolicy(),
		log:      slog.Default(),
	}
	if provider != nil {
		s.registry = llm.NewRegistry(provider)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result is the detector's reply for one scan.
type Result struct {
	PatternsFound int              `json:"patternsFound"`
	Patterns      []*store.Pattern `json:"patterns"`
}

// Detect runs one scan for the org: window extraction, clustering,
// abstraction lifting, confidence fusion, upsert. Fewer than
// MinClusterSize stored events is an empty result, not an error. LLM
// failures are isolated per cluster; store failures abort the scan.
func (s *Service) Detect(ctx context.Context, orgID string) (*Result, error) {
	started := time.Now()

	events, err := s.store.RecentEvents(ctx, orgID, 5*WindowSize)
	if err != nil {
		return nil, fmt.Errorf("patterns: read events: %w", err)
	}

	res := &Result{Patterns: []*store.Pattern{}}
	if len(events) < MinClusterSize {
		return res, nil
	}

	seqs := extractSequences(events)
	clusters := clusterSequences(seqs)
	if len(clusters) > MaxLiftedClusters {
		clusters = clusters[:MaxLiftedClusters]
	}

	provider := s.providerFor(ctx, orgID)
	lifted := make([]*liftResult, len(clusters))
	if provider != nil {
		g, gctx := errgroup.WithContext(ctx)
		for i, c := range clusters {
			g.Go(func() error {
				lr, err := liftCluster(gctx, provider, c)
				if err != nil {
					s.log.Warn("patterns: cluster lift failed",
						"org_id", orgID, "members", len(c.members), "error", err)
					return nil // one bad cluster never fails the scan
				}
				lifted[i] = lr
				return nil
			})
		}
		_ = g.Wait()
	}

	for i, c := range clusters {
		if lifted[i] == nil {
			continue
		}
		p := s.fuse(orgID, c, lifted[i])
		if p == nil {
			continue
		}
		if err := s.store.UpsertPattern(ctx, p); err != nil {
			return nil, fmt.Errorf("patterns: upsert %s: %w", p.ID, err)
		}
		if s.events != nil {
			s.events.LogEvent(ctx, observability.BusinessEvent{
				EventType:   "pattern_detected",
				ServiceName: "ghostd",
				EntityType:  "pattern",
				EntityID:    p.ID,
				OrgID:       orgID,
				Action:      "upsert",
				Details:     fmt.Sprintf(`{"confidence":%.2f,"occurrences":%d}`, p.Confidence, p.Occurrences),
				Success:     true,
			})
		}
		res.Patterns = append(res.Patterns, p)
	}
	res.PatternsFound = len(res.Patterns)

	elapsed := time.Since(started)
	s.recordMetric(observability.MetricDetectCycleMs, float64(elapsed.Milliseconds()), "ms")
	s.recordMetric(observability.MetricDetectPatternCount, float64(res.PatternsFound), "count")
	s.log.Info("patterns: scan complete",
		"org_id", orgID,
		"events", len(events),
		"sequences", len(seqs),
		"clusters", len(clusters),
		"patterns", res.PatternsFound,
		"elapsed_ms", elapsed.Milliseconds(),
	)
	return res, nil
}

// fuse folds the statistical score and the model's confidence into the
// final pattern, or nil when the cluster falls below the review bar or
// was only ever seen in one session.
func (s *Service) fuse(orgID string, c *cluster, lr *liftResult) *store.Pattern {
	llmConf := 0.5
	if lr.Confidence != nil {
		llmConf = clamp01(*lr.Confidence)
	}
	combined := math.Round((0.6*c.statScore()+0.4*llmConf)*100) / 100
	if combined < ReviewThreshold {
		return nil
	}

	// A single session replaying its own overlapping windows is not
	// recurrence, whatever the cluster size says.
	occ := c.occurrences()
	if occ < MinClusterSize {
		return nil
	}

	status := store.PatternNeedsReview
	if combined >= AutoSuggestThreshold {
		status = store.PatternAutoSuggested
	}
	seq := c.intentSequence()
	hashes := c.structuralHashes()
	first, last := c.span()

	return &store.Pattern{
		ID:                   PatternID(orgID, seq, hashes),
		OrgID:                orgID,
		IntentSequence:       seq,
		StructuralHashes:     hashes,
		Occurrences:          occ,
		Confidence:           combined,
		SuggestedName:        s.clean(lr.Name),
		SuggestedDescription: s.clean(lr.Description),
		FirstSeen:            first,
		LastSeen:             last,
		Status:               status,
	}
}

// providerFor resolves the org's provider and model from org_settings,
// falling back to the registry default. Settings lookup failures fall
// back too: a broken settings row should degrade naming, not detection.
func (s *Service) providerFor(ctx context.Context, orgID string) llm.Provider {
	if s.registry == nil {
		return nil
	}
	settings, err := s.store.GetOrgSettings(ctx, orgID)
	if err != nil {
		s.log.Warn("patterns: org settings lookup failed, using default provider",
			"org_id", orgID, "error", err)
		return s.registry.FromSettings("", "")
	}
	return s.registry.FromSettings(settings.LLMProvider, settings.LLMModel)
}

// clean strips any markup the model smuggled into free-text fields.
func (s *Service) clean(text string) string {
	return strings.TrimSpace(s.sanitize.Sanitize(text))
}

func (s *Service) recordMetric(name string, value float64, unit string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordSimple(name, value, unit)
}

// ScanHandler adapts Detect to the vtq consumer. Ingest publishes one
// scan job per org per batch; detection errors nack the job for retry,
// while malformed payloads are logged and dropped so they cannot become
// retry storms.
func (s *Service) ScanHandler() vtq.Handler {
	return func(ctx context.Context, job *vtq.Job) error {
		sj, err := vtq.DecodeScan(job)
		if err != nil {
			s.log.Error("patterns: bad scan job", "job_id", job.ID, "error", err)
			return nil
		}
		res, err := s.Detect(ctx, sj.OrgID)
		if err != nil {
			return err
		}
		s.log.Debug("patterns: scan job done",
			"job_id", job.ID, "org_id", sj.OrgID, "batch_id", sj.BatchID, "patterns", res.PatternsFound)
		return nil
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
