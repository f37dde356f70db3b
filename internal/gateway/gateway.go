package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/reliability"
)

// Status is the health of one registered backend.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
)

// Config controls selection, timeouts and health transitions.
type Config struct {
	TranscribeTimeout time.Duration
	GenerateTimeout   time.Duration
	SynthesizeTimeout time.Duration

	// DegradedAfter consecutive failures mark a descriptor degraded;
	// UnavailableAfter further consecutive failures mark it unavailable.
	DegradedAfter    int
	UnavailableAfter int

	// MaxAttempts caps the total calls one invoke may issue across
	// fallback descriptors.
	MaxAttempts int

	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (c Config) withDefaults() Config {
	if c.TranscribeTimeout <= 0 {
		c.TranscribeTimeout = 6 * time.Second
	}
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = 30 * time.Second
	}
	if c.SynthesizeTimeout <= 0 {
		c.SynthesizeTimeout = 8 * time.Second
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = 3
	}
	if c.UnavailableAfter <= 0 {
		c.UnavailableAfter = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 100 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 2 * time.Second
	}
	return c
}

// DescriptorView is a read-only snapshot of one backend registration.
type DescriptorView struct {
	ID                  string              `json:"id"`
	Name                string              `json:"name"`
	Capability          provider.Capability `json:"capability"`
	Priority            int                 `json:"priority"`
	Status              Status              `json:"status"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	LastError           string              `json:"last_error,omitempty"`
}

type descriptor struct {
	id         string
	name       string
	capability provider.Capability
	priority   int

	transcriber provider.Transcriber
	generator   provider.Generator
	synthesizer provider.Synthesizer

	mu                  sync.Mutex
	status              Status
	consecutiveFailures int
	lastError           string
}

// Gateway routes capability calls to the highest-ranked live backend and
// owns all provider health bookkeeping. The turn pipeline never touches
// descriptors directly.
type Gateway struct {
	cfg     Config
	metrics *observability.Metrics

	mu          sync.RWMutex
	descriptors []*descriptor
}

func New(cfg Config, metrics *observability.Metrics) *Gateway {
	return &Gateway{cfg: cfg.withDefaults(), metrics: metrics}
}

// RegisterTranscriber adds a transcription backend. Lower priority ranks first.
func (g *Gateway) RegisterTranscriber(name string, priority int, t provider.Transcriber) string {
	return g.register(&descriptor{
		name:        name,
		capability:  provider.CapabilityTranscribe,
		priority:    priority,
		transcriber: t,
	})
}

// RegisterGenerator adds a generation backend.
func (g *Gateway) RegisterGenerator(name string, priority int, gen provider.Generator) string {
	return g.register(&descriptor{
		name:       name,
		capability: provider.CapabilityGenerate,
		priority:   priority,
		generator:  gen,
	})
}

// RegisterSynthesizer adds a synthesis backend.
func (g *Gateway) RegisterSynthesizer(name string, priority int, s provider.Synthesizer) string {
	return g.register(&descriptor{
		name:        name,
		capability:  provider.CapabilitySynthesize,
		priority:    priority,
		synthesizer: s,
	})
}

func (g *Gateway) register(d *descriptor) string {
	d.id = uuid.NewString()
	d.status = StatusHealthy
	g.mu.Lock()
	defer g.mu.Unlock()
	g.descriptors = append(g.descriptors, d)
	return d.id
}

// Snapshot returns the current descriptor table, ordered by capability
// then priority.
func (g *Gateway) Snapshot() []DescriptorView {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]DescriptorView, 0, len(g.descriptors))
	for _, d := range g.descriptors {
		d.mu.Lock()
		out = append(out, DescriptorView{
			ID:                  d.id,
			Name:                d.name,
			Capability:          d.capability,
			Priority:            d.priority,
			Status:              d.status,
			ConsecutiveFailures: d.consecutiveFailures,
			LastError:           d.lastError,
		})
		d.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Capability != out[j].Capability {
			return out[i].Capability < out[j].Capability
		}
		return out[i].Priority < out[j].Priority
	})
	return out
}

// ReportRecovery promotes a degraded or unavailable descriptor back to
// healthy. This is the only path that improves status outside of a
// successful call.
func (g *Gateway) ReportRecovery(descriptorID string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, d := range g.descriptors {
		if d.id != descriptorID {
			continue
		}
		d.mu.Lock()
		d.status = StatusHealthy
		d.consecutiveFailures = 0
		d.lastError = ""
		d.mu.Unlock()
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownDescriptor, descriptorID)
}

// Prober checks whether an impaired backend answers again.
type Prober func(ctx context.Context, d DescriptorView) bool

// StartProbe periodically re-checks degraded/unavailable descriptors and
// promotes the ones the prober vouches for.
func (g *Gateway) StartProbe(ctx context.Context, interval time.Duration, probe Prober) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, v := range g.Snapshot() {
					if v.Status == StatusHealthy {
						continue
					}
					if probe == nil || probe(ctx, v) {
						_ = g.ReportRecovery(v.ID)
					}
				}
			}
		}
	}()
}

// Transcribe routes one transcription call with ordered fallback.
// attempts reports how many backends were called.
func (g *Gateway) Transcribe(ctx context.Context, req provider.TranscribeRequest) (provider.TranscribeResult, int, error) {
	var res provider.TranscribeResult
	attempts, err := g.invoke(ctx, provider.CapabilityTranscribe, g.cfg.TranscribeTimeout, func(callCtx context.Context, d *descriptor) error {
		r, err := d.transcriber.Transcribe(callCtx, req)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	return res, attempts, err
}

// Generate routes one generation call. Deltas stream to onDelta in order.
// A failing attempt is retried on the next descriptor only while no delta
// has been forwarded: delivered output is never retracted, so replaying a
// partially streamed response would duplicate it.
func (g *Gateway) Generate(ctx context.Context, req provider.GenerateRequest, onDelta provider.DeltaHandler) (provider.GenerateResult, int, error) {
	var res provider.GenerateResult
	attempts, err := g.invoke(ctx, provider.CapabilityGenerate, g.cfg.GenerateTimeout, func(callCtx context.Context, d *descriptor) error {
		emitted := false
		wrapped := func(delta string) error {
			emitted = true
			if onDelta == nil {
				return nil
			}
			return onDelta(delta)
		}
		r, err := d.generator.StreamResponse(callCtx, req, wrapped)
		if err != nil {
			if emitted {
				return &abortFallbackError{err: err}
			}
			return err
		}
		res = r
		return nil
	})
	return res, attempts, err
}

// Synthesize routes one synthesis call with ordered fallback.
func (g *Gateway) Synthesize(ctx context.Context, req provider.SynthesizeRequest) (provider.AudioFrame, int, error) {
	var res provider.AudioFrame
	attempts, err := g.invoke(ctx, provider.CapabilitySynthesize, g.cfg.SynthesizeTimeout, func(callCtx context.Context, d *descriptor) error {
		r, err := d.synthesizer.Synthesize(callCtx, req)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	return res, attempts, err
}

// abortFallbackError marks a failure that must not be retried elsewhere.
type abortFallbackError struct{ err error }

func (e *abortFallbackError) Error() string { return e.err.Error() }
func (e *abortFallbackError) Unwrap() error { return e.err }

func (g *Gateway) invoke(ctx context.Context, cap provider.Capability, timeout time.Duration, call func(context.Context, *descriptor) error) (int, error) {
	candidates := g.candidates(cap)
	if len(candidates) == 0 {
		return 0, fmt.Errorf("%w for capability %s", ErrNoProviderAvailable, cap)
	}
	max := g.cfg.MaxAttempts
	if max > len(candidates) {
		max = len(candidates)
	}

	var attempts []Attempt
	for i := 0; i < max; i++ {
		if i > 0 {
			wait := reliability.ExponentialBackoff(i-1, g.cfg.BackoffBase, g.cfg.BackoffCap)
			select {
			case <-ctx.Done():
				return len(attempts), ctx.Err()
			case <-time.After(wait):
			}
		}

		d := candidates[i]
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		err := call(callCtx, d)
		cancel()
		if err == nil {
			g.recordSuccess(d)
			return i + 1, nil
		}

		g.recordFailure(d, err)
		attempts = append(attempts, Attempt{DescriptorID: d.id, Name: d.name, Err: err})

		if abort, ok := err.(*abortFallbackError); ok {
			attempts[len(attempts)-1].Err = abort.err
			break
		}
		if !reliability.IsRetryableCallError(err) {
			return len(attempts), err
		}
		if ctx.Err() != nil {
			return len(attempts), ctx.Err()
		}
	}
	return len(attempts), &ExhaustedError{Capability: cap, Attempts: attempts}
}

// candidates returns healthy descriptors ranked by priority, then degraded
// ones. Unavailable descriptors are never selected.
func (g *Gateway) candidates(cap provider.Capability) []*descriptor {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var healthy, degraded []*descriptor
	for _, d := range g.descriptors {
		if d.capability != cap {
			continue
		}
		d.mu.Lock()
		status := d.status
		d.mu.Unlock()
		switch status {
		case StatusHealthy:
			healthy = append(healthy, d)
		case StatusDegraded:
			degraded = append(degraded, d)
		}
	}
	byPriority := func(ds []*descriptor) {
		sort.SliceStable(ds, func(i, j int) bool { return ds[i].priority < ds[j].priority })
	}
	byPriority(healthy)
	byPriority(degraded)
	return append(healthy, degraded...)
}

func (g *Gateway) recordSuccess(d *descriptor) {
	d.mu.Lock()
	d.status = StatusHealthy
	d.consecutiveFailures = 0
	d.lastError = ""
	d.mu.Unlock()
}

func (g *Gateway) recordFailure(d *descriptor, err error) {
	d.mu.Lock()
	d.consecutiveFailures++
	d.lastError = err.Error()
	switch {
	case d.consecutiveFailures >= g.cfg.DegradedAfter+g.cfg.UnavailableAfter:
		d.status = StatusUnavailable
	case d.consecutiveFailures >= g.cfg.DegradedAfter:
		d.status = StatusDegraded
	}
	capability := string(d.capability)
	name := d.name
	d.mu.Unlock()

	if g.metrics != nil {
		g.metrics.ProviderErrors.WithLabelValues(capability+"/"+name, classify(err)).Inc()
	}
}

func classify(err error) string {
	if reliability.IsTimeout(err) {
		return "timeout"
	}
	return "call_failed"
}
