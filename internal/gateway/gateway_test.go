package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/provider"
)

type stubTranscriber struct {
	calls int
	fn    func(provider.TranscribeRequest) (provider.TranscribeResult, error)
}

func (s *stubTranscriber) Transcribe(_ context.Context, req provider.TranscribeRequest) (provider.TranscribeResult, error) {
	s.calls++
	return s.fn(req)
}

type stubGenerator struct {
	calls int
	fn    func(provider.GenerateRequest, provider.DeltaHandler) (provider.GenerateResult, error)
}

func (s *stubGenerator) StreamResponse(_ context.Context, req provider.GenerateRequest, onDelta provider.DeltaHandler) (provider.GenerateResult, error) {
	s.calls++
	return s.fn(req, onDelta)
}

type stubSynthesizer struct {
	calls int
	fn    func(provider.SynthesizeRequest) (provider.AudioFrame, error)
}

func (s *stubSynthesizer) Synthesize(_ context.Context, req provider.SynthesizeRequest) (provider.AudioFrame, error) {
	s.calls++
	return s.fn(req)
}

func testConfig() Config {
	return Config{
		TranscribeTimeout: time.Second,
		GenerateTimeout:   time.Second,
		SynthesizeTimeout: time.Second,
		DegradedAfter:     3,
		UnavailableAfter:  3,
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		BackoffCap:        time.Millisecond,
	}
}

func statusOf(t *testing.T, g *Gateway, id string) DescriptorView {
	t.Helper()
	for _, v := range g.Snapshot() {
		if v.ID == id {
			return v
		}
	}
	t.Fatalf("descriptor %s not in snapshot", id)
	return DescriptorView{}
}

func TestGenerateFallsBackToSecondary(t *testing.T) {
	g := New(testConfig(), nil)
	boom := errors.New("upstream 503")
	primary := &stubGenerator{fn: func(provider.GenerateRequest, provider.DeltaHandler) (provider.GenerateResult, error) {
		return provider.GenerateResult{}, boom
	}}
	secondary := &stubGenerator{fn: func(_ provider.GenerateRequest, onDelta provider.DeltaHandler) (provider.GenerateResult, error) {
		if err := onDelta("from secondary"); err != nil {
			return provider.GenerateResult{}, err
		}
		return provider.GenerateResult{Text: "from secondary"}, nil
	}}
	primaryID := g.RegisterGenerator("primary", 0, primary)
	g.RegisterGenerator("secondary", 1, secondary)

	var deltas []string
	res, attempts, err := g.Generate(context.Background(), provider.GenerateRequest{InputText: "hi"}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Text != "from secondary" {
		t.Fatalf("Text = %q, want secondary output", res.Text)
	}
	if len(deltas) != 1 || deltas[0] != "from secondary" {
		t.Fatalf("deltas = %v, want one secondary delta", deltas)
	}
	if primary.calls != 1 {
		t.Fatalf("primary calls = %d, want 1", primary.calls)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	if v := statusOf(t, g, primaryID); v.ConsecutiveFailures != 1 {
		t.Fatalf("primary ConsecutiveFailures = %d, want 1", v.ConsecutiveFailures)
	}
}

func TestHealthTransitionsDegradedThenUnavailable(t *testing.T) {
	g := New(testConfig(), nil)
	boom := errors.New("connection refused")
	failing := &stubTranscriber{fn: func(provider.TranscribeRequest) (provider.TranscribeResult, error) {
		return provider.TranscribeResult{}, boom
	}}
	id := g.RegisterTranscriber("flaky", 0, failing)

	for i := 0; i < 3; i++ {
		if _, _, err := g.Transcribe(context.Background(), provider.TranscribeRequest{}); err == nil {
			t.Fatalf("Transcribe() should fail")
		}
	}
	if v := statusOf(t, g, id); v.Status != StatusDegraded {
		t.Fatalf("after 3 failures status = %q, want %q", v.Status, StatusDegraded)
	}

	// Degraded descriptors are still selected while nothing healthier exists.
	for i := 0; i < 3; i++ {
		if _, _, err := g.Transcribe(context.Background(), provider.TranscribeRequest{}); err == nil {
			t.Fatalf("Transcribe() should fail")
		}
	}
	if v := statusOf(t, g, id); v.Status != StatusUnavailable {
		t.Fatalf("after 6 failures status = %q, want %q", v.Status, StatusUnavailable)
	}

	// Unavailable descriptors are never selected.
	_, _, err := g.Transcribe(context.Background(), provider.TranscribeRequest{})
	if !errors.Is(err, ErrNoProviderAvailable) {
		t.Fatalf("error = %v, want ErrNoProviderAvailable", err)
	}

	if err := g.ReportRecovery(id); err != nil {
		t.Fatalf("ReportRecovery() error = %v", err)
	}
	if v := statusOf(t, g, id); v.Status != StatusHealthy || v.ConsecutiveFailures != 0 {
		t.Fatalf("after recovery status = %q failures = %d, want healthy/0", v.Status, v.ConsecutiveFailures)
	}
}

func TestSuccessFromDegradedResetsHealthy(t *testing.T) {
	g := New(testConfig(), nil)
	var fail bool
	s := &stubSynthesizer{fn: func(req provider.SynthesizeRequest) (provider.AudioFrame, error) {
		if fail {
			return provider.AudioFrame{}, errors.New("tts stall")
		}
		return provider.AudioFrame{Format: "pcm_16000", Data: []byte{0}}, nil
	}}
	id := g.RegisterSynthesizer("tts", 0, s)

	fail = true
	for i := 0; i < 3; i++ {
		_, _, _ = g.Synthesize(context.Background(), provider.SynthesizeRequest{Text: "x"})
	}
	if v := statusOf(t, g, id); v.Status != StatusDegraded {
		t.Fatalf("status = %q, want degraded", v.Status)
	}

	fail = false
	if _, _, err := g.Synthesize(context.Background(), provider.SynthesizeRequest{Text: "x"}); err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if v := statusOf(t, g, id); v.Status != StatusHealthy || v.ConsecutiveFailures != 0 {
		t.Fatalf("status = %q failures = %d, want healthy/0", v.Status, v.ConsecutiveFailures)
	}
}

func TestExhaustedCarriesAllAttempts(t *testing.T) {
	g := New(testConfig(), nil)
	mk := func(msg string) *stubTranscriber {
		return &stubTranscriber{fn: func(provider.TranscribeRequest) (provider.TranscribeResult, error) {
			return provider.TranscribeResult{}, errors.New(msg)
		}}
	}
	g.RegisterTranscriber("a", 0, mk("a down"))
	g.RegisterTranscriber("b", 1, mk("b down"))

	_, _, err := g.Transcribe(context.Background(), provider.TranscribeRequest{})
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %v, want ExhaustedError", err)
	}
	if len(exhausted.Attempts) != 2 {
		t.Fatalf("len(Attempts) = %d, want 2", len(exhausted.Attempts))
	}
	if exhausted.Attempts[0].Name != "a" || exhausted.Attempts[1].Name != "b" {
		t.Fatalf("attempt order = %s,%s, want a,b", exhausted.Attempts[0].Name, exhausted.Attempts[1].Name)
	}
}

func TestAttemptCapLimitsFallback(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 2
	g := New(cfg, nil)
	var calls int
	mk := func() *stubGenerator {
		return &stubGenerator{fn: func(provider.GenerateRequest, provider.DeltaHandler) (provider.GenerateResult, error) {
			calls++
			return provider.GenerateResult{}, errors.New("down")
		}}
	}
	g.RegisterGenerator("a", 0, mk())
	g.RegisterGenerator("b", 1, mk())
	g.RegisterGenerator("c", 2, mk())

	_, _, err := g.Generate(context.Background(), provider.GenerateRequest{}, nil)
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %v, want ExhaustedError", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (attempt cap)", calls)
	}
}

func TestGenerateDoesNotFallBackAfterFirstDelta(t *testing.T) {
	g := New(testConfig(), nil)
	primary := &stubGenerator{fn: func(_ provider.GenerateRequest, onDelta provider.DeltaHandler) (provider.GenerateResult, error) {
		if err := onDelta("partial "); err != nil {
			return provider.GenerateResult{}, err
		}
		return provider.GenerateResult{}, errors.New("mid-stream drop")
	}}
	secondary := &stubGenerator{fn: func(provider.GenerateRequest, provider.DeltaHandler) (provider.GenerateResult, error) {
		return provider.GenerateResult{Text: "never"}, nil
	}}
	g.RegisterGenerator("primary", 0, primary)
	g.RegisterGenerator("secondary", 1, secondary)

	_, _, err := g.Generate(context.Background(), provider.GenerateRequest{}, func(string) error { return nil })
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %v, want ExhaustedError", err)
	}
	if secondary.calls != 0 {
		t.Fatalf("secondary calls = %d, want 0 once output was streamed", secondary.calls)
	}
}

func TestCancellationPropagatesWithoutFallback(t *testing.T) {
	g := New(testConfig(), nil)
	primary := &stubGenerator{fn: func(provider.GenerateRequest, provider.DeltaHandler) (provider.GenerateResult, error) {
		return provider.GenerateResult{}, context.Canceled
	}}
	secondary := &stubGenerator{fn: func(provider.GenerateRequest, provider.DeltaHandler) (provider.GenerateResult, error) {
		return provider.GenerateResult{Text: "never"}, nil
	}}
	g.RegisterGenerator("primary", 0, primary)
	g.RegisterGenerator("secondary", 1, secondary)

	_, _, err := g.Generate(context.Background(), provider.GenerateRequest{}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if secondary.calls != 0 {
		t.Fatalf("secondary calls = %d, want 0 on cancellation", secondary.calls)
	}
}

func TestNoProviderAvailableWhenNoneRegistered(t *testing.T) {
	g := New(testConfig(), nil)
	_, _, err := g.Transcribe(context.Background(), provider.TranscribeRequest{})
	if !errors.Is(err, ErrNoProviderAvailable) {
		t.Fatalf("error = %v, want ErrNoProviderAvailable", err)
	}
}

func TestStartProbePromotesImpairedDescriptors(t *testing.T) {
	g := New(testConfig(), nil)
	failing := &stubTranscriber{fn: func(provider.TranscribeRequest) (provider.TranscribeResult, error) {
		return provider.TranscribeResult{}, errors.New("down")
	}}
	id := g.RegisterTranscriber("flaky", 0, failing)
	for i := 0; i < 3; i++ {
		_, _, _ = g.Transcribe(context.Background(), provider.TranscribeRequest{})
	}
	if v := statusOf(t, g, id); v.Status != StatusDegraded {
		t.Fatalf("status = %q, want degraded", v.Status)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.StartProbe(ctx, 5*time.Millisecond, func(context.Context, DescriptorView) bool { return true })

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if statusOf(t, g, id).Status == StatusHealthy {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("probe never promoted descriptor back to healthy")
}
