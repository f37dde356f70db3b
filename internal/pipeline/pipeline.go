package pipeline

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/gateway"
	"github.com/parleyhq/parley/internal/memory"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/policy"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/sink"
)

// Config tunes validation and retrieval for the pipeline.
type Config struct {
	Validator policy.Validator
	// FallbackResponse, when set, substitutes a rejected response instead
	// of failing the turn.
	FallbackResponse string
	// RetrieveK bounds long-term snippets fetched per turn.
	RetrieveK int
}

// Pipeline drives one turn at a time through an explicit state machine:
// pending → transcribing (audio input) → context_lookup → generating →
// validating → synthesizing (voice channel) → delivered, with failed
// reachable from every non-terminal state. Stage boundaries are the
// cancellation checkpoints.
type Pipeline struct {
	gw      *gateway.Gateway
	store   *memory.Store
	metrics *observability.Metrics
	cfg     Config
}

func New(gw *gateway.Gateway, store *memory.Store, metrics *observability.Metrics, cfg Config) *Pipeline {
	if cfg.RetrieveK < 0 {
		cfg.RetrieveK = 0
	}
	return &Pipeline{gw: gw, store: store, metrics: metrics, cfg: cfg}
}

// ProcessTurn drives the turn to a terminal status. Turn failures are
// expressed on the returned Turn, never as a panic or a session fault.
func (p *Pipeline) ProcessTurn(ctx context.Context, turn *Turn, out sink.Sink) *Turn {
	turn.Status = StatusPending
	turn.StartedAt = time.Now().UTC()
	defer p.finish(turn)

	inputText := strings.TrimSpace(turn.Input.Text)

	if turn.Input.Kind == InputAudio {
		turn.Status = StatusTranscribing
		t0 := time.Now()
		res, attempts, err := p.gw.Transcribe(ctx, provider.TranscribeRequest{
			SessionID:  turn.SessionID,
			Audio:      turn.Input.Audio,
			SampleRate: turn.Input.SampleRate,
		})
		turn.recordRetries("transcribe", attempts)
		p.observeStage("transcribe", t0)
		if err != nil {
			if ctx.Err() != nil {
				return p.fail(turn, ReasonCanceled, err)
			}
			return p.fail(turn, ReasonTranscriptionUnavailable, err)
		}
		inputText = strings.TrimSpace(res.Text)
	}
	turn.InputText = inputText

	if ctx.Err() != nil {
		return p.fail(turn, ReasonCanceled, ctx.Err())
	}

	// Context lookup delays the turn but never fails it: an empty context
	// is an acceptable degradation.
	turn.Status = StatusContextLookup
	t0 := time.Now()
	seq := p.store.Retrieve(ctx, turn.SessionID, inputText, p.cfg.RetrieveK)
	snippets := seq.Collect()
	if err := seq.Err(); err != nil {
		log.Printf("session %s turn %d: context unavailable: %v", turn.SessionID, turn.Seq, err)
		p.countIndicator("context_unavailable")
		snippets = nil
	}
	p.store.ReplaceSnippets(turn.SessionID, snippets)
	p.observeStage("context_lookup", t0)

	if ctx.Err() != nil {
		return p.fail(turn, ReasonCanceled, ctx.Err())
	}

	turn.Status = StatusGenerating
	window := p.store.Window(turn.SessionID)
	shortTerm := make([]string, 0, 2*len(window))
	for _, ex := range window {
		shortTerm = append(shortTerm, "user: "+ex.Input, "assistant: "+ex.Output)
	}
	memoryCtx := make([]string, 0, len(snippets))
	for _, sn := range snippets {
		memoryCtx = append(memoryCtx, sn.Text)
	}

	var (
		chunks     []string
		deliverErr error
	)
	genStart := time.Now()
	onDelta := func(delta string) error {
		if delta == "" {
			return nil
		}
		err := out.Deliver(ctx, sink.Chunk{
			SessionID: turn.SessionID,
			TurnSeq:   turn.Seq,
			Seq:       len(chunks),
			Kind:      sink.KindText,
			Text:      delta,
		})
		if err != nil {
			deliverErr = err
			return err
		}
		if len(chunks) == 0 {
			p.observeStage("generate_first_delta", genStart)
			if p.metrics != nil {
				p.metrics.ObserveFirstChunkLatency(time.Since(turn.StartedAt))
			}
		}
		chunks = append(chunks, delta)
		turn.Chunks++
		return nil
	}
	res, attempts, err := p.gw.Generate(ctx, provider.GenerateRequest{
		SessionID:     turn.SessionID,
		TurnID:        turn.ID,
		InputText:     inputText,
		ShortTerm:     shortTerm,
		MemoryContext: memoryCtx,
	}, onDelta)
	turn.recordRetries("generate", attempts)
	p.observeStage("generate", genStart)
	if err != nil {
		if deliverErr != nil {
			return p.fail(turn, ReasonDeliveryFailed, deliverErr)
		}
		if ctx.Err() != nil {
			return p.fail(turn, ReasonCanceled, err)
		}
		return p.fail(turn, ReasonGenerationUnavailable, err)
	}
	response := res.Text
	if response == "" {
		response = strings.Join(chunks, "")
	}

	// Validation runs on the complete assembled response; it never re-runs
	// generation.
	turn.Status = StatusValidating
	if ok, reason := p.cfg.Validator.Check(response); !ok {
		p.countIndicator("response_rejected_" + reason)
		if p.cfg.FallbackResponse == "" {
			return p.fail(turn, ReasonResponseRejected, errors.New(reason))
		}
		response = p.cfg.FallbackResponse
		chunks = []string{response}
		err := out.Deliver(ctx, sink.Chunk{
			SessionID: turn.SessionID,
			TurnSeq:   turn.Seq,
			Seq:       turn.Chunks,
			Kind:      sink.KindText,
			Text:      response,
		})
		if err != nil {
			return p.fail(turn, ReasonDeliveryFailed, err)
		}
		turn.Chunks++
	}
	turn.Response = response

	if turn.Channel == ChannelVoice {
		turn.Status = StatusSynthesizing
		for i, chunk := range chunks {
			if ctx.Err() != nil {
				return p.fail(turn, ReasonCanceled, ctx.Err())
			}
			t0 := time.Now()
			frame, attempts, err := p.gw.Synthesize(ctx, provider.SynthesizeRequest{
				SessionID: turn.SessionID,
				TurnID:    turn.ID,
				Seq:       i,
				Text:      chunk,
			})
			turn.recordRetries("synthesize", attempts)
			p.observeStage("synthesize_chunk", t0)
			if err != nil {
				if ctx.Err() != nil {
					return p.fail(turn, ReasonCanceled, err)
				}
				return p.fail(turn, ReasonSynthesisUnavailable, err)
			}
			err = out.Deliver(ctx, sink.Chunk{
				SessionID: turn.SessionID,
				TurnSeq:   turn.Seq,
				Seq:       i,
				Kind:      sink.KindAudio,
				Audio:     frame.Data,
				Format:    frame.Format,
			})
			if err != nil {
				return p.fail(turn, ReasonDeliveryFailed, err)
			}
		}
	}

	p.store.AppendExchange(turn.SessionID, inputText, response)
	turn.Status = StatusDelivered
	return turn
}

// ProcessStatic delivers a fixed response (a welcome or fallback message)
// as a complete turn without invoking generation or touching context.
func (p *Pipeline) ProcessStatic(ctx context.Context, turn *Turn, text string, out sink.Sink) *Turn {
	turn.Status = StatusPending
	turn.StartedAt = time.Now().UTC()
	defer p.finish(turn)

	turn.Response = text
	err := out.Deliver(ctx, sink.Chunk{
		SessionID: turn.SessionID,
		TurnSeq:   turn.Seq,
		Seq:       0,
		Kind:      sink.KindText,
		Text:      text,
	})
	if err != nil {
		return p.fail(turn, ReasonDeliveryFailed, err)
	}
	turn.Chunks = 1

	if turn.Channel == ChannelVoice {
		turn.Status = StatusSynthesizing
		frame, attempts, err := p.gw.Synthesize(ctx, provider.SynthesizeRequest{
			SessionID: turn.SessionID,
			TurnID:    turn.ID,
			Seq:       0,
			Text:      text,
		})
		turn.recordRetries("synthesize", attempts)
		if err != nil {
			return p.fail(turn, ReasonSynthesisUnavailable, err)
		}
		err = out.Deliver(ctx, sink.Chunk{
			SessionID: turn.SessionID,
			TurnSeq:   turn.Seq,
			Seq:       0,
			Kind:      sink.KindAudio,
			Audio:     frame.Data,
			Format:    frame.Format,
		})
		if err != nil {
			return p.fail(turn, ReasonDeliveryFailed, err)
		}
	}

	turn.Status = StatusDelivered
	return turn
}

func (p *Pipeline) fail(turn *Turn, reason FailReason, err error) *Turn {
	log.Printf("session %s turn %d failed in %s: %s: %v", turn.SessionID, turn.Seq, turn.Status, reason, err)
	turn.Status = StatusFailed
	turn.Reason = reason
	return turn
}

func (p *Pipeline) finish(turn *Turn) {
	turn.CompletedAt = time.Now().UTC()
	p.observeStage("turn_total", turn.StartedAt)
	if p.metrics != nil {
		p.metrics.TurnOutcomes.WithLabelValues(string(turn.Status), string(turn.Reason)).Inc()
	}
}

func (p *Pipeline) countIndicator(name string) {
	if p.metrics != nil {
		p.metrics.CountIndicator(name)
	}
}

func (p *Pipeline) observeStage(stage string, since time.Time) {
	if p.metrics != nil {
		p.metrics.ObserveStage(stage, time.Since(since))
	}
}
