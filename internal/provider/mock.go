package provider

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MockTranscriber is a local backend used when no real transcription
// service is configured. It labels audio by size rather than decoding it.
type MockTranscriber struct{}

func NewMockTranscriber() *MockTranscriber { return &MockTranscriber{} }

func (t *MockTranscriber) Transcribe(ctx context.Context, req TranscribeRequest) (TranscribeResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscribeResult{}, err
	}
	if len(req.Audio) == 0 {
		return TranscribeResult{Text: "", Confidence: 0}, nil
	}
	return TranscribeResult{
		Text:       fmt.Sprintf("simulated utterance (%d bytes)", len(req.Audio)),
		Confidence: 0.7,
	}, nil
}

// MockGenerator echoes the input back word by word so streaming paths
// exercise real multi-delta responses.
type MockGenerator struct {
	// DeltaDelay paces deltas to mimic token streaming; zero means no pacing.
	DeltaDelay time.Duration
}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (g *MockGenerator) StreamResponse(ctx context.Context, req GenerateRequest, onDelta DeltaHandler) (GenerateResult, error) {
	reply := "You said: " + strings.TrimSpace(req.InputText)
	words := strings.Fields(reply)
	var b strings.Builder
	for i, w := range words {
		if err := ctx.Err(); err != nil {
			return GenerateResult{}, err
		}
		delta := w
		if i < len(words)-1 {
			delta += " "
		}
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return GenerateResult{}, err
			}
		}
		b.WriteString(delta)
		if g.DeltaDelay > 0 {
			select {
			case <-ctx.Done():
				return GenerateResult{}, ctx.Err()
			case <-time.After(g.DeltaDelay):
			}
		}
	}
	return GenerateResult{Text: b.String()}, nil
}

// MockSynthesizer emits silence-filled PCM frames sized to the text length.
type MockSynthesizer struct{}

func NewMockSynthesizer() *MockSynthesizer { return &MockSynthesizer{} }

func (s *MockSynthesizer) Synthesize(ctx context.Context, req SynthesizeRequest) (AudioFrame, error) {
	if err := ctx.Err(); err != nil {
		return AudioFrame{}, err
	}
	// 2 bytes per sample, a handful of samples per character keeps frame
	// sizes proportional to speech length without doing real synthesis.
	n := len(req.Text) * 64
	if n == 0 {
		n = 64
	}
	return AudioFrame{Format: "pcm_16000", Data: make([]byte, n)}, nil
}
