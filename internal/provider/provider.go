package provider

import "context"

// Capability identifies what service a backend provides.
type Capability string

const (
	CapabilityTranscribe Capability = "transcribe"
	CapabilityGenerate   Capability = "generate"
	CapabilitySynthesize Capability = "synthesize"
)

// TranscribeRequest carries one utterance worth of audio.
type TranscribeRequest struct {
	SessionID  string
	Audio      []byte
	SampleRate int
}

type TranscribeResult struct {
	Text       string
	Confidence float64
}

// GenerateRequest is the normalized request sent to a generation backend.
type GenerateRequest struct {
	SessionID     string
	TurnID        string
	InputText     string
	ShortTerm     []string
	MemoryContext []string
}

// GenerateResult is the final response after streaming deltas.
type GenerateResult struct {
	Text string
}

// DeltaHandler receives streaming text fragments in generation order.
type DeltaHandler func(delta string) error

// SynthesizeRequest carries one response chunk to be voiced.
type SynthesizeRequest struct {
	SessionID string
	TurnID    string
	Seq       int
	Text      string
}

// AudioFrame is one synthesized audio fragment.
type AudioFrame struct {
	Format string
	Data   []byte
}

// Transcriber converts captured audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, req TranscribeRequest) (TranscribeResult, error)
}

// Generator produces a response as an ordered stream of text deltas,
// returning the assembled text once the stream ends.
type Generator interface {
	StreamResponse(ctx context.Context, req GenerateRequest, onDelta DeltaHandler) (GenerateResult, error)
}

// Synthesizer voices one text chunk.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesizeRequest) (AudioFrame, error)
}
