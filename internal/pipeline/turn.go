package pipeline

import "time"

// Channel selects the session's output modality.
type Channel string

const (
	ChannelVoice Channel = "voice"
	ChannelText  Channel = "text"
)

// Status is a turn's position in the pipeline state machine.
type Status string

const (
	StatusPending       Status = "pending"
	StatusTranscribing  Status = "transcribing"
	StatusContextLookup Status = "context_lookup"
	StatusGenerating    Status = "generating"
	StatusValidating    Status = "validating"
	StatusSynthesizing  Status = "synthesizing"
	StatusDelivered     Status = "delivered"
	StatusFailed        Status = "failed"
)

// Terminal reports whether a status ends the turn.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// FailReason explains a failed turn.
type FailReason string

const (
	ReasonTranscriptionUnavailable FailReason = "transcription_unavailable"
	ReasonGenerationUnavailable    FailReason = "generation_unavailable"
	ReasonResponseRejected         FailReason = "response_rejected"
	ReasonSynthesisUnavailable     FailReason = "synthesis_unavailable"
	ReasonDeliveryFailed           FailReason = "delivery_failed"
	ReasonCanceled                 FailReason = "canceled"
)

// InputKind distinguishes raw input payloads.
type InputKind string

const (
	InputAudio InputKind = "audio"
	InputText  InputKind = "text"
)

// Input is one raw input unit handed to the pipeline.
type Input struct {
	Kind       InputKind
	Text       string
	Audio      []byte
	SampleRate int
}

// Turn is one input→output cycle. The pipeline owns it while active; the
// session appends it immutably on completion or terminal failure.
type Turn struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Seq       uint64     `json:"seq"`
	Channel   Channel    `json:"channel"`
	Input     Input      `json:"-"`
	InputText string     `json:"input_text"`
	Response  string     `json:"response"`
	Status    Status     `json:"status"`
	Reason    FailReason `json:"reason,omitempty"`
	// Retries counts extra backend attempts per stage, keyed by stage name.
	Retries     map[string]int `json:"retries,omitempty"`
	Chunks      int            `json:"chunks"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

func (t *Turn) recordRetries(stage string, attempts int) {
	if attempts <= 1 {
		return
	}
	if t.Retries == nil {
		t.Retries = make(map[string]int)
	}
	t.Retries[stage] += attempts - 1
}
