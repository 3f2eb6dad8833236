package protocol

import "time"

// AudioChunk carries captured PCM between the capture adapter and the
// dictation service. Chunks are immutable once published.
type AudioChunk struct {
	SessionID  string    `json:"session_id"`
	Sequence   int       `json:"sequence"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	PCM        []byte    `json:"pcm"`
	CapturedAt time.Time `json:"captured_at"`
	Final      bool      `json:"final"`
}

// SessionCommand values accepted on the control subject.
const (
	CommandStart  = "start"
	CommandStop   = "stop"
	CommandClear  = "clear"
	CommandReload = "reload"
)

// SessionControl starts, stops, or clears a dictation session. A reload
// command carries no session: it swaps the loaded model for the whole
// runtime, with Model defaulting to the configured one.
type SessionControl struct {
	SessionID string    `json:"session_id"`
	Command   string    `json:"command"`
	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptUpdate is the assembled transcript broadcast on the bus. A later
// revision for a session always supersedes earlier text.
type TranscriptUpdate struct {
	SessionID string    `json:"session_id"`
	Revision  int       `json:"revision"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
}

// Session states surfaced to presentation consumers.
const (
	StateIdle       = "idle"
	StateLoading    = "loading"
	StateRecording  = "recording"
	StateProcessing = "processing"
	StateReady      = "ready"
	StateError      = "error"
)

// SessionStatus reports the session state machine and model-load progress.
type SessionStatus struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Progress  int       `json:"progress,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscribeRequest is the recognition request sent across the worker
// boundary. CorrelationID must round-trip unchanged in every response.
type TranscribeRequest struct {
	Command       string  `json:"command"`
	CorrelationID string  `json:"correlation_id"`
	Audio         []byte  `json:"audio"`
	SampleRate    int     `json:"sample_rate"`
	Model         string  `json:"model,omitempty"`
	Language      string  `json:"language,omitempty"`
	Task          string  `json:"task,omitempty"`
	ChunkLengthS  float64 `json:"chunk_length_s,omitempty"`
	StrideLengthS float64 `json:"stride_length_s,omitempty"`
	VocabHint     string  `json:"vocab_hint,omitempty"`
}

// Worker response status kinds.
const (
	StatusInitiate = "initiate"
	StatusProgress = "progress"
	StatusReady    = "ready"
	StatusUpdate   = "update"
	StatusComplete = "complete"
	StatusError    = "error"
)

// TranscribeResponse is one message in the worker's response sequence for a
// single request: initiate, zero or more progress, ready, zero or more
// update, then complete or error.
type TranscribeResponse struct {
	Status        string  `json:"status"`
	CorrelationID string  `json:"correlation_id"`
	Progress      int     `json:"progress,omitempty"`
	Text          string  `json:"text,omitempty"`
	Language      string  `json:"language,omitempty"`
	DurationS     float64 `json:"duration_s,omitempty"`
	Error         string  `json:"error,omitempty"`
}

const (
	SubjectAudioChunkPrefix  = "dictation.audio"
	SubjectSessionControl    = "dictation.control"
	SubjectTranscriptPartial = "dictation.transcript.partial"
	SubjectTranscriptFinal   = "dictation.transcript.final"
	SubjectSessionStatus     = "dictation.status"
	SubjectASRRequest        = "asr.transcribe.request"
	SubjectASRResponse       = "asr.transcribe.response"
)

// AudioChunkSubject returns the per-session audio subject.
func AudioChunkSubject(sessionID string) string {
	return SubjectAudioChunkPrefix + "." + sessionID
}

// ASRResponseSubject returns the per-request response subject.
func ASRResponseSubject(correlationID string) string {
	return SubjectASRResponse + "." + correlationID
}
