package protocol

import "time"

// TTSRequest asks the service to speak text. Order is "completion" (default)
// or "sentence".
type TTSRequest struct {
	SessionID string  `json:"session_id"`
	Target    string  `json:"target,omitempty"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
	Order     string  `json:"order,omitempty"`
}

// AudioChunk carries one sentence's WAV container. Sequence counts published
// chunks; SentenceIndex is the sentence's position in the request text.
type AudioChunk struct {
	SessionID     string `json:"session_id"`
	Target        string `json:"target,omitempty"`
	JobID         string `json:"job_id"`
	Sequence      int    `json:"sequence"`
	SentenceIndex int    `json:"sentence_index"`
	SampleRate    int    `json:"sample_rate,omitempty"`
	Channels      int    `json:"channels,omitempty"`
	SampleWidth   int    `json:"sample_width,omitempty"`
	Payload       []byte `json:"payload"`
	Final         bool   `json:"final"`
}

type SkippedSentence struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// TTSStatus is published once per request after its last chunk.
type TTSStatus struct {
	SessionID string            `json:"session_id"`
	Target    string            `json:"target,omitempty"`
	JobID     string            `json:"job_id,omitempty"`
	Completed bool              `json:"completed"`
	Units     int               `json:"units"`
	Delivered int               `json:"delivered"`
	Skipped   []SkippedSentence `json:"skipped,omitempty"`
	Error     string            `json:"error,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

const (
	SubjectTTSRequest = "tts.request"
	SubjectTTSAudio   = "tts.audio"
	SubjectTTSDone    = "tts.done"

	// StreamTTSStatus retains completion statuses when JetStream is available.
	StreamTTSStatus = "TTS_STATUS"
)
