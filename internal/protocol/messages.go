// Package protocol defines the JSON messages exchanged on the bus.
package protocol

import "time"

// NarrationRequest asks the runtime to narrate a subject.
type NarrationRequest struct {
	SessionID string    `json:"session_id"`
	Subject   string    `json:"subject"`
	Location  string    `json:"location,omitempty"`
	Time      string    `json:"time,omitempty"`
	Interest  string    `json:"interest,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Direction string    `json:"direction,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NarrationText carries one assembled sentence.
type NarrationText struct {
	SessionID string `json:"session_id"`
	Index     int    `json:"index"`
	Text      string `json:"text"`
	TraceID   string `json:"trace_id,omitempty"`
}

// NarrationAudio carries one audio chunk of the sentence with the same
// index. Sequence restarts at zero for every sentence.
type NarrationAudio struct {
	SessionID string `json:"session_id"`
	Index     int    `json:"index"`
	Sequence  int    `json:"sequence"`
	Audio     []byte `json:"audio"`
	TraceID   string `json:"trace_id,omitempty"`
}

// NarrationDone closes a session's stream. Error is set when it failed.
type NarrationDone struct {
	SessionID  string    `json:"session_id"`
	Sentences  int       `json:"sentences"`
	AudioBytes int       `json:"audio_bytes"`
	Error      string    `json:"error,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectNarrationRequest = "narration.request"
	SubjectNarrationText    = "narration.text"
	SubjectNarrationAudio   = "narration.audio"
	SubjectNarrationDone    = "narration.done"
)
