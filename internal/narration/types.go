// Package narration turns a streamed text description into spoken audio.
//
// Text fragments from a TextSource are assembled into sentences, and each
// sentence is synthesized as soon as it is complete, so playback can start
// while the rest of the description is still being generated. The Narrator
// exposes the same pipeline in three shapes:
//
//   - Describe: blocking, full text plus one audio payload.
//   - DescribeAudioStream: audio chunks only, in sentence order.
//   - DescribeFullStream: text and audio events interleaved per sentence.
//
// All shapes are pull-based iterators. Breaking out of a range loop cancels
// the request and releases the text and synthesis streams.
package narration

import (
	"context"
	"errors"
	"iter"
)

var (
	// ErrSource wraps failures of the text source.
	ErrSource = errors.New("narration text source failed")
	// ErrSynthesis wraps failures of a synthesis call.
	ErrSynthesis = errors.New("narration synthesis failed")
	// ErrEmptyNarration is returned when the source produced only whitespace.
	ErrEmptyNarration = errors.New("narration text is empty")
)

// RequestContext describes what to narrate. It is created once per request
// and never modified by the pipeline.
type RequestContext struct {
	SessionID string `json:"session_id,omitempty"`
	Subject   string `json:"subject"`
	Location  string `json:"location,omitempty"`
	Time      string `json:"time,omitempty"`
	Interest  string `json:"interest,omitempty"`
	Summary   string `json:"summary,omitempty"`
	Direction string `json:"direction,omitempty"`
}

// Result is the output of the blocking shape.
type Result struct {
	Text  string
	Audio []byte
}

// EventKind tags an Event.
type EventKind string

const (
	EventText  EventKind = "text"
	EventAudio EventKind = "audio"
)

// Event is one element of the interleaved stream. For every sentence the
// text event precedes its audio events, which precede the next sentence.
type Event struct {
	Kind  EventKind
	Index int
	Text  string
	Audio []byte
}

// TextSource produces the narration text for a request.
type TextSource interface {
	// Stream yields non-empty fragments in generation order. A failure is
	// yielded as the final element.
	Stream(ctx context.Context, rc RequestContext) iter.Seq2[string, error]
	// Generate returns the complete narration text.
	Generate(ctx context.Context, rc RequestContext) (string, error)
}

// State is the lifecycle position of one request.
type State int

const (
	StateIdle State = iota
	StateGenerating
	StateSynthesizing
	StateDone
	StateErrored
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGenerating:
		return "generating"
	case StateSynthesizing:
		return "synthesizing"
	case StateDone:
		return "done"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateErrored || s == StateCancelled
}

// Transition is reported to an Observer on every state change.
type Transition struct {
	SessionID string
	Shape     string
	From      State
	To        State
	Sentences int
	AudioSize int
	Err       error
}

// Observer receives request transitions. It is called synchronously from
// the consuming goroutine and must not block.
type Observer func(Transition)
