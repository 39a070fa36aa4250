package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/guidio/internal/narration"
)

const defaultJournalBuffer = 256

// Journal records narration transitions in the store. Observe never blocks
// the narration pipeline; transitions are written by a background goroutine
// and dropped with a warning when the buffer is full.
type Journal struct {
	store   *Store
	log     *slog.Logger
	queue   chan narration.Transition
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	timeout time.Duration
}

type transitionPayload struct {
	Shape      string `json:"shape"`
	From       string `json:"from"`
	To         string `json:"to"`
	Sentences  int    `json:"sentences"`
	AudioBytes int    `json:"audio_bytes"`
	Error      string `json:"error,omitempty"`
}

func NewJournal(store *Store, log *slog.Logger, buffer int) *Journal {
	if buffer <= 0 {
		buffer = defaultJournalBuffer
	}
	j := &Journal{
		store:   store,
		log:     log.With(slog.String("component", "journal")),
		queue:   make(chan narration.Transition, buffer),
		timeout: 5 * time.Second,
	}
	j.wg.Add(1)
	go j.run()
	return j
}

// Observe is a narration.Observer.
func (j *Journal) Observe(tr narration.Transition) {
	if tr.SessionID == "" {
		return
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- tr:
	default:
		j.log.Warn("journal buffer full, dropping transition",
			slog.String("session_id", tr.SessionID),
			slog.String("state", tr.To.String()))
	}
}

// Close flushes pending transitions and stops the writer.
func (j *Journal) Close() {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.queue)
	}
	j.mu.Unlock()
	j.wg.Wait()
}

func (j *Journal) run() {
	defer j.wg.Done()
	for tr := range j.queue {
		if err := j.write(tr); err != nil {
			j.log.Warn("journal write failed",
				slog.String("session_id", tr.SessionID),
				slog.String("error", err.Error()))
		}
	}
}

func (j *Journal) write(tr narration.Transition) error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	sess := Session{
		SessionID:  tr.SessionID,
		Shape:      tr.Shape,
		Status:     tr.To.String(),
		Sentences:  tr.Sentences,
		AudioBytes: tr.AudioSize,
	}
	payload := transitionPayload{
		Shape:      tr.Shape,
		From:       tr.From.String(),
		To:         tr.To.String(),
		Sentences:  tr.Sentences,
		AudioBytes: tr.AudioSize,
	}
	if tr.Err != nil {
		sess.Error = tr.Err.Error()
		payload.Error = tr.Err.Error()
	}
	if err := j.store.UpsertSession(ctx, sess); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return j.store.AppendEvent(ctx, Event{SessionID: tr.SessionID, Type: "state." + tr.To.String(), Payload: data})
}
