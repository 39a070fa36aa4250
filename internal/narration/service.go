package narration

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/guidio/internal/bus"
	"github.com/loqalabs/guidio/internal/protocol"
)

// Service answers narration requests arriving on the bus. Every request is
// run as a full stream; sentences and audio chunks are published as they
// are produced, followed by a done message.
type Service struct {
	narrator *Narrator
	bus      *bus.Client
	timeout  time.Duration
	logger   *slog.Logger
	sub      *nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewService(parent context.Context, narrator *Narrator, busClient *bus.Client, timeout time.Duration, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		narrator: narrator,
		bus:      busClient,
		timeout:  timeout,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "narration-service")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Subscribe(protocol.SubjectNarrationRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

// Close stops accepting requests, cancels the running ones and waits for
// them to publish their done message.
func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil && s.sub.IsValid() }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.NarrationRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode narration request", slogError(err))
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Debug("dropping narration request after close", slog.String("session_id", req.SessionID))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(req)
	}()
}

func (s *Service) run(req protocol.NarrationRequest) {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	rc := RequestContext{
		SessionID: req.SessionID,
		Subject:   req.Subject,
		Location:  req.Location,
		Time:      req.Time,
		Interest:  req.Interest,
		Summary:   req.Summary,
		Direction: req.Direction,
	}
	done := protocol.NarrationDone{SessionID: req.SessionID, TraceID: req.TraceID}
	sequence := 0
	for ev, err := range s.narrator.DescribeFullStream(ctx, rc) {
		if err != nil {
			done.Error = err.Error()
			break
		}
		switch ev.Kind {
		case EventText:
			sequence = 0
			done.Sentences++
			s.publish(protocol.SubjectNarrationText, protocol.NarrationText{
				SessionID: req.SessionID,
				Index:     ev.Index,
				Text:      ev.Text,
				TraceID:   req.TraceID,
			})
		case EventAudio:
			done.AudioBytes += len(ev.Audio)
			s.publish(protocol.SubjectNarrationAudio, protocol.NarrationAudio{
				SessionID: req.SessionID,
				Index:     ev.Index,
				Sequence:  sequence,
				Audio:     ev.Audio,
				TraceID:   req.TraceID,
			})
			sequence++
		}
	}
	done.Timestamp = time.Now().UTC()
	s.publish(protocol.SubjectNarrationDone, done)
}

func (s *Service) publish(subject string, v any) {
	if err := s.bus.PublishJSON(subject, v); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		s.logger.Warn("failed to publish narration message",
			slog.String("subject", subject),
			slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
