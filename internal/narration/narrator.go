package narration

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/guidio/internal/tts"
)

const (
	ShapeDescribe    = "describe"
	ShapeAudioStream = "describe_audio_stream"
	ShapeFullStream  = "describe_full_stream"

	defaultQueueDepth = 2
)

// Options tune a Narrator.
type Options struct {
	// Voice is passed to every synthesis call. Empty uses the backend default.
	Voice string
	// ChunkSize bounds the size of forwarded audio chunks.
	ChunkSize int
	// Overlap generates the next sentences on a separate goroutine while the
	// current one is synthesized.
	Overlap bool
	// QueueDepth is the number of sentences buffered ahead in overlap mode.
	QueueDepth int
	Logger     *slog.Logger
	Observer   Observer
}

// Narrator runs narration requests. It holds no per-request state and is
// safe for concurrent use.
type Narrator struct {
	source TextSource
	relay  *Relay
	opts   Options
	logger *slog.Logger
	instr  *instruments
	tracer trace.Tracer
}

func New(source TextSource, synth tts.Synthesizer, opts Options) *Narrator {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = defaultQueueDepth
	}
	logger := opts.Logger.With(slog.String("component", "narrator"))
	return &Narrator{
		source: source,
		relay:  NewRelay(synth, opts.Voice, opts.ChunkSize, logger),
		opts:   opts,
		logger: logger,
		instr:  narrationInstruments(),
		tracer: tracer(),
	}
}

// Format reports the encoding of the audio this narrator produces.
func (n *Narrator) Format() tts.Format {
	return n.relay.synth.Format()
}

// Describe generates the complete text, then synthesizes it in one call.
func (n *Narrator) Describe(ctx context.Context, rc RequestContext) (Result, error) {
	ctx, span := n.startSpan(ctx, ShapeDescribe, rc)
	defer span.End()
	req := n.track(ctx, span, ShapeDescribe, rc)

	req.move(StateGenerating)
	text, err := n.source.Generate(ctx, rc)
	if err != nil {
		return Result{}, req.fail(sourceError(ctx, err))
	}
	if strings.TrimSpace(text) == "" {
		return Result{}, req.fail(fmt.Errorf("%w: %w", ErrSource, ErrEmptyNarration))
	}

	req.move(StateSynthesizing)
	req.sentences = countSentences(text)
	audio, err := n.relay.Whole(ctx, rc.SessionID, text)
	if err != nil {
		return Result{}, req.fail(err)
	}
	req.addAudio(len(audio))
	req.done()
	return Result{Text: text, Audio: audio}, nil
}

// DescribeAudioStream yields audio chunks in sentence order. A failure is
// yielded as the final element.
func (n *Narrator) DescribeAudioStream(ctx context.Context, rc RequestContext) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		ctx, span := n.startSpan(ctx, ShapeAudioStream, rc)
		defer span.End()
		req := n.track(ctx, span, ShapeAudioStream, rc)

		req.move(StateGenerating)
		pulled := 0
		sentences := func(yield func(string, error) bool) {
			for sentence, err := range n.sentences(ctx, rc) {
				if err == nil {
					// the relay asks for sentence i+1 only after sentence i is forwarded
					if pulled == 0 {
						req.move(StateSynthesizing)
					} else {
						req.sentenceDone()
					}
					pulled++
				}
				if !yield(sentence, err) {
					return
				}
			}
		}
		for chunk, err := range n.relay.Stream(ctx, rc.SessionID, sentences) {
			if err != nil {
				yield(nil, req.fail(err))
				return
			}
			req.addAudio(len(chunk))
			if !yield(chunk, nil) {
				req.cancelled()
				return
			}
		}
		if pulled == 0 {
			yield(nil, req.fail(fmt.Errorf("%w: %w", ErrSource, ErrEmptyNarration)))
			return
		}
		req.sentenceDone()
		req.done()
	}
}

// DescribeFullStream yields, for each sentence, its text event followed by
// its audio events. A failure is yielded as the final element.
func (n *Narrator) DescribeFullStream(ctx context.Context, rc RequestContext) iter.Seq2[Event, error] {
	return n.events(ctx, rc, ShapeFullStream)
}

func (n *Narrator) events(ctx context.Context, rc RequestContext, shape string) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		ctx, span := n.startSpan(ctx, shape, rc)
		defer span.End()
		req := n.track(ctx, span, shape, rc)

		req.move(StateGenerating)
		index := 0
		for sentence, err := range n.sentences(ctx, rc) {
			if err != nil {
				yield(Event{}, req.fail(err))
				return
			}
			if index == 0 {
				req.move(StateSynthesizing)
			}
			n.logger.Debug("sentence ready",
				slog.String("session_id", rc.SessionID),
				slog.Int("index", index),
				slog.Int("length", len(sentence)),
			)
			if !yield(Event{Kind: EventText, Index: index, Text: sentence}, nil) {
				req.cancelled()
				return
			}
			for chunk, err := range n.relay.Sentence(ctx, rc.SessionID, index, sentence) {
				if err != nil {
					yield(Event{}, req.fail(err))
					return
				}
				req.addAudio(len(chunk))
				if !yield(Event{Kind: EventAudio, Index: index, Audio: chunk}, nil) {
					req.cancelled()
					return
				}
			}
			index++
			req.sentenceDone()
		}
		if index == 0 {
			yield(Event{}, req.fail(fmt.Errorf("%w: %w", ErrSource, ErrEmptyNarration)))
			return
		}
		req.done()
	}
}

// sentences assembles the source stream, on a producer goroutine when
// overlap is enabled.
func (n *Narrator) sentences(ctx context.Context, rc RequestContext) iter.Seq2[string, error] {
	produce := func(ctx context.Context) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			for sentence, err := range Sentences(n.source.Stream(ctx, rc)) {
				if err != nil {
					yield("", sourceError(ctx, err))
					return
				}
				if !yield(sentence, nil) {
					return
				}
			}
		}
	}
	if n.opts.Overlap {
		return prefetch(ctx, n.opts.QueueDepth, produce)
	}
	return produce(ctx)
}

func (n *Narrator) startSpan(ctx context.Context, shape string, rc RequestContext) (context.Context, trace.Span) {
	return n.tracer.Start(ctx, "narration."+shape, trace.WithAttributes(
		attribute.String("guidio.session_id", rc.SessionID),
		attribute.String("guidio.subject", rc.Subject),
		attribute.Bool("guidio.overlap", n.opts.Overlap),
	))
}

func sourceError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}
	if errors.Is(err, ErrSource) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrSource, err)
}

func countSentences(text string) int {
	count := 0
	for range Sentences(func(yield func(string, error) bool) { yield(text, nil) }) {
		count++
	}
	return count
}

// request tracks the lifecycle of a single call.
type request struct {
	n          *Narrator
	ctx        context.Context
	span       trace.Span
	shape      string
	sessionID  string
	state      State
	start      time.Time
	sentences  int
	audioBytes int
	firstAudio bool
}

func (n *Narrator) track(ctx context.Context, span trace.Span, shape string, rc RequestContext) *request {
	return &request{
		n:         n,
		ctx:       ctx,
		span:      span,
		shape:     shape,
		sessionID: rc.SessionID,
		state:     StateIdle,
		start:     time.Now(),
	}
}

func (r *request) move(to State) {
	r.transition(to, nil)
}

func (r *request) transition(to State, err error) {
	if r.state.Terminal() || r.state == to {
		return
	}
	from := r.state
	r.state = to
	r.span.AddEvent("state", trace.WithAttributes(attribute.String("state", to.String())))
	if r.n.opts.Observer != nil {
		r.n.opts.Observer(Transition{
			SessionID: r.sessionID,
			Shape:     r.shape,
			From:      from,
			To:        to,
			Sentences: r.sentences,
			AudioSize: r.audioBytes,
			Err:       err,
		})
	}
}

// sentenceDone counts a sentence whose audio was fully forwarded.
func (r *request) sentenceDone() {
	r.sentences++
	r.n.instr.sentences.Add(r.ctx, 1, metric.WithAttributes(attribute.String("shape", r.shape)))
}

func (r *request) addAudio(n int) {
	if !r.firstAudio {
		r.firstAudio = true
		ms := float64(time.Since(r.start).Microseconds()) / 1000
		r.n.instr.timeToFirstAudio.Record(r.ctx, ms, metric.WithAttributes(attribute.String("shape", r.shape)))
		r.span.AddEvent("first_audio")
	}
	r.audioBytes += n
}

func (r *request) done() {
	r.span.SetAttributes(
		attribute.Int("guidio.sentences", r.sentences),
		attribute.Int("guidio.audio_bytes", r.audioBytes),
	)
	r.transition(StateDone, nil)
	r.n.logger.Info("narration complete",
		slog.String("session_id", r.sessionID),
		slog.String("shape", r.shape),
		slog.Int("sentences", r.sentences),
		slog.Int("audio_bytes", r.audioBytes),
		slog.Duration("elapsed", time.Since(r.start)),
	)
}

// cancelled records a consumer that stopped early.
func (r *request) cancelled() {
	r.transition(StateCancelled, nil)
	r.n.logger.Debug("narration stopped by consumer",
		slog.String("session_id", r.sessionID),
		slog.String("shape", r.shape),
		slog.Int("sentences", r.sentences),
	)
}

// fail records err and returns it.
func (r *request) fail(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		r.transition(StateCancelled, err)
	} else {
		r.transition(StateErrored, err)
	}
	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, err.Error())
	r.n.instr.recordFailure(context.WithoutCancel(r.ctx), r.shape, err)
	r.n.logger.Warn("narration failed",
		slog.String("session_id", r.sessionID),
		slog.String("shape", r.shape),
		slog.Int("sentences", r.sentences),
		slog.String("error", err.Error()),
	)
	return err
}
