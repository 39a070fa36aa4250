package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loqalabs/guidio/internal/eventstore"
	"github.com/loqalabs/guidio/internal/narration"
)

const (
	maxRequestBody   = 64 << 10
	maxSessionEvents = 500
	wsWriteTimeout   = 10 * time.Second
	headerSessionID  = "X-Session-ID"
	trailerNarration = "X-Narration-Error"
)

// SessionStore reads back the narration journal.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (eventstore.Session, error)
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]eventstore.Event, error)
}

// API serves the narration shapes over HTTP and websocket.
type API struct {
	narrator *narration.Narrator
	sessions SessionStore
	timeout  time.Duration
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewAPI builds the API. sessions may be nil, in which case the session
// lookup route is not mounted.
func NewAPI(narrator *narration.Narrator, sessions SessionStore, timeout time.Duration, logger *slog.Logger) *API {
	return &API{
		narrator: narrator,
		sessions: sessions,
		timeout:  timeout,
		logger:   logger.With(slog.String("component", "http-api")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 16 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Register mounts the narration routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/describe", a.handleDescribe)
	mux.HandleFunc("POST /v1/describe/audio", a.handleAudioStream)
	mux.HandleFunc("POST /v1/describe/stream", a.handleFullStream)
	mux.HandleFunc("GET /v1/describe/ws", a.handleWebsocket)
	if a.sessions != nil {
		mux.HandleFunc("GET /v1/sessions/{id}", a.handleSession)
	}
}

type describeResponse struct {
	SessionID   string `json:"session_id"`
	Text        string `json:"text"`
	Audio       []byte `json:"audio"`
	ContentType string `json:"content_type"`
}

type sessionResponse struct {
	SessionID  string         `json:"session_id"`
	Shape      string         `json:"shape"`
	Status     string         `json:"status"`
	Sentences  int            `json:"sentences"`
	AudioBytes int            `json:"audio_bytes"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Events     []sessionEvent `json:"events"`
}

type sessionEvent struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// streamEvent is one NDJSON line or websocket text frame.
type streamEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Index     int    `json:"index"`
	Data      any    `json:"data,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *API) handleDescribe(w http.ResponseWriter, r *http.Request) {
	rc, err := decodeRequest(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	ctx, cancel := a.requestContext(r.Context())
	defer cancel()

	result, err := a.narrator.Describe(ctx, rc)
	if err != nil {
		a.logger.Warn("describe failed", slog.String("session_id", rc.SessionID), slogError(err))
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
		return
	}
	w.Header().Set(headerSessionID, rc.SessionID)
	writeJSON(w, http.StatusOK, describeResponse{
		SessionID:   rc.SessionID,
		Text:        result.Text,
		Audio:       result.Audio,
		ContentType: a.narrator.Format().ContentType,
	})
}

// handleAudioStream writes audio chunks as they are produced. A failure
// before the first chunk gets a regular error status; a later one is
// reported in the X-Narration-Error trailer.
func (a *API) handleAudioStream(w http.ResponseWriter, r *http.Request) {
	rc, err := decodeRequest(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	ctx, cancel := a.requestContext(r.Context())
	defer cancel()

	flusher, _ := w.(http.Flusher)
	started := false
	for chunk, err := range a.narrator.DescribeAudioStream(ctx, rc) {
		if err != nil {
			a.logger.Warn("audio stream failed", slog.String("session_id", rc.SessionID), slogError(err))
			if !started {
				writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
				return
			}
			w.Header().Set(trailerNarration, err.Error())
			return
		}
		if !started {
			started = true
			w.Header().Set("Content-Type", a.narrator.Format().ContentType)
			w.Header().Set(headerSessionID, rc.SessionID)
			w.Header().Set("Trailer", trailerNarration)
			w.WriteHeader(http.StatusOK)
		}
		if _, err := w.Write(chunk); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (a *API) handleFullStream(w http.ResponseWriter, r *http.Request) {
	rc, err := decodeRequest(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	ctx, cancel := a.requestContext(r.Context())
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set(headerSessionID, rc.SessionID)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	send := func(ev streamEvent) bool {
		ev.SessionID = rc.SessionID
		if err := enc.Encode(ev); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	for ev, err := range a.narrator.DescribeFullStream(ctx, rc) {
		if err != nil {
			a.logger.Warn("event stream failed", slog.String("session_id", rc.SessionID), slogError(err))
			send(streamEvent{Type: "error", Data: err.Error()})
			return
		}
		if !send(toStreamEvent(ev)) {
			return
		}
	}
	send(streamEvent{Type: "done"})
}

// handleWebsocket reads one request as the first text frame, then sends
// text events as JSON text frames and audio as binary frames.
func (a *API) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", slogError(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxRequestBody)
	var rc narration.RequestContext
	if err := conn.ReadJSON(&rc); err != nil {
		a.writeWS(conn, websocket.TextMessage, mustJSON(streamEvent{Type: "error", Data: "invalid request: " + err.Error()}))
		return
	}
	if err := prepareRequest(&rc); err != nil {
		a.writeWS(conn, websocket.TextMessage, mustJSON(streamEvent{Type: "error", Data: err.Error()}))
		return
	}

	ctx, cancel := a.requestContext(r.Context())
	defer cancel()

	// the client closing its side cancels the narration
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for ev, err := range a.narrator.DescribeFullStream(ctx, rc) {
		if err != nil {
			a.logger.Warn("websocket stream failed", slog.String("session_id", rc.SessionID), slogError(err))
			a.writeWS(conn, websocket.TextMessage, mustJSON(streamEvent{Type: "error", SessionID: rc.SessionID, Data: err.Error()}))
			return
		}
		var werr error
		if ev.Kind == narration.EventAudio {
			werr = a.writeWS(conn, websocket.BinaryMessage, ev.Audio)
		} else {
			text := toStreamEvent(ev)
			text.SessionID = rc.SessionID
			werr = a.writeWS(conn, websocket.TextMessage, mustJSON(text))
		}
		if werr != nil {
			return
		}
	}
	a.writeWS(conn, websocket.TextMessage, mustJSON(streamEvent{Type: "done", SessionID: rc.SessionID}))
	a.writeWS(conn, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// handleSession returns the journaled outcome of a session and its state
// transitions. The optional limit query parameter caps the event count.
func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxSessionEvents)
	}

	sess, err := a.sessions.GetSession(r.Context(), id)
	if errors.Is(err, eventstore.ErrSessionNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		a.logger.Warn("session lookup failed", slog.String("session_id", id), slogError(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "session lookup failed"})
		return
	}
	events, err := a.sessions.ListSessionEvents(r.Context(), id, limit)
	if err != nil {
		a.logger.Warn("session events lookup failed", slog.String("session_id", id), slogError(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "session lookup failed"})
		return
	}

	resp := sessionResponse{
		SessionID:  sess.SessionID,
		Shape:      sess.Shape,
		Status:     sess.Status,
		Sentences:  sess.Sentences,
		AudioBytes: sess.AudioBytes,
		Error:      sess.Error,
		CreatedAt:  sess.CreatedAt,
		UpdatedAt:  sess.UpdatedAt,
		Events:     make([]sessionEvent, 0, len(events)),
	}
	for _, evt := range events {
		out := sessionEvent{Type: evt.Type, CreatedAt: evt.CreatedAt}
		if json.Valid(evt.Payload) {
			out.Payload = evt.Payload
		}
		resp.Events = append(resp.Events, out)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) writeWS(conn *websocket.Conn, messageType int, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(messageType, data)
}

func (a *API) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if a.timeout > 0 {
		return context.WithTimeout(parent, a.timeout)
	}
	return context.WithCancel(parent)
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (narration.RequestContext, error) {
	var rc narration.RequestContext
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&rc); err != nil {
		return rc, fmt.Errorf("invalid request body: %w", err)
	}
	if err := prepareRequest(&rc); err != nil {
		return rc, err
	}
	return rc, nil
}

func prepareRequest(rc *narration.RequestContext) error {
	if strings.TrimSpace(rc.Subject) == "" {
		return errors.New("subject must not be empty")
	}
	if rc.SessionID == "" {
		rc.SessionID = uuid.NewString()
	}
	return nil
}

func toStreamEvent(ev narration.Event) streamEvent {
	if ev.Kind == narration.EventAudio {
		return streamEvent{Type: string(narration.EventAudio), Index: ev.Index, Data: ev.Audio}
	}
	return streamEvent{Type: string(narration.EventText), Index: ev.Index, Data: ev.Text}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// client went away
		return 499
	case errors.Is(err, narration.ErrSource), errors.Is(err, narration.ErrSynthesis):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error"}`)
	}
	return data
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
