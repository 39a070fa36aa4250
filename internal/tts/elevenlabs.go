package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	elevenLabsBaseURL = "https://api.elevenlabs.io/v1"

	// ElevenLabsModelTurbo is the low-latency turbo v2.5 model.
	ElevenLabsModelTurbo = "eleven_turbo_v2_5"
	// ElevenLabsModelMultilingual is the multilingual v2 model.
	ElevenLabsModelMultilingual = "eleven_multilingual_v2"

	elevenLabsDefaultVoice  = "JBFqnCBsd6RMkjVDRZzb"
	elevenLabsDefaultFormat = "mp3_44100_128"

	defaultElevenLabsTimeout       = 60 * time.Second
	elevenLabsServerErrorThreshold = 500

	elevenLabsDefaultStability       = 0.5
	elevenLabsDefaultSimilarityBoost = 0.75
)

// ElevenLabsSynth implements Synthesizer against the ElevenLabs REST API.
// It is safe for concurrent use; every call is an independent request.
type ElevenLabsSynth struct {
	apiKey  string
	voice   string
	baseURL string
	model   string
	format  string
	client  *http.Client
	limiter *rate.Limiter
}

// ElevenLabsOption configures the ElevenLabs synthesizer.
type ElevenLabsOption func(*ElevenLabsSynth)

// WithElevenLabsBaseURL sets a custom base URL.
func WithElevenLabsBaseURL(baseURL string) ElevenLabsOption {
	return func(s *ElevenLabsSynth) {
		s.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithElevenLabsClient sets a custom HTTP client.
func WithElevenLabsClient(client *http.Client) ElevenLabsOption {
	return func(s *ElevenLabsSynth) {
		s.client = client
	}
}

// WithElevenLabsModel sets the TTS model. Empty keeps the default.
func WithElevenLabsModel(model string) ElevenLabsOption {
	return func(s *ElevenLabsSynth) {
		if model != "" {
			s.model = model
		}
	}
}

// WithElevenLabsFormat sets the output_format query value. Empty keeps the default.
func WithElevenLabsFormat(format string) ElevenLabsOption {
	return func(s *ElevenLabsSynth) {
		if format != "" {
			s.format = format
		}
	}
}

// WithElevenLabsRateLimit caps outgoing requests per second. Zero disables it.
func WithElevenLabsRateLimit(rps float64) ElevenLabsOption {
	return func(s *ElevenLabsSynth) {
		if rps > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
		} else {
			s.limiter = nil
		}
	}
}

func NewElevenLabs(apiKey, voice string, opts ...ElevenLabsOption) *ElevenLabsSynth {
	if voice == "" {
		voice = elevenLabsDefaultVoice
	}
	s := &ElevenLabsSynth{
		apiKey:  apiKey,
		voice:   voice,
		baseURL: elevenLabsBaseURL,
		model:   ElevenLabsModelTurbo,
		format:  elevenLabsDefaultFormat,
		// no client timeout: streams stay open for as long as audio flows,
		// callers bound them with their context
		client: &http.Client{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ElevenLabsSynth) Name() string {
	return "elevenlabs"
}

// Format follows the configured output_format.
func (s *ElevenLabsSynth) Format() Format {
	return ParseOutputFormat(s.format)
}

type elevenLabsRequest struct {
	Text          string                   `json:"text"`
	ModelID       string                   `json:"model_id,omitempty"`
	VoiceSettings *elevenLabsVoiceSettings `json:"voice_settings,omitempty"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// Synthesize converts text to audio with a single request and returns the
// whole payload.
func (s *ElevenLabsSynth) Synthesize(ctx context.Context, req SynthRequest) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultElevenLabsTimeout)
	defer cancel()

	body, err := s.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	audio, err := io.ReadAll(body)
	if err != nil {
		return nil, NewSynthesisError("elevenlabs", "", "read audio", err, true)
	}
	return audio, nil
}

// SynthesizeStream opens the streaming endpoint; chunks are delivered as
// ElevenLabs flushes them.
func (s *ElevenLabsSynth) SynthesizeStream(ctx context.Context, req SynthRequest) (io.ReadCloser, error) {
	return s.do(ctx, req, true)
}

func (s *ElevenLabsSynth) do(ctx context.Context, req SynthRequest, stream bool) (io.ReadCloser, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	voice := req.Voice
	if voice == "" {
		voice = s.voice
	}

	bodyBytes, err := json.Marshal(elevenLabsRequest{
		Text:    req.Text,
		ModelID: s.model,
		VoiceSettings: &elevenLabsVoiceSettings{
			Stability:       elevenLabsDefaultStability,
			SimilarityBoost: elevenLabsDefaultSimilarityBoost,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/text-to-speech/%s", s.baseURL, url.PathEscape(voice))
	if stream {
		endpoint += "/stream"
	}
	endpoint += "?output_format=" + url.QueryEscape(s.format)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", s.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", s.Format().baseType())

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, NewSynthesisError("elevenlabs", "", "request failed", err, ctx.Err() == nil)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, s.handleError(resp)
	}
	return resp.Body, nil
}

type elevenLabsErrorResponse struct {
	Detail struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"detail"`
}

func (s *ElevenLabsSynth) handleError(resp *http.Response) error {
	var errResp elevenLabsErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		return NewSynthesisError(
			"elevenlabs",
			fmt.Sprintf("%d", resp.StatusCode),
			"unknown error",
			err,
			resp.StatusCode >= elevenLabsServerErrorThreshold,
		)
	}

	retryable := resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode >= elevenLabsServerErrorThreshold

	var cause error
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		cause = ErrRateLimited
	case http.StatusUnauthorized:
		cause = fmt.Errorf("invalid API key")
	case http.StatusBadRequest:
		cause = fmt.Errorf("bad request")
	case http.StatusNotFound:
		cause = ErrInvalidVoice
	}

	return NewSynthesisError(
		"elevenlabs",
		errResp.Detail.Status,
		errResp.Detail.Message,
		cause,
		retryable,
	)
}
