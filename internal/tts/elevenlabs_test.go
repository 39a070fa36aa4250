package tts

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/guidio/internal/config"
)

func testTTSConfig() config.TTSConfig {
	return config.Default().TTS
}

func TestElevenLabsSynthesize(t *testing.T) {
	var gotPath, gotQuery, gotKey string
	var gotBody elevenLabsRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("output_format")
		gotKey = r.Header.Get("xi-api-key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("mp3-bytes"))
	}))
	defer server.Close()

	synth := NewElevenLabs("key-123", "voice-a", WithElevenLabsBaseURL(server.URL+"/"))
	audio, err := synth.Synthesize(context.Background(), SynthRequest{Text: "Welcome to the museum."})
	require.NoError(t, err)

	assert.Equal(t, []byte("mp3-bytes"), audio)
	assert.Equal(t, "/text-to-speech/voice-a", gotPath)
	assert.Equal(t, "mp3_44100_128", gotQuery)
	assert.Equal(t, "key-123", gotKey)
	assert.Equal(t, "Welcome to the museum.", gotBody.Text)
	assert.Equal(t, ElevenLabsModelTurbo, gotBody.ModelID)
}

func TestElevenLabsStreamUsesStreamEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/text-to-speech/override/stream", r.URL.Path)
		flusher := w.(http.Flusher)
		for _, part := range []string{"ab", "cd", "ef"} {
			w.Write([]byte(part))
			flusher.Flush()
		}
	}))
	defer server.Close()

	synth := NewElevenLabs("key", "", WithElevenLabsBaseURL(server.URL), WithElevenLabsModel(ElevenLabsModelMultilingual))
	stream, err := synth.SynthesizeStream(context.Background(), SynthRequest{Text: "Hi.", Voice: "override"})
	require.NoError(t, err)
	defer stream.Close()

	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(data))
}

func TestElevenLabsErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
		cause     error
	}{
		{"rate limited", http.StatusTooManyRequests, `{"detail":{"status":"too_many_requests","message":"slow down"}}`, true, ErrRateLimited},
		{"unknown voice", http.StatusNotFound, `{"detail":{"status":"voice_not_found","message":"no voice"}}`, false, ErrInvalidVoice},
		{"server error", http.StatusBadGateway, `not json`, true, nil},
		{"unauthorized", http.StatusUnauthorized, `{"detail":{"status":"invalid_api_key","message":"bad key"}}`, false, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer server.Close()

			synth := NewElevenLabs("key", "voice", WithElevenLabsBaseURL(server.URL))
			_, err := synth.Synthesize(context.Background(), SynthRequest{Text: "Hello."})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrSynthesisFailed)
			assert.Equal(t, tc.retryable, IsRetryable(err))
			if tc.cause != nil {
				assert.ErrorIs(t, err, tc.cause)
			}
		})
	}
}

func TestElevenLabsEmptyTextSkipsRequest(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	synth := NewElevenLabs("key", "voice", WithElevenLabsBaseURL(server.URL))
	_, err := synth.SynthesizeStream(context.Background(), SynthRequest{Text: " \n"})
	assert.ErrorIs(t, err, ErrEmptyText)
	assert.Zero(t, calls.Load())
}

func TestElevenLabsRateLimitWaits(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer server.Close()

	synth := NewElevenLabs("key", "voice", WithElevenLabsBaseURL(server.URL), WithElevenLabsRateLimit(1))
	_, err := synth.Synthesize(context.Background(), SynthRequest{Text: "One."})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = synth.Synthesize(ctx, SynthRequest{Text: "Two."})
	assert.Error(t, err)
}
