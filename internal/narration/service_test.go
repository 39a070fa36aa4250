package narration

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/guidio/internal/bus"
	"github.com/loqalabs/guidio/internal/config"
	"github.com/loqalabs/guidio/internal/natsserver"
	"github.com/loqalabs/guidio/internal/protocol"
	"github.com/loqalabs/guidio/internal/tts"
)

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	cfg := config.Default().Bus
	cfg.Embedded = true
	cfg.Port = -1
	cfg.StoreDir = t.TempDir()

	server, err := natsserver.Start(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(server.Shutdown)

	cfg.Servers = []string{server.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestServicePublishesNarration(t *testing.T) {
	client := startBus(t)

	msgs := make(chan *nats.Msg, 64)
	sub, err := client.Conn().ChanSubscribe("narration.>", msgs)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	n := New(&fakeSource{fragments: museumFragments}, tts.NewMockSynth(0), Options{})
	svc := NewService(context.Background(), n, client, time.Minute, slog.New(slog.DiscardHandler))
	require.NoError(t, svc.Start())
	defer svc.Close()
	require.NoError(t, client.Conn().Flush())
	assert.True(t, svc.Healthy())

	require.NoError(t, client.PublishJSON(protocol.SubjectNarrationRequest, protocol.NarrationRequest{
		SessionID: "tour-1",
		Subject:   "painting",
	}))

	var texts []string
	var audio []byte
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-msgs:
			switch msg.Subject {
			case protocol.SubjectNarrationText:
				var text protocol.NarrationText
				require.NoError(t, json.Unmarshal(msg.Data, &text))
				assert.Equal(t, "tour-1", text.SessionID)
				assert.Equal(t, len(texts), text.Index)
				texts = append(texts, text.Text)
			case protocol.SubjectNarrationAudio:
				var chunk protocol.NarrationAudio
				require.NoError(t, json.Unmarshal(msg.Data, &chunk))
				assert.Equal(t, len(texts)-1, chunk.Index)
				audio = append(audio, chunk.Audio...)
			case protocol.SubjectNarrationDone:
				var done protocol.NarrationDone
				require.NoError(t, json.Unmarshal(msg.Data, &done))
				assert.Empty(t, done.Error)
				assert.Equal(t, len(museumSentences), done.Sentences)
				assert.Equal(t, museumSentences, texts)
				assert.Equal(t, expectedAudio(museumSentences...), audio)
				assert.Equal(t, len(audio), done.AudioBytes)
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for narration.done")
		}
	}
}

func TestServiceReportsFailure(t *testing.T) {
	client := startBus(t)

	done := make(chan *nats.Msg, 1)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectNarrationDone, done)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	n := New(&fakeSource{fragments: []string{" "}}, tts.NewMockSynth(0), Options{})
	svc := NewService(context.Background(), n, client, time.Minute, slog.New(slog.DiscardHandler))
	require.NoError(t, svc.Start())
	defer svc.Close()
	require.NoError(t, client.Conn().Flush())

	require.NoError(t, client.PublishJSON(protocol.SubjectNarrationRequest, protocol.NarrationRequest{Subject: "nothing"}))

	select {
	case msg := <-done:
		var result protocol.NarrationDone
		require.NoError(t, json.Unmarshal(msg.Data, &result))
		assert.NotEmpty(t, result.SessionID)
		assert.Contains(t, result.Error, ErrEmptyNarration.Error())
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for narration.done")
	}
}

func TestServiceDropsRequestsAfterClose(t *testing.T) {
	client := startBus(t)

	src := &fakeSource{fragments: museumFragments}
	svc := NewService(context.Background(), New(src, tts.NewMockSynth(0), Options{}), client, time.Minute, slog.New(slog.DiscardHandler))
	require.NoError(t, svc.Start())

	data, err := json.Marshal(protocol.NarrationRequest{SessionID: "late", Subject: "painting"})
	require.NoError(t, err)

	// requests racing with Close either run to completion or are dropped
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				svc.handleRequest(&nats.Msg{Data: data})
			}
		}()
	}
	svc.Close()
	wg.Wait()

	before := src.streams.Load()
	svc.handleRequest(&nats.Msg{Data: data})
	svc.wg.Wait()
	assert.Equal(t, before, src.streams.Load())
}
