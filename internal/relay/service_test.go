package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/natsserver"
	"github.com/loqalabs/loqa-tts/internal/pipeline"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/segment"
	"github.com/loqalabs/loqa-tts/internal/speech"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startRelay(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), "relay-test",
		config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	format := audio.Format{Channels: 1, SampleWidth: 2, FrameRate: 8000}
	disp := pipeline.NewDispatcher(pipeline.NewPool(2), tts.NewMockSynth(format, 0, "FAIL"), newLogger())
	engine := speech.NewEngine(segment.Default(), disp, newLogger())

	svc := NewService(context.Background(), client, engine, 5*time.Second, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start relay: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("relay should report healthy after start")
	}
	return client
}

func request(t *testing.T, client *bus.Client, req protocol.TTSRequest) protocol.TTSStatus {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	reply, err := client.Conn().Request(protocol.SubjectTTSRequest, data, 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var status protocol.TTSStatus
	if err := json.Unmarshal(reply.Data, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return status
}

func TestRelayPublishesChunksAndStatus(t *testing.T) {
	client := startRelay(t)

	audioCh := make(chan *nats.Msg, 8)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectTTSAudio, audioCh)
	if err != nil {
		t.Fatalf("subscribe audio: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	doneCh := make(chan *nats.Msg, 2)
	doneSub, err := client.Conn().ChanSubscribe(protocol.SubjectTTSDone, doneCh)
	if err != nil {
		t.Fatalf("subscribe done: %v", err)
	}
	t.Cleanup(func() { _ = doneSub.Unsubscribe() })
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	status := request(t, client, protocol.TTSRequest{
		SessionID: "session-1",
		Text:      "Hello there. This part will FAIL. Goodbye now.",
		Order:     "sentence",
	})
	if !status.Completed || status.Units != 3 || status.Delivered != 2 {
		t.Fatalf("unexpected status %+v", status)
	}
	if want := []protocol.SkippedSentence{{Index: 1, Reason: speech.ReasonSynthesisFailed}}; !reflect.DeepEqual(status.Skipped, want) {
		t.Fatalf("unexpected skipped %+v", status.Skipped)
	}

	var chunks []protocol.AudioChunk
	for len(chunks) < 2 {
		select {
		case msg := <-audioCh:
			var c protocol.AudioChunk
			if err := json.Unmarshal(msg.Data, &c); err != nil {
				t.Fatalf("decode chunk: %v", err)
			}
			chunks = append(chunks, c)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for chunks, got %d", len(chunks))
		}
	}
	if chunks[0].SentenceIndex != 0 || chunks[0].Sequence != 0 || chunks[0].Final {
		t.Fatalf("unexpected first chunk %+v", chunks[0])
	}
	if chunks[1].SentenceIndex != 2 || chunks[1].Sequence != 1 || !chunks[1].Final {
		t.Fatalf("unexpected last chunk %+v", chunks[1])
	}
	if chunks[0].SampleRate != 8000 || chunks[0].JobID != status.JobID {
		t.Fatalf("chunk metadata not filled: %+v", chunks[0])
	}
	if _, err := audio.Decode(chunks[1].Payload); err != nil {
		t.Fatalf("payload is not a container: %v", err)
	}

	select {
	case msg := <-doneCh:
		var done protocol.TTSStatus
		if err := json.Unmarshal(msg.Data, &done); err != nil {
			t.Fatalf("decode done: %v", err)
		}
		if done.SessionID != "session-1" || !done.Completed {
			t.Fatalf("unexpected done status %+v", done)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no status published on done subject")
	}
}

func TestRelayReportsErrors(t *testing.T) {
	client := startRelay(t)

	if status := request(t, client, protocol.TTSRequest{SessionID: "s", Text: "Hi.", Order: "backwards"}); status.Error == "" || status.Completed {
		t.Fatalf("expected order error, got %+v", status)
	}
	if status := request(t, client, protocol.TTSRequest{SessionID: "s", Text: "   "}); status.Error == "" {
		t.Fatalf("expected empty text error, got %+v", status)
	}
	if status := request(t, client, protocol.TTSRequest{SessionID: "s", Text: "FAIL now. FAIL later."}); status.Completed || status.Delivered != 0 {
		t.Fatalf("expected total failure, got %+v", status)
	}
}

type countingStreamer struct {
	calls atomic.Int32
}

func (c *countingStreamer) Stream(context.Context, speech.Request, pipeline.Order) (*speech.Stream, error) {
	c.calls.Add(1)
	return nil, speech.ErrEmptyText
}

func TestRelayIgnoresRequestsAfterClose(t *testing.T) {
	streamer := &countingStreamer{}
	svc := NewService(context.Background(), nil, streamer, time.Second, newLogger())
	svc.Close()

	data, err := json.Marshal(protocol.TTSRequest{SessionID: "late", Text: "Too late."})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	svc.handleRequest(&nats.Msg{Subject: protocol.SubjectTTSRequest, Data: data})
	svc.wg.Wait()
	if n := streamer.calls.Load(); n != 0 {
		t.Fatalf("expected no synthesis after close, got %d calls", n)
	}
}
