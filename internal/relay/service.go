// Package relay serves speech requests arriving on the message bus and
// publishes each sentence's audio as it completes.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/pipeline"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/speech"
	"github.com/nats-io/nats.go"
)

const statusRetention = 24 * time.Hour

// Streamer starts a streamed rendering. *speech.Engine implements it.
type Streamer interface {
	Stream(ctx context.Context, req speech.Request, order pipeline.Order) (*speech.Stream, error)
}

type Service struct {
	bus     *bus.Client
	engine  Streamer
	timeout time.Duration
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// NewService returns a relay that bounds each request by timeout (zero for none).
func NewService(parent context.Context, busClient *bus.Client, engine Streamer, timeout time.Duration, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:     busClient,
		engine:  engine,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "tts-relay")),
	}
}

func (s *Service) Start() error {
	if err := s.bus.EnsureStream(protocol.StreamTTSStatus, statusRetention, protocol.SubjectTTSDone); err != nil {
		s.logger.Warn("status retention unavailable", slogError(err))
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectTTSRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("listening for tts requests", slog.String("subject", protocol.SubjectTTSRequest))
	return nil
}

// Close stops accepting requests, cancels those in progress and waits for
// them to publish their final status.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil && s.sub.IsValid() }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		return
	}

	// Drain keeps delivering pending messages after Close has begun waiting.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Debug("dropping tts request after close", slog.String("session_id", req.SessionID))
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		status := s.serve(req)
		status.Timestamp = time.Now().UTC()
		data, err := json.Marshal(status)
		if err != nil {
			s.logger.Warn("failed to marshal tts status", slogError(err))
			return
		}
		if err := s.bus.Conn().Publish(protocol.SubjectTTSDone, data); err != nil {
			s.logger.Warn("failed to publish tts status", slogError(err))
		}
		if msg.Reply != "" {
			if err := msg.Respond(data); err != nil {
				s.logger.Warn("failed to reply to tts request", slogError(err))
			}
		}
	}()
}

func (s *Service) serve(req protocol.TTSRequest) protocol.TTSStatus {
	status := protocol.TTSStatus{SessionID: req.SessionID, Target: req.Target}
	order, err := pipeline.ParseOrder(req.Order)
	if err != nil {
		status.Error = err.Error()
		return status
	}

	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	stream, err := s.engine.Stream(ctx, speech.Request{Text: req.Text, Voice: req.Voice, Speed: req.Speed}, order)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	defer stream.Close()
	status.JobID = stream.JobID

	// Hold one chunk back so the last published chunk can be marked final.
	sequence := 0
	var pending *audio.Chunk
	for c := range stream.Chunks() {
		if pending != nil {
			s.publishChunk(req, stream.JobID, sequence, *pending, false)
			sequence++
		}
		pending = &c
	}
	if pending != nil {
		s.publishChunk(req, stream.JobID, sequence, *pending, true)
	}

	summary, err := stream.Wait()
	status.Units = summary.Units
	status.Delivered = len(summary.Delivered)
	for _, sk := range summary.Skipped {
		status.Skipped = append(status.Skipped, protocol.SkippedSentence{Index: sk.Index, Reason: sk.Reason})
	}
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Completed = true
	return status
}

func (s *Service) publishChunk(req protocol.TTSRequest, jobID string, sequence int, chunk audio.Chunk, final bool) {
	packet := protocol.AudioChunk{
		SessionID:     req.SessionID,
		Target:        req.Target,
		JobID:         jobID,
		Sequence:      sequence,
		SentenceIndex: chunk.Index,
		Payload:       chunk.Payload,
		Final:         final,
	}
	if clip, err := chunk.Decode(); err == nil {
		packet.SampleRate = clip.Format.FrameRate
		packet.Channels = clip.Format.Channels
		packet.SampleWidth = clip.Format.SampleWidth
	}
	data, err := json.Marshal(packet)
	if err != nil {
		s.logger.Warn("failed to marshal tts chunk", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectTTSAudio, data); err != nil {
		s.logger.Warn("failed to publish tts chunk", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
