package runtime

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/loqalabs/loqa-tts/internal/pipeline"
	"github.com/loqalabs/loqa-tts/internal/speech"
)

type ttsRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice,omitempty"`
	Speed float64 `json:"speed,omitempty"`
	Order string  `json:"order,omitempty"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

type wsSummary struct {
	speech.Summary
	Error string `json:"error,omitempty"`
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", r.handleIndex)
	mux.HandleFunc("GET /health", r.handleHealth)
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /ping", r.handlePing)
	mux.HandleFunc("GET /readyz", r.handleReady)
	mux.Handle("POST /tts", r.rateLimited(http.HandlerFunc(r.handleTTS)))
	mux.Handle("POST /tts/stream", r.rateLimited(http.HandlerFunc(r.handleTTSStream)))
	mux.Handle("GET /tts/ws", r.rateLimited(http.HandlerFunc(r.handleTTSWebSocket)))
	mux.HandleFunc("GET /jobs/{id}", r.handleJob)
	if r.metricsHandler != nil {
		mux.Handle("GET /metrics", r.metricsHandler)
	}
	return mux
}

func (r *Runtime) rateLimited(next http.Handler) http.Handler {
	if r.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *Runtime) handleIndex(w http.ResponseWriter, _ *http.Request) {
	status := "healthy"
	if r.engine == nil {
		status = "synthesizer_not_ready"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"service": r.cfg.RuntimeName,
		"status":  status,
		"version": r.version,
	})
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":       "healthy",
		"model_loaded": r.engine != nil,
		"synthesizer":  r.cfg.TTS.Mode,
		"voice":        r.cfg.TTS.Voice,
		"journal":      r.cfg.Journal.RetentionMode,
	}
	code := http.StatusOK
	if r.engine == nil {
		body["status"] = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	if r.cfg.Bus.Enabled {
		busOK := r.bus.Healthy() && r.relay != nil && r.relay.Healthy()
		body["bus"] = map[bool]string{true: "connected", false: "disconnected"}[busOK]
	} else {
		body["bus"] = "disabled"
	}
	writeJSON(w, code, body)
}

// handlePing answers uptime monitors that only check for a 200.
func (r *Runtime) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("alive"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// decodeRequest reads a JSON speech request. It writes the error response
// itself and reports false when the request is unusable.
func (r *Runtime) decodeRequest(w http.ResponseWriter, req *http.Request) (ttsRequest, bool) {
	var body ttsRequest
	limit := int64(r.cfg.HTTP.MaxTextBytes)*2 + 4096
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, limit)).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return body, false
		}
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return body, false
	}
	if strings.TrimSpace(body.Text) == "" {
		writeError(w, http.StatusBadRequest, "text must not be empty")
		return body, false
	}
	if len(body.Text) > r.cfg.HTTP.MaxTextBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "text exceeds "+strconv.Itoa(r.cfg.HTTP.MaxTextBytes)+" bytes")
		return body, false
	}
	if body.Speed < 0 {
		writeError(w, http.StatusBadRequest, "speed must not be negative")
		return body, false
	}
	return body, true
}

func (r *Runtime) handleTTS(w http.ResponseWriter, req *http.Request) {
	if r.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "TTS synthesizer not ready")
		return
	}
	body, ok := r.decodeRequest(w, req)
	if !ok {
		return
	}

	res, err := r.engine.Render(req.Context(), speech.Request{Text: body.Text, Voice: body.Voice, Speed: body.Speed})
	switch {
	case errors.Is(err, speech.ErrEmptyText):
		writeError(w, http.StatusBadRequest, "text contains no sentences")
		return
	case errors.Is(err, speech.ErrSynthesisUnavailable):
		writeError(w, http.StatusServiceUnavailable, "TTS synthesis unavailable")
		return
	case speech.Canceled(err):
		r.logger.Debug("client went away during synthesis", slog.String("job_id", res.JobID))
		return
	case err != nil:
		r.logger.Error("tts generation failed", slog.String("job_id", res.JobID), slogError(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h := w.Header()
	h.Set("Content-Type", "audio/wav")
	h.Set("Content-Disposition", "attachment; filename=speech.wav")
	h.Set("Content-Length", strconv.Itoa(len(res.Audio)))
	h.Set("X-Job-ID", res.JobID)
	h.Set("X-Merged-Chunks", strconv.Itoa(res.Merged))
	h.Set("X-Skipped-Sentences", skippedHeader(res.Skipped))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Audio)
}

// handleTTSStream writes one WAV container per sentence as sentences finish.
// Headers are only committed with the first chunk so a request where every
// sentence fails still gets a 503.
func (r *Runtime) handleTTSStream(w http.ResponseWriter, req *http.Request) {
	if r.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "TTS synthesizer not ready")
		return
	}
	body, ok := r.decodeRequest(w, req)
	if !ok {
		return
	}
	orderParam := req.URL.Query().Get("order")
	if orderParam == "" {
		orderParam = body.Order
	}
	var order pipeline.Order
	if orderParam != "" {
		parsed, err := pipeline.ParseOrder(orderParam)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		order = parsed
	}

	stream, err := r.engine.Stream(req.Context(), speech.Request{Text: body.Text, Voice: body.Voice, Speed: body.Speed}, order)
	if err != nil {
		writeError(w, http.StatusBadRequest, "text contains no sentences")
		return
	}
	defer stream.Close()

	flusher, _ := w.(http.Flusher)
	started := false
	for c := range stream.Chunks() {
		if !started {
			h := w.Header()
			h.Set("Content-Type", "audio/wav")
			h.Set("X-Job-ID", stream.JobID)
			h.Set("Trailer", "X-Merged-Chunks, X-Skipped-Sentences")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := w.Write(c.Payload); err != nil {
			r.logger.Debug("stream client went away", slog.String("job_id", stream.JobID), slogError(err))
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	summary, err := stream.Wait()
	if !started {
		if speech.Canceled(err) {
			return
		}
		writeError(w, http.StatusServiceUnavailable, "TTS synthesis unavailable")
		return
	}
	w.Header().Set("X-Merged-Chunks", strconv.Itoa(len(summary.Delivered)))
	w.Header().Set("X-Skipped-Sentences", skippedHeader(summary.Skipped))
}

// handleTTSWebSocket reads one JSON request, sends each container as a binary
// message and finishes with a JSON summary.
func (r *Runtime) handleTTSWebSocket(w http.ResponseWriter, req *http.Request) {
	if r.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "TTS synthesizer not ready")
		return
	}
	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		r.logger.Debug("websocket accept failed", slogError(err))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(int64(r.cfg.HTTP.MaxTextBytes)*2 + 4096)

	ctx := req.Context()
	var body ttsRequest
	if err := wsjson.Read(ctx, conn, &body); err != nil {
		conn.Close(websocket.StatusUnsupportedData, "invalid request")
		return
	}
	if len(body.Text) > r.cfg.HTTP.MaxTextBytes {
		conn.Close(websocket.StatusMessageTooBig, "text too long")
		return
	}
	order, err := pipeline.ParseOrder(body.Order)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	// Further client messages are not expected; a client close cancels ctx.
	ctx = conn.CloseRead(ctx)
	stream, err := r.engine.Stream(ctx, speech.Request{Text: body.Text, Voice: body.Voice, Speed: body.Speed}, order)
	if err != nil {
		_ = wsjson.Write(ctx, conn, wsSummary{Error: err.Error()})
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	defer stream.Close()

	for c := range stream.Chunks() {
		if err := conn.Write(ctx, websocket.MessageBinary, c.Payload); err != nil {
			r.logger.Debug("websocket client went away", slog.String("job_id", stream.JobID), slogError(err))
			return
		}
	}
	summary, err := stream.Wait()
	msg := wsSummary{Summary: summary}
	if err != nil {
		msg.Error = err.Error()
	}
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (r *Runtime) handleJob(w http.ResponseWriter, req *http.Request) {
	if r.journal == nil || r.cfg.Journal.RetentionMode == "ephemeral" {
		writeError(w, http.StatusNotFound, "job journal disabled")
		return
	}
	id := req.PathValue("id")
	job, err := r.journal.GetJob(req.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	events, err := r.journal.ListJobEvents(req.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	skipped := make([]speech.Skip, 0, len(events))
	for _, e := range events {
		skipped = append(skipped, speech.Skip{Index: e.UnitIndex, Reason: e.Detail})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":      job.ID,
		"mode":        job.Mode,
		"status":      job.Status,
		"error":       job.Error,
		"units":       job.Units,
		"merged":      job.Merged,
		"bytes":       job.Bytes,
		"duration_ms": job.Duration.Milliseconds(),
		"created_at":  job.CreatedAt,
		"skipped":     skipped,
	})
}

func skippedHeader(skipped []speech.Skip) string {
	parts := make([]string, 0, len(skipped))
	for _, s := range skipped {
		parts = append(parts, strconv.Itoa(s.Index))
	}
	return strings.Join(parts, ",")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, errorResponse{Detail: detail})
}
