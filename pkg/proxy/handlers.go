package proxy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/tidwall/gjson"

	"github.com/lkarlslund/buddyproxy/pkg/sse"
	"github.com/lkarlslund/buddyproxy/pkg/tokens"
)

const maxRequestBody = 8 << 20

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	accessToken, err := s.tokens.GetValidToken(r.Context(), clientSecret(r.Context()))
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	models, err := s.upstream.ListModels(r.Context(), accessToken)
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models)
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errTypeInvalidRequest, codeRequestTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeInternalError(w, r, fmt.Errorf("read request body: %w", err))
		return
	}
	stream := isStreamRequest(body)

	secret := clientSecret(r.Context())
	accessToken, err := s.tokens.GetValidToken(r.Context(), secret)
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	resp, err := s.upstream.ChatCompletions(r.Context(), accessToken, body)
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	defer resp.Body.Close()

	if !stream {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			slog.Warn("copy upstream response failed", "request_id", middleware.GetReqID(r.Context()), "error", err)
		}
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.StatusCode)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	streamDone := s.metrics.StreamStarted()
	stats, err := sse.Pipe(r.Context(), w, resp.Body)
	streamDone(stats.Skipped)
	if err != nil {
		slog.Debug("stream abandoned", "client", tokens.Fingerprint(secret), "request_id", middleware.GetReqID(r.Context()), "error", err)
		return
	}
	slog.Debug("stream finished", "client", tokens.Fingerprint(secret), "events", stats.Events, "skipped", stats.Skipped, "bytes", stats.Bytes)
}

// isStreamRequest reports whether the body asks for "stream": true.
// Anything else, including an unparseable body, is treated as non-streaming.
func isStreamRequest(body []byte) bool {
	return gjson.GetBytes(body, "stream").Type == gjson.True
}
