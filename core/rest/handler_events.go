package rest

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/m3rciful/salesbot/core/logger"
)

// handleEvents streams notifier events over server-sent events. An optional
// conversationId query parameter narrows the stream to one conversation.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	conversationID := r.URL.Query().Get("conversationId")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := s.deps.Hub.Subscribe(r.Context())
	logger.API.Debug("sse subscriber attached")

	for evt := range events {
		if conversationID != "" && evt.ConversationID != conversationID {
			continue
		}
		payload, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, payload)
		flusher.Flush()
	}
}
