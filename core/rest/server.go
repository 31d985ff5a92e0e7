// Package rest exposes the dashboard API: conversation inspection,
// takeover/release, manual sends, flow management, and a server-sent
// events stream of engine activity.
package rest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/m3rciful/salesbot/core/logger"
	"github.com/m3rciful/salesbot/core/notify"
	"github.com/m3rciful/salesbot/core/orchestrator"
	"github.com/m3rciful/salesbot/core/store"
)

// Deps carries the collaborators the API serves.
type Deps struct {
	Orchestrator  *orchestrator.Orchestrator
	Conversations store.ConversationStore
	Flows         store.FlowStore
	FlowWriter    store.FlowWriter
	Hub           *notify.Hub
}

// Server is the dashboard HTTP server.
type Server struct {
	http.Server
	deps Deps
}

func NewServer(listen string, deps Deps) *Server {
	s := &Server{
		Server: http.Server{
			Addr:        listen,
			IdleTimeout: 60 * time.Second,
		},
		deps: deps,
	}

	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/conversations", s.handleListConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}", s.handleGetConversation).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", s.handleGetMessages).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", s.handleSendMessage).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/takeover", s.handleTakeover).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/release", s.handleRelease).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/flow-state", s.handleGetFlowState).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/flow", s.handleTriggerFlow).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/flow", s.handleCancelFlow).Methods(http.MethodDelete)

	api.HandleFunc("/flows", s.handleListFlows).Methods(http.MethodGet)
	api.HandleFunc("/flows", s.handleCreateFlow).Methods(http.MethodPost)
	api.HandleFunc("/flows/{id}", s.handleGetFlow).Methods(http.MethodGet)
	api.HandleFunc("/flows/{id}/nodes", s.handleGetFlowNodes).Methods(http.MethodGet)

	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	router.Use(loggingMiddleware)
	s.Handler = router
	return s
}

// Start blocks serving until the listener is closed.
func (s *Server) Start() error {
	logger.API.Info("http server starting",
		slog.String("event", "start"),
		slog.String("listen", s.Addr),
	)
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("rest: serve: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop() error {
	logger.API.Info("http server stopping", slog.String("event", "stop"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.API.Error("http server shutdown failed",
			slog.String("event", "stop"),
			slog.String("err", err.Error()),
		)
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if logger.ShouldSampleDebug() {
			logger.API.Debug("request",
				slog.String("event", "request"),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Duration("duration", logger.RoundMS(time.Since(start))),
			)
		}
	})
}
