// Package gateway is the Session/Router layer (spec §4.6): it accepts
// client messages over a bidirectional WebSocket channel, translates them
// into task.Manager commands, and relays each task's event stream back to
// every subscribed connection. A separate HTTP surface serves workspace
// files and model/tool metadata.
package gateway

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pocketomega/foreman/internal/eventbus"
	"github.com/pocketomega/foreman/internal/llmgateway"
	"github.com/pocketomega/foreman/internal/task"
	"github.com/pocketomega/foreman/internal/tool"
)

// Server holds the HTTP server and its dependencies.
type Server struct {
	addr    string
	router  chi.Router
	manager *task.Manager
	bus     *eventbus.Bus
	tools   *tool.Registry
	models  map[llmgateway.Role]string
}

// NewServer wires the route table.
func NewServer(addr string, manager *task.Manager, bus *eventbus.Bus, tools *tool.Registry, models map[llmgateway.Role]string) *Server {
	s := &Server{
		addr:    addr,
		router:  chi.NewRouter(),
		manager: manager,
		bus:     bus,
		tools:   tools,
		models:  models,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.Use(middleware.Recoverer)

	s.router.Get("/ws", s.handleWS)
	s.router.Get("/api/models", s.handleModels)
	s.router.Get("/api/tools", s.handleTools)
	s.router.Get("/api/tasks", s.handleTasks)
	s.router.Get("/api/tasks/{taskID}", s.handleTaskSnapshot)
	s.router.Get("/api/workspace", s.handleWorkspaceGet)
	s.router.Post("/api/workspace/upload", s.handleWorkspaceUpload)
	s.router.Handle("/metrics", promhttp.Handler())
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins listening with graceful shutdown. On SIGINT/SIGTERM it waits
// up to 10s for in-flight requests to complete, so deferred cleanup
// (registry.CloseAll, store.Close) runs reliably.
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Printf("[Gateway] received signal %v, shutting down gracefully...", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[Gateway] graceful shutdown error: %v", err)
		}
	}()

	log.Printf("[Gateway] listening at %s", s.addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		log.Println("[Gateway] server stopped gracefully")
		return nil
	}
	return err
}
