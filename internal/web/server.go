// Package web exposes the operator API: live attendance, enrollment
// management and dead letter inspection.
package web

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Server represents the web server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	handlers   *Handlers
}

// NewServer creates a new web server
func NewServer(host string, port int, handlers *Handlers) *Server {
	r := chi.NewRouter()

	s := &Server{
		router:   r,
		handlers: handlers,
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second, // enrollment uploads
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", HealthCheck)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handlers.Status)
		r.Get("/attendance", s.handlers.Attendance)
		r.Get("/people", s.handlers.People)
		r.Post("/people/{id}/remove", s.handlers.RemovePerson)
		r.Post("/enroll", s.handlers.Enroll)
		r.Get("/deadletter", s.handlers.DeadLetters)
		r.Post("/deadletter/{id}/retry", s.handlers.RetryDeadLetter)
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Printf("Starting web server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down web server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}
