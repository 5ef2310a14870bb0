package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Router builds the HTTP route table for the document and change stream API.
// metrics is mounted at /metrics when non-nil.
func Router(h *Handlers, metrics http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Route("/db/{collection}", func(r chi.Router) {
		r.Post("/documents", h.handleInsert)
		r.Put("/documents/{docID}", h.handleReplace)
		r.Patch("/documents/{docID}", h.handleUpdate)
		r.Delete("/documents/{docID}", h.handleDeleteDocument)
		r.Delete("/", h.handleDropCollection)
		r.Post("/changeStreams", h.handleOpenChangeStream)
	})

	r.Route("/cursors/{cursorID}", func(r chi.Router) {
		r.Post("/getMore", h.handleGetMore)
		r.Delete("/", h.handleKillCursor)
	})

	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	return r
}

// Server is the client-facing HTTP server.
type Server struct {
	httpServer *http.Server
}

// NewServer creates the HTTP server bound to the given address.
func NewServer(address string, port int, h *Handlers, metrics http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", address, port),
			Handler: Router(h, metrics),
		},
	}
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		log.Info().Str("address", s.httpServer.Addr).Msg("HTTP server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()
}

// Stop drains in-flight requests and shuts the server down. Blocked getMore
// calls are released by their request contexts being cancelled.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
