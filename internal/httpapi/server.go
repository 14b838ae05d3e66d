// Package httpapi exposes the sync core over a small administrative HTTP
// surface: status, mapping management, manual sync triggers, queue control,
// and a websocket event stream.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/marksync/marksync/internal/engine"
	"github.com/marksync/marksync/internal/queue"
	"github.com/marksync/marksync/internal/registry"
)

type ServerConfig struct {
	// AdminToken guards every route except /health. Empty disables auth,
	// which is only sane for local development.
	AdminToken   string
	MaxBodyBytes int64
}

type Server struct {
	engine   *engine.Engine
	registry *registry.Registry
	queue    *queue.Queue
	events   *eventHub
	cfg      ServerConfig
	logger   zerolog.Logger
	router   chi.Router
}

func NewServer(eng *engine.Engine, reg *registry.Registry, q *queue.Queue, cfg ServerConfig, logger zerolog.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		engine:   eng,
		registry: reg,
		queue:    q,
		events:   newEventHub(logger),
		cfg:      cfg,
		logger:   logger.With().Str("component", "httpapi").Logger(),
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Events is the broadcast sink other components publish sync events to.
func (s *Server) Events() *eventHub { return s.events }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/status", s.handleStatus)
		r.Get("/errors", s.handleErrors)
		r.Get("/events", s.handleEvents)

		r.Route("/mappings", func(r chi.Router) {
			r.Get("/", s.handleListMappings)
			r.Post("/", s.handleAddMapping)
			r.Delete("/{id}", s.handleRemoveMapping)
			r.Post("/{id}/propagate", s.handlePropagate)
		})

		r.Route("/sync", func(r chi.Router) {
			r.Post("/initial/{id}", s.handleInitialSync)
			r.Post("/push", s.handlePush)
			r.Post("/pull", s.handlePull)
			r.Post("/resync", s.handleResync)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", s.handleQueueSnapshot)
			r.Post("/process", s.handleQueueProcess)
			r.Post("/retry", s.handleQueueRetry)
		})
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("requestId", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken != "" {
			header := r.Header.Get("Authorization")
			want := "Bearer " + s.cfg.AdminToken
			if subtle.ConstantTimeCompare([]byte(header), []byte(want)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
				return
			}
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status(r.Context()))
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"errors": s.engine.RecentErrors()})
}

func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"mappings": s.registry.Mappings()})
}

type addMappingRequest struct {
	LocalFolderID      string `json:"localFolderId"`
	RemoteCollectionID string `json:"remoteCollectionId"`
	LocalName          string `json:"localName"`
	RemoteName         string `json:"remoteName"`
	SyncChildren       bool   `json:"syncChildren"`
}

func (s *Server) handleAddMapping(w http.ResponseWriter, r *http.Request) {
	var req addMappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	mapping, err := s.registry.AddFolderMapping(registry.FolderMapping{
		LocalFolderID:      req.LocalFolderID,
		RemoteCollectionID: req.RemoteCollectionID,
		LocalName:          req.LocalName,
		RemoteName:         req.RemoteName,
		SyncChildren:       req.SyncChildren,
	})
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateMapping) {
			writeError(w, http.StatusConflict, "duplicate_mapping", err.Error())
			return
		}
		if errors.Is(err, registry.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.events.publish(Event{Type: "mapping.added", MappingID: mapping.ID})
	writeJSON(w, http.StatusCreated, mapping)
}

func (s *Server) handleRemoveMapping(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.RemoveFolderMapping(id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "mapping not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.events.publish(Event{Type: "mapping.removed", MappingID: id})
	writeJSON(w, http.StatusOK, map[string]string{"removed": id})
}

func (s *Server) handlePropagate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	created, err := s.engine.PropagateNested(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.events.publish(Event{Type: "mapping.propagated", MappingID: id})
	writeJSON(w, http.StatusOK, map[string]any{"created": created})
}

func (s *Server) handleInitialSync(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stats, err := s.engine.InitialSync(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.events.publish(Event{Type: "sync.initial", MappingID: id})
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	all, err := s.engine.Push(r.Context())
	if err != nil && len(all) == 0 {
		writeEngineError(w, err)
		return
	}
	s.events.publish(Event{Type: "sync.push"})
	writeJSON(w, http.StatusOK, map[string]any{"mappings": all, "partial": err != nil})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	all, err := s.engine.Pull(r.Context())
	if err != nil && len(all) == 0 {
		writeEngineError(w, err)
		return
	}
	s.events.publish(Event{Type: "sync.pull"})
	writeJSON(w, http.StatusOK, map[string]any{"mappings": all, "partial": err != nil})
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	all, err := s.engine.FullResync(r.Context())
	if err != nil && len(all) == 0 {
		writeEngineError(w, err)
		return
	}
	s.events.publish(Event{Type: "sync.resync"})
	writeJSON(w, http.StatusOK, map[string]any{"mappings": all, "partial": err != nil})
}

func (s *Server) handleQueueSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": s.queue.Pending(),
		"failed":  s.queue.Failed(),
	})
}

func (s *Server) handleQueueProcess(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.ForceDrainQueue(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.events.publish(Event{Type: "queue.processed"})
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleQueueRetry(w http.ResponseWriter, r *http.Request) {
	moved, err := s.queue.RetryFailed()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.events.publish(Event{Type: "queue.retried"})
	writeJSON(w, http.StatusOK, map[string]int{"requeued": moved})
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, engine.ErrInProgress):
		writeError(w, http.StatusConflict, "in_progress", err.Error())
	case errors.Is(err, engine.ErrNotSignedIn):
		writeError(w, http.StatusUnauthorized, "not_signed_in", err.Error())
	case errors.Is(err, engine.ErrSyncDisabled):
		writeError(w, http.StatusConflict, "disabled", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

// Serve runs the server until the context is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
