package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"wavefront/internal/config"
	"wavefront/internal/pipeline"
	"wavefront/internal/storage"
	"wavefront/internal/watcher"
)

// Server exposes pipeline state over HTTP and optionally monitors an
// exposure directory.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline *pipeline.Pipeline
	watcher  *watcher.Watcher
	log      *slog.Logger
	server   *http.Server
}

// NewServer creates a server. With watching enabled in the
// configuration, arriving exposures are paired and submitted as runs.
func NewServer(
	addr string,
	store *storage.Store,
	pipe *pipeline.Pipeline,
	watchCfg config.Watch,
	log *slog.Logger,
) (*Server, error) {

	s := &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		log:      log,
	}

	if watchCfg.Enabled {
		w, err := watcher.New(watcher.Options{
			Dir:      watchCfg.Dir,
			Debounce: time.Duration(watchCfg.DebounceMs) * time.Millisecond,
		}, pipe, store, log)
		if err != nil {
			log.Warn("failed to set up exposure watcher", "error", err)
		} else {
			s.watcher = w
		}
	}

	return s, nil
}

// Start begins the server and monitoring services.
func (s *Server) Start(ctx context.Context) error {
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			s.log.Error("failed to start exposure watcher", "error", err)
			return err
		}
	}

	r := mux.NewRouter()
	s.setupRoutes(r)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: r,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")

		if s.watcher != nil {
			_ = s.watcher.Stop()
		}

		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", s.handleJobMeta).Methods("GET")
	r.HandleFunc("/jobs/{id}/zernikes", s.handleJobZernikes).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recs)
}

func (s *Server) handleJobMeta(w http.ResponseWriter, r *http.Request) {
	meta, err := s.store.JobMeta(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(meta)
}

func (s *Server) handleJobZernikes(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.JobZernikes(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recs)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(struct {
				JobID  string         `json:"job_id"`
				Type   string         `json:"type"`
				Error  string         `json:"error,omitempty"`
				Meta   map[string]any `json:"meta,omitempty"`
				Status string         `json:"status"`
			}{
				JobID:  res.Job.ID,
				Type:   string(res.Job.Type),
				Error:  errText(res.Error),
				Meta:   res.Meta,
				Status: statusText(res.Error),
			})
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func statusText(err error) string {
	if err == nil {
		return "completed"
	}
	return "failed"
}
