// Package server is the HTTP trigger surface: POST /v1/runs starts one
// pipeline run and blocks until it finishes, /healthz answers liveness
// probes. Dataset configs are reloaded through a TTL cache so registry
// edits show up without a restart.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/serieslake-io/serieslake/internal/config"
	"github.com/serieslake-io/serieslake/internal/pipeline"
)

const (
	RunsPath    = "/v1/runs"
	HealthzPath = "/healthz"

	defaultConfigCacheTTL = 30 * time.Second

	readHeaderTimeout = 30 * time.Second
	shutdownTimeout   = 10 * time.Second

	registryCacheKey = "datasets"
)

// Runner runs one dataset pipeline end to end.
type Runner interface {
	Run(ctx context.Context, ds *config.Dataset, opts pipeline.RunOptions) (*pipeline.RunRecord, error)
}

// RunRequest is the POST /v1/runs body.
type RunRequest struct {
	DatasetID  string `json:"dataset_id"`
	FullReload bool   `json:"full_reload"`
}

// RunResponse reports the ids and terminal status of the run.
type RunResponse struct {
	DatasetID string `json:"dataset_id"`
	RunID     string `json:"run_id"`
	Version   string `json:"version"`
	Status    string `json:"status"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Config wires the Handler.
type Config struct {
	Logger *slog.Logger
	Runner Runner

	// LoadDatasets reloads the dataset registry from its source of truth.
	LoadDatasets func() (*config.Registry, error)

	// ConfigCacheTTL bounds how stale a cached registry may get.
	ConfigCacheTTL time.Duration
}

func (c *Config) Validate() error {
	if c.Runner == nil {
		return errors.New("runner is required")
	}
	if c.LoadDatasets == nil {
		return errors.New("dataset loader is required")
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if c.ConfigCacheTTL <= 0 {
		c.ConfigCacheTTL = defaultConfigCacheTTL
	}
	return nil
}

type Handler struct {
	log    *slog.Logger
	runner Runner
	load   func() (*config.Registry, error)
	ttl    time.Duration
	cache  *ttlcache.Cache[string, *config.Registry]
}

func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Handler{
		log:    cfg.Logger,
		runner: cfg.Runner,
		load:   cfg.LoadDatasets,
		ttl:    cfg.ConfigCacheTTL,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, *config.Registry](cfg.ConfigCacheTTL),
			ttlcache.WithDisableTouchOnHit[string, *config.Registry](),
		),
	}, nil
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc(RunsPath, h.runHandler)
	mux.HandleFunc(HealthzPath, h.healthzHandler)
}

// Serve runs the surface on listener until ctx is canceled, then drains
// in-flight requests within the shutdown timeout. A run cut off mid-flight
// is safe to retry: nothing becomes visible before the pointer swap.
func (h *Handler) Serve(ctx context.Context, listener net.Listener) error {
	mux := http.NewServeMux()
	h.Register(mux)

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: readHeaderTimeout}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	err := srv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (h *Handler) runHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.DatasetID == "" {
		h.writeJSONError(w, http.StatusBadRequest, "dataset_id is required")
		return
	}

	reg, err := h.datasets()
	if err != nil {
		h.log.Error("failed to load dataset configs", "error", err)
		h.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load dataset configs: %v", err))
		return
	}
	ds, err := reg.Get(req.DatasetID)
	if err != nil {
		if errors.Is(err, config.ErrUnknownDataset) {
			h.writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		h.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.log.Info("run requested", "dataset", req.DatasetID, "full_reload", req.FullReload)
	rec, err := h.runner.Run(r.Context(), ds, pipeline.RunOptions{FullReload: req.FullReload})
	if err != nil {
		h.log.Error("run failed", "dataset", req.DatasetID, "error", err)
		h.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, RunResponse{
		DatasetID: rec.DatasetID,
		RunID:     rec.RunID,
		Version:   rec.Version,
		Status:    rec.Status,
	})
}

func (h *Handler) healthzHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		h.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write([]byte("ok"))
}

// datasets returns the registry, reloading it at most once per TTL. A load
// failure is not cached; the next request retries.
func (h *Handler) datasets() (*config.Registry, error) {
	if cached := h.cache.Get(registryCacheKey); cached != nil {
		return cached.Value(), nil
	}
	reg, err := h.load()
	if err != nil {
		return nil, err
	}
	h.cache.Set(registryCacheKey, reg, h.ttl)
	return reg, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeJSONError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, ErrorResponse{Error: msg})
}
