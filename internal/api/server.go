package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/tangoremote/tango/internal/auth"
	"github.com/tangoremote/tango/internal/logging"
	"github.com/tangoremote/tango/internal/metrics"
	"github.com/tangoremote/tango/internal/observability"
)

// Handler exposes a Facade over HTTP, one route per §4.F command.
type Handler struct {
	facade *Facade
}

// NewHandler wraps facade for HTTP serving.
func NewHandler(facade *Facade) *Handler {
	return &Handler{facade: facade}
}

// RegisterRoutes registers every façade route on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /open/{key}", h.Open)
	mux.HandleFunc("POST /upload/{key}/{filename}", h.Upload)
	mux.HandleFunc("POST /jobs", h.AddJob)
	mux.HandleFunc("GET /poll/{key}/{outputFile}", h.Poll)
	mux.HandleFunc("GET /info", h.Info)
	mux.HandleFunc("GET /jobs", h.Jobs)
	mux.HandleFunc("GET /pool", h.Pool)
	mux.HandleFunc("POST /pool/{image}", h.PreallocVM)

	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", metrics.PrometheusHandler())
}

// StartHTTPServer builds the full middleware chain (tracing, auth) over
// a Handler's routes and starts serving addr in the background.
//
// Grounded on a StartHTTPServer pattern: tracing
// middleware wraps everything, auth middleware (when enabled) wraps
// everything but the public health/metrics paths.
func StartHTTPServer(addr string, facade *Facade, validator auth.Validator) *http.Server {
	mux := http.NewServeMux()
	h := NewHandler(facade)
	h.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = observability.HTTPMiddleware(handler)
	handler = auth.Middleware(validator, []string{"/health", "/metrics"})(handler)

	server := &http.Server{Addr: addr, Handler: handler}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()
	return server
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) Open(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	manifest := h.facade.Open(key)
	writeJSON(w, http.StatusOK, manifest)
}

func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	filename := r.PathValue("filename")

	content, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	entry, err := h.facade.Upload(key, filename, content)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) AddJob(w http.ResponseWriter, r *http.Request) {
	var spec JobSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, "invalid job spec", http.StatusBadRequest)
		return
	}
	if name, ok := auth.Requester(r.Context()); ok && spec.AccessKey == "" {
		spec.AccessKey = name
	}

	id, err := h.facade.AddJob(r.Context(), spec)
	if err != nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

func (h *Handler) Poll(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	outputFile := r.PathValue("outputFile")

	result, ok := h.facade.Poll(key, outputFile)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.facade.Info())
}

func (h *Handler) Jobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.facade.Jobs())
}

func (h *Handler) Pool(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.facade.Pool())
}

func (h *Handler) PreallocVM(w http.ResponseWriter, r *http.Request) {
	image := r.PathValue("image")
	var body struct {
		N         int  `json:"n"`
		KeepAlive bool `json:"keepAlive"`
		HardCap   int  `json:"hardCap"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	h.facade.PreallocVM(image, body.N, body.KeepAlive, body.HardCap)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
