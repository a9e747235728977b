package control

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/socialpulse/pulse/engine/config"
	"github.com/socialpulse/pulse/pkg/metrics"
	"github.com/socialpulse/pulse/pkg/mid"
)

// HandlerOptions configures the HTTP surface.
type HandlerOptions struct {
	Metrics    *metrics.Registry
	Logger     *slog.Logger
	CORSOrigin string
}

// NewHandler returns the control API with the standard middleware chain.
func NewHandler(svc *Service, opts HandlerOptions) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	h := &handler{svc: svc, log: opts.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.health)
	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("POST /api/collect", h.collect)
	mux.HandleFunc("POST /api/process", h.process)
	mux.HandleFunc("GET /api/settings/pipeline", h.getPipeline)
	mux.HandleFunc("PATCH /api/settings/pipeline", h.patchPipeline)
	mux.HandleFunc("GET /api/clusters", h.clusters)
	mux.HandleFunc("GET /api/clusters/{id}/entities", h.entities)
	mux.HandleFunc("GET /api/search", h.search)
	mux.Handle("GET /metrics", opts.Metrics.Handler())

	return mid.Chain(mux,
		mid.Recover(opts.Logger),
		mid.RequestID(),
		mid.Logger(opts.Logger),
		mid.OTel("pulse-control"),
		mid.CORS(opts.CORSOrigin),
		// Innermost: the mux sets the route pattern on this request.
		mid.Metrics(opts.Metrics),
	)
}

type handler struct {
	svc *Service
	log *slog.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// intParam parses an optional non-negative query parameter.
func intParam(r *http.Request, name string) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	return n, err == nil && n >= 0
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status(r.Context()))
}

func (h *handler) collect(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("cluster"); id != "" {
		run, err := h.svc.Collect(r.Context(), id)
		if errors.Is(err, ErrUnknownCluster) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, run)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.CollectAll(r.Context()))
}

func (h *handler) process(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	res, err := h.svc.Process(r.Context(), limit)
	if err != nil {
		h.log.Error("manual processing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "processing failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) getPipeline(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Settings().Pipeline())
}

// patchPipeline merges the JSON body into the current pipeline settings.
// Fields absent from the body keep their values.
func (h *handler) patchPipeline(w http.ResponseWriter, r *http.Request) {
	var body bytes.Buffer
	if _, err := body.ReadFrom(http.MaxBytesReader(w, r.Body, 1<<16)); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var decodeErr error
	next, err := h.svc.Settings().Update(func(s *config.Settings) {
		p := s.Pipeline
		dec := json.NewDecoder(bytes.NewReader(body.Bytes()))
		dec.DisallowUnknownFields()
		if decodeErr = dec.Decode(&p); decodeErr == nil {
			s.Pipeline = p
		}
	})
	switch {
	case decodeErr != nil:
		writeError(w, http.StatusBadRequest, "invalid settings: "+decodeErr.Error())
		return
	case err != nil:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.log.Info("pipeline settings updated", "request_id", mid.GetRequestID(r.Context()),
		"enable_auto_collection", next.Pipeline.EnableAutoCollection,
		"enable_auto_processing", next.Pipeline.EnableAutoProcessing)
	writeJSON(w, http.StatusOK, next.Pipeline)
}

func (h *handler) clusters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Settings().Current().Clusters)
}

func (h *handler) entities(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	ents, err := h.svc.Entities(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		h.lookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ents)
}

func (h *handler) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("q") == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit, ok := intParam(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	res, err := h.svc.Search(r.Context(), q.Get("q"), q.Get("cluster"), limit)
	if err != nil {
		h.lookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) lookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotConfigured):
		writeError(w, http.StatusNotImplemented, err.Error())
	case errors.Is(err, ErrUnknownCluster):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.log.Error("control lookup failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
	}
}
