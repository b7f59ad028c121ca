package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itskum47/BackForge/control_plane/agent"
	"github.com/itskum47/BackForge/control_plane/idempotency"
	"github.com/itskum47/BackForge/control_plane/middleware"
	"github.com/itskum47/BackForge/control_plane/orchestrator"
	"github.com/itskum47/BackForge/control_plane/store"
	"github.com/itskum47/BackForge/control_plane/timeline"
)

// IdempotencyHeader carries the client key of a retryable POST.
const IdempotencyHeader = "Idempotency-Key"

type API struct {
	orchestrator *orchestrator.Orchestrator
	store        store.Store
	timeline     *timeline.Store
	registry     *agent.Registry
	idempotency  idempotency.Store
	hub          *AgentHub
}

func NewAPI(orch *orchestrator.Orchestrator, s store.Store, events *timeline.Store, registry *agent.Registry, idem idempotency.Store, hub *AgentHub) *API {
	return &API{
		orchestrator: orch,
		store:        s,
		timeline:     events,
		registry:     registry,
		idempotency:  idem,
		hub:          hub,
	}
}

// Handler returns the admin surface and the agent endpoint. token enables
// bearer auth on everything but health, metrics and agent connections.
func (a *API) Handler(token, allowedOrigin string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /agent/connect", a.hub)

	mux.HandleFunc("POST /actions", a.withIdempotency(a.handleCreateAction))
	mux.HandleFunc("GET /actions", a.handleListActions)
	mux.HandleFunc("GET /actions/{id}", a.handleGetAction)
	mux.HandleFunc("POST /actions/{id}/abort", a.handleAbortAction)
	mux.HandleFunc("GET /actions/{id}/events", a.handleActionEvents)
	mux.HandleFunc("GET /agents", a.handleListAgents)

	auth := middleware.AuthMiddleware(token, "/health", "/metrics", "/agent/connect")
	return middleware.CORSMiddleware(allowedOrigin)(auth(mux))
}

// Wrapper for capturing response
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays the stored response for a repeated key. Server
// errors are not stored so the client may retry them.
func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyHeader)
		if key == "" || a.idempotency == nil {
			next(w, r)
			return
		}

		resp, found, err := a.idempotency.Get(r.Context(), key)
		if err != nil {
			logger.Warningf("idempotency lookup of %q: %v", key, err)
		}
		if found {
			for k, v := range resp.Headers {
				for _, val := range v {
					w.Header().Add(k, val)
				}
			}
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)
		if rec.statusCode >= http.StatusInternalServerError {
			return
		}
		err = a.idempotency.Set(r.Context(), key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    map[string][]string{"Content-Type": rec.Header().Values("Content-Type")},
		})
		if err != nil {
			logger.Warningf("storing idempotent response for %q: %v", key, err)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("encoding response: %v", err)
	}
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.NotValid):
		status = http.StatusBadRequest
	case errors.Is(err, errors.NotFound):
		status = http.StatusNotFound
	case errors.Is(err, errors.AlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, errors.NotSupported):
		status = http.StatusNotImplemented
	}
	if status == http.StatusInternalServerError {
		logger.Errorf("request failed: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"agents":      a.registry.Len(),
		"active_jobs": len(a.orchestrator.ActiveJobs()),
	})
}

func (a *API) handleCreateAction(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.NewNotValid(err, "request body"))
		return
	}
	job, err := a.orchestrator.CreateJob(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/actions/"+job.ID())
	writeJSON(w, http.StatusCreated, job.Snapshot())
}

// handleListActions lists stored jobs newest first, with running jobs
// shown as they are now.
func (a *API) handleListActions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, errors.NotValidf("limit %q", v))
			return
		}
		limit = n
	}
	recs, err := a.store.ListJobs(r.Context(), r.URL.Query().Get("backup_manager_id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	result := make([]store.JobRecord, len(recs))
	for i, rec := range recs {
		if job, ok := a.orchestrator.Job(rec.JobID); ok {
			result[i] = job.Snapshot()
			continue
		}
		result[i] = *rec
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) jobRecord(r *http.Request, id string) (store.JobRecord, error) {
	if job, ok := a.orchestrator.Job(id); ok {
		return job.Snapshot(), nil
	}
	rec, err := a.store.GetJob(r.Context(), id)
	if err != nil {
		return store.JobRecord{}, errors.Trace(err)
	}
	return *rec, nil
}

func (a *API) handleGetAction(w http.ResponseWriter, r *http.Request) {
	rec, err := a.jobRecord(r, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type abortRequest struct {
	Reason string `json:"reason"`
}

func (a *API) handleAbortAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req abortRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errors.NewNotValid(err, "request body"))
			return
		}
	}
	if err := a.orchestrator.Abort(id, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	rec, err := a.jobRecord(r, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (a *API) handleActionEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	events := a.timeline.GetEvents(id)
	if len(events) == 0 {
		if _, err := a.jobRecord(r, id); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, events)
}

// agentView is a connected agent as shown by GET /agents.
type agentView struct {
	AgentID    string             `json:"agent_id"`
	Scope      string             `json:"scope"`
	APIVersion agent.APIVersion   `json:"api_version"`
	State      string             `json:"state"`
	Busy       bool               `json:"busy"`
	Caps       agent.Capabilities `json:"capabilities"`
}

type agentsResponse struct {
	Connected []agentView          `json:"connected"`
	Directory []*store.AgentRecord `json:"directory"`
}

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	resp := agentsResponse{Connected: []agentView{}}
	for _, ag := range a.registry.Agents() {
		if scope != "" && ag.Scope() != scope {
			continue
		}
		reg, _ := ag.Registration()
		resp.Connected = append(resp.Connected, agentView{
			AgentID:    ag.ID(),
			Scope:      ag.Scope(),
			APIVersion: reg.APIVersion,
			State:      ag.StateName(),
			Busy:       ag.Busy(),
			Caps:       ag.Capabilities(),
		})
	}
	dir, err := a.store.ListAgents(r.Context(), scope)
	if err != nil {
		writeError(w, err)
		return
	}
	resp.Directory = dir
	if resp.Directory == nil {
		resp.Directory = []*store.AgentRecord{}
	}
	writeJSON(w, http.StatusOK, resp)
}
