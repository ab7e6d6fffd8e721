package v1

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"vibeforge/internal/autotick"
	"vibeforge/internal/eventlog"
	"vibeforge/internal/precoordinator"
	"vibeforge/internal/remoteagent"
	"vibeforge/internal/session"
	"vibeforge/internal/simcontrol"
	"vibeforge/internal/simerrors"
)

// RouterDeps holds dependencies for the v1 API router.
type RouterDeps struct {
	Store       *session.Store
	Events      *eventlog.Log
	Controller  *simcontrol.Controller
	Coordinator *precoordinator.Coordinator
	Remote      *remoteagent.Manager
	AutoRunner  *autotick.Runner
}

// Router wraps v1 API dependencies.
type Router struct {
	store       *session.Store
	events      *eventlog.Log
	controller  *simcontrol.Controller
	coordinator *precoordinator.Coordinator
	remote      *remoteagent.Manager
	autoRunner  *autotick.Runner
}

// NewRouter creates a new v1 API router.
func NewRouter(deps *RouterDeps) *Router {
	if deps == nil {
		deps = &RouterDeps{}
	}
	return &Router{
		store:       deps.Store,
		events:      deps.Events,
		controller:  deps.Controller,
		coordinator: deps.Coordinator,
		remote:      deps.Remote,
		autoRunner:  deps.AutoRunner,
	}
}

// RegisterRoutes attaches the control-plane routes.
func (rt *Router) RegisterRoutes(r *mux.Router) {
	control := r.PathPrefix("/control").Subrouter()

	control.HandleFunc("/sessions", rt.createSession).Methods(http.MethodPost)
	control.HandleFunc("/sessions/{id}/agents/init", rt.initAgents).Methods(http.MethodPost)
	control.HandleFunc("/sessions/{id}/agents/assign", rt.assignRole).Methods(http.MethodPost)
	control.HandleFunc("/sessions/{id}/task", rt.setTask).Methods(http.MethodPost)
	control.HandleFunc("/sessions/{id}/flows", rt.setFlows).Methods(http.MethodPost)
	control.HandleFunc("/sessions/{id}/workflow", rt.getWorkflow).Methods(http.MethodGet)

	control.HandleFunc("/sessions/{id}/simulation/config", rt.configureSimulation).Methods(http.MethodPost)
	control.HandleFunc("/sessions/{id}/simulation/start", rt.startSimulation).Methods(http.MethodPost)
	control.HandleFunc("/sessions/{id}/simulation/reset", rt.resetSimulation).Methods(http.MethodPost)
	control.HandleFunc("/sessions/{id}/simulation/pause", rt.pauseSimulation).Methods(http.MethodPost)
	control.HandleFunc("/sessions/{id}/simulation/stop", rt.stopSimulation).Methods(http.MethodPost)
	control.HandleFunc("/sessions/{id}/simulation/tick", rt.advanceTick).Methods(http.MethodPost)
	control.HandleFunc("/sessions/{id}/simulation/ticks", rt.advanceTicks).Methods(http.MethodPost)
	control.HandleFunc("/sessions/{id}/simulation/state", rt.getSimulationState).Methods(http.MethodGet)

	control.HandleFunc("/sessions/{id}/events", rt.getEvents).Methods(http.MethodGet)
	control.HandleFunc("/sessions/{id}/events/filter", rt.getFilteredEvents).Methods(http.MethodGet)

	rt.registerCoordinatorRoutes(control)

	control.HandleFunc("/agents/register", rt.registerAgent).Methods(http.MethodPost)
	control.HandleFunc("/agents", rt.listAgents).Methods(http.MethodGet)
	control.HandleFunc("/agents/{id}/dispatch", rt.dispatchAgent).Methods(http.MethodPost)
	control.HandleFunc("/agents/{id}/followup", rt.followupAgent).Methods(http.MethodPost)
	control.HandleFunc("/agents/{id}/events", rt.getAgentEvents).Methods(http.MethodGet)
}

// sendJSON writes a JSON response body with status.
func sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// sendError maps a core error kind to its HTTP status and error code.
func sendError(w http.ResponseWriter, err error) {
	var (
		validation *simerrors.ValidationError
		transition *simerrors.TransitionError
		criteria   *simerrors.ExitCriteriaNotMet
		guardrail  *simerrors.GuardrailBreach
		notConn    *simerrors.AgentNotConnected
	)

	switch {
	case errors.Is(err, simerrors.ErrNotFound):
		sendJSON(w, http.StatusNotFound, ErrorResponse{Error: "not found", Code: ErrCodeNotFound})
	case errors.As(err, &validation):
		sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: ErrCodeValidationFailed})
	case errors.As(err, &transition), errors.As(err, &criteria):
		sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: ErrCodeValidationFailed})
	case errors.As(err, &guardrail):
		sendJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: err.Error(), Code: ErrCodeGuardrail})
	case errors.As(err, &notConn):
		sendJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: ErrCodeAgentNotConnected})
	default:
		sendJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: ErrCodeInternalError})
	}
}

// decodeBody parses a JSON request body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body: " + err.Error(), Code: ErrCodeInvalidRequest})
		return false
	}
	return true
}
