package v1

import (
	"net/http"

	"github.com/gorilla/mux"

	"vibeforge/internal/simerrors"
)

// Pre-simulation coordination endpoints: questionnaire answers, plan
// review, and session failure. The artifact-generation pipeline itself is
// external; these routes only move artifacts and phases.

// AnswerRequest records one questionnaire answer.
type AnswerRequest struct {
	QuestionID string `json:"question_id"`
	Answer     any    `json:"answer"`
}

// ArtifactRequest carries an opaque pre-simulation artifact.
type ArtifactRequest struct {
	Artifact map[string]any `json:"artifact"`
}

// RejectPlanRequest optionally explains a plan rejection.
type RejectPlanRequest struct {
	Reason string `json:"reason,omitempty"`
}

// FailSessionRequest explains a forced failure.
type FailSessionRequest struct {
	Reason string `json:"reason"`
}

func (rt *Router) registerCoordinatorRoutes(control *mux.Router) {
	control.HandleFunc("/sessions/{id}/answers", rt.submitAnswer).Methods(http.MethodPost)
	control.HandleFunc("/sessions/{id}/questionnaire/finalize", rt.finalizeQuestionnaire).Methods(http.MethodPost)
	control.HandleFunc("/sessions/{id}/build-spec", rt.setBuildSpec).Methods(http.MethodPost)
	control.HandleFunc("/sessions/{id}/concept", rt.setConcept).Methods(http.MethodPost)
	control.HandleFunc("/sessions/{id}/plan", rt.setTaskGraph).Methods(http.MethodPost)
	control.HandleFunc("/sessions/{id}/plan/approve", rt.approvePlan).Methods(http.MethodPost)
	control.HandleFunc("/sessions/{id}/plan/reject", rt.rejectPlan).Methods(http.MethodPost)
	control.HandleFunc("/sessions/{id}/fail", rt.failSession).Methods(http.MethodPost)
}

func (rt *Router) submitAnswer(w http.ResponseWriter, r *http.Request) {
	sess, ok := rt.sessionFromRequest(w, r)
	if !ok {
		return
	}
	var req AnswerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := rt.coordinator.SubmitAnswer(sess, req.QuestionID, req.Answer); err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"question_id": req.QuestionID})
}

func (rt *Router) finalizeQuestionnaire(w http.ResponseWriter, r *http.Request) {
	sess, ok := rt.sessionFromRequest(w, r)
	if !ok {
		return
	}
	var req ArtifactRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := rt.coordinator.FinalizeQuestionnaire(sess, req.Artifact); err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"phase": sess.Phase})
}

func (rt *Router) setBuildSpec(w http.ResponseWriter, r *http.Request) {
	sess, ok := rt.sessionFromRequest(w, r)
	if !ok {
		return
	}
	var req ArtifactRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := rt.coordinator.SetBuildSpec(sess, req.Artifact); err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"phase": sess.Phase})
}

func (rt *Router) setConcept(w http.ResponseWriter, r *http.Request) {
	sess, ok := rt.sessionFromRequest(w, r)
	if !ok {
		return
	}
	var req ArtifactRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := rt.coordinator.SetConcept(sess, req.Artifact); err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"phase": sess.Phase})
}

func (rt *Router) setTaskGraph(w http.ResponseWriter, r *http.Request) {
	sess, ok := rt.sessionFromRequest(w, r)
	if !ok {
		return
	}
	var req ArtifactRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := rt.coordinator.SetTaskGraph(sess, req.Artifact); err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"phase": sess.Phase})
}

func (rt *Router) approvePlan(w http.ResponseWriter, r *http.Request) {
	sess, ok := rt.sessionFromRequest(w, r)
	if !ok {
		return
	}
	if err := rt.coordinator.ApprovePlan(sess); err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"phase": sess.Phase})
}

func (rt *Router) rejectPlan(w http.ResponseWriter, r *http.Request) {
	sess, ok := rt.sessionFromRequest(w, r)
	if !ok {
		return
	}
	var req RejectPlanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := rt.coordinator.RejectPlan(sess, req.Reason); err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"phase": sess.Phase})
}

func (rt *Router) failSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := rt.sessionFromRequest(w, r)
	if !ok {
		return
	}
	var req FailSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		sendError(w, &simerrors.ValidationError{Field: "reason", Reason: "must not be empty"})
		return
	}
	if err := rt.coordinator.FailSession(sess, req.Reason); err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"phase": sess.Phase})
}
