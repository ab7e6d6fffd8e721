package v1

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"vibeforge/internal/agentgraph"
	"vibeforge/internal/simerrors"
	"vibeforge/internal/simtypes"
)

var validRoles = map[simtypes.AgentRole]bool{
	simtypes.RoleOrchestrator: true,
	simtypes.RoleForeman:      true,
	simtypes.RoleWorker:       true,
	simtypes.RoleReviewer:     true,
	simtypes.RoleFixer:        true,
}

func (rt *Router) sessionFromRequest(w http.ResponseWriter, r *http.Request) (*simtypes.Session, bool) {
	sess, err := rt.store.Get(mux.Vars(r)["id"])
	if err != nil {
		sendError(w, err)
		return nil, false
	}
	return sess, true
}

// guardConfigurable rejects workflow mutation in terminal phases or while
// the simulation is running.
func guardConfigurable(w http.ResponseWriter, sess *simtypes.Session) bool {
	sess.RLock()
	defer sess.RUnlock()
	if sess.Terminal() {
		sendError(w, &simerrors.ValidationError{Reason: fmt.Sprintf("session is in terminal phase %s", sess.Phase)})
		return false
	}
	if sess.TickStatus == simtypes.TickRunning {
		sendError(w, &simerrors.ValidationError{Reason: "cannot reconfigure while simulation is running"})
		return false
	}
	return true
}

func (rt *Router) createSession(w http.ResponseWriter, r *http.Request) {
	sess := rt.store.Create()

	if rt.events != nil {
		_ = rt.events.Append(simtypes.Event{
			EventType: simtypes.EventWorkspaceInitialized,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			SessionID: sess.SessionID,
			Message:   "Workspace initialized",
			Phase:     sess.Phase,
		})
	}

	sendJSON(w, http.StatusCreated, CreateSessionResponse{
		SessionID: sess.SessionID,
		Phase:     sess.Phase,
		CreatedAt: sess.CreatedAt.Format(time.RFC3339Nano),
	})
}

func (rt *Router) initAgents(w http.ResponseWriter, r *http.Request) {
	sess, ok := rt.sessionFromRequest(w, r)
	if !ok {
		return
	}
	var req InitAgentsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Agents) == 0 {
		sendError(w, &simerrors.ValidationError{Field: "agents", Reason: "must not be empty"})
		return
	}
	if !guardConfigurable(w, sess) {
		return
	}

	seen := make(map[string]bool, len(req.Agents))
	agents := make([]simtypes.Agent, 0, len(req.Agents))
	for _, spec := range req.Agents {
		if spec.AgentID == "" {
			sendError(w, &simerrors.ValidationError{Field: "agent_id", Reason: "must not be empty"})
			return
		}
		if seen[spec.AgentID] {
			sendError(w, &simerrors.ValidationError{Field: "agent_id", Reason: "duplicate agent id: " + spec.AgentID})
			return
		}
		seen[spec.AgentID] = true

		agentType := simtypes.AgentType(spec.AgentType)
		if agentType == "" {
			agentType = simtypes.AgentLocal
		}
		if agentType != simtypes.AgentLocal && agentType != simtypes.AgentRemote {
			sendError(w, &simerrors.ValidationError{Field: "agent_type", Reason: "must be local or remote"})
			return
		}
		role := simtypes.AgentRole(spec.Role)
		if role != "" && !validRoles[role] {
			sendError(w, &simerrors.ValidationError{Field: "role", Reason: "unknown role: " + spec.Role})
			return
		}

		agents = append(agents, simtypes.Agent{
			AgentID:     spec.AgentID,
			DisplayName: spec.DisplayName,
			Role:        role,
			ModelID:     spec.ModelID,
			AgentType:   agentType,
		})
	}

	sess.Lock()
	sess.Agents = agents
	// If any previously configured edge references an agent no longer in
	// the new roster, the whole graph is cleared.
	if ok, _ := agentgraph.Validate(sess.Edges, sess.AgentIDs()); !ok {
		sess.Edges = nil
	}
	sess.Unlock()

	sendJSON(w, http.StatusOK, map[string]any{"agent_count": len(agents)})
}

func (rt *Router) assignRole(w http.ResponseWriter, r *http.Request) {
	sess, ok := rt.sessionFromRequest(w, r)
	if !ok {
		return
	}
	var req AssignRoleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	role := simtypes.AgentRole(req.Role)
	if !validRoles[role] {
		sendError(w, &simerrors.ValidationError{Field: "role", Reason: "unknown role: " + req.Role})
		return
	}
	if !guardConfigurable(w, sess) {
		return
	}

	sess.Lock()
	defer sess.Unlock()
	for i := range sess.Agents {
		if sess.Agents[i].AgentID == req.AgentID {
			sess.Agents[i].Role = role
			if req.ModelID != "" {
				sess.Agents[i].ModelID = req.ModelID
			}
			sendJSON(w, http.StatusOK, map[string]any{"agent_id": req.AgentID, "role": req.Role})
			return
		}
	}
	sendError(w, &simerrors.ValidationError{Field: "agent_id", Reason: "not in roster: " + req.AgentID})
}

func (rt *Router) setTask(w http.ResponseWriter, r *http.Request) {
	sess, ok := rt.sessionFromRequest(w, r)
	if !ok {
		return
	}
	var req SetTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MainTask == "" {
		sendError(w, &simerrors.ValidationError{Field: "main_task", Reason: "must not be empty"})
		return
	}
	if !guardConfigurable(w, sess) {
		return
	}

	sess.Lock()
	sess.MainTask = req.MainTask
	sess.Unlock()
	sendJSON(w, http.StatusOK, map[string]any{"main_task": req.MainTask})
}

func (rt *Router) setFlows(w http.ResponseWriter, r *http.Request) {
	sess, ok := rt.sessionFromRequest(w, r)
	if !ok {
		return
	}
	var req FlowsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !guardConfigurable(w, sess) {
		return
	}

	edges := make([]simtypes.Edge, 0, len(req.Edges))
	for _, e := range req.Edges {
		edges = append(edges, simtypes.Edge{
			From:          e.From,
			To:            e.To,
			Label:         e.Label,
			Bidirectional: e.Bidirectional,
		})
	}

	sess.Lock()
	defer sess.Unlock()
	if ok, reason := agentgraph.Validate(edges, sess.AgentIDs()); !ok {
		sendError(w, &simerrors.ValidationError{Field: "edges", Reason: reason})
		return
	}
	sess.Edges = edges
	sendJSON(w, http.StatusOK, map[string]any{"edge_count": len(edges)})
}

func (rt *Router) getWorkflow(w http.ResponseWriter, r *http.Request) {
	sess, ok := rt.sessionFromRequest(w, r)
	if !ok {
		return
	}
	sess.RLock()
	defer sess.RUnlock()
	sendJSON(w, http.StatusOK, WorkflowResponse{
		SessionID: sess.SessionID,
		Phase:     sess.Phase,
		MainTask:  sess.MainTask,
		Agents:    append([]simtypes.Agent(nil), sess.Agents...),
		Edges:     append([]simtypes.Edge(nil), sess.Edges...),
	})
}
