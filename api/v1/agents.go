package v1

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"vibeforge/internal/simerrors"
)

// DefaultDispatchWait bounds how long an HTTP dispatch blocks for the
// remote agent's reply.
const DefaultDispatchWait = 60 * time.Second

var agentIDPattern = regexp.MustCompile(`[^a-z0-9-]+`)

func slugifyAgentName(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = agentIDPattern.ReplaceAllString(slug, "")
	slug = strings.Trim(slug, "-")
	return slug
}

func (rt *Router) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	slug := slugifyAgentName(req.Name)
	if slug == "" {
		sendError(w, &simerrors.ValidationError{Field: "name", Reason: "must contain at least one alphanumeric character"})
		return
	}

	// The returned id is what the bridge should use in its register frame.
	// Suffix until unique among live connections.
	agentID := slug
	for i := 2; rt.remote.Connected(agentID); i++ {
		agentID = fmt.Sprintf("%s-%d", slug, i)
	}

	sendJSON(w, http.StatusOK, RegisterAgentResponse{
		AgentID: agentID,
		Message: "Connect a bridge to /ws and register with this agent_id",
	})
}

func (rt *Router) listAgents(w http.ResponseWriter, r *http.Request) {
	ids := rt.remote.ConnectedAgents()
	agents := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		if info, ok := rt.remote.AgentInfo(id); ok {
			agents = append(agents, info)
		}
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"count":  len(agents),
		"agents": agents,
	})
}

// dispatchAndWait sends content to a connected agent and blocks for the
// reply (or the wait deadline).
func (rt *Router) dispatchAndWait(w http.ResponseWriter, r *http.Request, followup bool) {
	agentID := mux.Vars(r)["id"]
	var req DispatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Content == "" {
		sendError(w, &simerrors.ValidationError{Field: "content", Reason: "must not be empty"})
		return
	}

	ctx := req.Context
	if ctx == nil {
		ctx = make(map[string]any)
	}
	if followup {
		ctx["followup"] = true
	}

	messageID := "msg-http-" + uuid.New().String()
	done, err := rt.remote.Dispatch(agentID, messageID, req.Content, ctx, req.SessionID, nil)
	if err != nil {
		sendError(w, err)
		return
	}

	wait := DefaultDispatchWait
	if req.TimeoutMs > 0 {
		wait = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	select {
	case res := <-done:
		resp := DispatchResponse{
			MessageID: messageID,
			AgentID:   agentID,
			Content:   res.Content,
			Usage:     res.Usage,
		}
		if res.Err != nil {
			resp.Error = res.Err.Error()
		}
		sendJSON(w, http.StatusOK, resp)
	case <-time.After(wait):
		sendJSON(w, http.StatusGatewayTimeout, ErrorResponse{
			Error: fmt.Sprintf("agent %s did not respond within %s", agentID, wait),
			Code:  ErrCodeInternalError,
		})
	case <-r.Context().Done():
		// Client went away; the dispatch stays pending until the reaper
		// clears it.
	}
}

func (rt *Router) dispatchAgent(w http.ResponseWriter, r *http.Request) {
	rt.dispatchAndWait(w, r, false)
}

func (rt *Router) followupAgent(w http.ResponseWriter, r *http.Request) {
	rt.dispatchAndWait(w, r, true)
}
