package v1

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"vibeforge/internal/eventlog"
	"vibeforge/internal/simerrors"
)

func intQuery(r *http.Request, key string) (*int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, &simerrors.ValidationError{Field: key, Reason: "must be an integer"}
	}
	return &n, nil
}

func (rt *Router) getEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := rt.sessionFromRequest(w, r)
	if !ok {
		return
	}

	limit, err := intQuery(r, "limit")
	if err != nil {
		sendError(w, err)
		return
	}
	filter := eventlog.Filter{}
	if limit != nil {
		filter.Limit = *limit
	}

	events := rt.events.Read(sess.SessionID, filter)
	sendJSON(w, http.StatusOK, EventsResponse{
		SessionID: sess.SessionID,
		Count:     len(events),
		Events:    events,
	})
}

func (rt *Router) getFilteredEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := rt.sessionFromRequest(w, r)
	if !ok {
		return
	}

	filter := eventlog.Filter{
		EventType: r.URL.Query().Get("event_type"),
		AgentID:   r.URL.Query().Get("agent_id"),
	}
	for key, dst := range map[string]**int{
		"tick_index": &filter.TickIndex,
		"tick_min":   &filter.TickMin,
		"tick_max":   &filter.TickMax,
	} {
		val, err := intQuery(r, key)
		if err != nil {
			sendError(w, err)
			return
		}
		*dst = val
	}
	if limit, err := intQuery(r, "limit"); err != nil {
		sendError(w, err)
		return
	} else if limit != nil {
		filter.Limit = *limit
	}

	events := rt.events.Read(sess.SessionID, filter)
	sendJSON(w, http.StatusOK, EventsResponse{
		SessionID: sess.SessionID,
		Count:     len(events),
		Events:    events,
	})
}

func (rt *Router) getAgentEvents(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sendError(w, &simerrors.ValidationError{Field: "session_id", Reason: "query parameter required"})
		return
	}
	if _, err := rt.store.Get(sessionID); err != nil {
		sendError(w, err)
		return
	}

	filter := eventlog.Filter{AgentID: agentID}
	if limit, err := intQuery(r, "limit"); err != nil {
		sendError(w, err)
		return
	} else if limit != nil {
		filter.Limit = *limit
	}

	events := rt.events.Read(sessionID, filter)
	sendJSON(w, http.StatusOK, EventsResponse{
		SessionID: sessionID,
		Count:     len(events),
		Events:    events,
	})
}
