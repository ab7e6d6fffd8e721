package v1

import (
	"fmt"
	"net/http"

	"vibeforge/internal/simcontrol"
	"vibeforge/internal/simtypes"
	"vibeforge/internal/tickengine"
)

func (rt *Router) configureSimulation(w http.ResponseWriter, r *http.Request) {
	sess, ok := rt.sessionFromRequest(w, r)
	if !ok {
		return
	}
	var cfg simcontrol.Config
	if !decodeBody(w, r, &cfg) {
		return
	}
	if err := rt.controller.Configure(sess, cfg); err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, rt.controller.GetState(sess))
}

func (rt *Router) startSimulation(w http.ResponseWriter, r *http.Request) {
	sess, ok := rt.sessionFromRequest(w, r)
	if !ok {
		return
	}
	var req StartSimulationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := rt.controller.Start(sess, req.InitialPrompt, req.FirstAgentID); err != nil {
		sendError(w, err)
		return
	}

	state := rt.controller.GetState(sess)
	if state.SimulationMode == simtypes.ModeAuto && rt.autoRunner != nil {
		rt.autoRunner.Start(sess)
	}
	sendJSON(w, http.StatusOK, state)
}

func (rt *Router) resetSimulation(w http.ResponseWriter, r *http.Request) {
	sess, ok := rt.sessionFromRequest(w, r)
	if !ok {
		return
	}
	var req ResetSimulationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if rt.autoRunner != nil {
		rt.autoRunner.Stop(sess.SessionID)
	}
	if err := rt.controller.Reset(sess, req.PreserveWorkflow); err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, rt.controller.GetState(sess))
}

func (rt *Router) pauseSimulation(w http.ResponseWriter, r *http.Request) {
	sess, ok := rt.sessionFromRequest(w, r)
	if !ok {
		return
	}
	if rt.autoRunner != nil {
		rt.autoRunner.Stop(sess.SessionID)
	}
	if err := rt.controller.Pause(sess); err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, rt.controller.GetState(sess))
}

func (rt *Router) stopSimulation(w http.ResponseWriter, r *http.Request) {
	sess, ok := rt.sessionFromRequest(w, r)
	if !ok {
		return
	}
	if rt.autoRunner != nil {
		rt.autoRunner.Stop(sess.SessionID)
	}
	if err := rt.controller.Stop(sess); err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, rt.controller.GetState(sess))
}

func summarize(results []*tickengine.TickResult) ([]TickSummary, int, int, int) {
	summaries := make([]TickSummary, 0, len(results))
	totalEvents, totalSent, totalBlocked := 0, 0, 0
	for _, res := range results {
		summaries = append(summaries, TickSummary{
			NewTickIndex:    res.TickIndex,
			EventCount:      len(res.Events),
			Events:          res.Events,
			MessagesSent:    len(res.MessagesDelivered),
			MessagesBlocked: res.MessagesBlocked,
		})
		totalEvents += len(res.Events)
		totalSent += len(res.MessagesDelivered)
		totalBlocked += res.MessagesBlocked
	}
	return summaries, totalEvents, totalSent, totalBlocked
}

func (rt *Router) advanceTick(w http.ResponseWriter, r *http.Request) {
	sess, ok := rt.sessionFromRequest(w, r)
	if !ok {
		return
	}
	res, err := rt.controller.AdvanceTick(r.Context(), sess)
	if err != nil {
		sendError(w, err)
		return
	}

	summaries, events, sent, blocked := summarize([]*tickengine.TickResult{res})
	state := rt.controller.GetState(sess)
	sendJSON(w, http.StatusOK, TickResponse{
		TickIndex:       state.TickIndex,
		TickStatus:      state.TickStatus,
		EventsProcessed: events,
		MessagesSent:    sent,
		MessagesBlocked: blocked,
		TickSummaries:   summaries,
		Message:         fmt.Sprintf("Advanced to tick %d", state.TickIndex),
	})
}

func (rt *Router) advanceTicks(w http.ResponseWriter, r *http.Request) {
	sess, ok := rt.sessionFromRequest(w, r)
	if !ok {
		return
	}
	var req TickRequest
	if !decodeBody(w, r, &req) {
		return
	}
	results, err := rt.controller.AdvanceTicks(r.Context(), sess, req.TickCount)
	if err != nil {
		sendError(w, err)
		return
	}

	summaries, events, sent, blocked := summarize(results)
	state := rt.controller.GetState(sess)
	sendJSON(w, http.StatusOK, TickResponse{
		TickIndex:       state.TickIndex,
		TickStatus:      state.TickStatus,
		EventsProcessed: events,
		MessagesSent:    sent,
		MessagesBlocked: blocked,
		TickSummaries:   summaries,
		Message:         fmt.Sprintf("Advanced %d ticks", len(results)),
	})
}

func (rt *Router) getSimulationState(w http.ResponseWriter, r *http.Request) {
	sess, ok := rt.sessionFromRequest(w, r)
	if !ok {
		return
	}
	sendJSON(w, http.StatusOK, rt.controller.GetState(sess))
}
