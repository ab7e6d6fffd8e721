// Package eventlog implements the per-session append-only event journal:
// one JSON line per event at <workspace_root>/<session_id>/events.jsonl,
// with filter queries and an optional in-memory cache for read-heavy
// endpoints. The journal is the sole source of truth for downstream UI
// observation.
package eventlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"vibeforge/internal/simtypes"
	"vibeforge/pkg/logger"
)

// Filter is a conjunction of optional criteria for Read.
type Filter struct {
	EventType string
	TickIndex *int
	TickMin   *int
	TickMax   *int
	AgentID   string
	Limit     int
}

// Log is the per-process Event Log. The zero value is not usable; use New.
type Log struct {
	workspaceRoot string
	useCache      bool

	mu    sync.Mutex // guards cache and serializes file appends
	cache map[string][]simtypes.Event
	log   *zerolog.Logger
}

// New constructs a Log rooted at workspaceRoot. useCache mirrors the file
// contents in memory after first read.
func New(workspaceRoot string, useCache bool) *Log {
	return &Log{
		workspaceRoot: workspaceRoot,
		useCache:      useCache,
		cache:         make(map[string][]simtypes.Event),
		log:           logger.Get(),
	}
}

func (l *Log) eventFile(sessionID string) (string, error) {
	dir := filepath.Join(l.workspaceRoot, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "events.jsonl"), nil
}

// Append writes one JSON-encoded line. Write failures are logged as
// warnings and returned, but must never abort a tick — callers in
// internal/tickengine treat this as a best-effort auxiliary channel and
// ignore the error.
func (l *Log) Append(evt simtypes.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	path, err := l.eventFile(evt.SessionID)
	if err != nil {
		l.log.Warn().Err(err).Str("session_id", evt.SessionID).Msg("eventlog: create session directory failed")
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		l.log.Warn().Err(err).Str("session_id", evt.SessionID).Msg("eventlog: open file failed")
		return err
	}
	defer f.Close()

	line, err := json.Marshal(evt)
	if err != nil {
		l.log.Warn().Err(err).Msg("eventlog: marshal event failed")
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		l.log.Warn().Err(err).Str("session_id", evt.SessionID).Msg("eventlog: append failed")
		return err
	}

	// Only extend a mirror that is already loaded; an unloaded one is read
	// from disk (which now holds this line) on first use.
	if l.useCache {
		if cached, ok := l.cache[evt.SessionID]; ok {
			l.cache[evt.SessionID] = append(cached, evt)
		}
	}
	return nil
}

// loadCacheLocked returns (lazily populating) the in-memory mirror for a
// session. Caller must hold l.mu.
func (l *Log) loadCacheLocked(sessionID string) []simtypes.Event {
	if events, ok := l.cache[sessionID]; ok {
		return events
	}
	events := l.readFromDiskLocked(sessionID)
	if l.useCache {
		l.cache[sessionID] = events
	}
	return events
}

func (l *Log) readFromDiskLocked(sessionID string) []simtypes.Event {
	path, err := l.eventFile(sessionID)
	if err != nil {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var events []simtypes.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt simtypes.Event
		if err := json.Unmarshal(line, &evt); err != nil {
			l.log.Warn().Err(err).Str("session_id", sessionID).Msg("eventlog: skipping malformed line")
			continue
		}
		events = append(events, evt)
	}
	return events
}

func eventTick(evt simtypes.Event) (int, bool) {
	if evt.Metadata == nil {
		return 0, false
	}
	v, ok := evt.Metadata["tick_index"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func eventAgent(evt simtypes.Event) (string, bool) {
	if evt.Metadata == nil {
		return "", false
	}
	for _, key := range []string{"agent_id", "from_agent", "sender"} {
		if v, ok := evt.Metadata[key].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func matches(evt simtypes.Event, f Filter) bool {
	if f.EventType != "" && evt.EventType != f.EventType {
		return false
	}
	if f.TickIndex != nil {
		tick, ok := eventTick(evt)
		if !ok || tick != *f.TickIndex {
			return false
		}
	}
	if f.TickMin != nil || f.TickMax != nil {
		tick, ok := eventTick(evt)
		if !ok {
			return false
		}
		if f.TickMin != nil && tick < *f.TickMin {
			return false
		}
		if f.TickMax != nil && tick > *f.TickMax {
			return false
		}
	}
	if f.AgentID != "" {
		agent, ok := eventAgent(evt)
		if !ok || agent != f.AgentID {
			return false
		}
	}
	return true
}

// Read returns events matching f, ordered by insertion (ascending
// timestamp). When f.Limit > 0 and more events match, the most recent
// Limit events are returned.
func (l *Log) Read(sessionID string, f Filter) []simtypes.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := l.loadCacheLocked(sessionID)
	var out []simtypes.Event
	for _, evt := range events {
		if matches(evt, f) {
			out = append(out, evt)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Count returns the number of events recorded for a session.
func (l *Log) Count(sessionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.loadCacheLocked(sessionID))
}

// Truncate replaces a session's event file with empty content, used by the
// Simulation Controller at reset.
func (l *Log) Truncate(sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	path, err := l.eventFile(sessionID)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		l.log.Warn().Err(err).Str("session_id", sessionID).Msg("eventlog: truncate failed")
		return err
	}
	delete(l.cache, sessionID)
	return nil
}
