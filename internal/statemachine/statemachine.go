// Package statemachine encodes the legal phase transitions of a session:
// a static Phase -> set<Phase> table plus per-phase exit-criteria
// predicates. Transitions into FAILED bypass exit criteria; terminal
// phases admit no transitions.
package statemachine

import (
	"vibeforge/internal/simerrors"
	"vibeforge/internal/simtypes"
)

var allowedTransitions = map[simtypes.Phase]map[simtypes.Phase]bool{
	simtypes.PhaseQuestionnaire: set(simtypes.PhaseBuildSpec, simtypes.PhaseFailed),
	simtypes.PhaseBuildSpec:     set(simtypes.PhaseIdea, simtypes.PhaseFailed),
	simtypes.PhaseIdea:          set(simtypes.PhasePlanReview, simtypes.PhaseFailed),
	simtypes.PhasePlanReview:    set(simtypes.PhaseExecution, simtypes.PhaseIdea, simtypes.PhaseFailed),
	simtypes.PhaseExecution:     set(simtypes.PhaseClarification, simtypes.PhaseVerification, simtypes.PhaseComplete, simtypes.PhaseFailed),
	simtypes.PhaseClarification: set(simtypes.PhaseExecution, simtypes.PhaseFailed),
	simtypes.PhaseVerification:  set(simtypes.PhaseComplete, simtypes.PhaseExecution, simtypes.PhaseFailed),
	simtypes.PhaseComplete:      {},
	simtypes.PhaseFailed:        {},
}

func set(phases ...simtypes.Phase) map[simtypes.Phase]bool {
	m := make(map[simtypes.Phase]bool, len(phases))
	for _, p := range phases {
		m[p] = true
	}
	return m
}

// ExitCriterion is a predicate over a Session that must hold before leaving
// its current phase (skipped entirely for transitions into FAILED).
type ExitCriterion func(sess *simtypes.Session) (bool, string)

// exitCriteria holds the per-phase predicates. Phases not listed default
// to "always satisfied"; QUESTIONNAIRE needs a recorded answer and
// BUILD_SPEC needs a populated build spec before they can be left.
var exitCriteria = map[simtypes.Phase]ExitCriterion{
	simtypes.PhaseQuestionnaire: func(sess *simtypes.Session) (bool, string) {
		if _, ok := sess.PreSimArtifacts["questionnaire_answers"]; !ok {
			return false, "at least one questionnaire answer must be recorded"
		}
		return true, ""
	},
	simtypes.PhaseBuildSpec: func(sess *simtypes.Session) (bool, string) {
		if _, ok := sess.PreSimArtifacts["build_spec"]; !ok {
			return false, "a build spec must be populated"
		}
		return true, ""
	},
}

// CanTransition reports whether `from -> to` is in the allowed table.
func CanTransition(from, to simtypes.Phase) bool {
	targets, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Transition validates and, on success, mutates sess.Phase to `to`. Exit
// criteria are bypassed for transitions into FAILED.
func Transition(sess *simtypes.Session, to simtypes.Phase) error {
	from := sess.Phase
	if !CanTransition(from, to) {
		return &simerrors.TransitionError{From: string(from), To: string(to)}
	}
	if to != simtypes.PhaseFailed {
		if criterion, ok := exitCriteria[from]; ok {
			if met, reason := criterion(sess); !met {
				return &simerrors.ExitCriteriaNotMet{Phase: string(from), Reason: reason}
			}
		}
	}
	sess.Phase = to
	return nil
}

// Fail forces a transition to FAILED from any non-terminal phase, bypassing
// exit criteria.
func Fail(sess *simtypes.Session) {
	if sess.Phase.Terminal() {
		return
	}
	sess.Phase = simtypes.PhaseFailed
}
