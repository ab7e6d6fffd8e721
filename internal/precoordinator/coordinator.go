// Package precoordinator implements the thin pre-simulation session
// coordinator: the questionnaire -> build spec -> concept -> plan
// review phase walk that precedes simulation. The content-generation
// pipeline behind each artifact is external; this package stores the
// artifacts opaquely on the session, drives phase transitions through the
// state machine, and records each step in the event log.
package precoordinator

import (
	"fmt"
	"time"

	"vibeforge/internal/eventlog"
	"vibeforge/internal/simerrors"
	"vibeforge/internal/simtypes"
	"vibeforge/internal/statemachine"
)

// Artifact keys under Session.PreSimArtifacts.
const (
	KeyQuestionnaireAnswers = "questionnaire_answers"
	KeyIntentProfile        = "intent_profile"
	KeyBuildSpec            = "build_spec"
	KeyConcept              = "concept"
	KeyTaskGraph            = "task_graph"
)

// Coordinator walks sessions through the pre-simulation phases.
type Coordinator struct {
	events *eventlog.Log
	now    func() time.Time
}

// New constructs a Coordinator; events may be nil.
func New(events *eventlog.Log) *Coordinator {
	return &Coordinator{
		events: events,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (c *Coordinator) emit(sess *simtypes.Session, eventType, message string, metadata map[string]any) {
	if c.events == nil {
		return
	}
	_ = c.events.Append(simtypes.Event{
		EventType: eventType,
		Timestamp: c.now().Format(time.RFC3339Nano),
		SessionID: sess.SessionID,
		Message:   message,
		Phase:     sess.Phase,
		Metadata:  metadata,
	})
}

// SubmitAnswer records one questionnaire answer. Only legal while the
// session is still answering the questionnaire.
func (c *Coordinator) SubmitAnswer(sess *simtypes.Session, questionID string, answer any) error {
	sess.Lock()
	defer sess.Unlock()
	if sess.Phase != simtypes.PhaseQuestionnaire {
		return &simerrors.ValidationError{Reason: fmt.Sprintf("cannot submit answers in %s phase", sess.Phase)}
	}
	if questionID == "" {
		return &simerrors.ValidationError{Field: "question_id", Reason: "must not be empty"}
	}
	answers, _ := sess.PreSimArtifacts[KeyQuestionnaireAnswers].(map[string]any)
	if answers == nil {
		answers = make(map[string]any)
	}
	answers[questionID] = answer
	sess.PreSimArtifacts[KeyQuestionnaireAnswers] = answers
	return nil
}

// FinalizeQuestionnaire stores the intent profile distilled from the
// answers and advances the session into BUILD_SPEC.
func (c *Coordinator) FinalizeQuestionnaire(sess *simtypes.Session, intentProfile map[string]any) error {
	sess.Lock()
	defer sess.Unlock()
	sess.PreSimArtifacts[KeyIntentProfile] = intentProfile
	if err := statemachine.Transition(sess, simtypes.PhaseBuildSpec); err != nil {
		return err
	}
	c.emit(sess, simtypes.EventIntentProfileCreated, "Intent profile created", nil)
	c.emitTransition(sess, simtypes.PhaseQuestionnaire)
	return nil
}

// SetBuildSpec stores the build spec and advances into IDEA.
func (c *Coordinator) SetBuildSpec(sess *simtypes.Session, buildSpec map[string]any) error {
	sess.Lock()
	defer sess.Unlock()
	sess.PreSimArtifacts[KeyBuildSpec] = buildSpec
	if err := statemachine.Transition(sess, simtypes.PhaseIdea); err != nil {
		return err
	}
	c.emit(sess, simtypes.EventBuildSpecCreated, "Build spec created", nil)
	c.emitTransition(sess, simtypes.PhaseBuildSpec)
	return nil
}

// SetConcept stores the concept and advances into PLAN_REVIEW.
func (c *Coordinator) SetConcept(sess *simtypes.Session, concept map[string]any) error {
	sess.Lock()
	defer sess.Unlock()
	sess.PreSimArtifacts[KeyConcept] = concept
	if err := statemachine.Transition(sess, simtypes.PhasePlanReview); err != nil {
		return err
	}
	c.emit(sess, simtypes.EventConceptCreated, "Concept created", nil)
	c.emitTransition(sess, simtypes.PhaseIdea)
	return nil
}

// SetTaskGraph stores the generated plan while the session sits in
// PLAN_REVIEW awaiting approval.
func (c *Coordinator) SetTaskGraph(sess *simtypes.Session, taskGraph map[string]any) error {
	sess.Lock()
	defer sess.Unlock()
	if sess.Phase != simtypes.PhasePlanReview {
		return &simerrors.ValidationError{Reason: fmt.Sprintf("cannot set task graph in %s phase", sess.Phase)}
	}
	sess.PreSimArtifacts[KeyTaskGraph] = taskGraph
	c.emit(sess, simtypes.EventTaskGraphCreated, "Task graph created", nil)
	return nil
}

// ApprovePlan moves an approved plan into EXECUTION.
func (c *Coordinator) ApprovePlan(sess *simtypes.Session) error {
	sess.Lock()
	defer sess.Unlock()
	if err := statemachine.Transition(sess, simtypes.PhaseExecution); err != nil {
		return err
	}
	c.emit(sess, simtypes.EventPlanApproved, "Plan approved", nil)
	c.emitTransition(sess, simtypes.PhasePlanReview)
	return nil
}

// RejectPlan sends the session back to IDEA for regeneration.
func (c *Coordinator) RejectPlan(sess *simtypes.Session, reason string) error {
	sess.Lock()
	defer sess.Unlock()
	if err := statemachine.Transition(sess, simtypes.PhaseIdea); err != nil {
		return err
	}
	if reason == "" {
		reason = "User rejected plan"
	}
	c.emit(sess, simtypes.EventPlanRejected, "Plan rejected", map[string]any{"reason": reason})
	c.emitTransition(sess, simtypes.PhasePlanReview)
	return nil
}

// FailSession writes SESSION_FAILED and forces the phase to FAILED from any
// non-terminal phase, bypassing exit criteria.
func (c *Coordinator) FailSession(sess *simtypes.Session, reason string) error {
	sess.Lock()
	defer sess.Unlock()
	if sess.Terminal() {
		return &simerrors.TransitionError{From: string(sess.Phase), To: string(simtypes.PhaseFailed)}
	}
	from := sess.Phase
	statemachine.Fail(sess)
	c.emit(sess, simtypes.EventSessionFailed, "Session failed: "+reason, map[string]any{
		"reason":     reason,
		"from_phase": string(from),
	})
	c.emitTransition(sess, from)
	return nil
}

// ExecuteNextTask is a documented extension point: task execution against
// the plan's task graph belongs to the external verifier pipeline.
func (c *Coordinator) ExecuteNextTask(sess *simtypes.Session) error {
	return simerrors.ErrNotImplemented
}

func (c *Coordinator) emitTransition(sess *simtypes.Session, from simtypes.Phase) {
	c.emit(sess, simtypes.EventPhaseTransition,
		fmt.Sprintf("Phase transition: %s -> %s", from, sess.Phase),
		map[string]any{
			"from_phase": string(from),
			"to_phase":   string(sess.Phase),
		})
}
