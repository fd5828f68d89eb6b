package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgrid/remex/pkg/config"
	"github.com/opsgrid/remex/pkg/envelope"
	"github.com/opsgrid/remex/pkg/models"
	"github.com/opsgrid/remex/pkg/policy"
	"github.com/opsgrid/remex/pkg/store"
)

// fakeRunner succeeds for every tool unless told otherwise.
type fakeRunner struct {
	failures    map[string]int // tool_id → remaining failures
	unavailable bool
	calls       []string
}

func (r *fakeRunner) Execute(_ context.Context, toolID string, _ json.RawMessage) (json.RawMessage, error) {
	r.calls = append(r.calls, toolID)
	if r.unavailable {
		return nil, fmt.Errorf("circuit open: %w", ErrToolUnavailable)
	}
	if n := r.failures[toolID]; n > 0 {
		r.failures[toolID] = n - 1
		return nil, fmt.Errorf("tool %s exploded", toolID)
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func testDeps(t *testing.T, runner *fakeRunner) *Deps {
	t.Helper()
	reg, err := builtinTestRegistry(t)
	require.NoError(t, err)
	if runner == nil {
		runner = &fakeRunner{}
	}
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	return &Deps{
		Registry: reg,
		Engine:   policy.NewEngine(),
		Tools:    runner,
		Now:      func() time.Time { return now },
	}
}

// builtinTestRegistry loads the built-in packs through the public config
// loader against an empty directory.
func builtinTestRegistry(t *testing.T) (*config.Registry, error) {
	t.Helper()
	cfg, err := config.Initialize(context.Background(), t.TempDir())
	if err != nil {
		return nil, err
	}
	return cfg.Registry, nil
}

// pipeline drives handlers against an in-memory state, standing in for
// the worker runtime plus store.
type pipeline struct {
	t     *testing.T
	deps  *Deps
	state State

	// events and topics record everything committed, in order.
	events []models.ExceptionEvent
	queue  []*envelope.Envelope
}

func newPipeline(t *testing.T, runner *fakeRunner) *pipeline {
	return &pipeline{t: t, deps: testDeps(t, runner)}
}

// deliver invokes the handler for the envelope's consumer role and folds
// the delta into the in-memory state.
func (p *pipeline) deliver(env *envelope.Envelope) error {
	role := consumerRole(env.EventType)
	if role == "" {
		// Informational topic with no consumer (playbook.matched).
		return nil
	}
	h, err := ForRole(role, p.deps)
	require.NoError(p.t, err)

	delta, err := h.Handle(context.Background(), env, &p.state)
	if err != nil {
		return err
	}
	p.apply(delta)
	return nil
}

// run drains the queue until no envelopes remain.
func (p *pipeline) run() error {
	for len(p.queue) > 0 {
		env := p.queue[0]
		p.queue = p.queue[1:]
		if err := p.deliver(env); err != nil {
			return err
		}
	}
	return nil
}

func (p *pipeline) apply(d *store.Delta) {
	if d == nil {
		return
	}
	if d.Create != nil {
		exc := *d.Create
		exc.Version = 1
		p.state.Exception = &exc
	}
	if d.Update != nil {
		exc := *d.Update
		exc.Version++
		p.state.Exception = &exc
	}
	if d.Progress != nil {
		progress := *d.Progress
		p.state.Progress = &progress
	}
	for _, s := range d.Steps {
		replaced := false
		for i := range p.state.Steps {
			if p.state.Steps[i].StepOrder == s.StepOrder {
				p.state.Steps[i] = s
				replaced = true
			}
		}
		if !replaced {
			p.state.Steps = append(p.state.Steps, s)
		}
	}
	for _, x := range d.ToolExecutions {
		p.state.Tools = append(p.state.Tools, x)
	}
	seen := make(map[string]bool)
	for _, ev := range p.events {
		seen[ev.DedupKey] = true
	}
	for _, emitted := range d.Events {
		ev := emitted.Event
		if ev.DedupKey == "" {
			ev.DedupKey = models.ComputeDedupKey(ev.ExceptionID, ev.EventType, ev.Attempt, ev.Producer)
		}
		if seen[ev.DedupKey] {
			continue
		}
		seen[ev.DedupKey] = true
		p.events = append(p.events, ev)
		p.queue = append(p.queue, emitted.Outbound...)
	}
}

func (p *pipeline) eventTypes() []string {
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.EventType
	}
	return out
}

// countProcessingErrors counts ProcessingError events of the given kind.
func (p *pipeline) countProcessingErrors(t *testing.T, kind string) int {
	t.Helper()
	count := 0
	for _, ev := range p.events {
		if ev.EventType != models.EventProcessingError {
			continue
		}
		var payload struct {
			Kind string `json:"kind"`
		}
		require.NoError(t, json.Unmarshal(ev.Payload, &payload))
		if payload.Kind == kind {
			count++
		}
	}
	return count
}

// consumerRole routes a topic to the role that consumes it, mirroring
// envelope.TopicsForRole.
func consumerRole(topic string) string {
	for role, topics := range envelope.TopicsForRole {
		for _, t := range topics {
			if t == topic {
				return role
			}
		}
	}
	return ""
}

func ingest(t *testing.T, tenant, exceptionID string, raw string) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(envelope.TopicIngested, tenant, exceptionID, "api", "corr-"+exceptionID, IngestPayload{
		SourceSystem: "ERP",
		Domain:       "finance",
		RawPayload:   json.RawMessage(raw),
	})
	require.NoError(t, err)
	return env
}

func TestHappyPathAutomatedResolution(t *testing.T) {
	p := newPipeline(t, nil)

	require.NoError(t, p.deliver(ingest(t, "T1", "E-1", `{"type":"SETTLEMENT_FAIL","amount":1000}`)))
	require.NoError(t, p.run())

	exc := p.state.Exception
	require.NotNil(t, exc)
	assert.Equal(t, models.SeverityHigh, exc.Severity)
	assert.Equal(t, models.StatusResolved, exc.Status)
	assert.Equal(t, models.StageFeedback, exc.CurrentStage)
	require.NotNil(t, exc.CurrentPlaybookID)
	assert.Equal(t, "PB_SETTLE_v3", *exc.CurrentPlaybookID)
	require.NotNil(t, exc.SLADeadline)
	assert.NotNil(t, exc.ResolvedAt)

	require.NotNil(t, p.state.Progress)
	assert.Equal(t, 3, p.state.Progress.TotalSteps)
	for _, step := range p.state.Steps {
		assert.Equal(t, models.StepCompleted, step.Status)
	}
	assert.Len(t, p.state.Tools, 3)

	assert.Equal(t, []string{
		models.EventExceptionCreated,
		models.EventExceptionNormalized,
		models.EventTriageCompleted,
		models.EventPolicyCompleted,
		models.EventPlaybookMatched,
		models.EventStepRequested,
		models.EventToolRequested,
		models.EventToolCompleted,
		models.EventStepCompleted,
		models.EventStepRequested,
		models.EventToolRequested,
		models.EventToolCompleted,
		models.EventStepCompleted,
		models.EventStepRequested,
		models.EventToolRequested,
		models.EventToolCompleted,
		models.EventStepCompleted,
		models.EventPlaybookCompleted,
	}, p.eventTypes())
}

func TestEscalationByPolicy(t *testing.T) {
	p := newPipeline(t, nil)

	require.NoError(t, p.deliver(ingest(t, "T1", "E-2", `{"type":"POSITION_BREAK","amount":5000000}`)))
	require.NoError(t, p.run())

	exc := p.state.Exception
	assert.Equal(t, models.StatusEscalated, exc.Status)
	assert.Equal(t, models.StageTerminal, exc.CurrentStage)
	assert.Nil(t, p.state.Progress, "no playbook must be matched")
	assert.Contains(t, p.eventTypes(), models.EventPolicyEscalated)
	assert.NotContains(t, p.eventTypes(), models.EventPlaybookMatched)
	assert.NotNil(t, exc.SLADeadline, "SLA timer stays armed")
}

func TestSchemaRejectedIsPermanent(t *testing.T) {
	p := newPipeline(t, nil)

	err := p.deliver(ingest(t, "T1", "E-3", `{"type":"SETTLEMENT_FAIL"}`))
	require.Error(t, err)
	assert.Equal(t, ClassPermanent, Classify(err))
	assert.Equal(t, ReasonSchemaRejected, ReasonOf(err))
	assert.Nil(t, p.state.Exception)
}

func TestUnknownTypeIsPermanent(t *testing.T) {
	p := newPipeline(t, nil)

	err := p.deliver(ingest(t, "T1", "E-4", `{"type":"ALIEN_EVENT","amount":1}`))
	require.Error(t, err)
	assert.Equal(t, ReasonUnknownType, ReasonOf(err))
}

func TestIntakeRedeliveryNoOps(t *testing.T) {
	p := newPipeline(t, nil)
	env := ingest(t, "T1", "E-5", `{"type":"SETTLEMENT_FAIL","amount":10}`)

	require.NoError(t, p.deliver(env))
	eventsAfterFirst := len(p.events)
	require.NoError(t, p.deliver(env))
	assert.Len(t, p.events, eventsAfterFirst, "redelivery must emit nothing")
}

func TestToolFailureRetriesThenSucceeds(t *testing.T) {
	runner := &fakeRunner{failures: map[string]int{"settlement.verify": 2}}
	p := newPipeline(t, runner)

	require.NoError(t, p.deliver(ingest(t, "T1", "E-6", `{"type":"SETTLEMENT_FAIL","amount":10}`)))
	require.NoError(t, p.run())

	assert.Equal(t, models.StatusResolved, p.state.Exception.Status)
	// Two failed executions plus three successes.
	assert.Len(t, p.state.Tools, 5)
	step := p.state.Steps[0]
	assert.Equal(t, 3, step.Attempts)
	assert.Equal(t, models.StepCompleted, step.Status)

	// Each retried failure leaves a transient ProcessingError on the
	// timeline.
	assert.Equal(t, 2, p.countProcessingErrors(t, ClassTransient.String()))
}

func TestToolFailureExhaustsRetriesAndEscalates(t *testing.T) {
	runner := &fakeRunner{failures: map[string]int{"settlement.verify": 10}}
	p := newPipeline(t, runner)

	require.NoError(t, p.deliver(ingest(t, "T1", "E-7", `{"type":"SETTLEMENT_FAIL","amount":10}`)))
	require.NoError(t, p.run())

	exc := p.state.Exception
	assert.Equal(t, models.StatusEscalated, exc.Status)
	step := p.state.Steps[0]
	assert.Equal(t, models.StepFailed, step.Status)
	// max_retries 2 → three attempts total.
	assert.Equal(t, 3, step.Attempts)
	assert.Equal(t, 2, p.countProcessingErrors(t, ClassTransient.String()))
	assert.Equal(t, 1, p.countProcessingErrors(t, ClassPermanent.String()))
}

func TestToolFailureEscalatePolicy(t *testing.T) {
	// Step 2 of PB_SETTLE has failure_policy escalate.
	runner := &fakeRunner{failures: map[string]int{"settlement.resubmit": 1}}
	p := newPipeline(t, runner)

	require.NoError(t, p.deliver(ingest(t, "T1", "E-8", `{"type":"SETTLEMENT_FAIL","amount":10}`)))
	require.NoError(t, p.run())

	assert.Equal(t, models.StatusEscalated, p.state.Exception.Status)
	assert.Equal(t, models.StepFailed, p.state.Steps[1].Status)
	// Step 3 never ran.
	assert.Equal(t, models.StepPending, p.state.Steps[2].Status)
}

func TestToolUnavailableIsTransient(t *testing.T) {
	runner := &fakeRunner{unavailable: true}
	p := newPipeline(t, runner)

	require.NoError(t, p.deliver(ingest(t, "T1", "E-9", `{"type":"SETTLEMENT_FAIL","amount":10}`)))
	err := p.run()
	require.Error(t, err)
	assert.Equal(t, ClassTransient, Classify(err))
}

func TestStepRequestAgainstTerminalIsStale(t *testing.T) {
	p := newPipeline(t, nil)
	require.NoError(t, p.deliver(ingest(t, "T1", "E-10", `{"type":"SETTLEMENT_FAIL","amount":10}`)))
	require.NoError(t, p.run())

	// Force terminal, then replay a step request.
	p.state.Exception.Status = models.StatusEscalated

	env, err := envelope.New(envelope.TopicStepRequested, "T1", "E-10", "playbook", "corr-E-10", StepRequestPayload{StepOrder: 1})
	require.NoError(t, err)
	err = p.deliver(env)
	require.Error(t, err)
	assert.Equal(t, ClassStale, Classify(err))
}

func TestHumanStepWaitsForExternalCompletion(t *testing.T) {
	p := newPipeline(t, nil)
	require.NoError(t, p.deliver(ingest(t, "T1", "E-11", `{"type":"POSITION_BREAK","amount":500}`)))
	require.NoError(t, p.run())

	// PB_POSITION: step 1 tool, step 2 human. The run stalls at step 2.
	exc := p.state.Exception
	assert.Equal(t, models.StatusInProgress, exc.Status)
	require.Equal(t, 2, p.state.Progress.CurrentStep)
	assert.Equal(t, models.StepInProgress, p.state.Steps[1].Status)

	notes := "reviewed and reconciled"
	done, err := envelope.New(envelope.TopicStepCompleted, "T1", "E-11", "operator", "corr-E-11", StepCompletionPayload{
		StepOrder: 2,
		Status:    models.StepCompleted,
		Notes:     &notes,
	})
	require.NoError(t, err)
	require.NoError(t, p.deliver(done))
	require.NoError(t, p.run())

	assert.Equal(t, models.StatusResolved, p.state.Exception.Status)
	require.NotNil(t, p.state.Steps[1].Notes)
	assert.Equal(t, notes, *p.state.Steps[1].Notes)
}

func TestFeedbackCorrectCloses(t *testing.T) {
	p := newPipeline(t, nil)
	require.NoError(t, p.deliver(ingest(t, "T1", "E-12", `{"type":"SETTLEMENT_FAIL","amount":10}`)))
	require.NoError(t, p.run())
	require.Equal(t, models.StatusResolved, p.state.Exception.Status)

	actor := "ops-1"
	fb, err := envelope.New(envelope.TopicFeedback, "T1", "E-12", "api", "corr-E-12", FeedbackPayload{
		Verdict: models.VerdictCorrect,
		ActorID: &actor,
	})
	require.NoError(t, err)
	require.NoError(t, p.deliver(fb))

	assert.Equal(t, models.StatusClosed, p.state.Exception.Status)
	assert.Equal(t, models.StageTerminal, p.state.Exception.CurrentStage)
}

func TestFeedbackReopenReentersPolicy(t *testing.T) {
	p := newPipeline(t, nil)
	require.NoError(t, p.deliver(ingest(t, "T1", "E-13", `{"type":"SETTLEMENT_FAIL","amount":10}`)))
	require.NoError(t, p.run())
	require.Equal(t, models.StatusResolved, p.state.Exception.Status)

	actor := "ops-2"
	fb, err := envelope.New(envelope.TopicFeedback, "T1", "E-13", "api", "corr-E-13", FeedbackPayload{
		Verdict: models.VerdictIncorrect,
		Reopen:  true,
		ActorID: &actor,
	})
	require.NoError(t, err)
	require.NoError(t, p.deliver(fb))

	assert.Equal(t, models.StatusOpen, p.state.Exception.Status)
	assert.Equal(t, models.StagePolicy, p.state.Exception.CurrentStage)
	assert.Nil(t, p.state.Exception.CurrentPlaybookID)
	assert.Contains(t, p.eventTypes(), models.EventExceptionReopened)
	// The reopen emitted a policy.requested envelope.
	require.Len(t, p.queue, 1)
	assert.Equal(t, envelope.TopicPolicyRequest, p.queue[0].EventType)
}

func TestApprovalGate(t *testing.T) {
	// CRITICAL severity requires one approval in the built-in pack:
	// override severity via a large-amount rule by using a user pack is
	// overkill here, so drive the gate directly with a severity bump.
	p := newPipeline(t, nil)
	require.NoError(t, p.deliver(ingest(t, "T1", "E-14", `{"type":"SETTLEMENT_FAIL","amount":10}`)))

	// Manually bump to CRITICAL before policy runs.
	require.NoError(t, p.deliver(p.queue[0])) // triage
	p.queue = p.queue[1:]
	p.state.Exception.Severity = models.SeverityCritical

	triaged := p.queue[0]
	p.queue = p.queue[1:]
	require.NoError(t, p.deliver(triaged))

	assert.Equal(t, models.StatusPendingApproval, p.state.Exception.Status)
	assert.Empty(t, p.queue, "no playbook hand-off before approval")

	actor := "supervisor"
	approve, err := envelope.New(envelope.TopicPolicyRequest, "T1", "E-14", "api", "corr-E-14", PolicyRequestPayload{
		Approved: true,
		ActorID:  &actor,
	})
	require.NoError(t, err)
	require.NoError(t, p.deliver(approve))
	require.NoError(t, p.run())

	assert.Equal(t, models.StatusResolved, p.state.Exception.Status)
}

func TestFeedbackIncorrectOnActiveReentersPolicy(t *testing.T) {
	p := newPipeline(t, nil)
	require.NoError(t, p.deliver(ingest(t, "T1", "E-16", `{"type":"POSITION_BREAK","amount":500}`)))
	require.NoError(t, p.run())

	// PB_POSITION stalls at its human review step.
	require.Equal(t, models.StatusInProgress, p.state.Exception.Status)

	fb, err := envelope.New(envelope.TopicFeedback, "T1", "E-16", "api", "corr-E-16", FeedbackPayload{
		Verdict: models.VerdictIncorrect,
	})
	require.NoError(t, err)
	require.NoError(t, p.deliver(fb))

	// An incorrect verdict on a live exception re-enters the policy
	// stage without any reopen flag.
	require.Len(t, p.queue, 1)
	assert.Equal(t, envelope.TopicPolicyRequest, p.queue[0].EventType)
	assert.Equal(t, models.StagePolicy, p.state.Exception.CurrentStage)
	assert.Nil(t, p.state.Exception.CurrentPlaybookID)
	assert.Equal(t, models.StatusInProgress, p.state.Exception.Status)
}

func TestSeverityOverrideAppliesOnce(t *testing.T) {
	domain := &config.DomainPack{
		Domain:  "finance",
		Version: 1,
		ExceptionTypes: map[string]*config.ExceptionTypeDef{
			"RECON_BREAK": {
				DefaultSeverity: models.SeverityLow,
				Schema: map[string]any{
					"type":     "object",
					"required": []any{"type"},
				},
				Features: map[string]string{"amount": "amount"},
			},
		},
	}
	pack := &config.PolicyPack{
		TenantID: config.DefaultTenant,
		Domain:   "finance",
		Version:  1,
		Rules: []config.PolicyRule{
			{
				Name:      "recon-bump",
				Condition: `exception_type == "RECON_BREAK"`,
				Effect:    config.RuleEffect{Severity: models.SeverityHigh},
			},
			{
				Name:      "bump-again",
				Condition: `severity == "HIGH"`,
				Effect:    config.RuleEffect{Severity: models.SeverityCritical},
			},
		},
		SLATable: []config.SLAEntry{{Duration: config.Duration(24 * time.Hour)}},
	}
	reg, err := config.NewRegistry([]*config.DomainPack{domain}, []*config.PolicyPack{pack}, nil)
	require.NoError(t, err)

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	p := &pipeline{t: t, deps: &Deps{
		Registry: reg,
		Engine:   policy.NewEngine(),
		Tools:    &fakeRunner{},
		Now:      func() time.Time { return now },
	}}

	require.NoError(t, p.deliver(ingest(t, "T1", "E-17", `{"type":"RECON_BREAK"}`)))
	require.NoError(t, p.deliver(p.queue[0])) // triage
	p.queue = p.queue[1:]
	require.NoError(t, p.deliver(p.queue[0])) // policy
	p.queue = nil

	exc := p.state.Exception
	require.Equal(t, models.SeverityHigh, exc.Severity)
	require.True(t, exc.SeverityOverride)

	// A recalculation evaluates the rules again, but the recorded
	// override stands.
	recalc, err := envelope.New(envelope.TopicRecalcRequest, "T1", "E-17", "api", "corr-E-17", map[string]any{})
	require.NoError(t, err)
	require.NoError(t, p.deliver(recalc))
	assert.Equal(t, models.SeverityHigh, p.state.Exception.Severity)

	// An approaching SLA deadline cannot re-rank it either.
	imm, err := envelope.New(envelope.TopicSLAImminent, "T1", "E-17", "sla_monitor", "corr-E-17", SLAPayload{Deadline: now})
	require.NoError(t, err)
	require.NoError(t, p.deliver(imm))
	assert.Equal(t, models.SeverityHigh, p.state.Exception.Severity)
}

func TestTriageArmsSLADeadline(t *testing.T) {
	p := newPipeline(t, nil)
	require.NoError(t, p.deliver(ingest(t, "T1", "E-15", `{"type":"SETTLEMENT_FAIL","amount":10}`)))
	require.NoError(t, p.deliver(p.queue[0]))
	p.queue = p.queue[1:]

	exc := p.state.Exception
	require.NotNil(t, exc.SLADeadline)
	// SETTLEMENT_FAIL/HIGH row: 4h from the pinned clock.
	assert.Equal(t, p.deps.now().Add(4*time.Hour), *exc.SLADeadline)
}
