package envelope

// Topic names. All topics are keyed by exception_id so that events for one
// exception stay in one partition and arrive in order.
const (
	TopicIngested        = "exceptions.ingested"
	TopicNormalized      = "exceptions.normalized"
	TopicTriageDone      = "triage.completed"
	TopicPolicyDone      = "policy.completed"
	TopicPolicyRequest   = "policy.requested"
	TopicPlaybookMatch   = "playbook.matched"
	TopicStepRequested   = "step.requested"
	TopicStepCompleted   = "step.completed"
	TopicToolRequested   = "tool.requested"
	TopicToolCompleted   = "tool.completed"
	TopicFeedback        = "feedback.captured"
	TopicControlRetry    = "control.retry"
	TopicControlDLQ      = "control.dlq"
	TopicSLAImminent     = "sla.imminent"
	TopicSLAExpired      = "sla.expired"
	TopicRecalcRequest   = "playbook.recalculate_requested"
	TopicConfigPublished = "config.published"
)

// Role names match the WORKER_ROLE env values.
const (
	RoleIntake     = "intake"
	RoleTriage     = "triage"
	RolePolicy     = "policy"
	RolePlaybook   = "playbook"
	RoleStep       = "step"
	RoleTool       = "tool"
	RoleFeedback   = "feedback"
	RoleSLAMonitor = "sla_monitor"
)

// TopicsForRole maps each consumer role to the topics its group subscribes
// to. The step role also consumes tool.completed and the externally
// produced step.completed acknowledgements.
var TopicsForRole = map[string][]string{
	RoleIntake:   {TopicIngested},
	RoleTriage:   {TopicNormalized},
	RolePolicy:   {TopicTriageDone, TopicPolicyRequest, TopicRecalcRequest, TopicSLAImminent},
	RolePlaybook: {TopicPolicyDone},
	RoleStep:     {TopicStepRequested, TopicToolCompleted, TopicStepCompleted},
	RoleTool:     {TopicToolRequested},
	RoleFeedback: {TopicFeedback},
}

// GroupID returns the consumer group id for a role, following the
// <role>-workers[-<variant>] convention.
func GroupID(role, variant string) string {
	g := role + "-workers"
	if variant != "" {
		g += "-" + variant
	}
	return g
}
