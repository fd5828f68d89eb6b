package config

import (
	"time"

	"github.com/opsgrid/remex/pkg/models"
)

// Built-in packs for the finance domain. They double as a deployable
// default and as the fixture set for end-to-end tests; user packs with a
// higher version shadow them.

func builtinDomainPacks() []*DomainPack {
	return []*DomainPack{
		{
			Domain:  "finance",
			Version: 1,
			ExceptionTypes: map[string]*ExceptionTypeDef{
				"SETTLEMENT_FAIL": {
					DefaultSeverity: models.SeverityHigh,
					Schema: map[string]any{
						"type":     "object",
						"required": []any{"type", "amount"},
						"properties": map[string]any{
							"type":         map[string]any{"const": "SETTLEMENT_FAIL"},
							"amount":       map[string]any{"type": "number", "minimum": 0},
							"counterparty": map[string]any{"type": "string"},
							"currency":     map[string]any{"type": "string"},
						},
					},
					Features: map[string]string{
						"amount":       "amount",
						"counterparty": "counterparty",
						"currency":     "currency",
					},
				},
				"POSITION_BREAK": {
					DefaultSeverity: models.SeverityMedium,
					Schema: map[string]any{
						"type":     "object",
						"required": []any{"type", "amount"},
						"properties": map[string]any{
							"type":    map[string]any{"const": "POSITION_BREAK"},
							"amount":  map[string]any{"type": "number"},
							"account": map[string]any{"type": "string"},
						},
					},
					Features: map[string]string{
						"amount":  "amount",
						"account": "account",
					},
				},
				"RECON_BREAK": {
					DefaultSeverity: models.SeverityLow,
					Schema: map[string]any{
						"type":     "object",
						"required": []any{"type"},
						"properties": map[string]any{
							"type":   map[string]any{"const": "RECON_BREAK"},
							"amount": map[string]any{"type": "number"},
							"source": map[string]any{"type": "string"},
						},
					},
					Features: map[string]string{
						"amount": "amount",
						"source": "source",
					},
				},
			},
		},
	}
}

func builtinPolicyPacks() []*PolicyPack {
	return []*PolicyPack{
		{
			TenantID: DefaultTenant,
			Domain:   "finance",
			Version:  1,
			Rules: []PolicyRule{
				{
					Name:      "large-position-break-escalates",
					Condition: `exception_type == "POSITION_BREAK" and amount > 1000000`,
					Effect:    RuleEffect{Escalate: true},
				},
				{
					Name:      "settlement-fail-playbook",
					Condition: `exception_type == "SETTLEMENT_FAIL"`,
					Effect:    RuleEffect{CandidatePlaybooks: []string{"PB_SETTLE_v3"}},
				},
				{
					Name:      "critical-needs-approval",
					Condition: `severity == "CRITICAL"`,
					Effect:    RuleEffect{RequiredApprovals: 1},
				},
				{
					Name:      "position-break-playbook",
					Condition: `exception_type == "POSITION_BREAK"`,
					Effect:    RuleEffect{CandidatePlaybooks: []string{"PB_POSITION_v1"}},
				},
			},
			SLATable: []SLAEntry{
				{ExceptionType: "SETTLEMENT_FAIL", Severity: models.SeverityHigh, Duration: Duration(4 * time.Hour)},
				{ExceptionType: "POSITION_BREAK", Duration: Duration(8 * time.Hour)},
				{Severity: models.SeverityCritical, Duration: Duration(time.Hour)},
				{Duration: Duration(24 * time.Hour)},
			},
			Ranking: RankingConfig{
				Weights: map[string]float64{
					"exception_type": 10,
					"currency":       1,
				},
				BaseScore: 1,
				Threshold: 1,
			},
			ImminentWindow: Duration(10 * time.Minute),
			SLAResolution:  Duration(60 * time.Second),
		},
	}
}

func builtinPlaybooks() []*Playbook {
	return []*Playbook{
		{
			PlaybookID: "PB_SETTLE",
			Version:    3,
			Name:       "Settlement failure remediation",
			Tags:       map[string]string{"exception_type": "SETTLEMENT_FAIL"},
			Steps: []PlaybookStep{
				{
					StepOrder:  1,
					Name:       "Verify settlement instruction",
					ActionType: models.ActionTool,
					ActionConfig: map[string]any{
						"tool_id": "settlement.verify",
					},
					FailurePolicy: models.FailureRetry,
					MaxRetries:    2,
				},
				{
					StepOrder:  2,
					Name:       "Resubmit settlement",
					ActionType: models.ActionTool,
					ActionConfig: map[string]any{
						"tool_id": "settlement.resubmit",
					},
					FailurePolicy: models.FailureEscalate,
				},
				{
					StepOrder:  3,
					Name:       "Confirm settlement status",
					ActionType: models.ActionTool,
					ActionConfig: map[string]any{
						"tool_id": "settlement.confirm",
					},
					FailurePolicy: models.FailureRetry,
					MaxRetries:    3,
				},
			},
		},
		{
			PlaybookID: "PB_POSITION",
			Version:    1,
			Name:       "Position break review",
			Tags:       map[string]string{"exception_type": "POSITION_BREAK"},
			Steps: []PlaybookStep{
				{
					StepOrder:  1,
					Name:       "Pull position snapshot",
					ActionType: models.ActionTool,
					ActionConfig: map[string]any{
						"tool_id": "position.snapshot",
					},
					FailurePolicy: models.FailureRetry,
					MaxRetries:    2,
				},
				{
					StepOrder:     2,
					Name:          "Analyst review",
					ActionType:    models.ActionHuman,
					FailurePolicy: models.FailureEscalate,
				},
			},
		},
	}
}
