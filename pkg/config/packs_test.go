package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgrid/remex/pkg/models"
)

func TestDomainPackValidate(t *testing.T) {
	pack := builtinDomainPacks()[0]
	require.NoError(t, pack.Compile())

	t.Run("conforming payload", func(t *testing.T) {
		err := pack.Validate("SETTLEMENT_FAIL", map[string]any{
			"type":   "SETTLEMENT_FAIL",
			"amount": 1000,
		})
		assert.NoError(t, err)
	})

	t.Run("missing required field", func(t *testing.T) {
		err := pack.Validate("SETTLEMENT_FAIL", map[string]any{
			"type": "SETTLEMENT_FAIL",
		})
		assert.Error(t, err)
	})

	t.Run("wrong field type", func(t *testing.T) {
		err := pack.Validate("SETTLEMENT_FAIL", map[string]any{
			"type":   "SETTLEMENT_FAIL",
			"amount": "a lot",
		})
		assert.Error(t, err)
	})

	t.Run("unknown exception type", func(t *testing.T) {
		err := pack.Validate("MYSTERY", map[string]any{"type": "MYSTERY"})
		assert.ErrorContains(t, err, "unknown exception_type")
	})
}

func TestSLAFor(t *testing.T) {
	pp := &PolicyPack{
		SLATable: []SLAEntry{
			{ExceptionType: "SETTLEMENT_FAIL", Severity: models.SeverityHigh, Duration: Duration(4 * time.Hour)},
			{ExceptionType: "POSITION_BREAK", Duration: Duration(8 * time.Hour)},
			{Severity: models.SeverityCritical, Duration: Duration(time.Hour)},
			{Duration: Duration(24 * time.Hour)},
		},
	}

	tests := []struct {
		name          string
		exceptionType string
		severity      models.Severity
		expected      time.Duration
	}{
		{"exact row wins", "SETTLEMENT_FAIL", models.SeverityHigh, 4 * time.Hour},
		{"type wildcard severity", "POSITION_BREAK", models.SeverityLow, 8 * time.Hour},
		{"severity row", "RECON_BREAK", models.SeverityCritical, time.Hour},
		{"catch-all", "RECON_BREAK", models.SeverityLow, 24 * time.Hour},
		{"type beats severity", "POSITION_BREAK", models.SeverityCritical, 8 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dur, ok := pp.SLAFor(tt.exceptionType, tt.severity)
			require.True(t, ok)
			assert.Equal(t, tt.expected, dur)
		})
	}

	t.Run("no match", func(t *testing.T) {
		empty := &PolicyPack{}
		_, ok := empty.SLAFor("ANY", models.SeverityLow)
		assert.False(t, ok)
	})
}

func TestPlaybookAccessors(t *testing.T) {
	pb := &Playbook{
		PlaybookID: "PB_SETTLE",
		Version:    3,
		Steps: []PlaybookStep{
			{StepOrder: 1, ActionType: models.ActionTool, ActionConfig: map[string]any{"tool_id": "settlement.verify"}},
			{StepOrder: 2, ActionType: models.ActionHuman},
		},
	}

	assert.Equal(t, "PB_SETTLE_v3", pb.Key())
	assert.Equal(t, 2, pb.TotalSteps())

	step, ok := pb.Step(1)
	require.True(t, ok)
	toolID, ok := step.ToolID()
	require.True(t, ok)
	assert.Equal(t, "settlement.verify", toolID)

	step, ok = pb.Step(2)
	require.True(t, ok)
	_, ok = step.ToolID()
	assert.False(t, ok)

	_, ok = pb.Step(3)
	assert.False(t, ok)
}
