package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgrid/remex/pkg/config"
)

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("CONCURRENCY", "")
	w := config.DefaultWorkerConfig()
	require.NoError(t, applyEnvOverrides(w))
	assert.Equal(t, 4, w.Concurrency)

	t.Setenv("CONCURRENCY", "12")
	require.NoError(t, applyEnvOverrides(w))
	assert.Equal(t, 12, w.Concurrency)
}

func TestApplyEnvOverridesRejectsBadConcurrency(t *testing.T) {
	w := config.DefaultWorkerConfig()

	t.Setenv("CONCURRENCY", "zero")
	assert.Error(t, applyEnvOverrides(w))

	t.Setenv("CONCURRENCY", "0")
	assert.Error(t, applyEnvOverrides(w))
}

func TestResolveGroupID(t *testing.T) {
	t.Setenv("GROUP_ID", "")
	t.Setenv("GROUP_VARIANT", "")
	assert.Equal(t, "triage-workers", resolveGroupID("triage"))

	t.Setenv("GROUP_VARIANT", "blue")
	assert.Equal(t, "triage-workers-blue", resolveGroupID("triage"))

	t.Setenv("GROUP_ID", "ops-triage")
	assert.Equal(t, "ops-triage", resolveGroupID("triage"))
}
