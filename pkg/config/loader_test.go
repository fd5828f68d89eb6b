package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestInitializeDefaultsOnly(t *testing.T) {
	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, "postgres", cfg.Broker.Kind)
	assert.NotNil(t, cfg.Registry)

	snap, err := cfg.Registry.Resolve("T1", "finance")
	require.NoError(t, err)
	assert.Len(t, snap.Catalog, 2)
}

func TestInitializeUserOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "remex.yaml", `
worker:
  concurrency: 8
  handler_deadline: 45s
retry:
  tool:
    max_attempts: 3
    base_backoff: 2s
    multiplier: 2
    max_backoff: 1m
    jitter_fraction: 0.1
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 45*time.Second, cfg.Worker.HandlerDeadline.Std())
	// Untouched fields keep their defaults.
	assert.Equal(t, 3, cfg.Worker.CASRetries)

	assert.Equal(t, 3, cfg.RetryPolicyFor("tool").MaxAttempts)
	assert.Equal(t, 5, cfg.RetryPolicyFor("policy").MaxAttempts)
}

func TestInitializeEnvExpansion(t *testing.T) {
	t.Setenv("REMEX_TEST_CONCURRENCY", "6")
	dir := t.TempDir()
	writeFile(t, dir, "remex.yaml", `
worker:
  concurrency: {{.REMEX_TEST_CONCURRENCY}}
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Worker.Concurrency)
}

func TestInitializeUserPackShadowsBuiltin(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "packs/policy.yaml", `
kind: policy_pack
tenant_id: default
domain: finance
version: 2
rules:
  - name: everything-escalates
    condition: amount > 0
    effect:
      escalate: true
sla_table:
  - duration: 12h
ranking:
  base_score: 1
  threshold: 1
imminent_window: 5m
sla_resolution: 60s
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	snap, err := cfg.Registry.Resolve("T1", "finance")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.PolicyPack.Version)
	require.Len(t, snap.PolicyPack.Rules, 1)
	assert.Equal(t, "everything-escalates", snap.PolicyPack.Rules[0].Name)
	assert.Equal(t, 5*time.Minute, snap.PolicyPack.ImminentWindow.Std())
}

func TestInitializeNewPlaybook(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "packs/pb_recon.yaml", `
kind: playbook
playbook_id: PB_RECON
version: 1
name: Reconciliation break review
steps:
  - step_order: 1
    name: Compare ledgers
    action_type: tool
    action_config:
      tool_id: recon.compare
    failure_policy: retry
    max_retries: 1
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	snap, err := cfg.Registry.Resolve("T1", "finance")
	require.NoError(t, err)
	pb, ok := snap.PlaybookByKey("PB_RECON_v1")
	require.True(t, ok)
	assert.Equal(t, 1, pb.TotalSteps())
}

func TestInitializeUnknownPackKind(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "packs/bad.yaml", "kind: mystery\n")

	_, err := Initialize(context.Background(), dir)
	assert.ErrorContains(t, err, "unknown kind")
}

func TestInitializeInvalidPlaybookRejected(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "packs/bad_pb.yaml", `
kind: playbook
playbook_id: PB_BAD
version: 1
steps:
  - step_order: 2
    name: Out of order
    action_type: human
    failure_policy: escalate
`)

	_, err := Initialize(context.Background(), dir)
	assert.ErrorContains(t, err, "contiguous")
}

func TestRegistryInvalidateReloads(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	snap, err := cfg.Registry.Resolve("T1", "finance")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.PolicyPack.Version)

	writeFile(t, dir, "packs/policy_v2.yaml", `
kind: policy_pack
tenant_id: default
domain: finance
version: 2
rules: []
sla_table:
  - duration: 1h
ranking:
  base_score: 1
  threshold: 1
imminent_window: 10m
sla_resolution: 60s
`)
	require.NoError(t, cfg.Registry.Invalidate())

	snap, err = cfg.Registry.Resolve("T1", "finance")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.PolicyPack.Version)
}
