package handlers

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/opsgrid/remex/pkg/config"
	"github.com/opsgrid/remex/pkg/policy"
)

// genPipeline builds a fresh in-memory pipeline per generated case. The
// registry is shared: it is read-only once built.
func genPipeline(t *testing.T, reg *config.Registry) *pipeline {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	return &pipeline{t: t, deps: &Deps{
		Registry: reg,
		Engine:   policy.NewEngine(),
		Tools:    &fakeRunner{},
		Now:      func() time.Time { return now },
	}}
}

// Whatever the pipeline does with a valid ingest, current_stage only
// moves forward.
func TestStageNeverRegressesAcrossPipeline(t *testing.T) {
	reg, err := builtinTestRegistry(t)
	require.NoError(t, err)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("current_stage is nondecreasing", prop.ForAll(
		func(excType string, amount int) bool {
			p := genPipeline(t, reg)
			raw := fmt.Sprintf(`{"type":%q,"amount":%d}`, excType, amount)
			if err := p.deliver(ingest(t, "T-gen", "E-gen", raw)); err != nil {
				return false
			}
			last := p.state.Exception.CurrentStage.Order()
			for len(p.queue) > 0 {
				env := p.queue[0]
				p.queue = p.queue[1:]
				if err := p.deliver(env); err != nil {
					return false
				}
				order := p.state.Exception.CurrentStage.Order()
				if order < last {
					return false
				}
				last = order
			}
			return true
		},
		gen.OneConstOf("SETTLEMENT_FAIL", "POSITION_BREAK", "RECON_BREAK"),
		gen.IntRange(1, 5_000_000),
	))

	properties.TestingRun(t)
}

// Every row written and every envelope emitted carries the tenant the
// exception was ingested under.
func TestPipelineStaysWithinTenant(t *testing.T) {
	reg, err := builtinTestRegistry(t)
	require.NoError(t, err)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("writes and emissions stay in the ingest tenant", prop.ForAll(
		func(tenant, suffix string, amount int) bool {
			p := genPipeline(t, reg)
			excID := "E-" + suffix
			raw := fmt.Sprintf(`{"type":"SETTLEMENT_FAIL","amount":%d}`, amount)
			if err := p.deliver(ingest(t, tenant, excID, raw)); err != nil {
				return false
			}
			for len(p.queue) > 0 {
				env := p.queue[0]
				p.queue = p.queue[1:]
				if env.TenantID != tenant {
					return false
				}
				if err := p.deliver(env); err != nil {
					return false
				}
			}
			if p.state.Exception.TenantID != tenant {
				return false
			}
			for _, ev := range p.events {
				if ev.TenantID != tenant {
					return false
				}
			}
			return true
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.IntRange(1, 1_000_000),
	))

	properties.TestingRun(t)
}
