package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func builtinRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(builtinDomainPacks(), builtinPolicyPacks(), builtinPlaybooks())
	require.NoError(t, err)
	return reg
}

func TestRegistryResolve(t *testing.T) {
	reg := builtinRegistry(t)

	snap, err := reg.Resolve("T1", "finance")
	require.NoError(t, err)
	assert.Equal(t, "T1/finance@dp1-pp1", snap.ID)
	assert.Equal(t, "T1", snap.TenantID)
	assert.NotNil(t, snap.DomainPack)
	assert.NotNil(t, snap.PolicyPack)

	_, ok := snap.PlaybookByKey("PB_SETTLE_v3")
	assert.True(t, ok)
	_, ok = snap.PlaybookByKey("PB_SETTLE_v99")
	assert.False(t, ok)
}

func TestRegistryResolveUnknownDomain(t *testing.T) {
	reg := builtinRegistry(t)

	_, err := reg.Resolve("T1", "healthcare")
	assert.ErrorContains(t, err, "no domain pack")
}

func TestRegistryTenantFallback(t *testing.T) {
	// A tenant with its own pack gets it; everyone else inherits the
	// default tenant's pack.
	ownPack := &PolicyPack{
		TenantID:       "T2",
		Domain:         "finance",
		Version:        7,
		SLATable:       []SLAEntry{{Duration: Duration(1)}},
		ImminentWindow: Duration(1),
		SLAResolution:  Duration(1),
	}
	policies := append(builtinPolicyPacks(), ownPack)
	reg, err := NewRegistry(builtinDomainPacks(), policies, builtinPlaybooks())
	require.NoError(t, err)

	snap, err := reg.Resolve("T2", "finance")
	require.NoError(t, err)
	assert.Equal(t, 7, snap.PolicyPack.Version)

	snap, err = reg.Resolve("T1", "finance")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.PolicyPack.Version)
}

func TestRegistryVersionShadowing(t *testing.T) {
	older := &PolicyPack{TenantID: DefaultTenant, Domain: "finance", Version: 0}
	policies := append(builtinPolicyPacks(), older)
	reg, err := NewRegistry(builtinDomainPacks(), policies, builtinPlaybooks())
	require.NoError(t, err)

	snap, err := reg.Resolve("T1", "finance")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.PolicyPack.Version, "lower version must not shadow")
}

func TestRegistryStats(t *testing.T) {
	reg := builtinRegistry(t)
	domains, policies, playbooks := reg.Stats()
	assert.Equal(t, 1, domains)
	assert.Equal(t, 1, policies)
	assert.Equal(t, 2, playbooks)
}

func TestCatalogKeysSorted(t *testing.T) {
	reg := builtinRegistry(t)
	snap, err := reg.Resolve("T1", "finance")
	require.NoError(t, err)
	assert.Equal(t, []string{"PB_POSITION_v1", "PB_SETTLE_v3"}, snap.CatalogKeys())
}
