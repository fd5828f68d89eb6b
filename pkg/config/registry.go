package config

import (
	"fmt"
	"sync"
)

// DefaultTenant is the fallback tenant for policy packs: a tenant
// without its own pack inherits the default tenant's.
const DefaultTenant = "default"

// Registry resolves immutable configuration snapshots per (tenant,
// domain). The backing pack set is swapped atomically on reload, so a
// snapshot handed to a handler never changes underneath it.
type Registry struct {
	mu  sync.RWMutex
	set *packSet

	// reload re-reads the pack set from its source. Nil for registries
	// built directly from in-memory packs.
	reload func() (*packSet, error)
}

type packSet struct {
	domainPacks map[string]*DomainPack            // domain → pack
	policyPacks map[string]map[string]*PolicyPack // tenant → domain → pack
	playbooks   map[string]*Playbook              // Playbook.Key() → playbook
}

func newPackSet() *packSet {
	return &packSet{
		domainPacks: make(map[string]*DomainPack),
		policyPacks: make(map[string]map[string]*PolicyPack),
		playbooks:   make(map[string]*Playbook),
	}
}

func (s *packSet) addDomainPack(p *DomainPack) error {
	if existing, ok := s.domainPacks[p.Domain]; ok && existing.Version >= p.Version {
		return nil
	}
	if err := p.Compile(); err != nil {
		return err
	}
	s.domainPacks[p.Domain] = p
	return nil
}

func (s *packSet) addPolicyPack(p *PolicyPack) {
	tenant := p.TenantID
	if tenant == "" {
		tenant = DefaultTenant
	}
	byDomain, ok := s.policyPacks[tenant]
	if !ok {
		byDomain = make(map[string]*PolicyPack)
		s.policyPacks[tenant] = byDomain
	}
	if existing, ok := byDomain[p.Domain]; ok && existing.Version >= p.Version {
		return
	}
	byDomain[p.Domain] = p
}

func (s *packSet) addPlaybook(p *Playbook) {
	s.playbooks[p.Key()] = p
}

// NewRegistry builds a registry from an in-memory pack set. Domain packs
// must not have been compiled yet.
func NewRegistry(domains []*DomainPack, policies []*PolicyPack, playbooks []*Playbook) (*Registry, error) {
	set := newPackSet()
	for _, d := range domains {
		if err := set.addDomainPack(d); err != nil {
			return nil, err
		}
	}
	for _, p := range policies {
		set.addPolicyPack(p)
	}
	for _, pb := range playbooks {
		set.addPlaybook(pb)
	}
	return &Registry{set: set}, nil
}

// Resolve returns the current snapshot for (tenant, domain). The tenant
// falls back to the default tenant's policy pack when it has none of its
// own. Returns an error when the domain pack or any policy pack is
// missing; handlers classify that as a permanent failure.
func (r *Registry) Resolve(tenantID, domain string) (*Snapshot, error) {
	r.mu.RLock()
	set := r.set
	r.mu.RUnlock()

	dp, ok := set.domainPacks[domain]
	if !ok {
		return nil, fmt.Errorf("no domain pack for domain %q", domain)
	}

	pp := set.policyPack(tenantID, domain)
	if pp == nil {
		return nil, fmt.Errorf("no policy pack for tenant %q domain %q", tenantID, domain)
	}

	return &Snapshot{
		ID:         fmt.Sprintf("%s/%s@dp%d-pp%d", tenantID, domain, dp.Version, pp.Version),
		TenantID:   tenantID,
		Domain:     domain,
		DomainPack: dp,
		PolicyPack: pp,
		Catalog:    set.playbooks,
	}, nil
}

func (s *packSet) policyPack(tenantID, domain string) *PolicyPack {
	if byDomain, ok := s.policyPacks[tenantID]; ok {
		if pp, ok := byDomain[domain]; ok {
			return pp
		}
	}
	if byDomain, ok := s.policyPacks[DefaultTenant]; ok {
		return byDomain[domain]
	}
	return nil
}

// Domains returns the domains with a loaded domain pack.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.set.domainPacks))
	for d := range r.set.domainPacks {
		out = append(out, d)
	}
	return out
}

// Invalidate re-reads the pack set from its source. Called when a
// config.published envelope arrives. No-op for in-memory registries.
func (r *Registry) Invalidate() error {
	if r.reload == nil {
		return nil
	}
	set, err := r.reload()
	if err != nil {
		return fmt.Errorf("reloading packs: %w", err)
	}
	r.mu.Lock()
	r.set = set
	r.mu.Unlock()
	return nil
}

// Stats summarizes the loaded pack set for startup logging.
func (r *Registry) Stats() (domains, policies, playbooks int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	domains = len(r.set.domainPacks)
	for _, byDomain := range r.set.policyPacks {
		policies += len(byDomain)
	}
	playbooks = len(r.set.playbooks)
	return
}
