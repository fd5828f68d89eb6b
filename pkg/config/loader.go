package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Load remex.yaml from configDir (optional; defaults apply)
//  2. Expand environment variables
//  3. Merge user settings over built-in defaults
//  4. Load pack documents from configDir/packs (merged over built-ins)
//  5. Build the registry
//  6. Validate everything
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := NewValidator(cfg).ValidateAll(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	domains, policies, playbooks := cfg.Registry.Stats()
	log.Info("Configuration initialized",
		"domain_packs", domains,
		"policy_packs", policies,
		"playbooks", playbooks,
		"broker", cfg.Broker.Kind,
	)
	return cfg, nil
}

func load(ctx context.Context, configDir string) (*Config, error) {
	cfg := &Config{
		Worker:    DefaultWorkerConfig(),
		Broker:    DefaultBrokerConfig(),
		Retention: DefaultRetentionConfig(),
		Retry:     map[string]RetryPolicy{"default": DefaultRetryPolicy()},
	}

	yamlPath := filepath.Join(configDir, "remex.yaml")
	if data, err := os.ReadFile(yamlPath); err == nil {
		var user remexYAML
		if err := yaml.Unmarshal(ExpandEnv(data), &user); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", yamlPath, err)
		}
		if err := mergeUser(cfg, &user); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", yamlPath, err)
	}

	packsDir := filepath.Join(configDir, "packs")
	loadSet := func() (*packSet, error) { return loadPackSet(packsDir) }
	set, err := loadSet()
	if err != nil {
		return nil, err
	}
	cfg.Registry = &Registry{set: set, reload: loadSet}
	return cfg, nil
}

// mergeUser overlays user-provided settings on the defaults. mergo with
// override keeps any field the user left unset at its default.
func mergeUser(cfg *Config, user *remexYAML) error {
	if user.Worker != nil {
		if err := mergo.Merge(cfg.Worker, user.Worker, mergo.WithOverride); err != nil {
			return fmt.Errorf("merging worker config: %w", err)
		}
	}
	if user.Broker != nil {
		if err := mergo.Merge(cfg.Broker, user.Broker, mergo.WithOverride); err != nil {
			return fmt.Errorf("merging broker config: %w", err)
		}
	}
	if user.Retention != nil {
		if err := mergo.Merge(cfg.Retention, user.Retention, mergo.WithOverride); err != nil {
			return fmt.Errorf("merging retention config: %w", err)
		}
	}
	for role, p := range user.Retry {
		merged := cfg.RetryPolicyFor(role)
		if err := mergo.Merge(&merged, p, mergo.WithOverride); err != nil {
			return fmt.Errorf("merging retry policy for %q: %w", role, err)
		}
		cfg.Retry[role] = merged
	}
	return nil
}

// loadPackSet builds the pack set: built-ins first, then user documents
// from dir. User packs with a higher version shadow built-ins; playbooks
// shadow by playbook_id+version.
func loadPackSet(dir string) (*packSet, error) {
	set := newPackSet()
	for _, d := range builtinDomainPacks() {
		if err := set.addDomainPack(d); err != nil {
			return nil, err
		}
	}
	for _, p := range builtinPolicyPacks() {
		set.addPolicyPack(p)
	}
	for _, pb := range builtinPlaybooks() {
		set.addPlaybook(pb)
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return set, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading packs dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := loadPackFile(set, path); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func loadPackFile(set *packSet, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading pack %s: %w", path, err)
	}
	data = ExpandEnv(data)

	var kindOnly struct {
		Kind string `yaml:"kind"`
	}
	if err := yaml.Unmarshal(data, &kindOnly); err != nil {
		return fmt.Errorf("parsing pack %s: %w", path, err)
	}

	switch kindOnly.Kind {
	case "domain_pack":
		var p DomainPack
		if err := yaml.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("parsing domain pack %s: %w", path, err)
		}
		if err := set.addDomainPack(&p); err != nil {
			return fmt.Errorf("pack %s: %w", path, err)
		}
	case "policy_pack":
		var p PolicyPack
		if err := yaml.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("parsing policy pack %s: %w", path, err)
		}
		set.addPolicyPack(&p)
	case "playbook":
		var p Playbook
		if err := yaml.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("parsing playbook %s: %w", path, err)
		}
		set.addPlaybook(&p)
	default:
		return fmt.Errorf("pack %s: unknown kind %q (want domain_pack, policy_pack, or playbook)", path, kindOnly.Kind)
	}
	slog.Debug("Loaded pack file", "path", path, "kind", kindOnly.Kind)
	return nil
}
