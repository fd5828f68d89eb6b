// remex worker process. WORKER_ROLE selects what this instance runs: one
// of the pipeline roles, the API server, the SLA monitor, the outbox
// relay, the retry dispatcher, the cleanup job, or "all" for a
// single-node deployment running everything.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/opsgrid/remex/pkg/api"
	"github.com/opsgrid/remex/pkg/broker"
	"github.com/opsgrid/remex/pkg/cleanup"
	"github.com/opsgrid/remex/pkg/config"
	"github.com/opsgrid/remex/pkg/database"
	"github.com/opsgrid/remex/pkg/envelope"
	"github.com/opsgrid/remex/pkg/handlers"
	"github.com/opsgrid/remex/pkg/metrics"
	"github.com/opsgrid/remex/pkg/outbox"
	"github.com/opsgrid/remex/pkg/policy"
	"github.com/opsgrid/remex/pkg/retrypolicy"
	"github.com/opsgrid/remex/pkg/runtime"
	"github.com/opsgrid/remex/pkg/sla"
	"github.com/opsgrid/remex/pkg/store"
	"github.com/opsgrid/remex/pkg/tools"
)

// Auxiliary roles beyond the pipeline consumer roles.
const (
	roleAPI             = "api"
	roleSLAMonitor      = "sla_monitor"
	roleOutbox          = "outbox"
	roleRetryDispatcher = "retry_dispatcher"
	roleCleanup         = "cleanup"
	roleAll             = "all"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolveGroupID picks the consumer group for a role's worker. GROUP_ID
// sets it outright; otherwise it derives the
// <role>-workers[-GROUP_VARIANT] default.
func resolveGroupID(role string) string {
	if g := os.Getenv("GROUP_ID"); g != "" {
		return g
	}
	return envelope.GroupID(role, getEnv("GROUP_VARIANT", ""))
}

// applyEnvOverrides lets deployment environment variables win over the
// values loaded from remex.yaml.
func applyEnvOverrides(w *config.WorkerConfig) error {
	raw := os.Getenv("CONCURRENCY")
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid CONCURRENCY %q: %w", raw, err)
	}
	if n < 1 {
		return fmt.Errorf("CONCURRENCY must be at least 1, got %d", n)
	}
	w.Concurrency = n
	return nil
}

// resolveInstanceID identifies this replica in consumer claims.
// Priority: INSTANCE_ID env > HOSTNAME env > "local".
func resolveInstanceID() string {
	if id := os.Getenv("INSTANCE_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	os.Exit(run())
}

func run() int {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	role := getEnv("WORKER_ROLE", roleAll)
	instanceID := resolveInstanceID()
	healthPort := getEnv("HEALTH_PORT", "8081")
	httpPort := getEnv("HTTP_PORT", "8080")

	slog.Info("Starting remex",
		"role", role,
		"instance_id", instanceID,
		"config_dir", *configDir)

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		return 1
	}
	if err := applyEnvOverrides(cfg.Worker); err != nil {
		slog.Error("Invalid environment override", "error", err)
		return 1
	}

	engine := policy.NewEngine()
	if err := validatePolicyPacks(cfg.Registry, engine); err != nil {
		slog.Error("Policy pack validation failed", "error", err)
		return 1
	}

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		return 1
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		return 1
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	st := store.New(dbClient.DBX())

	eventLog, err := newBroker(cfg, dbClient, dbConfig, instanceID)
	if err != nil {
		slog.Error("Failed to initialize event log", "error", err)
		return 1
	}
	defer func() {
		if err := eventLog.Close(); err != nil {
			slog.Error("Error closing event log", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	deps := &handlers.Deps{
		Registry: cfg.Registry,
		Engine:   engine,
		Tools:    tools.NewRegistry(),
	}

	// Assemble the components this role runs. Stops run in reverse order.
	var stops []func()
	var reporters []runtime.HealthReporter

	startWorker := func(workerRole string) bool {
		w, err := runtime.NewWorker(workerRole, resolveGroupID(workerRole), cfg, st, eventLog, deps, m)
		if err != nil {
			slog.Error("Failed to build worker", "role", workerRole, "error", err)
			return false
		}
		w.Start(ctx)
		stops = append(stops, w.Stop)
		reporters = append(reporters, w)
		return true
	}

	pipelineRoles := []string{
		envelope.RoleIntake, envelope.RoleTriage, envelope.RolePolicy,
		envelope.RolePlaybook, envelope.RoleStep, envelope.RoleTool,
		envelope.RoleFeedback,
	}

	switch role {
	case roleAll:
		for _, r := range pipelineRoles {
			if !startWorker(r) {
				return 1
			}
		}
		startAuxiliary(ctx, cfg, st, eventLog, m, &stops)
		apiServer := api.NewServer(cfg, dbClient, st, eventLog)
		apiServer.Start(":" + httpPort)
		stops = append(stops, func() { stopServer(apiServer.Stop, cfg) })

	case roleAPI:
		apiServer := api.NewServer(cfg, dbClient, st, eventLog)
		apiServer.Start(":" + httpPort)
		stops = append(stops, func() { stopServer(apiServer.Stop, cfg) })

	case roleSLAMonitor:
		monitor := sla.NewMonitor(cfg, st, m)
		monitor.Start(ctx)
		stops = append(stops, monitor.Stop)

	case roleOutbox:
		relay := outbox.NewRelay(st, eventLog, m, cfg.Worker.OutboxPollInterval.Std())
		relay.Start(ctx)
		stops = append(stops, relay.Stop)

	case roleRetryDispatcher:
		dispatcher := retrypolicy.NewDispatcher(st, eventLog, cfg.Worker.Concurrency)
		dispatcher.Start(ctx)
		stops = append(stops, dispatcher.Stop)

	case roleCleanup:
		service := cleanup.NewService(cfg.Retention, st)
		service.Start(ctx)
		stops = append(stops, service.Stop)

	default:
		if len(envelope.TopicsForRole[role]) == 0 {
			slog.Error("Unknown WORKER_ROLE", "role", role)
			return 1
		}
		if !startWorker(role) {
			return 1
		}
	}

	health := runtime.NewHealthServer(":"+healthPort, dbClient.DB(), eventLog,
		registry, cfg.Worker.ReadinessWindow.Std(), reporters...)
	health.Start(ctx)

	slog.Info("remex started", "role", role, "health_port", healthPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig.String())

	// Drain in reverse start order under the graceful timeout; workers
	// finish in-flight handlers before their consume loops exit.
	drained := make(chan struct{})
	go func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
		close(drained)
	}()
	select {
	case <-drained:
		slog.Info("Shutdown complete")
	case <-time.After(cfg.Worker.GracefulShutdownTimeout.Std()):
		slog.Warn("Graceful shutdown timeout exceeded")
		stopServer(health.Stop, cfg)
		return 2
	}

	stopServer(health.Stop, cfg)
	return 0
}

// startAuxiliary launches the singleton components for the all-in-one
// deployment.
func startAuxiliary(ctx context.Context, cfg *config.Config, st *store.Store, b broker.Broker, m *metrics.Metrics, stops *[]func()) {
	relay := outbox.NewRelay(st, b, m, cfg.Worker.OutboxPollInterval.Std())
	relay.Start(ctx)
	*stops = append(*stops, relay.Stop)

	dispatcher := retrypolicy.NewDispatcher(st, b, cfg.Worker.Concurrency)
	dispatcher.Start(ctx)
	*stops = append(*stops, dispatcher.Stop)

	monitor := sla.NewMonitor(cfg, st, m)
	monitor.Start(ctx)
	*stops = append(*stops, monitor.Stop)

	service := cleanup.NewService(cfg.Retention, st)
	service.Start(ctx)
	*stops = append(*stops, service.Stop)
}

// newBroker selects the event log implementation. BROKER_BOOTSTRAP forces
// Kafka regardless of the configured kind.
func newBroker(cfg *config.Config, dbClient *database.Client, dbConfig database.Config, instanceID string) (broker.Broker, error) {
	bootstrap := getEnv("BROKER_BOOTSTRAP", strings.Join(cfg.Broker.Bootstrap, ","))
	if cfg.Broker.Kind == "kafka" || (bootstrap != "" && cfg.Broker.Kind != "postgres") {
		if bootstrap == "" {
			return nil, fmt.Errorf("broker kind is kafka but no bootstrap brokers configured")
		}
		return broker.NewKafkaBroker(broker.KafkaConfig{
			Brokers:  strings.Split(bootstrap, ","),
			ClientID: "remex-" + instanceID,
		})
	}
	return broker.NewPGBroker(dbClient.DB(), broker.PGConfig{
		DSN:        dbConfig.DSN(),
		Partitions: cfg.Broker.Partitions,
		ConsumerID: instanceID,
		Lease:      cfg.Broker.Lease.Std(),
	}), nil
}

// validatePolicyPacks compiles every rule condition up front so a broken
// pack fails the process at startup instead of at evaluation time.
func validatePolicyPacks(registry *config.Registry, engine *policy.Engine) error {
	for _, domain := range registry.Domains() {
		snap, err := registry.Resolve(config.DefaultTenant, domain)
		if err != nil {
			return err
		}
		if err := engine.ValidatePack(snap.PolicyPack); err != nil {
			return fmt.Errorf("domain %s: %w", domain, err)
		}
	}
	return nil
}

func stopServer(stop func(context.Context), cfg *config.Config) {
	timeout := cfg.Worker.GracefulShutdownTimeout.Std()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	stop(ctx)
}
