package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/botfunk/internal/airouter"
	"github.com/ajitpratap0/botfunk/internal/alerts"
	"github.com/ajitpratap0/botfunk/internal/api"
	"github.com/ajitpratap0/botfunk/internal/breaker"
	"github.com/ajitpratap0/botfunk/internal/bus"
	"github.com/ajitpratap0/botfunk/internal/config"
	"github.com/ajitpratap0/botfunk/internal/faults"
	"github.com/ajitpratap0/botfunk/internal/learning"
	"github.com/ajitpratap0/botfunk/internal/lockmgr"
	"github.com/ajitpratap0/botfunk/internal/loops"
	"github.com/ajitpratap0/botfunk/internal/metrics"
	"github.com/ajitpratap0/botfunk/internal/secrets"
	"github.com/ajitpratap0/botfunk/internal/state"
	"github.com/ajitpratap0/botfunk/internal/supervisor"
	"github.com/ajitpratap0/botfunk/internal/telegram"
	"github.com/ajitpratap0/botfunk/internal/trade"
)

// processLockResource is the lock that keeps two daemons from sharing one
// state directory.
const processLockResource = "botfunk-core"

// Exit codes. Process managers branch on these: 1 asks for operator
// attention, 2 means the state directory needs repair before a restart is
// worth trying, 3 means a critical component exhausted its restart budget.
const (
	exitOK             = 0
	exitInitFailure    = 1
	exitCorruptState   = 2
	exitComponentFatal = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a config file (default: search ./configs and .)")
	manifestPath := flag.String("components", "configs/components.yaml", "path to the component manifest")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(config.Version)
		return exitOK
	}

	// Bootstrap logging until the configured logger takes over.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load .env if present. Deployments set the environment directly, so a
	// missing file is the normal case.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return exitInitFailure
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewLogger("main")
	logger.Info().
		Str("version", config.Version).
		Str("environment", cfg.App.Environment).
		Str("trading_mode", cfg.Trading.Mode).
		Msg("Starting botfunk")

	manifest, err := config.LoadComponentManifest(*manifestPath)
	if err != nil {
		logger.Error().Err(err).Str("path", *manifestPath).Msg("Failed to load component manifest")
		return exitInitFailure
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	// State store first: nothing else is worth starting on bad state.
	st, err := state.Open(cfg.State.Dir, config.NewLogger("state"))
	if err != nil {
		logger.Error().Err(err).Str("dir", cfg.State.Dir).Msg("Failed to open state store")
		return exitCodeFor(err)
	}
	defer st.Close()

	// Surface corruption now, not from inside a supervised restart loop
	// that cannot repair it.
	if _, err := st.LoadPositions(); err != nil {
		logger.Error().Err(err).Msg("Position preflight failed")
		return exitCodeFor(err)
	}

	locks, err := lockmgr.NewManager(filepath.Join(cfg.State.Dir, "locks"),
		cfg.Locks.HolderLabel, cfg.Locks.TTL, cfg.Locks.SweepEvery, config.NewLogger("lockmgr"))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize lock manager")
		return exitInitFailure
	}

	lease, busy, err := locks.AcquireAndHold(rootCtx, processLockResource)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to acquire process lock")
		return exitInitFailure
	}
	if busy != nil {
		logger.Error().
			Str("holder", busy.HolderID).
			Time("heartbeat_at", busy.HeartbeatAt).
			Msg("Another instance holds the process lock")
		return exitInitFailure
	}
	defer lease.Release()

	sec, err := buildSecrets(cfg, config.NewLogger("secrets"))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize secret providers")
		return exitInitFailure
	}

	eventBus := bus.New(bus.Config{
		QueueSize:              cfg.Bus.QueueSize,
		MaxConsecutiveFailures: cfg.Bus.MaxHandlerFailures,
		FailureWindow:          cfg.Bus.FailureWindow,
		DrainTimeout:           cfg.Bus.ShutdownDrainBudget,
	}, config.NewLogger("bus"))

	alertMgr := buildAlerts(rootCtx, cfg, sec, logger)

	// Forced breaker transitions land in the audit trail like any other
	// operator action.
	audit := func(name, transition, reason string) {
		_, aerr := st.AppendAudit(state.AuditEntry{
			Actor:  "breaker",
			Action: state.ActionBreakerForce,
			After:  map[string]string{"breaker": name, "transition": transition},
			Reason: reason,
		})
		if aerr != nil {
			logger.Warn().Err(aerr).Str("breaker", name).Msg("Breaker audit write failed")
		}
	}

	breakers := breaker.NewRegistry(breaker.Config{
		Threshold: cfg.AI.BreakerTrips,
		Window:    cfg.AI.BreakerWindow,
		Cooldown:  cfg.AI.BreakerCooloff,
		Audit:     audit,
	}, config.NewLogger("breaker"))

	learn, err := learning.Open(filepath.Join(cfg.State.Dir, "learnings.log"), learning.Config{
		Alpha:         cfg.Learning.Alpha,
		MinConfidence: cfg.Learning.MinConfidence,
		DefaultLimit:  cfg.Learning.SearchLimit,
	}, eventBus, config.NewLogger("learning"))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open learning store")
		return exitCodeFor(err)
	}
	defer learn.Close()

	router := airouter.New(airouter.Config{CallTimeout: cfg.AI.CallTimeout},
		breakers, config.NewLogger("airouter"))
	if err := registerProviders(rootCtx, router, cfg, sec, config.NewLogger("airouter")); err != nil {
		logger.Error().Err(err).Msg("Failed to configure AI providers")
		return exitInitFailure
	}

	venue, err := buildVenue(rootCtx, cfg, sec)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to build trade venue")
		return exitInitFailure
	}

	tradeTrips := breaker.New("trade", breaker.Config{
		Threshold: cfg.Trading.BreakerTrips,
		Window:    cfg.Trading.BreakerWindow,
		Cooldown:  cfg.Trading.BreakerCooloff,
		Audit:     audit,
	}, config.NewLogger("breaker"))
	breakers.Add(tradeTrips)

	engine := trade.New(trade.Config{
		MaxPositions:  cfg.Trading.MaxPositions,
		StopPct:       cfg.Trading.DefaultStop,
		TakeProfitPct: cfg.Trading.TakeProfit,
		BreakEvenPct:  cfg.Trading.BreakEven,
		TrailStartPct: cfg.Trading.TrailStart,
		TrailPct:      cfg.Trading.TrailPct,
		FloorPct:      cfg.Trading.FloorPct,
	}, st, venue, tradeTrips, eventBus, learn, config.NewWorkerLogger("trade-engine"))

	moderator := loops.NewModerator(loops.ModerationConfig{
		Window:       cfg.Loops.Moderation.Window,
		ScoreLimit:   cfg.Loops.Moderation.ScoreLimit,
		RatePerMin:   cfg.Loops.Moderation.RatePerMin,
		StepInterval: cfg.Loops.Moderation.StepInterval,
	}, st, router, eventBus, config.NewWorkerLogger("moderation-loop"))

	tuner := loops.NewTuner(loops.SelfTuneConfig{
		Interval:   cfg.Loops.SelfTune.Interval,
		WindowSize: cfg.Loops.SelfTune.WindowSize,
		Epsilon:    cfg.Loops.SelfTune.Epsilon,
	}, st, learn, eventBus, config.NewWorkerLogger("selftune-loop"))

	regime := loops.NewRegimeAdapter(loops.RegimeConfig{
		StepInterval: cfg.Loops.Regime.StepInterval,
	}, st, eventBus, config.NewWorkerLogger("regime-loop"))

	sup := supervisor.New(supervisor.Config{
		HealthInterval:       cfg.Supervisor.HealthInterval,
		HealthUnhealthyAfter: cfg.Supervisor.HealthUnhealthyAfter,
		GracePeriod:          cfg.Supervisor.GracePeriod,
	}, eventBus, alertMgr, config.NewLogger("supervisor"))

	defs := []componentDef{
		{name: "trade-engine", critical: true, factory: singleton(engine)},
		{name: "ai-router", factory: singleton(routerWorker{router})},
		{name: "moderation-loop", deps: []string{"ai-router"}, factory: singleton(moderator)},
		{name: "selftune-loop", deps: []string{"trade-engine"}, factory: singleton(tuner)},
		{name: "regime-loop", factory: singleton(regime)},
	}

	if cfg.API.Enabled {
		apiSrv := api.NewServer(api.Config{Host: cfg.API.Host, Port: cfg.API.Port}, api.Deps{
			Supervisor: sup,
			Engine:     engine,
			Learnings:  learn,
			State:      st,
			Bus:        eventBus,
			Breakers:   breakers,
			Alerts:     alertMgr,
		}, config.NewWorkerLogger("api-server"))
		defs = append(defs, componentDef{name: "api-server", factory: singleton(apiSrv)})
	}

	if cfg.Telegram.Enabled {
		token, terr := sec.GetSecret(rootCtx, cfg.Telegram.TokenName)
		if terr != nil {
			logger.Error().Err(terr).Str("secret", cfg.Telegram.TokenName).
				Msg("Telegram worker enabled but its token is unresolvable")
			return exitInitFailure
		}
		tgCfg := telegram.Config{
			BotToken:     token,
			PollTimeout:  cfg.Telegram.PollTimeout,
			AllowedChats: cfg.Telegram.AllowedChats,
			Debug:        cfg.App.Environment == "development",
		}
		tgLog := config.NewWorkerLogger("telegram-worker")
		defs = append(defs, componentDef{
			name: "telegram-worker",
			deps: []string{"moderation-loop"},
			factory: func() (supervisor.Worker, error) {
				return telegram.New(tgCfg, eventBus, locks, tgLog)
			},
		})
	}

	if err := registerComponents(sup, manifest, cfg, defs, logger); err != nil {
		logger.Error().Err(err).Msg("Component registration failed")
		return exitInitFailure
	}

	var metricsSrv *metrics.Server
	if cfg.Monitoring.EnableMetrics {
		metricsSrv = metrics.NewServer(cfg.Monitoring.PrometheusPort, config.NewLogger("metrics"))
		if err := metricsSrv.Start(); err != nil {
			logger.Error().Err(err).Int("port", cfg.Monitoring.PrometheusPort).
				Msg("Failed to start metrics server")
			return exitInitFailure
		}
	}

	// Stale-lock sweeping runs for the whole process lifetime.
	aux, auxCtx := errgroup.WithContext(rootCtx)
	aux.Go(func() error { return locks.Run(auxCtx) })

	if err := sup.Start(rootCtx); err != nil {
		logger.Error().Err(err).Msg("Supervisor start failed")
		shutdown(sup, eventBus, metricsSrv, cfg.Supervisor.GracePeriod, logger)
		cancelRoot()
		_ = aux.Wait()
		return exitCodeFor(err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	waitCh := make(chan error, 1)
	go func() { waitCh <- sup.Wait() }()

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case runErr = <-waitCh:
		if runErr != nil {
			logger.Error().Err(runErr).Msg("Supervisor reported a fatal failure")
		}
	case <-lease.Lost():
		runErr = faults.New(faults.Safety, "main", "process lock lost")
		_ = alertMgr.InstanceLockLost(context.Background(), processLockResource, nil)
		logger.Error().Msg("Process lock lost, shutting down")
	}

	shutdown(sup, eventBus, metricsSrv, cfg.Supervisor.GracePeriod, logger)
	cancelRoot()
	_ = aux.Wait()

	code := exitCodeFor(runErr)
	logger.Info().Int("exit_code", code).Msg("botfunk stopped")
	return code
}

// exitCodeFor maps a terminal error onto the exit code contract.
func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	if errors.Is(err, state.ErrCorruptState) {
		return exitCorruptState
	}
	var fatal *supervisor.FatalError
	if errors.As(err, &fatal) {
		return exitComponentFatal
	}
	return exitInitFailure
}

// shutdown stops the supervisor, drains the bus, and closes the metrics
// listener, all within one grace period.
func shutdown(sup *supervisor.Supervisor, eventBus *bus.Bus, metricsSrv *metrics.Server,
	grace time.Duration, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := sup.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Supervisor shutdown incomplete")
	}
	if err := eventBus.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Bus drain incomplete")
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}
}

// componentDef pairs a component with its default wiring. The manifest can
// override criticality, dependencies, backoff bounds, and the failure
// ceiling per component.
type componentDef struct {
	name     string
	factory  supervisor.Factory
	critical bool
	deps     []string
}

func registerComponents(sup *supervisor.Supervisor, manifest *config.ComponentManifest,
	cfg *config.Config, defs []componentDef, logger zerolog.Logger) error {
	enabled := make(map[string]bool, len(defs))
	for _, d := range defs {
		enabled[d.name] = manifest.IsEnabled(d.name)
	}

	for _, d := range defs {
		if !enabled[d.name] {
			logger.Info().Str("component", d.name).Msg("Component disabled by manifest")
			continue
		}

		spec := supervisor.ComponentSpec{
			Name:         d.name,
			Factory:      d.factory,
			Critical:     d.critical,
			Dependencies: d.deps,
			Policy: supervisor.RestartPolicy{
				MinBackoff:             cfg.Supervisor.MinBackoff,
				MaxBackoff:             cfg.Supervisor.MaxBackoff,
				MaxConsecutiveFailures: cfg.Supervisor.MaxConsecutiveFailures,
				ResetWindow:            cfg.Supervisor.ResetWindow,
			},
		}
		if crit, ok := manifest.IsCritical(d.name); ok {
			spec.Critical = crit
		}
		if deps := manifest.DependsOn(d.name); len(deps) > 0 {
			spec.Dependencies = deps
		}
		if minB, maxB := manifest.BackoffOverride(d.name); minB > 0 || maxB > 0 {
			if minB > 0 {
				spec.Policy.MinBackoff = minB
			}
			if maxB > 0 {
				spec.Policy.MaxBackoff = maxB
			}
		}
		if mf := manifest.MaxFailsOverride(d.name); mf > 0 {
			spec.Policy.MaxConsecutiveFailures = mf
		}

		// Drop dependencies on components the manifest disabled so one
		// toggle does not strand the whole downstream chain.
		kept := make([]string, 0, len(spec.Dependencies))
		for _, dep := range spec.Dependencies {
			if on, known := enabled[dep]; known && !on {
				logger.Warn().Str("component", d.name).Str("dependency", dep).
					Msg("Ignoring dependency on disabled component")
				continue
			}
			kept = append(kept, dep)
		}
		spec.Dependencies = kept

		if err := sup.Register(spec); err != nil {
			return err
		}
	}
	return nil
}

// singleton wraps an already-built worker in a factory. Restart attempts
// reuse the instance; workers reset what they must in Initialize.
func singleton(w supervisor.Worker) supervisor.Factory {
	return func() (supervisor.Worker, error) { return w, nil }
}

// routerWorker adapts the AI router to the supervised worker contract.
// Router.Run returns nil once its context ends, which supervision would
// read as a crash, so the context error is surfaced instead.
type routerWorker struct {
	router *airouter.Router
}

func (w routerWorker) Initialize(ctx context.Context) error { return nil }

func (w routerWorker) Run(ctx context.Context) error {
	if err := w.router.Run(ctx); err != nil {
		return err
	}
	return ctx.Err()
}

func (w routerWorker) Shutdown(ctx context.Context) error { return nil }

func (w routerWorker) Health() error {
	sts := w.router.Status()
	if len(sts) == 0 {
		return nil
	}
	for _, st := range sts {
		if st.Healthy {
			return nil
		}
	}
	return faults.New(faults.ExternalUnavailable, "airouter.health", "no healthy providers")
}

// buildSecrets assembles the secret resolution chain: process environment
// first, then Vault when enabled.
func buildSecrets(cfg *config.Config, logger zerolog.Logger) (*secrets.Chain, error) {
	providers := []secrets.Provider{secrets.NewEnvProvider("BOTFUNK_")}
	if cfg.Vault.Enabled {
		vp, err := secrets.NewVaultProvider(secrets.VaultConfig{
			Address:    cfg.Vault.Addr,
			MountPath:  cfg.Vault.Mount,
			SecretPath: cfg.Vault.Path,
		}, logger)
		if err != nil {
			return nil, err
		}
		providers = append(providers, vp)
	}
	return secrets.NewChain(logger, providers...), nil
}

// buildAlerts wires alert fan-out. Telegram delivery is optional and never
// blocks startup; on any failure alerts degrade to logs.
func buildAlerts(ctx context.Context, cfg *config.Config, sec *secrets.Chain, logger zerolog.Logger) *alerts.Manager {
	m := alerts.NewManager(alerts.NewLogAlerter())
	if cfg.App.Environment == "development" {
		m.Attach(alerts.NewConsoleAlerter())
	}
	if !cfg.Alerts.TelegramEnabled {
		return m
	}

	token, err := sec.GetSecret(ctx, cfg.Alerts.TelegramTokenName)
	if err != nil {
		logger.Warn().Err(err).Str("secret", cfg.Alerts.TelegramTokenName).
			Msg("Telegram alerts enabled but token unresolvable, using logs only")
		return m
	}
	ta, err := alerts.NewTelegramAlerter(token, []int64{cfg.Alerts.TelegramChatID})
	if err != nil {
		logger.Warn().Err(err).Msg("Telegram alerter rejected its config, using logs only")
		return m
	}
	m.Attach(ta)
	return m
}

// buildVenue selects the execution venue. Anything other than live mode
// gets the paper venue no matter what venue name is configured.
func buildVenue(ctx context.Context, cfg *config.Config, sec *secrets.Chain) (trade.VenueAdapter, error) {
	if cfg.Trading.Mode != "live" {
		return trade.NewPaperVenue(config.NewLogger("venue")), nil
	}

	switch cfg.Trading.Venue {
	case "binance":
		apiKey, err := sec.GetSecret(ctx, cfg.Trading.Binance.APIKeyName)
		if err != nil {
			return nil, err
		}
		secretKey, err := sec.GetSecret(ctx, cfg.Trading.Binance.SecretKeyName)
		if err != nil {
			return nil, err
		}
		venue := trade.NewBinanceVenue(trade.BinanceConfig{
			APIKey:    apiKey,
			SecretKey: secretKey,
			Testnet:   cfg.Trading.Binance.Testnet,
		}, config.NewLogger("venue"))
		// The guard fails fast while the venue transport is in trouble;
		// the paper venue is in-process and needs no such shield.
		return trade.NewGuardedVenue(venue, trade.DefaultGuardSettings(), config.NewLogger("venue")), nil
	case "", "paper":
		return trade.NewPaperVenue(config.NewLogger("venue")), nil
	default:
		return nil, faults.Newf(faults.Contract, "main.venue", "unknown venue %q", cfg.Trading.Venue)
	}
}

// registerProviders resolves each provider's API key and registers it with
// the router. A provider with no api_key_name talks to an unauthenticated
// endpoint, typically a local model server.
func registerProviders(ctx context.Context, router *airouter.Router, cfg *config.Config,
	sec *secrets.Chain, logger zerolog.Logger) error {
	for _, pc := range cfg.AI.Providers {
		apiKey := ""
		if pc.APIKeyName != "" {
			k, err := sec.GetSecret(ctx, pc.APIKeyName)
			if err != nil {
				return faults.Wrap(faults.Contract, "main.providers", err)
			}
			apiKey = k
		}

		taskTypes, err := taskTypesFrom(pc.TaskTypes)
		if err != nil {
			return faults.Newf(faults.Contract, "main.providers", "provider %s: %v", pc.Name, err)
		}

		p, err := airouter.NewHTTPProvider(airouter.HTTPProviderConfig{
			Name:           pc.Name,
			Endpoint:       pc.Endpoint,
			APIKey:         apiKey,
			Model:          pc.Model,
			TaskTypes:      taskTypes,
			CostPer1K:      pc.CostPer1K,
			MaxTokens:      pc.MaxTokens,
			Timeout:        cfg.AI.CallTimeout,
			RequestsPerSec: pc.RatePerSec,
		}, logger)
		if err != nil {
			return err
		}
		router.Register(p)
	}

	if len(cfg.AI.Providers) == 0 {
		logger.Warn().Msg("No AI providers configured, scoring and generation will fail until one is added")
	}
	return nil
}

func taskTypesFrom(names []string) ([]airouter.TaskType, error) {
	known := map[string]airouter.TaskType{
		string(airouter.TaskSentiment):  airouter.TaskSentiment,
		string(airouter.TaskGeneration): airouter.TaskGeneration,
		string(airouter.TaskAnalysis):   airouter.TaskAnalysis,
		string(airouter.TaskChat):       airouter.TaskChat,
		string(airouter.TaskModeration): airouter.TaskModeration,
	}
	out := make([]airouter.TaskType, 0, len(names))
	for _, n := range names {
		tt, ok := known[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return nil, fmt.Errorf("unknown task type %q", n)
		}
		out = append(out, tt)
	}
	return out, nil
}
