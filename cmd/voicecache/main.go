// Command voicecache is a caching front for text-to-speech engines: bounded
// in-memory caches over a persistent tier, with warm-up, hot reload, health,
// and graceful degradation.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/voicekit/voicecache/cache"
	"github.com/voicekit/voicecache/degrade"
	"github.com/voicekit/voicecache/health"
	"github.com/voicekit/voicecache/perf"
	"github.com/voicekit/voicecache/reload"
	"github.com/voicekit/voicecache/resilience"
	"github.com/voicekit/voicecache/server"
	"github.com/voicekit/voicecache/store"
	"github.com/voicekit/voicecache/synth"
	"github.com/voicekit/voicecache/telemetry"
	"github.com/voicekit/voicecache/warmup"
)

var version = "dev"

type cli struct {
	Address      string `help:"Address to listen on." default:":8080"`
	ArtifactsDir string `help:"Directory holding voice and model artifacts." default:"./artifacts" type:"path"`

	EngineURL   string `help:"Base URL of the primary synthesis engine." default:"http://localhost:5000"`
	EngineToken string `help:"Bearer token for the synthesis engines." optional:"" env:"VOICECACHE_ENGINE_TOKEN"`
	FallbackURL string `help:"Base URL of the reduced-quality fallback engine." optional:""`

	CacheEntries int   `help:"Max entries per in-memory cache." default:"256"`
	CacheBytes   int64 `help:"Max bytes per in-memory cache." default:"268435456"`

	TierPath    string        `help:"Persistent tier database path. Empty disables the tier." default:"./voicecache.db" type:"path"`
	TierTTL     time.Duration `help:"Persistent tier TTL since last access." default:"168h"`
	TierReap    time.Duration `help:"Persistent tier reap interval." default:"1h"`
	DisableTier bool          `help:"Serve from memory only."`

	WarmupManifest    string `help:"JSON manifest of artifacts to preload." optional:"" type:"path"`
	WarmupConcurrency int    `help:"Warm-up worker count." default:"4"`
	WarmupQueueBound  int    `help:"Warm-up queue bound." default:"64"`

	BreakerThreshold int           `help:"Consecutive failures before the loader breaker opens." default:"5"`
	BreakerCooldown  time.Duration `help:"Breaker cooldown before a half-open trial." default:"30s"`

	RetryAttempts  int           `help:"Max loader attempts per warm-up task." default:"3"`
	RetryBaseDelay time.Duration `help:"Initial retry backoff." default:"100ms"`
	RetryMaxDelay  time.Duration `help:"Retry backoff cap." default:"1s"`
	RetryJitter    float64       `help:"Retry jitter fraction." default:"0.2"`

	ReloadDebounce time.Duration `help:"Quiet window before a file change fires a reload." default:"500ms"`
	HealthTimeout  time.Duration `help:"Hard timeout per health probe." default:"5s"`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." optional:""`
	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:""`

	LogLevel  string `help:"Log level (debug, info, warn, error)." enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format (text, json)." enum:"text,json" default:"text"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

// manifestEntry is one line of the warm-up manifest: an artifact to preload
// and optionally keep hot-reloaded when its source file changes.
type manifestEntry struct {
	Cache    string `json:"cache"`
	Key      string `json:"key"`
	Priority int    `json:"priority"`
	Watch    bool   `json:"watch"`
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("voicecache"),
		kong.Description("Caching and resilience front for TTS engines."),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(run(flags))
}

func run(flags cli) error {
	logger, err := buildLogger(flags)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "voicecache",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: flags.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(shutdownCtx)
	}()

	// persistent tier
	var tier *store.Store
	if !flags.DisableTier && flags.TierPath != "" {
		tier, err = store.Open(store.Config{
			Path:         flags.TierPath,
			TTL:          flags.TierTTL,
			ReapInterval: flags.TierReap,
			Logger:       logger.With("component", "store"),
		})
		if err != nil {
			return fmt.Errorf("opening persistent tier: %w", err)
		}
		tier.StartReaper(ctx)
		defer func() {
			tier.StopReaper()
			_ = tier.Close()
		}()
	}

	monitor := perf.NewMonitor(perf.DefaultWindowSize)

	// in-memory caches, one per artifact class
	caches := make([]*cache.Cache, 0, 4)
	for _, name := range []string{"voices", "models", "text", "audio"} {
		caches = append(caches, cache.New(name, flags.CacheEntries, flags.CacheBytes))
	}

	managerOpts := []cache.ManagerOption{
		cache.WithRecorder(monitor),
		cache.WithLogger(logger.With("component", "cache")),
	}
	if tier != nil {
		managerOpts = append(managerOpts, cache.WithTierStore(tier))
	}
	manager := cache.NewManager(caches, managerOpts...)
	defer manager.Close()

	// resilience around the loader path
	breaker := resilience.NewBreaker("loader", resilience.BreakerConfig{
		FailureThreshold: flags.BreakerThreshold,
		Cooldown:         flags.BreakerCooldown,
		Logger:           logger.With("component", "breaker"),
	})
	retry := resilience.RetrySpec{
		MaxAttempts:    flags.RetryAttempts,
		BaseDelay:      flags.RetryBaseDelay,
		MaxDelay:       flags.RetryMaxDelay,
		JitterFraction: flags.RetryJitter,
		Retryable:      synth.IsRetryable,
	}

	preloader := warmup.New(warmup.Config{
		Manager:     manager,
		Concurrency: flags.WarmupConcurrency,
		QueueBound:  flags.WarmupQueueBound,
		Breaker:     breaker,
		Retry:       retry,
		Logger:      logger.With("component", "warmup"),
	})
	defer preloader.Stop()

	watcher, err := reload.NewWatcher(reload.Config{
		Invalidator: manager,
		Logger:      logger.With("component", "reload"),
	})
	if err != nil {
		return fmt.Errorf("creating reload watcher: %w", err)
	}
	defer func() { _ = watcher.Stop() }()

	loader := synth.NewFSLoader(flags.ArtifactsDir)

	if flags.WarmupManifest != "" {
		if err := scheduleFromManifest(flags, logger, preloader, watcher, loader); err != nil {
			return err
		}
	}

	// degradation-aware synthesis engine
	controller := degrade.NewController(logger.With("component", "degrade"))
	var upstreamOpts []synth.UpstreamOption
	if flags.EngineToken != "" {
		upstreamOpts = append(upstreamOpts, synth.WithAuthToken(flags.EngineToken))
	}
	var fallback synth.Synthesizer
	if flags.FallbackURL != "" {
		fallback = synth.NewUpstream(flags.FallbackURL, upstreamOpts...)
	}
	synthBreaker := resilience.NewBreaker("synthesis", resilience.BreakerConfig{
		FailureThreshold: flags.BreakerThreshold,
		Cooldown:         flags.BreakerCooldown,
		Logger:           logger.With("component", "breaker"),
	})
	engine := synth.NewEngine(synth.EngineConfig{
		Manager:    manager,
		Controller: controller,
		Monitor:    monitor,
		Primary:    synth.NewUpstream(flags.EngineURL, upstreamOpts...),
		Fallback:   fallback,
		Breaker:    synthBreaker,
		Retry:      retry,
	})

	registry := health.NewRegistry(health.Config{
		Timeout: flags.HealthTimeout,
		Logger:  logger.With("component", "health"),
	})
	if err := registerHealthChecks(registry, flags, tier, breaker, controller); err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Address: flags.Address,
		Manager: manager,
		Engine:  engine,
		Health:  registry,
		Monitor: monitor,
		Watcher: watcher,
		Logger:  logger.With("component", "server"),
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("voicecache started",
		"address", srv.Address(),
		"engine", flags.EngineURL,
		"tier", flags.TierPath,
		"version", version,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildLogger(flags cli) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(flags.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", flags.LogLevel)
	}

	var handler slog.Handler
	switch flags.LogFormat {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", flags.LogFormat)
	}
	return slog.New(handler), nil
}

// scheduleFromManifest preloads every manifest entry and registers watched
// entries with the reload watcher so file changes re-trigger the same load.
func scheduleFromManifest(flags cli, logger *slog.Logger, preloader *warmup.Preloader, watcher *reload.Watcher, loader *synth.FSLoader) error {
	data, err := os.ReadFile(flags.WarmupManifest)
	if err != nil {
		return fmt.Errorf("reading warmup manifest: %w", err)
	}

	var entries []manifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parsing warmup manifest: %w", err)
	}

	for _, entry := range entries {
		scheduled := preloader.Schedule(warmup.Task{
			Cache:    entry.Cache,
			Key:      entry.Key,
			Loader:   loader.Load,
			Priority: entry.Priority,
		})
		if !scheduled {
			continue
		}

		if entry.Watch {
			target := reload.Target{
				Path:     filepath.Join(flags.ArtifactsDir, entry.Key),
				Cache:    entry.Cache,
				Keys:     []string{entry.Key},
				Debounce: flags.ReloadDebounce,
				Callback: func(ctx context.Context, path string) error {
					if !preloader.Schedule(warmup.Task{
						Cache:    entry.Cache,
						Key:      entry.Key,
						Loader:   loader.Load,
						Priority: entry.Priority,
					}) {
						logger.Warn("reload preload dropped", "cache", entry.Cache, "key", entry.Key)
					}
					return nil
				},
			}
			if err := watcher.Register(target); err != nil {
				logger.Warn("registering reload target", "path", target.Path, "error", err)
			}
		}
	}

	logger.Info("scheduled warmup manifest",
		"path", flags.WarmupManifest, "entries", len(entries))
	return nil
}

// registerHealthChecks wires the standard probes: artifact directory access,
// persistent tier reads, loader breaker state, and engine degradation state.
func registerHealthChecks(registry *health.Registry, flags cli, tier *store.Store, breaker *resilience.Breaker, controller *degrade.Controller) error {
	if err := registry.Register("artifacts", func(ctx context.Context) error {
		info, err := os.Stat(flags.ArtifactsDir)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", flags.ArtifactsDir)
		}
		return nil
	}); err != nil {
		return err
	}

	if tier != nil {
		if err := registry.Register("tier", func(ctx context.Context) error {
			_, err := tier.Len("voices")
			return err
		}); err != nil {
			return err
		}
	}

	if err := registry.Register("loader-breaker", func(ctx context.Context) error {
		if state := breaker.State(); state == resilience.StateOpen {
			return fmt.Errorf("loader breaker is %s", state)
		}
		return nil
	}); err != nil {
		return err
	}

	return registry.Register("synthesizer", func(ctx context.Context) error {
		if !controller.Healthy(synth.ComponentSynthesizer) {
			return fmt.Errorf("synthesizer marked degraded")
		}
		return nil
	})
}
