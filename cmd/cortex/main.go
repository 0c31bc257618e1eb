package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cortexhub/cortex/pkg/auth"
	"github.com/cortexhub/cortex/pkg/balancer"
	"github.com/cortexhub/cortex/pkg/cache"
	"github.com/cortexhub/cortex/pkg/config"
	"github.com/cortexhub/cortex/pkg/gateway"
	"github.com/cortexhub/cortex/pkg/health"
	"github.com/cortexhub/cortex/pkg/images"
	"github.com/cortexhub/cortex/pkg/lifecycle"
	"github.com/cortexhub/cortex/pkg/log"
	"github.com/cortexhub/cortex/pkg/proxy"
	"github.com/cortexhub/cortex/pkg/ratelimit"
	"github.com/cortexhub/cortex/pkg/registry"
	"github.com/cortexhub/cortex/pkg/runtime"
	"github.com/cortexhub/cortex/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cortex",
	Short: "Cortex - Control plane for self-hosted LLM inference",
	Long: `Cortex manages inference engine containers on a single node and
routes OpenAI-compatible requests to them: model lifecycle, health
probing, load balancing, auth, rate limiting and streaming proxying
behind one gateway port.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Cortex version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("config", "", "Path to YAML config file")
	serveCmd.Flags().String("listen", "", "Listen address (overrides config)")
	serveCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	serveCmd.Flags().Bool("dev", false, "Development mode: bypass client auth")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway and control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if v, _ := cmd.Flags().GetString("listen"); v != "" {
			cfg.ListenAddr = v
		}
		if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
			cfg.DataDir = v
		}
		if v, _ := cmd.Flags().GetBool("dev"); v {
			cfg.DevAuthBypass = true
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})
		logger := log.WithComponent("main")

		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data dir: %v", err)
		}

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}

		driver, err := runtime.NewContainerdRuntime(cfg.ContainerdSocket, filepath.Join(cfg.DataDir, "logs"))
		if err != nil {
			return fmt.Errorf("failed to connect to containerd: %v", err)
		}
		defer driver.Close()

		imageCache := images.NewCache(driver, cfg.OfflineMode, []string{
			cfg.EngineImageTransformer,
			cfg.EngineImageQuantized,
		})

		reg := registry.New(store)
		if err := reg.Restore(); err != nil {
			return fmt.Errorf("failed to restore registry: %v", err)
		}

		poller := health.NewPoller(health.Config{
			Interval:         cfg.ProbeInterval,
			LoadingInterval:  3 * time.Second,
			TTL:              cfg.HealthTTL,
			Timeout:          cfg.ProbeTimeout,
			Workers:          4,
			BreakerEnabled:   cfg.BreakerEnabled,
			BreakerThreshold: cfg.BreakerOpenThreshold,
			BreakerCooldown:  cfg.BreakerCooldown,
			InternalKey:      cfg.UpstreamInternalKey,
		})

		manager := lifecycle.NewManager(lifecycle.Config{
			ModelsRoot:       cfg.ModelsRoot,
			RepoCacheDir:     cfg.RepoCacheDir,
			ImageTransformer: cfg.EngineImageTransformer,
			ImageQuantized:   cfg.EngineImageQuantized,
			OfflineMode:      cfg.OfflineMode,
			InternalKey:      cfg.UpstreamInternalKey,
			EngineNetwork:    cfg.EngineNetwork,
		}, store, driver, imageCache, reg, poller)

		ctx := context.Background()
		manager.SweepOrphans(ctx)
		manager.RestoreLive(ctx)
		poller.Start()
		manager.Run(ctx)

		var cacheClient *cache.Client
		if cfg.RedisAddr != "" {
			cacheClient, err = cache.New(ctx, cfg.RedisAddr, cfg.RedisPassword)
			if err != nil {
				// Rate limiting fails open; the data plane must not depend
				// on the cache being up at boot.
				logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("cache unavailable, rate limiting disabled")
				cacheClient = nil
			}
		}
		limiter := ratelimit.NewLimiter(cacheClient, ratelimit.ModeTokenBucket, cfg.RateLimitRPS, cfg.RateLimitBurst)
		gate := ratelimit.NewStreamGate(cfg.StreamingConcurrencyCap)

		usage := proxy.NewRecorder(store, 256)
		bal := balancer.New(reg, poller)
		prx := proxy.New(proxy.Config{
			UnaryTimeout:  cfg.RequestTimeoutUnary,
			StreamTimeout: cfg.RequestTimeoutStream,
			InternalKey:   cfg.UpstreamInternalKey,
		}, bal, poller, gate, usage)

		authn := auth.New(store, cfg.DevAuthBypass)

		server := gateway.New(cfg, gateway.Deps{
			Store:    store,
			Registry: reg,
			Poller:   poller,
			Manager:  manager,
			Proxy:    prx,
			Limiter:  limiter,
			Auth:     authn,
			Images:   imageCache,
			Cache:    cacheClient,
			Usage:    usage,
		})

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Run()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("signal received")
		case err := <-errCh:
			if err != nil {
				logger.Error().Err(err).Msg("server error")
			}
		}

		server.Shutdown(ctx)
		return nil
	},
}
