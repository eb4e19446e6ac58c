package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/markgate/markgate/internal/audit"
	"github.com/markgate/markgate/internal/config"
	"github.com/markgate/markgate/internal/converter"
	"github.com/markgate/markgate/internal/handler"
	"github.com/markgate/markgate/internal/model"
	"github.com/markgate/markgate/internal/ratelimit"
	"github.com/markgate/markgate/internal/server"
)

const banner = `
                  _               _
 _ __ ___   __ _ _| | ____ _  __ _| |_ ___
| '_ ' _ \ / _' | '__| |/ / _' |/ _' | __/ _ \
| | | | | | (_| | |  |   < (_| | (_| | ||  __/
|_| |_| |_|\__,_|_|  |_|\_\__, |\__,_|\__\___|
                          |___/
`

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the markgate API server",
		Long:  "Start the HTTP server that exposes the conversion and admin APIs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8000, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()
	s, logger := a.settings, a.logger

	fmt.Print(banner)
	fmt.Println()

	// 1. Rate limiter
	counter, err := newCounter(ctx, s.RateLimit, logger)
	if err != nil {
		return err
	}
	limiter := ratelimit.New(ratelimit.PolicyFromConfig(s.RateLimit), ratelimit.Options{
		Counter: counter,
		Audit:   a.trail,
		Metrics: a.metrics,
		Logger:  logger,
	})

	// 2. Initial admin credential
	if s.Auth.Enabled && s.Auth.BootstrapAdmin {
		cred, secret, err := a.creds.EnsureAdmin(cliContext(), s.Auth.InitialAdminName)
		if err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		if cred != nil {
			fmt.Println("→ Initial admin credential created:")
			fmt.Printf("    Name: %s\n", cred.Name)
			fmt.Printf("    Key:  %s\n", secret)
			fmt.Println("  Save this key now - it cannot be retrieved again.")
			fmt.Println()
		}
	} else if !s.Auth.Enabled {
		logger.Warn("authentication is disabled; every request is admitted without a credential")
	}

	// 3. Config hot reload for the rate limit policy
	watchConfig(limiter, logger)

	// 4. Audit retention
	if s.Audit.PruneSchedule != "" {
		sched := audit.NewScheduler(audit.NewPruner(a.store, s.Audit.RetentionDays, logger), s.Audit.PruneSchedule)
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	// 5. HTTP server
	srv := server.New(server.ConfigFrom(s), server.Deps{
		Store:       a.store,
		Auth:        a.auth,
		Credentials: a.creds,
		Users:       a.users,
		Limiter:     limiter,
		Converter:   converter.New(s.Converter, logger, a.metrics),
		ConvertCfg:  s.Converter,
		Audit:       a.trail,
		Metrics:     a.metrics,
		Info: handler.SystemInfo{
			Version:     versionString(),
			Environment: s.Environment,
			AuthEnabled: s.Auth.Enabled,
		},
	}, logger)

	startup := map[string]interface{}{
		"version":            versionString(),
		"environment":        s.Environment,
		"auth_enabled":       s.Auth.Enabled,
		"rate_limit_enabled": s.RateLimit.Enabled,
		"storage_driver":     a.store.Driver(),
	}
	a.trail.Record(cliContext(), model.ActionServiceStartup, "", model.OutcomeSuccess, startup)

	fmt.Printf("→ markgate %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", s.Server.Host, s.Server.Port)
	fmt.Printf("→ OpenAPI:    http://%s:%d/openapi.json\n", s.Server.Host, s.Server.Port)
	fmt.Printf("→ Health:     http://%s:%d/health\n", s.Server.Host, s.Server.Port)
	fmt.Printf("→ Storage:    %s\n", a.store.Driver())
	fmt.Println()

	serveErr := srv.ListenAndServe(ctx)

	outcome := model.OutcomeSuccess
	detail := map[string]interface{}{}
	if serveErr != nil {
		outcome = model.OutcomeFailure
		detail["error"] = serveErr.Error()
	}
	a.trail.Record(cliContext(), model.ActionServiceShutdown, "", outcome, detail)
	return serveErr
}

// newCounter builds the rate limit counter backend. The in-memory counter
// gets a janitor goroutine bound to ctx.
func newCounter(ctx context.Context, cfg config.RateLimitConfig, logger *slog.Logger) (ratelimit.Counter, error) {
	if cfg.Backend == "redis" {
		client, err := ratelimit.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		go func() {
			<-ctx.Done()
			client.Close()
		}()
		logger.Info("rate limit counters in redis")
		return ratelimit.NewRedisCounter(client, "markgate:ratelimit:"), nil
	}

	mem := ratelimit.NewMemoryCounter()
	go mem.RunJanitor(ctx, cfg.SweepInterval)
	return mem, nil
}

// watchConfig reloads the rate limit policy when the config file changes.
// Other settings need a restart.
func watchConfig(limiter *ratelimit.Limiter, logger *slog.Logger) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		s, err := loadSettings()
		if err != nil {
			logger.Warn("config reload rejected", "file", e.Name, "error", err)
			return
		}
		limiter.SetPolicy(ratelimit.PolicyFromConfig(s.RateLimit))
		logger.Info("rate limit policy reloaded", "file", e.Name,
			"enabled", s.RateLimit.Enabled, "routes", len(s.RateLimit.Routes))
	})
	viper.WatchConfig()
}
