// Package bootstrap wires all dependencies and starts the application.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/artpar/quotagate/adapters/auth"
	"github.com/artpar/quotagate/adapters/clock"
	"github.com/artpar/quotagate/adapters/hasher"
	qghttp "github.com/artpar/quotagate/adapters/http"
	"github.com/artpar/quotagate/adapters/http/admin"
	"github.com/artpar/quotagate/adapters/metrics"
	qgtls "github.com/artpar/quotagate/adapters/tls"
	"github.com/artpar/quotagate/app"
	"github.com/artpar/quotagate/config"
	"github.com/artpar/quotagate/domain/action"
	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Config
	Store      Store
	Engine     *app.Engine
	Actions    *app.ActionService
	HTTPServer *http.Server
	Metrics    *metrics.Collector

	// Plain HTTP listener for ACME challenges and HTTPS redirects; nil
	// when TLS is off.
	RedirectServer *http.Server

	flusher *RecordFlusher
	demo    *qghttp.DemoClient

	reloadMu sync.Mutex
	applied  *config.Config // last configuration applied to the running app
}

// Option configures New.
type Option func(*options)

type options struct {
	clock    ports.Clock
	registry *prometheus.Registry
}

// WithClock overrides the engine and token clock.
func WithClock(c ports.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithRegistry registers metrics on reg instead of the default registry
// and serves reg on the metrics path.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// New creates and initializes the application from cfg.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	o := options{clock: clock.System{}}
	for _, opt := range opts {
		opt(&o)
	}

	logger := NewLogger(cfg.Logging)
	logger.Info().Str("driver", cfg.Storage.Driver).Msg("initializing quotagate")

	a := &App{Logger: logger, Config: cfg, applied: cfg}

	if cfg.Metrics.Enabled {
		if o.registry != nil {
			a.Metrics = metrics.NewWithRegistry(o.registry)
		} else {
			a.Metrics = metrics.New()
		}
		logger.Info().Msg("prometheus metrics enabled")
	}

	store, err := OpenStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.Store = store

	if err := a.initEngine(o.clock); err != nil {
		a.Store.Close()
		return nil, err
	}

	if err := a.initHTTPServer(o); err != nil {
		a.Store.Close()
		return nil, fmt.Errorf("init http server: %w", err)
	}

	a.flusher = NewRecordFlusher(a.Engine, a.Store, logger, FlusherConfig{
		FlushInterval: cfg.Storage.FlushInterval,
		PruneInterval: cfg.Storage.PruneInterval,
		Metrics:       a.Metrics,
	})

	return a, nil
}

// initEngine builds the engine over the saved settings and records.
func (a *App) initEngine(clk ports.Clock) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	engine, err := NewEngine(ctx, a.Config, a.Store, clk, a.Logger)
	if err != nil {
		return err
	}
	if a.Metrics != nil {
		a.Metrics.TrackedUsers.Set(float64(engine.Len()))
	}
	a.Engine = engine
	return nil
}

// NewEngine builds an engine configured like the server: settings saved
// through the admin API win over the config file unless they are invalid,
// stored records are restored, and a store that several processes share
// becomes the engine's authoritative record set.
func NewEngine(ctx context.Context, cfg *config.Config, store Store, clk ports.Clock, logger zerolog.Logger) (*app.Engine, error) {
	settings := cfg.Quota.Settings
	saved, err := store.LoadSettings(ctx)
	switch {
	case err == nil:
		if verr := saved.Validate(); verr != nil {
			logger.Warn().Err(verr).Msg("ignoring invalid saved settings")
		} else {
			settings = saved
			logger.Info().Interface("settings", settings).Msg("using saved quota settings")
		}
	case errors.Is(err, ports.ErrNotFound):
	default:
		logger.Warn().Err(err).Msg("failed to load saved settings, using config")
	}

	ecfg := app.EngineConfig{
		Settings:  settings,
		Retention: cfg.Quota.Retention,
		Location:  cfg.Quota.Location(),
	}
	if shared, ok := store.(ports.SharedRecordStore); ok {
		ecfg.Shared = shared
		logger.Info().Msg("usage records are shared through the store")
	}

	engine, err := app.NewEngine(clk, ecfg)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	records, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load usage records: %w", err)
	}
	engine.Restore(records)
	logger.Info().Int("users", len(records)).Msg("usage records loaded")
	return engine, nil
}

func (a *App) initHTTPServer(o options) error {
	cfg := a.Config
	logger := a.Logger

	catalog, err := action.NewCatalog(cfg.Actions)
	if err != nil {
		return fmt.Errorf("actions: %w", err)
	}

	demo, err := qghttp.NewDemoClient(qghttp.DemoConfig{
		URL:     cfg.DemoAPI.URL,
		Timeout: cfg.DemoAPI.Timeout,
		Metrics: a.Metrics,
	})
	if err != nil {
		return fmt.Errorf("demo api: %w", err)
	}
	a.demo = demo

	a.Actions = app.NewActionService(app.ActionDeps{
		Engine:  a.Engine,
		DemoAPI: demo,
		Logger:  logger,
	}, catalog)

	var tokens ports.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		tokens = auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL,
			auth.WithIssuer(cfg.Auth.Issuer),
			auth.WithClock(o.clock.Now),
		)
	} else {
		logger.Warn().Msg("auth.jwt_secret not set, identity tokens are rejected")
	}

	fingerprints, err := auth.NewFingerprinter([]byte(cfg.Auth.FingerprintKey))
	if err != nil {
		return fmt.Errorf("fingerprinter: %w", err)
	}
	if cfg.Auth.FingerprintKey == "" {
		logger.Warn().Msg("auth.fingerprint_key not set, anonymous user keys change on restart")
	}

	identity := qghttp.NewIdentityResolver(qghttp.IdentityConfig{
		Tokens:       tokens,
		Fingerprints: fingerprints,
		RequireToken: cfg.Auth.RequireToken,
		SecureCookie: cfg.Server.TLS.Enabled(),
		Metrics:      a.Metrics,
		Logger:       logger,
	})

	routerCfg := qghttp.RouterConfig{
		Actions:        a.Actions,
		Identity:       identity,
		Health:         qghttp.NewHealthHandler(a.Store),
		Logger:         logger,
		Metrics:        a.Metrics,
		MetricsPath:    cfg.Metrics.Path,
		RequestTimeout: cfg.Server.RequestTimeout,
	}
	if a.Metrics != nil && o.registry != nil {
		routerCfg.MetricsHandler = promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})
	}

	if cfg.Auth.AdminEnabled() {
		adminHandler := admin.NewHandler(admin.Deps{
			Engine:       a.Engine,
			Store:        a.Store,
			Settings:     a.Store,
			Hasher:       hasher.NewBcrypt(0),
			User:         cfg.Auth.AdminUser,
			PasswordHash: cfg.Auth.AdminPassword,
			Logger:       logger,
			Metrics:      a.Metrics,
		})
		routerCfg.AdminHandler = adminHandler.Router()
		logger.Info().Str("user", cfg.Auth.AdminUser).Msg("admin API enabled")
	}

	a.HTTPServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      qghttp.NewRouter(routerCfg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if tc := cfg.Server.TLS; tc.Enabled() {
		provider, err := qgtls.New(qgtls.Config{
			CertFile: tc.CertFile,
			KeyFile:  tc.KeyFile,
			Domains:  tc.Domains,
			Email:    tc.Email,
			CacheDir: tc.CacheDir,
			Staging:  tc.Staging,
		}, logger)
		if err != nil {
			return err
		}
		a.HTTPServer.TLSConfig = provider.TLSConfig()
		a.RedirectServer = &http.Server{
			Addr:              tc.HTTPAddr,
			Handler:           provider.HTTPHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return nil
}

// Watch applies reloadable fields from h to the running app: quota
// limits, the action catalog and the log level.
func (a *App) Watch(h *config.Holder) {
	h.OnChange(a.ApplyConfig)
}

// ApplyConfig applies the reloadable fields of cfg that differ from the
// last applied configuration. Quota settings are left alone unless the file
// changed them, so settings saved through the admin API survive unrelated
// reloads; reloaded settings are saved back so a restart keeps them.
func (a *App) ApplyConfig(cfg *config.Config) {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	changes := config.Diff(a.applied, cfg)
	ok := true

	if changes.Quota {
		if settings, err := a.Engine.UpdateSettings(quota.PatchFrom(cfg.Quota.Settings)); err != nil {
			a.Logger.Error().Err(err).Msg("reload quota settings")
			ok = false
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.Store.SaveSettings(ctx, settings); err != nil {
				a.Logger.Warn().Err(err).Msg("save reloaded quota settings")
			}
			cancel()
		}
	}

	if changes.Actions {
		if catalog, err := action.NewCatalog(cfg.Actions); err != nil {
			a.Logger.Error().Err(err).Msg("reload actions")
			ok = false
		} else {
			a.Actions.UpdateCatalog(catalog)
		}
	}

	if changes.LogLevel {
		if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			zerolog.SetGlobalLevel(level)
		}
	}

	if ok {
		a.applied = cfg
	}

	if a.Metrics == nil || !changes.Reloadable() {
		return
	}
	if ok {
		a.Metrics.ConfigReloads.Inc()
		a.Metrics.ConfigLastReload.SetToCurrentTime()
	} else {
		a.Metrics.ConfigReloadErrors.Inc()
	}
}

// Run starts the HTTP server and blocks until shutdown.
func (a *App) Run() error {
	errCh := make(chan error, 2)
	go func() {
		a.Logger.Info().
			Str("addr", a.HTTPServer.Addr).
			Bool("tls", a.HTTPServer.TLSConfig != nil).
			Msg("starting http server")
		var err error
		if a.HTTPServer.TLSConfig != nil {
			err = a.HTTPServer.ListenAndServeTLS("", "")
		} else {
			err = a.HTTPServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if a.RedirectServer != nil {
		go func() {
			a.Logger.Info().Str("addr", a.RedirectServer.Addr).Msg("starting redirect server")
			if err := a.RedirectServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		a.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown gracefully stops the application. Dirty records are flushed
// before the store is closed.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}
	if a.RedirectServer != nil {
		if err := a.RedirectServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("redirect server shutdown error")
		}
	}

	var flushErr error
	if a.flusher != nil {
		if flushErr = a.flusher.Close(); flushErr != nil {
			a.Logger.Error().Err(flushErr).Msg("final flush failed")
		}
	}

	if a.demo != nil {
		a.demo.Close()
	}

	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("store close error")
		}
	}

	a.Logger.Info().Msg("shutdown complete")
	return flushErr
}

// Flush writes dirty records to the store now.
func (a *App) Flush(ctx context.Context) error {
	return a.flusher.Flush(ctx)
}

// NewLogger builds the process logger and sets the global level.
func NewLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
