// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hypeloop/postflow/internal/config"
	"github.com/hypeloop/postflow/internal/domain"
	"github.com/hypeloop/postflow/internal/pkg/httputil"
	"github.com/hypeloop/postflow/internal/pkg/metrics"
	"github.com/hypeloop/postflow/internal/pkg/postgres"
	"github.com/hypeloop/postflow/internal/pkg/token"
	"github.com/hypeloop/postflow/internal/poster/stub"
	"github.com/hypeloop/postflow/internal/poster/uploadpost"
	"github.com/hypeloop/postflow/internal/queue"
	queuepostgres "github.com/hypeloop/postflow/internal/queue/postgres"
	"github.com/hypeloop/postflow/internal/version"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	server        *http.Server
	metricsServer *http.Server
	bgCancel      context.CancelFunc
	dispatcher    *queue.Dispatcher
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())

	app := &App{
		config:   cfg,
		logger:   logger,
		db:       db,
		bgCancel: bgCancel,
	}

	go app.collectDBMetrics(bgCtx)

	router, dispatcher, err := app.setup(bgCtx)
	if err != nil {
		db.Close()
		bgCancel()
		return nil, fmt.Errorf("setup application: %w", err)
	}

	app.dispatcher = dispatcher

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.bgCancel()

	// Stop the dispatcher first so in-flight posts finish before the
	// database pool closes.
	if a.dispatcher != nil {
		a.dispatcher.Stop()
	}

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	a.db.Close()

	return errors.Join(errs...)
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

func (a *App) collectDBMetrics(ctx context.Context) {
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) collectQueueMetrics(ctx context.Context, store queue.Store) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := store.GetStats(ctx, "")
			if err != nil {
				slog.Error("failed to get queue stats", "error", err)
				continue
			}
			queue.RecordQueueStats(stats)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) setup(ctx context.Context) (*chi.Mux, *queue.Dispatcher, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
    <title>Postflow API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
        SwaggerUIBundle({
            url: "/api/openapi.yaml",
            dom_id: '#swagger-ui',
            presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
            layout: "BaseLayout"
        });
    </script>
</body>
</html>`))
	})

	store := queuepostgres.NewRepository(a.db)
	retryPolicy := queue.RetryPolicy{
		InitialBackoff: a.config.Dispatch.Retry.InitialBackoff,
		MaxBackoff:     a.config.Dispatch.Retry.MaxBackoff,
		MaxAttempts:    a.config.Dispatch.Retry.MaxAttempts,
	}

	events := queue.LogPublisher{}
	service := queue.NewService(store, events, retryPolicy)
	handler := queue.NewHandler(service)

	var dispatcher *queue.Dispatcher
	if a.config.Dispatch.Enabled {
		posters, err := a.buildPosters()
		if err != nil {
			return nil, nil, err
		}

		limiter := queue.NewRateLimiter(queue.RateLimits{
			Hourly: queue.Window{Max: a.config.Dispatch.RateLimit.HourlyMax, Duration: time.Hour},
			Daily:  queue.Window{Max: a.config.Dispatch.RateLimit.DailyMax, Duration: 24 * time.Hour},
		})

		dispatcher = queue.NewDispatcher(queue.DispatcherConfig{
			BatchSize:         a.config.Dispatch.BatchSize,
			PollInterval:      a.config.Dispatch.PollInterval,
			NumWorkers:        a.config.Dispatch.NumWorkers,
			PostTimeout:       a.config.Dispatch.PostTimeout,
			ProcessingTimeout: a.config.Dispatch.ProcessingTimeout,
		}, store, limiter, retryPolicy, queue.NewRegistry(posters...), events)

		dispatcher.Start(ctx)

		go a.collectQueueMetrics(ctx, store)
	} else {
		slog.Warn("dispatch disabled: items will accumulate in pending")
	}

	auth := token.NewAuthenticator(token.Config{
		SecretKey:     a.config.JWT.SecretKey,
		TokenDuration: a.config.JWT.TokenDuration,
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(httputil.AuthMiddleware(auth))
			handler.RegisterRoutes(r)
		})
	})

	return r, dispatcher, nil
}

// buildPosters assembles the poster set. When the Upload-Post client is
// disabled every platform gets a stub poster, so dry-run deployments
// still exercise the full item lifecycle.
func (a *App) buildPosters() ([]queue.Poster, error) {
	if !a.config.Posters.UploadPost.Enabled {
		slog.Warn("upload-post disabled: posts run in dry-run mode")
		return stub.ForPlatforms(domain.AllPlatforms...), nil
	}

	client, err := uploadpost.NewClient(uploadpost.Config{
		Enabled:        a.config.Posters.UploadPost.Enabled,
		BaseURL:        a.config.Posters.UploadPost.BaseURL,
		APIKey:         a.config.Posters.UploadPost.APIKey,
		RequestTimeout: a.config.Posters.UploadPost.RequestTimeout,
		RateLimit:      a.config.Posters.UploadPost.RateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("create upload-post client: %w", err)
	}

	return client.Posters(domain.AllPlatforms...), nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		a.logger.Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
