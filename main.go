package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"flairscope/api"
	"flairscope/db"
	"flairscope/engine"
	"flairscope/export"
	"flairscope/models"
	"flairscope/utils"
	"flairscope/viz"
)

func main() {
	subreddit := flag.String("subreddit", "", "Subreddit to analyze (without r/ prefix)")
	posts := flag.Int("posts", 500, "Maximum number of posts to retrieve")
	timeframe := flag.String("timeframe", "all", "Time filter for posts (all, day, week, month, year)")
	threshold := flag.Float64("threshold", 90, "Percentile threshold to consider a post viral (50-99)")
	minPosts := flag.Int("min-posts", 1, "Minimum posts a flair needs to appear in the ranking")
	exportFormat := flag.String("export", "csv", "Export format (csv, excel, json)")
	chartsFlag := flag.String("charts", "dashboard", "Comma-separated chart kinds (bar, heatmap, scatter, bubble, time, distribution, dashboard), or 'none'")
	output := flag.String("output", "", "Output directory for results (defaults to OUTPUT_DIR)")
	serve := flag.Bool("serve", false, "Serve stored runs over HTTP after the analysis")
	envPath := flag.String("env", ".env", "Path to .env file")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.Parse()

	log := setupLogger(*logLevel)
	log.Info("Starting Flairscope")

	if *subreddit == "" {
		log.Fatal("--subreddit is required")
	}

	config, err := utils.LoadConfig(*envPath, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	analysisCfg := models.AnalysisConfig{
		Subreddit:       *subreddit,
		PostLimit:       *posts,
		TimeFilter:      models.TimeFilter(*timeframe),
		ViralPercentile: *threshold,
		MinPosts:        *minPosts,
	}
	if err := engine.ValidateConfig(analysisCfg); err != nil {
		log.WithError(err).Fatal("Invalid analysis parameters")
	}

	chartKinds, err := parseChartKinds(*chartsFlag)
	if err != nil {
		log.WithError(err).Fatal("Invalid chart selection")
	}

	log.WithFields(logrus.Fields{
		"subreddit":   analysisCfg.Subreddit,
		"post_limit":  analysisCfg.PostLimit,
		"time_filter": analysisCfg.TimeFilter,
		"percentile":  analysisCfg.ViralPercentile,
		"export":      *exportFormat,
		"charts":      *chartsFlag,
	}).Info("Configuration loaded")

	database, err := db.NewDatabase(config.Database.Path, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer database.Close()

	redditAPI := api.NewRedditAPI(
		config.Reddit.ClientID,
		config.Reddit.ClientSecret,
		config.Reddit.UserAgent,
		config.Reddit.MaxRequestsPerMinute,
		log,
	)

	subscribers := 0
	if info, err := redditAPI.GetSubredditInfo(analysisCfg.Subreddit); err != nil {
		log.WithError(err).Warn("Could not retrieve subreddit info, continuing without subscriber count")
	} else {
		subscribers = info.Subscribers
	}

	fetched, err := redditAPI.FetchTopPosts(analysisCfg.Subreddit, analysisCfg.PostLimit, analysisCfg.TimeFilter)
	if err != nil {
		log.WithError(err).Fatal("Failed to fetch posts from Reddit")
	}

	eng := engine.NewEngine(log)
	result, err := eng.Analyze(fetched, analysisCfg, subscribers)
	if err != nil {
		log.WithError(err).Fatal("Analysis failed")
	}
	result.RunID = uuid.New().String()
	result.AnalyzedAt = time.Now().UTC()

	if err := database.SaveResult(result); err != nil {
		log.WithError(err).Fatal("Failed to save analysis run")
	}

	outputDir := *output
	if outputDir == "" {
		outputDir = config.Output.Dir
	}
	outputDir = filepath.Join(outputDir, analysisCfg.Subreddit)

	exporter := export.NewExporter(log)
	exportBase := filepath.Join(outputDir, fmt.Sprintf("%s_flair_analysis", analysisCfg.Subreddit))
	exportPath, err := exporter.Export(result, export.Format(*exportFormat), exportBase)
	if err != nil {
		log.WithError(err).Fatal("Failed to export results")
	}
	log.WithField("path", exportPath).Info("Results exported")

	if len(chartKinds) > 0 {
		renderer := viz.NewRenderer(log)
		files, err := renderer.Render(result, outputDir, chartKinds)
		if err != nil {
			log.WithError(err).Fatal("Failed to render charts")
		}
		for kind, path := range files {
			log.WithFields(logrus.Fields{"chart": kind, "path": path}).Info("Chart written")
		}
	}

	if !*serve {
		log.WithField("run_id", result.RunID).Info("Flairscope finished")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go startEchoServer(ctx, config.Server.Port, database, log, config.Reddit.MaxRequestsPerMinute)

	waitForShutdown(cancel, log)
}

// parseChartKinds parses the --charts flag value
func parseChartKinds(value string) ([]viz.ChartKind, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || trimmed == "none" {
		return nil, nil
	}

	parts := strings.Split(trimmed, ",")
	kinds := make([]viz.ChartKind, 0, len(parts))
	for _, part := range parts {
		kind := viz.ChartKind(strings.TrimSpace(part))
		if kind == "" {
			continue
		}
		if !viz.ValidChartKind(kind) {
			return nil, fmt.Errorf("unknown chart kind %q", kind)
		}
		kinds = append(kinds, kind)
	}

	return kinds, nil
}

// setupLogger sets up the logger with the specified log level
func setupLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "info":
		log.SetLevel(logrus.InfoLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

// startEchoServer starts the Echo HTTP API server over stored runs
func startEchoServer(ctx context.Context, port int, database *db.Database, log *logrus.Logger, maxRequestsPerMinute int) {
	e := echo.New()

	// middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	requestsPerSecond := float64(maxRequestsPerMinute) / 60.0

	rateLimit := rate.Limit(requestsPerSecond * 0.95) // use 95% of the rate limit to be safe

	rateLimiterConfig := middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rateLimit,
				Burst:     1, // no burst capability
				ExpiresIn: 3 * time.Minute,
			},
		),
		IdentifierExtractor: func(ctx echo.Context) (string, error) {
			return ctx.RealIP(), nil
		},
		ErrorHandler: func(ctx echo.Context, err error) error {
			return ctx.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Rate limit exceeded, please try again later",
			})
		},
		DenyHandler: func(ctx echo.Context, identifier string, err error) error {
			return ctx.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Rate limit exceeded, please try again later",
			})
		},
	}
	e.Use(middleware.RateLimiterWithConfig(rateLimiterConfig))

	e.GET("/api/runs", func(c echo.Context) error {
		limit := 20
		if raw := c.QueryParam("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				return c.JSON(http.StatusBadRequest, map[string]string{
					"error": "limit must be a positive integer",
				})
			}
			limit = parsed
		}

		runs, err := database.GetRecentRuns(limit)
		if err != nil {
			log.WithError(err).Error("Failed to load recent runs")
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error": "failed to load runs",
			})
		}
		return c.JSON(http.StatusOK, runs)
	})

	e.GET("/api/runs/:id", func(c echo.Context) error {
		runID := c.Param("id")

		run, err := database.GetRun(runID)
		if errors.Is(err, sql.ErrNoRows) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error": fmt.Sprintf("No analysis run with id %s", runID),
			})
		}
		if err != nil {
			log.WithError(err).WithField("run_id", runID).Error("Failed to load run")
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error": "failed to load run",
			})
		}

		return c.JSON(http.StatusOK, run)
	})

	// health check endpoint; useful for k8s liveliness probes but not strictly required in this case
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})

	// start the server!
	go func() {
		serverAddr := fmt.Sprintf(":%d", port)
		log.WithField("port", port).Info("Starting API server")
		if err := e.Start(serverAddr); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("API server failed")
		}
	}()

	// wait for context cancellation to shut down server
	<-ctx.Done()
	log.Info("Shutting down API server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("API server shutdown failed")
	}
}

// waitForShutdown waits for a shutdown signal
func waitForShutdown(cancel context.CancelFunc, log *logrus.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("Shutdown signal received")

	cancel()

	time.Sleep(1 * time.Second)
	log.Info("Flairscope stopped")
}
