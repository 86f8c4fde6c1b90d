package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"sendpipe/internal/api"
	"sendpipe/internal/cache"
	"sendpipe/internal/compose"
	"sendpipe/internal/delivery"
	"sendpipe/internal/lockfile"
	"sendpipe/internal/maintenance"
	"sendpipe/internal/scheduler"
	"sendpipe/internal/session"
	"sendpipe/internal/store"
	"sendpipe/internal/twilio"
	"sendpipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for SendPipe state data
	DefaultStateDir = "/var/lib/sendpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "sendpipe.db"
	// DefaultShutdownTimeout bounds the graceful HTTP server shutdown
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultRetentionDays is how long terminal messages are kept
	DefaultRetentionDays = 30
)

// Transport names accepted by SENDPIPE_TRANSPORT and -transport.
const (
	TransportWhatsApp = "whatsapp"
	TransportTwilio   = "twilio"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	if err := run(flags); err != nil {
		slog.Error("SendPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("SendPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL       string
	StateDir          string
	OpenAIKey         string
	OpenAIModel       string
	APIAddr           string
	RedisAddr         string
	Transport         string
	NumericCode       bool
	PollInterval      time.Duration
	MaxInFlight       int
	DeliveryTimeout   time.Duration
	RateLimitPerMin   int
	LinkTimeout       time.Duration
	RetentionDays     int
	RetentionSchedule string
}

// Flags holds command line flag values
type Flags struct {
	numeric           *bool
	stateDir          *string
	dbDSN             *string
	openaiKey         *string
	openaiModel       *string
	apiAddr           *string
	redisAddr         *string
	transport         *string
	pollInterval      *time.Duration
	maxInFlight       *int
	deliveryTimeout   *time.Duration
	rateLimitPerMin   *int
	linkTimeout       *time.Duration
	retentionDays     *int
	retentionSchedule *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		StateDir:          os.Getenv("SENDPIPE_STATE_DIR"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:       os.Getenv("OPENAI_MODEL"),
		APIAddr:           os.Getenv("API_ADDR"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		Transport:         util.ParseStringEnv("SENDPIPE_TRANSPORT", TransportWhatsApp),
		NumericCode:       util.ParseBoolEnv("SENDPIPE_NUMERIC_CODE", false),
		PollInterval:      util.ParseDurationEnv("SENDPIPE_POLL_INTERVAL", scheduler.DefaultPollInterval),
		MaxInFlight:       util.ParseIntEnv("SENDPIPE_MAX_INFLIGHT", scheduler.DefaultMaxInFlight),
		DeliveryTimeout:   util.ParseDurationEnv("SENDPIPE_DELIVERY_TIMEOUT", scheduler.DefaultDeliveryTimeout),
		RateLimitPerMin:   util.ParseIntEnv("SENDPIPE_RATE_LIMIT_PER_MIN", 0),
		LinkTimeout:       util.ParseDurationEnv("SENDPIPE_LINK_TIMEOUT", session.DefaultLinkTimeout),
		RetentionDays:     util.ParseIntEnv("SENDPIPE_RETENTION_DAYS", DefaultRetentionDays),
		RetentionSchedule: util.ParseStringEnv("SENDPIPE_RETENTION_SCHEDULE", maintenance.DefaultRetentionSchedule),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No SENDPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("SENDPIPE_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"SENDPIPE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"REDIS_ADDR_SET", config.RedisAddr != "",
		"SENDPIPE_TRANSPORT", config.Transport,
		"SENDPIPE_POLL_INTERVAL", config.PollInterval,
		"SENDPIPE_MAX_INFLIGHT", config.MaxInFlight)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		numeric:           flag.Bool("numeric-code", config.NumericCode, "use numeric login codes instead of QR codes for linking (overrides $SENDPIPE_NUMERIC_CODE)"),
		stateDir:          flag.String("state-dir", config.StateDir, "state directory for SendPipe data (overrides $SENDPIPE_STATE_DIR)"),
		dbDSN:             flag.String("db-dsn", config.DatabaseURL, "database DSN for the message store (overrides $DATABASE_URL)"),
		openaiKey:         flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key for content composition (overrides $OPENAI_API_KEY)"),
		openaiModel:       flag.String("openai-model", config.OpenAIModel, "chat model for content composition (overrides $OPENAI_MODEL)"),
		apiAddr:           flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		redisAddr:         flag.String("redis-addr", config.RedisAddr, "Redis address for the outcome cache (overrides $REDIS_ADDR)"),
		transport:         flag.String("transport", config.Transport, "delivery transport, whatsapp or twilio (overrides $SENDPIPE_TRANSPORT)"),
		pollInterval:      flag.Duration("poll-interval", config.PollInterval, "scheduler poll interval (overrides $SENDPIPE_POLL_INTERVAL)"),
		maxInFlight:       flag.Int("max-in-flight", config.MaxInFlight, "maximum concurrent deliveries (overrides $SENDPIPE_MAX_INFLIGHT)"),
		deliveryTimeout:   flag.Duration("delivery-timeout", config.DeliveryTimeout, "per-delivery timeout, 0 disables (overrides $SENDPIPE_DELIVERY_TIMEOUT)"),
		rateLimitPerMin:   flag.Int("rate-limit-per-min", config.RateLimitPerMin, "outbound sends per minute, 0 disables (overrides $SENDPIPE_RATE_LIMIT_PER_MIN)"),
		linkTimeout:       flag.Duration("link-timeout", config.LinkTimeout, "device linking timeout (overrides $SENDPIPE_LINK_TIMEOUT)"),
		retentionDays:     flag.Int("retention-days", config.RetentionDays, "days to keep delivered messages (overrides $SENDPIPE_RETENTION_DAYS)"),
		retentionSchedule: flag.String("retention-schedule", config.RetentionSchedule, "cron expression for the retention sweep (overrides $SENDPIPE_RETENTION_SCHEDULE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"redisAddr_set", *flags.redisAddr != "",
		"transport", *flags.transport,
		"pollInterval", *flags.pollInterval,
		"maxInFlight", *flags.maxInFlight,
		"deliveryTimeout", *flags.deliveryTimeout,
		"rateLimitPerMin", *flags.rateLimitPerMin)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	// Ensure state directory exists if we're using a file-based DSN
	if !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "host=") {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	return nil
}

// run wires the modules together and blocks until shutdown.
func run(flags Flags) error {
	// A second instance on the same state directory would double-deliver.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	repo, err := store.NewStore(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to open message store: %w", err)
	}
	defer repo.Close()

	var outcomes cache.MessageCache
	if *flags.redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *flags.redisAddr})
		defer rdb.Close()
		outcomes = cache.NewRedisCache(rdb, cache.DefaultTTL)
		slog.Info("Redis outcome cache enabled", "addr", *flags.redisAddr)
	}

	sessions, err := session.NewManager(buildSessionOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}
	defer sessions.Close()

	worker, err := buildWorker(flags, sessions)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(repo, worker, buildSchedulerOptions(flags, outcomes)...)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	defer sched.Stop()

	runner := maintenance.NewRunner()
	defer runner.Stop()
	retention := time.Duration(*flags.retentionDays) * 24 * time.Hour
	if err := runner.AddJob(*flags.retentionSchedule, maintenance.RetentionJob(repo, retention)); err != nil {
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}

	apiOpts := buildAPIOptions(flags, outcomes)
	if *flags.openaiKey != "" {
		composer, err := compose.NewClient(buildComposeOptions(flags)...)
		if err != nil {
			return fmt.Errorf("failed to create compose client: %w", err)
		}
		apiOpts = append(apiOpts, api.WithComposer(composer))
		slog.Info("Content composition enabled")
	} else {
		slog.Debug("No OpenAI API key configured, content composition disabled")
	}

	srv, err := api.NewServer(repo, sched, sessions, apiOpts...)
	if err != nil {
		return fmt.Errorf("failed to create API server: %w", err)
	}

	sched.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	slog.Info("Bootstrapping SendPipe with configured modules")
	slog.Debug("Final configuration",
		"state_dir", *flags.stateDir,
		"dsn_set", *flags.dbDSN != "",
		"api_addr", *flags.apiAddr,
		"transport", *flags.transport,
		"poll_interval", *flags.pollInterval,
		"max_in_flight", *flags.maxInFlight,
		"redis_enabled", *flags.redisAddr != "")

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("API server shutdown failed", "error", err)
	}

	// Deferred cleanup runs in reverse order: the scheduler drains its
	// dispatches, the retention runner stops, sessions disconnect, the store
	// closes, and the lock is released last.
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		// Check if it's a PostgreSQL DSN using the shared detection function
		if store.DetectDSNType(*flags.dbDSN) == store.DSNTypePostgres {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			// Assume SQLite for file paths
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildSessionOptions constructs session manager configuration options
func buildSessionOptions(flags Flags) []session.Option {
	sessionOpts := []session.Option{
		session.WithBaseDir(filepath.Join(*flags.stateDir, "sessions")),
	}
	if *flags.linkTimeout > 0 {
		sessionOpts = append(sessionOpts, session.WithLinkTimeout(*flags.linkTimeout))
	}
	if *flags.numeric {
		sessionOpts = append(sessionOpts, session.WithNumericCode())
	}
	return sessionOpts
}

// buildSchedulerOptions constructs scheduler configuration options
func buildSchedulerOptions(flags Flags, outcomes cache.MessageCache) []scheduler.Option {
	schedOpts := []scheduler.Option{
		scheduler.WithPollInterval(*flags.pollInterval),
		scheduler.WithMaxInFlight(*flags.maxInFlight),
		scheduler.WithDeliveryTimeout(*flags.deliveryTimeout),
	}
	if outcomes != nil {
		schedOpts = append(schedOpts, scheduler.WithOutcomeCache(outcomes))
	}
	return schedOpts
}

// buildComposeOptions constructs compose client configuration options
func buildComposeOptions(flags Flags) []compose.Option {
	var composeOpts []compose.Option
	if *flags.openaiKey != "" {
		composeOpts = append(composeOpts, compose.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		composeOpts = append(composeOpts, compose.WithModel(*flags.openaiModel))
	}
	return composeOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, outcomes cache.MessageCache) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if outcomes != nil {
		apiOpts = append(apiOpts, api.WithStatusCache(outcomes))
	}
	return apiOpts
}

// buildWorker constructs the delivery worker for the configured transport.
func buildWorker(flags Flags, sessions *session.Manager) (delivery.Worker, error) {
	var deliveryOpts []delivery.Option
	if *flags.rateLimitPerMin > 0 {
		interval := time.Minute / time.Duration(*flags.rateLimitPerMin)
		deliveryOpts = append(deliveryOpts, delivery.WithRateLimiter(rate.NewLimiter(rate.Every(interval), 1)))
		slog.Debug("Delivery rate limit configured", "per_minute", *flags.rateLimitPerMin)
	}

	switch strings.ToLower(*flags.transport) {
	case TransportWhatsApp:
		return delivery.NewSessionWorker(sessions, deliveryOpts...), nil
	case TransportTwilio:
		sender, err := twilio.NewClient()
		if err != nil {
			return nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		return delivery.NewTwilioWorker(sender, deliveryOpts...), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", *flags.transport)
	}
}
