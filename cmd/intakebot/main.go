package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/matdac12/whatsapp-test01/internal/api"
	"github.com/matdac12/whatsapp-test01/internal/bot"
	"github.com/matdac12/whatsapp-test01/internal/genai"
	"github.com/matdac12/whatsapp-test01/internal/lockfile"
	"github.com/matdac12/whatsapp-test01/internal/messaging"
	"github.com/matdac12/whatsapp-test01/internal/notify"
	"github.com/matdac12/whatsapp-test01/internal/scheduler"
	"github.com/matdac12/whatsapp-test01/internal/store"
	"github.com/matdac12/whatsapp-test01/internal/twiliowhatsapp"
	"github.com/matdac12/whatsapp-test01/internal/util"
	"github.com/matdac12/whatsapp-test01/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for intake bot state data
	DefaultStateDir = "/var/lib/intakebot"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "intakebot.db"
	// DefaultCleanupSchedule runs the processed-message GC nightly
	DefaultCleanupSchedule = "0 3 * * *"
	// ProcessedMessageRetention is how long dedup records are kept
	ProcessedMessageRetention = 7 * 24 * time.Hour
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

	slog.Info("Bootstrapping intake bot with configured modules")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr, "webhook_set", *flags.webhookURL != "", "twilio", *flags.useTwilio)
	if err := run(flags); err != nil {
		slog.Error("Intake bot failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Intake bot exited successfully")
}

// Config holds environment configuration
type Config struct {
	WhatsAppDSN     string
	DatabaseURL     string
	StateDir        string
	OpenAIKey       string
	ReplyModel      string
	ExtractionModel string
	APIAddr         string
	WebhookURL      string
	CleanupCron     string
	UseTwilio       bool
	TwilioSID       string
	TwilioToken     string
	TwilioFrom      string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput    *string
	numeric     *bool
	stateDir    *string
	dbDSN       *string
	openaiKey   *string
	apiAddr     *string
	webhookURL  *string
	cleanupCron *string
	useTwilio   *bool

	config Config
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
		WhatsAppDSN:     os.Getenv("WHATSAPP_DB_DSN"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		StateDir:        os.Getenv("INTAKEBOT_STATE_DIR"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		ReplyModel:      os.Getenv("OPENAI_REPLY_MODEL"),
		ExtractionModel: os.Getenv("OPENAI_EXTRACTION_MODEL"),
		APIAddr:         os.Getenv("API_ADDR"),
		WebhookURL:      os.Getenv("COMPLETION_WEBHOOK_URL"),
		CleanupCron:     util.GetEnvWithDefault("CLEANUP_SCHEDULE", DefaultCleanupSchedule),
		UseTwilio:       util.ParseBoolEnv("USE_TWILIO", false),
		TwilioSID:       os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:     os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:      os.Getenv("TWILIO_WHATSAPP_FROM"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No INTAKEBOT_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("INTAKEBOT_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// Default to DATABASE_URL if the specific DSN is not set
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = config.DatabaseURL
		if config.DatabaseURL != "" {
			slog.Debug("Using DATABASE_URL as WHATSAPP_DB_DSN", "dsn_set", true)
		}
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.WhatsAppDSN)
	}

	slog.Debug("environment variables loaded",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"INTAKEBOT_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"COMPLETION_WEBHOOK_URL_SET", config.WebhookURL != "",
		"CLEANUP_SCHEDULE", config.CleanupCron,
		"USE_TWILIO", config.UseTwilio)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:    flag.String("qr-output", "", "path to write login QR code"),
		numeric:     flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for intake bot data (overrides $INTAKEBOT_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.WhatsAppDSN, "database DSN for WhatsApp and bot store (overrides $WHATSAPP_DB_DSN or $DATABASE_URL)"),
		openaiKey:   flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		webhookURL:  flag.String("webhook-url", config.WebhookURL, "completion webhook URL (overrides $COMPLETION_WEBHOOK_URL)"),
		cleanupCron: flag.String("cleanup-cron", config.CleanupCron, "cron schedule for the processed-message GC (overrides $CLEANUP_SCHEDULE)"),
		useTwilio:   flag.Bool("twilio", config.UseTwilio, "send messages through Twilio instead of a linked WhatsApp device (overrides $USE_TWILIO)"),
		config:      config,
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"webhookURL_set", *flags.webhookURL != "",
		"cleanupCron", *flags.cleanupCron,
		"useTwilio", *flags.useTwilio)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.WhatsAppDSN && config.WhatsAppDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) != store.DSNTypePostgres {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.dbDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.dbDSN))
	}
	return waOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if flags.config.ReplyModel != "" {
		genaiOpts = append(genaiOpts, genai.WithReplyModel(flags.config.ReplyModel))
	}
	if flags.config.ExtractionModel != "" {
		genaiOpts = append(genaiOpts, genai.WithExtractionModel(flags.config.ExtractionModel))
	}
	return genaiOpts
}

// buildStore opens the bot store, picking the backend from the DSN shape.
func buildStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == store.DSNTypePostgres {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

// buildMessagingService selects the message transport. The default is a
// linked WhatsApp device via whatsmeow; Twilio is opt-in for deployments
// that route through the Twilio WhatsApp Business API.
func buildMessagingService(flags Flags) (messaging.Service, error) {
	if *flags.useTwilio {
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(flags.config.TwilioSID),
			twiliowhatsapp.WithAuthToken(flags.config.TwilioToken),
			twiliowhatsapp.WithFromWhats(flags.config.TwilioFrom),
		)
		if err != nil {
			return nil, err
		}
		return messaging.NewTwilioService(client), nil
	}
	client, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
	if err != nil {
		return nil, err
	}
	return messaging.NewWhatsAppService(client), nil
}

// run wires the modules together and blocks until shutdown.
func run(flags Flags) error {
	// Only one instance may own a state directory at a time.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	genaiClient, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return err
	}

	msgService, err := buildMessagingService(flags)
	if err != nil {
		return err
	}

	var botOpts []bot.Option
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.webhookURL != "" {
		notifier, err := notify.NewNotifier(st, genaiClient, notify.WithWebhookURL(*flags.webhookURL))
		if err != nil {
			return err
		}
		botOpts = append(botOpts, bot.WithNotifier(notifier))
	} else {
		slog.Warn("No completion webhook URL configured, completed profiles will not be announced")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := msgService.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := msgService.Stop(); err != nil {
			slog.Error("Failed to stop messaging service", "error", err)
		}
	}()

	b := bot.NewBot(st, msgService, genaiClient, botOpts...)
	b.Start(ctx)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(*flags.cleanupCron, func() {
		removed, err := st.CleanupProcessedMessages(time.Now().Add(-ProcessedMessageRetention))
		if err != nil {
			slog.Error("Processed-message cleanup failed", "error", err)
			return
		}
		slog.Info("Processed-message cleanup completed", "removed", removed)
	}); err != nil {
		return err
	}

	srv := api.NewServer(st, msgService, b, apiOpts...)
	return srv.Run(ctx)
}
