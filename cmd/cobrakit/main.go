package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hmoraldo/cobrakit/internal/api"
	"github.com/hmoraldo/cobrakit/internal/backend"
	"github.com/hmoraldo/cobrakit/internal/control"
	"github.com/hmoraldo/cobrakit/internal/dedupe"
	"github.com/hmoraldo/cobrakit/internal/lockfile"
	"github.com/hmoraldo/cobrakit/internal/models"
	"github.com/hmoraldo/cobrakit/internal/poller"
	"github.com/hmoraldo/cobrakit/internal/receipts"
	"github.com/hmoraldo/cobrakit/internal/scheduler"
	"github.com/hmoraldo/cobrakit/internal/session"
	"github.com/hmoraldo/cobrakit/internal/store"
	"github.com/hmoraldo/cobrakit/internal/util"
	"github.com/hmoraldo/cobrakit/internal/watchdog"
	"github.com/hmoraldo/cobrakit/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for cobrakit state data
	DefaultStateDir = "/var/lib/cobrakit"
	// DefaultDBFileName is the default SQLite database filename for the local store
	DefaultDBFileName = "cobrakit.db"
	// DefaultSessionDBFileName is the default SQLite database filename for the WhatsApp session
	DefaultSessionDBFileName = "whatsapp.db"
	// DefaultReceiptsDirName is the subdirectory of the state dir holding receipt files
	DefaultReceiptsDirName = "receipts"
	// DefaultMenuCacheFileName is the on-disk cache of the remote menu document
	DefaultMenuCacheFileName = "menu.yaml"
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

	// One instance per state directory; the lock also guards the SQLite files.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Error("Failed to release state directory lock", "error", err)
		}
	}()

	slog.Info("Bootstrapping cobrakit with configured modules")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr, "backend_url", *flags.backendURL)
	if err := run(flags); err != nil {
		slog.Error("cobrakit failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("cobrakit exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir       string
	DatabaseURL    string
	SessionDSN     string
	SessionDriver  string
	BackendURL     string
	BackendToken   string
	APIAddr        string
	APIToken       string
	MenuURL        string
	OperatorPhones string
	NumericCode    bool
}

// Flags holds command line flag values
type Flags struct {
	qrOutput       *string
	numeric        *bool
	stateDir       *string
	dbDSN          *string
	sessionDSN     *string
	sessionDriver  *string
	backendURL     *string
	backendToken   *string
	apiAddr        *string
	apiToken       *string
	menuURL        *string
	operatorPhones *string
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
		StateDir:       os.Getenv("COBRAKIT_STATE_DIR"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		SessionDSN:     os.Getenv("WHATSAPP_DB_DSN"),
		SessionDriver:  os.Getenv("WHATSAPP_DB_DRIVER"),
		BackendURL:     os.Getenv("BACKEND_URL"),
		BackendToken:   os.Getenv("BACKEND_TOKEN"),
		APIAddr:        os.Getenv("API_ADDR"),
		APIToken:       os.Getenv("API_TOKEN"),
		MenuURL:        os.Getenv("MENU_URL"),
		OperatorPhones: os.Getenv("OPERATOR_PHONES"),
		NumericCode:    util.ParseBoolEnv("NUMERIC_CODE", false),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No COBRAKIT_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("COBRAKIT_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"COBRAKIT_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.SessionDSN != "",
		"BACKEND_URL", config.BackendURL,
		"BACKEND_TOKEN_SET", config.BackendToken != "",
		"API_ADDR", config.APIAddr,
		"API_TOKEN_SET", config.APIToken != "",
		"MENU_URL", config.MenuURL,
		"OPERATOR_PHONES_SET", config.OperatorPhones != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:       flag.String("qr-output", "", "path to write login QR code"),
		numeric:        flag.Bool("numeric-code", config.NumericCode, "use numeric login code instead of QR code (overrides $NUMERIC_CODE)"),
		stateDir:       flag.String("state-dir", config.StateDir, "state directory for cobrakit data (overrides $COBRAKIT_STATE_DIR)"),
		dbDSN:          flag.String("db-dsn", config.DatabaseURL, "database DSN for the local store (overrides $DATABASE_URL)"),
		sessionDSN:     flag.String("session-db-dsn", config.SessionDSN, "database DSN for the WhatsApp session (overrides $WHATSAPP_DB_DSN)"),
		sessionDriver:  flag.String("session-db-driver", config.SessionDriver, "database driver for the WhatsApp session (overrides $WHATSAPP_DB_DRIVER)"),
		backendURL:     flag.String("backend-url", config.BackendURL, "billing backend base URL (overrides $BACKEND_URL)"),
		backendToken:   flag.String("backend-token", config.BackendToken, "billing backend bearer token (overrides $BACKEND_TOKEN)"),
		apiAddr:        flag.String("api-addr", config.APIAddr, "reconciliation callback server address (overrides $API_ADDR)"),
		apiToken:       flag.String("api-token", config.APIToken, "reconciliation callback bearer token (overrides $API_TOKEN)"),
		menuURL:        flag.String("menu-url", config.MenuURL, "remote menu document URL (overrides $MENU_URL)"),
		operatorPhones: flag.String("operators", config.OperatorPhones, "comma-separated operator phone numbers (overrides $OPERATOR_PHONES)"),
	}

	flag.Parse()

	// Default the local store to SQLite in the state directory.
	if *flags.dbDSN == "" {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", *flags.dbDSN)
	}

	// The WhatsApp session shares the Postgres server when one is configured,
	// and otherwise gets its own SQLite file next to the store.
	if *flags.sessionDSN == "" {
		if store.IsPostgresDSN(*flags.dbDSN) {
			*flags.sessionDSN = *flags.dbDSN
		} else {
			*flags.sessionDSN = "file:" + filepath.Join(*flags.stateDir, DefaultSessionDBFileName) + "?_foreign_keys=on"
		}
		slog.Debug("No session DSN provided, derived from store DSN", "session_dsn_set", true)
	}

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"sessionDSN_set", *flags.sessionDSN != "",
		"backendURL", *flags.backendURL,
		"apiAddr", *flags.apiAddr,
		"menuURL", *flags.menuURL)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", *flags.stateDir)
		return err
	}
	if !store.IsPostgresDSN(*flags.dbDSN) {
		dbDir := filepath.Dir(*flags.dbDSN)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			slog.Error("Failed to create database directory", "error", err, "db_dir", dbDir)
			return err
		}
	}
	return nil
}

// run wires every module together and blocks until a termination signal.
func run(flags Flags) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	backendClient := backend.NewClient(
		backend.WithBaseURL(*flags.backendURL),
		backend.WithToken(*flags.backendToken),
	)

	wa, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
	if err != nil {
		return err
	}

	cache := dedupe.New(0, 0)
	defer cache.Close()

	sessStore := session.NewStore(0, 0, func(chatID string) {
		slog.Debug("Session expired after inactivity", "chat_id", chatID)
	})
	defer sessStore.Stop()

	menu := session.NewMenuSource(*flags.menuURL, filepath.Join(*flags.stateDir, DefaultMenuCacheFileName), 0)

	receiptsSvc, err := receipts.NewService(filepath.Join(*flags.stateDir, DefaultReceiptsDirName), st, backendClient, wa)
	if err != nil {
		return err
	}

	// The poller and watchdog reference each other: the poller asks the
	// watchdog for restarts, the watchdog starts and stops the poller.
	var wd *watchdog.Watchdog
	var orch *session.Orchestrator
	pol := poller.New(wa, cache,
		func(msg models.InboundMessage) { orch.Handle(ctx, msg) },
		func(reason string) { wd.SafeRestart(reason) },
	)
	wd = watchdog.New(wa, pol, watchdog.WithAutoRestartOnStuck())
	defer wd.Stop()

	sched := scheduler.New(backendClient, wa, wd.IsReady)

	var sessionOpts []session.Option
	if *flags.operatorPhones != "" {
		sessionOpts = append(sessionOpts, session.WithOperators(splitPhones(*flags.operatorPhones)))
	}
	sessionOpts = append(sessionOpts,
		session.WithStateFn(wa.QueryState),
		session.WithRunSchedulerNow(sched.RunCycle),
	)
	orch = session.NewOrchestrator(backendClient, wa, receiptsSvc, sessStore, menu, sessionOpts...)

	wa.OnEvent(func(evt whatsapp.Event) {
		switch evt.Kind {
		case whatsapp.EventScanRequired, whatsapp.EventLoggedOut:
			wd.OnScanRequired()
		case whatsapp.EventAuthenticated:
			wd.OnAuthenticated()
		case whatsapp.EventReady:
			wd.OnReady()
		case whatsapp.EventDisconnected:
			wd.OnDisconnected()
		case whatsapp.EventMessage:
			if evt.Message == nil || cache.Seen(evt.Message.ID) {
				return
			}
			orch.Handle(ctx, *evt.Message)
		}
	})

	ctrl := control.NewRunner(st, wa,
		control.WithStateFn(wa.QueryState),
		control.WithRunSchedulerNow(sched.RunCycle),
		control.WithSessionCount(sessStore.Len),
	)
	if err := ctrl.RecoverStaleJobs(); err != nil {
		slog.Warn("Failed to recover stale admin jobs", "error", err)
	}
	go ctrl.Run(ctx)

	apiOpts := []api.Option{api.WithStateFn(wa.QueryState)}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.apiToken != "" {
		apiOpts = append(apiOpts, api.WithToken(*flags.apiToken))
	}
	apiSrv := api.NewServer(st, wa, apiOpts...)
	apiSrv.Start()

	if err := wa.Connect(ctx); err != nil {
		return err
	}
	defer wa.Disconnect()

	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	// Block until a termination signal arrives.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	slog.Info("Shutting down on signal", "signal", s.String())
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Callback server shutdown failed", "error", err)
	}
	pol.Stop()
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
	if *flags.sessionDriver != "" {
		waOpts = append(waOpts, whatsapp.WithDBDriver(*flags.sessionDriver))
	}
	if *flags.sessionDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.sessionDSN))
	}
	return waOpts
}

// splitPhones parses a comma-separated operator list, dropping empty entries.
func splitPhones(s string) []string {
	var phones []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			phones = append(phones, p)
		}
	}
	return phones
}
