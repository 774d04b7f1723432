package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/NudgePipe/internal/ack"
	"github.com/BTreeMap/NudgePipe/internal/api"
	"github.com/BTreeMap/NudgePipe/internal/clinical"
	"github.com/BTreeMap/NudgePipe/internal/escalation"
	"github.com/BTreeMap/NudgePipe/internal/lock"
	"github.com/BTreeMap/NudgePipe/internal/metrics"
	"github.com/BTreeMap/NudgePipe/internal/push"
	"github.com/BTreeMap/NudgePipe/internal/scheduler"
	"github.com/BTreeMap/NudgePipe/internal/store"
	"github.com/BTreeMap/NudgePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/NudgePipe/internal/util"
	"github.com/BTreeMap/NudgePipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for NudgePipe state data
	DefaultStateDir = "/var/lib/nudgepipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "nudgepipe.db"
	// DefaultEscalationHour is the UTC hour of the daily escalation sweep
	DefaultEscalationHour = 18
	shutdownTimeout       = 15 * time.Second
)

func main() {
	config := loadEnvironmentConfig()
	config, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Invalid command line", "error", err)
		os.Exit(2)
	}
	initializeLogger(config.LogLevel)

	if config.GenerateVAPIDKeys {
		if err := writeVAPIDKeys(os.Stdout); err != nil {
			slog.Error("Failed to generate VAPID keys", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config); err != nil {
		slog.Error("NudgePipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("NudgePipe exited successfully")
}

// Config holds the resolved process configuration.
type Config struct {
	StateDir        string
	DatabaseURL     string
	APIAddr         string
	AppOrigin       string
	LogLevel        string
	CronSecret      string
	RunScheduler    bool
	RoutineSchedule string
	EscalationHour  int
	SweepWorkers    int
	JobPoll         time.Duration

	// GenerateVAPIDKeys prints a fresh key pair and exits.
	GenerateVAPIDKeys bool

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string

	WhatsAppURL       string
	WhatsAppToken     string
	WhatsAppLanguage  string
	WhatsAppTemplates whatsapp.Templates

	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioFromNumber  string
	TwilioContentSIDs string

	AckSecret string
	AckTTL    time.Duration

	RedisURL            string
	ClinicalAPIURL      string
	ClinicalAPIToken    string
	ClinicianWebhookURL string
}

// initializeLogger installs a text slog handler on stdout at the given level.
func initializeLogger(level string) {
	lvl := parseLogLevel(level)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		StateDir:        os.Getenv("NUDGEPIPE_STATE_DIR"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		APIAddr:         os.Getenv("API_ADDR"),
		AppOrigin:       os.Getenv("APP_ORIGIN"),
		LogLevel:        os.Getenv("LOG_LEVEL"),
		CronSecret:      os.Getenv("CRON_SECRET"),
		RunScheduler:    util.BoolEnv("RUN_SCHEDULER", true),
		RoutineSchedule: os.Getenv("ROUTINE_PUSH_SCHEDULE"),
		EscalationHour:  util.IntEnv("ESCALATION_HOUR", DefaultEscalationHour),
		SweepWorkers:    util.IntEnv("SWEEP_WORKERS", 8),
		JobPoll:         util.DurationEnv("JOB_POLL_INTERVAL", 30*time.Second),

		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubject:    os.Getenv("VAPID_SUBJECT"),

		WhatsAppURL:      os.Getenv("WHATSAPP_API_URL"),
		WhatsAppToken:    os.Getenv("WHATSAPP_TOKEN"),
		WhatsAppLanguage: os.Getenv("WHATSAPP_LANGUAGE"),
		WhatsAppTemplates: whatsapp.Templates{
			whatsapp.TemplateOTP:        os.Getenv("WHATSAPP_TEMPLATE_OTP"),
			whatsapp.TemplateWelcome:    os.Getenv("WHATSAPP_TEMPLATE_WELCOME"),
			whatsapp.TemplateEngagement: os.Getenv("WHATSAPP_TEMPLATE_ENGAGEMENT"),
			whatsapp.TemplateCaseUpdate: os.Getenv("WHATSAPP_TEMPLATE_CASE_UPDATE"),
		},

		TwilioAccountSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:  os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioContentSIDs: os.Getenv("TWILIO_CONTENT_SIDS"),

		AckSecret: os.Getenv("ACK_TOKEN_SECRET"),
		AckTTL:    util.DurationEnv("ACK_TOKEN_TTL", ack.DefaultTTL),

		RedisURL:            os.Getenv("REDIS_URL"),
		ClinicalAPIURL:      os.Getenv("CLINICAL_API_URL"),
		ClinicalAPIToken:    os.Getenv("CLINICAL_API_TOKEN"),
		ClinicianWebhookURL: os.Getenv("CLINICIAN_WEBHOOK_URL"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No NUDGEPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}
	if config.RoutineSchedule == "" {
		config.RoutineSchedule = scheduler.DefaultRoutineSchedule
	}
	return config
}

// parseCommandLineFlags lets flags override the environment.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Config, error) {
	stateDir := fs.String("state-dir", config.StateDir, "state directory for NudgePipe data (overrides $NUDGEPIPE_STATE_DIR)")
	dbDSN := fs.String("db-dsn", config.DatabaseURL, "database DSN; Postgres URL, SQLite path or :memory: (overrides $DATABASE_URL)")
	apiAddr := fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	appOrigin := fs.String("app-origin", config.AppOrigin, "origin for reminder deep links (overrides $APP_ORIGIN)")
	logLevel := fs.String("log-level", config.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)")
	escalationHour := fs.Int("escalation-hour", config.EscalationHour, "UTC hour of the daily escalation sweep (overrides $ESCALATION_HOUR)")
	routine := fs.String("routine-schedule", config.RoutineSchedule, "cron spec of the routine push trigger (overrides $ROUTINE_PUSH_SCHEDULE)")
	runScheduler := fs.Bool("run-scheduler", config.RunScheduler, "run the in-process cron; disable when an external cron calls the trigger endpoints")
	genVAPID := fs.Bool("generate-vapid-keys", false, "print a new VAPID key pair as environment lines and exit")
	if err := fs.Parse(args); err != nil {
		return config, err
	}

	config.StateDir = *stateDir
	config.DatabaseURL = *dbDSN
	config.APIAddr = *apiAddr
	config.AppOrigin = *appOrigin
	config.LogLevel = *logLevel
	config.EscalationHour = *escalationHour
	config.RoutineSchedule = *routine
	config.RunScheduler = *runScheduler
	config.GenerateVAPIDKeys = *genVAPID

	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
	}
	if config.EscalationHour < 0 || config.EscalationHour > 23 {
		return config, fmt.Errorf("escalation hour %d out of range 0-23", config.EscalationHour)
	}
	return config, nil
}

// writeVAPIDKeys prints a fresh push key pair in .env form.
func writeVAPIDKeys(w io.Writer) error {
	public, private, err := push.GenerateVAPIDKeys()
	if err != nil {
		return fmt.Errorf("generate VAPID keys: %w", err)
	}
	_, err = fmt.Fprintf(w, "VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\n", public, private)
	return err
}

// buildPushOptions constructs push channel options
func buildPushOptions(config Config) []push.Option {
	var opts []push.Option
	if config.VAPIDPublicKey != "" && config.VAPIDPrivateKey != "" {
		opts = append(opts, push.WithVAPIDKeys(config.VAPIDPublicKey, config.VAPIDPrivateKey))
	}
	if config.VAPIDSubject != "" {
		opts = append(opts, push.WithSubject(config.VAPIDSubject))
	}
	return opts
}

// buildWhatsAppSender picks the WhatsApp transport: the Cloud API when its
// endpoint is configured, otherwise Twilio, otherwise none.
func buildWhatsAppSender(config Config) (whatsapp.Sender, whatsapp.Templates, error) {
	switch {
	case config.WhatsAppURL != "" || config.WhatsAppToken != "":
		opts := []whatsapp.CloudOption{whatsapp.WithBaseURL(config.WhatsAppURL), whatsapp.WithToken(config.WhatsAppToken)}
		if config.WhatsAppLanguage != "" {
			opts = append(opts, whatsapp.WithLanguage(config.WhatsAppLanguage))
		}
		client, err := whatsapp.NewCloudClient(opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("whatsapp cloud client: %w", err)
		}
		return client, config.WhatsAppTemplates, nil
	case config.TwilioAccountSID != "":
		templates, err := twiliowhatsapp.ParseContentSIDs(config.TwilioContentSIDs)
		if err != nil {
			return nil, nil, fmt.Errorf("TWILIO_CONTENT_SIDS: %w", err)
		}
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(config.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(config.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(config.TwilioFromNumber),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("twilio client: %w", err)
		}
		return client, templates, nil
	}
	return nil, nil, nil
}

// buildGuard returns the sweep guard: process-local, plus Redis when configured.
func buildGuard(ctx context.Context, config Config) (lock.Chain, func(), error) {
	chain := lock.Chain{lock.NewProcessGuard()}
	if config.RedisURL == "" {
		return chain, func() {}, nil
	}
	rg, err := lock.DialRedisGuard(ctx, config.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("redis guard: %w", err)
	}
	closeFn := func() {
		if err := rg.Close(); err != nil {
			slog.Warn("buildGuard: redis close failed", "error", err)
		}
	}
	return append(chain, rg), closeFn, nil
}

func run(ctx context.Context, config Config) error {
	slog.Info("Bootstrapping NudgePipe", "state_dir", config.StateDir, "dsn_type", store.DetectDSNType(config.DatabaseURL), "api_addr", config.APIAddr)

	if err := os.MkdirAll(config.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	instance, err := lock.AcquireInstance(config.StateDir, config.APIAddr)
	if err != nil {
		return err
	}
	defer instance.Release()

	st, err := store.Open(config.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()
	locks := lock.NewKeyedMutex()

	pushCh := push.NewChannel(st, buildPushOptions(config)...)
	sender, templates, err := buildWhatsAppSender(config)
	if err != nil {
		return err
	}
	waCh := whatsapp.NewChannel(st, sender, templates)

	issuer, err := ack.NewIssuer([]byte(config.AckSecret), config.AckTTL)
	if err != nil {
		return err
	}
	if config.AckSecret == "" {
		slog.Warn("ACK_TOKEN_SECRET not set, acknowledgment links will not survive a restart")
	}

	engineOpts := []escalation.Option{
		escalation.WithPush(pushCh),
		escalation.WithWhatsApp(waCh),
		escalation.WithLocks(locks),
		escalation.WithMetrics(m),
		escalation.WithAppOrigin(config.AppOrigin),
		escalation.WithWorkers(config.SweepWorkers),
	}
	if config.ClinicalAPIURL != "" {
		oracle, err := clinical.NewClient(clinical.WithBaseURL(config.ClinicalAPIURL), clinical.WithToken(config.ClinicalAPIToken))
		if err != nil {
			return err
		}
		engineOpts = append(engineOpts, escalation.WithOracle(oracle))
		slog.Info("Compliance read from the clinical API")
	}
	engine, err := escalation.NewEngine(st, issuer, engineOpts...)
	if err != nil {
		return err
	}

	guard, closeGuard, err := buildGuard(ctx, config)
	if err != nil {
		return err
	}
	defer closeGuard()
	triggers := scheduler.NewTriggers(engine.SendRoutinePushes, engine.Sweep,
		scheduler.WithSecret(config.CronSecret),
		scheduler.WithGuard(guard),
		scheduler.WithMetrics(m),
	)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if config.RunScheduler {
		if err := triggers.Register(ctx, sched, config.RoutineSchedule, config.EscalationHour); err != nil {
			return err
		}
	}

	runner := store.NewJobRunner(st, config.JobPoll)
	runner.RegisterHandler(escalation.JobKindClinicianFollowup, escalation.NewFollowupNotifier(config.ClinicianWebhookURL, 0).Handle)
	if err := runner.RecoverStaleJobs(ctx); err != nil {
		slog.Warn("Job recovery failed", "error", err)
	}
	go runner.Run(ctx)

	srv := api.NewServer(st,
		api.WithAddr(config.APIAddr),
		api.WithTriggers(triggers),
		api.WithAckHandler(ack.NewHandler(issuer, st, locks, config.AppOrigin)),
		api.WithMetrics(m),
		api.WithChannel("push", pushCh),
		api.WithChannel("whatsapp", waCh),
	)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
