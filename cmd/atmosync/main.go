package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"atmosync/config"
	"atmosync/internal/api"
	"atmosync/internal/auth"
	"atmosync/internal/clock"
	"atmosync/internal/logging"
	"atmosync/internal/mirror"
	"atmosync/internal/ratelimit"
	"atmosync/internal/scheduler"
	"atmosync/internal/server"
	"atmosync/internal/storage/sqlite"

	"golang.org/x/sync/errgroup"
)

const (
	defaultConfigPath = "config.json"
	shutdownTimeout   = 10 * time.Second
)

const usage = `usage: atmosync [-config path | -env] <command> [flags]

commands:
  authorize     obtain a token with the configured username and password
  register      mirror stations and modules from the remote snapshot
  unregister    remove a station with its modules and measurements
  update        fetch new measurements for every known module
  run           sync periodically until interrupted, optionally serving the HTTP API
  device        print a stored station with its modules
  measurements  print stored measurements of a module
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("atmosync", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	useEnv := fs.Bool("env", false, "Load configuration from environment variables")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	var cfg *config.Config
	var err error
	if *useEnv {
		cfg, err = config.LoadFromEnv()
	} else {
		cfg, err = config.Load(*configPath)
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	command, rest := fs.Arg(0), fs.Args()[1:]
	switch command {
	case "authorize":
		return a.authorize(ctx, rest)
	case "register":
		return a.register(ctx, rest)
	case "unregister":
		return a.unregister(ctx, rest)
	case "update":
		return a.update(ctx, rest)
	case "run":
		return a.runScheduler(ctx, rest)
	case "device":
		return a.device(ctx, rest)
	case "measurements":
		return a.measurements(ctx, rest)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// app holds the wired components shared by all commands
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	session *auth.Session
	store   *sqlite.SQLiteStorage
	syncer  mirror.Syncer
}

func newApp(cfg *config.Config) (*app, error) {
	redactor := logging.NewRedactor()
	if cfg.Server.APIKey != "" {
		redactor.Register(cfg.Server.APIKey, "api_key")
	}
	logger := logging.NewLogger(logging.LoggerConfig{
		Format:   cfg.Logging.Format,
		Level:    logging.ParseLevel(cfg.Logging.Level),
		Output:   os.Stderr,
		Redactor: redactor,
	})
	slog.SetDefault(logger)

	// Token endpoint and data endpoints share one pacing budget
	limiter := ratelimit.New(cfg.RateLimitInterval(), clock.RealClock{})
	httpClient := limiter.Client(cfg.HTTPTimeout())

	var tokens auth.TokenStore
	if cfg.Token.Path != "" {
		tokens = auth.NewFileStore(cfg.Token.Path)
	}

	session, err := auth.NewSession(auth.SessionConfig{
		ClientID:     cfg.Client.ClientID,
		ClientSecret: cfg.Client.ClientSecret,
		Scopes:       cfg.ScopeSet(),
		TokenURL:     cfg.Client.TokenURL,
	}, tokens, httpClient, redactor, logger, clock.RealClock{})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session: %w", err)
	}

	logger.Info("Initializing SQLite database", "path", cfg.Database.Path)
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	client := api.NewClient(api.Config{
		BaseURL:            cfg.Client.BaseURL,
		BreakerMaxFailures: cfg.Breaker.MaxFailures,
		BreakerTimeout:     cfg.BreakerTimeout(),
	}, httpClient, session, logger)

	engine := mirror.NewEngine(client, store, logger, clock.RealClock{})

	return &app{
		cfg:     cfg,
		logger:  logger,
		session: session,
		store:   store,
		syncer:  logging.NewSyncerLogger(engine, logger),
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("Failed to close database", "error", err)
	}
}

// ensureSession authenticates with the configured account when no token is held
func (a *app) ensureSession(ctx context.Context) error {
	if a.session.State() != auth.StateUnauthenticated {
		return nil
	}
	if a.cfg.Client.Username == "" || a.cfg.Client.Password == "" {
		return fmt.Errorf("not authorized: run the authorize command or configure username and password")
	}
	return a.session.Authenticate(ctx, a.cfg.Client.Username, a.cfg.Client.Password)
}

func (a *app) authorize(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("authorize", flag.ContinueOnError)
	username := fs.String("username", a.cfg.Client.Username, "Account username")
	password := fs.String("password", a.cfg.Client.Password, "Account password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" || *password == "" {
		return errors.New("username and password are required")
	}

	if err := a.session.Authenticate(ctx, *username, *password); err != nil {
		return err
	}
	tok := a.session.Token()
	a.logger.Info("Authorized", "scopes", a.session.Scopes().String(), "expires_at", tok.ExpiresAt)
	return nil
}

func (a *app) register(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	deviceID := fs.String("device-id", a.cfg.Sync.DeviceID, "Only mirror this station")
	favorites := fs.String("favorites", "", "Include favorite stations (true or false)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := api.StationsRequest{DeviceID: *deviceID, GetFavorites: a.cfg.Sync.GetFavorites}
	switch *favorites {
	case "":
	case "true", "false":
		v := *favorites == "true"
		req.GetFavorites = &v
	default:
		return fmt.Errorf("invalid -favorites value %q", *favorites)
	}

	if err := a.ensureSession(ctx); err != nil {
		return err
	}
	_, err := a.syncer.ReconcileDevices(ctx, req)
	return err
}

func (a *app) unregister(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("unregister", flag.ContinueOnError)
	deviceID := fs.String("device-id", "", "Station to remove")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return a.syncer.RemoveDevice(ctx, *deviceID)
}

func (a *app) update(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("update", flag.ContinueOnError)
	requestLimit := fs.Int("request-limit", a.cfg.Sync.RequestLimit, "Maximum measurement requests for this pass (0 is unlimited)")
	minUpdate := fs.Duration("min-update-interval", a.cfg.MinUpdateInterval(), "Skip modules updated more recently than this")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := a.ensureSession(ctx); err != nil {
		return err
	}
	updated, err := a.syncer.SyncMeasurements(ctx, *requestLimit, *minUpdate)
	if err != nil {
		return err
	}
	fmt.Println(updated)
	return nil
}

func (a *app) runScheduler(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	interval := fs.Duration("interval", a.cfg.SyncInterval(), "Time between sync passes")
	addr := fs.String("addr", a.cfg.Server.Addr, "Serve the read-only HTTP API on this address (empty disables)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := a.ensureSession(ctx); err != nil {
		return err
	}

	sched := scheduler.NewScheduler(a.syncer, scheduler.Config{
		Interval:       *interval,
		ReconcileEvery: a.cfg.Sync.ReconcileEvery,
		Stations: api.StationsRequest{
			DeviceID:     a.cfg.Sync.DeviceID,
			GetFavorites: a.cfg.Sync.GetFavorites,
		},
		RequestLimit:      a.cfg.Sync.RequestLimit,
		MinUpdateInterval: a.cfg.MinUpdateInterval(),
		Timeout:           a.cfg.SyncTimeout(),
	}, func() {
		a.logger.Info("New measurements stored")
	}, a.logger)

	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if *addr != "" {
		router := server.NewRouter(server.RouterConfig{
			Store:  a.store,
			APIKey: a.cfg.Server.APIKey,
			Logger: a.logger,
		})
		srv := server.New(*addr, router, a.logger)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	serveErr := g.Wait()
	a.logger.Info("Shutting down...")

	done := make(chan struct{})
	go func() {
		sched.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		return errors.New("scheduler did not stop in time")
	}

	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	a.logger.Info("Shutdown complete")
	return nil
}

func (a *app) device(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("device", flag.ContinueOnError)
	id := fs.String("id", "", "Station ID")
	if err := fs.Parse(args); err != nil {
		return err
	}

	d, err := a.syncer.Device(ctx, *id)
	if err != nil {
		return err
	}
	return writeJSON(d)
}

func (a *app) measurements(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("measurements", flag.ContinueOnError)
	moduleID := fs.String("module-id", "", "Module ID")
	begin := fs.Int64("begin", -1, "Inclusive start, unix seconds")
	end := fs.Int64("end", -1, "Inclusive end, unix seconds")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var beginPtr, endPtr *int64
	if *begin >= 0 {
		beginPtr = begin
	}
	if *end >= 0 {
		endPtr = end
	}

	rows, err := a.syncer.Measurements(ctx, *moduleID, beginPtr, endPtr)
	if err != nil {
		return err
	}
	return writeJSON(rows)
}

func writeJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
