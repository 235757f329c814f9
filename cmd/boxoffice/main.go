// boxoffice is a command-line reservation client. It connects to the
// realtime backend, joins an event room, holds seats and optionally turns
// the hold into an order. While it runs, a small HTTP status surface shows
// the session, the hold countdown and the latest availability.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/orchestra-mcp/boxoffice/config"
	"github.com/orchestra-mcp/boxoffice/providers"
	"github.com/orchestra-mcp/boxoffice/src/auth"
	"github.com/orchestra-mcp/boxoffice/src/locks"
	"github.com/orchestra-mcp/boxoffice/src/session"
	"github.com/orchestra-mcp/boxoffice/src/types"
)

type options struct {
	configPath string
	envFile    string
	channelURL string
	apiURL     string
	statusAddr string
	logLevel   string
	userID     int64
	token      string
	eventID    int64
	categoryID int64
	quantity   int
	purchase   bool
	notes      string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("boxoffice", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	flagSet.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flagSet.StringVar(&opts.channelURL, "url", "", "realtime channel URL")
	flagSet.StringVar(&opts.apiURL, "api", "", "REST API base URL")
	flagSet.StringVar(&opts.statusAddr, "status-addr", "", "status surface listen address (empty to disable)")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flagSet.Int64VarP(&opts.userID, "user", "u", 0, "user id (default $BOXOFFICE_USER_ID)")
	flagSet.StringVarP(&opts.token, "token", "t", "", "bearer token (default $BOXOFFICE_TOKEN)")
	flagSet.Int64VarP(&opts.eventID, "event", "e", 0, "event to join")
	flagSet.Int64Var(&opts.categoryID, "category", 0, "ticket category to hold")
	flagSet.IntVarP(&opts.quantity, "qty", "q", 1, "seats to hold")
	flagSet.BoolVar(&opts.purchase, "purchase", false, "purchase the hold once granted")
	flagSet.StringVar(&opts.notes, "notes", "", "order notes")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	// A missing .env is normal outside development.
	envLoaded := godotenv.Load(opts.envFile) == nil

	cfg, err := loadConfig(flagSet, &opts)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	if envLoaded {
		logger.Debug().Str("file", opts.envFile).Msg("loaded environment file")
	}

	cred, err := credential(&opts)
	if err != nil {
		return err
	}

	sf := providers.NewStorefront(cfg, auth.NewStatic(cred.UserID, cred.Token), logger)
	if err := sf.Activate(); err != nil {
		return err
	}
	defer sf.Deactivate() //nolint:errcheck
	s, err := sf.Session()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.OnTransition(func(t locks.Transition) {
		ev := logger.Info().
			Int64("event_id", t.EventID).
			Str("from", string(t.From)).
			Str("to", string(t.To))
		if t.LockID != "" {
			ev = ev.Str("lock_id", t.LockID)
		}
		if t.Err != nil {
			ev = ev.Str("reason", types.Describe(t.Err))
		}
		ev.Msg("hold changed")
	})
	s.OnOrderNotification(func(n types.OrderNotification) {
		logger.Info().Str("kind", n.Kind).Int64("order_id", n.OrderID).Msg(n.Message)
	})

	if err := s.Connect(ctx); err != nil {
		return fmt.Errorf("%s: %w", types.Describe(err), err)
	}
	if err := reserve(ctx, s, &opts, logger); err != nil {
		return err
	}

	if cfg.StatusAddr == "" {
		return nil
	}
	return serveStatus(ctx, sf, cfg.StatusAddr, logger)
}

func loadConfig(flagSet *pflag.FlagSet, opts *options) (*config.StorefrontConfig, error) {
	cfg := config.DefaultConfig()
	if opts.configPath != "" {
		loaded, err := config.LoadFile(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	if flagSet.Changed("url") {
		cfg.ChannelURL = opts.channelURL
	}
	if flagSet.Changed("api") {
		cfg.APIBaseURL = opts.apiURL
	}
	if flagSet.Changed("status-addr") {
		cfg.StatusAddr = opts.statusAddr
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	return cfg, cfg.Validate()
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("log level: %w", err)
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

func credential(opts *options) (types.Credential, error) {
	userID := opts.userID
	if userID == 0 {
		if v := os.Getenv("BOXOFFICE_USER_ID"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return types.Credential{}, fmt.Errorf("BOXOFFICE_USER_ID: %w", err)
			}
			userID = n
		}
	}
	token := opts.token
	if token == "" {
		token = os.Getenv("BOXOFFICE_TOKEN")
	}
	if userID <= 0 || token == "" {
		return types.Credential{}, errors.New("a user id and token are required (--user/--token or BOXOFFICE_USER_ID/BOXOFFICE_TOKEN)")
	}
	return types.Credential{UserID: userID, Token: token}, nil
}

// reserve joins the room, holds seats and purchases as requested.
func reserve(ctx context.Context, s *session.Session, opts *options, logger zerolog.Logger) error {
	if opts.eventID == 0 {
		return nil
	}
	if err := s.JoinEventRoom(ctx, opts.eventID); err != nil {
		return err
	}
	if opts.categoryID == 0 {
		return nil
	}

	lock, err := s.Lock(ctx, opts.eventID, opts.categoryID, opts.quantity)
	if err != nil {
		return fmt.Errorf("%s: %w", types.Describe(err), err)
	}
	logger.Info().
		Str("lock_id", lock.ID).
		Int("quantity", lock.Quantity).
		Dur("remaining", time.Until(lock.ExpiresAt).Round(time.Second)).
		Msg("seats held")

	if !opts.purchase {
		return nil
	}
	outcome, err := s.Purchase(ctx, lock, opts.notes)
	if err != nil {
		return fmt.Errorf("%s: %w", types.Describe(err), err)
	}
	logger.Info().
		Int64("order_id", outcome.OrderID).
		Str("status", outcome.Status).
		Msg("order placed")
	return nil
}

func serveStatus(ctx context.Context, sf *providers.Storefront, addr string, logger zerolog.Logger) error {
	app := fiber.New()
	sf.RegisterRoutes(app)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("status surface listening")
		errCh <- app.Listen(addr)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		return app.Shutdown()
	case err := <-errCh:
		return err
	}
}
