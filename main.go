package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Coderoom/backend/config"
	"Coderoom/backend/events"
	"Coderoom/backend/httpapi"
	"Coderoom/backend/identity"
	"Coderoom/backend/logging"
	"Coderoom/backend/persistence"
	"Coderoom/backend/protocol"
	"Coderoom/backend/room"
	"Coderoom/backend/rts"
	"Coderoom/backend/storage"
	"Coderoom/backend/transport/ws"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

func main() {
	app := &cli.App{
		Name:  "coderoom",
		Usage: "real-time collaborative code rooms",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path of the YAML configuration file",
				EnvVars: []string{config.EnvPrefix + "_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the collaboration server",
				Action: serve,
			},
			{
				Name:      "dump",
				Usage:     "print the persisted text of a room",
				ArgsUsage: "<roomId>",
				Action:    dump,
			},
			{
				Name:  "token",
				Usage: "mint a development token",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Required: true, Usage: "user id"},
					&cli.StringFlag{Name: "name", Usage: "display name"},
					&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour, Usage: "token lifetime"},
				},
				Action: token,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "coderoom: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), xerrors.Errorf("invalid config: %v", err)
	}

	log, err := logging.Parse(cfg.Log.Level, cfg.Log.Console)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, log, nil
}

func bridgeOptions(cfg *config.Config, log zerolog.Logger) persistence.Options {
	return persistence.Options{
		Workers:        cfg.Persistence.Workers,
		MaxAttempts:    cfg.Persistence.MaxAttempts,
		InitialBackoff: cfg.Persistence.InitialBackoff,
		MaxBackoff:     cfg.Persistence.MaxBackoff,
		OpTimeout:      cfg.Persistence.OpTimeout,
		RetryCooldown:  cfg.Persistence.RetryCooldown,
		Log:            log.With().Str("component", "persistence").Logger(),
	}
}

func serve(c *cli.Context) error {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Auth.Secret == "" {
		return xerrors.New("auth.secret is required to serve")
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	sinks := events.Fanout{events.NewLogSink(log.With().Str("component", "events").Logger())}
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := events.NewKafkaProducer(cfg.Kafka.Brokers)
		if err != nil {
			return err
		}
		kafka := events.NewKafkaSink(producer, cfg.Kafka.Topic, log, events.DefaultKafkaOptions())
		defer kafka.Close()
		sinks = append(sinks, kafka)
	}

	bridge := persistence.NewBridge(store, sinks, bridgeOptions(cfg, log))

	registry := room.NewRegistry(bridge, room.Options{
		MailboxSize:  cfg.Room.MailboxSize,
		SaveInterval: cfg.Room.SaveInterval,
		IdleTimeout:  cfg.Room.IdleTimeout,
		DrainTimeout: cfg.Room.DrainTimeout,
		LoadTimeout:  cfg.Room.LoadTimeout,
		RoomTTL:      cfg.Room.TTL,
		Log:          log,
		Events:       sinks,
	})

	handler := protocol.NewHandler(registry, protocol.Options{
		JoinTimeout:  cfg.Session.JoinTimeout,
		SendTimeout:  cfg.Session.SendTimeout,
		LeaveTimeout: cfg.Session.SendTimeout,
		OutboxSize:   cfg.Session.OutboxSize,
		MaxBacklog:   cfg.Session.MaxBacklog,
		Log:          log,
	})

	verifier := identity.NewJWTVerifier([]byte(cfg.Auth.Secret), cfg.Auth.Issuer, cfg.Auth.Leeway)
	api := httpapi.NewServer(registry, handler, verifier, httpapi.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		WS:             ws.DefaultOptions(),
		Log:            log.With().Str("component", "http").Logger(),
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Msgf("listening on %s, store %v", cfg.Server.Addr, storage.Schemes())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return xerrors.Errorf("failed to serve: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// rooms first: websocket sessions are hijacked and unknown to srv
		if err := registry.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to close rooms")
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shut down http server")
		}
		return bridge.Close(shutdownCtx)
	})

	return g.Wait()
}

func dump(c *cli.Context) error {
	roomID := c.Args().First()
	if roomID == "" {
		return xerrors.New("usage: coderoom dump <roomId>")
	}

	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}

	store, err := storage.Open(c.Context, cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	bridge := persistence.NewBridge(store, events.Nop{}, bridgeOptions(cfg, log))
	defer bridge.Close(c.Context)

	doc, found, err := bridge.Load(c.Context, roomID)
	if err != nil {
		return err
	}
	if !found {
		return xerrors.Errorf("room %s: %w", roomID, room.ErrRoomNotFound)
	}

	text, err := rts.Restore(doc.Snapshot)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "# %s (%s), created %s\n", doc.Meta.Title, doc.Meta.Language, doc.Meta.CreatedAt.Format(time.RFC3339))
	fmt.Fprint(os.Stdout, text.Text())
	return nil
}

func token(c *cli.Context) error {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Auth.Secret == "" {
		return xerrors.New("auth.secret is required to mint tokens")
	}

	verifier := identity.NewJWTVerifier([]byte(cfg.Auth.Secret), cfg.Auth.Issuer, cfg.Auth.Leeway)
	signed, err := verifier.Issue(c.String("user"), c.String("name"), c.Duration("ttl"))
	if err != nil {
		return err
	}

	fmt.Println(signed)
	return nil
}
