package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/pairlink/internal/api"
	"github.com/eldtechnologies/pairlink/internal/channel"
	"github.com/eldtechnologies/pairlink/internal/config"
	"github.com/eldtechnologies/pairlink/internal/conn"
	"github.com/eldtechnologies/pairlink/internal/models"
	"github.com/eldtechnologies/pairlink/internal/store"
	"github.com/eldtechnologies/pairlink/internal/token"
)

func main() {
	var (
		hostFlag = flag.Bool("host", false, "start a new session and print its pairing token")
		joinFlag = flag.String("join", "", "join a session from a pairing token")
		nameFlag = flag.String("name", "", "local display name")
	)
	flag.Parse()

	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stderr).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	// Select the store backend
	st, err := buildStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("store initialization failed")
	}
	defer st.Close()

	// Select the channel adapter
	var ch channel.Channel
	channelMode := "redis"
	if cfg.RedisURL != "" {
		ch = channel.NewRedisChannel(logger)
	} else {
		ch = channel.NewLoopback(logger)
		channelMode = "loopback"
	}

	mgr := conn.NewManager(st, ch, logger)
	mgr.ConnectTimeout = cfg.ConnectTimeout

	mgr.AddMessageListener(func(ev channel.Event) {
		switch ev.Type {
		case channel.EventMessage:
			fmt.Printf("[%s] %s\n", ev.Sender, ev.Content)
		case channel.EventSystem:
			fmt.Printf("* %s %s\n", ev.Actor, ev.Event)
		}
	})
	mgr.AddConnectionListener(func(up bool) {
		if up {
			logger.Info().Msg("session is live")
		} else {
			logger.Info().Msg("session is down")
		}
	})

	// Start the debug HTTP server
	srv := &http.Server{
		Addr:         "127.0.0.1:" + cfg.Port,
		Handler:      api.NewRouter(logger, st, channelMode),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("debug server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("debug server failed")
		}
	}()

	if err := establish(ctx, cfg, mgr, st, logger, *hostFlag, *joinFlag, *nameFlag); err != nil {
		logger.Fatal().Err(err).Msg("could not establish a session")
	}

	// Read lines from stdin and send them until interrupted.
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				break loop
			}
			if line == "" {
				continue
			}
			if err := mgr.SendMessage(ctx, line); err != nil {
				switch {
				case errors.Is(err, conn.ErrSessionEnded):
					fmt.Println("session has ended; your peer disconnected")
				case errors.Is(err, conn.ErrNotConnected):
					fmt.Println("not connected; message not sent")
				default:
					logger.Warn().Err(err).Msg("send failed")
					fmt.Println("send failed, try again")
				}
			}
		case <-quit:
			break loop
		}
	}

	logger.Info().Msg("shutting down...")

	// Tell the peer before tearing anything down.
	mgr.Disconnect(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("debug server forced to shutdown")
	}

	logger.Info().Msg("stopped")
}

// buildStore picks the store backend from configuration: Postgres when
// DATABASE_URL is set, Redis when REDIS_STORE_URL is set, SQLite
// otherwise.
func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch {
	case cfg.DatabaseURL != "":
		return store.NewPostgresStore(ctx, cfg.DatabaseURL)
	case cfg.RedisStoreURL != "":
		return store.NewRedisStore(ctx, cfg.RedisStoreURL)
	default:
		return store.NewSQLiteStore(ctx, cfg.SQLitePath)
	}
}

// establish connects according to the flags: host a new session, join
// from a token, or restore the previous session.
func establish(ctx context.Context, cfg *config.Config, mgr *conn.Manager, st store.Store, logger zerolog.Logger, host bool, joinToken, name string) error {
	switch {
	case host:
		if name == "" {
			return errors.New("-host requires -name")
		}
		tok, desc, err := token.Encode(name, cfg.RedisURL)
		if err != nil {
			return err
		}
		fmt.Printf("share this pairing token with your peer:\n\n  %s\n\n", tok)
		return mgr.Connect(ctx, desc)

	case joinToken != "":
		if name == "" {
			return errors.New("-join requires -name")
		}
		scanned, err := token.Decode(joinToken)
		if err != nil {
			return err
		}
		if scanned.Stale(time.Now()) {
			fmt.Println("note: this pairing token is over an hour old; the host may be gone")
		}

		desc := &models.Descriptor{
			SessionID: scanned.SessionID,
			UserName:  name,
			ServerURL: scanned.ServerURL,
			IssuedAt:  scanned.IssuedAt,
		}
		if err := mgr.Connect(ctx, desc); err != nil {
			return err
		}

		// The token names its creator; record it and say hello.
		if err := st.UpdateSessionParticipantName(ctx, scanned.SessionID, scanned.UserName); err != nil {
			logger.Warn().Err(err).Msg("could not record host name")
		}
		mgr.SendSystemEvent(ctx, channel.SystemJoined, name)
		return nil

	default:
		ok, err := mgr.Restore(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("no previous session; use -host or -join")
		}
		return nil
	}
}
