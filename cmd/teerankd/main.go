// Command teerankd runs the Teerank polling daemon: it discovers and
// polls Teeworlds master and game servers, merges their replies into
// snapshots, and updates player Elo ratings.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/needs/teerank/internal/config"
	"github.com/needs/teerank/internal/gameserver"
	"github.com/needs/teerank/internal/masterserver"
	"github.com/needs/teerank/internal/poller"
	"github.com/needs/teerank/internal/rank"
	"github.com/needs/teerank/internal/resolve"
	"github.com/needs/teerank/internal/store"
	"github.com/needs/teerank/internal/store/postgres"
)

var (
	bindPort    int
	storeDSN    string
	mastersFile string
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "teerankd",
		Short: "Poll Teeworlds master and game servers and rank players",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	cmd.Flags().IntVar(&bindPort, "bind-port", 0, "UDP port to bind (overrides TEERANK_BIND_PORT)")
	cmd.Flags().StringVar(&storeDSN, "store-dsn", "", "Postgres connection string (overrides TEERANK_STORE_DSN)")
	cmd.Flags().StringVar(&mastersFile, "masters-file", "", "optional YAML file listing bootstrap master servers")

	return cmd
}

func run(ctx context.Context) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load(mastersFile)
	if err != nil {
		return fmt.Errorf("teerankd: loading config: %w", err)
	}
	if bindPort != 0 {
		cfg.BindPort = bindPort
	}
	if storeDSN != "" {
		cfg.StoreDSN = storeDSN
	}

	db, err := postgres.New(ctx, cfg.StoreDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to store")
	}
	defer db.Close()

	engine, err := poller.New(cfg.BindAddress(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to bind socket")
	}
	defer engine.Close()

	if err := bootstrap(ctx, cfg, db, engine, log); err != nil {
		return fmt.Errorf("teerankd: bootstrapping pool: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tickLoop(gctx, engine)
	})

	return g.Wait()
}

// bootstrap loads known master servers (from the store, falling back to
// the configured default list) and known game servers, adding each to
// the engine.
func bootstrap(ctx context.Context, cfg config.Config, db store.Store, engine *poller.Engine, log zerolog.Logger) error {
	resolver := resolve.New()
	eloStore := rank.EloStore(db)
	gameFactory := masterserver.NewGameServerFactory(db, eloStore, log)

	masters, err := db.ListMasterServers()
	if err != nil {
		return fmt.Errorf("listing master servers: %w", err)
	}
	if len(masters) == 0 {
		masters = cfg.Masters
	}

	for _, addr := range masters {
		host, port, err := splitHostPort(addr)
		if err != nil {
			log.Warn().Err(err).Str("address", addr).Msg("skipping malformed master server address")
			continue
		}
		ms, err := masterserver.New(ctx, host, port, resolver, db, engine, gameFactory, log)
		if err != nil {
			log.Warn().Err(err).Str("address", addr).Msg("failed to resolve master server, skipping")
			continue
		}
		engine.Add(ms)
	}

	gameServers, err := db.ListGameServers()
	if err != nil {
		return fmt.Errorf("listing game servers: %w", err)
	}
	for _, addr := range gameServers {
		prev, err := db.LoadGameServer(addr)
		if err != nil {
			log.Warn().Err(err).Str("address", addr).Msg("failed to load game server snapshot, skipping")
			continue
		}
		engine.Add(gameserver.New(addr, db, eloStore, log, prev))
	}

	return nil
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := splitLast(addr, ':')
	if err != nil {
		return "", 0, err
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, fmt.Errorf("parsing port in %q: %w", addr, err)
	}
	return host, port, nil
}

// splitLast splits addr at the last occurrence of sep, matching the
// host:port convention even for IPv6-bracketed game-server addresses.
func splitLast(addr string, sep byte) (string, string, error) {
	idx := -1
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == sep {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", "", fmt.Errorf("address %q has no %q separator", addr, sep)
	}
	return addr[:idx], addr[idx+1:], nil
}

// tickLoop drives the engine's cooperative Tick once per second until ctx
// is cancelled.
func tickLoop(ctx context.Context, engine *poller.Engine) error {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			engine.Tick()
		}
	}
}
