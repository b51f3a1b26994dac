// Package postgres implements store.Store on top of a pgx connection
// pool, with schema managed by embedded goose migrations.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/needs/teerank/internal/model"
	"github.com/needs/teerank/internal/store/postgres/migrations"
)

var gooseOnce sync.Once

// Store is the default, database-backed store.Store implementation.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL, runs pending migrations, and returns a
// Store handle.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: pinging database: %w", err)
	}
	if err := runMigrations(ctx, dsn); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func runMigrations(ctx context.Context, dsn string) error {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("postgres: opening sql connection for migrations: %w", err)
	}
	defer sqlDB.Close()

	var dialectErr error
	gooseOnce.Do(func() {
		goose.SetBaseFS(migrations.FS)
		dialectErr = goose.SetDialect("postgres")
	})
	if dialectErr != nil {
		return fmt.Errorf("postgres: setting goose dialect: %w", dialectErr)
	}
	if err := goose.UpContext(ctx, sqlDB, "."); err != nil {
		return fmt.Errorf("postgres: running migrations: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// LoadGameServer returns the most recently saved snapshot for address, or
// nil, nil if no record exists.
func (s *Store) LoadGameServer(address string) (*model.Snapshot, error) {
	ctx := context.Background()
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM game_servers WHERE address = $1`, address,
	).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: loading game server %q: %w", address, err)
	}
	var snap model.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("postgres: decoding game server %q: %w", address, err)
	}
	return &snap, nil
}

// SaveGameServer upserts snap as the latest state for address.
func (s *Store) SaveGameServer(address string, snap model.Snapshot) error {
	ctx := context.Background()
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("postgres: encoding game server %q: %w", address, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO game_servers (address, snapshot, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (address) DO UPDATE SET snapshot = $2, updated_at = now()`,
		address, raw,
	)
	if err != nil {
		return fmt.Errorf("postgres: saving game server %q: %w", address, err)
	}
	return nil
}

// SetMasterServerUp marks address up and replaces its discovered
// game-server set.
func (s *Store) SetMasterServerUp(address string, gameServers []string) error {
	ctx := context.Background()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO master_servers (address, down_since, game_servers)
		 VALUES ($1, NULL, $2)
		 ON CONFLICT (address) DO UPDATE SET down_since = NULL, game_servers = $2`,
		address, gameServers,
	)
	if err != nil {
		return fmt.Errorf("postgres: marking master server %q up: %w", address, err)
	}
	return nil
}

// SetMasterServerDown marks address down, preserving the first-failure
// timestamp across repeated failures.
func (s *Store) SetMasterServerDown(address string) error {
	ctx := context.Background()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO master_servers (address, down_since)
		 VALUES ($1, now())
		 ON CONFLICT (address) DO UPDATE SET
		   down_since = COALESCE(master_servers.down_since, now())`,
		address,
	)
	if err != nil {
		return fmt.Errorf("postgres: marking master server %q down: %w", address, err)
	}
	return nil
}

func eloKeyParts(gameType, mapName *string) (string, string) {
	gt, mp := "", ""
	if gameType != nil {
		gt = *gameType
	}
	if mapName != nil {
		mp = *mapName
	}
	return gt, mp
}

// GetElo returns the rating for (player, gameType, mapName), defaulting
// to 1500 if no row exists yet.
func (s *Store) GetElo(player string, gameType, mapName *string) (float64, error) {
	ctx := context.Background()
	gt, mp := eloKeyParts(gameType, mapName)
	var elo float64
	err := s.pool.QueryRow(ctx,
		`SELECT elo FROM elos WHERE player = $1 AND game_type = $2 AND map_name = $3`,
		player, gt, mp,
	).Scan(&elo)
	if err == pgx.ErrNoRows {
		return 1500, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: loading elo for %q: %w", player, err)
	}
	return elo, nil
}

// SetElo upserts the rating for (player, gameType, mapName).
func (s *Store) SetElo(player string, gameType, mapName *string, elo float64) error {
	ctx := context.Background()
	gt, mp := eloKeyParts(gameType, mapName)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO elos (player, game_type, map_name, elo)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (player, game_type, map_name) DO UPDATE SET elo = $4`,
		player, gt, mp, elo,
	)
	if err != nil {
		return fmt.Errorf("postgres: saving elo for %q: %w", player, err)
	}
	return nil
}

// UpsertClans increments the observed-player-count for each clan tag.
func (s *Store) UpsertClans(clans []string) error {
	if len(clans) == 0 {
		return nil
	}
	ctx := context.Background()
	for _, clan := range clans {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO clans (name, player_count)
			 VALUES ($1, 1)
			 ON CONFLICT (name) DO UPDATE SET player_count = clans.player_count + 1`,
			clan,
		)
		if err != nil {
			return fmt.Errorf("postgres: upserting clan %q: %w", clan, err)
		}
	}
	return nil
}

// ListGameServers returns every known game-server address.
func (s *Store) ListGameServers() ([]string, error) {
	ctx := context.Background()
	rows, err := s.pool.Query(ctx, `SELECT address FROM game_servers`)
	if err != nil {
		return nil, fmt.Errorf("postgres: listing game servers: %w", err)
	}
	defer rows.Close()

	var addrs []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("postgres: scanning game server address: %w", err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, rows.Err()
}

// ListMasterServers returns every known master-server address.
func (s *Store) ListMasterServers() ([]string, error) {
	ctx := context.Background()
	rows, err := s.pool.Query(ctx, `SELECT address FROM master_servers`)
	if err != nil {
		return nil, fmt.Errorf("postgres: listing master servers: %w", err)
	}
	defer rows.Close()

	var addrs []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("postgres: scanning master server address: %w", err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, rows.Err()
}
