package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/needs/teerank/internal/model"
)

// newTestStore spins up a disposable Postgres container, runs migrations
// against it, and returns a Store; container and pool teardown are
// registered with t.Cleanup.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("teerank_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	return store
}

func TestLoadGameServerAbsentReturnsNilNoError(t *testing.T) {
	s := newTestStore(t)
	snap, err := s.LoadGameServer("1.2.3.4:8303")
	require.NoError(t, err)
	require.Nil(t, snap)
}

func TestSaveThenLoadGameServerRoundTrips(t *testing.T) {
	s := newTestStore(t)
	snap := model.Snapshot{Info: model.Info{Name: "my server", NumClients: 1}}
	require.NoError(t, s.SaveGameServer("1.2.3.4:8303", snap))

	got, err := s.LoadGameServer("1.2.3.4:8303")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "my server", got.Info.Name)
}

func TestGetEloDefaultsTo1500(t *testing.T) {
	s := newTestStore(t)
	elo, err := s.GetElo("player1", nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1500.0, elo)
}

func TestSetEloThenGetElo(t *testing.T) {
	s := newTestStore(t)
	gt := "CTF"
	require.NoError(t, s.SetElo("player1", &gt, nil, 1600))
	elo, err := s.GetElo("player1", &gt, nil)
	require.NoError(t, err)
	require.Equal(t, 1600.0, elo)
}

func TestMasterServerDownThenUp(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetMasterServerDown("master1:8300"))
	require.NoError(t, s.SetMasterServerUp("master1:8300", []string{"1.2.3.4:8303"}))

	addrs, err := s.ListMasterServers()
	require.NoError(t, err)
	require.Contains(t, addrs, "master1:8300")
}
