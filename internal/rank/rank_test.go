package rank

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/needs/teerank/internal/model"
)

// fakeEloStore is a minimal in-memory EloStore for exercising Rank.
type fakeEloStore struct {
	elos map[string]float64
}

func newFakeEloStore() *fakeEloStore {
	return &fakeEloStore{elos: map[string]float64{}}
}

func key(player string, gameType, mapName *string) string {
	k := player + "|"
	if gameType != nil {
		k += *gameType
	}
	k += "|"
	if mapName != nil {
		k += *mapName
	}
	return k
}

func (f *fakeEloStore) GetElo(player string, gameType, mapName *string) (float64, error) {
	if v, ok := f.elos[key(player, gameType, mapName)]; ok {
		return v, nil
	}
	return 1500, nil
}

func (f *fakeEloStore) SetElo(player string, gameType, mapName *string, elo float64) error {
	f.elos[key(player, gameType, mapName)] = elo
	return nil
}

func twoPlayerSnapshot(gameType, mapName string, score1, score2 int) model.Snapshot {
	return model.Snapshot{
		Info: model.Info{GameType: gameType, MapName: mapName},
		Clients: []model.ClientInfo{
			{Name: "player1", Score: score1, Ingame: true},
			{Name: "player2", Score: score2, Ingame: true},
		},
	}
}

func TestRankTwoPlayerCTFProgression(t *testing.T) {
	store := newFakeEloStore()
	prev := twoPlayerSnapshot("CTF", "ctf5", 0, 0)
	next := twoPlayerSnapshot("CTF", "ctf5", 1, 0)

	ok, err := Rank(store, &prev, next)
	require.NoError(t, err)
	assert.True(t, ok)

	gt, mp := "CTF", "ctf5"
	elo1, _ := store.GetElo("player1", &gt, &mp)
	elo2, _ := store.GetElo("player2", &gt, &mp)
	assert.InDelta(t, 1512.5, elo1, 0.01)
	assert.InDelta(t, 1487.5, elo2, 0.01)
}

func TestRankDrawLeavesEloUnchanged(t *testing.T) {
	store := newFakeEloStore()
	prev := twoPlayerSnapshot("CTF", "ctf5", 0, 0)
	next := twoPlayerSnapshot("CTF", "ctf5", 1, 1)

	ok, err := Rank(store, &prev, next)
	require.NoError(t, err)
	assert.True(t, ok)

	gt, mp := "CTF", "ctf5"
	elo1, _ := store.GetElo("player1", &gt, &mp)
	elo2, _ := store.GetElo("player2", &gt, &mp)
	assert.InDelta(t, 1500, elo1, 0.01)
	assert.InDelta(t, 1500, elo2, 0.01)
}

func TestRankRejectsUnrankedGameType(t *testing.T) {
	store := newFakeEloStore()
	prev := twoPlayerSnapshot("BAD_GAMETYPE", "ctf5", 0, 0)
	next := twoPlayerSnapshot("BAD_GAMETYPE", "ctf5", 1, 0)

	ok, err := Rank(store, &prev, next)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, store.elos)
}

func TestRankRejectsMapChange(t *testing.T) {
	store := newFakeEloStore()
	prev := twoPlayerSnapshot("CTF", "ctf5", 0, 0)
	next := twoPlayerSnapshot("CTF", "ctf1", 1, 0)

	ok, err := Rank(store, &prev, next)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRankRejectsScoreRegression(t *testing.T) {
	store := newFakeEloStore()
	prev := twoPlayerSnapshot("CTF", "ctf5", 1, 1)
	next := twoPlayerSnapshot("CTF", "ctf5", 0, 0)

	ok, err := Rank(store, &prev, next)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRankRejectsAbsentPrev(t *testing.T) {
	store := newFakeEloStore()
	next := twoPlayerSnapshot("CTF", "ctf5", 1, 0)

	ok, err := Rank(store, nil, next)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRankRejectsSingleCommonIngamePlayer(t *testing.T) {
	store := newFakeEloStore()
	prev := model.Snapshot{
		Info: model.Info{GameType: "CTF", MapName: "ctf5"},
		Clients: []model.ClientInfo{
			{Name: "player1", Score: 0, Ingame: true},
			{Name: "player2", Score: 0, Ingame: false},
		},
	}
	next := model.Snapshot{
		Info: model.Info{GameType: "CTF", MapName: "ctf5"},
		Clients: []model.ClientInfo{
			{Name: "player1", Score: 1, Ingame: true},
			{Name: "player2", Score: 1, Ingame: true},
		},
	}

	ok, err := Rank(store, &prev, next)
	require.NoError(t, err)
	assert.False(t, ok)
}
