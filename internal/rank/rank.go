// Package rank implements the Elo ranking engine: a pure function over a
// previous and a new game-server snapshot that decides whether a match
// progressed and, if so, updates every player's Elo for the four
// (gameType, map) key combinations.
package rank

import (
	"math"

	"github.com/needs/teerank/internal/model"
)

// K is the Elo K-factor; see the update step in Rank.
const K = 25.0

// rankedGameTypes are the only game types ranking applies to.
var rankedGameTypes = map[string]bool{
	"CTF": true,
	"DM":  true,
	"TDM": true,
}

// EloStore is the persistence surface the ranking engine needs. gameType
// and mapName are nil for the "any" key of a given combination.
type EloStore interface {
	GetElo(player string, gameType, mapName *string) (float64, error)
	SetElo(player string, gameType, mapName *string, elo float64) error
}

// Rank compares prev and next and, if the match progressed, updates every
// ranked player's Elo. It returns false (no error) when any validity gate
// fails; a non-nil error only indicates a store failure partway through
// the update.
func Rank(store EloStore, prev *model.Snapshot, next model.Snapshot) (bool, error) {
	if prev == nil {
		return false, nil
	}
	if !rankedGameTypes[next.Info.GameType] {
		return false, nil
	}
	if prev.Info.GameType != next.Info.GameType || prev.Info.MapName != next.Info.MapName {
		return false, nil
	}

	names, scores := intersectIngame(*prev, next)
	if len(names) < 2 {
		return false, nil
	}

	total := 0
	for _, s := range scores {
		total += s
	}
	if total <= 0 {
		return false, nil
	}

	gameType, mapName := next.Info.GameType, next.Info.MapName
	combos := [][2]*string{
		{&gameType, &mapName},
		{&gameType, nil},
		{nil, &mapName},
		{nil, nil},
	}

	for _, combo := range combos {
		if err := updateCombo(store, names, scores, combo[0], combo[1]); err != nil {
			return true, err
		}
	}
	return true, nil
}

// intersectIngame returns, in a stable order, the names that are ingame in
// both snapshots and each one's score delta (new - old). Duplicate names
// within a snapshot collapse to their last occurrence, per the recorded
// duplicate-name handling decision.
func intersectIngame(prev, next model.Snapshot) ([]string, []int) {
	oldScore := map[string]int{}
	oldIngame := map[string]bool{}
	for _, c := range prev.Clients {
		oldIngame[c.Name] = c.Ingame
		oldScore[c.Name] = c.Score
	}

	newIngame := map[string]bool{}
	newScore := map[string]int{}
	var order []string
	seen := map[string]bool{}
	for _, c := range next.Clients {
		newIngame[c.Name] = c.Ingame
		newScore[c.Name] = c.Score
		if !seen[c.Name] {
			seen[c.Name] = true
			order = append(order, c.Name)
		}
	}

	var names []string
	var deltas []int
	for _, name := range order {
		if oldIngame[name] && newIngame[name] {
			names = append(names, name)
			deltas = append(deltas, newScore[name]-oldScore[name])
		}
	}
	return names, deltas
}

// updateCombo runs one (gameType, mapName) key's pairwise Elo update and
// persists the results.
func updateCombo(store EloStore, names []string, scores []int, gameType, mapName *string) error {
	n := len(names)
	elos := make([]float64, n)
	for i, name := range names {
		elo, err := store.GetElo(name, gameType, mapName)
		if err != nil {
			return err
		}
		elos[i] = elo
	}

	deltas := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := eloDelta(scores[i], elos[i], scores[j], elos[j])
			deltas[i] += d
			deltas[j] -= d
		}
	}

	for i, name := range names {
		newElo := elos[i] + deltas[i]/float64(n-1)
		if err := store.SetElo(name, gameType, mapName, newElo); err != nil {
			return err
		}
	}
	return nil
}

// eloDelta computes the signed Elo delta for player 1 against player 2
// given their score delta this round and current ratings.
func eloDelta(score1 int, elo1 float64, score2 int, elo2 float64) float64 {
	var result float64
	switch {
	case score1 > score2:
		result = 1.0
	case score1 == score2:
		result = 0.5
	default:
		result = 0.0
	}

	diff := clamp(elo1-elo2, -400, 400)
	expected := 1.0 / (1.0 + math.Pow(10.0, -diff/400.0))
	return K * (result - expected)
}

// clamp restricts x to [lo, hi]. This is the symmetric form; the
// reference implementation's unstable max(400, min(-400, x)) is
// deliberately not reproduced here.
func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
