package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilityOrdering(t *testing.T) {
	assert.Less(t, int(Unknown), int(Vanilla))
	assert.Less(t, int(Vanilla), int(Legacy64))
	assert.Less(t, int(Legacy64), int(Extended))
}

func TestSnapshotCompleteTrue(t *testing.T) {
	s := Snapshot{
		Info:    Info{NumClients: 2},
		Clients: []ClientInfo{{Name: "a"}, {Name: "b"}},
	}
	assert.True(t, s.Complete())
}

func TestSnapshotCompleteFalse(t *testing.T) {
	s := Snapshot{
		Info:    Info{NumClients: 3},
		Clients: []ClientInfo{{Name: "a"}},
	}
	assert.False(t, s.Complete())
}

func TestSnapshotNumIngame(t *testing.T) {
	s := Snapshot{Clients: []ClientInfo{
		{Name: "a", Ingame: true},
		{Name: "b", Ingame: false},
		{Name: "c", Ingame: true},
	}}
	assert.Equal(t, 2, s.NumIngame())
}
