// Package masterserver implements the master-server protocol FSM: the
// req2 request, lis2 reply parsing including IPv4-mapped-IPv6 address
// decoding, and emission of newly discovered game servers into a pool.
package masterserver

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"github.com/needs/teerank/internal/gameserver"
	"github.com/needs/teerank/internal/poller"
	"github.com/needs/teerank/internal/rank"
	"github.com/needs/teerank/internal/resolve"
)

const req2Tag = "lis2"

// Store is the persistence surface a MasterServer round closure needs.
type Store interface {
	SetMasterServerUp(address string, gameServers []string) error
	SetMasterServerDown(address string) error
}

// GameServerFactory constructs a new Handle for a game server address
// discovered through a lis2 reply. Declared as a function type (rather
// than importing gameserver.New directly) so tests can substitute a
// fake without standing up a real Store/EloStore.
type GameServerFactory func(address string) poller.Handle

// NewGameServerFactory returns a GameServerFactory that builds real
// gameserver.GameServer handles against the given stores and logger.
func NewGameServerFactory(store gameserver.Store, elo rank.EloStore, log zerolog.Logger) GameServerFactory {
	return func(address string) poller.Handle {
		return gameserver.New(address, store, elo, log, nil)
	}
}

// MasterServer owns one polling round's worth of protocol state for a
// master server. It satisfies poller.Handle.
type MasterServer struct {
	hostname string // the configured name, before resolution
	address  string // resolved host:port, cached for the object's lifetime

	store       Store
	pool        poller.Pool
	newGame     GameServerFactory
	log         zerolog.Logger

	packetCount int
	discovered  map[string]bool
}

// New resolves hostname once (not per poll, matching the upstream
// behavior of caching the resolved address for the object's lifetime)
// and returns a MasterServer ready to be added to a poller.Engine.
func New(ctx context.Context, hostname string, port int, resolver resolve.Resolver, store Store, pool poller.Pool, newGame GameServerFactory, log zerolog.Logger) (*MasterServer, error) {
	ip, err := resolver.Resolve(ctx, hostname)
	if err != nil {
		return nil, fmt.Errorf("masterserver: resolve %s: %w", hostname, err)
	}
	address := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	return &MasterServer{
		hostname: hostname,
		address:  address,
		store:    store,
		pool:     pool,
		newGame:  newGame,
		log:      log.With().Str("master_server", address).Logger(),
	}, nil
}

// Address returns the master server's resolved, cached address.
func (m *MasterServer) Address() string {
	return m.address
}

// StartPolling resets the round counter and returns the single req2
// request packet.
func (m *MasterServer) StartPolling() ([][]byte, error) {
	m.packetCount = 0
	m.discovered = map[string]bool{}

	padding := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	packet := append(append([]byte{}, padding...), []byte("req2")...)
	return [][]byte{packet}, nil
}

// ProcessPacket parses one lis2 reply and adds any newly discovered game
// server address to the pool.
func (m *MasterServer) ProcessPacket(payload []byte) {
	if len(payload) < 14 {
		m.log.Debug().Msg("dropped short master server packet")
		return
	}
	tag := string(payload[10:14])
	if tag != req2Tag {
		m.log.Debug().Str("tag", tag).Msg("dropped master server packet with unexpected tag")
		return
	}

	body := payload[14:]
	for len(body) >= 18 {
		addr := decodeAddress(body[:16], body[16:18])
		body = body[18:]

		m.discovered[addr] = true
		if addr == m.address {
			continue
		}
		if m.pool.Contains(addr) {
			continue
		}
		m.pool.Add(m.newGame(addr))
	}

	m.packetCount++
}

// decodeAddress renders a 16-byte network address plus a 2-byte
// big-endian port as a host:port string, decoding the IPv4-mapped-IPv6
// form back to plain IPv4.
func decodeAddress(addrBytes, portBytes []byte) string {
	port := int(portBytes[0])<<8 | int(portBytes[1])

	var host string
	if isIPv4Mapped(addrBytes) {
		host = net.IP(addrBytes[12:16]).String()
	} else {
		host = "[" + net.IP(addrBytes).String() + "]"
	}
	return fmt.Sprintf("%s:%d", host, port)
}

var ipv4MappedPrefix = [12]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xFF, 0xFF}

func isIPv4Mapped(addrBytes []byte) bool {
	for i, b := range ipv4MappedPrefix {
		if addrBytes[i] != b {
			return false
		}
	}
	return true
}

// StopPolling closes the round, marking the master up or down depending
// on whether at least one lis2 packet was received.
func (m *MasterServer) StopPolling() bool {
	addrs := make([]string, 0, len(m.discovered))
	for a := range m.discovered {
		addrs = append(addrs, a)
	}

	if m.packetCount > 0 {
		if err := m.store.SetMasterServerUp(m.address, addrs); err != nil {
			m.log.Warn().Err(err).Msg("failed to persist master server up state")
		}
		return true
	}

	if err := m.store.SetMasterServerDown(m.address); err != nil {
		m.log.Warn().Err(err).Msg("failed to persist master server down state")
	}
	return false
}
