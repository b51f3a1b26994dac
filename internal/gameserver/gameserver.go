// Package gameserver implements the per-server protocol state machine: it
// builds request packets, tracks the per-round token, parses the four
// reply variants, merges them into one snapshot, and drives ranking and
// persistence when a round closes.
package gameserver

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/needs/teerank/internal/model"
	"github.com/needs/teerank/internal/rank"
	"github.com/needs/teerank/internal/wire"
)

// Protocol failures beyond the codec's own sentinels.
var (
	ErrWrongToken         = errors.New("gameserver: wrong request token")
	ErrUnsupportedVariant = errors.New("gameserver: unsupported reply variant")
)

const (
	magicHeader = "xe"
	vanillaTag  = "gie3"
	legacy64Tag = "fstd"
)

// Store is the persistence surface a GameServer round closure needs.
// UpsertClans is optional: a no-op implementation is valid.
type Store interface {
	LoadGameServer(address string) (*model.Snapshot, error)
	SaveGameServer(address string, snap model.Snapshot) error
	UpsertClans(clans []string) error
}

// GameServer owns one polling round's worth of protocol state for a single
// address. It satisfies poller.Handle structurally: StartPolling,
// ProcessPacket, StopPolling, Address.
type GameServer struct {
	address string
	store   Store
	elo     rank.EloStore
	log     zerolog.Logger

	capability model.Capability // last-known capability, drives variant selection
	token      [3]byte
	accum      model.Snapshot
	prev       model.Snapshot
	havePrev   bool
}

// New constructs a GameServer for address. prev, if non-nil, seeds the
// capability and previous-snapshot state from a persisted record (bootstrap
// from store).
func New(address string, store Store, elo rank.EloStore, log zerolog.Logger, prev *model.Snapshot) *GameServer {
	g := &GameServer{
		address: address,
		store:   store,
		elo:     elo,
		log:     log.With().Str("game_server", address).Logger(),
	}
	if prev != nil {
		g.capability = prev.Capability
		g.prev = *prev
		g.havePrev = true
	}
	return g
}

// Address returns the address this handle polls.
func (g *GameServer) Address() string {
	return g.address
}

// StartPolling resets round state, generates a fresh token and returns the
// request packets appropriate for the last-known capability.
func (g *GameServer) StartPolling() ([][]byte, error) {
	if g.capability == model.Extended {
		if _, err := rand.Read(g.token[:]); err != nil {
			return nil, fmt.Errorf("gameserver: generate token: %w", err)
		}
	} else {
		g.token = [3]byte{}
		if _, err := rand.Read(g.token[:1]); err != nil {
			return nil, fmt.Errorf("gameserver: generate token: %w", err)
		}
	}

	g.accum = model.Snapshot{}

	var packets [][]byte
	switch g.capability {
	case model.Vanilla, model.Extended:
		packets = append(packets, g.requestPacket(vanillaTag))
	case model.Legacy64:
		packets = append(packets, g.requestPacket(legacy64Tag))
	default: // Unknown: send both
		packets = append(packets, g.requestPacket(vanillaTag), g.requestPacket(legacy64Tag))
	}
	return packets, nil
}

// requestPacket builds the 15-byte request info packet for the given
// 4-byte variant tag.
func (g *GameServer) requestPacket(tag string) []byte {
	w := wire.NewWriter()
	w.WriteBytes([]byte(magicHeader))
	w.WriteBytes(g.token[1:3])           // extra token
	w.WriteBytes([]byte{0x00, 0x00})     // reserved
	w.WriteBytes([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	w.WriteBytes([]byte(tag))
	w.WriteBytes(g.token[0:1])
	return w.Bytes()
}

// ProcessPacket parses one reply datagram and merges it into the round's
// accumulated snapshot. Codec and protocol errors are logged and the
// packet is dropped; the round continues.
func (g *GameServer) ProcessPacket(payload []byte) {
	partial, err := g.parseReply(payload)
	if err != nil {
		g.log.Debug().Err(err).Msg("dropped game server packet")
		return
	}
	g.merge(partial)
}

// parseReply validates the header and token, then dispatches to the
// variant-specific parser.
func (g *GameServer) parseReply(payload []byte) (model.Snapshot, error) {
	r := wire.NewReader(payload)

	if _, err := r.ReadBytes(10); err != nil {
		return model.Snapshot{}, err
	}
	tagBytes, err := r.ReadBytes(4)
	if err != nil {
		return model.Snapshot{}, err
	}
	tag := string(tagBytes)

	rawToken, err := r.ReadInt(0)
	if err != nil {
		return model.Snapshot{}, err
	}
	b0, b1, b2 := byte(rawToken>>16), byte(rawToken>>8), byte(rawToken)
	recovered := [3]byte{b2, b0, b1}
	if recovered != g.token {
		return model.Snapshot{}, ErrWrongToken
	}

	switch tag {
	case "inf3":
		return g.parseVanilla(r)
	case "dtsf":
		return g.parseLegacy64(r)
	case "iext":
		return g.parseExtended(r)
	case "iex+":
		return g.parseExtendedMore(r)
	default:
		return model.Snapshot{}, fmt.Errorf("%w: %q", ErrUnsupportedVariant, tag)
	}
}

func (g *GameServer) parseInfo(r *wire.Reader, extended bool) (model.Info, error) {
	var info model.Info
	var err error
	if info.Version, err = r.ReadString(); err != nil {
		return info, err
	}
	if info.Name, err = r.ReadString(); err != nil {
		return info, err
	}
	if info.MapName, err = r.ReadString(); err != nil {
		return info, err
	}
	if extended {
		if info.MapCRC, err = r.ReadInt(0); err != nil {
			return info, err
		}
		if info.MapSize, err = r.ReadInt(0); err != nil {
			return info, err
		}
	}
	if info.GameType, err = r.ReadString(); err != nil {
		return info, err
	}
	if _, err = r.ReadInt(0); err != nil { // flags, discarded
		return info, err
	}
	if info.NumPlayers, err = r.ReadInt(0); err != nil {
		return info, err
	}
	if info.MaxPlayers, err = r.ReadInt(0); err != nil {
		return info, err
	}
	if info.NumClients, err = r.ReadInt(0); err != nil {
		return info, err
	}
	if info.MaxClients, err = r.ReadInt(0); err != nil {
		return info, err
	}
	return info, nil
}

func (g *GameServer) parseBasicClient(r *wire.Reader) (model.ClientInfo, error) {
	var c model.ClientInfo
	var err error
	if c.Name, err = r.ReadString(); err != nil {
		return c, err
	}
	if c.Clan, err = r.ReadString(); err != nil {
		return c, err
	}
	if c.Country, err = r.ReadInt(0); err != nil {
		return c, err
	}
	if c.Score, err = r.ReadInt(0); err != nil {
		return c, err
	}
	ingame, err := r.ReadInt(0)
	if err != nil {
		return c, err
	}
	c.Ingame = ingame != 0
	return c, nil
}

func (g *GameServer) parseExtendedClient(r *wire.Reader) (model.ClientInfo, error) {
	c, err := g.parseClientWithCountryDefault(r, -1)
	if err != nil {
		return c, err
	}
	if _, err := r.ReadString(); err != nil { // reserved, discarded
		return c, err
	}
	return c, nil
}

func (g *GameServer) parseClientWithCountryDefault(r *wire.Reader, def int) (model.ClientInfo, error) {
	var c model.ClientInfo
	var err error
	if c.Name, err = r.ReadString(); err != nil {
		return c, err
	}
	if c.Clan, err = r.ReadString(); err != nil {
		return c, err
	}
	if c.Country, err = r.ReadInt(def); err != nil {
		return c, err
	}
	if c.Score, err = r.ReadInt(0); err != nil {
		return c, err
	}
	ingame, err := r.ReadInt(0)
	if err != nil {
		return c, err
	}
	c.Ingame = ingame != 0
	return c, nil
}

func (g *GameServer) parseVanilla(r *wire.Reader) (model.Snapshot, error) {
	info, err := g.parseInfo(r, false)
	if err != nil {
		return model.Snapshot{}, err
	}
	var clients []model.ClientInfo
	for r.Remaining() >= 5 {
		c, err := g.parseBasicClient(r)
		if err != nil {
			return model.Snapshot{}, err
		}
		clients = append(clients, c)
	}
	return model.Snapshot{Capability: model.Vanilla, Info: info, Clients: clients}, nil
}

func (g *GameServer) parseLegacy64(r *wire.Reader) (model.Snapshot, error) {
	info, err := g.parseInfo(r, false)
	if err != nil {
		return model.Snapshot{}, err
	}
	// Advertised as an integer but real servers emit a single byte.
	if _, err := r.ReadBytes(1); err != nil {
		return model.Snapshot{}, err
	}
	var clients []model.ClientInfo
	for r.Remaining() >= 5 {
		c, err := g.parseBasicClient(r)
		if err != nil {
			return model.Snapshot{}, err
		}
		clients = append(clients, c)
	}
	return model.Snapshot{Capability: model.Legacy64, Info: info, Clients: clients}, nil
}

func (g *GameServer) parseExtended(r *wire.Reader) (model.Snapshot, error) {
	info, err := g.parseInfo(r, true)
	if err != nil {
		return model.Snapshot{}, err
	}
	if _, err := r.ReadString(); err != nil { // reserved
		return model.Snapshot{}, err
	}
	var clients []model.ClientInfo
	for r.Remaining() >= 6 {
		c, err := g.parseExtendedClient(r)
		if err != nil {
			return model.Snapshot{}, err
		}
		clients = append(clients, c)
	}
	return model.Snapshot{Capability: model.Extended, Info: info, Clients: clients}, nil
}

func (g *GameServer) parseExtendedMore(r *wire.Reader) (model.Snapshot, error) {
	if _, err := r.ReadInt(0); err != nil { // packet number, discarded
		return model.Snapshot{}, err
	}
	if _, err := r.ReadString(); err != nil { // reserved
		return model.Snapshot{}, err
	}
	var clients []model.ClientInfo
	for r.Remaining() >= 6 {
		c, err := g.parseExtendedClient(r)
		if err != nil {
			return model.Snapshot{}, err
		}
		clients = append(clients, c)
	}
	return model.Snapshot{Capability: model.Extended, Clients: clients}, nil
}

// merge folds a newly parsed partial snapshot into the round's
// accumulator per the capability-precedence rule.
func (g *GameServer) merge(p model.Snapshot) {
	s := &g.accum
	switch {
	case p.Capability > s.Capability:
		*s = p
	case p.Capability == s.Capability:
		s.Clients = append(s.Clients, p.Clients...)
		if p.Info != (model.Info{}) {
			s.Info = p.Info
		}
	default:
		// strictly worse than what we already have: discard
	}
}

// StopPolling closes the round: if the accumulated snapshot is complete it
// ranks against the previous snapshot, persists, and reports success;
// otherwise it reports failure and the caller re-schedules.
func (g *GameServer) StopPolling() bool {
	// No accepted packet leaves the capability Unknown; an empty accumulator
	// would otherwise pass Complete() with zero clients.
	if g.accum.Capability == model.Unknown || !g.accum.Complete() {
		return false
	}

	next := g.accum
	var prevArg *model.Snapshot
	if g.havePrev {
		prevArg = &g.prev
	}
	if _, err := rank.Rank(g.elo, prevArg, next); err != nil {
		g.log.Debug().Err(err).Msg("ranking skipped")
	}

	if err := g.store.SaveGameServer(g.address, next); err != nil {
		g.log.Warn().Err(err).Msg("failed to persist game server snapshot")
	} else {
		g.upsertClans(next)
	}

	g.prev = next
	g.havePrev = true
	g.capability = next.Capability
	return true
}

// upsertClans extracts the non-empty clan tags from a freshly persisted
// snapshot and forwards them to the store. Failures are logged and
// swallowed: clan tracking never gates ranking or persistence.
func (g *GameServer) upsertClans(snap model.Snapshot) {
	var clans []string
	for _, c := range snap.Clients {
		if c.Clan != "" {
			clans = append(clans, c.Clan)
		}
	}
	if len(clans) == 0 {
		return
	}
	if err := g.store.UpsertClans(clans); err != nil {
		g.log.Debug().Err(err).Msg("clan upsert failed")
	}
}
