// Package poller implements the polling engine: a single-threaded
// scheduler owning one UDP socket, a heap of due-time-ordered entries, an
// in-flight batch keyed by source address, and a send-rate cap. It knows
// nothing about game-server or master-server wire formats; it drives
// whatever Handle it's given through StartPolling/ProcessPacket/StopPolling.
package poller

import (
	"container/heap"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/rs/zerolog"
)

const (
	// PollDelay is the nominal interval between successful polls of the
	// same server.
	PollDelay = 180 * time.Second

	// MaxPacketsPerTick bounds how many request packets are sent in a
	// single tick, to limit packet loss under bursty schedules.
	MaxPacketsPerTick = 25

	// MaxPollFailure is the number of consecutive round failures after
	// which a server is evicted from the pool.
	MaxPollFailure = 3
)

// Handle is the uniform contract the engine drives every pooled server
// through, regardless of whether it's a game server or a master server.
type Handle interface {
	// Address returns the UDP address this handle polls.
	Address() string
	// StartPolling resets round state and returns the request packets to
	// send for this round.
	StartPolling() ([][]byte, error)
	// ProcessPacket folds one reply datagram into the round's state.
	ProcessPacket(payload []byte)
	// StopPolling closes the round and reports whether it completed
	// successfully.
	StopPolling() bool
}

// Pool is the subset of Engine that handles use to discover whether an
// address is already known and to add newly discovered ones (the
// master-server FSM uses this when parsing a lis2 reply).
type Pool interface {
	Contains(address string) bool
	Add(h Handle)
}

// entry is one scheduling record in the heap.
type entry struct {
	handle   Handle
	dueAt    time.Time
	failures int
	seq      int64 // insertion order, breaks dueAt ties
	index    int   // heap.Interface bookkeeping
}

// entryHeap implements container/heap.Interface ordered by (dueAt, seq).
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].dueAt.Equal(h[j].dueAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].dueAt.Before(h[j].dueAt)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Engine is the polling engine. The heap, index and batch are mutated
// only from Tick and Add; there is no internal synchronization because the
// engine is driven by a single cooperative loop.
type Engine struct {
	conn *net.UDPConn
	log  zerolog.Logger

	heap  entryHeap
	index map[string]*entry
	batch map[string]*entry
	seq   int64
}

// New binds a UDP socket on bindAddr (host:port, empty host for all
// interfaces) and returns an Engine ready to have servers added to it.
func New(bindAddr string, log zerolog.Logger) (*Engine, error) {
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("poller: resolve bind address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("poller: bind socket: %w", err)
	}
	return &Engine{
		conn:  conn,
		log:   log,
		index: map[string]*entry{},
		batch: map[string]*entry{},
	}, nil
}

// Close releases the engine's socket.
func (e *Engine) Close() error {
	return e.conn.Close()
}

// Contains reports whether address is already tracked by the engine,
// either scheduled or awaiting replies this round.
func (e *Engine) Contains(address string) bool {
	_, ok := e.index[address]
	return ok
}

// Add inserts h into the pool with a jittered initial due time so a
// freshly loaded population is spread uniformly over PollDelay.
func (e *Engine) Add(h Handle) {
	if e.Contains(h.Address()) {
		return
	}
	jitter, err := randDuration(PollDelay)
	if err != nil {
		jitter = 0
	}
	en := &entry{
		handle: h,
		dueAt:  time.Now().Add(jitter),
		seq:    e.seq,
	}
	e.seq++
	heap.Push(&e.heap, en)
	e.index[h.Address()] = en
}

func randDuration(max time.Duration) (time.Duration, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, err
	}
	return time.Duration(n.Int64()), nil
}

// Tick runs one cooperative cycle: drain inbound packets, close the
// current batch's rounds, then start the next batch.
func (e *Engine) Tick() {
	e.drain()
	e.closeBatch()
	e.startBatch()
}

// drain non-blockingly reads every datagram currently queued on the
// socket and routes it to the batch entry for its source address.
func (e *Engine) drain() {
	buf := make([]byte, 4096)
	for {
		if err := e.conn.SetReadDeadline(time.Now()); err != nil {
			e.log.Warn().Err(err).Msg("failed to set read deadline")
			return
		}
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return
			}
			e.log.Debug().Err(err).Msg("socket read error")
			return
		}

		en, ok := e.batch[addr.String()]
		if !ok {
			continue // packet for a round already closed, or unknown source
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		en.handle.ProcessPacket(payload)
	}
}

// closeBatch asks every entry in the current batch whether its round
// completed, reschedules or evicts accordingly, and empties the batch.
func (e *Engine) closeBatch() {
	for addr, en := range e.batch {
		if en.handle.StopPolling() {
			en.failures = 0
			en.dueAt = time.Now().Add(PollDelay)
		} else {
			en.failures++
			if en.failures >= MaxPollFailure {
				e.log.Warn().Str("address", addr).Msg("evicting server after repeated poll failures")
				delete(e.index, addr)
				delete(e.batch, addr)
				continue
			}
			// retry at the same due time: clients rely on the initial
			// jitter to stay spread out.
		}
		heap.Push(&e.heap, en)
		delete(e.batch, addr)
	}
}

// startBatch pops every due entry from the heap, asks it to start a new
// round, sends its request packets, and moves it into the batch — up to
// MaxPacketsPerTick packets sent this tick.
func (e *Engine) startBatch() {
	now := time.Now()
	sent := 0

	for e.heap.Len() > 0 && sent < MaxPacketsPerTick {
		if e.heap[0].dueAt.After(now) {
			break
		}
		en := heap.Pop(&e.heap).(*entry)

		packets, err := en.handle.StartPolling()
		if err != nil {
			e.log.Warn().Err(err).Str("address", en.handle.Address()).Msg("failed to start poll round")
			heap.Push(&e.heap, en)
			break
		}

		addr, err := net.ResolveUDPAddr("udp", en.handle.Address())
		if err != nil {
			e.log.Warn().Err(err).Str("address", en.handle.Address()).Msg("failed to resolve address")
			continue
		}
		for _, p := range packets {
			if _, err := e.conn.WriteToUDP(p, addr); err != nil {
				e.log.Debug().Err(err).Str("address", en.handle.Address()).Msg("failed to send request packet")
			}
		}

		e.batch[en.handle.Address()] = en
		sent += len(packets)
	}
}

