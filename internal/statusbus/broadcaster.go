// Package statusbus aggregates per-rig snapshots into a single Update
// and publishes it to subscribers, coalescing bursts so a slow
// subscriber only ever sees the newest state. Grounded on the teacher's
// broadcast-coalescing idiom in websocket.go: a capacity-1,
// drop-intermediate channel per subscriber, drained by its own
// goroutine.
package statusbus

import (
	"sync"
	"time"

	"github.com/rcludwick/multirig/internal/rigclient"
)

// coalesceWindow bounds how often a burst of snapshot changes is
// collapsed into a single published Update (spec.md §4.F: "coalesce
// bursts within 100 ms").
const coalesceWindow = 100 * time.Millisecond

// Update is the full, point-in-time view pushed to every subscriber.
type Update struct {
	Rigs                []rigclient.RigSnapshot
	SyncEnabled         bool
	SyncSourceIndex     int
	RigctlToMainEnabled bool
	AllRigsEnabled      bool
}

// Source supplies the Broadcaster with the current global gates; the
// per-rig snapshots themselves are read directly from each Client.
type Source interface {
	SyncEnabled() bool
	MainIndex() int
	RigctlToMainEnabled() bool
	AllRigsEnabled() bool
}

type subscriber struct {
	ch     chan Update
	notify chan struct{}
}

// Broadcaster holds the latest snapshot per rig index and fans out
// coalesced Updates to subscribers.
type Broadcaster struct {
	src Source

	mu     sync.Mutex
	latest map[int]rigclient.RigSnapshot
	subs   map[int]*subscriber
	nextID int

	stop chan struct{}
}

// New constructs a Broadcaster reading global gate state from src.
func New(src Source) *Broadcaster {
	return &Broadcaster{
		src:    src,
		latest: map[int]rigclient.RigSnapshot{},
		subs:   map[int]*subscriber{},
		stop:   make(chan struct{}),
	}
}

// Sources is the registry view the driving ticker polls on every tick
// (spec.md §2: "the Broadcaster reads snapshots from every Client on
// each tick and publishes them").
type Sources interface {
	RawClients() []*rigclient.Client
}

// Run drives periodic Publish calls for every client in srcs until stop
// is closed. Intended to be launched once by the daemon alongside the
// Broadcaster.
func (b *Broadcaster) Run(srcs Sources, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, c := range srcs.RawClients() {
				b.Publish(c.GetStatus())
			}
		}
	}
}

// Publish records snap as the current state for its rig index and
// signals every subscriber's coalescing goroutine that an update is
// pending.
func (b *Broadcaster) Publish(snap rigclient.RigSnapshot) {
	b.mu.Lock()
	b.latest[snap.Index] = snap
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

// Subscribe registers a new subscriber and returns a capacity-1 channel
// that always holds the most recent Update, plus an unsubscribe func.
func (b *Broadcaster) Subscribe() (<-chan Update, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	s := &subscriber{ch: make(chan Update, 1), notify: make(chan struct{}, 1)}
	b.subs[id] = s
	b.mu.Unlock()

	done := make(chan struct{})
	go b.coalesce(s, done)

	unsubscribe := func() {
		close(done)
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return s.ch, unsubscribe
}

func (b *Broadcaster) coalesce(s *subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(coalesceWindow)
	defer ticker.Stop()
	pending := false

	for {
		select {
		case <-done:
			return
		case <-b.stop:
			return
		case <-s.notify:
			pending = true
		case <-ticker.C:
			if !pending {
				continue
			}
			pending = false
			upd := b.snapshotUpdate()
			select {
			case s.ch <- upd:
			default:
				// Drop-intermediate: replace whatever is sitting unread.
				select {
				case <-s.ch:
				default:
				}
				s.ch <- upd
			}
		}
	}
}

func (b *Broadcaster) snapshotUpdate() Update {
	b.mu.Lock()
	rigs := make([]rigclient.RigSnapshot, 0, len(b.latest))
	for _, snap := range b.latest {
		rigs = append(rigs, snap)
	}
	b.mu.Unlock()

	return Update{
		Rigs:                rigs,
		SyncEnabled:         b.src.SyncEnabled(),
		SyncSourceIndex:     b.src.MainIndex(),
		RigctlToMainEnabled: b.src.RigctlToMainEnabled(),
		AllRigsEnabled:      b.src.AllRigsEnabled(),
	}
}

// Close stops every subscriber's coalescing goroutine.
func (b *Broadcaster) Close() {
	close(b.stop)
}
