// Package rigregistry holds the authoritative set of rig clients and
// performs atomic reconfiguration. Grounded on the teacher's
// decoder_spawner.go lifecycle (build-new, start-new, quiesce-old,
// stop-old) and admin.go's config-reload handling.
package rigregistry

import (
	"log"
	"sync"
	"time"

	"github.com/rcludwick/multirig/internal/rigclient"
	"github.com/rcludwick/multirig/internal/syncengine"
)

// quiesceWindow is how long old clients are left running after a
// reconfigure swap before being closed, so in-flight operations on them
// can still report an error rather than silently disappearing.
const quiesceWindow = 2 * time.Second

// AppConfig is the top-level configuration the Registry is reconfigured
// with (spec.md §3's AppConfig).
type AppConfig struct {
	Rigs                []rigclient.Config
	SyncSourceIndex     int
	SyncEnabled         bool
	RigctlToMainEnabled bool
	RigctlListenHost    string
	RigctlListenPort    int
	AllRigsEnabled      bool
}

// Registry is the single owner of the live Client set.
type Registry struct {
	log *log.Logger

	mu         sync.RWMutex
	cfg        AppConfig
	clients    []*rigclient.Client
	generation int
}

// New constructs an empty registry; call Apply to load the first
// configuration.
func New(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{log: logger}
}

// Apply atomically transitions the registry to cfg: it builds and starts
// new clients for every entry in cfg.Rigs, swaps them in, then closes the
// previous generation's clients after a quiescence window. It reports
// whether the rigctl listener's host/port changed, so the caller can
// decide whether the Listener needs restarting (spec.md §4.G).
func (r *Registry) Apply(cfg AppConfig) bool {
	next := make([]*rigclient.Client, len(cfg.Rigs))
	for i, rc := range cfg.Rigs {
		c := rigclient.New(i, rc, r.log)
		c.Start()
		next[i] = c
	}

	r.mu.Lock()
	old := r.clients
	prevCfg := r.cfg
	r.clients = next
	r.cfg = cfg
	r.generation++
	r.mu.Unlock()

	if len(old) > 0 {
		go func(stale []*rigclient.Client) {
			time.Sleep(quiesceWindow)
			for _, c := range stale {
				c.Close()
			}
		}(old)
	}

	return prevCfg.RigctlListenHost != cfg.RigctlListenHost || prevCfg.RigctlListenPort != cfg.RigctlListenPort
}

// Generation returns the current reconfigure generation counter.
func (r *Registry) Generation() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// MainIndex returns the configured sync source index.
func (r *Registry) MainIndex() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.SyncSourceIndex
}

// AllRigsEnabled reports the master enable gate.
func (r *Registry) AllRigsEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.AllRigsEnabled
}

// SyncEnabled reports the global main->follower mirroring gate.
func (r *Registry) SyncEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.SyncEnabled
}

// RigctlToMainEnabled reports the global Listener->rig forwarding gate.
func (r *Registry) RigctlToMainEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.RigctlToMainEnabled
}

// SetSyncEnabled flips the sync_enabled gate at runtime.
func (r *Registry) SetSyncEnabled(on bool) {
	r.mu.Lock()
	r.cfg.SyncEnabled = on
	r.mu.Unlock()
}

// SetRigctlToMainEnabled flips the rigctl_to_main_enabled gate at runtime.
func (r *Registry) SetRigctlToMainEnabled(on bool) {
	r.mu.Lock()
	r.cfg.RigctlToMainEnabled = on
	r.mu.Unlock()
}

// SetSyncSource changes which rig index is treated as main.
func (r *Registry) SetSyncSource(idx int) {
	r.mu.Lock()
	r.cfg.SyncSourceIndex = idx
	r.mu.Unlock()
}

// RawClients returns the current generation's clients in index order.
// Callers must not retain this slice past a subsequent Apply.
func (r *Registry) RawClients() []*rigclient.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*rigclient.Client, len(r.clients))
	copy(out, r.clients)
	return out
}

// Client returns the client at idx, or nil if the index is out of range
// for the current generation.
func (r *Registry) Client(idx int) *rigclient.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if idx < 0 || idx >= len(r.clients) {
		return nil
	}
	return r.clients[idx]
}

// MainClient returns the client currently designated as main, or nil.
func (r *Registry) MainClient() *rigclient.Client {
	return r.Client(r.MainIndex())
}

// Clients implements syncengine.Registry's Clients method: every client
// wrapped so its effective Enabled() honors the AllRigsEnabled master
// gate, without the Sync Engine ever holding a reference past a
// reconfigure.
func (r *Registry) Clients() []syncengine.Client {
	raw := r.RawClients()
	out := make([]syncengine.Client, len(raw))
	for i, c := range raw {
		out[i] = clientView{c: c, reg: r}
	}
	return out
}

// EnabledClients returns the clients currently gated in (master gate AND
// per-rig enabled), used by the Listener's fan-out.
func (r *Registry) EnabledClients() []*rigclient.Client {
	if !r.AllRigsEnabled() {
		return nil
	}
	raw := r.RawClients()
	out := make([]*rigclient.Client, 0, len(raw))
	for _, c := range raw {
		if c.Enabled() {
			out = append(out, c)
		}
	}
	return out
}

// clientView adapts *rigclient.Client to syncengine.Client, folding in
// the registry's master enable gate.
type clientView struct {
	c   *rigclient.Client
	reg *Registry
}

func (v clientView) Index() int      { return v.c.Index() }
func (v clientView) Enabled() bool   { return v.reg.AllRigsEnabled() && v.c.Enabled() }
func (v clientView) FollowMain() bool { return v.c.FollowMain() }
func (v clientView) GetStatus() rigclient.RigSnapshot { return v.c.GetStatus() }
func (v clientView) SetFrequency(hz uint64) error     { return v.c.SetFrequency(hz) }
func (v clientView) SetMode(mode string, pb int) error { return v.c.SetMode(mode, pb) }
