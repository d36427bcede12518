// Package rigclient implements the stateful façade over a rig
// connection: poll loop, capability cache, band-policy checks and an
// immutable per-tick snapshot. Grounded on the teacher's
// RotatorController (madpsy-ka9q_ubersdr/rotctl.go): a cached state
// struct behind a sync.RWMutex, refreshed by a ticking background
// goroutine, with set operations validated before being issued.
package rigclient

import (
	"time"

	"github.com/rcludwick/multirig/internal/rigconn"
	"github.com/rcludwick/multirig/internal/rigwire"
)

// BandPreset is a labeled frequency range used both for UI presentation
// and the band-validity policy check.
type BandPreset struct {
	Label    string
	CenterHz uint64
	LowerHz  uint64
	UpperHz  uint64
	Enabled  bool
}

// Config describes one rig as supplied by the configuration
// collaborator (spec.md §3's RigConfig).
type Config struct {
	Name            string
	Host            string
	Port            int
	ModelID         string
	Enabled         bool
	FollowMain      bool
	AllowOutOfBand  bool
	PollInterval    time.Duration
	BandPresets     []BandPreset
	ERP             bool
}

// RigSnapshot is the immutable, per-tick view of one rig's observable
// state — the core's source of truth for subscribers (spec.md §3).
type RigSnapshot struct {
	Index           int
	Name            string
	Connected       bool
	Enabled         bool
	FollowMain      bool
	ModelID         string
	FrequencyHz     uint64
	FrequencyAHz    uint64
	FrequencyBHz    uint64
	VFO             string
	Mode            string
	PassbandHz      int
	PTT             bool
	Split           bool
	TxVFO           string
	Info            string
	Caps            rigwire.RigCapabilities
	Modes           []string
	RawState        []string
	BandPresets     []BandPreset
	AllowOutOfBand  bool
	ConnectionError string
	LastOpError     string
	DebugEvents     []rigconn.DebugEvent
}
