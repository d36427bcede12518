package rigclient

import (
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcludwick/multirig/internal/rigconn"
	"github.com/rcludwick/multirig/internal/rigwire"
)

const (
	defaultDeadline = 2 * time.Second
	capsDeadline    = 5 * time.Second
)

// Client is the public stateful façade over a Connection for one rig.
// It exclusively owns its Connection and debug ring (spec.md §3
// Ownership). All public operations are safe for concurrent use.
type Client struct {
	index int
	name  string
	model string
	erp   bool
	log   *log.Logger

	conn *rigconn.Connection
	ring *rigconn.Ring

	// gate flags, read far more often than written
	mu             sync.RWMutex
	enabled        bool
	followMain     bool
	allowOutOfBand bool
	presets        []BandPreset
	interval       time.Duration

	// cached observable state, guarded separately from the gate flags
	// so a poll-loop write never contends with a reconfigure.
	stateMu     sync.RWMutex
	caps        rigwire.RigCapabilities
	freq        uint64
	freqA       uint64
	freqB       uint64
	vfo         string
	mode        string
	passband    int
	ptt         bool
	split       bool
	txVFO       string
	info        string
	rawState    []string
	lastOpError string

	snap atomic.Pointer[RigSnapshot]

	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// New constructs a Client for one rig. Start must be called to begin
// connecting and polling.
func New(index int, cfg Config, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	ring := rigconn.NewRing(500)
	conn := rigconn.New(rigconn.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		ERP:             cfg.ERP,
		DefaultDeadline: defaultDeadline,
		CapsDeadline:    capsDeadline,
	}, ring, logger)

	c := &Client{
		index:          index,
		name:           cfg.Name,
		model:          cfg.ModelID,
		erp:            cfg.ERP,
		log:            logger,
		conn:           conn,
		ring:           ring,
		enabled:        cfg.Enabled,
		followMain:     cfg.FollowMain,
		allowOutOfBand: cfg.AllowOutOfBand,
		presets:        cfg.BandPresets,
		interval:       cfg.PollInterval,
		stop:           make(chan struct{}),
		stopped:        make(chan struct{}),
	}
	c.publishSnapshot()
	return c
}

// Start launches the Connection and the background poll loop.
func (c *Client) Start() {
	c.conn.Start()
	go c.pollLoop()
}

// Close signals the poll loop to stop and waits for clean closure of the
// Connection, per spec.md §3's Lifecycle: destruction signals the loop
// to stop and awaits closure before returning.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.stopped
		c.conn.Close()
	})
}

// Index returns the rig's index in the Registry's configuration.
func (c *Client) Index() int { return c.index }

// Name returns the rig's configured name.
func (c *Client) Name() string { return c.name }

// Enabled reports whether the rig currently participates in polling and
// commands.
func (c *Client) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

// FollowMain reports whether the rig currently accepts sync from main.
func (c *Client) FollowMain() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.followMain
}

// Enable enables or disables the rig's participation in polling and
// commands. Operations already queued at the transition are allowed to
// drain rather than being cancelled.
func (c *Client) Enable(on bool) {
	c.mu.Lock()
	c.enabled = on
	c.mu.Unlock()
	c.publishSnapshot()
}

// SetFollowMain enables or disables sync-engine participation.
func (c *Client) SetFollowMain(on bool) {
	c.mu.Lock()
	c.followMain = on
	c.mu.Unlock()
	c.publishSnapshot()
}

// SetAllowOutOfBand toggles the band-policy override.
func (c *Client) SetAllowOutOfBand(on bool) {
	c.mu.Lock()
	c.allowOutOfBand = on
	c.mu.Unlock()
	c.publishSnapshot()
}

// GetStatus is a non-blocking read of the last published snapshot.
func (c *Client) GetStatus() RigSnapshot {
	p := c.snap.Load()
	if p == nil {
		return RigSnapshot{Index: c.index, Name: c.name}
	}
	return *p
}

// DebugEvents returns a copy of this rig's debug ring.
func (c *Client) DebugEvents() []rigconn.DebugEvent {
	return c.ring.Snapshot()
}

func (c *Client) bandPolicyInputs() ([]BandPreset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.presets, c.allowOutOfBand
}

// SetFrequency validates hz against the band policy and, if accepted,
// issues \set_freq. On success the cached frequency is updated and a
// fresh snapshot published.
func (c *Client) SetFrequency(hz uint64) error {
	presets, allowOOB := c.bandPolicyInputs()
	if !checkBand(presets, allowOOB, hz) {
		err := rigwire.NewBandError("set_freq")
		c.recordOpError(err)
		return err
	}

	_, err := c.conn.Submit(rigwire.Command{Name: "set_freq", Args: []string{strconv.FormatUint(hz, 10)}}, defaultDeadline)
	if err != nil {
		c.recordOpError(err)
		return err
	}

	c.stateMu.Lock()
	c.freq = hz
	c.stateMu.Unlock()
	c.clearOpError()
	c.publishSnapshot()
	return nil
}

// SetMode issues \set_mode. A zero passband requests the backend
// default width.
func (c *Client) SetMode(mode string, passband int) error {
	_, err := c.conn.Submit(rigwire.Command{Name: "set_mode", Args: []string{mode, strconv.Itoa(passband)}}, defaultDeadline)
	if err != nil {
		c.recordOpError(err)
		return err
	}

	c.stateMu.Lock()
	c.mode = mode
	c.passband = passband
	c.stateMu.Unlock()
	c.clearOpError()
	c.publishSnapshot()
	return nil
}

// SetVFO issues \set_vfo with one of VFOA, VFOB or currVFO.
func (c *Client) SetVFO(vfo string) error {
	_, err := c.conn.Submit(rigwire.Command{Name: "set_vfo", Args: []string{vfo}}, defaultDeadline)
	if err != nil {
		c.recordOpError(err)
		return err
	}

	c.stateMu.Lock()
	c.vfo = vfo
	c.stateMu.Unlock()
	c.clearOpError()
	c.publishSnapshot()
	return nil
}

// SetPTT issues \set_ptt.
func (c *Client) SetPTT(on bool) error {
	val := "0"
	if on {
		val = "1"
	}
	_, err := c.conn.Submit(rigwire.Command{Name: "set_ptt", Args: []string{val}}, defaultDeadline)
	if err != nil {
		c.recordOpError(err)
		return err
	}

	c.stateMu.Lock()
	c.ptt = on
	c.stateMu.Unlock()
	c.clearOpError()
	c.publishSnapshot()
	return nil
}

// SyncFrom copies frequency and mode atomically from source's current
// snapshot through the normal set operations. Frequency and mode are
// issued independently; partial success is permitted, matching the
// Sync Engine's own per-op semantics in spec.md §4.D.
func (c *Client) SyncFrom(source *Client) error {
	src := source.GetStatus()

	freqErr := c.SetFrequency(src.FrequencyHz)
	modeErr := c.SetMode(src.Mode, src.PassbandHz)

	if freqErr != nil {
		return freqErr
	}
	return modeErr
}

// RefreshCaps forces a re-read of dump_caps, updates the snapshot and
// clears the cached mode so the next poll re-observes it. It also
// refreshes get_info and dump_state, the remaining command-table
// entries that describe the rig rather than its moment-to-moment state,
// so they are re-read whenever capabilities are (re)established rather
// than on every poll tick.
func (c *Client) RefreshCaps() error {
	resp, err := c.conn.Submit(rigwire.Command{Name: "dump_caps"}, capsDeadline)
	if err != nil {
		c.recordOpError(err)
		return err
	}
	caps := rigwire.ParseDumpCaps(resp.Lines)

	info := c.fetchInfo()
	state := c.fetchState()

	c.stateMu.Lock()
	c.caps = caps
	c.mode = ""
	c.info = info
	c.rawState = state
	c.stateMu.Unlock()
	c.clearOpError()
	c.publishSnapshot()
	return nil
}

func (c *Client) fetchInfo() string {
	resp, err := c.conn.Submit(rigwire.Command{Name: "get_info"}, defaultDeadline)
	if err != nil {
		c.recordOpError(err)
		return ""
	}
	c.clearOpError()
	if len(resp.Lines) > 0 {
		return resp.Lines[0]
	}
	return ""
}

func (c *Client) fetchState() []string {
	resp, err := c.conn.Submit(rigwire.Command{Name: "dump_state"}, capsDeadline)
	if err != nil {
		c.recordOpError(err)
		return nil
	}
	c.clearOpError()
	return resp.Lines
}

// GetLevel issues \get_level <name> and returns the backend's raw value
// line. Level tokens are driver-specific; per spec.md's Open Question
// the Client treats them as opaque pass-through rather than parsing them.
func (c *Client) GetLevel(name string) (string, error) {
	resp, err := c.conn.Submit(rigwire.Command{Name: "get_level", Args: []string{name}}, defaultDeadline)
	if err != nil {
		c.recordOpError(err)
		return "", err
	}
	c.clearOpError()
	return lastLine(resp.Lines), nil
}

// SetConf issues \set_conf <token> <value>, an opaque driver-specific
// configuration write.
func (c *Client) SetConf(token, value string) error {
	_, err := c.conn.Submit(rigwire.Command{Name: "set_conf", Args: []string{token, value}}, defaultDeadline)
	if err != nil {
		c.recordOpError(err)
		return err
	}
	c.clearOpError()
	return nil
}

// GetConf issues \get_conf <token> and returns the backend's raw value.
func (c *Client) GetConf(token string) (string, error) {
	resp, err := c.conn.Submit(rigwire.Command{Name: "get_conf", Args: []string{token}}, defaultDeadline)
	if err != nil {
		c.recordOpError(err)
		return "", err
	}
	c.clearOpError()
	return lastLine(resp.Lines), nil
}

func lastLine(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

func (c *Client) recordOpError(err error) {
	c.stateMu.Lock()
	c.lastOpError = err.Error()
	c.stateMu.Unlock()
	c.publishSnapshot()
}

func (c *Client) clearOpError() {
	c.stateMu.Lock()
	c.lastOpError = ""
	c.stateMu.Unlock()
}

// pollLoop drives the periodic state refresh described in spec.md
// §4.C. Every tick, if enabled and connected, it best-effort refreshes
// powerstat, frequency, mode, VFO, PTT and (when dual-VFO capable)
// probes both VFOs' frequencies. A snapshot is published at the end of
// every iteration.
func (c *Client) pollLoop() {
	defer close(c.stopped)

	c.mu.RLock()
	interval := c.interval
	c.mu.RUnlock()
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}

		if !c.Enabled() {
			continue
		}

		if c.conn.State() != rigconn.StateConnected {
			// Drop cached caps so the next connected tick re-reads dump_caps.
			c.stateMu.Lock()
			c.caps = rigwire.RigCapabilities{}
			c.stateMu.Unlock()
			c.publishSnapshot()
			continue
		}

		if c.capsSnapshot().Empty() {
			if err := c.RefreshCaps(); err != nil {
				c.log.Printf("multirig: rigclient[%d]: dump_caps failed: %v", c.index, err)
			}
		}

		c.pollOnce()
		c.publishSnapshot()
	}
}

func (c *Client) capsSnapshot() rigwire.RigCapabilities {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.caps
}

func (c *Client) pollOnce() {
	c.tryGetPowerstat()
	c.tryGetFreq()
	c.tryGetMode()
	c.tryGetVFO()
	c.tryGetSplitVFO()

	caps := c.capsSnapshot()
	if caps.PTTGet {
		c.tryGetPTT()
	}
	if caps.VFOGet && caps.VFOSet {
		c.probeDualVFO()
	}
}

func (c *Client) tryGetPowerstat() {
	if _, err := c.conn.Submit(rigwire.Command{Name: "get_powerstat"}, defaultDeadline); err != nil {
		c.recordOpError(err)
	}
}

func (c *Client) tryGetFreq() {
	resp, err := c.conn.Submit(rigwire.Command{Name: "get_freq"}, defaultDeadline)
	if err != nil {
		c.recordOpError(err)
		return
	}
	hz, perr := strconv.ParseUint(resp.KeyVals["Frequency"], 10, 64)
	if perr != nil {
		c.recordOpError(rigwire.NewProtocolError("get_freq", "unparseable Frequency value", resp.Lines))
		return
	}
	c.stateMu.Lock()
	c.freq = hz
	c.stateMu.Unlock()
	c.clearOpError()
}

func (c *Client) tryGetMode() {
	resp, err := c.conn.Submit(rigwire.Command{Name: "get_mode"}, defaultDeadline)
	if err != nil {
		c.recordOpError(err)
		return
	}
	pb, _ := strconv.Atoi(resp.KeyVals["Passband"])
	c.stateMu.Lock()
	c.mode = resp.KeyVals["Mode"]
	c.passband = pb
	c.stateMu.Unlock()
	c.clearOpError()
}

func (c *Client) tryGetVFO() {
	resp, err := c.conn.Submit(rigwire.Command{Name: "get_vfo"}, defaultDeadline)
	if err != nil {
		c.recordOpError(err)
		return
	}
	c.stateMu.Lock()
	c.vfo = resp.KeyVals["VFO"]
	c.stateMu.Unlock()
	c.clearOpError()
}

func (c *Client) tryGetSplitVFO() {
	resp, err := c.conn.Submit(rigwire.Command{Name: "get_split_vfo"}, defaultDeadline)
	if err != nil {
		c.recordOpError(err)
		return
	}
	c.stateMu.Lock()
	c.split = resp.KeyVals["Split"] == "1"
	c.txVFO = resp.KeyVals["TX VFO"]
	c.stateMu.Unlock()
	c.clearOpError()
}

func (c *Client) tryGetPTT() {
	resp, err := c.conn.Submit(rigwire.Command{Name: "get_ptt"}, defaultDeadline)
	if err != nil {
		c.recordOpError(err)
		return
	}
	c.stateMu.Lock()
	c.ptt = resp.KeyVals["PTT"] == "1"
	c.stateMu.Unlock()
	c.clearOpError()
}

// probeDualVFO reads each VFO's frequency in turn, restoring the
// originally active VFO on exit, per spec.md §4.C.
func (c *Client) probeDualVFO() {
	c.stateMu.RLock()
	originalVFO := c.vfo
	c.stateMu.RUnlock()

	for vfo, slot := range map[string]*uint64{"VFOA": &c.freqA, "VFOB": &c.freqB} {
		if _, err := c.conn.Submit(rigwire.Command{Name: "set_vfo", Args: []string{vfo}}, defaultDeadline); err != nil {
			c.recordOpError(err)
			continue
		}
		resp, err := c.conn.Submit(rigwire.Command{Name: "get_freq"}, defaultDeadline)
		if err != nil {
			c.recordOpError(err)
			continue
		}
		hz, perr := strconv.ParseUint(resp.KeyVals["Frequency"], 10, 64)
		if perr != nil {
			c.recordOpError(rigwire.NewProtocolError("get_freq", "unparseable Frequency value", resp.Lines))
			continue
		}
		c.stateMu.Lock()
		*slot = hz
		c.stateMu.Unlock()
	}

	if originalVFO != "" {
		if _, err := c.conn.Submit(rigwire.Command{Name: "set_vfo", Args: []string{originalVFO}}, defaultDeadline); err != nil {
			c.recordOpError(err)
		}
	}
}

func (c *Client) publishSnapshot() {
	c.mu.RLock()
	enabled := c.enabled
	followMain := c.followMain
	allowOOB := c.allowOutOfBand
	presets := append([]BandPreset(nil), c.presets...)
	c.mu.RUnlock()

	c.stateMu.RLock()
	caps := c.caps
	freq, freqA, freqB := c.freq, c.freqA, c.freqB
	vfo, mode, passband, ptt := c.vfo, c.mode, c.passband, c.ptt
	split, txVFO, info := c.split, c.txVFO, c.info
	rawState := append([]string(nil), c.rawState...)
	lastOpErr := c.lastOpError
	c.stateMu.RUnlock()

	var connErr string
	connState := c.conn.State() == rigconn.StateConnected
	// A live socket with no capabilities yet read is not "connected" for
	// snapshot purposes: spec.md §8's invariant "connected ⇒ caps ≠ ∅"
	// must hold for every published snapshot, not just eventually.
	connected := connState && !caps.Empty()
	if !connected {
		switch {
		case !connState:
			if err := c.conn.ConnError(); err != nil {
				connErr = err.Error()
			} else {
				connErr = fmt.Sprintf("not connected (state=%s)", c.conn.State())
			}
		default:
			connErr = "connected but capabilities not yet established"
		}
	}

	snap := &RigSnapshot{
		Index:           c.index,
		Name:            c.name,
		Connected:       connected,
		Enabled:         enabled,
		FollowMain:      followMain,
		ModelID:         c.model,
		FrequencyHz:     freq,
		FrequencyAHz:    freqA,
		FrequencyBHz:    freqB,
		VFO:             vfo,
		Mode:            mode,
		PassbandHz:      passband,
		PTT:             ptt,
		Split:           split,
		TxVFO:           txVFO,
		Info:            info,
		Caps:            caps,
		Modes:           caps.Modes,
		RawState:        rawState,
		BandPresets:     presets,
		AllowOutOfBand:  allowOOB,
		ConnectionError: connErr,
		LastOpError:     lastOpErr,
		DebugEvents:     c.ring.Snapshot(),
	}
	c.snap.Store(snap)
}
