// Package rigctl implements the front-facing Hamlib TCP listener: it
// accepts the rigctl wire format from an external client, fans *set*
// commands out to every enabled rig and answers *get* commands from the
// main rig's snapshot. Grounded on the teacher's WebSocket accept-loop
// shape (madpsy-ka9q_ubersdr/websocket.go, dxcluster_websocket.go): one
// goroutine per accepted connection, no shared per-connection state
// beyond a line buffer.
package rigctl

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rcludwick/multirig/internal/rigclient"
	"github.com/rcludwick/multirig/internal/rigconn"
	"github.com/rcludwick/multirig/internal/rigmetrics"
	"github.com/rcludwick/multirig/internal/rigwire"
)

// Registry is the subset of rigregistry.Registry the Listener depends
// on. Declared here, satisfied structurally, so this package never
// imports rigregistry.
type Registry interface {
	MainClient() *rigclient.Client
	EnabledClients() []*rigclient.Client
	RigctlToMainEnabled() bool
}

// Listener is the TCP server described in spec.md §4.E.
type Listener struct {
	reg     Registry
	log     *log.Logger
	ring    *rigconn.Ring
	metrics *rigmetrics.Metrics

	mu sync.Mutex
	ln net.Listener

	wg   sync.WaitGroup
	stop chan struct{}
}

// New constructs a Listener bound to reg. Start must be called to begin
// accepting connections.
func New(reg Registry, logger *log.Logger) *Listener {
	if logger == nil {
		logger = log.Default()
	}
	return &Listener{reg: reg, log: logger, ring: rigconn.NewRing(500)}
}

// SetMetrics attaches the counters accepted connections and accept
// errors are recorded against. Optional; a Listener with no metrics
// attached simply skips recording.
func (l *Listener) SetMetrics(m *rigmetrics.Metrics) { l.metrics = m }

// DebugEvents returns the Listener's own debug ring, distinct from any
// rig's ring.
func (l *Listener) DebugEvents() []rigconn.DebugEvent { return l.ring.Snapshot() }

// Start binds addr ("host:port") and begins accepting connections. A
// Listener may be Start-ed again after Close, e.g. on a configuration
// reload that changes the listen address.
func (l *Listener) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rigctl: listen %s: %w", addr, err)
	}
	l.mu.Lock()
	l.ln = ln
	stop := make(chan struct{})
	l.stop = stop
	l.mu.Unlock()

	l.wg.Add(1)
	go l.acceptLoop(ln, stop)
	return nil
}

// Close stops accepting new connections, closes the listening socket and
// closes every peer connection accepted since the matching Start, so
// their handlers observe read errors and exit. Close is idempotent and
// safe to call on a Listener that was never Start-ed.
func (l *Listener) Close() error {
	l.mu.Lock()
	stop := l.stop
	ln := l.ln
	l.stop = nil
	l.ln = nil
	l.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if ln != nil {
		ln.Close()
	}
	l.wg.Wait()
	return nil
}

func (l *Listener) acceptLoop(ln net.Listener, stop chan struct{}) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return
			default:
				l.log.Printf("multirig: rigctl: accept: %v", err)
				if l.metrics != nil {
					l.metrics.IncListenerAcceptError()
				}
				return
			}
		}
		if l.metrics != nil {
			l.metrics.IncListenerConnection()
		}
		go func(conn net.Conn) {
			done := make(chan struct{})
			go func() {
				select {
				case <-stop:
					conn.Close()
				case <-done:
				}
			}()
			l.handle(conn)
			close(done)
		}(conn)
	}
}

func (l *Listener) handle(conn net.Conn) {
	defer conn.Close()
	peer := uuid.New().String()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			l.ring.Add(rigconn.DebugEvent{Kind: rigconn.EventServerRX, Semantic: peer, Payload: line})
			reply := l.dispatch(line)
			l.ring.Add(rigconn.DebugEvent{Kind: rigconn.EventServerTX, Semantic: peer, Payload: reply})
			if _, werr := conn.Write([]byte(reply)); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// dispatch parses one line and returns the full reply, including its
// trailing RPRT line.
func (l *Listener) dispatch(line string) string {
	erp := strings.HasPrefix(line, "+")
	line = strings.TrimPrefix(line, "+")
	line = strings.TrimPrefix(line, "\\")

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return frame(erp, "", nil, -11)
	}
	cmd, ok := canonicalize(fields[0])
	if !ok {
		// Unknown commands never echo a command name: there is no
		// canonical name to echo, and spec.md's example expects a bare
		// "RPRT -11" reply.
		return frame(erp, "", nil, -11)
	}
	args := fields[1:]

	switch cmd {
	case "set_freq":
		return l.dispatchSetFreq(erp, args)
	case "get_freq":
		return l.dispatchGetFreq(erp)
	case "set_mode":
		return l.dispatchSetMode(erp, args)
	case "get_mode":
		return l.dispatchGetMode(erp)
	case "set_vfo":
		return l.dispatchSetVFO(erp, args)
	case "get_vfo":
		return l.dispatchGetVFO(erp)
	case "set_ptt":
		return l.dispatchSetPTT(erp, args)
	case "get_ptt":
		return l.dispatchGetPTT(erp)
	case "chk_vfo":
		return l.dispatchChkVFO(erp)
	case "dump_caps":
		return l.dispatchDumpCaps(erp)
	case "dump_state":
		return l.dispatchDumpState(erp)
	default:
		return frame(erp, cmd, nil, -11)
	}
}

// canonicalize maps both short forms (F, f, M, m, ...) and long forms
// (set_freq, get_freq, ...) onto the canonical long command name.
func canonicalize(token string) (string, bool) {
	switch token {
	case "F", "set_freq":
		return "set_freq", true
	case "f", "get_freq":
		return "get_freq", true
	case "M", "set_mode":
		return "set_mode", true
	case "m", "get_mode":
		return "get_mode", true
	case "V", "set_vfo":
		return "set_vfo", true
	case "v", "get_vfo":
		return "get_vfo", true
	case "T", "set_ptt":
		return "set_ptt", true
	case "t", "get_ptt":
		return "get_ptt", true
	case "chk_vfo":
		return "chk_vfo", true
	case "dump_caps":
		return "dump_caps", true
	case "dump_state":
		return "dump_state", true
	}
	return "", false
}

func (l *Listener) dispatchSetFreq(erp bool, args []string) string {
	if len(args) != 1 {
		return frame(erp, "set_freq", nil, -1)
	}
	hz, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return frame(erp, "set_freq", nil, -1)
	}
	rprt := l.fanOut(func(c *rigclient.Client) error { return c.SetFrequency(hz) })
	return frame(erp, "set_freq", nil, rprt)
}

func (l *Listener) dispatchSetMode(erp bool, args []string) string {
	if len(args) != 2 {
		return frame(erp, "set_mode", nil, -1)
	}
	pb, err := strconv.Atoi(args[1])
	if err != nil {
		return frame(erp, "set_mode", nil, -1)
	}
	mode := args[0]
	rprt := l.fanOut(func(c *rigclient.Client) error { return c.SetMode(mode, pb) })
	return frame(erp, "set_mode", nil, rprt)
}

func (l *Listener) dispatchSetVFO(erp bool, args []string) string {
	if len(args) != 1 {
		return frame(erp, "set_vfo", nil, -1)
	}
	vfo := args[0]
	rprt := l.fanOut(func(c *rigclient.Client) error { return c.SetVFO(vfo) })
	return frame(erp, "set_vfo", nil, rprt)
}

func (l *Listener) dispatchSetPTT(erp bool, args []string) string {
	if len(args) != 1 {
		return frame(erp, "set_ptt", nil, -1)
	}
	on := args[0] == "1"
	rprt := l.fanOut(func(c *rigclient.Client) error { return c.SetPTT(on) })
	return frame(erp, "set_ptt", nil, rprt)
}

// fanOut issues op against every currently enabled rig (spec.md §4.E:
// ignores follow_main, gates only on enabled and
// rigctl_to_main_enabled). Rigs are written concurrently, matching
// spec.md §5's "parallel across rigs" fan-out — each rig's own
// Connection still serializes the write against that rig's command
// queue, so this only removes the cross-rig head-of-line blocking a
// sequential loop would impose. Returns 0 if every invocation
// succeeded, else the first negative Hamlib code encountered, by rig
// index order. When the global forwarding gate is off, the call is
// accepted as a no-op success.
func (l *Listener) fanOut(op func(*rigclient.Client) error) int {
	if !l.reg.RigctlToMainEnabled() {
		return 0
	}
	clients := l.reg.EnabledClients()
	codes := make([]int, len(clients))
	var g errgroup.Group
	for i, c := range clients {
		i, c := i, c
		g.Go(func() error {
			if err := op(c); err != nil {
				codes[i] = rprtCode(err)
			}
			return nil
		})
	}
	g.Wait()
	for _, code := range codes {
		if code != 0 {
			return code
		}
	}
	return 0
}

func rprtCode(err error) int {
	var rigErr *rigwire.Error
	if errors.As(err, &rigErr) {
		if rigErr.Code != 0 {
			return rigErr.Code
		}
		switch rigErr.Kind {
		case rigwire.KindIO:
			return -6
		case rigwire.KindTimeout:
			return -5
		case rigwire.KindBand:
			return -1
		case rigwire.KindBusy:
			return -11
		default:
			return -1
		}
	}
	return -1
}

func (l *Listener) dispatchGetFreq(erp bool) string {
	snap, ok := l.mainSnapshot()
	if !ok {
		return frame(erp, "get_freq", nil, -6)
	}
	return frame(erp, "get_freq", []string{"Frequency: " + strconv.FormatUint(snap.FrequencyHz, 10)}, 0)
}

func (l *Listener) dispatchGetMode(erp bool) string {
	snap, ok := l.mainSnapshot()
	if !ok {
		return frame(erp, "get_mode", nil, -6)
	}
	return frame(erp, "get_mode", []string{"Mode: " + snap.Mode, "Passband: " + strconv.Itoa(snap.PassbandHz)}, 0)
}

func (l *Listener) dispatchGetVFO(erp bool) string {
	snap, ok := l.mainSnapshot()
	if !ok {
		return frame(erp, "get_vfo", nil, -6)
	}
	return frame(erp, "get_vfo", []string{"VFO: " + snap.VFO}, 0)
}

func (l *Listener) dispatchGetPTT(erp bool) string {
	snap, ok := l.mainSnapshot()
	if !ok {
		return frame(erp, "get_ptt", nil, -6)
	}
	v := "0"
	if snap.PTT {
		v = "1"
	}
	return frame(erp, "get_ptt", []string{"PTT: " + v}, 0)
}

func (l *Listener) dispatchChkVFO(erp bool) string {
	snap, ok := l.mainSnapshot()
	if !ok {
		return frame(erp, "chk_vfo", nil, -6)
	}
	v := "0"
	if snap.Caps.VFOGet && snap.Caps.VFOSet {
		v = "1"
	}
	return frame(erp, "chk_vfo", []string{v}, 0)
}

func (l *Listener) dispatchDumpCaps(erp bool) string {
	snap, ok := l.mainSnapshot()
	if !ok {
		return frame(erp, "dump_caps", nil, -6)
	}
	lines := []string{
		yesNoLine("Can set Frequency", snap.Caps.FreqSet),
		yesNoLine("Can get Frequency", snap.Caps.FreqGet),
		yesNoLine("Can set Mode", snap.Caps.ModeSet),
		yesNoLine("Can get Mode", snap.Caps.ModeGet),
		yesNoLine("Can set VFO", snap.Caps.VFOSet),
		yesNoLine("Can get VFO", snap.Caps.VFOGet),
		yesNoLine("Can set PTT", snap.Caps.PTTSet),
		yesNoLine("Can get PTT", snap.Caps.PTTGet),
		"Mode list: " + strings.Join(snap.Caps.Modes, " "),
	}
	return frame(erp, "dump_caps", lines, 0)
}

// dispatchDumpState returns a synthesized state block summarizing the
// main rig's configured band presets and mode list. This is not a full
// Hamlib dump_state reproduction, which is versioned and driver-specific
// well beyond what a coordination layer needs to expose.
func (l *Listener) dispatchDumpState(erp bool) string {
	snap, ok := l.mainSnapshot()
	if !ok {
		return frame(erp, "dump_state", nil, -6)
	}
	var lines []string
	for _, p := range snap.BandPresets {
		if !p.Enabled {
			continue
		}
		lines = append(lines, fmt.Sprintf("band %s %d %d", p.Label, p.LowerHz, p.UpperHz))
	}
	lines = append(lines, "Mode list: "+strings.Join(snap.Caps.Modes, " "))
	return frame(erp, "dump_state", lines, 0)
}

func (l *Listener) mainSnapshot() (rigclient.RigSnapshot, bool) {
	main := l.reg.MainClient()
	if main == nil {
		return rigclient.RigSnapshot{}, false
	}
	snap := main.GetStatus()
	if !snap.Connected {
		return snap, false
	}
	return snap, true
}

func yesNoLine(label string, v bool) string {
	if v {
		return label + ": Y"
	}
	return label + ": N"
}

// frame renders a reply in the form the request used: ERP replies echo
// the command name followed by a colon, each value line, then the
// terminal RPRT line; default-protocol replies omit the echoed command
// name but still terminate with RPRT.
func frame(erp bool, cmd string, lines []string, rprt int) string {
	var b strings.Builder
	if erp && cmd != "" {
		b.WriteString(cmd + ":\n")
	}
	for _, l := range lines {
		b.WriteString(l + "\n")
	}
	b.WriteString("RPRT " + strconv.Itoa(rprt) + "\n")
	return b.String()
}
