package rigctl

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rcludwick/multirig/internal/rigclient"
)

// fakeRig is a minimal rigctld stand-in, duplicated from the rigclient
// package's test helper so this package's tests stay self-contained.
type fakeRig struct {
	ln net.Listener

	mu   sync.Mutex
	freq uint64
	mode string
	pb   int
}

func newFakeRig(t *testing.T, freq uint64) *fakeRig {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeRig{ln: ln, freq: freq, mode: "USB", pb: 2400}
	go f.serve()
	return f
}

func (f *fakeRig) addr() (string, int) {
	a := f.ln.Addr().(*net.TCPAddr)
	return a.IP.String(), a.Port
}

func (f *fakeRig) currentFreq() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.freq
}

func (f *fakeRig) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeRig) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		erp := strings.HasPrefix(line, "+")
		line = strings.TrimPrefix(line, "+")
		line = strings.TrimPrefix(line, "\\")
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd := parts[0]
		args := parts[1:]

		f.mu.Lock()
		switch cmd {
		case "dump_caps":
			conn.Write([]byte(fakeCapsDump(erp)))
		case "get_freq":
			fakeWriteERP(conn, erp, cmd, []string{"Frequency: " + strconv.FormatUint(f.freq, 10)})
		case "set_freq":
			hz, _ := strconv.ParseUint(args[0], 10, 64)
			f.freq = hz
			fakeWriteRPRTOnly(conn, erp, cmd)
		case "get_mode":
			fakeWriteERP(conn, erp, cmd, []string{"Mode: " + f.mode, "Passband: " + strconv.Itoa(f.pb)})
		case "get_vfo":
			fakeWriteERP(conn, erp, cmd, []string{"VFO: VFOA"})
		case "get_ptt":
			fakeWriteERP(conn, erp, cmd, []string{"PTT: 0"})
		case "get_powerstat":
			fakeWriteERP(conn, erp, cmd, []string{"Power Stat: 1"})
		default:
			fakeWriteRPRTOnly(conn, erp, cmd)
		}
		f.mu.Unlock()
	}
}

func fakeCapsDump(erp bool) string {
	var b strings.Builder
	if erp {
		b.WriteString("dump_caps:\n")
	}
	b.WriteString("Can set Frequency: Y\nCan get Frequency: Y\n")
	b.WriteString("Can set Mode: Y\nCan get Mode: Y\n")
	b.WriteString("Can set VFO: Y\nCan get VFO: Y\n")
	b.WriteString("Can set PTT: Y\nCan get PTT: Y\n")
	b.WriteString("Mode list: USB LSB CW FM AM\n")
	b.WriteString("RPRT 0\n")
	return b.String()
}

func fakeWriteERP(conn net.Conn, erp bool, cmd string, lines []string) {
	var b strings.Builder
	if erp {
		b.WriteString(cmd + ":\n")
	}
	for _, l := range lines {
		b.WriteString(l + "\n")
	}
	b.WriteString("RPRT 0\n")
	conn.Write([]byte(b.String()))
}

func fakeWriteRPRTOnly(conn net.Conn, erp bool, cmd string) {
	var b strings.Builder
	if erp {
		b.WriteString(cmd + ":\n")
	}
	b.WriteString("RPRT 0\n")
	conn.Write([]byte(b.String()))
}

// fakeRegistry is a fixed Registry used by the listener tests.
type fakeRegistry struct {
	main    *rigclient.Client
	enabled []*rigclient.Client
	gate    bool
}

func (f *fakeRegistry) MainClient() *rigclient.Client         { return f.main }
func (f *fakeRegistry) EnabledClients() []*rigclient.Client   { return f.enabled }
func (f *fakeRegistry) RigctlToMainEnabled() bool             { return f.gate }

func newClient(t *testing.T, idx int, host string, port int) *rigclient.Client {
	t.Helper()
	c := rigclient.New(idx, rigclient.Config{
		Name: "rig", Host: host, Port: port, ERP: true, Enabled: true,
		PollInterval: 30 * time.Millisecond,
		BandPresets:  []rigclient.BandPreset{{Label: "20m", LowerHz: 14000000, UpperHz: 14350000, Enabled: true}},
	}, nil)
	c.Start()
	t.Cleanup(c.Close)
	return c
}

func waitConnected(t *testing.T, c *rigclient.Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.GetStatus().Connected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client never connected")
}

func dialAndRoundtrip(t *testing.T, addr string, line string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.Write([]byte(line))
	r := bufio.NewReader(conn)
	var out strings.Builder
	for {
		l, err := r.ReadString('\n')
		out.WriteString(l)
		if strings.HasPrefix(strings.TrimSpace(l), "RPRT") || err != nil {
			break
		}
	}
	return out.String()
}

func TestListenerERPGetFreq(t *testing.T) {
	rig := newFakeRig(t, 14074000)
	t.Cleanup(func() { rig.ln.Close() })
	h, p := rig.addr()
	c := newClient(t, 0, h, p)
	waitConnected(t, c)

	reg := &fakeRegistry{main: c, gate: true}
	l := New(reg, nil)
	if err := l.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	got := dialAndRoundtrip(t, l.addrString(t), "+f\n")
	want := "get_freq:\nFrequency: 14074000\nRPRT 0\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestListenerUnknownCommand(t *testing.T) {
	rig := newFakeRig(t, 14074000)
	t.Cleanup(func() { rig.ln.Close() })
	h, p := rig.addr()
	c := newClient(t, 0, h, p)
	waitConnected(t, c)

	reg := &fakeRegistry{main: c, gate: true}
	l := New(reg, nil)
	if err := l.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	got := dialAndRoundtrip(t, l.addrString(t), "+wut\n")
	want := "RPRT -11\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestListenerSetFreqFanOut(t *testing.T) {
	rig0 := newFakeRig(t, 14000000)
	rig1 := newFakeRig(t, 14000000)
	t.Cleanup(func() { rig0.ln.Close(); rig1.ln.Close() })
	h0, p0 := rig0.addr()
	h1, p1 := rig1.addr()
	c0 := newClient(t, 0, h0, p0)
	c1 := newClient(t, 1, h1, p1)
	waitConnected(t, c0)
	waitConnected(t, c1)

	reg := &fakeRegistry{main: c0, enabled: []*rigclient.Client{c0, c1}, gate: true}
	l := New(reg, nil)
	if err := l.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	got := dialAndRoundtrip(t, l.addrString(t), "F 14200000\n")
	if got != "RPRT 0\n" {
		t.Fatalf("got %q, want RPRT 0", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rig0.currentFreq() == 14200000 && rig1.currentFreq() == 14200000 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("fan-out frequency never reached both rigs: rig0=%d rig1=%d", rig0.currentFreq(), rig1.currentFreq())
}

func TestListenerGetFreqDisconnectedReportsIOError(t *testing.T) {
	c := rigclient.New(0, rigclient.Config{Name: "rig", Host: "127.0.0.1", Port: 1, PollInterval: 30 * time.Millisecond}, nil)
	// Never started: remains disconnected.
	reg := &fakeRegistry{main: c, gate: true}
	l := New(reg, nil)
	if err := l.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	got := dialAndRoundtrip(t, l.addrString(t), "f\n")
	if got != "RPRT -6\n" {
		t.Fatalf("got %q, want RPRT -6", got)
	}
}

// addrString exposes the bound listen address for dialing in tests.
func (l *Listener) addrString(t *testing.T) string {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		t.Fatalf("listener not started")
	}
	return l.ln.Addr().String()
}
