package syncengine

import (
	"bufio"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rcludwick/multirig/internal/rigclient"
)

// fakeRig is the same minimal rigctld stand-in used by the rigclient
// package tests, duplicated here so this package's tests do not depend
// on rigclient's unexported test helpers.
type fakeRig struct {
	ln net.Listener

	mu   sync.Mutex
	freq uint64
	mode string
	pb   int
}

func newFakeRig(t *testing.T, freq uint64, mode string) *fakeRig {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeRig{ln: ln, freq: freq, mode: mode, pb: 2400}
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
		case "set_mode":
			f.mode = args[0]
			fakeWriteRPRTOnly(conn, erp, cmd)
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

// testRegistry is a fixed, non-reconfiguring Registry used by the
// engine tests.
type testRegistry struct {
	gen     int
	mainIdx int
	clients []Client
}

func (r *testRegistry) Generation() int  { return r.gen }
func (r *testRegistry) MainIndex() int   { return r.mainIdx }
func (r *testRegistry) Clients() []Client { return r.clients }

func newClient(t *testing.T, idx int, host string, port int, followMain bool, bandOK bool) *rigclient.Client {
	t.Helper()
	presets := []rigclient.BandPreset{{Label: "20m", LowerHz: 14000000, UpperHz: 14350000, Enabled: true}}
	if !bandOK {
		presets = []rigclient.BandPreset{{Label: "40m", LowerHz: 7000000, UpperHz: 7300000, Enabled: true}}
	}
	c := rigclient.New(idx, rigclient.Config{
		Name: "rig", Host: host, Port: port, ERP: true, Enabled: true,
		FollowMain: followMain, PollInterval: 50 * time.Millisecond, BandPresets: presets,
	}, nil)
	c.Start()
	t.Cleanup(c.Close)
	return c
}

func TestEngineSyncsCompatibleFollower(t *testing.T) {
	mainRig := newFakeRig(t, 14200000, "USB")
	followerRig := newFakeRig(t, 7100000, "USB")
	t.Cleanup(func() { mainRig.ln.Close(); followerRig.ln.Close() })

	mh, mp := mainRig.addr()
	fh, fp := followerRig.addr()
	mainClient := newClient(t, 0, mh, mp, false, true)
	followerClient := newClient(t, 1, fh, fp, true, true)

	reg := &testRegistry{mainIdx: 0, clients: []Client{mainClient, followerClient}}
	eng := New(reg, 30*time.Millisecond, log.Default())
	eng.SetEnabled(true)
	eng.Start()
	t.Cleanup(eng.Stop)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if followerRig.currentFreq() == 14200000 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("follower frequency never synced, got %d", followerRig.currentFreq())
}

func TestEngineLeavesOutOfBandFollowerUnchanged(t *testing.T) {
	mainRig := newFakeRig(t, 14200000, "USB")
	followerRig := newFakeRig(t, 7100000, "USB")
	t.Cleanup(func() { mainRig.ln.Close(); followerRig.ln.Close() })

	mh, mp := mainRig.addr()
	fh, fp := followerRig.addr()
	mainClient := newClient(t, 0, mh, mp, false, true)
	// follower only has a 40m preset, so 14.2MHz from main is out of band.
	followerClient := newClient(t, 1, fh, fp, true, false)

	reg := &testRegistry{mainIdx: 0, clients: []Client{mainClient, followerClient}}
	eng := New(reg, 30*time.Millisecond, log.Default())
	eng.SetEnabled(true)
	eng.Start()
	t.Cleanup(eng.Stop)

	time.Sleep(300 * time.Millisecond)
	if got := followerRig.currentFreq(); got != 7100000 {
		t.Fatalf("expected follower frequency untouched at 7100000, got %d", got)
	}
}

func TestEngineDisabledDoesNothing(t *testing.T) {
	mainRig := newFakeRig(t, 14200000, "USB")
	followerRig := newFakeRig(t, 7100000, "USB")
	t.Cleanup(func() { mainRig.ln.Close(); followerRig.ln.Close() })

	mh, mp := mainRig.addr()
	fh, fp := followerRig.addr()
	mainClient := newClient(t, 0, mh, mp, false, true)
	followerClient := newClient(t, 1, fh, fp, true, true)

	reg := &testRegistry{mainIdx: 0, clients: []Client{mainClient, followerClient}}
	eng := New(reg, 30*time.Millisecond, log.Default())
	eng.Start()
	t.Cleanup(eng.Stop)

	time.Sleep(300 * time.Millisecond)
	if got := followerRig.currentFreq(); got != 7100000 {
		t.Fatalf("expected no sync while disabled, got %d", got)
	}
}
