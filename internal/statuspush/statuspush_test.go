package statuspush

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rcludwick/multirig/internal/rigclient"
	"github.com/rcludwick/multirig/internal/statusbus"
)

type fakeSource struct{}

func (fakeSource) SyncEnabled() bool         { return true }
func (fakeSource) MainIndex() int            { return 0 }
func (fakeSource) RigctlToMainEnabled() bool { return true }
func (fakeSource) AllRigsEnabled() bool      { return true }

func TestHandlerPushesUpdateToClient(t *testing.T) {
	bus := statusbus.New(fakeSource{})
	h := NewHandler(bus, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	bus.Publish(rigclient.RigSnapshot{Index: 0, Name: "rig0", FrequencyHz: 14200000})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got wireUpdate
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if len(got.Rigs) != 1 || got.Rigs[0].FrequencyHz != 14200000 {
		t.Fatalf("got %+v", got)
	}
}
