package statusbus

import (
	"testing"
	"time"

	"github.com/rcludwick/multirig/internal/rigclient"
)

type fakeSource struct{}

func (fakeSource) SyncEnabled() bool         { return true }
func (fakeSource) MainIndex() int            { return 0 }
func (fakeSource) RigctlToMainEnabled() bool { return true }
func (fakeSource) AllRigsEnabled() bool      { return true }

func TestBroadcasterCoalescesAndDelivers(t *testing.T) {
	b := New(fakeSource{})
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.Publish(rigclient.RigSnapshot{Index: 0, FrequencyHz: 14200000})
	b.Publish(rigclient.RigSnapshot{Index: 0, FrequencyHz: 14250000})

	select {
	case upd := <-ch:
		if len(upd.Rigs) != 1 || upd.Rigs[0].FrequencyHz != 14250000 {
			t.Fatalf("got %+v, want latest frequency only", upd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update received")
	}
}

func TestBroadcasterSlowSubscriberGetsNewestOnly(t *testing.T) {
	b := New(fakeSource{})
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	for hz := uint64(14000000); hz < 14000010; hz++ {
		b.Publish(rigclient.RigSnapshot{Index: 0, FrequencyHz: hz})
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(250 * time.Millisecond)
	select {
	case upd := <-ch:
		if upd.Rigs[0].FrequencyHz != 14000009 {
			t.Fatalf("FrequencyHz = %d, want 14000009", upd.Rigs[0].FrequencyHz)
		}
	default:
		t.Fatal("expected a coalesced update to be pending")
	}
}
