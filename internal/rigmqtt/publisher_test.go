package rigmqtt

import (
	"encoding/json"
	"testing"

	"github.com/rcludwick/multirig/internal/rigclient"
)

func TestTopicForIncludesIndex(t *testing.T) {
	if got, want := topicFor("multirig", 2), "multirig/2/status"; got != want {
		t.Fatalf("topicFor = %q, want %q", got, want)
	}
}

func TestBuildPayloadRoundTripsJSON(t *testing.T) {
	snap := rigclient.RigSnapshot{Index: 1, Name: "rig1", Connected: true, FrequencyHz: 14200000, Mode: "USB", VFO: "VFOA", PTT: true}
	body, err := json.Marshal(buildPayload(snap, 1700000000))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out Payload
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Name != "rig1" || out.FrequencyHz != 14200000 || out.Timestamp != 1700000000 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}
