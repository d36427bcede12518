package rigclient

import "testing"

func TestCheckBand(t *testing.T) {
	twentyMeters := BandPreset{Label: "20m", LowerHz: 14000000, UpperHz: 14350000, Enabled: true}
	disabledForty := BandPreset{Label: "40m", LowerHz: 7000000, UpperHz: 7300000, Enabled: false}

	cases := []struct {
		name     string
		presets  []BandPreset
		allowOOB bool
		hz       uint64
		want     bool
	}{
		{"in band", []BandPreset{twentyMeters}, false, 14200000, true},
		{"out of band rejected", []BandPreset{twentyMeters}, false, 7074000, false},
		{"out of band allowed by override", []BandPreset{twentyMeters}, true, 7074000, true},
		{"empty presets rejected", nil, false, 14200000, false},
		{"empty presets allowed by override", nil, true, 14200000, true},
		{"disabled preset does not count", []BandPreset{disabledForty}, false, 7100000, false},
		{"boundary lower inclusive", []BandPreset{twentyMeters}, false, 14000000, true},
		{"boundary upper inclusive", []BandPreset{twentyMeters}, false, 14350000, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := checkBand(c.presets, c.allowOOB, c.hz); got != c.want {
				t.Fatalf("checkBand(%v, %v, %d) = %v, want %v", c.presets, c.allowOOB, c.hz, got, c.want)
			}
		})
	}
}
