package rigconfig

import "testing"

func validApp() AppYAML {
	return AppYAML{
		Rigs: []RigYAML{
			{
				Name: "rig0", Host: "127.0.0.1", Port: 4532, Enabled: true, PollIntervalMs: 250,
				BandPresets: []BandPresetYAML{{Label: "20m", LowerHz: 14000000, CenterHz: 14100000, UpperHz: 14350000, Enabled: true}},
			},
		},
		SyncSourceIndex:  0,
		RigctlListenHost: "0.0.0.0",
		RigctlListenPort: 4534,
	}
}

func TestTranslateValid(t *testing.T) {
	cfg, err := Translate(validApp())
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if len(cfg.Rigs) != 1 || cfg.Rigs[0].Name != "rig0" {
		t.Fatalf("unexpected rigs: %+v", cfg.Rigs)
	}
}

func TestTranslateRejectsLowPollInterval(t *testing.T) {
	app := validApp()
	app.Rigs[0].PollIntervalMs = 50
	if _, err := Translate(app); err == nil {
		t.Fatal("expected rejection for poll_interval_ms below 100")
	}
}

func TestTranslateAcceptsMinimumPollInterval(t *testing.T) {
	app := validApp()
	app.Rigs[0].PollIntervalMs = 100
	if _, err := Translate(app); err != nil {
		t.Fatalf("expected 100ms to be accepted, got %v", err)
	}
}

func TestTranslateRejectsDuplicateLabels(t *testing.T) {
	app := validApp()
	app.Rigs[0].BandPresets = append(app.Rigs[0].BandPresets, app.Rigs[0].BandPresets[0])
	if _, err := Translate(app); err == nil {
		t.Fatal("expected rejection for duplicate band preset labels")
	}
}

func TestTranslateRejectsOutOfRangeSyncSource(t *testing.T) {
	app := validApp()
	app.SyncSourceIndex = 5
	if _, err := Translate(app); err == nil {
		t.Fatal("expected rejection for out-of-range sync_source_index")
	}
}

func TestTranslateRejectsBadCenterOrdering(t *testing.T) {
	app := validApp()
	app.Rigs[0].BandPresets[0].CenterHz = 13000000
	if _, err := Translate(app); err == nil {
		t.Fatal("expected rejection for center outside [lower, upper]")
	}
}
