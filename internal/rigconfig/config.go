// Package rigconfig implements the YAML-backed configuration loader for
// the bundled daemon: the concrete load_configuration()/
// apply_configuration() collaborator surfaces of spec.md §6. Grounded on
// the teacher's config.go Config struct and YAML loading, and on
// rotator_scheduler.go's RotatorScheduleConfig, both decoded via
// gopkg.in/yaml.v3.
package rigconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rcludwick/multirig/internal/rigclient"
	"github.com/rcludwick/multirig/internal/rigregistry"
)

// BandPresetYAML mirrors rigclient.BandPreset for YAML decode.
type BandPresetYAML struct {
	Label    string `yaml:"label"`
	CenterHz uint64 `yaml:"center_hz"`
	LowerHz  uint64 `yaml:"lower_hz"`
	UpperHz  uint64 `yaml:"upper_hz"`
	Enabled  bool   `yaml:"enabled"`
}

// RigYAML mirrors rigclient.Config for YAML decode.
type RigYAML struct {
	Name           string           `yaml:"name"`
	Host           string           `yaml:"host"`
	Port           int              `yaml:"port"`
	ModelID        string           `yaml:"model_id"`
	Enabled        bool             `yaml:"enabled"`
	FollowMain     bool             `yaml:"follow_main"`
	AllowOutOfBand bool             `yaml:"allow_out_of_band"`
	PollIntervalMs int              `yaml:"poll_interval_ms"`
	ERP            bool             `yaml:"erp"`
	BandPresets    []BandPresetYAML `yaml:"band_presets"`
}

// AppYAML mirrors rigregistry.AppConfig for YAML decode.
type AppYAML struct {
	Rigs                []RigYAML `yaml:"rigs"`
	SyncSourceIndex     int       `yaml:"sync_source_index"`
	SyncEnabled         bool      `yaml:"sync_enabled"`
	RigctlToMainEnabled bool      `yaml:"rigctl_to_main_enabled"`
	RigctlListenHost    string    `yaml:"rigctl_listen_host"`
	RigctlListenPort    int       `yaml:"rigctl_listen_port"`
	AllRigsEnabled      bool      `yaml:"all_rigs_enabled"`
}

// Load reads and validates an AppConfig from a YAML file at path,
// implementing spec.md §6's load_configuration() surface for the
// bundled daemon.
func Load(path string) (rigregistry.AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return rigregistry.AppConfig{}, fmt.Errorf("rigconfig: read %s: %w", path, err)
	}
	var raw AppYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return rigregistry.AppConfig{}, fmt.Errorf("rigconfig: parse %s: %w", path, err)
	}
	return Translate(raw)
}

// Translate converts the YAML-shaped configuration into the Registry's
// AppConfig, validating spec.md §3's invariants along the way.
func Translate(raw AppYAML) (rigregistry.AppConfig, error) {
	if raw.SyncSourceIndex < 0 || raw.SyncSourceIndex >= len(raw.Rigs) {
		return rigregistry.AppConfig{}, fmt.Errorf("rigconfig: sync_source_index %d out of range for %d rigs", raw.SyncSourceIndex, len(raw.Rigs))
	}

	rigs := make([]rigclient.Config, len(raw.Rigs))
	for i, r := range raw.Rigs {
		if r.PollIntervalMs < 100 {
			return rigregistry.AppConfig{}, fmt.Errorf("rigconfig: rig %q poll_interval_ms %d below 100ms minimum", r.Name, r.PollIntervalMs)
		}
		presets, err := translatePresets(r.Name, r.BandPresets)
		if err != nil {
			return rigregistry.AppConfig{}, err
		}
		rigs[i] = rigclient.Config{
			Name:           r.Name,
			Host:           r.Host,
			Port:           r.Port,
			ModelID:        r.ModelID,
			Enabled:        r.Enabled,
			FollowMain:     r.FollowMain,
			AllowOutOfBand: r.AllowOutOfBand,
			PollInterval:   time.Duration(r.PollIntervalMs) * time.Millisecond,
			BandPresets:    presets,
			ERP:            r.ERP,
		}
	}

	return rigregistry.AppConfig{
		Rigs:                rigs,
		SyncSourceIndex:     raw.SyncSourceIndex,
		SyncEnabled:         raw.SyncEnabled,
		RigctlToMainEnabled: raw.RigctlToMainEnabled,
		RigctlListenHost:    raw.RigctlListenHost,
		RigctlListenPort:    raw.RigctlListenPort,
		AllRigsEnabled:      raw.AllRigsEnabled,
	}, nil
}

func translatePresets(rigName string, raw []BandPresetYAML) ([]rigclient.BandPreset, error) {
	seen := map[string]bool{}
	out := make([]rigclient.BandPreset, len(raw))
	for i, p := range raw {
		if seen[p.Label] {
			return nil, fmt.Errorf("rigconfig: rig %q has duplicate band preset label %q", rigName, p.Label)
		}
		seen[p.Label] = true
		if p.LowerHz > p.UpperHz {
			return nil, fmt.Errorf("rigconfig: rig %q preset %q has lower_hz > upper_hz", rigName, p.Label)
		}
		if p.CenterHz != 0 && (p.LowerHz > p.CenterHz || p.CenterHz > p.UpperHz) {
			return nil, fmt.Errorf("rigconfig: rig %q preset %q violates lower_hz<=center_hz<=upper_hz", rigName, p.Label)
		}
		out[i] = rigclient.BandPreset{
			Label:    p.Label,
			CenterHz: p.CenterHz,
			LowerHz:  p.LowerHz,
			UpperHz:  p.UpperHz,
			Enabled:  p.Enabled,
		}
	}
	return out, nil
}
