package rigclient

// checkBand applies spec.md §4.C's band-validity policy: given the set
// of enabled presets and a candidate frequency, accept unconditionally
// when allowOutOfBand is true; otherwise accept only if some enabled
// preset's [lower, upper] range contains the frequency. An empty preset
// set rejects every frequency unless allowOutOfBand is set.
func checkBand(presets []BandPreset, allowOutOfBand bool, hz uint64) bool {
	if allowOutOfBand {
		return true
	}
	for _, p := range presets {
		if !p.Enabled {
			continue
		}
		if hz >= p.LowerHz && hz <= p.UpperHz {
			return true
		}
	}
	return false
}
