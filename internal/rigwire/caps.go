package rigwire

import "strings"

// RigCapabilities mirrors the boolean feature flags and mode list Hamlib
// reports via dump_caps. It is populated once per connect and cached by
// the rig client until the connection drops.
type RigCapabilities struct {
	FreqGet bool
	FreqSet bool
	ModeGet bool
	ModeSet bool
	VFOGet  bool
	VFOSet  bool
	PTTGet  bool
	PTTSet  bool
	Modes   []string
}

// Empty reports whether no capability flag or mode was ever detected,
// the state spec.md requires before a connection has completed its first
// dump_caps.
func (c RigCapabilities) Empty() bool {
	return !c.FreqGet && !c.FreqSet && !c.ModeGet && !c.ModeSet &&
		!c.VFOGet && !c.VFOSet && !c.PTTGet && !c.PTTSet && len(c.Modes) == 0
}

// ParseDumpCaps parses the raw multi-line dump_caps output into
// RigCapabilities. Unrecognized lines are ignored; dump_caps carries many
// driver-specific lines the core has no use for.
func ParseDumpCaps(lines []string) RigCapabilities {
	var caps RigCapabilities
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "Can set Frequency:"):
			caps.FreqSet = yesNo(line)
		case strings.HasPrefix(line, "Can get Frequency:"):
			caps.FreqGet = yesNo(line)
		case strings.HasPrefix(line, "Can set Mode:"):
			caps.ModeSet = yesNo(line)
		case strings.HasPrefix(line, "Can get Mode:"):
			caps.ModeGet = yesNo(line)
		case strings.HasPrefix(line, "Can set VFO:"):
			caps.VFOSet = yesNo(line)
		case strings.HasPrefix(line, "Can get VFO:"):
			caps.VFOGet = yesNo(line)
		case strings.HasPrefix(line, "Can set PTT:"):
			caps.PTTSet = yesNo(line)
		case strings.HasPrefix(line, "Can get PTT:"):
			caps.PTTGet = yesNo(line)
		case strings.HasPrefix(line, "Mode list:"):
			caps.Modes = strings.Fields(strings.TrimPrefix(line, "Mode list:"))
		}
	}
	return caps
}

func yesNo(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	return fields[len(fields)-1] == "Y"
}
