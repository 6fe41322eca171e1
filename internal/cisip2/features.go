package cisip2

import (
	"fmt"
	"strings"
)

// ZoneID identifies a receiver output zone.
type ZoneID string

// Zones supported by the STR-ZA series.
const (
	ZoneMain ZoneID = "main"
	Zone2    ZoneID = "zone2"
	Zone3    ZoneID = "zone3"
)

// AllZones returns the zones in protocol order.
func AllZones() []ZoneID {
	return []ZoneID{ZoneMain, Zone2, Zone3}
}

// ParseZone validates a zone identifier string.
func ParseZone(s string) (ZoneID, error) {
	switch ZoneID(strings.ToLower(s)) {
	case ZoneMain:
		return ZoneMain, nil
	case Zone2:
		return Zone2, nil
	case Zone3:
		return Zone3, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownZone, s)
}

// CommandKind names a controllable receiver function. The kind combined with
// the target zone yields the wire feature string, which also serves as the
// correlation key for in-flight tracking.
type CommandKind string

const (
	CommandPower      CommandKind = "power"
	CommandMute       CommandKind = "mute"
	CommandInput      CommandKind = "input"
	CommandVolumeStep CommandKind = "volumestep"
	CommandVolumeDB   CommandKind = "volumedb"
	CommandVolumeUp   CommandKind = "volume+"
	CommandVolumeDown CommandKind = "volume-"
	CommandSoundField CommandKind = "soundfield"
)

// Zone feature field names as they appear on the wire after the zone prefix.
const (
	featurePower      = "power"
	featureMute       = "mute"
	featureInput      = "input"
	featureVolumeStep = "volumestep"
	featureVolumeDB   = "volumedb"
)

// Device-level features outside any zone.
const (
	FeatureMACAddress = "network.macaddress"
	FeatureModelType  = "system.modeltype"
	FeatureVersion    = "system.version"
	FeatureSoundField = "audio.soundfield"
)

// Volume bounds reported by the STR-ZA series.
const (
	MaxVolumeStep = 100
	MinVolumeDB   = -92.0
	MaxVolumeDB   = 23.0
)

// PulseValue is the wire value for momentary volume nudge commands.
const PulseValue = "pulse"

// InputID is an input selector wire code.
type InputID string

// inputNames maps wire codes to display names. "source" is reported by
// zones 2/3 when they follow the main zone's input.
var inputNames = map[InputID]string{
	"bd":     "BD/DVD",
	"dvd":    "BD/DVD",
	"sat":    "SAT/CATV",
	"catv":   "SAT/CATV",
	"stb":    "STB",
	"fm":     "FM Tuner",
	"am":     "AM Tuner",
	"tuner":  "Tuner",
	"aux":    "AUX",
	"tv":     "TV",
	"game":   "Game",
	"video":  "Video",
	"sacd":   "SA-CD/CD",
	"cd":     "SA-CD/CD",
	"source": "MAIN SOURCE",
}

// ParseInput validates an input selector code.
func ParseInput(s string) (InputID, error) {
	id := InputID(strings.ToLower(s))
	if _, ok := inputNames[id]; !ok {
		return "", fmt.Errorf("%w: unknown input %q", ErrInvalidCommand, s)
	}
	return id, nil
}

// DisplayName returns the human-readable name for an input code, or the code
// itself when the receiver reports one we do not know.
func (i InputID) DisplayName() string {
	if name, ok := inputNames[i]; ok {
		return name
	}
	return string(i)
}

// modelNames maps the receiver's modeltype token to the retail model name.
var modelNames = map[string]string{
	"Z11": "STR-ZA1100ES",
	"Z21": "STR-ZA2100ES",
	"Z31": "STR-ZA3100ES",
}

// ModelName resolves the modeltype reported by system.modeltype.
func ModelName(modelType string) string {
	if name, ok := modelNames[modelType]; ok {
		return name
	}
	return modelType
}

// FeatureFor builds the wire feature string for a command. Sound field is a
// device-level feature and is only addressable through the main zone.
func FeatureFor(zone ZoneID, kind CommandKind) (string, error) {
	if kind == CommandSoundField {
		if zone != ZoneMain {
			return "", fmt.Errorf("%w: sound field is not zone-addressable", ErrInvalidCommand)
		}
		return FeatureSoundField, nil
	}
	switch kind {
	case CommandPower, CommandMute, CommandInput, CommandVolumeStep,
		CommandVolumeDB, CommandVolumeUp, CommandVolumeDown:
		return string(zone) + "." + string(kind), nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, kind)
}

// splitZoneFeature decomposes a wire feature into zone and field. Returns
// ok=false for device-level features such as audio.soundfield.
func splitZoneFeature(feature string) (ZoneID, string, bool) {
	prefix, field, found := strings.Cut(feature, ".")
	if !found {
		return "", "", false
	}
	switch ZoneID(prefix) {
	case ZoneMain, Zone2, Zone3:
		return ZoneID(prefix), field, true
	}
	return "", "", false
}

// boolToWire converts a power or mute state to its wire token.
func boolToWire(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// wireToBool parses an on/off wire token.
func wireToBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return false, fmt.Errorf("%w: expected on/off, got %q", ErrParse, s)
}
