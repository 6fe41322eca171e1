package cisip2

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// ZoneState is a snapshot of one zone's mirrored state. Pointer fields are
// nil until the receiver has reported a value; after a disconnect every
// field returns to nil rather than serving stale data as truth.
type ZoneState struct {
	Zone        ZoneID    `json:"zone"`
	Power       *bool     `json:"power,omitempty"`
	VolumeStep  *int      `json:"volume_step,omitempty"`
	VolumeDB    *float64  `json:"volume_db,omitempty"`
	Muted       *bool     `json:"muted,omitempty"`
	Input       *InputID  `json:"input,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
}

// known reports whether any field has been observed.
func (z *ZoneState) known() bool {
	return z.Power != nil || z.VolumeStep != nil || z.VolumeDB != nil ||
		z.Muted != nil || z.Input != nil
}

// DeviceInfo holds receiver identity and device-level state gathered during
// the post-connect sync.
type DeviceInfo struct {
	MACAddress string `json:"mac_address,omitempty"`
	ModelType  string `json:"model_type,omitempty"`
	ModelName  string `json:"model_name,omitempty"`
	Version    string `json:"version,omitempty"`
	SoundField string `json:"sound_field,omitempty"`
}

// Change describes the outcome of applying one frame to the store.
type Change struct {
	Zone    ZoneID // empty for device-level features
	Field   string
	Changed bool
}

// StateStore mirrors receiver state. The broadcast router is the only
// writer; readers get snapshot copies. Applying a frame that restates the
// current value is a no-op, which keeps event emission at exactly one per
// real change.
type StateStore struct {
	mu     sync.RWMutex
	zones  map[ZoneID]*ZoneState
	device DeviceInfo
}

// NewStateStore returns a store with all zones present and unknown.
func NewStateStore() *StateStore {
	zones := make(map[ZoneID]*ZoneState, len(AllZones()))
	for _, z := range AllZones() {
		zones[z] = &ZoneState{Zone: z}
	}
	return &StateStore{zones: zones}
}

// ApplyFrame folds a state-bearing frame (notify or get result) into the
// store and reports whether anything changed.
func (s *StateStore) ApplyFrame(f *Frame, now time.Time) (Change, error) {
	if zone, field, ok := splitZoneFeature(f.Feature); ok {
		return s.applyZone(zone, field, f, now)
	}
	return s.applyDevice(f)
}

func (s *StateStore) applyZone(zone ZoneID, field string, f *Frame, now time.Time) (Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	z := s.zones[zone]
	ch := Change{Zone: zone, Field: field}

	switch field {
	case featurePower:
		v, err := f.StringValue()
		if err != nil {
			return ch, err
		}
		on, err := wireToBool(v)
		if err != nil {
			return ch, err
		}
		ch.Changed = z.Power == nil || *z.Power != on
		z.Power = &on
	case featureMute:
		v, err := f.StringValue()
		if err != nil {
			return ch, err
		}
		on, err := wireToBool(v)
		if err != nil {
			return ch, err
		}
		ch.Changed = z.Muted == nil || *z.Muted != on
		z.Muted = &on
	case featureInput:
		v, err := f.StringValue()
		if err != nil {
			return ch, err
		}
		in := InputID(v)
		ch.Changed = z.Input == nil || *z.Input != in
		z.Input = &in
	case featureVolumeStep:
		n, err := f.NumberValue()
		if err != nil {
			return ch, err
		}
		if n < 0 || n > MaxVolumeStep {
			return ch, fmt.Errorf("%w: volume step %g out of range", ErrParse, n)
		}
		step := int(math.Round(n))
		ch.Changed = z.VolumeStep == nil || *z.VolumeStep != step
		z.VolumeStep = &step
	case featureVolumeDB:
		n, err := f.NumberValue()
		if err != nil {
			return ch, err
		}
		ch.Changed = z.VolumeDB == nil || *z.VolumeDB != n
		z.VolumeDB = &n
	default:
		return ch, fmt.Errorf("%w: unknown zone feature %q", ErrParse, f.Feature)
	}

	if ch.Changed {
		z.LastUpdated = now
	}
	return ch, nil
}

func (s *StateStore) applyDevice(f *Frame) (Change, error) {
	v, err := f.StringValue()
	if err != nil {
		return Change{Field: f.Feature}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ch := Change{Field: f.Feature}

	switch f.Feature {
	case FeatureMACAddress:
		ch.Changed = s.device.MACAddress != v
		s.device.MACAddress = v
	case FeatureModelType:
		ch.Changed = s.device.ModelType != v
		s.device.ModelType = v
		s.device.ModelName = ModelName(v)
	case FeatureVersion:
		ch.Changed = s.device.Version != v
		s.device.Version = v
	case FeatureSoundField:
		ch.Changed = s.device.SoundField != v
		s.device.SoundField = v
	default:
		return ch, fmt.Errorf("%w: unknown feature %q", ErrParse, f.Feature)
	}
	return ch, nil
}

// Snapshot returns a copy of one zone's state.
func (s *StateStore) Snapshot(zone ZoneID) (ZoneState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	z, ok := s.zones[zone]
	if !ok {
		return ZoneState{}, fmt.Errorf("%w: %q", ErrUnknownZone, zone)
	}
	return copyZone(z), nil
}

// Snapshots returns copies of every zone in protocol order.
func (s *StateStore) Snapshots() []ZoneState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ZoneState, 0, len(s.zones))
	for _, id := range AllZones() {
		out = append(out, copyZone(s.zones[id]))
	}
	return out
}

// Device returns a copy of the receiver identity.
func (s *StateStore) Device() DeviceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.device
}

// MarkAllUnknown clears every zone field after a connection loss and
// returns the zones that previously had observed state, so the router can
// emit one change event each. Receiver identity is retained; it does not
// change while unplugged.
func (s *StateStore) MarkAllUnknown(now time.Time) []ZoneID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cleared []ZoneID
	for _, id := range AllZones() {
		z := s.zones[id]
		if !z.known() {
			continue
		}
		s.zones[id] = &ZoneState{Zone: id, LastUpdated: now}
		cleared = append(cleared, id)
	}
	return cleared
}

func copyZone(z *ZoneState) ZoneState {
	out := ZoneState{Zone: z.Zone, LastUpdated: z.LastUpdated}
	if z.Power != nil {
		v := *z.Power
		out.Power = &v
	}
	if z.VolumeStep != nil {
		v := *z.VolumeStep
		out.VolumeStep = &v
	}
	if z.VolumeDB != nil {
		v := *z.VolumeDB
		out.VolumeDB = &v
	}
	if z.Muted != nil {
		v := *z.Muted
		out.Muted = &v
	}
	if z.Input != nil {
		v := *z.Input
		out.Input = &v
	}
	return out
}
