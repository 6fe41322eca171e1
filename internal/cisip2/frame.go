package cisip2

import (
	"encoding/json"
	"fmt"
)

// Wire message types.
const (
	TypeGet    = "get"
	TypeSet    = "set"
	TypeResult = "result"
	TypeNotify = "notify"
)

// Result tokens for set commands.
const (
	resultAck = "ACK"
	resultNak = "NAK"
)

// Frame is a single decoded CIS-IP2 message. Value holds whatever JSON type
// the receiver sent: string for tokens and selectors, float64 for volume.
type Frame struct {
	Type    string `json:"type"`
	Feature string `json:"feature"`
	Value   any    `json:"value"`
}

// FrameKind classifies a decoded frame for routing.
type FrameKind int

const (
	// KindAck is a result frame acknowledging a set command.
	KindAck FrameKind = iota
	// KindNak is a result frame rejecting a set command.
	KindNak
	// KindValue is a result frame carrying a feature value, the reply to a
	// get command.
	KindValue
	// KindBroadcast is an unsolicited notify frame.
	KindBroadcast
	// KindUnknown covers frame types this client does not understand.
	KindUnknown
)

// String returns the kind name for logging.
func (k FrameKind) String() string {
	switch k {
	case KindAck:
		return "ack"
	case KindNak:
		return "nak"
	case KindValue:
		return "value"
	case KindBroadcast:
		return "broadcast"
	}
	return "unknown"
}

// Kind classifies the frame. Result frames are split on their value: the
// receiver answers set with ACK/NAK and get with the feature's value.
func (f *Frame) Kind() FrameKind {
	switch f.Type {
	case TypeNotify:
		return KindBroadcast
	case TypeResult:
		if s, ok := f.Value.(string); ok {
			switch s {
			case resultAck:
				return KindAck
			case resultNak:
				return KindNak
			}
		}
		return KindValue
	}
	return KindUnknown
}

// StringValue returns the frame value as a string.
func (f *Frame) StringValue() (string, error) {
	s, ok := f.Value.(string)
	if !ok {
		return "", fmt.Errorf("%w: feature %s value %v is not a string", ErrParse, f.Feature, f.Value)
	}
	return s, nil
}

// NumberValue returns the frame value as a float64. The receiver sends
// volume features as JSON numbers but some firmwares quote them.
func (f *Frame) NumberValue() (float64, error) {
	switch v := f.Value.(type) {
	case float64:
		return v, nil
	case string:
		var n float64
		if _, err := fmt.Sscanf(v, "%g", &n); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: feature %s value %v is not a number", ErrParse, f.Feature, f.Value)
}

// EncodeSet builds a set frame for a feature.
func EncodeSet(feature string, value any) ([]byte, error) {
	return encodeFrame(Frame{Type: TypeSet, Feature: feature, Value: value})
}

// EncodeGet builds a get frame for a feature. Get frames carry no value
// field on the wire.
func EncodeGet(feature string) ([]byte, error) {
	if feature == "" {
		return nil, fmt.Errorf("%w: empty feature", ErrInvalidCommand)
	}
	data, err := json.Marshal(struct {
		Type    string `json:"type"`
		Feature string `json:"feature"`
	}{Type: TypeGet, Feature: feature})
	if err != nil {
		return nil, fmt.Errorf("cisip2: encode frame: %w", err)
	}
	return data, nil
}

func encodeFrame(f Frame) ([]byte, error) {
	if f.Feature == "" {
		return nil, fmt.Errorf("%w: empty feature", ErrInvalidCommand)
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("cisip2: encode frame: %w", err)
	}
	return data, nil
}

// String renders the frame for logs.
func (f *Frame) String() string {
	return fmt.Sprintf("%s %s=%v", f.Type, f.Feature, f.Value)
}
