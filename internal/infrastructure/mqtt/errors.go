package mqtt

import "errors"

// Sentinel errors for broker operations; match with errors.Is.
var (
	// ErrNotConnected is returned for operations on a down session.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed is returned when the initial connect fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrPublishFailed wraps publish failures and timeouts.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed wraps subscribe failures and timeouts.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrUnsubscribeFailed wraps unsubscribe failures and timeouts.
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidQoS is returned for QoS levels above 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned for an empty topic.
	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")
)
