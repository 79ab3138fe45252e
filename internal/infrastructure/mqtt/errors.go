package mqtt

import "errors"

var (
	// ErrNotConnected is returned while the broker connection is down.
	// Paho reconnects on its own; callers retry or report.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed means the first connect did not succeed.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidQoS rejects levels above 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level")

	// ErrInvalidTopic rejects an empty topic.
	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")

	// ErrTimeout is wrapped when the broker does not confirm in time.
	ErrTimeout = errors.New("mqtt: broker did not confirm in time")
)
