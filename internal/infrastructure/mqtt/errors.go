package mqtt

import "errors"

// Sentinel errors for bus operations. Callers match them with
// errors.Is; wrapped forms carry the underlying paho detail.
var (
	// ErrNotConnected means the operation needs a live broker link.
	ErrNotConnected = errors.New("mqtt: no broker connection")

	// ErrConnectionFailed means the initial connect did not complete.
	ErrConnectionFailed = errors.New("mqtt: connect failed")

	// ErrPublishFailed wraps broker rejections and publish timeouts.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed wraps subscribe rejections and timeouts.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrUnsubscribeFailed wraps unsubscribe rejections and timeouts.
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidQoS rejects QoS levels outside 0..2.
	ErrInvalidQoS = errors.New("mqtt: qos out of range")

	// ErrInvalidTopic rejects empty topic strings.
	ErrInvalidTopic = errors.New("mqtt: empty topic")
)
