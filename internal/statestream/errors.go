package statestream

import "errors"

var (
	// ErrNotConnected is returned when publishing while the broker is unreachable
	ErrNotConnected = errors.New("mqtt: not connected")

	// ErrConnectionFailed wraps broker connection errors
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrPublishFailed wraps publish errors and timeouts
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrInvalidTopic is returned for an empty topic
	ErrInvalidTopic = errors.New("mqtt: invalid topic")
)
