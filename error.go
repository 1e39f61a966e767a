package candle

import (
	"errors"
	"fmt"
	"time"
)

type unrecoverableError struct {
	error
}

func (e unrecoverableError) Error() string {
	if e.error == nil {
		return "unrecoverable error"
	}
	return e.error.Error()
}

func (e unrecoverableError) Unwrap() error {
	return e.error
}

// Unrecoverable wraps an error in `unrecoverableError` struct
func Unrecoverable(err error) error {
	return unrecoverableError{err}
}

// IsRecoverable checks if error is an instance of `unrecoverableError`
func IsRecoverable(err error) bool {
	var u unrecoverableError
	return !errors.As(err, &u)
}

// Errors returned by Transport implementations.
var (
	ErrSendTimeout        = errors.New("timeout sending frame")
	ErrReceiveTimeout     = errors.New("timeout receiving frame")
	ErrDeviceDisconnected = errors.New("device disconnected")
	ErrHandleClaimed      = errors.New("device handle already claimed")
	ErrNotSupported       = errors.New("not supported by adapter")
	ErrChannelNotStarted  = errors.New("channel not started")
)

var (
	ErrChannelClosed = errors.New("channel is not open")
	ErrNilTransport  = errors.New("transport is nil")
	ErrNoDevice      = errors.New("no device found")
)

// DiscoveryError is returned when device enumeration fails.
type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("device discovery failed: %v", e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// DeviceOpenError is returned when the device handle cannot be claimed.
type DeviceOpenError struct {
	Device DeviceDescriptor
	Err    error
}

func (e *DeviceOpenError) Error() string {
	return fmt.Sprintf("failed to open %s: %v", e.Device, e.Err)
}

func (e *DeviceOpenError) Unwrap() error {
	return e.Err
}

// ConfigError is returned when one of the configuration steps between
// opening the handle and starting the channel fails.
type ConfigError struct {
	Step string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ChannelStartError is returned when the adapter refuses to start the channel,
// typically because of out of range timing parameters.
type ChannelStartError struct {
	Channel uint8
	Mode    Mode
	Err     error
}

func (e *ChannelStartError) Error() string {
	return fmt.Sprintf("failed to start channel %d (mode 0x%X): %v", e.Channel, uint32(e.Mode), e.Err)
}

func (e *ChannelStartError) Unwrap() error {
	return e.Err
}

type SendTimeoutError struct {
	Timeout time.Duration
	Frame   *Frame
}

func (e *SendTimeoutError) Error() string {
	return fmt.Sprintf("send timeout (%dms) for frame 0x%03X", e.Timeout.Milliseconds(), e.Frame.Identifier)
}

func (e *SendTimeoutError) Unwrap() error {
	return ErrSendTimeout
}

// ReceiveFault carries a failed receive call from the receive loop.
type ReceiveFault struct {
	Err error
}

func (e *ReceiveFault) Error() string {
	return fmt.Sprintf("receive failed: %v", e.Err)
}

func (e *ReceiveFault) Unwrap() error {
	return e.Err
}

// WatchdogShutdown is published when the session closes itself after too many
// consecutive error frames.
type WatchdogShutdown struct {
	Count     uint32
	Threshold uint32
}

func (e *WatchdogShutdown) Error() string {
	return fmt.Sprintf("shutdown: %d consecutive error frames (threshold %d)", e.Count, e.Threshold)
}
