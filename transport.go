package candle

import (
	"fmt"
	"strings"
	"time"
)

// Transport is the driver layer a Registry and its Sessions sit on top of.
type Transport interface {
	// Enumerate returns a snapshot of the devices currently available.
	Enumerate() ([]DeviceDescriptor, error)
	// OpenHandle claims the device. Fails with ErrHandleClaimed if the
	// device is already open.
	OpenHandle(DeviceDescriptor) (Handle, error)
}

// Handle is an open device. Implementations must allow one outstanding
// Receive and one outstanding Send concurrently, and Close must make any
// outstanding Receive fail fast.
type Handle interface {
	Close() error
	ResetChannel(channel uint8) error
	SetTermination(channel uint8, enable bool) error
	SetBitTiming(channel uint8, bt BitTiming) error
	SetDataBitTiming(channel uint8, bt BitTiming) error
	StartChannel(channel uint8, mode Mode) error
	// Send transmits f and returns the frame as acknowledged by the adapter.
	Send(channel uint8, timeout time.Duration, f *Frame) (*Frame, error)
	// Receive waits up to timeout for the next frame on channel.
	Receive(channel uint8, timeout time.Duration) (*Frame, error)
}

// StateReader is implemented by handles that can report the controller state.
type StateReader interface {
	State(channel uint8) (ChannelState, error)
}

// DeviceDescriptor identifies a physical adapter. It is immutable after
// discovery.
type DeviceDescriptor struct {
	VendorID     uint16
	ProductID    uint16
	Manufacturer string
	Product      string
	SerialNumber string
	Release      string // device release from the USB descriptor, if known

	SoftwareVersion uint32
	HardwareVersion uint32
	Channels        []ChannelInfo

	// Ref is the transport specific reference used by OpenHandle.
	Ref any
}

func (d DeviceDescriptor) String() string {
	return fmt.Sprintf("%04x:%04x %s %s (%s)", d.VendorID, d.ProductID, d.Manufacturer, d.Product, d.SerialNumber)
}

// Feature bits reported per channel.
type Feature uint32

const (
	FeatureListenOnly Feature = 1 << iota
	FeatureLoopBack
	FeatureTripleSample
	FeatureOneShot
	FeatureHWTimestamp
	FeatureIdentify
	FeatureUserID
	FeaturePadPktsToMaxPktSize
	FeatureFD
	FeatureReqUSBQuirkLPC546XX
	FeatureBTConstExt
	FeatureTermination
	FeatureBerrReporting
	FeatureGetState
	FeatureQuirkBreqCantactPro
)

var featureNames = []string{
	"listen-only", "loop-back", "triple-sample", "one-shot", "hw-timestamp",
	"identify", "user-id", "pad-pkts", "fd", "lpc546xx-quirk", "bt-const-ext",
	"termination", "berr-reporting", "get-state", "cantact-pro-quirk",
}

func (f Feature) String() string {
	var out []string
	for i, name := range featureNames {
		if f&(1<<i) != 0 {
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		return "none"
	}
	return strings.Join(out, ",")
}

// BitTimingConst holds the limits a controller accepts for BitTiming.
type BitTimingConst struct {
	Tseg1Min, Tseg1Max uint32
	Tseg2Min, Tseg2Max uint32
	SJWMax             uint32
	BRPMin, BRPMax     uint32
	BRPInc             uint32
}

func (c BitTimingConst) String() string {
	return fmt.Sprintf("tseg1 %d-%d tseg2 %d-%d sjw max %d brp %d-%d/%d",
		c.Tseg1Min, c.Tseg1Max, c.Tseg2Min, c.Tseg2Max, c.SJWMax, c.BRPMin, c.BRPMax, c.BRPInc)
}

type ChannelInfo struct {
	Feature Feature
	ClockHz uint32
	Nominal BitTimingConst
	Data    BitTimingConst
}

// Mode flags passed to StartChannel.
type Mode uint32

const (
	ModeNormal              Mode = 0
	ModeListenOnly          Mode = 1 << 0
	ModeLoopBack            Mode = 1 << 1
	ModeTripleSample        Mode = 1 << 2
	ModeOneShot             Mode = 1 << 3
	ModeHWTimestamp         Mode = 1 << 4
	ModePadPktsToMaxPktSize Mode = 1 << 7
	ModeFD                  Mode = 1 << 8
	ModeBerrReporting       Mode = 1 << 12
)

type CANState uint32

const (
	StateErrorActive CANState = iota
	StateErrorWarning
	StateErrorPassive
	StateBusOff
	StateStopped
	StateSleeping
)

func (s CANState) String() string {
	switch s {
	case StateErrorActive:
		return "error active"
	case StateErrorWarning:
		return "error warning"
	case StateErrorPassive:
		return "error passive"
	case StateBusOff:
		return "bus off"
	case StateStopped:
		return "stopped"
	case StateSleeping:
		return "sleeping"
	default:
		return fmt.Sprintf("unknown (%d)", uint32(s))
	}
}

type ChannelState struct {
	State    CANState
	RxErrors uint32
	TxErrors uint32
}
