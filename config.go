package candle

import (
	"fmt"
	"log"
	"path/filepath"
	"runtime"
	"time"
)

// BitTiming holds the segment parameters of a CAN bit, in time quanta.
type BitTiming struct {
	PropSeg   uint32 `json:"prop_seg"`
	PhaseSeg1 uint32 `json:"phase_seg1"`
	PhaseSeg2 uint32 `json:"phase_seg2"`
	SJW       uint32 `json:"sjw"`
	BRP       uint32 `json:"brp"`
}

// Quanta returns the number of time quanta per bit including the sync segment.
func (bt BitTiming) Quanta() uint32 {
	return 1 + bt.PropSeg + bt.PhaseSeg1 + bt.PhaseSeg2
}

// Bitrate returns the bit rate produced by bt on a controller clocked at clockHz.
func (bt BitTiming) Bitrate(clockHz uint32) uint32 {
	if bt.BRP == 0 {
		return 0
	}
	return clockHz / (bt.BRP * bt.Quanta())
}

// SamplePoint returns the sample point in per mille.
func (bt BitTiming) SamplePoint() uint32 {
	q := bt.Quanta()
	return (q - bt.PhaseSeg2) * 1000 / q
}

func (bt BitTiming) String() string {
	return fmt.Sprintf("prop_seg=%d phase_seg1=%d phase_seg2=%d sjw=%d brp=%d", bt.PropSeg, bt.PhaseSeg1, bt.PhaseSeg2, bt.SJW, bt.BRP)
}

// ChannelConfig is applied once per Session.Open. Nil fields are not sent
// to the adapter.
//
// FD without DataBitTiming is accepted; the adapter then runs the data
// phase with its default timing.
type ChannelConfig struct {
	Termination   *bool
	BitTiming     *BitTiming
	DataBitTiming *BitTiming
	FD            bool
	// Mode holds additional StartChannel flags such as ModeListenOnly.
	// ModeFD is controlled by FD.
	Mode          Mode
}

func (c *ChannelConfig) mode() Mode {
	m := c.Mode &^ ModeFD
	if c.FD {
		m |= ModeFD
	}
	return m
}

func (c *ChannelConfig) validate() error {
	if c.BitTiming != nil && c.BitTiming.BRP == 0 {
		return fmt.Errorf("bit timing: brp must be > 0")
	}
	if c.DataBitTiming != nil && c.DataBitTiming.BRP == 0 {
		return fmt.Errorf("data bit timing: brp must be > 0")
	}
	return nil
}

const (
	DefaultSendTimeout      = 1000 * time.Millisecond
	DefaultReceiveTimeout   = 1000 * time.Millisecond
	DefaultErrorThreshold   = 99
	DefaultSubscriberBuffer = 1024
)

// Options configure a Session. Zero values get the defaults above.
type Options struct {
	Channel          uint8
	SendTimeout      time.Duration
	ReceiveTimeout   time.Duration
	ErrorThreshold   uint32 // session closes when consecutive error frames exceed this
	SubscriberBuffer int
	Debug            bool
	OnMessage        func(string)
}

func (o *Options) withDefaults() *Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.SendTimeout <= 0 {
		out.SendTimeout = DefaultSendTimeout
	}
	if out.ReceiveTimeout <= 0 {
		out.ReceiveTimeout = DefaultReceiveTimeout
	}
	if out.ErrorThreshold == 0 {
		out.ErrorThreshold = DefaultErrorThreshold
	}
	if out.SubscriberBuffer <= 0 {
		out.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if out.OnMessage == nil {
		out.OnMessage = func(msg string) {
			_, file, no, ok := runtime.Caller(1)
			if ok {
				log.Printf("%s#%d %v\n", filepath.Base(file), no, msg)
			} else {
				log.Println(msg)
			}
		}
	}
	return &out
}

// Bool returns a pointer to b, for ChannelConfig.Termination.
func Bool(b bool) *bool {
	return &b
}
