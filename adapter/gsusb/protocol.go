package gsusb

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/roffe/gocandle"
)

// ==========================
// Device constants & protocol
// ==========================

// Control requests, sent vendor/interface with wValue = channel.
const (
	breqHostFormat = iota
	breqBittiming
	breqMode
	breqBerr
	breqBTConst
	breqDeviceConfig
	breqTimestamp
	breqIdentify
	breqGetUserID
	breqSetUserID
	breqDataBittiming
	breqBTConstExt
	breqSetTermination
	breqGetTermination
	breqGetState
)

const (
	modeReset = 0
	modeStart = 1
)

const hostByteOrder = 0x0000beef

// can_id flags
const (
	canEFFFlag = 0x80000000
	canRTRFlag = 0x40000000
	canERRFlag = 0x20000000
	canEFFMask = 0x1FFFFFFF
	canSFFMask = 0x000007FF
)

// host frame flags
const (
	flagOverflow = 1 << iota
	flagFD
	flagBRS
	flagESI
)

const (
	hostFrameHeaderSize = 12
	classicDataSize     = 8
	fdDataSize          = 64
	timestampSize       = 4
	quirkPadSize        = 1

	deviceConfigSize = 12
	btConstSize      = 40
	btConstExtSize   = 72
	bitTimingSize    = 20
	deviceModeSize   = 8
	deviceStateSize  = 12
)

var (
	errShortPacket = errors.New("short packet")
	errBadChannel  = errors.New("channel out of range")
)

var le = binary.LittleEndian

type deviceConfig struct {
	channels  int
	swVersion uint32
	hwVersion uint32
}

func encodeHostConfig() []byte {
	b := make([]byte, 4)
	le.PutUint32(b, hostByteOrder)
	return b
}

func decodeDeviceConfig(b []byte) (deviceConfig, error) {
	if len(b) < deviceConfigSize {
		return deviceConfig{}, fmt.Errorf("device config: %w (%d bytes)", errShortPacket, len(b))
	}
	return deviceConfig{
		channels:  int(b[3]) + 1,
		swVersion: le.Uint32(b[4:]),
		hwVersion: le.Uint32(b[8:]),
	}, nil
}

func decodeTimingConst(b []byte) candle.BitTimingConst {
	return candle.BitTimingConst{
		Tseg1Min: le.Uint32(b[0:]),
		Tseg1Max: le.Uint32(b[4:]),
		Tseg2Min: le.Uint32(b[8:]),
		Tseg2Max: le.Uint32(b[12:]),
		SJWMax:   le.Uint32(b[16:]),
		BRPMin:   le.Uint32(b[20:]),
		BRPMax:   le.Uint32(b[24:]),
		BRPInc:   le.Uint32(b[28:]),
	}
}

// decodeBTConst reads gs_device_bt_const: feature, fclk_can and the
// nominal timing limits.
func decodeBTConst(b []byte) (candle.ChannelInfo, error) {
	if len(b) < btConstSize {
		return candle.ChannelInfo{}, fmt.Errorf("bt const: %w (%d bytes)", errShortPacket, len(b))
	}
	return candle.ChannelInfo{
		Feature: candle.Feature(le.Uint32(b[0:])),
		ClockHz: le.Uint32(b[4:]),
		Nominal: decodeTimingConst(b[8:]),
	}, nil
}

// decodeBTConstExt reads gs_device_bt_const_extended, which appends the
// data phase limits to gs_device_bt_const.
func decodeBTConstExt(b []byte) (candle.ChannelInfo, error) {
	if len(b) < btConstExtSize {
		return candle.ChannelInfo{}, fmt.Errorf("bt const ext: %w (%d bytes)", errShortPacket, len(b))
	}
	info, _ := decodeBTConst(b)
	info.Data = decodeTimingConst(b[btConstSize:])
	return info, nil
}

func encodeBitTiming(bt candle.BitTiming) []byte {
	b := make([]byte, bitTimingSize)
	le.PutUint32(b[0:], bt.PropSeg)
	le.PutUint32(b[4:], bt.PhaseSeg1)
	le.PutUint32(b[8:], bt.PhaseSeg2)
	le.PutUint32(b[12:], bt.SJW)
	le.PutUint32(b[16:], bt.BRP)
	return b
}

func encodeMode(mode uint32, flags candle.Mode) []byte {
	b := make([]byte, deviceModeSize)
	le.PutUint32(b[0:], mode)
	le.PutUint32(b[4:], uint32(flags))
	return b
}

func encodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	le.PutUint32(b, v)
	return b
}

func decodeState(b []byte) (candle.ChannelState, error) {
	if len(b) < deviceStateSize {
		return candle.ChannelState{}, fmt.Errorf("device state: %w (%d bytes)", errShortPacket, len(b))
	}
	return candle.ChannelState{
		State:    candle.CANState(le.Uint32(b[0:])),
		RxErrors: le.Uint32(b[4:]),
		TxErrors: le.Uint32(b[8:]),
	}, nil
}

// frameSize returns the size of a host frame on the wire.
func frameSize(fd, timestamp, quirk bool) int {
	n := hostFrameHeaderSize + classicDataSize
	if fd {
		n = hostFrameHeaderSize + fdDataSize
	}
	if timestamp {
		n += timestampSize
	}
	if quirk {
		n += quirkPadSize
	}
	return n
}

// encodeHostFrame builds the bulk OUT packet for f. LPC546xx based
// firmware wants one extra byte at the end.
func encodeHostFrame(f *candle.Frame, echoID uint32, channel uint8, quirk bool) []byte {
	fd := f.Type.Has(candle.FrameTypeFD)
	b := make([]byte, frameSize(fd, false, quirk))

	canID := f.Identifier
	if f.Type.Has(candle.FrameTypeEFF) {
		canID |= canEFFFlag
	}
	if f.Type.Has(candle.FrameTypeRTR) {
		canID |= canRTRFlag
	}
	if f.Type.Has(candle.FrameTypeERR) {
		canID |= canERRFlag
	}
	var flags byte
	if fd {
		flags |= flagFD
	}
	if f.Type.Has(candle.FrameTypeBRS) {
		flags |= flagBRS
	}
	if f.Type.Has(candle.FrameTypeESI) {
		flags |= flagESI
	}

	le.PutUint32(b[0:], echoID)
	le.PutUint32(b[4:], canID)
	b[8] = f.DLC
	b[9] = channel
	b[10] = flags
	copy(b[hostFrameHeaderSize:], f.Data)
	return b
}

type hostFrame struct {
	frame    *candle.Frame
	channel  uint8
	overflow bool
}

// decodeHostFrame parses a bulk IN packet. timestamp tells whether the
// channel runs with hardware timestamps.
func decodeHostFrame(b []byte, timestamp bool) (hostFrame, error) {
	if len(b) < hostFrameHeaderSize {
		return hostFrame{}, fmt.Errorf("host frame: %w (%d bytes)", errShortPacket, len(b))
	}
	echoID := le.Uint32(b[0:])
	canID := le.Uint32(b[4:])
	dlc := b[8]
	flags := b[10]

	f := &candle.Frame{EchoID: echoID, DLC: dlc}
	if echoID == candle.EchoRX {
		f.Type |= candle.FrameTypeRX
	}
	if canID&canEFFFlag != 0 {
		f.Type |= candle.FrameTypeEFF
		f.Identifier = canID & canEFFMask
	} else {
		f.Identifier = canID & canSFFMask
	}
	if canID&canRTRFlag != 0 {
		f.Type |= candle.FrameTypeRTR
	}
	if canID&canERRFlag != 0 {
		// error class bits live in the identifier
		f.Type |= candle.FrameTypeERR
		f.Identifier = canID & canEFFMask
	}
	fd := flags&flagFD != 0
	if fd {
		f.Type |= candle.FrameTypeFD
	}
	if flags&flagBRS != 0 {
		f.Type |= candle.FrameTypeBRS
	}
	if flags&flagESI != 0 {
		f.Type |= candle.FrameTypeESI
	}

	if !fd && dlc > 8 {
		dlc = 8
		f.DLC = 8
	}
	n, err := candle.DLCToLen(dlc, fd)
	if err != nil {
		return hostFrame{}, err
	}
	dataSize := classicDataSize
	if fd {
		dataSize = fdDataSize
	}
	if len(b) < hostFrameHeaderSize+n {
		return hostFrame{}, fmt.Errorf("host frame: %w (%d bytes, dlc %d)", errShortPacket, len(b), dlc)
	}
	f.Data = make([]byte, n)
	copy(f.Data, b[hostFrameHeaderSize:])

	if timestamp && len(b) >= hostFrameHeaderSize+dataSize+timestampSize {
		f.Timestamp = le.Uint32(b[hostFrameHeaderSize+dataSize:])
	}
	return hostFrame{frame: f, channel: b[9], overflow: flags&flagOverflow != 0}, nil
}

// overflowFrame is what an overflow flag on a received frame turns into,
// a controller error reporting an RX buffer overflow.
func overflowFrame() *candle.Frame {
	return &candle.Frame{
		Type:       candle.FrameTypeRX | candle.FrameTypeERR,
		EchoID:     candle.EchoRX,
		Identifier: candle.ErrClassController,
		DLC:        8,
		Data:       []byte{0, 0x01, 0, 0, 0, 0, 0, 0},
	}
}

// applyQuirks adjusts the reported feature bits the same way for every
// enumeration.
func applyQuirks(f candle.Feature, manufacturer, product string, swVersion uint32) candle.Feature {
	if manufacturer == "LinkLayer Labs" && product == "CANtact Pro" && swVersion <= 2 {
		f |= candle.FeatureReqUSBQuirkLPC546XX | candle.FeatureQuirkBreqCantactPro
	}
	if swVersion <= 1 {
		f &^= candle.FeatureIdentify
	}
	return f
}

// checkTiming validates bt against the limits the device reported. A zero
// limit set means the device did not report any.
func checkTiming(bt candle.BitTiming, c candle.BitTimingConst) error {
	if c == (candle.BitTimingConst{}) {
		return nil
	}
	tseg1 := bt.PropSeg + bt.PhaseSeg1
	switch {
	case tseg1 < c.Tseg1Min || tseg1 > c.Tseg1Max:
		return fmt.Errorf("tseg1 %d out of range [%d, %d]", tseg1, c.Tseg1Min, c.Tseg1Max)
	case bt.PhaseSeg2 < c.Tseg2Min || bt.PhaseSeg2 > c.Tseg2Max:
		return fmt.Errorf("tseg2 %d out of range [%d, %d]", bt.PhaseSeg2, c.Tseg2Min, c.Tseg2Max)
	case bt.SJW > c.SJWMax:
		return fmt.Errorf("sjw %d above %d", bt.SJW, c.SJWMax)
	case bt.BRP < c.BRPMin || bt.BRP > c.BRPMax:
		return fmt.Errorf("brp %d out of range [%d, %d]", bt.BRP, c.BRPMin, c.BRPMax)
	case c.BRPInc > 1 && bt.BRP%c.BRPInc != 0:
		return fmt.Errorf("brp %d not a multiple of %d", bt.BRP, c.BRPInc)
	}
	return nil
}
