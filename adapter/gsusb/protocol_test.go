package gsusb

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/roffe/gocandle"
)

func TestEncodeHostFrame(t *testing.T) {
	f := candle.MustFrame(123456, []byte{0, 1, 2, 3, 4, 5, 6, 7}, candle.FrameTypeFD|candle.FrameTypeEFF|candle.FrameTypeBRS)
	b := encodeHostFrame(f, 7, 1, false)
	if len(b) != 76 {
		t.Fatalf("len = %d, want 76", len(b))
	}
	if echo := binary.LittleEndian.Uint32(b[0:]); echo != 7 {
		t.Errorf("echo_id = %d", echo)
	}
	if id := binary.LittleEndian.Uint32(b[4:]); id != 123456|canEFFFlag {
		t.Errorf("can_id = 0x%08X", id)
	}
	if b[8] != 8 || b[9] != 1 || b[10] != flagFD|flagBRS {
		t.Errorf("dlc/channel/flags = %d/%d/%02X", b[8], b[9], b[10])
	}
	if !bytes.Equal(b[12:20], f.Data) {
		t.Errorf("data = %X", b[12:20])
	}

	classic := candle.MustFrame(0x7E0, []byte{1}, candle.FrameTypeRTR)
	if n := len(encodeHostFrame(classic, 0, 0, false)); n != 20 {
		t.Errorf("classic len = %d, want 20", n)
	}
	if n := len(encodeHostFrame(classic, 0, 0, true)); n != 21 {
		t.Errorf("classic quirk len = %d, want 21", n)
	}
	if n := len(encodeHostFrame(f, 0, 0, true)); n != 77 {
		t.Errorf("fd quirk len = %d, want 77", n)
	}
	if id := binary.LittleEndian.Uint32(encodeHostFrame(classic, 0, 0, false)[4:]); id != 0x7E0|canRTRFlag {
		t.Errorf("rtr can_id = 0x%08X", id)
	}
}

func hostFrameBytes(echo, canID uint32, dlc, channel, flags byte, data []byte, size int) []byte {
	b := make([]byte, size)
	binary.LittleEndian.PutUint32(b[0:], echo)
	binary.LittleEndian.PutUint32(b[4:], canID)
	b[8], b[9], b[10] = dlc, channel, flags
	copy(b[12:], data)
	return b
}

func TestDecodeHostFrame(t *testing.T) {
	b := hostFrameBytes(candle.EchoRX, 0x123, 3, 0, 0, []byte{0xAA, 0xBB, 0xCC}, 24)
	binary.LittleEndian.PutUint32(b[20:], 1000)
	hf, err := decodeHostFrame(b, true)
	if err != nil {
		t.Fatal(err)
	}
	f := hf.frame
	if f.Type != candle.FrameTypeRX || f.Identifier != 0x123 || !bytes.Equal(f.Data, []byte{0xAA, 0xBB, 0xCC}) {
		t.Errorf("frame = %s", f)
	}
	if f.Timestamp != 1000 {
		t.Errorf("timestamp = %d", f.Timestamp)
	}

	// TX echo, FD, extended
	b = hostFrameBytes(5, 0x1ABCDEF|canEFFFlag, 15, 1, flagFD|flagESI, bytes.Repeat([]byte{0x11}, 64), 76)
	hf, err = decodeHostFrame(b, false)
	if err != nil {
		t.Fatal(err)
	}
	f = hf.frame
	if f.Type.Has(candle.FrameTypeRX) || !f.Type.Has(candle.FrameTypeFD) || !f.Type.Has(candle.FrameTypeESI) || !f.Type.Has(candle.FrameTypeEFF) {
		t.Errorf("type = %s", f.Type)
	}
	if f.EchoID != 5 || f.Identifier != 0x1ABCDEF || len(f.Data) != 64 || hf.channel != 1 {
		t.Errorf("frame = %s echo %d channel %d", f, f.EchoID, hf.channel)
	}

	// error frame keeps the class bits
	b = hostFrameBytes(candle.EchoRX, canERRFlag|candle.ErrClassBusOff, 8, 0, flagOverflow, []byte{0, 0, 0, 0, 0, 0, 10, 20}, 20)
	hf, err = decodeHostFrame(b, false)
	if err != nil {
		t.Fatal(err)
	}
	if !hf.frame.Type.Has(candle.FrameTypeERR) || hf.frame.Identifier != candle.ErrClassBusOff || !hf.overflow {
		t.Errorf("error frame = %s overflow %v", hf.frame, hf.overflow)
	}
	r := candle.DecodeErrorFrame(hf.frame)
	if r.TxErrors != 10 || r.RxErrors != 20 {
		t.Errorf("report = %s", r)
	}

	if _, err := decodeHostFrame(b[:10], false); err == nil {
		t.Error("short header accepted")
	}
	if _, err := decodeHostFrame(hostFrameBytes(candle.EchoRX, 1, 15, 0, flagFD, nil, 20), false); err == nil {
		t.Error("truncated fd payload accepted")
	}
}

func TestBitTimingAndModeLayout(t *testing.T) {
	b := encodeBitTiming(candle.BitTiming{PropSeg: 1, PhaseSeg1: 43, PhaseSeg2: 15, SJW: 15, BRP: 2})
	want := []uint32{1, 43, 15, 15, 2}
	for i, w := range want {
		if v := binary.LittleEndian.Uint32(b[i*4:]); v != w {
			t.Errorf("field %d = %d, want %d", i, v, w)
		}
	}
	m := encodeMode(modeStart, candle.ModeFD)
	if binary.LittleEndian.Uint32(m[0:]) != 1 || binary.LittleEndian.Uint32(m[4:]) != 1<<8 {
		t.Errorf("mode = %X", m)
	}
	if !bytes.Equal(encodeHostConfig(), []byte{0xef, 0xbe, 0, 0}) {
		t.Errorf("host config = %X", encodeHostConfig())
	}
}

func TestDecodeDeviceConfig(t *testing.T) {
	b := []byte{0, 0, 0, 1, 2, 0, 0, 0, 3, 0, 0, 0}
	dc, err := decodeDeviceConfig(b)
	if err != nil {
		t.Fatal(err)
	}
	if dc.channels != 2 || dc.swVersion != 2 || dc.hwVersion != 3 {
		t.Errorf("config = %+v", dc)
	}
	if _, err := decodeDeviceConfig(b[:8]); err == nil {
		t.Error("short config accepted")
	}
}

func TestDecodeBTConstExt(t *testing.T) {
	b := make([]byte, btConstExtSize)
	vals := []uint32{
		uint32(candle.FeatureFD | candle.FeatureBTConstExt), 80_000_000,
		1, 256, 1, 128, 128, 1, 512, 1,
		1, 32, 1, 16, 16, 1, 32, 1,
	}
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[i*4:], v)
	}
	info, err := decodeBTConstExt(b)
	if err != nil {
		t.Fatal(err)
	}
	if info.ClockHz != 80_000_000 || info.Nominal.Tseg1Max != 256 || info.Nominal.BRPMax != 512 {
		t.Errorf("nominal = %+v", info.Nominal)
	}
	if info.Data.Tseg1Max != 32 || info.Data.SJWMax != 16 || info.Data.BRPMax != 32 {
		t.Errorf("data = %+v", info.Data)
	}
	if _, err := decodeBTConst(b[:20]); err == nil {
		t.Error("short bt const accepted")
	}
}

func TestApplyQuirks(t *testing.T) {
	f := applyQuirks(candle.FeatureIdentify, "LinkLayer Labs", "CANtact Pro", 2)
	if f&candle.FeatureReqUSBQuirkLPC546XX == 0 || f&candle.FeatureQuirkBreqCantactPro == 0 {
		t.Errorf("CANtact Pro quirks missing: %b", f)
	}
	if f&candle.FeatureIdentify == 0 {
		t.Error("identify dropped at sw_version 2")
	}
	f = applyQuirks(candle.FeatureIdentify, "bytewerk", "candleLight USB to CAN adapter", 1)
	if f != 0 {
		t.Errorf("features = %b, want identify masked", f)
	}
	if f := applyQuirks(0, "LinkLayer Labs", "CANtact Pro", 3); f != 0 {
		t.Errorf("features = %b, want no quirks on newer firmware", f)
	}
}

func TestCheckTiming(t *testing.T) {
	c := candle.BitTimingConst{Tseg1Min: 1, Tseg1Max: 16, Tseg2Min: 1, Tseg2Max: 8, SJWMax: 4, BRPMin: 1, BRPMax: 1024, BRPInc: 1}
	if err := checkTiming(candle.BitTiming{PropSeg: 1, PhaseSeg1: 12, PhaseSeg2: 2, SJW: 1, BRP: 6}, c); err != nil {
		t.Errorf("valid timing rejected: %v", err)
	}
	if err := checkTiming(candle.BitTiming{PropSeg: 1, PhaseSeg1: 43, PhaseSeg2: 15, SJW: 15, BRP: 2}, c); err == nil {
		t.Error("tseg1 44 accepted")
	}
	if err := checkTiming(candle.BitTiming{PropSeg: 1, PhaseSeg1: 43, PhaseSeg2: 15, SJW: 15, BRP: 2}, candle.BitTimingConst{}); err != nil {
		t.Errorf("no limits reported: %v", err)
	}
}

func TestIsSupported(t *testing.T) {
	if !IsSupported(0x1d50, 0x606f) || !IsSupported(0x16d0, 0x0f30) {
		t.Error("known adapter not supported")
	}
	if IsSupported(0x0403, 0x6001) {
		t.Error("ftdi reported as gs_usb")
	}
}
