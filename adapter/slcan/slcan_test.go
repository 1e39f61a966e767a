package slcan

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/roffe/gocandle"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

func TestEncodeRecord(t *testing.T) {
	tests := []struct {
		name  string
		frame *candle.Frame
		want  string
	}{
		{"standard", candle.MustFrame(0x7E0, []byte{0x02, 0x10, 0x01}, 0), "t7E03021001\r"},
		{"extended", candle.MustFrame(0x18DAF110, []byte{0xAA}, candle.FrameTypeEFF), "T18DAF1101AA\r"},
		{"remote", &candle.Frame{Type: candle.FrameTypeRTR, Identifier: 0x100, DLC: 2}, "r1002\r"},
		{"fd", candle.MustFrame(0x123, make([]byte, 12), candle.FrameTypeFD), "d1239" + strings.Repeat("00", 12) + "\r"},
		{"fd brs extended", candle.MustFrame(0x1, []byte{1}, candle.FrameTypeFD|candle.FrameTypeBRS|candle.FrameTypeEFF), "B00000001101\r"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := encodeRecord(tt.frame)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("encodeRecord() = %q, want %q", got, tt.want)
			}
		})
	}
	if _, err := encodeRecord(&candle.Frame{Type: candle.FrameTypeERR}); !errors.Is(err, candle.ErrNotSupported) {
		t.Errorf("error frame: %v", err)
	}
}

func TestDecodeRecord(t *testing.T) {
	f, err := decodeRecord([]byte("t7E83AABBCC"))
	if err != nil {
		t.Fatal(err)
	}
	if f.Identifier != 0x7E8 || !bytes.Equal(f.Data, []byte{0xAA, 0xBB, 0xCC}) || f.Type != candle.FrameTypeRX || f.EchoID != candle.EchoRX {
		t.Errorf("frame = %s", f)
	}

	f, err = decodeRecord([]byte("T18DAF1102112204E2"))
	if err != nil {
		t.Fatal(err)
	}
	if !f.Type.Has(candle.FrameTypeEFF) || f.Identifier != 0x18DAF110 || f.Timestamp != 0x04E2*1000 {
		t.Errorf("frame = %s ts %d", f, f.Timestamp)
	}

	f, err = decodeRecord([]byte("b123F" + strings.Repeat("11", 64)))
	if err != nil {
		t.Fatal(err)
	}
	if !f.Type.Has(candle.FrameTypeFD) || !f.Type.Has(candle.FrameTypeBRS) || len(f.Data) != 64 {
		t.Errorf("frame = %s", f)
	}

	f, err = decodeRecord([]byte("r1008"))
	if err != nil {
		t.Fatal(err)
	}
	if !f.Type.Has(candle.FrameTypeRTR) || f.DLC != 8 || len(f.Data) != 0 {
		t.Errorf("frame = %s", f)
	}

	for _, bad := range []string{"", "x123", "t12", "t1239", "t1232AA", "tXYZ0"} {
		if _, err := decodeRecord([]byte(bad)); err == nil {
			t.Errorf("decodeRecord(%q) accepted", bad)
		}
	}
}

func TestBitrateCommands(t *testing.T) {
	bt := candle.BitTiming{PropSeg: 1, PhaseSeg1: 12, PhaseSeg2: 2, SJW: 1, BRP: 10}
	cmd, err := nominalCommand(bt.Bitrate(80_000_000))
	if err != nil || cmd != "S6" {
		t.Errorf("500k = %q, %v", cmd, err)
	}
	if cmd, err := dataCommand(2_000_000); err != nil || cmd != "Y2" {
		t.Errorf("2M = %q, %v", cmd, err)
	}
	if _, err := nominalCommand(666_666); !errors.Is(err, errUnmappedBitrate) {
		t.Errorf("666k: %v", err)
	}
}

func TestParseStatus(t *testing.T) {
	tests := map[string]candle.CANState{
		"F00": candle.StateErrorActive,
		"F04": candle.StateErrorWarning,
		"F20": candle.StateErrorPassive,
		"FA0": candle.StateBusOff,
	}
	for rec, want := range tests {
		st, err := parseStatus([]byte(rec))
		if err != nil {
			t.Fatal(err)
		}
		if st.State != want {
			t.Errorf("parseStatus(%s) = %s, want %s", rec, st.State, want)
		}
	}
}

// fakePort answers every command with a carriage return.
type fakePort struct {
	serial.Port

	mu      sync.Mutex
	written []string
	in      chan []byte
	pending []byte
	closed  chan struct{}
	once    sync.Once
	reply   func(cmd string) string
}

func newFakePort() *fakePort {
	return &fakePort{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
		reply:  func(string) string { return "\r" },
	}
}

func (p *fakePort) Read(b []byte) (int, error) {
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		return n, nil
	}
	select {
	case <-p.closed:
		return 0, errors.New("port closed")
	case data := <-p.in:
		n := copy(b, data)
		p.pending = data[n:]
		return n, nil
	case <-time.After(5 * time.Millisecond):
		return 0, nil
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.written = append(p.written, string(b))
	p.mu.Unlock()
	if r := p.reply(string(b)); r != "" {
		p.in <- []byte(r)
	}
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) Written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.written...)
}

func TestHandle(t *testing.T) {
	port := newFakePort()
	port.reply = func(cmd string) string {
		switch {
		case cmd == "F\r":
			return "F20\r"
		case cmd[0] == 't':
			return "z\r"
		}
		return "\r"
	}
	tr := New(&candle.TransportConfig{})
	h := newHandle(tr, "fake", port, 80_000_000)

	if err := h.ResetChannel(0); err != nil {
		t.Fatal(err)
	}
	if err := h.SetTermination(0, true); !errors.Is(err, candle.ErrNotSupported) {
		t.Errorf("SetTermination() = %v", err)
	}
	if err := h.SetBitTiming(0, candle.BitTiming{PropSeg: 1, PhaseSeg1: 12, PhaseSeg2: 2, SJW: 1, BRP: 10}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Send(0, time.Second, candle.MustFrame(0x7E0, nil, 0)); !errors.Is(err, candle.ErrChannelNotStarted) {
		t.Errorf("Send() before start = %v", err)
	}
	if err := h.StartChannel(0, candle.ModeListenOnly); err != nil {
		t.Fatal(err)
	}
	echo, err := h.Send(0, time.Second, candle.MustFrame(0x7E0, []byte{0x3E, 0x00}, 0))
	if err != nil {
		t.Fatal(err)
	}
	if echo.Type.Has(candle.FrameTypeRX) || echo.Identifier != 0x7E0 {
		t.Errorf("echo = %s", echo)
	}

	port.in <- []byte("t7E8")
	port.in <- []byte("2017E\r")
	f, err := h.Receive(0, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if f.Identifier != 0x7E8 || !bytes.Equal(f.Data, []byte{0x01, 0x7E}) {
		t.Errorf("frame = %s", f)
	}
	if _, err := h.Receive(0, 20*time.Millisecond); !errors.Is(err, candle.ErrReceiveTimeout) {
		t.Errorf("Receive() = %v, want timeout", err)
	}

	st, err := h.State(0)
	if err != nil || st.State != candle.StateErrorPassive {
		t.Errorf("State() = %+v, %v", st, err)
	}

	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Receive(0, time.Second); !errors.Is(err, candle.ErrDeviceDisconnected) {
		t.Errorf("Receive() after close = %v", err)
	}

	want := []string{"C\r", "S6\r", "L\r", "t7E023E00\r", "F\r", "C\r"}
	if got := port.Written(); !reflect.DeepEqual(got, want) {
		t.Errorf("written = %q, want %q", got, want)
	}
}

func TestCommandNack(t *testing.T) {
	port := newFakePort()
	port.reply = func(string) string { return "\a" }
	h := newHandle(New(nil), "fake", port, 80_000_000)
	defer h.Close()
	if err := h.ResetChannel(0); err != nil {
		t.Errorf("reset of a closed channel: %v", err)
	}
	if err := h.StartChannel(0, 0); !errors.Is(err, errNack) {
		t.Errorf("StartChannel() = %v, want nack", err)
	}
}

func TestEnumerate(t *testing.T) {
	old := portLister
	defer func() { portLister = old }()
	portLister = func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{
			{Name: "/dev/ttyS0"},
			{Name: "/dev/ttyACM0", IsUSB: true, VID: "AD50", PID: "60C4", SerialNumber: "0038001F", Product: "CANable2"},
		}, nil
	}
	devs, err := New(nil).Enumerate()
	if err != nil {
		t.Fatal(err)
	}
	if len(devs) != 1 || devs[0].VendorID != 0xAD50 || devs[0].SerialNumber != "0038001F" || devs[0].Ref != "/dev/ttyACM0" {
		t.Errorf("devices = %+v", devs)
	}
	if devs[0].Channels[0].ClockHz != DefaultClockHz {
		t.Errorf("clock = %d", devs[0].Channels[0].ClockHz)
	}

	devs, err = New(&candle.TransportConfig{Port: "/dev/ttyS0"}).Enumerate()
	if err != nil || len(devs) != 1 || devs[0].Ref != "/dev/ttyS0" {
		t.Errorf("devices = %+v, %v", devs, err)
	}
}
