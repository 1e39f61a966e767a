// Package virtual is an in-memory transport. Every handle operation is
// recorded, failures can be injected per operation and received frames
// are fed with Inject.
package virtual

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roffe/gocandle"
)

const (
	OpOpen          = "open"
	OpReset         = "reset"
	OpTermination   = "termination"
	OpBitTiming     = "bittiming"
	OpDataBitTiming = "databittiming"
	OpStart         = "start"
	OpSend          = "send"
	OpClose         = "close"
)

func init() {
	if err := candle.RegisterTransport(&candle.TransportInfo{
		Name:        "virtual",
		Description: "In-memory loopback adapter",
		New: func(cfg *candle.TransportConfig) (candle.Transport, error) {
			t := New()
			t.SetLoopback(true)
			return t, nil
		},
	}); err != nil {
		panic(err)
	}
}

// Call is one recorded handle operation.
type Call struct {
	Op      string
	Channel uint8
	Arg     any
}

func (c Call) String() string {
	if c.Arg == nil {
		return fmt.Sprintf("%s(%d)", c.Op, c.Channel)
	}
	return fmt.Sprintf("%s(%d, %v)", c.Op, c.Channel, c.Arg)
}

// DefaultDevice is what New enumerates when no devices are given.
var DefaultDevice = candle.DeviceDescriptor{
	VendorID:        0x1d50,
	ProductID:       0x606f,
	Manufacturer:    "gocandle",
	Product:         "virtual",
	SerialNumber:    "VIRT0001",
	Release:         "1.00",
	SoftwareVersion: 2,
	HardwareVersion: 1,
	Channels: []candle.ChannelInfo{{
		Feature: candle.FeatureFD | candle.FeatureTermination | candle.FeatureGetState | candle.FeatureBTConstExt,
		ClockHz: 80_000_000,
	}},
}

type Transport struct {
	mu           sync.Mutex
	devices      []candle.DeviceDescriptor
	enumerateErr error
	failures     map[string]error
	calls        []Call
	claimed      map[string]*Handle
	last         *Handle
	loopback     bool
	state        candle.ChannelState
}

func New(devices ...candle.DeviceDescriptor) *Transport {
	if len(devices) == 0 {
		devices = []candle.DeviceDescriptor{DefaultDevice}
	}
	return &Transport{
		devices:  devices,
		failures: make(map[string]error),
		claimed:  make(map[string]*Handle),
	}
}

// FailOn makes every following call of op return err. A nil err clears it.
func (t *Transport) FailOn(op string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.failures, op)
		return
	}
	t.failures[op] = err
}

func (t *Transport) FailEnumerate(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enumerateErr = err
}

// SetLoopback makes sent frames come back as received frames.
func (t *Transport) SetLoopback(enable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loopback = enable
}

func (t *Transport) SetState(st candle.ChannelState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = st
}

// Calls returns the operations recorded so far, in order.
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Call, len(t.calls))
	copy(out, t.calls)
	return out
}

// Ops returns only the operation names of Calls.
func (t *Transport) Ops() []string {
	calls := t.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Op
	}
	return out
}

func (t *Transport) ResetCalls() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = nil
}

// Handle returns the most recently opened handle.
func (t *Transport) Handle() *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

func (t *Transport) record(op string, channel uint8, arg any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, Call{Op: op, Channel: channel, Arg: arg})
	return t.failures[op]
}

func (t *Transport) Enumerate() ([]candle.DeviceDescriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enumerateErr != nil {
		return nil, t.enumerateErr
	}
	out := make([]candle.DeviceDescriptor, len(t.devices))
	copy(out, t.devices)
	return out, nil
}

func (t *Transport) OpenHandle(desc candle.DeviceDescriptor) (candle.Handle, error) {
	if err := t.record(OpOpen, 0, desc.SerialNumber); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.claimed[desc.SerialNumber]; ok {
		return nil, candle.ErrHandleClaimed
	}
	h := &Handle{
		t:      t,
		serial: desc.SerialNumber,
		rx:     make(chan rxResult, 4096),
		closed: make(chan struct{}),
	}
	t.claimed[desc.SerialNumber] = h
	t.last = h
	return h, nil
}

type rxResult struct {
	frame *candle.Frame
	err   error
}

// Handle is an open virtual device.
type Handle struct {
	t         *Transport
	serial    string
	rx        chan rxResult
	closed    chan struct{}
	closeOnce sync.Once
	started   atomic.Bool
	echoID    atomic.Uint32
}

// Inject queues f to be returned by Receive.
func (h *Handle) Inject(f *candle.Frame) {
	select {
	case h.rx <- rxResult{frame: f}:
	case <-h.closed:
	}
}

// InjectError makes the next Receive fail with err.
func (h *Handle) InjectError(err error) {
	select {
	case h.rx <- rxResult{err: err}:
	case <-h.closed:
	}
}

func (h *Handle) Closed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

func (h *Handle) Close() error {
	err := h.t.record(OpClose, 0, nil)
	h.closeOnce.Do(func() {
		close(h.closed)
		h.t.mu.Lock()
		delete(h.t.claimed, h.serial)
		h.t.mu.Unlock()
	})
	return err
}

func (h *Handle) ResetChannel(channel uint8) error {
	h.started.Store(false)
	return h.t.record(OpReset, channel, nil)
}

func (h *Handle) SetTermination(channel uint8, enable bool) error {
	return h.t.record(OpTermination, channel, enable)
}

func (h *Handle) SetBitTiming(channel uint8, bt candle.BitTiming) error {
	return h.t.record(OpBitTiming, channel, bt)
}

func (h *Handle) SetDataBitTiming(channel uint8, bt candle.BitTiming) error {
	return h.t.record(OpDataBitTiming, channel, bt)
}

func (h *Handle) StartChannel(channel uint8, mode candle.Mode) error {
	if err := h.t.record(OpStart, channel, mode); err != nil {
		return err
	}
	h.started.Store(true)
	return nil
}

func (h *Handle) Send(channel uint8, timeout time.Duration, f *candle.Frame) (*candle.Frame, error) {
	if err := h.t.record(OpSend, channel, f.Identifier); err != nil {
		return nil, err
	}
	if h.Closed() {
		return nil, candle.ErrDeviceDisconnected
	}
	if !h.started.Load() {
		return nil, candle.ErrChannelNotStarted
	}
	echo := f.Clone()
	echo.Type &^= candle.FrameTypeRX
	echo.EchoID = h.echoID.Add(1) - 1

	h.t.mu.Lock()
	loopback := h.t.loopback
	h.t.mu.Unlock()
	if loopback {
		in := echo.Clone()
		in.Type |= candle.FrameTypeRX
		in.EchoID = candle.EchoRX
		select {
		case h.rx <- rxResult{frame: in}:
		default:
		}
	}
	return echo, nil
}

func (h *Handle) Receive(channel uint8, timeout time.Duration) (*candle.Frame, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case r := <-h.rx:
		return r.frame, r.err
	case <-h.closed:
		return nil, candle.Unrecoverable(candle.ErrDeviceDisconnected)
	case <-t.C:
		return nil, candle.ErrReceiveTimeout
	}
}

func (h *Handle) State(channel uint8) (candle.ChannelState, error) {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	return h.t.state, nil
}
