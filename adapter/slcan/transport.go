// Package slcan drives serial line CAN adapters such as the CANable.
package slcan

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roffe/gocandle"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	DefaultBaudrate = 115200
	DefaultClockHz  = 80_000_000

	commandTimeout = 200 * time.Millisecond
	rxQueueSize    = 1024
)

func init() {
	if err := candle.RegisterTransport(&candle.TransportInfo{
		Name:               "slcan",
		Description:        "CANable and other slcan serial adapters",
		RequiresSerialPort: true,
		New: func(cfg *candle.TransportConfig) (candle.Transport, error) {
			return New(cfg), nil
		},
	}); err != nil {
		panic(err)
	}
}

// portLister is swapped in tests
var portLister = enumerator.GetDetailedPortsList

type Transport struct {
	port      string
	baudrate  int
	clockHz   uint32
	debug     bool
	onMessage func(string)

	mu      sync.Mutex
	claimed map[string]bool
}

func New(cfg *candle.TransportConfig) *Transport {
	if cfg == nil {
		cfg = &candle.TransportConfig{}
	}
	t := &Transport{
		port:      cfg.Port,
		baudrate:  cfg.PortBaudrate,
		clockHz:   cfg.ClockHz,
		debug:     cfg.Debug,
		onMessage: cfg.OnMessage,
		claimed:   make(map[string]bool),
	}
	if t.baudrate == 0 {
		t.baudrate = DefaultBaudrate
	}
	if t.clockHz == 0 {
		t.clockHz = DefaultClockHz
	}
	if t.onMessage == nil {
		t.onMessage = func(msg string) { log.Println(msg) }
	}
	return t
}

func parseHexID(s string) uint16 {
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}

// Enumerate lists USB serial ports, or only the configured port when one
// was given.
func (t *Transport) Enumerate() ([]candle.DeviceDescriptor, error) {
	ports, err := portLister()
	if err != nil {
		return nil, err
	}
	var out []candle.DeviceDescriptor
	for _, p := range ports {
		if t.port != "" && p.Name != t.port {
			continue
		}
		if t.port == "" && !p.IsUSB {
			continue
		}
		serialNumber := p.SerialNumber
		if serialNumber == "" {
			serialNumber = p.Name
		}
		out = append(out, candle.DeviceDescriptor{
			VendorID:     parseHexID(p.VID),
			ProductID:    parseHexID(p.PID),
			Manufacturer: "slcan",
			Product:      p.Product,
			SerialNumber: serialNumber,
			Ref:          p.Name,
			Channels: []candle.ChannelInfo{{
				Feature: candle.FeatureFD | candle.FeatureListenOnly,
				ClockHz: t.clockHz,
			}},
		})
	}
	if len(out) == 0 && t.port != "" {
		// not every platform lists every port, trust the caller
		out = append(out, candle.DeviceDescriptor{
			Manufacturer: "slcan",
			Product:      t.port,
			SerialNumber: t.port,
			Ref:          t.port,
			Channels:     []candle.ChannelInfo{{Feature: candle.FeatureFD | candle.FeatureListenOnly, ClockHz: t.clockHz}},
		})
	}
	return out, nil
}

func (t *Transport) OpenHandle(desc candle.DeviceDescriptor) (candle.Handle, error) {
	name, ok := desc.Ref.(string)
	if !ok || name == "" {
		return nil, fmt.Errorf("descriptor %s was not enumerated by slcan", desc)
	}
	t.mu.Lock()
	if t.claimed[name] {
		t.mu.Unlock()
		return nil, candle.ErrHandleClaimed
	}
	t.claimed[name] = true
	t.mu.Unlock()

	mode := &serial.Mode{
		BaudRate: t.baudrate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(name, mode)
	if err != nil {
		t.unclaim(name)
		var pe *serial.PortError
		if errors.As(err, &pe) && pe.Code() == serial.PortBusy {
			return nil, fmt.Errorf("%w: %v", candle.ErrHandleClaimed, err)
		}
		return nil, fmt.Errorf("failed to open com port %q : %w", name, err)
	}
	if err := p.SetReadTimeout(10 * time.Millisecond); err != nil {
		p.Close()
		t.unclaim(name)
		return nil, err
	}
	p.ResetOutputBuffer()
	p.ResetInputBuffer()

	clockHz := t.clockHz
	if len(desc.Channels) > 0 && desc.Channels[0].ClockHz != 0 {
		clockHz = desc.Channels[0].ClockHz
	}
	return newHandle(t, name, p, clockHz), nil
}

func (t *Transport) unclaim(name string) {
	t.mu.Lock()
	delete(t.claimed, name)
	t.mu.Unlock()
}

// Handle is an open slcan port. slcan adapters have a single channel, 0.
type Handle struct {
	t       *Transport
	name    string
	port    serial.Port
	clockHz uint32

	rx     chan *candle.Frame
	acks   chan error
	status chan []byte

	cmdMu   sync.Mutex
	writeMu sync.Mutex
	started atomic.Bool
	closing atomic.Bool
	echoID  atomic.Uint32

	dead      chan struct{}
	deadOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newHandle(t *Transport, name string, p serial.Port, clockHz uint32) *Handle {
	h := &Handle{
		t:       t,
		name:    name,
		port:    p,
		clockHz: clockHz,
		rx:      make(chan *candle.Frame, rxQueueSize),
		acks:    make(chan error, 1),
		status:  make(chan []byte, 1),
		dead:    make(chan struct{}),
	}
	h.wg.Add(1)
	go h.recvManager()
	return h
}

var errNack = errors.New("adapter answered with BELL")

func checkChannel(ch uint8) error {
	if ch != 0 {
		return fmt.Errorf("slcan has a single channel, got %d", ch)
	}
	return nil
}

func (h *Handle) write(b []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if h.t.debug {
		log.Printf(">> %q", b)
	}
	if _, err := h.port.Write(b); err != nil {
		return fmt.Errorf("failed to write to com port: %w", err)
	}
	return nil
}

// command writes cmd and waits for the adapter to acknowledge it.
func (h *Handle) command(cmd string) error {
	h.cmdMu.Lock()
	defer h.cmdMu.Unlock()
	select {
	case <-h.acks:
	default:
	}
	if err := h.write([]byte(cmd + "\r")); err != nil {
		return err
	}
	t := time.NewTimer(commandTimeout)
	defer t.Stop()
	select {
	case err := <-h.acks:
		if err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
		return nil
	case <-h.dead:
		return candle.ErrDeviceDisconnected
	case <-t.C:
		return fmt.Errorf("%s: no answer within %s", cmd, commandTimeout)
	}
}

func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		if h.started.Load() {
			_ = h.write([]byte("C\r"))
			time.Sleep(10 * time.Millisecond)
		}
		h.closing.Store(true)
		err = h.port.Close()
		h.wg.Wait()
		h.t.unclaim(h.name)
	})
	return err
}

func (h *Handle) ResetChannel(ch uint8) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	err := h.command("C")
	if errors.Is(err, errNack) {
		// already closed
		err = nil
	}
	if err != nil {
		return err
	}
	h.started.Store(false)
	for {
		select {
		case <-h.rx:
		default:
			return nil
		}
	}
}

func (h *Handle) SetTermination(ch uint8, enable bool) error {
	return candle.ErrNotSupported
}

func (h *Handle) SetBitTiming(ch uint8, bt candle.BitTiming) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	cmd, err := nominalCommand(bt.Bitrate(h.clockHz))
	if err != nil {
		return err
	}
	return h.command(cmd)
}

func (h *Handle) SetDataBitTiming(ch uint8, bt candle.BitTiming) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	cmd, err := dataCommand(bt.Bitrate(h.clockHz))
	if err != nil {
		return err
	}
	return h.command(cmd)
}

func (h *Handle) StartChannel(ch uint8, mode candle.Mode) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	if mode&(candle.ModeLoopBack|candle.ModeTripleSample|candle.ModeOneShot) != 0 {
		return fmt.Errorf("mode 0x%X: %w", uint32(mode), candle.ErrNotSupported)
	}
	if mode&candle.ModeHWTimestamp != 0 {
		if err := h.command("Z1"); err != nil {
			return err
		}
	}
	cmd := "O"
	if mode&candle.ModeListenOnly != 0 {
		cmd = "L"
	}
	if err := h.command(cmd); err != nil {
		return err
	}
	h.started.Store(true)
	return nil
}

// Send writes the frame record. Serial writes can't be cancelled, a write
// that outlives timeout keeps running in the background.
func (h *Handle) Send(ch uint8, timeout time.Duration, f *candle.Frame) (*candle.Frame, error) {
	if err := checkChannel(ch); err != nil {
		return nil, err
	}
	if !h.started.Load() {
		return nil, candle.ErrChannelNotStarted
	}
	rec, err := encodeRecord(f)
	if err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() { done <- h.write(rec) }()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
	case <-t.C:
		return nil, candle.ErrSendTimeout
	}
	echo := f.Clone()
	echo.Type &^= candle.FrameTypeRX
	echo.EchoID = h.echoID.Add(1) - 1
	return echo, nil
}

func (h *Handle) Receive(ch uint8, timeout time.Duration) (*candle.Frame, error) {
	if err := checkChannel(ch); err != nil {
		return nil, err
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case f := <-h.rx:
		return f, nil
	case <-h.dead:
		return nil, candle.Unrecoverable(candle.ErrDeviceDisconnected)
	case <-t.C:
		return nil, candle.ErrReceiveTimeout
	}
}

// State asks the adapter for its status flags.
func (h *Handle) State(ch uint8) (candle.ChannelState, error) {
	if err := checkChannel(ch); err != nil {
		return candle.ChannelState{}, err
	}
	h.cmdMu.Lock()
	defer h.cmdMu.Unlock()
	select {
	case <-h.status:
	default:
	}
	if err := h.write([]byte("F\r")); err != nil {
		return candle.ChannelState{}, err
	}
	t := time.NewTimer(commandTimeout)
	defer t.Stop()
	select {
	case rec := <-h.status:
		return parseStatus(rec)
	case <-h.dead:
		return candle.ChannelState{}, candle.ErrDeviceDisconnected
	case <-t.C:
		return candle.ChannelState{}, fmt.Errorf("F: no answer within %s", commandTimeout)
	}
}

func (h *Handle) recvManager() {
	defer h.wg.Done()
	defer h.deadOnce.Do(func() { close(h.dead) })
	buf := make([]byte, 0, 256)
	readBuf := make([]byte, 128)
	for {
		n, err := h.port.Read(readBuf)
		if err != nil {
			if !h.closing.Load() {
				h.t.onMessage(fmt.Sprintf("failed to read com port: %v", err))
			}
			return
		}
		if n == 0 {
			if h.closing.Load() {
				return
			}
			continue
		}
		buf = h.parse(buf, readBuf[:n])
	}
}

// parse processes the read data and returns any remaining partial data.
func (h *Handle) parse(buf, data []byte) []byte {
	for _, b := range data {
		switch b {
		case '\a':
			h.ack(errNack)
			buf = buf[:0]
		case '\r':
			h.record(buf)
			buf = buf[:0]
		default:
			buf = append(buf, b)
		}
	}
	return buf
}

func (h *Handle) ack(err error) {
	select {
	case h.acks <- err:
	default:
	}
}

func (h *Handle) record(rec []byte) {
	if len(rec) == 0 {
		h.ack(nil)
		return
	}
	if h.t.debug {
		log.Printf("<< %s", rec)
	}
	switch c := rec[0]; {
	case isFrameRecord(c):
		f, err := decodeRecord(rec)
		if err != nil {
			h.t.onMessage(fmt.Sprintf("%v: %X", err, rec))
			return
		}
		select {
		case h.rx <- f:
		default:
			h.t.onMessage("slcan receive queue full, frame dropped")
		}
	case c == 'z' || c == 'Z':
		// transmit acknowledged
	case c == 'F':
		st := make([]byte, len(rec))
		copy(st, rec)
		select {
		case h.status <- st:
		default:
		}
	default:
		if h.t.debug {
			h.t.onMessage("unknown record: " + string(rec))
		}
	}
}
