package gsusb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gousb"
	"github.com/roffe/gocandle"
)

const readRetryDelay = 10 * time.Millisecond

var errHandleClosed = errors.New("handle closed")

type controller interface {
	out(req uint8, value uint16, data []byte) error
	in(req uint8, value uint16, size int) ([]byte, error)
}

type bulkWriter interface {
	WriteContext(ctx context.Context, buf []byte) (int, error)
}

type channel struct {
	rx      chan *candle.Frame
	mode    atomic.Uint32
	started atomic.Bool
}

// Handle is an open gs_usb device. One reader goroutine drains the bulk IN
// endpoint and routes frames to per channel queues; TX echoes arrive the
// same way and show up in Receive without the RX flag.
type Handle struct {
	t    *Transport
	loc  location
	desc candle.DeviceDescriptor
	ctrl controller

	in      *gousb.InEndpoint
	out     bulkWriter
	release func() error

	channels []*channel
	echoID   atomic.Uint32
	sendMu   sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	dead      chan struct{}
	deadOnce  sync.Once
	deadErr   error
	closeOnce sync.Once
	dropped   atomic.Uint64
}

func newHandle(t *Transport, loc location, desc candle.DeviceDescriptor, ctrl controller, out bulkWriter, release func() error) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		t:        t,
		loc:      loc,
		desc:     desc,
		ctrl:     ctrl,
		out:      out,
		release:  release,
		ctx:      ctx,
		cancel:   cancel,
		dead:     make(chan struct{}),
		channels: make([]*channel, len(desc.Channels)),
	}
	for i := range h.channels {
		h.channels[i] = &channel{rx: make(chan *candle.Frame, rxQueueSize)}
	}
	return h
}

func (h *Handle) lookup(ch uint8) (*channel, candle.ChannelInfo, error) {
	if int(ch) >= len(h.channels) {
		return nil, candle.ChannelInfo{}, fmt.Errorf("%w: %d", errBadChannel, ch)
	}
	return h.channels[ch], h.desc.Channels[ch], nil
}

func (h *Handle) die(err error) {
	h.deadOnce.Do(func() {
		h.deadErr = err
		close(h.dead)
	})
}

func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		for i, c := range h.channels {
			if c.started.Load() {
				_ = h.ctrl.out(breqMode, uint16(i), encodeMode(modeReset, 0))
			}
		}
		h.die(errHandleClosed)
		h.cancel()
		h.wg.Wait()
		// a bulk transfer in flight must finish before the device goes away
		h.sendMu.Lock()
		err = h.release()
		h.sendMu.Unlock()
		h.t.unclaim(h.loc)
	})
	return err
}

func (h *Handle) ResetChannel(ch uint8) error {
	c, _, err := h.lookup(ch)
	if err != nil {
		return err
	}
	if err := h.ctrl.out(breqMode, uint16(ch), encodeMode(modeReset, 0)); err != nil {
		return err
	}
	c.started.Store(false)
	c.mode.Store(0)
	for {
		select {
		case <-c.rx:
		default:
			return nil
		}
	}
}

func (h *Handle) SetTermination(ch uint8, enable bool) error {
	_, info, err := h.lookup(ch)
	if err != nil {
		return err
	}
	if info.Feature&candle.FeatureTermination == 0 {
		return candle.ErrNotSupported
	}
	var v uint32
	if enable {
		v = 1
	}
	return h.ctrl.out(breqSetTermination, uint16(ch), encodeUint32(v))
}

// Termination reads back the termination resistor state.
func (h *Handle) Termination(ch uint8) (bool, error) {
	_, info, err := h.lookup(ch)
	if err != nil {
		return false, err
	}
	if info.Feature&candle.FeatureTermination == 0 {
		return false, candle.ErrNotSupported
	}
	b, err := h.ctrl.in(breqGetTermination, uint16(ch), 4)
	if err != nil {
		return false, err
	}
	if len(b) < 4 {
		return false, errShortPacket
	}
	return le.Uint32(b) != 0, nil
}

func (h *Handle) SetBitTiming(ch uint8, bt candle.BitTiming) error {
	_, info, err := h.lookup(ch)
	if err != nil {
		return err
	}
	if err := checkTiming(bt, info.Nominal); err != nil {
		return err
	}
	return h.ctrl.out(breqBittiming, uint16(ch), encodeBitTiming(bt))
}

func (h *Handle) SetDataBitTiming(ch uint8, bt candle.BitTiming) error {
	_, info, err := h.lookup(ch)
	if err != nil {
		return err
	}
	if info.Feature&candle.FeatureFD == 0 {
		return candle.ErrNotSupported
	}
	if err := checkTiming(bt, info.Data); err != nil {
		return err
	}
	req := uint8(breqDataBittiming)
	if info.Feature&candle.FeatureQuirkBreqCantactPro != 0 {
		// early CANtact Pro firmware takes data timing on the BT_CONST_EXT request
		req = breqBTConstExt
	}
	return h.ctrl.out(req, uint16(ch), encodeBitTiming(bt))
}

func (h *Handle) StartChannel(ch uint8, mode candle.Mode) error {
	c, info, err := h.lookup(ch)
	if err != nil {
		return err
	}
	if mode&candle.ModeFD != 0 && info.Feature&candle.FeatureFD == 0 {
		return fmt.Errorf("FD mode: %w", candle.ErrNotSupported)
	}
	if info.Feature&candle.FeaturePadPktsToMaxPktSize != 0 {
		mode |= candle.ModePadPktsToMaxPktSize
	}
	if err := h.ctrl.out(breqMode, uint16(ch), encodeMode(modeStart, mode)); err != nil {
		return err
	}
	c.mode.Store(uint32(mode))
	c.started.Store(true)
	return nil
}

// Identify blinks the adapter LEDs when supported.
func (h *Handle) Identify(ch uint8, on bool) error {
	_, info, err := h.lookup(ch)
	if err != nil {
		return err
	}
	if info.Feature&candle.FeatureIdentify == 0 {
		return candle.ErrNotSupported
	}
	var v uint32
	if on {
		v = 1
	}
	return h.ctrl.out(breqIdentify, uint16(ch), encodeUint32(v))
}

func (h *Handle) State(ch uint8) (candle.ChannelState, error) {
	_, info, err := h.lookup(ch)
	if err != nil {
		return candle.ChannelState{}, err
	}
	if info.Feature&candle.FeatureGetState == 0 {
		return candle.ChannelState{}, candle.ErrNotSupported
	}
	b, err := h.ctrl.in(breqGetState, uint16(ch), deviceStateSize)
	if err != nil {
		return candle.ChannelState{}, err
	}
	return decodeState(b)
}

func (h *Handle) nextEchoID() uint32 {
	for {
		id := h.echoID.Add(1) - 1
		if id != candle.EchoRX {
			return id
		}
	}
}

// Send writes f to the bulk OUT endpoint. The returned frame carries the
// echo id the device will report back once the frame is on the bus.
func (h *Handle) Send(ch uint8, timeout time.Duration, f *candle.Frame) (*candle.Frame, error) {
	c, info, err := h.lookup(ch)
	if err != nil {
		return nil, err
	}
	if !c.started.Load() {
		return nil, candle.ErrChannelNotStarted
	}
	if f.Type.Has(candle.FrameTypeFD) && info.Feature&candle.FeatureFD == 0 {
		return nil, fmt.Errorf("FD frame: %w", candle.ErrNotSupported)
	}
	echo := f.Clone()
	echo.Type &^= candle.FrameTypeRX
	echo.EchoID = h.nextEchoID()
	pkt := encodeHostFrame(echo, echo.EchoID, ch, info.Feature&candle.FeatureReqUSBQuirkLPC546XX != 0)

	ctx, cancel := context.WithTimeout(h.ctx, timeout)
	defer cancel()
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	if err := h.checkDead(); err != nil {
		return nil, err
	}
	if _, err := h.out.WriteContext(ctx, pkt); err != nil {
		if err := h.checkDead(); err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, candle.ErrSendTimeout
		}
		return nil, mapError(err)
	}
	return echo, nil
}

func (h *Handle) checkDead() error {
	select {
	case <-h.dead:
		return candle.Unrecoverable(h.deadErr)
	default:
		return nil
	}
}

func (h *Handle) Receive(ch uint8, timeout time.Duration) (*candle.Frame, error) {
	c, _, err := h.lookup(ch)
	if err != nil {
		return nil, err
	}
	if !c.started.Load() {
		return nil, candle.ErrChannelNotStarted
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case f := <-c.rx:
		return f, nil
	case <-h.dead:
		return nil, candle.Unrecoverable(h.deadErr)
	case <-t.C:
		return nil, candle.ErrReceiveTimeout
	}
}

func (h *Handle) recvManager(ctx context.Context) {
	defer h.wg.Done()
	if h.t.debug {
		defer h.t.onMessage("gs_usb recvManager exited")
	}
	buf := make([]byte, h.in.Desc.MaxPacketSize*2)
	if len(buf) < frameSize(true, true, false) {
		buf = make([]byte, frameSize(true, true, false))
	}
	for {
		n, err := h.in.ReadContext(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			mapped := mapError(err)
			if errors.Is(mapped, candle.ErrDeviceDisconnected) {
				h.die(mapped)
				return
			}
			if h.t.debug {
				h.t.onMessage(fmt.Sprintf("failed to read from usb device: %v", err))
			}
			time.Sleep(readRetryDelay)
			continue
		}
		h.dispatch(buf[:n])
	}
}

func (h *Handle) dispatch(b []byte) {
	if len(b) < hostFrameHeaderSize {
		return
	}
	chIdx := b[9]
	if int(chIdx) >= len(h.channels) {
		return
	}
	c := h.channels[chIdx]
	hf, err := decodeHostFrame(b, candle.Mode(c.mode.Load())&candle.ModeHWTimestamp != 0)
	if err != nil {
		if h.t.debug {
			h.t.onMessage(fmt.Sprintf("%v: %X", err, b))
		}
		return
	}
	h.queue(c, hf.frame)
	if hf.overflow {
		h.queue(c, overflowFrame())
	}
}

func (h *Handle) queue(c *channel, f *candle.Frame) {
	select {
	case c.rx <- f:
	default:
		h.dropped.Add(1)
	}
}

// Dropped returns the number of frames lost because a channel queue was full.
func (h *Handle) Dropped() uint64 {
	return h.dropped.Load()
}
