package candle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

type SessionState int32

const (
	SessionClosed SessionState = iota
	SessionConfiguring
	SessionOpen
	SessionClosing
)

func (s SessionState) String() string {
	switch s {
	case SessionClosed:
		return "closed"
	case SessionConfiguring:
		return "configuring"
	case SessionOpen:
		return "open"
	case SessionClosing:
		return "closing"
	default:
		return "unknown"
	}
}

var ErrSessionBusy = errors.New("session is not closed")

// Session owns one channel of an adapter: its configuration, the receive
// loop publishing frames and faults, and the consecutive error counter that
// shuts the channel down when the bus stays faulty.
type Session struct {
	desc DeviceDescriptor
	tr   Transport
	opts *Options
	h    *handler

	mu     sync.Mutex
	state  SessionState
	handle Handle
	stop   chan struct{}
	done   chan struct{}

	// written by the receive loop only
	errCount  atomic.Uint32
	errFrames atomic.Uint64
	frames    atomic.Uint64
	sent      atomic.Uint64
}

// NewSession binds a session to desc. Prefer Registry.NewSession.
func NewSession(tr Transport, desc DeviceDescriptor, opts *Options) *Session {
	s := &Session{
		desc: desc,
		tr:   tr,
		opts: opts.withDefaults(),
		h:    newHandler(),
	}
	done := make(chan struct{})
	close(done)
	s.done = done
	if s.opts.Debug {
		s.h.onDrop = func(_ *Subscriber, ev Event) {
			s.opts.OnMessage("subscriber full, dropped " + ev.Type.String())
		}
	}
	return s
}

func (s *Session) Device() DeviceDescriptor {
	return s.desc
}

// Open claims the device and configures the channel in a fixed order:
// open handle, reset, termination, bit timing, data bit timing, start.
// Steps with a nil config value are skipped. The receive loop runs until
// Close, ctx cancellation or the error watchdog ends it.
func (s *Session) Open(ctx context.Context, cfg ChannelConfig) error {
	if s.tr == nil {
		return ErrNilTransport
	}
	if err := cfg.validate(); err != nil {
		return &ConfigError{Step: "validate config", Err: err}
	}

	s.mu.Lock()
	if s.state != SessionClosed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionBusy, s.state)
	}
	s.state = SessionConfiguring
	s.mu.Unlock()

	h, err := s.configure(cfg)
	if err != nil {
		s.mu.Lock()
		s.state = SessionClosed
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = h
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.errCount.Store(0)
	s.state = SessionOpen
	go s.recvManager(ctx, h, s.stop, s.done)
	return nil
}

func (s *Session) configure(cfg ChannelConfig) (Handle, error) {
	h, err := s.tr.OpenHandle(s.desc)
	if err != nil {
		return nil, &DeviceOpenError{Device: s.desc, Err: err}
	}
	ch := s.opts.Channel

	fail := func(err error) (Handle, error) {
		if cerr := h.Close(); cerr != nil {
			s.opts.OnMessage(fmt.Sprintf("close handle after failed open: %v", cerr))
		}
		return nil, err
	}

	if err := h.ResetChannel(ch); err != nil {
		return fail(&ConfigError{Step: "reset channel", Err: err})
	}
	if cfg.Termination != nil {
		if err := h.SetTermination(ch, *cfg.Termination); err != nil {
			return fail(&ConfigError{Step: "set termination", Err: err})
		}
	}
	if cfg.BitTiming != nil {
		if err := h.SetBitTiming(ch, *cfg.BitTiming); err != nil {
			return fail(&ConfigError{Step: "set bit timing", Err: err})
		}
	}
	if cfg.DataBitTiming != nil {
		if err := h.SetDataBitTiming(ch, *cfg.DataBitTiming); err != nil {
			return fail(&ConfigError{Step: "set data bit timing", Err: err})
		}
	} else if cfg.FD && s.opts.Debug {
		s.opts.OnMessage("FD requested without data bit timing, adapter default applies")
	}
	mode := cfg.mode()
	if err := h.StartChannel(ch, mode); err != nil {
		return fail(&ChannelStartError{Channel: ch, Mode: mode, Err: err})
	}
	return h, nil
}

// Close stops the receive loop, waits for it to exit and releases the
// handle. Closing a session that is not open is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	switch s.state {
	case SessionOpen:
	case SessionClosing:
		done := s.done
		s.mu.Unlock()
		<-done
		return nil
	default:
		s.mu.Unlock()
		return nil
	}
	s.state = SessionClosing
	close(s.stop)
	h, done := s.handle, s.done
	s.mu.Unlock()

	<-done
	return s.release(h)
}

func (s *Session) release(h Handle) error {
	err := h.Close()
	s.h.closeAll()
	s.mu.Lock()
	s.handle = nil
	s.state = SessionClosed
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("close handle: %w", err)
	}
	return nil
}

// terminate is the receive loop's own way out. ev is published as the last
// event before the transition to closing.
func (s *Session) terminate(h Handle, ev *Event) {
	s.mu.Lock()
	if s.state != SessionOpen {
		s.mu.Unlock()
		return
	}
	if ev != nil {
		s.h.deliver(*ev)
	}
	s.state = SessionClosing
	s.mu.Unlock()
	if err := s.release(h); err != nil {
		s.opts.OnMessage(err.Error())
	}
}

// publish delivers ev unless the session has left the open state. The
// state check and the delivery happen under the same lock as the
// transition to closing, so nothing is published once closing has begun.
func (s *Session) publish(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionOpen {
		return false
	}
	s.h.deliver(ev)
	return true
}

func (s *Session) recvManager(ctx context.Context, h Handle, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if s.opts.Debug {
		log.Println("receive loop started")
		defer log.Println("receive loop exited")
	}
	ch := s.opts.Channel
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			s.terminate(h, nil)
			return
		default:
		}

		f, err := h.Receive(ch, s.opts.ReceiveTimeout)
		if err != nil {
			fault := &ReceiveFault{Err: err}
			if !s.publish(Event{Type: EventTypeFault, Err: fault}) {
				return
			}
			// a gone device would fail every further receive immediately
			if errors.Is(err, ErrDeviceDisconnected) || !IsRecoverable(err) {
				s.terminate(h, &Event{Type: EventTypeShutdown, Err: Unrecoverable(fault)})
				return
			}
			continue
		}

		if f.Type.Has(FrameTypeERR) {
			report := DecodeErrorFrame(f)
			n := s.errCount.Add(1)
			s.errFrames.Add(1)
			if !s.publish(Event{Type: EventTypeFault, Report: report}) {
				return
			}
			if n > s.opts.ErrorThreshold {
				s.terminate(h, &Event{
					Type:   EventTypeShutdown,
					Report: report,
					Err:    &WatchdogShutdown{Count: n, Threshold: s.opts.ErrorThreshold},
				})
				return
			}
			continue
		}

		s.errCount.Store(0)
		s.frames.Add(1)
		if !s.publish(Event{Type: EventTypeFrame, Frame: f}) {
			return
		}
	}
}

// Send forwards f to the adapter with the configured send timeout.
func (s *Session) Send(f *Frame) (*Frame, error) {
	return s.SendTimeout(f, s.opts.SendTimeout)
}

// SendTimeout forwards f to the adapter and returns the adapter echo.
func (s *Session) SendTimeout(f *Frame, timeout time.Duration) (*Frame, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.state != SessionOpen {
		s.mu.Unlock()
		return nil, ErrChannelClosed
	}
	h := s.handle
	s.mu.Unlock()

	echo, err := h.Send(s.opts.Channel, timeout, f.Clone())
	if err != nil {
		if errors.Is(err, ErrSendTimeout) {
			return nil, &SendTimeoutError{Timeout: timeout, Frame: f}
		}
		return nil, fmt.Errorf("send failed: %w", err)
	}
	s.sent.Add(1)
	return echo, nil
}

// SendFrame is a shortcut building and sending a frame
func (s *Session) SendFrame(identifier uint32, data []byte, typ FrameType) (*Frame, error) {
	f, err := NewFrame(identifier, data, typ)
	if err != nil {
		return nil, err
	}
	return s.Send(f)
}

// Subscribe registers a subscriber. It may be called before Open; the
// subscription ends when the session closes.
func (s *Session) Subscribe(identifiers ...uint32) *Subscriber {
	sub := newSubscriber(s.h, s.opts.SubscriberBuffer, identifiers...)
	s.h.registerSubscriber(sub)
	return sub
}

func (s *Session) IsOpened() bool {
	return s.Status() == SessionOpen
}

func (s *Session) Status() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the receive loop of the current open has exited.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// ErrorCount returns the number of consecutive error frames.
func (s *Session) ErrorCount() uint32 {
	return s.errCount.Load()
}

// State queries the controller state if the adapter supports it.
func (s *Session) State() (ChannelState, error) {
	s.mu.Lock()
	if s.state != SessionOpen {
		s.mu.Unlock()
		return ChannelState{}, ErrChannelClosed
	}
	h := s.handle
	s.mu.Unlock()
	sr, ok := h.(StateReader)
	if !ok {
		return ChannelState{}, ErrNotSupported
	}
	return sr.State(s.opts.Channel)
}
