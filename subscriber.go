package candle

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Subscriber receives the events published by a Session. Frame events are
// filtered on identifiers when any are given, fault and shutdown events are
// always delivered. The channel is closed when the subscriber or the
// session is closed.
type Subscriber struct {
	h            *handler
	identifiers  map[uint32]struct{}
	filterCount  int
	responseChan chan Event
	closeOnce    sync.Once
}

func newSubscriber(h *handler, buffer int, identifiers ...uint32) *Subscriber {
	sub := &Subscriber{
		h:            h,
		identifiers:  make(map[uint32]struct{}, len(identifiers)),
		responseChan: make(chan Event, buffer),
	}
	for _, id := range identifiers {
		sub.identifiers[id] = struct{}{}
	}
	sub.filterCount = len(sub.identifiers)
	return sub
}

func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		s.h.unregisterSubscriber(s)
	})
}

func (s *Subscriber) Chan() <-chan Event {
	return s.responseChan
}

// Wait returns the next data frame. Receive faults are skipped, a shutdown
// event or a closed subscription ends the wait with an error.
func (s *Subscriber) Wait(ctx context.Context, timeout time.Duration) (*Frame, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
			return nil, fmt.Errorf("%w (%dms)", ErrReceiveTimeout, timeout.Milliseconds())
		case ev, ok := <-s.responseChan:
			if !ok {
				return nil, ErrChannelClosed
			}
			switch ev.Type {
			case EventTypeFrame:
				return ev.Frame, nil
			case EventTypeShutdown:
				return nil, fmt.Errorf("%w: %v", ErrChannelClosed, ev.Err)
			}
		}
	}
}
