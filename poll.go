package candle

import (
	"context"
	"time"
)

// Poll waits for the next data frame, optionally matching one of identifiers.
func (s *Session) Poll(ctx context.Context, timeout time.Duration, identifiers ...uint32) (*Frame, error) {
	if !s.IsOpened() {
		return nil, ErrChannelClosed
	}
	sub := s.Subscribe(identifiers...)
	defer sub.Close()
	// Close may have run between the check and registration
	if !s.IsOpened() {
		return nil, ErrChannelClosed
	}
	return sub.Wait(ctx, timeout)
}

// SendAndPoll sends f and waits for the first frame matching identifiers.
// The subscription is registered before sending so a fast reply is not missed.
func (s *Session) SendAndPoll(ctx context.Context, f *Frame, timeout time.Duration, identifiers ...uint32) (*Frame, error) {
	if !s.IsOpened() {
		return nil, ErrChannelClosed
	}
	sub := s.Subscribe(identifiers...)
	defer sub.Close()
	// Close may have run between the check and registration
	if !s.IsOpened() {
		return nil, ErrChannelClosed
	}
	if _, err := s.Send(f); err != nil {
		return nil, err
	}
	return sub.Wait(ctx, timeout)
}
