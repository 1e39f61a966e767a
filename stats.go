package candle

import "fmt"

type Stats struct {
	RecvFrames        uint64
	SentFrames        uint64
	ErrorFrames       uint64
	ConsecutiveErrors uint32
	Dropped           uint64
}

func (st Stats) String() string {
	return fmt.Sprintf("recv: %d sent: %d errors: %d (consecutive %d) dropped: %d", st.RecvFrames, st.SentFrames, st.ErrorFrames, st.ConsecutiveErrors, st.Dropped)
}

// Stats returns counters accumulated over the lifetime of the session.
func (s *Session) Stats() Stats {
	return Stats{
		RecvFrames:        s.frames.Load(),
		SentFrames:        s.sent.Load(),
		ErrorFrames:       s.errFrames.Load(),
		ConsecutiveErrors: s.errCount.Load(),
		Dropped:           s.h.dropped.Load(),
	}
}
