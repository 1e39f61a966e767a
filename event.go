package candle

import "fmt"

type EventType int

func (et EventType) String() string {
	switch et {
	case EventTypeFrame:
		return "FRAME"
	case EventTypeFault:
		return "FAULT"
	case EventTypeShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

const (
	EventTypeFrame EventType = iota
	EventTypeFault
	EventTypeShutdown
)

// Event is what a Session publishes to its subscribers. Frame is set for
// EventTypeFrame. A fault carries either a decoded error frame in Report or
// a failed receive in Err. EventTypeShutdown is published once when the
// session closes itself, Err is then a *WatchdogShutdown or the fatal
// receive error.
type Event struct {
	Type   EventType
	Frame  *Frame
	Report *ErrorReport
	Err    error
}

func (e Event) String() string {
	switch {
	case e.Frame != nil:
		return fmt.Sprintf("[%s] %s", e.Type, e.Frame)
	case e.Report != nil:
		return fmt.Sprintf("[%s] %s", e.Type, e.Report)
	case e.Err != nil:
		return fmt.Sprintf("[%s] %v", e.Type, e.Err)
	default:
		return fmt.Sprintf("[%s]", e.Type)
	}
}
