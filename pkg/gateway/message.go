package gateway

import (
	"errors"

	"github.com/roffe/gocandle"
)

const (
	TypeFrame    = "frame"
	TypeFault    = "fault"
	TypeShutdown = "shutdown"
	TypeEcho     = "echo"
	TypeError    = "error"
)

// Frame is the JSON form of a candle.Frame. Data is a list of byte values.
type Frame struct {
	ID        uint32           `json:"id"`
	Type      candle.FrameType `json:"type"`
	DLC       uint8            `json:"dlc"`
	Data      []int            `json:"data"`
	EchoID    uint32           `json:"echo_id"`
	Timestamp uint32           `json:"timestamp,omitempty"`
}

type Report struct {
	Class    uint32   `json:"class"`
	Lines    []string `json:"lines"`
	TxErrors uint8    `json:"tx_errors"`
	RxErrors uint8    `json:"rx_errors"`
}

// Message is written to clients for every event and every send request.
type Message struct {
	Type   string  `json:"type"`
	Frame  *Frame  `json:"frame,omitempty"`
	Report *Report `json:"report,omitempty"`
	Error  string  `json:"error,omitempty"`
}

func toFrame(f *candle.Frame) *Frame {
	data := make([]int, len(f.Data))
	for i, b := range f.Data {
		data[i] = int(b)
	}
	return &Frame{
		ID:        f.Identifier,
		Type:      f.Type,
		DLC:       f.DLC,
		Data:      data,
		EchoID:    f.EchoID,
		Timestamp: f.Timestamp,
	}
}

var errByteRange = errors.New("data values must be within 0-255")

// toCandle converts a client send request. The DLC is derived from the data
// length, the RX bit is dropped.
func (f *Frame) toCandle() (*candle.Frame, error) {
	data := make([]byte, len(f.Data))
	for i, v := range f.Data {
		if v < 0 || v > 0xFF {
			return nil, errByteRange
		}
		data[i] = byte(v)
	}
	return candle.NewFrame(f.ID, data, f.Type&^candle.FrameTypeRX)
}

func toMessage(ev candle.Event) Message {
	msg := Message{}
	switch ev.Type {
	case candle.EventTypeFrame:
		msg.Type = TypeFrame
	case candle.EventTypeFault:
		msg.Type = TypeFault
	case candle.EventTypeShutdown:
		msg.Type = TypeShutdown
	}
	if ev.Frame != nil {
		msg.Frame = toFrame(ev.Frame)
	}
	if r := ev.Report; r != nil {
		msg.Report = &Report{
			Class:    r.Class,
			Lines:    r.Lines(),
			TxErrors: r.TxErrors,
			RxErrors: r.RxErrors,
		}
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	return msg
}
