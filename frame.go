package candle

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
)

// FrameType is the frame type bit-set. The values are part of the public
// contract and must not change.
type FrameType uint8

const (
	FrameTypeRX  FrameType = 1 << iota // received from the bus, not a TX echo
	FrameTypeEFF                       // 29-bit extended identifier
	FrameTypeRTR                       // remote transmission request
	FrameTypeERR                       // adapter error frame
	FrameTypeFD                        // CAN-FD frame
	FrameTypeBRS                       // bit rate switch
	FrameTypeESI                       // error state indicator
)

func (t FrameType) Has(flag FrameType) bool {
	return t&flag != 0
}

func (t FrameType) String() string {
	names := []string{"RX", "EFF", "RTR", "ERR", "FD", "BRS", "ESI"}
	var out []string
	for i, name := range names {
		if t&(1<<i) != 0 {
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		return "-"
	}
	return strings.Join(out, "|")
}

const (
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF

	// EchoRX is the echo id adapters use to mark frames received from the bus.
	EchoRX = 0xFFFFFFFF
)

var dlc2len = [16]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

var (
	ErrInvalidDLC        = errors.New("invalid data length code")
	ErrInvalidDataLength = errors.New("invalid data length")
	ErrInvalidIdentifier = errors.New("invalid identifier")
)

// DLCToLen returns the payload length for a data length code. Codes above 8
// are only valid for FD frames.
func DLCToLen(dlc uint8, fd bool) (int, error) {
	if dlc > 15 || (!fd && dlc > 8) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidDLC, dlc)
	}
	return dlc2len[dlc], nil
}

// LenToDLC returns the data length code for an exact payload length.
func LenToDLC(length int, fd bool) (uint8, error) {
	for dlc, l := range dlc2len {
		if l == length {
			if !fd && dlc > 8 {
				break
			}
			return uint8(dlc), nil
		}
	}
	return 0, fmt.Errorf("%w: %d", ErrInvalidDataLength, length)
}

type Frame struct {
	Type       FrameType
	EchoID     uint32
	Identifier uint32
	DLC        uint8
	Data       []byte
	Timestamp  uint32 // µs, only set when the channel runs with hardware timestamps
}

// NewFrame creates a new Frame, copies the data slice and derives the DLC
func NewFrame(identifier uint32, data []byte, typ FrameType) (*Frame, error) {
	dlc, err := LenToDLC(len(data), typ.Has(FrameTypeFD))
	if err != nil {
		return nil, err
	}
	d := make([]byte, len(data))
	copy(d, data)
	f := &Frame{
		Type:       typ,
		Identifier: identifier,
		DLC:        dlc,
		Data:       d,
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// MustFrame is NewFrame that panics, for tests and examples
func MustFrame(identifier uint32, data []byte, typ FrameType) *Frame {
	f, err := NewFrame(identifier, data, typ)
	if err != nil {
		panic(err)
	}
	return f
}

// Validate checks identifier range, DLC and payload length.
func (f *Frame) Validate() error {
	if f.Type.Has(FrameTypeEFF) {
		if f.Identifier > MaxExtendedID {
			return fmt.Errorf("%w: 0x%X", ErrInvalidIdentifier, f.Identifier)
		}
	} else if f.Identifier > MaxStandardID {
		return fmt.Errorf("%w: 0x%X", ErrInvalidIdentifier, f.Identifier)
	}
	n, err := DLCToLen(f.DLC, f.Type.Has(FrameTypeFD))
	if err != nil {
		return err
	}
	if len(f.Data) != n {
		return fmt.Errorf("%w: dlc %d wants %d bytes, got %d", ErrInvalidDataLength, f.DLC, n, len(f.Data))
	}
	return nil
}

// Length returns the payload length
func (f *Frame) Length() int {
	return len(f.Data)
}

// Clone returns a deep copy of the frame
func (f *Frame) Clone() *Frame {
	c := *f
	c.Data = make([]byte, len(f.Data))
	copy(c.Data, f.Data)
	return &c
}

var (
	yellow = color.New(color.FgHiBlue).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
)

func (f *Frame) direction() string {
	if f.Type.Has(FrameTypeRX) {
		return "<i> || "
	}
	return "<o> || "
}

func (f *Frame) idString() string {
	if f.Type.Has(FrameTypeEFF) {
		return fmt.Sprintf("0x%08X", f.Identifier)
	}
	return fmt.Sprintf("0x%03X", f.Identifier)
}

func (f *Frame) hexView() string {
	var hexView strings.Builder
	for i, b := range f.Data {
		hexView.WriteString(fmt.Sprintf("%02X", b))
		if i != len(f.Data)-1 {
			hexView.WriteString(" ")
		}
	}
	return hexView.String()
}

func (f *Frame) String() string {
	var out strings.Builder
	out.WriteString(f.direction())
	out.WriteString(f.idString() + " || ")
	out.WriteString(f.Type.String() + " || ")
	out.WriteString(strconv.Itoa(len(f.Data)) + " || ")
	out.WriteString(f.hexView())
	if !f.Type.Has(FrameTypeFD) {
		out.WriteString(" || ")
		out.WriteString(onlyPrintable(f.Data))
	}
	return out.String()
}

func (f *Frame) ColorString() string {
	var out strings.Builder
	out.WriteString(f.direction())
	out.WriteString(green(f.idString()) + " || ")
	out.WriteString(f.Type.String() + " || ")
	out.WriteString(strconv.Itoa(len(f.Data)) + " || ")
	out.WriteString(red(f.hexView()))
	if !f.Type.Has(FrameTypeFD) {
		out.WriteString(" || ")
		out.WriteString(yellow(onlyPrintable(f.Data)))
	}
	return out.String()
}

func onlyPrintable(data []byte) string {
	var out strings.Builder
	for _, b := range data {
		if b < 32 || b > 126 {
			out.WriteString("·")
		} else {
			out.WriteByte(b)
		}
	}
	return out.String()
}
