package candle

import (
	"fmt"
	"strings"
)

// Error class bits carried in the identifier of an error frame.
const (
	ErrClassTxTimeout   uint32 = 0x001
	ErrClassLostArb     uint32 = 0x002 // bit number in data[0]
	ErrClassController  uint32 = 0x004 // details in data[1]
	ErrClassProtocol    uint32 = 0x008 // type in data[2], location in data[3]
	ErrClassTransceiver uint32 = 0x010 // details in data[4]
	ErrClassNoAck       uint32 = 0x020
	ErrClassBusOff      uint32 = 0x040
	ErrClassBusError    uint32 = 0x080
	ErrClassRestarted   uint32 = 0x100
)

type bitDesc struct {
	mask uint8
	text string
}

// data[1]
var controllerFlags = []bitDesc{
	{0x01, "RX buffer overflow"},
	{0x02, "TX buffer overflow"},
	{0x04, "reached warning level for RX errors"},
	{0x08, "reached warning level for TX errors"},
	{0x10, "reached error passive status RX"},
	{0x20, "reached error passive status TX"},
	{0x40, "recovered to error active state"},
}

// data[2]
var protocolFlags = []bitDesc{
	{0x01, "single bit error"},
	{0x02, "frame format error"},
	{0x04, "bit stuffing error"},
	{0x08, "unable to send dominant bit"},
	{0x10, "unable to send recessive bit"},
	{0x20, "bus overload"},
	{0x40, "active error announcement"},
	{0x80, "error occurred on transmission"},
}

// data[3]
var protocolLocations = map[uint8]string{
	0x02: "ID bits 28 - 21 (SFF: 10 - 3)",
	0x03: "start of frame",
	0x04: "substitute RTR (SFF: RTR)",
	0x05: "identifier extension",
	0x06: "ID bits 20 - 18 (SFF: 2 - 0)",
	0x07: "ID bits 17-13",
	0x08: "CRC sequence",
	0x09: "reserved bit 0",
	0x0A: "data section",
	0x0B: "data length code",
	0x0C: "RTR",
	0x0D: "reserved bit 1",
	0x0E: "ID bits 4-0",
	0x0F: "ID bits 12-5",
	0x12: "intermission",
	0x18: "CRC delimiter",
	0x19: "ACK slot",
	0x1A: "end of frame",
	0x1B: "ACK delimiter",
}

// data[4]
var transceiverStatus = map[uint8]string{
	0x04: "CAN-H no wire",
	0x05: "CAN-H short to BAT",
	0x06: "CAN-H short to VCC",
	0x07: "CAN-H short to GND",
	0x40: "CAN-L no wire",
	0x50: "CAN-L short to BAT",
	0x60: "CAN-L short to VCC",
	0x70: "CAN-L short to GND",
	0x80: "CAN-L short to CAN-H",
}

type errorClass struct {
	mask   uint32
	text   func(d *[8]byte) string
	detail func(d *[8]byte) []string
}

func fixed(s string) func(*[8]byte) string {
	return func(*[8]byte) string { return s }
}

func flags(table []bitDesc, b byte) []string {
	var out []string
	for _, f := range table {
		if b&f.mask != 0 {
			out = append(out, f.text)
		}
	}
	return out
}

// errorClasses is walked in order; the order defines the report order.
var errorClasses = []errorClass{
	{mask: ErrClassTxTimeout, text: fixed("TX timeout")},
	{mask: ErrClassLostArb, text: func(d *[8]byte) string {
		return fmt.Sprintf("arbitration lost at bit %d", d[0])
	}},
	{mask: ErrClassController, text: fixed("controller problem"), detail: func(d *[8]byte) []string {
		return flags(controllerFlags, d[1])
	}},
	{mask: ErrClassProtocol, text: fixed("protocol violation"), detail: func(d *[8]byte) []string {
		out := flags(protocolFlags, d[2])
		if loc, ok := protocolLocations[d[3]]; ok {
			out = append(out, "location: "+loc)
		}
		return out
	}},
	{mask: ErrClassTransceiver, text: fixed("transceiver status"), detail: func(d *[8]byte) []string {
		if s, ok := transceiverStatus[d[4]]; ok {
			return []string{s}
		}
		return nil
	}},
	{mask: ErrClassNoAck, text: fixed("no ACK received on transmission")},
	{mask: ErrClassBusOff, text: fixed("bus off")},
	{mask: ErrClassBusError, text: fixed("bus error")},
	{mask: ErrClassRestarted, text: fixed("controller restarted")},
}

// ErrorReport is the decoded content of an adapter error frame.
type ErrorReport struct {
	Class      uint32
	Conditions []string
	TxErrors   uint8
	RxErrors   uint8
}

// Lines returns the conditions followed by the two error counter lines.
func (r *ErrorReport) Lines() []string {
	out := make([]string, 0, len(r.Conditions)+2)
	out = append(out, r.Conditions...)
	out = append(out,
		fmt.Sprintf("TX error count: %d", r.TxErrors),
		fmt.Sprintf("RX error count: %d", r.RxErrors),
	)
	return out
}

func (r *ErrorReport) Has(class uint32) bool {
	return r.Class&class != 0
}

func (r *ErrorReport) String() string {
	return strings.Join(r.Lines(), ", ")
}

// DecodeErrorFrame translates an error frame into an ErrorReport. It never
// fails; bits without a meaning contribute nothing and a short payload is
// treated as zero filled.
func DecodeErrorFrame(f *Frame) *ErrorReport {
	var d [8]byte
	copy(d[:], f.Data)
	r := &ErrorReport{
		Class:    f.Identifier & 0x1FF,
		TxErrors: d[6],
		RxErrors: d[7],
	}
	for _, c := range errorClasses {
		if f.Identifier&c.mask == 0 {
			continue
		}
		r.Conditions = append(r.Conditions, c.text(&d))
		if c.detail != nil {
			r.Conditions = append(r.Conditions, c.detail(&d)...)
		}
	}
	return r
}
