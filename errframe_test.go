package candle

import (
	"reflect"
	"testing"
)

func TestDecodeErrorFrame(t *testing.T) {
	tests := []struct {
		name string
		id   uint32
		data []byte
		want []string
	}{
		{
			name: "bus off",
			id:   ErrClassBusOff,
			data: []byte{0, 0, 0, 0, 0, 0, 10, 20},
			want: []string{"bus off", "TX error count: 10", "RX error count: 20"},
		},
		{
			name: "nothing set",
			id:   0,
			data: make([]byte, 8),
			want: []string{"TX error count: 0", "RX error count: 0"},
		},
		{
			name: "arbitration lost",
			id:   ErrClassLostArb,
			data: []byte{7, 0, 0, 0, 0, 0, 0, 0},
			want: []string{"arbitration lost at bit 7", "TX error count: 0", "RX error count: 0"},
		},
		{
			name: "controller flags",
			id:   ErrClassController,
			data: []byte{0, 0x01 | 0x20, 0, 0, 0, 0, 0, 0},
			want: []string{"controller problem", "RX buffer overflow", "reached error passive status TX", "TX error count: 0", "RX error count: 0"},
		},
		{
			name: "protocol with location",
			id:   ErrClassProtocol,
			data: []byte{0, 0, 0x04 | 0x80, 0x19, 0, 0, 1, 2},
			want: []string{"protocol violation", "bit stuffing error", "error occurred on transmission", "location: ACK slot", "TX error count: 1", "RX error count: 2"},
		},
		{
			name: "unknown location",
			id:   ErrClassProtocol,
			data: []byte{0, 0, 0, 0x10, 0, 0, 0, 0},
			want: []string{"protocol violation", "TX error count: 0", "RX error count: 0"},
		},
		{
			name: "transceiver",
			id:   ErrClassTransceiver,
			data: []byte{0, 0, 0, 0, 0x07, 0, 0, 0},
			want: []string{"transceiver status", "CAN-H short to GND", "TX error count: 0", "RX error count: 0"},
		},
		{
			name: "sub flags ignored without class",
			id:   ErrClassNoAck,
			data: []byte{0, 0xFF, 0xFF, 0x19, 0x07, 0, 0, 0},
			want: []string{"no ACK received on transmission", "TX error count: 0", "RX error count: 0"},
		},
		{
			name: "table order",
			id:   ErrClassRestarted | ErrClassTxTimeout | ErrClassBusError,
			data: make([]byte, 8),
			want: []string{"TX timeout", "bus error", "controller restarted", "TX error count: 0", "RX error count: 0"},
		},
		{
			name: "short payload",
			id:   ErrClassBusOff,
			data: []byte{0},
			want: []string{"bus off", "TX error count: 0", "RX error count: 0"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &Frame{Type: FrameTypeERR | FrameTypeRX, Identifier: tt.id, Data: tt.data}
			got := DecodeErrorFrame(f).Lines()
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("DecodeErrorFrame() = %q, want %q", got, tt.want)
			}
			again := DecodeErrorFrame(f).Lines()
			if !reflect.DeepEqual(got, again) {
				t.Errorf("DecodeErrorFrame() not deterministic: %q vs %q", got, again)
			}
		})
	}
}

func TestErrorReportHas(t *testing.T) {
	r := DecodeErrorFrame(&Frame{Identifier: ErrClassBusOff | ErrClassNoAck, Data: make([]byte, 8)})
	if !r.Has(ErrClassBusOff) || !r.Has(ErrClassNoAck) || r.Has(ErrClassProtocol) {
		t.Errorf("unexpected class bits 0x%X", r.Class)
	}
}

func TestErrorFrameDescriptions(t *testing.T) {
	counts := []string{"TX error count: 0", "RX error count: 0"}
	decode := func(id uint32, data []byte) []string {
		lines := DecodeErrorFrame(&Frame{Type: FrameTypeERR | FrameTypeRX, Identifier: id, Data: data}).Lines()
		if n := len(lines); n < 3 || !reflect.DeepEqual(lines[n-2:], counts) {
			t.Fatalf("0x%03X %X: malformed report %q", id, data, lines)
		}
		return lines[:len(lines)-2]
	}

	controller := map[byte]string{
		0x01: "RX buffer overflow",
		0x02: "TX buffer overflow",
		0x04: "reached warning level for RX errors",
		0x08: "reached warning level for TX errors",
		0x10: "reached error passive status RX",
		0x20: "reached error passive status TX",
		0x40: "recovered to error active state",
	}
	if len(controllerFlags) != len(controller) {
		t.Errorf("%d controller flags, want %d", len(controllerFlags), len(controller))
	}
	for bit, want := range controller {
		got := decode(ErrClassController, []byte{0, bit, 0, 0, 0, 0, 0, 0})
		if !reflect.DeepEqual(got, []string{"controller problem", want}) {
			t.Errorf("controller 0x%02X = %q, want %q", bit, got, want)
		}
	}

	protocol := map[byte]string{
		0x01: "single bit error",
		0x02: "frame format error",
		0x04: "bit stuffing error",
		0x08: "unable to send dominant bit",
		0x10: "unable to send recessive bit",
		0x20: "bus overload",
		0x40: "active error announcement",
		0x80: "error occurred on transmission",
	}
	if len(protocolFlags) != len(protocol) {
		t.Errorf("%d protocol flags, want %d", len(protocolFlags), len(protocol))
	}
	for bit, want := range protocol {
		got := decode(ErrClassProtocol, []byte{0, 0, bit, 0, 0, 0, 0, 0})
		if !reflect.DeepEqual(got, []string{"protocol violation", want}) {
			t.Errorf("protocol 0x%02X = %q, want %q", bit, got, want)
		}
	}

	locations := map[byte]string{
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
	if !reflect.DeepEqual(protocolLocations, map[uint8]string(locations)) {
		t.Errorf("protocol locations = %q, want %q", protocolLocations, locations)
	}
	for loc, want := range locations {
		got := decode(ErrClassProtocol, []byte{0, 0, 0, loc, 0, 0, 0, 0})
		if !reflect.DeepEqual(got, []string{"protocol violation", "location: " + want}) {
			t.Errorf("location 0x%02X = %q, want %q", loc, got, want)
		}
	}

	transceiver := map[byte]string{
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
	if !reflect.DeepEqual(transceiverStatus, map[uint8]string(transceiver)) {
		t.Errorf("transceiver status = %q, want %q", transceiverStatus, transceiver)
	}
	for v, want := range transceiver {
		got := decode(ErrClassTransceiver, []byte{0, 0, 0, 0, v, 0, 0, 0})
		if !reflect.DeepEqual(got, []string{"transceiver status", want}) {
			t.Errorf("transceiver 0x%02X = %q, want %q", v, got, want)
		}
	}
}
