package slcan

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/roffe/gocandle"
)

var (
	errShortRecord     = errors.New("short record")
	errUnknownRecord   = errors.New("unknown record")
	errUnmappedBitrate = errors.New("bitrate has no slcan command")
)

// nominal bitrates supported by the S command
var nominalRates = []struct {
	bitrate uint32
	cmd     string
}{
	{10_000, "S0"},
	{20_000, "S1"},
	{50_000, "S2"},
	{100_000, "S3"},
	{125_000, "S4"},
	{250_000, "S5"},
	{500_000, "S6"},
	{800_000, "S7"},
	{1_000_000, "S8"},
}

// data phase bitrates supported by the Y command
var dataRates = []struct {
	bitrate uint32
	cmd     string
}{
	{1_000_000, "Y1"},
	{2_000_000, "Y2"},
	{4_000_000, "Y4"},
	{5_000_000, "Y5"},
	{8_000_000, "Y8"},
}

// closeEnough accepts a computed bitrate within 0.5% of the nominal one
func closeEnough(got, want uint32) bool {
	diff := int64(got) - int64(want)
	if diff < 0 {
		diff = -diff
	}
	return diff*200 <= int64(want)
}

func nominalCommand(bitrate uint32) (string, error) {
	for _, r := range nominalRates {
		if closeEnough(bitrate, r.bitrate) {
			return r.cmd, nil
		}
	}
	return "", fmt.Errorf("%w: nominal %d bit/s", errUnmappedBitrate, bitrate)
}

func dataCommand(bitrate uint32) (string, error) {
	for _, r := range dataRates {
		if closeEnough(bitrate, r.bitrate) {
			return r.cmd, nil
		}
	}
	return "", fmt.Errorf("%w: data %d bit/s", errUnmappedBitrate, bitrate)
}

// recordKind returns the leading character for a frame of the given type.
func recordKind(t candle.FrameType) byte {
	ext := t.Has(candle.FrameTypeEFF)
	switch {
	case t.Has(candle.FrameTypeFD) && t.Has(candle.FrameTypeBRS):
		if ext {
			return 'B'
		}
		return 'b'
	case t.Has(candle.FrameTypeFD):
		if ext {
			return 'D'
		}
		return 'd'
	case t.Has(candle.FrameTypeRTR):
		if ext {
			return 'R'
		}
		return 'r'
	default:
		if ext {
			return 'T'
		}
		return 't'
	}
}

// encodeRecord renders f as an slcan transmit record including the
// trailing carriage return.
func encodeRecord(f *candle.Frame) ([]byte, error) {
	if f.Type.Has(candle.FrameTypeERR) {
		return nil, fmt.Errorf("error frames: %w", candle.ErrNotSupported)
	}
	if f.Type.Has(candle.FrameTypeFD) && f.Type.Has(candle.FrameTypeRTR) {
		return nil, errors.New("remote frames are not allowed in CAN-FD")
	}
	var b strings.Builder
	b.WriteByte(recordKind(f.Type))
	if f.Type.Has(candle.FrameTypeEFF) {
		fmt.Fprintf(&b, "%08X", f.Identifier)
	} else {
		fmt.Fprintf(&b, "%03X", f.Identifier)
	}
	fmt.Fprintf(&b, "%X", f.DLC)
	if !f.Type.Has(candle.FrameTypeRTR) {
		b.WriteString(strings.ToUpper(hex.EncodeToString(f.Data)))
	}
	b.WriteByte('\r')
	return []byte(b.String()), nil
}

func isFrameRecord(c byte) bool {
	switch c {
	case 't', 'T', 'r', 'R', 'd', 'D', 'b', 'B':
		return true
	}
	return false
}

// decodeRecord parses a received frame record without the carriage
// return. A trailing 4 digit timestamp (milliseconds) is accepted.
func decodeRecord(rec []byte) (*candle.Frame, error) {
	if len(rec) == 0 {
		return nil, errShortRecord
	}
	kind := rec[0]
	if !isFrameRecord(kind) {
		return nil, fmt.Errorf("%w: %q", errUnknownRecord, kind)
	}
	f := &candle.Frame{Type: candle.FrameTypeRX, EchoID: candle.EchoRX}
	idLen := 3
	switch kind {
	case 'T', 'R', 'D', 'B':
		f.Type |= candle.FrameTypeEFF
		idLen = 8
	}
	switch kind {
	case 'r', 'R':
		f.Type |= candle.FrameTypeRTR
	case 'd', 'D':
		f.Type |= candle.FrameTypeFD
	case 'b', 'B':
		f.Type |= candle.FrameTypeFD | candle.FrameTypeBRS
	}
	if len(rec) < 1+idLen+1 {
		return nil, fmt.Errorf("%w: %q", errShortRecord, rec)
	}

	id, err := strconv.ParseUint(string(rec[1:1+idLen]), 16, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to decode identifier: %w", err)
	}
	f.Identifier = uint32(id)

	dlc, err := strconv.ParseUint(string(rec[1+idLen:2+idLen]), 16, 8)
	if err != nil {
		return nil, fmt.Errorf("failed to decode data length: %w", err)
	}
	f.DLC = uint8(dlc)
	n, err := candle.DLCToLen(f.DLC, f.Type.Has(candle.FrameTypeFD))
	if err != nil {
		return nil, err
	}

	rest := rec[2+idLen:]
	if f.Type.Has(candle.FrameTypeRTR) {
		f.Data = []byte{}
	} else {
		if len(rest) < n*2 {
			return nil, fmt.Errorf("%w: want %d data bytes in %q", errShortRecord, n, rec)
		}
		f.Data, err = hex.DecodeString(string(rest[:n*2]))
		if err != nil {
			return nil, fmt.Errorf("failed to decode frame body: %w", err)
		}
		rest = rest[n*2:]
	}
	if len(rest) == 4 {
		ts, err := strconv.ParseUint(string(rest), 16, 16)
		if err != nil {
			return nil, fmt.Errorf("failed to decode timestamp: %w", err)
		}
		f.Timestamp = uint32(ts) * 1000
	}
	if f.Type.Has(candle.FrameTypeRTR) {
		// remote frames carry a DLC but no payload
		return f, nil
	}
	return f, f.Validate()
}

// SJA1000 style status flags returned by the F command
const (
	statusRxFull       = 1 << 0
	statusTxFull       = 1 << 1
	statusErrorWarning = 1 << 2
	statusDataOverrun  = 1 << 3
	statusErrorPassive = 1 << 5
	statusArbLost      = 1 << 6
	statusBusError     = 1 << 7
)

// parseStatus reads an Fxx response. slcan does not report error counters.
func parseStatus(rec []byte) (candle.ChannelState, error) {
	if len(rec) < 3 || rec[0] != 'F' {
		return candle.ChannelState{}, fmt.Errorf("%w: status %q", errShortRecord, rec)
	}
	v, err := strconv.ParseUint(string(rec[1:3]), 16, 8)
	if err != nil {
		return candle.ChannelState{}, fmt.Errorf("failed to decode status: %w", err)
	}
	st := candle.ChannelState{State: candle.StateErrorActive}
	switch {
	case v&statusBusError != 0 && v&statusErrorPassive != 0:
		st.State = candle.StateBusOff
	case v&statusErrorPassive != 0:
		st.State = candle.StateErrorPassive
	case v&statusErrorWarning != 0:
		st.State = candle.StateErrorWarning
	}
	return st, nil
}
