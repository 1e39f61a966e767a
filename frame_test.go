package candle

import (
	"errors"
	"testing"
)

func TestDLCToLen(t *testing.T) {
	tests := []struct {
		dlc     uint8
		fd      bool
		want    int
		wantErr bool
	}{
		{0, false, 0, false},
		{8, false, 8, false},
		{9, false, 0, true},
		{15, false, 0, true},
		{9, true, 12, false},
		{12, true, 24, false},
		{13, true, 32, false},
		{15, true, 64, false},
		{16, true, 0, true},
	}
	for _, tt := range tests {
		got, err := DLCToLen(tt.dlc, tt.fd)
		if (err != nil) != tt.wantErr {
			t.Errorf("DLCToLen(%d, %v) error = %v, wantErr %v", tt.dlc, tt.fd, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("DLCToLen(%d, %v) = %d, want %d", tt.dlc, tt.fd, got, tt.want)
		}
	}
}

func TestLenToDLC(t *testing.T) {
	tests := []struct {
		length  int
		fd      bool
		want    uint8
		wantErr bool
	}{
		{8, false, 8, false},
		{12, false, 0, true},
		{12, true, 9, false},
		{64, true, 15, false},
		{10, true, 0, true},
	}
	for _, tt := range tests {
		got, err := LenToDLC(tt.length, tt.fd)
		if (err != nil) != tt.wantErr {
			t.Errorf("LenToDLC(%d, %v) error = %v, wantErr %v", tt.length, tt.fd, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("LenToDLC(%d, %v) = %d, want %d", tt.length, tt.fd, got, tt.want)
		}
	}
}

func TestNewFrame(t *testing.T) {
	data := []byte{0, 1, 2, 3, 4, 5, 6, 7}
	f, err := NewFrame(123456, data, FrameTypeFD|FrameTypeEFF)
	if err != nil {
		t.Fatalf("NewFrame() error = %v", err)
	}
	if f.DLC != 8 || f.Length() != 8 {
		t.Errorf("dlc = %d len = %d, want 8 8", f.DLC, f.Length())
	}
	data[0] = 0xFF
	if f.Data[0] != 0 {
		t.Error("NewFrame did not copy the payload")
	}

	fd, err := NewFrame(0x100, make([]byte, 64), FrameTypeFD)
	if err != nil {
		t.Fatalf("NewFrame(64 bytes) error = %v", err)
	}
	if fd.DLC != 15 || fd.Length() != 64 {
		t.Errorf("dlc = %d len = %d, want 15 64", fd.DLC, fd.Length())
	}

	if _, err := NewFrame(0x100, make([]byte, 12), 0); !errors.Is(err, ErrInvalidDataLength) {
		t.Errorf("classic frame with 12 bytes: error = %v, want ErrInvalidDataLength", err)
	}
	if _, err := NewFrame(0x800, nil, 0); !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("standard id 0x800: error = %v, want ErrInvalidIdentifier", err)
	}
	if _, err := NewFrame(0x800, nil, FrameTypeEFF); err != nil {
		t.Errorf("extended id 0x800: error = %v", err)
	}
}

func TestFrameValidate(t *testing.T) {
	f := &Frame{Identifier: 0x123, DLC: 9, Data: make([]byte, 12)}
	if err := f.Validate(); !errors.Is(err, ErrInvalidDLC) {
		t.Errorf("classic dlc 9: error = %v, want ErrInvalidDLC", err)
	}
	f.Type = FrameTypeFD
	if err := f.Validate(); err != nil {
		t.Errorf("fd dlc 9: error = %v", err)
	}
	f.Data = f.Data[:8]
	if err := f.Validate(); !errors.Is(err, ErrInvalidDataLength) {
		t.Errorf("fd dlc 9 with 8 bytes: error = %v, want ErrInvalidDataLength", err)
	}
}

func TestFrameTypeValues(t *testing.T) {
	want := map[FrameType]uint8{
		FrameTypeRX:  1,
		FrameTypeEFF: 2,
		FrameTypeRTR: 4,
		FrameTypeERR: 8,
		FrameTypeFD:  16,
		FrameTypeBRS: 32,
		FrameTypeESI: 64,
	}
	for ft, v := range want {
		if uint8(ft) != v {
			t.Errorf("%s = %d, want %d", ft, uint8(ft), v)
		}
	}
	if s := (FrameTypeFD | FrameTypeEFF).String(); s != "EFF|FD" {
		t.Errorf("String() = %q", s)
	}
}

func TestFrameClone(t *testing.T) {
	f := MustFrame(0x7E8, []byte{1, 2, 3}, FrameTypeRX)
	c := f.Clone()
	c.Data[0] = 9
	if f.Data[0] != 1 {
		t.Error("Clone shares the payload")
	}
}
