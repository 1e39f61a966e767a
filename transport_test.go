package candle

import "testing"

func TestFeatureString(t *testing.T) {
	tests := []struct {
		f    Feature
		want string
	}{
		{0, "none"},
		{FeatureFD, "fd"},
		{FeatureListenOnly | FeatureTermination | FeatureQuirkBreqCantactPro, "listen-only,termination,cantact-pro-quirk"},
	}
	for _, tt := range tests {
		if got := tt.f.String(); got != tt.want {
			t.Errorf("Feature(0x%X).String() = %q, want %q", uint32(tt.f), got, tt.want)
		}
	}
}

func TestBitTimingRate(t *testing.T) {
	tests := []struct {
		bt     BitTiming
		clock  uint32
		rate   uint32
		sample uint32
	}{
		{BitTiming{PropSeg: 1, PhaseSeg1: 12, PhaseSeg2: 2, SJW: 1, BRP: 10}, 80_000_000, 500_000, 875},
		{BitTiming{PropSeg: 1, PhaseSeg1: 43, PhaseSeg2: 15, SJW: 15, BRP: 2}, 80_000_000, 666_666, 750},
		{BitTiming{PropSeg: 1, PhaseSeg1: 7, PhaseSeg2: 3, SJW: 3, BRP: 2}, 48_000_000, 2_000_000, 750},
		{BitTiming{}, 80_000_000, 0, 1000},
	}
	for _, tt := range tests {
		if got := tt.bt.Bitrate(tt.clock); got != tt.rate {
			t.Errorf("%s Bitrate(%d) = %d, want %d", tt.bt, tt.clock, got, tt.rate)
		}
		if got := tt.bt.SamplePoint(); got != tt.sample {
			t.Errorf("%s SamplePoint() = %d, want %d", tt.bt, got, tt.sample)
		}
	}
}
