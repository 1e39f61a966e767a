package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/avast/retry-go"
	"github.com/manifoldco/promptui"
	"github.com/roffe/gocandle"
	"github.com/spf13/cobra"
)

func newTransport(cmd *cobra.Command) (candle.Transport, error) {
	f := cmd.Flags()
	name, err := f.GetString(flagTransport)
	if err != nil {
		return nil, err
	}
	port, err := f.GetString(flagPort)
	if err != nil {
		return nil, err
	}
	baudrate, err := f.GetInt(flagBaudrate)
	if err != nil {
		return nil, err
	}
	debug, err := f.GetBool(flagDebug)
	if err != nil {
		return nil, err
	}
	return candle.NewTransport(name, &candle.TransportConfig{
		Debug:        debug,
		Port:         port,
		PortBaudrate: baudrate,
		OnMessage: func(msg string) {
			log.Println(msg)
		},
	})
}

// parseTiming reads prop_seg,phase_seg1,phase_seg2,sjw,brp
func parseTiming(s string) (*candle.BitTiming, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 5 {
		return nil, fmt.Errorf("bit timing %q: want 5 comma separated values", s)
	}
	var v [5]uint32
	for i, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bit timing %q: %w", s, err)
		}
		v[i] = uint32(n)
	}
	return &candle.BitTiming{PropSeg: v[0], PhaseSeg1: v[1], PhaseSeg2: v[2], SJW: v[3], BRP: v[4]}, nil
}

func channelConfig(cmd *cobra.Command) (candle.ChannelConfig, error) {
	f := cmd.Flags()
	var cfg candle.ChannelConfig
	var err error
	if f.Changed(flagTermination) {
		on, err := f.GetBool(flagTermination)
		if err != nil {
			return cfg, err
		}
		cfg.Termination = candle.Bool(on)
	}
	bt, _ := f.GetString(flagBitTiming)
	if cfg.BitTiming, err = parseTiming(bt); err != nil {
		return cfg, err
	}
	dbt, _ := f.GetString(flagDataBitTiming)
	if cfg.DataBitTiming, err = parseTiming(dbt); err != nil {
		return cfg, err
	}
	cfg.FD, _ = f.GetBool(flagFD)
	if brs, err := f.GetBool("brs"); err == nil && brs {
		cfg.FD = true
	}
	modes := []struct {
		flag string
		mode candle.Mode
	}{
		{flagListenOnly, candle.ModeListenOnly},
		{flagLoopback, candle.ModeLoopBack},
		{flagTimestamps, candle.ModeHWTimestamp},
	}
	for _, m := range modes {
		if on, _ := f.GetBool(m.flag); on {
			cfg.Mode |= m.mode
		}
	}
	return cfg, nil
}

// selectDevice picks the adapter named by --serial, or asks when more than
// one is connected.
func selectDevice(reg *candle.Registry, serial string) (candle.DeviceDescriptor, error) {
	if serial != "" {
		return reg.Find(serial)
	}
	devs, err := reg.ListDevices()
	if err != nil {
		return candle.DeviceDescriptor{}, err
	}
	switch len(devs) {
	case 0:
		return candle.DeviceDescriptor{}, candle.ErrNoDevice
	case 1:
		return devs[0], nil
	}
	items := make([]string, len(devs))
	for i, d := range devs {
		items[i] = d.String()
	}
	prompt := promptui.Select{
		Label:    "Select adapter",
		HideHelp: true,
		Items:    items,
	}
	idx, _, err := prompt.Run()
	if err != nil {
		return candle.DeviceDescriptor{}, fmt.Errorf("prompt failed: %w", err)
	}
	return devs[idx], nil
}

// openSession opens the adapter selected by the flags. Open is retried
// unless the device is claimed or lacks a requested feature.
func openSession(ctx context.Context, cmd *cobra.Command) (*candle.Session, error) {
	tr, err := newTransport(cmd)
	if err != nil {
		return nil, err
	}
	cfg, err := channelConfig(cmd)
	if err != nil {
		return nil, err
	}
	f := cmd.Flags()
	serial, _ := f.GetString(flagSerial)
	debug, _ := f.GetBool(flagDebug)
	channel, _ := f.GetUint8(flagChannel)
	retries, _ := f.GetInt(flagRetries)
	if retries < 0 {
		retries = 0
	}

	reg := candle.NewRegistry(tr)
	desc, err := selectDevice(reg, serial)
	if err != nil {
		return nil, err
	}
	if int(channel) >= len(desc.Channels) && len(desc.Channels) > 0 {
		return nil, fmt.Errorf("%s has %d channels, got channel %d", desc, len(desc.Channels), channel)
	}
	sess := reg.NewSession(desc, &candle.Options{
		Channel: channel,
		Debug:   debug,
	})

	err = retry.Do(func() error {
		return sess.Open(ctx, cfg)
	},
		retry.Context(ctx),
		retry.Attempts(uint(retries)+1),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, candle.ErrHandleClaimed) && !errors.Is(err, candle.ErrNotSupported)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Printf("open retry #%d: %v", n+1, err)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	log.Printf("opened %s channel %d", desc, channel)
	return sess, nil
}
