// Package gsusb drives candleLight and other adapters speaking the gs_usb
// protocol through libusb.
package gsusb

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/albenik/bcd"
	"github.com/google/gousb"
	"github.com/roffe/gocandle"
)

const (
	controlTimeout = 1000 * time.Millisecond
	rxQueueSize    = 1024
)

const (
	ctrlOut = gousb.ControlOut | gousb.ControlVendor | gousb.ControlInterface
	ctrlIn  = gousb.ControlIn | gousb.ControlVendor | gousb.ControlInterface
)

type usbID struct {
	vid, pid gousb.ID
}

var supported = map[usbID]struct{}{
	{0x1d50, 0x606f}: {}, // candleLight / CANtact
	{0x1209, 0x2323}: {}, // bytewerk candleLight
	{0x1cd2, 0x606f}: {}, // Cangaroo
	{0x16d0, 0x10b8}: {}, // ABE CANdebugger FD
	{0x16d0, 0x0f30}: {}, // Xylanta SAINT3
}

func IsSupported(vid, pid uint16) bool {
	_, ok := supported[usbID{gousb.ID(vid), gousb.ID(pid)}]
	return ok
}

func init() {
	if err := candle.RegisterTransport(&candle.TransportInfo{
		Name:        "gs_usb",
		Description: "candleLight and compatible gs_usb adapters",
		New: func(cfg *candle.TransportConfig) (candle.Transport, error) {
			return New(cfg), nil
		},
	}); err != nil {
		panic(err)
	}
}

// location identifies a device on the bus between Enumerate and OpenHandle.
type location struct {
	bus, address int
}

type Transport struct {
	usb       *gousb.Context
	debug     bool
	onMessage func(string)

	mu      sync.Mutex
	claimed map[location]bool
}

func New(cfg *candle.TransportConfig) *Transport {
	if cfg == nil {
		cfg = &candle.TransportConfig{}
	}
	onMessage := cfg.OnMessage
	if onMessage == nil {
		onMessage = func(msg string) { log.Println(msg) }
	}
	return &Transport{
		usb:       gousb.NewContext(),
		debug:     cfg.Debug,
		onMessage: onMessage,
		claimed:   make(map[location]bool),
	}
}

// Close releases the libusb context. Handles must be closed first.
func (t *Transport) Close() error {
	return t.usb.Close()
}

func (t *Transport) Enumerate() ([]candle.DeviceDescriptor, error) {
	devs, err := t.usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		_, ok := supported[usbID{desc.Vendor, desc.Product}]
		return ok
	})
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("OpenDevices(): %w", err)
	}

	var out []candle.DeviceDescriptor
	for _, dev := range devs {
		desc, err := t.describe(dev)
		if err != nil {
			// a device claimed by another process can't be queried
			if t.debug {
				t.onMessage(fmt.Sprintf("skipping %s: %v", dev, err))
			}
			continue
		}
		out = append(out, desc)
	}
	return out, nil
}

func release(d gousb.BCD) string {
	v := bcd.ToUint16([]byte{byte(d >> 8), byte(d)})
	return fmt.Sprintf("%d.%02d", v/100, v%100)
}

// describe reads strings, device config and the timing constants of every
// channel. The device is left untouched apart from the host format request.
func (t *Transport) describe(dev *gousb.Device) (candle.DeviceDescriptor, error) {
	dev.ControlTimeout = controlTimeout
	d := candle.DeviceDescriptor{
		VendorID:  uint16(dev.Desc.Vendor),
		ProductID: uint16(dev.Desc.Product),
		Release:   release(dev.Desc.Device),
		Ref:       location{dev.Desc.Bus, dev.Desc.Address},
	}
	d.Manufacturer, _ = dev.Manufacturer()
	d.Product, _ = dev.Product()
	d.SerialNumber, _ = dev.SerialNumber()

	c := &control{dev: dev}
	if err := c.out(breqHostFormat, 1, encodeHostConfig()); err != nil {
		return d, fmt.Errorf("host format: %w", err)
	}
	b, err := c.in(breqDeviceConfig, 1, deviceConfigSize)
	if err != nil {
		return d, fmt.Errorf("device config: %w", err)
	}
	dc, err := decodeDeviceConfig(b)
	if err != nil {
		return d, err
	}
	d.SoftwareVersion = dc.swVersion
	d.HardwareVersion = dc.hwVersion

	for ch := 0; ch < dc.channels; ch++ {
		b, err := c.in(breqBTConst, uint16(ch), btConstSize)
		if err != nil {
			return d, fmt.Errorf("bt const channel %d: %w", ch, err)
		}
		info, err := decodeBTConst(b)
		if err != nil {
			return d, err
		}
		if info.Feature&candle.FeatureFD != 0 && info.Feature&candle.FeatureBTConstExt != 0 {
			b, err := c.in(breqBTConstExt, uint16(ch), btConstExtSize)
			if err != nil {
				return d, fmt.Errorf("bt const ext channel %d: %w", ch, err)
			}
			if info, err = decodeBTConstExt(b); err != nil {
				return d, err
			}
		}
		info.Feature = applyQuirks(info.Feature, d.Manufacturer, d.Product, dc.swVersion)
		d.Channels = append(d.Channels, info)
	}
	return d, nil
}

func (t *Transport) OpenHandle(desc candle.DeviceDescriptor) (candle.Handle, error) {
	loc, ok := desc.Ref.(location)
	if !ok {
		return nil, fmt.Errorf("descriptor %s was not enumerated by gs_usb", desc)
	}
	if len(desc.Channels) == 0 {
		return nil, fmt.Errorf("descriptor %s has no channels", desc)
	}

	t.mu.Lock()
	if t.claimed[loc] {
		t.mu.Unlock()
		return nil, candle.ErrHandleClaimed
	}
	t.claimed[loc] = true
	t.mu.Unlock()

	h, err := t.open(loc, desc)
	if err != nil {
		t.unclaim(loc)
		return nil, err
	}
	return h, nil
}

func (t *Transport) unclaim(loc location) {
	t.mu.Lock()
	delete(t.claimed, loc)
	t.mu.Unlock()
}

func (t *Transport) open(loc location, desc candle.DeviceDescriptor) (*Handle, error) {
	devs, err := t.usb.OpenDevices(func(d *gousb.DeviceDesc) bool {
		return d.Bus == loc.bus && d.Address == loc.address
	})
	if len(devs) == 0 {
		if err != nil {
			return nil, mapError(err)
		}
		return nil, candle.ErrDeviceDisconnected
	}
	for _, d := range devs[1:] {
		d.Close()
	}
	dev := devs[0]
	dev.ControlTimeout = controlTimeout

	if err := dev.SetAutoDetach(true); err != nil && t.debug {
		t.onMessage(fmt.Sprintf("%s.SetAutoDetach(true): %v", dev, err))
	}
	cfgNum, err := dev.ActiveConfigNum()
	if err != nil {
		dev.Close()
		return nil, mapError(err)
	}
	cfg, err := dev.Config(cfgNum)
	if err != nil {
		dev.Close()
		return nil, mapError(err)
	}
	iface, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		return nil, mapError(err)
	}

	var inNum, outNum int
	for _, ep := range iface.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn {
			inNum = ep.Number
		} else {
			outNum = ep.Number
		}
	}
	closeAll := func() {
		iface.Close()
		cfg.Close()
		dev.Close()
	}
	if inNum == 0 || outNum == 0 {
		closeAll()
		return nil, errors.New("bulk endpoints not found")
	}
	in, err := iface.InEndpoint(inNum)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("InEndpoint(%d): %w", inNum, err)
	}
	out, err := iface.OutEndpoint(outNum)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("OutEndpoint(%d): %w", outNum, err)
	}

	h := newHandle(t, loc, desc, &control{dev: dev}, out, func() error {
		iface.Close()
		err := cfg.Close()
		if derr := dev.Close(); derr != nil && err == nil {
			err = derr
		}
		return err
	})
	h.in = in
	for i := range h.channels {
		if err := h.ResetChannel(uint8(i)); err != nil && t.debug {
			t.onMessage(fmt.Sprintf("reset channel %d: %v", i, err))
		}
	}

	h.wg.Add(1)
	go h.recvManager(h.ctx)
	return h, nil
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gousb.ErrorNoDevice), errors.Is(err, gousb.TransferNoDevice):
		return fmt.Errorf("%w: %v", candle.ErrDeviceDisconnected, err)
	case errors.Is(err, gousb.ErrorBusy):
		return fmt.Errorf("%w: %v", candle.ErrHandleClaimed, err)
	}
	return err
}

type control struct {
	dev *gousb.Device
}

func (c *control) out(req uint8, value uint16, data []byte) error {
	_, err := c.dev.Control(ctrlOut, req, value, 0, data)
	return mapError(err)
}

func (c *control) in(req uint8, value uint16, size int) ([]byte, error) {
	b := make([]byte, size)
	n, err := c.dev.Control(ctrlIn, req, value, 0, b)
	if err != nil {
		return nil, mapError(err)
	}
	return b[:n], nil
}
