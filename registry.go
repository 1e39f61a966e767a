package candle

import (
	"fmt"
	"sort"
	"strings"
)

// Registry lists the devices a Transport can reach and hands out sessions
// bound to them.
type Registry struct {
	tr Transport
}

func NewRegistry(tr Transport) *Registry {
	return &Registry{tr: tr}
}

// ListDevices returns a fresh snapshot on every call.
func (r *Registry) ListDevices() ([]DeviceDescriptor, error) {
	if r.tr == nil {
		return nil, &DiscoveryError{Err: ErrNilTransport}
	}
	devs, err := r.tr.Enumerate()
	if err != nil {
		return nil, &DiscoveryError{Err: err}
	}
	return devs, nil
}

// Find returns the first device whose serial number matches serial, or
// the first device found when serial is empty.
func (r *Registry) Find(serial string) (DeviceDescriptor, error) {
	devs, err := r.ListDevices()
	if err != nil {
		return DeviceDescriptor{}, err
	}
	for _, d := range devs {
		if serial == "" || d.SerialNumber == serial {
			return d, nil
		}
	}
	if serial == "" {
		return DeviceDescriptor{}, ErrNoDevice
	}
	return DeviceDescriptor{}, fmt.Errorf("%w with serial %q", ErrNoDevice, serial)
}

// NewSession returns a closed session bound to desc.
func (r *Registry) NewSession(desc DeviceDescriptor, opts *Options) *Session {
	return NewSession(r.tr, desc, opts)
}

// TransportConfig is handed to registered transport constructors.
type TransportConfig struct {
	Debug        bool
	Port         string // serial transports
	PortBaudrate int
	ClockHz      uint32
	OnMessage    func(string)
}

type TransportInfo struct {
	Name               string
	Description        string
	RequiresSerialPort bool
	New                func(*TransportConfig) (Transport, error)
}

func (t *TransportInfo) String() string {
	return fmt.Sprintf("%s | %s, requires serial port: %v", t.Name, t.Description, t.RequiresSerialPort)
}

var transportMap = make(map[string]*TransportInfo)

// RegisterTransport makes a transport constructor available by name.
// Transport packages call it from init.
func RegisterTransport(info *TransportInfo) error {
	if _, found := transportMap[info.Name]; found {
		return fmt.Errorf("transport %s already registered", info.Name)
	}
	transportMap[info.Name] = info
	return nil
}

func NewTransport(name string, cfg *TransportConfig) (Transport, error) {
	if cfg == nil {
		cfg = &TransportConfig{}
	}
	if cfg.OnMessage == nil {
		cfg.OnMessage = (&Options{}).withDefaults().OnMessage
	}
	if info, found := transportMap[name]; found {
		return info.New(cfg)
	}
	return nil, fmt.Errorf("unknown transport %q", name)
}

func ListTransportNames() []string {
	var out []string
	for name := range transportMap {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}

func ListTransports() []TransportInfo {
	var out []TransportInfo
	for _, name := range ListTransportNames() {
		out = append(out, *transportMap[name])
	}
	return out
}
