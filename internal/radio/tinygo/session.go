// Package tinygo implements the radio.Session driver contract on top of
// tinygo.org/x/bluetooth. The library's blocking calls (Scan, Connect,
// discovery) run on driver-owned goroutines and resolve through the event
// stream.
package tinygo

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/srg/blecentral/internal/radio"
	"github.com/srg/blecentral/internal/state"
)

type peer struct {
	device    bluetooth.Device
	connected bool
	cancelled bool
	services  map[string]bluetooth.DeviceService
}

// Session drives the platform adapter exposed by tinygo.org/x/bluetooth.
type Session struct {
	logger  *logrus.Logger
	adapter *bluetooth.Adapter

	mu         sync.Mutex
	events     *state.RingChannel[radio.Event]
	radioState radio.State
	auth       radio.Authorization
	scanning   bool
	peers      map[string]*peer
	addresses  map[string]bluetooth.Address
}

// NewSession creates an unopened session over the default adapter.
func NewSession(logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	return &Session{
		logger:     logger,
		adapter:    bluetooth.DefaultAdapter,
		radioState: radio.StateUnknown,
		peers:      make(map[string]*peer),
		addresses:  make(map[string]bluetooth.Address),
	}
}

// Open enables the adapter and starts the event stream.
func (s *Session) Open(cfg radio.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.adapter.Enable(); err != nil {
		s.auth = radio.AuthorizationDenied
		return fmt.Errorf("failed to enable BLE adapter: %w", err)
	}

	if s.events != nil {
		s.events.Close()
	}

	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = 128
	}
	s.events = state.NewRingChannel[radio.Event](buffer)
	s.auth = radio.AuthorizationAllowed
	s.radioState = radio.StatePoweredOn
	s.events.Send(radio.StateChanged{State: radio.StatePoweredOn})

	s.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if !connected {
			s.handleLinkDown(device.Address.String())
		}
	})

	s.logger.WithField("session", cfg.Name).Info("tinygo bluetooth session opened")
	return nil
}

// Events returns the driver event stream.
func (s *Session) Events() <-chan radio.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		closed := state.NewRingChannel[radio.Event](1)
		closed.Close()
		return closed.C()
	}
	return s.events.C()
}

// StartScan begins advertisement reporting. The adapter's Scan call blocks
// until StopScan, so it runs on its own goroutine.
func (s *Session) StartScan(filter radio.ScanFilter) error {
	s.mu.Lock()
	if s.events == nil {
		s.mu.Unlock()
		return fmt.Errorf("session is not open")
	}
	if s.scanning {
		s.mu.Unlock()
		return fmt.Errorf("scan already running")
	}
	s.scanning = true
	s.mu.Unlock()

	go func() {
		err := s.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			s.handleScanResult(result, filter)
		})
		if err != nil {
			s.logger.WithField("error", err).Warn("Scan terminated with error")
		}
		s.mu.Lock()
		s.scanning = false
		s.mu.Unlock()
	}()
	return nil
}

// StopScan stops advertisement reporting.
func (s *Session) StopScan() error {
	s.mu.Lock()
	scanning := s.scanning
	s.mu.Unlock()

	if !scanning {
		return nil
	}
	return s.adapter.StopScan()
}

func (s *Session) handleScanResult(result bluetooth.ScanResult, filter radio.ScanFilter) {
	id := result.Address.String()
	if id == "" {
		return
	}
	if len(filter.ServiceUUIDs) > 0 && !advertisesAny(result, filter.ServiceUUIDs) {
		return
	}

	var manufData []byte
	for _, element := range result.ManufacturerData() {
		manufData = append(manufData, element.Data...)
	}
	serviceData := make(map[string][]byte)
	for _, element := range result.ServiceData() {
		serviceData[radio.NormalizeUUID(element.UUID.String())] = element.Data
	}

	s.mu.Lock()
	s.addresses[id] = result.Address
	s.mu.Unlock()

	s.emit(radio.PeripheralDiscovered{
		ID: id,
		Advertisement: radio.Advertisement{
			LocalName:        result.LocalName(),
			ManufacturerData: manufData,
			ServiceData:      serviceData,
			Connectable:      true,
		},
		RSSI:      int(result.RSSI),
		Timestamp: time.Now(),
	})
}

func advertisesAny(result bluetooth.ScanResult, uuids []string) bool {
	for _, u := range uuids {
		parsed, err := parseUUID(u)
		if err != nil {
			continue
		}
		if result.HasServiceUUID(parsed) {
			return true
		}
	}
	return false
}

// Connect dials the peripheral on a driver goroutine.
func (s *Session) Connect(id string, opts radio.ConnectOptions) error {
	s.mu.Lock()
	if s.events == nil {
		s.mu.Unlock()
		return fmt.Errorf("session is not open")
	}
	if _, exists := s.peers[id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("connect to %q already in flight", id)
	}

	addr, ok := s.addresses[id]
	if !ok {
		mac, err := bluetooth.ParseMAC(id)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("unknown peripheral %q: %w", id, err)
		}
		addr.MAC = mac
	}

	p := &peer{services: make(map[string]bluetooth.DeviceService)}
	s.peers[id] = p
	s.mu.Unlock()

	params := bluetooth.ConnectionParams{}
	if opts.ConnectTimeout > 0 {
		params.ConnectionTimeout = bluetooth.NewDuration(opts.ConnectTimeout)
	}

	go func() {
		device, err := s.adapter.Connect(addr, params)

		s.mu.Lock()
		cancelled := p.cancelled
		if err != nil || cancelled {
			delete(s.peers, id)
			s.mu.Unlock()
			if cancelled {
				if err == nil {
					_ = device.Disconnect()
				}
				s.emit(radio.Disconnected{ID: id})
				return
			}
			s.emit(radio.ConnectFailed{ID: id, Err: err})
			return
		}
		p.device = device
		p.connected = true
		s.mu.Unlock()

		s.emit(radio.ConnectSucceeded{ID: id})
	}()
	return nil
}

// CancelConnection cancels a pending connect or disconnects an
// established link.
func (s *Session) CancelConnection(id string) error {
	s.mu.Lock()
	p, exists := s.peers[id]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("unknown peripheral %q", id)
	}

	if !p.connected {
		p.cancelled = true
		s.mu.Unlock()
		return nil
	}
	device := p.device
	s.mu.Unlock()

	// The connect handler observes the teardown and emits Disconnected.
	return device.Disconnect()
}

func (s *Session) handleLinkDown(id string) {
	s.mu.Lock()
	_, exists := s.peers[id]
	delete(s.peers, id)
	s.mu.Unlock()

	if exists {
		s.emit(radio.Disconnected{ID: id})
	}
}

// KnownPeripheral reports whether the identifier was seen during this
// session.
func (s *Session) KnownPeripheral(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.addresses[id]; ok {
		return true
	}
	_, ok := s.peers[id]
	return ok
}

// ConnectedPeripherals returns connected identifiers whose discovered
// services intersect the given set.
func (s *Session) ConnectedPeripherals(serviceUUIDs []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, p := range s.peers {
		if !p.connected {
			continue
		}
		if len(serviceUUIDs) == 0 {
			ids = append(ids, id)
			continue
		}
		for _, uuid := range serviceUUIDs {
			if _, ok := p.services[uuid]; ok {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids
}

// DiscoverServices runs service discovery on a driver goroutine.
func (s *Session) DiscoverServices(id string, serviceUUIDs []string) error {
	s.mu.Lock()
	p, exists := s.peers[id]
	if !exists || !p.connected {
		s.mu.Unlock()
		return fmt.Errorf("peripheral %q is not connected", id)
	}
	device := p.device
	s.mu.Unlock()

	filter, err := parseUUIDs(serviceUUIDs)
	if err != nil {
		return err
	}

	go func() {
		services, err := device.DiscoverServices(filter)
		if err != nil {
			s.emit(radio.ServicesDiscovered{ID: id, Err: err})
			return
		}

		uuids := make([]string, 0, len(services))
		s.mu.Lock()
		for _, svc := range services {
			uuid := radio.NormalizeUUID(svc.UUID().String())
			p.services[uuid] = svc
			uuids = append(uuids, uuid)
		}
		s.mu.Unlock()

		s.emit(radio.ServicesDiscovered{ID: id, Services: uuids})
	}()
	return nil
}

// DiscoverCharacteristics runs characteristic discovery within one
// previously discovered service. tinygo exposes no ATT handle, so handles
// are synthesized from discovery order.
func (s *Session) DiscoverCharacteristics(id, serviceUUID string, charUUIDs []string) error {
	normalized := radio.NormalizeUUID(serviceUUID)

	s.mu.Lock()
	p, exists := s.peers[id]
	if !exists || !p.connected {
		s.mu.Unlock()
		return fmt.Errorf("peripheral %q is not connected", id)
	}
	svc, ok := p.services[normalized]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("service %q not discovered on %q", serviceUUID, id)
	}
	s.mu.Unlock()

	filter, err := parseUUIDs(charUUIDs)
	if err != nil {
		return err
	}

	go func() {
		chars, err := svc.DiscoverCharacteristics(filter)
		if err != nil {
			s.emit(radio.CharacteristicsDiscovered{ID: id, Service: normalized, Err: err})
			return
		}

		result := make([]radio.Characteristic, 0, len(chars))
		for i, ch := range chars {
			result = append(result, radio.Characteristic{
				UUID:   radio.NormalizeUUID(ch.UUID().String()),
				Handle: uint16(i + 1),
			})
		}
		s.emit(radio.CharacteristicsDiscovered{ID: id, Service: normalized, Characteristics: result})
	}()
	return nil
}

// State returns the last known radio state.
func (s *Session) State() radio.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.radioState
}

// Authorization returns the platform authorization state.
func (s *Session) Authorization() radio.Authorization {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth
}

// Close stops scanning, disconnects peers and closes the event stream.
func (s *Session) Close() error {
	s.mu.Lock()
	scanning := s.scanning
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.peers = make(map[string]*peer)
	events := s.events
	s.events = nil
	s.radioState = radio.StateUnknown
	s.mu.Unlock()

	if scanning {
		if err := s.adapter.StopScan(); err != nil {
			s.logger.WithField("error", err).Warn("Failed to stop scan during close")
		}
	}
	for _, p := range peers {
		if p.connected {
			if err := p.device.Disconnect(); err != nil {
				s.logger.WithField("error", err).Warn("Error disconnecting peer during close")
			}
		}
	}

	if events != nil {
		events.Close()
	}
	return nil
}

func (s *Session) emit(ev radio.Event) {
	s.mu.Lock()
	events := s.events
	s.mu.Unlock()
	if events != nil {
		events.Send(ev)
	}
}

func parseUUID(u string) (bluetooth.UUID, error) {
	if len(u) == 4 {
		var short uint32
		if _, err := fmt.Sscanf(u, "%04x", &short); err == nil {
			return bluetooth.New16BitUUID(uint16(short)), nil
		}
	}
	return bluetooth.ParseUUID(u)
}

func parseUUIDs(uuids []string) ([]bluetooth.UUID, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	parsed := make([]bluetooth.UUID, 0, len(uuids))
	for _, u := range uuids {
		id, err := parseUUID(u)
		if err != nil {
			return nil, fmt.Errorf("invalid UUID %q: %w", u, err)
		}
		parsed = append(parsed, id)
	}
	return parsed, nil
}
