// Package goble implements the radio.Session driver contract on top of
// the go-ble library. Blocking library calls run on driver-owned
// goroutines; every outcome is reported through the event stream, never
// synchronously to the caller.
package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecentral/internal/radio"
	"github.com/srg/blecentral/internal/state"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests).
var DeviceFactory = func() (ble.Device, error) {
	dev, err := darwin.NewDevice()
	if err != nil {
		if strings.Contains(err.Error(), "central manager has invalid state") {
			if strings.Contains(err.Error(), "have=4") { // StatePoweredOff
				return nil, fmt.Errorf("Bluetooth is turned off - please enable Bluetooth and retry")
			}
			return nil, fmt.Errorf("Bluetooth is not ready - %w", err)
		}
		return nil, err
	}
	return dev, nil
}

type peer struct {
	client     ble.Client
	dialCancel context.CancelFunc
	cancelled  bool
	services   map[string]*ble.Service
}

// Session drives a go-ble device. go-ble exposes no power-state stream,
// so the state transitions to powered-on when the device opens and stays
// there until Close.
type Session struct {
	logger *logrus.Logger

	mu         sync.Mutex
	dev        ble.Device
	events     *state.RingChannel[radio.Event]
	radioState radio.State
	auth       radio.Authorization
	peers      map[string]*peer
	known      map[string]struct{}
	scanCancel context.CancelFunc
}

// NewSession creates an unopened go-ble session.
func NewSession(logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	return &Session{
		logger:     logger,
		radioState: radio.StateUnknown,
		peers:      make(map[string]*peer),
		known:      make(map[string]struct{}),
	}
}

// Open creates the underlying ble.Device and starts the event stream.
func (s *Session) Open(cfg radio.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, err := DeviceFactory()
	if err != nil {
		s.auth = radio.AuthorizationDenied
		return fmt.Errorf("failed to create BLE device: %w", err)
	}

	if s.events != nil {
		// Re-initialization replaces the prior stream.
		s.events.Close()
	}

	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = 128
	}

	s.dev = dev
	ble.SetDefaultDevice(dev)
	s.events = state.NewRingChannel[radio.Event](buffer)
	s.auth = radio.AuthorizationAllowed
	s.setState(radio.StatePoweredOn)

	s.logger.WithField("session", cfg.Name).Info("go-ble session opened")
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

// StartScan begins advertisement reporting until StopScan or Close.
func (s *Session) StartScan(filter radio.ScanFilter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		return fmt.Errorf("session is not open")
	}
	if s.scanCancel != nil {
		return fmt.Errorf("scan already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.scanCancel = cancel
	dev := s.dev

	go func() {
		err := dev.Scan(ctx, filter.AllowDuplicates, func(adv ble.Advertisement) {
			s.handleAdvertisement(adv, filter)
		})
		if err != nil && ctx.Err() == nil {
			s.logger.WithField("error", err).Warn("Scan terminated with error")
		}
	}()
	return nil
}

// StopScan stops advertisement reporting.
func (s *Session) StopScan() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scanCancel == nil {
		return nil
	}
	s.scanCancel()
	s.scanCancel = nil
	return nil
}

func (s *Session) handleAdvertisement(adv ble.Advertisement, filter radio.ScanFilter) {
	if len(filter.ServiceUUIDs) > 0 && !advertisesAny(adv, filter.ServiceUUIDs) {
		return
	}

	id := adv.Addr().String()

	serviceData := make(map[string][]byte)
	for _, sd := range adv.ServiceData() {
		serviceData[radio.NormalizeUUID(sd.UUID.String())] = sd.Data
	}
	serviceUUIDs := make([]string, 0, len(adv.Services()))
	for _, u := range adv.Services() {
		serviceUUIDs = append(serviceUUIDs, radio.NormalizeUUID(u.String()))
	}

	payload := radio.Advertisement{
		LocalName:        adv.LocalName(),
		ManufacturerData: adv.ManufacturerData(),
		ServiceData:      serviceData,
		ServiceUUIDs:     serviceUUIDs,
		Connectable:      adv.Connectable(),
	}
	if adv.TxPowerLevel() != 127 { // 127 means TX power not available
		tx := adv.TxPowerLevel()
		payload.TxPower = &tx
	}

	s.mu.Lock()
	s.known[id] = struct{}{}
	s.mu.Unlock()

	s.emit(radio.PeripheralDiscovered{
		ID:            id,
		Advertisement: payload,
		RSSI:          adv.RSSI(),
		Timestamp:     time.Now(),
	})
}

func advertisesAny(adv ble.Advertisement, uuids []string) bool {
	for _, required := range uuids {
		for _, advertised := range adv.Services() {
			if radio.NormalizeUUID(advertised.String()) == required {
				return true
			}
		}
	}
	return false
}

// Connect dials the peripheral on a driver goroutine. There is no implicit
// timeout unless opts.ConnectTimeout is set.
func (s *Session) Connect(id string, opts radio.ConnectOptions) error {
	s.mu.Lock()
	if s.dev == nil {
		s.mu.Unlock()
		return fmt.Errorf("session is not open")
	}
	if _, exists := s.peers[id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("connect to %q already in flight", id)
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if opts.ConnectTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), opts.ConnectTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	p := &peer{dialCancel: cancel, services: make(map[string]*ble.Service)}
	s.peers[id] = p
	s.mu.Unlock()

	go s.dial(ctx, id, p)
	return nil
}

func (s *Session) dial(ctx context.Context, id string, p *peer) {
	client, err := ble.Dial(ctx, ble.NewAddr(id))

	s.mu.Lock()
	cancelled := p.cancelled
	if err != nil {
		delete(s.peers, id)
		s.mu.Unlock()

		if cancelled {
			// Caller cancelled the attempt; resolve as a disconnect.
			s.emit(radio.Disconnected{ID: id})
			return
		}
		s.emit(radio.ConnectFailed{ID: id, Err: err})
		return
	}
	p.client = client
	s.known[id] = struct{}{}
	s.mu.Unlock()

	go s.watchDisconnect(id, client)
	s.emit(radio.ConnectSucceeded{ID: id})
}

func (s *Session) watchDisconnect(id string, client ble.Client) {
	<-client.Disconnected()

	s.mu.Lock()
	delete(s.peers, id)
	s.mu.Unlock()

	s.emit(radio.Disconnected{ID: id})
}

// CancelConnection cancels a pending dial or tears down an established
// link. Both resolve with a Disconnected event.
func (s *Session) CancelConnection(id string) error {
	s.mu.Lock()
	p, exists := s.peers[id]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("unknown peripheral %q", id)
	}

	if p.client == nil {
		p.cancelled = true
		cancel := p.dialCancel
		s.mu.Unlock()
		cancel()
		return nil
	}

	client := p.client
	s.mu.Unlock()

	// watchDisconnect observes the teardown and emits Disconnected.
	return client.CancelConnection()
}

// KnownPeripheral reports whether the identifier was seen in a scan or a
// connection during this session.
func (s *Session) KnownPeripheral(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.known[id]
	return ok
}

// ConnectedPeripherals returns connected identifiers whose discovered
// services intersect the given set.
func (s *Session) ConnectedPeripherals(serviceUUIDs []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, p := range s.peers {
		if p.client == nil {
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

// DiscoverServices runs go-ble service discovery on a driver goroutine.
func (s *Session) DiscoverServices(id string, serviceUUIDs []string) error {
	s.mu.Lock()
	p, exists := s.peers[id]
	if !exists || p.client == nil {
		s.mu.Unlock()
		return fmt.Errorf("peripheral %q is not connected", id)
	}
	client := p.client
	s.mu.Unlock()

	filter, err := parseUUIDs(serviceUUIDs)
	if err != nil {
		return err
	}

	go func() {
		services, err := client.DiscoverServices(filter)
		if err != nil {
			s.emit(radio.ServicesDiscovered{ID: id, Err: err})
			return
		}

		uuids := make([]string, 0, len(services))
		s.mu.Lock()
		for _, svc := range services {
			uuid := radio.NormalizeUUID(svc.UUID.String())
			p.services[uuid] = svc
			uuids = append(uuids, uuid)
		}
		s.mu.Unlock()

		s.emit(radio.ServicesDiscovered{ID: id, Services: uuids})
	}()
	return nil
}

// DiscoverCharacteristics runs go-ble characteristic discovery within one
// previously discovered service.
func (s *Session) DiscoverCharacteristics(id, serviceUUID string, charUUIDs []string) error {
	normalized := radio.NormalizeUUID(serviceUUID)

	s.mu.Lock()
	p, exists := s.peers[id]
	if !exists || p.client == nil {
		s.mu.Unlock()
		return fmt.Errorf("peripheral %q is not connected", id)
	}
	svc, ok := p.services[normalized]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("service %q not discovered on %q", serviceUUID, id)
	}
	client := p.client
	s.mu.Unlock()

	filter, err := parseUUIDs(charUUIDs)
	if err != nil {
		return err
	}

	go func() {
		chars, err := client.DiscoverCharacteristics(filter, svc)
		if err != nil {
			s.emit(radio.CharacteristicsDiscovered{ID: id, Service: normalized, Err: err})
			return
		}

		result := make([]radio.Characteristic, 0, len(chars))
		for _, ch := range chars {
			result = append(result, radio.Characteristic{
				UUID:   radio.NormalizeUUID(ch.UUID.String()),
				Handle: ch.Handle,
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

// Close stops scanning, disconnects every peer and closes the event
// stream.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.scanCancel != nil {
		s.scanCancel()
		s.scanCancel = nil
	}
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.peers = make(map[string]*peer)
	events := s.events
	s.events = nil
	s.dev = nil
	s.radioState = radio.StateUnknown
	s.mu.Unlock()

	for _, p := range peers {
		if p.client != nil {
			if err := p.client.CancelConnection(); err != nil {
				s.logger.WithField("error", err).Warn("Error disconnecting peer during close")
			}
		} else if p.dialCancel != nil {
			p.dialCancel()
		}
	}

	if events != nil {
		events.Close()
	}
	return nil
}

// setState must be called with the lock held. Send never blocks, so
// emitting under the lock is safe.
func (s *Session) setState(st radio.State) {
	s.radioState = st
	if s.events != nil {
		s.events.Send(radio.StateChanged{State: st})
	}
}

func (s *Session) emit(ev radio.Event) {
	s.mu.Lock()
	events := s.events
	s.mu.Unlock()
	if events != nil {
		events.Send(ev)
	}
}

func parseUUIDs(uuids []string) ([]ble.UUID, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	parsed := make([]ble.UUID, 0, len(uuids))
	for _, u := range uuids {
		id, err := ble.Parse(u)
		if err != nil {
			return nil, fmt.Errorf("invalid UUID %q: %w", u, err)
		}
		parsed = append(parsed, id)
	}
	return parsed, nil
}
