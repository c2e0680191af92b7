// Package central implements the connection-lifecycle core of a BLE
// central: it tracks radio readiness, scan activity, discovered
// peripherals, in-flight connect/disconnect operations and resolved
// communication paths, and exposes the simplified reactive views the
// application consumes.
//
// All bookkeeping mutations are serialized on one mutex so registry and
// set updates are atomic with respect to readers; driver outcomes arrive
// asynchronously on the session event stream and are folded into the same
// sequence. Caller-supplied error callbacks are always invoked outside
// the mutation lock.
package central

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blecentral/internal/pathdisc"
	"github.com/srg/blecentral/internal/radio"
	"github.com/srg/blecentral/internal/registry"
	"github.com/srg/blecentral/internal/state"
)

// Path is a resolved, directly-addressable service+characteristic
// endpoint on a connected peripheral.
type Path = pathdisc.Path

// Diagnostics is the readiness-troubleshooting pair: the raw radio state
// (nil until a session has been initialized) and the authorization state.
type Diagnostics struct {
	State         *radio.State
	Authorization radio.Authorization
}

// Manager is the session facade. It drives a radio.Session command
// surface, consumes its event stream, and maintains the registry, state
// containers and derived views.
type Manager struct {
	logger *logrus.Logger
	sess   radio.Session

	mu           sync.Mutex
	pumpGen      int
	opened       bool
	closed       bool
	pendingCalls []func()

	ops *registry.Registry

	radioState     *state.Container[radio.State]
	ready          *state.Container[bool]
	scanning       *state.Container[bool]
	peripherals    *state.Container[[]Peripheral]
	connectingView *state.Container[[]string]
	connectedView  *state.Container[[]string]

	discovered  *orderedmap.OrderedMap[string, Peripheral]
	connecting  map[string]struct{}
	connected   map[string]struct{}
	discoverers map[string]*pathdisc.Discoverer

	paths    *hashmap.Map[string, Path]
	pathKeys map[string][]string

	anomalies atomic.Uint64
}

// NewManager creates a facade over the given driver session. The session
// is not opened until InitializeSession.
func NewManager(sess radio.Session, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}

	m := &Manager{
		logger:         logger,
		sess:           sess,
		radioState:     state.NewContainer(radio.StateUnknown),
		ready:          state.NewContainer(false),
		scanning:       state.NewContainer(false),
		peripherals:    state.NewContainer([]Peripheral(nil)),
		connectingView: state.NewContainer([]string{}),
		connectedView:  state.NewContainer([]string{}),
		discovered:     orderedmap.New[string, Peripheral](),
		connecting:     make(map[string]struct{}),
		connected:      make(map[string]struct{}),
		discoverers:    make(map[string]*pathdisc.Discoverer),
		paths:          hashmap.New[string, Path](),
		pathKeys:       make(map[string][]string),
	}
	m.ops = registry.New(func(ops []registry.Operation) {
		m.scanning.Set(scanningFromOps(ops))
	})
	return m
}

// InitializeSession opens the driver session and begins consuming its
// event stream. Re-initialization is allowed and replaces the prior
// session: events still in flight from the old stream are discarded.
func (m *Manager) InitializeSession(cfg radio.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("session manager is closed")
	}

	if err := m.sess.Open(cfg); err != nil {
		return fmt.Errorf("failed to open radio session: %w", err)
	}

	m.pumpGen++
	m.opened = true
	gen := m.pumpGen
	events := m.sess.Events()

	go m.pump(gen, events)

	m.logger.WithField("session", cfg.Name).Info("Radio session initialized")
	return nil
}

func (m *Manager) pump(gen int, events <-chan radio.Event) {
	for ev := range events {
		m.dispatch(gen, ev)
	}
}

func (m *Manager) dispatch(gen int, ev radio.Event) {
	m.mu.Lock()
	if gen != m.pumpGen || m.closed {
		// Stale stream after re-initialization or shutdown.
		m.mu.Unlock()
		return
	}
	m.processEventLocked(ev)
	calls := m.takeCallsLocked()
	m.mu.Unlock()

	for _, fn := range calls {
		fn()
	}
}

// ----------------------------
// Command surface
// ----------------------------

// StartScanning begins advertisement discovery. Preconditions: the radio
// is powered on and no scan is already pending; violations are reported
// synchronously through onError with no state change.
func (m *Manager) StartScanning(filter radio.ScanFilter, onError func(error)) {
	m.mu.Lock()
	err := m.startScanningLocked(filter, onError)
	calls := m.takeCallsLocked()
	m.mu.Unlock()

	m.report(err, onError)
	for _, fn := range calls {
		fn()
	}
}

func (m *Manager) startScanningLocked(filter radio.ScanFilter, onError func(error)) error {
	if !readyFromState(m.radioState.Value()) {
		return fmt.Errorf("%w: radio state is %s", ErrSystemNotReady, m.radioState.Value())
	}

	op := registry.Operation{Instruction: registry.Scanning, OnError: onError}
	if err := m.ops.Insert(op); err != nil {
		return fmt.Errorf("%w: scan already in progress", ErrInvalidInstruction)
	}

	filter.ServiceUUIDs = radio.NormalizeUUIDs(filter.ServiceUUIDs)
	if err := m.sess.StartScan(filter); err != nil {
		m.ops.Remove(op)
		return wrapRadioError(err)
	}

	m.logger.Info("Scan started")
	return nil
}

// StopScanning stops a pending scan. It fails with InvalidInstruction when
// no scan is pending.
func (m *Manager) StopScanning(onError func(error)) {
	m.mu.Lock()
	err := m.stopScanningLocked()
	calls := m.takeCallsLocked()
	m.mu.Unlock()

	m.report(err, onError)
	for _, fn := range calls {
		fn()
	}
}

func (m *Manager) stopScanningLocked() error {
	if _, err := m.ops.Take("", registry.Scanning); err != nil {
		return fmt.Errorf("%w: no scan in progress", ErrInvalidInstruction)
	}

	if err := m.sess.StopScan(); err != nil {
		// The local ledger already considers the scan stopped; surface the
		// driver failure to the caller.
		return wrapRadioError(err)
	}

	m.logger.Info("Scan stopped")
	return nil
}

// ConnectPeripheral initiates a connection and, once connected, resolves
// the given route into known paths. Preconditions: the radio is powered
// on and no connect for this identifier is already pending. The attempt
// stays pending until a terminal driver event or an explicit
// CancelConnection; onError receives any synchronous rejection and every
// later asynchronous failure of this attempt.
func (m *Manager) ConnectPeripheral(id string, route radio.Route, opts radio.ConnectOptions, onError func(error)) {
	m.mu.Lock()
	err := m.connectPeripheralLocked(id, route, opts, onError)
	calls := m.takeCallsLocked()
	m.mu.Unlock()

	m.report(err, onError)
	for _, fn := range calls {
		fn()
	}
}

func (m *Manager) connectPeripheralLocked(id string, route radio.Route, opts radio.ConnectOptions, onError func(error)) error {
	if !readyFromState(m.radioState.Value()) {
		return fmt.Errorf("%w: radio state is %s", ErrSystemNotReady, m.radioState.Value())
	}
	if m.ops.Contains(registry.Connecting, id) {
		return fmt.Errorf("%w: connect to %q already pending", ErrInvalidInstruction, id)
	}

	op := registry.Operation{
		Instruction:  registry.Connecting,
		PeripheralID: id,
		Route:        route.Normalized(),
		OnError:      onError,
	}
	if err := m.ops.Insert(op); err != nil {
		return fmt.Errorf("%w: connect to %q already pending", ErrInvalidInstruction, id)
	}

	m.connecting[id] = struct{}{}
	m.publishConnSetsLocked()

	if err := m.sess.Connect(id, opts); err != nil {
		m.ops.Remove(op)
		delete(m.connecting, id)
		m.publishConnSetsLocked()
		return wrapRadioError(err)
	}

	m.logger.WithField("peripheral", id).Info("Connect initiated")
	return nil
}

// CancelConnection cancels a pending connect attempt or disconnects an
// established link; the two share one underlying driver command, the only
// difference being which optimistic set the identifier is cleared from.
func (m *Manager) CancelConnection(id string, onError func(error)) {
	m.mu.Lock()
	err := m.cancelConnectionLocked(id, onError)
	calls := m.takeCallsLocked()
	m.mu.Unlock()

	m.report(err, onError)
	for _, fn := range calls {
		fn()
	}
}

func (m *Manager) cancelConnectionLocked(id string, onError func(error)) error {
	if !readyFromState(m.radioState.Value()) {
		return fmt.Errorf("%w: radio state is %s", ErrSystemNotReady, m.radioState.Value())
	}
	if m.ops.Contains(registry.Disconnecting, id) {
		return fmt.Errorf("%w: disconnect from %q already pending", ErrInvalidInstruction, id)
	}

	_, wasConnecting := m.connecting[id]
	_, wasConnected := m.connected[id]
	if !wasConnecting && !wasConnected {
		return fmt.Errorf("%w: %q is neither connecting nor connected", ErrUnknownDevice, id)
	}

	delete(m.connecting, id)
	delete(m.connected, id)
	m.publishConnSetsLocked()

	op := registry.Operation{Instruction: registry.Disconnecting, PeripheralID: id, OnError: onError}
	if err := m.ops.Insert(op); err != nil {
		return fmt.Errorf("%w: disconnect from %q already pending", ErrInvalidInstruction, id)
	}

	if err := m.sess.CancelConnection(id); err != nil {
		m.ops.Remove(op)
		if wasConnecting {
			m.connecting[id] = struct{}{}
		}
		if wasConnected {
			m.connected[id] = struct{}{}
		}
		m.publishConnSetsLocked()
		return wrapRadioError(err)
	}

	m.logger.WithField("peripheral", id).Info("Disconnect initiated")
	return nil
}

// ReconnectPeripheral connects to a peripheral that is no longer being
// advertised: the identifier is resolved either from the driver's
// previously-seen store or from peripherals the system already holds
// connected that match the route's services. Fails with UnknownDevice
// when neither lookup resolves.
func (m *Manager) ReconnectPeripheral(id string, route radio.Route, opts radio.ConnectOptions, onError func(error)) {
	m.mu.Lock()
	err := m.reconnectPeripheralLocked(id, route, opts, onError)
	calls := m.takeCallsLocked()
	m.mu.Unlock()

	m.report(err, onError)
	for _, fn := range calls {
		fn()
	}
}

func (m *Manager) reconnectPeripheralLocked(id string, route radio.Route, opts radio.ConnectOptions, onError func(error)) error {
	resolved := m.sess.KnownPeripheral(id)
	if !resolved {
		for _, connectedID := range m.sess.ConnectedPeripherals(route.Normalized().ServiceUUIDs()) {
			if connectedID == id {
				resolved = true
				break
			}
		}
	}
	if !resolved {
		return fmt.Errorf("%w: %q cannot be resolved by the radio session", ErrUnknownDevice, id)
	}

	return m.connectPeripheralLocked(id, route, opts, onError)
}

// LookupPath returns the resolved path for (peripheral, service,
// characteristic), or UnknownPath. It is a pure query and may be called
// concurrently with any command.
func (m *Manager) LookupPath(id, serviceUUID, charUUID string) (Path, error) {
	key := pathKey(id, radio.NormalizeUUID(serviceUUID), radio.NormalizeUUID(charUUID))
	p, ok := m.paths.Get(key)
	if !ok {
		return Path{}, fmt.Errorf("%w: %s", ErrUnknownPath, key)
	}
	return p, nil
}

// Paths returns every resolved path for the peripheral, in discovery
// order. Empty while the peripheral is not connected.
func (m *Manager) Paths(id string) []Path {
	m.mu.Lock()
	keys := m.pathKeys[id]
	m.mu.Unlock()

	paths := make([]Path, 0, len(keys))
	for _, key := range keys {
		if p, ok := m.paths.Get(key); ok {
			paths = append(paths, p)
		}
	}
	return paths
}

// ----------------------------
// Event handling
// ----------------------------

// processEventLocked folds one driver event into the ledger and state
// containers. Caller-owed error callbacks are deferred via
// deferCallLocked and run after the lock is released.
func (m *Manager) processEventLocked(ev radio.Event) {
	switch e := ev.(type) {
	case radio.StateChanged:
		m.radioState.Set(e.State)
		m.ready.Set(readyFromState(e.State))
		m.logger.WithField("state", e.State).Debug("Radio state changed")

	case radio.PeripheralDiscovered:
		m.discovered.Set(e.ID, Peripheral{
			ID:            e.ID,
			Advertisement: e.Advertisement,
			RSSI:          e.RSSI,
			LastSeen:      e.Timestamp,
		})
		m.publishPeripheralsLocked()

	case radio.ConnectSucceeded:
		m.handleConnectSucceededLocked(e)

	case radio.ConnectFailed:
		m.handleConnectFailedLocked(e)

	case radio.Disconnected:
		m.handleDisconnectedLocked(e)

	case radio.ServicesDiscovered:
		if d, ok := m.discoverers[e.ID]; ok {
			d.HandleServices(e)
		} else {
			m.logger.WithField("peripheral", e.ID).Debug("Service discovery result with no active discoverer")
		}

	case radio.CharacteristicsDiscovered:
		if d, ok := m.discoverers[e.ID]; ok {
			d.HandleCharacteristics(e)
		} else {
			m.logger.WithField("peripheral", e.ID).Debug("Characteristic discovery result with no active discoverer")
		}
	}
}

func (m *Manager) handleConnectSucceededLocked(ev radio.ConnectSucceeded) {
	op, err := m.ops.Find(ev.ID, registry.Connecting)
	if err != nil {
		m.recordAnomalyLocked(ev.ID, "connect-succeeded with no pending connect")
		return
	}
	if _, inFlight := m.discoverers[ev.ID]; inFlight {
		m.recordAnomalyLocked(ev.ID, "connect-succeeded while path discovery is in flight")
		return
	}

	d := pathdisc.New(ev.ID, op.Route, m.sess, m.logger, func(paths []Path, derr error) {
		m.finishDiscoveryLocked(ev.ID, paths, derr)
	})
	m.discoverers[ev.ID] = d
	d.Begin()
}

// finishDiscoveryLocked completes a connect attempt after its path
// discovery run. It is invoked by the discoverer's completion callback,
// which always runs within the event sequence, so the lock is already
// held.
func (m *Manager) finishDiscoveryLocked(id string, paths []Path, derr error) {
	delete(m.discoverers, id)
	op, ferr := m.ops.Take(id, registry.Connecting)

	if derr != nil {
		delete(m.connecting, id)
		m.publishConnSetsLocked()

		if ferr == nil && op.OnError != nil {
			wrapped := wrapRadioError(derr)
			cb := op.OnError
			m.deferCallLocked(func() { cb(wrapped) })
		}

		// A peripheral whose paths cannot be resolved is unusable; tear the
		// link down right away. The resulting Disconnected event is routed
		// through the inserted entry.
		m.logger.WithFields(logrus.Fields{
			"peripheral": id,
			"error":      derr,
		}).Warn("Path discovery failed, disconnecting")
		m.teardownAfterDiscoveryFailureLocked(id)
		return
	}

	delete(m.connecting, id)
	m.connected[id] = struct{}{}
	m.publishConnSetsLocked()
	m.storePathsLocked(id, paths)

	m.logger.WithFields(logrus.Fields{
		"peripheral": id,
		"paths":      len(paths),
	}).Info("Peripheral connected")
}

func (m *Manager) teardownAfterDiscoveryFailureLocked(id string) {
	op := registry.Operation{
		Instruction:  registry.Disconnecting,
		PeripheralID: id,
		OnError: func(err error) {
			m.logger.WithFields(logrus.Fields{
				"peripheral": id,
				"error":      err,
			}).Warn("Teardown disconnect reported an error")
		},
	}
	if err := m.ops.Insert(op); err != nil {
		// A caller-issued disconnect is already pending; it will clean up.
		return
	}
	if err := m.sess.CancelConnection(id); err != nil {
		m.ops.Remove(op)
		m.logger.WithFields(logrus.Fields{
			"peripheral": id,
			"error":      err,
		}).Error("Failed to issue teardown disconnect")
	}
}

func (m *Manager) handleConnectFailedLocked(ev radio.ConnectFailed) {
	op, err := m.ops.Take(ev.ID, registry.Connecting)
	if err != nil {
		m.recordAnomalyLocked(ev.ID, "connect-failed with no pending connect")
		return
	}

	delete(m.connecting, ev.ID)
	m.publishConnSetsLocked()
	delete(m.discoverers, ev.ID)

	if op.OnError != nil {
		wrapped := wrapRadioError(ev.Err)
		cb := op.OnError
		m.deferCallLocked(func() { cb(wrapped) })
	}

	m.logger.WithFields(logrus.Fields{
		"peripheral": ev.ID,
		"error":      ev.Err,
	}).Debug("Connect failed")
}

func (m *Manager) handleDisconnectedLocked(ev radio.Disconnected) {
	// Either, neither, or both entries may exist depending on whether the
	// disconnect was caller-initiated or spontaneous.
	for _, instruction := range []registry.Instruction{registry.Connecting, registry.Disconnecting} {
		op, err := m.ops.Take(ev.ID, instruction)
		if err != nil {
			continue
		}
		if ev.Err != nil && op.OnError != nil {
			wrapped := wrapRadioError(ev.Err)
			cb := op.OnError
			m.deferCallLocked(func() { cb(wrapped) })
		}
	}

	delete(m.connecting, ev.ID)
	delete(m.connected, ev.ID)
	m.publishConnSetsLocked()
	delete(m.discoverers, ev.ID)
	m.prunePathsLocked(ev.ID)

	m.logger.WithFields(logrus.Fields{
		"peripheral": ev.ID,
		"error":      ev.Err,
	}).Info("Peripheral disconnected")
}

// ----------------------------
// Views and diagnostics
// ----------------------------

// Ready reports the current derived readiness.
func (m *Manager) Ready() bool { return m.ready.Value() }

// SubscribeReady returns a push-updated readiness view.
func (m *Manager) SubscribeReady() <-chan bool { return m.ready.Subscribe() }

// Scanning reports whether a scan instruction is pending.
func (m *Manager) Scanning() bool { return m.scanning.Value() }

// SubscribeScanning returns a push-updated scanning-active view.
func (m *Manager) SubscribeScanning() <-chan bool { return m.scanning.Subscribe() }

// Peripherals returns the available peripherals, strongest signal first.
func (m *Manager) Peripherals() []Peripheral { return m.peripherals.Value() }

// SubscribePeripherals returns a push-updated available-peripherals view.
func (m *Manager) SubscribePeripherals() <-chan []Peripheral { return m.peripherals.Subscribe() }

// ConnectingPeripherals returns identifiers with a connect in flight.
func (m *Manager) ConnectingPeripherals() []string { return m.connectingView.Value() }

// SubscribeConnecting returns a push-updated connecting-set view.
func (m *Manager) SubscribeConnecting() <-chan []string { return m.connectingView.Subscribe() }

// ConnectedPeripherals returns identifiers with resolved paths.
func (m *Manager) ConnectedPeripherals() []string { return m.connectedView.Value() }

// SubscribeConnected returns a push-updated connected-set view.
func (m *Manager) SubscribeConnected() <-chan []string { return m.connectedView.Subscribe() }

// Troubleshoot returns the readiness-troubleshooting pair. The raw state
// is absent until InitializeSession has been called.
func (m *Manager) Troubleshoot() Diagnostics {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := Diagnostics{Authorization: m.sess.Authorization()}
	if m.opened {
		s := m.sess.State()
		d.State = &s
	}
	return d
}

// Anomalies returns the count of protocol-violating driver events that
// were dropped defensively.
func (m *Manager) Anomalies() uint64 { return m.anomalies.Load() }

// Close tears the facade down: the event pump is detached, the driver
// session is closed and every view channel is completed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.pumpGen++
	opened := m.opened
	m.mu.Unlock()

	var err error
	if opened {
		err = m.sess.Close()
	}

	m.radioState.Close()
	m.ready.Close()
	m.scanning.Close()
	m.peripherals.Close()
	m.connectingView.Close()
	m.connectedView.Close()

	return err
}

// ----------------------------
// Internals
// ----------------------------

func (m *Manager) publishConnSetsLocked() {
	m.connectingView.Set(identifierSet(m.connecting))
	m.connectedView.Set(identifierSet(m.connected))
}

func (m *Manager) publishPeripheralsLocked() {
	snapshot := make([]Peripheral, 0, m.discovered.Len())
	for pair := m.discovered.Oldest(); pair != nil; pair = pair.Next() {
		snapshot = append(snapshot, pair.Value)
	}
	m.peripherals.Set(sortByStrength(snapshot))
}

func (m *Manager) storePathsLocked(id string, paths []Path) {
	keys := make([]string, 0, len(paths))
	for _, p := range paths {
		key := pathKey(p.PeripheralID, p.Service, p.Characteristic)
		m.paths.Set(key, p)
		keys = append(keys, key)
	}
	m.pathKeys[id] = keys
}

func (m *Manager) prunePathsLocked(id string) {
	for _, key := range m.pathKeys[id] {
		m.paths.Del(key)
	}
	delete(m.pathKeys, id)
}

func (m *Manager) recordAnomalyLocked(id, reason string) {
	m.anomalies.Add(1)
	m.logger.WithFields(logrus.Fields{
		"peripheral": id,
		"reason":     reason,
	}).Warn("Dropping protocol-violating radio event")
}

func (m *Manager) deferCallLocked(fn func()) {
	m.pendingCalls = append(m.pendingCalls, fn)
}

func (m *Manager) takeCallsLocked() []func() {
	calls := m.pendingCalls
	m.pendingCalls = nil
	return calls
}

// report invokes onError with err outside the mutation lock. A nil err or
// nil callback is a no-op.
func (m *Manager) report(err error, onError func(error)) {
	if err != nil && onError != nil {
		onError(err)
	}
}

func pathKey(id, serviceUUID, charUUID string) string {
	return id + "/" + serviceUUID + "/" + charUUID
}
