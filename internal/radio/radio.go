// Package radio defines the contract between the session core and the
// platform radio driver. Drivers (go-ble, tinygo) implement Session and
// deliver everything that happens on the air as asynchronous Events; the
// core never blocks on a driver call.
package radio

import "time"

// State mirrors the power/availability state reported by the radio driver.
type State int

const (
	StateUnknown State = iota
	StateResetting
	StateUnsupported
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
)

func (s State) String() string {
	switch s {
	case StateResetting:
		return "resetting"
	case StateUnsupported:
		return "unsupported"
	case StateUnauthorized:
		return "unauthorized"
	case StatePoweredOff:
		return "powered_off"
	case StatePoweredOn:
		return "powered_on"
	default:
		return "unknown"
	}
}

// Authorization reports whether the process is allowed to use the radio.
type Authorization int

const (
	AuthorizationUndetermined Authorization = iota
	AuthorizationDenied
	AuthorizationAllowed
)

func (a Authorization) String() string {
	switch a {
	case AuthorizationDenied:
		return "denied"
	case AuthorizationAllowed:
		return "allowed"
	default:
		return "undetermined"
	}
}

// Route maps a normalized service UUID to the characteristic UUIDs of
// interest within it. An empty (or nil) characteristic list means "all
// characteristics of that service". A nil Route means "all services".
type Route map[string][]string

// Normalized returns a copy of the route with every UUID normalized.
// A nil route stays nil.
func (r Route) Normalized() Route {
	if r == nil {
		return nil
	}
	out := make(Route, len(r))
	for svc, chars := range r {
		out[NormalizeUUID(svc)] = NormalizeUUIDs(chars)
	}
	return out
}

// ServiceUUIDs returns the normalized service UUIDs of the route, or nil
// for an "all services" route.
func (r Route) ServiceUUIDs() []string {
	if r == nil {
		return nil
	}
	uuids := make([]string, 0, len(r))
	for svc := range r {
		uuids = append(uuids, svc)
	}
	return uuids
}

// Advertisement is the opaque payload carried by a discovery report.
type Advertisement struct {
	LocalName        string
	ManufacturerData []byte
	ServiceData      map[string][]byte
	ServiceUUIDs     []string
	TxPower          *int
	Connectable      bool
}

// Characteristic is one resolved endpoint reported by characteristic
// discovery. Handle is driver-specific and opaque to the core.
type Characteristic struct {
	UUID   string
	Handle uint16
}

// ScanFilter restricts which advertisements the driver reports.
type ScanFilter struct {
	ServiceUUIDs    []string
	AllowDuplicates bool
}

// ConnectOptions tunes a single connect command.
type ConnectOptions struct {
	ConnectTimeout time.Duration
}

// Config configures a driver session.
type Config struct {
	// Name identifies the session for diagnostics.
	Name string
	// EventBuffer sizes the driver's event channel.
	EventBuffer int
}

// Session is the command surface of the radio driver. Every command is
// fire-and-forget: acceptance means the driver took the command, and the
// outcome arrives later on Events(). Implementations must keep Events()
// open until Close.
type Session interface {
	// Open initializes the driver and starts the event stream.
	Open(cfg Config) error

	// Events returns the stream of asynchronous driver events. The channel
	// is closed by Close.
	Events() <-chan Event

	// StartScan begins advertisement reporting.
	StartScan(filter ScanFilter) error
	// StopScan stops advertisement reporting.
	StopScan() error

	// Connect initiates a connection to the peripheral. There is no driver
	// timeout; the attempt stays pending until a ConnectSucceeded,
	// ConnectFailed, or an explicit CancelConnection.
	Connect(id string, opts ConnectOptions) error
	// CancelConnection cancels a pending connect or disconnects an
	// established link. Both resolve with a Disconnected event.
	CancelConnection(id string) error

	// KnownPeripheral reports whether the driver still retains identifier
	// state for a previously seen peripheral.
	KnownPeripheral(id string) bool
	// ConnectedPeripherals returns identifiers of peripherals the system
	// already holds connected that expose any of the given services.
	ConnectedPeripherals(serviceUUIDs []string) []string

	// DiscoverServices requests service discovery on a connected
	// peripheral. A nil filter discovers all services.
	DiscoverServices(id string, serviceUUIDs []string) error
	// DiscoverCharacteristics requests characteristic discovery within one
	// service. A nil filter discovers all characteristics.
	DiscoverCharacteristics(id, serviceUUID string, charUUIDs []string) error

	// State returns the last reported radio state.
	State() State
	// Authorization returns the platform authorization state.
	Authorization() Authorization

	// Close tears the session down and closes Events().
	Close() error
}
