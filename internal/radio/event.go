package radio

import "time"

// Event is implemented by every asynchronous driver notification. The set
// is sealed; the session core switches over the concrete types.
type Event interface {
	isEvent()
}

// StateChanged reports a radio power/availability transition.
type StateChanged struct {
	State State
}

// PeripheralDiscovered reports one advertisement.
type PeripheralDiscovered struct {
	ID            string
	Advertisement Advertisement
	RSSI          int
	Timestamp     time.Time
}

// ConnectSucceeded reports that a connect command completed.
type ConnectSucceeded struct {
	ID string
}

// ConnectFailed reports that a connect command failed. Err may be nil when
// the driver reports failure without a cause.
type ConnectFailed struct {
	ID  string
	Err error
}

// Disconnected reports a link teardown, caller-initiated or spontaneous.
// Err is nil on a graceful disconnect.
type Disconnected struct {
	ID  string
	Err error
}

// ServicesDiscovered is the terminal result of a DiscoverServices command.
type ServicesDiscovered struct {
	ID       string
	Services []string
	Err      error
}

// CharacteristicsDiscovered is the terminal result of one
// DiscoverCharacteristics command.
type CharacteristicsDiscovered struct {
	ID              string
	Service         string
	Characteristics []Characteristic
	Err             error
}

func (StateChanged) isEvent()              {}
func (PeripheralDiscovered) isEvent()      {}
func (ConnectSucceeded) isEvent()          {}
func (ConnectFailed) isEvent()             {}
func (Disconnected) isEvent()              {}
func (ServicesDiscovered) isEvent()        {}
func (CharacteristicsDiscovered) isEvent() {}
