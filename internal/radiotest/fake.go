// Package radiotest provides a scriptable in-memory radio.Session for
// tests. Commands are recorded; outcomes are emitted by the test through
// the Emit helpers, mimicking the asynchronous delivery of a real driver.
package radiotest

import (
	"fmt"
	"sync"

	"github.com/srg/blecentral/internal/radio"
)

// Command records one driver command issued by the code under test.
type Command struct {
	Name    string
	ID      string
	Service string
	UUIDs   []string
}

// FakeSession implements radio.Session entirely in memory.
type FakeSession struct {
	mu       sync.Mutex
	opened   bool
	events   chan radio.Event
	commands []Command

	state radio.State
	auth  radio.Authorization

	// Known and ConnectedElsewhere script the reconnect lookups.
	Known              map[string]bool
	ConnectedElsewhere map[string][]string

	// FailCommand, when set, makes the named command return this error.
	FailCommand map[string]error
}

// NewFakeSession creates an unopened fake.
func NewFakeSession() *FakeSession {
	return &FakeSession{
		state:              radio.StateUnknown,
		Known:              make(map[string]bool),
		ConnectedElsewhere: make(map[string][]string),
		FailCommand:        make(map[string]error),
	}
}

func (f *FakeSession) record(c Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, c)
	if err, ok := f.FailCommand[c.Name]; ok {
		return err
	}
	return nil
}

// Commands returns a copy of every recorded command, in issue order.
func (f *FakeSession) Commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Command, len(f.commands))
	copy(out, f.commands)
	return out
}

// CommandNames returns just the names of the recorded commands.
func (f *FakeSession) CommandNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.commands))
	for i, c := range f.commands {
		names[i] = c.Name
	}
	return names
}

// Open implements radio.Session.
func (f *FakeSession) Open(cfg radio.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = 64
	}
	if f.events != nil {
		close(f.events)
	}
	f.events = make(chan radio.Event, buffer)
	f.opened = true
	f.auth = radio.AuthorizationAllowed
	return nil
}

// Events implements radio.Session.
func (f *FakeSession) Events() <-chan radio.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events
}

// Emit delivers an event to the consumer, updating the fake's own state
// view for StateChanged events.
func (f *FakeSession) Emit(ev radio.Event) {
	f.mu.Lock()
	if sc, ok := ev.(radio.StateChanged); ok {
		f.state = sc.State
	}
	events := f.events
	f.mu.Unlock()

	if events == nil {
		panic("radiotest: Emit before Open")
	}
	events <- ev
}

// StartScan implements radio.Session.
func (f *FakeSession) StartScan(filter radio.ScanFilter) error {
	return f.record(Command{Name: "StartScan", UUIDs: filter.ServiceUUIDs})
}

// StopScan implements radio.Session.
func (f *FakeSession) StopScan() error {
	return f.record(Command{Name: "StopScan"})
}

// Connect implements radio.Session.
func (f *FakeSession) Connect(id string, _ radio.ConnectOptions) error {
	return f.record(Command{Name: "Connect", ID: id})
}

// CancelConnection implements radio.Session.
func (f *FakeSession) CancelConnection(id string) error {
	return f.record(Command{Name: "CancelConnection", ID: id})
}

// KnownPeripheral implements radio.Session.
func (f *FakeSession) KnownPeripheral(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Known[id]
}

// ConnectedPeripherals implements radio.Session.
func (f *FakeSession) ConnectedPeripherals(serviceUUIDs []string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	seen := make(map[string]struct{})
	var ids []string
	for _, uuid := range serviceUUIDs {
		for _, id := range f.ConnectedElsewhere[uuid] {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// DiscoverServices implements radio.Session.
func (f *FakeSession) DiscoverServices(id string, serviceUUIDs []string) error {
	return f.record(Command{Name: "DiscoverServices", ID: id, UUIDs: serviceUUIDs})
}

// DiscoverCharacteristics implements radio.Session.
func (f *FakeSession) DiscoverCharacteristics(id, serviceUUID string, charUUIDs []string) error {
	return f.record(Command{Name: "DiscoverCharacteristics", ID: id, Service: serviceUUID, UUIDs: charUUIDs})
}

// State implements radio.Session.
func (f *FakeSession) State() radio.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Authorization implements radio.Session.
func (f *FakeSession) Authorization() radio.Authorization {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auth
}

// Close implements radio.Session.
func (f *FakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events != nil {
		close(f.events)
		f.events = nil
	}
	f.opened = false
	return nil
}

// CommandCount returns how many commands with the given name were issued.
func (f *FakeSession) CommandCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if c.Name == name {
			n++
		}
	}
	return n
}

var _ radio.Session = (*FakeSession)(nil)

// String makes commands readable in assertion failures.
func (c Command) String() string {
	return fmt.Sprintf("%s(%s)", c.Name, c.ID)
}
