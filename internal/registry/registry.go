// Package registry tracks in-flight radio instructions. It is the
// mutual-exclusion ledger of the session core: at most one pending
// operation may exist per (instruction, peripheral) pair, and the scan
// instruction is a singleton with no peripheral at all.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/srg/blecentral/internal/radio"
)

// Instruction identifies the kind of a pending operation.
type Instruction int

const (
	Scanning Instruction = iota
	Connecting
	Disconnecting
)

func (i Instruction) String() string {
	switch i {
	case Scanning:
		return "scanning"
	case Connecting:
		return "connecting"
	case Disconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("instruction(%d)", int(i))
	}
}

// Operation is one ledger entry. PeripheralID is empty for Scanning.
// OnError is the failure continuation owed to the caller that issued the
// command; Route is carried only by Connecting entries.
type Operation struct {
	Instruction  Instruction
	PeripheralID string
	Route        radio.Route
	OnError      func(error)
}

var (
	// ErrDuplicateOperation means an entry with the same
	// (instruction, peripheral) pair is already pending.
	ErrDuplicateOperation = errors.New("duplicate pending operation")
	// ErrNotFound means no entry matches the lookup.
	ErrNotFound = errors.New("pending operation not found")
)

type key struct {
	instruction Instruction
	peripheral  string
}

// Registry holds pending operations. Mutations are expected to arrive from
// a single writer (the facade's event sequence); the internal lock only
// protects concurrent readers taking snapshots.
type Registry struct {
	mu       sync.RWMutex
	ops      map[key]Operation
	onChange func([]Operation)
}

// New creates an empty registry. onChange, if non-nil, receives the full
// snapshot after every effective mutation.
func New(onChange func([]Operation)) *Registry {
	return &Registry{
		ops:      make(map[key]Operation),
		onChange: onChange,
	}
}

// Insert adds an operation. It fails with ErrDuplicateOperation when an
// entry with the same (instruction, peripheral) pair is already present,
// leaving the ledger untouched.
func (r *Registry) Insert(op Operation) error {
	r.mu.Lock()
	k := key{op.Instruction, op.PeripheralID}
	if _, exists := r.ops[k]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s %s", ErrDuplicateOperation, op.Instruction, op.PeripheralID)
	}
	r.ops[k] = op
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.emit(snapshot)
	return nil
}

// Remove deletes the entry matching the operation's (instruction,
// peripheral) pair. Removing an absent entry is a no-op and emits nothing.
func (r *Registry) Remove(op Operation) {
	r.mu.Lock()
	k := key{op.Instruction, op.PeripheralID}
	if _, exists := r.ops[k]; !exists {
		r.mu.Unlock()
		return
	}
	delete(r.ops, k)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.emit(snapshot)
}

// Take removes and returns the entry for (instruction, peripheral), or
// ErrNotFound. It is the event-routing primitive: terminal radio events use
// it to claim the original caller's continuation exactly once.
func (r *Registry) Take(id string, instruction Instruction) (Operation, error) {
	r.mu.Lock()
	k := key{instruction, id}
	op, exists := r.ops[k]
	if !exists {
		r.mu.Unlock()
		return Operation{}, fmt.Errorf("%w: %s %s", ErrNotFound, instruction, id)
	}
	delete(r.ops, k)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.emit(snapshot)
	return op, nil
}

// Find returns the entry for (instruction, peripheral) without removing it.
func (r *Registry) Find(id string, instruction Instruction) (Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, exists := r.ops[key{instruction, id}]
	if !exists {
		return Operation{}, fmt.Errorf("%w: %s %s", ErrNotFound, instruction, id)
	}
	return op, nil
}

// ContainsInstruction reports whether any entry with the instruction is
// pending, regardless of peripheral.
func (r *Registry) ContainsInstruction(instruction Instruction) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for k := range r.ops {
		if k.instruction == instruction {
			return true
		}
	}
	return false
}

// Contains reports whether the exact (instruction, peripheral) entry is
// pending.
func (r *Registry) Contains(instruction Instruction, id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.ops[key{instruction, id}]
	return exists
}

// Snapshot returns a copy of all pending operations.
func (r *Registry) Snapshot() []Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Len returns the number of pending operations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ops)
}

func (r *Registry) snapshotLocked() []Operation {
	snapshot := make([]Operation, 0, len(r.ops))
	for _, op := range r.ops {
		snapshot = append(snapshot, op)
	}
	return snapshot
}

func (r *Registry) emit(snapshot []Operation) {
	if r.onChange != nil {
		r.onChange(snapshot)
	}
}
