// Package store persists the last applied preference across restarts.
package store

import (
	"errors"
	"fmt"

	"github.com/jamesainslie/minepref/pkg/minepref/preference"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// ErrCorrupt is returned when stored state exists but cannot be decoded.
var ErrCorrupt = errors.New("stored state is corrupt")

// Store holds the single AppliedState record.
type Store interface {
	// Load returns the stored state, or nil when nothing was ever applied.
	Load() (*preference.AppliedState, error)
	// Save atomically replaces the stored state.
	Save(state *preference.AppliedState) error
	Close() error
}

// Resetter is implemented by stores that can forget the applied state.
type Resetter interface {
	Reset() error
}

// Open opens the named backend at path.
func Open(backend, path string) (Store, error) {
	switch backend {
	case BackendFile, "":
		return OpenFile(path)
	case BackendBadger:
		return OpenBadger(path)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}

func validate(state *preference.AppliedState) error {
	if state == nil {
		return errors.New("nil state")
	}
	if err := state.Preference.Validate(nil); err != nil {
		return fmt.Errorf("refusing to store invalid preference: %w", err)
	}
	return nil
}
