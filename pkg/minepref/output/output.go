// Package output provides formatters for displaying controller status,
// applied state and history in various output formats (pretty, plain, json,
// yaml, template).
//
// The package uses a registry pattern to allow registration of multiple
// formatter implementations that can be selected at runtime.
//
// Basic usage:
//
//	formatter, err := output.Get("pretty")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	var buf bytes.Buffer
//	if err := formatter.Format(&buf, result); err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Print(buf.String())
package output

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jamesainslie/minepref/pkg/daemon"
	"github.com/jamesainslie/minepref/pkg/minepref/history"
	"github.com/jamesainslie/minepref/pkg/minepref/preference"
)

// Result contains everything a command wants displayed. Sections that are
// nil or empty are omitted by every formatter.
type Result struct {
	// Status is the daemon status file, nil when none was found.
	Status *daemon.StatusFile `json:"status,omitempty" yaml:"status,omitempty"`

	// Running indicates the daemon process is alive.
	Running bool `json:"running" yaml:"running"`

	// Health is the gRPC serving status, empty when not checked.
	Health string `json:"health,omitempty" yaml:"health,omitempty"`

	// Applied is the state read directly from the store.
	Applied *preference.AppliedState `json:"applied,omitempty" yaml:"applied,omitempty"`

	// Journal lists earlier applied states, newest first.
	Journal []*preference.AppliedState `json:"journal,omitempty" yaml:"journal,omitempty"`

	// History lists recorded changes, newest first.
	History []history.Entry `json:"history,omitempty" yaml:"history,omitempty"`

	// Warnings contains any warning messages generated while collecting the result.
	Warnings []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`

	// Now anchors relative times. Zero means time.Now.
	Now time.Time `json:"-" yaml:"-"`
}

// CurrentPreference returns the store state if present, else the one in the status file.
func (r *Result) CurrentPreference() *preference.AppliedState {
	if r.Applied != nil {
		return r.Applied
	}
	if r.Status != nil {
		return r.Status.Applied
	}
	return nil
}

func (r *Result) now() time.Time {
	if r.Now.IsZero() {
		return time.Now()
	}
	return r.Now
}

// Formatter is the interface that all output formatters must implement.
type Formatter interface {
	// Format writes the formatted output to the buffer.
	Format(w *bytes.Buffer, r *Result) error
}

// FormatterFactory is a function that creates a new Formatter instance.
type FormatterFactory func() Formatter

// Registry manages formatter registration and lookup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]FormatterFactory
}

// NewRegistry creates a new formatter registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]FormatterFactory),
	}
}

// Register adds a formatter factory to the registry, replacing any existing
// formatter with the same name.
func (r *Registry) Register(name string, factory FormatterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Get returns a new formatter instance by name.
func (r *Registry) Get(name string) (Formatter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown formatter: %s", name)
	}
	return factory(), nil
}

// Available returns a sorted list of all registered formatter names.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry is the global formatter registry.
var DefaultRegistry = NewRegistry()

// Register adds a formatter factory to the default registry.
func Register(name string, factory FormatterFactory) {
	DefaultRegistry.Register(name, factory)
}

// Get returns a new formatter instance from the default registry.
func Get(name string) (Formatter, error) {
	return DefaultRegistry.Get(name)
}

// Available returns all formatter names from the default registry.
func Available() []string {
	return DefaultRegistry.Available()
}

// percent renders a weight as "57.14%".
func percent(w float64) string {
	return fmt.Sprintf("%.2f%%", w*100)
}

// ppmPercent renders a ppm magnitude as "1.00%".
func ppmPercent(ppm int64) string {
	return fmt.Sprintf("%.2f%%", float64(ppm)*100/float64(preference.Scale))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
