package metadata

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Snapshot is one immutable version of all record APIs and table schemas.
type Snapshot struct {
	Version uint64
	Tables  map[string]*TableSchema
	apis    map[string]*RecordAPI
	names   []string
}

// NewSnapshot validates configs against tables. All configs are checked and
// the errors joined, so a bad config never silently hides another.
func NewSnapshot(configs []RecordApiConfig, tables map[string]*TableSchema) (*Snapshot, error) {
	snap := &Snapshot{
		Tables: tables,
		apis:   make(map[string]*RecordAPI, len(configs)),
	}
	var errs []error
	for _, cfg := range configs {
		if _, dup := snap.apis[cfg.Name]; dup {
			errs = append(errs, fmt.Errorf("record api %s: duplicate name", cfg.Name))
			continue
		}
		api, err := NewRecordAPI(cfg, tables)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		snap.apis[cfg.Name] = api
		snap.names = append(snap.names, cfg.Name)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	sort.Strings(snap.names)
	return snap, nil
}

// API returns the API with the given name, or nil.
func (s *Snapshot) API(name string) *RecordAPI {
	if s == nil {
		return nil
	}
	return s.apis[name]
}

// APIs returns all APIs ordered by name.
func (s *Snapshot) APIs() []*RecordAPI {
	apis := make([]*RecordAPI, 0, len(s.names))
	for _, n := range s.names {
		apis = append(apis, s.apis[n])
	}
	return apis
}

// APIForTable returns the first API, by name, serving the given table.
func (s *Snapshot) APIForTable(table string) *RecordAPI {
	for _, n := range s.names {
		if api := s.apis[n]; api.Table() == table {
			return api
		}
	}
	return nil
}

// Registry publishes snapshots. Readers never block; each request should
// call Snapshot once and use the result throughout.
type Registry struct {
	current atomic.Pointer[Snapshot]

	mu        sync.Mutex
	version   uint64
	listeners []func(*Snapshot)
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.current.Store(&Snapshot{
		Tables: map[string]*TableSchema{},
		apis:   map[string]*RecordAPI{},
	})
	return r
}

// Snapshot returns the current snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Publish assigns the next version to snap, swaps it in and notifies listeners.
func (r *Registry) Publish(snap *Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.version++
	snap.Version = r.version
	r.current.Store(snap)
	for _, fn := range r.listeners {
		fn(snap)
	}
}

// Load builds a snapshot from configs and tables and publishes it.
func (r *Registry) Load(configs []RecordApiConfig, tables map[string]*TableSchema) (*Snapshot, error) {
	snap, err := NewSnapshot(configs, tables)
	if err != nil {
		return nil, err
	}
	r.Publish(snap)
	return snap, nil
}

// OnPublish registers fn to run after every publish.
func (r *Registry) OnPublish(fn func(*Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}
