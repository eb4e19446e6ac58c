package connector

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
)

// Factory is a function that creates a new Connector instance.
type Factory func() Connector

// Registry maps driver names (and their aliases) to connector factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	aliases   map[string]string
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		aliases:   make(map[string]string),
	}
}

// RegisterDriver registers a connector factory under driver and any aliases.
func (r *Registry) RegisterDriver(driver string, factory Factory, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[driver] = factory
	for _, a := range aliases {
		r.aliases[a] = driver
	}
}

// Resolve returns the canonical driver name for name or one of its aliases.
func (r *Registry) Resolve(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := r.aliases[n]; ok {
		n = canonical
	}
	if _, ok := r.factories[n]; !ok {
		return "", fmt.Errorf("unsupported storage driver: %q (available: %v)", name, r.availableDrivers())
	}
	return n, nil
}

// Open creates the connector for cfg.Driver and connects it.
func (r *Registry) Open(cfg ConnectionConfig) (Connector, *sqlx.DB, error) {
	driver, err := r.Resolve(cfg.Driver)
	if err != nil {
		return nil, nil, err
	}

	r.mu.RLock()
	factory := r.factories[driver]
	r.mu.RUnlock()

	conn := factory()
	db, err := conn.Connect(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect %s store: %w", driver, err)
	}
	return conn, db, nil
}

// Drivers returns the registered driver names, sorted.
func (r *Registry) Drivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.availableDrivers()
}

func (r *Registry) availableDrivers() []string {
	drivers := make([]string, 0, len(r.factories))
	for d := range r.factories {
		drivers = append(drivers, d)
	}
	sort.Strings(drivers)
	return drivers
}
