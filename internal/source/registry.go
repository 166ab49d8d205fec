package source

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devflow-metrics/devflow/internal/metrics"
	"github.com/devflow-metrics/devflow/internal/models"
	"github.com/devflow-metrics/devflow/pkg/logger"
)

// Instance pairs a stored source configuration with its live adapter.
type Instance struct {
	Config models.SourceConfig
	Source Source
}

// Registry maps source types to constructors and source ids to live
// instances. All methods are safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
	instances    map[string]Instance
}

func NewRegistry() *Registry {
	return &Registry{
		constructors: make(map[string]Constructor),
		instances:    make(map[string]Instance),
	}
}

// RegisterType installs the constructor for a source type, replacing
// any previous registration for the same type.
func (r *Registry) RegisterType(sourceType string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[sourceType] = ctor
}

// CreateInstance builds an adapter from cfg, verifies connectivity, and
// stores it. The instance is only registered after Connect succeeds.
// Connect failures are returned as *ConnectivityError; unknown types
// wrap ErrUnknownSourceType. A zero cfg.ID gets a generated one and a
// zero cfg.CreatedAt is stamped, so persisted configs restore with
// their identity intact.
func (r *Registry) CreateInstance(ctx context.Context, cfg models.SourceConfig) (models.SourceConfig, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return models.SourceConfig{}, fmt.Errorf("%w: %q", ErrUnknownSourceType, cfg.Type)
	}

	src, err := ctor(cfg.Name, cfg.Settings)
	if err != nil {
		return models.SourceConfig{}, fmt.Errorf("create source %q: %w", cfg.Name, err)
	}

	// Connect outside the lock; a slow endpoint must not block readers.
	if err := src.Connect(ctx); err != nil {
		return models.SourceConfig{}, &ConnectivityError{Name: cfg.Name, Type: cfg.Type, Err: err}
	}

	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.instances[cfg.ID]; exists {
		return models.SourceConfig{}, fmt.Errorf("source id %q already registered", cfg.ID)
	}
	r.instances[cfg.ID] = Instance{Config: cfg, Source: src}
	metrics.SetSourcesRegistered(len(r.instances))

	logger.Info("source registered",
		zap.String("id", cfg.ID),
		zap.String("name", cfg.Name),
		zap.String("type", cfg.Type),
		zap.Bool("enabled", cfg.Enabled))
	return cfg, nil
}

// RemoveInstance drops a source by id. It reports whether the id was
// present.
func (r *Registry) RemoveInstance(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[id]; !ok {
		return false
	}
	delete(r.instances, id)
	metrics.SetSourcesRegistered(len(r.instances))
	logger.Info("source removed", zap.String("id", id))
	return true
}

// SetEnabled toggles whether a source participates in aggregation. It
// reports whether the id was present.
func (r *Registry) SetEnabled(id string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return false
	}
	inst.Config.Enabled = enabled
	r.instances[id] = inst
	return true
}

// Get returns a copy of the instance stored under id.
func (r *Registry) Get(id string) (Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// Len returns the number of registered instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// EnabledInstances returns a snapshot of the enabled instances, ordered
// by creation time. Registry mutations after the call do not affect the
// returned slice.
func (r *Registry) EnabledInstances() []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		if inst.Config.Enabled {
			out = append(out, inst)
		}
	}
	sortInstances(out)
	return out
}

func sortInstances(insts []Instance) {
	sort.Slice(insts, func(i, j int) bool {
		if insts[i].Config.CreatedAt.Equal(insts[j].Config.CreatedAt) {
			return insts[i].Config.Name < insts[j].Config.Name
		}
		return insts[i].Config.CreatedAt.Before(insts[j].Config.CreatedAt)
	})
}
