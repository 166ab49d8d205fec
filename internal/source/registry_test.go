package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/devflow-metrics/devflow/internal/models"
)

type fakeSource struct {
	name       string
	connectErr error
}

func (f *fakeSource) Name() string                      { return f.name }
func (f *fakeSource) Type() string                      { return "fake" }
func (f *fakeSource) Connect(_ context.Context) error   { return f.connectErr }
func (f *fakeSource) ListDeployments(_ context.Context, _ models.Window) ([]models.Deployment, bool) {
	return nil, true
}
func (f *fakeSource) ListIncidents(_ context.Context, _ models.Window) ([]models.Incident, bool) {
	return nil, true
}
func (f *fakeSource) ListChanges(_ context.Context, _ models.Window) ([]models.Change, bool) {
	return nil, true
}

func fakeCtor(connectErr error) Constructor {
	return func(name string, _ map[string]string) (Source, error) {
		return &fakeSource{name: name, connectErr: connectErr}, nil
	}
}

func TestCreateInstance_UnknownType(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.CreateInstance(context.Background(), models.SourceConfig{
		Name: "mystery", Type: "gitlab",
	})
	if !errors.Is(err, ErrUnknownSourceType) {
		t.Fatalf("want ErrUnknownSourceType, got %v", err)
	}
	if reg.Len() != 0 {
		t.Errorf("registry should stay empty, has %d", reg.Len())
	}
}

func TestCreateInstance_ConnectFailureNotStored(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterType("fake", fakeCtor(errors.New("dial tcp: connection refused")))

	_, err := reg.CreateInstance(context.Background(), models.SourceConfig{
		Name: "prod-ci", Type: "fake", Enabled: true,
	})
	var connErr *ConnectivityError
	if !errors.As(err, &connErr) {
		t.Fatalf("want *ConnectivityError, got %v", err)
	}
	if connErr.Name != "prod-ci" || connErr.Type != "fake" {
		t.Errorf("error identifies %q/%q", connErr.Name, connErr.Type)
	}
	if reg.Len() != 0 {
		t.Errorf("failed instance must not be stored, registry has %d", reg.Len())
	}
}

func TestCreateInstance_ConstructorError(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterType("fake", func(_ string, _ map[string]string) (Source, error) {
		return nil, fmt.Errorf("missing required setting %q", "base_url")
	})
	_, err := reg.CreateInstance(context.Background(), models.SourceConfig{Name: "x", Type: "fake"})
	if err == nil {
		t.Fatal("expected constructor error, got nil")
	}
	if reg.Len() != 0 {
		t.Errorf("registry should stay empty, has %d", reg.Len())
	}
}

func TestCreateInstance_GeneratesIdentity(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterType("fake", fakeCtor(nil))

	cfg, err := reg.CreateInstance(context.Background(), models.SourceConfig{
		Name: "prod-ci", Type: "fake", Enabled: true,
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if cfg.ID == "" {
		t.Error("expected generated id")
	}
	if cfg.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be stamped")
	}
	if _, ok := reg.Get(cfg.ID); !ok {
		t.Error("instance not retrievable by generated id")
	}
}

func TestCreateInstance_PreservesStoredIdentity(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterType("fake", fakeCtor(nil))

	created := time.Date(2025, 11, 2, 9, 30, 0, 0, time.UTC)
	cfg, err := reg.CreateInstance(context.Background(), models.SourceConfig{
		ID: "restored-1", Name: "prod-ci", Type: "fake", Enabled: false, CreatedAt: created,
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if cfg.ID != "restored-1" {
		t.Errorf("id rewritten to %q", cfg.ID)
	}
	if !cfg.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt rewritten to %v", cfg.CreatedAt)
	}
	inst, ok := reg.Get("restored-1")
	if !ok {
		t.Fatal("restored instance missing")
	}
	if inst.Config.Enabled {
		t.Error("disabled config must restore disabled")
	}
}

func TestCreateInstance_DuplicateID(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterType("fake", fakeCtor(nil))

	cfg := models.SourceConfig{ID: "dup", Name: "a", Type: "fake"}
	if _, err := reg.CreateInstance(context.Background(), cfg); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := reg.CreateInstance(context.Background(), cfg); err == nil {
		t.Fatal("expected duplicate id error, got nil")
	}
	if reg.Len() != 1 {
		t.Errorf("registry has %d instances, want 1", reg.Len())
	}
}

func TestRemoveInstance(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterType("fake", fakeCtor(nil))
	cfg, _ := reg.CreateInstance(context.Background(), models.SourceConfig{Name: "a", Type: "fake"})

	if !reg.RemoveInstance(cfg.ID) {
		t.Error("remove of existing id reported false")
	}
	if reg.Len() != 0 {
		t.Errorf("registry has %d instances after remove", reg.Len())
	}
	if reg.RemoveInstance(cfg.ID) {
		t.Error("remove of missing id reported true")
	}
}

func TestSetEnabled(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterType("fake", fakeCtor(nil))
	cfg, _ := reg.CreateInstance(context.Background(), models.SourceConfig{
		Name: "a", Type: "fake", Enabled: true,
	})

	if !reg.SetEnabled(cfg.ID, false) {
		t.Fatal("SetEnabled on existing id reported false")
	}
	inst, _ := reg.Get(cfg.ID)
	if inst.Config.Enabled {
		t.Error("instance still enabled after SetEnabled(false)")
	}
	if len(reg.EnabledInstances()) != 0 {
		t.Error("disabled instance still listed as enabled")
	}
	if reg.SetEnabled("missing", true) {
		t.Error("SetEnabled on missing id reported true")
	}
}

func TestEnabledInstances_SnapshotStability(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterType("fake", fakeCtor(nil))

	base := time.Date(2025, 11, 2, 9, 0, 0, 0, time.UTC)
	for i, name := range []string{"first", "second", "third"} {
		_, err := reg.CreateInstance(context.Background(), models.SourceConfig{
			ID: name, Name: name, Type: "fake", Enabled: name != "second",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}

	snap := reg.EnabledInstances()
	if len(snap) != 2 {
		t.Fatalf("enabled snapshot has %d instances, want 2", len(snap))
	}
	if snap[0].Config.Name != "first" || snap[1].Config.Name != "third" {
		t.Errorf("snapshot order: %s, %s", snap[0].Config.Name, snap[1].Config.Name)
	}

	// Mutations after the call must not change the snapshot.
	reg.RemoveInstance("third")
	reg.SetEnabled("first", false)
	if len(snap) != 2 || snap[1].Config.Name != "third" {
		t.Error("snapshot changed after registry mutation")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterType("fake", fakeCtor(nil))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			cfg, err := reg.CreateInstance(context.Background(), models.SourceConfig{
				Name: fmt.Sprintf("src-%d", n), Type: "fake", Enabled: true,
			})
			if err != nil {
				t.Errorf("create src-%d: %v", n, err)
				return
			}
			reg.SetEnabled(cfg.ID, n%2 == 0)
			_ = reg.EnabledInstances()
		}(i)
	}
	wg.Wait()

	if reg.Len() != 20 {
		t.Errorf("registry has %d instances, want 20", reg.Len())
	}
}
