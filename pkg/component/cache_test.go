package component_test

import (
	"context"
	"testing"

	"github.com/Masterminds/semver/v3"

	"github.com/thalo-rs/thalo/pkg/component"
	"github.com/thalo-rs/thalo/pkg/component/fakemodule"
)

// versionedModule overrides ID() so tests can observe which id a cache
// lookup actually resolved to, independent of the underlying fake's own
// (fixed) ID.
type versionedModule struct {
	component.Module
	id component.ModuleID
}

func (m versionedModule) ID() component.ModuleID { return m.id }

func fakeLoader(counter *fakemodule.Counter) component.Loader {
	return func(ctx context.Context, id component.ModuleID, binary []byte) (component.Module, error) {
		return versionedModule{Module: counter, id: id}, nil
	}
}

func TestCacheGetLatestResolvesSemverMax(t *testing.T) {
	ctx := context.Background()
	cache := component.NewModuleCache(fakeLoader(fakemodule.NewCounter()))

	name, err := component.NewModuleName("counter")
	if err != nil {
		t.Fatalf("NewModuleName: %v", err)
	}

	for _, v := range []string{"0.1.0", "1.2.0", "0.9.0"} {
		id := component.ModuleID{Name: name, Version: semver.MustParse(v)}
		if _, err := cache.Register(ctx, id, nil); err != nil {
			t.Fatalf("Register %s: %v", v, err)
		}
	}

	mod, ok := cache.GetLatest(name)
	if !ok {
		t.Fatal("GetLatest: not found")
	}
	if mod.ID().Version.String() != "1.2.0" {
		t.Errorf("GetLatest version = %s, want 1.2.0", mod.ID().Version)
	}
}

func TestCacheRegisterReplacesExistingVersion(t *testing.T) {
	ctx := context.Background()
	first := fakemodule.NewCounter()
	second := fakemodule.NewCounter()

	name, _ := component.NewModuleName("counter")
	id := component.ModuleID{Name: name, Version: semver.MustParse("1.0.0")}

	cache := component.NewModuleCache(func(ctx context.Context, id component.ModuleID, binary []byte) (component.Module, error) {
		if binary == nil {
			return first, nil
		}
		return second, nil
	})

	if _, err := cache.Register(ctx, id, nil); err != nil {
		t.Fatalf("Register first: %v", err)
	}
	replaced, err := cache.Register(ctx, id, []byte("new binary"))
	if err != nil {
		t.Fatalf("Register second: %v", err)
	}
	if replaced != first {
		t.Error("expected Register to return the replaced module")
	}

	mod, ok := cache.Get(name, "1.0.0")
	if !ok || mod != second {
		t.Error("expected Get to return the replacement module")
	}
}

func TestNewModuleNameValidation(t *testing.T) {
	if _, err := component.NewModuleName("counter123"); err == nil {
		t.Error("expected error for module name with digits")
	}
	if _, err := component.NewModuleName("Counter_account"); err != nil {
		t.Errorf("expected valid module name, got error: %v", err)
	}
}
