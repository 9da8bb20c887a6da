package runtime_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/thalo-rs/thalo/pkg/component"
	"github.com/thalo-rs/thalo/pkg/component/fakemodule"
	"github.com/thalo-rs/thalo/pkg/errs"
	"github.com/thalo-rs/thalo/pkg/eventstore/memtest"
	"github.com/thalo-rs/thalo/pkg/runtime"
)

func newLoader(modules map[string]*fakemodule.Counter) component.Loader {
	return func(ctx context.Context, id component.ModuleID, binary []byte) (component.Module, error) {
		mod, ok := modules[id.Name.String()]
		if !ok {
			mod = fakemodule.NewCounter()
			modules[id.Name.String()] = mod
		}
		return mod, nil
	}
}

func payload(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestExecuteUnknownCategory(t *testing.T) {
	ctx := context.Background()
	store := memtest.New(nil)
	rt, err := runtime.New(store, newLoader(map[string]*fakemodule.Counter{}), runtime.Config{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = rt.Execute(ctx, "counter", "1", "Increment", payload(t, map[string]int{"amount": 1}), 3)
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("expected KindValidation for unknown category, got %v: %v", errs.KindOf(err), err)
	}
}

func TestExecuteAgainstRegisteredModule(t *testing.T) {
	ctx := context.Background()
	store := memtest.New(nil)
	modules := map[string]*fakemodule.Counter{"counter": fakemodule.NewCounter()}
	rt, err := runtime.New(store, newLoader(modules), runtime.Config{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rt.SaveModule(ctx, "counter", []byte("binary")); err != nil {
		t.Fatalf("SaveModule: %v", err)
	}

	events, err := rt.Execute(ctx, "counter", "1", "Increment", payload(t, map[string]int{"amount": 3}), 3)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(events) != 1 || events[0].Sequence != 0 {
		t.Fatalf("expected one event at sequence 0, got %+v", events)
	}
}

func TestTrapQuiescesOnlyAffectedCategory(t *testing.T) {
	ctx := context.Background()
	store := memtest.New(nil)
	modules := map[string]*fakemodule.Counter{
		"counter": fakemodule.NewCounter(),
		"other":   fakemodule.NewCounter(),
	}
	rt, err := runtime.New(store, newLoader(modules), runtime.Config{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rt.SaveModule(ctx, "counter", []byte("binary")); err != nil {
		t.Fatalf("SaveModule counter: %v", err)
	}
	if err := rt.SaveModule(ctx, "other", []byte("binary")); err != nil {
		t.Fatalf("SaveModule other: %v", err)
	}

	modules["counter"].ScriptTrap("1")

	_, err = rt.Execute(ctx, "counter", "1", "Increment", payload(t, map[string]int{"amount": 1}), 1)
	if errs.KindOf(err) != errs.KindTrap {
		t.Fatalf("expected KindTrap, got %v: %v", errs.KindOf(err), err)
	}

	// Other categories must proceed uninterrupted during the quiesce
	// window.
	if _, err := rt.Execute(ctx, "other", "1", "Increment", payload(t, map[string]int{"amount": 1}), 1); err != nil {
		t.Fatalf("expected other category unaffected, got: %v", err)
	}

	// Give the async reinit goroutine a moment, then confirm counter
	// recovers.
	time.Sleep(50 * time.Millisecond)
	if _, err := rt.Execute(ctx, "counter", "1", "Increment", payload(t, map[string]int{"amount": 1}), 1); err != nil {
		t.Fatalf("expected counter to recover after reinit, got: %v", err)
	}
}

func TestSaveModuleInvalidatesExistingExecutors(t *testing.T) {
	ctx := context.Background()
	store := memtest.New(nil)
	modules := map[string]*fakemodule.Counter{"counter": fakemodule.NewCounter()}
	rt, err := runtime.New(store, newLoader(modules), runtime.Config{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rt.SaveModule(ctx, "counter", []byte("v1")); err != nil {
		t.Fatalf("SaveModule: %v", err)
	}
	if _, err := rt.Execute(ctx, "counter", "1", "Increment", payload(t, map[string]int{"amount": 1}), 1); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Publishing a new binary replaces the module and invalidates cached
	// executors for the category; the stream replays from the store
	// against a fresh instance and keeps working.
	if err := rt.SaveModule(ctx, "counter", []byte("v2")); err != nil {
		t.Fatalf("SaveModule v2: %v", err)
	}
	events, err := rt.Execute(ctx, "counter", "1", "Increment", payload(t, map[string]int{"amount": 1}), 1)
	if err != nil {
		t.Fatalf("Execute after republish: %v", err)
	}
	if events[0].Sequence != 1 {
		t.Fatalf("expected sequence 1 after replay, got %d", events[0].Sequence)
	}
}
