// Package fakemodule provides in-process component.Module implementations
// used by executor, runtime and projection tests in place of a real
// compiled WASM binary.
package fakemodule

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/thalo-rs/thalo/pkg/component"
)

// Counter implements a minimal "counter" aggregate: Increment(amount) emits
// an Incremented event, state.Count accumulates applied amounts.
type Counter struct {
	mu sync.Mutex

	// Traps, if non-empty, is consumed (FIFO) on the next Handle call per
	// entity id: when true, Handle returns a component.TrapError instead of
	// running normally. Lets tests script S5-style trap scenarios.
	Traps map[string][]bool
}

// NewCounter constructs a fresh fake counter module.
func NewCounter() *Counter {
	return &Counter{Traps: make(map[string][]bool)}
}

func (c *Counter) ID() component.ModuleID {
	return component.ModuleID{Name: "counter", Version: semver.MustParse("0.0.0")}
}

func (c *Counter) Init(ctx context.Context, entityID string) (component.Instance, error) {
	return &counterInstance{module: c, entityID: entityID}, nil
}

func (c *Counter) Close(ctx context.Context) error { return nil }

// ScriptTrap arranges for the next Handle call against entityID to fail
// with a trap instead of executing normally.
func (c *Counter) ScriptTrap(entityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Traps[entityID] = append(c.Traps[entityID], true)
}

func (c *Counter) popTrap(entityID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.Traps[entityID]
	if len(queue) == 0 {
		return false
	}
	c.Traps[entityID] = queue[1:]
	return queue[0]
}

type counterState struct {
	Count int `json:"count"`
}

type counterInstance struct {
	module   *Counter
	entityID string
	state    counterState
}

func (inst *counterInstance) Apply(ctx context.Context, events []component.AppliedEvent) error {
	for _, e := range events {
		switch e.EventType {
		case "Incremented":
			var payload struct {
				Amount int `json:"amount"`
			}
			if err := json.Unmarshal(e.Payload, &payload); err != nil {
				return fmt.Errorf("fakemodule: deserialize Incremented payload: %w", err)
			}
			inst.state.Count += payload.Amount
		default:
			return fmt.Errorf("fakemodule: unknown event type %q", e.EventType)
		}
	}
	return nil
}

func (inst *counterInstance) Handle(ctx context.Context, execCtx component.Context, commandName string, payload json.RawMessage) (component.ExecuteResult, error) {
	if inst.module.popTrap(inst.entityID) {
		return component.ExecuteResult{}, &component.TrapError{Cause: fmt.Errorf("scripted trap for %s", inst.entityID)}
	}

	switch commandName {
	case "Increment":
		var cmd struct {
			Amount int `json:"amount"`
		}
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return component.ExecuteResult{}, fmt.Errorf("fakemodule: deserialize Increment payload: %w", err)
		}
		if cmd.Amount == 0 {
			return component.ExecuteResult{Ignored: true, Reason: "zero amount"}, nil
		}
		eventPayload, _ := json.Marshal(struct {
			Amount int `json:"amount"`
		}{cmd.Amount})
		return component.ExecuteResult{
			Events: []component.HandledEvent{{EventType: "Incremented", Payload: eventPayload}},
		}, nil
	default:
		return component.ExecuteResult{}, &component.CommandRejectedError{Code: "unknown_command", Message: commandName}
	}
}

func (inst *counterInstance) Drop(ctx context.Context) error { return nil }

// State exposes the instance's current count, for test assertions.
func (inst *counterInstance) State() int { return inst.state.Count }
