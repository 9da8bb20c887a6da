// Package component defines the module/instance contract that stream
// executors drive: init, apply, handle, drop. The WASM host adapter itself
// (NewWazeroModule, in wazero.go) is one implementation of Module; tests use
// a plain Go fake instead.
package component

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/Masterminds/semver/v3"
)

// ModuleName is a module identifier matching [A-Za-z_]+.
type ModuleName string

var moduleNamePattern = regexp.MustCompile(`^[A-Za-z_]+$`)

// NewModuleName validates and wraps name.
func NewModuleName(name string) (ModuleName, error) {
	if !moduleNamePattern.MatchString(name) {
		return "", fmt.Errorf("component: invalid module name %q: must match [A-Za-z_]+", name)
	}
	return ModuleName(name), nil
}

func (n ModuleName) String() string { return string(n) }

// ModuleID is (name, semver). The registry is indexed by name@version;
// "latest" resolves to the semver-max version registered for a name.
type ModuleID struct {
	Name    ModuleName
	Version *semver.Version
}

func (id ModuleID) String() string {
	if id.Version == nil {
		return id.Name.String()
	}
	return fmt.Sprintf("%s@%s", id.Name, id.Version.String())
}

// Context is passed into Handle alongside the command payload: the entity
// id, stream name, local and global position, ambient metadata and wall
// time, mirroring the information a replayed instance would otherwise have
// to reconstruct. Stream executors fill in GlobalPosition as 0 and leave
// Metadata unset.
type Context struct {
	ID             string
	StreamName     string
	Position       uint64
	GlobalPosition uint64
	Metadata       json.RawMessage
	Time           time.Time
}

// AppliedEvent is one event fed into Apply, already assigned a sequence.
type AppliedEvent struct {
	Sequence  uint64
	EventType string
	Payload   json.RawMessage
}

// HandledEvent is one event produced by Handle, not yet assigned a
// sequence.
type HandledEvent struct {
	EventType string
	Payload   json.RawMessage
}

// ExecuteResult is the outcome of Handle: either a (possibly empty) slice of
// events, or an explicit ignore carrying an optional caller-facing reason.
// The two "zero events" outcomes are kept distinct so callers can surface
// the difference (spec treats Ignore and zero events as observably the same
// at the executor boundary, but the distinction is useful for diagnostics).
type ExecuteResult struct {
	Events  []HandledEvent
	Ignored bool
	Reason  string
}

// Module is a loaded, compiled aggregate module. It is immutable and safe
// for concurrent use; Init produces an exclusively-owned instance.
type Module interface {
	ID() ModuleID
	Init(ctx context.Context, entityID string) (Instance, error)
	Close(ctx context.Context) error
}

// Instance is a single module instance bound to one entity id. It is not
// safe for concurrent use; callers (the stream executor) serialise access.
type Instance interface {
	// Apply mutates internal state to reflect events, in order. Callers
	// guarantee events arrive in strictly increasing Sequence order;
	// behaviour on replayed/duplicate sequences is undefined.
	Apply(ctx context.Context, events []AppliedEvent) error

	// Handle evaluates a command against current state without mutating
	// it; callers must Apply the returned events themselves to observe
	// them.
	Handle(ctx context.Context, execCtx Context, commandName string, payload json.RawMessage) (ExecuteResult, error)

	// Drop releases the instance. Safe to call once, on eviction or
	// shutdown.
	Drop(ctx context.Context) error
}

// CommandRejectedError is returned by Handle when the aggregate's handler
// explicitly rejected the command.
type CommandRejectedError struct {
	Code    string
	Message string
}

func (e *CommandRejectedError) Error() string {
	return fmt.Sprintf("component: command rejected (%s): %s", e.Code, e.Message)
}

// TrapError wraps a host trap (a non-recoverable guest failure). The
// runtime treats this specially: it quiesces and reinitialises the owning
// category (see package runtime).
type TrapError struct {
	Cause error
}

func (e *TrapError) Error() string { return fmt.Sprintf("component: module trap: %v", e.Cause) }

func (e *TrapError) Unwrap() error { return e.Cause }
