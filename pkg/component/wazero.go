package component

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// wazeroModule adapts a compiled wazero module to the Module interface. The
// guest is expected to export four functions following one convention: each
// exported function
// takes a (ptr, len) pair describing a JSON argument in guest linear memory
// and returns a packed (ptr<<32 | len) pointing at a JSON result the guest
// allocated via its own exported "alloc".
type wazeroModule struct {
	id       ModuleID
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

// NewWazeroModule compiles binary under runtime and wraps it as a Module.
// runtime is owned by the caller, which creates and closes it, and is shared
// across modules; each Instance gets its own wazero module instantiation so state
// is never shared between entities.
func NewWazeroModule(ctx context.Context, runtime wazero.Runtime, id ModuleID, binary []byte) (Module, error) {
	compiled, err := runtime.CompileModule(ctx, binary)
	if err != nil {
		return nil, fmt.Errorf("component: compile module %s: %w", id, err)
	}
	return &wazeroModule{id: id, runtime: runtime, compiled: compiled}, nil
}

func (m *wazeroModule) ID() ModuleID { return m.id }

func (m *wazeroModule) Init(ctx context.Context, entityID string) (Instance, error) {
	mod, err := m.runtime.InstantiateModule(ctx, m.compiled, wazero.NewModuleConfig().WithName(entityID))
	if err != nil {
		return nil, &TrapError{Cause: fmt.Errorf("instantiate %s/%s: %w", m.id, entityID, err)}
	}

	inst := &wazeroInstance{id: m.id, entityID: entityID, guest: mod}
	if _, err := inst.callJSON(ctx, "init", entityID); err != nil {
		mod.Close(ctx)
		return nil, err
	}
	return inst, nil
}

func (m *wazeroModule) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

type wazeroInstance struct {
	id       ModuleID
	entityID string
	guest    api.Module
}

// callJSON marshals arg (if non-nil) and invokes the guest export name,
// returning the raw JSON bytes of its result.
func (inst *wazeroInstance) callJSON(ctx context.Context, name string, arg any) (json.RawMessage, error) {
	fn := inst.guest.ExportedFunction(name)
	if fn == nil {
		return nil, &TrapError{Cause: fmt.Errorf("guest export %q missing", name)}
	}

	var argBytes []byte
	if arg != nil {
		b, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("component: serialize %s argument: %w", name, err)
		}
		argBytes = b
	}

	ptr, ln, err := inst.writeArg(ctx, argBytes)
	if err != nil {
		return nil, &TrapError{Cause: err}
	}

	packed, err := fn.Call(ctx, uint64(ptr), uint64(ln))
	if err != nil {
		return nil, &TrapError{Cause: fmt.Errorf("guest trap in %s: %w", name, err)}
	}
	if len(packed) != 1 {
		return nil, &TrapError{Cause: fmt.Errorf("guest export %q returned %d values, want 1", name, len(packed))}
	}

	resultPtr := uint32(packed[0] >> 32)
	resultLen := uint32(packed[0])
	data, ok := inst.guest.Memory().Read(resultPtr, resultLen)
	if !ok {
		return nil, &TrapError{Cause: fmt.Errorf("guest export %q returned out-of-bounds memory region", name)}
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// writeArg copies data into guest linear memory via the guest's exported
// "alloc" function; real wiring depends on the guest SDK's allocator export
// and is shared by every call site on this instance.
func (inst *wazeroInstance) writeArg(ctx context.Context, data []byte) (ptr uint32, length uint32, err error) {
	alloc := inst.guest.ExportedFunction("alloc")
	if alloc == nil {
		return 0, 0, fmt.Errorf("guest export \"alloc\" missing")
	}
	res, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, 0, fmt.Errorf("alloc: %w", err)
	}
	p := uint32(res[0])
	if len(data) > 0 {
		if !inst.guest.Memory().Write(p, data) {
			return 0, 0, fmt.Errorf("write %d bytes at offset %d: out of bounds", len(data), p)
		}
	}
	return p, uint32(len(data)), nil
}

func (inst *wazeroInstance) Apply(ctx context.Context, events []AppliedEvent) error {
	if len(events) == 0 {
		return nil
	}
	_, err := inst.callJSON(ctx, "apply", events)
	return err
}

func (inst *wazeroInstance) Handle(ctx context.Context, execCtx Context, commandName string, payload json.RawMessage) (ExecuteResult, error) {
	req := struct {
		Context Context         `json:"ctx"`
		Command string          `json:"command"`
		Payload json.RawMessage `json:"payload"`
	}{execCtx, commandName, payload}

	raw, err := inst.callJSON(ctx, "handle", req)
	if err != nil {
		return ExecuteResult{}, err
	}

	var result struct {
		Events  []HandledEvent `json:"events"`
		Ignored bool           `json:"ignored"`
		Reason  string         `json:"reason"`
		Reject  *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"reject"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return ExecuteResult{}, fmt.Errorf("component: deserialize handle result: %w", err)
	}
	if result.Reject != nil {
		return ExecuteResult{}, &CommandRejectedError{Code: result.Reject.Code, Message: result.Reject.Message}
	}
	return ExecuteResult{Events: result.Events, Ignored: result.Ignored, Reason: result.Reason}, nil
}

func (inst *wazeroInstance) Drop(ctx context.Context) error {
	return inst.guest.Close(ctx)
}

// NewEngine constructs the shared wazero runtime and registers WASI preview1
// so guest modules built against a standard component SDK can load.
func NewEngine(ctx context.Context) (wazero.Runtime, func(context.Context) error, error) {
	rt := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, nil, fmt.Errorf("component: instantiate wasi: %w", err)
	}
	return rt, rt.Close, nil
}
