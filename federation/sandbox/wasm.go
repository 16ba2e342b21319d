package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/tomyedwab/fedhost/federation"
)

// wasmMagic starts every WebAssembly binary.
var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// IsWASM reports whether code looks like a WebAssembly binary.
func IsWASM(code []byte) bool {
	return bytes.HasPrefix(code, wasmMagic)
}

// wasmEnvelope is the JSON document fed_get returns.
type wasmEnvelope struct {
	OK    json.RawMessage `json:"ok"`
	Error string          `json:"error"`
}

// wasmContainer serves modules from a WebAssembly bundle. Every factory
// invocation runs in a fresh runtime, so the container holds no live
// instance.
type wasmContainer struct {
	scope  string
	code   []byte
	logger *slog.Logger
}

// LoadWASM validates a WebAssembly bundle and returns its container.
//
// The bundle must export "memory", "fed_alloc(size i32) i32" and
// "fed_get(ptr, len i32) i64". fed_get receives the module id and returns
// ptr<<32|len of a JSON envelope: {"ok": <export>} or {"error": "..."}.
// Bundles may import env.fed_log(ptr, len i32) to write to the host log.
func (e *Evaluator) LoadWASM(ctx context.Context, src Source) (federation.Container, error) {
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	compiled, err := r.CompileModule(ctx, src.Code)
	if err != nil {
		return nil, fmt.Errorf("sandbox: compile wasm %s: %w", src.Location, err)
	}
	for _, fn := range []string{"fed_alloc", "fed_get"} {
		if _, ok := compiled.ExportedFunctions()[fn]; !ok {
			return nil, federation.NewContainerNotFound(src.Scope, fmt.Errorf("wasm bundle does not export %s", fn))
		}
	}
	if _, ok := compiled.ExportedMemories()["memory"]; !ok {
		return nil, federation.NewContainerNotFound(src.Scope, fmt.Errorf("wasm bundle does not export memory"))
	}

	return &wasmContainer{
		scope:  src.Scope,
		code:   src.Code,
		logger: e.logger.With("scope", src.Scope, "location", src.Location, "source", "wasm"),
	}, nil
}

func (c *wasmContainer) Get(ctx context.Context, moduleID string) (federation.Factory, error) {
	return func(ctx context.Context) (any, error) {
		raw, err := c.call(ctx, moduleID)
		if err != nil {
			return nil, err
		}
		if moduleID == federation.RoutesModule {
			return routesFromJSON(raw), nil
		}
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("decode %s from %s: %w", moduleID, c.scope, err)
		}
		return value, nil
	}, nil
}

func routesFromJSON(raw json.RawMessage) func() (any, error) {
	return func() (any, error) {
		var routes any
		if err := json.Unmarshal(raw, &routes); err != nil {
			return nil, err
		}
		return routes, nil
	}
}

func (c *wasmContainer) call(ctx context.Context, moduleID string) (json.RawMessage, error) {
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	_, err := r.NewHostModuleBuilder("env").
		NewFunctionBuilder().WithFunc(c.hostLog).Export("fed_log").
		Instantiate(ctx)
	if err != nil {
		return nil, err
	}

	m, err := r.InstantiateWithConfig(
		ctx,
		c.code,
		wazero.NewModuleConfig().WithName(c.scope).WithStartFunctions("_initialize"),
	)
	if err != nil {
		return nil, fmt.Errorf("instantiate wasm %s: %w", c.scope, err)
	}

	id := []byte(moduleID)
	result, err := m.ExportedFunction("fed_alloc").Call(ctx, uint64(len(id)))
	if err != nil {
		return nil, fmt.Errorf("fed_alloc: %w", err)
	}
	ptr := uint32(result[0])
	if !m.Memory().Write(ptr, id) {
		return nil, fmt.Errorf("fed_alloc returned out of range pointer %d", ptr)
	}

	result, err = m.ExportedFunction("fed_get").Call(ctx, uint64(ptr), uint64(len(id)))
	if err != nil {
		return nil, fmt.Errorf("fed_get %s: %w", moduleID, err)
	}
	outPtr, outLen := uint32(result[0]>>32), uint32(result[0])
	buf, ok := m.Memory().Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("fed_get %s: result %d+%d out of range", moduleID, outPtr, outLen)
	}

	var env wasmEnvelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return nil, fmt.Errorf("fed_get %s: %w", moduleID, err)
	}
	if env.Error != "" {
		if strings.HasPrefix(env.Error, "Module not exposed: ") {
			return nil, federation.NewModuleNotExposed(moduleID)
		}
		return nil, fmt.Errorf("fed_get %s: %s", moduleID, env.Error)
	}
	return append(json.RawMessage(nil), env.OK...), nil
}

func (c *wasmContainer) hostLog(ctx context.Context, m api.Module, offset, byteCount uint32) {
	buf, ok := m.Memory().Read(offset, byteCount)
	if !ok {
		c.logger.Warn("fed_log out of range", "offset", offset, "length", byteCount)
		return
	}
	c.logger.Info(string(buf))
}
