package primitive

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/keelworks/keel/pkg/fault"
)

// WASIConfig bounds a sandboxed WASM execution. Deny-by-default: no
// filesystem mounts, no network, no environment, no host clock or RNG.
type WASIConfig struct {
	MemoryLimitBytes uint64
	Timeout          time.Duration
}

// WASIExecutor runs WASM modules under wazero with stdin/stdout as the only
// channel in or out of the guest.
type WASIExecutor struct {
	runtime wazero.Runtime
	modCfg  wazero.ModuleConfig
	limits  WASIConfig
}

func NewWASIExecutor(ctx context.Context, cfg WASIConfig) (*WASIExecutor, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg.MemoryLimitBytes > 0 {
		// wazero measures memory in 64KB pages.
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	modCfg := wazero.NewModuleConfig().
		WithName("keel-sandbox").
		WithStartFunctions("_start")

	return &WASIExecutor{runtime: r, modCfg: modCfg, limits: cfg}, nil
}

func (w *WASIExecutor) ID() string { return "wasm_sandbox" }

// Run compiles and executes a WASM module, feeding input on stdin and
// returning the guest's stdout.
func (w *WASIExecutor) Run(ctx context.Context, wasmBytes, input []byte) ([]byte, error) {
	if w.limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.limits.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	modCfg := w.modCfg.
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	compiled, err := w.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fault.New(fault.CodeMalformedItem, "wasi: module compilation failed").WithCause(err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	mod, err := w.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.New(fault.CodeTimeout, "wasi: execution timed out after %v", w.limits.Timeout)
		}
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() != 0 {
			return stdout.Bytes(), fault.New(fault.CodeSignal, "wasi: guest exited with code %d: %s", exitErr.ExitCode(), stderr.String())
		}
		return nil, fault.New(fault.CodeMalformedItem, "wasi: instantiation failed").WithCause(err)
	}
	defer func() { _ = mod.Close(ctx) }()

	return stdout.Bytes(), nil
}

func (w *WASIExecutor) Execute(ctx context.Context, call Call) (*Result, error) {
	moduleB64, _ := call.Params["module"].(string)
	wasmBytes, err := base64.StdEncoding.DecodeString(moduleB64)
	if err != nil || len(wasmBytes) == 0 {
		return nil, fault.New(fault.CodeConfigInvalid, "wasi: missing or malformed module parameter")
	}
	var input []byte
	if v, ok := call.Params["input"].(string); ok {
		input = []byte(v)
	}

	out, err := w.Run(ctx, wasmBytes, input)
	if err != nil {
		return nil, err
	}
	return &Result{Output: map[string]any{
		"stdout": base64.StdEncoding.EncodeToString(out),
	}}, nil
}

// Close shuts down the wazero runtime, freeing all compiled modules.
func (w *WASIExecutor) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.runtime.Close(ctx)
}
