package verifier

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// WasmGateway hosts a compiled verification-circuit module in-process using
// wazero, a pure-Go WASM runtime (no cgo, no external verifier process). The
// module is expected to export a single function:
//
//	verify(proof_ptr, proof_len, vk_ptr, vk_len i32) -> i32
//
// returning 1 for a valid proof and 0 otherwise, after writing its public
// inputs into linear memory at offset scratchBase+64KiB as a little-endian
// uint32 length followed by a "key=value;key=value" string (see
// readPublicInputs). The exact ABI is a contract with whatever
// circuit module is deployed; this gateway speaks only the ABI above.
type WasmGateway struct {
	runtime  wazero.Runtime
	module   api.Module
	verifyFn api.Function
	memory   api.Memory

	mu sync.Mutex // wazero modules are not safe for concurrent calls
}

// NewWasmGateway instantiates wasmBinary as a WASM module and returns a
// Gateway backed by it. The runtime and module live for the lifetime of the
// returned Gateway; callers should Close it on shutdown.
func NewWasmGateway(ctx context.Context, wasmBinary []byte) (*WasmGateway, error) {
	runtime := wazero.NewRuntime(ctx)
	module, err := runtime.Instantiate(ctx, wasmBinary)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("wasm verifier: instantiate: %w", err)
	}
	fn := module.ExportedFunction("verify")
	if fn == nil {
		module.Close(ctx)
		runtime.Close(ctx)
		return nil, fmt.Errorf("wasm verifier: module does not export 'verify'")
	}
	mem := module.Memory()
	if mem == nil {
		module.Close(ctx)
		runtime.Close(ctx)
		return nil, fmt.Errorf("wasm verifier: module exports no memory")
	}
	return &WasmGateway{runtime: runtime, module: module, verifyFn: fn, memory: mem}, nil
}

// Close releases the underlying WASM runtime and module.
func (g *WasmGateway) Close(ctx context.Context) error {
	if err := g.module.Close(ctx); err != nil {
		return err
	}
	return g.runtime.Close(ctx)
}

func (g *WasmGateway) Verify(ctx context.Context, proofBytes, verificationKeyBytes []byte, _ Challenge) (Result, error) {
	if len(proofBytes) == 0 || len(verificationKeyBytes) == 0 {
		return Result{Valid: false, Error: "wasm verifier: proof and verification key must be non-empty"}, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	proofPtr, err := g.writeScratch(proofBytes)
	if err != nil {
		return Result{Valid: false, Error: err.Error()}, nil
	}
	vkPtr := proofPtr + uint32(len(proofBytes))
	if !g.memory.Write(vkPtr, verificationKeyBytes) {
		return Result{Valid: false, Error: fmt.Sprintf("wasm verifier: scratch region too small for %d bytes", len(verificationKeyBytes))}, nil
	}

	results, err := g.verifyFn.Call(ctx,
		uint64(proofPtr), uint64(len(proofBytes)),
		uint64(vkPtr), uint64(len(verificationKeyBytes)),
	)
	if err != nil {
		return Result{Valid: false, Error: fmt.Sprintf("wasm verifier: call failed: %v", err)}, nil
	}
	if len(results) == 0 || results[0] == 0 {
		return Result{Valid: false, Error: "wasm verifier: proof rejected"}, nil
	}
	return Result{Valid: true, PublicInputs: g.readPublicInputs()}, nil
}

// writeScratch writes data into the module's linear memory at the fixed
// offset scratchBase and returns that offset; Verify places the
// verification key directly after the proof. Real deployments pair this
// with a module-exported allocator; this gateway assumes a fixed high
// scratch region reserved by convention at offset scratchBase.
const scratchBase = 1 << 16

func (g *WasmGateway) writeScratch(data []byte) (uint32, error) {
	if !g.memory.Write(scratchBase, data) {
		return 0, fmt.Errorf("wasm verifier: scratch region too small for %d bytes", len(data))
	}
	return scratchBase, nil
}

// readPublicInputs decodes the module's public-inputs scratch buffer:
// a little-endian uint32 length, followed by a "key=value;key=value" string.
func (g *WasmGateway) readPublicInputs() map[string]string {
	lenBytes, ok := g.memory.Read(scratchBase+(1<<16), 4)
	if !ok {
		return nil
	}
	n := binary.LittleEndian.Uint32(lenBytes)
	if n == 0 {
		return nil
	}
	raw, ok := g.memory.Read(scratchBase+(1<<16)+4, n)
	if !ok {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(string(raw), ";") {
		k, v, found := strings.Cut(pair, "=")
		if !found || k == "" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
