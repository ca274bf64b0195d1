package catalog

import (
	"context"
	"fmt"
	"os"

	"github.com/tetratelabs/wazero"
)

// validateWasmArtifact compiles the module with wazero just far enough to
// confirm it's a well-formed WASM binary before the supervisor ever hands
// it to the external sandbox engine. This is a load-time sanity check
// only — the module is never instantiated or executed here; the engine
// process (invoked via its command line, per spec §1) does the real run.
func validateWasmArtifact(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}

	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, data)
	if err != nil {
		return fmt.Errorf("not a valid wasm module: %w", err)
	}
	defer compiled.Close(ctx)

	return nil
}
