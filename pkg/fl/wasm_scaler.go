package fl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

type scaleRequest struct {
	VariantID    int                `json:"variant_id"`
	Weights      Weights            `json:"weights"`
	Gradients    map[string]float64 `json:"gradients"`
	ActiveLayers []string           `json:"active_layers"`
}

type scaleResponse struct {
	Weights Weights `json:"weights"`
}

// WasmScaler delegates model growth to a WASI command module. The request is
// written to the module's stdin as JSON and the grown weights are read from
// its stdout.
type WasmScaler struct {
	binary []byte
	name   string
}

func NewWasmScaler(wasmPath string) (*WasmScaler, error) {
	binary, err := os.ReadFile(wasmPath)
	if err != nil {
		return nil, fmt.Errorf("wasm scaler file not found: %w", err)
	}

	return &WasmScaler{
		binary: binary,
		name:   wasmPath,
	}, nil
}

func (w *WasmScaler) Grow(ctx context.Context, variant VariantSnapshot, activeLayers []string) (Weights, error) {
	req, err := json.Marshal(scaleRequest{
		VariantID:    variant.ID,
		Weights:      variant.Weights,
		Gradients:    variant.Gradients,
		ActiveLayers: activeLayers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scale request: %w", err)
	}

	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName(w.name).
		WithArgs("scaler").
		WithStdin(bytes.NewReader(req)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	if _, err := r.InstantiateWithConfig(ctx, w.binary, cfg); err != nil {
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 0 {
			return nil, errors.Join(fmt.Errorf("wasm scaler execution failed: %s", stderr.String()), err)
		}
	}

	var resp scaleResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal grown model: %w", err)
	}

	return resp.Weights, nil
}
