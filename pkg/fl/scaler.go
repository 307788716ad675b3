package fl

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// ModelScaler grows a variant into a structurally larger model. It must return
// a complete, loadable weight mapping.
type ModelScaler interface {
	Grow(ctx context.Context, variant VariantSnapshot, activeLayers []string) (Weights, error)
}

// WidenScaler widens every parameter of the active layers by duplicating its
// units and halving both copies, so the summed contribution of a layer is
// unchanged. Parameters of inactive layers are copied as they are.
type WidenScaler struct{}

func NewWidenScaler() ModelScaler {
	return WidenScaler{}
}

func (WidenScaler) Grow(ctx context.Context, variant VariantSnapshot, activeLayers []string) (Weights, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	active := make(map[string]struct{}, len(activeLayers))
	for _, l := range activeLayers {
		active[l] = struct{}{}
	}

	grown := make(Weights, len(variant.Weights))
	widened := 0
	for name, t := range variant.Weights {
		if _, ok := active[LayerOf(name)]; !ok {
			grown[name] = append(Tensor(nil), t...)

			continue
		}
		half := make(Tensor, len(t))
		floats.ScaleTo(half, 0.5, t)
		grown[name] = append(half, half...)
		widened++
	}
	if widened == 0 {
		return nil, fmt.Errorf("none of the layers %v has parameters in variant %d", activeLayers, variant.ID)
	}

	return grown, nil
}

// Transformer applies structural growth decisions to the population.
type Transformer struct {
	population *Population
	scaler     ModelScaler
}

func NewTransformer(population *Population, scaler ModelScaler) *Transformer {
	return &Transformer{
		population: population,
		scaler:     scaler,
	}
}

// MaybeTransform grows variant over its active layers and appends the result
// as a new variant. It returns nil without error when there is nothing to
// grow. On failure the population is left untouched.
func (t *Transformer) MaybeTransform(ctx context.Context, variant *Variant, activeLayers []string, round int) (*Variant, error) {
	if len(activeLayers) == 0 {
		return nil, nil
	}
	snap := variant.Snapshot()
	weights, err := t.scaler.Grow(ctx, snap, activeLayers)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransformation, err)
	}
	if err := checkGrown(snap.Weights, weights); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransformation, err)
	}

	return t.population.append(weights, round, snap.ID), nil
}

func checkGrown(base, grown Weights) error {
	if grown.NumParams() == 0 {
		return ErrEmptyModel
	}
	for name, tensor := range grown {
		if len(tensor) == 0 {
			return fmt.Errorf("parameter %q is empty", name)
		}
	}
	for name := range base {
		if _, ok := grown[name]; !ok {
			return fmt.Errorf("parameter %q missing from grown model", name)
		}
	}
	if !grown.Finite() {
		return fmt.Errorf("grown model has non-finite weights")
	}

	return nil
}
