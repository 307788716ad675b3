package fl

import "sort"

// RankLayers orders layers by ascending gradient magnitude, ties by name.
func RankLayers(variantID, round int, gradients map[string]float64) LayerRanking {
	layers := make([]LayerGradient, 0, len(gradients))
	for l, g := range gradients {
		layers = append(layers, LayerGradient{Layer: l, Magnitude: g})
	}
	sort.Slice(layers, func(i, j int) bool {
		if layers[i].Magnitude != layers[j].Magnitude {
			return layers[i].Magnitude < layers[j].Magnitude
		}

		return layers[i].Layer < layers[j].Layer
	})

	return LayerRanking{
		VariantID: variantID,
		Round:     round,
		Layers:    layers,
	}
}

// SelectActiveLayers returns, sorted by name, every layer whose magnitude is at
// least alpha times the largest magnitude in the ranking.
func SelectActiveLayers(ranking LayerRanking, alpha float64) ([]string, error) {
	if alpha <= 0 || alpha > 1 {
		return nil, ErrInvalidAlpha
	}
	if len(ranking.Layers) == 0 {
		return nil, nil
	}

	maxMagnitude := ranking.Layers[0].Magnitude
	for _, l := range ranking.Layers[1:] {
		if l.Magnitude > maxMagnitude {
			maxMagnitude = l.Magnitude
		}
	}
	threshold := maxMagnitude * alpha

	var active []string
	for _, l := range ranking.Layers {
		if l.Magnitude >= threshold {
			active = append(active, l.Layer)
		}
	}
	sort.Strings(active)

	return active, nil
}
