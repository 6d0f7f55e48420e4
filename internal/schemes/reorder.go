package schemes

import "sort"

// LayerPosition pairs a layer with its 1-based z-order.
type LayerPosition struct {
	LayerID string `json:"layer_id"`
	Order   int    `json:"order"`
}

type rankedLayer struct {
	id       string
	key      float64
	existing int
}

// normalizeOrder computes a dense 1..n ordering for layers (given sorted by their current
// order). Requested positions override the sort key of the layers they name; layers not
// named keep their current position as key; unknown ids are ignored and, for duplicates,
// the last request wins. Ties fall back to the current order, so the result is the same
// for any caller holding the same inputs.
func normalizeOrder(layers []Layer, requested []LayerPosition) []LayerPosition {
	wanted := make(map[string]int, len(requested))
	for _, position := range requested {
		wanted[position.LayerID] = position.Order
	}
	ranked := make([]rankedLayer, len(layers))
	for index, layer := range layers {
		key := float64(index + 1)
		if order, ok := wanted[layer.ID]; ok {
			key = float64(order)
		}
		ranked[index] = rankedLayer{id: layer.ID, key: key, existing: index}
	}
	return densify(ranked)
}

// insertOrder places a new layer at the 1-based position (or on top when position is out
// of range) and renumbers the rest.
func insertOrder(layers []Layer, newID string, position int) []LayerPosition {
	ranked := make([]rankedLayer, 0, len(layers)+1)
	for index, layer := range layers {
		ranked = append(ranked, rankedLayer{id: layer.ID, key: float64(index + 1), existing: index})
	}
	key := float64(len(layers) + 1)
	if position >= 1 && position <= len(layers) {
		key = float64(position) - 0.5
	}
	ranked = append(ranked, rankedLayer{id: newID, key: key, existing: len(layers)})
	return densify(ranked)
}

// removeOrder drops a layer and closes the gap.
func removeOrder(layers []Layer, removedID string) []LayerPosition {
	ranked := make([]rankedLayer, 0, len(layers))
	for index, layer := range layers {
		if layer.ID == removedID {
			continue
		}
		ranked = append(ranked, rankedLayer{id: layer.ID, key: float64(index + 1), existing: index})
	}
	return densify(ranked)
}

func densify(ranked []rankedLayer) []LayerPosition {
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].key != ranked[j].key {
			return ranked[i].key < ranked[j].key
		}
		return ranked[i].existing < ranked[j].existing
	})
	positions := make([]LayerPosition, len(ranked))
	for index, layer := range ranked {
		positions[index] = LayerPosition{LayerID: layer.id, Order: index + 1}
	}
	return positions
}

// denseOrder reports whether the layers' orders are exactly 1..n.
func denseOrder(layers []Layer) bool {
	seen := make(map[int]struct{}, len(layers))
	for _, layer := range layers {
		if layer.Order < 1 || layer.Order > len(layers) {
			return false
		}
		if _, dup := seen[layer.Order]; dup {
			return false
		}
		seen[layer.Order] = struct{}{}
	}
	return true
}
