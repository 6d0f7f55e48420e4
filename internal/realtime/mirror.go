package realtime

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/livery/internal/apperrors"
	"github.com/MarcoPoloResearchLab/livery/internal/schemes"
)

const opMirrorApply = "realtime.mirror.apply"

// Mirror is the reference peer-side applier for live clients: a replica of one scheme
// seeded from a state frame and kept current by the event frames that follow. The server
// never holds one. Applying an event twice, or an event older than the replica, changes
// nothing, and a sequence gap is reported so the client knows to resync.
type Mirror struct {
	mu       sync.Mutex
	scheme   schemes.Scheme
	layers   map[string]schemes.Layer
	sequence int64
	lastID   string
	deleted  bool
}

// NewMirror seeds a replica from a fetched state.
func NewMirror(state schemes.State) *Mirror {
	mirror := &Mirror{}
	mirror.Reset(state)
	return mirror
}

// Reset replaces the replica with a freshly fetched state.
func (m *Mirror) Reset(state schemes.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheme = state.Scheme
	m.layers = make(map[string]schemes.Layer, len(state.Layers))
	for _, layer := range state.Layers {
		m.layers[layer.ID] = layer
	}
	m.sequence = state.Sequence
	m.lastID = ""
	m.deleted = false
}

// Apply folds event into the replica. It returns false for events already reflected and
// a ResyncRequired error when an event is missing in between.
func (m *Mirror) Apply(event Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.SchemeID != m.scheme.ID {
		return false, apperrors.New(apperrors.KindInvalid, opMirrorApply, "scheme_mismatch")
	}
	if event.Sequence <= m.sequence || event.ID == m.lastID {
		return false, nil
	}
	if event.Sequence != m.sequence+1 {
		return false, apperrors.New(apperrors.KindResyncRequired, opMirrorApply, "sequence_gap")
	}
	if err := m.fold(event); err != nil {
		return false, apperrors.Wrap(apperrors.KindInvalid, opMirrorApply, "undecodable_event", err)
	}
	m.sequence = event.Sequence
	m.lastID = event.ID
	return true, nil
}

func (m *Mirror) fold(event Event) error {
	switch event.Type {
	case EventLayerCreated:
		var payload schemes.LayerCreatedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return err
		}
		m.layers[payload.Layer.ID] = payload.Layer
		m.applyOrders(payload.Orders)
	case EventLayerUpdated:
		var payload schemes.LayerUpdatedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return err
		}
		m.layers[payload.Layer.ID] = payload.Layer
	case EventLayerDeleted:
		var payload schemes.LayerDeletedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return err
		}
		delete(m.layers, payload.LayerID)
		m.applyOrders(payload.Orders)
	case EventLayersReordered:
		var payload schemes.LayersReorderedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return err
		}
		m.applyOrders(payload.Orders)
	case EventSchemeUpdated:
		var payload schemes.SchemeUpdatedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return err
		}
		if payload.Deleted {
			m.deleted = true
			m.layers = map[string]schemes.Layer{}
		} else if payload.Scheme != nil {
			m.scheme = *payload.Scheme
		}
	case EventShareChanged:
		// Grants do not alter the replicated document.
	default:
		return fmt.Errorf("unknown event type %q", event.Type)
	}
	return nil
}

func (m *Mirror) applyOrders(orders []schemes.LayerPosition) {
	for _, position := range orders {
		if layer, ok := m.layers[position.LayerID]; ok {
			layer.Order = position.Order
			m.layers[position.LayerID] = layer
		}
	}
}

// Sequence is the last applied sequence.
func (m *Mirror) Sequence() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sequence
}

// Deleted reports that the scheme was deleted.
func (m *Mirror) Deleted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleted
}

// Scheme returns the replicated scheme properties.
func (m *Mirror) Scheme() schemes.Scheme {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scheme
}

// Layers returns the replicated layers bottom to top.
func (m *Mirror) Layers() []schemes.Layer {
	m.mu.Lock()
	defer m.mu.Unlock()
	layers := make([]schemes.Layer, 0, len(m.layers))
	for _, layer := range m.layers {
		layers = append(layers, layer)
	}
	sort.Slice(layers, func(i, j int) bool {
		if layers[i].Order == layers[j].Order {
			return layers[i].ID < layers[j].ID
		}
		return layers[i].Order < layers[j].Order
	})
	return layers
}
