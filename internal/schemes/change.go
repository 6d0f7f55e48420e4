package schemes

import "time"

// ChangeKind names a committed mutation.
type ChangeKind string

const (
	ChangeLayerCreated    ChangeKind = "layer_created"
	ChangeLayerUpdated    ChangeKind = "layer_updated"
	ChangeLayerDeleted    ChangeKind = "layer_deleted"
	ChangeLayersReordered ChangeKind = "layers_reordered"
	ChangeSchemeUpdated   ChangeKind = "scheme_updated"
	ChangeShareChanged    ChangeKind = "share_changed"
)

// Change describes a committed mutation. Sequence is the scheme's event counter after the
// commit; changes of one scheme carry strictly increasing sequences in commit order.
type Change struct {
	Kind        ChangeKind
	SchemeID    string
	Sequence    int64
	ActorID     string
	Payload     any
	CommittedAt time.Time

	sequenced bool
}

// Empty reports a mutation that committed nothing and must not be broadcast.
func (c Change) Empty() bool {
	return c.Kind == ""
}

// AfterCommit runs after a mutation commits and before the scheme lock is released.
type AfterCommit func(Change)

// LayerCreatedPayload carries the new layer and the orders shifted by its insertion.
type LayerCreatedPayload struct {
	Layer  Layer           `json:"layer"`
	Orders []LayerPosition `json:"orders"`
}

// LayerUpdatedPayload carries the layer after the patch.
type LayerUpdatedPayload struct {
	Layer Layer `json:"layer"`
}

// LayerDeletedPayload carries the removed id and the renumbered orders.
type LayerDeletedPayload struct {
	LayerID string          `json:"layer_id"`
	Orders  []LayerPosition `json:"orders"`
}

// LayersReorderedPayload carries the full dense order after a reorder.
type LayersReorderedPayload struct {
	Orders []LayerPosition `json:"orders"`
}

// SchemeUpdatedPayload carries the scheme after a patch, or Deleted when it is gone.
type SchemeUpdatedPayload struct {
	SchemeID string  `json:"scheme_id"`
	Scheme   *Scheme `json:"scheme,omitempty"`
	Deleted  bool    `json:"deleted"`
}

// ShareChangedPayload describes a grant after a share mutation.
type ShareChangedPayload struct {
	UserID   string     `json:"user_id"`
	Level    ShareLevel `json:"level"`
	Accepted bool       `json:"accepted"`
	Removed  bool       `json:"removed"`
}

// RevokesView reports whether the grant no longer lets its user view the scheme.
func (p ShareChangedPayload) RevokesView() bool {
	return p.Removed || !p.Accepted
}
