// Package access decides whether an identity may view, edit or administer a resource.
//
// The guard is a pure function over a Snapshot. Callers hand it a reader bound to the same
// transaction as the mutation that follows, so a permission revoked between check and apply
// cannot let a stale edit through.
package access

import (
	"context"

	"github.com/MarcoPoloResearchLab/livery/internal/apperrors"
	"github.com/MarcoPoloResearchLab/livery/internal/auth"
)

// Action is the kind of access being requested.
type Action int

const (
	ActionView Action = iota + 1
	ActionEdit
	ActionAdminManage
)

func (a Action) String() string {
	switch a {
	case ActionView:
		return "view"
	case ActionEdit:
		return "edit"
	case ActionAdminManage:
		return "admin_manage"
	default:
		return "unknown"
	}
}

// RefKind names the type of resource a Ref points at.
type RefKind int

const (
	RefScheme RefKind = iota + 1
	RefLayer
	RefAdmin
)

// Ref identifies the resource under decision.
type Ref struct {
	Kind RefKind
	ID   string
}

// SchemeRef targets a scheme.
func SchemeRef(id string) Ref { return Ref{Kind: RefScheme, ID: id} }

// LayerRef targets a layer; it is resolved to its owning scheme.
func LayerRef(id string) Ref { return Ref{Kind: RefLayer, ID: id} }

// AdminRef targets administrative resources that are not scheme scoped.
func AdminRef() Ref { return Ref{Kind: RefAdmin} }

// SchemeFacts is the part of a scheme the guard needs.
type SchemeFacts struct {
	ID      string
	OwnerID string
}

// ShareFacts is the part of a share grant the guard needs.
type ShareFacts struct {
	Editable bool
	Accepted bool
}

// Snapshot reads authorization facts from a consistent view of the store.
type Snapshot interface {
	SchemeFacts(ctx context.Context, schemeID string) (SchemeFacts, bool, error)
	ShareFacts(ctx context.Context, schemeID, userID string) (ShareFacts, bool, error)
	LayerSchemeID(ctx context.Context, layerID string) (string, bool, error)
}

// Reason explains a decision.
type Reason string

const (
	ReasonOwner         Reason = "owner"
	ReasonEditor        Reason = "editor"
	ReasonViewer        Reason = "viewer"
	ReasonAdmin         Reason = "admin"
	ReasonNotAuthorized Reason = "not_authorized"
	ReasonSharePending  Reason = "share_pending"
	ReasonNotFound      Reason = "not_found"
)

// Role is the effective relationship between a user and a scheme.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
	RoleNone   Role = "none"
)

// CanView reports whether the role includes read access.
func (r Role) CanView() bool {
	return r == RoleOwner || r == RoleEditor || r == RoleViewer
}

// CanEdit reports whether the role includes write access.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

// Decision is the outcome of Authorize.
type Decision struct {
	Allowed  bool
	Reason   Reason
	SchemeID string
	Role     Role
}

// Missing reports that the target did not exist. Boundaries translate this to NotFound
// only for callers that already hold View on the surrounding scheme.
func (d Decision) Missing() bool {
	return d.Reason == ReasonNotFound
}

// Forbidden reasons carried by Decision.Err. ErrReasonHidden marks callers without View,
// for whom the boundary must not distinguish the resource from a missing one.
const (
	ErrReasonHidden       = "hidden"
	ErrReasonReadOnly     = "read_only"
	ErrReasonSharePending = "share_pending"
)

// Err converts a deny into a Forbidden error; it returns nil when allowed.
func (d Decision) Err(op string) error {
	if d.Allowed {
		return nil
	}
	switch {
	case d.Role.CanView():
		return apperrors.New(apperrors.KindForbidden, op, ErrReasonReadOnly)
	case d.Reason == ReasonSharePending:
		return apperrors.New(apperrors.KindForbidden, op, ErrReasonSharePending)
	default:
		return apperrors.New(apperrors.KindForbidden, op, ErrReasonHidden)
	}
}

// Hidden reports whether err is a Forbidden raised for a caller without View.
func Hidden(err error) bool {
	return apperrors.KindOf(err) == apperrors.KindForbidden && apperrors.ReasonOf(err) == ErrReasonHidden
}

// Guard evaluates access rules. The zero value is ready to use.
type Guard struct{}

// Authorize decides whether identity may perform action on ref.
func (Guard) Authorize(ctx context.Context, snapshot Snapshot, identity auth.Identity, ref Ref, action Action) (Decision, error) {
	if action == ActionAdminManage || ref.Kind == RefAdmin {
		if action == ActionAdminManage && identity.IsAdmin && !identity.Anonymous() {
			return Decision{Allowed: true, Reason: ReasonAdmin, Role: RoleNone}, nil
		}
		return Decision{Reason: ReasonNotAuthorized, Role: RoleNone}, nil
	}
	if identity.Anonymous() {
		return Decision{Reason: ReasonNotAuthorized, Role: RoleNone}, nil
	}

	schemeID := ref.ID
	if ref.Kind == RefLayer {
		resolved, found, err := snapshot.LayerSchemeID(ctx, ref.ID)
		if err != nil {
			return Decision{}, err
		}
		if !found {
			return Decision{Reason: ReasonNotFound, Role: RoleNone}, nil
		}
		schemeID = resolved
		if action != ActionView {
			action = ActionEdit
		}
	}

	role, reason, err := resolveRole(ctx, snapshot, identity.UserID, schemeID)
	if err != nil {
		return Decision{}, err
	}
	decision := Decision{SchemeID: schemeID, Role: role, Reason: reason}
	switch action {
	case ActionView:
		decision.Allowed = role.CanView()
	case ActionEdit:
		decision.Allowed = role.CanEdit()
	}
	if !decision.Allowed && reason != ReasonNotFound && reason != ReasonSharePending {
		decision.Reason = ReasonNotAuthorized
	}
	return decision, nil
}

// Role reports the caller's effective role on a scheme.
func (Guard) Role(ctx context.Context, snapshot Snapshot, identity auth.Identity, schemeID string) (Role, error) {
	if identity.Anonymous() {
		return RoleNone, nil
	}
	role, _, err := resolveRole(ctx, snapshot, identity.UserID, schemeID)
	return role, err
}

func resolveRole(ctx context.Context, snapshot Snapshot, userID, schemeID string) (Role, Reason, error) {
	scheme, found, err := snapshot.SchemeFacts(ctx, schemeID)
	if err != nil {
		return RoleNone, "", err
	}
	if !found {
		return RoleNone, ReasonNotFound, nil
	}
	if scheme.OwnerID == userID {
		return RoleOwner, ReasonOwner, nil
	}
	share, found, err := snapshot.ShareFacts(ctx, schemeID, userID)
	if err != nil {
		return RoleNone, "", err
	}
	switch {
	case !found:
		return RoleNone, ReasonNotAuthorized, nil
	case !share.Accepted:
		return RoleNone, ReasonSharePending, nil
	case share.Editable:
		return RoleEditor, ReasonEditor, nil
	default:
		return RoleViewer, ReasonViewer, nil
	}
}
