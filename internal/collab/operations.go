package collab

import (
	"context"
	"strings"

	"github.com/MarcoPoloResearchLab/livery/internal/apperrors"
	"github.com/MarcoPoloResearchLab/livery/internal/auth"
	"github.com/MarcoPoloResearchLab/livery/internal/schemes"
)

const (
	opLogin        = "collab.login"
	opAuthenticate = "collab.authenticate"
)

// Login is the result of a successful password login.
type Login struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// Login checks email and password and mints an access token.
func (e *Engine) Login(ctx context.Context, email, password string) (Login, error) {
	if e.passwords == nil || e.tokens == nil {
		return Login{}, apperrors.New(apperrors.KindInternal, opLogin, "login_disabled")
	}
	if strings.TrimSpace(email) == "" || password == "" {
		return Login{}, apperrors.New(apperrors.KindInvalid, opLogin, "missing_credentials")
	}
	credential, err := e.passwords.Authenticate(ctx, email, password)
	if err != nil {
		return Login{}, err
	}
	token, expiresIn, err := e.tokens.IssueToken(ctx, credential)
	if err != nil {
		e.logError(opLogin, "token_issue_failed", err)
		return Login{}, apperrors.Wrap(apperrors.KindInternal, opLogin, "token_issue_failed", err)
	}
	return Login{AccessToken: token, ExpiresIn: expiresIn, TokenType: "Bearer"}, nil
}

// Authenticate resolves a bearer token. It is called once per request or socket handshake.
func (e *Engine) Authenticate(ctx context.Context, token string) (auth.Identity, error) {
	identity, err := e.verifier.Verify(ctx, token)
	if err != nil {
		kind := apperrors.KindOf(err)
		if kind != apperrors.KindUnauthenticated && kind != apperrors.KindInvalidCredential {
			return auth.Identity{}, apperrors.FromContext(opAuthenticate, err)
		}
		return auth.Identity{}, err
	}
	return identity, nil
}

// CreateScheme creates a scheme owned by the caller.
func (e *Engine) CreateScheme(ctx context.Context, identity auth.Identity, request schemes.NewScheme) (schemes.State, error) {
	scheme, err := e.store.CreateScheme(ctx, identity, request)
	if err != nil {
		return schemes.State{}, err
	}
	return e.store.SchemeState(ctx, identity, scheme.ID)
}

// SchemeState returns the full state of a scheme the caller can view.
func (e *Engine) SchemeState(ctx context.Context, identity auth.Identity, schemeID string) (schemes.State, error) {
	return e.store.SchemeState(ctx, identity, schemeID)
}

// RequestSchemeMutation patches scheme properties.
func (e *Engine) RequestSchemeMutation(ctx context.Context, identity auth.Identity, originSessionID, schemeID string, patch schemes.SchemePatch) (Applied, error) {
	var published publication
	scheme, change, err := e.store.ApplySchemeMutation(ctx, identity, schemeID, patch, e.afterCommit(ctx, originSessionID, &published))
	if err != nil {
		return Applied{}, err
	}
	return published.applied(Applied{Scheme: &scheme, Sequence: change.Sequence}), nil
}

// RequestSchemeDelete removes a scheme with its layers and grants, and closes its sessions.
func (e *Engine) RequestSchemeDelete(ctx context.Context, identity auth.Identity, originSessionID, schemeID string) (Applied, error) {
	var published publication
	change, err := e.store.DeleteScheme(ctx, identity, schemeID, e.afterCommit(ctx, originSessionID, &published))
	if err != nil {
		return Applied{}, err
	}
	return published.applied(Applied{Deleted: true, Sequence: change.Sequence}), nil
}

// RequestClone copies a scheme the caller can view, or a public one, into a new private
// scheme owned by the caller.
func (e *Engine) RequestClone(ctx context.Context, identity auth.Identity, sourceSchemeID, name string) (schemes.State, error) {
	return e.store.CloneScheme(ctx, identity, sourceSchemeID, name)
}

// RequestLayerCreate inserts a layer.
func (e *Engine) RequestLayerCreate(ctx context.Context, identity auth.Identity, originSessionID, schemeID string, request schemes.NewLayer) (Applied, error) {
	var published publication
	layer, change, err := e.store.CreateLayer(ctx, identity, schemeID, request, e.afterCommit(ctx, originSessionID, &published))
	if err != nil {
		return Applied{}, err
	}
	applied := Applied{Layer: &layer, Sequence: change.Sequence}
	if payload, ok := change.Payload.(schemes.LayerCreatedPayload); ok {
		applied.Orders = payload.Orders
	}
	return published.applied(applied), nil
}

// RequestLayerMutation patches a layer. patch.SchemeID, when set, is the scheme the
// caller addressed the layer through.
func (e *Engine) RequestLayerMutation(ctx context.Context, identity auth.Identity, originSessionID, layerID string, patch schemes.LayerPatch) (Applied, error) {
	var published publication
	layer, change, err := e.store.ApplyLayerMutation(ctx, identity, layerID, patch, e.afterCommit(ctx, originSessionID, &published))
	if err != nil {
		return Applied{}, err
	}
	return published.applied(Applied{Layer: &layer, Sequence: change.Sequence}), nil
}

// RequestLayerDelete removes a layer and closes the gap in the order.
func (e *Engine) RequestLayerDelete(ctx context.Context, identity auth.Identity, originSessionID, schemeID, layerID string) (Applied, error) {
	var published publication
	change, err := e.store.DeleteLayer(ctx, identity, schemeID, layerID, e.afterCommit(ctx, originSessionID, &published))
	if err != nil {
		return Applied{}, err
	}
	applied := Applied{Deleted: true, Sequence: change.Sequence}
	if payload, ok := change.Payload.(schemes.LayerDeletedPayload); ok {
		applied.Orders = payload.Orders
	}
	return published.applied(applied), nil
}

// RequestLayerReorder applies a requested order; the stored order is always dense.
func (e *Engine) RequestLayerReorder(ctx context.Context, identity auth.Identity, originSessionID, schemeID string, order []schemes.LayerPosition) (Applied, error) {
	var published publication
	positions, change, err := e.store.ReorderLayers(ctx, identity, schemeID, order, e.afterCommit(ctx, originSessionID, &published))
	if err != nil {
		return Applied{}, err
	}
	return published.applied(Applied{Orders: positions, Sequence: change.Sequence}), nil
}

// RequestShareChange sets a user's access level; ShareLevelRemove deletes the grant.
func (e *Engine) RequestShareChange(ctx context.Context, identity auth.Identity, originSessionID, schemeID, targetUserID string, level schemes.ShareLevel) (Applied, error) {
	var published publication
	share, change, err := e.store.SetShare(ctx, identity, schemeID, targetUserID, level, e.afterCommit(ctx, originSessionID, &published))
	if err != nil {
		return Applied{}, err
	}
	applied := Applied{Sequence: change.Sequence}
	if level == schemes.ShareLevelRemove {
		applied.Deleted = true
	} else {
		applied.Share = &share
	}
	return published.applied(applied), nil
}

// RequestShareDelete removes a grant; the invited user may remove their own.
func (e *Engine) RequestShareDelete(ctx context.Context, identity auth.Identity, originSessionID, schemeID, targetUserID string) (Applied, error) {
	var published publication
	change, err := e.store.DeleteShare(ctx, identity, schemeID, targetUserID, e.afterCommit(ctx, originSessionID, &published))
	if err != nil {
		return Applied{}, err
	}
	return published.applied(Applied{Deleted: true, Sequence: change.Sequence}), nil
}

// AcceptShare accepts a pending grant addressed to the caller.
func (e *Engine) AcceptShare(ctx context.Context, identity auth.Identity, schemeID string) (Applied, error) {
	var published publication
	share, change, err := e.store.AcceptShare(ctx, identity, schemeID, e.afterCommit(ctx, "", &published))
	if err != nil {
		return Applied{}, err
	}
	return published.applied(Applied{Share: &share, Sequence: change.Sequence}), nil
}

// AddFavorite bookmarks a scheme, logo or overlay.
func (e *Engine) AddFavorite(ctx context.Context, identity auth.Identity, kind schemes.FavoriteKind, targetID string) error {
	return e.store.AddFavorite(ctx, identity, kind, targetID)
}

// RemoveFavorite drops a bookmark.
func (e *Engine) RemoveFavorite(ctx context.Context, identity auth.Identity, kind schemes.FavoriteKind, targetID string) error {
	return e.store.RemoveFavorite(ctx, identity, kind, targetID)
}

// Favorites lists the caller's bookmarks.
func (e *Engine) Favorites(ctx context.Context, identity auth.Identity) (schemes.Favorites, error) {
	return e.store.ListFavorites(ctx, identity)
}
