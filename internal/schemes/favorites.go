package schemes

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/livery/internal/access"
	"github.com/MarcoPoloResearchLab/livery/internal/apperrors"
	"github.com/MarcoPoloResearchLab/livery/internal/auth"
	"gorm.io/gorm/clause"
)

const (
	opAddFavorite    = "schemes.add_favorite"
	opRemoveFavorite = "schemes.remove_favorite"
	opListFavorites  = "schemes.list_favorites"
)

// FavoriteKind selects the bookmarked resource type.
type FavoriteKind string

const (
	FavoriteKindScheme  FavoriteKind = "schemes"
	FavoriteKindLogo    FavoriteKind = "logos"
	FavoriteKindOverlay FavoriteKind = "overlays"
)

// ParseFavoriteKind validates a favorite kind from a route segment.
func ParseFavoriteKind(raw string) (FavoriteKind, error) {
	switch kind := FavoriteKind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case FavoriteKindScheme, FavoriteKindLogo, FavoriteKindOverlay:
		return kind, nil
	default:
		return "", fmt.Errorf("schemes: unknown favorite kind %q", raw)
	}
}

// Favorites lists a user's bookmarks.
type Favorites struct {
	SchemeIDs  []string `json:"schemes"`
	LogoIDs    []string `json:"logos"`
	OverlayIDs []string `json:"overlays"`
}

func favoriteRecord(kind FavoriteKind, userID, targetID string, now int64) (any, error) {
	switch kind {
	case FavoriteKindScheme:
		return &FavoriteScheme{UserID: userID, SchemeID: targetID, CreatedAtSeconds: now}, nil
	case FavoriteKindLogo:
		return &FavoriteLogo{UserID: userID, LogoID: targetID, CreatedAtSeconds: now}, nil
	case FavoriteKindOverlay:
		return &FavoriteOverlay{UserID: userID, OverlayID: targetID, CreatedAtSeconds: now}, nil
	default:
		return nil, fmt.Errorf("schemes: unknown favorite kind %q", kind)
	}
}

// AddFavorite bookmarks a resource. Scheme favorites require View or a public scheme.
// Adding an existing favorite is a no-op.
func (s *Store) AddFavorite(ctx context.Context, identity auth.Identity, kind FavoriteKind, targetID string) error {
	targetID = strings.TrimSpace(targetID)
	if identity.Anonymous() {
		return apperrors.New(apperrors.KindUnauthenticated, opAddFavorite, "anonymous")
	}
	if !validIdentifier(targetID) {
		return invalid(opAddFavorite, "invalid_target")
	}
	return s.read(ctx, opAddFavorite, func(sc scope) error {
		if kind == FavoriteKindScheme {
			decision, err := sc.authorize(identity, access.SchemeRef(targetID), access.ActionView)
			if err != nil {
				return err
			}
			if !decision.Allowed {
				var public bool
				if !decision.Missing() {
					if err := sc.tx.Model(&Scheme{}).Select("public").Where("id = ?", targetID).Scan(&public).Error; err != nil {
						return err
					}
				}
				if !public {
					return decision.Err(opAddFavorite)
				}
			}
		}
		record, err := favoriteRecord(kind, identity.UserID, targetID, sc.now.Unix())
		if err != nil {
			return apperrors.Wrap(apperrors.KindInvalid, opAddFavorite, "unknown_kind", err)
		}
		return sc.tx.Clauses(clause.OnConflict{DoNothing: true}).Create(record).Error
	})
}

// RemoveFavorite deletes a bookmark; removing a missing one is a no-op.
func (s *Store) RemoveFavorite(ctx context.Context, identity auth.Identity, kind FavoriteKind, targetID string) error {
	record, err := favoriteRecord(kind, identity.UserID, strings.TrimSpace(targetID), 0)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvalid, opRemoveFavorite, "unknown_kind", err)
	}
	return s.read(ctx, opRemoveFavorite, func(sc scope) error {
		return sc.tx.Where(record).Delete(record).Error
	})
}

// ListFavorites returns the caller's bookmarks.
func (s *Store) ListFavorites(ctx context.Context, identity auth.Identity) (Favorites, error) {
	favorites := Favorites{SchemeIDs: []string{}, LogoIDs: []string{}, OverlayIDs: []string{}}
	err := s.read(ctx, opListFavorites, func(sc scope) error {
		if err := sc.tx.Model(&FavoriteScheme{}).Where("user_id = ?", identity.UserID).Order("created_at_s ASC").Pluck("scheme_id", &favorites.SchemeIDs).Error; err != nil {
			return err
		}
		if err := sc.tx.Model(&FavoriteLogo{}).Where("user_id = ?", identity.UserID).Order("created_at_s ASC").Pluck("logo_id", &favorites.LogoIDs).Error; err != nil {
			return err
		}
		return sc.tx.Model(&FavoriteOverlay{}).Where("user_id = ?", identity.UserID).Order("created_at_s ASC").Pluck("overlay_id", &favorites.OverlayIDs).Error
	})
	return favorites, err
}
