package schemes

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/livery/internal/access"
	"github.com/MarcoPoloResearchLab/livery/internal/apperrors"
	"github.com/MarcoPoloResearchLab/livery/internal/keylock"
	"github.com/MarcoPoloResearchLab/livery/internal/users"
)

func TestViewOnlyShareCannotMutateLayers(t *testing.T) {
	store, _ := newTestStore(t)
	scheme := mustCreateScheme(t, store, "owner")
	layer := mustCreateTextLayer(t, store, "owner", scheme.ID, "42")
	mustShare(t, store, scheme.ID, "viewer", false, true)

	_, _, err := store.ApplyLayerMutation(context.Background(), as("viewer"), layer.ID, LayerPatch{Name: stringPtr("mine")}, nil)
	if !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if apperrors.ReasonOf(err) != access.ErrReasonReadOnly {
		t.Fatalf("expected read_only reason, got %q", apperrors.ReasonOf(err))
	}
	state, err := store.SchemeState(context.Background(), as("viewer"), scheme.ID)
	if err != nil {
		t.Fatalf("viewer should read the scheme: %v", err)
	}
	if state.Layers[0].Name != "42" {
		t.Fatalf("layer must be unchanged, got %q", state.Layers[0].Name)
	}
	if len(state.Shares) != 0 {
		t.Fatalf("shares are visible to the owner only")
	}
}

func TestPendingShareGrantsNothingUntilAccepted(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	scheme := mustCreateScheme(t, store, "owner")
	layer := mustCreateTextLayer(t, store, "owner", scheme.ID, "42")
	mustShare(t, store, scheme.ID, "pending", true, false)

	_, _, err := store.ApplyLayerMutation(ctx, as("pending"), layer.ID, LayerPatch{Name: stringPtr("edit")}, nil)
	if !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("expected forbidden before accept, got %v", err)
	}
	if _, err := store.SchemeState(ctx, as("pending"), scheme.ID); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("pending share must not grant view, got %v", err)
	}

	share, change, err := store.AcceptShare(ctx, as("pending"), scheme.ID, nil)
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if !share.Accepted || change.Kind != ChangeShareChanged {
		t.Fatalf("unexpected accept result %+v %+v", share, change)
	}

	updated, _, err := store.ApplyLayerMutation(ctx, as("pending"), layer.ID, LayerPatch{Name: stringPtr("edit")}, nil)
	if err != nil {
		t.Fatalf("expected edit to apply after accept: %v", err)
	}
	if updated.Name != "edit" || updated.Version != layer.Version+1 {
		t.Fatalf("unexpected layer after edit: %+v", updated)
	}
}

func TestEditRequiresOwnerOrAcceptedEditableShare(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	scheme := mustCreateScheme(t, store, "owner")
	mustShare(t, store, scheme.ID, "viewer", false, true)
	mustShare(t, store, scheme.ID, "editor", true, true)
	mustShare(t, store, scheme.ID, "pending", true, false)

	expectations := map[string]bool{"owner": true, "editor": true, "viewer": false, "pending": false, "stranger": false}
	for user, allowed := range expectations {
		_, _, err := store.ApplySchemeMutation(ctx, as(user), scheme.ID, SchemePatch{HideSpec: boolPtr(true)}, nil)
		if allowed && err != nil {
			t.Fatalf("%s should edit: %v", user, err)
		}
		if !allowed && !errors.Is(err, apperrors.ErrForbidden) {
			t.Fatalf("%s should be forbidden, got %v", user, err)
		}
	}
}

func TestMissingSchemeLooksForbiddenToEveryone(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.SchemeState(context.Background(), as("owner"), "nope")
	if !access.Hidden(err) {
		t.Fatalf("expected hidden forbidden for missing scheme, got %v", err)
	}
}

func TestMissingLayerIsNotFoundOnlyForCollaborators(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	scheme := mustCreateScheme(t, store, "owner")
	mustShare(t, store, scheme.ID, "viewer", false, true)

	_, err := store.GetLayer(ctx, as("viewer"), scheme.ID, "ghost")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("collaborator should see not found, got %v", err)
	}
	_, err = store.GetLayer(ctx, as("stranger"), scheme.ID, "ghost")
	if !access.Hidden(err) {
		t.Fatalf("stranger should see hidden forbidden, got %v", err)
	}
	_, _, err = store.ApplyLayerMutation(ctx, as("stranger"), "ghost", LayerPatch{Name: stringPtr("x")}, nil)
	if !access.Hidden(err) {
		t.Fatalf("unscoped missing layer must look hidden, got %v", err)
	}
}

func TestLayerAddressedThroughOtherSchemeIsNotFound(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	first := mustCreateScheme(t, store, "owner")
	second := mustCreateScheme(t, store, "owner")
	layer := mustCreateTextLayer(t, store, "owner", first.ID, "A")

	_, _, err := store.ApplyLayerMutation(ctx, as("owner"), layer.ID, LayerPatch{SchemeID: second.ID, Name: stringPtr("x")}, nil)
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found through the wrong scheme, got %v", err)
	}
}

func TestSequenceFollowsCommitOrderAndHookRunsAfterCommit(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	scheme := mustCreateScheme(t, store, "owner")

	var sequences []int64
	hook := func(change Change) {
		var stored Scheme
		if err := db.Where("id = ?", change.SchemeID).Take(&stored).Error; err != nil {
			t.Errorf("hook could not read committed scheme: %v", err)
		}
		if stored.EventSeq != change.Sequence {
			t.Errorf("hook observed uncommitted sequence: stored %d change %d", stored.EventSeq, change.Sequence)
		}
		sequences = append(sequences, change.Sequence)
	}
	data, _ := json.Marshal(ShapePayload{Shape: "rect", Color: "#112233"})
	layer, _, err := store.CreateLayer(ctx, as("owner"), scheme.ID, NewLayer{Type: LayerTypeShape, Data: data}, hook)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, _, err := store.ApplyLayerMutation(ctx, as("owner"), layer.ID, LayerPatch{Visible: boolPtr(false)}, hook); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if _, _, err := store.ApplySchemeMutation(ctx, as("owner"), scheme.ID, SchemePatch{Name: stringPtr("Renamed")}, hook); err != nil {
		t.Fatalf("scheme update failed: %v", err)
	}
	if _, err := store.DeleteLayer(ctx, as("owner"), scheme.ID, layer.ID, hook); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	want := []int64{1, 2, 3, 4}
	if len(sequences) != len(want) {
		t.Fatalf("expected %d hooks, got %v", len(want), sequences)
	}
	for index := range want {
		if sequences[index] != want[index] {
			t.Fatalf("expected sequences %v, got %v", want, sequences)
		}
	}
}

func TestDeniedMutationDoesNotConsumeSequence(t *testing.T) {
	store, db := newTestStore(t)
	scheme := mustCreateScheme(t, store, "owner")
	called := false
	_, _, err := store.ApplySchemeMutation(context.Background(), as("stranger"), scheme.ID, SchemePatch{Name: stringPtr("x")}, func(Change) { called = true })
	if err == nil || called {
		t.Fatalf("denied mutation must not commit or publish")
	}
	var stored Scheme
	if err := db.Where("id = ?", scheme.ID).Take(&stored).Error; err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if stored.EventSeq != 0 {
		t.Fatalf("expected sequence 0, got %d", stored.EventSeq)
	}
}

func TestDeleteSchemeCascades(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	scheme := mustCreateScheme(t, store, "owner")
	mustCreateTextLayer(t, store, "owner", scheme.ID, "A")
	mustCreateTextLayer(t, store, "owner", scheme.ID, "B")
	mustShare(t, store, scheme.ID, "editor", true, true)
	if err := store.AddFavorite(ctx, as("editor"), FavoriteKindScheme, scheme.ID); err != nil {
		t.Fatalf("favorite failed: %v", err)
	}

	if _, err := store.DeleteScheme(ctx, as("editor"), scheme.ID, nil); apperrors.ReasonOf(err) != "owner_only" {
		t.Fatalf("editor must not delete, got %v", err)
	}

	var published Change
	change, err := store.DeleteScheme(ctx, as("owner"), scheme.ID, func(c Change) { published = c })
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	payload, ok := change.Payload.(SchemeUpdatedPayload)
	if !ok || !payload.Deleted || published.Sequence != change.Sequence || change.Sequence == 0 {
		t.Fatalf("unexpected delete change %+v", change)
	}
	for _, model := range []any{&Layer{}, &SharedScheme{}, &FavoriteScheme{}} {
		var count int64
		if err := db.Model(model).Where("scheme_id = ?", scheme.ID).Count(&count).Error; err != nil {
			t.Fatalf("count failed: %v", err)
		}
		if count != 0 {
			t.Fatalf("orphan rows left in %T: %d", model, count)
		}
	}
	if _, err := store.SchemeState(ctx, as("owner"), scheme.ID); !access.Hidden(err) {
		t.Fatalf("deleted scheme must be gone, got %v", err)
	}
}

func TestConcurrentReordersStayDenseAndUnique(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	scheme := mustCreateScheme(t, store, "owner")
	mustShare(t, store, scheme.ID, "editor", true, true)
	ids := make([]string, 0, 5)
	for _, text := range []string{"A", "B", "C", "D", "E"} {
		ids = append(ids, mustCreateTextLayer(t, store, "owner", scheme.ID, text).ID)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for worker := 0; worker < 20; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			user := "owner"
			if worker%2 == 1 {
				user = "editor"
			}
			request := []LayerPosition{
				{LayerID: ids[worker%len(ids)], Order: 1 + worker%3},
				{LayerID: ids[(worker+2)%len(ids)], Order: 1 + worker%3},
				{LayerID: "unknown", Order: 1},
			}
			if _, _, err := store.ReorderLayers(ctx, as(user), scheme.ID, request, nil); err != nil {
				errs <- err
			}
		}(worker)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("reorder failed: %v", err)
	}
	orders := layerOrders(t, db, scheme.ID)
	if len(orders) != len(ids) {
		t.Fatalf("expected %d layers, got %d", len(ids), len(orders))
	}
}

func TestConflictingReordersConverge(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	scheme := mustCreateScheme(t, store, "owner")
	l1 := mustCreateTextLayer(t, store, "owner", scheme.ID, "1").ID
	l2 := mustCreateTextLayer(t, store, "owner", scheme.ID, "2").ID
	l3 := mustCreateTextLayer(t, store, "owner", scheme.ID, "3").ID

	first, _, err := store.ReorderLayers(ctx, as("owner"), scheme.ID, []LayerPosition{{l1, 3}, {l2, 1}, {l3, 2}}, nil)
	if err != nil {
		t.Fatalf("first reorder failed: %v", err)
	}
	second, change, err := store.ReorderLayers(ctx, as("owner"), scheme.ID, []LayerPosition{{l1, 2}, {l2, 3}, {l3, 1}}, nil)
	if err != nil {
		t.Fatalf("second reorder failed: %v", err)
	}
	if len(first) != 3 || change.Kind != ChangeLayersReordered {
		t.Fatalf("unexpected reorder results %v %+v", first, change)
	}
	orders := layerOrders(t, db, scheme.ID)
	for _, position := range second {
		if orders[position.LayerID] != position.Order {
			t.Fatalf("stored order %v differs from returned %v", orders, second)
		}
	}
	if orders[l3] != 1 || orders[l1] != 2 || orders[l2] != 3 {
		t.Fatalf("expected last writer's order, got %v", orders)
	}
}

func TestReorderWithoutEffectCommitsNothing(t *testing.T) {
	store, _ := newTestStore(t)
	scheme := mustCreateScheme(t, store, "owner")
	layer := mustCreateTextLayer(t, store, "owner", scheme.ID, "A")
	_, change, err := store.ReorderLayers(context.Background(), as("owner"), scheme.ID, []LayerPosition{{layer.ID, 1}}, func(Change) {
		t.Fatalf("no-op reorder must not publish")
	})
	if err != nil || !change.Empty() {
		t.Fatalf("expected empty change, got %+v %v", change, err)
	}
}

func TestCreateLayerInsertsAtPosition(t *testing.T) {
	store, db := newTestStore(t)
	scheme := mustCreateScheme(t, store, "owner")
	a := mustCreateTextLayer(t, store, "owner", scheme.ID, "A")
	b := mustCreateTextLayer(t, store, "owner", scheme.ID, "B")
	data, _ := json.Marshal(LogoPayload{LogoID: "logo-9"})
	inserted, change, err := store.CreateLayer(context.Background(), as("owner"), scheme.ID, NewLayer{Type: LayerTypeLogo, Order: 1, Data: data}, nil)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	orders := layerOrders(t, db, scheme.ID)
	if orders[inserted.ID] != 1 || orders[a.ID] != 2 || orders[b.ID] != 3 {
		t.Fatalf("unexpected orders %v", orders)
	}
	payload := change.Payload.(LayerCreatedPayload)
	if len(payload.Orders) != 3 {
		t.Fatalf("expected full order in event, got %v", payload.Orders)
	}
}

func TestCreateLayerRejectsInvalidPayload(t *testing.T) {
	store, _ := newTestStore(t)
	scheme := mustCreateScheme(t, store, "owner")
	_, _, err := store.CreateLayer(context.Background(), as("owner"), scheme.ID, NewLayer{Type: LayerTypeText, Data: json.RawMessage(`{"text":"x","radius":4}`)}, nil)
	if !errors.Is(err, apperrors.ErrInvalid) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
}

func TestLockedLayerOnlyUnlocksOrDeletes(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	scheme := mustCreateScheme(t, store, "owner")
	mustShare(t, store, scheme.ID, "editor", true, true)
	layer := mustCreateTextLayer(t, store, "owner", scheme.ID, "A")

	if _, _, err := store.ApplyLayerMutation(ctx, as("owner"), layer.ID, LayerPatch{Locked: boolPtr(true)}, nil); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	_, _, err := store.ApplyLayerMutation(ctx, as("editor"), layer.ID, LayerPatch{Data: json.RawMessage(`{"text":"B"}`)}, nil)
	if apperrors.ReasonOf(err) != "layer_locked" || !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected layer_locked conflict, got %v", err)
	}
	_, _, err = store.ApplyLayerMutation(ctx, as("editor"), layer.ID, LayerPatch{Locked: boolPtr(false), Name: stringPtr("B")}, nil)
	if apperrors.ReasonOf(err) != "layer_locked" {
		t.Fatalf("unlock combined with edits must be rejected, got %v", err)
	}
	unlocked, _, err := store.ApplyLayerMutation(ctx, as("editor"), layer.ID, LayerPatch{Locked: boolPtr(false)}, nil)
	if err != nil || unlocked.Locked {
		t.Fatalf("editor should unlock: %+v %v", unlocked, err)
	}
	if _, _, err := store.ApplyLayerMutation(ctx, as("owner"), layer.ID, LayerPatch{Locked: boolPtr(true)}, nil); err != nil {
		t.Fatalf("relock failed: %v", err)
	}
	if _, err := store.DeleteLayer(ctx, as("editor"), "", layer.ID, nil); err != nil {
		t.Fatalf("locked layer should be deletable: %v", err)
	}
}

func TestPinnedVersionMismatchIsConflict(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	scheme := mustCreateScheme(t, store, "owner")
	layer := mustCreateTextLayer(t, store, "owner", scheme.ID, "A")
	if _, _, err := store.ApplyLayerMutation(ctx, as("owner"), layer.ID, LayerPatch{Name: stringPtr("B")}, nil); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	stale := layer.Version
	_, _, err := store.ApplyLayerMutation(ctx, as("owner"), layer.ID, LayerPatch{Name: stringPtr("C"), ExpectedVersion: &stale}, nil)
	if !errors.Is(err, apperrors.ErrConflict) || !apperrors.Retryable(err) {
		t.Fatalf("expected retryable conflict, got %v", err)
	}
}

func TestStaleVersionRetriesThenConflicts(t *testing.T) {
	store, _ := newTestStore(t)
	scheme := mustCreateScheme(t, store, "owner")
	attempts := 0
	_, err := store.mutate(context.Background(), "test.op", scheme.ID, nil, func(sc scope) (Change, error) {
		attempts++
		if _, err := sc.require("test.op", as("owner"), access.SchemeRef(scheme.ID), access.ActionEdit); err != nil {
			return Change{}, err
		}
		return Change{}, errStaleVersion
	})
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict after retries, got %v", err)
	}
	if attempts != defaultMaxRetries+1 {
		t.Fatalf("expected %d attempts, got %d", defaultMaxRetries+1, attempts)
	}
}

func TestRetryReauthorizesAgainstFreshState(t *testing.T) {
	db := openTestDatabase(t)
	ctx := context.Background()
	revoke := false
	attempts := 0
	store, err := NewStore(ServiceConfig{
		Database:   db,
		IDProvider: &sequentialIDs{},
		Clock: func() time.Time {
			if revoke && attempts == 1 {
				if err := db.Where("user_id = ?", "editor").Delete(&SharedScheme{}).Error; err != nil {
					t.Errorf("revoke failed: %v", err)
				}
			}
			return time.Unix(1700000000, 0)
		},
	})
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	scheme := mustCreateScheme(t, store, "owner")
	mustShare(t, store, scheme.ID, "editor", true, true)

	revoke = true
	_, err = store.mutate(ctx, "test.op", scheme.ID, nil, func(sc scope) (Change, error) {
		attempts++
		if _, err := sc.require("test.op", as("editor"), access.SchemeRef(scheme.ID), access.ActionEdit); err != nil {
			return Change{}, err
		}
		return Change{}, errStaleVersion
	})
	if !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("retry must observe the revoked grant, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected two attempts, got %d", attempts)
	}
}

func TestTimeoutRejectsWithoutApplying(t *testing.T) {
	db := openTestDatabase(t)
	store, err := NewStore(ServiceConfig{Database: db, IDProvider: &sequentialIDs{}, Timeout: time.Nanosecond})
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	scheme := Scheme{ID: "s-timeout", OwnerID: "owner", Name: "Before", Version: 1}
	if err := db.Create(&scheme).Error; err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	time.Sleep(time.Millisecond)
	_, _, err = store.ApplySchemeMutation(context.Background(), as("owner"), scheme.ID, SchemePatch{Name: stringPtr("After")}, nil)
	if !errors.Is(err, apperrors.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	var stored Scheme
	if err := db.Where("id = ?", scheme.ID).Take(&stored).Error; err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if stored.Name != "Before" || stored.EventSeq != 0 {
		t.Fatalf("timed out mutation must not apply, got %+v", stored)
	}
}

func TestLockWaitIsBoundedByTimeout(t *testing.T) {
	db := openTestDatabase(t)
	locks := keylock.New()
	store, err := NewStore(ServiceConfig{Database: db, IDProvider: &sequentialIDs{}, Locks: locks, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	scheme := Scheme{ID: "s-locked", OwnerID: "owner", Name: "Before", Version: 1}
	if err := db.Create(&scheme).Error; err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	release := locks.Lock(scheme.ID)
	_, _, err = store.ApplySchemeMutation(context.Background(), as("owner"), scheme.ID, SchemePatch{Name: stringPtr("After")}, nil)
	release()
	if !errors.Is(err, apperrors.ErrTimeout) {
		t.Fatalf("expected timeout while the scheme lock is held, got %v", err)
	}

	if _, _, err := store.ApplySchemeMutation(context.Background(), as("owner"), scheme.ID, SchemePatch{Name: stringPtr("After")}, nil); err != nil {
		t.Fatalf("expected mutation after release, got %v", err)
	}
}

func TestShareRules(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	scheme := mustCreateScheme(t, store, "owner")

	if _, _, err := store.CreateShare(ctx, as("owner"), scheme.ID, "owner", true, nil); !errors.Is(err, apperrors.ErrInvalid) {
		t.Fatalf("owner must not share with self, got %v", err)
	}
	if _, _, err := store.CreateShare(ctx, as("owner"), scheme.ID, "ghost", true, nil); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("unknown user must be rejected, got %v", err)
	}
	if err := db.Create(&users.Block{UserID: "stranger", BlockedUserID: "owner"}).Error; err != nil {
		t.Fatalf("seed block failed: %v", err)
	}
	if _, _, err := store.CreateShare(ctx, as("owner"), scheme.ID, "stranger", false, nil); apperrors.ReasonOf(err) != "blocked" {
		t.Fatalf("blocked pair must be refused, got %v", err)
	}

	mustShare(t, store, scheme.ID, "editor", false, true)
	if _, _, err := store.CreateShare(ctx, as("owner"), scheme.ID, "editor", true, nil); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("duplicate share must conflict, got %v", err)
	}
	share, change, err := store.SetShare(ctx, as("owner"), scheme.ID, "editor", ShareLevelEdit, nil)
	if err != nil {
		t.Fatalf("level change failed: %v", err)
	}
	if !share.Editable || !share.Accepted {
		t.Fatalf("level change must keep accepted state: %+v", share)
	}
	if payload := change.Payload.(ShareChangedPayload); payload.Level != ShareLevelEdit || payload.RevokesView() {
		t.Fatalf("unexpected share payload %+v", payload)
	}
	if _, _, err := store.SetShare(ctx, as("editor"), scheme.ID, "viewer", ShareLevelView, nil); apperrors.ReasonOf(err) != "owner_only" {
		t.Fatalf("editors must not share, got %v", err)
	}

	removal, err := store.DeleteShare(ctx, as("editor"), scheme.ID, "editor", nil)
	if err != nil {
		t.Fatalf("invited user should leave: %v", err)
	}
	if payload := removal.Payload.(ShareChangedPayload); !payload.Removed || !payload.RevokesView() {
		t.Fatalf("unexpected removal payload %+v", payload)
	}
	var count int64
	db.Model(&SharedScheme{}).Where("scheme_id = ?", scheme.ID).Count(&count)
	if count != 0 {
		t.Fatalf("expected no share rows, got %d", count)
	}
	if _, _, err := store.SetShare(ctx, as("owner"), scheme.ID, "editor", ShareLevelRemove, nil); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("removing a missing share is not found for the owner, got %v", err)
	}
}

func TestCloneCopiesLayersWithFreshIDs(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	scheme := mustCreateScheme(t, store, "owner")
	a := mustCreateTextLayer(t, store, "owner", scheme.ID, "A")
	b := mustCreateTextLayer(t, store, "owner", scheme.ID, "B")

	if _, err := store.CloneScheme(ctx, as("stranger"), scheme.ID, ""); !access.Hidden(err) {
		t.Fatalf("private scheme clone must be hidden, got %v", err)
	}
	if _, _, err := store.ApplySchemeMutation(ctx, as("owner"), scheme.ID, SchemePatch{Public: boolPtr(true)}, nil); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	state, err := store.CloneScheme(ctx, as("stranger"), scheme.ID, "Copy")
	if err != nil {
		t.Fatalf("clone failed: %v", err)
	}
	if state.Scheme.OwnerID != "stranger" || *state.Scheme.OriginalSchemeID != scheme.ID || *state.Scheme.OriginalAuthorID != "owner" {
		t.Fatalf("unexpected provenance %+v", state.Scheme)
	}
	if state.Scheme.Public {
		t.Fatalf("clones start private")
	}
	if len(state.Layers) != 2 || state.Layers[0].ID == a.ID || state.Layers[1].ID == b.ID {
		t.Fatalf("expected fresh layer ids, got %+v", state.Layers)
	}
	if state.Layers[0].PayloadJSON != a.PayloadJSON || state.Layers[1].Order != 2 {
		t.Fatalf("clone must keep payloads and order")
	}
	layerOrders(t, db, scheme.ID)
	var sourceLayers int64
	db.Model(&Layer{}).Where("scheme_id = ?", scheme.ID).Count(&sourceLayers)
	if sourceLayers != 2 {
		t.Fatalf("source must be untouched")
	}
}

func TestFavorites(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	scheme := mustCreateScheme(t, store, "owner")
	if err := store.AddFavorite(ctx, as("stranger"), FavoriteKindScheme, scheme.ID); !access.Hidden(err) {
		t.Fatalf("stranger cannot favorite a private scheme, got %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := store.AddFavorite(ctx, as("owner"), FavoriteKindScheme, scheme.ID); err != nil {
			t.Fatalf("favorite failed: %v", err)
		}
	}
	if err := store.AddFavorite(ctx, as("owner"), FavoriteKindLogo, "logo-1"); err != nil {
		t.Fatalf("favorite logo failed: %v", err)
	}
	favorites, err := store.ListFavorites(ctx, as("owner"))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(favorites.SchemeIDs) != 1 || len(favorites.LogoIDs) != 1 || len(favorites.OverlayIDs) != 0 {
		t.Fatalf("unexpected favorites %+v", favorites)
	}
	if err := store.RemoveFavorite(ctx, as("owner"), FavoriteKindLogo, "logo-1"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	favorites, _ = store.ListFavorites(ctx, as("owner"))
	if len(favorites.LogoIDs) != 0 {
		t.Fatalf("expected logo favorite removed")
	}
}
