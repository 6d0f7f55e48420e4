package schemes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/livery/internal/auth"
	"github.com/MarcoPoloResearchLab/livery/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (p *sequentialIDs) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("id-%03d", p.next), nil
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	models := append([]any{&users.User{}, &users.Block{}}, Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	for _, id := range []string{"owner", "viewer", "editor", "pending", "stranger"} {
		user := users.User{ID: id, Email: id + "@example.com", PasswordHash: "hash-" + id}
		if err := db.Create(&user).Error; err != nil {
			t.Fatalf("failed to seed user %s: %v", id, err)
		}
	}
	return db
}

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db := openTestDatabase(t)
	store, err := NewStore(ServiceConfig{
		Database:   db,
		IDProvider: &sequentialIDs{},
		Clock:      func() time.Time { return time.Unix(1700000000, 0) },
		Timeout:    5 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store, db
}

func as(userID string) auth.Identity {
	return auth.Identity{UserID: userID}
}

func mustCreateScheme(t *testing.T, store *Store, owner string) Scheme {
	t.Helper()
	scheme, err := store.CreateScheme(context.Background(), as(owner), NewScheme{Name: "Livery", CarMake: "gt3"})
	if err != nil {
		t.Fatalf("create scheme failed: %v", err)
	}
	return scheme
}

func mustCreateTextLayer(t *testing.T, store *Store, owner, schemeID, text string) Layer {
	t.Helper()
	data, _ := json.Marshal(TextPayload{Text: text, Color: "#ffffff"})
	layer, _, err := store.CreateLayer(context.Background(), as(owner), schemeID, NewLayer{Type: LayerTypeText, Name: text, Data: data}, nil)
	if err != nil {
		t.Fatalf("create layer failed: %v", err)
	}
	return layer
}

func mustShare(t *testing.T, store *Store, schemeID, user string, editable, accept bool) {
	t.Helper()
	ctx := context.Background()
	if _, _, err := store.CreateShare(ctx, as("owner"), schemeID, user, editable, nil); err != nil {
		t.Fatalf("create share failed: %v", err)
	}
	if accept {
		if _, _, err := store.AcceptShare(ctx, as(user), schemeID, nil); err != nil {
			t.Fatalf("accept share failed: %v", err)
		}
	}
}

func layerOrders(t *testing.T, db *gorm.DB, schemeID string) map[string]int {
	t.Helper()
	var layers []Layer
	if err := db.Where("scheme_id = ?", schemeID).Find(&layers).Error; err != nil {
		t.Fatalf("failed to load layers: %v", err)
	}
	orders := make(map[string]int, len(layers))
	for _, layer := range layers {
		orders[layer.ID] = layer.Order
	}
	if !denseOrder(layers) {
		t.Fatalf("layer orders are not dense: %v", orders)
	}
	return orders
}

func stringPtr(value string) *string { return &value }

func boolPtr(value bool) *bool { return &value }
