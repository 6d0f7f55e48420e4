package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/livery/internal/auth"
	"github.com/MarcoPoloResearchLab/livery/internal/database"
	"github.com/MarcoPoloResearchLab/livery/internal/realtime"
	"github.com/MarcoPoloResearchLab/livery/internal/schemes"
	"github.com/MarcoPoloResearchLab/livery/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testPassword = "correct horse battery"

type harness struct {
	engine   *Engine
	registry *realtime.Registry
	users    map[string]auth.Identity
}

type harnessOptions struct {
	sessionBuffer int
	replayWindow  int
}

func newHarness(t *testing.T, options harnessOptions) *harness {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db, zap.NewNop()))

	userService, err := users.NewService(users.ServiceConfig{Database: db, BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)
	identities := make(map[string]auth.Identity)
	for _, handle := range []string{"owner", "bob", "carol", "stranger", "admin"} {
		user, err := userService.Register(context.Background(), users.RegisterRequest{
			Email:    handle + "@example.com",
			Password: testPassword,
			IsAdmin:  handle == "admin",
		})
		require.NoError(t, err)
		identities[handle] = auth.Identity{UserID: user.ID, IsAdmin: user.IsAdmin}
	}

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte("collab-test-secret"), TokenTTL: time.Hour})
	require.NoError(t, err)
	verifier, err := auth.NewVerifier(auth.VerifierConfig{Tokens: issuer, Credentials: userService, CookieName: "livery_session"})
	require.NoError(t, err)
	store, err := schemes.NewStore(schemes.ServiceConfig{Database: db, IDProvider: schemes.NewUUIDProvider()})
	require.NoError(t, err)

	buffer := options.sessionBuffer
	if buffer == 0 {
		buffer = 32
	}
	window := options.replayWindow
	if window == 0 {
		window = 64
	}
	registry := realtime.NewRegistry(realtime.RegistryConfig{SessionBuffer: buffer})
	eventLog := realtime.NewMemoryEventLog(window)
	engine, err := NewEngine(Config{
		Store:       store,
		Verifier:    verifier,
		Passwords:   userService,
		Tokens:      issuer,
		Registry:    registry,
		Broadcaster: realtime.NewBroadcaster(registry, eventLog, zap.NewNop()),
		Reconnector: realtime.NewReconnector(realtime.ReconnectorConfig{Registry: registry, Log: eventLog}),
	})
	require.NoError(t, err)
	return &harness{engine: engine, registry: registry, users: identities}
}

func (h *harness) as(handle string) auth.Identity {
	return h.users[handle]
}

func (h *harness) createScheme(t *testing.T) schemes.State {
	t.Helper()
	state, err := h.engine.CreateScheme(context.Background(), h.as("owner"), schemes.NewScheme{Name: "Livery", CarMake: "gt3"})
	require.NoError(t, err)
	return state
}

func (h *harness) createLayer(t *testing.T, originSessionID, schemeID, text string) Applied {
	t.Helper()
	data, err := json.Marshal(schemes.TextPayload{Text: text})
	require.NoError(t, err)
	applied, err := h.engine.RequestLayerCreate(context.Background(), h.as("owner"), originSessionID, schemeID,
		schemes.NewLayer{Type: schemes.LayerTypeText, Name: text, Data: data})
	require.NoError(t, err)
	return applied
}

func (h *harness) share(t *testing.T, schemeID, handle string, level schemes.ShareLevel, accept bool) {
	t.Helper()
	_, err := h.engine.RequestShareChange(context.Background(), h.as("owner"), "", schemeID, h.as(handle).UserID, level)
	require.NoError(t, err)
	if accept {
		_, err = h.engine.AcceptShare(context.Background(), h.as(handle), schemeID)
		require.NoError(t, err)
	}
}

func (h *harness) join(t *testing.T, handle, connectionID, schemeID string) Joined {
	t.Helper()
	joined, err := h.engine.JoinSchemeSession(context.Background(), h.as(handle), connectionID, schemeID)
	require.NoError(t, err)
	return joined
}

// drain collects queued messages without blocking.
func drain(session *realtime.Session) []realtime.Message {
	var messages []realtime.Message
	for {
		select {
		case message := <-session.Outbound():
			messages = append(messages, message)
		default:
			return messages
		}
	}
}

func eventSequences(messages []realtime.Message) []int64 {
	var sequences []int64
	for _, message := range messages {
		if message.Kind == realtime.MessageEvent {
			sequences = append(sequences, message.Event.Sequence)
		}
	}
	return sequences
}

// applyAll folds events into mirror in sequence order.
func applyAll(t *testing.T, mirror *realtime.Mirror, events []realtime.Event) {
	t.Helper()
	sort.Slice(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })
	for _, event := range events {
		_, err := mirror.Apply(event)
		require.NoError(t, err)
	}
}

func eventsOf(messages []realtime.Message) []realtime.Event {
	var events []realtime.Event
	for _, message := range messages {
		if message.Kind == realtime.MessageEvent {
			events = append(events, *message.Event)
		}
	}
	return events
}

func orderOf(layers []schemes.Layer) []string {
	ids := make([]string, len(layers))
	for index, layer := range layers {
		ids[index] = layer.ID
	}
	return ids
}
