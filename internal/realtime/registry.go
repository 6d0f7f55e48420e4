package realtime

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/livery/internal/auth"
	"github.com/google/uuid"
)

const (
	registryShardCount   = 32
	defaultSessionBuffer = 128
)

type registryShard struct {
	mu        sync.RWMutex
	bySession map[string]*Session
	byScheme  map[string]map[string]*Session
}

// Registry indexes live sessions by id and by scheme. Shards are locked one at a time.
type Registry struct {
	shards [registryShardCount]*registryShard
	buffer int
	clock  func() time.Time
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	SessionBuffer int
	Clock         func() time.Time
}

// NewRegistry builds an empty registry.
func NewRegistry(config RegistryConfig) *Registry {
	buffer := config.SessionBuffer
	if buffer <= 0 {
		buffer = defaultSessionBuffer
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}
	registry := &Registry{buffer: buffer, clock: clock}
	for index := range registry.shards {
		registry.shards[index] = &registryShard{
			bySession: make(map[string]*Session),
			byScheme:  make(map[string]map[string]*Session),
		}
	}
	return registry
}

func (r *Registry) shardFor(key string) *registryShard {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	return r.shards[hasher.Sum32()%registryShardCount]
}

// Join returns the connection's session on schemeID, creating it in the Connecting state
// when absent. The boolean reports whether a session was created. Authorization is the
// caller's concern.
func (r *Registry) Join(connectionID string, identity auth.Identity, schemeID string) (*Session, bool) {
	schemeShard := r.shardFor(schemeID)
	schemeShard.mu.Lock()
	members := schemeShard.byScheme[schemeID]
	for _, existing := range members {
		if existing.connectionID == connectionID && existing.State() != StateLeft {
			schemeShard.mu.Unlock()
			return existing, false
		}
	}
	sessionID, err := uuid.NewV7()
	if err != nil {
		sessionID = uuid.New()
	}
	session := newSession(sessionID.String(), connectionID, identity, schemeID, r.buffer, r.clock())
	if members == nil {
		members = make(map[string]*Session)
		schemeShard.byScheme[schemeID] = members
	}
	members[session.id] = session
	schemeShard.mu.Unlock()

	sessionShard := r.shardFor(session.id)
	sessionShard.mu.Lock()
	sessionShard.bySession[session.id] = session
	sessionShard.mu.Unlock()
	return session, true
}

// Leave moves session to Left and unregisters it. Only the first call reports true.
func (r *Registry) Leave(session *Session) bool {
	return r.leave(session, nil)
}

func (r *Registry) leave(session *Session, notice *Message) bool {
	if !session.leave(notice) {
		return false
	}
	r.remove(session)
	return true
}

// EvictUser removes userID's sessions on schemeID, telling each client why.
func (r *Registry) EvictUser(schemeID, userID, reason string) []*Session {
	return r.evict(r.UserSessions(userID, schemeID), reason)
}

// EvictScheme removes every session on schemeID.
func (r *Registry) EvictScheme(schemeID, reason string) []*Session {
	return r.evict(r.Sessions(schemeID), reason)
}

// EvictUserEverywhere removes userID's sessions on every scheme.
func (r *Registry) EvictUserEverywhere(userID, reason string) []*Session {
	return r.evict(r.UserSessions(userID, ""), reason)
}

func (r *Registry) evict(sessions []*Session, reason string) []*Session {
	evicted := make([]*Session, 0, len(sessions))
	for _, session := range sessions {
		notice := &Message{Kind: MessageEvicted, SchemeID: session.schemeID, Reason: reason}
		if r.leave(session, notice) {
			evicted = append(evicted, session)
		}
	}
	return evicted
}

func (r *Registry) remove(session *Session) {
	schemeShard := r.shardFor(session.schemeID)
	schemeShard.mu.Lock()
	if members, ok := schemeShard.byScheme[session.schemeID]; ok {
		delete(members, session.id)
		if len(members) == 0 {
			delete(schemeShard.byScheme, session.schemeID)
		}
	}
	schemeShard.mu.Unlock()

	sessionShard := r.shardFor(session.id)
	sessionShard.mu.Lock()
	delete(sessionShard.bySession, session.id)
	sessionShard.mu.Unlock()
}

// Lookup finds a session by id.
func (r *Registry) Lookup(sessionID string) (*Session, bool) {
	shard := r.shardFor(sessionID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	session, ok := shard.bySession[sessionID]
	return session, ok
}

// Sessions lists the sessions on schemeID ordered by join time.
func (r *Registry) Sessions(schemeID string) []*Session {
	shard := r.shardFor(schemeID)
	shard.mu.RLock()
	sessions := make([]*Session, 0, len(shard.byScheme[schemeID]))
	for _, session := range shard.byScheme[schemeID] {
		sessions = append(sessions, session)
	}
	shard.mu.RUnlock()
	sortSessions(sessions)
	return sessions
}

// Peers lists the sessions on schemeID other than excludeSessionID.
func (r *Registry) Peers(schemeID, excludeSessionID string) []*Session {
	sessions := r.Sessions(schemeID)
	peers := sessions[:0]
	for _, session := range sessions {
		if session.id != excludeSessionID {
			peers = append(peers, session)
		}
	}
	return peers
}

// UserSessions lists userID's sessions; an empty schemeID matches every scheme.
func (r *Registry) UserSessions(userID, schemeID string) []*Session {
	var candidates []*Session
	if schemeID != "" {
		candidates = r.Sessions(schemeID)
	} else {
		candidates = r.All()
	}
	matched := make([]*Session, 0)
	for _, session := range candidates {
		if session.identity.UserID == userID {
			matched = append(matched, session)
		}
	}
	return matched
}

// All lists every registered session.
func (r *Registry) All() []*Session {
	sessions := make([]*Session, 0)
	for _, shard := range r.shards {
		shard.mu.RLock()
		for _, session := range shard.bySession {
			sessions = append(sessions, session)
		}
		shard.mu.RUnlock()
	}
	sortSessions(sessions)
	return sessions
}

// Stats summarises registry occupancy.
type Stats struct {
	Schemes  int `json:"schemes"`
	Sessions int `json:"sessions"`
}

// Stats counts schemes with sessions and total sessions.
func (r *Registry) Stats() Stats {
	var stats Stats
	for _, shard := range r.shards {
		shard.mu.RLock()
		stats.Schemes += len(shard.byScheme)
		stats.Sessions += len(shard.bySession)
		shard.mu.RUnlock()
	}
	return stats
}

func sortSessions(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].joinedAt.Equal(sessions[j].joinedAt) {
			return sessions[i].id < sessions[j].id
		}
		return sessions[i].joinedAt.Before(sessions[j].joinedAt)
	})
}
