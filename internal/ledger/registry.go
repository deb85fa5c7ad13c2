package ledger

import (
	"encoding/binary"
	"fmt"
	"sort"

	"LendRisk/internal/state"
)

// TokenID is the compact numeric form of a token address, used by the
// persistence layer for journal rows and by projections for joins.
type TokenID uint16

// Registry assigns TokenIDs as tokens are listed. IDs are allocated
// sequentially starting at 1 and never reused, so persisted rows stay
// resolvable across restarts as long as listing order is replayed.
type Registry struct {
	byToken map[state.Token]TokenID
	byID    map[TokenID]state.Token
	next    TokenID
}

func NewRegistry() *Registry {
	return &Registry{
		byToken: make(map[state.Token]TokenID),
		byID:    make(map[TokenID]state.Token),
		next:    1,
	}
}

// Register assigns an ID to the token, or returns the existing one.
func (r *Registry) Register(token state.Token) TokenID {
	if id, ok := r.byToken[token]; ok {
		return id
	}
	id := r.next
	r.next++
	r.byToken[token] = id
	r.byID[id] = token
	return id
}

func (r *Registry) IDOf(token state.Token) (TokenID, bool) {
	id, ok := r.byToken[token]
	return id, ok
}

func (r *Registry) TokenOf(id TokenID) (state.Token, bool) {
	token, ok := r.byID[id]
	return token, ok
}

// MustIDOf resolves a token that is known to be registered. Listing
// registers every token before any flow can reference it, so a miss is
// a programming error.
func (r *Registry) MustIDOf(token state.Token) (TokenID, error) {
	id, ok := r.byToken[token]
	if !ok {
		return 0, fmt.Errorf("token %s not registered", token)
	}
	return id, nil
}

// RegistryEntry is an exported (id, token) assignment for snapshots.
type RegistryEntry struct {
	ID    TokenID
	Token state.Token
}

// Entries exports all assignments in ID order.
func (r *Registry) Entries() []RegistryEntry {
	out := make([]RegistryEntry, 0, len(r.byID))
	for id, token := range r.byID {
		out = append(out, RegistryEntry{ID: id, Token: token})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RestoreRegistry rebuilds a registry from snapshot entries. The next
// ID resumes past the highest restored one.
func RestoreRegistry(entries []RegistryEntry) *Registry {
	r := NewRegistry()
	for _, e := range entries {
		r.byToken[e.Token] = e.ID
		r.byID[e.ID] = e.Token
		if e.ID >= r.next {
			r.next = e.ID + 1
		}
	}
	return r
}

func (r *Registry) Clone() *Registry {
	c := &Registry{
		byToken: make(map[state.Token]TokenID, len(r.byToken)),
		byID:    make(map[TokenID]state.Token, len(r.byID)),
		next:    r.next,
	}
	for t, id := range r.byToken {
		c.byToken[t] = id
		c.byID[id] = t
	}
	return c
}

// CanonicalBytes serializes the registry for the state hash chain.
func (r *Registry) CanonicalBytes() []byte {
	ids := make([]int, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	buf := make([]byte, 0, 32*len(ids))
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(len(ids)))
	buf = append(buf, tmp[:]...)
	for _, id := range ids {
		binary.LittleEndian.PutUint64(tmp[:], uint64(id))
		buf = append(buf, tmp[:]...)
		token := r.byID[TokenID(id)]
		binary.LittleEndian.PutUint64(tmp[:], uint64(len(token)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, token...)
	}
	return buf
}
