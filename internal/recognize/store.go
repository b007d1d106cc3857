package recognize

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/coder/hnsw"
)

// ErrDuplicateEmbedding is returned when the exact same reference embedding
// is enrolled twice for the same identity.
var ErrDuplicateEmbedding = errors.New("embedding already enrolled for this identity")

// HNSW index parameters for face reference embeddings
const (
	// hnswMaxNeighbors (M) is the maximum number of neighbors per node.
	// Higher values improve recall but increase memory and build time.
	hnswMaxNeighbors = 16

	// hnswSearchMultiplier is the factor to request more candidates from HNSW
	// to ensure we have enough after exact-distance re-ranking.
	hnswSearchMultiplier = 3

	// linearScanCutoff is the reference count below which the matcher scans
	// every embedding instead of querying the graph. Small rosters are
	// cheaper to scan exactly than to approximate.
	linearScanCutoff = 64
)

// reference is one enrolled embedding, keyed for the HNSW graph.
type reference struct {
	id         int64
	identityID string
	embedding  []float32
}

// Snapshot is an immutable view of the store. The matcher works against a
// snapshot, so enrollment never corrupts an in-flight match; writers build a
// fresh snapshot and swap the pointer.
type Snapshot struct {
	identities map[string]Identity
	refs       []reference
	refByID    map[int64]reference
	graph      *hnsw.Graph[int64]
}

// RefCount returns the number of reference embeddings in the snapshot.
func (s *Snapshot) RefCount() int {
	return len(s.refs)
}

// Identity returns the identity for an ID, if present.
func (s *Snapshot) Identity(id string) (Identity, bool) {
	ident, ok := s.identities[id]
	return ident, ok
}

// EncodingStore holds enrolled identities and their reference embeddings.
// Reads are lock-free against an immutable snapshot; writes serialize on mu
// and publish a new snapshot.
type EncodingStore struct {
	mu      sync.RWMutex
	snap    *Snapshot
	nextRef int64
}

// NewEncodingStore creates an empty store.
func NewEncodingStore() *EncodingStore {
	return &EncodingStore{snap: emptySnapshot()}
}

func emptySnapshot() *Snapshot {
	return &Snapshot{identities: map[string]Identity{}}
}

// Snapshot returns the current immutable view for matching.
func (s *EncodingStore) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Enroll adds a reference embedding for the named person, creating the
// identity if it does not exist yet. Multiple distinct embeddings per
// identity are allowed (multi-pose recognition); the exact same embedding
// twice is rejected with ErrDuplicateEmbedding.
func (s *EncodingStore) Enroll(displayName string, embedding []float32) (Identity, error) {
	if len(embedding) == 0 {
		return Identity{}, errors.New("empty embedding")
	}
	id := IdentityID(displayName)
	if id == "" {
		return Identity{}, fmt.Errorf("invalid display name %q", displayName)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ident, exists := s.snap.identities[id]
	if exists {
		for _, existing := range ident.Embeddings {
			if embeddingsEqual(existing, embedding) {
				return Identity{}, ErrDuplicateEmbedding
			}
		}
	} else {
		ident = Identity{ID: id, DisplayName: displayName}
	}

	ident.Embeddings = append(append([][]float32{}, ident.Embeddings...), embedding)

	next := cloneIdentities(s.snap.identities)
	next[id] = ident
	s.publish(next)
	return ident, nil
}

// Remove deletes an identity and all its reference embeddings.
// Removing an unknown identity is a no-op.
func (s *EncodingStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snap.identities[id]; !ok {
		return
	}
	next := cloneIdentities(s.snap.identities)
	delete(next, id)
	s.publish(next)
}

// Load replaces the store contents wholesale. Used to bootstrap from
// persisted identities at startup.
func (s *EncodingStore) Load(identities []Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]Identity, len(identities))
	for _, ident := range identities {
		if ident.ID == "" {
			ident.ID = IdentityID(ident.DisplayName)
		}
		next[ident.ID] = ident
	}
	s.publish(next)
}

// LookupAll returns every (identity, embedding) pair in the store.
func (s *EncodingStore) LookupAll() []Identity {
	snap := s.Snapshot()
	out := make([]Identity, 0, len(snap.identities))
	for _, ident := range snap.identities {
		out = append(out, ident)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Names returns the display names of all enrolled people, sorted.
func (s *EncodingStore) Names() []string {
	idents := s.LookupAll()
	names := make([]string, len(idents))
	for i, ident := range idents {
		names[i] = ident.DisplayName
	}
	sort.Strings(names)
	return names
}

// Count returns the number of enrolled identities.
func (s *EncodingStore) Count() int {
	return len(s.Snapshot().identities)
}

// publish rebuilds references and the HNSW graph for the given identity set
// and swaps in the new snapshot. Caller must hold mu. Rebuilding on every
// write is fine: enrollment is rare next to matching.
func (s *EncodingStore) publish(identities map[string]Identity) {
	snap := &Snapshot{identities: identities, refByID: map[int64]reference{}}

	ids := make([]string, 0, len(identities))
	for id := range identities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		for _, emb := range identities[id].Embeddings {
			s.nextRef++
			ref := reference{id: s.nextRef, identityID: id, embedding: emb}
			snap.refs = append(snap.refs, ref)
			snap.refByID[ref.id] = ref
		}
	}

	if len(snap.refs) > linearScanCutoff {
		g := hnsw.NewGraph[int64]()
		g.M = hnswMaxNeighbors
		g.Ml = 1.0 / float64(hnswMaxNeighbors) // Standard HNSW formula
		g.Distance = hnsw.CosineDistance
		for _, ref := range snap.refs {
			g.Add(hnsw.MakeNode(ref.id, ref.embedding))
		}
		snap.graph = g
	}

	s.snap = snap
}

func cloneIdentities(src map[string]Identity) map[string]Identity {
	dst := make(map[string]Identity, len(src)+1)
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func embeddingsEqual(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
