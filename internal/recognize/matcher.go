package recognize

// distanceTolerance is the floating-point tolerance within which two
// candidate distances are considered a tie.
const distanceTolerance = 1e-9

// Matcher resolves observations against the encoding store using cosine
// distance and a single global acceptance threshold.
type Matcher struct {
	store     *EncodingStore
	threshold float64
}

// NewMatcher creates a matcher with the given acceptance threshold.
// Threshold validity is enforced by config validation at startup.
func NewMatcher(store *EncodingStore, threshold float64) *Matcher {
	return &Matcher{store: store, threshold: threshold}
}

// Match finds the enrolled identity closest to the observation embedding.
// An empty store resolves every observation to unknown, not an error.
//
// Tie-break: when two identities sit at the same minimum distance (within
// floating-point tolerance), the one with more reference embeddings wins;
// if still tied the match is rejected rather than guessed.
func (m *Matcher) Match(obs Observation) MatchResult {
	result := MatchResult{Distance: maxDistance, ObservedAt: obs.CapturedAt}

	snap := m.store.Snapshot()
	if snap.RefCount() == 0 || len(obs.Embedding) == 0 {
		return result
	}

	// best cosine distance per identity among the candidate references
	best := map[string]float64{}
	minDistance := maxDistance

	for _, ref := range m.candidates(snap, obs.Embedding) {
		d := CosineDistance(obs.Embedding, ref.embedding)
		if prev, ok := best[ref.identityID]; !ok || d < prev {
			best[ref.identityID] = d
		}
		if d < minDistance {
			minDistance = d
		}
	}

	if minDistance >= m.threshold {
		return result
	}

	winner := ""
	winnerRefs := 0
	tied := false
	for id, d := range best {
		if d-minDistance > distanceTolerance {
			continue
		}
		refs := len(snap.identities[id].Embeddings)
		switch {
		case winner == "" || refs > winnerRefs:
			winner, winnerRefs, tied = id, refs, false
		case refs == winnerRefs && id != winner:
			tied = true
		}
	}
	if winner == "" || tied {
		return result
	}

	result.IdentityID = winner
	result.DisplayName = snap.identities[winner].DisplayName
	result.Distance = minDistance
	return result
}

// candidates returns the references to re-rank exactly. Small snapshots are
// scanned in full; large ones go through the HNSW graph with an oversized k
// so the exact re-rank still sees every plausible winner.
func (m *Matcher) candidates(snap *Snapshot, query []float32) []reference {
	if snap.graph == nil {
		return snap.refs
	}

	k := hnswSearchMultiplier * hnswMaxNeighbors
	if k > len(snap.refs) {
		k = len(snap.refs)
	}

	neighbors := snap.graph.Search(query, k)
	refs := make([]reference, 0, len(neighbors))
	for _, n := range neighbors {
		if ref, ok := snap.refByID[n.Key]; ok {
			refs = append(refs, ref)
		}
	}
	return refs
}
