package broadcast

import "sync"

// SubscriptionIndex relates asset ids to the connections subscribed to them.
// It keeps a reverse map so Purge touches only the connection's own assets.
type SubscriptionIndex struct {
	mu      sync.Mutex
	byAsset map[string]map[string]struct{}
	byConn  map[string]map[string]struct{}
}

func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{
		byAsset: make(map[string]map[string]struct{}),
		byConn:  make(map[string]map[string]struct{}),
	}
}

// Subscribe adds connID to every named asset. Repeating it is a no-op.
func (s *SubscriptionIndex) Subscribe(connID string, assetIDs []string) {
	if len(assetIDs) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, asset := range assetIDs {
		addMember(s.byAsset, asset, connID)
		addMember(s.byConn, connID, asset)
	}
}

// Unsubscribe removes connID from every named asset, pruning empty sets.
func (s *SubscriptionIndex) Unsubscribe(connID string, assetIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, asset := range assetIDs {
		removeMember(s.byAsset, asset, connID)
		removeMember(s.byConn, connID, asset)
	}
}

// Purge removes connID from every asset it is subscribed to.
func (s *SubscriptionIndex) Purge(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for asset := range s.byConn[connID] {
		removeMember(s.byAsset, asset, connID)
	}
	delete(s.byConn, connID)
}

// SubscribersOf returns a copy of the connections subscribed to assetID.
func (s *SubscriptionIndex) SubscribersOf(assetID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return keys(s.byAsset[assetID])
}

// AssetsOf returns a copy of the assets connID is subscribed to.
func (s *SubscriptionIndex) AssetsOf(connID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return keys(s.byConn[connID])
}

// Len returns the number of assets with at least one subscriber.
func (s *SubscriptionIndex) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byAsset)
}

func addMember(m map[string]map[string]struct{}, key, member string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[member] = struct{}{}
}

func removeMember(m map[string]map[string]struct{}, key, member string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, member)
	if len(set) == 0 {
		delete(m, key)
	}
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
