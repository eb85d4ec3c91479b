package store

import (
	"sort"
	"sync"

	"securereader/pkg/domain"
)

// MemoryStore is an in-memory Store used by tests and local development.
type MemoryStore struct {
	mu           sync.RWMutex
	users        map[string]domain.User
	deviceInfo   map[string]domain.DeviceInfo
	contents     map[string]domain.ContentItem
	segments     map[string][]domain.Segment
	entitlements map[string]map[string]domain.Entitlement // userID -> contentID
	progress     map[string]map[string]domain.ReadingProgress
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[string]domain.User),
		deviceInfo:   make(map[string]domain.DeviceInfo),
		contents:     make(map[string]domain.ContentItem),
		segments:     make(map[string][]domain.Segment),
		entitlements: make(map[string]map[string]domain.Entitlement),
		progress:     make(map[string]map[string]domain.ReadingProgress),
	}
}

func (s *MemoryStore) SaveUser(u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok, nil
}

func (s *MemoryStore) SetUserDeviceInfo(userID string, info domain.DeviceInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceInfo[userID] = info
	return nil
}

// UserDeviceInfo is a test helper exposing the mirrored device descriptor.
func (s *MemoryStore) UserDeviceInfo(userID string) (domain.DeviceInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.deviceInfo[userID]
	return info, ok
}

func (s *MemoryStore) SaveContent(c domain.ContentItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contents[c.ID] = c
	return nil
}

func (s *MemoryStore) GetContent(id string) (domain.ContentItem, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contents[id]
	return c, ok, nil
}

func (s *MemoryStore) ListActiveContents() ([]domain.ContentItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ContentItem
	for _, c := range s.contents {
		if c.Active {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ReplaceSegments(contentID string, segments []domain.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := make([]domain.Segment, len(segments))
	copy(replaced, segments)
	for i := range replaced {
		replaced[i].ContentID = contentID
	}
	sort.Slice(replaced, func(i, j int) bool { return replaced[i].Index < replaced[j].Index })
	s.segments[contentID] = replaced
	return nil
}

func (s *MemoryStore) ListSegments(contentID string) ([]domain.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	segs := s.segments[contentID]
	out := make([]domain.Segment, len(segs))
	copy(out, segs)
	return out, nil
}

func (s *MemoryStore) SaveEntitlement(e domain.Entitlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byContent, ok := s.entitlements[e.UserID]
	if !ok {
		byContent = make(map[string]domain.Entitlement)
		s.entitlements[e.UserID] = byContent
	}
	if _, exists := byContent[e.ContentID]; !exists {
		byContent[e.ContentID] = e
	}
	return nil
}

func (s *MemoryStore) HasEntitlement(userID, contentID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byContent, ok := s.entitlements[userID]
	if !ok {
		return false, nil
	}
	_, ok = byContent[contentID]
	return ok, nil
}

func (s *MemoryStore) UpsertProgress(p domain.ReadingProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byContent, ok := s.progress[p.UserID]
	if !ok {
		byContent = make(map[string]domain.ReadingProgress)
		s.progress[p.UserID] = byContent
	}
	byContent[p.ContentID] = p
	return nil
}

func (s *MemoryStore) GetProgress(userID, contentID string) (domain.ReadingProgress, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byContent, ok := s.progress[userID]
	if !ok {
		return domain.ReadingProgress{}, false, nil
	}
	p, ok := byContent[contentID]
	return p, ok, nil
}
