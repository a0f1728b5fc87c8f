package importer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quillmark/quillmark/internal/content"
)

// fakeStore is an in-memory content.Store for tests. It records persistence
// calls, tracks how many are in flight at once, and can inject failures per
// title.
type fakeStore struct {
	mu         sync.Mutex
	users      map[string]bool
	categories map[string]string
	tags       map[string]string
	records    map[string]*content.Record
	refs       []content.Ref
	nextID     int

	persistDelay time.Duration
	failTitles   map[string]error

	inFlight    int
	maxInFlight int
	creates     int
	updates     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:      make(map[string]bool),
		categories: make(map[string]string),
		tags:       make(map[string]string),
		records:    make(map[string]*content.Record),
		failTitles: make(map[string]error),
	}
}

func (s *fakeStore) seed(ref content.Ref) {
	s.mu.Lock()
	s.refs = append(s.refs, ref)
	s.mu.Unlock()
}

func (s *fakeStore) UserExists(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[userID], nil
}

func (s *fakeStore) FindOrCreateCategory(_ context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.categories[name]; ok {
		return id, nil
	}
	id := fmt.Sprintf("cat-%d", len(s.categories)+1)
	s.categories[name] = id
	return id, nil
}

func (s *fakeStore) CreateOrFindTags(_ context.Context, names []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(names))
	for _, name := range names {
		if id, ok := s.tags[name]; ok {
			ids = append(ids, id)
			continue
		}
		id := fmt.Sprintf("tag-%d", len(s.tags)+1)
		s.tags[name] = id
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *fakeStore) CreateContent(_ context.Context, record *content.Record) (content.Ref, error) {
	s.enter()
	defer s.leave()
	if s.persistDelay > 0 {
		time.Sleep(s.persistDelay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failTitles[record.Title]; ok {
		return content.Ref{}, err
	}

	s.nextID++
	s.creates++
	ref := content.Ref{
		ID:    fmt.Sprintf("content-%d", s.nextID),
		Title: record.Title,
		Slug:  record.Slug,
	}
	s.records[ref.ID] = record
	s.refs = append(s.refs, ref)
	return ref, nil
}

func (s *fakeStore) UpdateContent(_ context.Context, id string, record *content.Record) (content.Ref, error) {
	s.enter()
	defer s.leave()
	if s.persistDelay > 0 {
		time.Sleep(s.persistDelay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	s.records[id] = record
	ref := content.Ref{ID: id, Title: record.Title, Slug: record.Slug}
	for i, r := range s.refs {
		if r.ID == id {
			s.refs[i] = ref
		}
	}
	return ref, nil
}

func (s *fakeStore) FindContentBySlugOrTitle(_ context.Context, slug, title string) (*content.Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slug != "" {
		for _, r := range s.refs {
			if r.Slug == slug {
				ref := r
				return &ref, nil
			}
		}
	}
	for _, r := range s.refs {
		if r.Title == title {
			ref := r
			return &ref, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) enter() {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	s.mu.Unlock()
}

func (s *fakeStore) leave() {
	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
}
