package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"forumcore/internal/status"
)

var ErrHasChildren = errors.New("post has children")

// MemoryStore keeps the content tree in a flat table keyed by ID with a
// parent → children index. Transactions snapshot the whole table and restore
// it on failure, and only one transaction runs at a time.
type MemoryStore struct {
	mu    sync.RWMutex
	txMu  sync.Mutex
	state *memoryState
	now   func() time.Time
}

type memoryState struct {
	nextID       int64
	nextRevision int64
	posts        map[int64]Post
	children     map[int64][]int64
	meta         map[int64]map[string]string
	options      map[string]string
	tags         map[int64][]string
	userTopics   map[Relation]map[int64][]int64
	revisions    map[int64][]Revision
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: newMemoryState(),
		now:   time.Now,
	}
}

// WithClock overrides the clock used for CreatedAt/UpdatedAt defaults.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func newMemoryState() *memoryState {
	return &memoryState{
		posts:      make(map[int64]Post),
		children:   make(map[int64][]int64),
		meta:       make(map[int64]map[string]string),
		options:    make(map[string]string),
		tags:       make(map[int64][]string),
		userTopics: map[Relation]map[int64][]int64{Subscription: {}, Favorite: {}},
		revisions:  make(map[int64][]Revision),
	}
}

func (m *memoryState) clone() *memoryState {
	out := newMemoryState()
	out.nextID = m.nextID
	out.nextRevision = m.nextRevision
	for id, post := range m.posts {
		out.posts[id] = post
	}
	for id, ids := range m.children {
		out.children[id] = append([]int64(nil), ids...)
	}
	for id, values := range m.meta {
		copied := make(map[string]string, len(values))
		for k, v := range values {
			copied[k] = v
		}
		out.meta[id] = copied
	}
	for k, v := range m.options {
		out.options[k] = v
	}
	for id, tags := range m.tags {
		out.tags[id] = append([]string(nil), tags...)
	}
	for rel, byUser := range m.userTopics {
		copied := make(map[int64][]int64, len(byUser))
		for user, ids := range byUser {
			copied[user] = append([]int64(nil), ids...)
		}
		out.userTopics[rel] = copied
	}
	for id, revs := range m.revisions {
		out.revisions[id] = append([]Revision(nil), revs...)
	}
	return out
}

func (s *MemoryStore) Create(_ context.Context, post Post) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if post.ParentID != 0 {
		if _, ok := s.state.posts[post.ParentID]; !ok {
			return 0, fmt.Errorf("create %s: parent %d: %w", post.Type, post.ParentID, ErrNotFound)
		}
	}
	s.state.nextID++
	post.ID = s.state.nextID
	now := s.now()
	if post.CreatedAt.IsZero() {
		post.CreatedAt = now
	}
	post.UpdatedAt = now
	if post.Type == TypeTopic && post.TopicID == 0 {
		post.TopicID = post.ID
	}
	s.state.posts[post.ID] = post
	s.state.children[post.ParentID] = append(s.state.children[post.ParentID], post.ID)
	return post.ID, nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	post, ok := s.state.posts[id]
	if !ok {
		return Post{}, ErrNotFound
	}
	return post, nil
}

func (s *MemoryStore) Update(_ context.Context, post Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.state.posts[post.ID]
	if !ok {
		return fmt.Errorf("update %d: %w", post.ID, ErrNotFound)
	}
	if existing.ParentID != post.ParentID {
		if post.ParentID != 0 {
			if _, ok := s.state.posts[post.ParentID]; !ok {
				return fmt.Errorf("update %d: parent %d: %w", post.ID, post.ParentID, ErrNotFound)
			}
		}
		s.state.children[existing.ParentID] = RemoveID(s.state.children[existing.ParentID], post.ID)
		s.state.children[post.ParentID] = append(s.state.children[post.ParentID], post.ID)
	}
	post.UpdatedAt = s.now()
	s.state.posts[post.ID] = post
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id int64, cascade bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	post, ok := s.state.posts[id]
	if !ok {
		return fmt.Errorf("delete %d: %w", id, ErrNotFound)
	}
	if len(s.state.children[id]) > 0 && !cascade {
		return fmt.Errorf("delete %d: %w", id, ErrHasChildren)
	}
	s.state.children[post.ParentID] = RemoveID(s.state.children[post.ParentID], id)
	s.deleteTree(id)
	return nil
}

func (s *MemoryStore) deleteTree(id int64) {
	for _, child := range s.state.children[id] {
		s.deleteTree(child)
	}
	delete(s.state.children, id)
	delete(s.state.posts, id)
	delete(s.state.meta, id)
	delete(s.state.tags, id)
	delete(s.state.revisions, id)
	for _, byUser := range s.state.userTopics {
		for user, topics := range byUser {
			byUser[user] = RemoveID(topics, id)
		}
	}
}

func (s *MemoryStore) Children(_ context.Context, q ChildQuery) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	posts := s.matchChildren(q)
	ids := make([]int64, len(posts))
	for i, post := range posts {
		ids[i] = post.ID
	}
	return ids, nil
}

func (s *MemoryStore) CountChildren(_ context.Context, q ChildQuery) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.matchChildren(q)), nil
}

func (s *MemoryStore) matchChildren(q ChildQuery) []Post {
	var out []Post
	for _, id := range s.state.children[q.ParentID] {
		post := s.state.posts[id]
		if q.Type != "" && post.Type != q.Type {
			continue
		}
		if !q.Statuses.Contains(post.Status()) {
			continue
		}
		out = append(out, post)
	}
	switch q.Order {
	case OrderCreatedDesc:
		SortChronological(out)
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	case OrderMenu:
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].MenuOrder != out[j].MenuOrder {
				return out[i].MenuOrder < out[j].MenuOrder
			}
			if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].CreatedAt.Before(out[j].CreatedAt)
			}
			return out[i].ID < out[j].ID
		})
	default:
		SortChronological(out)
	}
	return out
}

func (s *MemoryStore) Ancestors(_ context.Context, id int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	post, ok := s.state.posts[id]
	if !ok {
		return nil, fmt.Errorf("ancestors %d: %w", id, ErrNotFound)
	}
	var chain []int64
	seen := map[int64]struct{}{id: {}}
	for parent := post.ParentID; parent != 0; {
		if _, loop := seen[parent]; loop {
			return nil, fmt.Errorf("ancestors %d: cycle at %d", id, parent)
		}
		seen[parent] = struct{}{}
		chain = append(chain, parent)
		next, ok := s.state.posts[parent]
		if !ok {
			break
		}
		parent = next.ParentID
	}
	return chain, nil
}

func (s *MemoryStore) GetMeta(_ context.Context, id int64, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.state.meta[id][key]
	return value, ok, nil
}

func (s *MemoryStore) SetMeta(_ context.Context, id int64, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.posts[id]; !ok {
		return fmt.Errorf("set meta %s on %d: %w", key, id, ErrNotFound)
	}
	if s.state.meta[id] == nil {
		s.state.meta[id] = make(map[string]string)
	}
	s.state.meta[id][key] = value
	return nil
}

func (s *MemoryStore) DeleteMeta(_ context.Context, id int64, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.meta[id], key)
	return nil
}

func (s *MemoryStore) GetOption(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.state.options[key]
	return value, ok, nil
}

func (s *MemoryStore) SetOption(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.options[key] = value
	return nil
}

func (s *MemoryStore) DeleteOption(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.options, key)
	return nil
}

func (s *MemoryStore) Tags(_ context.Context, topicID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.state.tags[topicID]...), nil
}

func (s *MemoryStore) SetTags(_ context.Context, topicID int64, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tags = normalizeTags(tags)
	if len(tags) == 0 {
		delete(s.state.tags, topicID)
		return nil
	}
	s.state.tags[topicID] = tags
	return nil
}

func (s *MemoryStore) AddUserTopic(_ context.Context, rel Relation, userID, topicID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byUser := s.state.userTopics[rel]
	if byUser == nil {
		return fmt.Errorf("unknown relation %q", rel)
	}
	if !ContainsID(byUser[userID], topicID) {
		byUser[userID] = append(byUser[userID], topicID)
	}
	return nil
}

func (s *MemoryStore) RemoveUserTopic(_ context.Context, rel Relation, userID, topicID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byUser := s.state.userTopics[rel]; byUser != nil {
		byUser[userID] = RemoveID(byUser[userID], topicID)
	}
	return nil
}

func (s *MemoryStore) TopicUsers(_ context.Context, rel Relation, topicID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var users []int64
	for user, topics := range s.state.userTopics[rel] {
		if ContainsID(topics, topicID) {
			users = append(users, user)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}

func (s *MemoryStore) UserTopics(_ context.Context, rel Relation, userID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int64(nil), s.state.userTopics[rel][userID]...), nil
}

func (s *MemoryStore) AppendRevision(_ context.Context, rev Revision) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.posts[rev.PostID]; !ok {
		return 0, fmt.Errorf("append revision to %d: %w", rev.PostID, ErrNotFound)
	}
	s.state.nextRevision++
	rev.ID = s.state.nextRevision
	if rev.CreatedAt.IsZero() {
		rev.CreatedAt = s.now()
	}
	s.state.revisions[rev.PostID] = append(s.state.revisions[rev.PostID], rev)
	return rev.ID, nil
}

func (s *MemoryStore) Revisions(_ context.Context, postID int64) ([]Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Revision(nil), s.state.revisions[postID]...), nil
}

func (s *MemoryStore) FindDuplicate(_ context.Context, q DuplicateQuery) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var match int64
	for id, post := range s.state.posts {
		if post.Type != q.Type || post.Status() == status.Trash {
			continue
		}
		if q.ScopeToParent && post.ParentID != q.ParentID {
			continue
		}
		if q.AuthorID != 0 {
			if post.AuthorID != q.AuthorID {
				continue
			}
		} else if post.AuthorID != 0 || post.Anonymous.Email != q.AnonymousEmail {
			continue
		}
		if post.Content != q.Content {
			continue
		}
		if match == 0 || id < match {
			match = id
		}
	}
	return match, match != 0, nil
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()

	if err := fn(&memoryTx{MemoryStore: s}); err != nil {
		s.mu.Lock()
		s.state = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// memoryTx is the Store handed to WithTx callbacks; nested transactions
// join the outer one.
type memoryTx struct {
	*MemoryStore
}

func (t *memoryTx) WithTx(_ context.Context, fn func(tx Store) error) error {
	return fn(t)
}
