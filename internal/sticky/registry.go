// Package sticky maintains the per-forum and global pinned topic lists. A
// topic is in at most one of them at a time.
package sticky

import (
	"context"
	"errors"
	"fmt"

	"forumcore/internal/store"
)

var ErrNotTopic = errors.New("only topics can be stuck")

// Placement says where a topic is pinned.
type Placement int

const (
	NotSticky Placement = iota
	ForumSticky
	GlobalSticky
)

type Registry struct {
	store store.Store
}

func New(st store.Store) *Registry {
	return &Registry{store: st}
}

// Stick pins topicID to its forum, or globally when global is set. Any
// existing placement is removed first.
func (r *Registry) Stick(ctx context.Context, topicID int64, global bool) error {
	topic, err := r.store.Get(ctx, topicID)
	if err != nil {
		return fmt.Errorf("load topic %d: %w", topicID, err)
	}
	if topic.Type != store.TypeTopic {
		return ErrNotTopic
	}
	if err := r.Unstick(ctx, topicID); err != nil {
		return err
	}

	if global {
		ids, err := store.GetOptionIDs(ctx, r.store, store.OptionSuperSticky)
		if err != nil {
			return fmt.Errorf("read global stickies: %w", err)
		}
		ids, err = r.liveTopics(ctx, append(ids, topicID))
		if err != nil {
			return err
		}
		return store.SetOptionIDs(ctx, r.store, store.OptionSuperSticky, ids)
	}

	ids, err := store.GetIDs(ctx, r.store, topic.ParentID, store.MetaStickyTopics)
	if err != nil {
		return fmt.Errorf("read stickies of forum %d: %w", topic.ParentID, err)
	}
	ids, err = r.liveTopics(ctx, append(ids, topicID))
	if err != nil {
		return err
	}
	return store.SetIDs(ctx, r.store, topic.ParentID, store.MetaStickyTopics, ids)
}

// Unstick removes topicID from whichever list holds it. Lists that become
// empty are deleted.
func (r *Registry) Unstick(ctx context.Context, topicID int64) error {
	global, err := store.GetOptionIDs(ctx, r.store, store.OptionSuperSticky)
	if err != nil {
		return fmt.Errorf("read global stickies: %w", err)
	}
	if store.ContainsID(global, topicID) {
		if err := store.SetOptionIDs(ctx, r.store, store.OptionSuperSticky, store.RemoveID(global, topicID)); err != nil {
			return fmt.Errorf("save global stickies: %w", err)
		}
	}

	topic, err := r.store.Get(ctx, topicID)
	if err != nil {
		return fmt.Errorf("load topic %d: %w", topicID, err)
	}
	return r.removeFromForum(ctx, topic.ParentID, topicID)
}

// UnstickFrom removes topicID from forumID's list regardless of where the
// topic lives now. Restructuring uses it before a topic changes parent.
func (r *Registry) UnstickFrom(ctx context.Context, forumID, topicID int64) error {
	return r.removeFromForum(ctx, forumID, topicID)
}

func (r *Registry) removeFromForum(ctx context.Context, forumID, topicID int64) error {
	if forumID == 0 {
		return nil
	}
	ids, err := store.GetIDs(ctx, r.store, forumID, store.MetaStickyTopics)
	if err != nil {
		return fmt.Errorf("read stickies of forum %d: %w", forumID, err)
	}
	if !store.ContainsID(ids, topicID) {
		return nil
	}
	if err := store.SetIDs(ctx, r.store, forumID, store.MetaStickyTopics, store.RemoveID(ids, topicID)); err != nil {
		return fmt.Errorf("save stickies of forum %d: %w", forumID, err)
	}
	return nil
}

// Placement reports where topicID is pinned, checking its own forum.
func (r *Registry) Placement(ctx context.Context, topicID int64) (Placement, error) {
	global, err := store.GetOptionIDs(ctx, r.store, store.OptionSuperSticky)
	if err != nil {
		return NotSticky, fmt.Errorf("read global stickies: %w", err)
	}
	if store.ContainsID(global, topicID) {
		return GlobalSticky, nil
	}
	topic, err := r.store.Get(ctx, topicID)
	if err != nil {
		return NotSticky, fmt.Errorf("load topic %d: %w", topicID, err)
	}
	return r.placementIn(ctx, topic.ParentID, topicID)
}

// PlacementIn reports whether topicID is pinned in forumID's list or globally.
func (r *Registry) PlacementIn(ctx context.Context, forumID, topicID int64) (Placement, error) {
	global, err := store.GetOptionIDs(ctx, r.store, store.OptionSuperSticky)
	if err != nil {
		return NotSticky, fmt.Errorf("read global stickies: %w", err)
	}
	if store.ContainsID(global, topicID) {
		return GlobalSticky, nil
	}
	return r.placementIn(ctx, forumID, topicID)
}

func (r *Registry) placementIn(ctx context.Context, forumID, topicID int64) (Placement, error) {
	ids, err := store.GetIDs(ctx, r.store, forumID, store.MetaStickyTopics)
	if err != nil {
		return NotSticky, fmt.Errorf("read stickies of forum %d: %w", forumID, err)
	}
	if store.ContainsID(ids, topicID) {
		return ForumSticky, nil
	}
	return NotSticky, nil
}

// ForumStickies returns the live topics pinned in forumID.
func (r *Registry) ForumStickies(ctx context.Context, forumID int64) ([]int64, error) {
	ids, err := store.GetIDs(ctx, r.store, forumID, store.MetaStickyTopics)
	if err != nil {
		return nil, fmt.Errorf("read stickies of forum %d: %w", forumID, err)
	}
	return r.liveTopics(ctx, ids)
}

// GlobalStickies returns the live topics pinned everywhere.
func (r *Registry) GlobalStickies(ctx context.Context) ([]int64, error) {
	ids, err := store.GetOptionIDs(ctx, r.store, store.OptionSuperSticky)
	if err != nil {
		return nil, fmt.Errorf("read global stickies: %w", err)
	}
	return r.liveTopics(ctx, ids)
}

// liveTopics dedups ids and drops any that are not existing topics.
func (r *Registry) liveTopics(ctx context.Context, ids []int64) ([]int64, error) {
	ids = store.UniqueIDs(ids)
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		post, err := r.store.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load topic %d: %w", id, err)
		}
		if post.Type == store.TypeTopic {
			out = append(out, id)
		}
	}
	return out, nil
}
