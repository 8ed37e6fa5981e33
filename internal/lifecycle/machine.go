// Package lifecycle applies reversible status transitions to forums, topics
// and replies. Transitions only change statuses and their bookkeeping; the
// caller is responsible for recomputing aggregates afterwards.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"forumcore/internal/metrics"
	"forumcore/internal/status"
	"forumcore/internal/store"
)

var (
	ErrNoChange          = errors.New("post is already in the target status")
	ErrInvalidTransition = errors.New("transition not allowed")
	ErrUnknownAction     = errors.New("unknown status action")
)

type Action string

const (
	ActionClose     Action = "close"
	ActionOpen      Action = "open"
	ActionSpam      Action = "spam"
	ActionUnspam    Action = "unspam"
	ActionTrash     Action = "trash"
	ActionUntrash   Action = "untrash"
	ActionDelete    Action = "delete"
	ActionApprove   Action = "approve"
	ActionUnapprove Action = "unapprove"
)

// Transition describes what a status action did.
type Transition struct {
	Action Action
	// Post is the post after the transition. For deletes it is the post as
	// it was just before removal.
	Post store.Post
	From status.Status
	// Children lists descendants whose status changed along with Post.
	Children []int64
}

type Machine struct {
	store  store.Store
	logger *slog.Logger
}

func New(st store.Store, logger *slog.Logger) *Machine {
	return &Machine{store: st, logger: logger}
}

// Apply dispatches action to the matching transition.
func (m *Machine) Apply(ctx context.Context, id int64, action Action) (Transition, error) {
	var (
		tr  Transition
		err error
	)
	switch action {
	case ActionClose:
		tr, err = m.Close(ctx, id)
	case ActionOpen:
		tr, err = m.Open(ctx, id)
	case ActionSpam:
		tr, err = m.Spam(ctx, id)
	case ActionUnspam:
		tr, err = m.Unspam(ctx, id)
	case ActionTrash:
		tr, err = m.Trash(ctx, id)
	case ActionUntrash:
		tr, err = m.Untrash(ctx, id)
	case ActionDelete:
		tr, err = m.Delete(ctx, id)
	case ActionApprove:
		tr, err = m.Approve(ctx, id)
	case ActionUnapprove:
		tr, err = m.Unapprove(ctx, id)
	default:
		return Transition{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if err != nil {
		return Transition{}, err
	}
	metrics.StatusTransitions.WithLabelValues(string(tr.Post.Type), string(action)).Inc()
	m.logger.Debug("status transition", "post_id", id, "action", action, "from", tr.From, "to", tr.Post.Status(), "children", len(tr.Children))
	return tr, nil
}

func (m *Machine) load(ctx context.Context, id int64, action Action, types ...store.PostType) (store.Post, error) {
	post, err := m.store.Get(ctx, id)
	if err != nil {
		return store.Post{}, fmt.Errorf("load post %d: %w", id, err)
	}
	for _, t := range types {
		if post.Type == t {
			return post, nil
		}
	}
	return store.Post{}, fmt.Errorf("%w: %s %s", ErrInvalidTransition, action, post.Type)
}

func (m *Machine) save(ctx context.Context, post store.Post, state status.State) (store.Post, error) {
	if !post.Type.Allows(state.Current) {
		return store.Post{}, fmt.Errorf("%w: %s cannot be %s", ErrInvalidTransition, post.Type, state.Current)
	}
	post.State = state
	if err := m.store.Update(ctx, post); err != nil {
		return store.Post{}, fmt.Errorf("save post %d: %w", post.ID, err)
	}
	return post, nil
}

// Close stashes the current status and closes a topic or forum.
func (m *Machine) Close(ctx context.Context, id int64) (Transition, error) {
	post, err := m.load(ctx, id, ActionClose, store.TypeTopic, store.TypeForum)
	if err != nil {
		return Transition{}, err
	}
	if post.Status() == status.Closed {
		return Transition{}, ErrNoChange
	}
	from := post.Status()
	post, err = m.save(ctx, post, post.State.Push(status.Closed))
	return Transition{Action: ActionClose, Post: post, From: from}, err
}

// Open restores whatever status a topic or forum had before it was closed.
func (m *Machine) Open(ctx context.Context, id int64) (Transition, error) {
	post, err := m.load(ctx, id, ActionOpen, store.TypeTopic, store.TypeForum)
	if err != nil {
		return Transition{}, err
	}
	if post.Status() != status.Closed {
		return Transition{}, ErrNoChange
	}
	post, err = m.save(ctx, post, post.State.Restore(status.Public))
	return Transition{Action: ActionOpen, Post: post, From: status.Closed}, err
}

func (m *Machine) Approve(ctx context.Context, id int64) (Transition, error) {
	post, err := m.load(ctx, id, ActionApprove, store.TypeTopic, store.TypeReply)
	if err != nil {
		return Transition{}, err
	}
	switch post.Status() {
	case status.Public:
		return Transition{}, ErrNoChange
	case status.Pending:
	default:
		return Transition{}, fmt.Errorf("%w: approve from %s", ErrInvalidTransition, post.Status())
	}
	next := status.State{Current: status.Public}
	if post.State.Previous.IsVisible() {
		next.Current = post.State.Previous
	}
	post, err = m.save(ctx, post, next)
	return Transition{Action: ActionApprove, Post: post, From: status.Pending}, err
}

func (m *Machine) Unapprove(ctx context.Context, id int64) (Transition, error) {
	post, err := m.load(ctx, id, ActionUnapprove, store.TypeTopic, store.TypeReply)
	if err != nil {
		return Transition{}, err
	}
	from := post.Status()
	if from == status.Pending {
		return Transition{}, ErrNoChange
	}
	if !from.IsVisible() {
		return Transition{}, fmt.Errorf("%w: unapprove from %s", ErrInvalidTransition, from)
	}
	post, err = m.save(ctx, post, post.State.Push(status.Pending))
	return Transition{Action: ActionUnapprove, Post: post, From: from}, err
}

// Spam marks a topic or reply as spam. For a topic its public replies are
// trashed and remembered, and its tags are stripped and stashed.
func (m *Machine) Spam(ctx context.Context, id int64) (Transition, error) {
	post, err := m.load(ctx, id, ActionSpam, store.TypeTopic, store.TypeReply)
	if err != nil {
		return Transition{}, err
	}
	if post.Status() == status.Spam {
		return Transition{}, ErrNoChange
	}
	from := post.Status()

	var trashed []int64
	if post.Type == store.TypeTopic {
		trashed, err = m.trashChildren(ctx, post.ID, store.TypeReply, status.Set{status.Public})
		if err != nil {
			return Transition{}, err
		}
		if err := store.SetIDs(ctx, m.store, post.ID, store.MetaSpamTrashed, trashed); err != nil {
			return Transition{}, fmt.Errorf("record spam-trashed replies: %w", err)
		}
		if err := m.stashTags(ctx, post.ID); err != nil {
			return Transition{}, err
		}
	}

	post, err = m.save(ctx, post, post.State.Push(status.Spam))
	return Transition{Action: ActionSpam, Post: post, From: from, Children: trashed}, err
}

// Unspam undoes Spam: the status is restored (public when nothing was
// stashed), tags come back and exactly the replies Spam trashed are untrashed.
func (m *Machine) Unspam(ctx context.Context, id int64) (Transition, error) {
	post, err := m.load(ctx, id, ActionUnspam, store.TypeTopic, store.TypeReply)
	if err != nil {
		return Transition{}, err
	}
	if post.Status() != status.Spam {
		return Transition{}, ErrNoChange
	}

	var restored []int64
	if post.Type == store.TypeTopic {
		if err := m.restoreTags(ctx, post.ID); err != nil {
			return Transition{}, err
		}
		restored, err = m.untrashRecorded(ctx, post.ID, store.MetaSpamTrashed)
		if err != nil {
			return Transition{}, err
		}
	}

	post, err = m.save(ctx, post, post.State.Restore(status.Public))
	return Transition{Action: ActionUnspam, Post: post, From: status.Spam, Children: restored}, err
}

// Trash moves a post to the trash. Forums trash their live topics and
// topics trash their live replies; only the children trashed here are
// recorded for Untrash.
func (m *Machine) Trash(ctx context.Context, id int64) (Transition, error) {
	post, err := m.load(ctx, id, ActionTrash, store.TypeForum, store.TypeTopic, store.TypeReply)
	if err != nil {
		return Transition{}, err
	}
	if post.Status() == status.Trash {
		return Transition{}, ErrNoChange
	}
	from := post.Status()

	var trashed []int64
	switch post.Type {
	case store.TypeForum:
		topics, err := m.liveChildren(ctx, post.ID, store.TypeTopic)
		if err != nil {
			return Transition{}, err
		}
		for _, topicID := range topics {
			tr, err := m.Trash(ctx, topicID)
			if err != nil {
				return Transition{}, err
			}
			trashed = append(trashed, topicID)
			trashed = append(trashed, tr.Children...)
		}
		if err := store.SetIDs(ctx, m.store, post.ID, store.MetaTrashedChildren, topics); err != nil {
			return Transition{}, fmt.Errorf("record trashed topics: %w", err)
		}
	case store.TypeTopic:
		trashed, err = m.trashChildren(ctx, post.ID, store.TypeReply, liveStatuses)
		if err != nil {
			return Transition{}, err
		}
		if err := store.SetIDs(ctx, m.store, post.ID, store.MetaTrashedChildren, trashed); err != nil {
			return Transition{}, fmt.Errorf("record trashed replies: %w", err)
		}
	}

	post, err = m.save(ctx, post, post.State.Push(status.Trash))
	return Transition{Action: ActionTrash, Post: post, From: from, Children: trashed}, err
}

// Untrash restores a trashed post and the children its Trash recorded.
func (m *Machine) Untrash(ctx context.Context, id int64) (Transition, error) {
	post, err := m.load(ctx, id, ActionUntrash, store.TypeForum, store.TypeTopic, store.TypeReply)
	if err != nil {
		return Transition{}, err
	}
	if post.Status() != status.Trash {
		return Transition{}, ErrNoChange
	}

	var restored []int64
	switch post.Type {
	case store.TypeForum:
		topics, err := store.GetIDs(ctx, m.store, post.ID, store.MetaTrashedChildren)
		if err != nil {
			return Transition{}, fmt.Errorf("read trashed topics: %w", err)
		}
		for _, topicID := range topics {
			tr, err := m.Untrash(ctx, topicID)
			if errors.Is(err, ErrNoChange) || errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return Transition{}, err
			}
			restored = append(restored, topicID)
			restored = append(restored, tr.Children...)
		}
		if err := m.store.DeleteMeta(ctx, post.ID, store.MetaTrashedChildren); err != nil {
			return Transition{}, fmt.Errorf("clear trashed topics: %w", err)
		}
	case store.TypeTopic:
		restored, err = m.untrashRecorded(ctx, post.ID, store.MetaTrashedChildren)
		if err != nil {
			return Transition{}, err
		}
	}

	post, err = m.save(ctx, post, post.State.Restore(status.Public))
	return Transition{Action: ActionUntrash, Post: post, From: status.Trash, Children: restored}, err
}

// Delete permanently removes a post and all of its descendants.
func (m *Machine) Delete(ctx context.Context, id int64) (Transition, error) {
	post, err := m.store.Get(ctx, id)
	if err != nil {
		return Transition{}, fmt.Errorf("load post %d: %w", id, err)
	}
	descendants, err := m.descendants(ctx, id)
	if err != nil {
		return Transition{}, err
	}
	if err := m.store.Delete(ctx, id, true); err != nil {
		return Transition{}, fmt.Errorf("delete post %d: %w", id, err)
	}
	return Transition{Action: ActionDelete, Post: post, From: post.Status(), Children: descendants}, nil
}

// liveStatuses are the child statuses a trash cascade moves to the trash.
var liveStatuses = status.Set{status.Public, status.Closed, status.Pending, status.Private, status.Orphan}

func (m *Machine) liveChildren(ctx context.Context, parentID int64, childType store.PostType) ([]int64, error) {
	ids, err := m.store.Children(ctx, store.ChildQuery{ParentID: parentID, Type: childType, Statuses: liveStatuses, Order: store.OrderCreatedAsc})
	if err != nil {
		return nil, fmt.Errorf("list children of %d: %w", parentID, err)
	}
	return ids, nil
}

func (m *Machine) trashChildren(ctx context.Context, parentID int64, childType store.PostType, from status.Set) ([]int64, error) {
	ids, err := m.store.Children(ctx, store.ChildQuery{ParentID: parentID, Type: childType, Statuses: from, Order: store.OrderCreatedAsc})
	if err != nil {
		return nil, fmt.Errorf("list children of %d: %w", parentID, err)
	}
	for _, id := range ids {
		child, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load child %d: %w", id, err)
		}
		if _, err := m.save(ctx, child, child.State.Push(status.Trash)); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// untrashRecorded restores the children listed under key that are still in
// the trash, then clears the list.
func (m *Machine) untrashRecorded(ctx context.Context, parentID int64, key string) ([]int64, error) {
	ids, err := store.GetIDs(ctx, m.store, parentID, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	restored := make([]int64, 0, len(ids))
	for _, id := range ids {
		child, err := m.store.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load child %d: %w", id, err)
		}
		if child.ParentID != parentID || child.Status() != status.Trash {
			continue
		}
		if _, err := m.save(ctx, child, child.State.Restore(status.Public)); err != nil {
			return nil, err
		}
		restored = append(restored, id)
	}
	if err := m.store.DeleteMeta(ctx, parentID, key); err != nil {
		return nil, fmt.Errorf("clear %s: %w", key, err)
	}
	return restored, nil
}

func (m *Machine) stashTags(ctx context.Context, topicID int64) error {
	tags, err := m.store.Tags(ctx, topicID)
	if err != nil {
		return fmt.Errorf("read tags of %d: %w", topicID, err)
	}
	if len(tags) == 0 {
		return nil
	}
	if err := m.store.SetMeta(ctx, topicID, store.MetaStashedTags, joinTags(tags)); err != nil {
		return fmt.Errorf("stash tags of %d: %w", topicID, err)
	}
	if err := m.store.SetTags(ctx, topicID, nil); err != nil {
		return fmt.Errorf("strip tags of %d: %w", topicID, err)
	}
	return nil
}

func (m *Machine) restoreTags(ctx context.Context, topicID int64) error {
	raw, ok, err := m.store.GetMeta(ctx, topicID, store.MetaStashedTags)
	if err != nil {
		return fmt.Errorf("read stashed tags of %d: %w", topicID, err)
	}
	if !ok {
		return nil
	}
	if err := m.store.SetTags(ctx, topicID, splitTags(raw)); err != nil {
		return fmt.Errorf("restore tags of %d: %w", topicID, err)
	}
	if err := m.store.DeleteMeta(ctx, topicID, store.MetaStashedTags); err != nil {
		return fmt.Errorf("clear stashed tags of %d: %w", topicID, err)
	}
	return nil
}

func (m *Machine) descendants(ctx context.Context, id int64) ([]int64, error) {
	children, err := m.store.Children(ctx, store.ChildQuery{ParentID: id})
	if err != nil {
		return nil, fmt.Errorf("list children of %d: %w", id, err)
	}
	out := append([]int64(nil), children...)
	for _, child := range children {
		below, err := m.descendants(ctx, child)
		if err != nil {
			return nil, err
		}
		out = append(out, below...)
	}
	return out, nil
}
