package restructure

import (
	"context"
	"fmt"

	"forumcore/internal/aggregate"
	"forumcore/internal/store"
)

// relinkReplies applies edit to every reply of topicID, oldest first, and
// returns their IDs.
func relinkReplies(ctx context.Context, st store.Store, topicID int64, edit func(*store.Post)) ([]int64, error) {
	ids, err := st.Children(ctx, store.ChildQuery{ParentID: topicID, Type: store.TypeReply, Order: store.OrderCreatedAsc})
	if err != nil {
		return nil, fmt.Errorf("list replies of %d: %w", topicID, err)
	}
	for _, id := range ids {
		reply, err := st.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load reply %d: %w", id, err)
		}
		edit(&reply)
		if err := st.Update(ctx, reply); err != nil {
			return nil, fmt.Errorf("relink reply %d: %w", id, err)
		}
	}
	return ids, nil
}

// renumberReplies assigns positions 1..n to a topic's replies in
// chronological order.
func renumberReplies(ctx context.Context, st store.Store, topicID int64) error {
	ids, err := st.Children(ctx, store.ChildQuery{ParentID: topicID, Type: store.TypeReply, Order: store.OrderCreatedAsc})
	if err != nil {
		return fmt.Errorf("list replies of %d: %w", topicID, err)
	}
	for i, id := range ids {
		reply, err := st.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("load reply %d: %w", id, err)
		}
		if reply.MenuOrder == i+1 {
			continue
		}
		reply.MenuOrder = i + 1
		if err := st.Update(ctx, reply); err != nil {
			return fmt.Errorf("renumber reply %d: %w", id, err)
		}
	}
	return nil
}

type associations struct {
	subscribers bool
	favorites   bool
	tags        bool
}

// transferAssociations copies the selected associations from source to
// destination. With strip set, every association is removed from source
// whether or not it was copied.
func transferAssociations(ctx context.Context, st store.Store, sourceID, destinationID int64, copyWhat associations, strip bool) error {
	relations := []struct {
		rel  store.Relation
		copy bool
	}{
		{store.Subscription, copyWhat.subscribers},
		{store.Favorite, copyWhat.favorites},
	}
	for _, r := range relations {
		if !r.copy && !strip {
			continue
		}
		users, err := st.TopicUsers(ctx, r.rel, sourceID)
		if err != nil {
			return fmt.Errorf("list %s users of %d: %w", r.rel, sourceID, err)
		}
		for _, user := range users {
			if r.copy {
				if err := st.AddUserTopic(ctx, r.rel, user, destinationID); err != nil {
					return fmt.Errorf("copy %s of user %d: %w", r.rel, user, err)
				}
			}
			if strip {
				if err := st.RemoveUserTopic(ctx, r.rel, user, sourceID); err != nil {
					return fmt.Errorf("remove %s of user %d: %w", r.rel, user, err)
				}
			}
		}
	}

	if !copyWhat.tags && !strip {
		return nil
	}
	tags, err := st.Tags(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("read tags of %d: %w", sourceID, err)
	}
	if copyWhat.tags && len(tags) > 0 {
		existing, err := st.Tags(ctx, destinationID)
		if err != nil {
			return fmt.Errorf("read tags of %d: %w", destinationID, err)
		}
		if err := st.SetTags(ctx, destinationID, append(existing, tags...)); err != nil {
			return fmt.Errorf("copy tags to %d: %w", destinationID, err)
		}
	}
	if strip && len(tags) > 0 {
		if err := st.SetTags(ctx, sourceID, nil); err != nil {
			return fmt.Errorf("strip tags of %d: %w", sourceID, err)
		}
	}
	return nil
}

// refreshBranches rebuilds the forum chains above fromForum and toForum.
// Forums only on one side go first, then the shared ancestors once each,
// so every forum is rebuilt after all of its changed children.
func refreshBranches(ctx context.Context, agg *aggregate.Maintainer, fromForum, toForum int64) error {
	oldChain, err := agg.Chain(ctx, fromForum)
	if err != nil {
		return err
	}
	newChain, err := agg.Chain(ctx, toForum)
	if err != nil {
		return err
	}
	oldOnly, shared := partition(oldChain, newChain)
	newOnly, _ := partition(newChain, oldChain)

	for _, ids := range [][]int64{oldOnly, newOnly, shared} {
		if err := agg.RefreshForums(ctx, ids); err != nil {
			return err
		}
	}
	return nil
}

// partition splits chain into the IDs absent from other and the IDs present
// in it, both in chain order.
func partition(chain, other []int64) (only, common []int64) {
	for _, id := range chain {
		if store.ContainsID(other, id) {
			common = append(common, id)
		} else {
			only = append(only, id)
		}
	}
	return only, common
}
