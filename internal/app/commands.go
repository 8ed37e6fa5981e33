package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"forumcore/internal/errs"
	"forumcore/internal/events"
	"forumcore/internal/lifecycle"
	"forumcore/internal/rbac"
	"forumcore/internal/restructure"
	"forumcore/internal/status"
	"forumcore/internal/store"
)

type MergeInput struct {
	SourceID      int64 `json:"source_id" validate:"required,gt=0"`
	DestinationID int64 `json:"destination_id" validate:"required,gt=0,nefield=SourceID"`
	Subscribers   bool  `json:"subscribers"`
	Favorites     bool  `json:"favorites"`
	Tags          bool  `json:"tags"`
}

type SplitInput struct {
	ReplyID       int64  `json:"reply_id" validate:"required,gt=0"`
	Mode          string `json:"mode" validate:"required,oneof=existing reply"`
	DestinationID int64  `json:"destination_id" validate:"required_if=Mode existing"`
	// Title renames the promoted reply in reply mode; empty keeps the
	// source title.
	Title       string `json:"title" validate:"max=200"`
	Subscribers bool   `json:"subscribers"`
	Favorites   bool   `json:"favorites"`
	Tags        bool   `json:"tags"`
}

// SubmitMerge folds one topic into another.
func (s *Service) SubmitMerge(ctx context.Context, actor Actor, input MergeInput) (restructure.MergeResult, error) {
	var c errs.Collector
	s.requireCapability(&c, actor, rbac.CapModerate)
	s.collect(&c, "merge", input)
	if _, _, err := s.loadTyped(ctx, &c, "merge_source", input.SourceID, store.TypeTopic); err != nil {
		return restructure.MergeResult{}, err
	}
	if _, _, err := s.loadTyped(ctx, &c, "merge_destination", input.DestinationID, store.TypeTopic); err != nil {
		return restructure.MergeResult{}, err
	}
	if err := c.Err(); err != nil {
		return restructure.MergeResult{}, err
	}

	res, err := s.engine.MergeTopic(ctx, input.SourceID, input.DestinationID, restructure.MergeOptions{
		Subscribers: input.Subscribers,
		Favorites:   input.Favorites,
		Tags:        input.Tags,
	})
	if err != nil {
		return restructure.MergeResult{}, classify("merge", err)
	}
	s.publish(events.TopicMerged, events.MergeData{SourceID: res.SourceID, DestinationID: res.DestinationID, Moved: res.Moved})
	return res, nil
}

// SubmitSplit moves a reply and everything after it into another topic.
func (s *Service) SubmitSplit(ctx context.Context, actor Actor, input SplitInput) (restructure.SplitResult, error) {
	input.Mode = strings.ToLower(strings.TrimSpace(input.Mode))
	input.Title = strings.TrimSpace(input.Title)

	var c errs.Collector
	s.requireCapability(&c, actor, rbac.CapModerate)
	s.collect(&c, "split", input)
	reply, ok, err := s.loadTyped(ctx, &c, "split_reply", input.ReplyID, store.TypeReply)
	if err != nil {
		return restructure.SplitResult{}, err
	}
	if input.Mode == string(restructure.SplitExisting) && input.DestinationID > 0 {
		if _, _, err := s.loadTyped(ctx, &c, "split_destination", input.DestinationID, store.TypeTopic); err != nil {
			return restructure.SplitResult{}, err
		}
		if ok && reply.ParentID == input.DestinationID {
			c.Add("split_destination", "cannot split a topic into itself")
		}
	}
	if err := c.Err(); err != nil {
		return restructure.SplitResult{}, err
	}

	res, err := s.engine.SplitTopic(ctx, input.ReplyID, restructure.SplitOptions{
		Mode:          restructure.SplitMode(input.Mode),
		DestinationID: input.DestinationID,
		Title:         input.Title,
		Subscribers:   input.Subscribers,
		Favorites:     input.Favorites,
		Tags:          input.Tags,
	})
	if err != nil {
		return restructure.SplitResult{}, classify("split", err)
	}
	s.publish(events.TopicSplit, events.SplitData{SourceID: res.SourceID, DestinationID: res.DestinationID, Mode: string(res.Mode), Moved: res.Moved})
	return res, nil
}

// MoveTopic relocates a topic to another forum without editing it.
func (s *Service) MoveTopic(ctx context.Context, actor Actor, topicID, forumID int64) (restructure.MoveResult, error) {
	var c errs.Collector
	s.requireCapability(&c, actor, rbac.CapModerate)
	topic, ok, err := s.loadTyped(ctx, &c, "move_topic", topicID, store.TypeTopic)
	if err != nil {
		return restructure.MoveResult{}, err
	}
	forum, found, err := s.loadTyped(ctx, &c, "move_forum", forumID, store.TypeForum)
	if err != nil {
		return restructure.MoveResult{}, err
	}
	if found {
		checkForumOpen(&c, "move_forum", actor, forum)
	}
	if ok && found && topic.ParentID == forumID {
		c.Add("move_forum_same", "topic is already in that forum")
	}
	if topicID <= 0 || forumID <= 0 {
		c.Add("move_invalid", "topic and forum are required")
	}
	if err := c.Err(); err != nil {
		return restructure.MoveResult{}, err
	}

	res, err := s.engine.MoveTopic(ctx, topicID, forumID)
	if err != nil {
		return restructure.MoveResult{}, classify("move", err)
	}
	s.publish(events.TopicMoved, events.MoveData{TopicID: res.TopicID, FromForumID: res.FromForumID, ToForumID: res.ToForumID, Replies: res.Replies})
	return res, nil
}

// Sticky actions accepted by ToggleStatus next to the lifecycle actions.
const (
	ActionStick      lifecycle.Action = "stick"
	ActionSuperStick lifecycle.Action = "super_stick"
	ActionUnstick    lifecycle.Action = "unstick"
)

var knownActions = map[lifecycle.Action]bool{
	lifecycle.ActionClose:     true,
	lifecycle.ActionOpen:      true,
	lifecycle.ActionSpam:      true,
	lifecycle.ActionUnspam:    true,
	lifecycle.ActionTrash:     true,
	lifecycle.ActionUntrash:   true,
	lifecycle.ActionDelete:    true,
	lifecycle.ActionApprove:   true,
	lifecycle.ActionUnapprove: true,
	ActionStick:               true,
	ActionSuperStick:          true,
	ActionUnstick:             true,
}

// StatusResult describes what ToggleStatus changed.
type StatusResult struct {
	PostID   int64
	PostType store.PostType
	Action   lifecycle.Action
	From     status.Status
	To       status.Status
	Children []int64
}

// ToggleStatus applies a status or sticky action to a post and brings every
// affected rollup up to date in the same transaction.
func (s *Service) ToggleStatus(ctx context.Context, actor Actor, id int64, action lifecycle.Action) (StatusResult, error) {
	action = lifecycle.Action(strings.ToLower(strings.TrimSpace(string(action))))

	var c errs.Collector
	s.requireCapability(&c, actor, rbac.CapModerate)
	if !knownActions[action] {
		c.Add("status_action", fmt.Sprintf("unknown action %q", action))
	}
	var post store.Post
	if id <= 0 {
		c.Add("status_post", "a post is required")
	} else {
		var err error
		post, err = s.store.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			c.Add("status_post", fmt.Sprintf("post %d does not exist", id))
		} else if err != nil {
			return StatusResult{}, fmt.Errorf("load post %d: %w", id, err)
		}
	}
	if action == lifecycle.ActionDelete && !actor.can(rbac.CapManage) && post.Type == store.TypeForum {
		c.Add("permission", "you cannot delete forums")
	}
	if err := c.Err(); err != nil {
		return StatusResult{}, err
	}

	var res StatusResult
	err := s.inTx(ctx, func(ops txOps) error {
		switch action {
		case ActionStick, ActionSuperStick:
			res = StatusResult{PostID: id, PostType: post.Type, Action: action, From: post.Status(), To: post.Status()}
			return ops.sticky.Stick(ctx, id, action == ActionSuperStick)
		case ActionUnstick:
			res = StatusResult{PostID: id, PostType: post.Type, Action: action, From: post.Status(), To: post.Status()}
			return ops.sticky.Unstick(ctx, id)
		}

		tr, err := ops.lifecycle.Apply(ctx, id, action)
		if err != nil {
			return err
		}
		res = StatusResult{PostID: id, PostType: post.Type, Action: action, From: tr.From, To: tr.Post.Status(), Children: tr.Children}
		if action == lifecycle.ActionDelete {
			res.To = ""
		}
		return recomputeAfter(ctx, ops, post, tr.Children)
	})
	if err != nil {
		return StatusResult{}, classify("status", err)
	}

	s.publish(events.StatusTransitioned, events.StatusData{
		PostID:   res.PostID,
		PostType: string(res.PostType),
		Action:   string(res.Action),
		From:     string(res.From),
		To:       string(res.To),
		Children: res.Children,
	})
	return res, nil
}

// recomputeAfter refreshes every topic touched by a transition, then every
// forum chain above them. Posts deleted by the transition are skipped.
func recomputeAfter(ctx context.Context, ops txOps, post store.Post, children []int64) error {
	var topics, forums []int64
	note := func(p store.Post) {
		switch p.Type {
		case store.TypeTopic:
			topics = store.UniqueIDs(append(topics, p.ID))
			forums = store.UniqueIDs(append(forums, p.ParentID))
		case store.TypeReply:
			topics = store.UniqueIDs(append(topics, p.ParentID))
			forums = store.UniqueIDs(append(forums, p.ForumID))
		case store.TypeForum:
			forums = store.UniqueIDs(append(forums, p.ID, p.ParentID))
		}
	}
	note(post)
	for _, id := range children {
		child, err := ops.store.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		note(child)
	}

	for _, id := range topics {
		if _, err := ops.store.Get(ctx, id); errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err := ops.aggregate.RefreshTopic(ctx, id); err != nil {
			return err
		}
	}
	for _, id := range forums {
		if id == 0 {
			continue
		}
		if _, err := ops.store.Get(ctx, id); errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err := ops.aggregate.RefreshForum(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ToggleSubscription flips the actor's subscription to a topic and reports
// whether they are now subscribed.
func (s *Service) ToggleSubscription(ctx context.Context, actor Actor, topicID int64) (bool, error) {
	return s.toggleRelation(ctx, actor, store.Subscription, topicID)
}

// ToggleFavorite flips the actor's favorite mark on a topic.
func (s *Service) ToggleFavorite(ctx context.Context, actor Actor, topicID int64) (bool, error) {
	return s.toggleRelation(ctx, actor, store.Favorite, topicID)
}

func (s *Service) toggleRelation(ctx context.Context, actor Actor, rel store.Relation, topicID int64) (bool, error) {
	var c errs.Collector
	if actor.anonymous() {
		c.Add("permission", fmt.Sprintf("log in to manage %ss", rel))
	}
	s.requireCapability(&c, actor, rbac.CapRead)
	if _, _, err := s.loadTyped(ctx, &c, string(rel)+"_topic", topicID, store.TypeTopic); err != nil {
		return false, err
	}
	if topicID <= 0 {
		c.Add(string(rel)+"_topic", "a topic is required")
	}
	if err := c.Err(); err != nil {
		return false, err
	}

	var now bool
	err := s.inTx(ctx, func(ops txOps) error {
		topics, err := ops.store.UserTopics(ctx, rel, actor.UserID)
		if err != nil {
			return err
		}
		if store.ContainsID(topics, topicID) {
			return ops.store.RemoveUserTopic(ctx, rel, actor.UserID, topicID)
		}
		now = true
		return ops.store.AddUserTopic(ctx, rel, actor.UserID, topicID)
	})
	if err != nil {
		return false, classify(string(rel), err)
	}
	return now, nil
}

// RepairReport counts what RepairCounts rebuilt.
type RepairReport struct {
	Topics int
	Forums int
}

// RepairCounts rebuilds every topic and forum rollup from scratch. Forums
// are refreshed children-first so totals roll up correctly.
func (s *Service) RepairCounts(ctx context.Context) (RepairReport, error) {
	var report RepairReport
	err := s.inTx(ctx, func(ops txOps) error {
		report = RepairReport{}
		order, err := forumsPostOrder(ctx, ops.store, 0)
		if err != nil {
			return err
		}
		for _, forumID := range order {
			topics, err := ops.store.Children(ctx, store.ChildQuery{ParentID: forumID, Type: store.TypeTopic})
			if err != nil {
				return err
			}
			for _, topicID := range topics {
				if err := ops.aggregate.RefreshTopic(ctx, topicID); err != nil {
					return err
				}
			}
			report.Topics += len(topics)
		}
		report.Forums = len(order)
		return ops.aggregate.RefreshForums(ctx, order)
	})
	if err != nil {
		return RepairReport{}, classify("repair", err)
	}
	s.logger.Info("rollups repaired", "topics", report.Topics, "forums", report.Forums)
	return report, nil
}

// forumsPostOrder lists every forum under parentID, deepest first.
func forumsPostOrder(ctx context.Context, st store.Store, parentID int64) ([]int64, error) {
	children, err := st.Children(ctx, store.ChildQuery{ParentID: parentID, Type: store.TypeForum, Order: store.OrderMenu})
	if err != nil {
		return nil, err
	}
	var out []int64
	for _, child := range children {
		below, err := forumsPostOrder(ctx, st, child)
		if err != nil {
			return nil, err
		}
		out = append(out, below...)
		out = append(out, child)
	}
	return out, nil
}
