package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"forumcore/internal/aggregate"
	"forumcore/internal/errs"
	"forumcore/internal/events"
	"forumcore/internal/moderation"
	"forumcore/internal/rbac"
	"forumcore/internal/restructure"
	"forumcore/internal/status"
	"forumcore/internal/store"
)

type CreateForumInput struct {
	ParentID int64  `json:"parent_id" validate:"gte=0"`
	Title    string `json:"title" validate:"required,max=200"`
	Content  string `json:"content"`
	// Status is public, private or hidden; empty means public.
	Status   string `json:"status" validate:"omitempty,oneof=public private hidden"`
	Category bool   `json:"category"`
}

type NewTopicInput struct {
	ForumID   int64    `json:"forum_id" validate:"required,gt=0"`
	Title     string   `json:"title" validate:"required,max=200"`
	Content   string   `json:"content" validate:"required"`
	Tags      []string `json:"tags" validate:"omitempty,dive,max=64"`
	Subscribe bool     `json:"subscribe"`
	// Stick is "", "stick" or "super"; only moderators may set it.
	Stick string `json:"stick" validate:"omitempty,oneof=stick super"`
}

type EditTopicInput struct {
	TopicID int64  `json:"topic_id" validate:"required,gt=0"`
	Title   string `json:"title" validate:"required,max=200"`
	Content string `json:"content" validate:"required"`
	// ForumID moves the topic when it differs from the current forum.
	ForumID int64 `json:"forum_id" validate:"gte=0"`
	// Tags replaces the topic's tags when non-nil.
	Tags   []string `json:"tags" validate:"omitempty,dive,max=64"`
	Reason string   `json:"reason" validate:"max=200"`
}

type NewReplyInput struct {
	TopicID   int64  `json:"topic_id" validate:"required,gt=0"`
	Content   string `json:"content" validate:"required"`
	Subscribe bool   `json:"subscribe"`
}

type EditReplyInput struct {
	ReplyID int64  `json:"reply_id" validate:"required,gt=0"`
	Content string `json:"content" validate:"required"`
	Reason  string `json:"reason" validate:"max=200"`
}

type anonymousFields struct {
	Name  string `json:"name" validate:"required,max=100"`
	Email string `json:"email" validate:"required,email"`
	URL   string `json:"url" validate:"omitempty,url"`
}

// checkAnonymous validates the identity anonymous posters must supply.
func (s *Service) checkAnonymous(c *errs.Collector, actor Actor) {
	if !actor.anonymous() {
		return
	}
	s.collect(c, "anonymous", anonymousFields{
		Name:  strings.TrimSpace(actor.Name),
		Email: strings.TrimSpace(actor.Email),
		URL:   strings.TrimSpace(actor.URL),
	})
}

// checkForumOpen reports why forum cannot take a new topic from actor.
func checkForumOpen(c *errs.Collector, code string, actor Actor, forum store.Post) {
	switch forum.Status() {
	case status.Category:
		c.Add(code+"_category", "this forum is a category; no topics can be created in it")
	case status.Closed:
		if !actor.can(rbac.CapModerate) {
			c.Add(code+"_closed", "this forum is closed to new topics")
		}
	case status.Trash, status.Hidden, status.Private:
		if !actor.can(rbac.CapModerate) {
			c.Add(code+"_forbidden", "you cannot post in this forum")
		}
	}
}

// CreateForum adds a forum or category under ParentID (0 for the root).
func (s *Service) CreateForum(ctx context.Context, actor Actor, input CreateForumInput) (int64, error) {
	input.Title = strings.TrimSpace(input.Title)

	var c errs.Collector
	s.requireCapability(&c, actor, rbac.CapManage)
	s.collect(&c, "forum", input)
	if input.ParentID > 0 {
		if _, _, err := s.loadTyped(ctx, &c, "forum_parent", input.ParentID, store.TypeForum); err != nil {
			return 0, err
		}
	}
	if err := c.Err(); err != nil {
		return 0, err
	}

	state := status.State{Current: status.Public}
	if input.Status != "" {
		state.Current = status.Normalize(input.Status)
	}
	if input.Category {
		state.Current = status.Category
	}

	var forumID int64
	err := s.inTx(ctx, func(ops txOps) error {
		id, err := ops.store.Create(ctx, store.Post{
			Type:     store.TypeForum,
			ParentID: input.ParentID,
			ForumID:  input.ParentID,
			AuthorID: actor.UserID,
			Title:    input.Title,
			Content:  input.Content,
			State:    state,
		})
		if err != nil {
			return err
		}
		forumID = id
		return ops.aggregate.RefreshForum(ctx, id)
	})
	if err != nil {
		return 0, classify("forum_create", err)
	}

	s.publish(events.ForumCreated, events.PostData{PostID: forumID, ForumID: input.ParentID, Status: string(state.Current)})
	return forumID, nil
}

// SubmitNewTopic validates, screens and stores a new topic.
func (s *Service) SubmitNewTopic(ctx context.Context, actor Actor, input NewTopicInput) (int64, error) {
	input.Title = strings.TrimSpace(input.Title)
	input.Content = strings.TrimSpace(input.Content)
	input.Tags = normalizeTags(input.Tags)

	var c errs.Collector
	s.requireCapability(&c, actor, rbac.CapPost)
	s.collect(&c, "topic", input)
	s.checkAnonymous(&c, actor)
	if input.Stick != "" && !actor.can(rbac.CapModerate) {
		c.Add("topic_stick", "you cannot stick topics")
	}
	if input.Subscribe && actor.anonymous() {
		c.Add("topic_subscribe", "anonymous posters cannot subscribe")
	}
	forum, ok, err := s.loadTyped(ctx, &c, "topic_forum", input.ForumID, store.TypeForum)
	if err != nil {
		return 0, err
	}
	if ok {
		checkForumOpen(&c, "topic_forum", actor, forum)
	}

	sub := s.submission(actor, store.TypeTopic, input.ForumID, input.Title, input.Content)
	var decision moderation.Decision
	if c.Empty() {
		if decision, err = s.screen(ctx, &c, sub); err != nil {
			return 0, err
		}
	}
	if err := c.Err(); err != nil {
		return 0, err
	}

	created := s.now()
	var topicID int64
	err = s.inTx(ctx, func(ops txOps) error {
		id, err := ops.store.Create(ctx, store.Post{
			Type:      store.TypeTopic,
			ParentID:  forum.ID,
			ForumID:   forum.ID,
			AuthorID:  actor.UserID,
			Anonymous: actor.anonymousAuthor(),
			Title:     input.Title,
			Content:   input.Content,
			State:     status.State{Current: decision.Status},
			CreatedAt: created,
		})
		if err != nil {
			return err
		}
		topicID = id

		if len(input.Tags) > 0 {
			if err := ops.store.SetTags(ctx, id, input.Tags); err != nil {
				return err
			}
		}
		if input.Subscribe {
			if err := ops.store.AddUserTopic(ctx, store.Subscription, actor.UserID, id); err != nil {
				return err
			}
		}
		if input.Stick != "" {
			if err := ops.sticky.Stick(ctx, id, input.Stick == "super"); err != nil {
				return err
			}
		}
		if err := ops.aggregate.RefreshTopic(ctx, id); err != nil {
			return err
		}
		return ops.aggregate.WalkAndUpdate(ctx, aggregate.WalkParams{TopicID: id, ForumID: forum.ID, ActiveTime: created})
	})
	if err != nil {
		return 0, classify("topic_create", err)
	}

	s.record(ctx, sub)
	if decision.Status == status.Pending {
		s.logger.Info("topic held for moderation", "topic_id", topicID, "reason", decision.Reason)
	}
	s.publish(events.TopicCreated, events.PostData{PostID: topicID, ForumID: forum.ID, TopicID: topicID, Status: string(decision.Status)})
	return topicID, nil
}

// SubmitNewReply validates, screens and stores a reply at the end of a topic.
func (s *Service) SubmitNewReply(ctx context.Context, actor Actor, input NewReplyInput) (int64, error) {
	input.Content = strings.TrimSpace(input.Content)

	var c errs.Collector
	s.requireCapability(&c, actor, rbac.CapPost)
	s.collect(&c, "reply", input)
	s.checkAnonymous(&c, actor)
	if input.Subscribe && actor.anonymous() {
		c.Add("reply_subscribe", "anonymous posters cannot subscribe")
	}
	topic, ok, err := s.loadTyped(ctx, &c, "reply_topic", input.TopicID, store.TypeTopic)
	if err != nil {
		return 0, err
	}
	if ok {
		switch {
		case topic.Status() == status.Closed && !actor.can(rbac.CapModerate):
			c.Add("reply_topic_closed", "this topic is closed to new replies")
		case !topic.Status().IsVisible() && !actor.can(rbac.CapModerate):
			c.Add("reply_topic_forbidden", "you cannot reply to this topic")
		}
	}

	sub := s.submission(actor, store.TypeReply, input.TopicID, "", input.Content)
	var decision moderation.Decision
	if c.Empty() {
		if decision, err = s.screen(ctx, &c, sub); err != nil {
			return 0, err
		}
	}
	if err := c.Err(); err != nil {
		return 0, err
	}

	created := s.now()
	var replyID int64
	err = s.inTx(ctx, func(ops txOps) error {
		position, err := ops.store.CountChildren(ctx, store.ChildQuery{ParentID: topic.ID, Type: store.TypeReply})
		if err != nil {
			return err
		}
		id, err := ops.store.Create(ctx, store.Post{
			Type:      store.TypeReply,
			ParentID:  topic.ID,
			ForumID:   topic.ParentID,
			TopicID:   topic.ID,
			AuthorID:  actor.UserID,
			Anonymous: actor.anonymousAuthor(),
			Title:     restructure.ReplyTitlePrefix + topic.Title,
			Content:   input.Content,
			State:     status.State{Current: decision.Status},
			MenuOrder: position + 1,
			CreatedAt: created,
		})
		if err != nil {
			return err
		}
		replyID = id

		if input.Subscribe {
			if err := ops.store.AddUserTopic(ctx, store.Subscription, actor.UserID, topic.ID); err != nil {
				return err
			}
		}
		return s.afterReply(ctx, ops, topic, id, decision.Status, created)
	})
	if err != nil {
		return 0, classify("reply_create", err)
	}

	s.record(ctx, sub)
	s.publish(events.ReplyCreated, events.PostData{PostID: replyID, ForumID: topic.ParentID, TopicID: topic.ID, Status: string(decision.Status)})
	return replyID, nil
}

// afterReply updates topic and forum rollups for a freshly inserted reply.
// A public reply bumps the counter and becomes the newest activity; any
// other status only affects the author counts.
func (s *Service) afterReply(ctx context.Context, ops txOps, topic store.Post, replyID int64, st status.Status, created time.Time) error {
	if st == status.Public {
		if _, err := ops.aggregate.BumpReplyCount(ctx, topic.ID, 1); err != nil {
			return err
		}
		if err := ops.aggregate.SetTopicLastActive(ctx, topic.ID, replyID, created); err != nil {
			return err
		}
	}
	if _, err := ops.aggregate.RecomputeVoiceCount(ctx, topic.ID); err != nil {
		return err
	}
	if _, err := ops.aggregate.RecomputeAnonymousReplyCount(ctx, topic.ID); err != nil {
		return err
	}
	return ops.aggregate.WalkAndUpdate(ctx, aggregate.WalkParams{
		TopicID:    topic.ID,
		ForumID:    topic.ParentID,
		ReplyID:    replyID,
		ActiveTime: created,
	})
}

// SubmitEditTopic updates a topic's text and tags, logs a revision, and
// moves it when ForumID names a different forum.
func (s *Service) SubmitEditTopic(ctx context.Context, actor Actor, input EditTopicInput) error {
	input.Title = strings.TrimSpace(input.Title)
	input.Content = strings.TrimSpace(input.Content)
	input.Reason = strings.TrimSpace(input.Reason)
	if input.Tags != nil {
		input.Tags = normalizeTags(input.Tags)
	}

	var c errs.Collector
	s.collect(&c, "topic", input)
	topic, ok, err := s.loadTyped(ctx, &c, "topic_id", input.TopicID, store.TypeTopic)
	if err != nil {
		return err
	}
	moving := false
	if ok {
		s.checkEditor(&c, "topic", actor, topic)
		if input.ForumID != 0 && input.ForumID != topic.ParentID {
			moving = true
			if !actor.can(rbac.CapModerate) {
				c.Add("topic_forum_permission", "you cannot move topics")
			}
			forum, found, err := s.loadTyped(ctx, &c, "topic_forum", input.ForumID, store.TypeForum)
			if err != nil {
				return err
			}
			if found {
				checkForumOpen(&c, "topic_forum", actor, forum)
			}
		}
	}

	sub := s.submission(actor, store.TypeTopic, topic.ParentID, input.Title, input.Content)
	sub.Edit = true
	var decision moderation.Decision
	if c.Empty() {
		if decision, err = s.screen(ctx, &c, sub); err != nil {
			return err
		}
	}
	if err := c.Err(); err != nil {
		return err
	}

	var move *events.MoveData
	err = s.inTx(ctx, func(ops txOps) error {
		topic.Title = input.Title
		topic.Content = input.Content
		if decision.Status == status.Pending && topic.Status() == status.Public {
			topic.State = topic.State.Push(status.Pending)
		}
		if err := ops.store.Update(ctx, topic); err != nil {
			return err
		}
		if input.Tags != nil {
			if err := ops.store.SetTags(ctx, topic.ID, input.Tags); err != nil {
				return err
			}
		}
		if _, err := ops.store.AppendRevision(ctx, store.Revision{PostID: topic.ID, AuthorID: actor.UserID, Reason: input.Reason}); err != nil {
			return err
		}
		if moving {
			result, err := ops.engine.MoveTopic(ctx, topic.ID, input.ForumID)
			if err != nil {
				return err
			}
			move = &events.MoveData{TopicID: result.TopicID, FromForumID: result.FromForumID, ToForumID: result.ToForumID, Replies: result.Replies}
			topic.ParentID = result.ToForumID
			return nil
		}
		return walkTopic(ctx, ops, topic.ID)
	})
	if err != nil {
		return classify("topic_edit", err)
	}

	s.publish(events.TopicEdited, events.PostData{PostID: topic.ID, ForumID: topic.ParentID, TopicID: topic.ID, Status: string(topic.Status())})
	if move != nil {
		s.publish(events.TopicMoved, *move)
	}
	return nil
}

// SubmitEditReply updates a reply's content and logs a revision.
func (s *Service) SubmitEditReply(ctx context.Context, actor Actor, input EditReplyInput) error {
	input.Content = strings.TrimSpace(input.Content)
	input.Reason = strings.TrimSpace(input.Reason)

	var c errs.Collector
	s.collect(&c, "reply", input)
	reply, ok, err := s.loadTyped(ctx, &c, "reply_id", input.ReplyID, store.TypeReply)
	if err != nil {
		return err
	}
	if ok {
		s.checkEditor(&c, "reply", actor, reply)
	}

	sub := s.submission(actor, store.TypeReply, reply.ParentID, "", input.Content)
	sub.Edit = true
	var decision moderation.Decision
	if c.Empty() {
		if decision, err = s.screen(ctx, &c, sub); err != nil {
			return err
		}
	}
	if err := c.Err(); err != nil {
		return err
	}

	err = s.inTx(ctx, func(ops txOps) error {
		reply.Content = input.Content
		queued := decision.Status == status.Pending && reply.Status() == status.Public
		if queued {
			reply.State = reply.State.Push(status.Pending)
		}
		if err := ops.store.Update(ctx, reply); err != nil {
			return err
		}
		if _, err := ops.store.AppendRevision(ctx, store.Revision{PostID: reply.ID, AuthorID: actor.UserID, Reason: input.Reason}); err != nil {
			return err
		}
		if !queued {
			return nil
		}
		return walkTopic(ctx, ops, reply.TopicID)
	})
	if err != nil {
		return classify("reply_edit", err)
	}

	s.publish(events.ReplyEdited, events.PostData{PostID: reply.ID, ForumID: reply.ForumID, TopicID: reply.TopicID, Status: string(reply.Status())})
	return nil
}

// checkEditor allows authors to edit their own posts and moderators to edit
// anyone's.
func (s *Service) checkEditor(c *errs.Collector, prefix string, actor Actor, post store.Post) {
	if actor.can(rbac.CapEditOthers) {
		return
	}
	if actor.anonymous() || post.AuthorID != actor.UserID {
		c.Add("permission", fmt.Sprintf("you cannot edit this %s", prefix))
		return
	}
	if !actor.can(rbac.CapPost) {
		c.Add("permission", "you cannot edit posts")
	}
}
