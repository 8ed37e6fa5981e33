package app

import (
	"errors"

	"forumcore/internal/errs"
	"forumcore/internal/lifecycle"
	"forumcore/internal/restructure"
	"forumcore/internal/sticky"
	"forumcore/internal/store"
)

var sentinelCodes = []struct {
	err  error
	code string
}{
	{store.ErrNotFound, "not_found"},
	{store.ErrHasChildren, "has_children"},
	{lifecycle.ErrNoChange, "status_unchanged"},
	{lifecycle.ErrInvalidTransition, "status_invalid"},
	{lifecycle.ErrUnknownAction, "status_action"},
	{restructure.ErrNotTopic, "not_topic"},
	{restructure.ErrNotReply, "not_reply"},
	{restructure.ErrNotForum, "not_forum"},
	{restructure.ErrCategory, "forum_category"},
	{restructure.ErrSameTopic, "same_topic"},
	{restructure.ErrSameForum, "same_forum"},
	{restructure.ErrUnknownMode, "split_mode"},
	{restructure.ErrNoDestination, "split_destination"},
	{restructure.ErrReplyNotInTopic, "reply_topic"},
	{sticky.ErrNotTopic, "not_topic"},
}

// classify turns a failure from inside a transaction into a DomainError.
// Known sentinels become validation errors (the transaction rolled back, so
// nothing changed); anything else is a mutation failure.
func classify(code string, err error) error {
	if err == nil {
		return nil
	}
	var domainErr *errs.DomainError
	var many *errs.ValidationErrors
	if errors.As(err, &many) || errors.As(err, &domainErr) {
		return err
	}
	for _, item := range sentinelCodes {
		if errors.Is(err, item.err) {
			return &errs.DomainError{Kind: errs.KindValidation, Code: item.code, Message: err.Error(), Details: err}
		}
	}
	return errs.Mutation(code, err)
}
