package search

import (
	"context"
	"errors"
	"log/slog"

	"forumcore/internal/events"
	"forumcore/internal/store"
)

// Listener keeps an index in step with the content store by reacting to
// bus events. It re-reads every affected post, so the index always reflects
// committed state rather than the event payload.
type Listener struct {
	store  store.Store
	index  Indexer
	logger *slog.Logger
}

func NewListener(st store.Store, index Indexer, logger *slog.Logger) *Listener {
	return &Listener{store: st, index: index, logger: logger}
}

// Attach subscribes the listener to every event type that can change what
// is searchable.
func (l *Listener) Attach(bus *events.Bus) string {
	return bus.Subscribe(l.Handle,
		events.TopicCreated,
		events.TopicEdited,
		events.ReplyCreated,
		events.ReplyEdited,
		events.TopicMoved,
		events.TopicMerged,
		events.TopicSplit,
		events.StatusTransitioned,
	)
}

func (l *Listener) Handle(event events.Event) {
	ctx := context.Background()
	b := &batch{}

	switch data := event.Data.(type) {
	case events.PostData:
		l.collect(ctx, b, data.PostID)
	case events.MoveData:
		l.collect(ctx, b, data.TopicID)
		l.collect(ctx, b, data.Replies...)
	case events.MergeData:
		b.remove(ResultTopic, data.SourceID)
		l.collect(ctx, b, data.Moved...)
	case events.SplitData:
		// A reply promoted to topic has to leave the reply index.
		b.remove(ResultReply, data.DestinationID)
		l.collect(ctx, b, data.DestinationID)
		l.collect(ctx, b, data.Moved...)
	case events.StatusData:
		l.collect(ctx, b, data.PostID)
		l.collect(ctx, b, data.Children...)
	default:
		return
	}

	l.flush(event, b)
}

func (l *Listener) collect(ctx context.Context, b *batch, ids ...int64) {
	for _, id := range ids {
		post, err := l.store.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			b.remove(ResultTopic, id)
			b.remove(ResultReply, id)
			continue
		}
		if err != nil {
			l.logger.Error("search: load post", "post_id", id, "error", err)
			continue
		}
		if post.Type == store.TypeForum {
			continue
		}
		if !Searchable(post) {
			b.remove(ResultType(post.Type), id)
			continue
		}
		var tags []string
		if post.Type == store.TypeTopic {
			if tags, err = l.store.Tags(ctx, id); err != nil {
				l.logger.Error("search: load tags", "post_id", id, "error", err)
			}
		}
		b.records = append(b.records, RecordFromPost(post, tags))
	}
}

func (l *Listener) flush(event events.Event, b *batch) {
	for _, t := range []ResultType{ResultTopic, ResultReply} {
		if ids := b.deletes[t]; len(ids) > 0 {
			if err := l.index.DeleteRecords(t, ids); err != nil {
				l.logger.Error("search: delete", "event_type", event.Type, "type", t, "error", err)
			}
		}
	}
	if len(b.records) > 0 {
		if err := l.index.IndexRecords(b.records); err != nil {
			l.logger.Error("search: index", "event_type", event.Type, "error", err)
		}
	}
}

type batch struct {
	records []PostRecord
	deletes map[ResultType][]int64
}

func (b *batch) remove(t ResultType, id int64) {
	if id == 0 {
		return
	}
	if b.deletes == nil {
		b.deletes = make(map[ResultType][]int64)
	}
	b.deletes[t] = append(b.deletes[t], id)
}
