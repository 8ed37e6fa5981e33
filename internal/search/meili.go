package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

var errMeiliDown = errors.New("meilisearch unavailable")

// meiliIndex describes one Meilisearch index and the post type it holds.
type meiliIndex struct {
	uid        string
	kind       ResultType
	filterable []string
	searchable []string
	sortable   []string
}

var meiliIndexes = []meiliIndex{
	{
		uid:        "forum_topics",
		kind:       ResultTopic,
		filterable: []string{"forumId", "authorId", "tags"},
		searchable: []string{"title", "tags", "content"},
		sortable:   []string{"createdAt"},
	},
	{
		uid:        "forum_replies",
		kind:       ResultReply,
		filterable: []string{"forumId", "topicId", "authorId"},
		searchable: []string{"content"},
		sortable:   []string{"createdAt"},
	},
}

func indexOf(kind ResultType) meiliIndex {
	for _, idx := range meiliIndexes {
		if idx.kind == kind {
			return idx
		}
	}
	return meiliIndexes[len(meiliIndexes)-1]
}

type MeiliConfig struct {
	URL    string
	APIKey string
	// ProbeInterval is how often health is re-checked. Defaults to 10s.
	ProbeInterval time.Duration
}

// Meili is the primary Backend. It never fails construction: a server that
// is down is marked unhealthy and probed until it comes back, at which point
// the index settings are pushed again.
type Meili struct {
	client  meili.ServiceManager
	logger  *slog.Logger
	healthy atomic.Bool
	stop    chan struct{}
}

func NewMeili(cfg MeiliConfig, logger *slog.Logger) *Meili {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 10 * time.Second
	}
	m := &Meili{
		client: meili.New(cfg.URL, meili.WithAPIKey(cfg.APIKey)),
		logger: logger.With("component", "meilisearch"),
		stop:   make(chan struct{}),
	}
	if m.probe() {
		m.configure()
	} else {
		m.logger.Warn("meilisearch unreachable at startup", "url", cfg.URL)
	}
	go m.watch(cfg.ProbeInterval)
	return m
}

// probe records and returns the current health.
func (m *Meili) probe() bool {
	_, err := m.client.Health()
	m.healthy.Store(err == nil)
	return err == nil
}

func (m *Meili) configure() {
	for _, idx := range meiliIndexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idx.uid, PrimaryKey: "id"}); err != nil {
			m.logger.Debug("create index", "index", idx.uid, "error", err)
		}
		index := m.client.Index(idx.uid)

		filterable := make([]interface{}, 0, len(idx.filterable))
		for _, attr := range idx.filterable {
			filterable = append(filterable, attr)
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			m.logger.Warn("set filterable attributes", "index", idx.uid, "error", err)
		}
		searchable := idx.searchable
		if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
			m.logger.Warn("set searchable attributes", "index", idx.uid, "error", err)
		}
		sortable := idx.sortable
		if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
			m.logger.Warn("set sortable attributes", "index", idx.uid, "error", err)
		}
	}
}

func (m *Meili) watch(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			was := m.healthy.Load()
			if m.probe() && !was {
				m.logger.Info("meilisearch back, pushing index settings")
				m.configure()
			}
		}
	}
}

func (m *Meili) Close() {
	close(m.stop)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search runs one query per selected index in a single multi-search call.
// Totals are Meilisearch estimates.
func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.Healthy() {
		return nil, 0, errMeiliDown
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	var requests []*meili.SearchRequest
	for _, idx := range meiliIndexes {
		if q.FilterType != "" && q.FilterType != idx.kind {
			continue
		}
		req := &meili.SearchRequest{
			IndexUID:              idx.uid,
			Query:                 q.Text,
			Limit:                 int64(limit),
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"title", "content"},
			AttributesToCrop:      []string{"content"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}
		if q.FilterForumID > 0 {
			req.Filter = "forumId = " + strconv.FormatInt(q.FilterForumID, 10)
		}
		requests = append(requests, req)
	}
	if len(requests) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: requests})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, part := range resp.Results {
		kind := ResultReply
		for _, idx := range meiliIndexes {
			if idx.uid == part.IndexUID {
				kind = idx.kind
			}
		}
		total += int(part.EstimatedTotalHits)
		for _, hit := range part.Hits {
			r, err := decodeHit(hit, kind)
			if err != nil {
				m.logger.Warn("skip undecodable hit", "index", part.IndexUID, "error", err)
				continue
			}
			results = append(results, r)
		}
	}
	return results, total, nil
}

// hitDoc is the subset of an indexed PostRecord read back from a hit.
type hitDoc struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	ForumID   int64  `json:"forumId"`
	TopicID   int64  `json:"topicId"`
	Formatted struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	} `json:"_formatted"`
}

func decodeHit(hit meili.Hit, kind ResultType) (Result, error) {
	raw, err := json.Marshal(hit)
	if err != nil {
		return Result{}, err
	}
	var doc hitDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Result{}, err
	}
	return Result{
		Type:    kind,
		ID:      doc.ID,
		Title:   orFallback(doc.Formatted.Title, doc.Title),
		Snippet: orFallback(doc.Formatted.Content, doc.Content),
		ForumID: doc.ForumID,
		TopicID: doc.TopicID,
	}, nil
}

func orFallback(preferred, fallback string) string {
	if strings.TrimSpace(preferred) != "" {
		return preferred
	}
	return fallback
}

// IndexRecords upserts records, grouped by the index of their type.
func (m *Meili) IndexRecords(records []PostRecord) error {
	grouped := make(map[string][]PostRecord)
	for _, record := range records {
		uid := indexOf(ResultType(record.Type)).uid
		grouped[uid] = append(grouped[uid], record)
	}
	for _, idx := range meiliIndexes {
		docs := grouped[idx.uid]
		if len(docs) == 0 {
			continue
		}
		if _, err := m.client.Index(idx.uid).AddDocuments(docs, nil); err != nil {
			return fmt.Errorf("index %d %ss: %w", len(docs), idx.kind, err)
		}
	}
	return nil
}

// DeleteRecords removes ids from the index holding kind.
func (m *Meili) DeleteRecords(kind ResultType, ids []int64) error {
	index := m.client.Index(indexOf(kind).uid)
	for _, id := range ids {
		if _, err := index.DeleteDocument(strconv.FormatInt(id, 10), nil); err != nil {
			return fmt.Errorf("delete %s %d: %w", kind, id, err)
		}
	}
	return nil
}
