// Package moderation decides whether a new topic or reply is accepted,
// queued for review, or rejected before it is stored.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"forumcore/internal/errs"
	"forumcore/internal/metrics"
	"forumcore/internal/status"
	"forumcore/internal/store"
	"forumcore/internal/throttle"
)

// Rejection codes.
const (
	CodeFlood     = "flood"
	CodeDuplicate = "duplicate"
	CodeBlacklist = "blacklist"
)

// Pending reasons.
const (
	ReasonModerationKey = "moderation_key"
	ReasonMaxLinks      = "max_links"
)

var anchorPattern = regexp.MustCompile(`(?i)<a [^>]*href`)

type Config struct {
	// FloodWindow is the minimum gap between two posts by one poster. Zero
	// disables the check.
	FloodWindow time.Duration
	// BlacklistKeys and ModerationKeys are newline-separated keyword lists.
	BlacklistKeys  string
	ModerationKeys string
	// MaxLinks queues content with more anchors than this. Zero disables it.
	MaxLinks int
	// DuplicateScopeParent limits duplicate detection to the same parent.
	DuplicateScopeParent bool
}

// Submission is a candidate post as the gate sees it.
type Submission struct {
	Type      store.PostType
	ParentID  int64
	AuthorID  int64
	Anonymous store.AnonymousAuthor
	// Registered authors' profile fields, matched against keyword lists.
	AuthorName  string
	AuthorEmail string
	AuthorURL   string
	// IP is the poster's address, for registered and anonymous posters alike.
	IP        string
	UserAgent string
	Title     string
	Content   string
	// Bypass skips every check for roles allowed to post without throttling.
	Bypass bool
	// Edit skips the flood and duplicate checks, which only apply to new posts.
	Edit bool
}

type Decision struct {
	Status status.Status
	// Reason is set when Status is pending.
	Reason string
}

type Gate struct {
	cfg        Config
	store      store.Store
	tracker    throttle.Tracker
	logger     *slog.Logger
	now        func() time.Time
	blacklist  []*regexp.Regexp
	moderation []*regexp.Regexp
}

func New(cfg Config, st store.Store, tracker throttle.Tracker, logger *slog.Logger) *Gate {
	return &Gate{
		cfg:        cfg,
		store:      st,
		tracker:    tracker,
		logger:     logger,
		now:        time.Now,
		blacklist:  compileKeys(cfg.BlacklistKeys),
		moderation: compileKeys(cfg.ModerationKeys),
	}
}

// WithClock overrides the clock used for flood checks.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

func compileKeys(raw string) []*regexp.Regexp {
	var out []*regexp.Regexp
	for _, line := range strings.Split(raw, "\n") {
		key := strings.TrimSpace(line)
		if key == "" {
			continue
		}
		out = append(out, regexp.MustCompile("(?i)"+regexp.QuoteMeta(key)))
	}
	return out
}

// Check runs flood, duplicate, blacklist, moderation-key and max-links
// checks in that order. The first three reject with a rejection error; the
// last two return a pending decision.
func (g *Gate) Check(ctx context.Context, sub Submission) (Decision, error) {
	decision, err := g.check(ctx, sub)
	outcome := string(decision.Status)
	if err != nil {
		outcome = "rejected"
		var domainErr *errs.DomainError
		if errors.As(err, &domainErr) {
			outcome = "rejected_" + domainErr.Code
		}
	}
	metrics.ModerationDecisions.WithLabelValues(outcome).Inc()
	return decision, err
}

func (g *Gate) check(ctx context.Context, sub Submission) (Decision, error) {
	if sub.Bypass {
		return Decision{Status: status.Public}, nil
	}

	if key, keyed := floodKey(sub); keyed && !sub.Edit && g.cfg.FloodWindow > 0 && g.tracker != nil {
		last, ok, err := g.tracker.LastPosted(ctx, key)
		if err != nil {
			return Decision{}, fmt.Errorf("flood check: %w", err)
		}
		if ok && g.now().Sub(last) < g.cfg.FloodWindow {
			g.logger.Info("submission rejected", "reason", CodeFlood, "author_id", sub.AuthorID)
			return Decision{}, errs.Rejection(CodeFlood, "you are posting too quickly, slow down")
		}
	}

	if !sub.Edit {
		_, dup, err := g.store.FindDuplicate(ctx, store.DuplicateQuery{
			Type:           sub.Type,
			ParentID:       sub.ParentID,
			ScopeToParent:  g.cfg.DuplicateScopeParent,
			AuthorID:       sub.AuthorID,
			AnonymousEmail: sub.Anonymous.Email,
			Content:        sub.Content,
		})
		if err != nil {
			return Decision{}, fmt.Errorf("duplicate check: %w", err)
		}
		if dup {
			g.logger.Info("submission rejected", "reason", CodeDuplicate, "author_id", sub.AuthorID)
			return Decision{}, errs.Rejection(CodeDuplicate, "duplicate content detected, it looks as though you've already said that")
		}
	}

	fields := sub.fields()
	if matchAny(g.blacklist, fields) {
		g.logger.Info("submission rejected", "reason", CodeBlacklist, "author_id", sub.AuthorID)
		return Decision{}, errs.Rejection(CodeBlacklist, "your content contains disallowed words")
	}
	if matchAny(g.moderation, fields) {
		return Decision{Status: status.Pending, Reason: ReasonModerationKey}, nil
	}
	if g.cfg.MaxLinks > 0 && CountLinks(sub.Content) > g.cfg.MaxLinks {
		return Decision{Status: status.Pending, Reason: ReasonMaxLinks}, nil
	}
	return Decision{Status: status.Public}, nil
}

// Record marks sub's poster as having just posted, starting a new flood
// window. Call it only after the post was stored.
func (g *Gate) Record(ctx context.Context, sub Submission) error {
	key, keyed := floodKey(sub)
	if !keyed || g.cfg.FloodWindow <= 0 || g.tracker == nil {
		return nil
	}
	if err := g.tracker.MarkPosted(ctx, key, g.now(), g.cfg.FloodWindow); err != nil {
		return fmt.Errorf("record post time: %w", err)
	}
	return nil
}

// floodKey identifies the poster for flood control. Anonymous posters are
// keyed by IP, or by email when the IP is unknown; with neither there is
// nothing to key on and the flood check is skipped.
func floodKey(sub Submission) (string, bool) {
	if sub.AuthorID != 0 {
		return throttle.UserKey(sub.AuthorID), true
	}
	if ip := strings.TrimSpace(sub.ip()); ip != "" {
		return throttle.IPKey(ip), true
	}
	if email := strings.TrimSpace(sub.Anonymous.Email); email != "" {
		return throttle.EmailKey(email), true
	}
	return "", false
}

func (s Submission) ip() string {
	if s.IP != "" {
		return s.IP
	}
	return s.Anonymous.IP
}

// CountLinks counts anchor tags carrying an href.
func CountLinks(content string) int {
	return len(anchorPattern.FindAllStringIndex(content, -1))
}

func (s Submission) fields() []string {
	name, email, url := s.AuthorName, s.AuthorEmail, s.AuthorURL
	if s.AuthorID == 0 {
		name, email, url = s.Anonymous.Name, s.Anonymous.Email, s.Anonymous.URL
	}
	return []string{name, email, url, s.ip(), s.UserAgent, s.Title, s.Content}
}

func matchAny(patterns []*regexp.Regexp, fields []string) bool {
	for _, pattern := range patterns {
		for _, field := range fields {
			if field != "" && pattern.MatchString(field) {
				return true
			}
		}
	}
	return false
}
