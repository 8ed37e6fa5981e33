package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"forumcore/internal/aggregate"
	"forumcore/internal/config"
	"forumcore/internal/errs"
	"forumcore/internal/events"
	"forumcore/internal/lifecycle"
	"forumcore/internal/moderation"
	"forumcore/internal/rbac"
	"forumcore/internal/restructure"
	"forumcore/internal/sticky"
	"forumcore/internal/store"
)

// Actor is the already-authenticated caller of a command. UserID 0 is an
// anonymous visitor, identified for flood control by IP.
type Actor struct {
	UserID    int64
	Role      rbac.Role
	Name      string
	Email     string
	URL       string
	IP        string
	UserAgent string
}

func (a Actor) can(capability rbac.Capability) bool {
	return rbac.Can(a.Role, capability)
}

func (a Actor) anonymous() bool {
	return a.UserID == 0
}

// Service is the command interface of the forum. Every command validates
// in full before it touches the store, mutates inside a single transaction,
// recomputes rollups in the same transaction, and only then publishes.
type Service struct {
	cfg      config.Config
	store    store.Store
	gate     *moderation.Gate
	bus      *events.Bus
	engine   *restructure.Engine
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time
}

func New(cfg config.Config, dataStore store.Store, gate *moderation.Gate, bus *events.Bus, logger *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		gate:     gate,
		bus:      bus,
		engine:   restructure.New(dataStore, logger),
		logger:   logger,
		validate: newValidator(),
		now:      time.Now,
	}
}

// WithClock overrides the clock used to stamp new posts.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return strings.ToLower(field.Name)
		}
		return name
	})
	return v
}

// txOps are the collaborators bound to one transaction.
type txOps struct {
	store     store.Store
	aggregate *aggregate.Maintainer
	lifecycle *lifecycle.Machine
	sticky    *sticky.Registry
	engine    *restructure.Engine
}

func (s *Service) inTx(ctx context.Context, fn func(ops txOps) error) error {
	return s.store.WithTx(ctx, func(tx store.Store) error {
		return fn(txOps{
			store:     tx,
			aggregate: aggregate.New(tx, s.logger),
			lifecycle: lifecycle.New(tx, s.logger),
			sticky:    sticky.New(tx),
			engine:    restructure.New(tx, s.logger),
		})
	})
}

// collect runs struct validation and adds one error per failing field,
// coded as prefix_field.
func (s *Service) collect(c *errs.Collector, prefix string, input any) {
	err := s.validate.Struct(input)
	if err == nil {
		return
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		c.Add(prefix+"_invalid", err.Error())
		return
	}
	for _, fe := range fieldErrs {
		c.Add(prefix+"_"+fe.Field(), fieldMessage(fe))
	}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "email":
		return fmt.Sprintf("%s must be a valid email address", fe.Field())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", fe.Field())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}

// loadTyped fetches id and records a validation error under code when it is
// missing or of another type. The zero Post is returned in that case.
func (s *Service) loadTyped(ctx context.Context, c *errs.Collector, code string, id int64, want store.PostType) (store.Post, bool, error) {
	if id <= 0 {
		return store.Post{}, false, nil
	}
	post, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		c.Add(code, fmt.Sprintf("%s %d does not exist", want, id))
		return store.Post{}, false, nil
	}
	if err != nil {
		return store.Post{}, false, fmt.Errorf("load %s %d: %w", want, id, err)
	}
	if post.Type != want {
		c.Add(code, fmt.Sprintf("post %d is not a %s", id, want))
		return store.Post{}, false, nil
	}
	return post, true, nil
}

func (s *Service) requireCapability(c *errs.Collector, actor Actor, capability rbac.Capability) bool {
	if actor.can(capability) {
		return true
	}
	c.Add("permission", fmt.Sprintf("you do not have the %s capability", capability))
	return false
}

// screen runs the moderation gate and folds a rejection into c. It returns
// the status the new content should be stored with.
func (s *Service) screen(ctx context.Context, c *errs.Collector, sub moderation.Submission) (moderation.Decision, error) {
	decision, err := s.gate.Check(ctx, sub)
	if err == nil {
		return decision, nil
	}
	var domainErr *errs.DomainError
	if errors.As(err, &domainErr) {
		c.AddError(domainErr)
		return moderation.Decision{}, nil
	}
	return moderation.Decision{}, err
}

func (s *Service) submission(actor Actor, postType store.PostType, parentID int64, title, content string) moderation.Submission {
	sub := moderation.Submission{
		Type:      postType,
		ParentID:  parentID,
		AuthorID:  actor.UserID,
		UserAgent: actor.UserAgent,
		Title:     title,
		Content:   content,
		IP:        actor.IP,
		Bypass:    actor.can(rbac.CapThrottle),
	}
	if actor.anonymous() {
		sub.Anonymous = actor.anonymousAuthor()
	} else {
		sub.AuthorName, sub.AuthorEmail, sub.AuthorURL = actor.Name, actor.Email, actor.URL
	}
	return sub
}

func (a Actor) anonymousAuthor() store.AnonymousAuthor {
	if !a.anonymous() {
		return store.AnonymousAuthor{}
	}
	return store.AnonymousAuthor{Name: a.Name, Email: a.Email, URL: a.URL, IP: a.IP}
}

// record starts the poster's flood window after a successful create.
func (s *Service) record(ctx context.Context, sub moderation.Submission) {
	if err := s.gate.Record(ctx, sub); err != nil {
		s.logger.Warn("flood record failed", "author_id", sub.AuthorID, "error", err)
	}
}

func (s *Service) publish(eventType events.Type, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventType, data)
}

// walkTopic recomputes a topic and rebuilds every forum above it.
func walkTopic(ctx context.Context, ops txOps, topicID int64) error {
	if err := ops.aggregate.RefreshTopic(ctx, topicID); err != nil {
		return err
	}
	return ops.aggregate.WalkAndUpdate(ctx, aggregate.WalkParams{TopicID: topicID, Refresh: true})
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
