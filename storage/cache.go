package storage

import (
	"context"
	"time"

	"cloud.google.com/go/civil"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maryammeda/tracker/domain"
)

// InvalidationPolicy selects which cached pages a mutation removes.
type InvalidationPolicy string

const (
	// InvalidateOwner removes every page cached for the owner.
	InvalidateOwner InvalidationPolicy = "owner"
	// InvalidateDefaultPage removes only the skip=0/limit=default page. Other
	// pages stay stale until their TTL runs out.
	InvalidateDefaultPage InvalidationPolicy = "default-page"
)

const (
	DefaultTTL       = 300 * time.Second
	DefaultPageLimit = 100
	MaxPageLimit     = 1000

	cachePayloadVersion = 1
)

// CacheOptions tunes the read-through cache.
type CacheOptions struct {
	TTL          time.Duration
	DefaultLimit int
	MaxLimit     int
	Invalidation InvalidationPolicy
	// OwnerScoping restricts listings to the requesting owner. When false every
	// owner sees all assignments.
	OwnerScoping bool
}

// DefaultCacheOptions returns the production defaults.
func DefaultCacheOptions() CacheOptions {
	return CacheOptions{
		TTL:          DefaultTTL,
		DefaultLimit: DefaultPageLimit,
		MaxLimit:     MaxPageLimit,
		Invalidation: InvalidateOwner,
		OwnerScoping: true,
	}
}

// Cache fronts a Backend with a Redis read-through cache for listings and
// invalidates the affected listings after every committed mutation.
type Cache struct {
	base   Backend
	store  *RedisStore
	opts   CacheOptions
	logger *log.Logger
	now    func() time.Time
	newID  func() string
}

// NewCache creates a caching wrapper around base.
func NewCache(base Backend, store *RedisStore, opts CacheOptions, logger *log.Logger) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if store == nil {
		store = NewRedisStore(nil, 0, logger)
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	if opts.TTL < 0 {
		opts.TTL = 0
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = DefaultPageLimit
	}
	if opts.MaxLimit < opts.DefaultLimit {
		opts.MaxLimit = opts.DefaultLimit
	}
	if opts.Invalidation == "" {
		opts.Invalidation = InvalidateOwner
	}
	return &Cache{
		base:   base,
		store:  store,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Stats exposes the cache store counters.
func (c *Cache) Stats() CacheStats {
	return c.store.Stats()
}

// NormalizePage clamps pagination parameters to the configured bounds.
func (c *Cache) NormalizePage(skip, limit int) (int, int) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = c.opts.DefaultLimit
	}
	if limit > c.opts.MaxLimit {
		limit = c.opts.MaxLimit
	}
	return skip, limit
}

// ListAssignments returns one page of the owner's assignments, from the cache
// when possible.
func (c *Cache) ListAssignments(ctx context.Context, owner string, skip, limit int) (domain.AssignmentsPage, error) {
	if c.opts.OwnerScoping && owner == "" {
		return domain.AssignmentsPage{}, domain.ErrNotOwner
	}
	skip, limit = c.NormalizePage(skip, limit)
	scope := c.scope(owner)
	key := PageKey(scope, skip, limit)
	span := trace.SpanFromContext(ctx)

	if page, ok := c.loadPage(ctx, key); ok {
		span.SetAttributes(attribute.Bool("tracker.cache.hit", true))
		return page, nil
	}
	span.SetAttributes(attribute.Bool("tracker.cache.hit", false))

	filter := c.filterOwner(owner)
	count, err := c.base.CountAssignments(ctx, filter)
	if err != nil {
		return domain.AssignmentsPage{}, err
	}
	items, err := c.base.ListAssignments(ctx, filter, skip, limit)
	if err != nil {
		return domain.AssignmentsPage{}, err
	}
	if items == nil {
		items = []domain.Assignment{}
	}
	page := domain.AssignmentsPage{Data: items, Count: count}

	c.storePage(ctx, scope, key, page)
	return page, nil
}

// GetAssignment loads a single assignment from the system of record.
func (c *Cache) GetAssignment(ctx context.Context, owner, id string) (domain.Assignment, error) {
	a, err := c.base.GetAssignment(ctx, id)
	if err != nil {
		return domain.Assignment{}, err
	}
	if a == nil {
		return domain.Assignment{}, domain.ErrNotFound
	}
	if c.opts.OwnerScoping && a.OwnerID != owner {
		return domain.Assignment{}, domain.ErrNotOwner
	}
	return *a, nil
}

// CreateAssignment stores a new assignment for owner.
func (c *Cache) CreateAssignment(ctx context.Context, owner string, in domain.AssignmentCreate) (domain.Assignment, error) {
	a := domain.Assignment{
		ID:          c.newID(),
		OwnerID:     owner,
		Title:       in.Title,
		DueDate:     in.DueDate,
		IsCompleted: in.IsCompleted,
	}
	if err := c.base.InsertAssignment(ctx, a); err != nil {
		return domain.Assignment{}, err
	}

	c.invalidate(ctx, owner)
	return a, nil
}

// UpdateAssignment applies upd to the owner's assignment.
func (c *Cache) UpdateAssignment(ctx context.Context, owner, id string, upd domain.AssignmentUpdate) (domain.Assignment, error) {
	current, err := c.owned(ctx, owner, id)
	if err != nil {
		return domain.Assignment{}, err
	}
	if upd.Empty() {
		return current, nil
	}
	updated, err := c.base.UpdateAssignment(ctx, current, upd)
	if err != nil {
		return domain.Assignment{}, err
	}

	c.invalidate(ctx, owner)
	return updated, nil
}

// DeleteAssignment removes the owner's assignment.
func (c *Cache) DeleteAssignment(ctx context.Context, owner, id string) error {
	current, err := c.owned(ctx, owner, id)
	if err != nil {
		return err
	}
	if err := c.base.DeleteAssignment(ctx, current); err != nil {
		return err
	}

	c.invalidate(ctx, owner)
	return nil
}

// PendingDueOn bypasses the cache: reminders must reflect committed state.
func (c *Cache) PendingDueOn(ctx context.Context, day civil.Date) ([]domain.Assignment, error) {
	return c.base.PendingDueOn(ctx, day)
}

// owned loads id and checks that owner may mutate it. Mutations are always
// owner-only, whether or not listings are scoped.
func (c *Cache) owned(ctx context.Context, owner, id string) (domain.Assignment, error) {
	a, err := c.base.GetAssignment(ctx, id)
	if err != nil {
		return domain.Assignment{}, err
	}
	if a == nil {
		return domain.Assignment{}, domain.ErrNotFound
	}
	if a.OwnerID != owner {
		return domain.Assignment{}, domain.ErrNotOwner
	}
	return *a, nil
}

// invalidate must only be called once the backend write has returned.
func (c *Cache) invalidate(ctx context.Context, owner string) {
	scope := c.scope(owner)
	defaultKey := PageKey(scope, 0, c.opts.DefaultLimit)

	var res Result
	switch c.opts.Invalidation {
	case InvalidateDefaultPage:
		res = c.store.Delete(ctx, defaultKey)
	default:
		res = c.store.DeleteTracked(ctx, IndexKey(scope), defaultKey)
	}
	if res.Status == StatusFailed {
		c.logger.WithField("scope", scope).Warn("cache invalidation skipped; listings may be stale until TTL expiry")
	}
}

func (c *Cache) scope(owner string) string {
	if !c.opts.OwnerScoping {
		return GlobalScope
	}
	return owner
}

func (c *Cache) filterOwner(owner string) string {
	if !c.opts.OwnerScoping {
		return ""
	}
	return owner
}

type cachedAssignment struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Title       string     `json:"title"`
	DueDate     civil.Date `json:"due_date"`
	IsCompleted bool       `json:"is_completed"`
}

type cachedPage struct {
	Version  int                `json:"version"`
	CachedAt time.Time          `json:"cached_at"`
	Count    int                `json:"count"`
	Data     []cachedAssignment `json:"data"`
}

func (c *Cache) loadPage(ctx context.Context, key string) (domain.AssignmentsPage, bool) {
	res := c.store.Get(ctx, key)
	if !res.Found() {
		return domain.AssignmentsPage{}, false
	}
	page, err := decodePage(res.Value)
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("discarding malformed cache entry")
		c.store.Delete(ctx, key)
		return domain.AssignmentsPage{}, false
	}
	return page, true
}

func (c *Cache) storePage(ctx context.Context, scope, key string, page domain.AssignmentsPage) {
	if c.opts.TTL == 0 {
		return
	}
	data, err := encodePage(page, c.now().UTC())
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Error("failed to marshal cache payload")
		return
	}
	index := ""
	if c.opts.Invalidation == InvalidateOwner {
		index = IndexKey(scope)
	}
	c.store.Put(ctx, key, data, c.opts.TTL, index)
}

func encodePage(page domain.AssignmentsPage, cachedAt time.Time) ([]byte, error) {
	payload := cachedPage{
		Version:  cachePayloadVersion,
		CachedAt: cachedAt,
		Count:    page.Count,
		Data:     make([]cachedAssignment, 0, len(page.Data)),
	}
	for _, a := range page.Data {
		payload.Data = append(payload.Data, cachedAssignment(a))
	}
	return sonic.ConfigStd.Marshal(payload)
}

type payloadError string

func (e payloadError) Error() string { return string(e) }

func decodePage(data []byte) (domain.AssignmentsPage, error) {
	var payload cachedPage
	if err := sonic.ConfigStd.Unmarshal(data, &payload); err != nil {
		return domain.AssignmentsPage{}, err
	}
	if payload.Version != cachePayloadVersion {
		return domain.AssignmentsPage{}, payloadError("unsupported cache payload version")
	}
	page := domain.AssignmentsPage{
		Data:  make([]domain.Assignment, 0, len(payload.Data)),
		Count: payload.Count,
	}
	for _, a := range payload.Data {
		page.Data = append(page.Data, domain.Assignment(a))
	}
	return page, nil
}
