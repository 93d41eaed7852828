package pagecache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/leonletto/threadview/internal/engine"
	"github.com/leonletto/threadview/internal/types"
	"github.com/leonletto/threadview/internal/wire"
)

// DefaultTTL is how long a cached page is served before it is refetched.
const DefaultTTL = 24 * time.Hour

// Options configures a Cache.
type Options struct {
	TTL    time.Duration
	Now    func() time.Time
	Logger zerolog.Logger
}

// Cache stores history pages keyed by conversation, cursor and limit.
type Cache struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
	log zerolog.Logger
}

// Open opens (or creates) the cache database at path.
func Open(path string, opts Options) (*Cache, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate cache: %w", err)
	}
	return New(db, opts), nil
}

// New wraps an already migrated database.
func New(db *sql.DB, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		db:  db,
		ttl: opts.TTL,
		now: opts.Now,
		log: opts.Logger.With().Str("component", "pagecache").Logger(),
	}
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the cached page for req. ok is false on a miss or when the
// entry has expired.
func (c *Cache) Get(ctx context.Context, req engine.PageRequest) (page types.Page, ok bool, err error) {
	var (
		raw       string
		hasMore   int
		fetchedAt int64
	)
	err = c.db.QueryRowContext(ctx, `
		SELECT messages, next_cursor, has_more, fetched_at FROM pages
		WHERE conversation_id = ? AND before_cursor = ? AND page_limit = ?`,
		req.ConversationID, req.Before, req.Limit,
	).Scan(&raw, &page.NextCursor, &hasMore, &fetchedAt)
	if err == sql.ErrNoRows {
		return types.Page{}, false, nil
	}
	if err != nil {
		return types.Page{}, false, fmt.Errorf("query page: %w", err)
	}
	if c.now().Sub(time.Unix(0, fetchedAt)) > c.ttl {
		return types.Page{}, false, nil
	}

	var payloads []wire.MessagePayload
	if err := json.Unmarshal([]byte(raw), &payloads); err != nil {
		return types.Page{}, false, fmt.Errorf("decode cached page: %w", err)
	}
	page.Messages = make([]types.Message, 0, len(payloads))
	for _, p := range payloads {
		m, err := wire.DecodeMessage(p)
		if err != nil {
			return types.Page{}, false, fmt.Errorf("decode cached message: %w", err)
		}
		page.Messages = append(page.Messages, m)
	}
	page.HasMore = hasMore != 0
	page.CacheHit = true
	return page, true, nil
}

// Put stores page as the answer to req.
func (c *Cache) Put(ctx context.Context, req engine.PageRequest, page types.Page) error {
	payloads := make([]wire.MessagePayload, 0, len(page.Messages))
	for _, m := range page.Messages {
		payloads = append(payloads, wire.EncodeMessage(m))
	}
	raw, err := json.Marshal(payloads)
	if err != nil {
		return fmt.Errorf("encode page: %w", err)
	}

	hasMore := 0
	if page.HasMore {
		hasMore = 1
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO pages (conversation_id, before_cursor, page_limit, messages, next_cursor, has_more, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, before_cursor, page_limit) DO UPDATE SET
			messages = excluded.messages,
			next_cursor = excluded.next_cursor,
			has_more = excluded.has_more,
			fetched_at = excluded.fetched_at`,
		req.ConversationID, req.Before, req.Limit, string(raw), page.NextCursor, hasMore, c.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store page: %w", err)
	}
	return nil
}

// Invalidate drops every cached page of a conversation.
func (c *Cache) Invalidate(ctx context.Context, conversationID string) error {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM pages WHERE conversation_id = ?", conversationID); err != nil {
		return fmt.Errorf("invalidate %s: %w", conversationID, err)
	}
	return nil
}

// Prune removes expired pages and returns how many were deleted.
func (c *Cache) Prune(ctx context.Context) (int64, error) {
	cutoff := c.now().Add(-c.ttl).UnixNano()
	res, err := c.db.ExecContext(ctx, "DELETE FROM pages WHERE fetched_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune pages: %w", err)
	}
	return res.RowsAffected()
}

// Fetcher serves older history pages from the cache and falls through to
// the wrapped fetcher on a miss. The latest page and fresh requests always
// go to the network; a fresh older page replaces the cached copy.
type Fetcher struct {
	next  engine.Fetcher
	cache *Cache
}

// Wrap decorates next with the cache.
func Wrap(next engine.Fetcher, cache *Cache) *Fetcher {
	return &Fetcher{next: next, cache: cache}
}

// GetPage implements engine.Fetcher. Cache errors are logged and never
// fail the request.
func (f *Fetcher) GetPage(ctx context.Context, req engine.PageRequest) (types.Page, error) {
	cacheable := req.Before != ""
	if cacheable && !req.Fresh {
		page, ok, err := f.cache.Get(ctx, req)
		if err != nil {
			f.cache.log.Warn().Err(err).Str("conversation_id", req.ConversationID).Msg("page cache read failed")
		}
		if ok {
			return page, nil
		}
	}

	page, err := f.next.GetPage(ctx, req)
	if err != nil {
		return types.Page{}, err
	}
	if cacheable {
		if err := f.cache.Put(ctx, req, page); err != nil {
			f.cache.log.Warn().Err(err).Str("conversation_id", req.ConversationID).Msg("page cache write failed")
		}
	}
	return page, nil
}
