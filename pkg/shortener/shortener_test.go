package shortener_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortd/shortd/pkg/database"
	"github.com/shortd/shortd/pkg/retrier"
	"github.com/shortd/shortd/pkg/shortener"
)

const baseURL = "https://sho.rt"

func openSQLite(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.Open("sqlite::memory:", database.PoolConfig{})
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.EnsureSchema(context.Background()))

	return db
}

type fakePool struct {
	mu       sync.Mutex
	items    []string
	returned []string
}

func (p *fakePool) Pop(context.Context) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.items) == 0 {
		return "", false, nil
	}

	h := p.items[0]
	p.items = p.items[1:]

	return h, true, nil
}

func (p *fakePool) Return(_ context.Context, hash string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.returned = append(p.returned, hash)

	return nil
}

type fakeCache struct {
	mu     sync.Mutex
	byHash map[string]string
	byURL  map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		byHash: make(map[string]string),
		byURL:  make(map[string]string),
	}
}

func (c *fakeCache) Put(_ context.Context, hash, longURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.byHash[hash] = longURL
	c.byURL[longURL] = hash
}

func (c *fakeCache) GetByHash(_ context.Context, hash string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	longURL, ok := c.byHash[hash]

	return longURL, ok
}

func (c *fakeCache) GetHashByURL(_ context.Context, longURL string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash, ok := c.byURL[longURL]

	return hash, ok
}

type fakeGen struct{ calls atomic.Int32 }

func (g *fakeGen) GenerateAsync(context.Context) { g.calls.Add(1) }

type fakeLimiter struct{ allow bool }

func (l *fakeLimiter) Allow(context.Context, string) bool { return l.allow }

type deps struct {
	db      *database.DB
	pool    *fakePool
	cache   *fakeCache
	gen     *fakeGen
	limiter *fakeLimiter
}

func newService(t *testing.T, cfg shortener.Config) (*shortener.Service, *deps) {
	t.Helper()

	d := &deps{
		db:      openSQLite(t),
		pool:    &fakePool{},
		cache:   newFakeCache(),
		gen:     &fakeGen{},
		limiter: &fakeLimiter{allow: true},
	}

	r, err := retrier.New(retrier.Config{MaxAttempts: 3, Delay: retrier.MinDelay})
	require.NoError(t, err)

	if cfg.BaseURL == "" {
		cfg.BaseURL = baseURL
	}

	svc, err := shortener.New(d.db, d.pool, d.cache, d.gen, d.limiter, r, cfg)
	require.NoError(t, err)

	return svc, d
}

func TestCreateShortFromPool(t *testing.T) {
	t.Parallel()

	svc, d := newService(t, shortener.Config{})
	ctx := context.Background()

	d.pool.items = []string{"h1", "h2"}

	short, err := svc.CreateShort(ctx, "https://example.com/a", "u1")
	require.NoError(t, err)
	assert.Equal(t, baseURL+"/h1", short)

	// The follow-up resolution is served from the cache.
	res, err := svc.Resolve(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", res.URL)
	assert.True(t, res.FromCache)
}

func TestCreateShortDeduplicates(t *testing.T) {
	t.Parallel()

	svc, d := newService(t, shortener.Config{})
	ctx := context.Background()

	d.pool.items = []string{"h1", "h2"}

	first, err := svc.CreateShort(ctx, "https://example.com/a", "u1")
	require.NoError(t, err)

	second, err := svc.CreateShort(ctx, "https://example.com/a", "u2")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// The second request never consumed an identifier.
	assert.Equal(t, []string{"h2"}, d.pool.items)
}

func TestCreateShortDeduplicatesFromTable(t *testing.T) {
	t.Parallel()

	svc, d := newService(t, shortener.Config{})
	ctx := context.Background()

	require.NoError(t, d.db.InsertURL(ctx, "w1", "https://example.com/a"))

	short, err := svc.CreateShort(ctx, "https://example.com/a", "u1")
	require.NoError(t, err)
	assert.Equal(t, baseURL+"/w1", short)

	// The table hit back-filled the cache.
	hash, ok := d.cache.GetHashByURL(ctx, "https://example.com/a")
	require.True(t, ok)
	assert.Equal(t, "w1", hash)
}

func TestCreateShortNormalizesBeforeDedup(t *testing.T) {
	t.Parallel()

	svc, d := newService(t, shortener.Config{})
	ctx := context.Background()

	d.pool.items = []string{"h1", "h2"}

	first, err := svc.CreateShort(ctx, "https://example.com/a", "u1")
	require.NoError(t, err)

	// Same URL modulo scheme default and host case.
	second, err := svc.CreateShort(ctx, "EXAMPLE.com/a", "u2")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCreateShortValidation(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, shortener.Config{})
	ctx := context.Background()

	for _, raw := range []string{
		"",
		"javascript:alert(1)",
		"//example.com/a",
		"ftp://example.com/a",
		"https://localhost/a",
		"https://192.168.1.10/a",
	} {
		_, err := svc.CreateShort(ctx, raw, "u1")
		assert.ErrorIsf(t, err, shortener.ErrInvalidURL, "input %q", raw)
	}
}

func TestCreateShortRateLimited(t *testing.T) {
	t.Parallel()

	svc, d := newService(t, shortener.Config{})
	ctx := context.Background()

	d.limiter.allow = false
	d.pool.items = []string{"h1"}

	_, err := svc.CreateShort(ctx, "https://example.com/a", "u1")
	require.ErrorIs(t, err, shortener.ErrRateLimited)

	// Refused before any durable I/O.
	assert.Equal(t, []string{"h1"}, d.pool.items)

	_, err = d.db.FindHashByURL(ctx, "https://example.com/a")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestCreateShortFallbackClaim(t *testing.T) {
	t.Parallel()

	svc, d := newService(t, shortener.Config{})
	ctx := context.Background()

	// Pool empty, but the table has claimable rows.
	_, err := d.db.InsertIfAbsent(ctx, []string{"f1"})
	require.NoError(t, err)

	short, err := svc.CreateShort(ctx, "https://example.com/c", "u3")
	require.NoError(t, err)
	assert.Equal(t, baseURL+"/f1", short)

	// The row was claimed and a background batch was requested.
	claimed, err := d.db.ClaimAvailable(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	assert.EqualValues(t, 1, d.gen.calls.Load())
}

func TestCreateShortOnTheFly(t *testing.T) {
	t.Parallel()

	svc, d := newService(t, shortener.Config{})
	ctx := context.Background()

	// Pool empty and nothing claimable: a single identifier is minted from
	// the sequence.
	short, err := svc.CreateShort(ctx, "https://example.com/d", "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, short)

	hash := short[len(baseURL)+1:]

	longURL, err := d.db.FindURLByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/d", longURL)

	// The minted identifier is not claimable.
	claimed, err := d.db.ClaimAvailable(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

// conflictStore simulates losing a uniqueness race: the dedup lookup misses
// once, then the insert hits the winner's row.
type conflictStore struct {
	*database.DB

	missedOnce atomic.Bool
}

func (s *conflictStore) FindHashByURL(ctx context.Context, longURL string) (string, error) {
	if s.missedOnce.CompareAndSwap(false, true) {
		return "", database.ErrNotFound
	}

	return s.DB.FindHashByURL(ctx, longURL)
}

func TestCreateShortURLConflict(t *testing.T) {
	t.Parallel()

	d := &deps{
		db:      openSQLite(t),
		pool:    &fakePool{},
		cache:   newFakeCache(),
		gen:     &fakeGen{},
		limiter: &fakeLimiter{allow: true},
	}

	r, err := retrier.New(retrier.Config{MaxAttempts: 3, Delay: retrier.MinDelay})
	require.NoError(t, err)

	store := &conflictStore{DB: d.db}

	svc, err := shortener.New(store, d.pool, d.cache, d.gen, d.limiter, r, shortener.Config{BaseURL: baseURL})
	require.NoError(t, err)

	ctx := context.Background()

	// The winner committed between our dedup check and our insert.
	require.NoError(t, d.db.InsertURL(ctx, "w1", "https://example.com/b"))

	d.pool.items = []string{"h2"}

	short, err := svc.CreateShort(ctx, "https://example.com/b", "u2")
	require.NoError(t, err)

	// The loser reuses the winner's identifier and returns its own.
	assert.Equal(t, baseURL+"/w1", short)
	assert.Equal(t, []string{"h2"}, d.pool.returned)
}

func TestCreateShortHashCollisionRetriesWithFreshIdentifier(t *testing.T) {
	t.Parallel()

	svc, d := newService(t, shortener.Config{})
	ctx := context.Background()

	// The pooled identifier is already mapped to a different URL.
	require.NoError(t, d.db.InsertURL(ctx, "h1", "https://example.com/other"))

	d.pool.items = []string{"h1"}

	short, err := svc.CreateShort(ctx, "https://example.com/e", "u1")
	require.NoError(t, err)
	assert.NotEqual(t, baseURL+"/h1", short)

	// The colliding identifier stays out of the pool.
	assert.Empty(t, d.pool.returned)
}

func TestCreateShortHashCollisionExhaustsRetries(t *testing.T) {
	t.Parallel()

	d := &deps{
		db:      openSQLite(t),
		pool:    &fakePool{},
		cache:   newFakeCache(),
		gen:     &fakeGen{},
		limiter: &fakeLimiter{allow: true},
	}

	r, err := retrier.New(retrier.Config{MaxAttempts: 1, Delay: retrier.MinDelay})
	require.NoError(t, err)

	svc, err := shortener.New(d.db, d.pool, d.cache, d.gen, d.limiter, r, shortener.Config{BaseURL: baseURL})
	require.NoError(t, err)

	ctx := context.Background()

	require.NoError(t, d.db.InsertURL(ctx, "h1", "https://example.com/other"))

	d.pool.items = []string{"h1"}

	_, err = svc.CreateShort(ctx, "https://example.com/e", "u1")
	require.ErrorIs(t, err, database.ErrHashCollision)
}

func TestResolve(t *testing.T) {
	t.Parallel()

	svc, d := newService(t, shortener.Config{})
	ctx := context.Background()

	require.NoError(t, d.db.InsertURL(ctx, "abc", "https://example.com/a"))

	// First resolution reads the table and back-fills the cache.
	res, err := svc.Resolve(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", res.URL)
	assert.False(t, res.FromCache)

	res, err = svc.Resolve(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, res.FromCache)
}

func TestResolveNotFound(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, shortener.Config{})

	_, err := svc.Resolve(context.Background(), "nope")
	require.ErrorIs(t, err, shortener.ErrNotFound)
}

func TestResolveBlacklistedDomain(t *testing.T) {
	t.Parallel()

	svc, d := newService(t, shortener.Config{BlacklistDomains: []string{"evil.example"}})
	ctx := context.Background()

	require.NoError(t, d.db.InsertURL(ctx, "bad", "https://evil.example/a"))

	_, err := svc.Resolve(ctx, "bad")
	require.ErrorIs(t, err, shortener.ErrInvalidURL)
}

func TestReturnHash(t *testing.T) {
	t.Parallel()

	svc, d := newService(t, shortener.Config{})

	require.NoError(t, svc.ReturnHash(context.Background(), "h9"))
	assert.Equal(t, []string{"h9"}, d.pool.returned)
}
