// Package shortener implements the creation and resolution pipelines on top
// of the identifier pool, the durable store and the advisory cache.
package shortener

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/shortd/shortd/pkg/base62"
	"github.com/shortd/shortd/pkg/database"
	"github.com/shortd/shortd/pkg/generator"
	"github.com/shortd/shortd/pkg/hashpool"
	"github.com/shortd/shortd/pkg/retrier"
)

// Defaults for the creation pipeline.
const (
	DefaultMaxURLLength    = 2048
	MinMaxURLLength        = 100
	MaxMaxURLLength        = 10000
	DefaultFallbackPermits = 5
	DefaultFallbackTimeout = time.Second
)

var (
	// ErrInvalidURL is returned when the input fails validation or
	// normalization.
	ErrInvalidURL = errors.New("invalid url")

	// ErrNotFound is returned when no mapping exists for the identifier.
	ErrNotFound = errors.New("short url not found")

	// ErrRateLimited is returned when the caller exhausted its token bucket.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrUnavailable is returned when no identifier could be obtained, for
	// example when the fallback path is saturated.
	ErrUnavailable = errors.New("no identifier available")

	// ErrMaxURLLengthOutOfRange is returned by New for an invalid
	// MaxURLLength.
	ErrMaxURLLengthOutOfRange = errors.New("maxURLLength out of range")
)

// Store is the slice of the database the pipelines need.
type Store interface {
	InsertURL(ctx context.Context, hash, longURL string) error
	FindURLByHash(ctx context.Context, hash string) (string, error)
	FindHashByURL(ctx context.Context, longURL string) (string, error)
	ClaimAvailable(ctx context.Context, n int) ([]string, error)
	NextSequence(ctx context.Context, n int) ([]int64, error)
	MarkUsed(ctx context.Context, hash string) error
}

// Pool is the slice of the identifier pool the pipelines need.
type Pool interface {
	Pop(ctx context.Context) (string, bool, error)
	Return(ctx context.Context, hash string) error
}

// Cache is the advisory mapping cache. Implementations swallow their own
// failures.
type Cache interface {
	Put(ctx context.Context, hash, longURL string)
	GetByHash(ctx context.Context, hash string) (string, bool)
	GetHashByURL(ctx context.Context, longURL string) (string, bool)
}

// Generation triggers background identifier production.
type Generation interface {
	GenerateAsync(ctx context.Context)
}

// Limiter gates shortening requests per principal.
type Limiter interface {
	Allow(ctx context.Context, principal string) bool
}

// ValidateFunc is a validation hook. It returns nil or an error wrapping
// ErrInvalidURL.
type ValidateFunc func(string) error

// Config holds the pipeline parameters.
type Config struct {
	// BaseURL is prepended to identifiers when building short URLs, for
	// example "https://sho.rt".
	BaseURL string

	// MaxURLLength bounds the raw input. Zero selects DefaultMaxURLLength.
	MaxURLLength int

	// FallbackPermits bounds how many requests may claim straight from the
	// database at once when the pool is empty. Zero selects
	// DefaultFallbackPermits.
	FallbackPermits int64

	// FallbackTimeout bounds how long a request waits for a fallback permit
	// before failing with ErrUnavailable. Zero selects
	// DefaultFallbackTimeout.
	FallbackTimeout time.Duration

	// ForbiddenSchemes are refused at create time, checked as prefixes of
	// the raw input. Nil selects the package defaults.
	ForbiddenSchemes []string

	// BlacklistDomains are refused at redirect time, subdomains included.
	BlacklistDomains []string

	// CreateValidator overrides the create-time validation hook.
	CreateValidator ValidateFunc

	// RedirectValidator overrides the redirect-time validation hook.
	RedirectValidator ValidateFunc
}

// Resolution is the outcome of resolving an identifier.
type Resolution struct {
	URL       string
	FromCache bool
}

// Service runs the creation and resolution pipelines.
type Service struct {
	store   Store
	pool    Pool
	cache   Cache
	gen     Generation
	limiter Limiter
	retrier *retrier.Retrier

	baseURL         string
	maxURLLength    int
	fallbackSem     *semaphore.Weighted
	fallbackTimeout time.Duration

	createValidator   ValidateFunc
	redirectValidator ValidateFunc
}

// New creates a Service. The retrier guards the durable insert.
func New(
	store Store,
	pool Pool,
	cache Cache,
	gen Generation,
	limiter Limiter,
	r *retrier.Retrier,
	cfg Config,
) (*Service, error) {
	if cfg.MaxURLLength == 0 {
		cfg.MaxURLLength = DefaultMaxURLLength
	}

	if cfg.MaxURLLength < MinMaxURLLength || cfg.MaxURLLength > MaxMaxURLLength {
		return nil, fmt.Errorf("%w: %d", ErrMaxURLLengthOutOfRange, cfg.MaxURLLength)
	}

	if cfg.FallbackPermits <= 0 {
		cfg.FallbackPermits = DefaultFallbackPermits
	}

	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = DefaultFallbackTimeout
	}

	s := &Service{
		store:           store,
		pool:            pool,
		cache:           cache,
		gen:             gen,
		limiter:         limiter,
		retrier:         r,
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		maxURLLength:    cfg.MaxURLLength,
		fallbackSem:     semaphore.NewWeighted(cfg.FallbackPermits),
		fallbackTimeout: cfg.FallbackTimeout,
	}

	s.createValidator = cfg.CreateValidator
	if s.createValidator == nil {
		s.createValidator = func(raw string) error {
			return validateRaw(raw, s.maxURLLength, cfg.ForbiddenSchemes)
		}
	}

	s.redirectValidator = cfg.RedirectValidator
	if s.redirectValidator == nil {
		s.redirectValidator = func(target string) error {
			return validateRedirectTarget(target, cfg.BlacklistDomains)
		}
	}

	return s, nil
}

// CreateShort shortens rawURL for the given principal and returns the full
// short URL. Shortening the same URL twice returns the same identifier.
func (s *Service) CreateShort(ctx context.Context, rawURL, principal string) (string, error) {
	start := time.Now()

	recordCreation(ctx)

	defer func() {
		recordCreationDuration(ctx, time.Since(start).Seconds())
	}()

	// The rate limit decision precedes any durable I/O.
	if !s.limiter.Allow(ctx, principal) {
		recordCreationFailure(ctx, "rate_limited")

		return "", fmt.Errorf("%w: principal %q", ErrRateLimited, principal)
	}

	if err := s.createValidator(rawURL); err != nil {
		recordValidationFailure(ctx)
		recordCreationFailure(ctx, "validation")

		return "", err
	}

	normalized, host, err := normalize(rawURL, s.maxURLLength)
	if err != nil {
		recordValidationFailure(ctx)
		recordCreationFailure(ctx, "validation")

		return "", err
	}

	if err := validatePublicHost(host); err != nil {
		recordValidationFailure(ctx)
		recordCreationFailure(ctx, "validation")

		return "", err
	}

	// Dedup: reverse cache first, then the reverse table.
	if hash, ok := s.cache.GetHashByURL(ctx, normalized); ok {
		s.cache.Put(ctx, hash, normalized) // refresh the TTL

		recordCreationSuccess(ctx)

		return s.buildShortURL(hash), nil
	}

	hash, err := s.store.FindHashByURL(ctx, normalized)
	if err == nil {
		s.cache.Put(ctx, hash, normalized)

		recordCreationSuccess(ctx)

		return s.buildShortURL(hash), nil
	}

	if !errors.Is(err, database.ErrNotFound) {
		recordCreationFailure(ctx, "store")

		return "", fmt.Errorf("error checking for an existing mapping: %w", err)
	}

	hash, err = s.persist(ctx, normalized)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnavailable):
			recordCreationFailure(ctx, "claim")
		case errors.Is(err, database.ErrHashCollision):
			recordCreationFailure(ctx, "collision")
		default:
			recordCreationFailure(ctx, "store")
		}

		return "", err
	}

	s.cache.Put(ctx, hash, normalized)

	recordCreationSuccess(ctx)

	return s.buildShortURL(hash), nil
}

// Resolve returns the long URL for hash, preferring the cache. FromCache
// tells the transport layer whether the database was consulted.
func (s *Service) Resolve(ctx context.Context, hash string) (Resolution, error) {
	start := time.Now()

	recordRedirect(ctx)

	defer func() {
		recordRedirectDuration(ctx, time.Since(start).Seconds())
	}()

	longURL, fromCache := s.cache.GetByHash(ctx, hash)

	if !fromCache {
		var err error

		longURL, err = s.store.FindURLByHash(ctx, hash)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				recordRedirectNotFound(ctx)

				return Resolution{}, fmt.Errorf("%w: %q", ErrNotFound, hash)
			}

			return Resolution{}, err
		}

		s.cache.Put(ctx, hash, longURL)
	}

	if err := s.redirectValidator(longURL); err != nil {
		recordRedirectValidationFailure(ctx)

		return Resolution{}, err
	}

	recordRedirectSuccess(ctx)

	return Resolution{URL: longURL, FromCache: fromCache}, nil
}

// ReturnHash gives a claimed identifier back to the pool, for callers that
// aborted an assignment.
func (s *Service) ReturnHash(ctx context.Context, hash string) error {
	return s.pool.Return(ctx, hash)
}

// claimHash obtains an identifier: pool first, then a bounded direct claim,
// then on-the-fly generation of a single identifier.
func (s *Service) claimHash(ctx context.Context) (string, error) {
	hash, ok, err := s.pool.Pop(ctx)
	if err != nil {
		// Pool trouble degrades to the fallback path; it must not fail the
		// request on its own.
		zerolog.Ctx(ctx).Warn().Err(err).Msg("identifier pool unavailable, falling back")
	}

	if ok {
		return hash, nil
	}

	// Replenish in the background for the requests behind this one.
	s.gen.GenerateAsync(ctx)

	hashpool.RecordFallback(ctx)

	permitCtx, cancel := context.WithTimeout(ctx, s.fallbackTimeout)
	defer cancel()

	if err := s.fallbackSem.Acquire(permitCtx, 1); err != nil {
		return "", fmt.Errorf("%w: fallback path saturated", ErrUnavailable)
	}
	defer s.fallbackSem.Release(1)

	claimed, err := s.store.ClaimAvailable(ctx, 1)
	if err != nil {
		return "", fmt.Errorf("error claiming an identifier: %w", err)
	}

	if len(claimed) > 0 {
		return claimed[0], nil
	}

	return s.generateOnTheFly(ctx)
}

// generateOnTheFly mints one identifier straight from the sequence when
// both the pool and the claimable rows are exhausted.
func (s *Service) generateOnTheFly(ctx context.Context) (string, error) {
	generator.RecordOnTheFly(ctx)

	seq, err := s.store.NextSequence(ctx, 1)
	if err != nil {
		return "", fmt.Errorf("error advancing the sequence: %w", err)
	}

	if len(seq) != 1 {
		return "", fmt.Errorf("%w: sequence returned %d values", ErrUnavailable, len(seq))
	}

	hash, err := base62.Encode(seq[0])
	if err != nil {
		return "", fmt.Errorf("error encoding the identifier: %w", err)
	}

	if err := s.store.MarkUsed(ctx, hash); err != nil {
		return "", err
	}

	return hash, nil
}

// persist claims an identifier and writes the mapping. Identifier
// collisions and integrity faults other than a URL conflict are retried,
// each retry claiming afresh. When another writer shortened the same URL
// first, the claimed identifier goes back to the pool and the winner's
// identifier is returned.
func (s *Service) persist(ctx context.Context, normalized string) (string, error) {
	var hash string

	err := s.retrier.Do(ctx, "shortener.persist", func(ctx context.Context) error {
		var err error

		hash, err = s.claimHash(ctx)
		if err != nil {
			return err
		}

		err = s.store.InsertURL(ctx, hash, normalized)
		if err == nil {
			return nil
		}

		if errors.Is(err, database.ErrURLConflict) {
			return err
		}

		if errors.Is(err, database.ErrHashCollision) {
			// The claimed identifier was already assigned elsewhere; it
			// stays out of the pool and the retry claims a fresh one.
			recordConflict(ctx, "hash")

			return retrier.Transient(err)
		}

		if errors.Is(err, database.ErrIntegrity) {
			// The identifier itself is fine; give it back before retrying.
			if returnErr := s.pool.Return(ctx, hash); returnErr != nil {
				zerolog.Ctx(ctx).Warn().
					Err(returnErr).
					Str("hash", hash).
					Msg("failed to return the identifier to the pool")
			}

			return retrier.Transient(err)
		}

		return err
	})
	if err == nil {
		return hash, nil
	}

	if errors.Is(err, database.ErrURLConflict) {
		recordConflict(ctx, "url")

		if returnErr := s.pool.Return(ctx, hash); returnErr != nil {
			zerolog.Ctx(ctx).Warn().
				Err(returnErr).
				Str("hash", hash).
				Msg("failed to return the identifier to the pool")
		}

		winner, findErr := s.store.FindHashByURL(ctx, normalized)
		if findErr != nil {
			return "", fmt.Errorf("error finding the winning mapping: %w", findErr)
		}

		zerolog.Ctx(ctx).Debug().
			Str("hash", winner).
			Msg("lost a shortening race, reusing the winner's identifier")

		return winner, nil
	}

	return "", fmt.Errorf("error persisting the mapping: %w", err)
}

func (s *Service) buildShortURL(hash string) string {
	return s.baseURL + "/" + hash
}
