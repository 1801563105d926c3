package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/meridian/advisory/common/cache"
	"github.com/meridian/advisory/common/logger"
)

// StaticAuthorizer resolves the account a user is allowed to write runs
// under from a fixed assignment table. It stands in for the external
// identity service; the ingestion layer only sees the AuthorizedAccount
// contract.
type StaticAuthorizer struct {
	assignments    map[string]string
	defaultAccount string
}

// NewStaticAuthorizer creates an authorizer from a user -> account table.
// Users absent from the table resolve to defaultAccount; an empty
// defaultAccount means unknown users are rejected.
func NewStaticAuthorizer(assignments map[string]string, defaultAccount string) *StaticAuthorizer {
	if assignments == nil {
		assignments = make(map[string]string)
	}
	return &StaticAuthorizer{
		assignments:    assignments,
		defaultAccount: defaultAccount,
	}
}

// AuthorizedAccount returns the account the user may ingest runs for
func (a *StaticAuthorizer) AuthorizedAccount(ctx context.Context, userID string) (string, error) {
	if account, ok := a.assignments[userID]; ok {
		return account, nil
	}
	if a.defaultAccount != "" {
		return a.defaultAccount, nil
	}
	return "", fmt.Errorf("no account assignment for user %s", userID)
}

// ParseAssignments parses a "user:account,user:account" env value
func ParseAssignments(raw string) map[string]string {
	assignments := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		assignments[parts[0]] = parts[1]
	}
	return assignments
}

// Resolver is the lookup contract CachingAuthorizer decorates
type Resolver interface {
	AuthorizedAccount(ctx context.Context, userID string) (string, error)
}

// CachingAuthorizer fronts a Resolver with a TTL cache so hot users do not
// hit the identity lookup on every ingest call
type CachingAuthorizer struct {
	inner Resolver
	cache cache.Cache
	ttl   time.Duration
	log   *logger.Logger
}

// NewCachingAuthorizer wraps a resolver with a TTL cache
func NewCachingAuthorizer(inner Resolver, c cache.Cache, ttl time.Duration, log *logger.Logger) *CachingAuthorizer {
	return &CachingAuthorizer{
		inner: inner,
		cache: c,
		ttl:   ttl,
		log:   log,
	}
}

// AuthorizedAccount returns the cached account for the user, falling back to
// the inner resolver on miss. Negative results are not cached.
func (a *CachingAuthorizer) AuthorizedAccount(ctx context.Context, userID string) (string, error) {
	key := "auth:account:" + userID

	if a.cache != nil {
		if value, found, err := a.cache.Get(ctx, key); err == nil && found {
			return string(value), nil
		}
	}

	account, err := a.inner.AuthorizedAccount(ctx, userID)
	if err != nil {
		return "", err
	}

	if a.cache != nil {
		if err := a.cache.Set(ctx, key, []byte(account), a.ttl); err != nil {
			a.log.Warn("failed to cache account assignment", "user_id", userID, "error", err)
		}
	}

	return account, nil
}
