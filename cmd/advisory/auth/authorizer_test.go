package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/advisory/common/cache"
	"github.com/meridian/advisory/common/logger"
)

func TestStaticAuthorizer(t *testing.T) {
	a := NewStaticAuthorizer(map[string]string{"alice": "acct-1"}, "acct-shared")

	account, err := a.AuthorizedAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", account)

	account, err = a.AuthorizedAccount(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Equal(t, "acct-shared", account)
}

func TestStaticAuthorizerRejectsWithoutDefault(t *testing.T) {
	a := NewStaticAuthorizer(nil, "")

	_, err := a.AuthorizedAccount(context.Background(), "nobody")
	assert.ErrorContains(t, err, "no account assignment")
}

func TestParseAssignments(t *testing.T) {
	assignments := ParseAssignments("alice:acct-1, bob:acct-2 ,, bad-pair, :empty,also:")
	assert.Equal(t, map[string]string{
		"alice": "acct-1",
		"bob":   "acct-2",
	}, assignments)

	assert.Empty(t, ParseAssignments(""))
}

type countingResolver struct {
	account string
	err     error
	calls   int
}

func (r *countingResolver) AuthorizedAccount(ctx context.Context, userID string) (string, error) {
	r.calls++
	return r.account, r.err
}

func TestCachingAuthorizerCachesHits(t *testing.T) {
	log := logger.New("error", "json")
	inner := &countingResolver{account: "acct-1"}
	a := NewCachingAuthorizer(inner, cache.NewMemoryCache(log), time.Minute, log)

	for i := 0; i < 3; i++ {
		account, err := a.AuthorizedAccount(context.Background(), "alice")
		require.NoError(t, err)
		assert.Equal(t, "acct-1", account)
	}
	assert.Equal(t, 1, inner.calls)
}

func TestCachingAuthorizerDoesNotCacheFailures(t *testing.T) {
	log := logger.New("error", "json")
	inner := &countingResolver{err: assert.AnError}
	a := NewCachingAuthorizer(inner, cache.NewMemoryCache(log), time.Minute, log)

	for i := 0; i < 2; i++ {
		_, err := a.AuthorizedAccount(context.Background(), "alice")
		assert.Error(t, err)
	}
	assert.Equal(t, 2, inner.calls)
}
