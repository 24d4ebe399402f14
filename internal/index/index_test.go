package index_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jhgg/jeev-jiracache/internal/index"
	"github.com/jhgg/jeev-jiracache/internal/issue"
	"github.com/jhgg/jeev-jiracache/internal/issue/issuetest"
	"github.com/jhgg/jeev-jiracache/internal/scoring"
	"github.com/jhgg/jeev-jiracache/pkg/config"
	apperrors "github.com/jhgg/jeev-jiracache/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const prefix = "jri"

func newStore(t *testing.T) (*index.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	store := index.New(rdb, config.IndexConfig{Prefix: prefix, CacheTTL: time.Minute}, nil)
	return store, mr
}

// snapshot captures every sorted set under the prefix with member scores.
func snapshot(t *testing.T, mr *miniredis.Miniredis) map[string]map[string]float64 {
	t.Helper()
	out := make(map[string]map[string]float64)
	for _, key := range mr.Keys() {
		if mr.Type(key) != "zset" {
			continue
		}
		members, err := mr.SortedSet(key)
		require.NoError(t, err)
		out[key] = members
	}
	return out
}

func indexAll(t *testing.T, store *index.Store, issues ...*issue.Issue) {
	t.Helper()
	for _, iss := range issues {
		require.NoError(t, store.Index(context.Background(), iss))
	}
}

func TestSearchRoundTrip(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	indexAll(t, store,
		issuetest.New(t, "FOO-1", "alice", "open", "fix bug"),
		issuetest.New(t, "FOO-2", "bob", "closed", "other"),
	)

	ids, err := store.SearchIDs(ctx, "fix", index.SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"FOO-1"}, ids)

	ids, err = store.SearchIDs(ctx, "nonexistent", index.SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSearchPrefixOfWord(t *testing.T) {
	store, _ := newStore(t)
	indexAll(t, store,
		issuetest.New(t, "FOO-1", "alice", "open", "fix bug"),
		issuetest.New(t, "FOO-2", "bob", "closed", "other"),
	)

	ids, err := store.SearchIDs(context.Background(), "Cl", index.SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"FOO-2"}, ids)
}

func TestSearchEmptyPhrase(t *testing.T) {
	store, _ := newStore(t)
	indexAll(t, store, issuetest.New(t, "FOO-1", "alice", "open", "fix bug"))

	for _, q := range []string{"", "   ", "the of", "!!!"} {
		ids, err := store.SearchIDs(context.Background(), q, index.SearchOptions{})
		require.NoError(t, err)
		assert.Empty(t, ids, "query %q", q)
	}
}

func TestSearchMultiTermUsesCache(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()
	indexAll(t, store,
		issuetest.New(t, "FOO-1", "alice", "open", "fix bug"),
		issuetest.New(t, "FOO-2", "alice", "closed", "other"),
	)

	ids, err := store.SearchIDs(ctx, "fix alice", index.SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"FOO-1"}, ids)

	cacheKey := index.CacheKey(prefix, []string{"fix", "alice"}, nil)
	assert.Equal(t, "jri:c:alice|fix:", cacheKey)
	require.True(t, mr.Exists(cacheKey))
	assert.Equal(t, time.Minute, mr.TTL(cacheKey))

	// Word order does not matter.
	ids, err = store.SearchIDs(ctx, "alice fix", index.SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"FOO-1"}, ids)

	ids, err = store.SearchIDs(ctx, "alice", index.SearchOptions{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"FOO-1", "FOO-2"}, ids)
}

func TestSearchSingleTermSkipsCache(t *testing.T) {
	store, mr := newStore(t)
	indexAll(t, store, issuetest.New(t, "FOO-1", "alice", "open", "fix bug"))

	_, err := store.SearchIDs(context.Background(), "fix", index.SearchOptions{})
	require.NoError(t, err)
	for _, key := range mr.Keys() {
		assert.False(t, strings.HasPrefix(key, prefix+":c:"), "unexpected cache entry %s", key)
	}
}

func TestSearchLimit(t *testing.T) {
	store, _ := newStore(t)
	indexAll(t, store,
		issuetest.New(t, "FOO-1", "alice", "open", "fix one"),
		issuetest.New(t, "FOO-2", "alice", "open", "fix two"),
		issuetest.New(t, "FOO-3", "alice", "open", "fix three"),
	)

	ids, err := store.SearchIDs(context.Background(), "fix", index.SearchOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	docs, err := store.Search(context.Background(), "fix", index.SearchOptions{Limit: 2, Kind: issue.Projected})
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestSearchFillsLimitPastMissingPayloads(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()
	indexAll(t, store,
		issuetest.New(t, "FOO-1", "alice", "open", "fix one"),
		issuetest.New(t, "FOO-2", "alice", "open", "fix two"),
		issuetest.New(t, "FOO-3", "alice", "open", "fix three"),
	)

	top, err := store.SearchIDs(ctx, "fix", index.SearchOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, top, 1)
	mr.HDel(index.SmallKey(prefix), top[0])

	docs, err := store.Search(ctx, "fix", index.SearchOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	for _, doc := range docs {
		assert.NotContains(t, string(doc), top[0])
	}

	byKey, err := store.SearchByKey(ctx, "foo", issue.Projected, 1)
	require.NoError(t, err)
	require.NotEmpty(t, byKey)
	for _, doc := range byKey {
		assert.NotContains(t, string(doc), top[0])
	}
}

func TestSearchMatchesIssueKey(t *testing.T) {
	store, _ := newStore(t)
	indexAll(t, store,
		issuetest.New(t, "FOO-1", "alice", "open", "fix bug"),
		issuetest.New(t, "BAR-7", "bob", "open", "unrelated"),
	)

	ids, err := store.SearchIDs(context.Background(), "bar-7", index.SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"BAR-7"}, ids)
}

func TestIndexThenRemoveLeavesNothing(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()
	iss := issuetest.New(t, "FOO-1", "alice", "open", "fix the login bug")
	indexAll(t, store, iss)
	_, err := store.Boost(ctx, "FOO-1", index.DefaultBoost, false)
	require.NoError(t, err)
	require.NotEmpty(t, mr.Keys())

	require.NoError(t, store.Remove(ctx, "foo-1"))
	assert.Empty(t, mr.Keys())
}

func TestRemoveKeepsOtherIssues(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()
	indexAll(t, store,
		issuetest.New(t, "FOO-1", "alice", "open", "fix bug"),
		issuetest.New(t, "FOO-2", "alice", "open", "fix other"),
	)

	require.NoError(t, store.Remove(ctx, "FOO-1"))

	for key, members := range snapshot(t, mr) {
		_, ok := members["FOO-1"]
		assert.False(t, ok, "FOO-1 still in %s", key)
	}
	for _, hash := range []string{index.DataKey(prefix), index.SmallKey(prefix), index.TitleKey(prefix)} {
		fields, err := mr.HKeys(hash)
		require.NoError(t, err)
		assert.Equal(t, []string{"FOO-2"}, fields)
	}

	ids, err := store.SearchIDs(ctx, "fix", index.SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"FOO-2"}, ids)

	ids, err = store.SearchIDs(ctx, "bug", index.SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRemoveUnknownKey(t *testing.T) {
	store, mr := newStore(t)
	require.NoError(t, store.Remove(context.Background(), "NOPE-1"))
	assert.Empty(t, mr.Keys())
}

// A prefix set that holds at most one member when removal reads it is
// deleted whole, whoever that member is. If the set already lost this issue,
// the other issue's entry goes with it. This is the existing policy and is
// kept as is.
func TestRemoveThresholdDropsNearEmptySet(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()
	indexAll(t, store, issuetest.New(t, "FOO-1", "alice", "open", "fix bug"))

	set := index.SearchKey(prefix, "fix")
	_, err := mr.ZRem(set, "FOO-1")
	require.NoError(t, err)
	_, err = mr.ZAdd(set, 1, "FOO-9")
	require.NoError(t, err)

	require.NoError(t, store.Remove(ctx, "FOO-1"))
	assert.False(t, mr.Exists(set), "one-member set should be dropped")
}

func TestReindexSameTitleOnlyRewritesPayload(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()
	indexAll(t, store,
		issuetest.New(t, "FOO-1", "alice", "open", "fix bug"),
		issuetest.New(t, "FOO-2", "bob", "open", "fix other"),
	)
	before := snapshot(t, mr)

	updated := issuetest.New(t, "FOO-1", "alice", "open", "fix bug")
	updated.Fields.IssueType.Name = "Task"
	updated.Raw = json.RawMessage(`{"key":"FOO-1","changed":true}`)
	require.NoError(t, store.Index(ctx, updated))

	assert.Equal(t, before, snapshot(t, mr))

	full, err := store.GetByKey(ctx, "FOO-1", issue.Full)
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"FOO-1","changed":true}`, string(full))

	small, err := store.GetByKey(ctx, "FOO-1", issue.Projected)
	require.NoError(t, err)
	var projected issue.Small
	require.NoError(t, json.Unmarshal(small, &projected))
	assert.Equal(t, "Task", projected.Type.Name)
}

func TestReindexChangedTitleReplacesEntries(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()
	indexAll(t, store, issuetest.New(t, "FOO-1", "alice", "open", "fix bug"))
	_, err := store.Boost(ctx, "FOO-1", index.DefaultBoost, false)
	require.NoError(t, err)

	indexAll(t, store, issuetest.New(t, "FOO-1", "alice", "closed", "ship feature"))

	for _, q := range []string{"fix", "bug", "open"} {
		ids, err := store.SearchIDs(ctx, q, index.SearchOptions{})
		require.NoError(t, err)
		assert.Empty(t, ids, "stale match for %q", q)
	}
	for _, q := range []string{"ship", "feat", "closed", "alice", "foo-1"} {
		ids, err := store.SearchIDs(ctx, q, index.SearchOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"FOO-1"}, ids, "query %q", q)
	}
	assert.False(t, mr.Exists(index.SearchKey(prefix, "bu")))
	assert.False(t, mr.Exists(index.SearchKey(prefix, "op")))

	assert.Equal(t, "alice closed ship feature", mr.HGet(index.TitleKey(prefix), "FOO-1"))

	// The boost survives re-indexing.
	boosts, err := store.Boosts(ctx)
	require.NoError(t, err)
	assert.InDelta(t, index.DefaultBoost, boosts["FOO-1"], 1e-9)

	// And a fresh index of the same issue from scratch has identical sets.
	fresh, freshMR := newStore(t)
	indexAll(t, fresh, issuetest.New(t, "FOO-1", "alice", "closed", "ship feature"))
	assert.Equal(t, snapshot(t, freshMR), snapshot(t, mr))
}

// beforeFirstExec runs fn once, just before the client sends its first
// MULTI/EXEC block.
type beforeFirstExec struct {
	fired atomic.Bool
	fn    func()
}

func (h *beforeFirstExec) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *beforeFirstExec) ProcessHook(next redis.ProcessHook) redis.ProcessHook { return next }

func (h *beforeFirstExec) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		if len(cmds) > 0 && cmds[0].Name() == "multi" && h.fired.CompareAndSwap(false, true) {
			h.fn()
		}
		return next(ctx, cmds)
	}
}

func TestConcurrentReindexLeavesNoStaleEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.IndexConfig{Prefix: prefix, CacheTTL: time.Minute}
	ctx := context.Background()

	otherRDB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { otherRDB.Close() })
	other := index.New(otherRDB, cfg, nil)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	hook := &beforeFirstExec{fn: func() {
		require.NoError(t, other.Index(ctx, issuetest.New(t, "FOO-1", "alice", "open", "walrus")))
	}}
	rdb.AddHook(hook)
	store := index.New(rdb, cfg, nil)

	require.NoError(t, store.Index(ctx, issuetest.New(t, "FOO-1", "alice", "open", "giraffe")))
	require.True(t, hook.fired.Load())

	assert.Equal(t, "alice open giraffe", mr.HGet(index.TitleKey(prefix), "FOO-1"))
	ids, err := store.SearchIDs(ctx, "walrus", index.SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, ids)
	ids, err = store.SearchIDs(ctx, "giraffe", index.SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"FOO-1"}, ids)

	require.NoError(t, store.Remove(ctx, "FOO-1"))
	assert.Empty(t, mr.Keys())
}

func TestKeyScoresAreWritten(t *testing.T) {
	store, mr := newStore(t)
	indexAll(t, store, issuetest.New(t, "FOO-1", "alice", "open", "fix bug"))

	members, err := mr.SortedSet(index.KeySearchKey(prefix, "foo-1"))
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"FOO-1": scoring.KeyScore(4)}, members)

	members, err = mr.SortedSet(index.SearchKey(prefix, "f"))
	require.NoError(t, err)
	require.Contains(t, members, "FOO-1")
}

func TestSearchByKey(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	indexAll(t, store,
		issuetest.New(t, "FOO-1", "alice", "open", "fix bug"),
		issuetest.New(t, "FOO-12", "bob", "open", "other"),
		issuetest.New(t, "BAR-1", "carol", "open", "unrelated"),
	)

	docs, err := store.SearchByKey(ctx, "FOO", issue.Projected, 10)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	var keys []string
	for _, doc := range docs {
		var small issue.Small
		require.NoError(t, json.Unmarshal(doc, &small))
		keys = append(keys, small.Key)
	}
	assert.ElementsMatch(t, []string{"FOO-1", "FOO-12"}, keys)

	docs, err = store.SearchByKey(ctx, "foo", issue.Projected, 1)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	docs, err = store.SearchByKey(ctx, "zzz", issue.Full, 10)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestGetByKey(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	indexAll(t, store, issuetest.New(t, "FOO-1", "alice", "open", "fix bug"))

	doc, err := store.GetByKey(ctx, "foo-1", issue.Full)
	require.NoError(t, err)
	assert.Contains(t, string(doc), `"key":"FOO-1"`)

	_, err = store.GetByKey(ctx, "FOO-404", issue.Projected)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrIssueNotFound)
}

func TestBoostCompounds(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	once, err := store.Boost(ctx, "FOO-1", 1.1, false)
	require.NoError(t, err)
	assert.InDelta(t, 1.1, once, 1e-9)

	twice, err := store.Boost(ctx, "FOO-1", 1.1, false)
	require.NoError(t, err)
	assert.Greater(t, twice, once)

	back, err := store.Boost(ctx, "FOO-1", 1.1, true)
	require.NoError(t, err)
	assert.Less(t, back, twice)
	assert.Greater(t, back, 1.0)
	assert.InDelta(t, 1.1, back, 1e-9)

	_, err = store.Boost(ctx, "FOO-1", 0, false)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestBoostReordersResults(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()
	indexAll(t, store,
		issuetest.New(t, "FOO-1", "alice", "open", "fix bug"),
		issuetest.New(t, "FOO-2", "bob", "open", "fix thing"),
	)

	ids, err := store.SearchIDs(ctx, "fix", index.SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"FOO-1", "FOO-2"}, ids)

	ids, err = store.SearchIDs(ctx, "fix", index.SearchOptions{Boosts: map[string]float64{"FOO-2": 1e6}})
	require.NoError(t, err)
	assert.Equal(t, []string{"FOO-2", "FOO-1"}, ids)

	_, err = store.Boost(ctx, "FOO-2", index.DefaultBoost, false)
	require.NoError(t, err)
	ids, err = store.SearchIDs(ctx, "fix", index.SearchOptions{AutoBoost: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"FOO-2", "FOO-1"}, ids)

	// Repeating the query hits the cache and does not boost twice.
	cacheKey := index.CacheKey(prefix, []string{"fix"}, map[string]float64{"FOO-2": index.DefaultBoost})
	before, err := mr.ZScore(cacheKey, "FOO-2")
	require.NoError(t, err)
	_, err = store.SearchIDs(ctx, "fix", index.SearchOptions{AutoBoost: true})
	require.NoError(t, err)
	after, err := mr.ZScore(cacheKey, "FOO-2")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// The permanent per-term set is never rewritten.
	ids, err = store.SearchIDs(ctx, "fix", index.SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"FOO-1", "FOO-2"}, ids)
}

func TestLoadIDs(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	indexAll(t, store,
		issuetest.New(t, "FOO-1", "alice", "open", "one"),
		issuetest.New(t, "FOO-2", "alice", "open", "two"),
		issuetest.New(t, "FOO-3", "alice", "open", "three"),
	)
	ids := []string{"FOO-1", "GONE-1", "FOO-2", "GONE-2", "FOO-3"}

	docs, err := store.LoadIDs(ctx, ids, 0, issue.Projected)
	require.NoError(t, err)
	assert.Len(t, docs, 3)

	docs, err = store.LoadIDs(ctx, ids, 2, issue.Projected)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Contains(t, string(docs[0]), "FOO-1")
	assert.Contains(t, string(docs[1]), "FOO-2")

	docs, err = store.LoadIDs(ctx, nil, 5, issue.Full)
	require.NoError(t, err)
	assert.Empty(t, docs)

	byKey, err := store.LoadMap(ctx, ids, issue.Full)
	require.NoError(t, err)
	assert.Len(t, byKey, 3)
	assert.NotContains(t, byKey, "GONE-1")
}

func TestFlushNamespace(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()
	indexAll(t, store, issuetest.New(t, "FOO-1", "alice", "open", "fix bug"))
	require.NoError(t, mr.Set("unrelated", "value"))

	require.NoError(t, store.Flush(ctx, false))
	assert.Equal(t, []string{"unrelated"}, mr.Keys())

	indexAll(t, store, issuetest.New(t, "FOO-1", "alice", "open", "fix bug"))
	require.NoError(t, store.Flush(ctx, true))
	assert.Empty(t, mr.Keys())
}

func TestStats(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	indexAll(t, store,
		issuetest.New(t, "FOO-1", "alice", "open", "one"),
		issuetest.New(t, "FOO-2", "alice", "open", "two"),
	)
	_, err := store.Boost(ctx, "FOO-2", 2, false)
	require.NoError(t, err)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, index.Stats{Issues: 2, Boosted: 1}, stats)
}

func TestCacheKeyIsOrderInsensitive(t *testing.T) {
	a := index.CacheKey("p", []string{"b", "a"}, map[string]float64{"Y-1": 2, "X-1": 1.1})
	b := index.CacheKey("p", []string{"a", "b"}, map[string]float64{"X-1": 1.1, "Y-1": 2})
	assert.Equal(t, a, b)
	assert.Equal(t, "p:c:a|b:X-1:1.1|Y-1:2", a)
}
