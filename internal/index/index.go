// Package index maintains the issue search index directly on Redis hashes and
// sorted sets: per-issue payloads, prefix sets for key autocomplete and phrase
// search, an expiring intersection cache for multi-term queries, and
// per-issue relevance boosts.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jhgg/jeev-jiracache/internal/issue"
	"github.com/jhgg/jeev-jiracache/internal/scoring"
	"github.com/jhgg/jeev-jiracache/pkg/config"
	apperrors "github.com/jhgg/jeev-jiracache/pkg/errors"
	"github.com/jhgg/jeev-jiracache/pkg/metrics"
	pkgredis "github.com/jhgg/jeev-jiracache/pkg/redis"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	flushBatchSize = 1000
	maxTxAttempts  = 16
)

// Store owns every Redis key under its namespace prefix.
type Store struct {
	rdb      redis.UniversalClient
	prefix   string
	cacheTTL time.Duration
	metrics  *metrics.Metrics
	group    singleflight.Group
	logger   *slog.Logger
}

// New creates a Store writing under cfg.Prefix.
func New(rdb redis.UniversalClient, cfg config.IndexConfig, m *metrics.Metrics) *Store {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Store{
		rdb:      rdb,
		prefix:   cfg.Prefix,
		cacheTTL: ttl,
		metrics:  m,
		logger:   slog.Default().With("component", "index", "prefix", cfg.Prefix),
	}
}

// Prefix returns the namespace prefix.
func (s *Store) Prefix() string {
	return s.prefix
}

// Index stores iss and its prefix entries. When the stored title matches,
// only the payload and projection are rewritten. Otherwise the previous
// entries are removed and the new ones written in the same transaction.
func (s *Store) Index(ctx context.Context, iss *issue.Issue) error {
	key := iss.Key
	title := iss.Title()
	small, err := json.Marshal(iss.Small())
	if err != nil {
		return fmt.Errorf("encoding projection for %s: %w", key, err)
	}

	var refreshed, replaced bool
	err = s.watchTitles(ctx, key, func(tx *redis.Tx) error {
		var existsCmd *redis.BoolCmd
		var titleCmd *redis.StringCmd
		_, err := tx.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			existsCmd = pipe.HExists(ctx, DataKey(s.prefix), key)
			titleCmd = pipe.HGet(ctx, TitleKey(s.prefix), key)
			return nil
		})
		if err != nil && !pkgredis.IsNilError(err) {
			return fmt.Errorf("%w: reading stored title for %s: %v", apperrors.ErrStore, key, err)
		}
		stored := existsCmd.Val()
		storedTitle, titleErr := titleCmd.Result()

		if stored && titleErr == nil && storedTitle == title {
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, DataKey(s.prefix), key, []byte(iss.Raw))
				pipe.HSet(ctx, SmallKey(s.prefix), key, small)
				return nil
			})
			if err != nil {
				return fmt.Errorf("%w: refreshing %s: %w", apperrors.ErrStore, key, err)
			}
			refreshed = true
			return nil
		}

		var plan removal
		if stored {
			plan, err = s.planRemoval(ctx, tx, key, storedTitle)
			if err != nil {
				return err
			}
		}
		replaced = stored

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			plan.apply(ctx, pipe, key)
			s.write(ctx, pipe, iss, title, small)
			return nil
		})
		if err != nil {
			return fmt.Errorf("%w: indexing %s: %w", apperrors.ErrStore, key, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if refreshed {
		s.metrics.DocsIndexedTotal.WithLabelValues("refreshed").Inc()
		s.logger.Debug("issue refreshed", "key", key)
		return nil
	}
	s.metrics.DocsIndexedTotal.WithLabelValues("written").Inc()
	s.logger.Debug("issue indexed", "key", key, "replaced", replaced)
	return nil
}

// write queues the payload, projection, title and every prefix entry for iss.
func (s *Store) write(ctx context.Context, pipe redis.Pipeliner, iss *issue.Issue, title string, small []byte) {
	key := iss.Key
	pipe.HSet(ctx, DataKey(s.prefix), key, []byte(iss.Raw))
	pipe.HSet(ctx, SmallKey(s.prefix), key, small)
	pipe.HSet(ctx, TitleKey(s.prefix), key, title)

	i := 0
	for partial := range scoring.ExpandPrefixes(strings.ToLower(key)) {
		pipe.ZAdd(ctx, KeySearchKey(s.prefix, partial), redis.Z{Score: scoring.KeyScore(i), Member: key})
		pipe.ZAdd(ctx, SearchKey(s.prefix, partial), redis.Z{Score: scoring.PhraseKeyScore(), Member: key})
		i++
	}

	titleScore := scoring.ScoreKey(scoring.CreateKey(title), scoring.DefaultMaxSize)
	for pos, word := range scoring.CleanPhrase(title) {
		score := scoring.WordScore(word, pos, titleScore)
		for partial := range scoring.ExpandPrefixes(word) {
			pipe.ZAdd(ctx, SearchKey(s.prefix, partial), redis.Z{Score: score, Member: key})
		}
	}
}

// Remove deletes the issue's payload, projection, title and boost and takes
// it out of every prefix set it was written to.
func (s *Store) Remove(ctx context.Context, key string) error {
	key = strings.ToUpper(key)
	err := s.watchTitles(ctx, key, func(tx *redis.Tx) error {
		title, err := tx.HGet(ctx, TitleKey(s.prefix), key).Result()
		if err != nil && !pkgredis.IsNilError(err) {
			return fmt.Errorf("%w: reading title for %s: %v", apperrors.ErrStore, key, err)
		}

		plan, err := s.planRemoval(ctx, tx, key, title)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			plan.apply(ctx, pipe, key)
			pipe.HDel(ctx, DataKey(s.prefix), key)
			pipe.HDel(ctx, SmallKey(s.prefix), key)
			pipe.HDel(ctx, TitleKey(s.prefix), key)
			pipe.HDel(ctx, BoostKey(s.prefix), key)
			return nil
		})
		if err != nil {
			return fmt.Errorf("%w: removing %s: %w", apperrors.ErrStore, key, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.metrics.DocsRemovedTotal.Inc()
	s.logger.Debug("issue removed", "key", key)
	return nil
}

// watchTitles runs fn under WATCH on the title hash. Every write that
// changes which prefix sets hold an issue also writes the title hash, so
// EXEC fails when another writer got in between fn's reads and its
// transaction, and fn runs again against fresh state.
func (s *Store) watchTitles(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err := s.rdb.Watch(ctx, fn, TitleKey(s.prefix))
		if !errors.Is(err, redis.TxFailedErr) {
			if err != nil && !errors.Is(err, apperrors.ErrStore) {
				return fmt.Errorf("%w: watching titles for %s: %v", apperrors.ErrStore, key, err)
			}
			return err
		}
		s.logger.Debug("concurrent write, retrying", "key", key, "attempt", attempt)
	}
	return fmt.Errorf("%w: %s changed concurrently %d times", apperrors.ErrStore, key, maxTxAttempts)
}

type pipeliner interface {
	Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

// removal is the set of prefix-set mutations that take one issue out of
// the index. Sets in drop are deleted whole, sets in trim lose one member.
type removal struct {
	drop []string
	trim []string
}

func (r removal) apply(ctx context.Context, pipe redis.Pipeliner, key string) {
	if len(r.drop) > 0 {
		pipe.Del(ctx, r.drop...)
	}
	for _, set := range r.trim {
		pipe.ZRem(ctx, set, key)
	}
}

// planRemoval reads positions 1..2 of every prefix set the issue was written
// to. A set with nothing there holds at most one member and is dropped;
// anything else only loses this issue. Callers read under watchTitles, so
// another Index or Remove landing in between aborts the transaction.
func (s *Store) planRemoval(ctx context.Context, rdb pipeliner, key, title string) (removal, error) {
	seen := make(map[string]struct{})
	var sets []string
	add := func(set string) {
		if _, ok := seen[set]; ok {
			return
		}
		seen[set] = struct{}{}
		sets = append(sets, set)
	}
	for _, word := range scoring.CleanPhrase(title) {
		for partial := range scoring.ExpandPrefixes(word) {
			add(SearchKey(s.prefix, partial))
		}
	}
	for partial := range scoring.ExpandPrefixes(strings.ToLower(key)) {
		add(KeySearchKey(s.prefix, partial))
		add(SearchKey(s.prefix, partial))
	}

	cmds := make([]*redis.StringSliceCmd, len(sets))
	_, err := rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, set := range sets {
			cmds[i] = pipe.ZRange(ctx, set, 1, 2)
		}
		return nil
	})
	if err != nil {
		return removal{}, fmt.Errorf("%w: reading prefix sets for %s: %v", apperrors.ErrStore, key, err)
	}

	var plan removal
	for i, set := range sets {
		if len(cmds[i].Val()) == 0 {
			plan.drop = append(plan.drop, set)
		} else {
			plan.trim = append(plan.trim, set)
		}
	}
	return plan, nil
}

// Flush deletes the index. With everything set the whole Redis database is
// wiped; otherwise every key under the prefix is enumerated and deleted,
// which costs a scan of the entire keyspace.
func (s *Store) Flush(ctx context.Context, everything bool) error {
	if everything {
		if err := s.rdb.FlushDB(ctx).Err(); err != nil {
			return fmt.Errorf("%w: flushing database: %v", apperrors.ErrStore, err)
		}
		s.logger.Info("database flushed")
		return nil
	}
	deleted, err := pkgredis.DeleteByPattern(ctx, s.rdb, s.prefix+":*", flushBatchSize)
	if err != nil {
		return fmt.Errorf("%w: flushing %s: %v", apperrors.ErrStore, s.prefix, err)
	}
	s.logger.Info("index flushed", "keys_deleted", deleted)
	return nil
}

// Stats summarizes what is stored under the prefix.
type Stats struct {
	Issues  int64 `json:"issues"`
	Boosted int64 `json:"boosted"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var issues, boosted *redis.IntCmd
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		issues = pipe.HLen(ctx, DataKey(s.prefix))
		boosted = pipe.HLen(ctx, BoostKey(s.prefix))
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("%w: reading stats: %v", apperrors.ErrStore, err)
	}
	return Stats{Issues: issues.Val(), Boosted: boosted.Val()}, nil
}
