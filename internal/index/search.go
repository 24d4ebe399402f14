package index

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/jhgg/jeev-jiracache/internal/issue"
	"github.com/jhgg/jeev-jiracache/internal/scoring"
	apperrors "github.com/jhgg/jeev-jiracache/pkg/errors"
	pkgredis "github.com/jhgg/jeev-jiracache/pkg/redis"
	"github.com/redis/go-redis/v9"
)

// DefaultBoost is the multiplier Boost applies when the caller has no
// preference.
const DefaultBoost = 1.1

// lookahead is how many ids past the limit payload searches read, so a few
// ids whose payload has gone missing do not shorten the page.
const lookahead = 5

// SearchOptions controls a phrase search.
type SearchOptions struct {
	// Limit caps the number of results. Zero or negative means no limit.
	Limit int
	// Boosts maps issue keys to rank multipliers for this query.
	Boosts map[string]float64
	// AutoBoost merges every stored boost into Boosts. Explicit entries win.
	AutoBoost bool
	Kind      issue.Kind
}

func (s *Store) hashFor(kind issue.Kind) string {
	if kind == issue.Full {
		return DataKey(s.prefix)
	}
	return SmallKey(s.prefix)
}

// GetByKey returns the stored payload for key, or ErrIssueNotFound.
func (s *Store) GetByKey(ctx context.Context, key string, kind issue.Kind) (json.RawMessage, error) {
	key = strings.ToUpper(key)
	data, err := s.rdb.HGet(ctx, s.hashFor(kind), key).Result()
	if pkgredis.IsNilError(err) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrIssueNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", apperrors.ErrStore, key, err)
	}
	return json.RawMessage(data), nil
}

// SearchByKey returns issues whose key starts with prefix, most specific
// completions first.
func (s *Store) SearchByKey(ctx context.Context, prefix string, kind issue.Kind, limit int) ([]json.RawMessage, error) {
	ids, err := s.rdb.ZRange(ctx, KeySearchKey(s.prefix, strings.ToLower(prefix)), 0, stopFor(limit, lookahead)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: key search %q: %v", apperrors.ErrStore, prefix, err)
	}
	return s.LoadIDs(ctx, ids, limit, kind)
}

// Search resolves a phrase search to stored payloads.
func (s *Store) Search(ctx context.Context, phrase string, opts SearchOptions) ([]json.RawMessage, error) {
	ids, err := s.searchIDs(ctx, phrase, opts, stopFor(opts.Limit, lookahead))
	if err != nil {
		return nil, err
	}
	return s.LoadIDs(ctx, ids, opts.Limit, opts.Kind)
}

// SearchIDs returns the ranked issue keys matching every cleaned word of
// phrase. A phrase with no words left after cleaning matches nothing.
func (s *Store) SearchIDs(ctx context.Context, phrase string, opts SearchOptions) ([]string, error) {
	return s.searchIDs(ctx, phrase, opts, stopFor(opts.Limit, 0))
}

func (s *Store) searchIDs(ctx context.Context, phrase string, opts SearchOptions, stop int64) ([]string, error) {
	start := time.Now()
	terms := scoring.CleanPhrase(phrase)
	if len(terms) == 0 {
		s.metrics.SearchQueriesTotal.WithLabelValues("empty_query").Inc()
		return []string{}, nil
	}

	boosts := maps.Clone(opts.Boosts)
	if boosts == nil {
		boosts = make(map[string]float64)
	}
	if opts.AutoBoost {
		stored, err := s.rdb.HGetAll(ctx, BoostKey(s.prefix)).Result()
		if err != nil {
			s.metrics.SearchQueriesTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("%w: reading boosts: %v", apperrors.ErrStore, err)
		}
		for key, raw := range stored {
			if _, ok := boosts[key]; ok {
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				s.logger.Warn("ignoring malformed boost", "key", key, "value", raw)
				continue
			}
			boosts[key] = v
		}
	}

	var setKey string
	if len(terms) == 1 && len(boosts) == 0 {
		setKey = SearchKey(s.prefix, terms[0])
	} else {
		setKey = CacheKey(s.prefix, terms, boosts)
		if _, err, _ := s.group.Do(setKey, func() (any, error) {
			return nil, s.ensureCached(ctx, setKey, terms, boosts)
		}); err != nil {
			s.metrics.SearchQueriesTotal.WithLabelValues("error").Inc()
			return nil, err
		}
	}

	ids, err := s.rdb.ZRange(ctx, setKey, 0, stop).Result()
	if err != nil {
		s.metrics.SearchQueriesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: reading %s: %v", apperrors.ErrStore, setKey, err)
	}

	resultType := "hit"
	if len(ids) == 0 {
		resultType = "zero_result"
	}
	s.metrics.SearchQueriesTotal.WithLabelValues(resultType).Inc()
	s.metrics.SearchLatency.WithLabelValues("phrase").Observe(time.Since(start).Seconds())
	return ids, nil
}

// ensureCached builds the intersection of the per-term sets into setKey
// unless it already exists, then divides each boosted member's score by its
// multiplier. Boosts are part of setKey, so they are applied once, when the
// set is built.
func (s *Store) ensureCached(ctx context.Context, setKey string, terms []string, boosts map[string]float64) error {
	n, err := s.rdb.Exists(ctx, setKey).Result()
	if err != nil {
		return fmt.Errorf("%w: checking cache %s: %v", apperrors.ErrStore, setKey, err)
	}
	if n > 0 {
		s.metrics.CacheHitsTotal.Inc()
		return nil
	}
	s.metrics.CacheMissesTotal.Inc()

	sources := make([]string, len(terms))
	for i, term := range terms {
		sources[i] = SearchKey(s.prefix, term)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZInterStore(ctx, setKey, &redis.ZStore{Keys: sources})
		pipe.Expire(ctx, setKey, s.cacheTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: intersecting %v: %v", apperrors.ErrStore, terms, err)
	}

	if len(boosts) == 0 {
		return nil
	}
	members, err := s.rdb.ZRangeWithScores(ctx, setKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", apperrors.ErrStore, setKey, err)
	}
	var changed []redis.Z
	for _, z := range members {
		id, _ := z.Member.(string)
		multiplier, ok := boosts[id]
		if !ok || multiplier == 0 {
			continue
		}
		score := z.Score * (1 / multiplier)
		if score != z.Score {
			changed = append(changed, redis.Z{Score: score, Member: id})
		}
	}
	if len(changed) == 0 {
		return nil
	}
	if err := s.rdb.ZAddXX(ctx, setKey, changed...).Err(); err != nil {
		return fmt.Errorf("%w: boosting %s: %v", apperrors.ErrStore, setKey, err)
	}
	return nil
}

// Boost multiplies the issue's stored multiplier (default 1.0) by
// multiplier, or by its reciprocal when negative is set. It returns the new
// multiplier.
func (s *Store) Boost(ctx context.Context, key string, multiplier float64, negative bool) (float64, error) {
	key = strings.ToUpper(key)
	if multiplier <= 0 {
		return 0, fmt.Errorf("%w: boost multiplier must be positive, got %v", apperrors.ErrInvalidInput, multiplier)
	}
	current := 1.0
	raw, err := s.rdb.HGet(ctx, BoostKey(s.prefix), key).Result()
	switch {
	case err == nil:
		if v, perr := strconv.ParseFloat(raw, 64); perr == nil {
			current = v
		}
	case !pkgredis.IsNilError(err):
		return 0, fmt.Errorf("%w: reading boost for %s: %v", apperrors.ErrStore, key, err)
	}
	if negative {
		multiplier = 1 / multiplier
	}
	next := current * multiplier
	if err := s.rdb.HSet(ctx, BoostKey(s.prefix), key, strconv.FormatFloat(next, 'g', -1, 64)).Err(); err != nil {
		return 0, fmt.Errorf("%w: writing boost for %s: %v", apperrors.ErrStore, key, err)
	}
	return next, nil
}

// Boosts returns every stored multiplier.
func (s *Store) Boosts(ctx context.Context) (map[string]float64, error) {
	stored, err := s.rdb.HGetAll(ctx, BoostKey(s.prefix)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: reading boosts: %v", apperrors.ErrStore, err)
	}
	out := make(map[string]float64, len(stored))
	for key, raw := range stored {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			out[key] = v
		}
	}
	return out, nil
}

// LoadIDs resolves ids to stored payloads in order, fetching in chunks of
// limit (or all at once without a limit). Ids with no stored payload are
// skipped, and loading stops once limit payloads are collected.
func (s *Store) LoadIDs(ctx context.Context, ids []string, limit int, kind issue.Kind) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	chunk := len(ids)
	if limit > 0 {
		chunk = limit
	}
	hash := s.hashFor(kind)
	for start := 0; start < len(ids); start += chunk {
		end := min(start+chunk, len(ids))
		values, err := s.rdb.HMGet(ctx, hash, ids[start:end]...).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: loading %d ids: %v", apperrors.ErrStore, end-start, err)
		}
		for _, v := range values {
			data, ok := v.(string)
			if !ok || data == "" {
				continue
			}
			out = append(out, json.RawMessage(data))
			if limit > 0 && len(out) == limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// LoadMap resolves ids and keys the payloads by issue key.
func (s *Store) LoadMap(ctx context.Context, ids []string, kind issue.Kind) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	values, err := s.rdb.HMGet(ctx, s.hashFor(kind), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: loading %d ids: %v", apperrors.ErrStore, len(ids), err)
	}
	for i, v := range values {
		if data, ok := v.(string); ok && data != "" {
			out[ids[i]] = json.RawMessage(data)
		}
	}
	return out, nil
}

// stopFor is the ZRANGE stop index covering limit ids plus spare ones.
func stopFor(limit, spare int) int64 {
	if limit > 0 {
		return int64(limit + spare - 1)
	}
	return -1
}
