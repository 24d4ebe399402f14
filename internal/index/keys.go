package index

import (
	"slices"
	"strconv"
	"strings"
)

// Key layout under a namespace prefix P:
//
//	P:d           hash  issue key -> raw JSON
//	P:s           hash  issue key -> projection JSON
//	P:t           hash  issue key -> title fingerprint
//	P:b           hash  issue key -> boost multiplier
//	P:s:<prefix>  zset  phrase search
//	P:k:<prefix>  zset  issue key search
//	P:c:<t>:<b>   zset  intersection cache, expires

func DataKey(prefix string) string  { return prefix + ":d" }
func SmallKey(prefix string) string { return prefix + ":s" }
func TitleKey(prefix string) string { return prefix + ":t" }
func BoostKey(prefix string) string { return prefix + ":b" }

func SearchKey(prefix, partial string) string {
	return prefix + ":s:" + partial
}

func KeySearchKey(prefix, partial string) string {
	return prefix + ":k:" + partial
}

// CacheKey names the intersection cache set for a query. Terms are sorted
// lexicographically and boosts ordered by issue key so equivalent queries
// share one entry.
func CacheKey(prefix string, terms []string, boosts map[string]float64) string {
	sortedTerms := slices.Clone(terms)
	slices.Sort(sortedTerms)

	var boostKey string
	if len(boosts) > 0 {
		keys := make([]string, 0, len(boosts))
		for k := range boosts {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		pairs := make([]string, len(keys))
		for i, k := range keys {
			pairs[i] = k + ":" + strconv.FormatFloat(boosts[k], 'g', -1, 64)
		}
		boostKey = strings.Join(pairs, "|")
	}
	return prefix + ":c:" + strings.Join(sortedTerms, "|") + ":" + boostKey
}
