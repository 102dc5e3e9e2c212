package executor

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

const recentResultsSize = 128

type recentResult struct {
	result *core.QueryResult
	err    error
}

// recentResults remembers the outcome of the last finished queries so a waiter
// arriving after completion still gets an answer.
type recentResults struct {
	cache *lru.Cache[string, recentResult]
}

func newRecentResults(size int) *recentResults {
	cache, err := lru.New[string, recentResult](max(size, 1))
	if err != nil {
		panic(err)
	}
	return &recentResults{cache: cache}
}

func (r *recentResults) put(id string, result *core.QueryResult, err error) {
	r.cache.Add(id, recentResult{result: result, err: err})
}

func (r *recentResults) get(id string) (recentResult, bool) {
	return r.cache.Get(id)
}
