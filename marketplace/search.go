package marketplace

import (
	"context"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/leeforge/pluginkit/concurrency"
	"github.com/leeforge/pluginkit/errors"
)

// searchWorkers bounds concurrent index loads during a cross-marketplace
// search.
const searchWorkers = 4

// SearchHit is one search result, tagged with the marketplace it came from.
type SearchHit struct {
	MarketplaceID string `json:"marketplaceId"`
	Plugin        Plugin `json:"plugin"`
}

// List returns the ids of every marketplace with a cached index file,
// sorted. A missing cache directory yields an empty list.
func (r *Reader) List() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, errors.FromError(err)
	}

	seen := make(map[string]struct{})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		for _, ext := range []string{".json", ".yaml", ".yml"} {
			if strings.HasSuffix(name, ext) {
				seen[strings.TrimSuffix(name, ext)] = struct{}{}
				break
			}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// SearchAll runs Search across every cached marketplace, loading indexes
// in parallel. An unreadable index is logged and skipped; the remaining
// marketplaces still contribute hits. Hits are ordered by marketplace id.
func (r *Reader) SearchAll(ctx context.Context, query string) ([]SearchHit, error) {
	ids, err := r.List()
	if err != nil {
		return nil, err
	}

	perMarket := make([][]Plugin, len(ids))
	tasks := make([]func() error, len(ids))
	for i, id := range ids {
		i, id := i, id
		tasks[i] = func() error {
			plugins, err := r.Search(id, query)
			if err != nil {
				return err
			}
			perMarket[i] = plugins
			return nil
		}
	}
	errs := concurrency.NewParallelExecutor(searchWorkers).Execute(ctx, tasks)

	hits := make([]SearchHit, 0)
	for i, id := range ids {
		if errs[i] != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, errors.FromError(ctxErr)
			}
			r.logger.Warn("skipping unreadable marketplace index",
				zap.String("marketplaceId", id), zap.Error(errs[i]))
			continue
		}
		for _, p := range perMarket[i] {
			hits = append(hits, SearchHit{MarketplaceID: id, Plugin: p})
		}
	}
	return hits, nil
}
