// Package selector expands a configured source into the concrete list of
// datasets a run operates on.
package selector

import (
	"context"
	"fmt"
	"sort"

	"zmt/internal/config"
)

// Lister is the part of the ZFS layer the selector needs.
type Lister interface {
	ListDatasets(ctx context.Context, root string) ([]string, error)
	DatasetExists(ctx context.Context, dataset string) (bool, error)
}

// Resolve expands one source into its datasets, sorted and deduplicated.
// Roots are walked recursively when configured, then every candidate,
// the root included, is filtered by name: kept when it matches at least
// one include pattern (or none are configured) and no exclude pattern.
// Excludes win over includes, and excluding a dataset says nothing about
// its descendants, which are matched on their own. A missing root is a
// configuration error.
func Resolve(ctx context.Context, z Lister, src *config.Source) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, root := range src.Datasets {
		exists, err := z.DatasetExists(ctx, root)
		if err != nil {
			return nil, fmt.Errorf("checking dataset %s: %w", root, err)
		}
		if !exists {
			return nil, config.Errorf("source %q: dataset %s does not exist", src.Name, root)
		}

		candidates := []string{root}
		if src.Recursive {
			if candidates, err = z.ListDatasets(ctx, root); err != nil {
				return nil, fmt.Errorf("listing datasets under %s: %w", root, err)
			}
		}
		for _, ds := range candidates {
			if seen[ds] || !retained(src, ds) {
				continue
			}
			seen[ds] = true
			out = append(out, ds)
		}
	}
	sort.Strings(out)
	return out, nil
}

func retained(src *config.Source, dataset string) bool {
	for _, re := range src.ExcludePatterns() {
		if re.MatchString(dataset) {
			return false
		}
	}
	includes := src.IncludePatterns()
	if len(includes) == 0 {
		return true
	}
	for _, re := range includes {
		if re.MatchString(dataset) {
			return true
		}
	}
	return false
}
