package syncer

import (
	"github.com/ppiankov/pagesync/internal/config"
	"github.com/ppiankov/pagesync/internal/store"
)

// TargetsFromConfig resolves the configured pages into targets. The source
// name falls back from the page override to the global tag, then to a name
// derived from the facebook URL, then to the page id itself.
func TargetsFromConfig(cfg *config.Config) []Target {
	base := cfg.Sync.SourceTag
	targets := make([]Target, 0, len(cfg.Pages))

	for _, p := range cfg.Pages {
		tag := store.SourceTag{
			SourceType: base.SourceType,
			PostType:   base.PostType,
			SourceName: firstNonEmpty(p.SourceName, base.SourceName, store.SourceNameFromURL(p.ID), p.ID),
			Category:   firstNonEmpty(p.Category, base.Category),
			PageID:     p.ID,
		}
		interval := p.PollInterval.Duration
		if interval <= 0 {
			interval = cfg.Sync.PollInterval.Duration
		}
		targets = append(targets, Target{
			PageID:       p.ID,
			PollInterval: interval,
			Tag:          tag,
		})
	}
	return targets
}

// Filter keeps the targets whose page id is in ids. An empty ids keeps all.
func Filter(targets []Target, ids []string) []Target {
	if len(ids) == 0 {
		return targets
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []Target
	for _, t := range targets {
		if want[t.PageID] {
			out = append(out, t)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
