package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ppiankov/pagesync/internal/config"
	"github.com/ppiankov/pagesync/internal/logging"
	"github.com/ppiankov/pagesync/internal/store"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, credentials and storage",
	RunE:  doctorAction,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

const (
	doctorTimeout = 15 * time.Second
	staleDays     = 7
)

func doctorAction(cmd *cobra.Command, _ []string) error {
	ok := true

	// Config dir
	if info, err := os.Stat(configDir); err != nil || !info.IsDir() {
		printCheck(false, "config directory %s", configDir)
		ok = false
	} else {
		printCheck(true, "config directory %s", configDir)
	}

	// Config file, including token and storage URI resolution
	cfg, err := config.Load(configDir)
	if err != nil {
		printCheck(false, "config.yaml: %v", err)
		return errors.New("some checks failed")
	}
	printCheck(true, "config.yaml (%d pages, storage %s)", len(cfg.Pages), cfg.Storage.Driver)
	printCheck(true, "apify token in $%s", cfg.Source.Apify.TokenEnv)

	ctx := cmd.Context()

	// Apify
	src, err := newSource(cfg, logging.Discard())
	if err != nil {
		printCheck(false, "apify client: %v", err)
		ok = false
	} else {
		pingCtx, cancel := context.WithTimeout(ctx, doctorTimeout)
		if err := src.Ping(pingCtx); err != nil {
			printCheck(false, "apify api %s: %v", cfg.Source.Apify.BaseURL, err)
			ok = false
		} else {
			printCheck(true, "apify api %s (actor %s)", cfg.Source.Apify.BaseURL, cfg.Source.Apify.ActorID)
		}
		cancel()
	}

	// Store
	openCtx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()
	st, err := store.Open(openCtx, cfg.Storage)
	if err != nil {
		printCheck(false, "store: %v", err)
		ok = false
	} else {
		defer func() { _ = st.Close() }()
		if err := st.Ping(openCtx); err != nil {
			printCheck(false, "store: %v", err)
			ok = false
		} else {
			printCheck(true, "store %s", storeLabel(cfg.Storage))
			checkPageHealth(openCtx, st, cfg)
		}
	}

	if !ok {
		return errors.New("some checks failed")
	}
	fmt.Println("\nAll checks passed.")
	return nil
}

func storeLabel(cfg config.StorageConfig) string {
	if cfg.Driver == "sqlite" {
		return "sqlite " + cfg.Path
	}
	return fmt.Sprintf("mongo %s.%s", cfg.Database, cfg.PostsCollection)
}

// checkPageHealth prints info lines for pages that never synced or went quiet.
func checkPageHealth(ctx context.Context, st store.Store, cfg *config.Config) {
	stats, err := st.PageStats(ctx)
	if err != nil {
		printInfo("page stats unavailable: %v", err)
		return
	}
	byPage := make(map[string]store.PageStats, len(stats))
	for _, s := range stats {
		byPage[s.PageID] = s
	}

	fmt.Println()
	stale := time.Now().AddDate(0, 0, -staleDays)
	for _, id := range cfg.PageIDs() {
		s, found := byPage[id]
		switch {
		case !found || s.Posts == 0:
			printInfo("%s: no posts stored yet", id)
		case s.NewestPost.Before(stale):
			printInfo("%s: %s posts, newest %s", id, humanize.Comma(int64(s.Posts)), humanize.Time(s.NewestPost))
		default:
			printInfo("%s: %s posts", id, humanize.Comma(int64(s.Posts)))
		}
	}
}

func printCheck(pass bool, format string, args ...any) {
	mark := "FAIL"
	if pass {
		mark = " OK "
	}
	fmt.Printf("[%s] %s\n", mark, fmt.Sprintf(format, args...))
}

func printInfo(format string, args ...any) {
	fmt.Printf("[INFO] %s\n", fmt.Sprintf(format, args...))
}
