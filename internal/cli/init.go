package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/pagesync/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config directory with example files",
	RunE:  initAction,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

const exampleEnvFile = ".env.example"

func initAction(_ *cobra.Command, _ []string) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	created := 0
	files := []struct {
		name string
		data string
	}{
		{config.DefaultConfigFile, exampleConfig},
		{exampleEnvFile, exampleEnv},
	}
	for _, f := range files {
		wrote, err := writeIfNotExists(filepath.Join(configDir, f.name), []byte(f.data))
		if err != nil {
			return err
		}
		if wrote {
			created++
		}
	}

	if created == 0 {
		fmt.Printf("Config directory %s already initialized.\n", configDir)
	} else {
		fmt.Printf("Initialized %s with %d config files.\n", configDir, created)
	}
	return nil
}

// writeIfNotExists writes data to path if the file does not exist.
// Returns true if the file was created.
func writeIfNotExists(path string, data []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("  exists: %s\n", path)
		return false, nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Printf("  created: %s\n", path)
	return true, nil
}

const exampleConfig = `# pagesync configuration

source:
  apify:
    actor_id: apify~facebook-posts-scraper
    token_env: APIFY_TOKEN
    timeout: 10m
    max_retries: 2
    requests_per_minute: 30
    # archive_dir: .pagesync/archive
    input_template:
      resultsLimit: 50
      onlyPostsNewerThan: "__LAST_TIMESTAMP__"

storage:
  driver: mongo            # mongo | sqlite
  uri_env: MONGO_URI
  database: web_listener
  posts_collection: Posts
  path: .pagesync/pagesync.db
  timeout: 30s

sync:
  poll_interval: 15m
  concurrency: 1
  source_tag:
    source_type: facebook
    post_type: post
    category: Social Media

pages:
  - id: https://www.facebook.com/your_page_here
  # - id: https://www.facebook.com/another_page
  #   poll_interval: 1h
  #   source_name: Another Page
  #   category: News

log:
  level: info
  format: text
`

const exampleEnv = `# Copy to .env and fill in.
APIFY_TOKEN=
MONGO_URI=mongodb://localhost:27017
# DB_NAME=web_listener
# COLLECTION_NAME=Posts
# LOG_LEVEL=info
`
