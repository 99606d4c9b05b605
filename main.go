// Command dircrawl crawls a business directory into a flat table of company
// records.
//
// Architecture overview:
//   - Stage 1 (discover): one task per seed key fetches the seed's listing
//     page through a pooled session and extracts (name, URL) targets.
//     Targets are deduplicated by URL.
//   - Stage 2 (collect): one task per target fetches the detail page and
//     extracts a record. Failed fetches become records with an Error column,
//     so every target yields exactly one record.
//   - Sessions: internal/pool bounds the number of live browser (chromedp)
//     or HTTP (colly) sessions and reuses them across tasks.
//   - Output: internal/batch buffers records and flushes them to the CSV
//     table plus the optional Postgres, GCS and Pub/Sub destinations.
//   - Configuration & plumbing: Viper merges defaults, a YAML file, DIRCRAWL_
//     environment variables and flags; zap provides structured logging;
//     Prometheus metrics are served on an optional chi router.
package main

import (
	"github.com/JakeFAU/dircrawl/cmd"
)

func main() {
	cmd.Execute()
}
