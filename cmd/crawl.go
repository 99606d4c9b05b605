package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/dircrawl/internal/batch"
	"github.com/JakeFAU/dircrawl/internal/config"
	"github.com/JakeFAU/dircrawl/internal/crawler"
	"github.com/JakeFAU/dircrawl/internal/extractor/directory"
	collyfetcher "github.com/JakeFAU/dircrawl/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/dircrawl/internal/fetcher/headless"
	"github.com/JakeFAU/dircrawl/internal/id/uuid"
	"github.com/JakeFAU/dircrawl/internal/logging"
	"github.com/JakeFAU/dircrawl/internal/metrics"
	"github.com/JakeFAU/dircrawl/internal/policy/ratelimit"
	"github.com/JakeFAU/dircrawl/internal/pool"
	pubsubpublisher "github.com/JakeFAU/dircrawl/internal/publisher/pubsub"
	"github.com/JakeFAU/dircrawl/internal/sink"
	csvsink "github.com/JakeFAU/dircrawl/internal/sink/csv"
	gcssink "github.com/JakeFAU/dircrawl/internal/sink/gcs"
	"github.com/JakeFAU/dircrawl/internal/sink/notify"
	pgsink "github.com/JakeFAU/dircrawl/internal/sink/postgres"
)

// newCrawlCmd creates and configures the 'crawl' subcommand.
func newCrawlCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl SEED...",
		Short: "Crawls the directory for the given seed keys",
		Long: `Fetches the listing page of every seed key (for example a starting
letter), then fetches each discovered company page and writes one record
per company. Failed pages are recorded with an Error column; the command
only exits non-zero when the crawl cannot start or its output cannot be
opened.`,
		Example: "  dircrawl crawl A B C --pool-size 8 --output data/companies.csv",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawlCommand(cmd, *cfgFile, args)
		},
	}

	f := cmd.Flags()
	f.Int("pool-size", 5, "number of concurrent fetch sessions")
	f.Int("batch-size", 50, "records buffered before each flush")
	f.String("output", "company_data.csv", "CSV output path")
	f.Bool("resume", false, "append to an existing output and skip URLs already in it")
	f.Duration("timeout", 30*time.Second, "per-page fetch timeout")
	f.Duration("delay", time.Second, "politeness delay after each page load")
	f.String("fetcher", config.FetchModeBrowser, "page fetcher: browser or http")
	f.Int("max-attempts", 1, "fetch attempts per page, including the first")
	f.Float64("rate", 0, "per-host requests per second, 0 for unlimited")
	f.Bool("streaming", false, "start detail fetches while listings are still being read")
	f.String("metrics-addr", "", "serve /metrics and /healthz on this address")
	f.String("log-level", "info", "log level")
	f.Bool("dev", true, "human-readable development logging")

	return cmd
}

func runCrawlCommand(cmd *cobra.Command, cfgFile string, args []string) error {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	seeds, err := buildSeeds(args, cfg.Site)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer func() {
		// Sync fails on terminals; nothing useful to do about it.
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID, err := uuid.New().NewID()
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("run_id", runID))

	if cfg.Metrics.Addr != "" {
		srv := metrics.NewServer(cfg.Metrics.Addr, logger)
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown", zap.Error(err))
			}
		}()
	}

	out, err := openSinks(ctx, cfg, runID, logger)
	if err != nil {
		return err
	}
	defer out.close(logger)

	fetcher, factory := buildFetcher(cfg, logger)
	sessions, err := pool.New(cfg.Pool.Capacity, factory, logger)
	if err != nil {
		return fmt.Errorf("create session pool: %w", err)
	}

	writerOpts := []batch.Option{batch.WithLogger(logger)}
	if out.resumed {
		writerOpts = append(writerOpts, batch.WithAppend())
	}
	writer, err := batch.NewWriter(out.sink, cfg.Batch.Size, writerOpts...)
	if err != nil {
		return fmt.Errorf("create batch writer: %w", err)
	}

	orch, err := crawler.New(
		crawler.Config{
			RunID:        runID,
			FetchTimeout: cfg.Fetch.Timeout,
			Streaming:    cfg.Pipeline.Streaming,
			StreamBuffer: cfg.Pipeline.StreamBuffer,
			SkipURLs:     out.skip,
		},
		sessions,
		fetcher,
		directory.New(directory.DefaultSelectors),
		crawler.WithLogger(logger),
		crawler.WithRetryPolicy(crawler.NewExponentialRetryPolicy(
			cfg.Fetch.MaxAttempts,
			cfg.Fetch.BackoffInitial(),
			cfg.Fetch.BackoffMax(),
		)),
		crawler.WithLimiter(ratelimit.New(ratelimit.Config{DefaultRPS: cfg.Fetch.RatePerSecond})),
	)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	summary, err := orch.Run(ctx, seeds, writer)
	if err != nil {
		return fmt.Errorf("run crawl: %w", err)
	}
	if ctx.Err() != nil {
		logger.Warn("crawl interrupted, partial results written")
	}
	for _, w := range summary.Warnings {
		logger.Warn("crawl warning", zap.Error(w))
	}
	logger.Info("crawl finished", zap.Duration("duration", summary.Duration))
	_, err = fmt.Fprintln(cmd.OutOrStdout(), summary.String())
	return err
}

// buildSeeds upper-cases and deduplicates the positional seed keys and
// expands each into its listing URL.
func buildSeeds(args []string, site config.SiteConfig) ([]crawler.Seed, error) {
	seen := make(map[string]struct{}, len(args))
	seeds := make([]crawler.Seed, 0, len(args))
	for _, arg := range args {
		key := strings.ToUpper(strings.TrimSpace(arg))
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		seeds = append(seeds, crawler.Seed{Key: key, URL: site.ListingURL(key)})
	}
	if len(seeds) == 0 {
		return nil, errors.New("at least one seed is required")
	}
	return seeds, nil
}

func buildFetcher(cfg config.Config, logger *zap.Logger) (crawler.PageFetcher, crawler.SessionFactory) {
	if cfg.Fetch.Mode == config.FetchModeHTTP {
		f := collyfetcher.New(collyfetcher.Config{
			UserAgent:       cfg.Site.UserAgent,
			Timeout:         cfg.Fetch.Timeout,
			PolitenessDelay: cfg.Fetch.PolitenessDelay,
		})
		return f, f.NewSession
	}
	b := headlessfetcher.New(headlessfetcher.Config{
		UserAgent:         cfg.Site.UserAgent,
		NavigationTimeout: cfg.Fetch.Timeout,
		PolitenessDelay:   cfg.Fetch.PolitenessDelay,
		Headless:          cfg.Fetch.Headless,
		DisableImages:     cfg.Fetch.DisableImages,
		ExecPath:          cfg.Fetch.ChromePath,
	}, logger)
	return b, b.NewSession
}

// sinkSet is the fan-out destination of a run plus what must be released
// after it.
type sinkSet struct {
	sink    crawler.Sink
	skip    map[string]struct{}
	resumed bool
	closers []func() error
}

func (s *sinkSet) close(logger *zap.Logger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.Warn("close sink", zap.Error(err))
		}
	}
}

// openSinks opens the CSV table and every remote destination that is
// configured. Any failure here is fatal for the run.
func openSinks(ctx context.Context, cfg config.Config, runID string, logger *zap.Logger) (_ *sinkSet, err error) {
	set := &sinkSet{}
	defer func() {
		if err != nil {
			set.close(logger)
		}
	}()

	local, err := csvsink.Open(cfg.Output.Path, cfg.Output.Resume, logger)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	if cfg.Output.Resume && len(local.Columns()) > 0 {
		set.skip, err = csvsink.CompletedURLs(local.Path())
		if err != nil {
			return nil, fmt.Errorf("read completed urls: %w", err)
		}
		set.resumed = true
		logger.Info("resuming", zap.String("output", local.Path()), zap.Int("completed", len(set.skip)))
	}
	sinks := []crawler.Sink{local}

	if cfg.DB.DSN != "" {
		pg, err := pgsink.New(ctx, pgsink.Config{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			RunID:    runID,
			MaxConns: cfg.DB.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres sink: %w", err)
		}
		set.closers = append(set.closers, func() error { pg.Close(); return nil })
		sinks = append(sinks, pg)
	}

	if cfg.Storage.GCSBucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		set.closers = append(set.closers, client.Close)
		store, err := gcssink.NewBlobStore(ctx, client, cfg.Storage.GCSBucket)
		if err != nil {
			return nil, fmt.Errorf("open gcs bucket: %w", err)
		}
		objects, err := gcssink.NewSink(store, gcssink.Config{
			Bucket: cfg.Storage.GCSBucket,
			Prefix: cfg.Storage.Prefix,
			RunID:  runID,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create gcs sink: %w", err)
		}
		sinks = append(sinks, objects)
	}

	set.sink = local
	if len(sinks) > 1 {
		set.sink = sink.NewMulti(sinks...)
	}

	if cfg.PubSub.ProjectID != "" {
		pub, err := pubsubpublisher.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName, map[string]string{"run_id": runID})
		if err != nil {
			return nil, fmt.Errorf("create publisher: %w", err)
		}
		set.closers = append(set.closers, pub.Close)
		notified, err := notify.New(set.sink, pub, notify.Config{
			Topic:       cfg.PubSub.TopicName,
			RunID:       runID,
			Destination: local.Path(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create notify sink: %w", err)
		}
		set.sink = notified
	}

	return set, nil
}
