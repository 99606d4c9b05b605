package cmd

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/dircrawl/internal/config"
	"github.com/JakeFAU/dircrawl/internal/crawler"
	collyfetcher "github.com/JakeFAU/dircrawl/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/dircrawl/internal/fetcher/headless"
	csvsink "github.com/JakeFAU/dircrawl/internal/sink/csv"
)

func TestBuildSeeds(t *testing.T) {
	t.Parallel()

	site := config.SiteConfig{ListingURLTemplate: "https://dir.example/list/%s"}
	seeds, err := buildSeeds([]string{"a", "B", " b ", "", "c"}, site)
	require.NoError(t, err)
	assert.Equal(t, []crawler.Seed{
		{Key: "A", URL: "https://dir.example/list/A"},
		{Key: "B", URL: "https://dir.example/list/B"},
		{Key: "C", URL: "https://dir.example/list/C"},
	}, seeds)
}

func TestBuildSeedsRequiresOne(t *testing.T) {
	t.Parallel()

	_, err := buildSeeds([]string{" ", ""}, config.SiteConfig{ListingURLTemplate: "%s"})
	require.Error(t, err)
}

func TestBuildFetcherSelectsMode(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("", nil)
	require.NoError(t, err)

	f, factory := buildFetcher(cfg, zap.NewNop())
	assert.IsType(t, &headlessfetcher.Browser{}, f)
	assert.NotNil(t, factory)

	cfg.Fetch.Mode = config.FetchModeHTTP
	f, factory = buildFetcher(cfg, zap.NewNop())
	assert.IsType(t, &collyfetcher.Fetcher{}, f)
	assert.NotNil(t, factory)
}

func TestOpenSinksLocalOnly(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	cfg.Output.Path = filepath.Join(t.TempDir(), "out", "companies.csv")

	set, err := openSinks(t.Context(), cfg, "run-1", zap.NewNop())
	require.NoError(t, err)
	defer set.close(zap.NewNop())

	assert.IsType(t, &csvsink.Sink{}, set.sink)
	assert.False(t, set.resumed)
	assert.Empty(t, set.skip)
}

func TestOpenSinksResume(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "companies.csv")
	prev, err := csvsink.Open(path, false, nil)
	require.NoError(t, err)
	require.NoError(t, prev.Write(t.Context(), []crawler.Record{
		{crawler.FieldName: "Acme", crawler.FieldURL: "https://dir.example/acme"},
	}, true))

	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	cfg.Output.Path = path
	cfg.Output.Resume = true

	set, err := openSinks(t.Context(), cfg, "run-2", zap.NewNop())
	require.NoError(t, err)
	defer set.close(zap.NewNop())

	assert.True(t, set.resumed)
	assert.Contains(t, set.skip, "https://dir.example/acme")
}

func TestCrawlRequiresSeeds(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	root.SetArgs([]string{"crawl", "--output", filepath.Join(t.TempDir(), "x.csv")})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed")
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "dircrawl dev")
}
