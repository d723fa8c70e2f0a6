package extract

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/threadharvest/internal/checkpoint"
	"github.com/JakeFAU/threadharvest/internal/crawler"
)

type pageFetcher map[string]string

func (p pageFetcher) Fetch(_ context.Context, rawURL string) (crawler.FetchResponse, error) {
	body, ok := p[rawURL]
	if !ok {
		return crawler.FetchResponse{}, &crawler.StatusError{URL: rawURL, Code: 404}
	}
	return crawler.FetchResponse{URL: rawURL, StatusCode: 200, Body: []byte(body)}, nil
}

const listingHTML = `<html><body>
<table>
  <tr class="thread"><td><a class="subject" href="/t/1#latest">  Generics
     proposal </a></td><td class="when">Mar 3</td></tr>
  <tr class="thread"><td><a class="subject" href="https://forum.example.com/t/2">Modules</a></td><td class="when">Mar 4</td></tr>
  <tr class="thread"><td><a class="subject" href="/t/1">Generics again</a></td></tr>
  <tr class="thread"><td>no link here</td></tr>
</table>
<a class="next" href="?page=1">Older</a>
</body></html>`

const threadHTML = `<html><body>
<h1 class="title">Generics proposal</h1>
<span class="author">rsc</span><time class="date">2021-03-03</time>
<div class="message">First   message
   with two lines</div>
<div class="message">Second message</div>
</body></html>`

func testConfig() Config {
	return Config{
		Selectors: Selectors{
			ListingItem: "tr.thread",
			ItemLink:    "a.subject",
			ListingDate: ".when",
			Title:       "h1.title",
			Author:      ".author",
			Date:        ".date",
			Body:        ".message",
			NextPage:    "a.next",
		},
		PageParam: "page",
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, testConfig().Validate())

	err := Config{}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listing_item")
	assert.Contains(t, err.Error(), "body")
	assert.Contains(t, err.Error(), "page_param")

	cfg := testConfig()
	cfg.Selectors.Body = ""
	cfg.Readability = true
	require.NoError(t, cfg.Validate())
}

func TestListingURL(t *testing.T) {
	e, err := NewHTMLExtractor(testConfig(), pageFetcher{}, nil)
	require.NoError(t, err)
	target := crawler.CrawlTarget{URL: "https://forum.example.com/c/go?sort=new"}

	first, err := e.ListingURL(target, 0)
	require.NoError(t, err)
	assert.Equal(t, "https://forum.example.com/c/go?sort=new", first)

	third, err := e.ListingURL(target, 2)
	require.NoError(t, err)
	assert.Equal(t, "https://forum.example.com/c/go?page=2&sort=new", third)
}

func TestListingExtractsRefsInOrder(t *testing.T) {
	fetcher := pageFetcher{"https://forum.example.com/c/go": listingHTML}
	e, err := NewHTMLExtractor(testConfig(), fetcher, nil)
	require.NoError(t, err)

	page, err := e.Listing(context.Background(), crawler.CrawlTarget{URL: "https://forum.example.com/c/go"}, 0)
	require.NoError(t, err)
	assert.True(t, page.HasNext)
	require.Len(t, page.Items, 2, "duplicates and rows without links are dropped")
	assert.Equal(t, crawler.ItemRef{ID: "https://forum.example.com/t/1", Title: "Generics proposal", Date: "Mar 3"}, page.Items[0])
	assert.Equal(t, "https://forum.example.com/t/2", page.Items[1].ID)
}

func TestListingWithoutNextLink(t *testing.T) {
	fetcher := pageFetcher{"https://forum.example.com/c/go?page=3": "<html><body><p>nothing</p></body></html>"}
	e, err := NewHTMLExtractor(testConfig(), fetcher, nil)
	require.NoError(t, err)

	page, err := e.Listing(context.Background(), crawler.CrawlTarget{URL: "https://forum.example.com/c/go"}, 3)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.False(t, page.HasNext)
}

func TestListingPropagatesFetchErrors(t *testing.T) {
	e, err := NewHTMLExtractor(testConfig(), pageFetcher{}, nil)
	require.NoError(t, err)

	_, err = e.Listing(context.Background(), crawler.CrawlTarget{URL: "https://down.example.com"}, 0)
	var statusErr *crawler.StatusError
	require.ErrorAs(t, err, &statusErr)
}

func TestItemExtractsThread(t *testing.T) {
	fetcher := pageFetcher{"https://forum.example.com/t/1": threadHTML}
	e, err := NewHTMLExtractor(testConfig(), fetcher, nil)
	require.NoError(t, err)

	item, err := e.Item(context.Background(),
		crawler.CrawlTarget{ID: "go"},
		crawler.ItemRef{ID: "https://forum.example.com/t/1", Date: "Mar 3"})
	require.NoError(t, err)
	assert.Equal(t, crawler.RawItem{
		ID:       "https://forum.example.com/t/1",
		TargetID: "go",
		Title:    "Generics proposal",
		Author:   "rsc",
		Date:     "2021-03-03",
		Body:     "First message\nwith two lines\n\nSecond message",
	}, item)
}

func TestItemWithoutBodyIsExtractionFailure(t *testing.T) {
	fetcher := pageFetcher{"https://forum.example.com/t/9": "<html><body><h1 class=\"title\">Empty</h1></body></html>"}
	e, err := NewHTMLExtractor(testConfig(), fetcher, nil)
	require.NoError(t, err)

	_, err = e.Item(context.Background(), crawler.CrawlTarget{ID: "go"}, crawler.ItemRef{ID: "https://forum.example.com/t/9"})
	require.True(t, errors.Is(err, crawler.ErrExtraction))
}

func TestItemReadabilityFallback(t *testing.T) {
	paragraph := strings.Repeat("Go modules make dependency management reproducible and explicit. ", 12)
	html := `<html><head><title>Modules thread</title></head><body>
<div id="nav"><a href="/">Home</a></div>
<article><h1>Modules thread</h1><p>` + paragraph + `</p><p>` + paragraph + `</p></article>
</body></html>`
	fetcher := pageFetcher{"https://forum.example.com/t/2": html}

	cfg := testConfig()
	cfg.Selectors.Body = ""
	cfg.Selectors.Title = ""
	cfg.Readability = true
	e, err := NewHTMLExtractor(cfg, fetcher, nil)
	require.NoError(t, err)

	item, err := e.Item(context.Background(), crawler.CrawlTarget{ID: "go"}, crawler.ItemRef{ID: "https://forum.example.com/t/2"})
	require.NoError(t, err)
	assert.Contains(t, item.Body, "dependency management")
	assert.NotEmpty(t, item.Title)
}

func TestCleanText(t *testing.T) {
	assert.Equal(t, "a b\nc", cleanText("  a   b \n\n\t c  \n"))
	assert.Empty(t, cleanText(" \n\t "))
}

// defaultListingConfig matches the shipped defaults: no next_page selector,
// so pagination relies on the listing itself.
func defaultListingConfig() Config {
	return Config{
		Selectors: Selectors{
			ListingItem: "a.thread-link",
			Title:       "h1",
			Date:        "time",
			Body:        ".post",
		},
		PageParam: "page",
	}
}

func forumPage(links ...string) string {
	var b strings.Builder
	b.WriteString("<html><body><ul>")
	for _, link := range links {
		b.WriteString(`<li><a class="thread-link" href="` + link + `">thread</a></li>`)
	}
	b.WriteString("</ul></body></html>")
	return b.String()
}

func threadPage(title string) string {
	return "<html><body><h1>" + title + "</h1><div class=\"post\">Body of " + title + "</div></body></html>"
}

func crawlOnce(t *testing.T, fetcher crawler.PageFetcher) (crawler.RunStats, crawler.CheckpointRecord, error) {
	t.Helper()
	e, err := NewHTMLExtractor(defaultListingConfig(), fetcher, nil)
	require.NoError(t, err)
	store, err := checkpoint.Open(checkpoint.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	c, err := crawler.NewController(crawler.ControllerConfig{}, e, store, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stats, runErr := c.Run(ctx, []crawler.CrawlTarget{{ID: "general", URL: "https://forum.example.com/c/general", MaxItems: 100}})
	rec, err := store.Load(context.Background(), "general")
	require.NoError(t, err)
	return stats, rec, runErr
}

func TestCrawlCompletesWhenArchiveIgnoresPageParam(t *testing.T) {
	listing := forumPage("/t/1", "/t/2")
	fetcher := fetchFunc(func(rawURL string) (string, bool) {
		switch {
		case strings.HasPrefix(rawURL, "https://forum.example.com/c/general"):
			return listing, true
		case strings.HasPrefix(rawURL, "https://forum.example.com/t/"):
			return threadPage(rawURL), true
		}
		return "", false
	})

	stats, rec, err := crawlOnce(t, fetcher)
	require.NoError(t, err)
	assert.Equal(t, crawler.StatusComplete, rec.Status)
	assert.Equal(t, 2, rec.ItemsDone)
	assert.Equal(t, 1, rec.Cursor)
	assert.Equal(t, 2, stats.ListingPages)
	assert.Equal(t, 2, stats.ItemsScraped)
}

func TestCrawlCompletesWhenArchiveReturnsNotFoundPastEnd(t *testing.T) {
	fetcher := pageFetcher{
		"https://forum.example.com/c/general":        forumPage("/t/1", "/t/2"),
		"https://forum.example.com/c/general?page=1": forumPage("/t/3"),
		"https://forum.example.com/t/1":              threadPage("one"),
		"https://forum.example.com/t/2":              threadPage("two"),
		"https://forum.example.com/t/3":              threadPage("three"),
	}

	stats, rec, err := crawlOnce(t, fetcher)
	require.NoError(t, err)
	assert.Equal(t, crawler.StatusComplete, rec.Status)
	assert.Equal(t, 3, rec.ItemsDone)
	assert.Equal(t, 1, stats.TargetsCompleted)
	assert.Zero(t, stats.TargetsFailed)
}

func TestListingWithoutNextSelectorAdvertisesNextWhileItemsRemain(t *testing.T) {
	fetcher := pageFetcher{
		"https://forum.example.com/c/general":        forumPage("/t/1"),
		"https://forum.example.com/c/general?page=1": forumPage(),
	}
	e, err := NewHTMLExtractor(defaultListingConfig(), fetcher, nil)
	require.NoError(t, err)
	target := crawler.CrawlTarget{URL: "https://forum.example.com/c/general"}

	first, err := e.Listing(context.Background(), target, 0)
	require.NoError(t, err)
	assert.True(t, first.HasNext)

	second, err := e.Listing(context.Background(), target, 1)
	require.NoError(t, err)
	assert.False(t, second.HasNext)

	_, err = e.Listing(context.Background(), target, 2)
	var statusErr *crawler.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 404, statusErr.Code)
}

type fetchFunc func(rawURL string) (string, bool)

func (f fetchFunc) Fetch(_ context.Context, rawURL string) (crawler.FetchResponse, error) {
	body, ok := f(rawURL)
	if !ok {
		return crawler.FetchResponse{}, &crawler.StatusError{URL: rawURL, Code: 404}
	}
	return crawler.FetchResponse{URL: rawURL, StatusCode: 200, Body: []byte(body)}, nil
}
