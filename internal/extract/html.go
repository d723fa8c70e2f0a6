// Package extract implements the default selector-driven crawler.Extractor
// over a crawler.PageFetcher.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"go.uber.org/zap"

	"github.com/JakeFAU/threadharvest/internal/crawler"
)

// Selectors are CSS selectors locating listing rows and thread fields.
type Selectors struct {
	ListingItem  string `mapstructure:"listing_item"`
	ItemLink     string `mapstructure:"item_link"`
	ListingTitle string `mapstructure:"listing_title"`
	ListingDate  string `mapstructure:"listing_date"`
	Title        string `mapstructure:"title"`
	Author       string `mapstructure:"author"`
	Date         string `mapstructure:"date"`
	Body         string `mapstructure:"body"`
	NextPage     string `mapstructure:"next_page"`
}

// Config configures HTMLExtractor.
type Config struct {
	Selectors Selectors `mapstructure:"selectors"`
	// PageParam is the query parameter carrying the listing cursor. It is
	// omitted for the first page.
	PageParam string `mapstructure:"page_param"`
	// Readability extracts the body with go-readability when the body
	// selector yields nothing.
	Readability bool `mapstructure:"readability"`
}

// Validate checks the selectors every extraction needs.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Selectors.ListingItem) == "" {
		errs = append(errs, errors.New("listing_item selector is required"))
	}
	if strings.TrimSpace(c.Selectors.Body) == "" && !c.Readability {
		errs = append(errs, errors.New("body selector is required unless readability is enabled"))
	}
	if strings.TrimSpace(c.PageParam) == "" {
		errs = append(errs, errors.New("page_param is required"))
	}
	return errors.Join(errs...)
}

// HTMLExtractor reads listing pages and threads with goquery.
type HTMLExtractor struct {
	cfg     Config
	fetcher crawler.PageFetcher
	logger  *zap.Logger
}

var _ crawler.Extractor = (*HTMLExtractor)(nil)

// NewHTMLExtractor validates cfg and builds an extractor.
func NewHTMLExtractor(cfg Config, fetcher crawler.PageFetcher, logger *zap.Logger) (*HTMLExtractor, error) {
	if fetcher == nil {
		return nil, errors.New("extract: fetcher is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTMLExtractor{cfg: cfg, fetcher: fetcher, logger: logger.Named("extract")}, nil
}

// ListingURL returns the address of the listing page at cursor.
func (e *HTMLExtractor) ListingURL(target crawler.CrawlTarget, cursor int) (string, error) {
	u, err := url.Parse(target.URL)
	if err != nil {
		return "", fmt.Errorf("parse target url %q: %w", target.URL, err)
	}
	if cursor > 0 {
		q := u.Query()
		q.Set(e.cfg.PageParam, strconv.Itoa(cursor))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Listing fetches one listing page and returns its thread references in page
// order.
func (e *HTMLExtractor) Listing(ctx context.Context, target crawler.CrawlTarget, cursor int) (crawler.ListingPage, error) {
	pageURL, err := e.ListingURL(target, cursor)
	if err != nil {
		return crawler.ListingPage{}, err
	}
	doc, base, err := e.document(ctx, pageURL)
	if err != nil {
		return crawler.ListingPage{}, err
	}

	sel := e.cfg.Selectors
	page := crawler.ListingPage{Cursor: cursor}
	seen := make(map[string]struct{})
	doc.Find(sel.ListingItem).Each(func(_ int, row *goquery.Selection) {
		link := row
		if sel.ItemLink != "" {
			link = row.Find(sel.ItemLink).First()
		}
		href, ok := link.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		resolved, err := base.Parse(strings.TrimSpace(href))
		if err != nil {
			e.logger.Debug("skipping unparsable link", zap.String("href", href), zap.Error(err))
			return
		}
		resolved.Fragment = ""
		id := resolved.String()
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}

		ref := crawler.ItemRef{ID: id, Title: oneLine(link.Text())}
		if sel.ListingTitle != "" {
			ref.Title = oneLine(row.Find(sel.ListingTitle).First().Text())
		}
		if sel.ListingDate != "" {
			ref.Date = oneLine(row.Find(sel.ListingDate).First().Text())
		}
		page.Items = append(page.Items, ref)
	})

	if sel.NextPage != "" {
		page.HasNext = doc.Find(sel.NextPage).Length() > 0
	} else {
		page.HasNext = len(page.Items) > 0
	}
	return page, nil
}

// Item fetches one thread. An empty body is reported as crawler.ErrExtraction.
func (e *HTMLExtractor) Item(ctx context.Context, target crawler.CrawlTarget, ref crawler.ItemRef) (crawler.RawItem, error) {
	resp, err := e.fetcher.Fetch(ctx, ref.ID)
	if err != nil {
		return crawler.RawItem{}, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return crawler.RawItem{}, fmt.Errorf("%w: parse %s: %w", crawler.ErrExtraction, ref.ID, err)
	}

	sel := e.cfg.Selectors
	item := crawler.RawItem{
		ID:       ref.ID,
		TargetID: target.ID,
		Title:    firstText(doc, sel.Title),
		Author:   firstText(doc, sel.Author),
		Date:     firstText(doc, sel.Date),
		Body:     joinedText(doc, sel.Body),
	}

	if item.Body == "" && e.cfg.Readability {
		title, byline, text := readabilityText(resp.Body, pageURLOf(resp, ref.ID))
		item.Body = text
		if item.Title == "" {
			item.Title = title
		}
		if item.Author == "" {
			item.Author = byline
		}
	}
	if item.Title == "" {
		item.Title = ref.Title
	}
	if item.Date == "" {
		item.Date = ref.Date
	}
	if item.Body == "" {
		return crawler.RawItem{}, fmt.Errorf("%w: %s has no body text", crawler.ErrExtraction, ref.ID)
	}
	return item, nil
}

func (e *HTMLExtractor) document(ctx context.Context, pageURL string) (*goquery.Document, *url.URL, error) {
	resp, err := e.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return nil, nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parse %s: %w", crawler.ErrExtraction, pageURL, err)
	}
	base, err := url.Parse(pageURLOf(resp, pageURL))
	if err != nil {
		return nil, nil, fmt.Errorf("parse page url: %w", err)
	}
	return doc, base, nil
}

func pageURLOf(resp crawler.FetchResponse, fallback string) string {
	if resp.URL != "" {
		return resp.URL
	}
	return fallback
}

func firstText(doc *goquery.Document, selector string) string {
	if selector == "" {
		return ""
	}
	return oneLine(doc.Find(selector).First().Text())
}

// joinedText concatenates every match, one block per message in a thread.
func joinedText(doc *goquery.Document, selector string) string {
	if selector == "" {
		return ""
	}
	var parts []string
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		if text := cleanText(s.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	return strings.Join(parts, "\n\n")
}

func readabilityText(body []byte, pageURL string) (title, byline, text string) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", "", ""
	}
	article, err := readability.FromReader(bytes.NewReader(body), parsed)
	if err != nil {
		return "", "", ""
	}
	return strings.TrimSpace(article.Title), strings.TrimSpace(article.Byline), cleanText(article.TextContent)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// cleanText trims every line, collapses runs of spaces and drops blank lines.
func cleanText(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
