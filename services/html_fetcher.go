package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"cse_feed_backend/models"
)

// DefaultUserAgent is sent with every source request
const DefaultUserAgent = "Mozilla/5.0 (compatible; cse-feed/1.0)"

// HTMLTableFetcher scrapes the trade summary table from the exchange page
type HTMLTableFetcher struct {
	URL           string
	TableSelector string
	Timeout       time.Duration
	UserAgent     string
}

// NewHTMLTableFetcher creates a fetcher for the trade summary page at url
func NewHTMLTableFetcher(url string, timeout time.Duration) *HTMLTableFetcher {
	return &HTMLTableFetcher{
		URL:           url,
		TableSelector: "table",
		Timeout:       timeout,
		UserAgent:     DefaultUserAgent,
	}
}

func (f *HTMLTableFetcher) Name() string { return "cse-html" }

// Fetch downloads the page and converts the first data table into records
func (f *HTMLTableFetcher) Fetch(ctx context.Context, day string) (models.Snapshot, error) {
	session := newFetchSession(f.Timeout)
	defer session.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrFetchFailed, err)
	}
	req.Header.Set("User-Agent", f.UserAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := session.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: %s returned %s", ErrFetchFailed, f.URL, resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: parse html: %v", ErrFetchFailed, err)
	}

	return parseTradeSummaryTable(doc, f.TableSelector, day)
}

// parseTradeSummaryTable reads the first table matching selector that has a header row
func parseTradeSummaryTable(doc *goquery.Document, selector, day string) (models.Snapshot, error) {
	var table *goquery.Selection
	doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if tableHeaders(s) != nil {
			table = s
			return false
		}
		return true
	})
	if table == nil {
		return nil, fmt.Errorf("%w: no table with a header row", ErrFetchFailed)
	}

	headers := tableHeaders(table)
	snapshot := make(models.Snapshot, 0)
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() == 0 {
			return
		}
		values := make([]string, 0, cells.Length())
		cells.Each(func(_ int, td *goquery.Selection) {
			values = append(values, strings.TrimSpace(td.Text()))
		})
		// DataTables renders a single spanning cell when the table is empty
		if len(values) == 1 && len(headers) > 1 {
			return
		}
		snapshot = append(snapshot, models.NewRecord(headers, values, day))
	})

	if len(snapshot) == 0 {
		return nil, ErrEmptySnapshot
	}
	return snapshot, nil
}

func tableHeaders(table *goquery.Selection) []string {
	var headers []string
	table.Find("thead tr").First().Find("th").Each(func(_ int, th *goquery.Selection) {
		headers = append(headers, strings.TrimSpace(th.Text()))
	})
	if len(headers) == 0 {
		table.Find("tr").First().Find("th").Each(func(_ int, th *goquery.Selection) {
			headers = append(headers, strings.TrimSpace(th.Text()))
		})
	}
	return headers
}

// fetchSession is the HTTP state owned by a single Fetch call
type fetchSession struct {
	transport *http.Transport
	client    *http.Client
}

func newFetchSession(timeout time.Duration) *fetchSession {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &fetchSession{
		transport: transport,
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
	}
}

// Close releases the session's pooled connections
func (s *fetchSession) Close() {
	s.transport.CloseIdleConnections()
}
