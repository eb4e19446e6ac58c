package converter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// ErrFetch wraps failures retrieving a remote document.
var ErrFetch = errors.New("error fetching URL")

// Fetcher downloads documents for URL conversion.
type Fetcher struct {
	client    *http.Client
	userAgent string
	maxSize   int64
}

// NewFetcher creates a Fetcher. maxSize <= 0 means unlimited.
func NewFetcher(timeout time.Duration, userAgent string, maxSize int64) *Fetcher {
	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		maxSize:   maxSize,
	}
}

// Document is a fetched body with the type hint derived from its response.
type Document struct {
	Body     []byte
	TypeHint string
	URL      string
}

// Fetch GETs rawURL. Only http and https are accepted.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid url %q", ErrFetch, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned %d", ErrFetch, u.Host, resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if f.maxSize > 0 {
		body = io.LimitReader(resp.Body, f.maxSize+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if f.maxSize > 0 && int64(len(data)) > f.maxSize {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, f.maxSize)
	}

	return &Document{
		Body:     data,
		TypeHint: hintFor(resp.Header.Get("Content-Type"), u.Path),
		URL:      u.String(),
	}, nil
}

var mimeHints = map[string]string{
	"text/html":             ".html",
	"application/xhtml+xml": ".html",
	"text/plain":            ".txt",
	"text/markdown":         ".md",
	"text/csv":              ".csv",
	"application/json":      ".json",
	"application/xml":       ".xml",
	"text/xml":              ".xml",
	"application/pdf":       ".pdf",
}

// hintFor picks a type hint from the response media type, then the URL
// path extension, and falls back to ".html".
func hintFor(contentType, urlPath string) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if hint, ok := mimeHints[strings.ToLower(mt)]; ok {
			return hint
		}
	}
	if ext := path.Ext(urlPath); ext != "" {
		return NormalizeHint(ext)
	}
	return ".html"
}
