package converter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
)

// Remote posts documents to a conversion sidecar and returns the markdown
// body of its response.
//
// The sidecar contract is POST {endpoint}/convert with a multipart body
// carrying "file" (named document{ext}) and an optional "source_url" field.
// A 200 response body is the markdown; 415 means the type is unsupported and
// 422 means nothing could be extracted.
type Remote struct {
	endpoint string
	client   *http.Client
}

// NewRemote creates a Remote for endpoint. A nil client uses
// http.DefaultClient.
func NewRemote(endpoint string, client *http.Client) *Remote {
	if client == nil {
		client = http.DefaultClient
	}
	return &Remote{endpoint: strings.TrimRight(endpoint, "/"), client: client}
}

// Convert implements Converter.
func (c *Remote) Convert(ctx context.Context, r io.Reader, typeHint, sourceURL string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "document"+NormalizeHint(typeHint))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	if sourceURL != "" {
		if err := mw.WriteField("source_url", sourceURL); err != nil {
			return "", fmt.Errorf("build request: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/convert", &body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "text/markdown, text/plain")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("remote converter: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnsupportedMediaType:
		return "", fmt.Errorf("%w: %q", ErrUnsupported, typeHint)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return "", ErrEmpty
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("remote converter returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read remote response: %w", err)
	}
	if len(bytes.TrimSpace(out)) == 0 {
		return "", ErrEmpty
	}
	return string(out), nil
}
