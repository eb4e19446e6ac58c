// Package converter turns documents into markdown. The admission layer only
// gates calls into it; it never looks inside.
package converter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/markgate/markgate/internal/config"
	"github.com/markgate/markgate/internal/metrics"
)

// Converter converts a document stream to markdown. typeHint is a file
// extension such as ".html"; sourceURL is set when the document was fetched.
type Converter interface {
	Convert(ctx context.Context, r io.Reader, typeHint, sourceURL string) (string, error)
}

var (
	// ErrUnsupported is returned for type hints no backend handles.
	ErrUnsupported = errors.New("unsupported document type")
	// ErrEmpty is returned when a conversion produces no text.
	ErrEmpty = errors.New("conversion resulted in empty content")
	// ErrUnavailable is returned while the remote backend's breaker is open.
	ErrUnavailable = errors.New("converter unavailable")
	// ErrTooLarge is returned for inputs over the configured size limit.
	ErrTooLarge = errors.New("document exceeds maximum size")
)

// NormalizeHint lowercases hint and gives it a leading dot.
func NormalizeHint(hint string) string {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if hint != "" && !strings.HasPrefix(hint, ".") {
		hint = "." + hint
	}
	return hint
}

// New builds the converter stack for cfg: the built-in converter for text
// formats, and a breaker-guarded remote client when an endpoint is set.
func New(cfg config.ConverterConfig, logger *slog.Logger, m *metrics.Metrics) Converter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{Local: NewPlain(), metrics: m}
	if cfg.Endpoint != "" {
		remote := NewRemote(cfg.Endpoint, &http.Client{Timeout: cfg.Timeout})
		r.Remote = NewBreaker("remote-converter", remote, cfg.Breaker, logger)
	}
	return r
}

// Router dispatches by type hint: formats the built-in converter knows stay
// local, everything else goes to the remote backend when one is configured.
type Router struct {
	Local   *Plain
	Remote  Converter
	metrics *metrics.Metrics
}

// Convert implements Converter.
func (r *Router) Convert(ctx context.Context, in io.Reader, typeHint, sourceURL string) (string, error) {
	hint := NormalizeHint(typeHint)
	if r.Local != nil && r.Local.Supports(hint) {
		out, err := r.Local.Convert(ctx, in, hint, sourceURL)
		r.metrics.Conversion("local", err == nil)
		return out, err
	}
	if r.Remote == nil {
		r.metrics.Conversion("local", false)
		return "", ErrUnsupported
	}
	out, err := r.Remote.Convert(ctx, in, hint, sourceURL)
	r.metrics.Conversion("remote", err == nil)
	return out, err
}
