package handler

import (
	"bytes"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/markgate/markgate/internal/audit"
	"github.com/markgate/markgate/internal/config"
	"github.com/markgate/markgate/internal/converter"
	"github.com/markgate/markgate/internal/model"
	"github.com/markgate/markgate/internal/server/middleware"
)

// ConvertHandler serves the document conversion endpoints. Admission
// (authentication and rate limiting) has already happened by the time a
// request gets here.
type ConvertHandler struct {
	conv        converter.Converter
	fetcher     *converter.Fetcher
	audit       audit.Recorder
	maxFileSize int64
	extensions  map[string]bool
}

// NewConvertHandler creates a ConvertHandler.
func NewConvertHandler(conv converter.Converter, rec audit.Recorder, cfg config.ConverterConfig) *ConvertHandler {
	if rec == nil {
		rec = audit.Nop{}
	}
	exts := make(map[string]bool, len(cfg.SupportedExtensions))
	for _, e := range cfg.SupportedExtensions {
		exts[converter.NormalizeHint(e)] = true
	}
	return &ConvertHandler{
		conv:        conv,
		fetcher:     converter.NewFetcher(cfg.FetchTimeout, cfg.UserAgent, cfg.MaxFileSize),
		audit:       rec,
		maxFileSize: cfg.MaxFileSize,
		extensions:  exts,
	}
}

type textRequest struct {
	Content string `json:"content"`
	// Type is the format of Content; HTML when empty.
	Type string `json:"type,omitempty"`
}

type urlRequest struct {
	URL string `json:"url"`
}

// ConvertText converts inline text or HTML.
// POST /api/v1/convert/text
func (h *ConvertHandler) ConvertText(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	hint := converter.NormalizeHint(req.Type)
	if hint == "" {
		hint = ".html"
	}

	out, err := h.conv.Convert(r.Context(), strings.NewReader(req.Content), hint, "")
	h.record(r, model.ActionConvertText, err, map[string]interface{}{
		"length": len(req.Content),
		"type":   hint,
	})
	h.respond(w, out, err)
}

// ConvertFile converts an uploaded file.
// POST /api/v1/convert/file (multipart field "file")
func (h *ConvertHandler) ConvertFile(w http.ResponseWriter, r *http.Request) {
	if h.maxFileSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize+1<<20)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusBadRequest, "File size exceeds maximum limit")
			return
		}
		writeError(w, http.StatusBadRequest, "A multipart \"file\" field is required")
		return
	}
	defer file.Close()

	ext := converter.NormalizeHint(filepath.Ext(header.Filename))
	if !h.extensions[ext] {
		writeError(w, http.StatusBadRequest, "Unsupported file type: "+ext)
		return
	}
	if h.maxFileSize > 0 && header.Size > h.maxFileSize {
		writeError(w, http.StatusBadRequest, "File size exceeds maximum limit", map[string]interface{}{
			"max_file_size": h.maxFileSize,
		})
		return
	}

	out, err := h.conv.Convert(r.Context(), file, ext, "")
	h.record(r, model.ActionConvertFile, err, map[string]interface{}{
		"filename": header.Filename,
		"size":     header.Size,
	})
	h.respond(w, out, err)
}

// ConvertURL fetches a URL and converts the response body.
// POST /api/v1/convert/url
func (h *ConvertHandler) ConvertURL(w http.ResponseWriter, r *http.Request) {
	var req urlRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	var out string
	doc, err := h.fetcher.Fetch(r.Context(), req.URL)
	if err == nil {
		out, err = h.conv.Convert(r.Context(), bytes.NewReader(doc.Body), doc.TypeHint, doc.URL)
	}
	h.record(r, model.ActionConvertURL, err, map[string]interface{}{
		"url": req.URL,
	})
	h.respond(w, out, err)
}

func (h *ConvertHandler) record(r *http.Request, action model.AuditAction, err error, detail map[string]interface{}) {
	outcome := model.OutcomeSuccess
	if err != nil {
		outcome = model.OutcomeFailure
		detail["error"] = err.Error()
	}
	h.audit.Record(r.Context(), action, middleware.CredentialID(r.Context()), outcome, detail)
}

func (h *ConvertHandler) respond(w http.ResponseWriter, markdown string, err error) {
	if err != nil {
		status, msg := conversionStatus(err)
		writeError(w, status, msg)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(markdown))
}

// conversionStatus maps converter errors to HTTP responses.
func conversionStatus(err error) (int, string) {
	switch {
	case errors.Is(err, converter.ErrUnsupported), errors.Is(err, converter.ErrTooLarge):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, converter.ErrFetch):
		return http.StatusBadGateway, err.Error()
	case errors.Is(err, converter.ErrUnavailable):
		return http.StatusServiceUnavailable, "Converter temporarily unavailable"
	default:
		return http.StatusUnprocessableEntity, "Failed to convert content: " + err.Error()
	}
}
