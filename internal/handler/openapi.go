package handler

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/markgate/markgate/internal/openapi"
)

// OpenAPIHandler serves the generated OpenAPI document. The document is
// static for the life of the process, so it is rendered once.
type OpenAPIHandler struct {
	opts openapi.Options

	once sync.Once
	body []byte
	err  error
}

// NewOpenAPIHandler creates an OpenAPIHandler.
func NewOpenAPIHandler(opts openapi.Options) *OpenAPIHandler {
	return &OpenAPIHandler{opts: opts}
}

// Document returns the generated document.
func (h *OpenAPIHandler) Document() *openapi3.T {
	return openapi.Generate(h.opts)
}

// ServeSpec returns the OpenAPI document.
// GET /openapi.json
func (h *OpenAPIHandler) ServeSpec(w http.ResponseWriter, r *http.Request) {
	h.once.Do(func() {
		h.body, h.err = json.MarshalIndent(h.Document(), "", "  ")
	})
	if h.err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to render OpenAPI document")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(h.body)
}
