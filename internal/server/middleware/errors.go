package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/markgate/markgate/internal/apierr"
	"github.com/markgate/markgate/internal/model"
)

// writeError writes the standard error envelope. The handler package has its
// own copy; importing it here would create a cycle.
func writeError(w http.ResponseWriter, status int, message string, ctx map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{Code: status, Message: message, Context: ctx},
	})
}

func writeKindError(w http.ResponseWriter, err error) {
	writeError(w, apierr.KindOf(err).HTTPStatus(), apierr.Message(err), nil)
}
