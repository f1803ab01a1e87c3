package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/cuemby/imagegend/pkg/errdefs"
	"github.com/cuemby/imagegend/pkg/log"
)

// Envelope is the uniform JSON response wrapper. Code 0 is success;
// non-zero codes are the stable values clients branch on. Binary
// endpoints (download, export, SSE, static files) bypass it.
type Envelope struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// respond writes a success envelope
func respond(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(Envelope{Code: 0, Message: "success", Data: data}); err != nil {
		log.WithComponent("api").Error().Err(err).Msg("Failed to encode response")
	}
}

// respondError maps a classified error onto HTTP status + envelope code
func respondError(w http.ResponseWriter, err error) {
	kind := errdefs.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errdefs.HTTPStatus(kind))
	encErr := json.NewEncoder(w).Encode(Envelope{
		Code:    errdefs.Code(kind),
		Message: errdefs.MessageOf(err),
	})
	if encErr != nil {
		log.WithComponent("api").Error().Err(encErr).Msg("Failed to encode error response")
	}
}

// maxBodyBytes bounds JSON request bodies; multipart uploads have their
// own larger limit
const maxBodyBytes = 1 << 20

// decodeJSON reads a JSON body into dst, classifying failures as
// invalid-params
func decodeJSON(r *http.Request, dst interface{}) error {
	body := io.LimitReader(r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return errdefs.Wrap(errdefs.KindInvalidParams, err, "invalid request body")
	}
	return nil
}
