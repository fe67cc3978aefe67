package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tannoyproject/tannoy/internal/common/tannoyerrors"
)

func marshalPayload(v interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return data, nil
}

// writeJSON writes v as the JSON body of a 2xx response. Encoding failures at
// this point cannot be reported to the client anymore, only logged.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("Failed to write response body")
	}
}

// readJSONBody decodes a request body into v, limited to maxBytes, mapping
// malformed payloads to an invalid-request error.
func readJSONBody(w http.ResponseWriter, req *http.Request, maxBytes int64, v interface{}) error {
	body := http.MaxBytesReader(w, req.Body, maxBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return &tannoyerrors.ErrInvalidRequest{
			Field:   "body",
			Message: "malformed JSON request body",
		}
	}
	return nil
}

// writeError is a convenience wrapper so handlers read uniformly.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	tannoyerrors.WriteHTTPError(ctx, w, err)
}
