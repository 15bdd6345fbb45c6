package handlers

import (
	"net/http"

	apperrors "github.com/keyrelay/keyrelay/internal/errors"
)

// ErrorResponder writes an error as an HTTP response.
type ErrorResponder func(http.ResponseWriter, *http.Request, error)

// httpErrorResponder defaults to the shared envelope writer; the server swaps
// in its own so router and handler errors share one code path.
var httpErrorResponder ErrorResponder = apperrors.RespondWithError

// SetHTTPErrorResponder installs responder. Nil restores the default.
func SetHTTPErrorResponder(responder ErrorResponder) {
	if responder == nil {
		responder = apperrors.RespondWithError
	}
	httpErrorResponder = responder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}
