package server

import (
	"net/http"

	apperrors "github.com/keyrelay/keyrelay/internal/errors"
)

// HandleError is the single error writer for router-level failures and the
// handlers package.
func HandleError(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}
