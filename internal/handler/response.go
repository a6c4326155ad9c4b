package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	apperrors "github.com/kioskshop/pairing-server-go/internal/errors"
	"github.com/kioskshop/pairing-server-go/internal/httputil"
	"github.com/kioskshop/pairing-server-go/internal/util"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}

// decodeJSON treats an empty body as an empty object.
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.ValidationError("Invalid request body")
	}
	return nil
}

func validCode(code string) error {
	if code == "" {
		return apperrors.MissingRequired("pairingCode")
	}
	if !util.IsValidPairingCode(code) {
		return apperrors.InvalidInput("pairingCode", "malformed pairing code")
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
