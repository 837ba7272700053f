package probe

import (
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Response is the envelope of every probe endpoint.
type Response[T any] struct {
	Data    T       `json:"data,omitempty"`
	Errors  []Error `json:"errors,omitempty"`
	Message string  `json:"message,omitempty"`
}

// Error is a single named failure.
type Error struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func writeJSON[T any](w http.ResponseWriter, logger zerolog.Logger, statusCode int, resp Response[T]) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		// headers are gone already
		logger.Error().
			Err(err).
			Int("status_code", statusCode).
			Msg("failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, logger zerolog.Logger, statusCode int, message string, errs ...Error) {
	writeJSON(w, logger, statusCode, Response[any]{
		Errors:  errs,
		Message: message,
	})
}
