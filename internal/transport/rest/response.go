package rest

import (
	"encoding/json"
	"net/http"

	"guildstats/internal/domain"
)

// JSON marshals body before touching w so a marshal failure can still become
// a clean 500.
func JSON(w http.ResponseWriter, status int, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
	return nil
}

func JSONError(w http.ResponseWriter, status int, message, details string) {
	_ = JSON(w, status, domain.ErrorResponse{Error: message, Details: details})
}
