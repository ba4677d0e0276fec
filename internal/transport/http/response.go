package httptransport

import (
	"encoding/json"
	"net/http"
)

// apiError is the uniform body of every non-2xx response.
type apiError struct {
	Message string `json:"message"`
}

// writeJSON sends v with the given status code. Encode errors are dropped;
// the status line is already on the wire by then.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, apiError{Message: msg})
}
