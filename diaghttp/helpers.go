package diaghttp

import (
	"encoding/json"
	"mime"
	"net/http"
	"strings"
)

// RequestExplicitlyAccepts returns true if the request's Accept header
// includes any of the given media types.
func RequestExplicitlyAccepts(r *http.Request, acceptable ...string) bool {
	have := parseHeaderMediaTypes(r, "accept")
	for _, want := range acceptable {
		if _, ok := have[want]; ok {
			return true
		}
	}
	return false
}

func parseHeaderMediaTypes(r *http.Request, header string) map[string]map[string]string {
	mediaTypes := map[string]map[string]string{} // type: params
	for _, val := range strings.Split(r.Header.Get(header), ",") {
		mediaType, params, err := mime.ParseMediaType(val)
		if err != nil {
			continue
		}
		mediaTypes[mediaType] = params
	}
	return mediaTypes
}

func respondJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	enc.Encode(data)
}

func respondError(w http.ResponseWriter, err error, code int) {
	respondJSON(w, code, map[string]any{
		"error":       err.Error(),
		"status_code": code,
		"status_text": http.StatusText(code),
	})
}
