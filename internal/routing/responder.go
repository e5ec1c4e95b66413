package routing

import (
	"encoding/json"
	"net/http"
	"strings"
	"unicode"
)

type ErrorEnvelope struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	TraceID string            `json:"trace_id"`
	Meta    ErrorEnvelopeMeta `json:"meta"`
}

type ErrorEnvelopeMeta struct {
	Path   string `json:"path"`
	Method string `json:"method"`
}

func WriteError(w http.ResponseWriter, r *http.Request, rc RouteClass, status int, code string, message string) {
	message = normalizeErrorMessage(code, message)

	if isJSONOnly(rc) || wantsJSON(r) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(ErrorEnvelope{
			Code:    code,
			Message: message,
			TraceID: traceIDFromRequest(r),
			Meta: ErrorEnvelopeMeta{
				Path:   r.URL.Path,
				Method: r.Method,
			},
		})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte("<!doctype html><html><body>"))
	_, _ = w.Write([]byte(message))
	_, _ = w.Write([]byte("</body></html>"))
}

func wantsJSON(r *http.Request) bool {
	return r.Header.Get("Accept") == "application/json" || r.Header.Get("Accept") == "application/json; charset=utf-8"
}

func isJSONOnly(rc RouteClass) bool {
	return rc == RouteClassInternalAPI || rc == RouteClassPublicAPI
}

// normalizeErrorMessage keeps a handler's explicit message and replaces a
// generic one (empty, the code echoed back, a bare "x failed") with either
// the cataloged text for the code or a humanized rendering of the code.
func normalizeErrorMessage(code string, message string) string {
	if !isGenericErrorMessage(code, message) {
		return message
	}
	if known := knownErrorMessage(code); known != "" {
		return known
	}
	return humanizeErrorCode(code)
}

func isGenericErrorMessage(code string, message string) bool {
	message = strings.TrimSpace(message)
	if message == "" {
		return true
	}
	if strings.EqualFold(message, strings.TrimSpace(code)) {
		return true
	}
	if !strings.Contains(message, " ") && (strings.HasSuffix(message, "_failed") || strings.HasSuffix(message, "_error")) {
		return true
	}
	words := strings.Fields(message)
	if len(words) <= 3 {
		last := strings.ToLower(strings.Trim(words[len(words)-1], "."))
		if last == "failed" || last == "error" {
			return true
		}
	}
	return false
}

// knownErrorMessage is the catalog of caller-facing texts for the codes this
// service emits. Unknown codes fall through to humanizeErrorCode.
func knownErrorMessage(code string) string {
	switch code {
	case "unauthorized":
		return "Sign-in is required or the session has expired."
	case "forbidden":
		return "You do not have permission to perform this action."
	case "invalid_request":
		return "The request is invalid. Check the parameters and retry."
	case "not_found":
		return "The requested resource does not exist."
	case "entity_not_configured":
		return "The entity configuration is incomplete. Contact an administrator."
	case "engine_unavailable":
		return "The workflow engine did not respond. Retry later."
	default:
		return ""
	}
}

func humanizeErrorCode(code string) string {
	normalized := strings.NewReplacer("-", "_").Replace(strings.TrimSpace(code))
	var words []string
	for _, w := range strings.Split(normalized, "_") {
		if w != "" {
			words = append(words, w)
		}
	}
	if len(words) == 0 {
		return "Request failed."
	}
	if len(words) == 1 {
		switch strings.ToLower(words[0]) {
		case "failed":
			return "Request failed."
		case "error":
			return "Request error."
		}
	}
	return titleCaseWords(words) + "."
}

var acronymWords = map[string]bool{
	"api":  true,
	"db":   true,
	"iam":  true,
	"id":   true,
	"sql":  true,
	"uuid": true,
}

func titleCaseWords(words []string) string {
	out := make([]string, 0, len(words))
	for i, w := range words {
		switch {
		case acronymWords[strings.ToLower(w)]:
			out = append(out, strings.ToUpper(w))
		case i == 0:
			out = append(out, capitalizeWord(w))
		default:
			out = append(out, w)
		}
	}
	return strings.Join(out, " ")
}

func capitalizeWord(w string) string {
	if w == "" {
		return ""
	}
	runes := []rune(w)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

func traceIDFromRequest(r *http.Request) string {
	traceparent := strings.TrimSpace(r.Header.Get("traceparent"))
	if traceparent == "" {
		return ""
	}
	parts := strings.Split(traceparent, "-")
	if len(parts) != 4 {
		return ""
	}
	traceID := strings.ToLower(parts[1])
	if len(traceID) != 32 || traceID == "00000000000000000000000000000000" {
		return ""
	}
	for _, ch := range traceID {
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') {
			return ""
		}
	}
	return traceID
}
