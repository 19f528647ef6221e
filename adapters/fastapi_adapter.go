package adapters

import (
	"net/http"
	"strings"

	restbridge "github.com/opengovern/restbridge"
	"github.com/opengovern/restbridge/internal"
)

// FastAPIAdapter targets FastAPI backends using fastapi-pagination
// (items/total/page/size/pages) and pydantic validation errors.
type FastAPIAdapter struct {
	URL string
}

func NewFastAPIAdapter(baseURL string) *FastAPIAdapter {
	return &FastAPIAdapter{URL: baseURL}
}

func (f *FastAPIAdapter) Name() string    { return "fastapi" }
func (f *FastAPIAdapter) BaseURL() string { return f.URL }

func (f *FastAPIAdapter) TransformResponse(raw any, status int) (*restbridge.RawEnvelope, error) {
	return NormalizeResponse(raw, status)
}

// TransformError flattens {"detail": [{"loc": [...], "msg": "..."}]} into
// field → messages. Every other body gets the default classification.
func (f *FastAPIAdapter) TransformError(raw *restbridge.RawError) *restbridge.APIError {
	if raw == nil || (raw.Status != http.StatusUnprocessableEntity && raw.Status != http.StatusBadRequest) {
		return restbridge.DefaultTransformError(raw)
	}
	m, ok := raw.Body.(map[string]any)
	if !ok {
		return restbridge.DefaultTransformError(raw)
	}
	detail, ok := m["detail"].([]any)
	if !ok {
		return restbridge.DefaultTransformError(raw)
	}

	fields := map[string]any{}
	headline := ""
	for _, item := range detail {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		msg, _ := entry["msg"].(string)
		if msg == "" {
			continue
		}
		field := locToField(entry["loc"])
		existing, _ := fields[field].([]any)
		fields[field] = append(existing, msg)
		if headline == "" {
			headline = msg
		}
	}
	apiErr := restbridge.ValidationError(raw.Status, fields)
	if headline != "" {
		apiErr.Message = headline
	}
	return apiErr
}

// locToField joins a pydantic loc path, dropping the request-part prefix.
func locToField(loc any) string {
	parts, ok := loc.([]any)
	if !ok || len(parts) == 0 {
		return "non_field_errors"
	}
	switch parts[0] {
	case "body", "query", "path", "header", "cookie":
		parts = parts[1:]
	}
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		if s, ok := internal.String(p); ok {
			names = append(names, s)
		}
	}
	if len(names) == 0 {
		return "non_field_errors"
	}
	return strings.Join(names, ".")
}
