package adapters

import (
	restbridge "github.com/opengovern/restbridge"
)

// DRFAdapter targets Django REST Framework backends: snake_case payloads,
// PageNumberPagination bodies and field → []message validation errors.
type DRFAdapter struct {
	URL string

	// KeepKeys disables the camelCase → snake_case request rewrite.
	KeepKeys bool
}

func NewDRFAdapter(baseURL string) *DRFAdapter {
	return &DRFAdapter{URL: baseURL}
}

func (d *DRFAdapter) Name() string    { return "drf" }
func (d *DRFAdapter) BaseURL() string { return d.URL }

func (d *DRFAdapter) TransformRequest(body any) (any, error) {
	if d.KeepKeys {
		return body, nil
	}
	return ToSnakeKeys(body)
}

func (d *DRFAdapter) TransformResponse(raw any, status int) (*restbridge.RawEnvelope, error) {
	return NormalizeResponse(raw, status)
}

// TransformError keeps the default classification and surfaces DRF's
// machine-readable error code (e.g. "token_not_valid") when present.
func (d *DRFAdapter) TransformError(raw *restbridge.RawError) *restbridge.APIError {
	apiErr := restbridge.DefaultTransformError(raw)
	if raw == nil {
		return apiErr
	}
	if m, ok := raw.Body.(map[string]any); ok {
		if code, ok := m["code"].(string); ok && code != "" {
			apiErr.WithDetail("serverCode", code)
		}
	}
	return apiErr
}
