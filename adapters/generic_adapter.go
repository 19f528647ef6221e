package adapters

import (
	restbridge "github.com/opengovern/restbridge"
)

// GenericAdapter speaks to backends that either envelope their responses
// already or return bare JSON. Paginated DRF and items/total bodies are
// still recognised. Errors use the default classification.
type GenericAdapter struct {
	URL string
}

func NewGenericAdapter(baseURL string) *GenericAdapter {
	return &GenericAdapter{URL: baseURL}
}

func (g *GenericAdapter) Name() string    { return "generic" }
func (g *GenericAdapter) BaseURL() string { return g.URL }

func (g *GenericAdapter) TransformResponse(raw any, status int) (*restbridge.RawEnvelope, error) {
	return NormalizeResponse(raw, status)
}
