package restbridge

// Adapter describes one backend convention. Only Name and BaseURL are required;
// the optional capabilities below are discovered with type assertions and any
// capability an adapter does not implement falls back to the package defaults.
type Adapter interface {
	Name() string
	BaseURL() string
}

// RequestTransformer rewrites an outgoing body before it is serialized.
type RequestTransformer interface {
	TransformRequest(body any) (any, error)
}

// ResponseTransformer converts a decoded 2xx body into the uniform envelope.
// raw is the result of decoding the response: a JSON tree (map[string]any,
// []any, ...), a string for non-JSON bodies, or nil for an empty body.
type ResponseTransformer interface {
	TransformResponse(raw any, status int) (*RawEnvelope, error)
}

// ErrorTransformer classifies a failed call into an *APIError.
type ErrorTransformer interface {
	TransformError(raw *RawError) *APIError
}

// AuthHeaderProvider builds the authentication headers for a token pair.
type AuthHeaderProvider interface {
	AuthHeaders(tokens *Tokens) map[string]string
}

// resolvedAdapter is an adapter with every capability filled in.
type resolvedAdapter struct {
	name    string
	baseURL string

	transformRequest  func(body any) (any, error)
	transformResponse func(raw any, status int) (*RawEnvelope, error)
	transformError    func(raw *RawError) *APIError
	authHeaders       func(tokens *Tokens) map[string]string
}

// withDefaults decorates an adapter so the client never has to nil-check a
// capability.
func withDefaults(a Adapter) *resolvedAdapter {
	r := &resolvedAdapter{
		name:              a.Name(),
		baseURL:           a.BaseURL(),
		transformRequest:  IdentityTransformRequest,
		transformResponse: DefaultTransformResponse,
		transformError:    DefaultTransformError,
		authHeaders:       BearerAuthHeaders,
	}
	if t, ok := a.(RequestTransformer); ok {
		r.transformRequest = t.TransformRequest
	}
	if t, ok := a.(ResponseTransformer); ok {
		r.transformResponse = t.TransformResponse
	}
	if t, ok := a.(ErrorTransformer); ok {
		r.transformError = t.TransformError
	}
	if p, ok := a.(AuthHeaderProvider); ok {
		r.authHeaders = p.AuthHeaders
	}
	return r
}

// IdentityTransformRequest returns the body unchanged.
func IdentityTransformRequest(body any) (any, error) {
	return body, nil
}

// BearerAuthHeaders returns an Authorization header carrying the access token,
// or an empty map when there is no access token.
func BearerAuthHeaders(tokens *Tokens) map[string]string {
	if tokens == nil || tokens.Access == "" {
		return map[string]string{}
	}
	return map[string]string{"Authorization": "Bearer " + tokens.Access}
}

// StaticAdapter is the minimal Adapter: a name and a base URL, every transform
// left to the defaults.
type StaticAdapter struct {
	AdapterName string
	URL         string
}

func (s StaticAdapter) Name() string    { return s.AdapterName }
func (s StaticAdapter) BaseURL() string { return s.URL }
