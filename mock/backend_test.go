package mock

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, b *Backend) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, method, url string, body any, header http.Header) (*http.Response, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func seedN(b *Backend, n int) {
	items := make([]map[string]any, n)
	for i := range items {
		items[i] = map[string]any{"name": "item"}
	}
	b.Seed("things", items...)
}

func TestDRFListShape(t *testing.T) {
	b := New(StyleDRF)
	seedN(b, 45)
	srv := serve(t, b)

	_, body := call(t, http.MethodGet, srv.URL+"/things?page=2", nil, nil)
	assert.EqualValues(t, 45, body["count"])
	assert.EqualValues(t, 20, body["page_size"])
	assert.Len(t, body["results"], 20)
	links := body["links"].(map[string]any)
	assert.Contains(t, links["next"], "page=3")
	assert.NotContains(t, links["previous"], "page=")

	_, body = call(t, http.MethodGet, srv.URL+"/things?page=3", nil, nil)
	assert.Len(t, body["results"], 5)
	links = body["links"].(map[string]any)
	assert.Nil(t, links["next"])
	assert.Contains(t, links["previous"], "page=2")
}

func TestFastAPIAndEnvelopeShapes(t *testing.T) {
	fast := New(StyleFastAPI)
	seedN(fast, 3)
	_, body := call(t, http.MethodGet, serve(t, fast).URL+"/things?size=2", nil, nil)
	assert.EqualValues(t, 3, body["total"])
	assert.EqualValues(t, 2, body["pages"])
	assert.EqualValues(t, 2, body["size"])

	env := New(StyleEnvelope)
	seedN(env, 3)
	_, body = call(t, http.MethodGet, serve(t, env).URL+"/things?limit=2&page=2", nil, nil)
	assert.Equal(t, true, body["success"])
	p := body["pagination"].(map[string]any)
	assert.Equal(t, true, p["hasPrev"])
	assert.Equal(t, false, p["hasNext"])
	assert.Len(t, body["data"], 1)
}

func TestSearchFilterSort(t *testing.T) {
	b := New(StyleFastAPI)
	b.Seed("things",
		map[string]any{"name": "Apple", "kind": "fruit", "rank": 3},
		map[string]any{"name": "Carrot", "kind": "veg", "rank": 1},
		map[string]any{"name": "Banana", "kind": "fruit", "rank": 2},
	)
	srv := serve(t, b)

	_, body := call(t, http.MethodGet, srv.URL+"/things?kind=fruit&sort=rank&order=desc", nil, nil)
	items := body["items"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, "Apple", items[0].(map[string]any)["name"])

	_, body = call(t, http.MethodGet, srv.URL+"/things?search=carr", nil, nil)
	assert.Len(t, body["items"], 1)
}

func TestCrudAndValidation(t *testing.T) {
	b := New(StyleDRF)
	b.Require("things", "name")
	srv := serve(t, b)

	resp, body := call(t, http.MethodPost, srv.URL+"/things", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, []any{"This field is required."}, body["name"])

	resp, body = call(t, http.MethodPost, srv.URL+"/things", map[string]any{"name": "a"}, nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.EqualValues(t, 1, body["id"])

	resp, _ = call(t, http.MethodPatch, srv.URL+"/things/1", map[string]any{"name": "b", "id": 9}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "b", b.Items("things")[0]["name"])
	assert.EqualValues(t, 1, b.Items("things")[0]["id"])

	resp, _ = call(t, http.MethodDelete, srv.URL+"/things/1", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = call(t, http.MethodGet, srv.URL+"/things/1", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFastAPIValidationDetail(t *testing.T) {
	b := New(StyleFastAPI)
	b.Require("things", "name", "price")
	resp, body := call(t, http.MethodPost, serve(t, b).URL+"/things", map[string]any{}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	detail := body["detail"].([]any)
	require.Len(t, detail, 2)
	assert.Equal(t, []any{"body", "name"}, detail[0].(map[string]any)["loc"])
}

func TestRateLimit(t *testing.T) {
	b := New(StyleBare)
	b.SetRateLimitDefaults(2, 60)
	b.RequestsUntilRateLimit = 2
	srv := serve(t, b)

	resp, _ := call(t, http.MethodGet, srv.URL+"/things", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", resp.Header.Get("X-RateLimit-Remaining"))

	call(t, http.MethodGet, srv.URL+"/things", nil, nil)
	resp, _ = call(t, http.MethodGet, srv.URL+"/things", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
}

func TestFailNextAndRecording(t *testing.T) {
	b := New(StyleBare)
	b.FailNext(http.MethodGet, "/things", http.StatusServiceUnavailable, nil)
	srv := serve(t, b)

	resp, _ := call(t, http.MethodGet, srv.URL+"/things", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp, _ = call(t, http.MethodGet, srv.URL+"/things?x=1", nil, http.Header{"X-Test": {"yes"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	reqs := b.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "1", reqs[1].Query.Get("x"))
	assert.Equal(t, "yes", reqs[1].Header.Get("X-Test"))
}

func TestAuthFlow(t *testing.T) {
	b := New(StyleDRF, WithAuthRequired())
	b.AddUser("a@b.com", "x", map[string]any{"first_name": "A"})
	srv := serve(t, b)

	resp, _ := call(t, http.MethodGet, srv.URL+"/things", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := call(t, http.MethodPost, srv.URL+"/auth/login/", map[string]any{"email": "a@b.com", "password": "x"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tokens := body["tokens"].(map[string]any)
	access := tokens["access"].(string)
	assert.Equal(t, 3, strings.Count(access, ".")+1)

	bearer := http.Header{"Authorization": {"Bearer " + access}}
	resp, _ = call(t, http.MethodGet, srv.URL+"/things", nil, bearer)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = call(t, http.MethodGet, srv.URL+"/auth/profile/", nil, bearer)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "a@b.com", body["email"])

	resp, body = call(t, http.MethodPost, srv.URL+"/auth/token/refresh/", map[string]any{"refresh": tokens["refresh"]}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["access"])

	resp, _ = call(t, http.MethodPost, srv.URL+"/auth/login/", map[string]any{"email": "a@b.com", "password": "bad"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
