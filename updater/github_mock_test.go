package updater

import (
	"bytes"
	"io"
	"net/http"
	"sync"
)

// MockGitHubTransport serves canned GitHub responses keyed by
// "<METHOD> <path>" and records every request it sees.
type MockGitHubTransport struct {
	mu        sync.Mutex
	requests  []*http.Request
	responses map[string]mockResponse
}

type mockResponse struct {
	status int
	body   string
}

func NewMockGitHubTransport() *MockGitHubTransport {
	return &MockGitHubTransport{responses: make(map[string]mockResponse)}
}

// On registers the response for method and path.
func (m *MockGitHubTransport) On(method, path string, status int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[method+" "+path] = mockResponse{status: status, body: body}
}

// RoundTrip implements http.RoundTripper interface
func (m *MockGitHubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)

	resp, ok := m.responses[req.Method+" "+req.URL.Path]
	if !ok {
		resp = mockResponse{status: http.StatusNotFound, body: `{"message": "Not Found"}`}
	}
	return &http.Response{
		StatusCode: resp.status,
		Status:     http.StatusText(resp.status),
		Body:       io.NopCloser(bytes.NewReader([]byte(resp.body))),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Request:    req,
	}, nil
}

// RequestCount returns how many requests hit path.
func (m *MockGitHubTransport) RequestCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.URL.Path == path {
			n++
		}
	}
	return n
}
