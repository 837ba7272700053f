package dispatch

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"sync"
)

// MockTransport is an http.RoundTripper for tests.
//
// Responses are chosen in this order:
//  1. queued outcomes (Enqueue, EnqueueError), consumed FIFO
//  2. matching stubs (StubPath, StubFunc, StubFuncError), first match wins
//  3. the default response or error (StubResponse, StubError)
//
// Example - fail three times, then succeed:
//
//	mock := dispatch.NewMockTransport().
//	    EnqueueError(io.ErrUnexpectedEOF).
//	    Enqueue(http.StatusServiceUnavailable, "").
//	    Enqueue(http.StatusBadGateway, "").
//	    StubResponse(http.StatusOK, `{"status":1}`)
//
//	d := dispatch.New(dispatch.WithMockTransport(mock))
type MockTransport struct {
	mu          sync.Mutex
	queue       []stub
	stubs       []stub
	defaultResp *http.Response
	defaultErr  error
	requests    []*http.Request
	bodies      [][]byte
	requestHook func(*http.Request)
}

type stub struct {
	matcher  func(*http.Request) bool
	response *http.Response
	err      error
}

// NewMockTransport creates an empty mock. With nothing stubbed every
// request fails.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

func newStubResponse(statusCode int, body string) *http.Response {
	return &http.Response{
		StatusCode:    statusCode,
		Status:        http.StatusText(statusCode),
		Body:          io.NopCloser(bytes.NewBufferString(body)),
		Header:        make(http.Header),
		ContentLength: int64(len(body)),
	}
}

// StubResponse sets the default response.
func (m *MockTransport) StubResponse(statusCode int, body string) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultResp = newStubResponse(statusCode, body)
	m.defaultErr = nil
	return m
}

// StubError sets the default error.
func (m *MockTransport) StubError(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultErr = err
	return m
}

// StubPath stubs a response for an exact URL path.
func (m *MockTransport) StubPath(path string, statusCode int, body string) *MockTransport {
	return m.StubFunc(func(req *http.Request) bool {
		return req.URL.Path == path
	}, statusCode, body)
}

// StubFunc stubs a response for requests accepted by matcher.
func (m *MockTransport) StubFunc(
	matcher func(*http.Request) bool,
	statusCode int,
	body string,
) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = append(m.stubs, stub{
		matcher:  matcher,
		response: newStubResponse(statusCode, body),
	})
	return m
}

// StubFuncError stubs an error for requests accepted by matcher.
func (m *MockTransport) StubFuncError(matcher func(*http.Request) bool, err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = append(m.stubs, stub{matcher: matcher, err: err})
	return m
}

// Enqueue adds a one-shot response consumed by the next request.
func (m *MockTransport) Enqueue(statusCode int, body string) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, stub{response: newStubResponse(statusCode, body)})
	return m
}

// EnqueueError adds a one-shot error consumed by the next request.
func (m *MockTransport) EnqueueError(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, stub{err: err})
	return m
}

// OnRequest sets a hook called for every request before a response is
// chosen. The hook may block, which keeps the calling worker busy.
func (m *MockTransport) OnRequest(fn func(*http.Request)) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestHook = fn
	return m
}

// RoundTrip implements http.RoundTripper.
func (m *MockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
		req.Body.Close()
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.bodies = append(m.bodies, body)
	hook := m.requestHook
	m.mu.Unlock()

	if hook != nil {
		hook(req)
	}

	if err := req.Context().Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		if next.err != nil {
			return nil, next.err
		}
		return cloneResponse(next.response, req), nil
	}

	for _, s := range m.stubs {
		if s.matcher(req) {
			if s.err != nil {
				return nil, s.err
			}
			return cloneResponse(s.response, req), nil
		}
	}

	if m.defaultErr != nil {
		return nil, m.defaultErr
	}
	if m.defaultResp != nil {
		return cloneResponse(m.defaultResp, req), nil
	}

	return nil, errors.New("no stub found for request: " + req.Method + " " + req.URL.String())
}

// Requests returns every request seen so far.
func (m *MockTransport) Requests() []*http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*http.Request{}, m.requests...)
}

// Bodies returns the request bodies in arrival order.
func (m *MockTransport) Bodies() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte{}, m.bodies...)
}

// RequestCount returns the number of requests seen.
func (m *MockTransport) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// LastRequest returns the most recent request, or nil.
func (m *MockTransport) LastRequest() *http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

// Reset clears stubs, queued outcomes and recorded requests.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = nil
	m.stubs = nil
	m.requests = nil
	m.bodies = nil
	m.defaultResp = nil
	m.defaultErr = nil
	m.requestHook = nil
}

// cloneResponse copies a stubbed response so it can be served repeatedly.
func cloneResponse(resp *http.Response, req *http.Request) *http.Response {
	var bodyBytes []byte
	if resp.Body != nil {
		bodyBytes, _ = io.ReadAll(resp.Body)
		resp.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	}

	return &http.Response{
		Status:        resp.Status,
		StatusCode:    resp.StatusCode,
		Header:        resp.Header.Clone(),
		Body:          io.NopCloser(bytes.NewBuffer(bodyBytes)),
		ContentLength: resp.ContentLength,
		Request:       req,
	}
}

// WithMockTransport makes every worker send through mock.
func WithMockTransport(mock *MockTransport) Option {
	return func(cfg *internalConfig) {
		cfg.mockTransport = mock
	}
}
