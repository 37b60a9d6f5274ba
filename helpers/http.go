package helpers

import (
	"bufio"
	"bytes"
	"net/http"
	"sync/atomic"
)

// MockHTTP is http.RoundTripper for tests.
// Fun takes precedence, then Err, then canned Header+Body response.
type MockHTTP struct {
	Fun    func(*http.Request) (*http.Response, error)
	Header []byte
	Body   []byte
	Err    error

	calls int32
}

func (m *MockHTTP) Calls() int { return int(atomic.LoadInt32(&m.calls)) }

func (m *MockHTTP) RoundTrip(req *http.Request) (*http.Response, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.Fun != nil {
		return m.Fun(req)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return MockResponse(req, m.Header, m.Body)
}

// MockResponse parses raw header (default "HTTP/1.0 200 OK") and body into response for req.
func MockResponse(req *http.Request, header, body []byte) (*http.Response, error) {
	if header == nil {
		header = []byte("HTTP/1.0 200 OK\r\n\r\n")
	}
	rb := make([]byte, 0, len(header)+len(body))
	rb = append(rb, header...)
	rb = append(rb, body...)
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(rb)), req)
}
