// Package testutil provides shared test helpers.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/banshee-data/lux/internal/lux/wire"
)

// LoopbackAddr is the RemoteAddr given to requests built by NewLocalRequest.
const LoopbackAddr = "127.0.0.1:12345"

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewLocalRequest creates a request that appears to come from loopback, so
// tsweb debug handlers accept it.
func NewLocalRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = LoopbackAddr
	return req
}

// MustMarshal encodes p into a delimited frame or fails the test.
func MustMarshal(t testing.TB, p *wire.Packet) []byte {
	t.Helper()
	b, err := wire.Marshal(p)
	if err != nil {
		t.Fatalf("marshal %v: %v", p, err)
	}
	return b
}
