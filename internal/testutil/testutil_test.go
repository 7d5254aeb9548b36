package testutil

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lux/internal/lux/wire"
)

func TestAssertStatusCode(t *testing.T) {
	t.Parallel()

	AssertStatusCode(t, http.StatusOK, http.StatusOK)
}

func TestAssertStatusCode_FailurePath(t *testing.T) {
	t.Parallel()

	ok := t.Run("status mismatch", func(t *testing.T) {
		AssertStatusCode(t, http.StatusOK, http.StatusBadRequest)
	})
	if ok {
		t.Fatal("expected subtest to fail on mismatched status code")
	}
}

func TestNewLocalRequest(t *testing.T) {
	t.Parallel()

	req := NewLocalRequest(http.MethodPost, "/debug/lux-refresh", strings.NewReader("x"))
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, LoopbackAddr, req.RemoteAddr)
	assert.Equal(t, "/debug/lux-refresh", req.URL.Path)
}

func TestMustMarshal(t *testing.T) {
	t.Parallel()

	b := MustMarshal(t, &wire.Packet{Destination: 1, Command: wire.CmdGetID})
	require.NotEmpty(t, b)
	assert.Equal(t, byte(wire.Delimiter), b[len(b)-1])

	p, err := wire.Unmarshal(b[:len(b)-1])
	require.NoError(t, err)
	assert.Equal(t, wire.CmdGetID, p.Command)
}
