package compliance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPRegistryListed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/lookup", r.URL.Path)
		switch r.URL.Query().Get("number") {
		case "+13125550100":
			w.Write([]byte(`{"listed":true}`))
		case "+13125550101":
			w.Write([]byte(`{"listed":false}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	reg := NewHTTPRegistry(srv.URL)

	listed, err := reg.Listed(context.Background(), "+13125550100")
	require.NoError(t, err)
	assert.True(t, listed)

	listed, err = reg.Listed(context.Background(), "+13125550101")
	require.NoError(t, err)
	assert.False(t, listed)

	_, err = reg.Listed(context.Background(), "garbage")
	assert.Error(t, err)
}

func TestNopRegistry(t *testing.T) {
	listed, err := NopRegistry{}.Listed(context.Background(), "+13125550100")
	require.NoError(t, err)
	assert.False(t, listed)
}
