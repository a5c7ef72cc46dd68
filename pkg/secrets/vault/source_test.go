package vault

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suhlabs/kvshare/pkg/errors"
	"github.com/suhlabs/kvshare/pkg/secrets/status"
)

func fakeVault(t *testing.T, key []byte) *httptest.Server {
	t.Helper()
	// 17 bytes hex-encoded is not valid base64, so auto detection is
	// unambiguous in these fixtures
	hexKey := []byte("seventeen bytes!!")

	mux := http.NewServeMux()
	respond := func(w http.ResponseWriter, body interface{}) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(body))
	}
	mux.HandleFunc("/v1/secret/data/kvshare", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "unit-test-token", r.Header.Get("X-Vault-Token"))
		respond(w, map[string]interface{}{
			"data": map[string]interface{}{
				"data": map[string]interface{}{
					"key": base64.StdEncoding.EncodeToString(key),
				},
			},
		})
	})
	mux.HandleFunc("/v1/kv/kvshare", func(w http.ResponseWriter, r *http.Request) {
		respond(w, map[string]interface{}{
			"data": map[string]interface{}{
				"key": hex.EncodeToString(hexKey),
			},
		})
	})
	mux.HandleFunc("/v1/kv/garbled", func(w http.ResponseWriter, r *http.Request) {
		respond(w, map[string]interface{}{
			"data": map[string]interface{}{
				"key": "!!! neither base64 nor hex !!!",
			},
		})
	})
	mux.HandleFunc("/v1/kv/otherfields", func(w http.ResponseWriter, r *http.Request) {
		respond(w, map[string]interface{}{
			"data": map[string]interface{}{
				"password": "hunter2",
			},
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errors":[]}`))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func testSource(t *testing.T, server *httptest.Server, mutate ...func(*Config)) *vaultSource {
	t.Helper()
	cfg := Config{
		Address: server.URL,
		Token:   "unit-test-token",
	}
	for _, m := range mutate {
		m(&cfg)
	}
	src, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, src.Close())
	})
	return src.(*vaultSource)
}

func TestVaultKVv2(t *testing.T) {
	key := []byte("a thirty-two byte integrity key!")
	src := testSource(t, fakeVault(t, key))
	assert.Equal(t, "vault", src.String())

	got, err := src.GetIntegrityKey(context.Background(), "secret/data/kvshare")
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestVaultKVv1Hex(t *testing.T) {
	src := testSource(t, fakeVault(t, []byte("unused")))

	got, err := src.GetIntegrityKey(context.Background(), "kv/kvshare")
	require.NoError(t, err)
	assert.Equal(t, []byte("seventeen bytes!!"), got)
}

func TestVaultPinnedEncoding(t *testing.T) {
	server := fakeVault(t, []byte("a thirty-two byte integrity key!"))

	hexPinned := testSource(t, server, func(cfg *Config) { cfg.Encoding = "hex" })
	got, err := hexPinned.GetIntegrityKey(context.Background(), "kv/kvshare")
	require.NoError(t, err)
	assert.Equal(t, []byte("seventeen bytes!!"), got)

	// a hex value does not satisfy a pinned base64 decoding
	b64Pinned := testSource(t, server, func(cfg *Config) { cfg.Encoding = "base64" })
	_, err = b64Pinned.GetIntegrityKey(context.Background(), "kv/garbled")
	assert.True(t, errors.Is(err, status.ErrMalformed))

	_, err = New(Config{Address: server.URL, Encoding: "rot13"})
	require.Error(t, err)
}

func TestVaultErrors(t *testing.T) {
	src := testSource(t, fakeVault(t, []byte("unused")))
	ctx := context.Background()

	_, err := src.GetIntegrityKey(ctx, "secret/data/absent")
	assert.True(t, errors.Is(err, status.ErrNotFound))

	_, err = src.GetIntegrityKey(ctx, "kv/garbled")
	assert.True(t, errors.Is(err, status.ErrMalformed))

	_, err = src.GetIntegrityKey(ctx, "kv/otherfields")
	assert.True(t, errors.Is(err, status.ErrNotFound))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = src.GetIntegrityKey(cancelled, "secret/data/kvshare")
	assert.Error(t, err)
}
