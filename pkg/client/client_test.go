package client

import (
	"context"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("GET /api/v1/capabilities", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"daemons":true,"engine":"jupyter"}`))
	})
	mux.HandleFunc("GET /api/v1/daemons", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(UserHeader) == "" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"authentication_failed"}`))
			return
		}
		_ = json.NewEncoder(w).Encode([]Daemon{{DaemonID: "d1", ChatID: r.URL.Query().Get("chat_id"), UserID: r.Header.Get(UserHeader), Status: "running"}})
	})
	mux.HandleFunc("POST /api/v1/daemons", func(w http.ResponseWriter, r *http.Request) {
		var req StartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"code is empty"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"daemon_id":"d-` + req.ChatID + `"}`))
	})
	mux.HandleFunc("GET /api/v1/daemons/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "d1" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"daemon not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"daemon_id":"d1","status":"completed","max_runtime":3600}`))
	})
	mux.HandleFunc("POST /api/v1/daemons/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(RoleHeader) != "admin" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"not allowed to manage this daemon"}`))
			return
		}
		_, _ = w.Write([]byte(`{"daemon_id":"` + r.PathValue("id") + `","status":"stopped","reason":"user_requested"}`))
	})
	mux.HandleFunc("POST /api/v1/daemons/chat/{chat}/stop", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"count":2}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Operations(t *testing.T) {
	srv := newTestServer(t)
	c := New(Config{BaseURL: srv.URL + "/api/v1", UserID: "alice"})
	ctx := context.Background()

	assert.True(t, c.IsReachable(ctx))

	caps, err := c.Capabilities(ctx)
	require.NoError(t, err)
	assert.Equal(t, Capabilities{Daemons: true, Engine: "jupyter"}, caps)

	list, err := c.List(ctx, "chat 1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "chat 1", list[0].ChatID)
	assert.Equal(t, "alice", list[0].UserID)

	id, err := c.Start(ctx, StartRequest{ChatID: "c1", Code: "print(1)"})
	require.NoError(t, err)
	assert.Equal(t, "d-c1", id)

	d, err := c.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(3600), d.MaxRuntime)

	res, err := c.StopChat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
}

func TestClient_Errors(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	anon := New(Config{BaseURL: srv.URL + "/api/v1"})
	_, err := anon.List(ctx, "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	user := New(Config{BaseURL: srv.URL + "/api/v1", UserID: "alice"})
	_, err = user.Get(ctx, "nope")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "daemon not found", apiErr.Message)

	_, err = user.Stop(ctx, "d1")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)

	_, err = user.Start(ctx, StartRequest{ChatID: "c1"})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	admin := New(Config{BaseURL: srv.URL + "/api/v1", UserID: "root", Role: "admin"})
	res, err := admin.Stop(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "stopped", res.Status)

	down := New(Config{BaseURL: "http://127.0.0.1:1/api/v1"})
	assert.False(t, down.IsReachable(ctx))
	_, err = down.Capabilities(ctx)
	assert.False(t, errors.As(err, &apiErr), "transport errors are not API errors")
}

func TestClient_TLSWithCACert(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"daemons":false,"engine":"pyodide"}`))
	}))
	defer srv.Close()

	ca := filepath.Join(t.TempDir(), "ca.pem")
	block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	require.NoError(t, os.WriteFile(ca, block, 0o600))

	c := New(Config{BaseURL: srv.URL, TLS: &TLSClientConfig{Enabled: true, CACert: ca}})
	caps, err := c.Capabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pyodide", caps.Engine)

	insecure := New(Config{BaseURL: srv.URL, Insecure: true})
	_, err = insecure.Capabilities(context.Background())
	require.NoError(t, err)

	_, err = setupClientTLS(Config{TLS: &TLSClientConfig{Enabled: true, CACert: filepath.Join(t.TempDir(), "missing.pem")}})
	assert.Error(t, err)
}

func TestClient_BearerToken(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"daemons":true,"engine":"jupyter"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Token: "abc.def.ghi"})
	_, err := c.Capabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc.def.ghi", got)
}
