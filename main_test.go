package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/getlantern/upcoord/config"
	"github.com/getlantern/upcoord/model"
	"github.com/getlantern/upcoord/service/serviceimpl"
	"github.com/getlantern/upcoord/web"
)

func memoryConfig(t *testing.T, publicURL string) *config.Config {
	cfg, err := config.FromLookup(func(name string) string {
		return map[string]string{
			"STORE_BACKEND":     "memory",
			"STORE_BUCKET":      "uploads",
			"SESSION_STORE_URL": "memory",
			"PUBLIC_URL":        publicURL,
		}[name]
	})
	require.NoError(t, err)
	return cfg
}

func TestMemoryBackendsEndToEnd(t *testing.T) {
	// the server's address is needed before the stores exist, so route through a swappable handler
	var handler http.Handler
	server := httptest.NewServer(http.HandlerFunc(func(resp http.ResponseWriter, req *http.Request) {
		handler.ServeHTTP(resp, req)
	}))
	defer server.Close()

	ctx := context.Background()
	cfg := memoryConfig(t, server.URL)
	objects, objectsHandler, err := newObjectStore(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, objectsHandler)
	sessions, err := newSessionStore(cfg)
	require.NoError(t, err)
	defer sessions.Close()

	srvc, err := serviceimpl.New(&serviceimpl.Opts{
		Bucket:       cfg.StoreBucket,
		ObjectStore:  objects,
		SessionStore: sessions,
	})
	require.NoError(t, err)
	handler = routes(web.NewHandler(srvc, cfg.WebTimeout), objectsHandler)

	result, err := srvc.Plan(ctx, &model.PlanRequest{Path: "docs", Filename: "a.txt", PartCount: 2})
	require.NoError(t, err)
	for _, part := range result.UploadURLs {
		require.True(t, strings.HasPrefix(part.UploadURL, server.URL+objectsPath+"/uploads/"), part.UploadURL)
		req, err := http.NewRequest(http.MethodPut, part.UploadURL, strings.NewReader("hello"))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	completed, err := srvc.Complete(ctx, &model.CompleteRequest{SessionKey: result.FolderID, UploadID: result.UploadID})
	require.NoError(t, err)
	require.Equal(t, 2, completed.Parts)

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewObjectStoreBackends(t *testing.T) {
	ctx := context.Background()

	cfg := &config.Config{StoreBackend: config.BackendMinio, StoreEndpoint: "http://localhost:9000", StoreAccessKey: "a", StoreSecretKey: "b", StoreRegion: "us-east-1"}
	s, h, err := newObjectStore(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Nil(t, h)

	cfg = &config.Config{StoreBackend: config.BackendS3, StoreAccessKey: "a", StoreSecretKey: "b", StoreRegion: "eu-west-1"}
	s, h, err = newObjectStore(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Nil(t, h)

	_, _, err = newObjectStore(ctx, &config.Config{StoreBackend: "gcs"})
	require.Error(t, err)
}

func TestRoutesWithoutObjectsHandler(t *testing.T) {
	api := http.NewServeMux()
	require.Equal(t, api, routes(api, nil))
}
