package routes

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/uploadd/internal/notify"
	"github.com/driftline/uploadd/internal/session"
	"github.com/driftline/uploadd/internal/storage"
	"github.com/driftline/uploadd/internal/upload"
	"github.com/driftline/uploadd/pkg/config"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	stager, err := storage.NewLocalStager(t.TempDir())
	require.NoError(t, err)
	objects, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)

	cfg := &config.UploadConfig{
		MaxSize:            1 << 20,
		SessionTimeout:     time.Hour,
		TombstoneRetention: time.Hour,
		FinalizeTimeout:    10 * time.Second,
	}
	uploadService := upload.NewService(session.NewMemoryStore(), stager, objects, &notify.NoopNotifier{}, cfg, "uploads/")

	router := gin.New()
	api := router.Group("/api/v1")
	UploadRoutes(api, uploadService, cfg)
	return router
}

func doRequest(router *gin.Engine, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createSession(t *testing.T, router *gin.Engine, length string, metadata string) string {
	t.Helper()

	headers := map[string]string{"Upload-Length": length}
	if metadata != "" {
		headers["Upload-Metadata"] = metadata
	}
	w := doRequest(router, http.MethodPost, "/api/v1/uploads", nil, headers)
	require.Equal(t, http.StatusCreated, w.Code)

	location := w.Header().Get("Location")
	require.NotEmpty(t, location)
	return location
}

func TestCapabilityDiscovery(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(router, http.MethodOptions, "/api/v1/uploads", nil, nil)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "1.0.0", w.Header().Get("Tus-Resumable"))
	assert.Equal(t, "1.0.0", w.Header().Get("Tus-Version"))
	assert.Equal(t, "creation,termination,expiration", w.Header().Get("Tus-Extension"))
	assert.Equal(t, "1048576", w.Header().Get("Tus-Max-Size"))
}

func TestVersionMismatchRejected(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(router, http.MethodPost, "/api/v1/uploads", nil, map[string]string{
		"Tus-Resumable": "0.2.2",
		"Upload-Length": "100",
	})

	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Equal(t, "1.0.0", w.Header().Get("Tus-Version"))
}

func TestCreateSession(t *testing.T) {
	router := newTestRouter(t)

	tests := []struct {
		name     string
		headers  map[string]string
		wantCode int
	}{
		{
			name:     "valid creation",
			headers:  map[string]string{"Upload-Length": "1000"},
			wantCode: http.StatusCreated,
		},
		{
			name:     "with metadata",
			headers:  map[string]string{"Upload-Length": "1000", "Upload-Metadata": "filename dmlkZW8ubXA0"},
			wantCode: http.StatusCreated,
		},
		{
			name:     "missing length",
			headers:  nil,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "non-integer length",
			headers:  map[string]string{"Upload-Length": "lots"},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "zero length",
			headers:  map[string]string{"Upload-Length": "0"},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "above maximum",
			headers:  map[string]string{"Upload-Length": "2097152"},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "malformed metadata",
			headers:  map[string]string{"Upload-Length": "1000", "Upload-Metadata": "filename not!base64"},
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(router, http.MethodPost, "/api/v1/uploads", nil, tt.headers)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "1.0.0", w.Header().Get("Tus-Resumable"))

			if tt.wantCode == http.StatusCreated {
				assert.Contains(t, w.Header().Get("Location"), "/api/v1/uploads/")

				var resp struct {
					Success bool `json:"success"`
				}
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.True(t, resp.Success)
			}
		})
	}
}

func TestHeadStatus(t *testing.T) {
	router := newTestRouter(t)
	location := createSession(t, router, "1000", "filename dmlkZW8ubXA0")

	w := doRequest(router, http.MethodHead, location, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Header().Get("Upload-Offset"))
	assert.Equal(t, "1000", w.Header().Get("Upload-Length"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "filename dmlkZW8ubXA0", w.Header().Get("Upload-Metadata"))

	t.Run("unknown session", func(t *testing.T) {
		w := doRequest(router, http.MethodHead, "/api/v1/uploads/00000000-0000-0000-0000-000000000000", nil, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("malformed id", func(t *testing.T) {
		w := doRequest(router, http.MethodHead, "/api/v1/uploads/not-a-uuid", nil, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestPatchAppend(t *testing.T) {
	router := newTestRouter(t)
	location := createSession(t, router, "1000", "")

	chunkHeaders := func(offset string) map[string]string {
		return map[string]string{
			"Content-Type":  "application/offset+octet-stream",
			"Upload-Offset": offset,
		}
	}

	first := bytes.Repeat([]byte("a"), 400)
	w := doRequest(router, http.MethodPatch, location, bytes.NewReader(first), chunkHeaders("0"))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "400", w.Header().Get("Upload-Offset"))

	t.Run("stale offset gets conflict with authoritative offset", func(t *testing.T) {
		w := doRequest(router, http.MethodPatch, location, strings.NewReader("xx"), chunkHeaders("500"))
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "400", w.Header().Get("Upload-Offset"))
	})

	t.Run("replay is acknowledged", func(t *testing.T) {
		w := doRequest(router, http.MethodPatch, location, bytes.NewReader(first), chunkHeaders("0"))
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "400", w.Header().Get("Upload-Offset"))
	})

	t.Run("wrong content type", func(t *testing.T) {
		w := doRequest(router, http.MethodPatch, location, strings.NewReader("xx"), map[string]string{
			"Content-Type":  "application/json",
			"Upload-Offset": "400",
		})
		assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	})

	t.Run("missing offset header", func(t *testing.T) {
		w := doRequest(router, http.MethodPatch, location, strings.NewReader("xx"), map[string]string{
			"Content-Type": "application/offset+octet-stream",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("chunk past declared length", func(t *testing.T) {
		oversized := bytes.Repeat([]byte("b"), 700)
		w := doRequest(router, http.MethodPatch, location, bytes.NewReader(oversized), chunkHeaders("400"))
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	// Finish the upload and confirm completion is visible via HEAD
	rest := bytes.Repeat([]byte("c"), 600)
	w = doRequest(router, http.MethodPatch, location, bytes.NewReader(rest), chunkHeaders("400"))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "1000", w.Header().Get("Upload-Offset"))

	w = doRequest(router, http.MethodHead, location, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1000", w.Header().Get("Upload-Offset"))

	t.Run("new data after completion is gone", func(t *testing.T) {
		w := doRequest(router, http.MethodPatch, location, strings.NewReader("more"), chunkHeaders("1000"))
		assert.Equal(t, http.StatusGone, w.Code)
	})
}

func TestTerminate(t *testing.T) {
	router := newTestRouter(t)
	location := createSession(t, router, "1000", "")

	w := doRequest(router, http.MethodDelete, location, nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(router, http.MethodHead, location, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	t.Run("unknown session", func(t *testing.T) {
		w := doRequest(router, http.MethodDelete, location, nil, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
