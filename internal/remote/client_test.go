package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestHTTPClient_Upload(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/projects/p1/images", r.URL.Path)
		assert.Equal(t, "image/png", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "pixels", string(body))
		writeJSON(w, http.StatusOK, UploadResponse{ImageID: "abc", ProjectID: "p1", IsPrimary: true, URLs: map[string]string{"thumb": "/x"}})
	}))
	defer ts.Close()

	c := NewHTTPClient(ts.URL + "/")
	resp, err := c.Upload(context.Background(), "p1", "image/png", strings.NewReader("pixels"))
	require.NoError(t, err)
	assert.Equal(t, "abc", resp.ImageID)
	assert.True(t, resp.IsPrimary)
	assert.Equal(t, "/x", resp.URLs["thumb"])
}

func TestHTTPClient_ListAndDelete(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /projects/{pid}/images", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []ImageResponse{
			{ImageID: "a", IsPrimary: true, CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
			{ImageID: "b"},
		})
	})
	mux.HandleFunc("DELETE /projects/{pid}/images/{iid}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("iid") == "a" {
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "project_id": "p1", "deleted_image_id": "a", "new_primary": "b"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "project_id": "p1", "deleted_image_id": "b", "new_primary": nil})
	})
	mux.HandleFunc("PUT /projects/{pid}/primary/{iid}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, PrimaryResponse{OK: true, ProjectID: r.PathValue("pid"), PrimaryImageID: r.PathValue("iid")})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := NewHTTPClient(ts.URL)
	ctx := context.Background()

	images, err := c.List(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.True(t, images[0].IsPrimary)
	assert.Equal(t, 2024, images[0].CreatedAt.Year())

	del, err := c.Delete(ctx, "p1", "a")
	require.NoError(t, err)
	require.NotNil(t, del.NewPrimary)
	assert.Equal(t, "b", *del.NewPrimary)

	del, err = c.Delete(ctx, "p1", "b")
	require.NoError(t, err)
	assert.Nil(t, del.NewPrimary)

	pr, err := c.SetPrimary(ctx, "p1", "c")
	require.NoError(t, err)
	assert.Equal(t, "c", pr.PrimaryImageID)
}

func TestHTTPClient_Images(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /projects/{pid}/thumbnail", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Image-ID", "cover1")
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("thumb-bytes"))
	})
	mux.HandleFunc("GET /projects/{pid}/images/{iid}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte(r.PathValue("iid") + ":" + r.URL.Query().Get("size")))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := NewHTTPClient(ts.URL)
	ctx := context.Background()

	body, id, err := c.Cover(ctx, "p1")
	require.NoError(t, err)
	data, _ := io.ReadAll(body)
	body.Close()
	assert.Equal(t, "cover1", id)
	assert.Equal(t, "thumb-bytes", string(data))

	body, err = c.Rendition(ctx, "p1", "img", "game")
	require.NoError(t, err)
	data, _ = io.ReadAll(body)
	body.Close()
	assert.Equal(t, "img:game", string(data))
}

func TestHTTPClient_ErrorDecoding(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/projects/p1/thumbnail" {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("<html>proxy</html>"))
			return
		}
		w.Header().Set("Retry-After", "4")
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: CodeBusy, Message: "project is busy"})
	}))
	defer ts.Close()

	c := NewHTTPClient(ts.URL)

	_, err := c.List(context.Background(), "p1")
	var re *RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusServiceUnavailable, re.Status)
	assert.Equal(t, CodeBusy, re.Code)
	assert.Equal(t, 4*time.Second, re.RetryAfter)

	_, _, err = c.Cover(context.Background(), "p1")
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "unknown", re.Code)
	assert.Equal(t, http.StatusBadGateway, re.Status)
}

func TestHTTPClient_Ready(t *testing.T) {
	var ready atomic.Bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready: metadata store unavailable"))
			return
		}
		w.Write([]byte("ok"))
	}))
	defer ts.Close()

	c := NewHTTPClient(ts.URL)
	err := c.Ready(context.Background())
	var re *RemoteError
	require.True(t, errors.As(err, &re))
	assert.Contains(t, re.Message, "metadata store")

	ready.Store(true)
	assert.NoError(t, c.Ready(context.Background()))
}

func fastRetry() *RetryConfig {
	return &RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestRetryClient_UploadRewindsOnBusy(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "pixels", string(body), "every attempt sends the whole body")
		if attempts.Add(1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: CodeBusy, Message: "busy"})
			return
		}
		writeJSON(w, http.StatusOK, UploadResponse{ImageID: "abc", ProjectID: "p1"})
	}))
	defer ts.Close()

	rc := NewRetryClient(NewHTTPClient(ts.URL), fastRetry())
	resp, err := rc.Upload(context.Background(), "p1", "image/png", bytes.NewReader([]byte("pixels")))
	require.NoError(t, err)
	assert.Equal(t, "abc", resp.ImageID)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRetryClient_UploadNotRetriedOnServerError(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: CodeInternal, Message: "internal server error"})
	}))
	defer ts.Close()

	rc := NewRetryClient(NewHTTPClient(ts.URL), fastRetry())
	_, err := rc.Upload(context.Background(), "p1", "image/png", bytes.NewReader([]byte("pixels")))
	assert.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestRetryClient_UploadStreamSentOnce(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: CodeBusy, Message: "busy"})
	}))
	defer ts.Close()

	rc := NewRetryClient(NewHTTPClient(ts.URL), fastRetry())
	_, err := rc.Upload(context.Background(), "p1", "image/png", io.MultiReader(strings.NewReader("pixels")))
	assert.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestRetryClient_ListRetriesServerError(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: CodeInternal})
			return
		}
		writeJSON(w, http.StatusOK, []ImageResponse{})
	}))
	defer ts.Close()

	rc := NewRetryClient(NewHTTPClient(ts.URL), fastRetry())
	images, err := rc.List(context.Background(), "p1")
	require.NoError(t, err)
	assert.Empty(t, images)
	assert.Equal(t, int32(2), attempts.Load())
}
