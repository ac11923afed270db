// Copyright 2025 the hifive-sync-server authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type staticAuth struct {
	id  string
	err error
}

func (a staticAuth) GetStorageID(*http.Request) (string, error) { return a.id, a.err }

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	w := httptest.NewRecorder()
	handler(w, r)
	return w
}

func TestHandleUpload(t *testing.T) {
	f := newTestFixture(t, nil)
	f.freezeClock(1000)
	h := NewHTTPSyncHandlers(f.sync, staticAuth{id: "dev1"}, slog.Default())

	w := postJSON(t, h.HandleUpload, "/sync/upload",
		uploadReq("spoofed-id", 1, createItem("a", "a-key", 1)))
	require.Equal(t, http.StatusOK, w.Code)

	var resp UploadResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, int64(1000), resp.NewWatermark)
	require.Len(t, resp.Items, 1)

	// The authenticated identity wins over the body's storage id.
	_, err := f.clients.Get(context.Background(), "dev1")
	require.NoError(t, err)
	_, err = f.clients.Get(context.Background(), "spoofed-id")
	require.ErrorIs(t, err, ErrClientNotFound)
}

func TestHandleUploadAuthFailure(t *testing.T) {
	f := newTestFixture(t, nil)
	h := NewHTTPSyncHandlers(f.sync, staticAuth{err: errors.New("bad token")}, slog.Default())

	w := postJSON(t, h.HandleUpload, "/sync/upload", uploadReq("dev1", 1))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, "authentication_failed", resp.Error)
}

func TestHandleUploadMalformedBody(t *testing.T) {
	f := newTestFixture(t, nil)
	h := NewHTTPSyncHandlers(f.sync, staticAuth{id: "dev1"}, slog.Default())

	r := httptest.NewRequest(http.MethodPost, "/sync/upload", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	h.HandleUpload(w, r)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, "invalid_request", resp.Error)
}

func TestHandleUploadErrorMapping(t *testing.T) {
	f := newTestFixture(t, nil)
	h := NewHTTPSyncHandlers(f.sync, staticAuth{id: "dev1"}, slog.Default())

	tests := []struct {
		name       string
		req        *UploadRequest
		wantStatus int
		wantError  string
	}{
		{
			name:       "bad payload",
			req:        uploadReq("dev1", 0, createItem("a", "a-key", 1)),
			wantStatus: http.StatusBadRequest,
			wantError:  ReasonBadPayload,
		},
		{
			name: "unknown action",
			req: uploadReq("dev1", 1, BatchItem{
				ResourceName: "todo", ResourceItemID: "a", Action: "FROB", Payload: pl("a-key", 1),
			}),
			wantStatus: http.StatusBadRequest,
			wantError:  ReasonUnknownAction,
		},
		{
			name: "no such resource",
			req: uploadReq("dev1", 1, BatchItem{
				ResourceName: "ghost", ResourceItemID: "a", Action: ActionCreate, Payload: pl("a-key", 1),
			}),
			wantStatus: http.StatusBadRequest,
			wantError:  ReasonNoSuchResource,
		},
		{
			name:       "not found",
			req:        uploadReq("dev1", 1, updateItem("a", 0, "a-key", 1)),
			wantStatus: http.StatusBadRequest,
			wantError:  ReasonNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(t, h.HandleUpload, "/sync/upload", tt.req)
			require.Equal(t, tt.wantStatus, w.Code)
			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			require.Equal(t, tt.wantError, resp.Error)
		})
	}
}

func TestHandleUploadBlockingConflictIs409(t *testing.T) {
	cfg := DefaultServiceConfig()
	cfg.ContinueOnConflict[ConflictUpdated] = false
	f := newTestFixture(t, cfg)
	h := NewHTTPSyncHandlers(f.sync, staticAuth{id: "dev1"}, slog.Default())

	f.freezeClock(1000)
	w := postJSON(t, h.HandleUpload, "/sync/upload", uploadReq("dev1", 1, createItem("a", "a-key", 1)))
	require.Equal(t, http.StatusOK, w.Code)

	f.freezeClock(2000)
	w = postJSON(t, h.HandleUpload, "/sync/upload", uploadReq("dev1", 2, updateItem("a", 1000, "a-key", 2)))
	require.Equal(t, http.StatusOK, w.Code)

	f.freezeClock(3000)
	w = postJSON(t, h.HandleUpload, "/sync/upload", uploadReq("dev1", 3, updateItem("a", 1000, "a-key", 3)))
	require.Equal(t, http.StatusConflict, w.Code)

	var resp UploadResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, ConflictUpdated, resp.ConflictType)
	require.Len(t, resp.Conflicts["todo"], 1)
}

func TestHandleUploadMethodNotAllowed(t *testing.T) {
	f := newTestFixture(t, nil)
	h := NewHTTPSyncHandlers(f.sync, staticAuth{id: "dev1"}, slog.Default())

	r := httptest.NewRequest(http.MethodGet, "/sync/upload", nil)
	w := httptest.NewRecorder()
	h.HandleUpload(w, r)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleDownload(t *testing.T) {
	f := newTestFixture(t, nil)
	h := NewHTTPSyncHandlers(f.sync, staticAuth{id: "dev2"}, slog.Default())

	f.freezeClock(1000)
	_, err := f.sync.Upload(context.Background(), uploadReq("dev1", 1, createItem("a", "a-key", 1)))
	require.NoError(t, err)

	f.freezeClock(5000)
	w := postJSON(t, h.HandleDownload, "/sync/download",
		downloadReq("ignored", 0, DownloadQuery{ResourceName: "todo"}))
	require.Equal(t, http.StatusOK, w.Code)

	var resp DownloadResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, int64(4500), resp.NewWatermark)
	require.Len(t, resp.Items, 1)
}

func TestHandleDownloadErrorMapping(t *testing.T) {
	f := newTestFixture(t, nil)
	h := NewHTTPSyncHandlers(f.sync, staticAuth{id: "dev1"}, slog.Default())

	w := postJSON(t, h.HandleDownload, "/sync/download",
		downloadReq("dev1", 0, DownloadQuery{ResourceName: "ghost"}))
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, ReasonNoSuchResource, resp.Error)
}

func TestHandleStatus(t *testing.T) {
	f := newTestFixture(t, nil)
	h := NewHTTPSyncHandlers(f.sync, staticAuth{id: "dev1"}, slog.Default())

	r := httptest.NewRequest(http.MethodGet, "/sync/status", nil)
	w := httptest.NewRecorder()
	h.HandleStatus(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, "healthy", resp.Status)
	require.Equal(t, []string{"todo"}, resp.Resources)
}
