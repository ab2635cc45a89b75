package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/itskum47/FieldSync/sync_agent/store"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	tokens := &StaticToken{}
	tokens.Set("tok-123")
	return NewClient(srv.URL, tokens, 5*time.Second, 0, 1)
}

func TestStartMissionSendsBearerAndDecodesMission(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/missions/m1/start" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
			t.Errorf("expected bearer token, got %q", got)
		}
		w.Write([]byte(`{"mission":{"id":"m1","status":"in_progress"}}`))
	})

	m, err := c.StartMission(context.Background(), "m1", json.RawMessage(`{"latitude":48.8}`))
	if err != nil {
		t.Fatalf("StartMission failed: %v", err)
	}
	if m.Status != store.MissionInProgress {
		t.Errorf("expected in_progress, got %s", m.Status)
	}
}

func TestCompleteMissionBodyFields(t *testing.T) {
	var body map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/missions/m1/complete" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write([]byte(`{"mission":{"id":"m1","status":"completed"}}`))
	})

	_, err := c.CompleteMission(context.Background(), "m1", CompleteRequest{
		WorkerSignature: "data:image/png;base64,AAA",
		ClientSignature: "data:image/png;base64,BBB",
		Comments:        "roof done",
	})
	if err != nil {
		t.Fatalf("CompleteMission failed: %v", err)
	}
	if body["worker_signature_data"] != "data:image/png;base64,AAA" {
		t.Errorf("worker signature missing from body: %v", body)
	}
	if body["client_signature_data"] != "data:image/png;base64,BBB" {
		t.Errorf("client signature missing from body: %v", body)
	}
	if body["comments"] != "roof done" {
		t.Errorf("comments missing from body: %v", body)
	}
}

func TestErrorParsing(t *testing.T) {
	t.Run("JSONMessage", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"message":"Mission already completed"}`))
		})
		_, err := c.CompleteMission(context.Background(), "m1", CompleteRequest{})
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected *APIError, got %v", err)
		}
		if apiErr.Message != "Mission already completed" || apiErr.Status != http.StatusConflict {
			t.Errorf("unexpected error %+v", apiErr)
		}
	})

	t.Run("FallbackToStatus", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("<html>bad gateway</html>"))
		})
		err := c.MarkNotificationRead(context.Background(), "n1")
		if err == nil || err.Error() != "HTTP 502" {
			t.Errorf("expected HTTP 502, got %v", err)
		}
	})
}

func TestUploadPhotosMultipart(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/missions/m1/photos/before" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		files := r.MultipartForm.File["files"]
		if len(files) != 2 {
			t.Fatalf("expected 2 files, got %d", len(files))
		}
		f, _ := files[1].Open()
		data, _ := io.ReadAll(f)
		if string(data) != "second" {
			t.Errorf("file order not preserved, got %q", data)
		}
		w.Write([]byte(`{"photos":[{"id":"p1","report_id":"m1","type":"before","url":"u1"},{"id":"p2","report_id":"m1","type":"before","url":"u2"}]}`))
	})

	photos, err := c.UploadPhotos(context.Background(), "m1", store.PhotoBefore, []File{
		{Name: "a.jpg", ContentType: "image/jpeg", Data: []byte("first")},
		{Name: "b.jpg", ContentType: "image/jpeg", Data: []byte("second")},
	})
	if err != nil {
		t.Fatalf("UploadPhotos failed: %v", err)
	}
	if len(photos) != 2 || photos[1].ID != store.RemoteID("p2") {
		t.Errorf("unexpected photos %+v", photos)
	}
}

func TestNoTokenFailsFast(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer srv.Close()

	c := NewClient(srv.URL, &StaticToken{}, time.Second, 0, 1)
	_, err := c.ListMissions(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if called {
		t.Error("request sent without a token")
	}
}
