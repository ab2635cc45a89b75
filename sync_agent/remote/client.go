package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/itskum47/FieldSync/sync_agent/observability"
	"github.com/itskum47/FieldSync/sync_agent/store"
	"golang.org/x/time/rate"
)

// ErrUnauthorized is returned when no bearer token is available.
var ErrUnauthorized = errors.New("remote: no bearer token available")

// APIError is a non-2xx response from the remote API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string { return e.Message }

// File is one binary payload of a multipart photo upload.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// CompleteRequest is the body of POST /missions/{id}/complete.
type CompleteRequest = store.CompleteMissionData

// API is the remote mission API used by the engine and the hooks.
type API interface {
	StartMission(ctx context.Context, id string, body json.RawMessage) (*store.Mission, error)
	CompleteMission(ctx context.Context, id string, req CompleteRequest) (*store.Mission, error)
	UploadPhotos(ctx context.Context, missionID string, t store.PhotoType, files []File) ([]*store.Photo, error)
	MarkNotificationRead(ctx context.Context, id string) error
	ListMissions(ctx context.Context) ([]*store.Mission, error)
	GetMission(ctx context.Context, id string) (*store.Mission, error)
	ListNotifications(ctx context.Context) ([]*store.Notification, error)
}

// TokenSource supplies the bearer token of the signed-in worker.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource holding the most recent token seen.
type StaticToken struct {
	mu    sync.RWMutex
	token string
}

func (s *StaticToken) Set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *StaticToken) Clear() { s.Set("") }

func (s *StaticToken) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", ErrUnauthorized
	}
	return s.token, nil
}

// Client implements API over HTTP/JSON.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	limiter    *rate.Limiter
}

// NewClient creates a client. rps <= 0 disables rate limiting.
func NewClient(baseURL string, tokens TokenSource, timeout time.Duration, rps float64, burst int) *Client {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		tokens:     tokens,
		limiter:    rate.NewLimiter(limit, burst),
	}
}

type missionEnvelope struct {
	Mission *store.Mission `json:"mission"`
}

type photosEnvelope struct {
	Photos []*store.Photo `json:"photos"`
}

func (c *Client) StartMission(ctx context.Context, id string, body json.RawMessage) (*store.Mission, error) {
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}
	var out missionEnvelope
	if err := c.doJSON(ctx, "start_mission", http.MethodPost, "/missions/"+url.PathEscape(id)+"/start", body, &out); err != nil {
		return nil, err
	}
	return requireMission(out.Mission, id)
}

func (c *Client) CompleteMission(ctx context.Context, id string, req CompleteRequest) (*store.Mission, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var out missionEnvelope
	if err := c.doJSON(ctx, "complete_mission", http.MethodPost, "/missions/"+url.PathEscape(id)+"/complete", body, &out); err != nil {
		return nil, err
	}
	return requireMission(out.Mission, id)
}

func (c *Client) GetMission(ctx context.Context, id string) (*store.Mission, error) {
	var out missionEnvelope
	if err := c.doJSON(ctx, "get_mission", http.MethodGet, "/missions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return requireMission(out.Mission, id)
}

func requireMission(m *store.Mission, id string) (*store.Mission, error) {
	if m == nil {
		return nil, fmt.Errorf("remote: response for mission %s has no mission", id)
	}
	return m, nil
}

func (c *Client) ListMissions(ctx context.Context) ([]*store.Mission, error) {
	var out struct {
		Missions []*store.Mission `json:"missions"`
	}
	if err := c.doJSON(ctx, "list_missions", http.MethodGet, "/missions", nil, &out); err != nil {
		return nil, err
	}
	return out.Missions, nil
}

func (c *Client) ListNotifications(ctx context.Context) ([]*store.Notification, error) {
	var out struct {
		Notifications []*store.Notification `json:"notifications"`
	}
	if err := c.doJSON(ctx, "list_notifications", http.MethodGet, "/notifications", nil, &out); err != nil {
		return nil, err
	}
	return out.Notifications, nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.doJSON(ctx, "mark_notification_read", http.MethodPatch, "/notifications/"+url.PathEscape(id)+"/read", nil, nil)
}

// UploadPhotos posts every file under the multipart field "files".
func (c *Client) UploadPhotos(ctx context.Context, missionID string, t store.PhotoType, files []File) ([]*store.Photo, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for i, f := range files {
		name := f.Name
		if name == "" {
			name = fmt.Sprintf("%s-%d.jpg", t, i)
		}
		ct := f.ContentType
		if ct == "" {
			ct = http.DetectContentType(f.Data)
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, name))
		h.Set("Content-Type", ct)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	path := "/missions/" + url.PathEscape(missionID) + "/photos/" + url.PathEscape(string(t))
	resp, err := c.do(ctx, "upload_photos", http.MethodPost, path, w.FormDataContentType(), buf.Bytes())
	if err != nil {
		return nil, err
	}
	var out photosEnvelope
	if err := json.Unmarshal(resp, &out); err != nil {
		return nil, fmt.Errorf("remote: decode upload response: %w", err)
	}
	return out.Photos, nil
}

func (c *Client) doJSON(ctx context.Context, endpoint, method, path string, body []byte, out interface{}) error {
	ct := ""
	if body != nil {
		ct = "application/json"
	}
	resp, err := c.do(ctx, endpoint, method, path, ct, body)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(resp)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return fmt.Errorf("remote: decode %s response: %w", endpoint, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, endpoint, method, path, contentType string, body []byte) ([]byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		observability.RemoteRequestDuration.WithLabelValues(endpoint, "error").Observe(time.Since(start).Seconds())
		return nil, err
	}
	defer resp.Body.Close()
	observability.RemoteRequestDuration.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseError(resp.StatusCode, data)
	}
	return data, nil
}

// parseError extracts {"message": ...} from an error body, falling back to "HTTP <status>".
func parseError(status int, body []byte) *APIError {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return &APIError{Status: status, Message: payload.Message}
	}
	return &APIError{Status: status, Message: fmt.Sprintf("HTTP %d", status)}
}
