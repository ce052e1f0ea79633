package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/fieldops/patrolsync/internal/records"
)

// ErrTransport marks network failures, timeouts, and non-2xx responses that
// carry no structured per-item result. Orchestrators roll the whole batch
// back to pending when they see it.
var ErrTransport = errors.New("transport: request failed")

// ErrUnauthorized marks a 401; the session must be refreshed before retrying.
var ErrUnauthorized = errors.New("transport: unauthorized")

// HTTPDoer describes the HTTP client used by the transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenSource supplies the Authorization header value for remote calls.
type TokenSource interface {
	Authorization() (string, error)
}

// BatchResult is the structured outcome of a location batch submission.
type BatchResult struct {
	AcceptedIDs []string
	RejectedIDs []string
	// RemoteIDs maps accepted local ids to server-assigned identifiers.
	RemoteIDs map[string]string
}

// ItemResult is the outcome of a single-item submission.
type ItemResult struct {
	Accepted bool
	RemoteID string
}

// ClientConfig configures the remote API client.
type ClientConfig struct {
	BaseURL string
	Tokens  TokenSource
	Doer    HTTPDoer
	Timeout time.Duration
}

// Client talks to the backend sync API, one endpoint per record kind.
type Client struct {
	baseURL string
	tokens  TokenSource
	doer    HTTPDoer
}

// NewClient constructs the remote API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("transport: base url is required")
	}
	doer := cfg.Doer
	if doer == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		doer = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: baseURL, tokens: cfg.Tokens, doer: doer}, nil
}

type locationBatchPayload struct {
	Samples []locationSamplePayload `json:"samples"`
}

type locationSamplePayload struct {
	LocalID          string  `json:"local_id"`
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	AccuracyMeters   float64 `json:"accuracy_m"`
	TimestampSeconds int64   `json:"timestamp_s"`
}

type locationBatchResponse struct {
	Accepted []acceptedItemPayload `json:"accepted"`
	Rejected []string              `json:"rejected"`
}

type acceptedItemPayload struct {
	LocalID  string `json:"local_id"`
	RemoteID string `json:"remote_id"`
}

// SubmitLocationBatch pushes samples through the batch endpoint. The server
// answers with separate accepted and rejected identifier lists.
func (c *Client) SubmitLocationBatch(ctx context.Context, samples []records.LocationSample) (BatchResult, error) {
	payload := locationBatchPayload{Samples: make([]locationSamplePayload, 0, len(samples))}
	for _, sample := range samples {
		payload.Samples = append(payload.Samples, locationSamplePayload{
			LocalID:          sample.LocalID,
			Latitude:         sample.Latitude,
			Longitude:        sample.Longitude,
			AccuracyMeters:   sample.AccuracyMeters,
			TimestampSeconds: sample.TimestampSeconds,
		})
	}

	var response locationBatchResponse
	if err := c.postJSON(ctx, "/api/v1/locations/batch", payload, &response); err != nil {
		return BatchResult{}, err
	}

	result := BatchResult{
		RejectedIDs: response.Rejected,
		RemoteIDs:   make(map[string]string, len(response.Accepted)),
	}
	for _, item := range response.Accepted {
		result.AcceptedIDs = append(result.AcceptedIDs, item.LocalID)
		result.RemoteIDs[item.LocalID] = item.RemoteID
	}
	return result, nil
}

type itemResponse struct {
	Accepted bool   `json:"accepted"`
	RemoteID string `json:"remote_id,omitempty"`
}

type timeRecordPayload struct {
	LocalID          string  `json:"local_id"`
	UserID           string  `json:"user_id"`
	Kind             string  `json:"kind"`
	TimestampSeconds int64   `json:"timestamp_s"`
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
}

// SubmitTimeRecord pushes one clock event.
func (c *Client) SubmitTimeRecord(ctx context.Context, record records.TimeRecord) (ItemResult, error) {
	payload := timeRecordPayload{
		LocalID:          record.LocalID,
		UserID:           record.UserID,
		Kind:             string(record.Kind),
		TimestampSeconds: record.TimestampSeconds,
		Latitude:         record.Latitude,
		Longitude:        record.Longitude,
	}
	var response itemResponse
	if err := c.postJSON(ctx, "/api/v1/time-records", payload, &response); err != nil {
		return ItemResult{}, err
	}
	return ItemResult{Accepted: response.Accepted, RemoteID: response.RemoteID}, nil
}

type reportPayload struct {
	LocalID          string  `json:"local_id"`
	Text             string  `json:"text"`
	TimestampSeconds int64   `json:"timestamp_s"`
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
}

// SubmitReport pushes one activity report.
func (c *Client) SubmitReport(ctx context.Context, report records.Report) (ItemResult, error) {
	payload := reportPayload{
		LocalID:          report.LocalID,
		Text:             report.Text,
		TimestampSeconds: report.TimestampSeconds,
		Latitude:         report.Latitude,
		Longitude:        report.Longitude,
	}
	var response itemResponse
	if err := c.postJSON(ctx, "/api/v1/reports", payload, &response); err != nil {
		return ItemResult{}, err
	}
	return ItemResult{Accepted: response.Accepted, RemoteID: response.RemoteID}, nil
}

type verificationPayload struct {
	LocalID          string  `json:"local_id"`
	CheckpointID     int64   `json:"checkpoint_id"`
	UserID           string  `json:"user_id"`
	TimestampSeconds int64   `json:"timestamp_s"`
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
}

// SubmitVerification pushes one checkpoint verification.
func (c *Client) SubmitVerification(ctx context.Context, verification records.CheckpointVerification) (ItemResult, error) {
	payload := verificationPayload{
		LocalID:          verification.LocalID,
		CheckpointID:     verification.CheckpointID,
		UserID:           verification.UserID,
		TimestampSeconds: verification.TimestampSeconds,
		Latitude:         verification.Latitude,
		Longitude:        verification.Longitude,
	}
	var response itemResponse
	if err := c.postJSON(ctx, "/api/v1/checkpoint-verifications", payload, &response); err != nil {
		return ItemResult{}, err
	}
	return ItemResult{Accepted: response.Accepted, RemoteID: response.RemoteID}, nil
}

// UploadPhoto streams one photo body as multipart form data. The progress
// callback receives 0-100 as bytes move; it fires with 100 only after the
// server has accepted the upload.
func (c *Client) UploadPhoto(ctx context.Context, photo records.Photo, body io.Reader, size int64, progress func(percent int)) (ItemResult, error) {
	meta := map[string]interface{}{
		"local_id":    photo.LocalID,
		"latitude":    photo.Latitude,
		"longitude":   photo.Longitude,
		"timestamp_s": photo.TimestampSeconds,
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return ItemResult{}, fmt.Errorf("transport: encode photo metadata: %w", err)
	}

	// Stream the body so progress tracks the actual send instead of a
	// pre-buffered copy.
	pipeReader, pipeWriter := io.Pipe()
	writer := multipart.NewWriter(pipeWriter)
	go func() {
		err := func() error {
			if err := writer.WriteField("metadata", string(metaJSON)); err != nil {
				return err
			}
			part, err := writer.CreateFormFile("photo", photo.LocalID)
			if err != nil {
				return err
			}
			reader := body
			if progress != nil && size > 0 {
				reader = &progressReader{inner: body, total: size, report: progress}
			}
			if _, err := io.Copy(part, reader); err != nil {
				return err
			}
			return writer.Close()
		}()
		pipeWriter.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/photos", pipeReader)
	if err != nil {
		return ItemResult{}, fmt.Errorf("transport: build photo request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var response itemResponse
	if err := c.send(req, &response); err != nil {
		return ItemResult{}, err
	}
	if progress != nil {
		progress(100)
	}
	return ItemResult{Accepted: response.Accepted, RemoteID: response.RemoteID}, nil
}

type patrolLocationPayload struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// FetchPatrolLocations pulls the patrol location catalog.
func (c *Client) FetchPatrolLocations(ctx context.Context) ([]records.PatrolLocation, error) {
	var response struct {
		Locations []patrolLocationPayload `json:"locations"`
	}
	if err := c.getJSON(ctx, "/api/v1/patrol-locations", &response); err != nil {
		return nil, err
	}
	locations := make([]records.PatrolLocation, 0, len(response.Locations))
	for _, item := range response.Locations {
		locations = append(locations, records.PatrolLocation{
			ID:          item.ID,
			Name:        item.Name,
			Coordinates: records.Coordinates{Latitude: item.Latitude, Longitude: item.Longitude},
		})
	}
	return locations, nil
}

type checkpointPayload struct {
	ID         int64   `json:"id"`
	LocationID int64   `json:"location_id"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
}

// FetchCheckpoints pulls the checkpoints of one patrol location.
func (c *Client) FetchCheckpoints(ctx context.Context, locationID int64) ([]records.Checkpoint, error) {
	var response struct {
		Checkpoints []checkpointPayload `json:"checkpoints"`
	}
	path := fmt.Sprintf("/api/v1/patrol-locations/%d/checkpoints", locationID)
	if err := c.getJSON(ctx, path, &response); err != nil {
		return nil, err
	}
	checkpoints := make([]records.Checkpoint, 0, len(response.Checkpoints))
	for _, item := range response.Checkpoints {
		checkpoints = append(checkpoints, records.Checkpoint{
			ID:          item.ID,
			LocationID:  item.LocationID,
			Coordinates: records.Coordinates{Latitude: item.Latitude, Longitude: item.Longitude},
		})
	}
	return checkpoints, nil
}

type loginPayload struct {
	Username string `json:"username"`
	DeviceID string `json:"device_id"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
}

// Login exchanges operator credentials for a session token. It does not
// attach an Authorization header.
func (c *Client) Login(ctx context.Context, username, password, deviceID string) (string, error) {
	body, err := json.Marshal(loginPayload{Username: username, Password: password, DeviceID: deviceID})
	if err != nil {
		return "", fmt.Errorf("transport: encode login: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("transport: build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.doer.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return "", ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: login returned %d", ErrTransport, resp.StatusCode)
	}
	var response loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("%w: decode login response: %v", ErrTransport, err)
	}
	return response.AccessToken, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: encode %s payload: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("transport: build %s request: %w", path, err)
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out interface{}) error {
	if c.tokens != nil {
		authorization, err := c.tokens.Authorization()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		req.Header.Set("Authorization", authorization)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s returned %d", ErrTransport, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrTransport, req.URL.Path, err)
	}
	return nil
}

// progressReader reports cumulative read percentage as an upload body drains.
type progressReader struct {
	inner  io.Reader
	total  int64
	read   int64
	last   int
	report func(percent int)
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.inner.Read(p)
	if n > 0 {
		r.read += int64(n)
		percent := int(r.read * 100 / r.total)
		// 100 is reserved for server acceptance.
		if percent > 99 {
			percent = 99
		}
		if percent > r.last {
			r.last = percent
			r.report(percent)
		}
	}
	return n, err
}
