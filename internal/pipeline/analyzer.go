package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"
)

// Recognition is a single face found in a frame
type Recognition struct {
	BBox       []float32 `json:"bbox"`
	Confidence float32   `json:"confidence"`
	Identity   *string   `json:"identity"`
	Similarity float32   `json:"similarity"`
	IsKnown    bool      `json:"is_known"`
}

// AnalysisResult is a frame's inference outcome
type AnalysisResult struct {
	Recognitions    []Recognition `json:"recognitions"`
	Count           int           `json:"count"`
	KnownCount      int           `json:"known_count"`
	UnknownCount    int           `json:"unknown_count"`
	InferenceTimeMs float32       `json:"inference_time_ms"`
	Device          string        `json:"device"`
}

// Analyzer runs face recognition on a JPEG frame
type Analyzer interface {
	Analyze(ctx context.Context, frame []byte) (*AnalysisResult, error)
	CheckHealth(ctx context.Context) error
}

// faceServiceHealth is the sidecar's health check response
type faceServiceHealth struct {
	Status      string `json:"status"`
	Device      string `json:"device"`
	ModelLoaded bool   `json:"model_loaded"`
}

// FaceService talks to the face recognition sidecar over HTTP
type FaceService struct {
	endpoint string
	client   *http.Client
}

// NewFaceService creates a client for the recognition sidecar
func NewFaceService(endpoint string) *FaceService {
	return &FaceService{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Analyze sends a frame to the sidecar's recognize endpoint
func (fs *FaceService) Analyze(ctx context.Context, frame []byte) (*AnalysisResult, error) {
	body, err := fs.sendImageRequest(ctx, fmt.Sprintf("%s/recognize", fs.endpoint), frame)
	if err != nil {
		return nil, err
	}

	var result AnalysisResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode recognize response: %w", err)
	}
	return &result, nil
}

// CheckHealth verifies the sidecar is up and its model is loaded
func (fs *FaceService) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/health", fs.endpoint), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := fs.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	var health faceServiceHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode health response: %w", err)
	}

	if health.Status != "healthy" || !health.ModelLoaded {
		return fmt.Errorf("service unhealthy: status=%s, model_loaded=%v", health.Status, health.ModelLoaded)
	}
	return nil
}

// sendImageRequest posts a frame as a multipart form upload
func (fs *FaceService) sendImageRequest(ctx context.Context, url string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := fs.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

var _ Analyzer = (*FaceService)(nil)
