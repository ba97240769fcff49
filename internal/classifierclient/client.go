package classifierclient

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
	"strings"
	"time"

	"mangoscan/pkg/domain"
)

// DefaultTimeout bounds a single classification call.
const DefaultTimeout = 10 * time.Second

// maxResponseBytes caps how much of an upstream body is read.
const maxResponseBytes = 1 << 20

var (
	// ErrUpstreamUnavailable covers connection failures, timeouts and cancellation.
	ErrUpstreamUnavailable = errors.New("classifier unavailable")
	// ErrUpstreamFailed covers non-2xx answers and malformed bodies.
	ErrUpstreamFailed = errors.New("classifier request failed")
)

// UpstreamError represents an unusable classifier response.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("classifier responded %d: %s", e.Status, e.Message)
	}
	return "classifier response invalid: " + e.Message
}

func (e *UpstreamError) Unwrap() error { return ErrUpstreamFailed }

// Client calls the classification service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a classifier client. timeout <= 0 uses DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Classify sends the image to POST <baseURL>/analyze exactly once.
func (c *Client) Classify(ctx context.Context, img domain.UploadedImage) (domain.ClassificationResult, error) {
	body, contentType, err := encodeImage(img)
	if err != nil {
		return domain.ClassificationResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", body)
	if err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("build classifier request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("%w: read body: %w", ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.ClassificationResult{}, &UpstreamError{Status: resp.StatusCode, Message: upstreamMessage(raw, resp.Status)}
	}
	return decodeResult(raw)
}

func encodeImage(img domain.UploadedImage) (io.Reader, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	filename := img.Filename
	if strings.TrimSpace(filename) == "" {
		filename = "upload"
	}
	contentType := img.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("encode image: %w", err)
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, "", fmt.Errorf("encode image: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("encode image: %w", err)
	}
	return body, writer.FormDataContentType(), nil
}

type analyzeResponse struct {
	Diagnosis         *string  `json:"diagnosis"`
	Confidence        *float64 `json:"confidence"`
	RecommendedAction *string  `json:"recommendedAction"`
	ModelVersion      string   `json:"modelVersion"`
	Practices         []string `json:"practices"`
}

func decodeResult(raw []byte) (domain.ClassificationResult, error) {
	var out analyzeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.ClassificationResult{}, &UpstreamError{Message: "undecodable body"}
	}
	var missing []string
	if out.Diagnosis == nil {
		missing = append(missing, "diagnosis")
	}
	if out.Confidence == nil {
		missing = append(missing, "confidence")
	}
	if out.RecommendedAction == nil {
		missing = append(missing, "recommendedAction")
	}
	if len(missing) > 0 {
		return domain.ClassificationResult{}, &UpstreamError{Message: "missing " + strings.Join(missing, ", ")}
	}
	modelVersion := strings.TrimSpace(out.ModelVersion)
	if modelVersion == "" {
		modelVersion = domain.DefaultModelVersion
	}
	return domain.ClassificationResult{
		Diagnosis:         *out.Diagnosis,
		Confidence:        *out.Confidence,
		RecommendedAction: *out.RecommendedAction,
		ModelVersion:      modelVersion,
		Practices:         out.Practices,
	}, nil
}

func upstreamMessage(raw []byte, status string) string {
	var errResp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &errResp)
	switch {
	case strings.TrimSpace(errResp.Error) != "":
		return strings.TrimSpace(errResp.Error)
	case strings.TrimSpace(errResp.Message) != "":
		return strings.TrimSpace(errResp.Message)
	default:
		return status
	}
}
