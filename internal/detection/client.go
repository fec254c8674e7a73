package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sync"
	"time"
)

var ErrServiceUnavailable = errors.New("inference service unavailable")

// healthResponse is the /health payload of the inference services
type healthResponse struct {
	Status      string `json:"status"`
	Device      string `json:"device"`
	ModelLoaded bool   `json:"model_loaded"`
}

// serviceClient is the HTTP plumbing shared by the detector and embedder
// clients. Health results are cached for healthTTL.
type serviceClient struct {
	endpoint  string
	client    *http.Client
	healthTTL time.Duration

	mu         sync.Mutex
	healthy    bool
	lastHealth time.Time
}

func newServiceClient(endpoint string, timeout time.Duration) *serviceClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &serviceClient{
		endpoint:  endpoint,
		client:    &http.Client{Timeout: timeout},
		healthTTL: 30 * time.Second,
	}
}

// CheckHealth queries the service health endpoint, using the cached result
// while it is fresh.
func (c *serviceClient) CheckHealth(ctx context.Context) error {
	c.mu.Lock()
	if c.healthy && time.Since(c.lastHealth) < c.healthTTL {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	err := c.fetchHealth(ctx)

	c.mu.Lock()
	c.healthy = err == nil
	c.lastHealth = time.Now()
	c.mu.Unlock()
	return err
}

func (c *serviceClient) fetchHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned status %d", ErrServiceUnavailable, resp.StatusCode)
	}

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	if health.Status != "healthy" || !health.ModelLoaded {
		return fmt.Errorf("%w: status=%s model_loaded=%v", ErrServiceUnavailable, health.Status, health.ModelLoaded)
	}
	return nil
}

func (c *serviceClient) markUnhealthy() {
	c.mu.Lock()
	c.healthy = false
	c.mu.Unlock()
}

// postImage uploads a JPEG as multipart form field "file" with extra form
// fields and decodes the JSON answer into out.
func (c *serviceClient) postImage(ctx context.Context, path string, jpegData []byte, fields map[string]string, out any) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(jpegData); err != nil {
		return fmt.Errorf("write image data: %w", err)
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, &buf)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		c.markUnhealthy()
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s failed with status %d: %s", path, resp.StatusCode, bytes.TrimSpace(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
