package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client defines the contract for talking to an imgsrv server.
type Client interface {
	Upload(ctx context.Context, projectID, contentType string, r io.Reader) (*UploadResponse, error)
	List(ctx context.Context, projectID string) ([]ImageResponse, error)
	Cover(ctx context.Context, projectID string) (io.ReadCloser, string, error)
	Rendition(ctx context.Context, projectID, imageID, size string) (io.ReadCloser, error)
	Delete(ctx context.Context, projectID, imageID string) (*DeleteResponse, error)
	SetPrimary(ctx context.Context, projectID, imageID string) (*PrimaryResponse, error)
	Ready(ctx context.Context) error
}

// HTTPClient implements Client over HTTP.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates an HTTP-based client for the server at baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *HTTPClient) projectURL(projectID, path string) string {
	return fmt.Sprintf("%s/projects/%s%s", c.baseURL, url.PathEscape(projectID), path)
}

func (c *HTTPClient) do(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	return resp, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, url string, body io.Reader, headers map[string]string, respBody interface{}) error {
	resp, err := c.do(ctx, method, url, body, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// getImage fetches a JPEG body. The caller closes it.
func (c *HTTPClient) getImage(ctx context.Context, url string) (*http.Response, error) {
	resp, err := c.do(ctx, "GET", url, nil, map[string]string{"Accept": "image/jpeg"})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

// Upload streams an image to the project as a raw body.
func (c *HTTPClient) Upload(ctx context.Context, projectID, contentType string, r io.Reader) (*UploadResponse, error) {
	var resp UploadResponse
	headers := map[string]string{"Content-Type": contentType}
	if err := c.doJSON(ctx, "POST", c.projectURL(projectID, "/images"), r, headers, &resp); err != nil {
		return nil, fmt.Errorf("upload to %s: %w", projectID, err)
	}
	return &resp, nil
}

// List returns the project's images in upload order.
func (c *HTTPClient) List(ctx context.Context, projectID string) ([]ImageResponse, error) {
	var images []ImageResponse
	if err := c.doJSON(ctx, "GET", c.projectURL(projectID, "/images"), nil, nil, &images); err != nil {
		return nil, fmt.Errorf("list %s: %w", projectID, err)
	}
	return images, nil
}

// Cover streams the project's thumbnail and returns the primary image id.
func (c *HTTPClient) Cover(ctx context.Context, projectID string) (io.ReadCloser, string, error) {
	resp, err := c.getImage(ctx, c.projectURL(projectID, "/thumbnail"))
	if err != nil {
		return nil, "", fmt.Errorf("cover of %s: %w", projectID, err)
	}
	return resp.Body, resp.Header.Get("X-Image-ID"), nil
}

// Rendition streams one rendition of an image. An empty size selects the original.
func (c *HTTPClient) Rendition(ctx context.Context, projectID, imageID, size string) (io.ReadCloser, error) {
	u := c.projectURL(projectID, "/images/"+url.PathEscape(imageID))
	if size != "" {
		u += "?size=" + url.QueryEscape(size)
	}
	resp, err := c.getImage(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("rendition %s of %s: %w", size, imageID, err)
	}
	return resp.Body, nil
}

// Delete removes an image from the project.
func (c *HTTPClient) Delete(ctx context.Context, projectID, imageID string) (*DeleteResponse, error) {
	var resp DeleteResponse
	if err := c.doJSON(ctx, "DELETE", c.projectURL(projectID, "/images/"+url.PathEscape(imageID)), nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("delete %s: %w", imageID, err)
	}
	return &resp, nil
}

// SetPrimary makes imageID the project's cover image.
func (c *HTTPClient) SetPrimary(ctx context.Context, projectID, imageID string) (*PrimaryResponse, error) {
	var resp PrimaryResponse
	if err := c.doJSON(ctx, "PUT", c.projectURL(projectID, "/primary/"+url.PathEscape(imageID)), nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("set primary %s: %w", imageID, err)
	}
	return &resp, nil
}

// Ready checks the server's readiness endpoint.
func (c *HTTPClient) Ready(ctx context.Context) error {
	resp, err := c.do(ctx, "GET", c.baseURL+"/readyz", nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &RemoteError{Code: "not_ready", Message: strings.TrimSpace(string(msg)), Status: resp.StatusCode}
	}
	return nil
}

// RemoteError represents a structured error from the server.
type RemoteError struct {
	Code       string
	Message    string
	Status     int
	RetryAfter time.Duration // from the Retry-After header, 0 if absent
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%d): %s: %s", e.Status, e.Code, e.Message)
}

func decodeError(resp *http.Response) error {
	var retryAfter time.Duration
	if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
		retryAfter = time.Duration(s) * time.Second
	}

	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		return &RemoteError{
			Code:       "unknown",
			Message:    fmt.Sprintf("HTTP %d", resp.StatusCode),
			Status:     resp.StatusCode,
			RetryAfter: retryAfter,
		}
	}

	return &RemoteError{
		Code:       errResp.Error,
		Message:    errResp.Message,
		Status:     resp.StatusCode,
		RetryAfter: retryAfter,
	}
}
