package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// ---------------------------------------------------------------------------
// Lipsync engine client.
// Follows a deferred request pattern: submit (video, audio) → poll by job id
// until a terminal status → download the synced clip.
// ---------------------------------------------------------------------------

const (
	lipsyncInitialDelay    = 10 * time.Second // sync jobs typically take 30s+
	lipsyncPollMinInterval = 5 * time.Second
	lipsyncPollMaxInterval = 20 * time.Second
	lipsyncPollBackoff     = 1.5
	lipsyncMaxPollDuration = 6 * time.Minute
)

// ErrPayloadRejected marks a submission the engine refused for size or
// encoding reasons. The renderer reacts by re-encoding or downscaling, not by
// retrying the same bytes.
var ErrPayloadRejected = errors.New("lipsync payload rejected")

// LipsyncService is the engine interface the segment renderer consumes.
type LipsyncService interface {
	Sync(ctx context.Context, videoPath, audioPath string) ([]byte, error)
}

type LipsyncClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ LipsyncService = (*LipsyncClient)(nil)

func NewLipsyncClient(baseURL, apiKey string) *LipsyncClient {
	return &LipsyncClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second, // per HTTP call, not the full poll cycle
		},
	}
}

type lipsyncSubmitResponse struct {
	ID string `json:"id"`
}

// lipsyncResult is the poll response. Terminal statuses: succeeded, failed,
// timeout. Anything else means still processing.
type lipsyncResult struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	OutputURL string `json:"output_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Sync submits a clip+audio pair, polls to a terminal status, and returns the
// synced clip bytes.
func (c *LipsyncClient) Sync(ctx context.Context, videoPath, audioPath string) ([]byte, error) {
	jobID, err := c.submit(ctx, videoPath, audioPath)
	if err != nil {
		return nil, err
	}

	log.Printf("[Lipsync] submitted (job=%s)", jobID)

	result, err := c.pollForResult(ctx, jobID)
	if err != nil {
		return nil, err
	}

	log.Printf("[Lipsync] job %s succeeded, downloading output...", jobID)

	data, err := c.download(ctx, result.OutputURL)
	if err != nil {
		return nil, fmt.Errorf("failed to download synced clip: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("synced clip is empty (0 bytes)")
	}

	return data, nil
}

// submit uploads the pair as multipart form data and returns the job handle.
func (c *LipsyncClient) submit(ctx context.Context, videoPath, audioPath string) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	for field, path := range map[string]string{"video": videoPath, "audio": audioPath} {
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("failed to open %s: %w", path, err)
		}
		part, err := writer.CreateFormFile(field, filepath.Base(path))
		if err != nil {
			f.Close()
			return "", fmt.Errorf("failed to build form: %w", err)
		}
		if _, err := io.Copy(part, f); err != nil {
			f.Close()
			return "", fmt.Errorf("failed to read %s: %w", path, err)
		}
		f.Close()
	}

	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/generate", &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("lipsync submit failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read submit response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusAccepted:
		// fall through to parse
	case payloadRejectedStatus(resp.StatusCode):
		return "", fmt.Errorf("%w (status %d): %s", ErrPayloadRejected, resp.StatusCode, truncateString(string(body), 200))
	default:
		return "", fmt.Errorf("lipsync submit returned status %d: %s", resp.StatusCode, truncateString(string(body), 200))
	}

	var sub lipsyncSubmitResponse
	if err := json.Unmarshal(body, &sub); err != nil {
		return "", fmt.Errorf("failed to parse submit response: %w (body: %s)", err, truncateString(string(body), 200))
	}
	if sub.ID == "" {
		return "", fmt.Errorf("no job id in submit response: %s", truncateString(string(body), 200))
	}

	return sub.ID, nil
}

// payloadRejectedStatus: 413 is the obvious size rejection; 415 and 422 are
// how the engine reports an encoding it can't ingest.
func payloadRejectedStatus(status int) bool {
	return status == http.StatusRequestEntityTooLarge ||
		status == http.StatusUnsupportedMediaType ||
		status == http.StatusUnprocessableEntity
}

// pollForResult polls until the job reaches a terminal status. Backoff starts
// at 5s scaling by 1.5x to a 20s cap, after an initial grace delay.
func (c *LipsyncClient) pollForResult(ctx context.Context, jobID string) (*lipsyncResult, error) {
	deadline := time.Now().Add(lipsyncMaxPollDuration)
	pollCount := 0
	currentInterval := lipsyncPollMinInterval

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("lipsync cancelled during initial wait: %w", ctx.Err())
	case <-time.After(lipsyncInitialDelay):
	}

	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lipsync timed out after %v (polled %d times, job=%s)", lipsyncMaxPollDuration, pollCount, jobID)
		}

		pollCount++

		result, err := c.getResult(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("failed to poll lipsync job (attempt %d): %w", pollCount, err)
		}

		switch result.Status {
		case "succeeded":
			if result.OutputURL == "" {
				return nil, fmt.Errorf("lipsync job %s succeeded without an output url", jobID)
			}
			return result, nil

		case "failed", "timeout":
			errMsg := result.Error
			if errMsg == "" {
				errMsg = "unknown error"
			}
			return nil, fmt.Errorf("lipsync job %s terminal status %q: %s", jobID, result.Status, errMsg)

		default:
			log.Printf("[Lipsync] poll %d: status=%s (next poll in %v)", pollCount, result.Status, currentInterval)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("lipsync cancelled: %w", ctx.Err())
			case <-time.After(currentInterval):
			}

			next := time.Duration(float64(currentInterval) * lipsyncPollBackoff)
			if next > lipsyncPollMaxInterval {
				next = lipsyncPollMaxInterval
			}
			currentInterval = next
		}
	}
}

func (c *LipsyncClient) getResult(ctx context.Context, jobID string) (*lipsyncResult, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/generate/%s", c.baseURL, jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read poll response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("lipsync poll returned status %d: %s", resp.StatusCode, truncateString(string(body), 200))
	}

	var result lipsyncResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse poll response: %w (body: %s)", err, truncateString(string(body), 200))
	}

	return &result, nil
}

func (c *LipsyncClient) download(ctx context.Context, url string) ([]byte, error) {
	downloadClient := &http.Client{Timeout: 180 * time.Second}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := downloadClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("clip download returned status %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
