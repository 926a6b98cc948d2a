package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// ---------------------------------------------------------------------------
// Image acquisition service.
// Pexels-style photo search used for montage segments and the visual
// treatment fallback. Returns direct image URLs; Download fetches one to a
// local file for ffmpeg.
// ---------------------------------------------------------------------------

// ImageService is what the timeline builder and renderer consume.
type ImageService interface {
	Search(ctx context.Context, query string, limit int) ([]string, error)
	Download(ctx context.Context, imageURL, destPath string) error
}

type ImageClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ ImageService = (*ImageClient)(nil)

func NewImageClient(baseURL, apiKey string) *ImageClient {
	return &ImageClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type imageSearchResponse struct {
	Photos []struct {
		Width  int `json:"width"`
		Height int `json:"height"`
		Src    struct {
			Large2x  string `json:"large2x"`
			Large    string `json:"large"`
			Original string `json:"original"`
		} `json:"src"`
	} `json:"photos"`
}

// Search returns up to limit direct image URLs for the query, landscape
// oriented to match the output frame.
func (c *ImageClient) Search(ctx context.Context, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 4
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("per_page", strconv.Itoa(limit))
	params.Set("orientation", "landscape")

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/v1/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image search failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image search returned status %d: %s", resp.StatusCode, truncateString(string(body), 200))
	}

	var parsed imageSearchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	urls := make([]string, 0, len(parsed.Photos))
	for _, p := range parsed.Photos {
		src := p.Src.Large2x
		if src == "" {
			src = p.Src.Large
		}
		if src == "" {
			src = p.Src.Original
		}
		if src != "" {
			urls = append(urls, src)
		}
	}

	log.Printf("[Images] query %q → %d result(s)", truncateString(query, 60), len(urls))
	return urls, nil
}

// Download fetches an image URL into destPath.
func (c *ImageClient) Download(ctx context.Context, imageURL, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, "GET", imageURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("image download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("image download returned status %d", resp.StatusCode)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	defer out.Close()

	n, err := io.Copy(out, resp.Body)
	if err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("downloaded image is empty (0 bytes)")
	}
	return nil
}
