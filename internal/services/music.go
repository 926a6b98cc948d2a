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
	"time"
)

// ---------------------------------------------------------------------------
// Music catalog service.
// Tag search over a royalty-free catalog; candidates carry a direct audio URL
// and a duration so the assembler can prefer tracks long enough to cover the
// video without looping.
// ---------------------------------------------------------------------------

// MusicTrack is one catalog candidate.
type MusicTrack struct {
	AudioURL        string  `json:"audio_url"`
	DurationSeconds float64 `json:"duration_seconds"`
	Title           string  `json:"title,omitempty"`
}

// MusicService is the catalog interface the assembler consumes.
type MusicService interface {
	Search(ctx context.Context, tags []string) ([]MusicTrack, error)
	Download(ctx context.Context, audioURL, destPath string) error
}

type MusicClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ MusicService = (*MusicClient)(nil)

func NewMusicClient(baseURL, apiKey string) *MusicClient {
	return &MusicClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type musicSearchResponse struct {
	Tracks []MusicTrack `json:"tracks"`
}

// Search returns catalog candidates matching the tags, best match first.
func (c *MusicClient) Search(ctx context.Context, tags []string) ([]MusicTrack, error) {
	params := url.Values{}
	for _, tag := range tags {
		if tag != "" {
			params.Add("tag", tag)
		}
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/v1/tracks?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("music search failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("music search returned status %d: %s", resp.StatusCode, truncateString(string(body), 200))
	}

	var parsed musicSearchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	tracks := make([]MusicTrack, 0, len(parsed.Tracks))
	for _, t := range parsed.Tracks {
		if t.AudioURL != "" {
			tracks = append(tracks, t)
		}
	}

	log.Printf("[Music] tags %v → %d candidate(s)", tags, len(tracks))
	return tracks, nil
}

// Download fetches a track into destPath.
func (c *MusicClient) Download(ctx context.Context, audioURL, destPath string) error {
	downloadClient := &http.Client{Timeout: 120 * time.Second}

	req, err := http.NewRequestWithContext(ctx, "GET", audioURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := downloadClient.Do(req)
	if err != nil {
		return fmt.Errorf("track download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("track download returned status %d", resp.StatusCode)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	defer out.Close()

	n, err := io.Copy(out, resp.Body)
	if err != nil {
		return fmt.Errorf("failed to write track: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("downloaded track is empty (0 bytes)")
	}
	return nil
}
