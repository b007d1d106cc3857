// Package capture polls a camera snapshot endpoint and feeds the frames it
// fetches into the processing pipeline.
package capture

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/kozaktomas/face-attendance/internal/pipeline"
)

// FrameSink accepts captured frames. The pipeline's Offer method satisfies it.
type FrameSink interface {
	Offer(frame pipeline.Frame)
}

// SnapshotSource repeatedly fetches JPEG snapshots from an IP camera.
// A camera that goes away temporarily is tolerated; polling continues
// at the configured rate until the context is cancelled.
type SnapshotSource struct {
	url      string
	interval time.Duration
	client   *http.Client

	now func() time.Time
}

// NewSnapshotSource creates a source polling cameraURL fps times per second.
func NewSnapshotSource(cameraURL string, fps int) (*SnapshotSource, error) {
	parsed, err := url.Parse(cameraURL)
	if err != nil {
		return nil, fmt.Errorf("invalid camera url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid camera url scheme: %q", parsed.Scheme)
	}
	if fps < 1 {
		return nil, fmt.Errorf("fps must be at least 1, got %d", fps)
	}

	interval := time.Second / time.Duration(fps)
	return &SnapshotSource{
		url:      cameraURL,
		interval: interval,
		client: &http.Client{
			// A snapshot slower than the polling interval is useless anyway.
			Timeout: interval * 2,
		},
		now: time.Now,
	}, nil
}

// Run polls the camera until ctx is cancelled. Fetch failures are logged and
// skipped; the next tick tries again.
func (s *SnapshotSource) Run(ctx context.Context, sink FrameSink) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("camera capture stopped")
			return
		case <-ticker.C:
			capturedAt := s.now()
			data, err := s.fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("WARNING: snapshot fetch failed: %v", err)
				continue
			}
			sink.Offer(pipeline.Frame{Data: data, CapturedAt: capturedAt})
		}
	}
}

func (s *SnapshotSource) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("camera returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("camera returned empty snapshot")
	}
	return data, nil
}
