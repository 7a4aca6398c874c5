package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/life-stream-dev/life-stream-go-push-server/internal/logger"
)

type feedBody struct {
	Broadcasts map[string]uint64 `json:"broadcasts"`
}

// Poller keeps a Coordinator in sync with the broadcast feed.
type Poller struct {
	url         string
	token       string
	interval    time.Duration
	client      *http.Client
	coordinator *Coordinator
	onChange    func()
}

// NewPoller builds a poller. onChange, when non-nil, runs after every
// fetch that changed the version map.
func NewPoller(url string, token string, interval time.Duration, coordinator *Coordinator, onChange func()) *Poller {
	return &Poller{
		url:         url,
		token:       token,
		interval:    interval,
		client:      &http.Client{Timeout: 10 * time.Second},
		coordinator: coordinator,
		onChange:    onChange,
	}
}

// Fetch performs one poll and installs the result.
func (p *Poller) Fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("build broadcast request: %w", err)
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("broadcast feed request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("broadcast feed returned %s", resp.Status)
	}
	var body feedBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return fmt.Errorf("broadcast feed body invalid: %w", err)
	}

	updates := make([]TopicVersion, 0, len(body.Broadcasts))
	for topic, version := range body.Broadcasts {
		updates = append(updates, TopicVersion{Topic: topic, Version: version})
	}
	if p.coordinator.Apply(updates...) {
		logger.DebugF("Broadcast versions changed, %d topics known", len(p.coordinator.Snapshot()))
		if p.onChange != nil {
			p.onChange()
		}
	}
	return nil
}

// Run polls until ctx is done. Failures are logged and retried on the next
// tick.
func (p *Poller) Run(ctx context.Context) error {
	logger.InfoF("Polling broadcast feed %s every %s", p.url, p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if err := p.Fetch(ctx); err != nil && ctx.Err() == nil {
			logger.WarnF("Broadcast poll failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
