// Package directory is a thin client for the third-party stream directory.
// It polls channel metadata and reports live/offline transitions; it carries
// no registry state of its own.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openmix/roomd/internal/core"
)

type Client struct {
	httpClient *http.Client
	baseURL    string
}

func NewClient(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
	}
}

func (c *Client) GetStreamInfo(ctx context.Context, channelID string) (core.ChannelMeta, error) {
	url := fmt.Sprintf("%s/v1/channels/%s", c.baseURL, channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return core.ChannelMeta{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.ChannelMeta{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return core.ChannelMeta{}, fmt.Errorf("directory: unexpected status %d for %s", resp.StatusCode, channelID)
	}

	var meta core.ChannelMeta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return core.ChannelMeta{}, err
	}
	return meta, nil
}

// Poller refreshes one channel's metadata on an interval and invokes onMeta
// with every successful answer. It satisfies core.ChannelWatcher.
type Poller struct {
	client    *Client
	channelID string
	interval  time.Duration
	onMeta    func(core.ChannelMeta)

	mu     sync.Mutex
	last   core.ChannelMeta
	cancel context.CancelFunc
}

func NewPoller(client *Client, channelID string, interval time.Duration, onMeta func(core.ChannelMeta)) *Poller {
	return &Poller{client: client, channelID: channelID, interval: interval, onMeta: onMeta}
}

func (p *Poller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		p.poll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.poll(ctx)
			}
		}
	}()
}

func (p *Poller) poll(ctx context.Context) {
	meta, err := p.client.GetStreamInfo(ctx, p.channelID)
	if err != nil {
		log.Error().Err(err).Str("module", "directory").Str("channel", p.channelID).Msg("poll failed")
		return
	}
	p.mu.Lock()
	wasLive := p.last.Live
	p.last = meta
	p.mu.Unlock()
	if wasLive != meta.Live {
		log.Info().Str("module", "directory").Str("channel", p.channelID).Bool("live", meta.Live).Msg("channel state changed")
	}
	if p.onMeta != nil {
		p.onMeta(meta)
	}
}

func (p *Poller) Info() core.ChannelMeta {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
