// Package bootstrap talks to the directory service that servers use to
// find each other. The directory is only a discovery aid: every failure
// here is logged and retried, never fatal, and the mesh keeps running
// on gossip once seeded.
package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// maxRetryBackoff caps the exponential retry delay.
const maxRetryBackoff = 2 * time.Minute

// Peer is a directory entry for another server, used as a gossip seed.
type Peer struct {
	ServerID  string `json:"serverId"`
	Endpoint  string `json:"endpoint"`
	PublicKey string `json:"publicKey"`
	Region    string `json:"region,omitempty"`
}

// Registration is what this server publishes about itself.
type Registration struct {
	ServerID  string `json:"serverId"`
	Endpoint  string `json:"endpoint"`
	PublicKey string `json:"publicKey"`
	Region    string `json:"region,omitempty"`
}

// Config controls timing; zero values are filled with defaults by New.
type Config struct {
	ServerURL         string
	HeartbeatInterval time.Duration
	RetryInterval     time.Duration
	RequestTimeout    time.Duration
}

type heartbeatResponse struct {
	Success bool   `json:"success"`
	Peers   []Peer `json:"peers"`
}

// Client registers with the directory, heartbeats, and feeds discovered
// peers to the gossip layer through the onPeers callback.
type Client struct {
	cfg     Config
	self    Registration
	http    *http.Client
	clock   clockwork.Clock
	log     zerolog.Logger
	onPeers func([]Peer)
}

func New(cfg Config, self Registration, onPeers func([]Peer), clock clockwork.Clock, log zerolog.Logger) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 60 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Client{
		cfg:     cfg,
		self:    self,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		clock:   clock,
		log:     log.With().Str("component", "bootstrap").Logger(),
		onPeers: onPeers,
	}
}

// Run registers, then heartbeats until the context ends. Registration
// retries forever with capped exponential backoff; directory outages
// only cost discovery, not operation.
func (c *Client) Run(ctx context.Context) {
	if c.cfg.ServerURL == "" {
		c.log.Info().Msg("no directory configured, running standalone")
		return
	}

	backoff := c.cfg.RetryInterval
	for {
		err := c.register(ctx)
		if err == nil {
			break
		}
		c.log.Warn().Err(err).Dur("retryIn", backoff).Msg("directory registration failed")
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(backoff):
		}
		if backoff *= 2; backoff > maxRetryBackoff {
			backoff = maxRetryBackoff
		}
	}
	c.log.Info().Str("directory", c.cfg.ServerURL).Msg("registered with directory")

	ticker := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := c.heartbeat(ctx); err != nil {
				c.log.Warn().Err(err).Msg("directory heartbeat failed")
			}
		}
	}
}

func (c *Client) register(ctx context.Context) error {
	return c.post(ctx, "/servers", c.self, nil)
}

func (c *Client) heartbeat(ctx context.Context) error {
	var resp heartbeatResponse
	if err := c.post(ctx, "/servers/heartbeat", map[string]string{"serverId": c.self.ServerID}, &resp); err != nil {
		return err
	}
	if len(resp.Peers) > 0 && c.onPeers != nil {
		c.onPeers(resp.Peers)
	}
	return nil
}

// Deregister removes this server's directory entry on shutdown. Best
// effort: the entry ages out anyway when heartbeats stop.
func (c *Client) Deregister(ctx context.Context) {
	if c.cfg.ServerURL == "" {
		return
	}
	endpoint := c.cfg.ServerURL + "/servers/" + url.PathEscape(c.self.ServerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Msg("directory deregistration failed")
		return
	}
	resp.Body.Close()
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServerURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("directory returned %s", resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
