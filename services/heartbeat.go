package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"

	"chorus/presence-tracker/models"
	"chorus/presence-tracker/utils"
)

// Heartbeat keeps the upstream connector marked online by pinging it on a
// fixed interval. It shares no state with the reconciler.
type Heartbeat struct {
	client      *http.Client
	endpoint    string
	instanceID  string
	accessToken string
	interval    time.Duration
	clock       quartz.Clock
	logger      *utils.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	waiter quartz.Waiter
	first  sync.WaitGroup
}

func NewHeartbeat(baseURL, instanceID, accessToken string, interval time.Duration, client *http.Client, clock quartz.Clock, logger *utils.Logger) *Heartbeat {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Heartbeat{
		client:      client,
		endpoint:    strings.TrimRight(baseURL, "/") + "/presence",
		instanceID:  instanceID,
		accessToken: accessToken,
		interval:    interval,
		clock:       clock,
		logger:      logger,
	}
}

// Start sends one ping immediately and then one per interval until Stop. It
// does not wait for the first ping to complete.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	h.logger.Info("Starting heartbeat", "interval", h.interval)
	h.first.Add(1)
	go func() {
		defer h.first.Done()
		h.tick(ctx)
	}()
	h.waiter = h.clock.TickerFunc(ctx, h.interval, func() error {
		h.tick(ctx)
		return nil
	}, "heartbeat")
}

// Stop cancels the ticker and waits for an in-flight ping to finish.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	cancel, waiter := h.cancel, h.waiter
	h.cancel, h.waiter = nil, nil
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if waiter != nil {
		_ = waiter.Wait()
	}
	h.first.Wait()
	h.logger.Info("Heartbeat stopped")
}

func (h *Heartbeat) tick(ctx context.Context) {
	if err := h.Ping(ctx); err != nil {
		h.logger.Warn("Heartbeat ping failed", "error", err)
		return
	}
	h.logger.Debug("Heartbeat ping sent")
}

// Ping declares the connector online once.
func (h *Heartbeat) Ping(ctx context.Context) error {
	form := url.Values{}
	form.Set("instance_id", h.instanceID)
	form.Set("access_token", h.accessToken)
	form.Set("presence", "online")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrHeartbeatFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrHeartbeatFailed, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("%w: status %d: %s", models.ErrHeartbeatFailed, res.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}
