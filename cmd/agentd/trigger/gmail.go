package trigger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/praxisline/agentd/common/bus"
	"github.com/praxisline/agentd/common/config"
	"github.com/praxisline/agentd/common/crypto"
	"github.com/praxisline/agentd/common/metrics"
	"github.com/praxisline/agentd/common/models"
	"github.com/praxisline/agentd/common/redis"
)

// GmailMessage is the minimal metadata fetched per new message
type GmailMessage struct {
	ID      string
	From    string
	Subject string
	Snippet string
}

// GmailAPI is the Gmail surface the poller depends on. The production
// implementation speaks HTTP on worker goroutines; tests script it.
type GmailAPI interface {
	// AccessToken exchanges a refresh token for a short-lived access token
	AccessToken(ctx context.Context, refreshToken string) (string, error)
	// History returns messages added since historyID plus the max history id seen
	History(ctx context.Context, accessToken, historyID string) ([]GmailMessage, string, error)
	// Watch renews the push watch and returns its new expiry
	Watch(ctx context.Context, accessToken string) (time.Time, error)
}

// TokenCache caches access tokens between polls. Satisfied by the redis
// client wrapper.
type TokenCache interface {
	Get(ctx context.Context, key string) (string, error)
	SetWithExpiry(ctx context.Context, key, value string, expiry time.Duration) error
}

// Poller drives email triggers: on each tick it diffs Gmail history per
// trigger, fires matching messages onto the bus, and keeps history_id
// and the push watch current. history_id always advances to the maximum
// seen, matches or not.
type Poller struct {
	triggers TriggerStore
	api      GmailAPI
	tokens   TokenCache
	box      *crypto.Box
	bus      *bus.Bus
	metrics  *metrics.Metrics
	cfg      config.TriggerConfig
	logger   Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// PollerOpts configures a Poller
type PollerOpts struct {
	Triggers TriggerStore
	API      GmailAPI
	Tokens   TokenCache
	Box      *crypto.Box
	Bus      *bus.Bus
	Metrics  *metrics.Metrics
	Config   config.TriggerConfig
	Logger   Logger
}

// NewPoller creates an email trigger poller
func NewPoller(opts PollerOpts) *Poller {
	return &Poller{
		triggers: opts.Triggers,
		api:      opts.API,
		tokens:   opts.Tokens,
		box:      opts.Box,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		cfg:      opts.Config,
		logger:   opts.Logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the polling loop until Stop is called or ctx ends
func (p *Poller) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.cfg.GmailPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				p.PollOnce(ctx)
			}
		}
	}()
}

// Stop ends the polling loop and waits for the current pass to finish
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

// PollOnce polls every email trigger one time
func (p *Poller) PollOnce(ctx context.Context) {
	triggers, err := p.triggers.ListByType(ctx, models.TriggerTypeEmail)
	if err != nil {
		p.logger.Error("failed to list email triggers", "error", err)
		return
	}
	for _, trig := range triggers {
		p.pollTrigger(ctx, trig)
	}
}

func (p *Poller) pollTrigger(ctx context.Context, trig *models.Trigger) {
	token, err := p.accessToken(ctx, trig)
	if err != nil {
		p.metrics.GmailAPIErrorTotal.Inc()
		p.logger.Error("failed to obtain gmail token", "trigger_id", trig.ID, "error", err)
		return
	}

	historyID, _ := trig.Config["history_id"].(string)
	messages, maxHistory, err := p.api.History(ctx, token, historyID)
	if err != nil {
		p.metrics.GmailAPIErrorTotal.Inc()
		p.logger.Error("gmail history fetch failed", "trigger_id", trig.ID, "error", err)
		return
	}

	fired := 0
	for _, msg := range messages {
		if !matchFilters(trig.Config["filters"], msg) {
			continue
		}
		p.bus.Publish(ctx, bus.TriggerFired, map[string]interface{}{
			"agent_id":     trig.AgentID.String(),
			"trigger_id":   trig.ID.String(),
			"trigger_type": string(models.TriggerTypeEmail),
			"payload": map[string]interface{}{
				"message_id": msg.ID,
				"from":       msg.From,
				"subject":    msg.Subject,
				"snippet":    msg.Snippet,
			},
		})
		p.metrics.TriggerFiredTotal.WithLabelValues(string(models.TriggerTypeEmail)).Inc()
		fired++
	}

	// Advance past everything seen even when nothing matched, otherwise
	// the next poll reprocesses the same history.
	if advanced := maxHistoryID(historyID, maxHistory); advanced != "" && advanced != historyID {
		updated := cloneConfig(trig.Config)
		updated["history_id"] = advanced
		if err := p.triggers.UpdateConfig(ctx, trig.ID, updated); err != nil {
			p.logger.Error("failed to advance gmail history", "trigger_id", trig.ID, "error", err)
		} else {
			trig.Config = updated
		}
	}

	p.renewWatchIfNeeded(ctx, trig, token)

	if fired > 0 {
		p.logger.Info("email triggers fired", "trigger_id", trig.ID, "count", fired)
	}
}

// accessToken returns a cached access token, minting a fresh one from
// the encrypted refresh token on cache miss.
func (p *Poller) accessToken(ctx context.Context, trig *models.Trigger) (string, error) {
	key := "gmail:token:" + trig.ID.String()
	if token, err := p.tokens.Get(ctx, key); err == nil {
		return token, nil
	} else if !errors.Is(err, redis.ErrKeyNotFound) {
		p.logger.Warn("gmail token cache read failed", "trigger_id", trig.ID, "error", err)
	}

	refreshToken, err := p.box.OpenString(trig.Secret)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}
	token, err := p.api.AccessToken(ctx, refreshToken)
	if err != nil {
		return "", fmt.Errorf("exchange refresh token: %w", err)
	}
	if err := p.tokens.SetWithExpiry(ctx, key, token, p.cfg.GmailTokenTTL); err != nil {
		p.logger.Warn("gmail token cache write failed", "trigger_id", trig.ID, "error", err)
	}
	return token, nil
}

// renewWatchIfNeeded renews the push watch when it expires within the
// configured window
func (p *Poller) renewWatchIfNeeded(ctx context.Context, trig *models.Trigger, token string) {
	expiryRaw, _ := trig.Config["watch_expiry"].(string)
	if expiryRaw == "" {
		return
	}
	expiry, err := time.Parse(time.RFC3339, expiryRaw)
	if err != nil {
		p.logger.Warn("invalid gmail watch expiry", "trigger_id", trig.ID, "value", expiryRaw)
		return
	}
	if time.Until(expiry) >= p.cfg.GmailWatchRenewIn {
		return
	}

	newExpiry, err := p.api.Watch(ctx, token)
	if err != nil {
		p.metrics.GmailAPIErrorTotal.Inc()
		p.logger.Error("gmail watch renew failed", "trigger_id", trig.ID, "error", err)
		return
	}

	updated := cloneConfig(trig.Config)
	updated["watch_expiry"] = newExpiry.UTC().Format(time.RFC3339)
	if err := p.triggers.UpdateConfig(ctx, trig.ID, updated); err != nil {
		p.logger.Error("failed to persist gmail watch expiry", "trigger_id", trig.ID, "error", err)
		return
	}
	trig.Config = updated
	p.metrics.GmailWatchRenewTotal.Inc()
	p.logger.Info("gmail watch renewed", "trigger_id", trig.ID, "expiry", updated["watch_expiry"])
}

// matchFilters applies the trigger's config.filters to a message.
// Supported keys: from_contains, subject_contains; both case-insensitive
// substring matches. A missing or empty filter set matches everything.
func matchFilters(raw interface{}, msg GmailMessage) bool {
	filters, ok := raw.(map[string]interface{})
	if !ok || len(filters) == 0 {
		return true
	}
	if want, ok := filters["from_contains"].(string); ok && want != "" {
		if !strings.Contains(strings.ToLower(msg.From), strings.ToLower(want)) {
			return false
		}
	}
	if want, ok := filters["subject_contains"].(string); ok && want != "" {
		if !strings.Contains(strings.ToLower(msg.Subject), strings.ToLower(want)) {
			return false
		}
	}
	return true
}

// maxHistoryID returns the numerically larger of two gmail history ids
func maxHistoryID(a, b string) string {
	an, aErr := strconv.ParseUint(a, 10, 64)
	bn, bErr := strconv.ParseUint(b, 10, 64)
	switch {
	case aErr != nil:
		return b
	case bErr != nil:
		return a
	case bn > an:
		return b
	default:
		return a
	}
}

func cloneConfig(config map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(config)+1)
	for k, v := range config {
		out[k] = v
	}
	return out
}
