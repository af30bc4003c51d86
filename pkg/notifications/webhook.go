package notifications

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/carlmjohnson/requests"

	"github.com/opnmodem/hilinkd/pkg"
	"github.com/opnmodem/hilinkd/pkg/config"
	"github.com/opnmodem/hilinkd/pkg/logx"
)

// payload is the JSON document delivered to the configured webhook
type payload struct {
	Source    string    `json:"source"`
	Hostname  string    `json:"hostname,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Alert     pkg.Alert `json:"alert"`
}

// Notifier delivers alert changes to an operator webhook. Deliveries for
// the same alert type are rate limited by a cooldown so a flapping
// condition cannot flood the receiver; resolutions always go through.
type Notifier struct {
	mu       sync.Mutex
	cfg      config.NotifyConfig
	logger   *logx.Logger
	hostname string
	lastSent map[string]time.Time
}

// NewNotifier creates a webhook notifier; a nil result means notifications
// are not configured
func NewNotifier(cfg config.NotifyConfig, logger *logx.Logger) *Notifier {
	if cfg.WebhookURL == "" {
		return nil
	}
	hostname, _ := os.Hostname()
	return &Notifier{
		cfg:      cfg,
		logger:   logger,
		hostname: hostname,
		lastSent: make(map[string]time.Time),
	}
}

// Notify delivers one alert change, honoring the cooldown
func (n *Notifier) Notify(ctx context.Context, alert pkg.Alert) {
	if n == nil {
		return
	}
	key := alert.ModemUUID + "/" + string(alert.Type)
	cooldown := time.Duration(n.cfg.CooldownS) * time.Second

	n.mu.Lock()
	if alert.State != pkg.AlertResolved && cooldown > 0 {
		if last, ok := n.lastSent[key]; ok && time.Since(last) < cooldown {
			n.mu.Unlock()
			n.logger.Debug("Webhook delivery suppressed by cooldown",
				"modem", alert.ModemUUID, "type", alert.Type)
			return
		}
	}
	n.lastSent[key] = time.Now()
	n.mu.Unlock()

	body := payload{
		Source:    "hilinkd",
		Hostname:  n.hostname,
		Timestamp: time.Now(),
		Alert:     alert,
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	err := requests.URL(n.cfg.WebhookURL).
		BodyJSON(&body).
		Fetch(ctx)
	if err != nil {
		n.logger.Warn("Webhook delivery failed",
			"url", n.cfg.WebhookURL, "alert_id", alert.ID, "error", err)
		return
	}
	n.logger.Debug("Webhook delivered", "alert_id", alert.ID, "type", alert.Type, "state", alert.State)
}
