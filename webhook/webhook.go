package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/use-agent/portalscrape/engine"
	"github.com/use-agent/portalscrape/guard"
	"github.com/use-agent/portalscrape/models"
)

// SignatureHeader carries the HMAC-SHA256 of the body as "sha256=<hex>".
const SignatureHeader = "X-Portalscrape-Signature"

// Event is the payload sent to webhook endpoints.
type Event struct {
	Type      string      `json:"type"` // "run.completed", "run.failed" or "run.abandoned"
	RunID     string      `json:"run_id"`
	Timestamp int64       `json:"timestamp"`
	Data      *RunPayload `json:"data"`
}

// RunPayload describes the finished run.
type RunPayload struct {
	Source     models.Source       `json:"source"`
	Limit      int                 `json:"limit"`
	Emitted    int                 `json:"emitted"`
	DurationMs int64               `json:"duration_ms"`
	Error      *models.ErrorDetail `json:"error,omitempty"`
	Summary    engine.Summary      `json:"summary"`
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Deliver sends a webhook event synchronously.
// The request body is signed with HMAC-SHA256 if secret is non-empty.
func Deliver(ctx context.Context, client *http.Client, url, secret string, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Portalscrape-Webhook/1.0")

	if secret != "" {
		req.Header.Set(SignatureHeader, Sign(secret, body))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: deliver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Notifier posts an event for every finished run. It implements
// guard.Observer.
type Notifier struct {
	url    string
	secret string
	client *http.Client
	delays []time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ guard.Observer = (*Notifier)(nil)

// NewNotifier creates a Notifier. Deliveries retry after 1s, 5s and 30s.
func NewNotifier(url, secret string) *Notifier {
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		delays: []time.Duration{0, 1 * time.Second, 5 * time.Second, 30 * time.Second},
		ctx:    ctx,
		cancel: cancel,
	}
}

func (n *Notifier) RunStarted(models.Source, int) {}

func (n *Notifier) RunRejected(models.Source) {}

// RunFinished queues delivery of the run's event.
func (n *Notifier) RunFinished(o guard.Outcome) {
	n.DeliverAsync(NewEvent(o))
}

// NewEvent builds the event for an outcome.
func NewEvent(o guard.Outcome) *Event {
	payload := &RunPayload{
		Source:     o.Source,
		Limit:      o.Limit,
		Emitted:    o.Emitted,
		DurationMs: o.Duration.Milliseconds(),
		Summary:    o.Summary,
	}
	if o.Err != nil {
		payload.Error = models.AsExtractError(o.Err).ToDetail()
	}
	return &Event{
		Type:      "run." + o.Status,
		RunID:     o.RunID,
		Timestamp: time.Now().Unix(),
		Data:      payload,
	}
}

// DeliverAsync sends event in the background, retrying on failure.
func (n *Notifier) DeliverAsync(event *Event) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for attempt, delay := range n.delays {
			if delay > 0 {
				select {
				case <-n.ctx.Done():
					slog.Warn("webhook delivery abandoned", "event", event.Type, "run_id", event.RunID)
					return
				case <-time.After(delay):
				}
			}
			ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
			err := Deliver(ctx, n.client, n.url, n.secret, event)
			cancel()
			if err == nil {
				slog.Info("webhook delivered",
					"url", n.url,
					"event", event.Type,
					"run_id", event.RunID,
					"attempt", attempt+1,
				)
				return
			}
			slog.Warn("webhook delivery failed",
				"url", n.url,
				"event", event.Type,
				"run_id", event.RunID,
				"attempt", attempt+1,
				"error", err,
			)
		}
		slog.Error("webhook delivery exhausted all retries",
			"url", n.url,
			"event", event.Type,
			"run_id", event.RunID,
		)
	}()
}

// Close abandons pending retries and waits for in-flight deliveries.
func (n *Notifier) Close() {
	n.cancel()
	n.wg.Wait()
}

// Wait blocks until queued deliveries finish.
func (n *Notifier) Wait() { n.wg.Wait() }
