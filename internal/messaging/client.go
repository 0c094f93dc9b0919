// ABOUTME: WaSender send-message client routed through the resilience gateway.
// ABOUTME: Cleans phone numbers, sanitizes text, and surfaces 429 Retry-After hints.

package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/concierge/internal/resilience"
)

// Dependency is the gateway dependency name for outbound messages.
const Dependency = "messaging"

// DefaultApology replaces replies that cannot be sent as-is.
const DefaultApology = "عذرًا، صار عندي خلل بسيط الحين. ممكن تعيد رسالتك بعد شوي؟ 🙏"

// Doer runs a call under resilience policies.
type Doer interface {
	Do(ctx context.Context, dependency string, idempotent bool, fn func(ctx context.Context) error) error
}

// Options configures a Client.
type Options struct {
	BaseURL string
	APIKey  string
	// Apology replaces text that looks like JSON.
	Apology string
	// Sanitize enables the JSON check.
	Sanitize bool
	// Markdown renders replies from markdown to WhatsApp markup.
	Markdown bool
	HTTP     *http.Client
}

// Client sends WhatsApp messages.
type Client struct {
	opts   Options
	gw     Doer
	logger *slog.Logger
}

// New creates a WaSender client.
func New(opts Options, gw Doer, logger *slog.Logger) *Client {
	opts.BaseURL = strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Apology == "" {
		opts.Apology = DefaultApology
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{opts: opts, gw: gw, logger: logger.With("component", "messaging")}
}

// CleanPhone strips channel prefixes and WhatsApp JID suffixes from to.
func CleanPhone(to string) string {
	to = strings.TrimPrefix(strings.TrimSpace(to), "whatsapp:")
	to = strings.TrimSuffix(to, "@s.whatsapp.net")
	return strings.TrimPrefix(to, "+")
}

type sendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type rateLimitBody struct {
	RetryAfter int `json:"retry_after"`
}

// Prepare applies sanitization and formatting to an outbound reply.
func (c *Client) Prepare(text string) string {
	if c.opts.Sanitize && LooksLikeJSON(text) {
		c.logger.Error("refusing to send structured data to user, sending apology")
		return c.opts.Apology
	}
	if c.opts.Markdown {
		return FormatWhatsApp(text)
	}
	return text
}

// Send delivers text to the WhatsApp number to.
func (c *Client) Send(ctx context.Context, to, text string) error {
	phone := CleanPhone(to)
	if phone == "" {
		return errors.New("recipient is required")
	}
	text = c.Prepare(text)
	if strings.TrimSpace(text) == "" {
		return errors.New("message text is required")
	}

	payload, err := json.Marshal(sendRequest{To: phone, Text: text})
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	err = c.gw.Do(ctx, Dependency, false, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/api/send-message", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.opts.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
		}

		resp, err := c.opts.HTTP.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			re := resilience.NewRemoteError(Dependency, resp, raw)
			var body rateLimitBody
			if json.Unmarshal(raw, &body) == nil && body.RetryAfter > 0 {
				re.RetryAfter = time.Duration(body.RetryAfter) * time.Second
			}
			// WaSender rejects before accepting the message.
			return resilience.NotDelivered(re)
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return resilience.NewRemoteError(Dependency, resp, raw)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sending to %s: %w", phone, err)
	}

	c.logger.Info("message sent", "to", phone, "length", len(text))
	return nil
}
