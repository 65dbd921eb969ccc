package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sipstate/internal/config"
	"sipstate/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook posts messages to one HTTP endpoint.
type Webhook struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Client  *http.Client
	filter  kindFilter
}

// NewWebhook builds a webhook publisher from config. Kinds not listed in
// hook.Events are skipped; an empty list subscribes to every kind.
func NewWebhook(hook config.WebhookConfig) *Webhook {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return &Webhook{
		URL:     hook.URL,
		Secret:  hook.Secret,
		Timeout: timeout,
		Client:  &http.Client{Timeout: timeout},
		filter:  newKindFilter(hook.Events),
	}
}

// Webhooks returns publishers for every enabled hook.
func Webhooks(hooks []config.WebhookConfig) []Publisher {
	var out []Publisher
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		out = append(out, NewWebhook(hook))
	}
	return out
}

func (w *Webhook) Publish(ctx context.Context, msg domain.OutboundMessage, body []byte) error {
	if !w.filter.match(msg.Kind) {
		return nil
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/cloudevents+json")
	req.Header.Set("X-Sipstate-Event", msg.Kind)
	req.Header.Set("X-Sipstate-Delivery", msg.MessageID)
	req.Header.Set("X-Sipstate-Package", msg.PackageID)
	req.Header.Set("X-Sipstate-Version", strconv.FormatInt(msg.Version, 10))
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Sipstate-Secret", w.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook %s: status %d: %s", w.URL, res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type kindFilter struct {
	all bool
	set map[string]struct{}
}

func newKindFilter(kinds []string) kindFilter {
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return kindFilter{all: true}
	}
	return kindFilter{set: set}
}

func (f kindFilter) match(kind string) bool {
	if f.all || f.set == nil {
		return true
	}
	_, ok := f.set[kind]
	return ok
}
