package notifier

import (
	"context"
	"net/url"

	"github.com/alertai/alertai/internal/httpclient"
)

// WebhookProvider posts the JSON payload to http(s) channels.
type WebhookProvider struct {
	client *httpclient.Client
}

// NewWebhookProvider creates a webhook provider on the shared client.
func NewWebhookProvider(client *httpclient.Client) *WebhookProvider {
	return &WebhookProvider{client: client}
}

// Name implements Provider.
func (w *WebhookProvider) Name() string { return "webhook" }

// Send implements Provider. 5xx and 429 answers are connection failures,
// other non-2xx answers are terminal.
func (w *WebhookProvider) Send(ctx context.Context, target *url.URL, payload Payload) error {
	resp, err := w.client.PostJSON(ctx, target.String(), payload)
	if err != nil {
		return err
	}
	defer httpclient.DrainAndClose(resp)
	return httpclient.CheckStatus(resp)
}
