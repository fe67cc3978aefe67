package tannoyctl

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/tannoyproject/tannoy/pkg/api"
)

// Deliver signs and posts a webhook delivery under the configured source.
// Re-running with the same id is safe; the server deduplicates and reports
// the repeat.
func (a *App) Deliver(ctx context.Context, id string, eventType string, data string) error {
	request := &api.WebhookRequest{Id: id, Type: eventType}
	if data != "" {
		if !json.Valid([]byte(data)) {
			return errors.Errorf("data is not valid JSON: %s", data)
		}
		request.Data = json.RawMessage(data)
	}
	response, err := a.apiClient().DeliverWebhook(ctx, request)
	if err != nil {
		return err
	}
	if response.Duplicate {
		fmt.Fprintf(a.Out, "Delivery %s was already processed, nothing published\n", id)
		return nil
	}
	fmt.Fprintf(a.Out, "Delivered %s\n", id)
	return nil
}
