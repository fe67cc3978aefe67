package tannoyctl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/tannoyproject/tannoy/internal/common/util"
	"github.com/tannoyproject/tannoy/pkg/api"
)

// Spam delivers a stream of generated webhook events, for demos and for
// exercising consumers. Every delivery gets a fresh id so none are dropped
// as duplicates. Cancellation stops the run cleanly.
func (a *App) Spam(ctx context.Context, count int, interval time.Duration, eventType string) error {
	if count < 1 {
		return errors.Errorf("count must be positive, got %d", count)
	}
	client := a.apiClient()
	runId := util.NewULID()

	for i := 0; i < count; i++ {
		if i > 0 && interval > 0 {
			select {
			case <-ctx.Done():
				fmt.Fprintf(a.Out, "Stopped after %d of %d events\n", i, count)
				return nil
			case <-time.After(interval):
			}
		}
		data, err := json.Marshal(map[string]interface{}{"run": runId, "n": i})
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = client.DeliverWebhook(ctx, &api.WebhookRequest{
			Id:   fmt.Sprintf("%s-%d", runId, i),
			Type: eventType,
			Data: data,
		})
		if errors.Is(err, context.Canceled) {
			fmt.Fprintf(a.Out, "Stopped after %d of %d events\n", i, count)
			return nil
		}
		if err != nil {
			return err
		}
	}
	fmt.Fprintf(a.Out, "Delivered %d events (run %s)\n", count, runId)
	return nil
}
