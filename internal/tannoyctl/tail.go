package tannoyctl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/tannoyproject/tannoy/pkg/api"
)

// Tail follows the event log from the given cursor, printing one event per
// line until the context is cancelled. Cancellation is the normal way to
// stop tailing and is not reported as an error.
func (a *App) Tail(ctx context.Context, after uint64, wait time.Duration, raw bool) error {
	cursor, err := a.apiClient().TailEvents(ctx, after, wait, func(event api.Event) error {
		if raw {
			data, err := json.Marshal(event)
			if err != nil {
				return errors.WithStack(err)
			}
			fmt.Fprintf(a.Out, "%s\n", data)
			return nil
		}
		room := event.Room
		if room == "" {
			room = "-"
		}
		fmt.Fprintf(a.Out, "%d\t%s\t%s\t%s\t%s\n", event.Seq, event.Time.Format(time.RFC3339), event.Type, room, event.Payload)
		return nil
	})
	if errors.Is(err, context.Canceled) {
		fmt.Fprintf(a.Out, "Stopped at seq %d\n", cursor)
		return nil
	}
	return err
}
