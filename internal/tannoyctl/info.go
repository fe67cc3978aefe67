package tannoyctl

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"
)

// Info prints the server's version and event log position.
func (a *App) Info(ctx context.Context) error {
	info, err := a.apiClient().Info(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(a.Out, 1, 1, 1, ' ', 0)
	defer w.Flush()
	fmt.Fprintf(w, "Server version:\t%s\n", info.Version)
	fmt.Fprintf(w, "Started:\t%s\n", info.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Latest seq:\t%d\n", info.LatestSeq)
	return nil
}
