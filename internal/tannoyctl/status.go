package tannoyctl

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"
)

// Status prints worker pool occupancy and the server's live SSE connections.
func (a *App) Status(ctx context.Context) error {
	c := a.apiClient()

	pool, err := c.PoolStatus(ctx)
	if err != nil {
		return err
	}
	stats, err := c.StreamStats(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(a.Out, 1, 1, 1, ' ', 0)
	fmt.Fprintf(w, "Worker pool:\t%d/%d slots busy, %d/%d queued\n", pool.Running, pool.Slots, pool.QueueDepth, pool.QueueCapacity)
	fmt.Fprintf(w, "Jobs completed:\t%d\n", pool.Completed)
	fmt.Fprintf(w, "Jobs failed:\t%d\n", pool.Failed)
	fmt.Fprintf(w, "Jobs rejected:\t%d\n", pool.Rejected)
	fmt.Fprintf(w, "Workers replaced:\t%d\n", pool.Replaced)
	fmt.Fprintf(w, "Stream connections:\t%d\n", len(stats.Connections))
	if err := w.Flush(); err != nil {
		return err
	}

	if len(stats.Connections) == 0 {
		return nil
	}
	w = tabwriter.NewWriter(a.Out, 1, 1, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintf(w, "ID\tSTATE\tAGE\tQUEUED\tDROPPED\n")
	for _, conn := range stats.Connections {
		age := time.Duration(conn.AgeMs) * time.Millisecond
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", conn.Id, conn.State, age.Round(time.Second), conn.QueueDepth, conn.Dropped)
	}
	return nil
}
