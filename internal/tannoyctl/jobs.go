package tannoyctl

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/tannoyproject/tannoy/pkg/api"
)

// Jobs prints the most recent entries of the job registry, newest first.
func (a *App) Jobs(ctx context.Context, limit int) error {
	records, err := a.apiClient().ListJobs(ctx, limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(a.Out, 1, 1, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintf(w, "ID\tSTATE\tSUBMITTED\tDURATION\tSLOT\tERROR\n")
	for _, record := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			record.Id,
			record.State,
			record.SubmittedAt.Format(time.RFC3339),
			jobDuration(&record),
			jobSlot(&record),
			record.Error,
		)
	}
	return nil
}

// Job prints a single job record.
func (a *App) Job(ctx context.Context, jobId string) error {
	record, err := a.apiClient().GetJob(ctx, jobId)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(a.Out, 1, 1, 1, ' ', 0)
	defer w.Flush()
	fmt.Fprintf(w, "ID:\t%s\n", record.Id)
	fmt.Fprintf(w, "State:\t%s\n", record.State)
	fmt.Fprintf(w, "Submitted:\t%s\n", record.SubmittedAt.Format(time.RFC3339))
	if record.StartedAt != nil {
		fmt.Fprintf(w, "Started:\t%s\n", record.StartedAt.Format(time.RFC3339))
	}
	if record.FinishedAt != nil {
		fmt.Fprintf(w, "Finished:\t%s\n", record.FinishedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Duration:\t%s\n", jobDuration(record))
	fmt.Fprintf(w, "Slot:\t%s\n", jobSlot(record))
	if record.Error != "" {
		fmt.Fprintf(w, "Error:\t%s\n", record.Error)
	}
	return nil
}

// jobDuration reports elapsed wall time for finished jobs and the requested
// duration for everything still queued or running.
func jobDuration(record *api.JobRecord) string {
	if record.StartedAt != nil && record.FinishedAt != nil {
		return record.FinishedAt.Sub(*record.StartedAt).Round(time.Millisecond).String()
	}
	return fmt.Sprintf("(%dms requested)", record.DurationMs)
}

func jobSlot(record *api.JobRecord) string {
	if record.StartedAt == nil {
		return "-"
	}
	return fmt.Sprintf("%d", record.SlotId)
}
