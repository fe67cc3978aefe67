package tannoyctl

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/tannoyproject/tannoy/pkg/api"
)

// JobSubmitFile is the schema of YAML files accepted by SubmitFile.
type JobSubmitFile struct {
	Jobs []JobSpec `yaml:"jobs"`
}

type JobSpec struct {
	DurationMs int64  `yaml:"durationMs"`
	Mode       string `yaml:"mode"`
	Panic      bool   `yaml:"panic"`
	Wait       bool   `yaml:"wait"`
}

func (s JobSpec) toRequest() *api.JobSubmitRequest {
	return &api.JobSubmitRequest{
		DurationMs: s.DurationMs,
		Mode:       s.Mode,
		Panic:      s.Panic,
		Wait:       s.Wait,
	}
}

// Submit sends a single job to the worker pool and prints the outcome. In
// blocking mode the server answers with the job result; otherwise with the
// id under which the job was registered.
func (a *App) Submit(ctx context.Context, request *api.JobSubmitRequest) error {
	response, err := a.apiClient().SubmitJob(ctx, request)
	if err != nil {
		return err
	}
	if response.Result != nil {
		if response.Result.Error != "" {
			fmt.Fprintf(a.Out, "Job %s failed: %s\n", response.Result.JobId, response.Result.Error)
			return nil
		}
		fmt.Fprintf(a.Out, "Job %s finished in %dms on slot %d\n", response.Result.JobId, response.Result.ElapsedMs, response.Result.SlotId)
		return nil
	}
	fmt.Fprintf(a.Out, "Submitted job %s (%s)\n", response.JobId, response.State)
	return nil
}

// SubmitFile submits every job listed in a YAML file, in order. Submission
// stops at the first error, e.g., when the pool queue fills up.
func (a *App) SubmitFile(ctx context.Context, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return errors.WithStack(err)
	}
	var file JobSubmitFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return errors.Wrapf(err, "error unmarshalling %s", path)
	}
	if len(file.Jobs) == 0 {
		return errors.Errorf("no jobs found in %s", path)
	}
	for _, spec := range file.Jobs {
		if err := a.Submit(ctx, spec.toRequest()); err != nil {
			return err
		}
	}
	return nil
}
