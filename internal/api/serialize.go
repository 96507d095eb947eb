package api

import (
	"time"

	"taskrunner/internal/batchjob"
)

// batchJobView is the wire shape of a record. Timestamps are epoch
// milliseconds; the input payload is never serialized.
type batchJobView struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	AccountID       string           `json:"account_id"`
	Status          batchjob.Status  `json:"status"`
	JobParameters   parametersView   `json:"job_parameters"`
	HasInputFile    bool             `json:"has_input_file"`
	Created         int64            `json:"created"`
	StartTime       *int64           `json:"start_time"`
	StopTime        *int64           `json:"stop_time"`
	OutputFileURL   string           `json:"output_file_url,omitempty"`
	LastPodResponse batchjob.JSONMap `json:"last_pod_response,omitempty"`
}

type parametersView struct {
	DockerImage          string              `json:"docker_image"`
	EnvironmentVariables map[string]string   `json:"environment_variables,omitempty"`
	Resources            *batchjob.Resources `json:"resources,omitempty"`
}

func newBatchJobView(job *batchjob.BatchJob) batchJobView {
	view := batchJobView{
		ID:        job.ID.String(),
		Name:      job.Name,
		AccountID: job.AccountID,
		Status:    job.Status,
		JobParameters: parametersView{
			DockerImage:          job.Parameters.DockerImage,
			EnvironmentVariables: job.Parameters.EnvironmentVariables,
		},
		HasInputFile:    job.HasInputFile,
		Created:         job.Created.UnixMilli(),
		StartTime:       epochMillis(job.StartTime),
		StopTime:        epochMillis(job.StopTime),
		OutputFileURL:   job.OutputFileURL,
		LastPodResponse: job.LastPodResponse,
	}
	if !job.Parameters.Resources.Empty() {
		resources := job.Parameters.Resources
		view.JobParameters.Resources = &resources
	}
	return view
}

func newBatchJobViews(jobs []batchjob.BatchJob) []batchJobView {
	views := make([]batchJobView, 0, len(jobs))
	for i := range jobs {
		views = append(views, newBatchJobView(&jobs[i]))
	}
	return views
}

func epochMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}
