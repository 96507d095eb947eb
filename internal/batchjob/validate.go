package batchjob

import (
	"encoding/base64"
	"regexp"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/api/resource"

	"taskrunner/internal/apperrors"
)

// CreateRequest is the POST /batch/ payload.
type CreateRequest struct {
	Name          string             `json:"name"`
	AccountID     string             `json:"account_id"`
	JobParameters *ParametersRequest `json:"job_parameters"`
}

// ParametersRequest is the job_parameters section of a create request.
type ParametersRequest struct {
	DockerImage          string            `json:"docker_image"`
	EnvironmentVariables map[string]string `json:"environment_variables"`
	Resources            *Resources        `json:"resources"`
	// InputZip is a base64-encoded zip payload.
	InputZip string `json:"input_zip"`
}

var (
	// imagePattern covers registry/path:tag@digest references without shell
	// metacharacters. Everything interpolated into a manifest must match a
	// pattern like this one.
	imagePattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/@-]*$`)
	envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	controlChars   = regexp.MustCompile(`[\x00-\x1f\x7f]`)
)

// Validate checks the request and reports all field problems at once.
func (r *CreateRequest) Validate() error {
	fields := map[string]string{}

	if r.AccountID == "" {
		fields["account_id"] = "Field is required"
	}

	p := r.JobParameters
	if p == nil || p.DockerImage == "" {
		fields["docker_image"] = "Field is required"
	} else if !imagePattern.MatchString(p.DockerImage) {
		fields["docker_image"] = "Must be a valid docker image reference"
	}

	if r.Name != "" && !ValidName(r.Name) {
		fields["name"] = "Must be a DNS-1123 label of at most 45 characters"
	}

	if p != nil {
		for k, v := range p.EnvironmentVariables {
			if !envNamePattern.MatchString(k) {
				fields["environment_variables"] = "Variable names must match [A-Za-z_][A-Za-z0-9_]*"
				break
			}
			if controlChars.MatchString(v) {
				fields["environment_variables"] = "Variable values must not contain control characters"
				break
			}
		}
		if p.Resources != nil {
			if msg := validateQuantities(p.Resources); msg != "" {
				fields["resources"] = msg
			}
		}
		if p.InputZip != "" {
			if _, err := base64.StdEncoding.DecodeString(p.InputZip); err != nil {
				fields["input_zip"] = "Must be a base64 encoded zip file"
			}
		}
	}

	if len(fields) > 0 {
		return apperrors.ValidationFields(fields)
	}
	return nil
}

func validateQuantities(r *Resources) string {
	for _, q := range []string{r.Limits.CPU, r.Limits.Memory, r.Requests.CPU, r.Requests.Memory} {
		if q == "" {
			continue
		}
		if _, err := resource.ParseQuantity(q); err != nil {
			return "Quantities must be valid Kubernetes resource strings"
		}
	}
	return ""
}

// Build validates the request and materializes a BatchJob record with
// status=created. The input zip is decoded into the record; the name is
// derived from the docker image when not supplied.
func (r *CreateRequest) Build(now time.Time) (*BatchJob, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	job := &BatchJob{
		ID:        uuid.New(),
		AccountID: r.AccountID,
		Status:    StatusCreated,
		Created:   now.UTC(),
		Parameters: Parameters{
			DockerImage:          r.JobParameters.DockerImage,
			EnvironmentVariables: StringMap(r.JobParameters.EnvironmentVariables),
		},
	}
	if r.JobParameters.Resources != nil {
		job.Parameters.Resources = *r.JobParameters.Resources
	}
	if r.JobParameters.InputZip != "" {
		decoded, err := base64.StdEncoding.DecodeString(r.JobParameters.InputZip)
		if err != nil {
			return nil, apperrors.Validation("input_zip", "Must be a base64 encoded zip file")
		}
		job.Parameters.InputZip = decoded
		job.HasInputFile = true
	}

	job.Name = r.Name
	if job.Name == "" {
		job.Name = DeriveName(job.Parameters.DockerImage, job.Created)
	}
	return job, nil
}
