// Package batchjob defines the batch job record, its lifecycle statuses and
// its persistence.
package batchjob

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle status of a batch job. Progression is monotonic:
// created → running → cleaning → succeeded, or created → {failed|killed}
// possibly via running.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
	StatusCleaning  Status = "cleaning"
	StatusSucceeded Status = "succeeded"
)

// Statuses lists all valid status values.
var Statuses = []Status{
	StatusCreated, StatusRunning, StatusFailed,
	StatusKilled, StatusCleaning, StatusSucceeded,
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusKilled || s == StatusSucceeded
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// CleanupJobSuffix distinguishes cleanup Jobs from primary Jobs on the cluster.
const CleanupJobSuffix = "-cleanup"

// StringMap is a string→string mapping stored as a JSON column.
type StringMap map[string]string

func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(map[string]string(m))
	return string(b), err
}

func (m *StringMap) Scan(val any) error {
	b, err := scanBytes(val)
	if err != nil || b == nil {
		return err
	}
	t := map[string]string{}
	if err := json.Unmarshal(b, &t); err != nil {
		return err
	}
	*m = StringMap(t)
	return nil
}

// JSONMap is an arbitrary JSON object stored as a JSON column. Used for
// diagnostic payloads such as the last cluster response.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(map[string]any(m))
	return string(b), err
}

func (m *JSONMap) Scan(val any) error {
	b, err := scanBytes(val)
	if err != nil || b == nil {
		return err
	}
	t := map[string]any{}
	if err := json.Unmarshal(b, &t); err != nil {
		return err
	}
	*m = JSONMap(t)
	return nil
}

func scanBytes(val any) ([]byte, error) {
	switch v := val.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported column type %T", val)
	}
}

// ResourceList holds Kubernetes quantity strings for one side of a resource
// specification. Empty values are omitted from manifests.
type ResourceList struct {
	CPU    string `json:"cpu,omitempty"`
	Memory string `json:"memory,omitempty"`
}

// Empty reports whether no quantities are set.
func (l ResourceList) Empty() bool {
	return l.CPU == "" && l.Memory == ""
}

// Resources mirrors the limits/requests structure of a container resource
// specification.
type Resources struct {
	Limits   ResourceList `json:"limits,omitempty"`
	Requests ResourceList `json:"requests,omitempty"`
}

// Empty reports whether no quantities are set on either side.
func (r Resources) Empty() bool {
	return r.Limits.Empty() && r.Requests.Empty()
}

func (r Resources) Value() (driver.Value, error) {
	if r.Empty() {
		return nil, nil
	}
	b, err := json.Marshal(r)
	return string(b), err
}

func (r *Resources) Scan(val any) error {
	b, err := scanBytes(val)
	if err != nil || b == nil {
		return err
	}
	return json.Unmarshal(b, r)
}

// Parameters holds the client-supplied workload specification.
type Parameters struct {
	DockerImage          string    `gorm:"column:docker_image;not null"`
	EnvironmentVariables StringMap `gorm:"column:environment_variables;type:text"`
	Resources            Resources `gorm:"column:resources;type:text"`
	// InputZip holds the decoded input payload until the coordinator has
	// uploaded it to the object store, then it is cleared.
	InputZip []byte `gorm:"column:input_zip"`
}

// BatchJob is the orchestrator's record of a one-shot workload request.
// Terminal records are retained for audit and listing, never deleted.
type BatchJob struct {
	ID              uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	Name            string     `gorm:"column:name;uniqueIndex;not null"`
	AccountID       string     `gorm:"column:account_id;index"`
	Status          Status     `gorm:"column:status;index;not null"`
	Parameters      Parameters `gorm:"embedded"`
	HasInputFile    bool       `gorm:"column:has_input_file"`
	Created         time.Time  `gorm:"column:created"`
	StartTime       *time.Time `gorm:"column:start_time"`
	StopTime        *time.Time `gorm:"column:stop_time"`
	OutputFileURL   string     `gorm:"column:output_file_url"`
	LastPodResponse JSONMap    `gorm:"column:last_pod_response;type:text"`
}

// TableName implements the gorm table naming convention.
func (BatchJob) TableName() string { return "batch_jobs" }

// InputPVCName is the claim backing /input/ in the primary Job.
func (j *BatchJob) InputPVCName() string { return "job-" + j.Name + "-input" }

// OutputPVCName is the claim backing /output/ in the primary Job.
func (j *BatchJob) OutputPVCName() string { return "job-" + j.Name + "-output" }

// CleanupJobName is the cluster name of the cleanup Job.
func (j *BatchJob) CleanupJobName() string { return j.Name + CleanupJobSuffix }

// InputObjectKey is the object-store key of the uploaded input payload.
func (j *BatchJob) InputObjectKey() string { return j.Name + "-input.zip" }

// OutputObjectKey is the object-store key the cleanup Job writes to.
func (j *BatchJob) OutputObjectKey() string { return j.Name + "-output.zip" }

// RelatedJobName maps a cluster Job name back to its batch job name,
// reporting whether the cluster Job is a cleanup Job.
func RelatedJobName(clusterJobName string) (string, bool) {
	if strings.HasSuffix(clusterJobName, CleanupJobSuffix) {
		return strings.TrimSuffix(clusterJobName, CleanupJobSuffix), true
	}
	return clusterJobName, false
}

// maxNameLength leaves headroom for the derived resource names
// (job-<name>-output, <name>-cleanup) within the 63-char DNS label limit.
const maxNameLength = 45

var (
	dns1123Pattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)
	slugCleaner    = regexp.MustCompile(`[^a-z0-9]+`)
)

// ValidName reports whether name is usable as a cluster Job name.
func ValidName(name string) bool {
	return name != "" && len(name) <= maxNameLength && dns1123Pattern.MatchString(name)
}

// DeriveName builds the default job name <image-basename>-<creation-epoch-ms>.
func DeriveName(image string, created time.Time) string {
	slug := imageSlug(image)
	if slug == "" {
		slug = "job"
	}
	const maxSlugLength = 30
	if len(slug) > maxSlugLength {
		slug = strings.Trim(slug[:maxSlugLength], "-")
	}
	return fmt.Sprintf("%s-%d", slug, created.UnixMilli())
}

// imageSlug reduces a docker image reference to a DNS-safe slug of its
// basename: registry, path, tag and digest are stripped.
func imageSlug(image string) string {
	if at := strings.LastIndex(image, "@"); at >= 0 {
		image = image[:at]
	}
	base := image
	if slash := strings.LastIndex(base, "/"); slash >= 0 {
		base = base[slash+1:]
	}
	if colon := strings.LastIndex(base, ":"); colon >= 0 {
		base = base[:colon]
	}
	base = strings.ToLower(base)
	base = slugCleaner.ReplaceAllString(base, "-")
	return strings.Trim(base, "-")
}
