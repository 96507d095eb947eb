package cluster

import (
	"fmt"
	"regexp"
	"sort"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"taskrunner/internal/batchjob"
)

// Cluster object naming and labelling. The labels double as annotations so
// external tooling can identify cleanup jobs either way.
const (
	SecretName     = "gcs-api-key"
	secretFileName = "gcs-api-key.json"

	JobTypeLabel    = "job_runner_job_type"
	RelatedJobLabel = "job_runner_related_job"
	JobTypeBatch    = "batch"
	JobTypeCleanup  = "cleanup"

	taskContainerName    = "task"
	initContainerName    = "initializer"
	cleanupContainerName = "cleanup"

	inputMountPath         = "/input/"
	outputMountPath        = "/output/"
	processOutputMountPath = "/process-output/"
	bucketMountPath        = "/mnt"
	secretMountPath        = "/secrets"

	defaultPVCSize = "100Gi"
)

// ManifestConfig parameterizes manifest rendering.
type ManifestConfig struct {
	Namespace    string
	BucketName   string
	GCSFuseImage string
	PVCSize      string
	BackoffLimit int32
}

func (c ManifestConfig) pvcSize() string {
	if c.PVCSize == "" {
		return defaultPVCSize
	}
	return c.PVCSize
}

// Every string interpolated into a manifest is checked against these, on top
// of request validation, so a record that bypassed the API cannot inject
// arbitrary content.
var (
	safeImagePattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/@-]*$`)
	safeEnvName       = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	safeBucketPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	unsafeValue       = regexp.MustCompile(`[\x00-\x1f\x7f]`)
)

// RenderSecret builds the shared credentials Secret carrying the service
// account key file.
func RenderSecret(cfg ManifestConfig, credentials []byte) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      SecretName,
			Namespace: cfg.Namespace,
		},
		Type:       corev1.SecretTypeOpaque,
		StringData: map[string]string{secretFileName: string(credentials)},
	}
}

// RenderPVC builds a ReadWriteOnce claim of the configured default capacity.
func RenderPVC(name string, cfg ManifestConfig) *corev1.PersistentVolumeClaim {
	return &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: cfg.Namespace,
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: resource.MustParse(cfg.pvcSize()),
				},
			},
		},
	}
}

// RenderJob builds the primary Job manifest for a batch job record.
// Rendering is deterministic: the same record produces an identical object.
func RenderJob(job *batchjob.BatchJob, cfg ManifestConfig) (*batchv1.Job, error) {
	if err := sanitizeRecord(job, cfg); err != nil {
		return nil, err
	}

	task := corev1.Container{
		Name:  taskContainerName,
		Image: job.Parameters.DockerImage,
		Env:   sortedEnv(job.Parameters.EnvironmentVariables),
		VolumeMounts: []corev1.VolumeMount{
			{Name: "output", MountPath: outputMountPath},
		},
	}
	if reqs := renderResources(job.Parameters.Resources); reqs != nil {
		task.Resources = *reqs
	}

	volumes := []corev1.Volume{
		pvcVolume("output", job.OutputPVCName()),
	}

	spec := corev1.PodSpec{
		RestartPolicy: corev1.RestartPolicyNever,
	}

	if job.HasInputFile {
		task.VolumeMounts = append(task.VolumeMounts, corev1.VolumeMount{
			Name: "input", MountPath: inputMountPath, ReadOnly: true,
		})
		volumes = append(volumes,
			pvcVolume("input", job.InputPVCName()),
			secretVolume(),
		)
		spec.InitContainers = []corev1.Container{{
			Name:  initContainerName,
			Image: cfg.GCSFuseImage,
			Command: []string{"/bin/sh", "-c", fmt.Sprintf(
				"mkdir -p %[1]s && gcsfuse --key-file=%[2]s/%[3]s %[4]s %[1]s && unzip -o %[1]s/%[5]s -d %[6]s && fusermount -u %[1]s",
				bucketMountPath, secretMountPath, secretFileName,
				cfg.BucketName, job.InputObjectKey(), inputMountPath)},
			SecurityContext: privileged(),
			VolumeMounts: []corev1.VolumeMount{
				{Name: "input", MountPath: inputMountPath},
				{Name: "gcs-credentials", MountPath: secretMountPath, ReadOnly: true},
			},
		}}
	}

	spec.Containers = []corev1.Container{task}
	spec.Volumes = volumes

	backoff := cfg.BackoffLimit
	return &batchv1.Job{
		ObjectMeta: objectMeta(job.Name, cfg.Namespace, JobTypeBatch, ""),
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoff,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{JobTypeLabel: JobTypeBatch},
				},
				Spec: spec,
			},
		},
	}, nil
}

// RenderCleanupJob builds the cleanup Job: it mounts the output claim
// read-only, mounts the bucket via gcsfuse on container start, waits for the
// mountpoint and zips the output directory into the bucket.
func RenderCleanupJob(job *batchjob.BatchJob, cfg ManifestConfig) (*batchv1.Job, error) {
	if err := sanitizeRecord(job, cfg); err != nil {
		return nil, err
	}

	mountCmd := fmt.Sprintf("mkdir -p %[1]s && gcsfuse --key-file=%[2]s/%[3]s %[4]s %[1]s",
		bucketMountPath, secretMountPath, secretFileName, cfg.BucketName)
	zipCmd := fmt.Sprintf("while ! mountpoint -q %[1]s; do sleep 1; done && zip -r %[1]s/%[2]s %[3]s",
		bucketMountPath, job.OutputObjectKey(), processOutputMountPath)

	container := corev1.Container{
		Name:            cleanupContainerName,
		Image:           cfg.GCSFuseImage,
		Command:         []string{"/bin/sh", "-c", zipCmd},
		SecurityContext: privileged(),
		Lifecycle: &corev1.Lifecycle{
			PostStart: &corev1.LifecycleHandler{
				Exec: &corev1.ExecAction{Command: []string{"/bin/sh", "-c", mountCmd}},
			},
			PreStop: &corev1.LifecycleHandler{
				Exec: &corev1.ExecAction{Command: []string{"fusermount", "-u", bucketMountPath}},
			},
		},
		VolumeMounts: []corev1.VolumeMount{
			{Name: "output", MountPath: processOutputMountPath, ReadOnly: true},
			{Name: "gcs-credentials", MountPath: secretMountPath, ReadOnly: true},
		},
	}

	var backoff int32
	return &batchv1.Job{
		ObjectMeta: objectMeta(job.CleanupJobName(), cfg.Namespace, JobTypeCleanup, job.Name),
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoff,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{JobTypeLabel: JobTypeCleanup},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers:    []corev1.Container{container},
					Volumes: []corev1.Volume{
						pvcVolume("output", job.OutputPVCName()),
						secretVolume(),
					},
				},
			},
		},
	}, nil
}

func objectMeta(name, namespace, jobType, relatedJob string) metav1.ObjectMeta {
	labels := map[string]string{JobTypeLabel: jobType}
	if relatedJob != "" {
		labels[RelatedJobLabel] = relatedJob
	}
	annotations := make(map[string]string, len(labels))
	for k, v := range labels {
		annotations[k] = v
	}
	return metav1.ObjectMeta{
		Name:        name,
		Namespace:   namespace,
		Labels:      labels,
		Annotations: annotations,
	}
}

func pvcVolume(name, claimName string) corev1.Volume {
	return corev1.Volume{
		Name: name,
		VolumeSource: corev1.VolumeSource{
			PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
				ClaimName: claimName,
			},
		},
	}
}

func secretVolume() corev1.Volume {
	return corev1.Volume{
		Name: "gcs-credentials",
		VolumeSource: corev1.VolumeSource{
			Secret: &corev1.SecretVolumeSource{SecretName: SecretName},
		},
	}
}

// privileged is required for the fuse mount in the gcsfuse containers.
func privileged() *corev1.SecurityContext {
	t := true
	return &corev1.SecurityContext{Privileged: &t}
}

// sortedEnv renders environment variables in a stable order.
func sortedEnv(env map[string]string) []corev1.EnvVar {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vars := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		vars = append(vars, corev1.EnvVar{Name: k, Value: env[k]})
	}
	return vars
}

// renderResources emits limits/requests only for quantities that are present.
func renderResources(r batchjob.Resources) *corev1.ResourceRequirements {
	if r.Empty() {
		return nil
	}
	reqs := &corev1.ResourceRequirements{}
	if !r.Limits.Empty() {
		reqs.Limits = quantityList(r.Limits)
	}
	if !r.Requests.Empty() {
		reqs.Requests = quantityList(r.Requests)
	}
	return reqs
}

func quantityList(l batchjob.ResourceList) corev1.ResourceList {
	list := corev1.ResourceList{}
	if l.CPU != "" {
		list[corev1.ResourceCPU] = resource.MustParse(l.CPU)
	}
	if l.Memory != "" {
		list[corev1.ResourceMemory] = resource.MustParse(l.Memory)
	}
	return list
}

// sanitizeRecord rejects any record whose strings fall outside the safe
// character sets before they reach a manifest.
func sanitizeRecord(job *batchjob.BatchJob, cfg ManifestConfig) error {
	if !batchjob.ValidName(job.Name) {
		return fmt.Errorf("unsafe job name %q", job.Name)
	}
	if !safeImagePattern.MatchString(job.Parameters.DockerImage) {
		return fmt.Errorf("unsafe docker image %q", job.Parameters.DockerImage)
	}
	if !safeBucketPattern.MatchString(cfg.BucketName) {
		return fmt.Errorf("unsafe bucket name %q", cfg.BucketName)
	}
	for k, v := range job.Parameters.EnvironmentVariables {
		if !safeEnvName.MatchString(k) {
			return fmt.Errorf("unsafe environment variable name %q", k)
		}
		if unsafeValue.MatchString(v) {
			return fmt.Errorf("unsafe environment variable value for %q", k)
		}
	}
	for _, q := range []string{
		job.Parameters.Resources.Limits.CPU, job.Parameters.Resources.Limits.Memory,
		job.Parameters.Resources.Requests.CPU, job.Parameters.Resources.Requests.Memory,
	} {
		if q == "" {
			continue
		}
		if _, err := resource.ParseQuantity(q); err != nil {
			return fmt.Errorf("unsafe resource quantity %q", q)
		}
	}
	return nil
}
