package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		sentinel error
		status   int
		kind     string
	}{
		{
			name:     "validation",
			err:      Validation("docker_image", "Field is required"),
			sentinel: ErrInvalidParameters,
			status:   http.StatusBadRequest,
			kind:     "InvalidParameters",
		},
		{
			name:     "invalid state",
			err:      InvalidState("can't stop batch job, status is: succeeded"),
			sentinel: ErrInvalidParameters,
			status:   http.StatusBadRequest,
			kind:     "InvalidParameters",
		},
		{
			name:     "not found",
			err:      NotFound("batch_job", "abc"),
			sentinel: ErrNotFound,
			status:   http.StatusNotFound,
			kind:     "DoesNotExist",
		},
		{
			name:     "conflict",
			err:      Conflict("batch_job", "abc", "name already in use"),
			sentinel: ErrConflict,
			status:   http.StatusConflict,
			kind:     "Conflict",
		},
		{
			name:     "cluster",
			err:      Cluster("cluster.createJob", map[string]any{"reason": "Forbidden"}, errors.New("403")),
			sentinel: ErrCluster,
			status:   http.StatusInternalServerError,
			kind:     "ClusterError",
		},
		{
			name:     "storage",
			err:      Storage("storage.upload", errors.New("permission denied")),
			sentinel: ErrStorage,
			status:   http.StatusInternalServerError,
			kind:     "StorageError",
		},
		{
			name:     "plain error",
			err:      errors.New("boom"),
			sentinel: nil,
			status:   http.StatusInternalServerError,
			kind:     "InternalError",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if tt.sentinel != nil && !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("Expected errors.Is(%v, %v) to be true", tt.err, tt.sentinel)
			}
			if got := HTTPStatus(tt.err); got != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, got)
			}
			if got := Kind(tt.err); got != tt.kind {
				t.Errorf("Expected kind %q, got %q", tt.kind, got)
			}
		})
	}
}

func TestFieldErrors(t *testing.T) {
	t.Parallel()

	err := ValidationFields(map[string]string{"docker_image": "Field is required"})
	fields := FieldErrors(err)
	if fields["docker_image"] != "Field is required" {
		t.Errorf("Expected field message, got %v", fields)
	}

	if FieldErrors(errors.New("boom")) != nil {
		t.Error("Expected nil fields for plain error")
	}

	wrapped := fmt.Errorf("create: %w", err)
	if FieldErrors(wrapped) == nil {
		t.Error("Expected fields to survive wrapping")
	}
}

func TestDetailOf(t *testing.T) {
	t.Parallel()

	detail := map[string]any{"kind": "Status", "code": 422}
	err := Cluster("cluster.createJob", detail, errors.New("unprocessable"))
	if got := DetailOf(err); got == nil {
		t.Fatal("Expected detail payload")
	}
	if DetailOf(errors.New("boom")) != nil {
		t.Error("Expected nil detail for plain error")
	}
}
