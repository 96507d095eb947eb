package batchjob

import (
	"testing"
	"time"
)

func TestDerivedNames(t *testing.T) {
	t.Parallel()
	job := &BatchJob{Name: "alpine-1522324800000"}

	if got := job.InputPVCName(); got != "job-alpine-1522324800000-input" {
		t.Errorf("Unexpected input PVC name %q", got)
	}
	if got := job.OutputPVCName(); got != "job-alpine-1522324800000-output" {
		t.Errorf("Unexpected output PVC name %q", got)
	}
	if got := job.CleanupJobName(); got != "alpine-1522324800000-cleanup" {
		t.Errorf("Unexpected cleanup job name %q", got)
	}
	if got := job.InputObjectKey(); got != "alpine-1522324800000-input.zip" {
		t.Errorf("Unexpected input key %q", got)
	}
	if got := job.OutputObjectKey(); got != "alpine-1522324800000-output.zip" {
		t.Errorf("Unexpected output key %q", got)
	}
}

func TestRelatedJobName(t *testing.T) {
	t.Parallel()

	name, isCleanup := RelatedJobName("alpine-123-cleanup")
	if name != "alpine-123" || !isCleanup {
		t.Errorf("Expected (alpine-123, true), got (%s, %v)", name, isCleanup)
	}

	name, isCleanup = RelatedJobName("alpine-123")
	if name != "alpine-123" || isCleanup {
		t.Errorf("Expected (alpine-123, false), got (%s, %v)", name, isCleanup)
	}
}

func TestDeriveName(t *testing.T) {
	t.Parallel()
	created := time.UnixMilli(1522324800000).UTC()

	tests := []struct {
		image string
		want  string
	}{
		{"alpine", "alpine-1522324800000"},
		{"python:3.11", "python-1522324800000"},
		{"gcr.io/my-project/crunch_numbers:latest", "crunch-numbers-1522324800000"},
		{"registry.local:5000/tools/runner@sha256:abcdef", "runner-1522324800000"},
		{"UPPER.Case", "upper-case-1522324800000"},
	}
	for _, tt := range tests {
		if got := DeriveName(tt.image, created); got != tt.want {
			t.Errorf("DeriveName(%q) = %q, want %q", tt.image, got, tt.want)
		}
		if !ValidName(DeriveName(tt.image, created)) {
			t.Errorf("DeriveName(%q) produced an invalid name", tt.image)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	terminal := map[Status]bool{
		StatusCreated:   false,
		StatusRunning:   false,
		StatusCleaning:  false,
		StatusFailed:    true,
		StatusKilled:    true,
		StatusSucceeded: true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
		if !status.Valid() {
			t.Errorf("%s should be valid", status)
		}
	}
	if Status("exploded").Valid() {
		t.Error("Unknown status should not be valid")
	}
}

func TestValidName(t *testing.T) {
	t.Parallel()

	valid := []string{"a", "alpine-123", "a1-b2-c3"}
	invalid := []string{"", "-leading", "trailing-", "UPPER", "has_underscore", "has.dot",
		"way-too-long-name-that-goes-past-the-forty-five-character-limit"}

	for _, name := range valid {
		if !ValidName(name) {
			t.Errorf("Expected %q to be valid", name)
		}
	}
	for _, name := range invalid {
		if ValidName(name) {
			t.Errorf("Expected %q to be invalid", name)
		}
	}
}
