package secrets

import (
	"context"
	"os"
	"testing"
)

func TestEnvBackend_FetchReadsEnvironment(t *testing.T) {
	os.Setenv("GATEWAY_TEST_SECRET", "shh")
	defer os.Unsetenv("GATEWAY_TEST_SECRET")

	b := NewEnvBackend()
	v, err := b.Fetch(context.Background(), "GATEWAY_TEST_SECRET")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(v) != "shh" {
		t.Errorf("expected shh, got %q", v)
	}
}

func TestEnvBackend_FetchUnsetReturnsError(t *testing.T) {
	b := NewEnvBackend()
	_, err := b.Fetch(context.Background(), "GATEWAY_TEST_SECRET_DOES_NOT_EXIST")
	if err == nil {
		t.Fatal("expected error for unset secret")
	}
}

func TestEnvBackend_RotateReturnsDistinctName(t *testing.T) {
	os.Setenv("GATEWAY_TEST_ROTATE", "v1")
	defer os.Unsetenv("GATEWAY_TEST_ROTATE")

	b := NewEnvBackend()
	newName, err := b.Rotate(context.Background(), "GATEWAY_TEST_ROTATE")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if newName == "GATEWAY_TEST_ROTATE" {
		t.Error("expected rotate to mint a distinct name")
	}

	v, err := b.Fetch(context.Background(), newName)
	if err != nil {
		t.Fatalf("unexpected error fetching rotated name: %v", err)
	}
	if string(v) != "v1" {
		t.Errorf("expected rotated secret to carry forward the original value, got %q", v)
	}
}

func TestEnvBackend_RotateTwiceProducesDifferentNames(t *testing.T) {
	os.Setenv("GATEWAY_TEST_ROTATE2", "v1")
	defer os.Unsetenv("GATEWAY_TEST_ROTATE2")

	b := NewEnvBackend()
	n1, err := b.Rotate(context.Background(), "GATEWAY_TEST_ROTATE2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n2, err := b.Rotate(context.Background(), "GATEWAY_TEST_ROTATE2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n1 == n2 {
		t.Error("expected successive rotations to mint different names")
	}
}
