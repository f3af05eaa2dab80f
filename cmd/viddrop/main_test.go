package main

import (
	"testing"
	"time"
)

func TestGetEnvReturnsValueWhenSet(t *testing.T) {
	const key = "TEST_GETENV_SET"
	const expected = "custom-value"

	t.Setenv(key, expected)

	result := getEnv(key, "fallback")
	if result != expected {
		t.Errorf("expected %q, got %q", expected, result)
	}
}

func TestGetEnvReturnsFallbackWhenUnset(t *testing.T) {
	const key = "TEST_GETENV_UNSET"
	const fallback = "default-value"

	result := getEnv(key, fallback)
	if result != fallback {
		t.Errorf("expected fallback %q, got %q", fallback, result)
	}
}

func TestGetEnvReturnsFallbackWhenEmpty(t *testing.T) {
	const key = "TEST_GETENV_EMPTY"
	const fallback = "default-value"

	t.Setenv(key, "")

	result := getEnv(key, fallback)
	if result != fallback {
		t.Errorf("expected fallback %q for empty env var, got %q", fallback, result)
	}
}

func TestGetEnvInt64(t *testing.T) {
	const key = "TEST_GETENV_INT64"

	t.Setenv(key, "2048")
	if got := getEnvInt64(key, 7); got != 2048 {
		t.Errorf("expected 2048, got %d", got)
	}

	t.Setenv(key, "not-a-number")
	if got := getEnvInt64(key, 7); got != 7 {
		t.Errorf("expected fallback 7 for garbage value, got %d", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	const key = "TEST_GETENV_DURATION"

	t.Setenv(key, "90m")
	if got := getEnvDuration(key, time.Hour); got != 90*time.Minute {
		t.Errorf("expected 90m, got %v", got)
	}

	t.Setenv(key, "soon")
	if got := getEnvDuration(key, time.Hour); got != time.Hour {
		t.Errorf("expected fallback 1h for garbage value, got %v", got)
	}
}
