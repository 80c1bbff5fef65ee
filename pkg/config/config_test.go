package config

import (
	"testing"
	"time"
)

func TestGetStringFallback(t *testing.T) {
	t.Setenv("CONFIG_TEST_SET", "value")
	if got := GetString("CONFIG_TEST_SET", "fallback"); got != "value" {
		t.Fatalf("got %q, want value", got)
	}
	if got := GetString("CONFIG_TEST_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("got %q, want fallback", got)
	}
}

func TestGetIntInvalidUsesFallback(t *testing.T) {
	t.Setenv("CONFIG_TEST_INT", "not-a-number")
	if got := GetInt("CONFIG_TEST_INT", 7); got != 7 {
		t.Fatalf("got %d, want 7", got)
	}
	t.Setenv("CONFIG_TEST_INT", "42")
	if got := GetInt("CONFIG_TEST_INT", 7); got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestGetBool(t *testing.T) {
	t.Setenv("CONFIG_TEST_BOOL", "true")
	if !GetBool("CONFIG_TEST_BOOL", false) {
		t.Fatal("expected true")
	}
	t.Setenv("CONFIG_TEST_BOOL", "maybe")
	if GetBool("CONFIG_TEST_BOOL", false) {
		t.Fatal("invalid value should fall back to false")
	}
}

func TestGetMinutes(t *testing.T) {
	t.Setenv("CONFIG_TEST_MINUTES", "45")
	if got := GetMinutes("CONFIG_TEST_MINUTES", 5); got != 45*time.Minute {
		t.Fatalf("got %s, want 45m", got)
	}
	if got := GetMinutes("CONFIG_TEST_MINUTES_UNSET", 5); got != 5*time.Minute {
		t.Fatalf("got %s, want 5m", got)
	}
}

func TestSharedBuildSecrets(t *testing.T) {
	c := Config{
		QueueRedisPassword: "redis-pass",
		AWSAccessKeyID:     "AKIA123",
		AWSSecretAccessKey: "aws-secret",
	}
	secrets := c.SharedBuildSecrets()
	if len(secrets) != 3 {
		t.Fatalf("got %d secrets, want 3", len(secrets))
	}
	for _, want := range []string{"redis-pass", "AKIA123", "aws-secret"} {
		found := false
		for _, s := range secrets {
			if s == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("missing %q", want)
		}
	}
}
