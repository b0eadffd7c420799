package logging_test

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vaultpilot/vaultpilot/internal/logging"
)

// captureStderr captures stderr output for testing.
func captureStderr(fn func()) string {
	old := os.Stderr
	r, w, _ := os.Pipe()
	os.Stderr = w

	fn()

	w.Close()
	os.Stderr = old

	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	return buf.String()
}

func TestSecretIsRedacted(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "plain secret", input: "my-secret-password"},
		{name: "empty secret", input: ""},
		{name: "symbols", input: "p@ssw0rd!#$"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, "[REDACTED]", logging.Secret(tt.input).String())
			assert.Equal(t, "[REDACTED]", fmt.Sprintf("%#v", logging.Secret(tt.input)))
		})
	}
}

func TestLoggerRedactsSecretsInMessages(t *testing.T) {
	// Cannot use t.Parallel() because captureStderr swaps global os.Stderr.
	logger := logging.New(false, true)

	secretValue := "super-secret-value-12345"
	output := captureStderr(func() {
		logger.Info("rotated credential, new value: %s", logging.Secret(secretValue))
	})

	assert.Contains(t, output, "[REDACTED]")
	assert.NotContains(t, output, secretValue)
}

func TestDebugSuppressedWithoutDebugMode(t *testing.T) {
	logger := logging.New(false, true)

	output := captureStderr(func() {
		logger.Debug("should not appear")
	})

	assert.Empty(t, output)
}

func TestCriticalAlwaysEmits(t *testing.T) {
	logger := logging.New(false, true)

	output := captureStderr(func() {
		logger.Critical("manual intervention required for cred-1")
	})

	assert.Contains(t, output, "[CRITICAL]")
	assert.Contains(t, output, "cred-1")
}

func TestRedactReplacesKnownSecrets(t *testing.T) {
	out := logging.Redact("password=hunter2 token=abc", []string{"hunter2", "abc", ""})
	assert.Equal(t, "password=[REDACTED] token=[REDACTED]", out)
}
