//go:build e2e

package e2e

import (
	"os"
	"testing"

	"github.com/sipico/telemetry/tests/testenv"
)

// getEnv returns an environment variable or a fallback value.
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// setupRemote runs the test against the standalone mockingest server.
func setupRemote(t *testing.T) *testenv.TestEnv {
	t.Helper()
	t.Setenv("TELEMETRY_TEST_MODE", string(testenv.ModeRemote))
	t.Setenv("MOCKINGEST_URL", mockingestURL)
	return testenv.Setup(t)
}

func findPing(t *testing.T, env *testenv.TestEnv, name string) map[string]any {
	t.Helper()
	for _, p := range env.Pings(t) {
		if p.Name == name {
			return p.Payload
		}
	}
	t.Fatalf("no %s ping received", name)
	return nil
}
