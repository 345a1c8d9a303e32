// Package testing switches binaries into test mode for packages that import it.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("QAENGINE_TEST_MODE", "1")
		if os.Getenv("SCHEMA_REGISTRY_PATH") == "" {
			_ = os.Setenv("SCHEMA_REGISTRY_PATH", "config/schema.yaml")
		}
	})
}

func init() {
	ensureTestMode()
}

// TestMain runs m with test mode enabled.
func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
