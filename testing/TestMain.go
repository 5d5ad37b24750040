// Package testing switches binaries into test mode when blank-imported by a test.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"

	"github.com/odyssey-erp/stockcount/internal/app"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv(app.TestModeEnv, "1")
		app.RefreshTestMode()
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
