package app

import (
	"os"
	"sync"
	"sync/atomic"
)

// TestModeEnv names the variable that switches binaries into test mode.
const TestModeEnv = "ODYSSEY_TEST_MODE"

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

func detectTestMode() {
	testModeFlag.Store(os.Getenv(TestModeEnv) == "1")
}

// InTestMode reports whether binaries should skip external side effects
// such as Kafka delivery and the asynq scheduler.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testModeFlag.Load()
}

// RefreshTestMode updates the cached flag after environment changes.
func RefreshTestMode() {
	testModeOnce.Do(func() {})
	detectTestMode()
}
