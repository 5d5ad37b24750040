// Package guard enables test mode unless the environment already decided.
package guard

import (
	"os"

	"github.com/odyssey-erp/stockcount/internal/app"
)

func init() {
	if os.Getenv(app.TestModeEnv) == "" {
		_ = os.Setenv(app.TestModeEnv, "1")
	}
	app.RefreshTestMode()
}
