// Package guard switches binaries into test mode when imported by tests,
// so main packages can be exercised without dialing Postgres or Redis.
package guard

import (
	"os"
	"sync"
)

// Env is the variable read by app.InTestMode.
const Env = "FULFILLMENT_TEST_MODE"

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv(Env) == "" {
			_ = os.Setenv(Env, "1")
		}
	})
}
