package storage

import (
	"os"
	"testing"

	"github.com/taskmesh/dispatch/testutil"
)

func TestMain(m *testing.M) {
	os.Exit(testutil.RunWithEmbeddedDB(m))
}
