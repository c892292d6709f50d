package cmd

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/loanbook/courier/internal/config"
	"github.com/loanbook/courier/internal/observability"
	"github.com/loanbook/courier/internal/service"
)

func TestMain(m *testing.M) {
	// The global logger is set once; later initializations from the root command are no-ops.
	observability.Initialize(config.LoggerConfig{Level: "error", Format: "console"}, zapcore.AddSync(io.Discard))
	os.Exit(m.Run())
}

// isolateEnv points every configuration source at a scratch directory.
func isolateEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("COURIER_DATABASE_URL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("COURIER_SESSION_PROFILE_DIR", filepath.Join(dir, "profiles"))

	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	// An empty environment variable reads as unset, so the endpoint is cleared from a discovered file.
	base := []byte("session:\n  control_endpoint: \"\"\n  settle_interval: 0s\n")
	if err := os.WriteFile(filepath.Join(dir, "courier.yaml"), base, 0o600); err != nil {
		t.Fatal(err)
	}

	cfgFile, envFile = "", ""
	componentFactory = service.NewComponentFactory()
	queueOpener = openQueue
	t.Cleanup(func() {
		componentFactory = service.NewComponentFactory()
		queueOpener = openQueue
	})
	return dir
}

// runCommand executes a fresh command tree and returns everything written to stdout and stderr.
func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}
