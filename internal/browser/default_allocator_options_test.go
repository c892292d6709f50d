package browser

import (
	"testing"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
)

// Allocator options are closures, so these tests compare how many each setting contributes.
func TestBuildAllocatorOptions(t *testing.T) {
	base := LaunchOptions{ProfileDir: t.TempDir(), Headless: true}
	baseline := len(buildAllocatorOptions(base))

	t.Run("StartsFromChromedpDefaults", func(t *testing.T) {
		assert.Greater(t, baseline, len(chromedp.DefaultExecAllocatorOptions))
	})

	t.Run("HeadlessDoesNotChangeTheShape", func(t *testing.T) {
		opts := base
		opts.Headless = false
		assert.Len(t, buildAllocatorOptions(opts), baseline)
	})

	t.Run("WindowSizeNeedsBothDimensions", func(t *testing.T) {
		opts := base
		opts.Width = 1280
		assert.Len(t, buildAllocatorOptions(opts), baseline)
		opts.Height = 900
		assert.Len(t, buildAllocatorOptions(opts), baseline+1)
	})

	t.Run("DebugPortAndExecPath", func(t *testing.T) {
		opts := base
		opts.DebugPort = 9222
		opts.ExecPath = "/usr/bin/chromium"
		assert.Len(t, buildAllocatorOptions(opts), baseline+2)
	})

	t.Run("WithCustomArgs", func(t *testing.T) {
		opts := base
		opts.Args = []string{"--lang=en-US", "--custom-arg"}
		assert.Len(t, buildAllocatorOptions(opts), baseline+2)
	})
}
