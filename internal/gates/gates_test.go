package gates

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibylhq/sibyl-core/pkg/types"
)

func TestHumanReviewGateTriviallyPasses(t *testing.T) {
	r := NewRunner(Config{})
	result := r.Run(context.Background(), t.TempDir(), types.GateHumanReview, nil)
	assert.True(t, result.Passed)
}

func TestUnconfiguredGateTriviallyPasses(t *testing.T) {
	r := NewRunner(Config{})
	dir := t.TempDir() // no ecosystem markers, no override
	result := r.Run(context.Background(), dir, types.GateLint, nil)
	assert.True(t, result.Passed)
	assert.Contains(t, result.Output, "no lint command configured")
}

func TestResolveCommandPrefersProjectOverride(t *testing.T) {
	r := NewRunner(Config{Commands: map[types.GateKind]string{types.GateLint: "custom-lint"}})
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x"), 0o644))

	assert.Equal(t, "custom-lint", r.resolveCommand(dir, types.GateLint))
}

func TestResolveCommandFallsBackToEcosystemDefault(t *testing.T) {
	r := NewRunner(Config{})
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x"), 0o644))

	assert.Equal(t, "go vet ./...", r.resolveCommand(dir, types.GateLint))
}

func TestRunExecutesConfiguredCommand(t *testing.T) {
	r := NewRunner(Config{Commands: map[types.GateKind]string{types.GateTest: "echo '2 passed, 0 failed in 0.12s'"}})
	result := r.Run(context.Background(), t.TempDir(), types.GateTest, nil)

	require.True(t, result.Passed)
	assert.Equal(t, float64(2), result.Metrics["tests_passed"])
	assert.Equal(t, float64(0), result.Metrics["tests_failed"])
}

func TestRunMarksFailureOnNonZeroExit(t *testing.T) {
	r := NewRunner(Config{Commands: map[types.GateKind]string{types.GateTest: "exit 1"}})
	result := r.Run(context.Background(), t.TempDir(), types.GateTest, nil)
	assert.False(t, result.Passed)
}

func TestTruncateLinesKeepsLastN(t *testing.T) {
	out := "a\nb\nc\nd\ne"
	assert.Equal(t, "d\ne", truncateLines(out, 2))
	assert.Equal(t, out, truncateLines(out, 10))
}

func TestParseTestSummaryExtractsFailures(t *testing.T) {
	f := parse(types.GateTest, t.TempDir(), "collected 5 items\n3 passed, 2 failed in 1.50s")
	assert.Equal(t, float64(3), f.metrics["tests_passed"])
	assert.Equal(t, float64(2), f.metrics["tests_failed"])
	assert.Len(t, f.errors, 1)
}
