package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimicproof/core/pkg/contracts"
)

func TestDisabledProviderIsNoOp(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{Enabled: false})
	require.NoError(t, err)

	sctx, done := p.TrackSession(ctx, "session-1")
	p.RecordStep(sctx, "engine-a", 3*time.Millisecond, false)
	p.RecordVerdict(sctx, contracts.RoleEngine, contracts.VerdictStructureSupported)
	p.RecordIntegrityViolation(sctx, "engine-a")
	done(contracts.SessionSealed)

	assert.NoError(t, p.Shutdown(ctx))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "mimicproof", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.True(t, cfg.Enabled)
}

func TestNilConfigFallsBackToDefaults(t *testing.T) {
	// Defaults enable export, which would dial an endpoint. Disabled keeps
	// the test hermetic while still exercising the nil path.
	p, err := New(context.Background(), &Config{Enabled: false, ServiceName: "x"})
	require.NoError(t, err)
	assert.NotNil(t, p.Tracer())
}
