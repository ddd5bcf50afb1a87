package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/theodoremui/moe-orchestrator/moecore"
)

func TestProvider_RecordsWithoutPanicking(t *testing.T) {
	p, err := NewProvider("moe-orchestrator-test")
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	p.RecordExpertCall("weather", moecore.StatusSuccess, 12.5)
	p.RecordCacheResult(true, false)
	p.RecordCacheResult(false, true)
	p.RecordRequest(false, true, 40.0)

	require.NotNil(t, p.Tracer())
}
