package temporal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
)

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{TaskQueue: "q"})
	assert.Error(t, err)
}

func TestNewRequiresTaskQueue(t *testing.T) {
	_, err := New(Options{Client: fakeClient{}})
	assert.Error(t, err)
}

func TestNewDefaultsPipelineParallelSizeToOne(t *testing.T) {
	e, err := New(Options{Client: fakeClient{}, TaskQueue: "q"})
	require.NoError(t, err)
	assert.Equal(t, 1, e.PipelineParallelSize())
}

func TestNewKeepsExplicitPipelineParallelSize(t *testing.T) {
	e, err := New(Options{Client: fakeClient{}, TaskQueue: "q", PipelineParallelSize: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, e.PipelineParallelSize())
}

func TestClientOptionsWithTracingDisabledReturnsBaseUnchanged(t *testing.T) {
	base := client.Options{HostPort: "localhost:7233"}
	got, err := ClientOptionsWithTracing(base, true)
	require.NoError(t, err)
	assert.Equal(t, base, got)
}

func TestClientOptionsWithTracingInstallsInterceptor(t *testing.T) {
	got, err := ClientOptionsWithTracing(client.Options{}, false)
	require.NoError(t, err)
	assert.Len(t, got.Interceptors, 1)
}

// fakeClient is a placeholder client.Client used only to satisfy New's
// non-nil check in these validation tests; none of its methods are called.
type fakeClient struct {
	client.Client
}
