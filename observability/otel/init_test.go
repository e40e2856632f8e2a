package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" authorization = Bearer abc ,bad, =x,tenant=farm")
	require.Equal(t, map[string]string{"authorization": "Bearer abc", "tenant": "farm"}, headers)
}

func TestParseSampleRatio(t *testing.T) {
	require.Equal(t, 0.25, ParseSampleRatio("0.25"))
	require.Zero(t, ParseSampleRatio("2"))
	require.Zero(t, ParseSampleRatio("nope"))
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "subsidyd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = Init(context.Background(), Config{})
	require.Error(t, err)
}

func TestSamplerFollowsRatio(t *testing.T) {
	require.Contains(t, Sampler(0).Description(), "AlwaysOnSampler")
	require.Contains(t, Sampler(1).Description(), "AlwaysOnSampler")
	require.Contains(t, Sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}

func TestResourceCarriesServiceAndEnvironment(t *testing.T) {
	res, err := Resource(Config{ServiceName: "subsidyd", Environment: "staging"})
	require.NoError(t, err)
	values := map[string]string{}
	for _, kv := range res.Attributes() {
		values[string(kv.Key)] = kv.Value.Emit()
	}
	require.Equal(t, "subsidyd", values["service.name"])
	require.Equal(t, "staging", values["deployment.environment"])
}
