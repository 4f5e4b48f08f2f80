package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oidcagent/pkg/logger"
)

func TestRedactDSN(t *testing.T) {
	cases := []struct{ in, want string }{
		{"postgres://agent:s3cr3t@db:5432/agent", "postgres://***@db:5432/agent"},
		{"postgres://agent:p@ss@db/agent", "postgres://***@db/agent"},
		{"agent:s3cr3t@db/agent", "***@db/agent"},
		{"host=db user=agent dbname=agent", "host=db user=agent dbname=agent"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, redactDSN(c.in), c.in)
	}
}

func TestUnsetStoresAreSkipped(t *testing.T) {
	specs, ok, err := TrustedDomains(context.Background(), "", `{"app1":["https://idp.example"]}`, logger.Nop())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, specs)

	cli, err := KeepAliveRedis(context.Background(), "", logger.Nop())
	require.NoError(t, err)
	assert.Nil(t, cli)
}

func TestBadRedisURL(t *testing.T) {
	_, err := KeepAliveRedis(context.Background(), "not a url", logger.Nop())
	assert.Error(t, err)
}
