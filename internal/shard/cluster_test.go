package shard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/scaledb/internal/errors"
)

type stubBackend struct {
	Unsupported
	closed bool
}

func (s *stubBackend) ShardCount(context.Context) (int, error)         { return 1, nil }
func (s *stubBackend) ShardServers(context.Context) ([]Backend, error) { return nil, nil }
func (s *stubBackend) Close() error {
	s.closed = true
	return nil
}

func TestCluster(t *testing.T) {
	ctx := context.Background()
	a, b := &stubBackend{}, &stubBackend{}

	c, err := NewCluster(a, b)
	require.NoError(t, err)

	n, err := c.ShardCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	servers, err := c.ShardServers(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Same(t, a, servers[0])
	assert.Same(t, b, servers[1])

	require.NoError(t, c.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestCluster_Invalid(t *testing.T) {
	_, err := NewCluster()
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))

	_, err = NewCluster(&stubBackend{}, nil)
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
}

func TestUnsupported(t *testing.T) {
	ctx := context.Background()
	var u Unsupported

	assert.Equal(t, errors.ErrCodeNotSupported, errors.GetCode(u.Upsert(ctx, nil)))
	assert.Equal(t, errors.ErrCodeNotSupported, errors.GetCode(u.RetrieveByKeys(ctx, nil, nil)))
	assert.Equal(t, errors.ErrCodeNotSupported, errors.GetCode(u.RetrieveRange(ctx, nil, nil, nil)))
	assert.Equal(t, errors.ErrCodeNotSupported, errors.GetCode(u.Delete(ctx, nil)))
}
