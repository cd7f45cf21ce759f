package pool_test

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/eric2788/splitrec/pkg/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitReader_Throttles(t *testing.T) {
	data := bytes.Repeat([]byte{0xab}, 3000)
	r := pool.NewLimitReader(context.Background(), io.NopCloser(bytes.NewReader(data)), 1000, 0)

	start := time.Now()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	elapsed := time.Since(start)
	assert.Equal(t, data, got)
	// the first second is covered by the burst
	assert.GreaterOrEqual(t, elapsed, 1500*time.Millisecond)
	require.NoError(t, r.Close())
	t.Logf("⏱️ read %d bytes in %v", len(got), elapsed)
}

func TestLimitReader_Unlimited(t *testing.T) {
	src := io.NopCloser(bytes.NewReader(nil))
	assert.Equal(t, src, pool.NewLimitReader(context.Background(), src, 0, 0))
	assert.Nil(t, pool.NewLimitReader(context.Background(), nil, 1000, 0))
}

func TestLimitReader_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := pool.NewLimitReader(ctx, io.NopCloser(bytes.NewReader(make([]byte, 4096))), 100, 0)

	buf := make([]byte, 100)
	_, err := r.Read(buf)
	require.NoError(t, err)
	cancel()
	_, err = r.Read(buf)
	assert.Error(t, err)
}
