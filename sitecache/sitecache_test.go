package sitecache

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := OpenInMemory(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLookup_Miss(t *testing.T) {
	c := newTestCache(t)
	sites, sessionID, ok, err := c.Lookup(context.Background(), "build-a", "kernel.function(\"sys_read\")")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, sessionID)
	assert.Nil(t, sites)
}

func TestStoreThenLookup_Hit(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	sessionID := uuid.NewString()
	want := []Site{
		{GlobalAddress: 0xffffffff81001000, Specifier: "sys_read", Return: false},
		{GlobalAddress: 0xffffffff81001080, Specifier: "sys_read", Return: true},
	}

	require.NoError(t, c.Store(ctx, "build-a", "kernel.function(\"sys_read\")", sessionID, want))

	got, gotSession, ok, err := c.Lookup(ctx, "build-a", "kernel.function(\"sys_read\")")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sessionID, gotSession)
	assert.Equal(t, want, got)
}

func TestStore_DifferentBuildIDsAreIndependent(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	pattern := "kernel.function(\"sys_write\")"

	require.NoError(t, c.Store(ctx, "build-a", pattern, uuid.NewString(), []Site{{GlobalAddress: 1}}))
	require.NoError(t, c.Store(ctx, "build-b", pattern, uuid.NewString(), []Site{{GlobalAddress: 2}}))

	sitesA, _, ok, err := c.Lookup(ctx, "build-a", pattern)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), sitesA[0].GlobalAddress)

	sitesB, _, ok, err := c.Lookup(ctx, "build-b", pattern)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), sitesB[0].GlobalAddress)
}

func TestStore_OverwritesPriorSites(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	pattern := "kernel.function(\"sys_open\")"

	require.NoError(t, c.Store(ctx, "build-a", pattern, uuid.NewString(), []Site{
		{GlobalAddress: 1}, {GlobalAddress: 2}, {GlobalAddress: 3},
	}))
	require.NoError(t, c.Store(ctx, "build-a", pattern, uuid.NewString(), []Site{
		{GlobalAddress: 9},
	}))

	sites, _, ok, err := c.Lookup(ctx, "build-a", pattern)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, sites, 1)
	assert.Equal(t, uint64(9), sites[0].GlobalAddress)
}

func TestInvalidate(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	pattern := "kernel.function(\"sys_close\")"

	require.NoError(t, c.Store(ctx, "build-a", pattern, uuid.NewString(), []Site{{GlobalAddress: 1}}))
	require.NoError(t, c.Invalidate(ctx, "build-a", pattern))

	_, _, ok, err := c.Lookup(ctx, "build-a", pattern)
	require.NoError(t, err)
	assert.False(t, ok)
}
