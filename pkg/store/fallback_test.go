// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTierPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	tier := NewMemoryTier()
	ctx := context.Background()

	sess := testSession("sess-1", "client-a")
	require.NoError(t, tier.Put(ctx, sess))

	got, err := tier.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(sess, got))
	assert.Equal(t, 1, tier.Len())
}

func TestMemoryTierHandsOutClones(t *testing.T) {
	t.Parallel()

	tier := NewMemoryTier()
	ctx := context.Background()

	sess := testSession("sess-1", "client-a")
	sess.Endpoints = map[string]string{"vscode": "http://localhost:8080"}
	require.NoError(t, tier.Put(ctx, sess))

	// Mutating the caller's record must not affect the stored copy.
	sess.Endpoints["vscode"] = "http://localhost:9999"

	got, err := tier.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", got.Endpoints["vscode"])

	// Nor must mutating a returned record.
	got.Status = "mangled"
	again, err := tier.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.NotEqual(t, got.Status, again.Status)
}

func TestMemoryTierGetMissing(t *testing.T) {
	t.Parallel()

	tier := NewMemoryTier()
	_, err := tier.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryTierDeleteIsIdempotent(t *testing.T) {
	t.Parallel()

	tier := NewMemoryTier()
	ctx := context.Background()

	require.NoError(t, tier.Put(ctx, testSession("sess-1", "client-a")))
	require.NoError(t, tier.Delete(ctx, "sess-1"))
	require.NoError(t, tier.Delete(ctx, "sess-1"))

	sessions, err := tier.ListByOwner(ctx, "client-a")
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.Zero(t, tier.Len())
}

func TestMemoryTierReputMovesOwner(t *testing.T) {
	t.Parallel()

	tier := NewMemoryTier()
	ctx := context.Background()

	sess := testSession("sess-1", "client-a")
	require.NoError(t, tier.Put(ctx, sess))

	sess.OwnerClientID = "client-b"
	require.NoError(t, tier.Put(ctx, sess))

	fromA, err := tier.ListByOwner(ctx, "client-a")
	require.NoError(t, err)
	assert.Empty(t, fromA)

	fromB, err := tier.ListByOwner(ctx, "client-b")
	require.NoError(t, err)
	require.Len(t, fromB, 1)
	assert.Equal(t, "sess-1", fromB[0].ID)
}
