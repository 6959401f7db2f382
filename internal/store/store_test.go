// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-live/internal/model"
)

// backends returns a fresh instance of every LogStore implementation.
func backends(t *testing.T) map[string]LogStore {
	t.Helper()

	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "log.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })

	return map[string]LogStore{
		"memory": NewMemoryStore(),
		"sqlite": sq,
	}
}

// seed appends n user entries with content "m0".."m{n-1}".
func seed(t *testing.T, ctx context.Context, st LogStore, n int) []model.Entry {
	t.Helper()
	out := make([]model.Entry, n)
	for i := 0; i < n; i++ {
		e, err := st.Append(ctx, model.NewUserEntry(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		out[i] = e
	}
	return out
}

func contents(entries []model.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Content
	}
	return out
}

func TestLogStore_AppendAssignsIDAndIndex(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			entries := seed(t, ctx, st, 3)

			seen := map[string]bool{}
			for i, e := range entries {
				require.NotEmpty(t, e.ID)
				require.False(t, seen[e.ID], "duplicate id")
				seen[e.ID] = true
				require.Equal(t, i, e.Index)
			}

			n, err := st.Length(ctx)
			require.NoError(t, err)
			require.Equal(t, 3, n)
		})
	}
}

func TestLogStore_RangeClamps(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, ctx, st, 5)

			got, err := st.Range(ctx, 3, 99)
			require.NoError(t, err)
			require.Equal(t, []string{"m3", "m4"}, contents(got))
			require.Equal(t, 3, got[0].Index)

			got, err = st.Range(ctx, -4, 2)
			require.NoError(t, err)
			require.Equal(t, []string{"m0", "m1"}, contents(got))

			got, err = st.Range(ctx, 4, 2)
			require.NoError(t, err)
			require.Empty(t, got)
		})
	}
}

func TestLogStore_ReplaceKeepsID(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			entries := seed(t, ctx, st, 3)

			replaced, err := st.ReplaceAt(ctx, 1, model.Entry{Content: "edited"})
			require.NoError(t, err)
			require.Equal(t, entries[1].ID, replaced.ID)
			require.Equal(t, model.RoleUser, replaced.Role)

			got, err := st.Get(ctx, entries[1].ID)
			require.NoError(t, err)
			require.Equal(t, "edited", got.Content)
			require.Equal(t, 1, got.Index)

			_, err = st.ReplaceAt(ctx, 7, model.Entry{Content: "x"})
			require.True(t, IsOutOfRange(err), "got %v", err)
		})
	}
}

func TestLogStore_ReplaceIDFollowsShift(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			entries := seed(t, ctx, st, 4)

			_, err := st.DeleteAt(ctx, 0)
			require.NoError(t, err)

			replaced, err := st.ReplaceID(ctx, entries[3].ID, model.Entry{
				Content:     "final",
				Attachments: []model.Attachment{{Kind: "image", URL: "x.png"}},
				Stats:       &model.Statistics{CompletionTokens: 12},
			})
			require.NoError(t, err)
			require.Equal(t, 2, replaced.Index)

			got, err := st.Get(ctx, entries[3].ID)
			require.NoError(t, err)
			require.Equal(t, "final", got.Content)
			require.Len(t, got.Attachments, 1)
			require.Equal(t, 12, got.Stats.CompletionTokens)

			_, err = st.ReplaceID(ctx, "missing", model.Entry{})
			require.True(t, IsNotFound(err))
		})
	}
}

func TestLogStore_DeleteAtShifts(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			entries := seed(t, ctx, st, 5)

			removed, err := st.DeleteAt(ctx, 2)
			require.NoError(t, err)
			require.Equal(t, entries[2].ID, removed.ID)

			all, err := st.Range(ctx, 0, 10)
			require.NoError(t, err)
			require.Equal(t, []string{"m0", "m1", "m3", "m4"}, contents(all))
			for i, e := range all {
				require.Equal(t, i, e.Index)
			}

			_, err = st.DeleteAt(ctx, 4)
			require.True(t, IsOutOfRange(err))
		})
	}
}

func TestLogStore_DeleteRange(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, ctx, st, 10)

			removed, err := st.DeleteRange(ctx, 3, 5)
			require.NoError(t, err)
			require.Equal(t, []string{"m3", "m4", "m5", "m6", "m7"}, contents(removed))

			n, err := st.Length(ctx)
			require.NoError(t, err)
			require.Equal(t, 5, n)

			all, err := st.Range(ctx, 0, n)
			require.NoError(t, err)
			require.Equal(t, []string{"m0", "m1", "m2", "m8", "m9"}, contents(all))
			require.Equal(t, 4, all[4].Index)

			removed, err = st.DeleteRange(ctx, 3, 50)
			require.NoError(t, err)
			require.Len(t, removed, 2)
		})
	}
}

func TestLogStore_GetNotFound(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := st.Get(ctx, "nope")
			require.True(t, IsNotFound(err))
		})
	}
}

func TestFetcher(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	seed(t, ctx, st, 7)

	items, total, err := Fetcher{Store: st}.Fetch(ctx, 5, 4)
	require.NoError(t, err)
	require.Equal(t, 7, total)
	require.Equal(t, []string{"m5", "m6"}, contents(items))

	items, total, err = Fetcher{Store: st}.Fetch(ctx, 9, 4)
	require.NoError(t, err)
	require.Equal(t, 7, total)
	require.Empty(t, items)
}

func TestMemoryStore_Snapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "snap", "log.json")

	st, err := NewMemoryStoreFromSnapshot(path)
	require.NoError(t, err)
	seed(t, ctx, st, 2)
	pending, err := st.Append(ctx, model.NewPendingAssistantEntry())
	require.NoError(t, err)
	require.NoError(t, st.Close())

	reopened, err := NewMemoryStoreFromSnapshot(path)
	require.NoError(t, err)
	all, err := reopened.Range(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, pending.ID, all[2].ID)
	require.False(t, all[2].InProgress, "in-progress flag should not survive a restart")
}

func TestMemoryStore_RangeReturnsCopies(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	_, err := st.Append(ctx, model.Entry{Role: model.RoleAssistant, Attachments: []model.Attachment{{URL: "a"}}})
	require.NoError(t, err)

	got, _ := st.Range(ctx, 0, 1)
	got[0].Attachments[0].URL = "mutated"

	again, _ := st.Range(ctx, 0, 1)
	require.Equal(t, "a", again[0].Attachments[0].URL)
}
