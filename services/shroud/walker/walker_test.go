// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package walker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeTree creates files (relative, slash-separated) under a temp root.
func makeTree(t *testing.T, files ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, f := range files {
		p := filepath.Join(root, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
	}
	return root
}

// collect drains Walk: records, per-directory errors and ctx.Err().
func collect(ctx context.Context, root string, opts ...Option) ([]FileRecord, []error, error) {
	var (
		records []FileRecord
		errs    []error
	)
	for rec, err := range Walk(ctx, root, opts...) {
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return records, errs, ctxErr
			}
			errs = append(errs, &DirError{Path: rec.Path, Err: err})
			continue
		}
		records = append(records, rec)
	}
	return records, errs, nil
}

func relPaths(recs []FileRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, filepath.ToSlash(r.RelPath))
	}
	return out
}

// ----- Filter Tests -----

func TestWalk_ExtensionFilter(t *testing.T) {
	root := makeTree(t,
		"a.js", "b.JS", "c.json", "d.jsx", "e.mjs", "noext", ".js",
		"lib/f.js", "lib/deep/g.js", "lib/readme.md",
	)

	recs, errs, err := collect(context.Background(), root)
	require.NoError(t, err)
	assert.Empty(t, errs)
	// filepath.Ext(".js") is ".js", so the dotfile matches.
	assert.Equal(t, []string{".js", "a.js", "lib/deep/g.js", "lib/f.js"}, relPaths(recs))
	for _, r := range recs {
		assert.Equal(t, filepath.Join(root, r.RelPath), r.Path)
		assert.False(t, r.IsDir)
	}
}

func TestWalk_CustomExtensions(t *testing.T) {
	root := makeTree(t, "a.js", "b.mjs", "c.ts")
	recs, _, err := collect(context.Background(), root, WithExtensions(".mjs", ".ts"))
	require.NoError(t, err)
	assert.Equal(t, []string{"b.mjs", "c.ts"}, relPaths(recs))
}

func TestWalk_EmptyTree(t *testing.T) {
	recs, errs, err := collect(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Empty(t, errs)
}

func TestWalk_DepthFirstOrder(t *testing.T) {
	root := makeTree(t, "a/z.js", "b.js", "a/b/c.js", "c/d.js")
	recs, _, err := collect(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/b/c.js", "a/z.js", "b.js", "c/d.js"}, relPaths(recs))
	for _, r := range recs {
		assert.False(t, r.IsDir, r.RelPath)
	}
}

func TestWalk_SkipsSymlinks(t *testing.T) {
	root := makeTree(t, "real.js", "dir/inner.js")
	outside := makeTree(t, "outside.js")
	require.NoError(t, os.Symlink(filepath.Join(root, "real.js"), filepath.Join(root, "link.js")))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "linkdir")))

	recs, _, err := collect(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, []string{"dir/inner.js", "real.js"}, relPaths(recs))
}

func TestWalk_SkipDirs(t *testing.T) {
	root := makeTree(t, "a.js", "restore/a.js", "src/b.js")
	recs, _, err := collect(context.Background(), root, WithSkipDirs(filepath.Join(root, "restore")))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.js", "src/b.js"}, relPaths(recs))
}

// ----- Error Tests -----

func TestWalk_MissingRoot(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "gone")
	var gotErr error
	for rec, err := range Walk(context.Background(), missing) {
		gotErr = err
		assert.Equal(t, missing, rec.Path)
		assert.True(t, rec.IsDir)
	}
	assert.ErrorIs(t, gotErr, os.ErrNotExist)
}

func TestWalk_UnreadableDirContinues(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	root := makeTree(t, "a/x.js", "b/y.js", "c/z.js")
	locked := filepath.Join(root, "b")
	require.NoError(t, os.Chmod(locked, 0))
	t.Cleanup(func() { _ = os.Chmod(locked, 0755) })

	recs, errs, err := collect(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/x.js", "c/z.js"}, relPaths(recs))
	require.Len(t, errs, 1)
	var de *DirError
	require.True(t, errors.As(errs[0], &de))
	assert.Equal(t, locked, de.Path)
}

func TestWalk_ContextCancelled(t *testing.T) {
	root := makeTree(t, "a.js", "b.js")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := collect(ctx, root)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWalk_ConsumerStopsEarly(t *testing.T) {
	root := makeTree(t, "a.js", "b.js", "c/d.js")
	var seen []string
	for rec, err := range Walk(context.Background(), root) {
		require.NoError(t, err)
		seen = append(seen, rec.RelPath)
		break
	}
	assert.Equal(t, []string{"a.js"}, seen)
}

func TestWalk_ReusableSequenceWalksAgain(t *testing.T) {
	root := makeTree(t, "a.js")
	seq := Walk(context.Background(), root)
	count := 0
	for range seq {
		count++
	}
	for range seq {
		count++
	}
	assert.Equal(t, 2, count)
}
