package filelock

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tftpd/internal/filesystem"
)

func TestEmptyRegistry(t *testing.T) {
	r := New()

	assert.Nil(t, r.Find("missing"))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, -1, r.Height())
	assert.True(t, r.Valid())
	assert.Empty(t, r.Keys())
}

func TestInsertKeepsBalance(t *testing.T) {
	tests := []struct {
		name string
		keys []string
	}{
		{"ascending", []string{"a", "b", "c", "d", "e", "f", "g"}},
		{"descending", []string{"g", "f", "e", "d", "c", "b", "a"}},
		{"left-right", []string{"c", "a", "b"}},
		{"right-left", []string{"a", "c", "b"}},
		{"with duplicates", []string{"m", "c", "m", "x", "c", "a", "a", "z"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			for _, k := range tt.keys {
				r.Insert(k)
				require.True(t, r.Valid(), "invalid after inserting %q", k)
			}

			unique := map[string]bool{}
			for _, k := range tt.keys {
				unique[k] = true
			}
			assert.Equal(t, len(unique), r.Len())
			assert.True(t, sort.StringsAreSorted(r.Keys()))
		})
	}
}

func TestRandomInserts(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	r := New()
	seen := map[string]bool{}

	for i := 0; i < 2000; i++ {
		key := fmt.Sprintf("file-%d.bin", rng.Intn(700))
		r.Insert(key)
		seen[key] = true
	}

	require.True(t, r.Valid())
	assert.Equal(t, len(seen), r.Len())

	keys := r.Keys()
	assert.True(t, sort.StringsAreSorted(keys))
	assert.Len(t, keys, len(seen))

	// AVL height bound: h < 1.45 log2(n+2)
	assert.LessOrEqual(t, r.Height(), 14)
}

func TestLookupIdentity(t *testing.T) {
	r := New()
	a := r.Insert("boot/a.img")
	b := r.Insert("boot/b.img")

	assert.Same(t, a, r.Find("boot/a.img"))
	assert.Same(t, r.Find("boot/a.img"), r.Find("boot/a.img"))
	assert.NotSame(t, a, b)

	again, created := r.FindOrInsert("boot/a.img")
	assert.False(t, created)
	assert.Same(t, a, again)
	assert.Same(t, a, r.Insert("boot/a.img"))
	assert.Equal(t, 2, r.Len())
}

func TestLeadingSlashStripped(t *testing.T) {
	r := New()
	n := r.Insert("/pxelinux.0")

	assert.Equal(t, "pxelinux.0", n.Key())
	assert.Same(t, n, r.Find("pxelinux.0"))
	assert.Same(t, n, r.Find("//pxelinux.0"))
}

func TestConcurrentFindOrInsert(t *testing.T) {
	r := New()

	var wg sync.WaitGroup
	nodes := make([]*Node, 64)
	created := make([]bool, 64)
	for i := range nodes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.FindOrInsert(fmt.Sprintf("other-%d", i%8))
			nodes[i], created[i] = r.FindOrInsert("shared.bin")
		}(i)
	}
	wg.Wait()

	creators := 0
	for i := range nodes {
		assert.Same(t, nodes[0], nodes[i])
		if created[i] {
			creators++
		}
	}
	assert.Equal(t, 1, creators)
	assert.Equal(t, 9, r.Len())
	assert.True(t, r.Valid())
}

func TestNodeLockExcludes(t *testing.T) {
	r := New()
	n := r.Insert("locked.txt")

	n.Lock()
	assert.False(t, r.Find("locked.txt").TryLock())
	n.Unlock()

	assert.True(t, n.TryLock())
	n.Unlock()
}

func TestWalkStopsEarly(t *testing.T) {
	r := New()
	for _, k := range []string{"d", "b", "a", "c", "e"} {
		r.Insert(k)
	}

	var got []string
	r.Walk(func(key string) bool {
		got = append(got, key)
		return len(got) < 3
	})
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestSeed(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "boot"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "boot", "kernel"), []byte("k"), 0644))

	r := New()
	r.Insert("a.txt")

	added, err := r.Seed(root)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, []string{"a.txt", "boot/kernel"}, r.Keys())

	_, err = r.Seed(filepath.Join(root, "missing"))
	assert.Error(t, err)
}

func TestClose(t *testing.T) {
	r := New()
	held := r.Insert("x")
	r.Insert("y")

	r.Close()

	assert.Equal(t, 0, r.Len())
	assert.Nil(t, r.Find("x"))
	assert.True(t, r.Valid())

	// Holders keep a working lock
	held.Lock()
	held.Unlock()
}

func TestWatchRegistersNewFiles(t *testing.T) {
	root := t.TempDir()
	r := New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Watch(ctx, root))

	partial := ".late.bin.1" + filesystem.PartialSuffix
	require.NoError(t, os.WriteFile(filepath.Join(root, partial), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "late.bin"), []byte("x"), 0644))
	assert.Eventually(t, func() bool {
		return r.Find("late.bin") != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Nil(t, r.Find(partial))

	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "deep.bin"), []byte("y"), 0644))
	assert.Eventually(t, func() bool {
		return r.Find("sub/deep.bin") != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchMissingRoot(t *testing.T) {
	r := New()
	err := r.Watch(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
