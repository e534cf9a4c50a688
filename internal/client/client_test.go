package client

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tftpd/internal/config"
	"tftpd/internal/errors"
	"tftpd/internal/server"
	"tftpd/internal/transfer"
)

// startServer runs a server on a loopback ephemeral port over root
func startServer(t *testing.T, root string) *server.Server {
	t.Helper()

	cfg := config.Default()
	cfg.Root = root
	cfg.Port = 0
	cfg.LogDir = ""
	cfg.Workers = 4
	cfg.Timeout = 2 * time.Second
	cfg.Retries = 1

	srv, err := server.New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})

	return srv
}

func newClient(t *testing.T, srv *server.Server) *Client {
	t.Helper()

	cfg := config.Default()
	cfg.Mode = config.ModeClient
	cfg.Host = "127.0.0.1"
	cfg.Port = srv.Addr().Port
	cfg.Timeout = 2 * time.Second
	cfg.Retries = 1
	cfg.ShowProgress = false

	c, err := New(cfg)
	require.NoError(t, err)
	c.Dir = t.TempDir()
	return c
}

func TestGet(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "images"), 0755))

	tests := []struct {
		name string
		size int
	}{
		{"empty", 0},
		{"short", 100},
		{"exact_block", 512},
		{"multi_block", 512*3 + 17},
	}

	for _, tt := range tests {
		content := bytes.Repeat([]byte{0x5A}, tt.size)
		require.NoError(t, os.WriteFile(filepath.Join(root, "images", tt.name), content, 0644))
	}

	srv := startServer(t, root)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, srv)

			local, err := c.Get(context.Background(), "images/"+tt.name)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(c.Dir, tt.name), local)

			got, err := os.ReadFile(local)
			require.NoError(t, err)
			assert.Len(t, got, tt.size)
		})
	}
}

func TestGetMissingRemovesLocalFile(t *testing.T) {
	srv := startServer(t, t.TempDir())
	c := newClient(t, srv)

	_, err := c.Get(context.Background(), "missing.bin")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRemote))

	_, statErr := os.Stat(filepath.Join(c.Dir, "missing.bin"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestPut(t *testing.T) {
	root := t.TempDir()
	srv := startServer(t, root)
	c := newClient(t, srv)

	content := make([]byte, 2048)
	for i := range content {
		content[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(c.Dir, "upload.bin"), content, 0644))

	require.NoError(t, c.Put(context.Background(), "upload.bin"))

	got, err := os.ReadFile(filepath.Join(root, "upload.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
	assert.NotNil(t, srv.Registry().Find("upload.bin"))
}

func TestPutUsesLastPathElement(t *testing.T) {
	root := t.TempDir()
	srv := startServer(t, root)
	c := newClient(t, srv)

	require.NoError(t, os.MkdirAll(filepath.Join(c.Dir, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(c.Dir, "nested", "notes.txt"), []byte("notes"), 0644))

	require.NoError(t, c.Put(context.Background(), "nested/notes.txt"))

	got, err := os.ReadFile(filepath.Join(root, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "notes", string(got))
}

func TestPutUnreadableSendsNothing(t *testing.T) {
	root := t.TempDir()
	srv := startServer(t, root)
	c := newClient(t, srv)

	err := c.Put(context.Background(), "absent.bin")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrFileSystem))
	assert.Nil(t, srv.Registry().Find("absent.bin"))
}

func TestRoundTrip(t *testing.T) {
	root := t.TempDir()
	srv := startServer(t, root)
	up := newClient(t, srv)
	down := newClient(t, srv)

	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("file%d.dat", i)
		content := bytes.Repeat([]byte{byte(i + 1)}, 700*(i+1))
		require.NoError(t, os.WriteFile(filepath.Join(up.Dir, name), content, 0644))
		require.NoError(t, up.Put(context.Background(), name))

		local, err := down.Get(context.Background(), name)
		require.NoError(t, err)
		got, err := os.ReadFile(local)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(content, got), "content mismatch for %s", name)
	}
}

func TestOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Mode = config.ModeClient
	cfg.Timeout = 0
	cfg.Retries = -1

	c, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, transfer.DefaultOptions(), c.options())

	cfg.Timeout = 2 * time.Second
	cfg.Retries = 1
	opts := c.options()
	assert.Equal(t, 2*time.Second, opts.Timeout)
	assert.Equal(t, 1, opts.Retries)
}
