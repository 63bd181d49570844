package hub

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHub serves the two Hub endpoints used by Repo: model info and file resolution.
func fakeHub(t *testing.T, fileContents map[string]string, downloads *atomic.Int32) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/models/org/model/revision/main", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id": "org/model", "sha": "abc", "siblings": [`)
		first := true
		for name := range fileContents {
			if !first {
				fmt.Fprint(w, ",")
			}
			first = false
			fmt.Fprintf(w, `{"rfilename": %q}`, name)
		}
		fmt.Fprint(w, `]}`)
	})
	mux.HandleFunc("/org/model/resolve/main/", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path[len("/org/model/resolve/main/"):]
		content, ok := fileContents[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if downloads != nil {
			downloads.Add(1)
		}
		fmt.Fprint(w, content)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestHasFile(t *testing.T) {
	server := fakeHub(t, map[string]string{"tokenizer.json": "{}", "config.json": "{}"}, nil)
	repo := New("org/model").WithEndpoint(server.URL).WithCacheDir(t.TempDir())
	assert.True(t, repo.HasFile("tokenizer.json"))
	assert.False(t, repo.HasFile("tokenizer.model"))

	var names []string
	for name, err := range repo.IterFileNames() {
		require.NoError(t, err)
		names = append(names, name)
	}
	assert.ElementsMatch(t, []string{"tokenizer.json", "config.json"}, names)
}

func TestDownloadFile(t *testing.T) {
	var downloads atomic.Int32
	server := fakeHub(t, map[string]string{"tokenizer.json": `{"version": "1.0"}`}, &downloads)
	cacheDir := t.TempDir()
	repo := New("org/model").WithEndpoint(server.URL).WithCacheDir(cacheDir)

	localPath, err := repo.DownloadFile("tokenizer.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cacheDir, "models--org--model", "snapshots", "main", "tokenizer.json"), localPath)
	content, err := os.ReadFile(localPath)
	require.NoError(t, err)
	assert.Equal(t, `{"version": "1.0"}`, string(content))
	assert.NoFileExists(t, localPath+".lock")
	assert.NoFileExists(t, localPath+".downloading")

	// Second call is served from the cache.
	_, err = repo.DownloadFile("tokenizer.json")
	require.NoError(t, err)
	assert.Equal(t, int32(1), downloads.Load())
}

func TestDownloadFileMissing(t *testing.T) {
	server := fakeHub(t, map[string]string{}, nil)
	repo := New("org/model").WithEndpoint(server.URL).WithCacheDir(t.TempDir())
	localPath, err := repo.DownloadFile("tokenizer.model")
	require.Error(t, err)
	assert.Empty(t, localPath)
	assert.Contains(t, err.Error(), "404")
}

func TestDownloadFileInvalidName(t *testing.T) {
	repo := New("org/model").WithCacheDir(t.TempDir())
	for _, name := range []string{"", "../secret", "/etc/passwd"} {
		_, err := repo.DownloadFile(name)
		assert.Error(t, err, "file name %q", name)
	}
}

func TestExecOnFileLockCancelled(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "file.lock")
	ctx, cancel := context.WithCancel(context.Background())
	var inner error
	err := execOnFileLock(ctx, New("x").logger, lockPath, func() {
		// Holding the lock: a second locker must give up once its context is done.
		cancel()
		inner = execOnFileLock(ctx, New("x").logger, lockPath, func() {
			t.Error("second lock must not be acquired")
		})
	})
	require.NoError(t, err)
	assert.ErrorIs(t, inner, context.Canceled)
}
