// Package hub fetches files from HuggingFace Hub model repositories, caching them locally.
//
// Only what the tokenizer loaders need is implemented: listing a repository's files and
// downloading individual files into a cache directory shared across runs and processes.
//
// Example:
//
//	repo := hub.New("gpt2").WithAuth(os.Getenv("HF_TOKEN"))
//	localPath, err := repo.DownloadFile("tokenizer.json")
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/tweetgen/tweetgen/internal/downloader"
	"github.com/tweetgen/tweetgen/internal/files"
	"k8s.io/klog/v2"
)

const (
	// DefaultEndpoint of the HuggingFace Hub.
	DefaultEndpoint = "https://huggingface.co"

	// DefaultCacheDir is where files are cached, unless changed with Repo.WithCacheDir.
	DefaultCacheDir = "~/.cache/huggingface/hub"

	// DefaultRevision is the branch used when none is given.
	DefaultRevision = "main"

	// DefaultDirCreationPerm is used when creating cache directories.
	DefaultDirCreationPerm = 0o755
)

// Repo is a model repository in the HuggingFace Hub. Configure it with the With* methods before
// the first download; a Repo is not safe for concurrent configuration.
type Repo struct {
	ID string

	// MaxParallelDownload caps concurrent downloads for this Repo. Default 4.
	MaxParallelDownload int

	endpoint  string
	revision  string
	authToken string
	cacheDir  string
	logger    klog.Logger

	downloadManager *downloader.Manager
	info            *repoInfo
}

// repoInfo is the subset of the Hub's model info API response used here.
type repoInfo struct {
	ID       string `json:"id"`
	SHA      string `json:"sha"`
	Siblings []struct {
		Name string `json:"rfilename"`
	} `json:"siblings"`
}

// New creates a Repo for the model id (e.g. "gpt2" or "google/flan-t5-small").
func New(id string) *Repo {
	return &Repo{
		ID:                  id,
		MaxParallelDownload: 4,
		endpoint:            DefaultEndpoint,
		revision:            DefaultRevision,
		cacheDir:            DefaultCacheDir,
		logger:              klog.Background(),
	}
}

// WithAuth sets the token used to access private or gated repositories.
func (r *Repo) WithAuth(token string) *Repo {
	r.authToken = token
	r.downloadManager = nil
	return r
}

// WithRevision sets the branch, tag or commit to download from.
func (r *Repo) WithRevision(revision string) *Repo {
	if revision != "" {
		r.revision = revision
		r.info = nil
	}
	return r
}

// WithCacheDir sets the local cache directory. A leading "~" is expanded.
func (r *Repo) WithCacheDir(dir string) *Repo {
	if dir != "" {
		r.cacheDir = dir
	}
	return r
}

// WithEndpoint overrides the Hub address, e.g. for a mirror.
func (r *Repo) WithEndpoint(endpoint string) *Repo {
	if endpoint != "" {
		r.endpoint = strings.TrimRight(endpoint, "/")
		r.info = nil
	}
	return r
}

// WithLogger sets the logger used to report downloads.
func (r *Repo) WithLogger(logger klog.Logger) *Repo {
	r.logger = logger
	return r
}

// String implements fmt.Stringer.
func (r *Repo) String() string {
	return fmt.Sprintf("hub.Repo(%s@%s)", r.ID, r.revision)
}

// repoCacheDir is the directory holding all files of this repo and revision.
func (r *Repo) repoCacheDir() string {
	name := "models--" + strings.ReplaceAll(r.ID, "/", "--")
	return filepath.Join(files.ReplaceTildeInDir(r.cacheDir), name, "snapshots", r.revision)
}

func (r *Repo) infoURL() string {
	return fmt.Sprintf("%s/api/models/%s/revision/%s", r.endpoint, r.ID, url.PathEscape(r.revision))
}

func (r *Repo) fileURL(fileName string) string {
	return fmt.Sprintf("%s/%s/resolve/%s/%s", r.endpoint, r.ID, url.PathEscape(r.revision), fileName)
}

// readInfo fetches the repository listing, once.
func (r *Repo) readInfo(ctx context.Context) error {
	if r.info != nil {
		return nil
	}
	body, err := r.getDownloadManager().FetchBytes(ctx, r.infoURL())
	if err != nil {
		return errors.WithMessagef(err, "while fetching info for %s", r)
	}
	info := &repoInfo{}
	if err := json.Unmarshal(body, info); err != nil {
		return errors.Wrapf(err, "failed to parse info for %s", r)
	}
	r.info = info
	return nil
}

// IterFileNames iterates over the file names of the repository.
func (r *Repo) IterFileNames() func(yield func(string, error) bool) {
	return func(yield func(string, error) bool) {
		if err := r.readInfo(context.Background()); err != nil {
			yield("", err)
			return
		}
		for _, sibling := range r.info.Siblings {
			if !yield(sibling.Name, nil) {
				return
			}
		}
	}
}

// HasFile returns whether the repository has the given file. Failures to reach the Hub are
// logged and reported as false.
func (r *Repo) HasFile(fileName string) bool {
	for name, err := range r.IterFileNames() {
		if err != nil {
			r.logger.Error(err, "Failed to list repository files", "repo", r.ID)
			return false
		}
		if name == fileName {
			return true
		}
	}
	return false
}

// DownloadFile downloads fileName into the cache, if not there yet, and returns its local path.
func (r *Repo) DownloadFile(fileName string) (string, error) {
	return r.DownloadFileWithContext(context.Background(), fileName)
}

// DownloadFileWithContext is like DownloadFile, but can be cancelled.
func (r *Repo) DownloadFileWithContext(ctx context.Context, fileName string) (string, error) {
	if fileName == "" || strings.Contains(fileName, "..") || filepath.IsAbs(fileName) {
		return "", errors.Errorf("invalid file name %q", fileName)
	}
	localPath := filepath.Join(r.repoCacheDir(), filepath.FromSlash(fileName))
	if files.Exists(localPath) {
		return localPath, nil
	}
	r.logger.V(1).Info("Downloading", "repo", r.ID, "file", fileName)
	if err := r.lockedDownload(ctx, r.fileURL(fileName), localPath, false, nil); err != nil {
		return "", err
	}
	return localPath, nil
}
