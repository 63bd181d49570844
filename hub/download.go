package hub

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/tweetgen/tweetgen/internal/downloader"
	"github.com/tweetgen/tweetgen/internal/files"
	"k8s.io/klog/v2"
)

// getDownloadManager returns current downloader.Manager, or creates a new one for this Repo.
func (r *Repo) getDownloadManager() *downloader.Manager {
	if r.downloadManager == nil {
		r.downloadManager = downloader.New().MaxParallel(r.MaxParallelDownload).WithAuthToken(r.authToken)
	}
	return r.downloadManager
}

// lockedDownload url to the given filePath.
//
// If filePath exists and forceDownload is false, it is assumed to be complete and it returns
// immediately. Otherwise it downloads to filePath+".downloading" and renames it into place,
// holding filePath+".lock" so concurrent processes don't download the same file twice.
func (r *Repo) lockedDownload(ctx context.Context, url, filePath string, forceDownload bool, progressCallback downloader.ProgressCallback) error {
	if files.Exists(filePath) {
		if !forceDownload {
			return nil
		}
		if err := os.Remove(filePath); err != nil {
			return errors.Wrapf(err, "failed to remove %q while force-downloading %q", filePath, url)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), DefaultDirCreationPerm); err != nil {
		return errors.Wrapf(err, "failed to create directory for file %q", filePath)
	}

	lockPath := filePath + ".lock"
	var mainErr error
	errLock := execOnFileLock(ctx, r.logger, lockPath, func() {
		if files.Exists(filePath) {
			// Another process got here first.
			return
		}
		tmpPath := filePath + ".downloading"
		mainErr = r.getDownloadManager().Download(ctx, url, tmpPath, progressCallback)
		if mainErr != nil {
			if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
				r.logger.Error(err, "Failed removing temporary file", "path", tmpPath)
			}
			mainErr = errors.WithMessagef(mainErr, "while downloading %q to %q", url, tmpPath)
			return
		}
		if err := os.Rename(tmpPath, filePath); err != nil {
			mainErr = errors.Wrapf(err, "failed to move downloaded file %q to %q", tmpPath, filePath)
			return
		}
		// The file is in place, later callers won't need the lock.
		if err := os.Remove(lockPath); err != nil {
			r.logger.Error(err, "Failed removing lock file", "path", lockPath)
		}
	})
	if mainErr != nil {
		return mainErr
	}
	if errLock != nil {
		return errors.WithMessagef(errLock, "while locking %q to download %q", lockPath, url)
	}
	return nil
}

// execOnFileLock locks lockPath (creating it if needed) and executes fn while holding it.
// If the lock is held elsewhere it polls every 1 to 2 seconds until it gets it or ctx is done.
func execOnFileLock(ctx context.Context, logger klog.Logger, lockPath string, fn func()) (err error) {
	fileLock := flock.New(lockPath)
	for {
		locked, err := fileLock.TryLock()
		if err != nil {
			return errors.Wrapf(err, "while trying to lock %q", lockPath)
		}
		if locked {
			break
		}
		wait := time.Millisecond * time.Duration(1000+rand.Intn(1000))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	// Unlock even if fn panics.
	defer func() {
		unlockErr := fileLock.Unlock()
		if unlockErr == nil {
			return
		}
		if err == nil {
			err = errors.Wrapf(unlockErr, "unlocking file %q", lockPath)
		} else {
			logger.Error(unlockErr, "Failed unlocking file", "path", lockPath)
		}
	}()
	fn()
	return
}
