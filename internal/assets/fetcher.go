package assets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"mediaforge-backend/internal/storage"
)

const MinTrainingImages = 10

var ErrInsufficientImages = errors.New("insufficient training images")

var ImageExtensions = []string{".jpg", ".jpeg", ".png"}

type Fetcher struct {
	Store storage.Provider
}

func NewFetcher(store storage.Provider) *Fetcher {
	return &Fetcher{Store: store}
}

// EnsureFile downloads bucket/key to localPath unless a file is already
// there. An existing file is trusted as-is, so a failed download must not
// leave anything behind at localPath.
func (f *Fetcher) EnsureFile(ctx context.Context, bucket, key, localPath string) (bool, error) {
	if _, err := os.Stat(localPath); err == nil {
		slog.Info("using cached asset", "path", localPath)
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("error checking cached asset %s: %w", localPath, err)
	}

	slog.Info("downloading asset", "bucket", bucket, "key", key, "dest", localPath)
	if err := f.Store.DownloadObject(ctx, bucket, key, localPath); err != nil {
		if rmErr := os.Remove(localPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			slog.Error("error removing partial download", "path", localPath, "error", rmErr)
		}
		return false, fmt.Errorf("error downloading asset %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

// EnsureURI resolves a remote location to <cacheDir>/lora/<key>, downloading
// it on first use. Local paths are returned unchanged.
func (f *Fetcher) EnsureURI(ctx context.Context, uri, cacheDir string) (string, error) {
	if uri == "" {
		return "", nil
	}
	if !storage.IsURI(uri) {
		return uri, nil
	}

	bucket, key, err := storage.ParseURI(uri)
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", fmt.Errorf("asset uri %q has no object key", uri)
	}

	localPath := filepath.Join(cacheDir, "lora", filepath.FromSlash(key))
	if _, err := f.EnsureFile(ctx, bucket, key, localPath); err != nil {
		return "", err
	}
	return localPath, nil
}

func HasImageExtension(name string) bool {
	return slices.Contains(ImageExtensions, strings.ToLower(path.Ext(name)))
}

// FetchImages downloads every image under bucket/prefix into localDir. The
// first failed transfer aborts the whole fetch.
func (f *Fetcher) FetchImages(ctx context.Context, bucket, prefix, localDir string) ([]string, error) {
	if err := os.MkdirAll(localDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("error creating image directory %s: %w", localDir, err)
	}

	var paths []string
	for obj, err := range f.Store.IterObjects(ctx, bucket, prefix) {
		if err != nil {
			return nil, fmt.Errorf("error listing training images: %w", err)
		}
		if !HasImageExtension(obj.Name) {
			continue
		}

		dest := filepath.Join(localDir, path.Base(obj.Name))
		if err := f.Store.DownloadObject(ctx, bucket, obj.Name, dest); err != nil {
			return nil, fmt.Errorf("error downloading training image %s: %w", obj.Name, err)
		}
		paths = append(paths, dest)
	}

	slog.Info("downloaded training images", "bucket", bucket, "prefix", prefix, "count", len(paths))
	return paths, nil
}

func CheckImageCount(n int) error {
	if n < MinTrainingImages {
		return fmt.Errorf("%w: need at least %d images, got %d", ErrInsufficientImages, MinTrainingImages, n)
	}
	return nil
}

// UploadDir uploads every file under localDir to bucket/prefix/<relative path>.
// When extensions is non-empty only files with one of those extensions are
// uploaded. It returns the gs:// location of the uploaded prefix.
func (f *Fetcher) UploadDir(ctx context.Context, localDir, bucket, prefix string, extensions []string) (string, error) {
	uploaded := 0
	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if len(extensions) > 0 && !slices.Contains(extensions, strings.ToLower(filepath.Ext(p))) {
			return nil
		}

		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		key := path.Join(prefix, filepath.ToSlash(rel))

		file, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("error opening %s: %w", p, err)
		}
		defer file.Close()

		if err := f.Store.PutObject(ctx, bucket, key, file); err != nil {
			return fmt.Errorf("error uploading %s: %w", rel, err)
		}
		uploaded++
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("error uploading directory %s: %w", localDir, err)
	}

	location := storage.URI("gs", bucket, prefix)
	slog.Info("uploaded directory", "dir", localDir, "location", location, "files", uploaded)
	return location, nil
}
