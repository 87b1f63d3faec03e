// Package storage moves model files between the file store and a job's
// working directory.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalidRef = errors.New("storage: invalid file reference")

// Local is a file store rooted at a directory, typically a mounted volume.
type Local struct {
	Root string
}

func NewLocal(root string) *Local {
	return &Local{Root: root}
}

func (l *Local) resolve(ref string) (string, error) {
	if ref == "" || filepath.IsAbs(ref) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	p := filepath.Join(l.Root, filepath.FromSlash(ref))
	rel, err := filepath.Rel(l.Root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes root", ErrInvalidRef, ref)
	}
	return p, nil
}

// Fetch copies the referenced file into destDir and returns the local path.
func (l *Local) Fetch(ctx context.Context, ref, destDir string) (string, error) {
	src, err := l.resolve(ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("storage: fetch: %w", err)
	}
	dst := filepath.Join(destDir, filepath.Base(src))
	if err := copyFile(ctx, src, dst); err != nil {
		return "", fmt.Errorf("storage: fetch %s: %w", ref, err)
	}
	return dst, nil
}

// Store moves a finished output under results/<uuid>/ and returns its ref.
func (l *Local) Store(ctx context.Context, localPath string) (string, error) {
	ref := filepath.ToSlash(filepath.Join("results", uuid.NewString(), filepath.Base(localPath)))
	dst := filepath.Join(l.Root, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("storage: store: %w", err)
	}
	if err := os.Rename(localPath, dst); err != nil {
		// Cross-device moves fall back to copy.
		if err := copyFile(ctx, localPath, dst); err != nil {
			return "", fmt.Errorf("storage: store: %w", err)
		}
		_ = os.Remove(localPath)
	}
	return ref, nil
}

func copyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, ctxReader{ctx: ctx, r: in}); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ctxReader stops a long copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
