// Package staging packages a local payload onto the shared filesystem
// the cluster reads job inputs from.
package staging

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"tether/internal/apperrors"
)

// ArchiveName is the payload archive's file name inside a session
// directory. Jobs unpack it into their workspace.
const ArchiveName = "payload.tar.gz"

// Staged describes one staged payload on the shared filesystem.
type Staged struct {
	SessionDir string // <root>/<uuid>
	Archive    string // <SessionDir>/payload.tar.gz
}

// Stager copies payloads into per-session directories under a staging
// root on a mount the cluster can read. Session directories are left
// in place after the run; the manager may still be reading them.
type Stager struct {
	root   string
	logger *slog.Logger
}

// New creates a Stager rooted at dir.
func New(dir string) *Stager {
	return &Stager{
		root:   dir,
		logger: slog.With("component", "staging"),
	}
}

// Stage archives the payload file or directory into a fresh session
// directory and returns its location. All failures classify as
// staging errors: they happen before the job exists.
func (s *Stager) Stage(ctx context.Context, payload string) (Staged, error) {
	if s.root == "" {
		return Staged{}, apperrors.Staging("staging.prepare", errors.New("staging directory not configured"))
	}

	info, err := os.Stat(payload)
	if err != nil {
		return Staged{}, apperrors.Staging("staging.stat", err)
	}

	sessionDir := filepath.Join(s.root, uuid.New().String())
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return Staged{}, apperrors.Staging("staging.mkdir", err)
	}

	archivePath := filepath.Join(sessionDir, ArchiveName)
	if err := writeArchive(ctx, archivePath, payload, info); err != nil {
		_ = os.RemoveAll(sessionDir)
		return Staged{}, apperrors.Staging("staging.archive", err)
	}

	s.logger.Info("Payload staged", "payload", payload, "archive", archivePath)
	return Staged{SessionDir: sessionDir, Archive: archivePath}, nil
}

func writeArchive(ctx context.Context, dst, src string, info os.FileInfo) error {
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	if info.IsDir() {
		err = archiveDir(ctx, tw, src)
	} else {
		err = archiveFile(tw, src, info)
	}
	if err != nil {
		return err
	}

	// Close order matters: the tar footer and gzip trailer both have to
	// flush for the archive to be readable.
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finalize gzip stream: %w", err)
	}
	return nil
}

func archiveDir(ctx context.Context, tw *tar.Writer, srcDir string) error {
	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", relPath, err)
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("failed to create tar header: %w", err)
		}
		header.Name = filepath.ToSlash(relPath)

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write tar header: %w", err)
		}
		if d.IsDir() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open file: %w", err)
		}
		defer file.Close()

		if _, err := io.Copy(tw, file); err != nil {
			return fmt.Errorf("failed to write file to tar: %w", err)
		}
		return nil
	})
}

func archiveFile(tw *tar.Writer, filePath string, info os.FileInfo) error {
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("failed to create tar header: %w", err)
	}
	header.Name = filepath.Base(filePath)

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}

	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("failed to write file to tar: %w", err)
	}
	return nil
}
