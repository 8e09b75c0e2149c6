// Package artifact packs training output directories into gzipped tar
// archives and extracts them again. Extraction treats archives as
// untrusted input: entries that escape the destination directory,
// symlinks, and oversized payloads are rejected.
package artifact

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	kilnerrors "github.com/odvcencio/kiln/pkg/errors"
	"github.com/odvcencio/kiln/pkg/objectstore"
)

// ArchiveName is the canonical file name for packed model artifacts.
const ArchiveName = "model.tar.gz"

// maxEntrySize caps individual tar entries during extraction to guard
// against decompression bombs in crafted archives.
const maxEntrySize = 1 << 30

// Pack archives the contents of dir into a gzipped tarball at dest.
// Entry names are recorded relative to dir with forward slashes, so
// the archive extracts cleanly on any platform. The tarball is written
// to a temp file and renamed into place once complete.
func Pack(dir, dest string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeArtifactPack, "reading source directory").
			WithContext("dir", dir)
	}
	if !info.IsDir() {
		return kilnerrors.New(kilnerrors.ErrCodeArtifactPack, "source is not a directory").
			WithContext("dir", dir)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeArtifactPack, "creating destination directory").
			WithContext("path", dest)
	}

	tmp := dest + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeArtifactPack, "creating temp archive").
			WithContext("path", tmp)
	}
	// Best-effort cleanup; after a successful rename the temp path is gone.
	defer os.Remove(tmp)

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		// Regular files and directories only. Sockets, devices, and
		// symlinks have no place in a model artifact.
		if !fi.Mode().IsRegular() && !fi.IsDir() {
			return nil
		}
		header, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if fi.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write header %q: %w", header.Name, err)
		}
		if fi.IsDir() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return fmt.Errorf("write file %q: %w", header.Name, err)
		}
		return nil
	})
	if walkErr == nil {
		walkErr = tw.Close()
	} else {
		tw.Close()
	}
	if walkErr == nil {
		walkErr = gz.Close()
	} else {
		gz.Close()
	}
	if walkErr == nil {
		walkErr = out.Close()
	} else {
		out.Close()
	}
	if walkErr != nil {
		return kilnerrors.Wrap(walkErr, kilnerrors.ErrCodeArtifactPack, "writing archive").
			WithContext("dir", dir).
			WithContext("path", dest)
	}

	if err := os.Rename(tmp, dest); err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeArtifactPack, "finalizing archive").
			WithContext("path", dest)
	}
	return nil
}

// Extract unpacks a gzipped tarball into dir, creating it if needed.
func Extract(archive, dir string) error {
	f, err := os.Open(archive)
	if err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeArtifactExtract, "opening archive").
			WithContext("path", archive)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeArtifactExtract, "reading gzip stream").
			WithContext("path", archive)
	}
	defer gz.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeArtifactExtract, "creating destination directory").
			WithContext("dir", dir)
	}

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return kilnerrors.Wrap(err, kilnerrors.ErrCodeArtifactExtract, "reading archive entry").
				WithContext("path", archive)
		}
		name, err := safeEntryName(header.Name)
		if err != nil {
			return err
		}
		target := filepath.Join(dir, filepath.FromSlash(name))

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, dirPerm(header)); err != nil {
				return kilnerrors.Wrap(err, kilnerrors.ErrCodeArtifactExtract, "creating directory entry").
					WithContext("entry", name)
			}
		case tar.TypeReg:
			if header.Size > maxEntrySize {
				return kilnerrors.New(kilnerrors.ErrCodeArtifactExtract, "archive entry exceeds size limit").
					WithContext("entry", name).
					WithContext("size", header.Size)
			}
			if err := writeEntry(target, tr, filePerm(header)); err != nil {
				return kilnerrors.Wrap(err, kilnerrors.ErrCodeArtifactExtract, "writing archive entry").
					WithContext("entry", name)
			}
		default:
			return kilnerrors.New(kilnerrors.ErrCodeArtifactExtract, "archive entry has unsupported type").
				WithContext("entry", name).
				WithContext("type", fmt.Sprintf("%q", rune(header.Typeflag)))
		}
	}
	return nil
}

// safeEntryName normalizes a tar entry name and rejects anything that
// would land outside the extraction directory.
func safeEntryName(name string) (string, error) {
	if name == "" || path.IsAbs(name) || strings.Contains(name, `\`) {
		return "", kilnerrors.New(kilnerrors.ErrCodeArtifactExtract, "archive entry escapes the extraction directory").
			WithContext("entry", name)
	}
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", kilnerrors.New(kilnerrors.ErrCodeArtifactExtract, "archive entry escapes the extraction directory").
			WithContext("entry", name)
	}
	return clean, nil
}

func writeEntry(target string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(r, maxEntrySize+1))
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	if n > maxEntrySize {
		return fmt.Errorf("entry exceeded size limit during read")
	}
	return nil
}

func filePerm(header *tar.Header) os.FileMode {
	perm := header.FileInfo().Mode().Perm()
	if perm == 0 {
		perm = 0o644
	}
	return perm
}

func dirPerm(header *tar.Header) os.FileMode {
	perm := header.FileInfo().Mode().Perm()
	if perm == 0 {
		perm = 0o755
	}
	return perm
}

// Download fetches an artifact addressed by a kiln:// URI into dest.
func Download(client *objectstore.Client, uri, dest string) (*objectstore.Object, error) {
	bucket, key, err := objectstore.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, kilnerrors.New(kilnerrors.ErrCodeObjectURI, "artifact URI must name an object, not a bucket").
			WithContext("uri", uri)
	}
	return client.Download(bucket, key, dest)
}

// DownloadAndExtract fetches an artifact archive and unpacks it into
// dir. The downloaded tarball lands in a temp file that is removed
// whether or not extraction succeeds.
func DownloadAndExtract(client *objectstore.Client, uri, dir string) (*objectstore.Object, error) {
	tmp, err := os.CreateTemp("", "kiln-artifact-*.tar.gz")
	if err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeArtifactExtract, "creating temp file")
	}
	tmpPath := tmp.Name()
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeArtifactExtract, "closing temp file")
	}
	defer os.Remove(tmpPath)

	obj, err := Download(client, uri, tmpPath)
	if err != nil {
		return nil, err
	}
	if err := Extract(tmpPath, dir); err != nil {
		return nil, err
	}
	return obj, nil
}
