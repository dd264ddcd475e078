package transfer

import (
	"archive/tar"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// Compression selects the archive stream codec.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// DefaultCompression is used when none is configured.
const DefaultCompression = CompressionZstd

// digestRecord is the PAX record holding a file's hex BLAKE3 digest.
const digestRecord = "SPOKESYNC.blake3"

// ErrDigestMismatch is returned when an extracted file does not match its digest.
var ErrDigestMismatch = errors.New("transfer: digest mismatch")

// ParseCompression parses a codec name. The empty string selects the default.
func ParseCompression(name string) (Compression, error) {
	switch c := Compression(strings.ToLower(strings.TrimSpace(name))); c {
	case "":
		return DefaultCompression, nil
	case CompressionNone, CompressionZstd, CompressionLZ4:
		return c, nil
	default:
		return "", fmt.Errorf("transfer: unknown compression %q", name)
	}
}

// Extension returns the archive file suffix for c.
func (c Compression) Extension() string {
	switch c {
	case CompressionZstd:
		return ".tar.zst"
	case CompressionLZ4:
		return ".tar.lz4"
	default:
		return ".tar"
	}
}

// ArchiveStats describes a written archive.
type ArchiveStats struct {
	Files int
	Bytes int64
}

// WriteArchive writes the regular files under dir to w as a tar stream
// compressed with c. Paths are relative to dir and use forward slashes.
func WriteArchive(w io.Writer, dir string, c Compression) (ArchiveStats, error) {
	cw, err := compressor(w, c)
	if err != nil {
		return ArchiveStats{}, err
	}
	tw := tar.NewWriter(cw)

	var st ArchiveStats
	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = filepath.ToSlash(rel) + "/"
			hdr.Format = tar.FormatPAX
			return tw.WriteHeader(hdr)
		case info.Mode().IsRegular():
			n, err := addFile(tw, p, filepath.ToSlash(rel), info)
			if err != nil {
				return err
			}
			st.Files++
			st.Bytes += n
			return nil
		default:
			return nil
		}
	})
	if walkErr != nil {
		return st, fmt.Errorf("transfer: archive %s: %w", dir, walkErr)
	}
	if err := tw.Close(); err != nil {
		return st, err
	}
	return st, cw.Close()
}

func addFile(tw *tar.Writer, p, name string, info fs.FileInfo) (int64, error) {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return 0, err
	}
	hdr.Name = name
	hdr.Format = tar.FormatPAX

	f, err := os.Open(p)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	// The header fixed the size; a file still growing is hashed and cut at that size.
	digest, err := fileDigest(f, hdr.Size)
	if err != nil {
		return 0, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	hdr.PAXRecords = map[string]string{digestRecord: digest}
	if err := tw.WriteHeader(hdr); err != nil {
		return 0, err
	}
	return io.CopyN(tw, f, hdr.Size)
}

// fileDigest hashes the first size bytes of r.
func fileDigest(r io.Reader, size int64) (string, error) {
	h := blake3.New()
	if _, err := io.CopyN(h, r, size); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ExtractArchive unpacks an archive written by WriteArchive into dest and
// verifies every file digest. Entries escaping dest are rejected.
func ExtractArchive(r io.Reader, dest string, c Compression) (ArchiveStats, error) {
	dr, err := decompressor(r, c)
	if err != nil {
		return ArchiveStats{}, err
	}
	defer dr.Close()

	var st ArchiveStats
	tr := tar.NewReader(dr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return st, nil
		}
		if err != nil {
			return st, fmt.Errorf("transfer: read archive: %w", err)
		}

		target, err := entryPath(dest, hdr.Name)
		if err != nil {
			return st, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return st, err
			}
		case tar.TypeReg:
			n, err := extractFile(tr, target, hdr)
			if err != nil {
				return st, err
			}
			st.Files++
			st.Bytes += n
		}
	}
}

func entryPath(dest, name string) (string, error) {
	clean := path.Clean("/" + name)
	if clean == "/" || strings.Contains(name, "\\") {
		return "", fmt.Errorf("transfer: bad archive entry %q", name)
	}
	for _, seg := range strings.Split(strings.TrimPrefix(name, "/"), "/") {
		if seg == ".." {
			return "", fmt.Errorf("transfer: archive entry %q escapes destination", name)
		}
	}
	return filepath.Join(dest, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

func extractFile(tr *tar.Reader, target string, hdr *tar.Header) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}

	h := blake3.New()
	n, err := io.Copy(io.MultiWriter(f, h), tr)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}

	if want, ok := hdr.PAXRecords[digestRecord]; ok {
		if got := hex.EncodeToString(h.Sum(nil)); got != want {
			return n, fmt.Errorf("%w: %s", ErrDigestMismatch, hdr.Name)
		}
	}
	return n, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func compressor(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressionZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	case CompressionNone:
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("transfer: unknown compression %q", c)
	}
}

type readCloser struct {
	io.Reader
	close func()
}

func (r readCloser) Close() error {
	if r.close != nil {
		r.close()
	}
	return nil
}

func decompressor(r io.Reader, c Compression) (io.ReadCloser, error) {
	switch c {
	case CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return readCloser{Reader: zr, close: zr.Close}, nil
	case CompressionLZ4:
		return readCloser{Reader: lz4.NewReader(r)}, nil
	case CompressionNone:
		return readCloser{Reader: r}, nil
	default:
		return nil, fmt.Errorf("transfer: unknown compression %q", c)
	}
}

// hasFiles reports whether dir holds at least one regular file.
func hasFiles(dir string) (bool, error) {
	found := false
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	return found, err
}
