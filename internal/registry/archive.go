package registry

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/picteus/picteus/internal/apperr"
	"github.com/picteus/picteus/internal/manifest"
	"github.com/picteus/picteus/pkg/models"
)

// maxExtractedBytes bounds the decompressed size of an archive so a
// hostile zip cannot exhaust memory or disk.
const maxExtractedBytes = 256 << 20

// Archive is a parsed extension archive: the validated manifest plus the
// file tree rooted at the manifest's directory.
type Archive struct {
	Manifest *manifest.Manifest
	// Files maps manifest-root-relative paths to contents.
	Files map[string][]byte
}

// OpenArchive parses a zip or gzip-tarball extension archive, locates
// manifest.json at the root or in the first subdirectory, validates the
// manifest and verifies that every declared UI element file exists.
func OpenArchive(data []byte) (*Archive, error) {
	if len(data) > models.MaxArchiveBytes {
		return nil, apperr.BadRequest("extension archive exceeds the %d byte limit", models.MaxArchiveBytes)
	}

	var files map[string][]byte
	var err error
	switch {
	case len(data) >= 4 && bytes.HasPrefix(data, []byte("PK")):
		files, err = readZip(data)
	case len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b:
		files, err = readTarGz(data)
	default:
		return nil, apperr.BadRequest("extension archive is neither a zip nor a gzip tarball")
	}
	if err != nil {
		return nil, err
	}

	files, rawManifest, err := locateManifest(files)
	if err != nil {
		return nil, err
	}

	m, err := manifest.Parse(rawManifest)
	if err != nil {
		return nil, err
	}

	// UI element files must ship inside the archive.
	if m.UI != nil {
		for _, el := range m.UI.Elements {
			rel := strings.TrimPrefix(el.URL, "./")
			if _, ok := files[rel]; !ok {
				return nil, apperr.BadRequest("extension %q: ui element %q references %q which is not in the archive", m.ID, el.Name, el.URL)
			}
		}
	}
	if m.Icon != "" {
		if _, ok := files[strings.TrimPrefix(m.Icon, "./")]; !ok {
			return nil, apperr.BadRequest("extension %q: icon %q is not in the archive", m.ID, m.Icon)
		}
	}

	return &Archive{Manifest: m, Files: files}, nil
}

// Icon returns the icon bytes, if the manifest declares an icon file.
func (a *Archive) Icon() []byte {
	if a.Manifest.Icon == "" {
		return nil
	}
	return a.Files[strings.TrimPrefix(a.Manifest.Icon, "./")]
}

// ManualText returns the manual contents, if the manifest declares one.
func (a *Archive) ManualText() string {
	if a.Manifest.Manual == "" {
		return ""
	}
	return string(a.Files[strings.TrimPrefix(a.Manifest.Manual, "./")])
}

// Extract writes the archive's file tree under dir.
func (a *Archive) Extract(dir string) error {
	for rel, content := range a.Files {
		dst := filepath.Join(dir, filepath.FromSlash(rel))
		if !strings.HasPrefix(dst, filepath.Clean(dir)+string(os.PathSeparator)) {
			return apperr.BadRequest("extension archive entry %q escapes the install directory", rel)
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dst, content, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func readZip(data []byte) (map[string][]byte, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apperr.BadRequest("invalid zip archive: %v", err)
	}
	files := make(map[string][]byte, len(r.File))
	var total int64
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, apperr.BadRequest("invalid zip archive entry %q: %v", f.Name, err)
		}
		content, err := readBounded(rc, &total)
		rc.Close()
		if err != nil {
			return nil, err
		}
		files[normalizePath(f.Name)] = content
	}
	return files, nil
}

func readTarGz(data []byte) (map[string][]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.BadRequest("invalid gzip archive: %v", err)
	}
	defer gz.Close()

	files := make(map[string][]byte)
	var total int64
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apperr.BadRequest("invalid tar archive: %v", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		content, err := readBounded(tr, &total)
		if err != nil {
			return nil, err
		}
		files[normalizePath(hdr.Name)] = content
	}
	return files, nil
}

func readBounded(r io.Reader, total *int64) ([]byte, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, maxExtractedBytes-*total+1))
	if err != nil {
		return nil, apperr.BadRequest("unreadable archive entry: %v", err)
	}
	*total += n
	if *total > maxExtractedBytes {
		return nil, apperr.BadRequest("extension archive decompresses past the %d byte limit", int64(maxExtractedBytes))
	}
	return buf.Bytes(), nil
}

func normalizePath(name string) string {
	return strings.TrimPrefix(filepath.ToSlash(filepath.Clean(name)), "./")
}

// locateManifest finds manifest.json at the archive root or in the first
// subdirectory, re-rooting the file map there in the latter case.
func locateManifest(files map[string][]byte) (map[string][]byte, []byte, error) {
	if raw, ok := files["manifest.json"]; ok {
		return files, raw, nil
	}

	// First subdirectory: the unique top-level directory containing a
	// manifest.json one level down.
	var prefix string
	for path := range files {
		dir, rest, ok := strings.Cut(path, "/")
		if !ok || rest != "manifest.json" {
			continue
		}
		if prefix != "" && prefix != dir {
			return nil, nil, apperr.BadRequest("extension archive contains multiple candidate manifest.json files")
		}
		prefix = dir
	}
	if prefix == "" {
		return nil, nil, apperr.BadRequest("extension archive contains no manifest.json")
	}

	rerooted := make(map[string][]byte)
	for path, content := range files {
		if rel, ok := strings.CutPrefix(path, prefix+"/"); ok {
			rerooted[rel] = content
		}
	}
	return rerooted, rerooted["manifest.json"], nil
}
