package registry_test

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picteus/picteus/internal/apperr"
	"github.com/picteus/picteus/internal/config"
	"github.com/picteus/picteus/internal/manifest"
	"github.com/picteus/picteus/internal/registry"
	"github.com/picteus/picteus/pkg/models"
)

func manifestDoc(id, version string) map[string]interface{} {
	return map[string]interface{}{
		"id":          id,
		"version":     version,
		"name":        "Image Tagger",
		"description": "Tags images with a local model.",
		"runtimes":    []interface{}{"python"},
		"settings":    map[string]interface{}{"type": "object"},
		"instructions": []interface{}{
			map[string]interface{}{
				"events":       []interface{}{"process.started", "image.computeTags", "process.runCommand"},
				"capabilities": []interface{}{"image.tags"},
				"execution":    map[string]interface{}{"executable": "${venvPython}", "arguments": []interface{}{"main.py"}},
				"commands": []interface{}{
					map[string]interface{}{
						"id":             "retrain",
						"on":             map[string]interface{}{"entity": "Process"},
						"specifications": []interface{}{map[string]interface{}{"locale": "en", "label": "Retrain"}},
					},
				},
			},
		},
	}
}

// zipArchive builds an in-memory zip from path→content pairs.
func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func tarGzArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func manifestJSON(t *testing.T, doc map[string]interface{}) string {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	return string(raw)
}

const testBaseURL = "http://localhost:8087"

func testPaths(t *testing.T) config.PathsConfig {
	t.Helper()
	root := t.TempDir()
	return config.PathsConfig{
		DataDir:                root,
		InstalledExtensionsDir: filepath.Join(root, "extensions"),
		BuiltInExtensionsDir:   filepath.Join(root, "builtin"),
		ModelsDir:              filepath.Join(root, "models"),
	}
}

func TestOpenArchiveZipRootManifest(t *testing.T) {
	data := zipArchive(t, map[string]string{
		"manifest.json": manifestJSON(t, manifestDoc("image-tagger", "1.0.0")),
		"main.py":       "print('hi')",
	})
	a, err := registry.OpenArchive(data)
	require.NoError(t, err)
	assert.Equal(t, "image-tagger", a.Manifest.ID)
	assert.Contains(t, a.Files, "main.py")
}

func TestOpenArchiveManifestInFirstSubdirectory(t *testing.T) {
	data := tarGzArchive(t, map[string]string{
		"image-tagger-1.0.0/manifest.json": manifestJSON(t, manifestDoc("image-tagger", "1.0.0")),
		"image-tagger-1.0.0/main.py":       "print('hi')",
	})
	a, err := registry.OpenArchive(data)
	require.NoError(t, err)
	assert.Equal(t, "image-tagger", a.Manifest.ID)
	assert.Contains(t, a.Files, "main.py")
}

func TestOpenArchiveNoManifest(t *testing.T) {
	data := zipArchive(t, map[string]string{"main.py": "print('hi')"})
	_, err := registry.OpenArchive(data)
	require.Error(t, err)
	assert.True(t, apperr.IsBadRequest(err))
	assert.Contains(t, err.Error(), "manifest.json")
}

func TestOpenArchiveNotAnArchive(t *testing.T) {
	_, err := registry.OpenArchive([]byte("definitely not an archive"))
	require.Error(t, err)
	assert.True(t, apperr.IsBadRequest(err))
}

func TestOpenArchiveTooLarge(t *testing.T) {
	_, err := registry.OpenArchive(make([]byte, models.MaxArchiveBytes+1))
	require.Error(t, err)
	assert.True(t, apperr.IsBadRequest(err))
}

func TestOpenArchiveMissingUIElementFile(t *testing.T) {
	doc := manifestDoc("image-tagger", "1.0.0")
	doc["ui"] = map[string]interface{}{
		"elements": []interface{}{map[string]interface{}{"name": "Settings", "url": "./settings.html"}},
	}
	data := zipArchive(t, map[string]string{
		"manifest.json": manifestJSON(t, doc),
	})
	_, err := registry.OpenArchive(data)
	require.Error(t, err)
	assert.True(t, apperr.IsBadRequest(err))
	assert.Contains(t, err.Error(), "settings.html")
}

func openTestArchive(t *testing.T, id, version string) *registry.Archive {
	t.Helper()
	data := zipArchive(t, map[string]string{
		"manifest.json": manifestJSON(t, manifestDoc(id, version)),
		"main.py":       "print('" + version + "')",
	})
	a, err := registry.OpenArchive(data)
	require.NoError(t, err)
	return a
}

func TestInstallWritesTree(t *testing.T) {
	paths := testPaths(t)
	r := registry.New(paths, testBaseURL)

	ext, err := r.Install(openTestArchive(t, "image-tagger", "1.0.0"), "a-key", false)
	require.NoError(t, err)
	assert.Equal(t, models.ExtensionEnabled, ext.Status)
	assert.Equal(t, models.ActivityConnecting, ext.Activity)

	dir := filepath.Join(paths.InstalledExtensionsDir, "image-tagger")
	assert.Equal(t, dir, ext.Directory)
	_, err = os.Stat(filepath.Join(dir, "main.py"))
	require.NoError(t, err)

	target, err := os.Readlink(filepath.Join(dir, ".cache"))
	require.NoError(t, err)
	assert.Equal(t, paths.ModelsDir, target)

	raw, err := os.ReadFile(filepath.Join(dir, "parameters.json"))
	require.NoError(t, err)
	var params struct {
		ExtensionID        string `json:"extensionId"`
		WebServicesBaseURL string `json:"webServicesBaseUrl"`
		APIKey             string `json:"apiKey"`
	}
	require.NoError(t, json.Unmarshal(raw, &params))
	assert.Equal(t, "image-tagger", params.ExtensionID)
	assert.Equal(t, testBaseURL, params.WebServicesBaseURL)
	assert.Equal(t, "a-key", params.APIKey)
}

func TestInstallDuplicate(t *testing.T) {
	r := registry.New(testPaths(t), testBaseURL)
	_, err := r.Install(openTestArchive(t, "image-tagger", "1.0.0"), "k1", false)
	require.NoError(t, err)
	_, err = r.Install(openTestArchive(t, "image-tagger", "2.0.0"), "k2", false)
	require.Error(t, err)
	assert.True(t, apperr.IsBadRequest(err))
}

func TestReplaceKeepsStatus(t *testing.T) {
	r := registry.New(testPaths(t), testBaseURL)
	ext, err := r.Install(openTestArchive(t, "image-tagger", "1.0.0"), "k1", false)
	require.NoError(t, err)
	require.NoError(t, r.SetStatus("image-tagger", models.ExtensionPaused))

	updated, err := r.Replace(openTestArchive(t, "image-tagger", "2.0.0"), "k2")
	require.NoError(t, err)
	assert.Equal(t, models.ExtensionPaused, updated.Status)
	assert.Equal(t, "2.0.0", updated.Manifest.Version)
	assert.Equal(t, ext.Directory, updated.Directory)

	content, err := os.ReadFile(filepath.Join(updated.Directory, "main.py"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "2.0.0")
}

func TestRemoveDeletesDirectory(t *testing.T) {
	r := registry.New(testPaths(t), testBaseURL)
	ext, err := r.Install(openTestArchive(t, "image-tagger", "1.0.0"), "k1", false)
	require.NoError(t, err)

	require.NoError(t, r.Remove("image-tagger"))
	assert.Nil(t, r.Get("image-tagger"))
	_, err = os.Stat(ext.Directory)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, r.List())
}

func TestByCapabilityRequiresEnabledAndConnected(t *testing.T) {
	r := registry.New(testPaths(t), testBaseURL)
	_, err := r.Install(openTestArchive(t, "tagger-a", "1.0.0"), "k1", false)
	require.NoError(t, err)
	_, err = r.Install(openTestArchive(t, "tagger-b", "1.0.0"), "k2", false)
	require.NoError(t, err)

	// Connecting extensions are not candidates.
	assert.Empty(t, r.ByCapability(manifest.CapabilityImageTags))

	r.SetActivity("tagger-a", models.ActivityConnected)
	r.SetActivity("tagger-b", models.ActivityConnected)
	got := r.ByCapability(manifest.CapabilityImageTags)
	require.Len(t, got, 2)
	assert.Equal(t, "tagger-a", got[0].Manifest.ID)

	require.NoError(t, r.SetStatus("tagger-a", models.ExtensionPaused))
	got = r.ByCapability(manifest.CapabilityImageTags)
	require.Len(t, got, 1)
	assert.Equal(t, "tagger-b", got[0].Manifest.ID)
}

func TestConfiguration(t *testing.T) {
	r := registry.New(testPaths(t), testBaseURL)
	_, err := r.Install(openTestArchive(t, "tagger-a", "1.0.0"), "k1", false)
	require.NoError(t, err)
	_, err = r.Install(openTestArchive(t, "tagger-b", "1.0.0"), "k2", false)
	require.NoError(t, err)

	cfg := r.Configuration()
	assert.Equal(t, []string{"tagger-a", "tagger-b"}, cfg.Capabilities[manifest.CapabilityImageTags])
	require.Len(t, cfg.Commands["tagger-a"], 1)
	assert.Equal(t, "retrain", cfg.Commands["tagger-a"][0].ID)
}

func TestCommandLookup(t *testing.T) {
	r := registry.New(testPaths(t), testBaseURL)
	_, err := r.Install(openTestArchive(t, "image-tagger", "1.0.0"), "k1", false)
	require.NoError(t, err)

	ext, cmd, err := r.Command("image-tagger", "retrain")
	require.NoError(t, err)
	assert.Equal(t, "image-tagger", ext.Manifest.ID)
	assert.Equal(t, "retrain", cmd.ID)

	_, _, err = r.Command("image-tagger", "nope")
	assert.True(t, apperr.IsBadRequest(err))
	_, _, err = r.Command("nope", "retrain")
	assert.True(t, apperr.IsBadRequest(err))
}

func TestLoadInstalled(t *testing.T) {
	paths := testPaths(t)
	r := registry.New(paths, testBaseURL)
	_, err := r.Install(openTestArchive(t, "image-tagger", "1.0.0"), "k1", false)
	require.NoError(t, err)

	// A fresh registry over the same paths picks the extension back up.
	reloaded := registry.New(paths, testBaseURL)
	require.NoError(t, reloaded.LoadInstalled(map[string]bool{"image-tagger": true}))
	ext := reloaded.Get("image-tagger")
	require.NotNil(t, ext)
	assert.True(t, ext.BuiltIn)
	assert.Equal(t, models.ExtensionEnabled, ext.Status)
}

func TestBuiltInCandidatesSemverGate(t *testing.T) {
	paths := testPaths(t)
	require.NoError(t, os.MkdirAll(paths.BuiltInExtensionsDir, 0o755))

	writeBundled := func(name, id, version string) {
		data := zipArchive(t, map[string]string{
			"manifest.json": manifestJSON(t, manifestDoc(id, version)),
		})
		require.NoError(t, os.WriteFile(filepath.Join(paths.BuiltInExtensionsDir, name), data, 0o644))
	}
	writeBundled("tagger.zip", "image-tagger", "1.0.0")
	writeBundled("cropper.zip", "image-cropper", "0.3.0")

	r := registry.New(paths, testBaseURL)

	// Nothing installed: both are candidates.
	candidates, err := r.BuiltInCandidates()
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	// Same version installed: no longer a candidate.
	_, err = r.Install(openTestArchive(t, "image-tagger", "1.0.0"), "k1", true)
	require.NoError(t, err)
	candidates, err = r.BuiltInCandidates()
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "image-cropper", candidates[0].Archive.Manifest.ID)

	// Strictly newer bundled version becomes a candidate again.
	writeBundled("tagger.zip", "image-tagger", "1.1.0")
	candidates, err = r.BuiltInCandidates()
	require.NoError(t, err)
	require.Len(t, candidates, 2)
}

func TestRefreshParametersOnlyRewritesOnChange(t *testing.T) {
	r := registry.New(testPaths(t), testBaseURL)
	ext, err := r.Install(openTestArchive(t, "image-tagger", "1.0.0"), "k1", false)
	require.NoError(t, err)

	path := filepath.Join(ext.Directory, "parameters.json")
	before, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, r.RefreshParameters("image-tagger", "k1"))
	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())

	require.NoError(t, r.RefreshParameters("image-tagger", "k2"))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "k2")
}

func TestArchiveBadRequestMessagesNameTheProblem(t *testing.T) {
	for _, tc := range []struct {
		name string
		doc  func() map[string]interface{}
		want string
	}{
		{"bad id", func() map[string]interface{} {
			d := manifestDoc("bad id!", "1.0.0")
			return d
		}, "id"},
		{"bad version", func() map[string]interface{} {
			return manifestDoc("image-tagger", "not-semver")
		}, "version"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			data := zipArchive(t, map[string]string{"manifest.json": manifestJSON(t, tc.doc())})
			_, err := registry.OpenArchive(data)
			require.Error(t, err)
			assert.Contains(t, fmt.Sprintf("%v", err), tc.want)
		})
	}
}
