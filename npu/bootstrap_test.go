package npu

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func clearBootstrapEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"NPU_LIBRARY_PATH", "NPU_CACHE_DIR", "NPU_LIBRARY_VERSION", "NPU_DISABLE_DOWNLOAD"} {
		t.Setenv(name, "")
	}
}

func TestResolveLibraryArtifact(t *testing.T) {
	tests := []struct {
		goos, goarch string
		wantPlatform string
		wantExt      string
		wantErr      bool
	}{
		{goos: "linux", goarch: "amd64", wantPlatform: "linux-x64", wantExt: "tgz"},
		{goos: "windows", goarch: "amd64", wantPlatform: "win-x64", wantExt: "zip"},
		{goos: "darwin", goarch: "arm64", wantErr: true},
		{goos: "linux", goarch: "arm64", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.goos+"/"+tt.goarch, func(t *testing.T) {
			artifact, err := resolveLibraryArtifact(tt.goos, tt.goarch)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an unsupported-platform error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if artifact.platform != tt.wantPlatform {
				t.Fatalf("unexpected platform: got %q, want %q", artifact.platform, tt.wantPlatform)
			}
			if artifact.archiveExtension != tt.wantExt {
				t.Fatalf("unexpected extension: got %q, want %q", artifact.archiveExtension, tt.wantExt)
			}
		})
	}
}

func TestNormalizeLibraryVersion(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "1.4.0", want: "1.4.0"},
		{in: "v1.4.0", want: "1.4.0"},
		{in: " 1.4.0 ", want: "1.4.0"},
		{in: "1.4", want: "1.4.0"},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "1.4.0-rc1", wantErr: true},
		{in: "1.4.0+build5", wantErr: true},
	}

	for _, tt := range tests {
		got, err := normalizeLibraryVersion(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("version %q: expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("version %q: unexpected error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("version %q: got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSecureArchiveJoin(t *testing.T) {
	base := t.TempDir()

	valid := []string{"lib/libintel_npu_acceleration_library.so", "docs/readme.txt", "file.so"}
	for _, entry := range valid {
		if _, err := secureArchiveJoin(base, entry); err != nil {
			t.Fatalf("entry %q: unexpected error: %v", entry, err)
		}
	}

	invalid := []string{"", ".", "..", "../evil", "lib/../../evil", "/etc/passwd", "C:/evil", `..\evil`}
	for _, entry := range invalid {
		if _, err := secureArchiveJoin(base, entry); err == nil {
			t.Fatalf("entry %q: expected error", entry)
		}
	}
}

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value   string
		want    bool
		wantErr bool
	}{
		{value: "", want: false},
		{value: "1", want: true},
		{value: "true", want: true},
		{value: "yes", want: true},
		{value: "on", want: true},
		{value: "0", want: false},
		{value: "off", want: false},
		{value: "maybe", wantErr: true},
	}

	for _, tt := range tests {
		t.Setenv("NPU_DISABLE_DOWNLOAD", tt.value)
		got, err := parseBoolEnv("NPU_DISABLE_DOWNLOAD")
		if tt.wantErr {
			if err == nil {
				t.Fatalf("value %q: expected error", tt.value)
			}
			continue
		}
		if err != nil {
			t.Fatalf("value %q: unexpected error: %v", tt.value, err)
		}
		if got != tt.want {
			t.Fatalf("value %q: got %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestBootstrapConfigEnvOverrides(t *testing.T) {
	clearBootstrapEnv(t)
	t.Setenv("NPU_LIBRARY_VERSION", "2.1.0")
	t.Setenv("NPU_CACHE_DIR", "/tmp/npu-test-cache")
	t.Setenv("NPU_DISABLE_DOWNLOAD", "1")

	cfg, err := resolveBootstrapConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.version != "2.1.0" {
		t.Fatalf("unexpected version: %q", cfg.version)
	}
	if cfg.cacheDir != filepath.Clean("/tmp/npu-test-cache") {
		t.Fatalf("unexpected cache dir: %q", cfg.cacheDir)
	}
	if !cfg.disableDownload {
		t.Fatal("expected download to be disabled")
	}
}

func TestBootstrapConfigOptionsOverrideEnv(t *testing.T) {
	clearBootstrapEnv(t)
	t.Setenv("NPU_LIBRARY_VERSION", "2.1.0")

	cfg, err := resolveBootstrapConfig(WithVersion("1.4.0"), WithCacheDir(t.TempDir()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.version != "1.4.0" {
		t.Fatalf("unexpected version: %q", cfg.version)
	}
}

func TestWithExpectedSHA256Validation(t *testing.T) {
	cfg := bootstrapConfig{}
	if err := WithExpectedSHA256(strings.Repeat("a", 64))(&cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := WithExpectedSHA256("tooshort")(&cfg); err == nil {
		t.Fatal("expected a length error")
	}
	if err := WithExpectedSHA256(strings.Repeat("z", 64))(&cfg); err == nil {
		t.Fatal("expected a hex error")
	}
}

func TestEnsureNPULibraryExplicitPath(t *testing.T) {
	clearBootstrapEnv(t)

	dir := t.TempDir()
	libFile := filepath.Join(dir, "libintel_npu_acceleration_library.so")
	if err := os.WriteFile(libFile, []byte("not really a shared library"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	path, err := EnsureNPULibrary(WithLibraryPath(libFile))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !filepath.IsAbs(path) {
		t.Fatalf("expected an absolute path, got %q", path)
	}

	// An empty file is not a valid library.
	emptyFile := filepath.Join(dir, "empty.so")
	if err := os.WriteFile(emptyFile, nil, 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := EnsureNPULibrary(WithLibraryPath(emptyFile)); err == nil {
		t.Fatal("expected an error for an empty library file")
	}
}

func TestEnsureNPULibraryDownloadDisabled(t *testing.T) {
	clearBootstrapEnv(t)
	if _, err := resolveLibraryArtifact(runtime.GOOS, runtime.GOARCH); err != nil {
		t.Skipf("unsupported bootstrap platform: %v", err)
	}

	_, err := EnsureNPULibrary(WithCacheDir(t.TempDir()), WithDisableDownload(true))
	if err == nil {
		t.Fatal("expected an error with an empty cache and downloads disabled")
	}
	if !strings.Contains(err.Error(), "download is disabled") {
		t.Fatalf("unexpected error: %v", err)
	}
}

// buildLibraryTGZ crafts a release-like archive holding the shared library
// under <archiveName>/lib/.
func buildLibraryTGZ(t *testing.T, archiveName, libraryName string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	content := []byte("fake shared library payload")
	header := &tar.Header{
		Name: archiveName + "/lib/" + libraryName,
		Mode: 0o755,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(header); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return buf.Bytes()
}

func TestEnsureNPULibraryDownloadsAndCaches(t *testing.T) {
	clearBootstrapEnv(t)
	if runtime.GOOS != "linux" || runtime.GOARCH != "amd64" {
		t.Skip("download test targets the linux-x64 artifact")
	}

	artifact, err := resolveLibraryArtifact("linux", "amd64")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	archive := buildLibraryTGZ(t, artifact.archiveName("1.4.0"), artifact.primaryLibrary)
	sum := sha256.Sum256(archive)

	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		wantPath := "/v1.4.0/" + artifact.archiveFilename("1.4.0")
		if r.URL.Path != wantPath {
			t.Errorf("unexpected request path: got %q, want %q", r.URL.Path, wantPath)
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(archive)
	}))
	defer server.Close()

	cacheDir := t.TempDir()
	opts := []BootstrapOption{
		WithCacheDir(cacheDir),
		WithVersion("1.4.0"),
		WithExpectedSHA256(hex.EncodeToString(sum[:])),
		withBaseURL(server.URL),
		withHTTPClient(server.Client()),
	}

	path, err := EnsureNPULibrary(opts...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(path) != artifact.primaryLibrary {
		t.Fatalf("unexpected library path: %q", path)
	}
	if requests != 1 {
		t.Fatalf("expected exactly one download, got %d", requests)
	}

	// Second call must resolve from cache without another download.
	again, err := EnsureNPULibrary(opts...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again != path {
		t.Fatalf("expected cached path %q, got %q", path, again)
	}
	if requests != 1 {
		t.Fatalf("expected the cache to satisfy the second call, got %d downloads", requests)
	}
}

func TestEnsureNPULibraryChecksumMismatch(t *testing.T) {
	clearBootstrapEnv(t)
	if runtime.GOOS != "linux" || runtime.GOARCH != "amd64" {
		t.Skip("download test targets the linux-x64 artifact")
	}

	artifact, err := resolveLibraryArtifact("linux", "amd64")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	archive := buildLibraryTGZ(t, artifact.archiveName("1.4.0"), artifact.primaryLibrary)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer server.Close()

	_, err = EnsureNPULibrary(
		WithCacheDir(t.TempDir()),
		WithVersion("1.4.0"),
		WithExpectedSHA256(strings.Repeat("a", 64)),
		withBaseURL(server.URL),
		withHTTPClient(server.Client()),
	)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected a checksum mismatch error, got %v", err)
	}
}

func TestExtractTGZRejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	content := []byte("evil")
	if err := tw.WriteHeader(&tar.Header{Name: "../evil.so", Mode: 0o644, Size: int64(len(content))}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = tw.Close()
	_ = gz.Close()

	archivePath := filepath.Join(t.TempDir(), "evil.tgz")
	if err := os.WriteFile(archivePath, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := extractTGZArchive(archivePath, t.TempDir()); err == nil {
		t.Fatal("expected extraction of a traversal entry to fail")
	}
}
