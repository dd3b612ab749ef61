package npu

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

const (
	// DefaultLibraryVersion is the NPU acceleration library release used by
	// bootstrap when no version is configured. It tracks the release
	// validated by CI and the examples.
	DefaultLibraryVersion = "1.4.0"

	defaultBootstrapBaseURL = "https://github.com/intel/intel-npu-acceleration-library/releases/download"
)

var errSharedLibraryNotFound = errors.New("NPU shared library not found")

// BootstrapOption configures EnsureNPULibrary.
type BootstrapOption func(*bootstrapConfig) error

type bootstrapConfig struct {
	libraryPath     string
	cacheDir        string
	version         string
	disableDownload bool
	expectedSHA256  string
	baseURL         string
	httpClient      *http.Client
	showProgress    bool
	goos            string
	goarch          string
}

type libraryArtifact struct {
	platform         string
	archiveExtension string
	primaryLibrary   string
	libraryGlob      string
}

// WithLibraryPath forces bootstrap to use an existing NPU shared library.
func WithLibraryPath(path string) BootstrapOption {
	return func(cfg *bootstrapConfig) error {
		path = strings.TrimSpace(path)
		if path == "" {
			return errors.New("library path cannot be empty")
		}
		cfg.libraryPath = path
		return nil
	}
}

// WithCacheDir sets the directory used for bootstrap downloads and
// extraction.
func WithCacheDir(dir string) BootstrapOption {
	return func(cfg *bootstrapConfig) error {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			return errors.New("cache directory cannot be empty")
		}
		cfg.cacheDir = dir
		return nil
	}
}

// WithVersion sets the NPU library release to download (for example: 1.4.0).
func WithVersion(version string) BootstrapOption {
	return func(cfg *bootstrapConfig) error {
		version = strings.TrimSpace(version)
		if version == "" {
			return errors.New("version cannot be empty")
		}
		cfg.version = version
		return nil
	}
}

// WithDisableDownload enables or disables network download.
func WithDisableDownload(disable bool) BootstrapOption {
	return func(cfg *bootstrapConfig) error {
		cfg.disableDownload = disable
		return nil
	}
}

// WithExpectedSHA256 enforces an expected checksum for the downloaded
// archive.
func WithExpectedSHA256(checksum string) BootstrapOption {
	return func(cfg *bootstrapConfig) error {
		checksum = strings.TrimSpace(strings.ToLower(checksum))
		if len(checksum) != 64 {
			return errors.New("expected SHA256 checksum must be 64 hex characters")
		}
		if _, err := hex.DecodeString(checksum); err != nil {
			return errors.New("expected SHA256 checksum must be hex")
		}
		cfg.expectedSHA256 = checksum
		return nil
	}
}

// WithDownloadProgress enables a terminal progress bar during download.
func WithDownloadProgress(show bool) BootstrapOption {
	return func(cfg *bootstrapConfig) error {
		cfg.showProgress = show
		return nil
	}
}

func withBaseURL(baseURL string) BootstrapOption {
	return func(cfg *bootstrapConfig) error {
		baseURL = strings.TrimSpace(baseURL)
		if baseURL == "" {
			return errors.New("base URL cannot be empty")
		}
		cfg.baseURL = baseURL
		return nil
	}
}

func withHTTPClient(client *http.Client) BootstrapOption {
	return func(cfg *bootstrapConfig) error {
		if client == nil {
			return errors.New("HTTP client cannot be nil")
		}
		cfg.httpClient = client
		return nil
	}
}

// EnsureNPULibrary ensures an NPU acceleration shared library is available
// and returns a resolved absolute path to it. The library is looked up in
// (in order): an explicit path (option or NPU_LIBRARY_PATH), the local
// cache, and finally the release download.
func EnsureNPULibrary(opts ...BootstrapOption) (string, error) {
	cfg, err := resolveBootstrapConfig(opts...)
	if err != nil {
		return "", err
	}

	if cfg.libraryPath != "" {
		return validateLibraryFile(cfg.libraryPath)
	}

	artifact, err := resolveLibraryArtifact(cfg.goos, cfg.goarch)
	if err != nil {
		return "", err
	}

	installDir := filepath.Join(cfg.cacheDir, artifact.archiveName(cfg.version))
	if path, resolveErr := resolveExtractedLibraryPath(installDir, artifact); resolveErr == nil {
		return path, nil
	} else if !errors.Is(resolveErr, errSharedLibraryNotFound) {
		return "", resolveErr
	}

	if cfg.disableDownload {
		return "", errors.Errorf("NPU library not found in cache and download is disabled: %s", installDir)
	}

	if err := os.MkdirAll(cfg.cacheDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create bootstrap cache directory %q", cfg.cacheDir)
	}

	lockPath := filepath.Join(cfg.cacheDir, ".locks", fmt.Sprintf("%s-%s.lock", artifact.platform, cfg.version))
	var resolvedPath string
	if err := withProcessFileLock(lockPath, func() error {
		// Another process may have installed while we waited for the lock.
		if path, resolveErr := resolveExtractedLibraryPath(installDir, artifact); resolveErr == nil {
			resolvedPath = path
			return nil
		} else if !errors.Is(resolveErr, errSharedLibraryNotFound) {
			return resolveErr
		}

		if err := downloadAndInstallLibrary(cfg, artifact, installDir); err != nil {
			return err
		}

		path, resolveErr := resolveExtractedLibraryPath(installDir, artifact)
		if resolveErr != nil {
			return errors.Wrap(resolveErr, "bootstrap completed but shared library could not be resolved")
		}
		resolvedPath = path
		return nil
	}); err != nil {
		return "", err
	}

	return resolvedPath, nil
}

// InitializeEnvironmentWithBootstrap resolves a shared library path via
// bootstrap, sets it on the environment, and initializes it.
func InitializeEnvironmentWithBootstrap(opts ...BootstrapOption) error {
	path, err := EnsureNPULibrary(opts...)
	if err != nil {
		return err
	}

	mu.Lock()
	alreadyInitialized := refCount > 0
	currentPath := libPath
	mu.Unlock()

	if alreadyInitialized && currentPath != path {
		return errors.New("cannot change library path after environment is initialized")
	}
	if !alreadyInitialized {
		if err := SetSharedLibraryPath(path); err != nil {
			return err
		}
	}

	return InitializeEnvironment()
}

func resolveBootstrapConfig(opts ...BootstrapOption) (bootstrapConfig, error) {
	disableDownload, err := parseBoolEnv("NPU_DISABLE_DOWNLOAD")
	if err != nil {
		return bootstrapConfig{}, err
	}

	cfg := bootstrapConfig{
		libraryPath:     strings.TrimSpace(os.Getenv("NPU_LIBRARY_PATH")),
		cacheDir:        strings.TrimSpace(os.Getenv("NPU_CACHE_DIR")),
		version:         strings.TrimSpace(os.Getenv("NPU_LIBRARY_VERSION")),
		disableDownload: disableDownload,
		baseURL:         defaultBootstrapBaseURL,
		httpClient:      &http.Client{Timeout: 2 * time.Minute},
		goos:            runtime.GOOS,
		goarch:          runtime.GOARCH,
	}

	if cfg.version == "" {
		cfg.version = DefaultLibraryVersion
	}
	if cfg.cacheDir == "" {
		cfg.cacheDir = defaultBootstrapCacheDir()
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return bootstrapConfig{}, err
		}
	}

	version, err := normalizeLibraryVersion(cfg.version)
	if err != nil {
		return bootstrapConfig{}, err
	}
	cfg.version = version
	cfg.cacheDir = filepath.Clean(cfg.cacheDir)
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return bootstrapConfig{}, errors.New("bootstrap base URL is empty")
	}

	return cfg, nil
}

func resolveLibraryArtifact(goos, goarch string) (libraryArtifact, error) {
	switch goos {
	case "linux":
		if goarch == "amd64" {
			return libraryArtifact{
				platform:         "linux-x64",
				archiveExtension: "tgz",
				primaryLibrary:   "libintel_npu_acceleration_library.so",
				libraryGlob:      "libintel_npu_acceleration_library.so*",
			}, nil
		}
	case "windows":
		if goarch == "amd64" {
			return libraryArtifact{
				platform:         "win-x64",
				archiveExtension: "zip",
				primaryLibrary:   "intel_npu_acceleration_library.dll",
				libraryGlob:      "intel_npu_acceleration_library*.dll",
			}, nil
		}
	}

	// Intel NPUs exist on x86-64 Linux and Windows hosts only.
	return libraryArtifact{}, errors.Errorf("unsupported platform for NPU bootstrap: GOOS=%s GOARCH=%s", goos, goarch)
}

func (a libraryArtifact) archiveName(version string) string {
	return fmt.Sprintf("intel-npu-acceleration-library-%s-%s", a.platform, version)
}

func (a libraryArtifact) archiveFilename(version string) string {
	return fmt.Sprintf("%s.%s", a.archiveName(version), a.archiveExtension)
}

func (a libraryArtifact) downloadURL(baseURL, version string) string {
	return fmt.Sprintf("%s/v%s/%s", strings.TrimRight(baseURL, "/"), version, a.archiveFilename(version))
}

func downloadAndInstallLibrary(cfg bootstrapConfig, artifact libraryArtifact, installDir string) error {
	url := artifact.downloadURL(cfg.baseURL, cfg.version)
	archivePath, checksum, err := downloadLibraryArchive(cfg, url)
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(archivePath)
	}()

	if cfg.expectedSHA256 != "" && checksum != cfg.expectedSHA256 {
		return errors.Errorf("download checksum mismatch: expected %s, got %s", cfg.expectedSHA256, checksum)
	}

	stagingRoot := installDir + fmt.Sprintf(".staging-%d", time.Now().UnixNano())
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create staging directory %q", stagingRoot)
	}
	defer func() {
		_ = os.RemoveAll(stagingRoot)
	}()

	if err := extractArchiveFile(archivePath, stagingRoot, artifact.archiveExtension); err != nil {
		return err
	}

	// Release archives may or may not contain a versioned top-level
	// directory; accept both layouts.
	extractedDir := filepath.Join(stagingRoot, artifact.archiveName(cfg.version))
	if info, statErr := os.Stat(extractedDir); statErr != nil || !info.IsDir() {
		extractedDir = stagingRoot
	}

	if _, err := resolveExtractedLibraryPath(extractedDir, artifact); err != nil {
		if errors.Is(err, errSharedLibraryNotFound) {
			return errors.Errorf("downloaded archive did not contain the expected shared library in %q", extractedDir)
		}
		return err
	}

	if err := os.RemoveAll(installDir); err != nil {
		return errors.Wrapf(err, "failed to remove previous install at %q", installDir)
	}
	if err := os.Rename(extractedDir, installDir); err != nil {
		return errors.Wrapf(err, "failed to install NPU library to %q", installDir)
	}
	return nil
}

func downloadLibraryArchive(cfg bootstrapConfig, url string) (archivePath string, checksum string, err error) {
	resp, err := cfg.httpClient.Get(url)
	if err != nil {
		return "", "", errors.Wrapf(err, "failed to download NPU library archive from %q", url)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if len(snippet) > 0 {
			return "", "", errors.Errorf("failed to download %q: HTTP %d: %s", url, resp.StatusCode, strings.TrimSpace(string(snippet)))
		}
		return "", "", errors.Errorf("failed to download %q: HTTP %d", url, resp.StatusCode)
	}

	if resp.ContentLength > 0 {
		klog.V(1).Infof("downloading %s (%s)", url, humanize.IBytes(uint64(resp.ContentLength)))
	} else {
		klog.V(1).Infof("downloading %s", url)
	}

	if err := os.MkdirAll(cfg.cacheDir, 0o755); err != nil {
		return "", "", errors.Wrapf(err, "failed to create cache directory %q", cfg.cacheDir)
	}

	tmpFile, err := os.CreateTemp(cfg.cacheDir, "npu-library-*.archive")
	if err != nil {
		return "", "", errors.Wrap(err, "failed to create temporary archive file")
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		closeErr := tmpFile.Close()
		if err == nil && closeErr != nil {
			err = closeErr
		}
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	hasher := sha256.New()
	dst := io.MultiWriter(tmpFile, hasher)
	if cfg.showProgress && resp.ContentLength > 0 {
		bar := progressbar.DefaultBytes(resp.ContentLength, "npu library")
		dst = io.MultiWriter(tmpFile, hasher, bar)
	}

	written, copyErr := io.Copy(dst, resp.Body)
	if copyErr != nil {
		return "", "", errors.Wrapf(copyErr, "failed to write NPU library archive to %q", tmpPath)
	}
	if written == 0 {
		return "", "", errors.New("downloaded NPU library archive is empty")
	}

	success = true
	return tmpPath, hex.EncodeToString(hasher.Sum(nil)), nil
}

func extractArchiveFile(archivePath, destinationDir, extension string) error {
	switch extension {
	case "tgz":
		return extractTGZArchive(archivePath, destinationDir)
	case "zip":
		return extractZIPArchive(archivePath, destinationDir)
	default:
		return errors.Errorf("unsupported archive extension %q", extension)
	}
}

func extractTGZArchive(archivePath, destinationDir string) error {
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open archive %q", archivePath)
	}
	defer func() {
		_ = archiveFile.Close()
	}()

	gzipReader, err := gzip.NewReader(archiveFile)
	if err != nil {
		return errors.Wrapf(err, "failed to read gzip archive %q", archivePath)
	}
	defer func() {
		_ = gzipReader.Close()
	}()

	tarReader := tar.NewReader(gzipReader)
	regularFiles := 0

	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "failed to read tar entry from %q", archivePath)
		}

		targetPath, err := secureArchiveJoin(destinationDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, 0o755); err != nil {
				return errors.Wrapf(err, "failed to create directory %q", targetPath)
			}
		case tar.TypeReg:
			if err := extractRegularFile(targetPath, tarReader, header.FileInfo().Mode().Perm()); err != nil {
				return err
			}
			regularFiles++
		default:
			// Skip links and device files; the shared library is a
			// regular file.
			continue
		}
	}

	if regularFiles == 0 {
		return errors.Errorf("archive %q did not contain regular files", archivePath)
	}
	return nil
}

func extractZIPArchive(archivePath, destinationDir string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open ZIP archive %q", archivePath)
	}
	defer func() {
		_ = reader.Close()
	}()

	regularFiles := 0
	for _, entry := range reader.File {
		targetPath, err := secureArchiveJoin(destinationDir, entry.Name)
		if err != nil {
			return err
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(targetPath, 0o755); err != nil {
				return errors.Wrapf(err, "failed to create directory %q", targetPath)
			}
			continue
		}

		rc, err := entry.Open()
		if err != nil {
			return errors.Wrapf(err, "failed to open ZIP entry %q", entry.Name)
		}
		extractErr := extractRegularFile(targetPath, rc, entry.Mode().Perm())
		closeErr := rc.Close()
		if extractErr != nil {
			return extractErr
		}
		if closeErr != nil {
			return errors.Wrapf(closeErr, "failed to close ZIP entry %q", entry.Name)
		}
		regularFiles++
	}

	if regularFiles == 0 {
		return errors.Errorf("archive %q did not contain regular files", archivePath)
	}
	return nil
}

func extractRegularFile(targetPath string, src io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create parent directory for %q", targetPath)
	}
	if mode == 0 {
		mode = 0o644
	}
	outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return errors.Wrapf(err, "failed to create extracted file %q", targetPath)
	}
	if _, err := io.Copy(outFile, src); err != nil {
		_ = outFile.Close()
		return errors.Wrapf(err, "failed to extract file %q", targetPath)
	}
	if err := outFile.Close(); err != nil {
		return errors.Wrapf(err, "failed to close extracted file %q", targetPath)
	}
	return nil
}

func resolveExtractedLibraryPath(installDir string, artifact libraryArtifact) (string, error) {
	// Prefer the lib/ subdirectory of the install, then the install root.
	for _, libDir := range []string{filepath.Join(installDir, "lib"), installDir} {
		primaryPath := filepath.Join(libDir, artifact.primaryLibrary)
		if path, err := validateLibraryFile(primaryPath); err == nil {
			return path, nil
		}

		matches, err := filepath.Glob(filepath.Join(libDir, artifact.libraryGlob))
		if err != nil {
			return "", errors.Wrap(err, "failed to resolve NPU library path")
		}
		sort.Strings(matches)
		for _, match := range matches {
			if path, err := validateLibraryFile(match); err == nil {
				return path, nil
			}
		}
	}

	return "", errSharedLibraryNotFound
}

func validateLibraryFile(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("library path is empty")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve absolute path for %q", path)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", errors.Wrapf(err, "failed to stat library file %q", absPath)
	}
	if info.IsDir() {
		return "", errors.Errorf("library path points to a directory: %q", absPath)
	}
	if info.Size() == 0 {
		return "", errors.Errorf("library file is empty: %q", absPath)
	}

	return absPath, nil
}

func withProcessFileLock(lockPath string, fn func() error) (err error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create lock directory for %q", lockPath)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return errors.Wrapf(err, "failed to open lock file %q", lockPath)
	}

	if err := lockFile(file); err != nil {
		_ = file.Close()
		return errors.Wrapf(err, "failed to acquire lock %q", lockPath)
	}

	defer func() {
		unlockErr := unlockFile(file)
		closeErr := file.Close()
		if err == nil {
			if unlockErr != nil {
				err = unlockErr
			} else {
				err = closeErr
			}
		}
	}()

	return fn()
}

func secureArchiveJoin(baseDir, archivePath string) (string, error) {
	archivePath = strings.TrimSpace(archivePath)
	if archivePath == "" {
		return "", errors.New("invalid empty archive entry path")
	}

	normalized := strings.ReplaceAll(archivePath, "\\", "/")
	if strings.HasPrefix(normalized, "/") {
		return "", errors.Errorf("invalid absolute archive entry path %q", archivePath)
	}
	if len(normalized) >= 2 && isASCIILetter(normalized[0]) && normalized[1] == ':' {
		return "", errors.Errorf("invalid archive entry path with drive letter %q", archivePath)
	}

	cleaned := filepath.Clean(normalized)
	if cleaned == "." {
		return "", errors.Errorf("invalid archive entry path %q", archivePath)
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", errors.Errorf("unsafe archive entry path %q", archivePath)
	}

	targetPath := filepath.Join(baseDir, cleaned)
	relPath, err := filepath.Rel(baseDir, targetPath)
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve archive path %q", archivePath)
	}
	if relPath == ".." || strings.HasPrefix(relPath, ".."+string(os.PathSeparator)) {
		return "", errors.Errorf("unsafe archive entry path %q", archivePath)
	}

	return targetPath, nil
}

func isASCIILetter(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func defaultBootstrapCacheDir() string {
	cacheDir, err := os.UserCacheDir()
	if err == nil && cacheDir != "" {
		return filepath.Join(cacheDir, "intel-npu-acceleration-library")
	}
	fallback := filepath.Join(os.TempDir(), "intel-npu-acceleration-library")
	klog.Warningf("failed to resolve user cache directory; using temporary NPU cache at %q. Set NPU_CACHE_DIR for a persistent cache.", fallback)
	return fallback
}

// normalizeLibraryVersion validates a release version string and returns its
// canonical x.y.z form.
func normalizeLibraryVersion(version string) (string, error) {
	v, err := semver.NewVersion(strings.TrimSpace(strings.TrimPrefix(version, "v")))
	if err != nil {
		return "", errors.Wrapf(err, "invalid NPU library version %q", version)
	}
	if v.Prerelease() != "" || v.Metadata() != "" {
		return "", errors.Errorf("NPU library version must be a plain release, got %q", version)
	}
	return v.String(), nil
}

func parseBoolEnv(name string) (bool, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return false, nil
	}

	parsed, err := strconv.ParseBool(value)
	if err == nil {
		return parsed, nil
	}

	switch strings.ToLower(value) {
	case "yes", "y", "on":
		return true, nil
	case "no", "n", "off":
		return false, nil
	default:
		return false, errors.Errorf("invalid boolean value for %s: %q", name, value)
	}
}
