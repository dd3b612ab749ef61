package npu

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	mu        sync.Mutex
	refCount  int
	libHandle uintptr
	libPath   string
)

// SetSharedLibraryPath sets the path to the NPU shared library. It must be
// called before InitializeEnvironment; changing the path afterwards is an
// error.
func SetSharedLibraryPath(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if refCount > 0 {
		return errors.New("cannot change library path after environment is initialized")
	}
	libPath = path
	return nil
}

// InitializeEnvironment loads the NPU shared library and binds its symbols.
// Calls are reference counted; each successful call must be paired with a
// DestroyEnvironment call.
func InitializeEnvironment() error {
	mu.Lock()
	defer mu.Unlock()

	if refCount > 0 {
		refCount++
		return nil
	}

	path := libPath
	if path == "" {
		path = defaultLibraryName()
	}

	handle, err := loadLibrary(path)
	if err != nil {
		return errors.Wrapf(err, "failed to load NPU library %q", path)
	}
	if handle == 0 {
		return errors.Errorf("failed to load NPU library %q", path)
	}

	if err := registerBindings(handle); err != nil {
		_ = closeLibrary(handle)
		return err
	}

	libHandle = handle
	libPath = path
	refCount = 1
	klog.V(1).Infof("loaded NPU acceleration library from %s", path)
	return nil
}

// DestroyEnvironment releases one reference to the environment. When the
// last reference is released the shared library is unloaded and all symbol
// bindings are cleared. Factories and tensors created while the environment
// was live must not be used afterwards.
func DestroyEnvironment() error {
	mu.Lock()
	defer mu.Unlock()

	if refCount == 0 {
		return nil
	}
	refCount--
	if refCount > 0 {
		return nil
	}

	resetBindings()
	handle := libHandle
	libHandle = 0
	if handle != 0 {
		if err := closeLibrary(handle); err != nil {
			return errors.Wrap(err, "failed to unload NPU library")
		}
	}
	klog.V(1).Info("unloaded NPU acceleration library")
	return nil
}

// IsInitialized reports whether the environment currently holds a loaded
// NPU library.
func IsInitialized() bool {
	mu.Lock()
	defer mu.Unlock()
	return refCount > 0
}
