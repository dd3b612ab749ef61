//go:build !windows

package npu

import (
	"runtime"

	"github.com/ebitengine/purego"
)

func defaultLibraryName() string {
	if runtime.GOOS == "darwin" {
		return "libintel_npu_acceleration_library.dylib"
	}
	return "libintel_npu_acceleration_library.so"
}

func loadLibrary(path string) (uintptr, error) {
	libHandle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil || libHandle == 0 {
		return 0, err
	}
	return libHandle, nil
}

func closeLibrary(handle uintptr) error {
	if handle == 0 {
		return nil
	}
	return purego.Dlclose(handle)
}
