//go:build windows

package npu

import (
	"golang.org/x/sys/windows"
)

func defaultLibraryName() string {
	return "intel_npu_acceleration_library.dll"
}

func loadLibrary(path string) (uintptr, error) {
	handle, err := windows.LoadLibrary(path)
	if err != nil || handle == 0 {
		return 0, err
	}
	return uintptr(handle), nil
}

func closeLibrary(handle uintptr) error {
	if handle == 0 {
		return nil
	}
	return windows.FreeLibrary(windows.Handle(handle))
}
