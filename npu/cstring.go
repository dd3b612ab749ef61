package npu

import "unsafe"

// CstringToGo converts a C null-terminated string pointer to a Go string.
// Returns the empty string if ptr is 0 (null).
func CstringToGo(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}

	// Scan up to a conservative maximum to avoid checkptr issues when
	// reading C-allocated memory. Backend strings (dtype names, device
	// names) are a handful of bytes.
	const maxStringLen = 1 << 16
	bytes := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), maxStringLen)

	var length int
	for i := 0; i < maxStringLen; i++ {
		if bytes[i] == 0 {
			length = i
			break
		}
	}

	return string(bytes[:length])
}

// GoToCstring converts a Go string to a null-terminated byte slice suitable
// for passing to C functions. The caller MUST keep the returned []byte alive
// for as long as the C function might access the pointer:
//
//	devBytes, devPtr := GoToCstring("NPU")
//	handle := createNNFactoryFunc(devPtr, false) // devBytes must stay in scope
//	runtime.KeepAlive(devBytes)
func GoToCstring(s string) ([]byte, uintptr) {
	b := append([]byte(s), 0)
	return b, uintptr(unsafe.Pointer(&b[0]))
}
