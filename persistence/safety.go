package persistence

import (
	"fmt"
	"runtime"
	"unsafe"
)

// The raw vector block is written through unsafe slice reinterpretation,
// which requires a little-endian platform for the on-disk format to be
// portable across machines.

func init() {
	if !isLittleEndian() {
		panic(fmt.Sprintf("persistence: big-endian platform %s/%s is not supported", runtime.GOOS, runtime.GOARCH))
	}
}

func isLittleEndian() bool {
	var test uint16 = 0x0001
	return *(*byte)(unsafe.Pointer(&test)) == 1
}
