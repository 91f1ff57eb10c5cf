package wasm

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"aiconsole/internal/domain"
)

// Pack combines a guest pointer and length into the i64 returned by
// content and get_context.
func Pack(ptr, size uint32) uint64 {
	return uint64(ptr)<<32 | uint64(size)
}

// Unpack splits a packed i64 into pointer and length.
func Unpack(v uint64) (ptr, size uint32) {
	return uint32(v >> 32), uint32(v)
}

// ReadString reads a UTF-8 string from the guest module's linear memory.
func ReadString(mod api.Module, ptr, size uint32) (string, error) {
	b, err := ReadBytes(mod, ptr, size)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadBytes copies bytes out of the guest module's linear memory.
func ReadBytes(mod api.Module, ptr, size uint32) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	buf, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return nil, memoryError(fmt.Sprintf("read out of bounds at ptr=%d len=%d", ptr, size))
	}
	out := make([]byte, size)
	copy(out, buf)
	return out, nil
}

// WriteBytes copies data into guest memory allocated with the guest's
// exported malloc. Returns the pointer and length.
func WriteBytes(ctx context.Context, mod api.Module, data []byte) (uint32, uint32, error) {
	size := uint32(len(data))
	if size == 0 {
		return 0, 0, nil
	}

	malloc := mod.ExportedFunction("malloc")
	if malloc == nil {
		return 0, 0, memoryError("guest module does not export malloc")
	}

	results, err := malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, 0, memoryError(fmt.Sprintf("malloc(%d) failed: %v", size, err))
	}
	if len(results) == 0 {
		return 0, 0, memoryError("malloc returned no results")
	}

	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, 0, memoryError("malloc returned null pointer")
	}
	if !mod.Memory().Write(ptr, data) {
		return 0, 0, memoryError(fmt.Sprintf("write out of bounds at ptr=%d len=%d", ptr, size))
	}
	return ptr, size, nil
}

// FreeBytes calls the guest's exported free, if any.
func FreeBytes(ctx context.Context, mod api.Module, ptr, size uint32) {
	if ptr == 0 || size == 0 {
		return
	}
	free := mod.ExportedFunction("free")
	if free == nil {
		return
	}
	_, _ = free.Call(ctx, uint64(ptr), uint64(size))
}

func memoryError(detail string) error {
	return domain.NewSubSystemError("wasm", "memory", domain.ErrProviderError, detail)
}
