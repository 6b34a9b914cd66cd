//go:build !debug_stage

package stage

// DebugValidate will call Validate on the provided object and panics if any errors are
// returned. This method no-ops unless the debug_stage build tag is present
func DebugValidate(validatable Validatable) {
}

// debugFillBlock writes a recognizable pattern across a newly created block's memory.
// This method no-ops unless the debug_stage build tag is present.
func debugFillBlock(memory TransferMemory, size int) {
}
