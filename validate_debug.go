//go:build debug_stage

package stage

const (
	// acquiredFillPattern is the byte written across a freshly created transfer block
	// so that reads of never-written staging memory are easy to identify. Blocks are
	// only filled when the debug_stage build tag is present.
	acquiredFillPattern uint8 = 0xDC
)

// DebugValidate will call Validate on the provided object and panics if any errors are
// returned. This method no-ops unless the debug_stage build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// debugFillBlock writes acquiredFillPattern across a newly created block's memory.
// This method no-ops unless the debug_stage build tag is present.
func debugFillBlock(memory TransferMemory, size int) {
	fill := make([]byte, size)
	for i := 0; i < size; i++ {
		fill[i] = acquiredFillPattern
	}
	memory.Write(0, fill)
}
