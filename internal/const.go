// Constants
package internal

import (
	"encoding/binary"
)

const LEN_U8 = 0x01
const LEN_U16 = 0x02
const LEN_U32 = 0x04
const LEN_U64 = 0x08

// Used when the caller does not pick a watch queue capacity
const WATCH_QUEUE_CAP = 0x200

const RING_ENTRIES = 0x100

// This is an alias for endianness effectively, so we only define the default in one place (here).
// Buffers start out in this order and can be switched per buffer.
var Bin binary.ByteOrder = binary.BigEndian

// Aligns off down to a multiple of align (must be a power of two).
// Mappings have to start on a page boundary.
func AlignDown(off int64, align int64) int64 {
	return off &^ (align - 1)
}
