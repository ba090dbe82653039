package util

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// HexDump renders up to limit bytes of data as u16 chunks, 32 bytes a row.
// base is the offset printed for the first row.
func HexDump(data []byte, base int64, limit int) string {
	if limit > len(data) || limit < 0 {
		limit = len(data)
	}

	const bytesPerRow = 32
	var s strings.Builder
	s.WriteString("┏━━━━━━━━━━━━┳━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┓\n")
	fmt.Fprintf(&s, "┃ Offset     ┃ u16 Chunks (BigEndian) - %5d bytes (0x%04x)%*s┃\n", limit, limit, 39, "")
	s.WriteString("┣━━━━━━━━━━━━╋━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┫\n")

	for i := 0; i < limit; i += bytesPerRow {
		fmt.Fprintf(&s, "┃ 0x%08x ┃ ", base+int64(i))
		for j := 0; j < bytesPerRow; j += 2 {
			switch {
			case i+j+1 < limit:
				fmt.Fprintf(&s, "%04x ", binary.BigEndian.Uint16(data[i+j:i+j+2]))
			case i+j < limit:
				fmt.Fprintf(&s, "%02x   ", data[i+j])
			default:
				s.WriteString("     ")
			}
			// Space every 8 bytes to keep your eyes from crossing
			if (j+2)%8 == 0 {
				s.WriteString(" ")
			}
		}
		s.WriteString("┃\n")
	}
	s.WriteString("┗━━━━━━━━━━━━┻━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛\n")
	return s.String()
}
