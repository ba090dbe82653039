package selector

import (
	"errors"
	"fmt"
)

var (
	ErrClosed        = errors.New("selector is closed")
	ErrBroken        = errors.New("selector is broken")
	ErrNotSelectable = errors.New("channel kind can't be selected")
	ErrBlocking      = errors.New("channel is in blocking mode")
	ErrCancelled     = errors.New("key is cancelled")
	ErrUnsupported   = errors.New("readiness selection is only available on linux")
)

type Interest uint32

const (
	OpRead Interest = 1 << iota
	OpWrite
)

func (i Interest) String() string {
	switch i {
	case 0:
		return "none"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpRead | OpWrite:
		return "read|write"
	}
	return fmt.Sprintf("Interest(%d)", uint32(i))
}
