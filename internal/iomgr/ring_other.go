//go:build !linux

package iomgr

import (
	"errors"
	"log/slog"
)

var (
	ErrClosed      = errors.New("ring is closed")
	ErrUnsupported = errors.New("io_uring is only available on linux")
)

type Stats struct {
	Submitted uint64
	Completed uint64
	Failed    uint64
}

type Option func(*Ring)

func WithCPU(int) Option { return func(*Ring) {} }

func WithLogger(*slog.Logger) Option { return func(*Ring) {} }

type Ring struct{}

func New(...Option) (*Ring, error) { return nil, ErrUnsupported }

func (r *Ring) Close() error                                { return nil }
func (r *Ring) Stats() Stats                                { return Stats{} }
func (r *Ring) ReadAt(int, []byte, int64) (int, error)      { return 0, ErrUnsupported }
func (r *Ring) WriteAt(int, []byte, int64) (int, error)     { return 0, ErrUnsupported }
func (r *Ring) WriteSyncAt(int, []byte, int64) (int, error) { return 0, ErrUnsupported }
func (r *Ring) Fsync(int) error                             { return ErrUnsupported }
func (r *Ring) Nop() error                                  { return ErrUnsupported }
