//go:build !linux

package selector

import (
	"aiocore/internal/channel"

	"time"
)

type Key struct{}

func (k *Key) Channel() *channel.Channel  { return nil }
func (k *Key) Interest() Interest         { return 0 }
func (k *Key) IsValid() bool              { return false }
func (k *Key) Ready() Interest            { return 0 }
func (k *Key) Attachment() any            { return nil }
func (k *Key) Attach(any)                 {}
func (k *Key) SetInterest(Interest) error { return ErrUnsupported }
func (k *Key) Cancel()                    {}

type Selector struct{}

func New() (*Selector, error) { return nil, ErrUnsupported }

func (s *Selector) Register(*channel.Channel, Interest, any) (*Key, error) {
	return nil, ErrUnsupported
}

func (s *Selector) Keys() []*Key                       { return nil }
func (s *Selector) Wait(time.Duration) ([]*Key, error) { return nil, ErrUnsupported }
func (s *Selector) Poll() ([]*Key, error)              { return nil, ErrUnsupported }
func (s *Selector) Wakeup() error                      { return ErrUnsupported }
func (s *Selector) Close() error                       { return nil }
