package buffer

import "sync/atomic"

// storage is the state every view of the same memory shares. One loan on it
// blocks all of them.
type storage struct {
	lent atomic.Bool
}

// Loan is the pending operation's handle on a lent buffer. It moves bytes
// through the same [position, limit) window as the buffer itself would, but
// without the borrowed check. Memory validity is still checked.
type Loan struct {
	b        *Buffer
	returned atomic.Bool
}

// Lend tags b's storage as borrowed. Until Return is called on the loan every
// accessor of b, and of any slice or duplicate sharing its storage, fails with
// ErrBorrowed.
func (b *Buffer) Lend() (*Loan, error) {
	if b.reg != nil {
		if err := b.reg.acquire(); err != nil {
			return nil, err
		}
	}
	if !b.st.lent.CompareAndSwap(false, true) {
		if b.reg != nil {
			b.reg.release()
		}
		return nil, ErrBorrowed
	}
	return &Loan{b: b}, nil
}

func (l *Loan) Buffer() *Buffer { return l.b }

func (l *Loan) check() error {
	if l.returned.Load() {
		return ErrLoanReturned
	}
	return l.b.checkRegion()
}

func (l *Loan) View() ([]byte, error) {
	if err := l.check(); err != nil {
		return nil, err
	}
	return l.b.data[l.b.pos:l.b.lim], nil
}

func (l *Loan) Space() ([]byte, error) {
	if err := l.check(); err != nil {
		return nil, err
	}
	if l.b.readOnly {
		return nil, ErrReadOnly
	}
	return l.b.data[l.b.pos:l.b.lim], nil
}

func (l *Loan) Advance(n int) error {
	if err := l.check(); err != nil {
		return err
	}
	return l.b.advance(n)
}

// Return hands the buffer back to its owner. Only the first call counts.
func (l *Loan) Return() {
	if !l.returned.CompareAndSwap(false, true) {
		return
	}
	l.b.st.lent.Store(false)
	if l.b.reg != nil {
		l.b.reg.release()
	}
}
