// Package selector lets one goroutine wait for readiness on many
// non-blocking stream channels at once. It is backed by epoll; on other
// platforms New reports ErrUnsupported.
package selector
