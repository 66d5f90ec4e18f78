package module

import (
	"errors"
	"sync"
)

// ErrModuleUnavailable is returned when a port reaches for the user module
// instance after the module context has dropped it during shutdown. The
// message that triggered the access is rejected, never retried.
var ErrModuleUnavailable = errors.New("module unavailable: user instance has been dropped")

// userCell holds the module-wide user instance behind one lock. Ports hold
// the cell, never the instance itself: every use re-validates that the
// instance is still present and fails if it is gone, so a late message can
// never resurrect a half-destroyed module.
type userCell struct {
	mu    sync.Mutex
	inner UserModule
}

func (c *userCell) set(m UserModule) {
	c.mu.Lock()
	c.inner = m
	c.mu.Unlock()
}

// with runs fn on the user instance under the cell lock, or fails with
// ErrModuleUnavailable when the instance is absent.
func (c *userCell) with(fn func(UserModule) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inner == nil {
		return ErrModuleUnavailable
	}
	return fn(c.inner)
}

func (c *userCell) drop() {
	c.mu.Lock()
	c.inner = nil
	c.mu.Unlock()
}
