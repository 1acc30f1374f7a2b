package display

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/e7canasta/orion-capture-display/internal/drm"
)

// CardOpener opens a DRM card node.
type CardOpener func(path string) (drm.Device, error)

// Context carries the state display backends share: one DRM card handle
// with shared ownership, and the overlay planes already claimed.
//
// The card is opened by the first Acquire and closed when the last owner
// calls Release.
type Context struct {
	SessionID string
	Log       *logrus.Entry

	cardPath string
	openCard CardOpener

	mu        sync.Mutex
	card      drm.Device
	owners    int
	onRelease []func()
	planes    uint64
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithSessionID overrides the generated session id.
func WithSessionID(id string) ContextOption {
	return func(c *Context) { c.SessionID = id }
}

// NewContext returns a context that opens cardPath with open on demand.
func NewContext(cardPath string, open CardOpener, opts ...ContextOption) *Context {
	c := &Context{
		SessionID: uuid.NewString(),
		cardPath:  cardPath,
		openCard:  open,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Log = logrus.WithFields(logrus.Fields{
		"component":  "display",
		"session_id": c.SessionID,
	})
	return c
}

// CardPath returns the card node path.
func (c *Context) CardPath() string { return c.cardPath }

// Acquire returns the shared card, opening it for the first owner.
func (c *Context) Acquire() (drm.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.card == nil {
		card, err := c.openCard(c.cardPath)
		if err != nil {
			return nil, fmt.Errorf("open card %s: %w", c.cardPath, err)
		}
		c.card = card
		c.Log.WithField("card", c.cardPath).Debug("card opened")
	}
	c.owners++
	return c.card, nil
}

// OnRelease registers fn to run after the last owner released the card.
func (c *Context) OnRelease(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRelease = append(c.onRelease, fn)
}

// Release drops one ownership. The last release closes the card and runs
// the OnRelease callbacks.
func (c *Context) Release() error {
	c.mu.Lock()
	if c.owners == 0 {
		c.mu.Unlock()
		return fmt.Errorf("release of unowned card %s", c.cardPath)
	}
	c.owners--
	if c.owners > 0 {
		c.mu.Unlock()
		return nil
	}
	card := c.card
	c.card = nil
	c.planes = 0
	callbacks := c.onRelease
	c.onRelease = nil
	c.mu.Unlock()

	err := card.Close()
	for _, fn := range callbacks {
		fn()
	}
	c.Log.WithField("card", c.cardPath).Debug("card closed")
	return err
}

// Owners returns the current number of card owners.
func (c *Context) Owners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owners
}

// ClaimPlane marks the plane at index (in plane resources order) as used.
// It reports false when the plane was already claimed.
func (c *Context) ClaimPlane(index int) bool {
	if index < 0 || index >= 64 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	bit := uint64(1) << uint(index)
	if c.planes&bit != 0 {
		return false
	}
	c.planes |= bit
	return true
}

// PlaneClaimed reports whether index is claimed.
func (c *Context) PlaneClaimed(index int) bool {
	if index < 0 || index >= 64 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.planes&(uint64(1)<<uint(index)) != 0
}
