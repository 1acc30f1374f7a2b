package wayland

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrProtocol is a fatal error reported by the compositor.
	ErrProtocol = errors.New("wayland protocol error")
	// ErrClosed is returned once the connection is gone.
	ErrClosed = errors.New("wayland connection closed")
	// ErrRoundtripTimeout is returned when the compositor does not answer a sync.
	ErrRoundtripTimeout = errors.New("wayland roundtrip timed out")
)

// handler receives the events of one object. Handlers run on the dispatch
// goroutine.
type handler func(opcode uint16, d *decoder)

// Global is an entry of the compositor registry.
type Global struct {
	Name      uint32
	Interface string
	Version   uint32
}

// Client is a minimal protocol client. A dispatch goroutine reads events and
// hands them to per-object handlers; requests may be sent from any goroutine.
type Client struct {
	conn *conn
	log  *logrus.Entry

	mu       sync.Mutex
	handlers map[uint32]handler
	nextID   uint32
	freeIDs  []uint32
	globals  map[string]Global
	registry uint32
	err      error
	closing  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewClient takes ownership of uc and starts dispatching.
func NewClient(uc *net.UnixConn, log *logrus.Entry) *Client {
	c := &Client{
		conn:     newConn(uc),
		log:      log,
		handlers: make(map[uint32]handler),
		nextID:   firstClientObject,
		globals:  make(map[string]Global),
		done:     make(chan struct{}),
	}
	c.handlers[displayObject] = c.handleDisplay

	c.wg.Add(1)
	go c.dispatch()
	return c
}

func (c *Client) dispatch() {
	defer c.wg.Done()
	defer close(c.done)

	for {
		m, err := c.conn.recv()
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			if c.err == nil {
				c.err = fmt.Errorf("%w: %v", ErrClosed, err)
			}
			c.mu.Unlock()
			if !closing {
				c.log.WithError(err).Error("wayland connection lost")
			}
			c.conn.dropFDs()
			return
		}

		c.mu.Lock()
		h := c.handlers[m.sender]
		c.mu.Unlock()
		if h == nil {
			c.log.WithFields(logrus.Fields{
				"object": m.sender,
				"opcode": m.opcode,
			}).Trace("event for unknown object")
		} else {
			h(m.opcode, m.decoder())
		}
		// No bound interface carries descriptors in events.
		c.conn.dropFDs()
	}
}

func (c *Client) handleDisplay(opcode uint16, d *decoder) {
	switch opcode {
	case displayEventError:
		obj, code, msg := d.uint(), d.uint(), d.string()
		err := fmt.Errorf("%w: object %d code %d: %s", ErrProtocol, obj, code, msg)
		c.log.WithError(err).Error("compositor reported an error")
		c.mu.Lock()
		if c.err == nil {
			c.err = err
		}
		c.mu.Unlock()
	case displayEventDeleteID:
		id := d.uint()
		c.mu.Lock()
		delete(c.handlers, id)
		c.freeIDs = append(c.freeIDs, id)
		c.mu.Unlock()
	}
}

// newID allocates an object id and registers h for its events. h may be nil.
func (c *Client) newID(h handler) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var id uint32
	if n := len(c.freeIDs); n > 0 {
		id = c.freeIDs[n-1]
		c.freeIDs = c.freeIDs[:n-1]
	} else {
		id = c.nextID
		c.nextID++
	}
	if h != nil {
		c.handlers[id] = h
	}
	return id
}

// forget stops delivering events for id. The id itself is recycled only
// after the compositor confirms deletion.
func (c *Client) forget(id uint32) {
	c.mu.Lock()
	delete(c.handlers, id)
	c.mu.Unlock()
}

// Err returns the first fatal error seen on the connection.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) send(m *message) error {
	if err := c.Err(); err != nil {
		return err
	}
	return c.conn.send(m)
}

// Roundtrip waits until the compositor processed every request sent so far.
func (c *Client) Roundtrip(timeout time.Duration) error {
	synced := make(chan struct{})
	var once sync.Once
	cb := c.newID(func(opcode uint16, _ *decoder) {
		if opcode == callbackEventDone {
			once.Do(func() { close(synced) })
		}
	})
	if err := c.send(newMessage(displayObject, displaySync).putUint(cb)); err != nil {
		c.forget(cb)
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-synced:
		return c.Err()
	case <-c.done:
		return c.Err()
	case <-timer.C:
		c.forget(cb)
		return fmt.Errorf("%w after %s", ErrRoundtripTimeout, timeout)
	}
}

// Globals fetches the registry and returns the globals announced by the
// compositor, keyed by interface.
func (c *Client) Globals(timeout time.Duration) (map[string]Global, error) {
	registry := c.newID(func(opcode uint16, d *decoder) {
		switch opcode {
		case registryEventGlobal:
			g := Global{Name: d.uint(), Interface: d.string(), Version: d.uint()}
			if d.err != nil {
				return
			}
			c.mu.Lock()
			c.globals[g.Interface] = g
			c.mu.Unlock()
		case registryEventGlobalRemove:
			name := d.uint()
			c.mu.Lock()
			for k, g := range c.globals {
				if g.Name == name {
					delete(c.globals, k)
				}
			}
			c.mu.Unlock()
		}
	})
	if err := c.send(newMessage(displayObject, displayGetRegistry).putUint(registry)); err != nil {
		return nil, err
	}
	if err := c.Roundtrip(timeout); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.registry = registry
	out := make(map[string]Global, len(c.globals))
	for k, g := range c.globals {
		out[k] = g
	}
	return out, nil
}

// Bind creates a client object for global g at version (capped to what the
// compositor offers).
func (c *Client) Bind(g Global, version uint32, h handler) (uint32, error) {
	c.mu.Lock()
	registry := c.registry
	c.mu.Unlock()
	if registry == 0 {
		return 0, errors.New("bind before registry fetch")
	}

	version = min(version, g.Version)
	id := c.newID(h)
	m := newMessage(registry, registryBind).
		putUint(g.Name).
		putString(g.Interface).
		putUint(version).
		putUint(id)
	if err := c.send(m); err != nil {
		c.forget(id)
		return 0, err
	}
	return id, nil
}

// Close shuts the connection down and waits for the dispatch goroutine.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	err := c.conn.close()
	c.wg.Wait()
	return err
}
