package connection

import (
	"context"
	"fmt"
)

// Open is the application entry point for a client: it runs the
// PreConnect and LoadChannels callbacks, connects and then runs the
// post-connect callbacks.
func (c *Connection) Open(ctx context.Context) error {
	if c.role != RoleClient {
		return ErrWrongRole
	}

	c.callbackState = CallbackInitial

	if err := c.recreateChannels(); err != nil {
		return c.fail(err)
	}

	if pre, ok := c.app.(PreConnecter); ok {
		if err := pre.PreConnect(c); err != nil {
			return c.fail(fmt.Errorf("pre-connect: %w", err))
		}
	}

	c.callbackState = CallbackPreconnectPassed

	if loader, ok := c.app.(ChannelLoader); ok {
		if err := loader.LoadChannels(c); err != nil {
			return c.fail(fmt.Errorf("load channels: %w", err))
		}
	}

	if c.channels != nil {
		if err := c.channels.PreConnect(c); err != nil {
			return c.fail(fmt.Errorf("channel pre-connect: %w", err))
		}
	}

	if err := c.Connect(ctx); err != nil {
		return err
	}

	return c.postConnect(true)
}

// postConnect runs the channel post-connect and, on the first connect, the
// application's PostConnect.
func (c *Connection) postConnect(app bool) error {
	if c.channels != nil {
		if err := c.channels.PostConnect(c); err != nil {
			return c.fail(fmt.Errorf("channel post-connect: %w", err))
		}
	}

	if post, ok := c.app.(PostConnecter); ok && app {
		if err := post.PostConnect(c); err != nil {
			return c.fail(fmt.Errorf("post-connect: %w", err))
		}
	}

	c.callbackState = CallbackPostconnectPassed

	return nil
}
