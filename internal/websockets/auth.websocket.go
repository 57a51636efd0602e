package websockets

import (
	"context"
	"time"

	logger "github.com/Bparsons0904/goLogger"
)

const AUTH_HANDSHAKE_TIMEOUT = 10 * time.Second

// startAuthTimeout closes the connection of a client that has not
// authenticated within the handshake timeout.
func (c *Client) startAuthTimeout() {
	log := c.Manager.log.Function("startAuthTimeout")

	time.AfterFunc(AUTH_HANDSHAKE_TIMEOUT, func() {
		if c.Status() != STATUS_UNAUTHENTICATED {
			return
		}

		log.Warn("Client failed to authenticate within timeout, disconnecting",
			"clientID", c.ID,
			"timeout", AUTH_HANDSHAKE_TIMEOUT)

		c.enqueue(newMessage(MESSAGE_TYPE_AUTH_FAILURE, SYSTEM_CHANNEL, "authentication_timeout", map[string]any{
			"reason": "Authentication timeout",
		}))
		c.closeSoon()
	})
}

func (c *Client) handleAuthResponse(message Message) {
	log := c.Manager.log.Function("handleAuthResponse")

	if c.Status() != STATUS_UNAUTHENTICATED {
		log.Warn("Auth response from already authenticated client", "clientID", c.ID)
		return
	}

	token, _ := message.Data["token"].(string)

	ctx := logger.ContextWithTraceID(context.Background(), c.ID)
	info, err := c.Manager.tokens.Validate(ctx, token)
	if err != nil || !info.Valid {
		log.Info("WebSocket token validation failed", "clientID", c.ID)
		c.sendAuthFailure("Authentication failed")
		return
	}

	c.Subject = info.Subject
	if !c.status.CompareAndSwap(STATUS_UNAUTHENTICATED, STATUS_AUTHENTICATED) {
		return
	}

	log.Info("WebSocket client authenticated", "clientID", c.ID, "subject", c.Subject)
	c.enqueue(newMessage(MESSAGE_TYPE_AUTH_SUCCESS, SYSTEM_CHANNEL, "authenticated", map[string]any{
		"subject": c.Subject,
	}))
}

func (c *Client) sendAuthFailure(reason string) {
	log := c.Manager.log.Function("sendAuthFailure")

	c.enqueue(newMessage(MESSAGE_TYPE_AUTH_FAILURE, SYSTEM_CHANNEL, "authentication_failed", map[string]any{
		"reason": reason,
	}))

	log.Info("Auth failure sent, closing connection", "clientID", c.ID, "reason", reason)
	c.closeSoon()
}

// closeSoon gives the write pump a moment to flush before closing.
func (c *Client) closeSoon() {
	time.AfterFunc(100*time.Millisecond, func() {
		if c.Connection != nil {
			_ = c.Connection.Close()
		}
	})
}

func (c *Client) sendAuthRequest() error {
	log := c.Manager.log.Function("sendAuthRequest")

	authRequest := newMessage(MESSAGE_TYPE_AUTH_REQUEST, SYSTEM_CHANNEL, "authenticate", nil)
	if err := c.Connection.WriteJSON(authRequest); err != nil {
		return log.Err("failed to send auth request", err, "clientID", c.ID)
	}
	return nil
}

func (c *Client) handleUnauthenticatedMessage(message Message) {
	log := c.Manager.log.Function("handleUnauthenticatedMessage")

	log.Warn(
		"Blocking message from unauthenticated client",
		"clientID",
		c.ID,
		"messageType",
		message.Type,
	)

	c.enqueue(newMessage(MESSAGE_TYPE_AUTH_FAILURE, SYSTEM_CHANNEL, "authentication_required", map[string]any{
		"reason": "Authentication required",
	}))
}
