package sse

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
)

// StreamResponse registers client on the hub and pumps its events to the
// response until the subscriber disconnects or done is closed. A nil done
// channel streams until disconnect only.
func StreamResponse(c *gin.Context, client *Client, hub *Hub, keepAliveInterval time.Duration, done <-chan struct{}) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	hub.Register(client)
	defer hub.Unregister(client)

	connected := Event{
		Type: "connected",
		Data: map[string]string{
			"client_id": client.ID,
			"resource":  client.Resource,
		},
	}
	if _, err := fmt.Fprint(c.Writer, connected.FormatSSE()); err != nil {
		return
	}
	c.Writer.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	clientGone := c.Request.Context().Done()

	for {
		select {
		case <-clientGone:
			return

		case <-done:
			// Drain whatever the producer managed to queue before the turn
			// ended, then close the response.
			for {
				select {
				case event := <-client.Channel:
					if _, err := fmt.Fprint(c.Writer, event.FormatSSE()); err != nil {
						return
					}
					c.Writer.Flush()
				default:
					return
				}
			}

		case event := <-client.Channel:
			if _, err := fmt.Fprint(c.Writer, event.FormatSSE()); err != nil {
				return
			}
			c.Writer.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprintf(c.Writer, ": heartbeat\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
