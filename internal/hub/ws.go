package hub

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients connect from a separately served frontend
	CheckOrigin: func(r *http.Request) bool { return true },
}

// DecisionResolver handles the human side of the approval gate: client
// messages approving or rejecting an agent's pending decision.
type DecisionResolver interface {
	Approve(agentID string) error
	Reject(agentID string) error
}

// clientMessage is what browsers send over the live channel.
type clientMessage struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
}

// WebsocketHandler bridges the hub to a gorilla websocket connection: hub
// events are pumped out, and approve/reject messages are fed to the
// resolver. Each connection gets its own subscriber and snapshot.
func WebsocketHandler(h *Hub, resolver DecisionResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		sub := h.Subscribe()
		go writePump(h, sub, conn)
		readPump(h, sub, conn, resolver)
	}
}

func writePump(h *Hub, sub *Subscriber, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case evt, ok := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func readPump(h *Hub, sub *Subscriber, conn *websocket.Conn, resolver DecisionResolver) {
	defer func() {
		h.Unsubscribe(sub)
		conn.Close()
	}()

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Debug().Err(err).Msg("ignoring malformed client message")
			continue
		}

		switch msg.Type {
		case "approve_trade":
			if err := resolver.Approve(msg.AgentID); err != nil {
				log.Warn().Err(err).Str("agent_id", msg.AgentID).Msg("approve failed")
			}
		case "reject_trade":
			if err := resolver.Reject(msg.AgentID); err != nil {
				log.Warn().Err(err).Str("agent_id", msg.AgentID).Msg("reject failed")
			}
		case "ping":
			h.Send(sub, Event{Type: EventPong})
		}
	}
}
