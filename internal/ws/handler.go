// Package ws carries the websocket transport. Each connection is read by its
// handler goroutine and written by a dedicated writer goroutine draining the
// session's outbound queue; the writer owns closing the underlying conn.
package ws

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"cipherroom/server/internal/core"
	"cipherroom/server/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	writeTimeout = 5 * time.Second
	sendBuf      = 64
)

// Handler owns websocket transport for the coordinator.
type Handler struct {
	rooms    *core.Manager
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to the room registry.
func NewHandler(rooms *core.Manager) *Handler {
	return &Handler{
		rooms: rooms,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/api/room/:id/websocket", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	roomID := c.Param("id")
	if roomID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "room id is required")
	}
	// The lease is held for the whole connection so the manager cannot
	// drop the instance between here and registration.
	room, err := h.rooms.Acquire(roomID)
	if err != nil {
		return fmt.Errorf("open room %s: %w", roomID, err)
	}
	defer h.rooms.Release(roomID)
	room.SetOrigin(requestOrigin(c.Request()))

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn, room, c.RealIP())
	return nil
}

// requestOrigin reconstructs the web origin clients connected through, used
// to render invite URLs. Proxy headers win over the raw connection.
func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = fwd
	}
	if host == "" {
		return ""
	}
	return scheme + "://" + host
}

func (h *Handler) serveConn(conn *websocket.Conn, room *core.Room, addr string) {
	_ = conn.SetReadDeadline(time.Time{})
	conn.SetReadLimit(1 << 20)

	sess := core.NewSession(uuid.NewString(), addr, sendBuf)

	// The writer drains the session queue and closes the conn once the
	// queue is closed. That makes Session.Close the single shutdown path.
	go func() {
		for out := range sess.Outbound() {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				break
			}
		}
		conn.Close()
	}()

	defer room.Disconnect(sess)

	registered := false
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var in protocol.Message
		if err := json.Unmarshal(raw, &in); err != nil {
			sess.Deliver(protocol.Message{Type: protocol.TypeError, Message: "malformed message"})
			continue
		}

		if !registered {
			if in.Type != protocol.TypeRegister {
				sess.Deliver(protocol.Message{Type: protocol.TypeError, Message: "you must register first"})
				continue
			}
			if err := room.Register(sess, in.PublicKey, in.InviteID); err != nil {
				sess.Deliver(protocol.Message{Type: protocol.TypeError, Message: err.Error()})
				slog.Info("registration rejected", "room_id", room.ID, "addr", addr, "err", err)
				return
			}
			registered = true
			continue
		}

		h.handleInbound(room, sess, in)
	}
}

func (h *Handler) handleInbound(room *core.Room, sess *core.Session, in protocol.Message) {
	switch in.Type {
	case protocol.TypeRegister:
		sess.Deliver(protocol.Message{Type: protocol.TypeError, Message: "already registered"})

	case protocol.TypeChatMessage:
		room.HandleChatMessage(sess, in.EncryptedData)

	case protocol.TypeGetUsers:
		room.GetUsers(sess)

	case protocol.TypeConvertRoomType:
		room.ConvertRoomType(sess, in.TargetType)

	case protocol.TypeKickUser:
		room.KickUser(sess, in.TargetUserID, in.Reason)

	case protocol.TypeBanUser:
		room.BanUser(sess, in.TargetUserID, in.BanType, in.Reason)

	case protocol.TypeUnban:
		room.Unban(sess, in.BanType, in.Value)

	case protocol.TypeGetBanList:
		room.GetBanList(sess)

	case protocol.TypeChangeRole:
		room.ChangeRole(sess, in.TargetUserID, in.NewRole)

	case protocol.TypeTransferCreator:
		room.TransferCreator(sess, in.TargetUserID)

	case protocol.TypeGenerateInvite:
		room.GenerateInvite(sess, in.Role, in.ExpiresIn, in.MaxUsage)

	case protocol.TypeGetInviteLinks:
		room.GetInviteLinks(sess)

	case protocol.TypeDeleteInviteLink:
		room.DeleteInviteLink(sess, in.InviteID)

	case protocol.TypeUpdatePrivacyConfig:
		room.UpdatePrivacyConfig(sess, in.Config)

	case protocol.TypeUpdateMessageCountConfig:
		room.UpdateMessageCountConfig(sess, in.EnableMessageCount,
			in.MessageCountVisibleToUser, in.MessageCountVisibleToGuest)

	default:
		sess.Deliver(protocol.Message{Type: protocol.TypeError, Message: "unsupported message type"})
	}
}
