package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/retire-cluster/coordinator/internal/metrics"
	"github.com/retire-cluster/coordinator/internal/models"
	"github.com/retire-cluster/coordinator/internal/protocol"
)

// conn is one worker connection. A single reader goroutine (handle) and a
// single writer goroutine (writeLoop) own the socket; everyone else talks
// to it through the bounded outbox via Post.
type conn struct {
	srv   *Server
	nc    net.Conn
	codec *protocol.Codec
	log   *slog.Logger

	outbox chan protocol.Message

	closeOnce sync.Once
	closed    chan struct{}

	deviceID string
}

func newConn(srv *Server, nc net.Conn) *conn {
	return &conn{
		srv:    srv,
		nc:     nc,
		codec:  protocol.NewCodec(nc, srv.cfg.MaxFrameBytes),
		log:    srv.log.With(slog.String("remote", nc.RemoteAddr().String())),
		outbox: make(chan protocol.Message, srv.cfg.OutboxSize),
		closed: make(chan struct{}),
	}
}

// Post enqueues a message for the writer without blocking. A full outbox
// means the peer cannot keep up; the connection is torn down rather than
// stalling the caller.
func (c *conn) Post(m protocol.Message) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.outbox <- m:
		return true
	default:
		c.log.Warn("outbox overflow, dropping connection",
			slog.String("device_id", c.deviceID))
		c.Close("outbox overflow")
		return false
	}
}

// Close tears the connection down. Safe to call from any goroutine, any
// number of times.
func (c *conn) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.nc.Close()
		if reason != "" {
			c.log.Debug("connection closing", slog.String("reason", reason))
		}
	})
}

// writeLoop drains the outbox onto the socket. It is the only writer.
func (c *conn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case m := <-c.outbox:
			if err := c.codec.WriteMessage(m); err != nil {
				c.Close(fmt.Sprintf("write failed: %v", err))
				return
			}
		}
	}
}

// handle runs the connection lifecycle: handshake, then the read loop.
// On return the socket is closed and, if the handshake completed, the
// device is detached and its in-flight work reassigned.
func (c *conn) handle() {
	defer c.Close("handler exit")

	deviceID, ok := c.handshake()
	if !ok {
		return
	}
	c.deviceID = deviceID
	c.log = c.log.With(slog.String("device_id", deviceID))

	go c.writeLoop()
	c.srv.sched.DeviceUp(deviceID)

	reason := c.readLoop()

	c.Close(reason)
	// Detach is a no-op if a newer registration already took over.
	if c.srv.registry.Detach(deviceID, c) {
		c.srv.sched.DeviceDown(deviceID, reason)
	}
}

// handshake reads the first frame, which must be a valid register, within
// the handshake deadline. Rejections are answered on the socket directly
// since the writer is not running yet.
func (c *conn) handshake() (string, bool) {
	if err := c.nc.SetReadDeadline(time.Now().Add(c.srv.cfg.HandshakeTimeout)); err != nil {
		return "", false
	}

	msg, err := c.codec.ReadMessage()
	if err != nil {
		metrics.ProtocolErrors.Inc()
		c.log.Debug("handshake read failed", slog.Any("error", err))
		return "", false
	}
	if msg.MessageType != protocol.MsgRegister {
		c.reject(fmt.Sprintf("expected register, got %s", msg.MessageType))
		return "", false
	}

	var info protocol.RegisterData
	if err := msg.DecodeData(&info); err != nil {
		c.reject(err.Error())
		return "", false
	}

	if err := c.nc.SetReadDeadline(time.Time{}); err != nil {
		return "", false
	}

	_, _, replaced := c.srv.registry.Register(info, c.nc.RemoteAddr().String(), c)
	if replaced {
		// Whatever was riding the evicted socket will never come back.
		c.srv.sched.ReassignDevice(info.DeviceID, "connection replaced")
	}

	ack := protocol.MustNew(protocol.MsgRegisterAck, senderID, protocol.RegisterAckData{
		Accepted:         true,
		AssignedDeviceID: info.DeviceID,
	})
	if err := c.codec.WriteMessage(ack); err != nil {
		c.log.Debug("failed to ack registration", slog.Any("error", err))
		if c.srv.registry.Detach(info.DeviceID, c) {
			c.srv.sched.DeviceDown(info.DeviceID, "register ack failed")
		}
		return "", false
	}
	return info.DeviceID, true
}

// reject answers a failed handshake and gives up on the connection.
func (c *conn) reject(reason string) {
	metrics.ProtocolErrors.Inc()
	ack := protocol.MustNew(protocol.MsgRegisterAck, senderID, protocol.RegisterAckData{
		Accepted: false,
		Reason:   reason,
	})
	if err := c.codec.WriteMessage(ack); err != nil {
		c.log.Debug("failed to write rejection", slog.Any("error", err))
	}
}

// readLoop processes inbound frames until the connection dies or the peer
// violates the protocol. Returns the close reason.
func (c *conn) readLoop() string {
	for {
		msg, err := c.codec.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				return "connection closed"
			case errors.Is(err, protocol.ErrFrameTooLarge), errors.Is(err, protocol.ErrProtocol):
				metrics.ProtocolErrors.Inc()
				return fmt.Sprintf("protocol violation: %v", err)
			default:
				return fmt.Sprintf("read failed: %v", err)
			}
		}
		if err := c.dispatch(msg); err != nil {
			metrics.ProtocolErrors.Inc()
			c.Post(protocol.NewError(senderID, err.Error(), msg.MessageID))
			return fmt.Sprintf("protocol violation: %v", err)
		}
		select {
		case <-c.closed:
			return "connection closed"
		default:
		}
	}
}

// dispatch routes one inbound frame. A payload that does not match its
// message type's schema is terminal for the connection, same as a framing
// fault: a non-nil return makes the caller answer with a best-effort error
// frame and tear the connection down.
func (c *conn) dispatch(msg protocol.Message) error {
	// Any well-formed traffic proves liveness.
	c.srv.registry.Touch(c.deviceID, nil)

	switch msg.MessageType {
	case protocol.MsgHeartbeat:
		var hb protocol.HeartbeatData
		if err := msg.DecodeData(&hb); err != nil {
			return err
		}
		m := hb.Metrics()
		c.srv.registry.Touch(c.deviceID, &m)
		queued, _ := c.srv.sched.Counts()
		c.Post(protocol.MustNew(protocol.MsgHeartbeatAck, senderID, protocol.HeartbeatAckData{
			ServerTime:      time.Now().UTC().Format(time.RFC3339Nano),
			PendingTaskHint: queued,
		}))

	case protocol.MsgTaskResult:
		var res protocol.TaskResultData
		if err := msg.DecodeData(&res); err != nil {
			return err
		}
		c.srv.sched.HandleResult(c.deviceID, res)

	case protocol.MsgStatusQuery:
		queued, inflight := c.srv.sched.Counts()
		online := len(c.srv.registry.Snapshot(models.DeviceFilter{Status: models.DeviceOnline}))
		c.Post(protocol.MustNew(protocol.MsgStatusReply, senderID, protocol.StatusReplyData{
			OriginalMessageID: msg.MessageID,
			OnlineDevices:     online,
			QueuedTasks:       queued,
			InFlightTasks:     inflight,
			ServerTime:        time.Now().UTC().Format(time.RFC3339Nano),
		}))

	case protocol.MsgRegister:
		// Re-registration over the live connection refreshes capabilities.
		var info protocol.RegisterData
		if err := msg.DecodeData(&info); err != nil {
			return err
		}
		if info.DeviceID != c.deviceID {
			c.Post(protocol.NewError(senderID, "device_id may not change on a live connection", msg.MessageID))
			return nil
		}
		c.srv.registry.Register(info, c.nc.RemoteAddr().String(), c)
		c.Post(protocol.MustNew(protocol.MsgRegisterAck, senderID, protocol.RegisterAckData{
			Accepted:         true,
			AssignedDeviceID: info.DeviceID,
		}))

	case protocol.MsgError:
		var e protocol.ErrorData
		if err := msg.DecodeData(&e); err == nil {
			c.log.Warn("peer reported error", slog.String("error", e.Error))
		}

	default:
		c.Post(protocol.NewError(senderID,
			fmt.Sprintf("unexpected message type %s", msg.MessageType), msg.MessageID))
	}
	return nil
}
