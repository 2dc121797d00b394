package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/retire-cluster/coordinator/internal/models"
	"github.com/retire-cluster/coordinator/internal/protocol"
)

// ClientConfig configures the worker agent.
type ClientConfig struct {
	DeviceID           string
	Role               string
	CoordinatorAddr    string
	HeartbeatInterval  time.Duration
	MaxConcurrentTasks int
	Tags               []string
}

// Client maintains the connection to the coordinator, reconnecting with
// backoff whenever a session drops.
type Client struct {
	cfg       ClientConfig
	profile   Profile
	exec      *Executor
	log       *slog.Logger
	startedAt time.Time
}

// NewClient profiles the machine and prepares the agent.
func NewClient(cfg ClientConfig, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Role == "" {
		cfg.Role = "worker"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 60 * time.Second
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 2
	}
	return &Client{
		cfg:       cfg,
		profile:   DetectProfile(cfg.Tags),
		exec:      NewExecutor(cfg.MaxConcurrentTasks),
		log:       log.With(slog.String("device_id", cfg.DeviceID)),
		startedAt: time.Now(),
	}
}

// Run connects and serves sessions until ctx is cancelled. Each failed
// session doubles the backoff up to a minute.
func (c *Client) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("session ended, reconnecting",
			slog.Any("error", err), slog.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > time.Minute {
			backoff = time.Minute
		}
	}
}

// session runs one connection: register, then pump frames until it dies.
func (c *Client) session(ctx context.Context) error {
	dialer := net.Dialer{Timeout: 10 * time.Second}
	nc, err := dialer.DialContext(ctx, "tcp", c.cfg.CoordinatorAddr)
	if err != nil {
		return fmt.Errorf("dial coordinator: %w", err)
	}
	defer nc.Close()

	codec := protocol.NewCodec(nc, 0)
	if err := c.register(nc, codec); err != nil {
		return err
	}
	c.log.Info("registered with coordinator", slog.String("addr", c.cfg.CoordinatorAddr))

	// Single writer goroutine; results and heartbeats funnel through here.
	outbox := make(chan protocol.Message, 16)
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeErr := make(chan error, 1)
	go func() {
		for {
			select {
			case <-sessionCtx.Done():
				return
			case m := <-outbox:
				if err := codec.WriteMessage(m); err != nil {
					select {
					case writeErr <- err:
					default:
					}
					cancel()
					return
				}
			}
		}
	}()

	go c.heartbeatLoop(sessionCtx, outbox)
	go func() {
		<-sessionCtx.Done()
		nc.Close()
	}()

	for {
		msg, err := codec.ReadMessage()
		if err != nil {
			select {
			case werr := <-writeErr:
				return fmt.Errorf("write failed: %w", werr)
			default:
			}
			return fmt.Errorf("read failed: %w", err)
		}
		c.handleMessage(sessionCtx, msg, outbox)
	}
}

// register performs the handshake on a fresh connection.
func (c *Client) register(nc net.Conn, codec *protocol.Codec) error {
	msg, err := protocol.New(protocol.MsgRegister, c.cfg.DeviceID, protocol.RegisterData{
		DeviceID:           c.cfg.DeviceID,
		Role:               c.cfg.Role,
		Platform:           c.profile.Platform,
		Architecture:       c.profile.Architecture,
		RuntimeVersion:     c.profile.RuntimeVersion,
		Capabilities:       c.profile.Capabilities,
		SupportedTaskTypes: c.exec.TaskTypes(),
		MaxConcurrentTasks: c.cfg.MaxConcurrentTasks,
	})
	if err != nil {
		return err
	}
	if err := codec.WriteMessage(msg); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	nc.SetReadDeadline(time.Now().Add(15 * time.Second))
	defer nc.SetReadDeadline(time.Time{})

	reply, err := codec.ReadMessage()
	if err != nil {
		return fmt.Errorf("await register_ack: %w", err)
	}
	if reply.MessageType != protocol.MsgRegisterAck {
		return fmt.Errorf("expected register_ack, got %s", reply.MessageType)
	}
	var ack protocol.RegisterAckData
	if err := reply.DecodeData(&ack); err != nil {
		return err
	}
	if !ack.Accepted {
		return fmt.Errorf("registration rejected: %s", ack.Reason)
	}
	return nil
}

func (c *Client) heartbeatLoop(ctx context.Context, outbox chan<- protocol.Message) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := SampleMetrics(c.exec.Active(), c.startedAt)
			c.post(ctx, outbox, protocol.MustNew(protocol.MsgHeartbeat, c.cfg.DeviceID, protocol.HeartbeatData{
				CPUPercent:    m.CPUPercent,
				MemoryPercent: m.MemoryPercent,
				ActiveTasks:   m.ActiveTasks,
				UptimeSeconds: m.UptimeSeconds,
			}))
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, msg protocol.Message, outbox chan<- protocol.Message) {
	switch msg.MessageType {
	case protocol.MsgTaskAssign:
		var assign protocol.TaskAssignData
		if err := msg.DecodeData(&assign); err != nil {
			c.post(ctx, outbox, protocol.NewError(c.cfg.DeviceID, err.Error(), msg.MessageID))
			return
		}
		c.log.Info("task assigned",
			slog.String("task_id", assign.TaskID),
			slog.String("task_type", assign.TaskType),
			slog.Int("attempt", assign.Attempt))
		go func() {
			res := c.exec.Execute(ctx, assign)
			c.post(ctx, outbox, protocol.MustNew(protocol.MsgTaskResult, c.cfg.DeviceID, res))
			c.log.Info("task finished",
				slog.String("task_id", res.TaskID),
				slog.String("status", res.Status))
		}()

	case protocol.MsgTaskCancel:
		var cancel protocol.TaskCancelData
		if err := msg.DecodeData(&cancel); err == nil {
			// Best effort: running handlers only stop at their next ctx check.
			c.log.Info("task cancel requested",
				slog.String("task_id", cancel.TaskID),
				slog.String("reason", cancel.Reason))
		}

	case protocol.MsgHeartbeatAck, protocol.MsgRegisterAck, protocol.MsgStatusReply:
		// Acks need no action.

	case protocol.MsgError:
		var e protocol.ErrorData
		if err := msg.DecodeData(&e); err == nil {
			c.log.Warn("coordinator reported error", slog.String("error", e.Error))
		}

	default:
		c.post(ctx, outbox, protocol.NewError(c.cfg.DeviceID,
			fmt.Sprintf("unexpected message type %s", msg.MessageType), msg.MessageID))
	}
}

// post enqueues unless the session is already gone.
func (c *Client) post(ctx context.Context, outbox chan<- protocol.Message, m protocol.Message) {
	select {
	case outbox <- m:
	case <-ctx.Done():
	}
}

// Profile exposes the detected hardware profile, mostly for logging.
func (c *Client) Profile() Profile {
	return c.profile
}

// Capabilities returns the advertised capability set.
func (c *Client) Capabilities() models.Capabilities {
	return c.profile.Capabilities
}
