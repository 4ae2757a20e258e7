package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"strings"
	"sync"

	"videoarchiver/internal/daemon"
	"videoarchiver/internal/logging"
	"videoarchiver/internal/queue"
)

// ServiceName is the JSON-RPC receiver name clients call into.
const ServiceName = "Archiver"

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logger, ctx: ctx}
	if err := rpcServer.RegisterName(ServiceName, srv); err != nil {
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:      path,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "check socket permissions and restart the daemon if needed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
	go func() {
		<-s.ctx.Done()
		_ = s.listener.Close()
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_socket_cleanup_failed"),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "remove the socket file manually"))
	}
}

// Path returns the socket path.
func (s *Server) Path() string {
	return s.path
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) log() *slog.Logger {
	if s.logger == nil {
		return logging.NewNop()
	}
	return s.logger.With(logging.String("component", "ipc"))
}

func (s *service) Enqueue(req EnqueueRequest, resp *EnqueueResponse) error {
	admissions, err := s.daemon.Engine().EnqueueMessage(s.ctx, req.GuildID, req.ChannelID, req.MessageID, req.URLs)
	if err != nil {
		return err
	}
	resp.Admissions = toAdmissions(admissions)
	s.log().Debug("enqueue via ipc",
		logging.String(logging.FieldGuildID, req.GuildID),
		logging.Int("requested", len(req.URLs)),
		logging.Int("accepted", resp.Accepted()),
		logging.String(logging.FieldEventType, "ipc_enqueue"),
	)
	return nil
}

func (s *service) Status(req StatusRequest, resp *StatusResponse) error {
	status := s.daemon.Status(s.ctx)
	*resp = StatusResponse{
		Running:         status.Running,
		PID:             status.PID,
		StartedAt:       status.Engine.StartedAt,
		LockPath:        status.LockFilePath,
		PersistencePath: status.PersistencePath,
		APIAddress:      status.APIAddress,
		Queue:           status.Engine.Status,
		Guilds:          status.Engine.Guilds,
		Persistence:     status.Engine.Persistence,
		Recovery:        status.Engine.Recovery,
	}
	if guild := strings.TrimSpace(req.GuildID); guild != "" {
		resp.Queue = s.daemon.Engine().GetStatus(guild)
	}
	return nil
}

func (s *service) Metrics(req MetricsRequest, resp *MetricsResponse) error {
	resp.Snapshot = s.daemon.Engine().GetMetrics(req.GuildID)
	return nil
}

func (s *service) Health(req HealthRequest, resp *HealthResponse) error {
	report := s.daemon.Engine().Health()
	if req.Refresh || report.CheckedAt.IsZero() {
		report = s.daemon.Engine().CheckHealth(s.ctx)
	}
	resp.Report = report
	return nil
}

func (s *service) List(req ListRequest, resp *ListResponse) error {
	statuses := make([]queue.Status, 0, len(req.Statuses))
	for _, raw := range req.Statuses {
		status, ok := queue.ParseStatus(raw)
		if !ok {
			return fmt.Errorf("unknown status %q", raw)
		}
		statuses = append(statuses, status)
	}
	resp.Items = s.daemon.Engine().Items(req.GuildID, statuses...)
	return nil
}

func (s *service) Describe(req DescribeRequest, resp *DescribeResponse) error {
	item, ok := s.daemon.Engine().Item(req.ID)
	resp.Found = ok
	resp.Item = item
	return nil
}

func (s *service) Clear(req ClearRequest, resp *ClearResponse) error {
	if strings.TrimSpace(req.GuildID) == "" {
		return errors.New("guild id is required")
	}
	resp.Removed = s.daemon.Engine().ClearQueue(req.GuildID)
	s.log().Info("queue cleared via ipc",
		logging.String(logging.FieldGuildID, req.GuildID),
		logging.Int("removed", resp.Removed),
		logging.String(logging.FieldEventType, "ipc_clear"),
	)
	return nil
}

func (s *service) Pause(_ PauseRequest, resp *PauseResponse) error {
	resp.Changed = s.daemon.Engine().Pause()
	resp.Paused = true
	return nil
}

func (s *service) Resume(_ ResumeRequest, resp *PauseResponse) error {
	resp.Changed = s.daemon.Engine().Resume()
	resp.Paused = false
	return nil
}

func (s *service) TestNotification(_ TestNotificationRequest, resp *TestNotificationResponse) error {
	cfg := s.daemon.Engine().Config()
	if strings.TrimSpace(cfg.Notifications.NtfyTopic) == "" {
		resp.Sent = false
		resp.Message = "ntfy topic not configured"
		return nil
	}
	if err := s.daemon.Engine().TestNotification(s.ctx); err != nil {
		s.log().Warn("test notification failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_test_notification_failed"),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic and network access"),
		)
		resp.Sent = false
		resp.Message = "failed to send notification: " + err.Error()
		return nil
	}
	resp.Sent = true
	resp.Message = "test notification sent"
	return nil
}
