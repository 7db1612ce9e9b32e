// Package session implements the agent's top-level control-channel
// lifecycle: dial the orchestrator, register, run the frame dispatch loop,
// and shut down cleanly.
//
// One goroutine reads and dispatches frames off the control socket, one
// goroutine pumps each live target socket's bytes upstream as DATA frames,
// and a ticker drives the heartbeat. Every write to the control socket is
// serialized through a single mutex-guarded writer, so no tunnel can starve
// another.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coreflux/socksback/internal/dialer"
	"github.com/coreflux/socksback/internal/logging"
	"github.com/coreflux/socksback/internal/protocol"
	"github.com/coreflux/socksback/internal/recovery"
	"github.com/coreflux/socksback/internal/tunnel"
)

// Config controls session behavior.
type Config struct {
	// OrchestratorAddr is the host:port to dial.
	OrchestratorAddr string

	// Identity is the opaque payload sent in REGISTER. Defaults to
	// protocol.DefaultAgentIdentity.
	Identity string

	// DialTimeout bounds connecting to the orchestrator.
	DialTimeout time.Duration

	// ReadTimeout is the control-socket inactivity timeout (§5): if no
	// byte arrives within this window the session is torn down.
	ReadTimeout time.Duration

	// HeartbeatInterval is how long the control socket may sit idle (no
	// outbound heartbeat) before one is emitted.
	HeartbeatInterval time.Duration

	Dialer  *dialer.Dialer
	Logger  *slog.Logger
	Metrics Metrics
}

// Metrics is the subset of internal/metrics.Metrics the session reports
// to, kept as a narrow interface so the session stays testable without a
// Prometheus registry.
type Metrics interface {
	TunnelOpened()
	TunnelClosed()
	DialFailed(reply uint8)
	BytesIn(n int)
	BytesOut(n int)
	HeartbeatSent()
	HeartbeatReceived()
}

// DefaultConfig returns the defaults called out in spec §5: 30s dial
// timeout, 30s control-socket inactivity timeout, 30s heartbeat cadence.
func DefaultConfig(orchestratorAddr string) Config {
	return Config{
		OrchestratorAddr:  orchestratorAddr,
		Identity:          protocol.DefaultAgentIdentity,
		DialTimeout:       30 * time.Second,
		ReadTimeout:       30 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Session is the singleton holding the control socket, the tunnel table,
// and the session's cancellation token (§3 "Session").
type Session struct {
	cfg    Config
	logger *slog.Logger

	conn   net.Conn
	writer *protocol.FrameWriter
	writeMu sync.Mutex

	table *tunnel.Table

	lastHeartbeatMu sync.Mutex
	lastHeartbeat   time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// Dial connects to the orchestrator and sends REGISTER. The returned
// Session is ready to have Run called on it.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Identity == "" {
		cfg.Identity = protocol.DefaultAgentIdentity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = dialer.New(dialer.DefaultConfig())
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", cfg.OrchestratorAddr)
	if err != nil {
		return nil, fmt.Errorf("dial orchestrator: %w", err)
	}

	sessionCtx, sessionCancel := context.WithCancel(context.Background())

	s := &Session{
		cfg:           cfg,
		logger:        logger,
		conn:          conn,
		writer:        protocol.NewFrameWriter(conn),
		table:         tunnel.New(),
		lastHeartbeat: time.Now(),
		ctx:           sessionCtx,
		cancel:        sessionCancel,
	}

	if err := s.writeFrame(protocol.KindRegister, protocol.ConnIDSession, []byte(cfg.Identity)); err != nil {
		conn.Close()
		sessionCancel()
		return nil, fmt.Errorf("send REGISTER: %w", err)
	}

	logger.Info("registered with orchestrator",
		logging.KeyOrchestrator, cfg.OrchestratorAddr,
		logging.KeyIdentity, cfg.Identity)

	return s, nil
}

// Run drives the session until the control connection is lost, a
// transport-fatal error occurs, or ctx is canceled. It always returns
// after tearing down every tunnel and closing the control socket.
//
// The heartbeat ticker and the external-cancellation watcher are
// coordinated as an errgroup (§9's "inject, don't busy-wait" applied to
// goroutine lifecycle): both stop as soon as the session context is
// canceled, and Run waits for them before returning.
func (s *Session) Run(ctx context.Context) error {
	g, _ := errgroup.WithContext(s.ctx)

	g.Go(func() error {
		s.heartbeatLoop()
		return nil
	})

	g.Go(func() error {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.ctx.Done():
		}
		return nil
	})

	err := s.readLoop()
	s.Close()
	s.wg.Wait() // per-tunnel target pumps
	g.Wait()    // heartbeat loop + cancellation watcher
	return err
}

// readLoop is the control-socket half of the event loop (§4.5 steps 2-3):
// it blocks on the next frame, bounded by the inactivity timeout, decodes
// it, and dispatches it. A decode error or I/O error here is
// transport-fatal (§7) and ends the loop.
func (s *Session) readLoop() error {
	reader := protocol.NewFrameReader(s.conn)

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}

		frame, err := reader.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("orchestrator closed control connection")
				return nil
			}
			s.logger.Error("control socket read failed", logging.KeyError, err)
			return fmt.Errorf("read control frame: %w", err)
		}

		if err := s.dispatch(frame); err != nil {
			s.logger.Error("fatal dispatch error", logging.KeyError, err)
			return err
		}
	}
}

// dispatch handles one inbound frame per the table in §4.6. Only a decode
// desync is transport-fatal; every other error here is tunnel-local and is
// recovered without escalating (§7 propagation policy).
func (s *Session) dispatch(f *protocol.Frame) error {
	switch f.Kind {
	case protocol.KindConnect:
		s.handleConnect(f)
	case protocol.KindData:
		s.handleData(f)
	case protocol.KindClose:
		s.handleClose(f)
	case protocol.KindHeartbeat:
		s.handleHeartbeat(f)
	case protocol.KindRegister, protocol.KindNewConn, protocol.KindConnectReply:
		s.logger.Warn("unexpected frame kind from orchestrator",
			logging.KeyFrameKind, protocol.KindName(f.Kind))
	default:
		s.logger.Warn("unknown frame kind", "kind", f.Kind)
	}
	return nil
}

// handleConnect offloads the actual address parse/dial/reply work to its own
// goroutine. Dialing (§4.3) may take up to DialTimeout (default 30s); running
// it inline on the dispatch goroutine would stall DATA/CLOSE/HEARTBEAT
// processing for every other live tunnel until it finished. Under the
// goroutine-per-tunnel model the dispatch loop itself must never be
// stallable by a single CONNECT's dial.
func (s *Session) handleConnect(f *protocol.Frame) {
	s.wg.Add(1)
	go s.connectAndReply(f)
}

func (s *Session) connectAndReply(f *protocol.Frame) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "session.connect")

	addr, err := protocol.ParseAddress(f.Payload)
	if err != nil {
		s.logger.Warn("malformed CONNECT address",
			logging.KeyConnID, f.ConnID, logging.KeyError, err)
		s.replyConnect(f.ConnID, protocol.ReplyGeneralFailure)
		return
	}

	result := s.cfg.Dialer.Dial(s.ctx, addr)
	if result.Reply != protocol.ReplyOK {
		s.logger.Info("dial failed",
			logging.KeyConnID, f.ConnID,
			logging.KeyTarget, addr.String(),
			logging.KeyReplyCode, protocol.ReplyName(result.Reply))
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.DialFailed(result.Reply)
		}
		s.replyConnect(f.ConnID, result.Reply)
		return
	}

	tun, err := s.table.Open(f.ConnID, result.Conn, addr.String())
	if err != nil {
		s.logger.Warn("duplicate connection id from orchestrator",
			logging.KeyConnID, f.ConnID)
		result.Conn.Close()
		s.replyConnect(f.ConnID, protocol.ReplyGeneralFailure)
		return
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.TunnelOpened()
	}

	s.wg.Add(1)
	go s.targetPump(tun)

	s.logger.Debug("tunnel opened",
		logging.KeyConnID, f.ConnID, logging.KeyTarget, tun.Target)

	s.replyConnect(f.ConnID, protocol.ReplyOK)
}

func (s *Session) handleData(f *protocol.Frame) {
	tun := s.table.Get(f.ConnID)
	if tun == nil {
		return // unknown id: no-op per §8
	}

	if len(f.Payload) == 0 {
		return
	}

	// Bound the write the same way writeFrame bounds control-socket writes:
	// a target that stops reading must not be able to block the dispatch
	// goroutine — and every other live tunnel with it — indefinitely.
	if err := tun.Conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
		s.closeTunnelLocally(f.ConnID)
		return
	}

	if _, err := tun.Conn.Write(f.Payload); err != nil {
		s.logger.Debug("write to target failed, closing tunnel",
			logging.KeyConnID, f.ConnID, logging.KeyError, err)
		s.closeTunnelLocally(f.ConnID)
		return
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.BytesIn(len(f.Payload))
	}
}

func (s *Session) handleClose(f *protocol.Frame) {
	if tun, ok := s.table.Close(f.ConnID); ok {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.TunnelClosed()
		}
		s.logger.Debug("tunnel closed by orchestrator",
			logging.KeyConnID, f.ConnID, logging.KeyTarget, tun.Target)
	}
	// Already-closed or unknown id: no-op per §8 (CLOSE received twice).
}

func (s *Session) handleHeartbeat(f *protocol.Frame) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.HeartbeatReceived()
	}
	if err := s.writeFrame(protocol.KindHeartbeat, protocol.ConnIDSession, nil); err != nil {
		s.logger.Debug("failed to echo heartbeat", logging.KeyError, err)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.HeartbeatSent()
	}
}

// closeTunnelLocally removes id from the table, closes its socket, and —
// since the control channel is assumed alive — emits CLOSE upstream
// (§3 "Lifecycle": removal due to local condition emits CLOSE).
func (s *Session) closeTunnelLocally(id uint32) {
	tun, ok := s.table.Close(id)
	if !ok {
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.TunnelClosed()
	}
	if err := s.writeFrame(protocol.KindClose, id, nil); err != nil {
		s.logger.Debug("failed to emit CLOSE upstream",
			logging.KeyConnID, id, logging.KeyError, err)
	}
	s.logger.Debug("tunnel closed locally", logging.KeyConnID, id, logging.KeyTarget, tun.Target)
}

func (s *Session) replyConnect(id uint32, reply uint8) {
	if err := s.writeFrame(protocol.KindConnectReply, id, []byte{reply}); err != nil {
		s.logger.Debug("failed to send CONNECT_REPLY", logging.KeyConnID, id, logging.KeyError, err)
	}
}

// targetPump is the per-tunnel goroutine that reads bounded chunks from a
// target socket and frames them upstream as DATA (§4.4 read_ready, §4.5
// per-tunnel servicing). It is the one-goroutine-per-tunnel realization of
// the spec's "ready-set service a tunnel" step.
func (s *Session) targetPump(tun *tunnel.Tunnel) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "session.targetPump")

	buf := make([]byte, protocol.TargetReadSize)

	for {
		n, err := tun.Conn.Read(buf)
		if n > 0 {
			if writeErr := s.writeFrame(protocol.KindData, tun.ID, buf[:n]); writeErr != nil {
				s.closeTunnelLocally(tun.ID)
				return
			}
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.BytesOut(n)
			}
		}

		if err != nil {
			if tun.State() != tunnel.StateClosing {
				// EOF or read error: local condition, emit CLOSE upstream.
				s.closeTunnelLocally(tun.ID)
			}
			return
		}
	}
}

// heartbeatLoop emits HEARTBEAT whenever the control socket has been
// outbound-idle for HeartbeatInterval (§4.5 step 5).
func (s *Session) heartbeatLoop() {
	defer recovery.RecoverWithLog(s.logger, "session.heartbeatLoop")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.lastHeartbeatMu.Lock()
			idle := time.Since(s.lastHeartbeat)
			s.lastHeartbeatMu.Unlock()

			if idle < s.cfg.HeartbeatInterval {
				continue
			}

			if err := s.writeFrame(protocol.KindHeartbeat, protocol.ConnIDSession, nil); err != nil {
				s.logger.Debug("failed to send heartbeat", logging.KeyError, err)
				continue
			}
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.HeartbeatSent()
			}
		}
	}
}

// writeFrame serializes every write to the control socket through a single
// mutex, satisfying §5's "writes to the control socket are serialized by
// the single-threaded loop" guarantee under the goroutine-per-tunnel model.
func (s *Session) writeFrame(kind uint8, connID uint32, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if kind == protocol.KindHeartbeat {
		s.lastHeartbeatMu.Lock()
		s.lastHeartbeat = time.Now()
		s.lastHeartbeatMu.Unlock()
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
		return err
	}
	return s.writer.Write(kind, connID, payload)
}

// Close tears the session down: every tunnel is closed (without emitting
// CLOSE — the control channel is gone or going away, §4.7) and the control
// socket is closed. Close is idempotent and safe to call from any
// goroutine.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		n := s.table.CloseAll()
		if n > 0 {
			s.logger.Debug("closed tunnels on shutdown", "count", n)
		}
		err = s.conn.Close()
	})
	return err
}

// TunnelCount reports the number of live tunnels, for status/metrics use.
func (s *Session) TunnelCount() int {
	return s.table.Len()
}
