package kernel

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cmejia91/kernelhub/internal/config"
	"github.com/cmejia91/kernelhub/internal/runtime"
)

// maxFrame bounds one inbound envelope line.
const maxFrame = 1 << 20

// Session is one kernel process bound to a session id. Envelopes travel as
// JSON lines over the child's stdin/stdout; stderr is drained to the log.
// Closing stdin is the EOF shutdown signal for stdio kernels, sent right
// after the shutdown request envelope.
type Session struct {
	id   string
	name string
	md   runtime.Metadata
	mode runtime.SessionMode
	spec Spec
	cfg  config.Provider
	log  *slog.Logger

	stateCh chan runtime.State
	msgCh   chan runtime.Message
	exitCh  chan runtime.Exit

	// wmu serializes writes to the child's stdin.
	wmu   sync.Mutex
	stdin io.WriteCloser
	enc   *json.Encoder

	mu            sync.Mutex
	cmd           *exec.Cmd
	state         runtime.State
	pending       map[string]chan Envelope
	misses        int
	pendingReason runtime.ExitReason
	restarting    bool
	ended         bool
	procDone      chan struct{}
	hbCancel      context.CancelFunc
	alive         chan struct{}
	aliveOnce     *sync.Once
}

// NewSession builds an unstarted kernel session.
func NewSession(spec Spec, md runtime.Metadata, sessionID, sessionName string, mode runtime.SessionMode, cfg config.Provider, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:      sessionID,
		name:    sessionName,
		md:      md,
		mode:    mode,
		spec:    spec,
		cfg:     cfg,
		log:     logger.With("session_id", sessionID),
		stateCh: make(chan runtime.State, 16),
		msgCh:   make(chan runtime.Message, 64),
		exitCh:  make(chan runtime.Exit, 1),
		pending: make(map[string]chan Envelope),
		state:   runtime.StateUninitialized,
	}
}

func (s *Session) ID() string                 { return s.id }
func (s *Session) Name() string               { return s.name }
func (s *Session) Metadata() runtime.Metadata { return s.md }
func (s *Session) Mode() runtime.SessionMode  { return s.mode }

func (s *Session) StateChanges() <-chan runtime.State { return s.stateCh }
func (s *Session) Messages() <-chan runtime.Message   { return s.msgCh }
func (s *Session) Exited() <-chan runtime.Exit        { return s.exitCh }

// RuntimeState returns the transport's view of the session state.
func (s *Session) RuntimeState() runtime.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start spawns the kernel process and performs the liveness handshake. It
// returns once the kernel produced its first envelope.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != runtime.StateUninitialized {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("session already started (state %s)", state)
	}
	s.state = runtime.StateStarting
	s.mu.Unlock()
	s.emitState(runtime.StateStarting)

	if err := s.spawn(); err != nil {
		return err
	}
	if err := s.handshake(ctx); err != nil {
		s.kill(runtime.ExitError)
		return err
	}

	hbCtx, hbCancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.hbCancel = hbCancel
	s.mu.Unlock()
	go s.heartbeat(hbCtx)

	s.setAndEmit(runtime.StateReady)
	return nil
}

// spawn starts the child process and its pipe pumps.
func (s *Session) spawn() error {
	cmd := exec.Command(s.spec.Argv[0], s.spec.Argv[1:]...)
	cmd.Env = os.Environ()
	for k, v := range s.spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env, "KERNELHUB_SESSION_ID="+s.id)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn kernel %v: %w", s.spec.Argv, err)
	}
	s.log.Info("kernel spawned", "pid", cmd.Process.Pid, "argv", s.spec.Argv)

	s.wmu.Lock()
	s.stdin = stdin
	s.enc = json.NewEncoder(stdin)
	s.wmu.Unlock()

	s.mu.Lock()
	s.cmd = cmd
	s.misses = 0
	s.procDone = make(chan struct{})
	s.alive = make(chan struct{})
	s.aliveOnce = &sync.Once{}
	done := s.procDone
	s.mu.Unlock()

	go s.readLoop(stdout)
	go s.drainStderr(stderr)
	go s.waitProcess(cmd, done)
	return nil
}

// handshake sends a kernel info request and waits for the first envelope
// the kernel produces, bounded by the startup timeout.
func (s *Session) handshake(ctx context.Context) error {
	s.mu.Lock()
	alive := s.alive
	done := s.procDone
	s.mu.Unlock()

	if err := s.send(NewEnvelope(MsgKernelInfoRequest, s.id, nil)); err != nil {
		return err
	}

	budget := s.cfg().StartupTimeout
	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case <-alive:
		return nil
	case <-done:
		return errors.New("kernel exited during startup")
	case <-timer.C:
		return &runtime.TimeoutError{Op: "startup", SessionID: s.id, Budget: budget}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interrupt signals the kernel process to stop the current execution.
func (s *Session) Interrupt(context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return errors.New("kernel not running")
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		return fmt.Errorf("failed to interrupt kernel: %w", err)
	}
	return nil
}

// Shutdown requests a graceful end: a shutdown envelope followed by EOF on
// the kernel's stdin.
func (s *Session) Shutdown(_ context.Context, reason runtime.ExitReason) error {
	s.mu.Lock()
	s.pendingReason = reason
	s.mu.Unlock()

	err := s.send(NewEnvelope(MsgShutdownRequest, s.id, map[string]any{"restart": false}))
	s.closeStdin()
	return err
}

// ForceQuit kills the kernel process without negotiation.
func (s *Session) ForceQuit(context.Context) error {
	s.kill(runtime.ExitForcedQuit)
	return nil
}

// Restart restarts the kernel in place: graceful stop (killing after the
// shutdown budget), then a fresh spawn on the same session id. The state
// stream reports Exiting, Exited, Starting, Ready; the Exited event stream
// stays silent because the session is not over.
func (s *Session) Restart(ctx context.Context) error {
	s.mu.Lock()
	if s.restarting {
		s.mu.Unlock()
		return nil
	}
	s.restarting = true
	s.pendingReason = runtime.ExitRestart
	done := s.procDone
	if s.hbCancel != nil {
		s.hbCancel()
		s.hbCancel = nil
	}
	s.mu.Unlock()

	s.setAndEmit(runtime.StateExiting)
	_ = s.send(NewEnvelope(MsgShutdownRequest, s.id, map[string]any{"restart": true}))
	s.closeStdin()

	timer := time.NewTimer(s.cfg().ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.kill(runtime.ExitRestart)
		<-done
	case <-ctx.Done():
		s.mu.Lock()
		s.restarting = false
		s.mu.Unlock()
		return ctx.Err()
	}

	s.setAndEmit(runtime.StateStarting)
	if err := s.spawn(); err != nil {
		s.finishRestart()
		return err
	}
	if err := s.handshake(ctx); err != nil {
		s.kill(runtime.ExitError)
		s.finishRestart()
		return err
	}

	hbCtx, hbCancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.hbCancel = hbCancel
	s.mu.Unlock()
	go s.heartbeat(hbCtx)

	s.finishRestart()
	s.setAndEmit(runtime.StateReady)
	return nil
}

func (s *Session) finishRestart() {
	s.mu.Lock()
	s.restarting = false
	s.pendingReason = ""
	s.mu.Unlock()
}

// CreateClient opens a comm channel and waits for the kernel's ack.
func (s *Session) CreateClient(ctx context.Context, clientType runtime.ClientType, params map[string]any) (string, error) {
	commID := uuid.NewString()
	env := NewEnvelope(MsgCommOpen, s.id, map[string]any{
		"comm_id":     commID,
		"target_name": string(clientType),
		"data":        params,
	})
	if _, err := s.request(ctx, env); err != nil {
		return "", fmt.Errorf("comm open for %s not acknowledged: %w", clientType, err)
	}
	return commID, nil
}

// RemoveClient closes a comm channel. Close is fire-and-forget; the
// kernel's own close notification is advisory.
func (s *Session) RemoveClient(_ context.Context, clientID string) error {
	return s.send(NewEnvelope(MsgCommClose, s.id, map[string]any{"comm_id": clientID}))
}

// SendClientMessage routes a payload to an open comm channel. The caller's
// message id becomes the envelope id so the backend can correlate replies.
func (s *Session) SendClientMessage(_ context.Context, clientID, messageID string, payload map[string]any) error {
	env := NewEnvelope(MsgCommMsg, s.id, map[string]any{
		"comm_id": clientID,
		"data":    payload,
	})
	if messageID != "" {
		env.Header.MsgID = messageID
	}
	return s.send(env)
}

// OpenResource asks the kernel to open a resource on the user's behalf.
// This is the optional ResourceOpener capability.
func (s *Session) OpenResource(ctx context.Context, resource string) (bool, error) {
	env := NewEnvelope("open_resource", s.id, map[string]any{"resource": resource})
	reply, err := s.request(ctx, env)
	if err != nil {
		return false, err
	}
	ok, _ := reply.Content["ok"].(bool)
	return ok, nil
}

// request sends an envelope and waits for the reply correlated by parent
// header.
func (s *Session) request(ctx context.Context, env Envelope) (Envelope, error) {
	ch := make(chan Envelope, 1)
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return Envelope{}, errors.New("session ended")
	}
	s.pending[env.Header.MsgID] = ch
	done := s.procDone
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, env.Header.MsgID)
		s.mu.Unlock()
	}()

	if err := s.send(env); err != nil {
		return Envelope{}, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return Envelope{}, errors.New("kernel exited before replying")
		}
		return reply, nil
	case <-done:
		return Envelope{}, errors.New("kernel exited before replying")
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (s *Session) send(env Envelope) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.enc == nil || s.stdin == nil {
		return errors.New("kernel stdin closed")
	}
	if err := s.enc.Encode(env); err != nil {
		return fmt.Errorf("failed to write envelope: %w", err)
	}
	return nil
}

func (s *Session) closeStdin() {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.stdin != nil {
		_ = s.stdin.Close()
		s.stdin = nil
		s.enc = nil
	}
}

// kill terminates the process, recording reason when no graceful reason
// was set yet.
func (s *Session) kill(reason runtime.ExitReason) {
	s.mu.Lock()
	if s.pendingReason == "" {
		s.pendingReason = reason
	}
	cmd := s.cmd
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// readLoop decodes inbound envelopes until the kernel's stdout closes.
func (s *Session) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrame)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			s.log.Warn("dropping unparseable envelope", "error", err)
			continue
		}
		s.handleInbound(env)
	}
	if err := scanner.Err(); err != nil {
		s.log.Debug("kernel stdout closed", "error", err)
	}
}

// handleInbound processes one envelope from the kernel: it refreshes
// liveness, resolves pending requests, and maps protocol messages to the
// typed runtime message stream.
func (s *Session) handleInbound(env Envelope) {
	s.mu.Lock()
	s.misses = 0
	s.aliveOnce.Do(func() { close(s.alive) })
	offline := s.state == runtime.StateOffline
	var reply chan Envelope
	if env.ParentHeader != nil {
		reply = s.pending[env.ParentHeader.MsgID]
		delete(s.pending, env.ParentHeader.MsgID)
	}
	s.mu.Unlock()

	if offline {
		s.setAndEmit(runtime.StateIdle)
	}
	if reply != nil {
		reply <- env
		return
	}

	switch env.Header.MsgType {
	case MsgStatus:
		switch env.str("execution_state") {
		case "busy":
			s.setAndEmit(runtime.StateBusy)
		case "idle":
			s.setAndEmit(runtime.StateIdle)
		}
	case MsgPong, MsgKernelInfoReply:
		// liveness only
	case MsgStream:
		s.emitMessage(env, runtime.KindOutput)
	case MsgCommOpen:
		s.emitMessage(env, runtime.KindCommOpen)
	case MsgCommMsg:
		s.emitMessage(env, runtime.KindCommData)
	case MsgCommClose:
		s.emitMessage(env, runtime.KindCommClosed)
	default:
		s.emitMessage(env, runtime.KindOther)
	}
}

func (s *Session) emitMessage(env Envelope, kind runtime.MessageKind) {
	msg := runtime.Message{
		ID:       env.Header.MsgID,
		Kind:     kind,
		CommID:   env.str("comm_id"),
		CommType: runtime.ClientType(env.str("target_name")),
		Payload:  env.Content,
	}
	if env.ParentHeader != nil {
		msg.ParentID = env.ParentHeader.MsgID
	}
	if data, ok := env.Content["data"].(map[string]any); ok && kind == runtime.KindCommData {
		msg.Payload = data
	}
	select {
	case s.msgCh <- msg:
	default:
		s.log.Warn("dropping runtime message, consumer behind", "msg_type", env.Header.MsgType)
	}
}

// heartbeat pings the kernel and marks the session offline after the
// configured number of consecutive misses. Any inbound envelope counts as
// liveness and resets the miss counter.
func (s *Session) heartbeat(ctx context.Context) {
	cfg := s.cfg()
	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		s.misses++
		missed := s.misses
		state := s.state
		s.mu.Unlock()

		if missed > cfg.HeartbeatMisses && state.Running() {
			s.log.Warn("kernel unresponsive, marking offline", "misses", missed)
			s.setAndEmit(runtime.StateOffline)
		}
		if err := s.send(NewEnvelope(MsgPing, s.id, nil)); err != nil {
			return
		}
	}
}

// waitProcess reaps the child and reports the end of the run. During an
// in-place restart only the state stream reports Exited; the run is not
// over, so the exit stream stays silent.
func (s *Session) waitProcess(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	code := exitCode(err)

	s.mu.Lock()
	reason := s.pendingReason
	restarting := s.restarting
	if s.hbCancel != nil && !restarting {
		s.hbCancel()
		s.hbCancel = nil
	}
	for id, ch := range s.pending {
		delete(s.pending, id)
		close(ch)
	}
	if !restarting {
		s.ended = true
	}
	s.mu.Unlock()
	s.closeStdin()

	s.setAndEmit(runtime.StateExited)
	close(done)

	if restarting {
		return
	}

	if reason == "" {
		if code != 0 {
			reason = runtime.ExitError
		} else {
			reason = runtime.ExitUnknown
		}
	}
	exit := runtime.Exit{Code: code, Reason: reason}
	if err != nil {
		exit.Message = err.Error()
	}
	s.log.Info("kernel exited", "code", code, "reason", string(reason))
	s.exitCh <- exit
}

func (s *Session) setAndEmit(state runtime.State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()
	select {
	case s.stateCh <- state:
	default:
		s.log.Warn("dropping state change, consumer behind", "state", state.String())
	}
}

func (s *Session) emitState(state runtime.State) {
	select {
	case s.stateCh <- state:
	default:
	}
}

func (s *Session) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		s.log.Debug("kernel stderr", "line", scanner.Text())
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
