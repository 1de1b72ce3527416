package clientconnect

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftline/vpncore/internal/creds"
	"github.com/driftline/vpncore/internal/model"
	"github.com/driftline/vpncore/internal/remotelist"
	"github.com/driftline/vpncore/internal/statsevents"
	"github.com/driftline/vpncore/internal/tlssession"
	"github.com/driftline/vpncore/internal/transport"
	"github.com/driftline/vpncore/internal/tun"
	"github.com/driftline/vpncore/pkg/config"
)

const commandQueueSize = 32

// tunReadBufferSize bounds one Read off the platform tun device. 65535
// covers the largest IP packet a tunnel MTU could plausibly push.
const tunReadBufferSize = 65535

// defaultConnectTimeout, defaultHandWindow, and the back-off bounds below
// apply whenever the profile leaves the corresponding directive unset.
const (
	defaultConnectTimeout = 10 * time.Second
	defaultHandWindow     = 60 * time.Second
	backoffInitial        = 1 * time.Second
	backoffMax            = 5 * time.Second
)

// ErrStopped is returned by Connect when a Stop command ended the outer loop.
var ErrStopped = errors.New("clientconnect: stopped")

// ErrConnectionTimeout is returned by Connect when conn_timeout elapsed and
// the host's PauseOnConnectionTimeout declined to pause.
var ErrConnectionTimeout = errors.New("clientconnect: total connection timeout exceeded")

// errContinueOuterLoop is steadyState's internal signal that the tunnel left
// the connected state for a reason the outer loop should recover from
// (session failure, pause/resume, reconnect) rather than return to the
// caller.
var errContinueOuterLoop = errors.New("clientconnect: continue outer loop")

type commandKind int

const (
	cmdStop commandKind = iota
	cmdPause
	cmdResume
	cmdReconnect
	cmdPostCC
	cmdSendACC
)

type command struct {
	kind    commandKind
	text    string
	delay   time.Duration
	proto   string
	payload []byte
}

// Session is the per-connection orchestrator: it owns the remote cursor,
// credentials, transport, and running tunnel for one logical connection
// attempt sequence, and exposes a foreign-thread-safe command surface.
type Session struct {
	cfg   *config.Config
	opts  *config.OpenVPNOptions
	host  *Host
	creds creds.Credentials

	remotes *remotelist.List
	stats   statsevents.Bank
	errs    statsevents.ErrorBank

	commands chan command
	ready    atomic.Bool

	mu        sync.Mutex
	current   *tun.T
	paused    bool
	tunDevice io.ReadWriteCloser
	tunStop   chan struct{}
}

// NewSession builds a Session from a parsed configuration, credentials, and
// the host capability struct. The session does not connect until Connect is
// called.
func NewSession(cfg *config.Config, creds creds.Credentials, host *Host) *Session {
	opts := cfg.OpenVPNOptions()
	s := &Session{
		opts:     opts,
		host:     host,
		creds:    creds,
		remotes:  remotelist.New(opts),
		commands: make(chan command, commandQueueSize),
	}
	if host.RemoteOverride != nil {
		s.remotes.SetOverrideHook(host.RemoteOverride)
	}

	sign := cfg.ExternalPKISign()
	if sign == nil && opts.ExternalPKI && host.ExternalPKISign != nil {
		sign = host.ExternalPKISign
	}
	s.cfg = config.NewConfig(
		config.WithOpenVPNOptions(opts),
		config.WithLogger(cfg.Logger()),
		config.WithHandshakeTracer(cfg.Tracer()),
		config.WithExternalPKISign(sign),
		config.WithErrorBank(&s.errs),
	)
	return s
}

// Stats returns the live stat counters; safe to call from any thread.
func (s *Session) Stats() *statsevents.Bank { return &s.stats }

// Errors returns the live error counters; safe to call from any thread.
func (s *Session) Errors() *statsevents.ErrorBank { return &s.errs }

// enableForeignThreadAccess flips the ready gate once the loop is fully
// wired, matching enable_foreign_thread_access(): commands posted before
// this point are silently dropped.
func (s *Session) enableForeignThreadAccess() { s.ready.Store(true) }

func (s *Session) postCommand(c command) {
	if !s.ready.Load() {
		return
	}
	select {
	case s.commands <- c:
	default:
		s.host.logf("clientconnect: command queue full, dropping %v", c.kind)
	}
}

// Stop ends the outer loop at the next opportunity. stop always wins over
// any other pending command.
func (s *Session) Stop() { s.postCommand(command{kind: cmdStop}) }

// Pause tears down the current transport but keeps credentials, remote
// cursor, session token, and stats, so Resume can pick up where it left off.
func (s *Session) Pause(reason string) { s.postCommand(command{kind: cmdPause, text: reason}) }

// Resume restarts the outer loop from the current remote cursor.
func (s *Session) Resume() { s.postCommand(command{kind: cmdResume}) }

// Reconnect forces a fresh handshake after delay, reusing the session token
// if one was set.
func (s *Session) Reconnect(delay time.Duration) {
	s.postCommand(command{kind: cmdReconnect, delay: delay})
}

// PostControlChannelMessage queues an application-level control-channel
// message for the engine to deliver to the server.
func (s *Session) PostControlChannelMessage(text string) {
	s.postCommand(command{kind: cmdPostCC, text: text})
}

// SendAppControlChannelMessage queues an ACC,<proto>,<payload> message.
func (s *Session) SendAppControlChannelMessage(proto string, payload []byte) {
	s.postCommand(command{kind: cmdSendACC, proto: proto, payload: payload})
}

// Connect runs the outer loop until it succeeds and then blocks in steady
// state, or until ctx is cancelled, Stop is called, or every remote is
// exhausted and conn_timeout expires without a pause.
func (s *Session) Connect(ctx context.Context) error {
	defer s.ready.Store(false)

	connTimeout := time.Duration(s.opts.ConnTimeout) * time.Second
	var deadline <-chan time.Time
	if connTimeout > 0 {
		timer := time.NewTimer(connTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	backoff := backoffInitial
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			if s.host.PauseOnConnectionTimeout != nil && s.host.PauseOnConnectionTimeout() {
				s.host.emit(newEvent(model.EventPause, ""))
				s.setPaused(true)
				werr := s.waitForResumeOrStop(ctx)
				s.setPaused(false)
				if werr != nil {
					return werr
				}
				continue
			}
			s.host.emit(fatalEvent(model.EventDisconnected, "connection timeout"))
			return ErrConnectionTimeout
		default:
		}

		err := s.attempt(ctx)
		if err == nil {
			s.enableForeignThreadAccess()
			backoff = backoffInitial
			if serr := s.steadyState(ctx); !errors.Is(serr, errContinueOuterLoop) {
				return serr
			}
			continue
		}
		if errors.Is(err, ErrStopped) {
			return err
		}

		s.host.emit(newEvent(model.EventReconnecting, err.Error()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		case c := <-s.commands:
			if c.kind == cmdStop {
				return ErrStopped
			}
		}
		backoff *= 2
		max := backoffMax
		if s.opts.ConnectRetryMax > 0 {
			max = time.Duration(s.opts.ConnectRetryMax) * time.Second
		}
		if backoff > max {
			backoff = max
		}
	}
}

// attempt runs one pass of the outer loop body: pick the next remote,
// connect a transport, and drive the protocol handshake to completion.
func (s *Session) attempt(ctx context.Context) error {
	remote, err := s.remotes.Next(ctx)
	if err != nil {
		return fmt.Errorf("clientconnect: %w", err)
	}
	s.host.emit(newEvent(model.EventResolve, remote.String()))
	s.host.emit(newEvent(model.EventConnecting, remote.String()))

	connectTimeout := defaultConnectTimeout
	if s.opts.ConnectTimeout > 0 {
		connectTimeout = time.Duration(s.opts.ConnectTimeout) * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	tr := s.newTransport(remote)
	addr := remote.Host + ":" + remote.Port
	// recv is nil: once the handshake starts, tun.StartTUN reads this
	// same connection itself, so no second reader may be attached here.
	if err := tr.StartConnect(connectCtx, addr, nil); err != nil {
		s.errs.Incr(statsevents.TransportError)
		return fmt.Errorf("clientconnect: transport connect: %w", err)
	}

	s.host.emit(newEvent(model.EventWait, ""))

	handWindow := defaultHandWindow
	if s.opts.HandshakeWindow > 0 {
		handWindow = time.Duration(s.opts.HandshakeWindow) * time.Second
	}
	handshakeCtx, handCancel := context.WithTimeout(ctx, handWindow)
	defer handCancel()

	conn := transport.WrapWithStats(tr.Conn(), &s.stats)
	t, err := tun.StartTUN(handshakeCtx, conn, s.cfg)
	if err != nil {
		tr.Stop()
		var authErr *tlssession.AuthFailedError
		if errors.As(err, &authErr) && authErr.Cookie != nil {
			s.mu.Lock()
			s.creds.DynamicChallengeCookie = authErr.Cookie
			s.mu.Unlock()
			s.errs.Incr(statsevents.AuthFailed)
			s.host.emit(model.Event{
				ID:        model.EventDynamicChallenge,
				Name:      model.EventDynamicChallenge.String(),
				HumanText: authErr.Cookie.ChallengeText,
				Payload:   authErr.Cookie,
			})
			s.host.emit(newEvent(model.EventDisconnected, "dynamic challenge requested"))
			return fmt.Errorf("clientconnect: %w", err)
		}
		s.errs.Incr(statsevents.HandshakeTimeout)
		return fmt.Errorf("clientconnect: handshake: %w", err)
	}

	s.mu.Lock()
	s.current = t
	s.mu.Unlock()

	s.host.emit(newEvent(model.EventAssignIP, ""))
	s.host.emit(newEvent(model.EventAddRoutes, ""))

	if s.host.BuildTUN != nil {
		dev, err := s.host.BuildTUN(t.Session().TunnelInfo())
		if err != nil {
			t.Close()
			tr.Stop()
			s.mu.Lock()
			s.current = nil
			s.mu.Unlock()
			return fmt.Errorf("clientconnect: build tun: %w", err)
		}
		stop := make(chan struct{})
		s.mu.Lock()
		s.tunDevice = dev
		s.tunStop = stop
		s.mu.Unlock()
		go s.pumpTunToData(dev, t, stop)
		go s.pumpDataToTun(dev, t, stop)
	}

	s.host.emit(newEvent(model.EventConnected, remote.String()))
	return nil
}

// pumpTunToData reads plaintext IP packets off the platform tun device and
// feeds them to the data channel for encryption, until dev.Read fails or
// stop is closed.
func (s *Session) pumpTunToData(dev io.ReadWriteCloser, t *tun.T, stop <-chan struct{}) {
	buf := make([]byte, tunReadBufferSize)
	for {
		n, err := dev.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		s.stats.NoteTunRecv(n)
		select {
		case t.TUNToData <- pkt:
		case <-stop:
			return
		}
	}
}

// pumpDataToTun writes decrypted IP packets arriving from the data channel
// out to the platform tun device, until dev.Write fails or stop is closed.
func (s *Session) pumpDataToTun(dev io.ReadWriteCloser, t *tun.T, stop <-chan struct{}) {
	for {
		select {
		case pkt := <-t.DataToTUN:
			if _, err := dev.Write(pkt); err != nil {
				return
			}
			s.stats.NoteTunSend(len(pkt))
		case <-stop:
			return
		}
	}
}

func (s *Session) newTransport(remote remotelist.Remote) transport.Transport {
	switch {
	case remote.Proto.IsTCP():
		return transport.NewTCPFrame(s.host.Log, s.host.SocketProtect)
	default:
		return transport.NewUDP(s.host.Log, s.host.SocketProtect)
	}
}

// steadyState blocks processing foreign-thread commands until the running
// tunnel fails, Stop is requested, or ctx is cancelled.
func (s *Session) steadyState(ctx context.Context) error {
	s.mu.Lock()
	t := s.current
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			s.teardown()
			return ctx.Err()
		case err := <-t.Session().Failure:
			s.teardown()
			s.errs.Incr(statsevents.SessionExpired)
			s.host.emit(newEvent(model.EventReconnecting, err.Error()))
			return errContinueOuterLoop
		case c := <-s.commands:
			switch c.kind {
			case cmdStop:
				s.teardown()
				return ErrStopped
			case cmdPause:
				s.teardown()
				s.setPaused(true)
				s.host.emit(newEvent(model.EventPause, c.text))
				werr := s.waitForResumeOrStop(ctx)
				s.setPaused(false)
				if werr != nil {
					return werr
				}
				return errContinueOuterLoop
			case cmdReconnect:
				s.teardown()
				s.host.emit(newEvent(model.EventReconnecting, "reconnect requested"))
				return errContinueOuterLoop
			case cmdPostCC:
				if err := t.PostControlMessage([]byte(c.text)); err != nil {
					s.host.logf("clientconnect: post control message: %s", err)
				}
			case cmdSendACC:
				msg := []byte("ACC," + c.proto + "," + base64.StdEncoding.EncodeToString(c.payload))
				if err := t.PostControlMessage(msg); err != nil {
					s.host.logf("clientconnect: send ACC message: %s", err)
				}
			}
		}
	}
}

// waitForResumeOrStop blocks until a Resume or Stop command arrives, or ctx
// is cancelled. It returns nil on Resume (the outer loop should continue),
// and a terminal error otherwise.
func (s *Session) waitForResumeOrStop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-s.commands:
			switch c.kind {
			case cmdResume:
				s.host.emit(newEvent(model.EventResume, ""))
				return nil
			case cmdStop:
				return ErrStopped
			}
		}
	}
}

func (s *Session) setPaused(v bool) {
	s.mu.Lock()
	s.paused = v
	s.mu.Unlock()
}

// Paused reports whether the session is currently in a Pause/conn_timeout
// wait state, safe to call from any thread.
func (s *Session) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Session) teardown() {
	s.mu.Lock()
	t := s.current
	dev := s.tunDevice
	stop := s.tunStop
	s.current = nil
	s.tunDevice = nil
	s.tunStop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	if dev != nil {
		dev.Close()
	}
	if t != nil {
		t.Close()
	}
}
