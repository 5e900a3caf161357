package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/blheatwole/f5-telemetry-streaming/errors"
	"github.com/blheatwole/f5-telemetry-streaming/pkg/retry"
)

// TCPReceiver accepts connections on a port and frames line-oriented data
// per connection. One receiver is shared by every listener on the port.
type TCPReceiver struct {
	port     int
	logger   *slog.Logger
	dispatch func(RawData)

	sm      stateMachine
	framer  *framer
	errLog  *rate.Limiter
	baseNow time.Time

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]net.Conn

	restarts int

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewTCPReceiver creates a receiver for port; dispatch receives every
// framed line.
func NewTCPReceiver(port int, dispatch func(RawData), logger *slog.Logger) *TCPReceiver {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("protocol", "tcp", "port", port)
	return &TCPReceiver{
		port:     port,
		logger:   logger,
		dispatch: dispatch,
		framer:   newFramer(logger),
		errLog:   rate.NewLimiter(rate.Every(time.Second), 5),
		baseNow:  time.Now(),
		conns:    make(map[string]net.Conn),
	}
}

// State returns the receiver's lifecycle state.
func (t *TCPReceiver) State() State {
	return t.sm.get()
}

// Start opens the listening socket and begins accepting.
func (t *TCPReceiver) Start(ctx context.Context) error {
	if state := t.sm.get(); state != StateNew && state != StateStopped {
		return errors.WrapInvalid(
			fmt.Errorf("cannot start from state %s", state),
			"TCPReceiver", "Start", "state validation")
	}
	t.sm.set(StateStarting)

	listener, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (net.Listener, error) {
		return net.Listen("tcp", fmt.Sprintf(":%d", t.port))
	})
	if err != nil {
		t.sm.set(StateStopped)
		return errors.WrapTransient(err, "TCPReceiver", "Start", "socket listen")
	}

	t.mu.Lock()
	t.listener = listener
	t.shutdown = make(chan struct{})
	t.mu.Unlock()

	t.sm.set(StateRunning)
	t.restarts = 0

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.acceptLoop(ctx)
	}()

	return nil
}

// Stop closes the socket and every open connection. A receiver that was
// never started stops cleanly.
func (t *TCPReceiver) Stop() error {
	state := t.sm.get()
	if state == StateDestroyed {
		return nil
	}
	if state != StateRunning && state != StateStarting {
		t.sm.set(StateStopped)
		return nil
	}
	t.sm.set(StateStopping)

	t.closeSockets()
	t.wg.Wait()
	t.framer.reset()
	t.sm.set(StateStopped)
	return nil
}

func (t *TCPReceiver) closeSockets() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.shutdown != nil {
		select {
		case <-t.shutdown:
		default:
			close(t.shutdown)
		}
	}
	if t.listener != nil {
		_ = t.listener.Close()
		t.listener = nil
	}
	for key, conn := range t.conns {
		_ = conn.Close()
		delete(t.conns, key)
	}
}

func (t *TCPReceiver) acceptLoop(ctx context.Context) {
	for {
		t.mu.Lock()
		listener := t.listener
		shutdown := t.shutdown
		t.mu.Unlock()
		if listener == nil {
			return
		}

		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-shutdown:
				return
			default:
			}
			if t.sm.get() != StateRunning {
				return
			}
			t.safeRestart(ctx)
			return
		}

		senderKey := tcpSenderKey(conn.RemoteAddr())
		t.mu.Lock()
		t.conns[senderKey] = conn
		t.mu.Unlock()

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.readConn(ctx, conn, senderKey)
		}()
	}
}

func (t *TCPReceiver) readConn(ctx context.Context, conn net.Conn, senderKey string) {
	defer func() {
		_ = conn.Close()
		t.mu.Lock()
		delete(t.conns, senderKey)
		t.mu.Unlock()
		// Buffered remainder is discarded at connection close.
		t.framer.discard(senderKey)
	}()

	chunk := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := conn.Read(chunk)
		if n > 0 {
			t.emitChunk(senderKey, chunk[:n])
		}
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if t.sm.get() != StateRunning {
					return
				}
				continue
			}
			// EOF or hard error ends the connection; the receiver itself
			// keeps running.
			return
		}
	}
}

func (t *TCPReceiver) emitChunk(senderKey string, chunk []byte) {
	now := time.Now()
	t.framer.feed(senderKey, chunk, func(line []byte) {
		data := make([]byte, len(line))
		copy(data, line)
		t.dispatch(RawData{
			Data:      data,
			SenderKey: senderKey,
			Protocol:  "tcp",
			Timestamp: now,
			HRTime:    now.Sub(t.baseNow).Nanoseconds(),
		})
	})
}

// safeRestart closes and reopens the socket after RestartDelay, giving up
// to DESTROYED after MaxRestartAttempts consecutive failures.
func (t *TCPReceiver) safeRestart(ctx context.Context) {
	t.restarts++
	if t.restarts > MaxRestartAttempts {
		t.logger.Error("receiver exhausted restart budget, destroying",
			"attempts", t.restarts-1)
		t.closeSockets()
		t.sm.set(StateDestroyed)
		return
	}

	if t.errLog.Allow() {
		t.logger.Warn("receiver error, restarting",
			"attempt", t.restarts, "delay", RestartDelay.String())
	}

	t.closeSockets()

	select {
	case <-ctx.Done():
		t.sm.set(StateStopped)
		return
	case <-time.After(RestartDelay):
	}

	if t.sm.get() != StateRunning {
		return
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", t.port))
	if err != nil {
		t.safeRestart(ctx)
		return
	}

	t.mu.Lock()
	t.listener = listener
	t.shutdown = make(chan struct{})
	t.mu.Unlock()
	t.restarts = 0

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.acceptLoop(ctx)
	}()
}

func tcpSenderKey(addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "tcp-" + addr.String()
	}
	return fmt.Sprintf("tcp-%s-%s", host, port)
}
