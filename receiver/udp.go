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

// udpSocketBuffer sizes the OS receive buffer for burst absorption.
const udpSocketBuffer = 2 * 1024 * 1024

// UDPReceiver listens on a port with a dual IPv4/IPv6 socket pair and
// frames line-oriented datagrams per sender.
type UDPReceiver struct {
	port     int
	logger   *slog.Logger
	dispatch func(RawData)

	sm      stateMachine
	framer  *framer
	errLog  *rate.Limiter
	baseNow time.Time

	mu    sync.Mutex
	conn4 *net.UDPConn
	conn6 *net.UDPConn

	// restartMu serializes safeRestart between the v4 and v6 read loops;
	// gen identifies each socket binding so only the first loop to fail
	// drives a restart.
	restartMu sync.Mutex
	restarts  int
	gen       int

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewUDPReceiver creates a receiver for port; dispatch receives every
// framed line.
func NewUDPReceiver(port int, dispatch func(RawData), logger *slog.Logger) *UDPReceiver {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("protocol", "udp", "port", port)
	return &UDPReceiver{
		port:     port,
		logger:   logger,
		dispatch: dispatch,
		framer:   newFramer(logger),
		errLog:   rate.NewLimiter(rate.Every(time.Second), 5),
		baseNow:  time.Now(),
	}
}

// State returns the receiver's lifecycle state.
func (u *UDPReceiver) State() State {
	return u.sm.get()
}

// Start binds the v4 and v6 sockets and begins reading.
func (u *UDPReceiver) Start(ctx context.Context) error {
	if state := u.sm.get(); state != StateNew && state != StateStopped {
		return errors.WrapInvalid(
			fmt.Errorf("cannot start from state %s", state),
			"UDPReceiver", "Start", "state validation")
	}
	u.sm.set(StateStarting)

	if err := retry.Do(ctx, retry.DefaultConfig(), u.bindSockets); err != nil {
		u.sm.set(StateStopped)
		return err
	}

	u.mu.Lock()
	u.shutdown = make(chan struct{})
	conn4, conn6, gen := u.conn4, u.conn6, u.gen
	u.mu.Unlock()

	u.sm.set(StateRunning)
	u.restarts = 0

	u.wg.Add(2)
	go func() {
		defer u.wg.Done()
		u.readLoop(ctx, conn4, "udp4", gen)
	}()
	go func() {
		defer u.wg.Done()
		u.readLoop(ctx, conn6, "udp6", gen)
	}()

	return nil
}

func (u *UDPReceiver) bindSockets() error {
	conn4, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: u.port})
	if err != nil {
		return errors.WrapTransient(err, "UDPReceiver", "bindSockets", "v4 socket listen")
	}
	conn6, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6unspecified, Port: u.port})
	if err != nil {
		_ = conn4.Close()
		return errors.WrapTransient(err, "UDPReceiver", "bindSockets", "v6 socket listen")
	}

	for _, conn := range []*net.UDPConn{conn4, conn6} {
		if err := conn.SetReadBuffer(udpSocketBuffer); err != nil {
			u.logger.Warn("could not set UDP buffer size",
				"buffer_size", udpSocketBuffer, "error", err)
		}
	}

	u.mu.Lock()
	u.conn4, u.conn6 = conn4, conn6
	u.gen++
	u.mu.Unlock()
	return nil
}

// Stop closes both sockets. A receiver that was never started stops
// cleanly.
func (u *UDPReceiver) Stop() error {
	state := u.sm.get()
	if state == StateDestroyed {
		return nil
	}
	if state != StateRunning && state != StateStarting {
		u.sm.set(StateStopped)
		return nil
	}
	u.sm.set(StateStopping)

	u.closeSockets()
	u.wg.Wait()
	u.framer.reset()
	u.sm.set(StateStopped)
	return nil
}

func (u *UDPReceiver) closeSockets() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.shutdown != nil {
		select {
		case <-u.shutdown:
		default:
			close(u.shutdown)
		}
	}
	if u.conn4 != nil {
		_ = u.conn4.Close()
		u.conn4 = nil
	}
	if u.conn6 != nil {
		_ = u.conn6.Close()
		u.conn6 = nil
	}
}

func (u *UDPReceiver) readLoop(ctx context.Context, conn *net.UDPConn, proto string, gen int) {
	chunk := make([]byte, 64*1024)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if u.sm.get() != StateRunning {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := conn.ReadFromUDP(chunk)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			if u.sm.get() != StateRunning {
				return
			}
			u.safeRestart(ctx, gen)
			return
		}

		senderKey := fmt.Sprintf("udp-%s-%d", addr.IP.String(), addr.Port)
		now := time.Now()
		u.framer.feed(senderKey, chunk[:n], func(line []byte) {
			data := make([]byte, len(line))
			copy(data, line)
			u.dispatch(RawData{
				Data:      data,
				SenderKey: senderKey,
				Protocol:  proto,
				Timestamp: now,
				HRTime:    now.Sub(u.baseNow).Nanoseconds(),
			})
		})
	}
}

// safeRestart closes and reopens both sockets after RestartDelay, giving
// up to DESTROYED after MaxRestartAttempts consecutive failures.
func (u *UDPReceiver) safeRestart(ctx context.Context, fromGen int) {
	u.restartMu.Lock()
	defer u.restartMu.Unlock()

	if u.sm.get() != StateRunning {
		return
	}
	// The sibling read loop may already have driven this restart.
	u.mu.Lock()
	stale := u.gen != fromGen
	u.mu.Unlock()
	if stale {
		return
	}

	u.restarts++
	if u.restarts > MaxRestartAttempts {
		u.logger.Error("receiver exhausted restart budget, destroying",
			"attempts", u.restarts-1)
		u.closeSockets()
		u.sm.set(StateDestroyed)
		return
	}

	if u.errLog.Allow() {
		u.logger.Warn("receiver error, restarting",
			"attempt", u.restarts, "delay", RestartDelay.String())
	}

	u.closeSockets()

	select {
	case <-ctx.Done():
		u.sm.set(StateStopped)
		return
	case <-time.After(RestartDelay):
	}

	if u.sm.get() != StateRunning {
		return
	}

	if err := u.bindSockets(); err != nil {
		u.retryRestartLocked(ctx)
		return
	}

	u.mu.Lock()
	u.shutdown = make(chan struct{})
	conn4, conn6, gen := u.conn4, u.conn6, u.gen
	u.mu.Unlock()
	u.restarts = 0

	u.wg.Add(2)
	go func() {
		defer u.wg.Done()
		u.readLoop(ctx, conn4, "udp4", gen)
	}()
	go func() {
		defer u.wg.Done()
		u.readLoop(ctx, conn6, "udp6", gen)
	}()
}

// retryRestartLocked continues the restart loop after a failed rebind.
// Caller holds restartMu.
func (u *UDPReceiver) retryRestartLocked(ctx context.Context) {
	for {
		u.restarts++
		if u.restarts > MaxRestartAttempts {
			u.logger.Error("receiver exhausted restart budget, destroying",
				"attempts", u.restarts-1)
			u.closeSockets()
			u.sm.set(StateDestroyed)
			return
		}

		select {
		case <-ctx.Done():
			u.sm.set(StateStopped)
			return
		case <-time.After(RestartDelay):
		}
		if u.sm.get() != StateRunning {
			return
		}

		if err := u.bindSockets(); err != nil {
			continue
		}

		u.mu.Lock()
		u.shutdown = make(chan struct{})
		conn4, conn6, gen := u.conn4, u.conn6, u.gen
		u.mu.Unlock()
		u.restarts = 0

		u.wg.Add(2)
		go func() {
			defer u.wg.Done()
			u.readLoop(ctx, conn4, "udp4", gen)
		}()
		go func() {
			defer u.wg.Done()
			u.readLoop(ctx, conn6, "udp6", gen)
		}()
		return
	}
}
