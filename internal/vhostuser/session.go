// Session-level vhost-user transport wiring: accepting the control
// socket, running the control-message loop, and driving virtqueue
// goroutines up and down as the frontend (re)configures them. The FUSE
// protocol's own session state machine (INIT/DESTROY negotiation,
// capability bits, the drain-all-handles teardown) lives in
// internal/ops.Server.Init/Destroy; this file is strictly the vhost-user
// envelope around it.
package vhostuser

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Listen opens sockPath as a UNIX socket and accepts vhost-user control
// connections on it until ctx is canceled, serving each one with a fresh
// Engine built from newEngine. A real deployment speaks to exactly one
// frontend at a time; accepting in a loop lets the frontend reconnect
// after a restart without the server needing to be relaunched.
func Listen(ctx context.Context, sockPath string, newEngine func() *Engine) error {
	unix.Unlink(sockPath)
	l, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("vhostuser: listen %s: %w", sockPath, err)
	}
	return acceptLoop(ctx, l, newEngine)
}

// ListenFD wraps an already-bound, already-listening socket file
// descriptor (handed down by a supervisor such as libvirt, which dup2's it
// to a known number before exec) and accepts on it exactly like Listen.
// The caller owns fd's lifetime up to this call; ownership of the
// resulting listener (and fd) passes to acceptLoop from here on.
func ListenFD(ctx context.Context, fd int, newEngine func() *Engine) error {
	f := os.NewFile(uintptr(fd), "vhost-user-socket")
	l, err := net.FileListener(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("vhostuser: listen on fd %d: %w", fd, err)
	}
	return acceptLoop(ctx, l, newEngine)
}

// acceptLoop accepts vhost-user control connections on l until ctx is
// canceled, serving each one with a fresh Engine built from newEngine. A
// real deployment speaks to exactly one frontend at a time; accepting in a
// loop lets the frontend reconnect after a restart without the server
// needing to be relaunched.
func acceptLoop(ctx context.Context, l net.Listener, newEngine func() *Engine) error {
	defer l.Close()

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("vhostuser: accept: %w", err)
		}
		uc, ok := conn.(*net.UnixConn)
		if !ok {
			conn.Close()
			continue
		}
		engine := newEngine()
		if err := engine.Serve(ctx, uc); err != nil && ctx.Err() == nil {
			return err
		}
	}
}

// Serve runs the control-message loop over conn: every vhost-user request
// is read, handled (with dispatchMu taken for writing around anything that
// mutates memory-table or vring state), and acknowledged, until conn
// closes or ctx is canceled.
func (e *Engine) Serve(ctx context.Context, conn *net.UnixConn) error {
	qctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		e.Wait()
		e.stop()
	}()

	for {
		h, payload, fds, err := readMsg(conn)
		if err != nil {
			if errors.Is(err, errConnClosed) {
				return nil
			}
			return err
		}

		reply, replyFDs, err := e.handle(qctx, h, payload, fds)
		if err != nil {
			return fmt.Errorf("vhostuser: handling %s: %w", h.Request, err)
		}

		switch {
		case reply != nil:
			err = writeMsg(conn, msgHeader{Request: h.Request, Flags: flagReply | (h.Flags & flagVersionMask), Size: uint32(len(reply))}, reply, replyFDs)
		case h.Flags&flagNeedReply != 0:
			err = writeMsg(conn, msgHeader{Request: h.Request, Flags: flagReply, Size: 8}, encodeU64(0), nil)
		}
		if err != nil {
			return err
		}
	}
}

// handle dispatches one decoded control message, returning the raw reply
// payload (nil for messages that only need a need_reply ack or no reply at
// all) and any fds to attach to that reply (used by GET_VRING_BASE's
// logically-fd-less but historically-fd-carrying reply path — here always
// empty, kept for symmetry with readMsg's shape).
func (e *Engine) handle(ctx context.Context, h msgHeader, payload []byte, fds []int) ([]byte, []int, error) {
	switch h.Request {
	case reqGetFeatures:
		return encodeU64(ourFeatures), nil, nil

	case reqSetFeatures:
		v, err := decodeU64(payload)
		if err != nil {
			return nil, nil, err
		}
		e.mu.Lock()
		e.features = v
		e.mu.Unlock()
		return nil, nil, nil

	case reqSetOwner:
		return nil, nil, nil

	case reqResetOwner:
		return nil, nil, nil

	case reqGetProtocolFeatures:
		return encodeU64(ourProtocolFeatures), nil, nil

	case reqSetProtocolFeatures:
		v, err := decodeU64(payload)
		if err != nil {
			return nil, nil, err
		}
		e.mu.Lock()
		e.protoFeat = v
		e.mu.Unlock()
		return nil, nil, nil

	case reqGetQueueNum:
		e.mu.RLock()
		n := len(e.queues)
		e.mu.RUnlock()
		return encodeU64(uint64(n)), nil, nil

	case reqSetMemTable:
		regions, err := decodeMemTable(payload)
		if err != nil {
			return nil, nil, err
		}
		mt, err := setMemTable(regions, fds)
		if err != nil {
			return nil, nil, err
		}
		e.dispatchMu.Lock()
		old := e.mem
		e.mem = mt
		e.mu.Lock()
		for _, q := range e.queues {
			q.mem = mt
		}
		e.mu.Unlock()
		e.dispatchMu.Unlock()
		if old != nil {
			old.unmapAll()
		}
		return nil, nil, nil

	case reqSetVringNum:
		m, err := decodeVringState(payload)
		if err != nil {
			return nil, nil, err
		}
		q, err := e.queue(int(m.Index))
		if err != nil {
			return nil, nil, err
		}
		e.dispatchMu.Lock()
		q.num = int(m.Num)
		e.dispatchMu.Unlock()
		return nil, nil, nil

	case reqSetVringAddr:
		a, err := decodeVringAddr(payload)
		if err != nil {
			return nil, nil, err
		}
		q, err := e.queue(int(a.Index))
		if err != nil {
			return nil, nil, err
		}
		e.mu.RLock()
		mt := e.mem
		e.mu.RUnlock()
		e.dispatchMu.Lock()
		q.setAddr(mt, a)
		e.dispatchMu.Unlock()
		return nil, nil, nil

	case reqSetVringBase:
		m, err := decodeVringState(payload)
		if err != nil {
			return nil, nil, err
		}
		q, err := e.queue(int(m.Index))
		if err != nil {
			return nil, nil, err
		}
		e.dispatchMu.Lock()
		q.lastAvail = uint16(m.Num)
		e.dispatchMu.Unlock()
		return nil, nil, nil

	case reqGetVringBase:
		m, err := decodeVringState(payload)
		if err != nil {
			return nil, nil, err
		}
		q, err := e.queue(int(m.Index))
		if err != nil {
			return nil, nil, err
		}
		// GET_VRING_BASE also means "stop this queue": the frontend is
		// about to tear it down or migrate it elsewhere.
		e.dispatchMu.Lock()
		base := q.lastAvail
		q.enabled = false
		e.dispatchMu.Unlock()
		return encodeVringState(vringStateMsg{Index: m.Index, Num: uint32(base)}), nil, nil

	case reqSetVringKick:
		return e.setVringFD(ctx, payload, fds, vringFDKick)

	case reqSetVringCall:
		return e.setVringFD(ctx, payload, fds, vringFDCall)

	case reqSetVringErr:
		return e.setVringFD(ctx, payload, fds, vringFDErr)

	case reqSetVringEnable:
		m, err := decodeVringState(payload)
		if err != nil {
			return nil, nil, err
		}
		q, err := e.queue(int(m.Index))
		if err != nil {
			return nil, nil, err
		}
		enable := m.Num != 0
		e.dispatchMu.Lock()
		q.enabled = enable
		ready := enable && q.kickFD >= 0
		e.dispatchMu.Unlock()
		if ready {
			e.startQueue(ctx, q)
		}
		return nil, nil, nil

	default:
		return nil, nil, fmt.Errorf("unsupported request %s", h.Request)
	}
}

func (e *Engine) queue(idx int) (*virtqueue, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if idx < 0 || idx >= len(e.queues) {
		return nil, fmt.Errorf("vhostuser: queue index %d out of range", idx)
	}
	return e.queues[idx], nil
}

type vringFDKind int

const (
	vringFDKick vringFDKind = iota
	vringFDCall
	vringFDErr
)

// setVringFD handles SET_VRING_KICK/CALL/ERR: the payload's low byte of the
// index field doubles as a "no fd, use polling" flag in the spec, but qemu
// always passes a real eventfd fd via SCM_RIGHTS in practice, which is the
// only path implemented here. A queue can be enabled (SET_VRING_ENABLE)
// before its kick fd arrives, so receiving the kick fd here also starts the
// queue goroutine if that ordering happened.
func (e *Engine) setVringFD(ctx context.Context, payload []byte, fds []int, kind vringFDKind) ([]byte, []int, error) {
	m, err := decodeVringState(payload)
	if err != nil {
		return nil, nil, err
	}
	if len(fds) != 1 {
		return nil, nil, fmt.Errorf("vhostuser: expected exactly one fd, got %d", len(fds))
	}
	idx := int(m.Index & 0xff)
	q, err := e.queue(idx)
	if err != nil {
		return nil, nil, err
	}

	e.dispatchMu.Lock()
	switch kind {
	case vringFDKick:
		q.kickFD = fds[0]
	case vringFDCall:
		q.callFD = fds[0]
	case vringFDErr:
		q.errFD = fds[0]
	}
	ready := kind == vringFDKick && q.enabled
	e.dispatchMu.Unlock()

	if ready {
		e.startQueue(ctx, q)
	}
	return nil, nil, nil
}
