package vhostuser

import (
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// errConnClosed marks a clean EOF on the control socket, distinguished
// from a protocol-level read error so Serve can exit quietly on normal
// frontend disconnects.
var errConnClosed = errors.New("vhostuser: control connection closed")

// oobSpace is generously sized for the handful of fds a single vhost-user
// message ever carries (SET_MEM_TABLE's region fds are the largest case,
// and even that is well under a dozen in practice).
const oobSpace = 4096

// readMsg reads one vhost-user control message off conn: the fixed header,
// its payload, and any file descriptors passed via SCM_RIGHTS ancillary
// data (used by SET_MEM_TABLE and SET_VRING_KICK/CALL/ERR).
func readMsg(conn *net.UnixConn) (msgHeader, []byte, []int, error) {
	hdrBuf := make([]byte, msgHeaderSize)
	oob := make([]byte, oobSpace)

	n, oobn, _, _, err := conn.ReadMsgUnix(hdrBuf, oob)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return msgHeader{}, nil, nil, errConnClosed
		}
		return msgHeader{}, nil, nil, fmt.Errorf("vhostuser: read header: %w", err)
	}
	if n != msgHeaderSize {
		return msgHeader{}, nil, nil, fmt.Errorf("vhostuser: short header read: %d bytes", n)
	}
	h, err := decodeHeader(hdrBuf)
	if err != nil {
		return msgHeader{}, nil, nil, err
	}
	fds, err := parseFDs(oob[:oobn])
	if err != nil {
		return msgHeader{}, nil, nil, err
	}

	payload := make([]byte, h.Size)
	if h.Size > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return msgHeader{}, nil, nil, fmt.Errorf("vhostuser: read payload: %w", err)
		}
	}
	return h, payload, fds, nil
}

// writeMsg sends one vhost-user control message, attaching fds (if any) as
// SCM_RIGHTS ancillary data on the header datagram — GET_VRING_BASE's
// reply doesn't carry fds today but the shape is kept uniform with
// readMsg's for symmetry and future messages that do (e.g. slave-initiated
// fd requests).
func writeMsg(conn *net.UnixConn, h msgHeader, payload []byte, fds []int) error {
	h.Size = uint32(len(payload))
	buf := append(encodeHeader(h), payload...)
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	_, _, err := conn.WriteMsgUnix(buf, oob, nil)
	if err != nil {
		return fmt.Errorf("vhostuser: write message: %w", err)
	}
	return nil
}

func parseFDs(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("vhostuser: parse control message: %w", err)
	}
	var fds []int
	for _, scm := range scms {
		rights, err := unix.ParseUnixRights(&scm)
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}
