package fd

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// maxAncillaryFDs bounds the control-message buffer: up to 16 FDs plus one
// ucred, per §4.8.
const maxAncillaryFDs = 16

// ErrTruncated is returned whenever MSG_TRUNC or MSG_CTRUNC comes back set;
// per §7 this is always treated as an error, never silently accepted.
var ErrTruncated = errors.New("fd: message or control data truncated")

// ReadResult is what a credential-aware Read yields.
type ReadResult struct {
	Data         []byte
	ReceivedFDs  []int
	PeerPID      int32 // 0 if SO_PASSCRED was not enabled on this socket
	HasPeerCreds bool
}

// SetPassCred enables SO_PASSCRED on sock so that subsequent Reads can
// recover the peer's PID via SCM_CREDENTIALS.
func SetPassCred(sock int) error {
	return unix.SetsockoptInt(sock, unix.SOL_SOCKET, unix.SO_PASSCRED, 1)
}

// Read performs one recvmsg(2) on sock, retrying on EINTR up to 100 times
// per §7, decoding any ancillary SCM_RIGHTS file descriptors and
// SCM_CREDENTIALS peer PID present in the control message.
func Read(sock int, bufSize int) (ReadResult, error) {
	buf := make([]byte, bufSize)
	oob := make([]byte, unix.CmsgSpace(maxAncillaryFDs*4)+unix.CmsgSpace(unix.SizeofUcred))

	var n, oobn, flags int
	var err error
	for i := 0; i < 100; i++ {
		n, oobn, flags, _, err = unix.Recvmsg(sock, buf, oob, 0)
		if err == unix.EINTR {
			continue
		}
		break
	}
	if err != nil {
		return ReadResult{}, fmt.Errorf("fd: recvmsg: %w", err)
	}
	if flags&unix.MSG_TRUNC != 0 || flags&unix.MSG_CTRUNC != 0 {
		return ReadResult{}, ErrTruncated
	}

	res := ReadResult{Data: buf[:n]}

	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return ReadResult{}, fmt.Errorf("fd: parsing control message: %w", err)
		}
		for _, cmsg := range cmsgs {
			if cmsg.Header.Level != unix.SOL_SOCKET {
				continue
			}
			switch cmsg.Header.Type {
			case unix.SCM_RIGHTS:
				fds, err := unix.ParseUnixRights(&cmsg)
				if err != nil {
					return ReadResult{}, fmt.Errorf("fd: parsing SCM_RIGHTS: %w", err)
				}
				res.ReceivedFDs = append(res.ReceivedFDs, fds...)
			case unix.SCM_CREDENTIALS:
				ucred, err := unix.ParseUnixCredentials(&cmsg)
				if err != nil {
					return ReadResult{}, fmt.Errorf("fd: parsing SCM_CREDENTIALS: %w", err)
				}
				res.PeerPID = ucred.Pid
				res.HasPeerCreds = true
			}
		}
	}

	return res, nil
}

// Write performs one sendmsg(2) on sock, retrying on EINTR up to 100 times,
// optionally attaching sendFDs as an SCM_RIGHTS ancillary message.
func Write(sock int, buf []byte, sendFDs []int) error {
	var oob []byte
	if len(sendFDs) > 0 {
		oob = unix.UnixRights(sendFDs...)
	}

	var err error
	for i := 0; i < 100; i++ {
		err = unix.Sendmsg(sock, buf, oob, nil, 0)
		if err == unix.EINTR {
			continue
		}
		break
	}
	if err != nil {
		return fmt.Errorf("fd: sendmsg: %w", err)
	}
	return nil
}
