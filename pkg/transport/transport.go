// Package transport implements the framed, bidirectional Unix-socket
// connection between the server and a client process: writes grow a scratch
// buffer and commit whole messages with a (destination-id, opcode,
// length) header, reads deliver whole messages together with any file
// descriptors passed alongside them.
//
// FD passing rides the platform's SCM_RIGHTS ancillary-data facility.
// net.UnixConn exposes ReadMsgUnix/WriteMsgUnix for the raw bytes, but
// parsing and constructing the ancillary control message itself needs
// golang.org/x/sys/unix (ParseSocketControlMessage, ParseUnixRights,
// UnixRights) — the standard library alone cannot do it.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/streamgraph/mediabroker"
	"github.com/streamgraph/mediabroker/pkg/wire"
)

const headerLen = 12 // dest_id u32, opcode u32, length u32, little-endian

// DefaultMaxMessageSize caps a single message's payload. Larger messages
// are a protocol error.
const DefaultMaxMessageSize = 16 * 1024 * 1024

// maxOOBFDs bounds how many FDs a single recvmsg call will accept.
const maxOOBFDs = 253

// Message is one fully-assembled incoming message: a header plus its
// payload, which aliases the Conn's internal read buffer and is valid
// only until the next call to Poll on that Conn.
type Message struct {
	DestID  uint32
	Opcode  uint32
	Payload []byte
	// ResolveFD resolves the idx-th FD attached to this message, in
	// strict order of appearance. Messages with no FD fields never call
	// it.
	ResolveFD func(idx int) (int, error)
}

var (
	// ErrPeerClosed surfaces a clean or unclean peer disconnect; the
	// caller tears down the connection.
	ErrPeerClosed = errors.New("transport: peer closed connection")
	// ErrOversizeMessage means a message exceeded the configured cap; the
	// connection is closed as a protocol error.
	ErrOversizeMessage = errors.New("transport: message exceeds configured cap")
	ErrFDOutOfOrder = errors.New("transport: FD resolved out of appearance order")
	ErrFDUnderflow  = errors.New("transport: fewer FDs attached than decoder referenced")
	// ErrTooManyFDs is raised when one message tries to carry more FDs
	// than the configured cap.
	ErrTooManyFDs = errors.New("transport: too many FDs attached to one message")
)

// Conn is a framed, message-oriented connection over a Unix stream
// socket.
type Conn struct {
	uc     *net.UnixConn
	logger *slog.Logger

	maxMessageSize int
	maxFDs         int

	writeMu   sync.Mutex
	scratch   wire.Buffer
	pending   []pendingMessage
	pendingFD []int // FDs attached to the in-progress outbound message

	readBuf    []byte
	readFDs    []int
	readTmp    []byte
	readOOBTmp []byte
}

type pendingMessage struct {
	header [headerLen]byte
	body   []byte // aliases scratch's backing array at commit time
	fds    []int
}

// NewConn wraps uc. logger may be nil, in which case slog.Default() is
// used, matching the rest of this module's logging convention.
func NewConn(uc *net.UnixConn, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		uc:             uc,
		logger:         logger.With("conn", fmt.Sprintf("%p", uc)),
		maxMessageSize: DefaultMaxMessageSize,
		maxFDs:         maxOOBFDs,
		readTmp:        make([]byte, 64*1024),
		readOOBTmp:     make([]byte, unix.CmsgSpace(maxOOBFDs*4)),
	}
}

// SetMaxMessageSize overrides DefaultMaxMessageSize.
func (c *Conn) SetMaxMessageSize(n int) { c.maxMessageSize = n }

// SetMaxFDsPerMessage caps the ancillary FD list of one outbound message.
// Values above the platform's single-recvmsg limit are clamped.
func (c *Conn) SetMaxFDsPerMessage(n int) {
	if n > maxOOBFDs {
		n = maxOOBFDs
	}
	c.maxFDs = n
}

// PeerCredentials returns the connecting process's pid/uid/gid via
// SO_PEERCRED, used by the server at accept time.
func PeerCredentials(uc *net.UnixConn) (*unix.Ucred, error) {
	raw, err := uc.SyscallConn()
	if err != nil {
		return nil, err
	}
	var cred *unix.Ucred
	var sysErr error
	err = raw.Control(func(fd uintptr) {
		cred, sysErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return nil, err
	}
	return cred, sysErr
}

// Writer returns the scratch wire.Buffer the caller builds the next
// outbound message's record into. Build exactly one message, an outer
// STRUCT plus whatever fields it needs, then call EndWrite with the
// buffer's length, which also resets it for the next message.
func (c *Conn) Writer() *wire.Buffer { return &c.scratch }

// AttachFD implements wire.FDAttacher: it records fd for the in-progress
// outbound message and returns its index.
func (c *Conn) AttachFD(fd int) int {
	idx := len(c.pendingFD)
	c.pendingFD = append(c.pendingFD, fd)
	return idx
}

// EndWrite commits the bytes written into Writer() since it was last
// reset as one message addressed to destID/opcode. Committed messages are
// queued for
// Flush, which may coalesce consecutive FD-less messages into a single
// kernel write; a message carrying FDs is always flushed in its own
// sendmsg call so its ancillary data corresponds to exactly one message
// on the read side.
func (c *Conn) EndWrite(destID, opcode uint32, actualLen int) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if actualLen > c.maxMessageSize {
		c.scratch.Reset()
		c.pendingFD = nil
		return mediabroker.NewProtocolError("transport.EndWrite", ErrOversizeMessage)
	}
	if len(c.pendingFD) > c.maxFDs {
		c.scratch.Reset()
		c.pendingFD = nil
		return mediabroker.NewProtocolError("transport.EndWrite", ErrTooManyFDs)
	}
	body := make([]byte, actualLen)
	copy(body, c.scratch.Bytes()[c.scratch.Len()-actualLen:])
	c.scratch.Reset()

	var hdr [headerLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], destID)
	binary.LittleEndian.PutUint32(hdr[4:8], opcode)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(actualLen))

	fds := c.pendingFD
	c.pendingFD = nil
	c.pending = append(c.pending, pendingMessage{header: hdr, body: body, fds: fds})
	return nil
}

// Flush writes queued messages to the socket. It is non-blocking in the
// sense that it never waits for the peer to drain its receive buffer
// beyond what a single Write call does; a short write leaves the residual
// bytes enqueued for the next Flush.
func (c *Conn) Flush() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for len(c.pending) > 0 {
		// Coalesce a run of consecutive FD-less messages.
		if len(c.pending[0].fds) == 0 {
			n := 1
			for n < len(c.pending) && len(c.pending[n].fds) == 0 {
				n++
			}
			if err := c.writeCoalesced(c.pending[:n]); err != nil {
				return err
			}
			c.pending = c.pending[n:]
			continue
		}
		msg := c.pending[0]
		if _, _, err := c.uc.WriteMsgUnix(append(msg.header[:], msg.body...), unix.UnixRights(msg.fds...), nil); err != nil {
			return mediabroker.NewTransientError("transport.Flush", err)
		}
		c.pending = c.pending[1:]
	}
	return nil
}

func (c *Conn) writeCoalesced(msgs []pendingMessage) error {
	total := 0
	for _, m := range msgs {
		total += headerLen + len(m.body)
	}
	buf := make([]byte, 0, total)
	for _, m := range msgs {
		buf = append(buf, m.header[:]...)
		buf = append(buf, m.body...)
	}
	_, err := c.uc.Write(buf)
	if err != nil {
		return mediabroker.NewTransientError("transport.Flush", err)
	}
	return nil
}

// Poll reads available data from the socket and returns every message
// that became complete as a result. Partial messages and partially
// received ancillary data are buffered until a subsequent Poll completes
// them.
func (c *Conn) Poll() ([]Message, error) {
	n, oobn, _, _, err := c.uc.ReadMsgUnix(c.readTmp, c.readOOBTmp)
	if n > 0 {
		c.readBuf = append(c.readBuf, c.readTmp[:n]...)
	}
	if oobn > 0 {
		fds, ferr := parseRights(c.readOOBTmp[:oobn])
		if ferr != nil {
			return nil, mediabroker.NewProtocolError("transport.Poll", ferr)
		}
		c.readFDs = append(c.readFDs, fds...)
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			msgs, perr := c.drain()
			if perr != nil {
				return msgs, perr
			}
			return msgs, ErrPeerClosed
		}
		return nil, mediabroker.NewTransientError("transport.Poll", err)
	}
	return c.drain()
}

func (c *Conn) drain() ([]Message, error) {
	var out []Message
	for {
		if len(c.readBuf) < headerLen {
			return out, nil
		}
		destID := binary.LittleEndian.Uint32(c.readBuf[0:4])
		opcode := binary.LittleEndian.Uint32(c.readBuf[4:8])
		length := binary.LittleEndian.Uint32(c.readBuf[8:12])
		if int(length) > c.maxMessageSize {
			return out, mediabroker.NewProtocolError("transport.drain", ErrOversizeMessage)
		}
		if len(c.readBuf) < headerLen+int(length) {
			return out, nil
		}
		// The payload aliases the internal read buffer; it stays valid
		// only until the next Poll. The three-index slice keeps a caller's
		// stray append from growing into the bytes behind it.
		payload := c.readBuf[headerLen : headerLen+int(length) : headerLen+int(length)]
		c.readBuf = c.readBuf[headerLen+int(length):]

		resolver := &sequentialFDResolver{queue: &c.readFDs}
		out = append(out, Message{
			DestID:    destID,
			Opcode:    opcode,
			Payload:   payload,
			ResolveFD: resolver.resolve,
		})
	}
}

// sequentialFDResolver pops FDs off the connection's shared queue in
// strict appearance order, rejecting any index that skips ahead.
type sequentialFDResolver struct {
	queue *[]int
	next  int
}

func (r *sequentialFDResolver) resolve(idx int) (int, error) {
	if idx != r.next {
		return 0, ErrFDOutOfOrder
	}
	if len(*r.queue) == 0 {
		return 0, ErrFDUnderflow
	}
	fd := (*r.queue)[0]
	*r.queue = (*r.queue)[1:]
	r.next++
	return fd, nil
}

func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for _, m := range msgs {
		rights, err := unix.ParseUnixRights(&m)
		if err != nil {
			return nil, err
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

// Close closes the underlying socket.
func (c *Conn) Close() error { return c.uc.Close() }
