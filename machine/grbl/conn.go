package grbl

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
)

// rxBufferSize is grbl's serial receive buffer. Lines are only sent while
// the bytes of every unacknowledged line fit in it.
const rxBufferSize = 128

// ErrGrblReset is returned by writes interrupted by a controller reset.
var ErrGrblReset = errors.New("grbl reset")

// Error is a line rejected by grbl with "error:<code>".
type Error struct {
	Code int
}

var errorText = map[int]string{
	1:  "expected command letter",
	2:  "bad number format",
	3:  "invalid $ statement",
	8:  "not idle",
	9:  "g-code locked out during alarm or jog",
	15: "travel exceeded",
	20: "unsupported command",
	22: "undefined feed rate",
	33: "invalid target",
}

func (e *Error) Error() string {
	if s, ok := errorText[e.Code]; ok {
		return fmt.Sprintf("error:%d (%s)", e.Code, s)
	}
	return "error:" + strconv.Itoa(e.Code)
}

func parseError(line []byte) error {
	code, err := strconv.Atoi(string(bytes.TrimSpace(line[len("error:"):])))
	if err != nil {
		return fmt.Errorf("grbl: malformed %q", line)
	}
	return &Error{Code: code}
}

// Conn speaks grbl's character-counting protocol over rw.
//
// Writes block until grbl has acknowledged every line they sent, so some
// goroutine must keep calling Read for them to make progress.
type Conn struct {
	rw   io.ReadWriter
	scan *bufio.Scanner

	// rwMx serializes device writes; sendMx serializes callers of ReadFrom.
	rwMx   sync.Mutex
	sendMx sync.Mutex

	acks   chan error
	resets chan struct{}
	done   chan struct{}
	once   sync.Once

	// owned by the holder of sendMx
	inFlight []int
	queued   int
	sent     int64
	acked    int64

	partial []byte
}

func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{
		rw:     rw,
		scan:   bufio.NewScanner(rw),
		acks:   make(chan error),
		resets: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Close aborts pending writes and closes rw if it is an io.Closer.
func (c *Conn) Close() (err error) {
	c.once.Do(func() {
		close(c.done)
		if cl, ok := c.rw.(io.Closer); ok {
			err = cl.Close()
		}
	})
	return err
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// awaitAck consumes one acknowledgement, or a reset, which forgets
// everything in flight.
func (c *Conn) awaitAck() error {
	if c.isClosed() {
		return io.ErrClosedPipe
	}
	select {
	case <-c.resets:
		return c.forget()
	default:
	}

	var err error
	select {
	case <-c.done:
		return io.ErrClosedPipe
	case <-c.resets:
		return c.forget()
	case err = <-c.acks:
	}
	c.acked++
	c.queued -= c.inFlight[0]
	c.inFlight = c.inFlight[1:]
	return err
}

func (c *Conn) forget() error {
	c.inFlight = nil
	c.queued = 0
	c.acked = c.sent
	return ErrGrblReset
}

// send writes one line once it fits in the receive buffer and returns
// its sequence number. Acks consumed while waiting for room are returned
// as firstErr so a rejected earlier line is not lost.
func (c *Conn) send(line []byte) (seq int64, firstErr error, err error) {
	for c.queued > 0 && c.queued+len(line) > rxBufferSize {
		e := c.awaitAck()
		if errors.Is(e, ErrGrblReset) || errors.Is(e, io.ErrClosedPipe) {
			return 0, firstErr, e
		}
		if firstErr == nil {
			firstErr = e
		}
	}

	c.rwMx.Lock()
	_, err = c.rw.Write(line)
	c.rwMx.Unlock()
	if err != nil {
		return 0, firstErr, err
	}
	c.sent++
	c.queued += len(line)
	c.inFlight = append(c.inFlight, len(line))
	return c.sent, firstErr, nil
}

// drain waits until line seq is acknowledged. It returns the first error
// reported along the way, stopping early on a reset or close.
func (c *Conn) drain(seq int64) (err error) {
	for c.acked < seq {
		e := c.awaitAck()
		if err == nil {
			err = e
		}
		if errors.Is(e, ErrGrblReset) || errors.Is(e, io.ErrClosedPipe) {
			break
		}
	}
	return err
}

// scanLines splits on '\n', keeping it, and terminates a final partial line.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, data[:i+1], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), append(data, '\n'), nil
	}
	return 0, nil, nil
}

// ReadFrom sends every line of r and returns once grbl has acknowledged
// them all. The first rejected line is reported as an *Error, but the
// rest are still sent.
func (c *Conn) ReadFrom(r io.Reader) (n int64, err error) {
	c.sendMx.Lock()
	defer c.sendMx.Unlock()
	if c.isClosed() {
		return 0, io.ErrClosedPipe
	}

	sc := bufio.NewScanner(r)
	sc.Split(scanLines)

	last := c.sent
	var rejected error
	for sc.Scan() {
		seq, e, err := c.send(sc.Bytes())
		if rejected == nil {
			rejected = e
		}
		if err != nil {
			return n, err
		}
		last = seq
		n += int64(len(sc.Bytes()))
	}
	if err = sc.Err(); err != nil {
		return n, err
	}

	err = c.drain(last)
	if rejected != nil && (err == nil || errors.As(err, new(*Error))) {
		err = rejected
	}
	return n, err
}

// Write sends p as lines; see ReadFrom.
func (c *Conn) Write(p []byte) (int, error) {
	n, err := c.ReadFrom(bytes.NewReader(p))
	return int(n), err
}

// WriteByte sends a realtime command, such as '?', outside the
// character count.
func (c *Conn) WriteByte(b byte) error {
	if c.isClosed() {
		return io.ErrClosedPipe
	}
	c.rwMx.Lock()
	defer c.rwMx.Unlock()
	_, err := c.rw.Write([]byte{b})
	return err
}

// Read returns the next line from grbl, without the line ending.
// Acknowledgements and resets are routed to pending writes first.
func (c *Conn) Read(p []byte) (int, error) {
	if c.isClosed() {
		return 0, io.ErrClosedPipe
	}

	if c.partial != nil {
		if len(p) < len(c.partial) {
			return 0, io.ErrShortBuffer
		}
		n := copy(p, c.partial)
		c.partial = nil
		return n, nil
	}

	if !c.scan.Scan() {
		if err := c.scan.Err(); err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
	line := bytes.TrimSpace(c.scan.Bytes())

	switch {
	case bytes.Equal(line, []byte("ok")):
		if err := c.ack(nil); err != nil {
			return 0, err
		}
	case bytes.HasPrefix(line, []byte("error:")):
		if err := c.ack(parseError(line)); err != nil {
			return 0, err
		}
	case bytes.HasPrefix(line, []byte("Grbl")):
		select {
		case c.resets <- struct{}{}:
		default:
		}
	}

	if len(p) < len(line) {
		c.partial = append([]byte(nil), line...)
		return 0, io.ErrShortBuffer
	}
	return copy(p, line), nil
}

func (c *Conn) ack(err error) error {
	select {
	case c.acks <- err:
		return nil
	case <-c.done:
		return io.ErrClosedPipe
	}
}
