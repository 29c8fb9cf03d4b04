package uplink

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircreader"

	"github.com/dalnet/ngservices/internal/logging"
)

// sendQueue is how many outbound lines may wait for the socket
const sendQueue = 4096

// Conn is one connection to the uplink. Lines are read on their own
// goroutine and handed over on Lines; writes are queued for a writer
// goroutine so the event loop never blocks on the socket.
type Conn struct {
	conn net.Conn
	log  logging.Logger

	lines   chan string
	out     chan string
	done    chan struct{}
	drain   chan struct{}
	flushed chan struct{}

	mu        sync.Mutex
	readErr   error
	once      sync.Once
	drainOnce sync.Once
}

func newConn(c net.Conn, log logging.Logger) *Conn {
	cn := &Conn{
		conn:    c,
		log:     log,
		lines:   make(chan string),
		out:     make(chan string, sendQueue),
		done:    make(chan struct{}),
		drain:   make(chan struct{}),
		flushed: make(chan struct{}),
	}
	go cn.readLoop()
	go cn.writeLoop()
	return cn
}

// Lines delivers inbound lines. It is closed when the connection ends.
func (c *Conn) Lines() <-chan string {
	return c.lines
}

// Err returns the error that ended the read loop
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

// WriteLine queues a line for the uplink. When the queue is full the
// connection is considered dead and closed.
func (c *Conn) WriteLine(line string) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.out <- line:
	default:
		c.log.Error("send queue full, dropping uplink", "queued", len(c.out))
		c.Close()
	}
}

// Shutdown writes out whatever is still queued, waiting at most timeout,
// then closes the connection.
func (c *Conn) Shutdown(timeout time.Duration) {
	c.drainOnce.Do(func() { close(c.drain) })
	select {
	case <-c.flushed:
	case <-time.After(timeout):
		c.log.Warn("gave up flushing the send queue", "queued", len(c.out))
	}
	c.Close()
}

// Close shuts the connection down at once, dropping queued lines. It is
// safe to call more than once.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Conn) readLoop() {
	defer close(c.lines)
	reader := ircreader.NewIRCReader(c.conn)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			c.Close()
			return
		}
		select {
		case c.lines <- strings.TrimRight(string(line), "\r\n"):
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writeLoop() {
	defer close(c.flushed)
	w := bufio.NewWriter(c.conn)
	for {
		select {
		case <-c.done:
			return
		case <-c.drain:
			for {
				select {
				case line := <-c.out:
					w.WriteString(line)
					w.WriteString("\r\n")
				default:
					if err := w.Flush(); err != nil {
						c.log.Warn("write to uplink failed", "error", err)
					}
					return
				}
			}
		case line := <-c.out:
			w.WriteString(line)
			w.WriteString("\r\n")
			// Flush once the queue has drained
			if len(c.out) > 0 {
				continue
			}
			if err := w.Flush(); err != nil {
				c.log.Warn("write to uplink failed", "error", err)
				c.Close()
				return
			}
		}
	}
}
