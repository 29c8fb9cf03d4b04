package uplink

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalnet/ngservices/internal/engine"
	"github.com/dalnet/ngservices/internal/logging"
	"github.com/dalnet/ngservices/internal/metrics"
)

type fakeEngine struct {
	mu      sync.Mutex
	out     engine.Output
	handled []string
	ticks   int
	lost    int
	// stop is called when the engine is told to DIE
	stop func()
}

func (f *fakeEngine) SetOutput(out engine.Output) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = out
}

func (f *fakeEngine) Handshake() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out.WriteLine("PASS secret 0210-IRC+")
}

func (f *fakeEngine) Handle(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, line)
	if strings.HasPrefix(line, "PING") {
		f.out.WriteLine("PONG services.example.net")
	}
	if line == "DIE" && f.stop != nil {
		f.out.WriteLine("NOTICE oper :Shutting down")
		f.out.WriteLine("SQUIT services.example.net :Shutting down")
		f.stop()
	}
}

func (f *fakeEngine) Tick() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks++
}

func (f *fakeEngine) LinkLost() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost++
}

func (f *fakeEngine) snapshot() (handled []string, ticks, lost int, out engine.Output) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.handled...), f.ticks, f.lost, f.out
}

// pipeDialer hands the test the far end of every connection dialed
type pipeDialer struct {
	peers chan net.Conn
	fail  int
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{peers: make(chan net.Conn, 4)}
}

func (p *pipeDialer) dial(ctx context.Context) (net.Conn, error) {
	if p.fail > 0 {
		p.fail--
		return nil, errors.New("connection refused")
	}
	local, remote := net.Pipe()
	p.peers <- remote
	return local, nil
}

func (p *pipeDialer) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-p.peers:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection dialed")
		return nil
	}
}

func startClient(t *testing.T, eng Engine, d *pipeDialer, m *metrics.Metrics, tick time.Duration) (context.CancelFunc, chan error) {
	t.Helper()
	c := New(Options{ReconnectDelay: 10 * time.Millisecond, TickInterval: tick, Dial: d.dial}, eng, logging.Discard(), m)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return cancel, done
}

func TestSessionExchangesLines(t *testing.T) {
	eng := &fakeEngine{}
	d := newPipeDialer()
	m := metrics.New()
	cancel, done := startClient(t, eng, d, m, time.Hour)

	peer := d.accept(t)
	r := bufio.NewReader(peer)

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "PASS secret 0210-IRC+\r\n", line)

	_, err = peer.Write([]byte(":hub.example.net SERVER hub.example.net 1 :Hub\r\nPING :hub.example.net\r\n"))
	require.NoError(t, err)

	line, err = r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "PONG services.example.net\r\n", line)

	handled, _, _, _ := eng.snapshot()
	assert.Equal(t, []string{":hub.example.net SERVER hub.example.net 1 :Hub", "PING :hub.example.net"}, handled)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	_, _, lost, out := eng.snapshot()
	assert.Equal(t, 1, lost)
	assert.Nil(t, out)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.Reconnects))
}

func TestReconnectAfterLinkLoss(t *testing.T) {
	eng := &fakeEngine{}
	d := newPipeDialer()
	d.fail = 1
	m := metrics.New()
	cancel, done := startClient(t, eng, d, m, time.Hour)
	defer func() {
		cancel()
		<-done
	}()

	first := d.accept(t)
	r := bufio.NewReader(first)
	_, err := r.ReadString('\n')
	require.NoError(t, err)
	first.Close()

	require.Eventually(t, func() bool {
		_, _, lost, _ := eng.snapshot()
		return lost == 1
	}, 2*time.Second, 5*time.Millisecond)

	second := d.accept(t)
	line, err := bufio.NewReader(second).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "PASS secret 0210-IRC+\r\n", line)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Reconnects))
	second.Close()
}

func TestTicks(t *testing.T) {
	eng := &fakeEngine{}
	d := newPipeDialer()
	cancel, done := startClient(t, eng, d, nil, 5*time.Millisecond)

	peer := d.accept(t)
	go func() {
		r := bufio.NewReader(peer)
		for {
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool {
		_, ticks, _, _ := eng.snapshot()
		return ticks >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
	peer.Close()
}

func TestWriteAfterClose(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	c := newConn(local, logging.Discard())
	c.Close()
	c.Close()

	assert.NotPanics(t, func() { c.WriteLine("PING :x") })
	_, ok := <-c.Lines()
	assert.False(t, ok)
}

func TestShutdownFlushesQueuedLines(t *testing.T) {
	eng := &fakeEngine{}
	d := newPipeDialer()
	cancel, done := startClient(t, eng, d, nil, time.Hour)
	eng.mu.Lock()
	eng.stop = cancel
	eng.mu.Unlock()

	peer := d.accept(t)
	defer peer.Close()
	r := bufio.NewReader(peer)
	_, err := r.ReadString('\n')
	require.NoError(t, err)

	go peer.Write([]byte("DIE\r\n"))

	var got []string
	for i := 0; i < 2; i++ {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		got = append(got, line)
	}
	assert.Equal(t, []string{
		"NOTICE oper :Shutting down\r\n",
		"SQUIT services.example.net :Shutting down\r\n",
	}, got)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestConnShutdown(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	c := newConn(local, logging.Discard())
	c.WriteLine("PING :a")
	c.WriteLine("PING :b")

	finished := make(chan struct{})
	go func() {
		c.Shutdown(2 * time.Second)
		close(finished)
	}()

	r := bufio.NewReader(remote)
	for _, want := range []string{"PING :a\r\n", "PING :b\r\n"} {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, want, line)
	}
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}
	_, err := r.ReadString('\n')
	assert.Error(t, err)
}
