package server

import (
	"bytes"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"pollserver/internal/config"
	"pollserver/internal/metrics"
)

type harness struct {
	srv     *Server
	logs    *observer.ObservedLogs
	metrics *metrics.Metrics
	data    uint16
	control uint16
	done    chan struct{}
	err     error
}

func startServer(t *testing.T, mutate func(*config.ServerConfig)) *harness {
	t.Helper()

	cfg := config.Default().Server
	cfg.BindAddress = "127.0.0.1"
	cfg.PollTimeout = 20
	if mutate != nil {
		mutate(&cfg)
	}

	core, logs := observer.New(zapcore.DebugLevel)
	h := &harness{
		logs:    logs,
		metrics: metrics.New(),
		done:    make(chan struct{}),
	}
	h.srv = New(cfg, zap.New(core), h.metrics)

	if err := h.srv.Listen(0, 0); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	h.data, h.control = h.srv.Ports()

	go func() {
		h.err = h.srv.Run()
		close(h.done)
	}()

	t.Cleanup(func() {
		h.srv.Shutdown()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	return h
}

func (h *harness) wait(t *testing.T, timeout time.Duration) bool {
	t.Helper()
	select {
	case <-h.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func addr(port uint16) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port)))
}

func dial(t *testing.T, port uint16) net.Conn {
	t.Helper()

	c, err := net.DialTimeout("tcp4", addr(port), time.Second)
	if err != nil {
		t.Fatalf("dial %d: %v", port, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readStatus(t *testing.T, c net.Conn, width int) string {
	t.Helper()

	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, width)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read status: %v", err)
	}
	return string(buf)
}

func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()

	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 16)
	n, err := c.Read(buf)
	if n != 0 {
		t.Fatalf("read %d bytes %q from a connection expected to be closed", n, buf[:n])
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatal("connection was not closed by the server")
	}
	if err == nil {
		t.Fatal("expected EOF or reset")
	}
}

func TestDataClientSendsHi(t *testing.T) {
	h := startServer(t, nil)

	c := dial(t, h.data)
	waitFor(t, "data client accepted", func() bool { return h.srv.Stats().ActiveData == 1 })

	if _, err := c.Write([]byte("hi")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "2-byte receipt logged", func() bool {
		for _, e := range h.logs.FilterMessage("Received data").All() {
			f := e.ContextMap()
			if f["bytes"] == int64(2) && f["payload"] == "hi" {
				return true
			}
		}
		return false
	})

	c.Close()
	waitFor(t, "data client released", func() bool { return h.srv.Stats().ActiveData == 0 })

	if got := testutil.ToFloat64(h.metrics.BytesReceived); got != 2 {
		t.Errorf("bytes received = %v, want 2", got)
	}
	if got := testutil.ToFloat64(h.metrics.Closed.WithLabelValues("data", "eof")); got != 1 {
		t.Errorf("eof closes = %v, want 1", got)
	}
}

func TestDataClientGetsNoReply(t *testing.T) {
	h := startServer(t, nil)

	c := dial(t, h.data)
	c.Write([]byte("ping"))
	waitFor(t, "data logged", func() bool { return h.logs.FilterMessage("Received data").Len() > 0 })

	c.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	n, err := c.Read(make([]byte, 8))
	if n != 0 {
		t.Fatalf("server replied with %d bytes on the data channel", n)
	}
	if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

func TestStatusReportWithoutDataClients(t *testing.T) {
	h := startServer(t, nil)

	c := dial(t, h.control)
	c.Write([]byte("c"))

	report := readStatus(t, c, 1024)
	want := "Number of active clients: 0\nTotal number of clients: 1\n"
	if !strings.HasPrefix(report, want) {
		t.Fatalf("report = %q, want prefix %q", strings.TrimRight(report, "\x00"), want)
	}
	if strings.Trim(report[len(want):], "\x00") != "" {
		t.Errorf("report is not zero padded after the text")
	}

	// The connection stays open for more commands.
	c.Write([]byte("c"))
	readStatus(t, c, 1024)

	if got := testutil.ToFloat64(h.metrics.StatusReports); got != 2 {
		t.Errorf("status reports = %v, want 2", got)
	}
}

func TestStatusReportCountsClients(t *testing.T) {
	h := startServer(t, nil)

	dial(t, h.data)
	dial(t, h.data)
	waitFor(t, "two data clients", func() bool { return h.srv.Stats().ActiveData == 2 })

	c := dial(t, h.control)
	// Only the first byte is inspected.
	c.Write([]byte("cxyz"))

	report := readStatus(t, c, 1024)
	want := "Number of active clients: 2\nTotal number of clients: 3\n"
	if !strings.HasPrefix(report, want) {
		t.Fatalf("report = %q, want prefix %q", strings.TrimRight(report, "\x00"), want)
	}
}

func TestStatusWidthFollowsConfig(t *testing.T) {
	h := startServer(t, func(c *config.ServerConfig) { c.StatusWidth = 30 })

	c := dial(t, h.control)
	c.Write([]byte("c"))

	report := readStatus(t, c, 30)
	if report != "Number of active clients: 0\nTo" {
		t.Fatalf("truncated report = %q", report)
	}

	c.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if n, _ := c.Read(make([]byte, 8)); n != 0 {
		t.Fatalf("server wrote %d bytes past the status width", n)
	}
}

func TestUnknownCommandClosesConnection(t *testing.T) {
	h := startServer(t, nil)

	c := dial(t, h.control)
	waitFor(t, "control client accepted", func() bool { return h.srv.Stats().ActiveControl == 1 })

	c.Write([]byte("x"))
	expectClosed(t, c)

	waitFor(t, "control client released", func() bool { return h.srv.Stats().ActiveControl == 0 })
	if got := testutil.ToFloat64(h.metrics.UnknownCommand); got != 1 {
		t.Errorf("unknown commands = %v, want 1", got)
	}
	if h.logs.FilterMessage("Terminating connection").Len() != 1 {
		t.Error("termination not logged")
	}
}

func TestRejectWhenPoolFull(t *testing.T) {
	h := startServer(t, func(c *config.ServerConfig) { c.DataClients = 2 })

	first := dial(t, h.data)
	dial(t, h.data)
	waitFor(t, "pool full", func() bool { return h.srv.Stats().ActiveData == 2 })

	extra := dial(t, h.data)
	expectClosed(t, extra)

	waitFor(t, "rejection counted", func() bool {
		return testutil.ToFloat64(h.metrics.Rejected.WithLabelValues("data")) == 1
	})
	if h.srv.Stats().ActiveData != 2 {
		t.Fatalf("active data = %d after rejection, want 2", h.srv.Stats().ActiveData)
	}
	if h.logs.FilterMessage("Too many clients").Len() != 1 {
		t.Error("rejection not logged")
	}

	// Existing slots keep working.
	first.Write([]byte("still here"))
	waitFor(t, "existing client serviced", func() bool {
		for _, e := range h.logs.FilterMessage("Received data").All() {
			if e.ContextMap()["payload"] == "still here" && e.ContextMap()["slot"] == int64(1) {
				return true
			}
		}
		return false
	})
}

func TestControlPoolFullDoesNotAffectData(t *testing.T) {
	h := startServer(t, func(c *config.ServerConfig) { c.ControlClients = 1 })

	dial(t, h.control)
	waitFor(t, "control pool full", func() bool { return h.srv.Stats().ActiveControl == 1 })

	expectClosed(t, dial(t, h.control))

	dial(t, h.data)
	waitFor(t, "data client accepted", func() bool { return h.srv.Stats().ActiveData == 1 })
}

func TestSlotReusedAfterEOF(t *testing.T) {
	h := startServer(t, func(c *config.ServerConfig) { c.DataClients = 1 })

	a := dial(t, h.data)
	waitFor(t, "first client", func() bool { return h.srv.Stats().ActiveData == 1 })
	a.Close()
	waitFor(t, "first client gone", func() bool { return h.srv.Stats().ActiveData == 0 })

	dial(t, h.data)
	waitFor(t, "second client", func() bool { return h.srv.Stats().ActiveData == 1 })

	accepted := h.logs.FilterMessage("Received new connection").All()
	if len(accepted) != 2 {
		t.Fatalf("accepted %d connections, want 2", len(accepted))
	}
	for _, e := range accepted {
		if e.ContextMap()["slot"] != int64(1) {
			t.Errorf("connection placed in slot %v, want 1", e.ContextMap()["slot"])
		}
	}
	if got := testutil.ToFloat64(h.metrics.Rejected.WithLabelValues("data")); got != 0 {
		t.Errorf("rejections = %v, want 0", got)
	}
}

func TestResetConnectionsReleaseSlots(t *testing.T) {
	h := startServer(t, nil)

	d := dial(t, h.data)
	c := dial(t, h.control)
	waitFor(t, "both clients accepted", func() bool {
		st := h.srv.Stats()
		return st.ActiveData == 1 && st.ActiveControl == 1
	})

	// Linger zero turns Close into a reset, so the server's read fails
	// instead of returning end of stream.
	for _, conn := range []net.Conn{d, c} {
		if err := conn.(*net.TCPConn).SetLinger(0); err != nil {
			t.Fatal(err)
		}
		conn.Close()
	}

	waitFor(t, "both clients released", func() bool {
		st := h.srv.Stats()
		return st.ActiveData == 0 && st.ActiveControl == 0
	})

	if n := h.logs.FilterMessage("Error when reading message from connection").Len(); n != 2 {
		t.Errorf("read errors logged = %d, want 2", n)
	}
	for _, pool := range []string{"data", "control"} {
		if got := testutil.ToFloat64(h.metrics.Closed.WithLabelValues(pool, "read_error")); got != 1 {
			t.Errorf("%s read_error closes = %v, want 1", pool, got)
		}
		if got := testutil.ToFloat64(h.metrics.ActiveClients.WithLabelValues(pool)); got != 0 {
			t.Errorf("%s active gauge = %v, want 0", pool, got)
		}
	}

	h.srv.Shutdown()
	if !h.wait(t, 3*time.Second) {
		t.Fatal("server did not stop")
	}
	if err := h.srv.table.Check(); err != nil {
		t.Fatalf("slot table inconsistent: %v", err)
	}
}

func TestControlClientEOF(t *testing.T) {
	h := startServer(t, nil)

	c := dial(t, h.control)
	waitFor(t, "control client accepted", func() bool { return h.srv.Stats().ActiveControl == 1 })

	c.Close()
	waitFor(t, "control client released", func() bool { return h.srv.Stats().ActiveControl == 0 })

	if got := testutil.ToFloat64(h.metrics.Closed.WithLabelValues("control", "eof")); got != 1 {
		t.Errorf("control eof closes = %v, want 1", got)
	}
	ended := h.logs.FilterMessage("Ending connection").All()
	if len(ended) != 1 {
		t.Fatalf("end of stream logged %d times, want 1", len(ended))
	}
	if ended[0].ContextMap()["pool"] != "control" {
		t.Errorf("ended pool = %v, want control", ended[0].ContextMap()["pool"])
	}

	// The slot is free again.
	dial(t, h.control)
	waitFor(t, "control slot reused", func() bool { return h.srv.Stats().ActiveControl == 1 })
}

func TestControlSlotsAfterDataSlots(t *testing.T) {
	h := startServer(t, nil)

	dial(t, h.control)
	waitFor(t, "control client", func() bool { return h.srv.Stats().ActiveControl == 1 })

	e := h.logs.FilterMessage("Received new connection").All()[0]
	if e.ContextMap()["slot"] != int64(4) || e.ContextMap()["pool"] != "control" {
		t.Errorf("first control connection = %v", e.ContextMap())
	}
}

func TestShutdownDrainsDataClients(t *testing.T) {
	h := startServer(t, nil)

	d := dial(t, h.data)
	ctl := dial(t, h.control)
	waitFor(t, "clients accepted", func() bool {
		st := h.srv.Stats()
		return st.ActiveData == 1 && st.ActiveControl == 1
	})

	h.srv.Shutdown()
	h.srv.Shutdown()
	waitFor(t, "draining", func() bool { return h.srv.Stats().Phase == Draining })

	for _, port := range []uint16{h.data, h.control} {
		if c, err := net.DialTimeout("tcp4", addr(port), 200*time.Millisecond); err == nil {
			c.Close()
			t.Errorf("connection to port %d accepted while draining", port)
		}
	}

	d.Write([]byte("late"))
	waitFor(t, "data still serviced", func() bool {
		for _, e := range h.logs.FilterMessage("Received data").All() {
			if e.ContextMap()["payload"] == "late" {
				return true
			}
		}
		return false
	})

	if h.wait(t, 100*time.Millisecond) {
		t.Fatal("server terminated with a data client still connected")
	}

	d.Close()
	if !h.wait(t, 3*time.Second) {
		t.Fatal("server did not terminate after the last data client left")
	}
	if h.err != nil {
		t.Fatalf("Run: %v", h.err)
	}
	if h.srv.Stats().Phase != Terminated {
		t.Errorf("phase = %s, want TERMINATED", h.srv.Stats().Phase)
	}
	if err := h.srv.table.Check(); err != nil {
		t.Error(err)
	}

	// Control connections are dropped at termination.
	expectClosed(t, ctl)
}

func TestShutdownWithoutClients(t *testing.T) {
	h := startServer(t, func(c *config.ServerConfig) { c.PollTimeout = 5000 })

	h.srv.Shutdown()

	// The flag is read at the top of an iteration, so termination waits for
	// the current poll to return at most.
	if !h.wait(t, 7*time.Second) {
		t.Fatal("server did not terminate")
	}
	if h.err != nil {
		t.Fatalf("Run: %v", h.err)
	}
	if got := testutil.ToFloat64(h.metrics.Draining); got != 1 {
		t.Errorf("draining gauge = %v", got)
	}
}

func TestPollTimeoutLogged(t *testing.T) {
	h := startServer(t, nil)

	waitFor(t, "idle poll logged", func() bool {
		return h.logs.FilterMessage("Milliseconds passed without any events").Len() > 0
	})
	if testutil.ToFloat64(h.metrics.PollTimeouts) == 0 {
		t.Error("poll timeouts not counted")
	}
}

func TestRunBeforeListen(t *testing.T) {
	srv := New(config.Default().Server, nil, nil)
	if err := srv.Run(); err == nil {
		t.Fatal("Run without Listen succeeded")
	}
}

func TestListenFailsOnBusyPort(t *testing.T) {
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	_, p, _ := net.SplitHostPort(l.Addr().String())
	busy, _ := strconv.Atoi(p)

	cfg := config.Default().Server
	cfg.BindAddress = "127.0.0.1"
	srv := New(cfg, nil, nil)

	if err := srv.Listen(0, uint16(busy)); err == nil {
		t.Fatal("Listen on a busy control port succeeded")
	}
	if srv.table.Get(0).Occupied() {
		t.Error("data listener left open after failed Listen")
	}
}

func TestFormatStatus(t *testing.T) {
	buf := bytes.Repeat([]byte{'x'}, 64)

	got := FormatStatus(buf, 3, 5)
	want := "Number of active clients: 3\nTotal number of clients: 5\n"
	if !bytes.HasPrefix(got, []byte(want)) {
		t.Fatalf("FormatStatus = %q", got)
	}
	if len(got) != 64 {
		t.Errorf("len = %d, want 64", len(got))
	}
	if len(bytes.Trim(got[len(want):], "\x00")) != 0 {
		t.Errorf("stale bytes after report: %q", got[len(want):])
	}

	short := FormatStatus(make([]byte, 10), 12345, 67890)
	if string(short) != "Number of " {
		t.Errorf("truncated = %q", short)
	}
}

func TestPhaseString(t *testing.T) {
	for p, want := range map[Phase]string{Running: "RUNNING", Draining: "DRAINING", Terminated: "TERMINATED", Phase(9): "UNKNOWN"} {
		if p.String() != want {
			t.Errorf("%d.String() = %s, want %s", p, p.String(), want)
		}
	}
}
