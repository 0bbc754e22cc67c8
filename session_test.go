package icbgw

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func discardLogger() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeServer accepts connections on a loopback port and hands them to the test.
type fakeServer struct {
	listener net.Listener
	conns    chan net.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &fakeServer{listener: ln, conns: make(chan net.Conn, 8)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				close(s.conns)
				return
			}
			s.conns <- conn
		}
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		for conn := range s.conns {
			_ = conn.Close()
		}
	})
	return s
}

func (s *fakeServer) config(channel string) SessionConfig {
	addr := s.listener.Addr().(*net.TCPAddr)
	return SessionConfig{
		Server:   addr.IP.String(),
		Port:     addr.Port,
		Nickname: "gw",
		Channel:  channel,
	}
}

func (s *fakeServer) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn, ok := <-s.conns:
		if !ok {
			t.Fatal("listener closed")
		}
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for connection")
	}
	return nil
}

// collector records the messages a session delivers.
type collector struct {
	msgs chan ChatMessage
}

func newCollector() *collector {
	return &collector{msgs: make(chan ChatMessage, 16)}
}

func (c *collector) HandleMessage(_ context.Context, msg ChatMessage) {
	c.msgs <- msg
}

func (c *collector) next(t *testing.T) ChatMessage {
	t.Helper()
	select {
	case msg := <-c.msgs:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}
	return ChatMessage{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// runSession runs s in the background and stops it when the test ends.
func runSession(t *testing.T, s *Session, h Handler) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(ctx, h)
		close(errCh)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Error("session did not stop")
		}
	})
	return cancel, errCh
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read line: %v", err)
	}
	return line
}

func readICBFrame(t *testing.T, r io.Reader) Frame {
	t.Helper()
	f, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestNewSession_InvalidConfig(t *testing.T) {
	if _, err := NewICBSession(SessionConfig{Server: "localhost", Port: 7326, Nickname: "gw"}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}

	cfg := SessionConfig{Server: "localhost", Port: 7326, Nickname: "gw", Channel: "X"}
	if _, err := NewICBSession(cfg, MaxFrameSizeOption(1000)); !errors.Is(err, ErrInvalidFrameSize) {
		t.Errorf("expected ErrInvalidFrameSize, got %v", err)
	}
}

func TestSession_InitialState(t *testing.T) {
	s, err := NewIRCSession(SessionConfig{Server: "localhost", Port: 6667, Nickname: "gw", Channel: "#X"}, LoggerOption(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if s.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", s.State())
	}
	if s.Name() != "irc" || s.Origin() != OriginIRC {
		t.Errorf("name = %q origin = %v", s.Name(), s.Origin())
	}
	if got := s.Config().Addr(); got != "localhost:6667" {
		t.Errorf("addr = %q", got)
	}
}

func TestSession_SendNotReady(t *testing.T) {
	s, err := NewICBSession(SessionConfig{Server: "localhost", Port: 7326, Nickname: "gw", Channel: "X"}, LoggerOption(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Send(context.Background(), "hello"); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Send(ctx, "hello"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestICBSession_Handshake(t *testing.T) {
	srv := newFakeServer(t)
	s, err := NewICBSession(srv.config("ddial"), LoggerOption(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	runSession(t, s, newCollector())

	conn := srv.accept(t)
	r := bufio.NewReader(conn)

	login := readICBFrame(t, r)
	want := []string{"gw", "gw", DefaultICBGroup, "login", ""}
	if login.Type != FrameLogin || strings.Join(login.Fields, ",") != strings.Join(want, ",") {
		t.Errorf("login = %#v", login)
	}

	join := readICBFrame(t, r)
	if join.Type != FrameCommand || strings.Join(join.Fields, ",") != "g,ddial" {
		t.Errorf("join = %#v", join)
	}

	waitFor(t, "ready", func() bool { return s.State() == StateReady })
}

func TestIRCSession_Handshake(t *testing.T) {
	srv := newFakeServer(t)
	s, err := NewIRCSession(srv.config("#X"), LoggerOption(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	runSession(t, s, newCollector())

	r := bufio.NewReader(srv.accept(t))
	for _, want := range []string{
		"NICK gw\r\n",
		"USER gw 0 * :ICB to IRC Gateway\r\n",
		"JOIN #X\r\n",
	} {
		if got := readLine(t, r); got != want {
			t.Errorf("line = %q, want %q", got, want)
		}
	}
}

func TestIRCSession_PingPong(t *testing.T) {
	srv := newFakeServer(t)
	s, err := NewIRCSession(srv.config("#X"), LoggerOption(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	h := newCollector()
	runSession(t, s, h)

	conn := srv.accept(t)
	r := bufio.NewReader(conn)
	for range 3 {
		readLine(t, r)
	}

	if _, err := conn.Write([]byte("PING :abc\r\n")); err != nil {
		t.Fatal(err)
	}
	if got := readLine(t, r); got != "PONG :abc\r\n" {
		t.Errorf("reply = %q, want PONG :abc", got)
	}

	select {
	case msg := <-h.msgs:
		t.Errorf("PING delivered as message: %#v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestICBSession_PingPong(t *testing.T) {
	srv := newFakeServer(t)
	s, err := NewICBSession(srv.config("X"), LoggerOption(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	runSession(t, s, newCollector())

	conn := srv.accept(t)
	r := bufio.NewReader(conn)
	readICBFrame(t, r)
	readICBFrame(t, r)

	ping, _ := EncodeFrame(Frame{Type: FramePing}, DefaultMaxFrameSize)
	if _, err := conn.Write(ping); err != nil {
		t.Fatal(err)
	}
	if f := readICBFrame(t, r); f.Type != FramePong {
		t.Errorf("reply type = %v, want pong", f.Type)
	}
}

func TestSession_DeliversMessagesAndSkipsMalformed(t *testing.T) {
	srv := newFakeServer(t)
	s, err := NewIRCSession(srv.config("#X"), LoggerOption(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	h := newCollector()
	runSession(t, s, h)

	conn := srv.accept(t)
	input := "PRIVMSG #X :no prefix\r\n" +
		":alice!a@h PRIVMSG #X :first\r\n" +
		":bob!b@h PRIVMSG #X :second\r\n"
	if _, err := conn.Write([]byte(input)); err != nil {
		t.Fatal(err)
	}

	for _, want := range []ChatMessage{
		{Origin: OriginIRC, Sender: "alice", Body: "first"},
		{Origin: OriginIRC, Sender: "bob", Body: "second"},
	} {
		if got := h.next(t); got != want {
			t.Errorf("message = %#v, want %#v", got, want)
		}
	}
	if s.State() != StateReady {
		t.Errorf("state = %v, want ready", s.State())
	}
}

func TestSession_Send(t *testing.T) {
	srv := newFakeServer(t)
	s, err := NewIRCSession(srv.config("#X"), LoggerOption(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	runSession(t, s, newCollector())

	r := bufio.NewReader(srv.accept(t))
	for range 3 {
		readLine(t, r)
	}
	waitFor(t, "ready", func() bool { return s.State() == StateReady })

	if err := s.Send(context.Background(), "alice hello"); err != nil {
		t.Fatal(err)
	}
	if got := readLine(t, r); got != "PRIVMSG #X :alice hello\r\n" {
		t.Errorf("line = %q", got)
	}
}

func TestSession_Reconnect(t *testing.T) {
	srv := newFakeServer(t)
	s, err := NewIRCSession(srv.config("#X"),
		LoggerOption(discardLogger()),
		ReconnectDelayOption(100*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	runSession(t, s, newCollector())

	first := srv.accept(t)
	r := bufio.NewReader(first)
	for range 3 {
		readLine(t, r)
	}
	waitFor(t, "ready", func() bool { return s.State() == StateReady })

	start := time.Now()
	_ = first.Close()
	waitFor(t, "disconnect", func() bool { return s.State() != StateReady })

	second := srv.accept(t)
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("redialed after %v, want at least the reconnect delay", elapsed)
	}

	// The new connection starts over with a full handshake.
	r = bufio.NewReader(second)
	if got := readLine(t, r); got != "NICK gw\r\n" {
		t.Errorf("first line after reconnect = %q", got)
	}
}

func TestSession_ReconnectLeavesOtherSideAlone(t *testing.T) {
	icbSrv := newFakeServer(t)
	ircSrv := newFakeServer(t)

	icb, err := NewICBSession(icbSrv.config("X"), LoggerOption(discardLogger()), ReconnectDelayOption(50*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	irc, err := NewIRCSession(ircSrv.config("#X"), LoggerOption(discardLogger()), ReconnectDelayOption(50*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	runSession(t, icb, newCollector())
	runSession(t, irc, newCollector())

	icbConn := icbSrv.accept(t)
	ircConn := ircSrv.accept(t)
	waitFor(t, "both ready", func() bool {
		return icb.State() == StateReady && irc.State() == StateReady
	})

	_ = icbConn.Close()
	waitFor(t, "icb disconnect", func() bool { return icb.State() != StateReady })
	if irc.State() != StateReady {
		t.Errorf("irc state = %v after icb failure, want ready", irc.State())
	}

	icbSrv.accept(t)
	waitFor(t, "icb ready again", func() bool { return icb.State() == StateReady })

	r := bufio.NewReader(ircConn)
	for range 3 {
		readLine(t, r)
	}
	if err := irc.Send(context.Background(), "still here"); err != nil {
		t.Fatalf("irc send: %v", err)
	}
	if got := readLine(t, r); got != "PRIVMSG #X :still here\r\n" {
		t.Errorf("line = %q", got)
	}
}

func TestSession_DialFailureRetries(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	s, err := NewIRCSession(
		SessionConfig{Server: "127.0.0.1", Port: port, Nickname: "gw", Channel: "#X"},
		LoggerOption(discardLogger()),
		ReconnectDelayOption(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	before := reconnectCount(t, "irc")
	runSession(t, s, newCollector())
	waitFor(t, "reconnect attempts", func() bool { return reconnectCount(t, "irc") >= before+2 })

	if s.State() == StateReady {
		t.Error("session ready without a server")
	}
}

func TestSession_WriteFailure(t *testing.T) {
	s, err := NewIRCSession(SessionConfig{Server: "localhost", Port: 6667, Nickname: "gw", Channel: "#X"},
		LoggerOption(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}

	client, server := net.Pipe()
	_ = server.Close()

	s.mu.Lock()
	s.conn = client
	s.mu.Unlock()
	s.setState(StateReady)

	err = s.Send(context.Background(), "hello")
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %v", err)
	}
	if te.Side != "irc" || te.Op != "write" {
		t.Errorf("transport error = %+v", te)
	}
	if s.State() != StateFailed {
		t.Errorf("state = %v, want failed", s.State())
	}
}

func TestSession_Keepalive(t *testing.T) {
	srv := newFakeServer(t)
	s, err := NewIRCSession(srv.config("#X"),
		LoggerOption(discardLogger()),
		KeepaliveOption(30*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	runSession(t, s, newCollector())

	r := bufio.NewReader(srv.accept(t))
	for range 3 {
		readLine(t, r)
	}
	for range 2 {
		if got := readLine(t, r); got != "PING :ping\r\n" {
			t.Errorf("keepalive = %q, want PING :ping", got)
		}
	}
}

func TestSession_RunStopsOnCancel(t *testing.T) {
	srv := newFakeServer(t)
	s, err := NewICBSession(srv.config("X"), LoggerOption(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	cancel, done := runSession(t, s, newCollector())

	srv.accept(t)
	waitFor(t, "ready", func() bool { return s.State() == StateReady })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if s.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", s.State())
	}
}

func TestSession_ConcurrentSendsDoNotInterleave(t *testing.T) {
	srv := newFakeServer(t)
	s, err := NewICBSession(srv.config("X"),
		LoggerOption(discardLogger()),
		KeepaliveOption(time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	runSession(t, s, newCollector())

	conn := srv.accept(t)
	r := bufio.NewReader(conn)
	readICBFrame(t, r)
	readICBFrame(t, r)
	waitFor(t, "ready", func() bool { return s.State() == StateReady })

	const senders, perSender = 4, 25
	var wg sync.WaitGroup
	for i := range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range perSender {
				_ = s.Send(context.Background(), "sender"+strconv.Itoa(i)+": "+strings.Repeat("x", 200)+strconv.Itoa(j))
			}
		}()
	}

	got := 0
	for got < senders*perSender {
		f := readICBFrame(t, r)
		switch f.Type {
		case FramePing:
		case FrameOpenMessage:
			if len(f.Fields) != 1 || !strings.HasPrefix(f.Fields[0], "sender") {
				t.Fatalf("corrupted frame: %#v", f)
			}
			got++
		default:
			t.Fatalf("unexpected frame type %v", f.Type)
		}
	}
	wg.Wait()
}
