package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/dierpg/monomux/internal/proto"
	"github.com/dierpg/monomux/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T) (socketPath string, stop func()) {
	t.Helper()
	socketPath = filepath.Join(t.TempDir(), "monomux.sock")

	srv, err := New(testLogger(), socketPath, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()

	return socketPath, func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
}

func writeFrame(t *testing.T, conn net.Conn, m proto.Message) {
	t.Helper()
	if _, err := conn.Write(proto.Encode(m)); err != nil {
		t.Fatalf("write frame %v: %v", m.Kind(), err)
	}
}

func readFrame(t *testing.T, conn net.Conn) (proto.Kind, wire.Fields) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	header := make([]byte, 8)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("read length prefix: %v", err)
	}
	length := binary.LittleEndian.Uint64(header)
	rest := make([]byte, length)
	if _, err := io.ReadFull(conn, rest); err != nil {
		t.Fatalf("read frame body: %v", err)
	}
	kind := proto.Kind(binary.LittleEndian.Uint16(rest[:2]))
	return kind, wire.DecodeFields(rest[2:])
}

// dialControl performs handshake phase one: connect, send
// ClientIDRequest, and return the assigned id and nonce alongside the
// still-open control connection.
func dialControl(t *testing.T, socketPath string) (conn net.Conn, id, nonce uint64) {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	writeFrame(t, conn, proto.ClientIDRequest{})
	kind, fields := readFrame(t, conn)
	if kind != proto.KindClientIDResponse {
		t.Fatalf("got kind %v, want ClientIDResponse", kind)
	}
	resp, err := proto.DecodeClientIDResponse(fields)
	if err != nil {
		t.Fatalf("decode ClientIDResponse: %v", err)
	}
	return conn, resp.ClientID, resp.Nonce
}

// dialData performs handshake phase two: connect a second socket and
// present (id, nonce) to be promoted to that client's data channel.
func dialData(t *testing.T, socketPath string, id, nonce uint64) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial data: %v", err)
	}
	writeFrame(t, conn, proto.DataSocketRequest{ClientID: id, Nonce: nonce})
	kind, _ := readFrame(t, conn)
	if kind != proto.KindAck {
		t.Fatalf("got kind %v, want Ack", kind)
	}
	return conn
}

func TestHandshakeAssignsIDAndNonce(t *testing.T) {
	socketPath, stop := startServer(t)
	defer stop()

	control, id, nonce := dialControl(t, socketPath)
	defer control.Close()
	if nonce == 0 {
		t.Fatal("expected a nonzero nonce")
	}

	data := dialData(t, socketPath, id, nonce)
	defer data.Close()
}

func TestDataSocketRejectsReplayedNonce(t *testing.T) {
	socketPath, stop := startServer(t)
	defer stop()

	control, id, nonce := dialControl(t, socketPath)
	defer control.Close()

	first := dialData(t, socketPath, id, nonce)
	defer first.Close()

	second, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial second data conn: %v", err)
	}
	defer second.Close()
	writeFrame(t, second, proto.DataSocketRequest{ClientID: id, Nonce: nonce})

	// The server closes the connection without a reply on a failed
	// promotion; a subsequent read should observe EOF rather than Ack.
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil {
		t.Fatal("expected the replayed-nonce data connection to be closed")
	}
}

func TestMakeSessionAttachAndEcho(t *testing.T) {
	socketPath, stop := startServer(t)
	defer stop()

	control, id, nonce := dialControl(t, socketPath)
	defer control.Close()
	data := dialData(t, socketPath, id, nonce)
	defer data.Close()

	writeFrame(t, control, proto.MakeSessionRequest{
		Name:    "echo",
		Program: "/bin/cat",
		Cols:    80,
		Rows:    24,
	})
	kind, fields := readFrame(t, control)
	if kind != proto.KindMakeSessionResponse {
		t.Fatalf("got kind %v, want MakeSessionResponse", kind)
	}
	makeResp, err := proto.DecodeMakeSessionResponse(fields)
	if err != nil {
		t.Fatalf("decode MakeSessionResponse: %v", err)
	}
	if !makeResp.OK {
		t.Fatalf("MakeSessionResponse.Error = %q", makeResp.Error)
	}

	writeFrame(t, control, proto.AttachRequest{Name: makeResp.ActualName, Cols: 80, Rows: 24})
	kind, fields = readFrame(t, control)
	if kind != proto.KindAttachResponse {
		t.Fatalf("got kind %v, want AttachResponse", kind)
	}
	attachResp, err := proto.DecodeAttachResponse(fields)
	if err != nil {
		t.Fatalf("decode AttachResponse: %v", err)
	}
	if !attachResp.OK {
		t.Fatalf("AttachResponse.Error = %q", attachResp.Error)
	}

	if _, err := data.Write([]byte("ping\n")); err != nil {
		t.Fatalf("write to data channel: %v", err)
	}

	// The PTY's line discipline echoes the write itself in addition to
	// whatever cat writes back, so assert on a substring rather than an
	// exact byte count.
	_ = data.SetReadDeadline(time.Now().Add(3 * time.Second))
	var got []byte
	buf := make([]byte, 4096)
	for !bytes.Contains(got, []byte("ping\n")) {
		n, err := data.Read(buf)
		if err != nil {
			t.Fatalf("read echoed output: %v", err)
		}
		got = append(got, buf[:n]...)
	}
}

func TestResizeSignalAndDetach(t *testing.T) {
	socketPath, stop := startServer(t)
	defer stop()

	control, id, nonce := dialControl(t, socketPath)
	defer control.Close()
	data := dialData(t, socketPath, id, nonce)
	defer data.Close()

	writeFrame(t, control, proto.MakeSessionRequest{Program: "/bin/sh", Args: []string{"-c", "sleep 5"}, Cols: 80, Rows: 24})
	_, fields := readFrame(t, control)
	makeResp, _ := proto.DecodeMakeSessionResponse(fields)

	writeFrame(t, control, proto.AttachRequest{Name: makeResp.ActualName, Cols: 80, Rows: 24})
	readFrame(t, control)

	// Resize and signal requests are fire-and-forget: there's no
	// response kind, so the meaningful assertion is just that sending
	// them doesn't wedge the connection and a keepalive still round
	// trips afterward.
	writeFrame(t, control, proto.ResizeRequest{Cols: 100, Rows: 40})
	writeFrame(t, control, proto.SignalRequest{Signal: 0})
	writeFrame(t, control, proto.DetachRequest{})

	writeFrame(t, control, proto.KeepaliveRequest{})
	kind, _ := readFrame(t, control)
	if kind != proto.KindKeepaliveResponse {
		t.Fatalf("got kind %v, want KeepaliveResponse", kind)
	}
}

func TestSessionListAndStatistics(t *testing.T) {
	socketPath, stop := startServer(t)
	defer stop()

	control, id, nonce := dialControl(t, socketPath)
	defer control.Close()
	data := dialData(t, socketPath, id, nonce)
	defer data.Close()

	writeFrame(t, control, proto.MakeSessionRequest{Name: "listed", Program: "/bin/sh", Args: []string{"-c", "sleep 5"}, Cols: 80, Rows: 24})
	readFrame(t, control)

	writeFrame(t, control, proto.SessionListRequest{})
	kind, fields := readFrame(t, control)
	if kind != proto.KindSessionListResponse {
		t.Fatalf("got kind %v, want SessionListResponse", kind)
	}
	listResp, err := proto.DecodeSessionListResponse(fields)
	if err != nil {
		t.Fatalf("decode SessionListResponse: %v", err)
	}
	if len(listResp.Sessions) != 1 || listResp.Sessions[0].Name != "listed" {
		t.Fatalf("Sessions = %+v, want one entry named listed", listResp.Sessions)
	}

	writeFrame(t, control, proto.StatisticsRequest{})
	kind, fields = readFrame(t, control)
	if kind != proto.KindStatisticsResponse {
		t.Fatalf("got kind %v, want StatisticsResponse", kind)
	}
	statsResp, err := proto.DecodeStatisticsResponse(fields)
	if err != nil {
		t.Fatalf("decode StatisticsResponse: %v", err)
	}
	if statsResp.SessionCount != 1 {
		t.Fatalf("SessionCount = %d, want 1", statsResp.SessionCount)
	}
	if statsResp.RunID == "" {
		t.Fatal("expected a nonempty RunID")
	}
}

func TestSessionExitNotification(t *testing.T) {
	socketPath, stop := startServer(t)
	defer stop()

	control, id, nonce := dialControl(t, socketPath)
	defer control.Close()
	data := dialData(t, socketPath, id, nonce)
	defer data.Close()

	writeFrame(t, control, proto.MakeSessionRequest{Name: "short", Program: "/bin/sh", Args: []string{"-c", "sleep 0.3; exit 7"}, Cols: 80, Rows: 24})
	_, fields := readFrame(t, control)
	makeResp, _ := proto.DecodeMakeSessionResponse(fields)

	writeFrame(t, control, proto.AttachRequest{Name: makeResp.ActualName, Cols: 80, Rows: 24})
	readFrame(t, control)

	kind, fields := readFrame(t, control)
	if kind != proto.KindSessionExitNotification {
		t.Fatalf("got kind %v, want SessionExitNotification", kind)
	}
	exit, err := proto.DecodeSessionExitNotification(fields)
	if err != nil {
		t.Fatalf("decode SessionExitNotification: %v", err)
	}
	if exit.ExitCode != 7 {
		t.Fatalf("ExitCode = %d, want 7", exit.ExitCode)
	}
}

// TestRegisterControlHandlerOverridesDefault exercises the override
// table Blocking-2 of the review called for: RegisterControlHandler
// must be able to replace a built-in default handler, not just add
// handling for a previously-unhandled kind.
func TestRegisterControlHandlerOverridesDefault(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "monomux.sock")
	srv, err := New(testLogger(), socketPath, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv.RegisterControlHandler(proto.KindKeepaliveRequest, func(cc *controlConn, _ wire.Fields) error {
		return srv.sendAndWatch(cc.fd, cc.channel, proto.StatisticsResponse{RunID: "overridden"})
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}()

	control, _, _ := dialControl(t, socketPath)
	defer control.Close()

	writeFrame(t, control, proto.KeepaliveRequest{})
	kind, fields := readFrame(t, control)
	if kind != proto.KindStatisticsResponse {
		t.Fatalf("got kind %v, want the overridden handler's StatisticsResponse", kind)
	}
	resp, err := proto.DecodeStatisticsResponse(fields)
	if err != nil {
		t.Fatalf("decode StatisticsResponse: %v", err)
	}
	if resp.RunID != "overridden" {
		t.Fatalf("RunID = %q, want the overridden handler's reply", resp.RunID)
	}
}

func TestAttachDeliversCatchUpHistory(t *testing.T) {
	socketPath, stop := startServer(t)
	defer stop()

	// First client creates the session and lets it produce some output
	// before a second client ever attaches.
	firstControl, firstID, firstNonce := dialControl(t, socketPath)
	defer firstControl.Close()
	firstData := dialData(t, socketPath, firstID, firstNonce)
	defer firstData.Close()

	writeFrame(t, firstControl, proto.MakeSessionRequest{Name: "catchup", Program: "/bin/cat", Cols: 80, Rows: 24})
	_, fields := readFrame(t, firstControl)
	makeResp, _ := proto.DecodeMakeSessionResponse(fields)

	writeFrame(t, firstControl, proto.AttachRequest{Name: makeResp.ActualName, Cols: 80, Rows: 24})
	readFrame(t, firstControl)

	if _, err := firstData.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write to first client's data channel: %v", err)
	}

	// Give the session loop a moment to read the PTY's echo back into
	// the catch-up ring before the second client attaches.
	time.Sleep(200 * time.Millisecond)

	secondControl, secondID, secondNonce := dialControl(t, socketPath)
	defer secondControl.Close()
	secondData := dialData(t, socketPath, secondID, secondNonce)
	defer secondData.Close()

	writeFrame(t, secondControl, proto.AttachRequest{Name: makeResp.ActualName, Cols: 80, Rows: 24})
	kind, fields := readFrame(t, secondControl)
	if kind != proto.KindAttachResponse {
		t.Fatalf("got kind %v, want AttachResponse", kind)
	}
	attachResp, _ := proto.DecodeAttachResponse(fields)
	if !attachResp.OK {
		t.Fatalf("AttachResponse.Error = %q", attachResp.Error)
	}

	_ = secondData.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 4096)
	n, err := secondData.Read(buf)
	if err != nil {
		t.Fatalf("read catch-up history: %v", err)
	}
	if n == 0 {
		t.Fatal("expected nonempty catch-up history on the second client's data channel")
	}
}
