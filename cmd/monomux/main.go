// Command monomux is both the MonoMux daemon and its client: run with
// --server to serve the control protocol, or without it to create or
// attach to a PTY-backed session.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/dierpg/monomux/internal/attach"
	"github.com/dierpg/monomux/internal/config"
	"github.com/dierpg/monomux/internal/proto"
	"github.com/dierpg/monomux/internal/server"
)

// Exit codes per the CLI's error taxonomy.
const (
	exitSuccess    = 0
	exitInvocation = 1
	exitSystem     = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

type options struct {
	server      bool
	socket      string
	name        string
	env         []string
	unset       []string
	list        bool
	interactive bool
	detach      bool
	detachAll   bool
	noDaemon    bool
	keepalive   bool
	verbose     int
	quiet       int
}

func parseFlags(args []string) (opts options, program string, programArgs []string, err error) {
	flagSet := pflag.NewFlagSet("monomux", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	flagSet.BoolVar(&opts.server, "server", false, "run the daemon instead of attaching as a client")
	flagSet.StringVarP(&opts.socket, "socket", "s", "", "control socket path (default: $MONOMUX_SOCKET or the platform default)")
	flagSet.StringVarP(&opts.name, "name", "n", "", "session name")
	var envFlags, unsetFlags []string
	flagSet.StringArrayVarP(&envFlags, "env", "e", nil, "set K=V in the session's environment (repeatable)")
	flagSet.StringArrayVarP(&unsetFlags, "unset", "u", nil, "remove K from the session's inherited environment (repeatable)")
	flagSet.BoolVarP(&opts.list, "list", "l", false, "list sessions and exit")
	flagSet.BoolVarP(&opts.interactive, "interactive", "i", false, "pick a session from an interactive menu")
	flagSet.BoolVarP(&opts.detach, "detach", "d", false, "create/attach, then immediately detach, leaving the session running")
	flagSet.BoolVarP(&opts.detachAll, "detach-all", "D", false, "detach this client from any session without attaching")
	flagSet.BoolVarP(&opts.noDaemon, "no-daemon", "N", false, "run the server in this process instead of a background daemon (implies -k)")
	flagSet.BoolVarP(&opts.keepalive, "keepalive", "k", false, "send periodic keepalives on the control socket")
	flagSet.CountVarP(&opts.verbose, "verbose", "v", "increase log verbosity (repeatable)")
	flagSet.CountVarP(&opts.quiet, "quiet", "q", "decrease log verbosity (repeatable)")

	if err := flagSet.Parse(args); err != nil {
		return options{}, "", nil, err
	}
	opts.env = envFlags
	opts.unset = unsetFlags

	if opts.noDaemon {
		opts.keepalive = true
	}

	rest := flagSet.Args()
	if len(rest) > 0 {
		program = rest[0]
		programArgs = rest[1:]
	}
	return opts, program, programArgs, nil
}

func logLevel(opts options) slog.Level {
	verbosity := opts.verbose - opts.quiet
	switch {
	case verbosity <= -1:
		return slog.LevelError
	case verbosity == 0:
		return slog.LevelWarn
	case verbosity == 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

func run(args []string) int {
	opts, program, programArgs, err := parseFlags(args)
	if err != nil {
		if err == pflag.ErrHelp {
			return exitSuccess
		}
		fmt.Fprintln(os.Stderr, "monomux:", err)
		return exitInvocation
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(opts)}))
	socketPath := config.ResolveSocketPath(opts.socket)

	if opts.server {
		return runServer(logger, socketPath)
	}
	return runClient(logger, socketPath, opts, program, programArgs)
}

// runServer blocks serving the control protocol until SIGINT/SIGTERM.
func runServer(logger *slog.Logger, socketPath string) int {
	if err := config.EnsureSocketDir(socketPath); err != nil {
		fmt.Fprintln(os.Stderr, "monomux:", err)
		return exitSystem
	}

	srv, err := server.New(logger, socketPath, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, "monomux:", err)
		return exitSystem
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("daemon listening", "socket", socketPath, "run_id", srv.RunID())
	if err := srv.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "monomux:", err)
		return exitSystem
	}
	return exitSuccess
}

func runClient(logger *slog.Logger, socketPath string, opts options, program string, programArgs []string) int {
	loop, cleanup, err := connectClient(logger, socketPath, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "monomux:", err)
		return exitSystem
	}
	defer cleanup()
	defer loop.Close()

	switch {
	case opts.list:
		return listSessions(loop)
	case opts.detachAll:
		_, _, _ = loop.RequestControl(proto.DetachRequest{}, 2*time.Second)
		return exitSuccess
	}

	name := opts.name
	if opts.interactive {
		picked, err := interactivePicker(loop)
		if err != nil {
			fmt.Fprintln(os.Stderr, "monomux:", err)
			return exitInvocation
		}
		name = picked
	}

	cols, rows := terminalSize()

	actualName, err := attachOrCreate(loop, name, program, programArgs, opts.env, opts.unset, cols, rows)
	if err != nil {
		fmt.Fprintln(os.Stderr, "monomux:", err)
		return exitSystem
	}

	if opts.detach {
		_, _, _ = loop.RequestControl(proto.DetachRequest{}, 2*time.Second)
		fmt.Fprintf(os.Stderr, "monomux: %s is running detached\n", actualName)
		return exitSuccess
	}

	return pumpInteractive(loop)
}

// connectClient dials an existing daemon, or — absent -N — starts a
// detached one and retries the dial; with -N it starts the server
// embedded in this process instead of forking a background daemon.
func connectClient(logger *slog.Logger, socketPath string, opts options) (*attach.Loop, func(), error) {
	if opts.noDaemon {
		if err := config.EnsureSocketDir(socketPath); err != nil {
			return nil, nil, err
		}
		srv, err := server.New(logger, socketPath, true)
		if err != nil {
			return nil, nil, err
		}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = srv.Run(ctx)
		}()
		loop, err := attach.Dial(socketPath)
		if err != nil {
			cancel()
			<-done
			return nil, nil, err
		}
		cleanup := func() {
			cancel()
			<-done
		}
		if opts.keepalive {
			loop.SetKeepaliveInterval(10 * time.Second)
		}
		return loop, cleanup, nil
	}

	loop, err := dialWithRetry(socketPath)
	if err != nil {
		if !spawnDaemon(socketPath) {
			return nil, nil, err
		}
		loop, err = dialWithRetry(socketPath)
		if err != nil {
			return nil, nil, err
		}
	}
	if opts.keepalive {
		loop.SetKeepaliveInterval(10 * time.Second)
	}
	return loop, func() {}, nil
}

// dialWithRetry mirrors the original client's inconsistent
// immediate-vs-delayed reconnect behavior with a single bounded policy:
// five attempts, one second apart, giving a freshly forked daemon time
// to bind the socket.
func dialWithRetry(socketPath string) (*attach.Loop, error) {
	const attempts = 5
	var lastErr error
	for i := 0; i < attempts; i++ {
		loop, err := attach.Dial(socketPath)
		if err == nil {
			return loop, nil
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	return nil, lastErr
}

// spawnDaemon forks a detached copy of this binary in server mode,
// backgrounded in its own session so it survives the client exiting.
func spawnDaemon(socketPath string) bool {
	self, err := os.Executable()
	if err != nil {
		return false
	}
	if err := config.EnsureSocketDir(socketPath); err != nil {
		return false
	}
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return false
	}
	defer devNull.Close()

	cmd := exec.Command(self, "--server", "-s", socketPath)
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd.Start() == nil
}

func listSessions(loop *attach.Loop) int {
	_, fields, err := loop.RequestControl(proto.SessionListRequest{}, 3*time.Second)
	if err != nil {
		fmt.Fprintln(os.Stderr, "monomux:", err)
		return exitSystem
	}
	resp, err := proto.DecodeSessionListResponse(fields)
	if err != nil {
		fmt.Fprintln(os.Stderr, "monomux:", err)
		return exitSystem
	}
	for _, s := range resp.Sessions {
		fmt.Printf("%s\t%d attached\tcreated %s\n", s.Name, s.AttachedCount, time.Unix(s.CreatedAtUnix, 0).Format(time.Stamp))
	}
	return exitSuccess
}

// interactivePicker lists sessions and prompts for a numeric selection,
// the same "print options, fmt.Scan an index" shape used elsewhere in
// the pack's terminal tooling for an ad hoc menu.
func interactivePicker(loop *attach.Loop) (string, error) {
	_, fields, err := loop.RequestControl(proto.SessionListRequest{}, 3*time.Second)
	if err != nil {
		return "", err
	}
	resp, err := proto.DecodeSessionListResponse(fields)
	if err != nil {
		return "", err
	}
	if len(resp.Sessions) == 0 {
		return "", fmt.Errorf("no sessions to attach to")
	}
	if len(resp.Sessions) == 1 {
		return resp.Sessions[0].Name, nil
	}

	fmt.Fprintln(os.Stderr, "Sessions:")
	for i, s := range resp.Sessions {
		fmt.Fprintf(os.Stderr, "  %d. %s (%d attached)\n", i+1, s.Name, s.AttachedCount)
	}
	fmt.Fprintf(os.Stderr, "Select [1-%d]: ", len(resp.Sessions))

	var selection int
	if _, err := fmt.Scan(&selection); err != nil {
		return "", fmt.Errorf("read selection: %w", err)
	}
	if selection < 1 || selection > len(resp.Sessions) {
		return "", fmt.Errorf("invalid selection %d", selection)
	}
	return resp.Sessions[selection-1].Name, nil
}

// attachOrCreate tries to attach to an existing session named name; if
// that fails and program is set, it creates one instead. With no name
// and no program, there's nothing to attach to.
func attachOrCreate(loop *attach.Loop, name, program string, programArgs, env, unset []string, cols, rows uint16) (string, error) {
	if name != "" {
		_, fields, err := loop.RequestControl(proto.AttachRequest{Name: name, Cols: cols, Rows: rows}, 3*time.Second)
		if err != nil {
			return "", err
		}
		attachResp, err := proto.DecodeAttachResponse(fields)
		if err == nil && attachResp.OK {
			return name, nil
		}
		if program == "" {
			if err != nil {
				return "", err
			}
			return "", fmt.Errorf("attach %s: %s", name, attachResp.Error)
		}
	}

	if program == "" {
		return "", fmt.Errorf("no session name or program given")
	}

	_, fields, err := loop.RequestControl(proto.MakeSessionRequest{
		Name: name, Program: program, Args: programArgs, Env: env, Unset: unset, Cols: cols, Rows: rows,
	}, 3*time.Second)
	if err != nil {
		return "", err
	}
	makeResp, err := proto.DecodeMakeSessionResponse(fields)
	if err != nil {
		return "", err
	}
	if !makeResp.OK {
		return "", fmt.Errorf("create session: %s", makeResp.Error)
	}

	_, fields, err = loop.RequestControl(proto.AttachRequest{Name: makeResp.ActualName, Cols: cols, Rows: rows}, 3*time.Second)
	if err != nil {
		return "", err
	}
	attachResp, err := proto.DecodeAttachResponse(fields)
	if err != nil {
		return "", err
	}
	if !attachResp.OK {
		return "", fmt.Errorf("attach %s: %s", makeResp.ActualName, attachResp.Error)
	}
	return makeResp.ActualName, nil
}

// pumpInteractive puts the terminal into raw mode, forwards SIGWINCH
// through the loop, and runs the steady-state stdin/stdout pump until
// the loop reports a terminal ExitReason.
func pumpInteractive(loop *attach.Loop) int {
	stdinFd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		fmt.Fprintln(os.Stderr, "monomux: set terminal raw mode:", err)
		return exitSystem
	}
	defer term.Restore(stdinFd, oldState)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalChannel
		cancel()
	}()

	if err := loop.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "monomux:", err)
		return exitSystem
	}

	outcome := loop.Outcome()
	term.Restore(stdinFd, oldState)
	fmt.Fprintln(os.Stderr)

	switch outcome.Reason {
	case attach.ExitNone, attach.ExitTerminated, attach.ExitDetached:
		return exitSuccess
	case attach.ExitSessionExit:
		fmt.Fprintf(os.Stderr, "monomux: %s\n", outcome.Message)
		return outcome.Code
	default:
		fmt.Fprintf(os.Stderr, "monomux: %s (%s)\n", outcome.Message, outcome.Reason)
		return exitSystem
	}
}

func terminalSize() (cols, rows uint16) {
	ws, err := unix.IoctlGetWinsize(int(os.Stdout.Fd()), unix.TIOCGWINSZ)
	if err != nil {
		return 80, 24
	}
	return ws.Col, ws.Row
}
