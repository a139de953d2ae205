// Package config holds the small pieces of runtime configuration that
// flow between the MonoMux server, its sessions, and client processes:
// socket path derivation and the MONOMUX_SOCKET/MONOMUX_SESSION_NAME
// environment variables. Session spawning does not add these
// variables to a child's environment; Session.Env only renders them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment variable names rendered by Session.Env. ResolveSocketPath
// also reads EnvSocket.
const (
	EnvSocket      = "MONOMUX_SOCKET"
	EnvSessionName = "MONOMUX_SESSION_NAME"
)

// Session is the socket path + session name descriptor. Nothing in
// the server hands it to a spawned child: session.Registry.Spawn
// builds the child's environment without it.
type Session struct {
	SocketPath  string
	SessionName string
}

// Env renders the descriptor as the extra environment entries a child
// process should receive, in addition to os.Environ().
func (s Session) Env() []string {
	return []string{
		EnvSocket + "=" + s.SocketPath,
		EnvSessionName + "=" + s.SessionName,
	}
}

// DefaultSocketPath derives the control-socket path MonoMux uses when
// neither -s/--socket nor $MONOMUX_SOCKET is given: a per-user path
// under $XDG_RUNTIME_DIR, falling back to /tmp when that is unset.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "monomux", "server.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("monomux-%d", os.Getuid()), "server.sock")
}

// ResolveSocketPath picks the effective socket path: explicit (from a
// CLI flag) wins, then $MONOMUX_SOCKET, then the computed default.
func ResolveSocketPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(EnvSocket); env != "" {
		return env
	}
	return DefaultSocketPath()
}

// EnsureSocketDir creates the parent directory of path with the
// restrictive permissions MonoMux relies on as its only access
// control: filesystem permissions gate who can reach the socket.
func EnsureSocketDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o700)
}
