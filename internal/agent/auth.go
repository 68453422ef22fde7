// auth.go authenticates the process on the other end of the socket using
// SO_PEERCRED. The socket's filesystem permissions are the first gate; this
// check is the second.
package agent

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// ErrNotUnixConn is returned when peer credentials are requested for a
// connection that is not a Unix socket.
var ErrNotUnixConn = errors.New("not a unix socket connection")

// Peer identifies the process that connected to the agent.
type Peer struct {
	PID int32
	UID uint32
	GID uint32
}

// Authorizer decides whether a peer may submit requests.
type Authorizer interface {
	Authorize(peer Peer) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(peer Peer) error

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(peer Peer) error { return f(peer) }

// PeerAuthorizer allows root plus an explicit set of uids and gids.
// With both sets empty it allows every peer that could open the socket,
// leaving the decision to the socket's mode and group.
type PeerAuthorizer struct {
	UIDs map[uint32]bool
	GIDs map[uint32]bool
}

// NewPeerAuthorizer builds an authorizer from id lists.
func NewPeerAuthorizer(uids, gids []uint32) *PeerAuthorizer {
	a := &PeerAuthorizer{UIDs: map[uint32]bool{}, GIDs: map[uint32]bool{}}
	for _, id := range uids {
		a.UIDs[id] = true
	}
	for _, id := range gids {
		a.GIDs[id] = true
	}
	return a
}

// Authorize implements Authorizer.
func (a *PeerAuthorizer) Authorize(peer Peer) error {
	if peer.UID == 0 {
		return nil
	}
	if len(a.UIDs) == 0 && len(a.GIDs) == 0 {
		return nil
	}
	if a.UIDs[peer.UID] || a.GIDs[peer.GID] {
		return nil
	}
	return fmt.Errorf("peer uid %d gid %d (pid %d) is not allowed", peer.UID, peer.GID, peer.PID)
}

// PeerCredentials reads SO_PEERCRED from a Unix socket connection.
func PeerCredentials(conn net.Conn) (Peer, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return Peer{}, ErrNotUnixConn
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return Peer{}, fmt.Errorf("raw conn: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return Peer{}, fmt.Errorf("control: %w", err)
	}
	if credErr != nil {
		return Peer{}, fmt.Errorf("SO_PEERCRED: %w", credErr)
	}
	return Peer{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid}, nil
}
