//go:build !linux

package transport

import "net"

// PeerCredentials is not available on this platform.
func PeerCredentials(conn *net.UnixConn) (Credentials, error) {
	return Credentials{}, ErrCredentialsUnsupported
}
