// ABOUTME: OS-assisted TCP port allocation for instance subprocesses
// ABOUTME: Binds port 0 on loopback and reports what the kernel handed out

package ports

import (
	"fmt"
	"net"
	"strconv"
)

const loopback = "127.0.0.1"

// Allocate returns one currently free loopback port.
func Allocate() (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(loopback, "0"))
	if err != nil {
		return 0, fmt.Errorf("allocating port: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port, nil
}

// AllocatePair returns two distinct free loopback ports. Both listeners are
// held open together so the kernel cannot hand out the same port twice.
// The ports are free when returned; nothing reserves them afterwards.
func AllocatePair() (int, int, error) {
	first, err := net.Listen("tcp", net.JoinHostPort(loopback, "0"))
	if err != nil {
		return 0, 0, fmt.Errorf("allocating first port: %w", err)
	}
	defer first.Close()

	second, err := net.Listen("tcp", net.JoinHostPort(loopback, "0"))
	if err != nil {
		return 0, 0, fmt.Errorf("allocating second port: %w", err)
	}
	defer second.Close()

	return first.Addr().(*net.TCPAddr).Port, second.Addr().(*net.TCPAddr).Port, nil
}

// IsAvailable reports whether port can be bound on loopback right now.
func IsAvailable(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(loopback, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// Address formats a loopback host:port for port.
func Address(port int) string {
	return net.JoinHostPort(loopback, strconv.Itoa(port))
}
