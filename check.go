package openport

import (
	"fmt"
	"golang.org/x/net/proxy"
	"net"
	"strconv"
	"time"
)

// CheckSocksProxy opens a connection to target through the SOCKS proxy of a dynamic tunnel.
func CheckSocksProxy(port int, target string, timeout time.Duration) error {
	dialer, err := proxy.SOCKS5("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), nil, &net.Dialer{Timeout: timeout})
	if err != nil {
		return err
	}
	conn, err := dialer.Dial("tcp", target)
	if err != nil {
		return fmt.Errorf("connecting to %s through socks port %d: %w", target, port, err)
	}
	return conn.Close()
}

// CheckLocalForward opens a connection to the local end of a tunnel.
func CheckLocalForward(port int, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), timeout)
	if err != nil {
		return fmt.Errorf("connecting to local port %d: %w", port, err)
	}
	return conn.Close()
}
