package utils

import (
	"fmt"
	log "github.com/sirupsen/logrus"
	"net"
)

// PortIsAvailable reports whether a TCP listener can be opened on port on all interfaces.
func PortIsAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		log.Debugf("Can't listen on port %d: %s", port, err)
		return false
	}
	_ = ln.Close()
	return true
}
