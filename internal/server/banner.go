package server

import (
	"net"
	"strings"
	"time"
)

// greet writes the banner line, bounded by the banner timeout.
func (s *Server) greet(c net.Conn) error {
	if s.banner == nil {
		return nil
	}
	b := strings.TrimRight(s.banner(), "\r\n")
	if b == "" {
		return nil
	}
	_ = c.SetWriteDeadline(time.Now().Add(s.bannerTimeout))
	defer func() { _ = c.SetWriteDeadline(time.Time{}) }()
	_, err := c.Write([]byte(b + "\n"))
	return err
}
