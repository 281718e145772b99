package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-serimon/internal/hub"
	"github.com/kstaniek/go-serimon/internal/line"
	"github.com/kstaniek/go-serimon/internal/metrics"
	"github.com/kstaniek/go-serimon/internal/transport"
)

const readChunk = 4096

func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = conn.Close(); cl.Close() }()
		fr, err := line.NewFramer(line.WithMaxLine(s.maxLine))
		if err != nil {
			logger.Error("tap_framer", "error", err)
			return
		}
		buf := make([]byte, readChunk)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			n, err := conn.Read(buf)
			if n > 0 {
				for _, text := range fr.Feed(buf[:n]) {
					metrics.IncTapRx()
					s.forward(text, logger)
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					select {
					case <-ctxDone:
						return
					case <-cl.Closed:
						return
					default:
					}
					continue
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}

// forward hands one client line to the sink; failures never end the connection.
func (s *Server) forward(text string, logger *slog.Logger) {
	if s.Sink == nil {
		return
	}
	err := s.Sink.SendLine(text)
	if err == nil {
		return
	}
	if errors.Is(err, transport.ErrTxOverflow) {
		s.totalBackendOverflow.Add(1)
		logger.Debug("backend_overflow_drop", "len", len(text))
		return
	}
	wrap := fmt.Errorf("%w: %v", ErrBackendTx, err)
	metrics.IncError(mapErrToMetric(wrap))
	s.setError(wrap)
	s.totalBackendErrors.Add(1)
	logger.Error("backend_tx_error", "error", wrap)
}
