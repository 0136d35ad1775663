// Package serialink reads the device-to-phone byte stream: a sequence
// of JSON objects with no delimiters between them. The stream arrives
// either over a local serial device or from a single TCP peer; at most
// one peer is served at a time, and a new peer can attach after the
// previous one disconnects.
package serialink

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const defaultBaudRate = 115200

type Config struct {
	// Listen is a TCP address to accept the stream on, e.g. ":7765".
	Listen string `toml:"listen"`
	// Device is a serial device path, e.g. "/dev/rfcomm0". When set it
	// takes precedence over Listen.
	Device string `toml:"device"`
	Baud   int    `toml:"baud"`
}

// Source owns the stream handle and pushes each framed message into
// the frames channel. It is driven by the core's retry loop through
// Open/Start/Close.
type Source struct {
	cfg    Config
	frames chan<- []byte

	mu   sync.Mutex
	port serial.Port
	lis  net.Listener

	drops atomic.Int64
}

// test injection point
var serialOpen = func(device string, mode *serial.Mode) (serial.Port, error) {
	return serial.Open(device, mode)
}

func New(cfg Config, frames chan<- []byte) *Source {
	return &Source{
		cfg:    cfg,
		frames: frames,
	}
}

func (s *Source) Name() string {
	return "serial"
}

func (s *Source) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Device != "" {
		baud := s.cfg.Baud
		if baud == 0 {
			baud = defaultBaudRate
		}
		port, err := serialOpen(s.cfg.Device, &serial.Mode{BaudRate: baud})
		if err != nil {
			return errors.Wrapf(err, "unable to open serial device %s", s.cfg.Device)
		}
		s.port = port
		return nil
	}
	lis, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "unable to listen on %s", s.cfg.Listen)
	}
	s.lis = lis
	return nil
}

// Addr reports the bound listen address, or nil before Open or in
// device mode.
func (s *Source) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.port != nil {
		err = s.port.Close()
		s.port = nil
	}
	if s.lis != nil {
		if cerr := s.lis.Close(); err == nil {
			err = cerr
		}
		s.lis = nil
	}
	return err
}

// Start reads frames until the context ends or the handle fails.
// In listen mode peers are served strictly one at a time; a peer
// disconnect or an unparsable stream resets the connection and the
// listener goes back to accepting.
func (s *Source) Start(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// unblock the pending read/accept
			s.Close()
		case <-done:
		}
	}()

	s.mu.Lock()
	port, lis := s.port, s.lis
	s.mu.Unlock()

	if port != nil {
		return s.readFrames(ctx, port)
	}
	if lis == nil {
		return errors.New("serial source is not open")
	}
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "accept failed")
		}
		log.WithField("peer", conn.RemoteAddr().String()).Info("serial peer connected")
		if err := s.readFrames(ctx, conn); err != nil && ctx.Err() == nil {
			log.WithError(err).Info("serial peer disconnected")
		}
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// readFrames splits the byte stream on JSON object boundaries and emits
// one raw message per object. A syntax error poisons the decoder, so an
// unparsable frame ends this connection; the diagnostic is logged by
// the caller and the transport stays restartable.
func (s *Source) readFrames(ctx context.Context, r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if err == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "unparsable frame")
		}
		select {
		case s.frames <- raw:
		default:
			s.drops.Add(1)
			log.Debug("serial frame dropped, ingest channel full")
		}
	}
}

// DroppedFrames reports frames discarded because the ingest channel
// was full.
func (s *Source) DroppedFrames() int64 {
	return s.drops.Load()
}
