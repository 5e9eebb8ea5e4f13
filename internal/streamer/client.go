// Package streamer implements the client side of the speech relay: it sends
// the start command, streams captured audio and prints the transcripts.
package streamer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lexiqai/speech-relay/internal/audio"
	"github.com/lexiqai/speech-relay/internal/capture"
	"github.com/lexiqai/speech-relay/internal/protocol"
	"github.com/lexiqai/speech-relay/internal/resilience"
)

const (
	writeWait = 10 * time.Second
	closeWait = 2 * time.Second
)

// Options configures one streaming run
type Options struct {
	URL                  string
	Language             string
	VoiceActivityTimeout int // seconds, 0 disables

	// Encoding of the frames on the wire; mulaw halves the bandwidth
	Encoding   string
	SampleRate int

	// OutputFile receives a copy of every captured chunk; empty disables it
	OutputFile string

	Dial *resilience.ReconnectConfig

	// Linger is how long to wait for trailing transcripts after a finite
	// source is exhausted
	Linger time.Duration
}

// Client streams one audio source to the relay
type Client struct {
	opts    Options
	source  capture.Source
	printer *Printer
	dialer  *websocket.Dialer
	logger  zerolog.Logger

	sendErrors int
}

// NewClient creates a client reading from source and printing to printer
func NewClient(opts Options, source capture.Source, printer *Printer) *Client {
	if opts.Encoding == "" {
		opts.Encoding = protocol.EncodingLinear16
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = protocol.DefaultSampleRate
	}
	return &Client{
		opts:    opts,
		source:  source,
		printer: printer,
		dialer:  websocket.DefaultDialer,
		logger:  log.With().Str("component", "streamer").Logger(),
	}
}

// SendErrors returns how many audio frames failed to send
func (c *Client) SendErrors() int {
	return c.sendErrors
}

// onceCloser runs fn at most once and remembers its result
type onceCloser struct {
	once sync.Once
	fn   func() error
	err  error
}

func (o *onceCloser) Close() error {
	o.once.Do(func() { o.err = o.fn() })
	return o.err
}

// Run dials the relay and streams until the socket closes, ctx is done, or
// the source fails or runs dry. It returns nil for an orderly end.
func (c *Client) Run(ctx context.Context) error {
	stopSource := &onceCloser{fn: c.source.Close}
	defer stopSource.Close()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	closeConn := &onceCloser{fn: conn.Close}
	defer closeConn.Close()

	var tee *os.File
	if c.opts.OutputFile != "" {
		tee, err = os.Create(c.opts.OutputFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
	}
	closeFile := &onceCloser{fn: func() error {
		if tee == nil {
			return nil
		}
		return tee.Close()
	}}
	defer closeFile.Close()

	if err := c.sendCommand(conn); err != nil {
		return err
	}

	if err := c.source.Start(); err != nil {
		c.closeSocket(conn, websocket.CloseNormalClosure)
		return fmt.Errorf("failed to start audio source: %w", err)
	}

	pumpCtx, cancelPump := context.WithCancel(ctx)
	defer cancelPump()

	readDone := make(chan error, 1)
	go func() {
		readDone <- c.readReplies(conn)
		cancelPump()
	}()

	encode, err := c.encoder()
	if err != nil {
		return err
	}

	for {
		chunk, err := c.source.Read(pumpCtx)
		if err != nil {
			return c.finish(ctx, conn, readDone, err, stopSource, closeFile)
		}

		if tee != nil {
			if _, werr := tee.Write(chunk); werr != nil {
				c.logger.Error().Err(werr).Msg("Failed to write output file, disabling it")
				_ = closeFile.Close()
				tee = nil
			}
		}

		frame, err := encode(chunk)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to encode audio chunk")
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
				return c.finish(ctx, conn, readDone, err, stopSource, closeFile)
			}
			c.sendErrors++
			c.logger.Error().Err(err).Msg("Error sending audio data")
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	err := resilience.Reconnect(ctx, c.opts.URL, func(ctx context.Context) error {
		dialed, resp, err := c.dialer.DialContext(ctx, c.opts.URL, nil)
		if err != nil {
			if resp != nil {
				return fmt.Errorf("dial %s: %w (status %d)", c.opts.URL, err, resp.StatusCode)
			}
			return fmt.Errorf("dial %s: %w", c.opts.URL, err)
		}
		conn = dialed
		return nil
	}, c.opts.Dial)
	if err != nil {
		return nil, err
	}

	c.logger.Info().Str("url", c.opts.URL).Msg("Connected to relay")
	return conn, nil
}

// sendCommand writes the one start command; audio may only follow it
func (c *Client) sendCommand(conn *websocket.Conn) error {
	cmd := protocol.NewStartCommand(c.opts.Language, c.opts.VoiceActivityTimeout)
	if c.opts.Encoding != protocol.EncodingLinear16 || c.opts.SampleRate != protocol.DefaultSampleRate {
		cmd.Encoding = c.opts.Encoding
		cmd.SampleRate = c.opts.SampleRate
	}

	data, err := cmd.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode start command: %w", err)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send start command: %w", err)
	}

	c.logger.Info().
		Str("language", cmd.Language).
		Int("voice_activity_timeout", cmd.VoiceActivityTimeout).
		Msg("Sent start command")
	return nil
}

func (c *Client) encoder() (func([]byte) ([]byte, error), error) {
	switch c.opts.Encoding {
	case protocol.EncodingLinear16:
		return func(pcm []byte) ([]byte, error) { return pcm, nil }, nil
	case protocol.EncodingMulaw:
		return audio.EncodeMulaw, nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", c.opts.Encoding)
	}
}

// readReplies prints replies until the socket fails or closes
func (c *Client) readReplies(conn *websocket.Conn) error {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		reply, err := protocol.ParseReply(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Ignoring malformed reply")
			continue
		}
		c.printer.Print(reply)
	}
}

// finish handles the end of the audio pump. cause is the error that stopped it.
func (c *Client) finish(ctx context.Context, conn *websocket.Conn, readDone <-chan error, cause error, stopSource, closeFile io.Closer) error {
	if err := stopSource.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("Error stopping audio source")
	}
	if err := closeFile.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("Error closing output file")
	}

	select {
	case readErr := <-readDone:
		// The socket closed first; that is what stopped the pump
		return c.socketClosed(readErr)
	default:
	}

	switch {
	case errors.Is(cause, io.EOF):
		c.logger.Info().Msg("Audio input finished, waiting for final transcripts")
		if c.opts.Linger > 0 {
			timer := time.NewTimer(c.opts.Linger)
			defer timer.Stop()
			select {
			case readErr := <-readDone:
				return c.socketClosed(readErr)
			case <-ctx.Done():
			case <-timer.C:
			}
		}
		c.closeSocket(conn, websocket.CloseNormalClosure)
		c.awaitClose(readDone)
		return nil

	case ctx.Err() != nil:
		c.logger.Info().Msg("Stopping stream")
		c.closeSocket(conn, websocket.CloseNormalClosure)
		c.awaitClose(readDone)
		return nil

	case errors.Is(cause, websocket.ErrCloseSent) || errors.Is(cause, net.ErrClosed):
		return c.socketClosed(<-readDone)

	default:
		c.logger.Error().Err(cause).Msg("Audio source error")
		c.closeSocket(conn, websocket.CloseNormalClosure)
		c.awaitClose(readDone)
		return fmt.Errorf("audio source failed: %w", cause)
	}
}

func (c *Client) closeSocket(conn *websocket.Conn, code int) {
	msg := websocket.FormatCloseMessage(code, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil &&
		!errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug().Err(err).Msg("Failed to send close frame")
	}
}

// awaitClose waits briefly for the relay to acknowledge our close frame
func (c *Client) awaitClose(readDone <-chan error) {
	select {
	case <-readDone:
	case <-time.After(closeWait):
	}
}

func (c *Client) socketClosed(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Info().Msg("Relay closed the connection")
		return nil
	}
	c.logger.Error().Err(err).Msg("WebSocket error")
	return fmt.Errorf("connection closed: %w", err)
}
