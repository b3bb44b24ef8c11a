package api

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/powersync/sync-service/internal/syncstream"
	"github.com/powersync/sync-service/internal/wire/compress"
)

// httpChunkedSender writes each frame as one newline-delimited JSON
// (or BSON-length-prefixed, for FlavorBinary) chunk, flushing after every
// write so a client reading the response body incrementally sees data as
// soon as it is produced (spec §6 "HTTP chunked JSON").
type httpChunkedSender struct {
	w http.ResponseWriter
	f http.Flusher
}

func newHTTPChunkedSender(w http.ResponseWriter) *httpChunkedSender {
	f, _ := w.(http.Flusher)
	return &httpChunkedSender{w: w, f: f}
}

func (s *httpChunkedSender) Send(ctx context.Context, frame []byte) error {
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n")); err != nil {
		return err
	}
	if s.f != nil {
		s.f.Flush()
	}
	return nil
}

// wsSender writes each frame as one binary WebSocket message, preserving
// byte-for-byte framing for both JSON and BSON flavors (spec §6
// "length-prefixed frames").
type wsSender struct {
	conn *websocket.Conn
}

func newWSSender(conn *websocket.Conn) *wsSender {
	return &wsSender{conn: conn}
}

func (s *wsSender) Send(ctx context.Context, frame []byte) error {
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// compressingSender wraps a Sender, compressing every outgoing frame with
// the algorithm negotiated for the connection (SPEC_FULL.md "optional
// frame compression"). algo == compress.None makes it a transparent
// passthrough.
type compressingSender struct {
	inner syncstream.Sender
	algo  compress.Algorithm
}

func newCompressingSender(inner syncstream.Sender, algo compress.Algorithm) syncstream.Sender {
	if algo == compress.None {
		return inner
	}
	return &compressingSender{inner: inner, algo: algo}
}

func (s *compressingSender) Send(ctx context.Context, frame []byte) error {
	compressed, err := compress.Compress(s.algo, frame)
	if err != nil {
		return err
	}
	return s.inner.Send(ctx, compressed)
}
