// Package wt serves the chat protocol over WebTransport. Each session opens
// one bidirectional stream carrying newline-delimited JSON events.
package wt

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"dicochat/server/internal/core"
	"dicochat/server/internal/protocol"
	"dicochat/server/internal/ws"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
)

const maxLine = 64 << 10

// Server is the WebTransport listener.
type Server struct {
	addr      string
	tlsConfig *tls.Config
	engine    *core.Engine
	origins   []string
	wt        *webtransport.Server
}

// NewServer returns a server for engine on addr.
func NewServer(addr string, tlsConfig *tls.Config, engine *core.Engine, allowedOrigins []string) *Server {
	return &Server{
		addr:      addr,
		tlsConfig: tlsConfig,
		engine:    engine,
		origins:   allowedOrigins,
	}
}

// Run serves WebTransport sessions until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	s.wt = &webtransport.Server{
		H3: &http3.Server{
			Addr:      s.addr,
			TLSConfig: s.tlsConfig,
			Handler:   mux,
		},
		CheckOrigin: ws.OriginCheck(s.origins),
	}
	webtransport.ConfigureHTTP3Server(s.wt.H3)

	mux.HandleFunc("/wt", func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.wt.Upgrade(w, r)
		if err != nil {
			slog.Warn("webtransport upgrade failed", "remote", r.RemoteAddr, "err", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		s.handleSession(ctx, sess, r.RemoteAddr)
	})

	slog.Info("webtransport listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		_ = s.wt.Close()
	}()

	if err := s.wt.ListenAndServe(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("webtransport serve: %w", err)
	}
	return nil
}

func (s *Server) handleSession(ctx context.Context, sess *webtransport.Session, remote string) {
	defer sess.CloseWithError(0, "bye")

	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		slog.Debug("webtransport accept stream failed", "remote", remote, "err", err)
		return
	}
	serveStream(ctx, s.engine, stream, remote, func() {
		sess.CloseWithError(1, "kicked")
	})
}

// serveStream runs one participant over rw until the reader fails. kick is
// called after the kicked event has been flushed.
func serveStream(ctx context.Context, engine *core.Engine, rw io.ReadWriter, remote string, kick func()) {
	client := engine.Hub().Connect(remote)
	written := make(chan struct{})
	go func() {
		defer close(written)
		writeLoop(rw, client, kick)
	}()
	defer func() {
		engine.Disconnect(ctx, client)
		<-written
	}()

	scanner := bufio.NewScanner(rw)
	scanner.Buffer(make([]byte, 0, 4096), maxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var in protocol.Inbound
		if err := json.Unmarshal(line, &in); err != nil {
			engine.Hub().SendTo(client, protocol.Event{Type: protocol.TypeError, Data: "malformed event"})
			continue
		}
		engine.Handle(ctx, client, in)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		slog.Debug("webtransport read failed", "conn_id", client.ID, "err", err)
	}
}

func writeLoop(w io.Writer, c *core.Conn, kick func()) {
	enc := json.NewEncoder(w)
	for {
		select {
		case ev, ok := <-c.Send():
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
		case <-c.Kicked():
			for flushing := true; flushing; {
				select {
				case ev, ok := <-c.Send():
					if !ok || enc.Encode(ev) != nil {
						flushing = false
					}
				default:
					flushing = false
				}
			}
			kick()
			return
		}
	}
}
