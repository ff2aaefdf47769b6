// Copyright 2026 The firma-sign Authors
// This file is part of the firma-sign library.
//
// The firma-sign library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The firma-sign library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the firma-sign library. If not, see <http://www.gnu.org/licenses/>.

package p2p

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/firma-sign/go-firma-sign/errs"
)

const (
	defaultMaxPeers  = 50
	handshakeTimeout = 10 * time.Second
	dialTimeout      = 30 * time.Second
)

// wire is the substrate a session runs over: a TCP connection or the
// stream adapter around a websocket.
type wire interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
	RemoteAddr() net.Addr
}

// sessionHandler serves one inbound session after handshake and protocol
// selection.
type sessionHandler func(proto string, sess *session, conn wire)

// server owns both listeners and the inbound peer slots. The same framed
// protocol runs on the TCP port and, for NAT-restricted peers, over
// websocket on the next port up.
type server struct {
	key     *btcec.PrivateKey
	handler sessionHandler
	logger  *log.Entry

	slots chan struct{}

	mu   sync.Mutex
	tcp  net.Listener
	ws   *http.Server
	quit chan struct{}
	wg   sync.WaitGroup
}

func newServer(key *btcec.PrivateKey, maxPeers int, handler sessionHandler) *server {
	if maxPeers <= 0 {
		maxPeers = defaultMaxPeers
	}
	return &server{
		key:     key,
		handler: handler,
		logger:  log.WithField("component", "p2p-server"),
		slots:   make(chan struct{}, maxPeers),
		quit:    make(chan struct{}),
	}
}

// start opens the TCP listener on port and the websocket listener on port+1.
func (s *server) start(port int) error {
	const op = "p2p.server.start"
	tcp, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return errs.Wrap(errs.OperationFailed, op, err)
	}
	s.mu.Lock()
	s.tcp = tcp
	s.mu.Unlock()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		// Identity comes from the handshake inside the stream, not the
		// HTTP origin.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		wsc, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.WithError(err).Debug("websocket upgrade failed")
			return
		}
		s.serveConn(newWSStream(wsc))
	})
	ws := &http.Server{Addr: fmt.Sprintf(":%d", port+1), Handler: mux}
	s.mu.Lock()
	s.ws = ws
	s.mu.Unlock()

	s.wg.Add(2)
	go s.acceptLoop(tcp)
	go func() {
		defer s.wg.Done()
		if err := ws.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Warn("websocket listener stopped")
		}
	}()
	s.logger.WithFields(log.Fields{"port": port, "wsPort": port + 1}).Info("listeners up")
	return nil
}

func (s *server) acceptLoop(l net.Listener) {
	defer s.wg.Done()
	for {
		c, err := l.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				s.logger.WithError(err).Debug("accept failed")
				continue
			}
		}
		go s.serveConn(c)
	}
}

// serveConn runs handshake and protocol selection on one inbound wire,
// holding a peer slot for the duration. A full house drops the connection.
func (s *server) serveConn(c wire) {
	select {
	case s.slots <- struct{}{}:
	default:
		s.logger.WithField("remote", c.RemoteAddr().String()).Debug("peer slots full, dropping")
		c.Close()
		return
	}
	defer func() { <-s.slots }()
	defer c.Close()

	c.SetDeadline(time.Now().Add(handshakeTimeout))
	sess, err := handshake(c, s.key, false)
	if err != nil {
		s.logger.WithError(err).WithField("remote", c.RemoteAddr().String()).Debug("handshake failed")
		return
	}
	proto, err := acceptProtocol(c, sess.recv)
	if err != nil {
		s.logger.WithError(err).WithField("peer", sess.peerID).Debug("protocol selection failed")
		return
	}
	c.SetDeadline(time.Time{})
	s.handler(proto, sess, c)
}

// stop closes both listeners and waits for the accept loops.
func (s *server) stop() {
	s.mu.Lock()
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	tcp, ws := s.tcp, s.ws
	s.mu.Unlock()
	if tcp != nil {
		tcp.Close()
	}
	if ws != nil {
		ws.Close()
	}
	s.wg.Wait()
}

// dial opens an outbound wire, preferring plain TCP and falling back to the
// websocket port when addr carries the ws scheme.
func dial(addr string, wsFallback bool) (wire, error) {
	const op = "p2p.dial"
	if wsFallback {
		wsc, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/", nil)
		if err != nil {
			return nil, errs.Wrap(errs.TransportUnavailable, op, err)
		}
		return newWSStream(wsc), nil
	}
	c, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, errs.Wrap(errs.TransportUnavailable, op, err)
	}
	return c, nil
}

// wsStream adapts a websocket connection to the byte-stream wire contract.
// Each Write becomes one binary message; Read crosses message boundaries.
type wsStream struct {
	ws     *websocket.Conn
	reader io.Reader
	wmu    sync.Mutex
}

func newWSStream(ws *websocket.Conn) *wsStream { return &wsStream{ws: ws} }

func (w *wsStream) Read(p []byte) (int, error) {
	for {
		if w.reader == nil {
			mt, r, err := w.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			w.reader = r
		}
		n, err := w.reader.Read(p)
		if err == io.EOF {
			w.reader = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (w *wsStream) Write(p []byte) (int, error) {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	if err := w.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsStream) Close() error { return w.ws.Close() }

func (w *wsStream) SetDeadline(t time.Time) error {
	if err := w.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return w.ws.SetWriteDeadline(t)
}

func (w *wsStream) RemoteAddr() net.Addr { return w.ws.RemoteAddr() }
