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

// Package p2p implements direct node-to-node document delivery: an encrypted
// framed protocol over TCP with a websocket fallback listener, local subnet
// discovery over UDP multicast, and a peer-exchange protocol for everything
// the subnet cannot see.
package p2p

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/firma-sign/go-firma-sign/core/types"
	"github.com/firma-sign/go-firma-sign/crypto"
	"github.com/firma-sign/go-firma-sign/errs"
	"github.com/firma-sign/go-firma-sign/peers"
	"github.com/firma-sign/go-firma-sign/transport"
)

const (
	transportName    = "p2p"
	transportVersion = "1.0.0"

	// maxDocumentSize is checked before any byte leaves the node.
	maxDocumentSize = 500 << 20

	defaultSendTimeout = 60 * time.Second

	// ackTimeout bounds how long an inbound session waits for local
	// persistence before answering the sender.
	ackTimeout = 60 * time.Second

	// peerExchangeWant is how many records a peer exchange asks for.
	peerExchangeWant = 32
)

func init() {
	transport.Register(transportName, func() transport.Transport { return New() })
}

// Transport is the peer-to-peer delivery mechanism.
type Transport struct {
	mu          sync.Mutex
	key         *btcec.PrivateKey
	peerID      string
	port        int
	sendTimeout time.Duration
	autoDial    bool

	directory *peers.Directory
	srv       *server
	disc      *discovery

	sinkMu    sync.Mutex
	sinks     []chan<- transport.IncomingEnvelope
	receiving bool

	dialing mapset.Set[string]

	initialized bool
	active      int64
	lastErr     atomic.Value // string

	logger *log.Entry
}

// New returns an uninitialized p2p transport.
func New() *Transport {
	return &Transport{
		sendTimeout: defaultSendTimeout,
		dialing:     mapset.NewSet[string](),
		logger:      log.WithField("transport", transportName),
	}
}

func (t *Transport) Name() string    { return transportName }
func (t *Transport) Version() string { return transportVersion }

func (t *Transport) Capabilities() transport.Capabilities {
	return transport.Capabilities{
		MaxFileSize:        maxDocumentSize,
		SupportsBatch:      true,
		SupportsEncryption: true,
		SupportsResume:     true,
		RequiredConfig:     []string{"port"},
	}
}

// ValidateConfig checks the configuration without touching the network.
func (t *Transport) ValidateConfig(cfg transport.Config) error {
	const op = "p2p.ValidateConfig"
	port, ok := intOption(cfg, "port")
	if !ok {
		return errs.New(errs.InvalidConfig, op, "port is required")
	}
	// port+1 carries the websocket listener.
	if port < 1 || port > 65534 {
		return errs.New(errs.InvalidConfig, op, "port %d out of range", port)
	}
	if v, ok := intOption(cfg, "maxConnections"); ok && v < 1 {
		return errs.New(errs.InvalidConfig, op, "maxConnections must be positive")
	}
	if v, ok := intOption(cfg, "sendTimeoutSeconds"); ok && v < 1 {
		return errs.New(errs.InvalidConfig, op, "sendTimeoutSeconds must be positive")
	}
	return nil
}

// Initialize loads the node identity, opens the peer directory and brings
// both listeners up. Discovery failures are tolerated; a node without
// multicast still serves manual and exchanged addresses.
func (t *Transport) Initialize(ctx context.Context, cfg transport.Config) error {
	const op = "p2p.Initialize"
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.initialized {
		return errs.New(errs.OperationFailed, op, "already initialized")
	}
	if err := t.ValidateConfig(cfg); err != nil {
		return err
	}

	port, _ := intOption(cfg, "port")
	keyFile := stringOption(cfg, "keyFile", "p2p.key")
	maxPeers, _ := intOption(cfg, "maxConnections")
	if secs, ok := intOption(cfg, "sendTimeoutSeconds"); ok {
		t.sendTimeout = time.Duration(secs) * time.Second
	}
	t.autoDial = boolOption(cfg, "autoDial", true)

	key, err := crypto.LoadOrGenerateKey(keyFile)
	if err != nil {
		return errs.Wrap(errs.OperationFailed, op, err)
	}
	dir, err := peers.NewDirectory(stringOption(cfg, "peerDbPath", ""))
	if err != nil {
		return err
	}

	t.key = key
	t.peerID = crypto.PeerID(key.PubKey())
	t.port = port
	t.directory = dir
	t.srv = newServer(key, maxPeers, t.handleSession)
	if err := t.srv.start(port); err != nil {
		dir.Close()
		return err
	}
	if boolOption(cfg, "enableDiscovery", true) {
		t.disc = newDiscovery(t.peerID, port, t.onDiscovered)
		if derr := t.disc.start(); derr != nil {
			t.logger.WithError(derr).Warn("multicast discovery unavailable")
			t.disc = nil
		}
	}
	t.initialized = true
	t.logger.WithFields(log.Fields{"peerId": t.peerID, "port": port}).Info("p2p transport up")
	return nil
}

// Shutdown stops discovery, both listeners and the peer directory.
func (t *Transport) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		return nil
	}
	if t.disc != nil {
		t.disc.stop()
		t.disc = nil
	}
	t.srv.stop()
	t.directory.Close()
	t.initialized = false
	t.logger.Info("p2p transport down")
	return nil
}

func (t *Transport) Status() transport.Status {
	t.mu.Lock()
	initialized := t.initialized
	t.mu.Unlock()
	t.sinkMu.Lock()
	receiving := t.receiving
	t.sinkMu.Unlock()
	st := transport.Status{
		Initialized:     initialized,
		Receiving:       receiving,
		ActiveTransfers: int(atomic.LoadInt64(&t.active)),
	}
	if v := t.lastErr.Load(); v != nil {
		st.LastError = v.(string)
	}
	return st
}

// PeerID returns this node's identity. Empty before Initialize.
func (t *Transport) PeerID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerID
}

// Directory exposes the peer directory for the facade and manual adds.
func (t *Transport) Directory() *peers.Directory {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.directory
}

func (t *Transport) Receive(sink chan<- transport.IncomingEnvelope) error {
	t.sinkMu.Lock()
	defer t.sinkMu.Unlock()
	t.sinks = append(t.sinks, sink)
	t.receiving = true
	return nil
}

func (t *Transport) StopReceiving() error {
	t.sinkMu.Lock()
	defer t.sinkMu.Unlock()
	t.sinks = nil
	t.receiving = false
	return nil
}

// Send delivers the transfer to every routed recipient over its own session.
// Oversized documents fail the whole call before any connection is opened.
func (t *Transport) Send(ctx context.Context, out *transport.OutgoingTransfer) (*transport.Result, error) {
	const op = "p2p.Send"
	t.mu.Lock()
	if !t.initialized {
		t.mu.Unlock()
		return nil, errs.New(errs.TransportUnavailable, op, "not initialized")
	}
	key, timeout := t.key, t.sendTimeout
	t.mu.Unlock()

	for _, doc := range out.Documents {
		size := doc.Size
		if int64(len(doc.Data)) > size {
			size = int64(len(doc.Data))
		}
		if size > maxDocumentSize {
			return nil, errs.New(errs.FileTooLarge, op, "document %s is %s, cap is %s",
				doc.ID, humanize.IBytes(uint64(size)), humanize.IBytes(maxDocumentSize))
		}
	}

	req := &transferRequest{
		TransferID: out.TransferID,
		Sender:     out.Sender,
		Options:    out.Options,
	}
	for _, doc := range out.Documents {
		req.Documents = append(req.Documents, wireDocument{
			ID:       doc.ID,
			FileName: doc.FileName,
			MimeType: doc.MimeType,
			Size:     doc.Size,
			Hash:     doc.Hash,
			Data:     doc.Data,
			Metadata: doc.Metadata,
		})
	}

	atomic.AddInt64(&t.active, 1)
	defer atomic.AddInt64(&t.active, -1)

	res := &transport.Result{}
	for _, rec := range out.Recipients {
		err := t.sendToRecipient(ctx, key, timeout, req, rec.Identifier)
		if err != nil {
			t.lastErr.Store(err.Error())
			t.logger.WithError(err).WithFields(log.Fields{
				"transfer":  out.TransferID,
				"recipient": rec.Identifier,
			}).Warn("delivery failed")
		} else {
			res.Success = true
		}
		res.RecipientResults = append(res.RecipientResults, transport.RecipientResult{
			Recipient: rec, Success: err == nil, Err: err,
		})
	}
	return res, nil
}

// sendToRecipient resolves the recipient to a dialable address, runs one
// transfer session and interprets the reply.
func (t *Transport) sendToRecipient(ctx context.Context, key *btcec.PrivateKey, timeout time.Duration, req *transferRequest, identifier string) error {
	const op = "p2p.sendToRecipient"
	addr, expectID, err := t.resolve(identifier)
	if err != nil {
		return err
	}

	c, err := dial(addr, false)
	if err != nil {
		return err
	}
	defer c.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.SetDeadline(deadline)

	sess, err := handshake(c, key, true)
	if err != nil {
		return classifyNetErr(op, err)
	}
	if sess.peerID != expectID {
		return errs.New(errs.AuthFailed, op, "peer identity mismatch: want %s, got %s", expectID, sess.peerID)
	}
	if err := openProtocol(c, sess.send, protoTransfer); err != nil {
		return classifyNetErr(op, err)
	}
	if err := sendJSON(c, sess.send, req); err != nil {
		return classifyNetErr(op, err)
	}
	var reply transferReply
	if err := recvJSON(c, sess.recv, &reply); err != nil {
		return classifyNetErr(op, err)
	}
	if !reply.Success {
		return errs.New(errs.OperationFailed, op, "remote rejected transfer: %s", reply.Error)
	}
	t.directory.Touch(expectID)
	return nil
}

// resolve turns a recipient identifier into host:port plus the identity the
// handshake must present. Identifiers are either a bare peer id known to the
// directory or a manual /ip/.../port/.../id/... address.
func (t *Transport) resolve(identifier string) (addr, peerID string, err error) {
	const op = "p2p.resolve"
	if a, perr := peers.ParseAddress(identifier); perr == nil {
		return a.HostPort(), a.PeerID, nil
	}
	if verr := peers.ValidatePeerID(identifier); verr != nil {
		return "", "", errs.New(errs.InvalidConfig, op, "recipient %q is neither a peer id nor an address", identifier)
	}
	p, err := t.directory.Get(identifier)
	if err != nil {
		return "", "", errs.New(errs.TransportUnavailable, op, "peer %s has no known address", identifier)
	}
	if len(p.Addresses) == 0 {
		return "", "", errs.New(errs.TransportUnavailable, op, "peer %s has no known address", identifier)
	}
	return p.Addresses[0], identifier, nil
}

// handleSession serves one authenticated inbound session.
func (t *Transport) handleSession(proto string, sess *session, conn wire) {
	switch proto {
	case protoTransfer:
		t.serveTransfer(sess, conn)
	case protoPeers:
		t.servePeers(sess, conn)
	}
}

// serveTransfer ingests one transfer request, hands it to the engine through
// the envelope channel and acknowledges with the persistence outcome.
func (t *Transport) serveTransfer(sess *session, conn wire) {
	var req transferRequest
	if err := recvJSON(conn, sess.recv, &req); err != nil {
		t.logger.WithError(err).WithField("peer", sess.peerID).Debug("bad transfer request")
		return
	}
	if err := t.validateRequest(&req, sess.peerID); err != nil {
		sendJSON(conn, sess.send, &transferReply{Success: false, Error: err.Error()})
		return
	}

	t.observeRemote(sess.peerID)
	transport.CountEnvelope(transportName)

	env := transport.IncomingEnvelope{
		TransferID: req.TransferID,
		Sender:     req.Sender,
		Transport:  transportName,
		Options:    req.Options,
		ReceivedAt: time.Now(),
	}
	for _, doc := range req.Documents {
		env.Documents = append(env.Documents, transport.DocumentPayload{
			ID:       doc.ID,
			FileName: doc.FileName,
			MimeType: doc.MimeType,
			Size:     doc.Size,
			Data:     doc.Data,
			Hash:     doc.Hash,
			Metadata: doc.Metadata,
		})
	}
	t.sinkMu.Lock()
	sinks := append([]chan<- transport.IncomingEnvelope(nil), t.sinks...)
	t.sinkMu.Unlock()
	if len(sinks) == 0 {
		sendJSON(conn, sess.send, &transferReply{Success: false, Error: "node not receiving"})
		return
	}
	// Each sink gets its own reply channel so late repliers never block;
	// the first acknowledgement decides the wire answer.
	acks := make(chan error, len(sinks))
	for _, sink := range sinks {
		rc := make(chan error, 1)
		env.Reply = rc
		sink <- env
		go func(rc <-chan error) {
			select {
			case err := <-rc:
				acks <- err
			case <-time.After(ackTimeout):
			}
		}(rc)
	}

	select {
	case err := <-acks:
		if err != nil {
			sendJSON(conn, sess.send, &transferReply{Success: false, Error: err.Error()})
			return
		}
		sendJSON(conn, sess.send, &transferReply{Success: true})
	case <-time.After(ackTimeout):
		sendJSON(conn, sess.send, &transferReply{Success: false, Error: "ingest timed out"})
	}
}

// validateRequest enforces the sender identity, the per-document cap, the
// declared sizes and the content hashes before anything reaches the engine.
func (t *Transport) validateRequest(req *transferRequest, peerID string) error {
	const op = "p2p.validateRequest"
	if req.TransferID == "" {
		return errs.New(errs.InvalidConfig, op, "missing transfer id")
	}
	if len(req.Documents) == 0 {
		return errs.New(errs.InvalidConfig, op, "no documents")
	}
	if req.Sender.SenderID != peerID {
		// The envelope identity is the session identity, whatever the
		// payload claims.
		req.Sender.SenderID = peerID
	}
	req.Sender.Transport = transportName
	req.Sender.Verification = types.VerificationVerified
	if req.Sender.Timestamp == 0 {
		req.Sender.Timestamp = time.Now().UnixMilli()
	}
	for _, doc := range req.Documents {
		if int64(len(doc.Data)) > maxDocumentSize {
			return errs.New(errs.FileTooLarge, op, "document %s exceeds %s",
				doc.ID, humanize.IBytes(maxDocumentSize))
		}
		if int64(len(doc.Data)) != doc.Size {
			return errs.New(errs.InvalidConfig, op, "document %s declares %d bytes, carries %d",
				doc.ID, doc.Size, len(doc.Data))
		}
		if doc.Hash == "" {
			return errs.New(errs.HashMismatch, op, "document %s carries no content hash", doc.ID)
		}
		if crypto.Hash(doc.Data) != doc.Hash {
			return errs.New(errs.HashMismatch, op, "document %s content does not match its hash", doc.ID)
		}
	}
	return nil
}

// servePeers answers a peer-exchange request with a slice of the directory.
func (t *Transport) servePeers(sess *session, conn wire) {
	var req peersRequest
	if err := recvJSON(conn, sess.recv, &req); err != nil {
		return
	}
	t.observeRemote(sess.peerID)
	want := req.Want
	if want <= 0 || want > peerExchangeWant {
		want = peerExchangeWant
	}
	list := t.directory.List()
	if len(list) > want {
		list = list[:want]
	}
	sendJSON(conn, sess.send, &peersReply{Peers: list})
}

// observeRemote records the session peer in the directory. The remote's
// listener port is unknown from an inbound socket; discovery or exchange
// fills the address in.
func (t *Transport) observeRemote(peerID string) {
	t.directory.Observe(&types.Peer{
		PeerID:          peerID,
		Protocols:       []string{protoTransfer, protoPeers},
		TransportsKnown: []string{transportName},
	})
}

// onDiscovered folds a multicast sighting into the directory and, when
// auto-dial is on, runs a peer exchange with the newcomer.
func (t *Transport) onDiscovered(p *types.Peer) {
	known := t.directory.Len()
	if err := t.directory.Observe(p); err != nil {
		return
	}
	if !t.autoDial || t.directory.Len() == known {
		return
	}
	if !t.dialing.Add(p.PeerID) {
		return
	}
	go func() {
		defer t.dialing.Remove(p.PeerID)
		if err := t.exchangePeers(p); err != nil {
			t.logger.WithError(err).WithField("peer", p.PeerID).Debug("peer exchange failed")
		}
	}()
}

// exchangePeers dials p, asks for its directory and merges the answer.
func (t *Transport) exchangePeers(p *types.Peer) error {
	const op = "p2p.exchangePeers"
	if len(p.Addresses) == 0 {
		return errs.New(errs.TransportUnavailable, op, "peer %s has no address", p.PeerID)
	}
	t.mu.Lock()
	key := t.key
	t.mu.Unlock()

	c, err := dial(p.Addresses[0], false)
	if err != nil {
		return err
	}
	defer c.Close()
	c.SetDeadline(time.Now().Add(dialTimeout))

	sess, err := handshake(c, key, true)
	if err != nil {
		return err
	}
	if sess.peerID != p.PeerID {
		return errs.New(errs.AuthFailed, op, "peer identity mismatch")
	}
	if err := openProtocol(c, sess.send, protoPeers); err != nil {
		return err
	}
	if err := sendJSON(c, sess.send, &peersRequest{Want: peerExchangeWant}); err != nil {
		return err
	}
	var reply peersReply
	if err := recvJSON(c, sess.recv, &reply); err != nil {
		return err
	}
	for _, remote := range reply.Peers {
		if remote.PeerID == t.peerID {
			continue
		}
		t.directory.Observe(remote)
	}
	return nil
}

// classifyNetErr maps wire timeouts onto SendTimeout so callers can retry.
func classifyNetErr(op string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return errs.New(errs.SendTimeout, op, "no reply before deadline")
	}
	return errs.Wrap(errs.OperationFailed, op, err)
}

func intOption(cfg transport.Config, key string) (int, bool) {
	switch v := cfg[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func stringOption(cfg transport.Config, key, def string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return def
}

func boolOption(cfg transport.Config, key string, def bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return def
}

// Address re-exports the manual address form for config surfaces.
type Address = peers.Address
