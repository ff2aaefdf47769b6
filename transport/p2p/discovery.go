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
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/firma-sign/go-firma-sign/core/types"
	"github.com/firma-sign/go-firma-sign/errs"
)

const (
	multicastGroup   = "239.255.70.83:9478"
	announceInterval = 30 * time.Second
	maxDatagram      = 1024
)

// discoveryMsg is one multicast datagram. A query asks every listener to
// answer with an announce.
type discoveryMsg struct {
	Type   string `json:"type"` // "announce" or "query"
	PeerID string `json:"peerId"`
	Port   int    `json:"port"`
	WSPort int    `json:"wsPort"`
}

// discovery announces this node on the local subnet and learns about
// neighbours doing the same.
type discovery struct {
	self   discoveryMsg
	onPeer func(p *types.Peer)
	logger *log.Entry

	mu   sync.Mutex
	conn *net.UDPConn
	out  *net.UDPConn
	quit chan struct{}
	wg   sync.WaitGroup
}

func newDiscovery(peerID string, port int, onPeer func(p *types.Peer)) *discovery {
	return &discovery{
		self:   discoveryMsg{Type: "announce", PeerID: peerID, Port: port, WSPort: port + 1},
		onPeer: onPeer,
		logger: log.WithField("component", "p2p-discovery"),
		quit:   make(chan struct{}),
	}
}

func (d *discovery) start() error {
	const op = "p2p.discovery.start"
	group, err := net.ResolveUDPAddr("udp4", multicastGroup)
	if err != nil {
		return errs.Wrap(errs.OperationFailed, op, err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return errs.Wrap(errs.OperationFailed, op, err)
	}
	conn.SetReadBuffer(64 * 1024)
	out, err := net.DialUDP("udp4", nil, group)
	if err != nil {
		conn.Close()
		return errs.Wrap(errs.OperationFailed, op, err)
	}
	d.mu.Lock()
	d.conn, d.out = conn, out
	d.mu.Unlock()

	d.wg.Add(2)
	go d.readLoop(conn)
	go d.announceLoop()

	// Opening query so existing nodes reveal themselves right away.
	d.send(discoveryMsg{Type: "query", PeerID: d.self.PeerID})
	return nil
}

func (d *discovery) readLoop(conn *net.UDPConn) {
	defer d.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.quit:
				return
			default:
				d.logger.WithError(err).Debug("multicast read failed")
				continue
			}
		}
		var msg discoveryMsg
		if err := json.Unmarshal(buf[:n], &msg); err != nil || msg.PeerID == d.self.PeerID {
			continue
		}
		switch msg.Type {
		case "query":
			d.send(d.self)
		case "announce":
			if msg.Port < 1 || msg.Port > 65535 {
				continue
			}
			d.onPeer(&types.Peer{
				PeerID:          msg.PeerID,
				Addresses:       []string{fmt.Sprintf("%s:%d", src.IP.String(), msg.Port)},
				Protocols:       []string{protoTransfer, protoPeers},
				TransportsKnown: []string{transportName},
			})
		}
	}
}

func (d *discovery) announceLoop() {
	defer d.wg.Done()
	tick := time.NewTicker(announceInterval)
	defer tick.Stop()
	d.send(d.self)
	for {
		select {
		case <-tick.C:
			d.send(d.self)
		case <-d.quit:
			return
		}
	}
}

func (d *discovery) send(msg discoveryMsg) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	d.mu.Lock()
	out := d.out
	d.mu.Unlock()
	if out == nil {
		return
	}
	if _, err := out.Write(raw); err != nil {
		d.logger.WithError(err).Debug("multicast send failed")
	}
}

func (d *discovery) stop() {
	d.mu.Lock()
	select {
	case <-d.quit:
	default:
		close(d.quit)
	}
	conn, out := d.conn, d.out
	d.conn, d.out = nil, nil
	d.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if out != nil {
		out.Close()
	}
	d.wg.Wait()
}
