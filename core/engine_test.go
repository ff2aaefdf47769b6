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

package core

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firma-sign/go-firma-sign/anchor"
	"github.com/firma-sign/go-firma-sign/bus"
	"github.com/firma-sign/go-firma-sign/core/types"
	"github.com/firma-sign/go-firma-sign/errs"
	"github.com/firma-sign/go-firma-sign/storage"
	"github.com/firma-sign/go-firma-sign/storage/blob"
	"github.com/firma-sign/go-firma-sign/storage/relstore"
	"github.com/firma-sign/go-firma-sign/transport"
)

// stubTransport lets each test script per-attempt outcomes.
type stubTransport struct {
	mu       sync.Mutex
	attempts int
	onSend   func(attempt int, out *transport.OutgoingTransfer) *transport.Result
	resume   bool
	sinks    []chan<- transport.IncomingEnvelope
}

func (s *stubTransport) Name() string    { return "stub" }
func (s *stubTransport) Version() string { return "0.0.0" }
func (s *stubTransport) Capabilities() transport.Capabilities {
	return transport.Capabilities{MaxFileSize: 1 << 30, SupportsResume: s.resume}
}
func (s *stubTransport) ValidateConfig(transport.Config) error { return nil }

func (s *stubTransport) Initialize(context.Context, transport.Config) error { return nil }

func (s *stubTransport) Shutdown(context.Context) error { return nil }

func (s *stubTransport) Status() transport.Status {
	return transport.Status{Initialized: true, Receiving: true}
}

func (s *stubTransport) StopReceiving() error {
	s.mu.Lock()
	s.sinks = nil
	s.mu.Unlock()
	return nil
}

func (s *stubTransport) Receive(sink chan<- transport.IncomingEnvelope) error {
	s.mu.Lock()
	s.sinks = append(s.sinks, sink)
	s.mu.Unlock()
	return nil
}

func (s *stubTransport) Send(ctx context.Context, out *transport.OutgoingTransfer) (*transport.Result, error) {
	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()
	if s.onSend != nil {
		return s.onSend(attempt, out), nil
	}
	res := &transport.Result{Success: true}
	for _, rec := range out.Recipients {
		res.RecipientResults = append(res.RecipientResults, transport.RecipientResult{Recipient: rec, Success: true})
	}
	return res, nil
}

func (s *stubTransport) inject(env transport.IncomingEnvelope) {
	s.mu.Lock()
	sinks := append([]chan<- transport.IncomingEnvelope(nil), s.sinks...)
	s.mu.Unlock()
	for _, sink := range sinks {
		sink <- env
	}
}

var stubSeq int64

type testRig struct {
	engine *Engine
	store  *storage.Coordinator
	bus    *bus.Bus
	stub   *stubTransport
	name   string
}

func newTestRig(t *testing.T, stub *stubTransport, cfg Config) *testRig {
	t.Helper()
	name := fmt.Sprintf("stub-%d", atomic.AddInt64(&stubSeq, 1))
	transport.Register(name, func() transport.Transport { return stub })

	rel, err := relstore.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { rel.Close() })
	blobs, err := blob.New(t.TempDir(), 0)
	require.NoError(t, err)
	store := storage.NewCoordinator(rel, blobs)

	reg := transport.NewRegistry(map[string]transport.Config{name: {}})
	require.NoError(t, reg.Start(context.Background()))
	t.Cleanup(reg.ShutdownAbrupt)

	b := bus.New()
	t.Cleanup(b.Close)

	eng := New(store, reg, b, cfg)
	require.NoError(t, eng.Start())
	t.Cleanup(eng.Stop)

	return &testRig{engine: eng, store: store, bus: b, stub: stub, name: name}
}

func outgoingRequest(transportName string) *OutgoingRequest {
	return &OutgoingRequest{
		Transport: transportName,
		Documents: []DocumentSpec{{FileName: "contract.pdf", Data: []byte("hello world")}},
		Recipients: []RecipientSpec{
			{Identifier: "peer-1", Transport: transportName},
		},
	}
}

func waitEvent(t *testing.T, sub *bus.Subscription, want bus.EventType) bus.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Chan():
			if !ok {
				t.Fatalf("bus closed while waiting for %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func waitStatus(t *testing.T, rig *testRig, id string, want types.TransferStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		tr, _, _, err := rig.store.GetTransfer(context.Background(), id)
		require.NoError(t, err)
		if tr.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("transfer %s never reached %s", id, want)
}

func TestOutgoingTransferHappyPath(t *testing.T) {
	rig := newTestRig(t, &stubTransport{}, Config{})
	sub, err := rig.engine.Subscribe("", 16)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	tr, err := rig.engine.CreateOutgoingTransfer(context.Background(), outgoingRequest(rig.name))
	require.NoError(t, err)
	assert.NotEmpty(t, tr.Metadata.TransferCode)
	assert.Len(t, tr.Metadata.TransferCode, 6)

	waitEvent(t, sub, bus.EventTransferCreated)
	waitEvent(t, sub, bus.EventTransferDelivered)
	waitStatus(t, rig, tr.ID, types.TransferDelivered)

	_, _, recs, err := rig.store.GetTransfer(context.Background(), tr.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, types.RecipientNotified, recs[0].Status)
}

func TestDispatchFailureFailsTransfer(t *testing.T) {
	stub := &stubTransport{
		onSend: func(_ int, out *transport.OutgoingTransfer) *transport.Result {
			res := &transport.Result{}
			for _, rec := range out.Recipients {
				res.RecipientResults = append(res.RecipientResults, transport.RecipientResult{
					Recipient: rec,
					Err:       errs.New(errs.AuthFailed, "stub", "identity mismatch"),
				})
			}
			return res
		},
	}
	rig := newTestRig(t, stub, Config{})
	sub, err := rig.engine.Subscribe("", 16)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	tr, err := rig.engine.CreateOutgoingTransfer(context.Background(), outgoingRequest(rig.name))
	require.NoError(t, err)

	ev := waitEvent(t, sub, bus.EventTransferFailed)
	assert.Equal(t, tr.ID, ev.TransferID)
	waitStatus(t, rig, tr.ID, types.TransferFailed)
}

func TestRetryResumableTimeouts(t *testing.T) {
	stub := &stubTransport{resume: true}
	stub.onSend = func(attempt int, out *transport.OutgoingTransfer) *transport.Result {
		res := &transport.Result{}
		for _, rec := range out.Recipients {
			if attempt == 1 {
				res.RecipientResults = append(res.RecipientResults, transport.RecipientResult{
					Recipient: rec,
					Err:       errs.New(errs.SendTimeout, "stub", "slow peer"),
				})
				continue
			}
			res.Success = true
			res.RecipientResults = append(res.RecipientResults, transport.RecipientResult{Recipient: rec, Success: true})
		}
		return res
	}
	rig := newTestRig(t, stub, Config{})

	tr, err := rig.engine.CreateOutgoingTransfer(context.Background(), outgoingRequest(rig.name))
	require.NoError(t, err)
	waitStatus(t, rig, tr.ID, types.TransferDelivered)

	stub.mu.Lock()
	attempts := stub.attempts
	stub.mu.Unlock()
	assert.Equal(t, 2, attempts)
}

func TestIngestIncomingEnvelope(t *testing.T) {
	rig := newTestRig(t, &stubTransport{}, Config{})
	sub, err := rig.engine.Subscribe("", 16)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	reply := make(chan error, 1)
	rig.stub.inject(transport.IncomingEnvelope{
		TransferID: "remote-1",
		Transport:  rig.name,
		Sender: types.Sender{
			SenderID: "peer-origin", Name: "Origin", Transport: rig.name,
			Timestamp: time.Now().UnixMilli(), Verification: types.VerificationVerified,
		},
		Documents: []transport.DocumentPayload{{
			ID: "doc-1", FileName: "contract.pdf", Size: 11, Data: []byte("hello world"),
		}},
		ReceivedAt: time.Now(),
		Reply:      reply,
	})

	select {
	case err := <-reply:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("no ingest acknowledgement")
	}
	waitEvent(t, sub, bus.EventTransferDelivered)

	tr, docs, _, err := rig.engine.GetTransfer(context.Background(), "remote-1")
	require.NoError(t, err)
	assert.Equal(t, types.TransferDelivered, tr.Status)
	assert.Equal(t, types.DirectionIncoming, tr.Direction)
	require.Len(t, docs, 1)
}

func TestIngestDuplicateIsRejected(t *testing.T) {
	rig := newTestRig(t, &stubTransport{}, Config{})

	send := func() error {
		reply := make(chan error, 1)
		rig.stub.inject(transport.IncomingEnvelope{
			TransferID: "remote-dup",
			Transport:  rig.name,
			Sender:     types.Sender{SenderID: "peer-origin", Transport: rig.name, Timestamp: 1, Verification: types.VerificationVerified},
			Documents:  []transport.DocumentPayload{{ID: "d", FileName: "f.pdf", Data: []byte("x")}},
			Reply:      reply,
		})
		select {
		case err := <-reply:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("no ingest acknowledgement")
			return nil
		}
	}

	require.NoError(t, send())
	assert.True(t, errs.IsKind(send(), errs.AlreadyExists))
}

func TestSubmitSignaturesCompletesAndDispatchesReturn(t *testing.T) {
	mem := anchor.NewMemory()
	var (
		outMu   sync.Mutex
		lastOut *transport.OutgoingTransfer
	)
	stub := &stubTransport{}
	stub.onSend = func(_ int, out *transport.OutgoingTransfer) *transport.Result {
		outMu.Lock()
		lastOut = out
		outMu.Unlock()
		res := &transport.Result{Success: true}
		for _, rec := range out.Recipients {
			res.RecipientResults = append(res.RecipientResults, transport.RecipientResult{Recipient: rec, Success: true})
		}
		return res
	}
	rig := newTestRig(t, stub, Config{Anchorer: mem})
	sub, err := rig.engine.Subscribe("", 16)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// Incoming transfer whose sender routes back over the stub transport.
	_, err = rig.store.CreateTransfer(context.Background(), &storage.CreateInput{
		Transfer: &types.Transfer{
			ID:            "inc-1",
			Direction:     types.DirectionIncoming,
			Status:        types.TransferDelivered,
			TransportName: rig.name,
			Sender: &types.Sender{
				SenderID: "peer-origin", Name: "Origin", Transport: rig.name,
				Timestamp: time.Now().UnixMilli(), Verification: types.VerificationVerified,
			},
		},
		Documents: []storage.DocumentInput{{FileName: "contract.pdf", Data: []byte("sign me")}},
	})
	require.NoError(t, err)
	_, docs, _, err := rig.store.GetTransfer(context.Background(), "inc-1")
	require.NoError(t, err)

	outcome, err := rig.engine.SubmitSignatures(context.Background(), "inc-1", []SignatureInput{{
		DocumentID: docs[0].ID,
		SignedData: []byte("sign me -- signed"),
		SignerID:   "local-user",
	}})
	require.NoError(t, err)
	assert.True(t, outcome.Completed)
	require.NotEmpty(t, outcome.ReturnTransferID)

	waitEvent(t, sub, bus.EventTransferCompleted)
	waitStatus(t, rig, outcome.ReturnTransferID, types.TransferDelivered)

	// The dispatched return transfer announced itself and the documents it
	// answers on the wire options.
	outMu.Lock()
	sent := lastOut
	outMu.Unlock()
	require.NotNil(t, sent)
	assert.Equal(t, "true", sent.Options["returnTransport"])
	assert.Equal(t, "inc-1", sent.Options["originalTransferId"])
	require.Len(t, sent.Documents, 1)
	assert.Equal(t, docs[0].ID, sent.Documents[0].Metadata["originalDocumentId"])

	// The signed artifact was anchored.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(mem.Records()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	var kinds []anchor.Kind
	for _, rec := range mem.Records() {
		kinds = append(kinds, rec.Kind)
	}
	assert.Contains(t, kinds, anchor.KindSigned)
}

func TestDeadlineSweepFailsExpiredTransfers(t *testing.T) {
	stub := &stubTransport{
		// Never deliver, so the transfer stays failed-free until the sweep.
		onSend: func(_ int, out *transport.OutgoingTransfer) *transport.Result {
			res := &transport.Result{Success: true}
			for _, rec := range out.Recipients {
				res.RecipientResults = append(res.RecipientResults, transport.RecipientResult{Recipient: rec, Success: true})
			}
			return res
		},
	}
	rig := newTestRig(t, stub, Config{DeadlineInterval: 50 * time.Millisecond})
	sub, err := rig.engine.Subscribe("", 16)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	req := outgoingRequest(rig.name)
	req.Metadata = &types.TransferMetadata{Deadline: time.Now().Add(-time.Minute).UnixMilli()}
	tr, err := rig.engine.CreateOutgoingTransfer(context.Background(), req)
	require.NoError(t, err)

	ev := waitEvent(t, sub, bus.EventTransferFailed)
	assert.Equal(t, tr.ID, ev.TransferID)
	waitStatus(t, rig, tr.ID, types.TransferFailed)
}

func TestCancelNonTerminal(t *testing.T) {
	rig := newTestRig(t, &stubTransport{}, Config{})

	tr, err := rig.store.CreateTransfer(context.Background(), &storage.CreateInput{
		Transfer: &types.Transfer{
			Direction:     types.DirectionOutgoing,
			Status:        types.TransferPending,
			TransportName: rig.name,
		},
		Documents:  []storage.DocumentInput{{FileName: "f.pdf", Data: []byte("x")}},
		Recipients: []*types.Recipient{{Identifier: "r", Transport: rig.name}},
	})
	require.NoError(t, err)

	sub, err := rig.engine.Subscribe(tr.ID, 16)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, rig.engine.Cancel(context.Background(), tr.ID))
	waitStatus(t, rig, tr.ID, types.TransferCancelled)
	ev := waitEvent(t, sub, bus.EventTransferStatus)
	assert.Equal(t, types.TransferCancelled, ev.Status)

	// Terminal now; a second cancel is a no-op, not an error, and
	// publishes nothing.
	require.NoError(t, rig.engine.Cancel(context.Background(), tr.ID))
	select {
	case ev := <-sub.Chan():
		t.Fatalf("unexpected event after terminal cancel: %v", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
	waitStatus(t, rig, tr.ID, types.TransferCancelled)
}

func TestMarkViewedOpensTransfer(t *testing.T) {
	rig := newTestRig(t, &stubTransport{}, Config{})

	tr, err := rig.engine.CreateOutgoingTransfer(context.Background(), outgoingRequest(rig.name))
	require.NoError(t, err)
	waitStatus(t, rig, tr.ID, types.TransferDelivered)

	_, _, recs, err := rig.store.GetTransfer(context.Background(), tr.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	require.NoError(t, rig.engine.MarkViewed(context.Background(), tr.ID, recs[0].ID))
	waitStatus(t, rig, tr.ID, types.TransferOpened)

	_, _, recs, err = rig.store.GetTransfer(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RecipientViewed, recs[0].Status)
}

func TestReturnTransferCompletesOriginal(t *testing.T) {
	rig := newTestRig(t, &stubTransport{}, Config{})
	sub, err := rig.engine.Subscribe("", 32)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	tr, err := rig.engine.CreateOutgoingTransfer(context.Background(), outgoingRequest(rig.name))
	require.NoError(t, err)
	waitStatus(t, rig, tr.ID, types.TransferDelivered)

	_, docs, _, err := rig.store.GetTransfer(context.Background(), tr.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	// The recipient signed and shipped the artifact back as a return
	// transfer naming the original transfer and document.
	signed := []byte("hello world -- signed")
	reply := make(chan error, 1)
	rig.stub.inject(transport.IncomingEnvelope{
		TransferID: "ret-1",
		Transport:  rig.name,
		Sender: types.Sender{
			SenderID: "peer-1", Name: "Signer", Transport: rig.name,
			Timestamp: time.Now().UnixMilli(), Verification: types.VerificationVerified,
		},
		Documents: []transport.DocumentPayload{{
			ID:       "ret-doc",
			FileName: "contract.pdf",
			Size:     int64(len(signed)),
			Data:     signed,
			Metadata: map[string]string{"originalDocumentId": docs[0].ID},
		}},
		Options:    map[string]string{"returnTransport": "true", "originalTransferId": tr.ID},
		ReceivedAt: time.Now(),
		Reply:      reply,
	})
	select {
	case err := <-reply:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("no ingest acknowledgement")
	}

	ev := waitEvent(t, sub, bus.EventTransferCompleted)
	assert.Equal(t, tr.ID, ev.TransferID)
	waitStatus(t, rig, tr.ID, types.TransferCompleted)

	_, docs, recs, err := rig.store.GetTransfer(context.Background(), tr.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, types.DocumentSigned, docs[0].Status)
	assert.Equal(t, "peer-1", docs[0].SignedBy)
	require.Len(t, recs, 1)
	assert.Equal(t, types.RecipientSigned, recs[0].Status)
}

func TestCallsBeforeStartAreRejected(t *testing.T) {
	rel, err := relstore.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { rel.Close() })
	blobs, err := blob.New(t.TempDir(), 0)
	require.NoError(t, err)

	eng := New(storage.NewCoordinator(rel, blobs), transport.NewRegistry(nil), bus.New(), Config{})

	_, err = eng.CreateOutgoingTransfer(context.Background(), outgoingRequest("stub"))
	assert.True(t, errs.IsKind(err, errs.NotInitialized))

	_, err = eng.SubmitSignatures(context.Background(), "t", []SignatureInput{{DocumentID: "d"}})
	assert.True(t, errs.IsKind(err, errs.NotInitialized))
}

func TestGetTransportsListsRunning(t *testing.T) {
	rig := newTestRig(t, &stubTransport{}, Config{})
	infos := rig.engine.GetTransports()
	require.Len(t, infos, 1)
	assert.Equal(t, rig.name, infos[0].Name)
	assert.True(t, infos[0].Status.Initialized)
}
