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

// Package core drives transfers through their lifecycle: dispatching
// outgoing documents over the configured transports, ingesting incoming
// envelopes, collecting signatures and enforcing deadlines.
package core

import (
	"context"
	"mime"
	"path/filepath"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"

	"github.com/firma-sign/go-firma-sign/anchor"
	"github.com/firma-sign/go-firma-sign/bus"
	"github.com/firma-sign/go-firma-sign/core/types"
	"github.com/firma-sign/go-firma-sign/crypto"
	"github.com/firma-sign/go-firma-sign/errs"
	"github.com/firma-sign/go-firma-sign/storage"
	"github.com/firma-sign/go-firma-sign/storage/relstore"
	"github.com/firma-sign/go-firma-sign/transport"
)

const (
	defaultWorkers          = 4
	defaultDeadlineInterval = 30 * time.Second
	transferCodeLength      = 6

	// Retry schedule for transports that support resuming: 1s, 2s, 4s, 8s.
	retryMin      = time.Second
	retryMax      = 8 * time.Second
	retryAttempts = 4
)

// Wire option keys that let a return transfer name the outgoing transfer and
// documents it answers.
const (
	optReturnTransport  = "returnTransport"
	optOriginalTransfer = "originalTransferId"
	optOriginalDocument = "originalDocumentId"
)

// Config tunes the engine. Zero values select the defaults.
type Config struct {
	Workers          int
	DeadlineInterval time.Duration
	Anchorer         anchor.Anchorer // optional, best effort
}

// Engine is the transfer state machine driver.
type Engine struct {
	store    *storage.Coordinator
	registry *transport.Registry
	bus      *bus.Bus
	anchorer anchor.Anchorer

	workers          int
	deadlineInterval time.Duration

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	logger *log.Entry
}

// New wires the engine to its collaborators.
func New(store *storage.Coordinator, registry *transport.Registry, eventBus *bus.Bus, cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.DeadlineInterval <= 0 {
		cfg.DeadlineInterval = defaultDeadlineInterval
	}
	return &Engine{
		store:            store,
		registry:         registry,
		bus:              eventBus,
		anchorer:         cfg.Anchorer,
		workers:          cfg.Workers,
		deadlineInterval: cfg.DeadlineInterval,
		logger:           log.WithField("component", "engine"),
	}
}

// Start launches the ingest workers, the deadline ticker and the transport
// supervisor consumer.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errs.New(errs.OperationFailed, "engine.Start", "already started")
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.ingestWorker()
	}
	e.wg.Add(2)
	go e.deadlineLoop()
	go e.supervisorLoop()
	e.started = true
	e.logger.WithField("workers", e.workers).Info("engine started")
	return nil
}

// Stop halts background work. In-flight envelope ingests finish first. The
// wait happens outside the lock so draining goroutines can still consult the
// started flag.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.cancel()
	e.mu.Unlock()
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

// running reports whether Start has completed and Stop has not begun.
func (e *Engine) running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// spawn runs fn on the engine's lifecycle context, registering it with the
// shutdown wait group. Registration happens under the lock so it cannot race
// Stop's wait; a stopped engine refuses the work.
func (e *Engine) spawn(fn func(ctx context.Context)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return false
	}
	ctx := e.ctx
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
	return true
}

// DocumentSpec is one document of an outgoing transfer request.
type DocumentSpec struct {
	ID       string
	FileName string
	MimeType string
	Data     []byte
}

// RecipientSpec is one target of an outgoing transfer request.
type RecipientSpec struct {
	Identifier  string
	Transport   string
	Preferences map[string]string
}

// OutgoingRequest creates and dispatches a transfer.
type OutgoingRequest struct {
	Transport       string
	TransportConfig map[string]string
	Documents       []DocumentSpec
	Recipients      []RecipientSpec
	Metadata        *types.TransferMetadata
}

// CreateOutgoingTransfer persists the transfer and hands it to the dispatch
// pipeline. The call returns as soon as the transfer is durable; delivery
// progress is observable on the bus.
func (e *Engine) CreateOutgoingTransfer(ctx context.Context, req *OutgoingRequest) (*types.Transfer, error) {
	const op = "engine.CreateOutgoingTransfer"
	if !e.running() {
		return nil, errs.New(errs.NotInitialized, op, "engine not started")
	}
	if len(req.Documents) == 0 {
		return nil, errs.New(errs.InvalidConfig, op, "at least one document required")
	}
	if len(req.Recipients) == 0 {
		return nil, errs.New(errs.InvalidConfig, op, "at least one recipient required")
	}

	meta := req.Metadata
	if meta == nil {
		meta = &types.TransferMetadata{}
	}
	if meta.TransferCode == "" {
		code, err := crypto.GenerateTransferCode(transferCodeLength)
		if err != nil {
			return nil, err
		}
		meta.TransferCode = code
	}

	in := &storage.CreateInput{
		Transfer: &types.Transfer{
			Direction:       types.DirectionOutgoing,
			Status:          types.TransferPending,
			TransportName:   req.Transport,
			TransportConfig: req.TransportConfig,
			Metadata:        meta,
		},
	}
	for _, d := range req.Documents {
		in.Documents = append(in.Documents, storage.DocumentInput{
			ID: d.ID, FileName: d.FileName, Data: d.Data,
		})
	}
	for _, r := range req.Recipients {
		tn := r.Transport
		if tn == "" {
			tn = req.Transport
		}
		in.Recipients = append(in.Recipients, &types.Recipient{
			Identifier:  r.Identifier,
			Transport:   tn,
			Status:      types.RecipientPending,
			Preferences: r.Preferences,
		})
	}

	tr, err := e.store.CreateTransfer(ctx, in)
	if err != nil {
		return nil, err
	}
	e.publish(bus.Event{Type: bus.EventTransferCreated, TransferID: tr.ID, Status: tr.Status, Transport: tr.TransportName})

	_, docs, _, err := e.store.GetTransfer(ctx, tr.ID)
	if err == nil {
		for _, doc := range docs {
			e.anchorHash(tr.ID, doc.ID, doc.ContentHash, anchor.KindOriginal)
		}
	}

	e.spawn(func(ctx context.Context) { e.dispatch(ctx, tr.ID) })
	return tr, nil
}

// dispatch moves one outgoing transfer through pending, sending and sent,
// or fails it when no recipient is reachable.
func (e *Engine) dispatch(ctx context.Context, transferID string) {
	logger := e.logger.WithField("transfer", transferID)

	tr, docs, recs, err := e.store.GetTransfer(ctx, transferID)
	if err != nil {
		logger.WithError(err).Error("dispatch: load failed")
		return
	}
	if tr.Status != types.TransferPending {
		logger.WithField("status", tr.Status).Debug("dispatch: nothing to do")
		return
	}

	if _, err := e.store.TransitionTransfer(ctx, transferID, types.TransferSending); err != nil {
		logger.WithError(err).Error("dispatch: transition to sending failed")
		return
	}
	e.publish(bus.Event{Type: bus.EventTransferStatus, TransferID: transferID, Status: types.TransferSending})

	out, err := e.buildOutgoing(ctx, tr, docs, recs)
	if err != nil {
		logger.WithError(err).Error("dispatch: payload assembly failed")
		e.failTransfer(ctx, transferID, err)
		return
	}

	res := e.sendWithRetry(ctx, out)

	var delivered []string
	for _, rr := range res.RecipientResults {
		if rr.Success {
			delivered = append(delivered, rr.Recipient.ID)
		}
	}
	if len(delivered) > 0 {
		if err := e.store.AdvanceRecipients(ctx, transferID, delivered, types.RecipientNotified); err != nil {
			logger.WithError(err).Warn("dispatch: recipient advance failed")
		}
	}

	if !res.Success {
		var cause error
		for _, rr := range res.RecipientResults {
			if rr.Err != nil {
				cause = rr.Err
				break
			}
		}
		if cause == nil {
			cause = errs.New(errs.OperationFailed, "engine.dispatch", "no recipient reachable")
		}
		e.failTransfer(ctx, transferID, cause)
		return
	}

	if _, err := e.store.TransitionTransfer(ctx, transferID, types.TransferSent); err != nil {
		logger.WithError(err).Error("dispatch: transition to sent failed")
		return
	}
	e.publish(bus.Event{Type: bus.EventTransferStatus, TransferID: transferID, Status: types.TransferSent})

	// Every recipient acknowledged receipt, so the documents are delivered.
	if len(delivered) == len(res.RecipientResults) {
		if _, err := e.store.TransitionTransfer(ctx, transferID, types.TransferDelivered); err != nil {
			logger.WithError(err).Warn("dispatch: transition to delivered failed")
		} else {
			e.publish(bus.Event{Type: bus.EventTransferDelivered, TransferID: transferID, Status: types.TransferDelivered})
		}
	}
	logger.WithField("recipients", len(delivered)).Info("transfer dispatched")
}

// buildOutgoing loads the document bytes and shapes the transport payload.
// A return transfer announces itself and its original on the wire options so
// the receiving node can close the loop on its own outgoing transfer.
func (e *Engine) buildOutgoing(ctx context.Context, tr *types.Transfer, docs []*types.Document, recs []*types.Recipient) (*transport.OutgoingTransfer, error) {
	out := &transport.OutgoingTransfer{
		TransferID: tr.ID,
		Options:    tr.TransportConfig,
	}
	if tr.Sender != nil {
		out.Sender = *tr.Sender
	}
	if tr.Metadata != nil && tr.Metadata.ReturnTransport {
		opts := make(map[string]string, len(tr.TransportConfig)+2)
		for k, v := range tr.TransportConfig {
			opts[k] = v
		}
		opts[optReturnTransport] = "true"
		opts[optOriginalTransfer] = tr.Metadata.OriginalTransferID
		out.Options = opts
	}
	for _, doc := range docs {
		data, _, err := e.store.DocumentBytes(ctx, tr.ID, doc.ID, types.SlotOriginal, true)
		if err != nil {
			return nil, err
		}
		payload := transport.DocumentPayload{
			ID:       doc.ID,
			FileName: doc.FileName,
			MimeType: mimeType(doc.FileName),
			Size:     doc.Size,
			Data:     data,
			Hash:     doc.ContentHash,
		}
		if doc.OriginalDocumentID != "" {
			payload.Metadata = map[string]string{optOriginalDocument: doc.OriginalDocumentID}
		}
		out.Documents = append(out.Documents, payload)
	}
	for _, r := range recs {
		if r.Status != types.RecipientPending {
			continue
		}
		out.Recipients = append(out.Recipients, transport.RecipientRef{
			ID:         r.ID,
			Identifier: r.Identifier,
			Transport:  r.Transport,
		})
	}
	if len(out.Recipients) == 0 {
		return nil, errs.New(errs.OperationFailed, "engine.buildOutgoing", "no pending recipients")
	}
	return out, nil
}

// sendWithRetry runs the registry send, retrying recipients whose failure is
// retryable and whose transport can resume. The merged result keeps the
// original recipient order.
func (e *Engine) sendWithRetry(ctx context.Context, out *transport.OutgoingTransfer) *transport.Result {
	final := &transport.Result{RecipientResults: make([]transport.RecipientResult, len(out.Recipients))}
	position := make(map[string]int, len(out.Recipients))
	for i, rec := range out.Recipients {
		position[rec.ID] = i
	}

	b := &backoff.Backoff{Min: retryMin, Max: retryMax, Factor: 2}
	pending := out

	for attempt := 1; ; attempt++ {
		res, err := e.registry.Send(ctx, pending)
		if err != nil {
			// Registry-level errors hit every pending recipient.
			for _, rec := range pending.Recipients {
				final.RecipientResults[position[rec.ID]] = transport.RecipientResult{Recipient: rec, Err: err}
			}
			break
		}

		var retry []transport.RecipientRef
		for _, rr := range res.RecipientResults {
			final.RecipientResults[position[rr.Recipient.ID]] = rr
			if rr.Success || !errs.Retryable(rr.Err) {
				continue
			}
			if t, terr := e.registry.Get(rr.Recipient.Transport); terr == nil && t.Capabilities().SupportsResume {
				retry = append(retry, rr.Recipient)
			}
		}
		if len(retry) == 0 || attempt >= retryAttempts {
			break
		}

		wait := b.Duration()
		e.logger.WithFields(log.Fields{
			"transfer": out.TransferID,
			"retrying": len(retry),
			"attempt":  attempt,
			"backoff":  wait,
		}).Info("retrying failed recipients")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return finalize(final)
		}
		pending = &transport.OutgoingTransfer{
			TransferID: out.TransferID,
			Documents:  out.Documents,
			Recipients: retry,
			Sender:     out.Sender,
			Options:    out.Options,
		}
	}
	return finalize(final)
}

func finalize(res *transport.Result) *transport.Result {
	for _, rr := range res.RecipientResults {
		if rr.Success {
			res.Success = true
			break
		}
	}
	return res
}

// failTransfer marks the transfer failed and publishes exactly one failure
// event when the state actually changed.
func (e *Engine) failTransfer(ctx context.Context, transferID string, cause error) {
	_, changed, err := e.store.FailTransfer(ctx, transferID)
	if err != nil {
		e.logger.WithError(err).WithField("transfer", transferID).Error("fail transition rejected")
		return
	}
	if changed {
		e.publish(bus.Event{
			Type:       bus.EventTransferFailed,
			TransferID: transferID,
			Status:     types.TransferFailed,
			Error:      cause.Error(),
		})
	}
}

// ingestWorker consumes incoming envelopes until shutdown.
func (e *Engine) ingestWorker() {
	defer e.wg.Done()
	for {
		select {
		case env, ok := <-e.registry.Envelopes():
			if !ok {
				return
			}
			e.ingest(env)
		case <-e.ctx.Done():
			return
		}
	}
}

// ingest persists one incoming envelope and acknowledges the transport with
// the persistence outcome.
func (e *Engine) ingest(env transport.IncomingEnvelope) {
	logger := e.logger.WithFields(log.Fields{"transfer": env.TransferID, "transport": env.Transport})

	in := &storage.CreateInput{
		Transfer: &types.Transfer{
			ID:            env.TransferID,
			Direction:     types.DirectionIncoming,
			Status:        types.TransferDelivered,
			TransportName: env.Transport,
			Sender:        &env.Sender,
		},
	}
	for _, doc := range env.Documents {
		in.Documents = append(in.Documents, storage.DocumentInput{
			ID: doc.ID, FileName: doc.FileName, Data: doc.Data,
		})
	}

	_, err := e.store.CreateTransfer(e.ctx, in)
	if env.Reply != nil {
		env.Reply <- err
	}
	if err != nil {
		logger.WithError(err).Warn("incoming transfer rejected")
		return
	}
	e.publish(bus.Event{Type: bus.EventTransferCreated, TransferID: env.TransferID, Status: types.TransferDelivered, Transport: env.Transport})
	e.publish(bus.Event{Type: bus.EventTransferDelivered, TransferID: env.TransferID, Status: types.TransferDelivered, Transport: env.Transport})
	logger.WithField("documents", len(env.Documents)).Info("incoming transfer stored")

	if env.Options[optReturnTransport] == "true" {
		e.applyReturnedSignatures(e.ctx, env)
	}
}

// applyReturnedSignatures closes the loop when a return transfer arrives:
// the outgoing transfer it answers moves to signing, each returned artifact
// is committed as that document's signature, and the completion rules carry
// the transfer to partially-signed or completed.
func (e *Engine) applyReturnedSignatures(ctx context.Context, env transport.IncomingEnvelope) {
	origID := env.Options[optOriginalTransfer]
	logger := e.logger.WithFields(log.Fields{"transfer": env.TransferID, "original": origID})
	if origID == "" {
		logger.Warn("return transfer names no original")
		return
	}
	tr, _, recs, err := e.store.GetTransfer(ctx, origID)
	if err != nil {
		logger.WithError(err).Warn("return transfer: original not found")
		return
	}
	if tr.Direction != types.DirectionOutgoing || tr.Status.Terminal() {
		logger.WithField("status", tr.Status).Debug("return transfer: original not signable")
		return
	}
	if tr.Status != types.TransferSigning && tr.Status != types.TransferPartiallySigned {
		if _, err := e.store.TransitionTransfer(ctx, origID, types.TransferSigning); err != nil {
			logger.WithError(err).Warn("return transfer: signing transition rejected")
			return
		}
		e.publish(bus.Event{Type: bus.EventTransferStatus, TransferID: origID, Status: types.TransferSigning})
	}

	var recipientID string
	for _, r := range recs {
		if r.Identifier == env.Sender.SenderID {
			recipientID = r.ID
			break
		}
	}
	if recipientID == "" && len(recs) == 1 {
		recipientID = recs[0].ID
	}

	for _, doc := range env.Documents {
		origDocID := doc.Metadata[optOriginalDocument]
		if origDocID == "" {
			logger.WithField("document", doc.ID).Warn("returned artifact names no original document")
			continue
		}
		res, err := e.store.SignDocument(ctx, &storage.SignRequest{
			TransferID:  origID,
			DocumentID:  origDocID,
			SignedData:  doc.Data,
			SignerID:    env.Sender.SenderID,
			RecipientID: recipientID,
		})
		if err != nil {
			if !errs.IsKind(err, errs.AlreadySigned) {
				logger.WithError(err).WithField("document", origDocID).Warn("returned signature rejected")
			}
			continue
		}
		e.publish(bus.Event{
			Type:       bus.EventTransferSigned,
			TransferID: origID,
			Status:     res.TransferStatus,
			DocumentID: origDocID,
		})
		e.anchorHash(origID, origDocID, crypto.Hash(doc.Data), anchor.KindSigned)
		if res.Completed {
			e.publish(bus.Event{Type: bus.EventTransferCompleted, TransferID: origID, Status: types.TransferCompleted})
		}
	}
}

// MarkViewed records that a recipient has opened the documents, moving the
// transfer from sent or delivered to opened.
func (e *Engine) MarkViewed(ctx context.Context, transferID, recipientID string) error {
	if err := e.store.AdvanceRecipients(ctx, transferID, []string{recipientID}, types.RecipientViewed); err != nil {
		return err
	}
	tr, _, _, err := e.store.GetTransfer(ctx, transferID)
	if err != nil {
		return err
	}
	if tr.Status == types.TransferSent || tr.Status == types.TransferDelivered {
		if _, err := e.store.TransitionTransfer(ctx, transferID, types.TransferOpened); err != nil {
			return err
		}
		e.publish(bus.Event{Type: bus.EventTransferStatus, TransferID: transferID, Status: types.TransferOpened})
	}
	return nil
}

// SignatureInput is one signed document artifact.
type SignatureInput struct {
	DocumentID  string
	SignedData  []byte
	SignerID    string
	RecipientID string
}

// SignOutcome reports the aggregate result of SubmitSignatures.
type SignOutcome struct {
	TransferStatus   types.TransferStatus
	Completed        bool
	ReturnTransferID string
}

// SubmitSignatures applies the signed artifacts one document at a time. A
// completed incoming transfer spawns a return transfer, which is dispatched
// automatically.
func (e *Engine) SubmitSignatures(ctx context.Context, transferID string, sigs []SignatureInput) (*SignOutcome, error) {
	const op = "engine.SubmitSignatures"
	if !e.running() {
		return nil, errs.New(errs.NotInitialized, op, "engine not started")
	}
	if len(sigs) == 0 {
		return nil, errs.New(errs.InvalidConfig, op, "no signatures submitted")
	}

	outcome := &SignOutcome{}
	for _, sig := range sigs {
		res, err := e.store.SignDocument(ctx, &storage.SignRequest{
			TransferID:  transferID,
			DocumentID:  sig.DocumentID,
			SignedData:  sig.SignedData,
			SignerID:    sig.SignerID,
			RecipientID: sig.RecipientID,
		})
		if err != nil {
			return nil, err
		}
		e.publish(bus.Event{
			Type:       bus.EventTransferSigned,
			TransferID: transferID,
			Status:     res.TransferStatus,
			DocumentID: sig.DocumentID,
		})
		e.anchorHash(transferID, sig.DocumentID, crypto.Hash(sig.SignedData), anchor.KindSigned)

		outcome.TransferStatus = res.TransferStatus
		outcome.Completed = res.Completed
		if res.ReturnTransfer != nil {
			outcome.ReturnTransferID = res.ReturnTransfer.ID
		}
	}

	if outcome.Completed {
		e.publish(bus.Event{Type: bus.EventTransferCompleted, TransferID: transferID, Status: types.TransferCompleted})
	}
	if outcome.ReturnTransferID != "" {
		e.publish(bus.Event{
			Type:       bus.EventTransferCreated,
			TransferID: outcome.ReturnTransferID,
			Status:     types.TransferPending,
		})
		retID := outcome.ReturnTransferID
		e.spawn(func(ctx context.Context) { e.dispatch(ctx, retID) })
	}
	return outcome, nil
}

// Cancel aborts a transfer still in pending or sending. Cancelling a
// terminal transfer is a no-op and publishes nothing.
func (e *Engine) Cancel(ctx context.Context, transferID string) error {
	tr, changed, err := e.store.CancelTransfer(ctx, transferID)
	if err != nil {
		return err
	}
	if changed {
		e.publish(bus.Event{Type: bus.EventTransferStatus, TransferID: tr.ID, Status: types.TransferCancelled})
	}
	return nil
}

// GetTransfer loads one transfer with documents and recipients.
func (e *Engine) GetTransfer(ctx context.Context, id string) (*types.Transfer, []*types.Document, []*types.Recipient, error) {
	return e.store.GetTransfer(ctx, id)
}

// ListTransfers lists transfers by direction and status.
func (e *Engine) ListTransfers(ctx context.Context, f relstore.TransferFilter) ([]*types.Transfer, error) {
	return e.store.ListTransfers(ctx, f)
}

// GetDocumentBytes returns a document's bytes, verifying originals against
// their recorded hash.
func (e *Engine) GetDocumentBytes(ctx context.Context, transferID, documentID string, slot types.BlobSlot) ([]byte, *types.Document, error) {
	return e.store.DocumentBytes(ctx, transferID, documentID, slot, slot == types.SlotOriginal)
}

// Subscribe attaches an observer to the bus; transferID may be empty for the
// firehose.
func (e *Engine) Subscribe(transferID string, buffer int) (*bus.Subscription, error) {
	return e.bus.Subscribe(transferID, buffer)
}

// GetTransports describes the running transports.
func (e *Engine) GetTransports() []transport.Info {
	return e.registry.List()
}

// deadlineLoop fails transfers whose metadata deadline has passed. One
// ticker serves every transfer.
func (e *Engine) deadlineLoop() {
	defer e.wg.Done()
	tick := time.NewTicker(e.deadlineInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			e.expireDeadlines()
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) expireDeadlines() {
	trs, err := e.store.ListTransfers(e.ctx, relstore.TransferFilter{})
	if err != nil {
		e.logger.WithError(err).Warn("deadline sweep: list failed")
		return
	}
	now := time.Now()
	for _, tr := range trs {
		if tr.Status.Terminal() || !tr.Metadata.DeadlinePassed(now) {
			continue
		}
		e.failTransfer(e.ctx, tr.ID,
			errs.New(errs.Expired, "engine.expireDeadlines", "deadline passed"))
	}
}

// supervisorLoop republishes transport faults as bus events. A transport
// failure never cascades into engine shutdown.
func (e *Engine) supervisorLoop() {
	defer e.wg.Done()
	for {
		select {
		case ev, ok := <-e.registry.Events():
			if !ok {
				return
			}
			e.logger.WithError(ev.Err).WithField("transport", ev.Transport).Warn("transport fault")
			e.publish(bus.Event{Type: bus.EventTransportError, Transport: ev.Transport, Error: ev.Err.Error()})
		case <-e.ctx.Done():
			return
		}
	}
}

// anchorHash records a document hash with the configured anchorer, if any.
// Failures are logged and swallowed.
func (e *Engine) anchorHash(transferID, documentID, hash string, kind anchor.Kind) {
	if e.anchorer == nil || hash == "" {
		return
	}
	e.spawn(func(parent context.Context) {
		ctx, cancel := context.WithTimeout(parent, 10*time.Second)
		defer cancel()
		txID, err := e.anchorer.Anchor(ctx, transferID, hash, kind)
		if err != nil {
			e.logger.WithError(err).WithField("document", documentID).Warn("anchor failed")
			return
		}
		var origTx, signedTx string
		if kind == anchor.KindOriginal {
			origTx = txID
		} else {
			signedTx = txID
		}
		if err := e.store.RecordAnchors(ctx, transferID, documentID, origTx, signedTx); err != nil {
			e.logger.WithError(err).WithField("document", documentID).Warn("anchor record failed")
		}
	})
}

func (e *Engine) publish(ev bus.Event) {
	if err := e.bus.Publish(ev); err != nil && err != bus.ErrBusClosed {
		e.logger.WithError(err).Warn("event publish failed")
	}
}

func mimeType(fileName string) string {
	if mt := mime.TypeByExtension(filepath.Ext(fileName)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}
