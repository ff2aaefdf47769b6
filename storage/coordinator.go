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

// Package storage couples the relational record of transfers with the
// content-addressed blob store. The Coordinator is the sole writer to
// documents and blobs; all other components borrow records through it.
package storage

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/firma-sign/go-firma-sign/core/types"
	"github.com/firma-sign/go-firma-sign/crypto"
	"github.com/firma-sign/go-firma-sign/errs"
	"github.com/firma-sign/go-firma-sign/storage/blob"
	"github.com/firma-sign/go-firma-sign/storage/relstore"
)

// DocumentInput is one document handed in at transfer creation.
type DocumentInput struct {
	ID       string // optional; derived from content when empty
	FileName string
	Data     []byte
}

// CreateInput bundles everything needed to materialize a transfer.
type CreateInput struct {
	Transfer   *types.Transfer
	Documents  []DocumentInput
	Recipients []*types.Recipient
}

// SignRequest asks for one document to be marked signed with its artifact.
type SignRequest struct {
	TransferID  string
	DocumentID  string
	SignedData  []byte
	SignerID    string
	RecipientID string // optional; advances the recipient ladder when set
}

// SignResult reports the outcome of a signing commit.
type SignResult struct {
	Document       *types.Document
	TransferStatus types.TransferStatus
	Completed      bool
	ReturnTransfer *types.Transfer // non-nil when a return transfer was created
}

// Coordinator bundles blob saves with relational commits. One writer per
// transfer id; unbounded readers.
type Coordinator struct {
	rel    *relstore.Store
	blobs  *blob.Store
	locks  *keyedMutex
	logger *log.Entry
}

// NewCoordinator couples the two stores.
func NewCoordinator(rel *relstore.Store, blobs *blob.Store) *Coordinator {
	return &Coordinator{
		rel:    rel,
		blobs:  blobs,
		locks:  newKeyedMutex(),
		logger: log.WithField("component", "coordinator"),
	}
}

// Blobs exposes the blob store for capability inspection only; writes must
// go through the coordinator.
func (c *Coordinator) Blobs() *blob.Store { return c.blobs }

// CreateTransfer commits a transfer, its documents and recipients, and the
// document blobs as one logical unit. A failing blob save rolls back the
// rows and removes any blob already written.
func (c *Coordinator) CreateTransfer(ctx context.Context, in *CreateInput) (*types.Transfer, error) {
	t := in.Transfer
	switch t.Direction {
	case types.DirectionOutgoing:
		if len(in.Recipients) == 0 {
			return nil, errs.New(errs.InvalidConfig, "coordinator.CreateTransfer",
				"an outgoing transfer needs at least one recipient")
		}
	case types.DirectionIncoming:
		if len(in.Documents) == 0 {
			return nil, errs.New(errs.InvalidConfig, "coordinator.CreateTransfer",
				"an incoming transfer needs at least one document")
		}
	default:
		return nil, errs.New(errs.InvalidConfig, "coordinator.CreateTransfer",
			"bad direction %q", t.Direction)
	}

	var saved []string // blob paths written so far, removed on rollback
	err := c.rel.WithTx(ctx, func(tx *relstore.Tx) error {
		if err := tx.CreateTransfer(ctx, t); err != nil {
			return err
		}
		for i := range in.Documents {
			din := &in.Documents[i]
			hash := crypto.Hash(din.Data)
			if din.ID == "" {
				din.ID = crypto.DocumentID(hash, time.Now().UnixMilli())
			}
			doc := &types.Document{
				ID:          din.ID,
				TransferID:  t.ID,
				FileName:    din.FileName,
				Size:        int64(len(din.Data)),
				ContentHash: hash,
				Status:      types.DocumentPending,
			}
			if err := tx.CreateDocument(ctx, doc); err != nil {
				return err
			}
			p := blob.TransferPath(t.Direction, t.ID, types.SlotOriginal, din.FileName)
			res, err := c.blobs.Save(p, din.Data)
			if err != nil {
				return err
			}
			saved = append(saved, p)
			if err := tx.UpdateDocumentContent(ctx, doc.ID, res.Size, res.Hash); err != nil {
				return err
			}
		}
		for _, r := range in.Recipients {
			r.TransferID = t.ID
			if err := tx.CreateRecipient(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		for _, p := range saved {
			if derr := c.blobs.Delete(p); derr != nil && !errs.IsKind(derr, errs.NotFound) {
				c.logger.WithError(derr).WithField("path", p).Warn("orphan blob left behind")
			}
		}
		return nil, err
	}
	return t, nil
}

// GetTransfer loads a transfer with its documents and recipients.
func (c *Coordinator) GetTransfer(ctx context.Context, id string) (*types.Transfer, []*types.Document, []*types.Recipient, error) {
	unlock := c.locks.RLock(id)
	defer unlock()
	view := c.rel.View()
	t, err := view.GetTransfer(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	docs, err := view.DocumentsByTransfer(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	recs, err := view.RecipientsByTransfer(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	return t, docs, recs, nil
}

// ListTransfers passes the filter through to the relational store.
func (c *Coordinator) ListTransfers(ctx context.Context, f relstore.TransferFilter) ([]*types.Transfer, error) {
	return c.rel.View().ListTransfers(ctx, f)
}

// DocumentBytes returns a document's stored bytes from the requested slot.
// With verify set the hash is recomputed and must match the row.
func (c *Coordinator) DocumentBytes(ctx context.Context, transferID, documentID string, slot types.BlobSlot, verify bool) ([]byte, *types.Document, error) {
	unlock := c.locks.RLock(transferID)
	defer unlock()
	view := c.rel.View()
	t, err := view.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, nil, err
	}
	doc, err := view.GetDocument(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}
	if doc.TransferID != transferID {
		return nil, nil, errs.New(errs.NotFound, "coordinator.DocumentBytes",
			"document %s not part of transfer %s", documentID, transferID)
	}
	data, err := c.blobs.Read(blob.TransferPath(t.Direction, transferID, slot, doc.FileName))
	if err != nil {
		return nil, nil, err
	}
	if verify && slot == types.SlotOriginal {
		if got := crypto.Hash(data); got != doc.ContentHash {
			return nil, nil, errs.New(errs.HashMismatch, "coordinator.DocumentBytes",
				"document %s: stored %s, computed %s", documentID, doc.ContentHash[:8], got[:8])
		}
	}
	return data, doc, nil
}

// TransitionTransfer validates and commits a state machine move, bumping
// updated_at inside the same transaction. Transitions out of a terminal
// state fail; the caller decides whether that is an error worth surfacing.
func (c *Coordinator) TransitionTransfer(ctx context.Context, id string, to types.TransferStatus) (*types.Transfer, error) {
	unlock := c.locks.Lock(id)
	defer unlock()
	return c.transitionLocked(ctx, id, to)
}

func (c *Coordinator) transitionLocked(ctx context.Context, id string, to types.TransferStatus) (*types.Transfer, error) {
	var out *types.Transfer
	err := c.rel.WithTx(ctx, func(tx *relstore.Tx) error {
		t, err := tx.GetTransfer(ctx, id)
		if err != nil {
			return err
		}
		if t.Status == to {
			out = t
			return nil
		}
		if t.Status.Terminal() {
			return errs.New(errs.OperationFailed, "coordinator.TransitionTransfer",
				"transfer %s is terminal in %s", id, t.Status)
		}
		if !t.Status.CanTransition(to) {
			return errs.New(errs.OperationFailed, "coordinator.TransitionTransfer",
				"illegal transition %s -> %s for %s", t.Status, to, id)
		}
		if err := tx.UpdateTransferStatus(ctx, id, to); err != nil {
			return err
		}
		t.Status = to
		out = t
		return nil
	})
	return out, err
}

// AdvanceRecipients walks the named recipients forward on the ladder inside
// one transaction.
func (c *Coordinator) AdvanceRecipients(ctx context.Context, transferID string, recipientIDs []string, status types.RecipientStatus) error {
	unlock := c.locks.Lock(transferID)
	defer unlock()
	return c.rel.WithTx(ctx, func(tx *relstore.Tx) error {
		for _, id := range recipientIDs {
			if err := tx.AdvanceRecipient(ctx, id, status); err != nil {
				return err
			}
		}
		return nil
	})
}

// SignDocument marks one document signed, stores the signed artifact, and —
// in the very same transaction — applies the completion rules and creates
// the return transfer so observers never see a signed document without it.
// Concurrent attempts on one document leave exactly one winner; the loser
// gets AlreadySigned.
func (c *Coordinator) SignDocument(ctx context.Context, req *SignRequest) (*SignResult, error) {
	unlock := c.locks.Lock(req.TransferID)
	defer unlock()

	var (
		res       SignResult
		savedPath string
	)
	err := c.rel.WithTx(ctx, func(tx *relstore.Tx) error {
		t, err := tx.GetTransfer(ctx, req.TransferID)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return errs.New(errs.OperationFailed, "coordinator.SignDocument",
				"transfer %s is terminal in %s", t.ID, t.Status)
		}
		doc, err := tx.GetDocument(ctx, req.DocumentID)
		if err != nil {
			return err
		}
		if doc.TransferID != t.ID {
			return errs.New(errs.NotFound, "coordinator.SignDocument",
				"document %s not part of transfer %s", req.DocumentID, t.ID)
		}
		if err := tx.MarkDocumentSigned(ctx, req.DocumentID, req.SignerID); err != nil {
			return err
		}
		p := blob.TransferPath(t.Direction, t.ID, types.SlotSigned, doc.FileName)
		if _, err := c.blobs.Save(p, req.SignedData); err != nil {
			return err
		}
		savedPath = p
		if req.RecipientID != "" {
			if err := tx.AdvanceRecipient(ctx, req.RecipientID, types.RecipientSigned); err != nil {
				return err
			}
		}

		docs, err := tx.DocumentsByTransfer(ctx, t.ID)
		if err != nil {
			return err
		}
		signed := 0
		for _, d := range docs {
			if d.Status == types.DocumentSigned {
				signed++
			}
			if d.ID == req.DocumentID {
				res.Document = d
			}
		}
		next := completionStatus(t.Metadata, signed, len(docs))
		if t.Status != next && t.Status.CanTransition(next) {
			if err := tx.UpdateTransferStatus(ctx, t.ID, next); err != nil {
				return err
			}
		}
		res.TransferStatus = next
		res.Completed = next == types.TransferCompleted

		// A signed inbound document travels back to its originator as a new
		// outgoing transfer, committed atomically with the signature.
		if t.Direction == types.DirectionIncoming && t.Sender != nil {
			ret := &types.Transfer{
				Direction:     types.DirectionOutgoing,
				Status:        types.TransferPending,
				TransportName: t.Sender.Transport,
				Metadata: &types.TransferMetadata{
					ReturnTransport:    true,
					OriginalTransferID: t.ID,
				},
			}
			if err := tx.CreateTransfer(ctx, ret); err != nil {
				return err
			}
			if err := tx.CreateDocument(ctx, &types.Document{
				TransferID:         ret.ID,
				FileName:           doc.FileName,
				Size:               int64(len(req.SignedData)),
				ContentHash:        crypto.Hash(req.SignedData),
				Status:             types.DocumentSigned,
				OriginalDocumentID: doc.ID,
				SignedAt:           time.Now().Unix(),
				SignedBy:           req.SignerID,
			}); err != nil {
				return err
			}
			if err := tx.CreateRecipient(ctx, &types.Recipient{
				TransferID: ret.ID,
				Identifier: t.Sender.SenderID,
				Transport:  t.Sender.Transport,
			}); err != nil {
				return err
			}
			rp := blob.TransferPath(types.DirectionOutgoing, ret.ID, types.SlotOriginal, doc.FileName)
			if _, err := c.blobs.Save(rp, req.SignedData); err != nil {
				return err
			}
			res.ReturnTransfer = ret
		}
		return nil
	})
	if err != nil {
		if savedPath != "" {
			c.blobs.Delete(savedPath)
		}
		if res.ReturnTransfer != nil {
			c.blobs.DeleteTree(blob.TransferRoot(types.DirectionOutgoing, res.ReturnTransfer.ID))
		}
		return nil, err
	}
	return &res, nil
}

// completionStatus applies the signature bar: requiredSignatureCount when
// set, otherwise all documents or any document per requireAllSignatures.
func completionStatus(meta *types.TransferMetadata, signed, total int) types.TransferStatus {
	required := 1
	if meta != nil {
		if meta.RequiredSignatureCount > 0 {
			required = meta.RequiredSignatureCount
		} else if meta.RequireAllSignatures {
			required = total
		}
	}
	if required > total {
		required = total
	}
	if signed >= required {
		return types.TransferCompleted
	}
	return types.TransferPartiallySigned
}

// RecordAnchors stores external anchor transaction ids for a document.
func (c *Coordinator) RecordAnchors(ctx context.Context, transferID, documentID, originalTx, signedTx string) error {
	unlock := c.locks.Lock(transferID)
	defer unlock()
	return c.rel.WithTx(ctx, func(tx *relstore.Tx) error {
		return tx.SetDocumentAnchors(ctx, documentID, originalTx, signedTx)
	})
}

// FailTransfer moves a transfer to failed regardless of its exact
// non-terminal position; terminal transfers are left untouched.
func (c *Coordinator) FailTransfer(ctx context.Context, id string) (*types.Transfer, bool, error) {
	unlock := c.locks.Lock(id)
	defer unlock()
	var (
		out     *types.Transfer
		changed bool
	)
	err := c.rel.WithTx(ctx, func(tx *relstore.Tx) error {
		t, err := tx.GetTransfer(ctx, id)
		if err != nil {
			return err
		}
		out = t
		if t.Status.Terminal() {
			return nil
		}
		if err := tx.UpdateTransferStatus(ctx, id, types.TransferFailed); err != nil {
			return err
		}
		t.Status = types.TransferFailed
		changed = true
		return nil
	})
	return out, changed, err
}

// CancelTransfer aborts a transfer still in pending or sending. Cancelling a
// terminal transfer is a no-op reporting changed=false; cancelling from any
// other state is rejected.
func (c *Coordinator) CancelTransfer(ctx context.Context, id string) (*types.Transfer, bool, error) {
	unlock := c.locks.Lock(id)
	defer unlock()
	var (
		out     *types.Transfer
		changed bool
	)
	err := c.rel.WithTx(ctx, func(tx *relstore.Tx) error {
		t, err := tx.GetTransfer(ctx, id)
		if err != nil {
			return err
		}
		out = t
		if t.Status.Terminal() {
			return nil
		}
		if !t.Status.CanTransition(types.TransferCancelled) {
			return errs.New(errs.OperationFailed, "coordinator.CancelTransfer",
				"transfer %s cannot be cancelled from %s", id, t.Status)
		}
		if err := tx.UpdateTransferStatus(ctx, id, types.TransferCancelled); err != nil {
			return err
		}
		t.Status = types.TransferCancelled
		changed = true
		return nil
	})
	return out, changed, err
}

// PurgeTransfer deletes a transfer's rows (cascading to documents and
// recipients) and removes its blob tree.
func (c *Coordinator) PurgeTransfer(ctx context.Context, id string) error {
	unlock := c.locks.Lock(id)
	defer unlock()
	var direction types.Direction
	err := c.rel.WithTx(ctx, func(tx *relstore.Tx) error {
		t, err := tx.GetTransfer(ctx, id)
		if err != nil {
			return err
		}
		direction = t.Direction
		return tx.DeleteTransfer(ctx, id)
	})
	if err != nil {
		return err
	}
	return c.blobs.DeleteTree(blob.TransferRoot(direction, id))
}

// WithTx runs fn under the transfer's writer lock inside one transaction.
// The state engine uses this for compound transitions.
func (c *Coordinator) WithTx(ctx context.Context, transferID string, fn func(tx *relstore.Tx) error) error {
	unlock := c.locks.Lock(transferID)
	defer unlock()
	return c.rel.WithTx(ctx, fn)
}

// Usage reports the blob store footprint.
func (c *Coordinator) Usage() (*blob.Usage, error) {
	return c.blobs.Usage()
}
