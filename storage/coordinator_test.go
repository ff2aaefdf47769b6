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

package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firma-sign/go-firma-sign/core/types"
	"github.com/firma-sign/go-firma-sign/crypto"
	"github.com/firma-sign/go-firma-sign/errs"
	"github.com/firma-sign/go-firma-sign/storage/blob"
	"github.com/firma-sign/go-firma-sign/storage/relstore"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	rel, err := relstore.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { rel.Close() })
	blobs, err := blob.New(t.TempDir(), 0)
	require.NoError(t, err)
	return NewCoordinator(rel, blobs)
}

func outgoingInput(docData string) *CreateInput {
	return &CreateInput{
		Transfer: &types.Transfer{
			Direction:     types.DirectionOutgoing,
			Status:        types.TransferPending,
			TransportName: "p2p",
		},
		Documents: []DocumentInput{{FileName: "contract.pdf", Data: []byte(docData)}},
		Recipients: []*types.Recipient{
			{Identifier: "peer-xyz", Transport: "p2p"},
		},
	}
}

func incomingInput(docData string) *CreateInput {
	return &CreateInput{
		Transfer: &types.Transfer{
			Direction:     types.DirectionIncoming,
			Status:        types.TransferDelivered,
			TransportName: "p2p",
			Sender: &types.Sender{
				SenderID: "peer-origin", Name: "Origin", Transport: "p2p",
				Timestamp: 1700000000000, Verification: types.VerificationVerified,
			},
		},
		Documents: []DocumentInput{{FileName: "contract.pdf", Data: []byte(docData)}},
	}
}

func TestCreateTransferCommitsRowsAndBlobs(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	tr, err := c.CreateTransfer(ctx, outgoingInput("hello world"))
	require.NoError(t, err)

	got, docs, recs, err := c.GetTransfer(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TransferPending, got.Status)
	require.Len(t, docs, 1)
	require.Len(t, recs, 1)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", docs[0].ContentHash)
	assert.Equal(t, int64(11), docs[0].Size)
	assert.True(t, c.blobs.Exists(blob.TransferPath(types.DirectionOutgoing, tr.ID, types.SlotOriginal, "contract.pdf")))
}

func TestCreateTransferValidation(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	in := outgoingInput("x")
	in.Recipients = nil
	_, err := c.CreateTransfer(ctx, in)
	assert.True(t, errs.IsKind(err, errs.InvalidConfig))

	in = incomingInput("x")
	in.Documents = nil
	_, err = c.CreateTransfer(ctx, in)
	assert.True(t, errs.IsKind(err, errs.InvalidConfig))
}

func TestCreateTransferRollsBackOnBlobFailure(t *testing.T) {
	rel, err := relstore.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { rel.Close() })
	blobs, err := blob.New(t.TempDir(), 4) // tiny cap forces the blob save to fail
	require.NoError(t, err)
	c := NewCoordinator(rel, blobs)
	ctx := context.Background()

	in := outgoingInput("this is way past four bytes")
	in.Transfer.ID = "t-fail"
	_, err = c.CreateTransfer(ctx, in)
	require.True(t, errs.IsKind(err, errs.FileTooLarge))

	// The transfer row must have been rolled back with the blob.
	_, _, _, gerr := c.GetTransfer(ctx, "t-fail")
	assert.True(t, errs.IsKind(gerr, errs.NotFound))
}

func TestDocumentBytesVerify(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	tr, err := c.CreateTransfer(ctx, outgoingInput("verify me"))
	require.NoError(t, err)
	_, docs, _, err := c.GetTransfer(ctx, tr.ID)
	require.NoError(t, err)

	data, doc, err := c.DocumentBytes(ctx, tr.ID, docs[0].ID, types.SlotOriginal, true)
	require.NoError(t, err)
	assert.Equal(t, "verify me", string(data))
	assert.Equal(t, crypto.Hash(data), doc.ContentHash)

	// Corrupt the blob behind the coordinator's back; verification must fail.
	p := blob.TransferPath(types.DirectionOutgoing, tr.ID, types.SlotOriginal, "contract.pdf")
	_, err = c.blobs.Save(p, []byte("tampered"))
	require.NoError(t, err)
	_, _, err = c.DocumentBytes(ctx, tr.ID, docs[0].ID, types.SlotOriginal, true)
	assert.True(t, errs.IsKind(err, errs.HashMismatch))
}

func TestCancelTransfer(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	// Cancellable from pending; a repeat cancel is a no-op.
	tr, err := c.CreateTransfer(ctx, outgoingInput("x"))
	require.NoError(t, err)
	got, changed, err := c.CancelTransfer(ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, types.TransferCancelled, got.Status)

	got, changed, err = c.CancelTransfer(ctx, tr.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, types.TransferCancelled, got.Status)

	// Other terminal states are no-ops too.
	tr2, err := c.CreateTransfer(ctx, outgoingInput("y"))
	require.NoError(t, err)
	_, _, err = c.FailTransfer(ctx, tr2.ID)
	require.NoError(t, err)
	got, changed, err = c.CancelTransfer(ctx, tr2.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, types.TransferFailed, got.Status)

	// In-flight past sending cannot be cancelled.
	tr3, err := c.CreateTransfer(ctx, outgoingInput("z"))
	require.NoError(t, err)
	_, err = c.TransitionTransfer(ctx, tr3.ID, types.TransferSending)
	require.NoError(t, err)
	_, err = c.TransitionTransfer(ctx, tr3.ID, types.TransferSent)
	require.NoError(t, err)
	_, _, err = c.CancelTransfer(ctx, tr3.ID)
	assert.True(t, errs.IsKind(err, errs.OperationFailed))
}

func TestTransitionRules(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	tr, err := c.CreateTransfer(ctx, outgoingInput("x"))
	require.NoError(t, err)

	_, err = c.TransitionTransfer(ctx, tr.ID, types.TransferSending)
	require.NoError(t, err)
	_, err = c.TransitionTransfer(ctx, tr.ID, types.TransferSent)
	require.NoError(t, err)

	// Jumping backwards is illegal.
	_, err = c.TransitionTransfer(ctx, tr.ID, types.TransferPending)
	assert.Error(t, err)

	_, err = c.TransitionTransfer(ctx, tr.ID, types.TransferCompleted)
	require.NoError(t, err)

	// No way out of a terminal state.
	_, err = c.TransitionTransfer(ctx, tr.ID, types.TransferFailed)
	assert.Error(t, err)
}

func TestSignDocumentCreatesReturnTransfer(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	tr, err := c.CreateTransfer(ctx, incomingInput("sign me"))
	require.NoError(t, err)
	_, docs, _, err := c.GetTransfer(ctx, tr.ID)
	require.NoError(t, err)

	res, err := c.SignDocument(ctx, &SignRequest{
		TransferID: tr.ID,
		DocumentID: docs[0].ID,
		SignedData: []byte("sign me -- signed"),
		SignerID:   "local-user",
	})
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, types.TransferCompleted, res.TransferStatus)

	require.NotNil(t, res.ReturnTransfer)
	ret, retDocs, retRecs, err := c.GetTransfer(ctx, res.ReturnTransfer.ID)
	require.NoError(t, err)
	assert.True(t, ret.Metadata.ReturnTransport)
	assert.Equal(t, tr.ID, ret.Metadata.OriginalTransferID)
	require.Len(t, retRecs, 1)
	assert.Equal(t, "peer-origin", retRecs[0].Identifier)
	require.Len(t, retDocs, 1)
	assert.Equal(t, types.DocumentSigned, retDocs[0].Status)
	assert.True(t, c.blobs.Exists(blob.TransferPath(types.DirectionOutgoing, ret.ID, types.SlotOriginal, "contract.pdf")))
	assert.True(t, c.blobs.Exists(blob.TransferPath(types.DirectionIncoming, tr.ID, types.SlotSigned, "contract.pdf")))
}

func TestConcurrentSignOneWinner(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	tr, err := c.CreateTransfer(ctx, incomingInput("race"))
	require.NoError(t, err)
	_, docs, _, err := c.GetTransfer(ctx, tr.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errsCh := make(chan error, 2)
	for _, signer := range []string{"signer-a", "signer-b"} {
		wg.Add(1)
		go func(signer string) {
			defer wg.Done()
			_, err := c.SignDocument(ctx, &SignRequest{
				TransferID: tr.ID,
				DocumentID: docs[0].ID,
				SignedData: []byte("signed by " + signer),
				SignerID:   signer,
			})
			errsCh <- err
		}(signer)
	}
	wg.Wait()
	close(errsCh)

	var wins, losses int
	for err := range errsCh {
		if err == nil {
			wins++
		} else if errs.IsKind(err, errs.AlreadySigned) {
			losses++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, losses)

	_, docsAfter, _, err := c.GetTransfer(ctx, tr.ID)
	require.NoError(t, err)
	assert.Contains(t, []string{"signer-a", "signer-b"}, docsAfter[0].SignedBy)
}

func TestPurgeTransferRemovesEverything(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	tr, err := c.CreateTransfer(ctx, outgoingInput("purge me"))
	require.NoError(t, err)

	require.NoError(t, c.PurgeTransfer(ctx, tr.ID))

	_, _, _, err = c.GetTransfer(ctx, tr.ID)
	assert.True(t, errs.IsKind(err, errs.NotFound))
	entries, lerr := c.blobs.List(blob.TransferRoot(types.DirectionOutgoing, tr.ID))
	assert.Error(t, lerr) // tree is gone
	assert.Empty(t, entries)
}

func TestCompletionStatusRules(t *testing.T) {
	tests := []struct {
		name   string
		meta   *types.TransferMetadata
		signed int
		total  int
		want   types.TransferStatus
	}{
		{"any signature completes by default", nil, 1, 3, types.TransferCompleted},
		{"require all, partial", &types.TransferMetadata{RequireAllSignatures: true}, 2, 3, types.TransferPartiallySigned},
		{"require all, done", &types.TransferMetadata{RequireAllSignatures: true}, 3, 3, types.TransferCompleted},
		{"explicit count overrides", &types.TransferMetadata{RequireAllSignatures: true, RequiredSignatureCount: 2}, 2, 3, types.TransferCompleted},
		{"explicit count unmet", &types.TransferMetadata{RequiredSignatureCount: 2}, 1, 3, types.TransferPartiallySigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, completionStatus(tt.meta, tt.signed, tt.total))
		})
	}
}
