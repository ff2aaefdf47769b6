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

package relstore

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/firma-sign/go-firma-sign/core/types"
	"github.com/firma-sign/go-firma-sign/errs"
)

// CreateDocument inserts a document row.
func (tx *Tx) CreateDocument(ctx context.Context, d *types.Document) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = types.DocumentPending
	}
	d.CreatedAt = now()
	_, err := tx.q.ExecContext(ctx, `
		INSERT INTO documents (id, transfer_id, file_name, file_size, file_hash, status,
			original_document_id, signed_at, signed_by,
			blockchain_tx_original, blockchain_tx_signed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TransferID, d.FileName, d.Size, d.ContentHash, string(d.Status),
		nullStr(d.OriginalDocumentID), nullInt(d.SignedAt), nullStr(d.SignedBy),
		nullStr(d.OriginalAnchor), nullStr(d.SignedAnchor), d.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.Wrap(errs.AlreadyExists, "relstore.CreateDocument", err)
		}
		return errs.Wrap(errs.OperationFailed, "relstore.CreateDocument", err)
	}
	return nil
}

// GetDocument loads one document row.
func (tx *Tx) GetDocument(ctx context.Context, id string) (*types.Document, error) {
	row := tx.q.QueryRowContext(ctx, documentSelect+` WHERE id = ?`, id)
	return scanDocument(row)
}

// DocumentsByTransfer lists a transfer's documents in insertion order.
func (tx *Tx) DocumentsByTransfer(ctx context.Context, transferID string) ([]*types.Document, error) {
	return tx.queryDocuments(ctx, documentSelect+` WHERE transfer_id = ? ORDER BY created_at, id`, transferID)
}

// DocumentsByStatus lists documents in a given status.
func (tx *Tx) DocumentsByStatus(ctx context.Context, status types.DocumentStatus) ([]*types.Document, error) {
	return tx.queryDocuments(ctx, documentSelect+` WHERE status = ? ORDER BY created_at, id`, string(status))
}

// UpdateDocumentContent records the final size and hash after the blob write.
func (tx *Tx) UpdateDocumentContent(ctx context.Context, id string, size int64, hash string) error {
	res, err := tx.q.ExecContext(ctx,
		`UPDATE documents SET file_size = ?, file_hash = ? WHERE id = ?`, size, hash, id)
	if err != nil {
		return errs.Wrap(errs.OperationFailed, "relstore.UpdateDocumentContent", err)
	}
	return requireRow(res, "relstore.UpdateDocumentContent", id)
}

// MarkDocumentSigned transitions a pending document to signed. The guard on
// the current status makes concurrent signing a one-winner race: the second
// caller affects zero rows and gets AlreadySigned.
func (tx *Tx) MarkDocumentSigned(ctx context.Context, id, signedBy string) error {
	res, err := tx.q.ExecContext(ctx, `
		UPDATE documents SET status = ?, signed_at = ?, signed_by = ?
		WHERE id = ? AND status = ?`,
		string(types.DocumentSigned), now(), signedBy, id, string(types.DocumentPending))
	if err != nil {
		return errs.Wrap(errs.OperationFailed, "relstore.MarkDocumentSigned", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.OperationFailed, "relstore.MarkDocumentSigned", err)
	}
	if n == 0 {
		// Distinguish a lost race from a missing row.
		if _, gerr := tx.GetDocument(ctx, id); gerr != nil {
			return gerr
		}
		return errs.New(errs.AlreadySigned, "relstore.MarkDocumentSigned", "document %s", id)
	}
	return nil
}

// SetDocumentAnchors records external anchor transaction ids.
func (tx *Tx) SetDocumentAnchors(ctx context.Context, id, originalTx, signedTx string) error {
	res, err := tx.q.ExecContext(ctx, `
		UPDATE documents SET
			blockchain_tx_original = COALESCE(?, blockchain_tx_original),
			blockchain_tx_signed = COALESCE(?, blockchain_tx_signed)
		WHERE id = ?`,
		nullStr(originalTx), nullStr(signedTx), id)
	if err != nil {
		return errs.Wrap(errs.OperationFailed, "relstore.SetDocumentAnchors", err)
	}
	return requireRow(res, "relstore.SetDocumentAnchors", id)
}

const documentSelect = `
	SELECT id, transfer_id, file_name, file_size, file_hash, status,
		original_document_id, signed_at, signed_by,
		blockchain_tx_original, blockchain_tx_signed, created_at
	FROM documents`

func (tx *Tx) queryDocuments(ctx context.Context, query string, args ...interface{}) ([]*types.Document, error) {
	rows, err := tx.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.OperationFailed, "relstore.queryDocuments", err)
	}
	defer rows.Close()
	var out []*types.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDocument(row rowScanner) (*types.Document, error) {
	var (
		d                                  types.Document
		status                             string
		origID, signedBy, anchorO, anchorS sql.NullString
		signedAt                           sql.NullInt64
	)
	err := row.Scan(&d.ID, &d.TransferID, &d.FileName, &d.Size, &d.ContentHash, &status,
		&origID, &signedAt, &signedBy, &anchorO, &anchorS, &d.CreatedAt)
	if err != nil {
		return nil, notFound("relstore.GetDocument", err)
	}
	d.Status = types.DocumentStatus(status)
	d.OriginalDocumentID = origID.String
	d.SignedAt = signedAt.Int64
	d.SignedBy = signedBy.String
	d.OriginalAnchor = anchorO.String
	d.SignedAnchor = anchorS.String
	return &d, nil
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
