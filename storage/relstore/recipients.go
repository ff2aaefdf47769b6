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
	"encoding/json"

	"github.com/google/uuid"

	"github.com/firma-sign/go-firma-sign/core/types"
	"github.com/firma-sign/go-firma-sign/errs"
)

// CreateRecipient inserts a recipient row. The identifier+transport pair is
// unique within one transfer.
func (tx *Tx) CreateRecipient(ctx context.Context, r *types.Recipient) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = types.RecipientPending
	}
	r.CreatedAt = now()
	prefs, err := marshalMap(r.Preferences)
	if err != nil {
		return errs.Wrap(errs.OperationFailed, "relstore.CreateRecipient", err)
	}
	_, err = tx.q.ExecContext(ctx, `
		INSERT INTO recipients (id, transfer_id, identifier, transport, status,
			preferences, notified_at, viewed_at, signed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TransferID, r.Identifier, r.Transport, string(r.Status),
		prefs, nullInt(r.NotifiedAt), nullInt(r.ViewedAt), nullInt(r.SignedAt), r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.Wrap(errs.AlreadyExists, "relstore.CreateRecipient", err)
		}
		return errs.Wrap(errs.OperationFailed, "relstore.CreateRecipient", err)
	}
	return nil
}

// GetRecipient loads one recipient row.
func (tx *Tx) GetRecipient(ctx context.Context, id string) (*types.Recipient, error) {
	row := tx.q.QueryRowContext(ctx, recipientSelect+` WHERE id = ?`, id)
	return scanRecipient(row)
}

// RecipientsByTransfer lists a transfer's recipients in insertion order.
func (tx *Tx) RecipientsByTransfer(ctx context.Context, transferID string) ([]*types.Recipient, error) {
	return tx.queryRecipients(ctx, recipientSelect+` WHERE transfer_id = ? ORDER BY created_at, id`, transferID)
}

// RecipientsByStatus lists recipients in a given status.
func (tx *Tx) RecipientsByStatus(ctx context.Context, status types.RecipientStatus) ([]*types.Recipient, error) {
	return tx.queryRecipients(ctx, recipientSelect+` WHERE status = ? ORDER BY created_at, id`, string(status))
}

// AdvanceRecipient walks a recipient forward on the status ladder, stamping
// the matching timestamp. Walking backwards affects nothing and returns
// NotFound-free success so retried notifications stay idempotent.
func (tx *Tx) AdvanceRecipient(ctx context.Context, id string, status types.RecipientStatus) error {
	cur, err := tx.GetRecipient(ctx, id)
	if err != nil {
		return err
	}
	if !cur.Status.Advances(status) {
		return nil
	}
	ts := now()
	var column string
	switch status {
	case types.RecipientNotified:
		column = "notified_at"
	case types.RecipientViewed:
		column = "viewed_at"
	case types.RecipientSigned, types.RecipientRejected:
		column = "signed_at"
	default:
		return errs.New(errs.OperationFailed, "relstore.AdvanceRecipient", "bad status %q", status)
	}
	_, err = tx.q.ExecContext(ctx,
		`UPDATE recipients SET status = ?, `+column+` = ? WHERE id = ?`,
		string(status), ts, id)
	if err != nil {
		return errs.Wrap(errs.OperationFailed, "relstore.AdvanceRecipient", err)
	}
	return nil
}

const recipientSelect = `
	SELECT id, transfer_id, identifier, transport, status,
		preferences, notified_at, viewed_at, signed_at, created_at
	FROM recipients`

func (tx *Tx) queryRecipients(ctx context.Context, query string, args ...interface{}) ([]*types.Recipient, error) {
	rows, err := tx.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.OperationFailed, "relstore.queryRecipients", err)
	}
	defer rows.Close()
	var out []*types.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRecipient(row rowScanner) (*types.Recipient, error) {
	var (
		r                        types.Recipient
		status                   string
		prefs                    sql.NullString
		notified, viewed, signed sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.TransferID, &r.Identifier, &r.Transport, &status,
		&prefs, &notified, &viewed, &signed, &r.CreatedAt)
	if err != nil {
		return nil, notFound("relstore.GetRecipient", err)
	}
	r.Status = types.RecipientStatus(status)
	r.NotifiedAt = notified.Int64
	r.ViewedAt = viewed.Int64
	r.SignedAt = signed.Int64
	if prefs.Valid && prefs.String != "" {
		if err := json.Unmarshal([]byte(prefs.String), &r.Preferences); err != nil {
			return nil, errs.Wrap(errs.OperationFailed, "relstore.scanRecipient", err)
		}
	}
	return &r, nil
}
