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

// TransferFilter scopes ListTransfers.
type TransferFilter struct {
	Direction types.Direction      // empty matches both
	Status    types.TransferStatus // empty matches all
	Limit     int                  // zero means no limit
}

// CreateTransfer inserts a transfer row, generating an id when absent and
// stamping created_at = updated_at = now.
func (tx *Tx) CreateTransfer(ctx context.Context, t *types.Transfer) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	ts := now()
	t.CreatedAt, t.UpdatedAt = ts, ts

	cfg, err := marshalMap(t.TransportConfig)
	if err != nil {
		return errs.Wrap(errs.OperationFailed, "relstore.CreateTransfer", err)
	}
	meta, err := marshalMeta(t.Metadata)
	if err != nil {
		return errs.Wrap(errs.OperationFailed, "relstore.CreateTransfer", err)
	}
	var senderID, senderName, senderEmail, senderKey, senderVerif sql.NullString
	var senderTS sql.NullInt64
	if t.Sender != nil {
		senderID = nullStr(t.Sender.SenderID)
		senderName = nullStr(t.Sender.Name)
		senderEmail = nullStr(t.Sender.Email)
		senderKey = nullStr(t.Sender.PublicKey)
		senderVerif = nullStr(string(t.Sender.Verification))
		senderTS = sql.NullInt64{Int64: t.Sender.Timestamp, Valid: t.Sender.Timestamp != 0}
	}
	_, err = tx.q.ExecContext(ctx, `
		INSERT INTO transfers (id, type, status, sender_id, sender_name, sender_email,
			sender_public_key, sender_timestamp, sender_verification,
			transport_type, transport_config, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Direction), string(t.Status),
		senderID, senderName, senderEmail, senderKey, senderTS, senderVerif,
		t.TransportName, cfg, meta, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.Wrap(errs.AlreadyExists, "relstore.CreateTransfer", err)
		}
		return errs.Wrap(errs.OperationFailed, "relstore.CreateTransfer", err)
	}
	return nil
}

// GetTransfer loads one transfer row.
func (tx *Tx) GetTransfer(ctx context.Context, id string) (*types.Transfer, error) {
	row := tx.q.QueryRowContext(ctx, `
		SELECT id, type, status, sender_id, sender_name, sender_email,
			sender_public_key, sender_timestamp, sender_verification,
			transport_type, transport_config, metadata, created_at, updated_at
		FROM transfers WHERE id = ?`, id)
	return scanTransfer(row)
}

// ListTransfers returns transfers most recent first.
func (tx *Tx) ListTransfers(ctx context.Context, f TransferFilter) ([]*types.Transfer, error) {
	query := `
		SELECT id, type, status, sender_id, sender_name, sender_email,
			sender_public_key, sender_timestamp, sender_verification,
			transport_type, transport_config, metadata, created_at, updated_at
		FROM transfers WHERE 1=1`
	var args []interface{}
	if f.Direction != "" {
		query += " AND type = ?"
		args = append(args, string(f.Direction))
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := tx.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.OperationFailed, "relstore.ListTransfers", err)
	}
	defer rows.Close()

	var out []*types.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTransferStatus moves a transfer to status, bumping updated_at. The
// caller is responsible for state machine validation.
func (tx *Tx) UpdateTransferStatus(ctx context.Context, id string, status types.TransferStatus) error {
	res, err := tx.q.ExecContext(ctx, `
		UPDATE transfers SET status = ?, updated_at = MAX(updated_at, ?) WHERE id = ?`,
		string(status), now(), id)
	if err != nil {
		return errs.Wrap(errs.OperationFailed, "relstore.UpdateTransferStatus", err)
	}
	return requireRow(res, "relstore.UpdateTransferStatus", id)
}

// UpdateTransferMetadata replaces the metadata blob, bumping updated_at.
func (tx *Tx) UpdateTransferMetadata(ctx context.Context, id string, meta *types.TransferMetadata) error {
	raw, err := marshalMeta(meta)
	if err != nil {
		return errs.Wrap(errs.OperationFailed, "relstore.UpdateTransferMetadata", err)
	}
	res, err := tx.q.ExecContext(ctx, `
		UPDATE transfers SET metadata = ?, updated_at = MAX(updated_at, ?) WHERE id = ?`,
		raw, now(), id)
	if err != nil {
		return errs.Wrap(errs.OperationFailed, "relstore.UpdateTransferMetadata", err)
	}
	return requireRow(res, "relstore.UpdateTransferMetadata", id)
}

// DeleteTransfer removes a transfer; documents and recipients cascade.
func (tx *Tx) DeleteTransfer(ctx context.Context, id string) error {
	res, err := tx.q.ExecContext(ctx, `DELETE FROM transfers WHERE id = ?`, id)
	if err != nil {
		return errs.Wrap(errs.OperationFailed, "relstore.DeleteTransfer", err)
	}
	return requireRow(res, "relstore.DeleteTransfer", id)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransfer(row rowScanner) (*types.Transfer, error) {
	var (
		t                                                      types.Transfer
		direction, status                                      string
		senderID, senderName, senderEmail, senderKey, senderVf sql.NullString
		senderTS                                               sql.NullInt64
		cfg, meta                                              sql.NullString
	)
	err := row.Scan(&t.ID, &direction, &status, &senderID, &senderName, &senderEmail,
		&senderKey, &senderTS, &senderVf, &t.TransportName, &cfg, &meta,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, notFound("relstore.GetTransfer", err)
	}
	t.Direction = types.Direction(direction)
	t.Status = types.TransferStatus(status)
	if senderID.Valid || senderName.Valid {
		t.Sender = &types.Sender{
			SenderID:     senderID.String,
			Name:         senderName.String,
			Email:        senderEmail.String,
			PublicKey:    senderKey.String,
			Timestamp:    senderTS.Int64,
			Verification: types.Verification(senderVf.String),
			Transport:    t.TransportName,
		}
	}
	if cfg.Valid && cfg.String != "" {
		if err := json.Unmarshal([]byte(cfg.String), &t.TransportConfig); err != nil {
			return nil, errs.Wrap(errs.OperationFailed, "relstore.scanTransfer", err)
		}
	}
	if meta.Valid && meta.String != "" {
		t.Metadata = new(types.TransferMetadata)
		if err := json.Unmarshal([]byte(meta.String), t.Metadata); err != nil {
			return nil, errs.Wrap(errs.OperationFailed, "relstore.scanTransfer", err)
		}
	}
	return &t, nil
}

func marshalMap(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func marshalMeta(m *types.TransferMetadata) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func requireRow(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.OperationFailed, op, err)
	}
	if n == 0 {
		return errs.New(errs.NotFound, op, "no row %s", id)
	}
	return nil
}
