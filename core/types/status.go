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

package types

// TransferStatus is the lifecycle state of a transfer.
type TransferStatus string

const (
	TransferPending         TransferStatus = "pending"
	TransferSending         TransferStatus = "sending"
	TransferSent            TransferStatus = "sent"
	TransferDelivered       TransferStatus = "delivered"
	TransferOpened          TransferStatus = "opened"
	TransferSigning         TransferStatus = "signing"
	TransferPartiallySigned TransferStatus = "partially-signed"
	TransferCompleted       TransferStatus = "completed"
	TransferFailed          TransferStatus = "failed"
	TransferCancelled       TransferStatus = "cancelled"
)

// Terminal reports whether no transition out of s is permitted.
func (s TransferStatus) Terminal() bool {
	switch s {
	case TransferCompleted, TransferFailed, TransferCancelled:
		return true
	}
	return false
}

// transitions is the edge set of the transfer state machine.
var transitions = map[TransferStatus][]TransferStatus{
	TransferPending:         {TransferSending, TransferCancelled, TransferFailed},
	TransferSending:         {TransferSent, TransferFailed, TransferCancelled},
	TransferSent:            {TransferDelivered, TransferOpened, TransferSigning, TransferPartiallySigned, TransferCompleted, TransferFailed},
	TransferDelivered:       {TransferOpened, TransferSigning, TransferPartiallySigned, TransferCompleted, TransferFailed},
	TransferOpened:          {TransferSigning, TransferPartiallySigned, TransferCompleted, TransferFailed},
	TransferSigning:         {TransferPartiallySigned, TransferCompleted, TransferFailed},
	TransferPartiallySigned: {TransferSigning, TransferCompleted, TransferFailed},
}

// CanTransition reports whether the state machine permits from → to.
func (s TransferStatus) CanTransition(to TransferStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// DocumentStatus is the signing state of a single document.
type DocumentStatus string

const (
	DocumentPending  DocumentStatus = "pending"
	DocumentSigned   DocumentStatus = "signed"
	DocumentRejected DocumentStatus = "rejected"
)

// RecipientStatus is a recipient's position on the notification ladder.
type RecipientStatus string

const (
	RecipientPending  RecipientStatus = "pending"
	RecipientNotified RecipientStatus = "notified"
	RecipientViewed   RecipientStatus = "viewed"
	RecipientSigned   RecipientStatus = "signed"
	RecipientRejected RecipientStatus = "rejected"
)

// recipientRank orders the recipient ladder for monotonicity checks.
var recipientRank = map[RecipientStatus]int{
	RecipientPending:  0,
	RecipientNotified: 1,
	RecipientViewed:   2,
	RecipientSigned:   3,
	RecipientRejected: 3,
}

// Advances reports whether moving from s to next walks the ladder forward.
func (s RecipientStatus) Advances(next RecipientStatus) bool {
	return recipientRank[next] > recipientRank[s]
}

// Verification is the trust level recorded for an inbound sender.
type Verification string

const (
	VerificationVerified   Verification = "verified"
	VerificationUnverified Verification = "unverified"
	VerificationFailed     Verification = "failed"
)

// Direction distinguishes transfers we originate from transfers we receive.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)
