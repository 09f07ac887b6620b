// Package audit captures key broker actions as transport-agnostic events.
// Publishers fan the events out; domain code only ever sees the Publisher
// interface.
package audit

import (
	"context"
	"time"
)

// Event is emitted from domain logic. Keep it flat and string-typed so every
// sink (kafka, log, test buffer) can carry it without schema machinery.
type Event struct {
	ID        string    `json:"id"`
	Action    Action    `json:"action"`
	Timestamp time.Time `json:"timestamp"`

	RID          string `json:"rid,omitempty"`
	TicketID     string `json:"ticket_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	AppID        string `json:"app_id,omitempty"`
	Organization string `json:"organization,omitempty"`
	AuthSPID     string `json:"authsp_id,omitempty"`
	ResultCode   string `json:"result_code,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
	// PeerOrganization identifies the remote party for federation events.
	PeerOrganization string `json:"peer_organization,omitempty"`
}

// Action names what happened.
type Action string

const (
	ActionSessionCreated  Action = "session_created"
	ActionSessionExpired  Action = "session_expired"
	ActionTicketIssued    Action = "ticket_issued"
	ActionTicketVerified  Action = "ticket_verified"
	ActionTicketKilled    Action = "ticket_killed"
	ActionTicketUpgraded  Action = "ticket_upgraded"
	ActionAuthFailed      Action = "auth_failed"
	ActionUserCancelled   Action = "user_cancelled"
	ActionCrossDelegated  Action = "cross_delegated"
	ActionCrossFailed     Action = "cross_failed"
	ActionLogout          Action = "logout"
	ActionSignatureReject Action = "signature_rejected"
)

// Publisher delivers events to a sink. Emit must be safe for concurrent use
// and must never block the request path longer than its context allows.
type Publisher interface {
	Emit(ctx context.Context, event Event) error
	Close() error
}
