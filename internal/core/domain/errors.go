package domain

import (
	apperrors "livebid/pkg/errors"
)

// Rule violation reasons surfaced verbatim to the caller.
const (
	ReasonBidTooLow       = "must exceed current highest"
	ReasonNoActiveSession = "no active session"
	ReasonNotHost         = "only the host may decide bids"
	ReasonDuplicateAccept = "a bid was already accepted for this session"
	ReasonBidNotPending   = "bid is not pending"
	ReasonBidsRequired    = "session requires a bid to join"
	ReasonBidsNotAllowed  = "session does not take bids"
	ReasonSessionOccupied = "session already has a guest"
	ReasonHostAlreadyLive = "host already has a live session"
	ReasonInvalidAmount   = "amount must be positive"
	ReasonUnknownBid      = "unknown bid"
)

var (
	// Code-only sentinels for errors.Is checks.
	ErrConnection           = apperrors.NewAppError(apperrors.ErrCodeConnection, "", 0)
	ErrAuthentication       = apperrors.NewAppError(apperrors.ErrCodeAuthentication, "", 0)
	ErrRequestTimeout       = apperrors.NewAppError(apperrors.ErrCodeRequestTimeout, "", 0)
	ErrMediaAcquisition     = apperrors.NewAppError(apperrors.ErrCodeMediaAcquisition, "", 0)
	ErrTransportNegotiation = apperrors.NewAppError(apperrors.ErrCodeTransportNegotiation, "", 0)
	ErrAuctionRule          = apperrors.NewAppError(apperrors.ErrCodeAuctionRule, "", 0)
	ErrInvalidState         = apperrors.NewAppError(apperrors.ErrCodeInvalidState, "", 0)

	ErrOperationInFlight = apperrors.NewInvalidStateError("operation already in progress")
	ErrNotReady          = apperrors.NewInvalidStateError("media session is not ready")
)
