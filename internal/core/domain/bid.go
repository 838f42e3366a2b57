package domain

import "time"

type BidStatus string

const (
	BidPending  BidStatus = "pending"
	BidAccepted BidStatus = "accepted"
	BidRejected BidStatus = "rejected"
	BidOutbid   BidStatus = "outbid"
)

// Terminal reports whether the status can no longer change.
func (s BidStatus) Terminal() bool {
	return s == BidAccepted || s == BidRejected || s == BidOutbid
}

type Bid struct {
	ID         BidID     `json:"bidId"`
	SessionID  SessionID `json:"sessionId"`
	Amount     Money     `json:"amount"`
	BidderID   UserID    `json:"bidderId"`
	BidderName string    `json:"bidderName,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Status     BidStatus `json:"status"`
}
