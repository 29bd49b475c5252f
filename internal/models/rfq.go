package models

import "time"

const (
	RFQStatusOpen    = "open"
	RFQStatusAwarded = "awarded"
	RFQStatusClosed  = "closed"
)

// RFQ is the buyer's request for quotation an escrow collateralizes.
type RFQ struct {
	ID            string    `json:"id"`
	BuyerID       string    `json:"buyerId"`
	CooperativeID *string   `json:"cooperativeId,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
}

// BelongsTo reports whether the RFQ was issued by buyerID and, when it is
// already awarded to a cooperative, whether that cooperative is cooperativeID.
func (r *RFQ) BelongsTo(buyerID, cooperativeID string) bool {
	if r.BuyerID != buyerID {
		return false
	}
	if r.CooperativeID != nil && *r.CooperativeID != cooperativeID {
		return false
	}
	return true
}
