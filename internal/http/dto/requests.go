package dto

type CreateEscrowRequest struct {
	SellerID string `json:"seller_id"`
	Amount   string `json:"amount"`
	Currency string `json:"currency,omitempty"` // defaults to USD
}
