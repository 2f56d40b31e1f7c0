package main

import (
	"encoding/json"
	"strconv"
	"time"

	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/fee"
)

// Amounts travel as decimal strings so clients never round them through float64.

type createEscrowRequest struct {
	Buyer  string `json:"buyer"`
	Seller string `json:"seller"`
	Amount string `json:"amount"`
}

type resolutionRequest struct {
	BuyerShare *int `json:"buyerShare"`
}

type feeRateRequest struct {
	Bps *uint32 `json:"bps"`
}

type feeCollectorRequest struct {
	Collector string `json:"collector"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type escrowResponse struct {
	ID                  string     `json:"id"`
	ShortID             string     `json:"shortId"`
	Buyer               string     `json:"buyer"`
	Seller              string     `json:"seller"`
	Amount              string     `json:"amount"`
	Status              string     `json:"status"`
	CreatedAt           time.Time  `json:"createdAt"`
	AutoReleaseDeadline time.Time  `json:"autoReleaseDeadline"`
	DisputeRaised       bool       `json:"disputeRaised"`
	DisputeInitiator    string     `json:"disputeInitiator,omitempty"`
	DisputedAt          *time.Time `json:"disputedAt,omitempty"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	ReleaseKind         string     `json:"releaseKind,omitempty"`
	BuyerShare          *uint8     `json:"buyerShare,omitempty"`
	FeeBps              *uint32    `json:"feeBps,omitempty"`
	FeeAmount           string     `json:"feeAmount,omitempty"`
	FeeVersion          uint64     `json:"feeVersion,omitempty"`
	Version             uint64     `json:"version"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

func toEscrowResponse(e escrow.Escrow) escrowResponse {
	resp := escrowResponse{
		ID:                  e.ID.String(),
		ShortID:             e.ID.Short(),
		Buyer:               e.Buyer,
		Seller:              e.Seller,
		Amount:              strconv.FormatUint(e.Amount, 10),
		Status:              string(e.Status),
		CreatedAt:           e.CreatedAt,
		AutoReleaseDeadline: e.AutoReleaseDeadline,
		DisputeRaised:       e.DisputeRaised,
		DisputeInitiator:    e.DisputeInitiator,
		DisputedAt:          e.DisputedAt,
		CompletedAt:         e.CompletedAt,
		ReleaseKind:         string(e.ReleaseKind),
		Version:             e.Version,
		UpdatedAt:           e.UpdatedAt,
	}
	if e.Status == escrow.StatusCompleted {
		feeBps := e.FeeBps
		resp.FeeBps = &feeBps
		resp.FeeAmount = strconv.FormatUint(e.FeeAmount, 10)
		resp.FeeVersion = e.FeeVersion
		if e.ReleaseKind == escrow.ReleaseDispute {
			share := e.BuyerShare
			resp.BuyerShare = &share
		}
	}
	return resp
}

type disputeResponse struct {
	EscrowID  string    `json:"escrowId"`
	ShortID   string    `json:"shortId"`
	Buyer     string    `json:"buyer"`
	Seller    string    `json:"seller"`
	Amount    string    `json:"amount"`
	Initiator string    `json:"initiator"`
	RaisedAt  time.Time `json:"raisedAt"`
	Deadline  time.Time `json:"autoReleaseDeadline"`
}

func toDisputeResponse(c dispute.Case) disputeResponse {
	return disputeResponse{
		EscrowID:  c.EscrowID.String(),
		ShortID:   c.EscrowID.Short(),
		Buyer:     c.Buyer,
		Seller:    c.Seller,
		Amount:    strconv.FormatUint(c.Amount, 10),
		Initiator: c.Initiator,
		RaisedAt:  c.RaisedAt,
		Deadline:  c.Deadline,
	}
}

type timelineResponse struct {
	Version    uint64          `json:"version"`
	Type       string          `json:"type"`
	FromStatus string          `json:"fromStatus,omitempty"`
	ToStatus   string          `json:"toStatus"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func toTimelineResponse(t dispute.TimelineEntry) timelineResponse {
	return timelineResponse{
		Version:    t.Version,
		Type:       t.Type,
		FromStatus: t.FromStatus,
		ToStatus:   t.ToStatus,
		Payload:    t.Payload,
		CreatedAt:  t.CreatedAt,
	}
}

type disputeDetailResponse struct {
	disputeResponse
	Timeline []timelineResponse `json:"timeline"`
}

type previewResponse struct {
	EscrowID    string `json:"escrowId"`
	BuyerShare  int    `json:"buyerShare"`
	BuyerAmount string `json:"buyerAmount"`
	SellerGross string `json:"sellerGross"`
	SellerNet   string `json:"sellerNet"`
	Fee         string `json:"fee"`
	FeeBps      uint32 `json:"feeBps"`
	FeeVersion  uint64 `json:"feeVersion"`
}

func toPreviewResponse(p dispute.Preview) previewResponse {
	return previewResponse{
		EscrowID:    p.Case.EscrowID.String(),
		BuyerShare:  p.BuyerShare,
		BuyerAmount: strconv.FormatUint(p.Payout.BuyerAmount, 10),
		SellerGross: strconv.FormatUint(p.Payout.SellerGross, 10),
		SellerNet:   strconv.FormatUint(p.Payout.SellerNet, 10),
		Fee:         strconv.FormatUint(p.Payout.Fee, 10),
		FeeBps:      p.Payout.FeeBps,
		FeeVersion:  p.Payout.FeeVersion,
	}
}

type feeResponse struct {
	Bps       uint32    `json:"bps"`
	Collector string    `json:"collector"`
	Version   uint64    `json:"version"`
	UpdatedBy string    `json:"updatedBy,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func toFeeResponse(s fee.Schedule) feeResponse {
	return feeResponse{
		Bps:       s.Bps,
		Collector: s.Collector,
		Version:   s.Version,
		UpdatedBy: s.UpdatedBy,
		UpdatedAt: s.UpdatedAt,
	}
}
