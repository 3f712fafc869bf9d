package server

import (
	"gigline/internal/domain"
	"gigline/internal/engine"
	"gigline/internal/escrow"
)

// Request payloads

type CreateGigRequest struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title" minLength:"1"`
	Description string `json:"description,omitempty"`
	Budget      int64  `json:"budget" minimum:"1"`
	Currency    string `json:"currency,omitempty"`
	Status      string `json:"status,omitempty" enum:"draft,published,active,cancelled"`
}

type SubscriptionRequest struct {
	Plan            string `json:"plan,omitempty"`
	Status          string `json:"status,omitempty" enum:"active,cancelled,expired"`
	MaxApplications int    `json:"max_applications" minimum:"-1"`
	EndDate         string `json:"end_date" format:"date-time"`
	ResetUsage      bool   `json:"reset_usage,omitempty"`
}

type CreateApplicationRequest struct {
	GigID          string `json:"gig_id" minLength:"1"`
	Iterations     int    `json:"iterations"`
	CoverLetter    string `json:"cover_letter,omitempty"`
	ProposedBudget *int64 `json:"proposed_budget,omitempty"`
}

type AcceptRequest struct {
	Action       string `json:"action" enum:"negotiate,create_order,verify_payment"`
	FreelancerID string `json:"freelancer_id" minLength:"1"`
	FinalBudget  *int64 `json:"final_budget,omitempty"`
	Amount       *int64 `json:"amount,omitempty"`
	OrderID      string `json:"order_id,omitempty"`
	PaymentID    string `json:"payment_id,omitempty"`
	Signature    string `json:"signature,omitempty"`
	AgreedAmount int64  `json:"agreed_amount,omitempty"`
}

type DirectAcceptRequest struct {
	FreelancerID string `json:"freelancer_id" minLength:"1"`
	FinalBudget  *int64 `json:"final_budget,omitempty"`
}

type NegotiateRequest struct {
	FreelancerID string `json:"freelancer_id,omitempty"`
	Amount       int64  `json:"amount"`
	TimelineDays *int   `json:"timeline_days,omitempty"`
	Message      string `json:"message,omitempty"`
}

type RejectApplicationRequest struct {
	FreelancerID string `json:"freelancer_id" minLength:"1"`
	Reason       string `json:"reason,omitempty"`
}

type SubmitProjectRequest struct {
	ConversationID string               `json:"conversation_id" minLength:"1"`
	GigID          string               `json:"gig_id" minLength:"1"`
	Title          string               `json:"title"`
	Description    string               `json:"description,omitempty"`
	Files          []domain.ProjectFile `json:"files,omitempty"`
}

type ProjectStatusRequest struct {
	Status   string  `json:"status" enum:"under_review,approved,revision_requested,rejected"`
	Feedback *string `json:"feedback,omitempty"`
}

type ReviewRequest struct {
	Feedback *string `json:"feedback,omitempty"`
}

type WithdrawRequest struct {
	Amount int64                `json:"amount"`
	Payout domain.PayoutDetails `json:"payout"`
}

type ProcessWithdrawalRequest struct {
	Action string  `json:"action" enum:"approve,reject"`
	Note   *string `json:"note,omitempty"`
}

type CompleteWithdrawalRequest struct {
	Note *string `json:"note,omitempty"`
}

type DevLoginRequest struct {
	ActorID    string `json:"actor_id" minLength:"1"`
	Role       string `json:"role" enum:"freelancer,hiring,admin"`
	TTLMinutes int    `json:"ttl_minutes,omitempty"`
}

// Response payloads

type AcceptResponse struct {
	Application  domain.Application   `json:"application"`
	Conversation *domain.Conversation `json:"conversation,omitempty"`
	Order        *escrow.Order        `json:"order,omitempty"`
	Payment      *domain.Payment      `json:"payment,omitempty"`
	Replayed     bool                 `json:"replayed,omitempty"`
}

func acceptResponse(res engine.AcceptResult) AcceptResponse {
	conv := res.Conversation
	return AcceptResponse{Application: res.Application, Conversation: &conv, Order: res.Order}
}

func paymentResponse(res engine.PaymentResult) AcceptResponse {
	conv, p := res.Conversation, res.Payment
	return AcceptResponse{Application: res.Application, Conversation: &conv, Payment: &p, Replayed: res.Replayed}
}

type WithdrawnResponse struct {
	GigID  string `json:"gig_id"`
	Status string `json:"status"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
	Source  string `json:"source"`
}
