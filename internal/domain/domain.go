package domain

const (
	RoleFreelancer = "freelancer"
	RoleHiring     = "hiring"
	RoleAdmin      = "admin"
)

const (
	ApplicationPending     = "pending"
	ApplicationNegotiating = "negotiating"
	ApplicationAccepted    = "accepted"
	ApplicationRejected    = "rejected"
)

const (
	PaymentEscrow     = "escrow"
	PaymentRelease    = "release"
	PaymentWithdrawal = "withdrawal"
)

const (
	PaymentPending    = "pending"
	PaymentProcessing = "processing"
	PaymentCompleted  = "completed"
	PaymentFailed     = "failed"
	PaymentRefunded   = "refunded"
	PaymentRejected   = "rejected"
)

const (
	ProjectSubmitted         = "submitted"
	ProjectUnderReview       = "under_review"
	ProjectRevisionRequested = "revision_requested"
	ProjectApproved          = "approved"
	ProjectRejected          = "rejected"
	ProjectCompleted         = "completed"
)

const (
	PhaseNegotiating    = "negotiating"
	PhasePaymentPending = "payment_pending"
	PhaseActive         = "active"
	PhaseDelivery       = "delivery"
	PhaseCompleted      = "completed"
)

type Subscription struct {
	UserID                string `json:"user_id"`
	Plan                  string `json:"plan"`
	Status                string `json:"status" enum:"active,cancelled,expired"`
	MaxApplications       int    `json:"max_applications"`
	ApplicationsSubmitted int    `json:"applications_submitted"`
	EndDate               string `json:"end_date" format:"date-time"`
	UpdatedAt             string `json:"updated_at" format:"date-time"`
}

func (s Subscription) Unlimited() bool { return s.MaxApplications == -1 }

type Gig struct {
	ID                 string  `json:"id"`
	CompanyID          string  `json:"company_id"`
	Title              string  `json:"title"`
	Description        string  `json:"description,omitempty"`
	Budget             int64   `json:"budget"`
	Currency           string  `json:"currency"`
	Status             string  `json:"status" enum:"draft,published,active,in_progress,completed,cancelled"`
	SelectedFreelancer *string `json:"selected_freelancer,omitempty"`
	Version            int     `json:"version"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

type Application struct {
	ID                   string             `json:"id"`
	GigID                string             `json:"gig_id"`
	FreelancerID         string             `json:"freelancer_id"`
	Status               string             `json:"status" enum:"pending,negotiating,accepted,rejected"`
	CoverLetter          string             `json:"cover_letter,omitempty"`
	ProposedBudget       *int64             `json:"proposed_budget,omitempty"`
	TotalIterations      int                `json:"total_iterations"`
	UsedIterations       int                `json:"used_iterations"`
	RemainingIterations  int                `json:"remaining_iterations"`
	FinalAgreedBudget    *int64             `json:"final_agreed_budget,omitempty"`
	EscrowOrderID        *string            `json:"escrow_order_id,omitempty"`
	EscrowOrderAmount    *int64             `json:"escrow_order_amount,omitempty"`
	PaymentID            *string            `json:"payment_id,omitempty"`
	RejectionReason      *string            `json:"rejection_reason,omitempty"`
	AppliedAt            string             `json:"applied_at" format:"date-time"`
	NegotiationStartedAt *string            `json:"negotiation_started_at,omitempty" format:"date-time"`
	AcceptedAt           *string            `json:"accepted_at,omitempty" format:"date-time"`
	RejectedAt           *string            `json:"rejected_at,omitempty" format:"date-time"`
	CompletedAt          *string            `json:"completed_at,omitempty" format:"date-time"`
	Version              int                `json:"version"`
	UpdatedAt            string             `json:"updated_at" format:"date-time"`
	NegotiationHistory   []NegotiationEvent `json:"negotiation_history,omitempty"`
}

// Remaining is always derived; it is never stored.
func (a Application) Remaining() int { return a.TotalIterations - a.UsedIterations }

type NegotiationEvent struct {
	ID            int64  `json:"id"`
	ApplicationID string `json:"application_id"`
	Proposer      string `json:"proposer" enum:"freelancer,company"`
	Amount        int64  `json:"amount"`
	TimelineDays  *int   `json:"timeline_days,omitempty"`
	Message       string `json:"message,omitempty"`
	Outcome       string `json:"outcome" enum:"open,countered,accepted,rejected"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type PayoutDetails struct {
	Method        string `json:"method" enum:"bank,upi"`
	AccountHolder string `json:"account_holder,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	IFSC          string `json:"ifsc,omitempty"`
	UPIID         string `json:"upi_id,omitempty"`
}

type Payment struct {
	ID                string                `json:"id"`
	Type              string                `json:"type" enum:"escrow,release,withdrawal"`
	PayerID           string                `json:"payer_id"`
	PayeeID           string                `json:"payee_id"`
	GigID             *string               `json:"gig_id,omitempty"`
	ApplicationID     *string               `json:"application_id,omitempty"`
	ProjectID         *string               `json:"project_id,omitempty"`
	Amount            int64                 `json:"amount"`
	Currency          string                `json:"currency"`
	Status            string                `json:"status" enum:"pending,processing,completed,failed,refunded,rejected"`
	ProviderOrderID   *string               `json:"provider_order_id,omitempty"`
	ProviderPaymentID *string               `json:"provider_payment_id,omitempty"`
	ProviderSignature *string               `json:"-"`
	Metadata          map[string]any        `json:"metadata,omitempty"`
	Payout            *PayoutDetails        `json:"payout,omitempty"`
	Note              *string               `json:"note,omitempty"`
	CreatedAt         string                `json:"created_at" format:"date-time"`
	UpdatedAt         string                `json:"updated_at" format:"date-time"`
	StatusHistory     []PaymentStatusChange `json:"status_history,omitempty"`
}

type PaymentStatusChange struct {
	ID        int64  `json:"id"`
	PaymentID string `json:"payment_id"`
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
	ActorID   string `json:"actor_id"`
	Note      string `json:"note,omitempty"`
	At        string `json:"at" format:"date-time"`
}

type ProjectFile struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type ProjectIterations struct {
	Current   int `json:"current"`
	Maximum   int `json:"maximum"`
	Remaining int `json:"remaining"`
}

type Project struct {
	ID             string            `json:"id"`
	GigID          string            `json:"gig_id"`
	ApplicationID  string            `json:"application_id"`
	FreelancerID   string            `json:"freelancer_id"`
	CompanyID      string            `json:"company_id"`
	ConversationID string            `json:"conversation_id"`
	Title          string            `json:"title"`
	Description    string            `json:"description,omitempty"`
	Files          []ProjectFile     `json:"files"`
	Status         string            `json:"status" enum:"submitted,under_review,revision_requested,approved,rejected,completed"`
	Submissions    int               `json:"submissions"`
	Feedback       *string           `json:"feedback,omitempty"`
	Iterations     ProjectIterations `json:"iterations"`
	PaymentAmount  int64             `json:"payment_amount"`
	PaymentStatus  string            `json:"payment_status"`
	SubmittedAt    string            `json:"submitted_at" format:"date-time"`
	ReviewedAt     *string           `json:"reviewed_at,omitempty" format:"date-time"`
	CompletedAt    *string           `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt      string            `json:"created_at" format:"date-time"`
	UpdatedAt      string            `json:"updated_at" format:"date-time"`
}

// Terminal reports whether no further review is possible.
func (p Project) Terminal() bool {
	return p.Status == ProjectCompleted || p.Status == ProjectRejected
}

type Wallet struct {
	FreelancerID   string `json:"freelancer_id"`
	Currency       string `json:"currency"`
	Balance        int64  `json:"balance"`
	TotalEarned    int64  `json:"total_earned"`
	TotalWithdrawn int64  `json:"total_withdrawn"`
	PendingAmount  int64  `json:"pending_amount"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
}

type WalletTransaction struct {
	ID           int64  `json:"id"`
	FreelancerID string `json:"freelancer_id"`
	Type         string `json:"type" enum:"credit,withdrawal,withdrawal_reversal"`
	Amount       int64  `json:"amount"`
	BalanceAfter int64  `json:"balance_after"`
	SourceRef    string `json:"source_ref"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Conversation struct {
	ID             string `json:"id"`
	GigID          string `json:"gig_id"`
	CompanyID      string `json:"company_id"`
	FreelancerID   string `json:"freelancer_id"`
	Status         string `json:"status" enum:"negotiating,active,archived,blocked"`
	Phase          string `json:"phase" enum:"negotiating,payment_pending,active,delivery,completed"`
	OriginalBudget int64  `json:"original_budget"`
	AgreedBudget   *int64 `json:"agreed_budget,omitempty"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	GigID      string `json:"gig_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

type Notification struct {
	ID          int64   `json:"id"`
	RecipientID string  `json:"recipient_id"`
	Kind        string  `json:"kind"`
	Payload     string  `json:"payload"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	DeliveredAt *string `json:"delivered_at,omitempty" format:"date-time"`
	Attempts    int     `json:"attempts"`
	LastError   *string `json:"last_error,omitempty"`
}
