package giglinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Gigline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Gig represents the API gig model (partial).
type Gig struct {
	ID                 string  `json:"id"`
	CompanyID          string  `json:"company_id"`
	Title              string  `json:"title"`
	Budget             int64   `json:"budget"`
	Currency           string  `json:"currency"`
	Status             string  `json:"status"`
	SelectedFreelancer *string `json:"selected_freelancer,omitempty"`
}

// Application is a freelancer's bid on a gig.
type Application struct {
	ID                  string  `json:"id"`
	GigID               string  `json:"gig_id"`
	FreelancerID        string  `json:"freelancer_id"`
	Status              string  `json:"status"`
	TotalIterations     int     `json:"total_iterations"`
	UsedIterations      int     `json:"used_iterations"`
	RemainingIterations int     `json:"remaining_iterations"`
	FinalAgreedBudget   *int64  `json:"final_agreed_budget,omitempty"`
	EscrowOrderID       *string `json:"escrow_order_id,omitempty"`
	EscrowOrderAmount   *int64  `json:"escrow_order_amount,omitempty"`
	PaymentID           *string `json:"payment_id,omitempty"`
}

// Order is the provider checkout order the company pays into.
type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

type Conversation struct {
	ID           string `json:"id"`
	GigID        string `json:"gig_id"`
	CompanyID    string `json:"company_id"`
	FreelancerID string `json:"freelancer_id"`
	Status       string `json:"status"`
	Phase        string `json:"phase"`
}

type Payment struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	PayerID  string         `json:"payer_id"`
	PayeeID  string         `json:"payee_id"`
	Amount   int64          `json:"amount"`
	Currency string         `json:"currency"`
	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AcceptResult is returned by every acceptance step.
type AcceptResult struct {
	Application  Application   `json:"application"`
	Conversation *Conversation `json:"conversation,omitempty"`
	Order        *Order        `json:"order,omitempty"`
	Payment      *Payment      `json:"payment,omitempty"`
	Replayed     bool          `json:"replayed,omitempty"`
}

// PaymentProof is what the provider checkout hands back to the company.
type PaymentProof struct {
	OrderID      string
	PaymentID    string
	Signature    string
	AgreedAmount int64
}

type ProjectFile struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type Project struct {
	ID             string        `json:"id"`
	GigID          string        `json:"gig_id"`
	ConversationID string        `json:"conversation_id"`
	Title          string        `json:"title"`
	Status         string        `json:"status"`
	Files          []ProjectFile `json:"files"`
	Feedback       *string       `json:"feedback,omitempty"`
	Iterations     struct {
		Current   int `json:"current"`
		Maximum   int `json:"maximum"`
		Remaining int `json:"remaining"`
	} `json:"iterations"`
	PaymentAmount int64 `json:"payment_amount"`
}

type Wallet struct {
	FreelancerID   string `json:"freelancer_id"`
	Currency       string `json:"currency"`
	Balance        int64  `json:"balance"`
	TotalEarned    int64  `json:"total_earned"`
	TotalWithdrawn int64  `json:"total_withdrawn"`
	PendingAmount  int64  `json:"pending_amount"`
}

type Payout struct {
	Method        string `json:"method"`
	AccountHolder string `json:"account_holder,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	IFSC          string `json:"ifsc,omitempty"`
	UPIID         string `json:"upi_id,omitempty"`
}

// APIError wraps non-2xx responses. Code and Message are filled from the
// error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateGig publishes a gig.
func (c *Client) CreateGig(ctx context.Context, title string, budget int64) (Gig, error) {
	var resp Gig
	err := c.do(ctx, http.MethodPost, "gigs", map[string]any{"title": title, "budget": budget}, &resp)
	return resp, err
}

// Apply submits an application with the given iteration budget.
func (c *Client) Apply(ctx context.Context, gigID string, iterations int, coverLetter string) (Application, error) {
	body := map[string]any{"gig_id": gigID, "iterations": iterations}
	if coverLetter != "" {
		body["cover_letter"] = coverLetter
	}
	var resp Application
	err := c.do(ctx, http.MethodPost, "applications/create", body, &resp)
	return resp, err
}

// StartNegotiation opens negotiation with one applicant.
func (c *Client) StartNegotiation(ctx context.Context, gigID, freelancerID string) (AcceptResult, error) {
	return c.accept(ctx, gigID, map[string]any{"action": "negotiate", "freelancer_id": freelancerID})
}

// CreateOrder opens an escrow order. A zero amount charges the negotiated price.
func (c *Client) CreateOrder(ctx context.Context, gigID, freelancerID string, amount int64) (AcceptResult, error) {
	body := map[string]any{"action": "create_order", "freelancer_id": freelancerID}
	if amount > 0 {
		body["amount"] = amount
	}
	return c.accept(ctx, gigID, body)
}

// VerifyPayment submits the checkout proof; success accepts the application.
func (c *Client) VerifyPayment(ctx context.Context, gigID, freelancerID string, proof PaymentProof) (AcceptResult, error) {
	return c.accept(ctx, gigID, map[string]any{
		"action":        "verify_payment",
		"freelancer_id": freelancerID,
		"order_id":      proof.OrderID,
		"payment_id":    proof.PaymentID,
		"signature":     proof.Signature,
		"agreed_amount": proof.AgreedAmount,
	})
}

// DirectAccept fixes the price and opens an order without negotiating.
func (c *Client) DirectAccept(ctx context.Context, gigID, freelancerID string) (AcceptResult, error) {
	var resp AcceptResult
	err := c.do(ctx, http.MethodPost, gigPath(gigID, "direct-accept"), map[string]any{"freelancer_id": freelancerID}, &resp)
	return resp, err
}

func (c *Client) accept(ctx context.Context, gigID string, body map[string]any) (AcceptResult, error) {
	var resp AcceptResult
	err := c.do(ctx, http.MethodPost, gigPath(gigID, "accept"), body, &resp)
	return resp, err
}

// Reject turns down an application.
func (c *Client) Reject(ctx context.Context, gigID, freelancerID, reason string) (Application, error) {
	var resp Application
	err := c.do(ctx, http.MethodPost, gigPath(gigID, "reject"), map[string]any{"freelancer_id": freelancerID, "reason": reason}, &resp)
	return resp, err
}

// Withdraw removes the caller's application.
func (c *Client) Withdraw(ctx context.Context, gigID string) error {
	return c.do(ctx, http.MethodDelete, gigPath(gigID, "withdraw"), nil, nil)
}

// SubmitProject hands in work for review.
func (c *Client) SubmitProject(ctx context.Context, conversationID, gigID, title string, files []ProjectFile) (Project, error) {
	body := map[string]any{"conversation_id": conversationID, "gig_id": gigID, "title": title}
	if len(files) > 0 {
		body["files"] = files
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", body, &resp)
	return resp, err
}

// Review applies "approve", "request-revision" or "reject" to a project.
func (c *Client) Review(ctx context.Context, projectID, decision, feedback string) (Project, error) {
	var body any
	if feedback != "" {
		body = map[string]any{"feedback": feedback}
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("projects/%s/%s", url.PathEscape(projectID), decision), body, &resp)
	return resp, err
}

// Wallet returns the caller's wallet.
func (c *Client) Wallet(ctx context.Context) (Wallet, error) {
	var resp struct {
		Wallet Wallet `json:"wallet"`
	}
	err := c.do(ctx, http.MethodGet, "freelancer/wallet", nil, &resp)
	return resp.Wallet, err
}

// RequestWithdrawal asks for a payout of amount.
func (c *Client) RequestWithdrawal(ctx context.Context, amount int64, payout Payout) (Payment, error) {
	var resp Payment
	err := c.do(ctx, http.MethodPost, "freelancer/wallet/withdraw", map[string]any{"amount": amount, "payout": payout}, &resp)
	return resp, err
}

// ProcessWithdrawal approves or rejects a pending withdrawal (admin).
func (c *Client) ProcessWithdrawal(ctx context.Context, id string, approve bool, note string) (Payment, error) {
	action := "reject"
	if approve {
		action = "approve"
	}
	body := map[string]any{"action": action}
	if note != "" {
		body["note"] = note
	}
	var resp Payment
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("payments/withdraw/%s/process", url.PathEscape(id)), body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func gigPath(gigID, action string) string {
	return fmt.Sprintf("applications/%s/%s", url.PathEscape(gigID), action)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
