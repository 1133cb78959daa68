package collab

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"

	"github.com/archerline/bridge"
	"github.com/archerline/bridge/shared"
)

// The collaborator-backed tool set. Each service exposes a bridge.Tool so
// the dispatcher can advertise it and route invocations here.

type Verification struct {
	client *Client
}

func NewVerification(client *Client) *Verification {
	return &Verification{client: client}
}

type verifyRequest struct {
	CustomerRef  string `json:"customer_ref,omitempty"`
	AccountLast4 string `json:"account_last4"`
	PostalCode   string `json:"postal_code"`
	PhoneNumber  string `json:"phone_number,omitempty"`
}

type VerifyResult struct {
	Verified    bool    `json:"verified"`
	CustomerId  string  `json:"customer_id,omitempty"`
	Name        string  `json:"name,omitempty"`
	Balance     float64 `json:"balance,omitempty"`
	DaysOverdue int     `json:"days_overdue,omitempty"`
}

func (v *Verification) Verify(ctx context.Context, req verifyRequest) (*VerifyResult, error) {
	out := new(VerifyResult)
	if err := v.client.do(ctx, fasthttp.MethodPost, "/verify", req, out); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return &VerifyResult{Verified: false}, nil
		}
		return nil, err
	}
	return out, nil
}

func (v *Verification) Tool() bridge.Tool {
	return bridge.Tool{
		Name:        "verify_account",
		Description: "Verify the caller's identity against their account before discussing any account details.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"account_last4": map[string]any{
					"type":        "string",
					"description": "Last four digits of the account number.",
				},
				"postal_code": map[string]any{
					"type":        "string",
					"description": "Billing postal code on file.",
				},
				"phone_number": map[string]any{
					"type":        "string",
					"description": "Callback phone number, if offered.",
				},
			},
			"required": []string{"account_last4", "postal_code"},
		},
		Run: func(ctx context.Context, sess *bridge.Session, input []byte) (any, error) {
			var req verifyRequest
			if err := sonic.Unmarshal(input, &req); err != nil {
				return nil, fmt.Errorf("parsing verify_account arguments: %w", err)
			}
			req.CustomerRef = sess.CustomerRef
			result, err := v.Verify(ctx, req)
			if err != nil {
				return nil, err
			}
			if result.Verified {
				sess.SetCustomer(bridge.CustomerContext{
					CustomerId:  result.CustomerId,
					Name:        result.Name,
					Balance:     result.Balance,
					DaysOverdue: result.DaysOverdue,
				})
			}
			return result, nil
		},
	}
}

type Options struct {
	client *Client
}

func NewOptions(client *Client) *Options {
	return &Options{client: client}
}

type optionsRequest struct {
	CustomerId string `json:"customer_id"`
}

type PaymentPlan struct {
	Months  int     `json:"months"`
	Monthly float64 `json:"monthly"`
}

type OptionsResult struct {
	FullPayment     float64       `json:"full_payment"`
	SettlementOffer float64       `json:"settlement_offer"`
	PaymentPlans    []PaymentPlan `json:"payment_plans"`
}

func (o *Options) ComputeOptions(ctx context.Context, customerId string) (*OptionsResult, error) {
	out := new(OptionsResult)
	if err := o.client.do(ctx, fasthttp.MethodPost, "/options", optionsRequest{CustomerId: customerId}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (o *Options) Tool() bridge.Tool {
	return bridge.Tool{
		Name:        "payment_options",
		Description: "Get the resolution options available for a verified customer: full payment, settlement offer, and payment plans.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"customer_id": map[string]any{
					"type":        "string",
					"description": "Customer id returned by verify_account.",
				},
			},
			"required": []string{"customer_id"},
		},
		Run: func(ctx context.Context, sess *bridge.Session, input []byte) (any, error) {
			var req optionsRequest
			if err := sonic.Unmarshal(input, &req); err != nil {
				return nil, fmt.Errorf("parsing payment_options arguments: %w", err)
			}
			return o.ComputeOptions(ctx, req.CustomerId)
		},
	}
}

type Payments struct {
	client *Client
}

func NewPayments(client *Client) *Payments {
	return &Payments{client: client}
}

type paymentRequest struct {
	CallId      string  `json:"call_id"`
	CustomerId  string  `json:"customer_id"`
	PaymentType string  `json:"payment_type"`
	Amount      float64 `json:"amount"`
	Schedule    string  `json:"schedule,omitempty"`
}

type PaymentResult struct {
	ConfirmationNumber string `json:"confirmation_number"`
	NextDueDate        string `json:"next_due_date,omitempty"`
}

func (p *Payments) RecordPayment(ctx context.Context, req paymentRequest) (*PaymentResult, error) {
	out := new(PaymentResult)
	if err := p.client.do(ctx, fasthttp.MethodPost, "/payments", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Payments) Tool() bridge.Tool {
	return bridge.Tool{
		Name:        "record_payment",
		Description: "Record the payment arrangement the customer agreed to. Only call after the customer explicitly confirms.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"customer_id": map[string]any{
					"type":        "string",
					"description": "Customer id returned by verify_account.",
				},
				"payment_type": map[string]any{
					"type": "string",
					"enum": []string{"full", "settlement", "plan"},
				},
				"amount": map[string]any{
					"type":        "number",
					"description": "Amount in dollars for the first or only payment.",
				},
				"schedule": map[string]any{
					"type":        "string",
					"description": "Plan schedule, e.g. \"6 monthly payments\". Required for plans.",
				},
			},
			"required": []string{"customer_id", "payment_type", "amount"},
		},
		Run: func(ctx context.Context, sess *bridge.Session, input []byte) (any, error) {
			var req paymentRequest
			if err := sonic.Unmarshal(input, &req); err != nil {
				return nil, fmt.Errorf("parsing record_payment arguments: %w", err)
			}
			req.CallId = sess.Id
			return p.RecordPayment(ctx, req)
		},
	}
}
