package payment

import (
	"context"
	"errors"
	"fmt"

	stripe "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

// StripeGateway 以Stripe的手動請款PaymentIntent實作付款閘道
// 授權階段只建立圈存（capture_method=manual），請款和釋放分別
// 對應PaymentIntent的capture和cancel
type StripeGateway struct {
	sc       *client.API
	currency string
}

// NewStripeGateway 建立Stripe付款閘道
func NewStripeGateway(apiKey, currency string) *StripeGateway {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &StripeGateway{sc: sc, currency: currency}
}

// EnsureCustomer 在Stripe上建立客戶並回傳Customer ID
func (g *StripeGateway) EnsureCustomer(ctx context.Context, name, email string) (string, error) {
	const op = "StripeGateway.EnsureCustomer"
	// 先以email查詢既有客戶，避免重複建立
	params := &stripe.CustomerSearchParams{}
	params.Context = ctx
	params.Query = fmt.Sprintf("email:%q", email)
	iter := g.sc.Customers.Search(params)
	if iter.Next() {
		return iter.Customer().ID, nil
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("[%s] Fail to search customer, err=%w", op, err)
	}

	createParams := &stripe.CustomerParams{
		Name:  stripe.String(name),
		Email: stripe.String(email),
	}
	createParams.Context = ctx
	customer, err := g.sc.Customers.New(createParams)
	if err != nil {
		return "", fmt.Errorf("[%s] Fail to create customer, err=%w", op, err)
	}
	return customer.ID, nil
}

// Authorize 建立一筆手動請款的PaymentIntent作為預授權
func (g *StripeGateway) Authorize(ctx context.Context, input AuthorizeInput) (*Authorization, error) {
	const op = "StripeGateway.Authorize"
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(input.AmountCents),
		Currency:      stripe.String(g.currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	if input.CustomerRef != "" {
		params.Customer = stripe.String(input.CustomerRef)
	}
	if input.PaymentMethod != "" {
		params.PaymentMethod = stripe.String(input.PaymentMethod)
		params.Confirm = stripe.Bool(true)
	}
	if input.Description != "" {
		params.Description = stripe.String(input.Description)
	}
	if input.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(input.IdempotencyKey)
	}

	intent, err := g.sc.PaymentIntents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			return nil, &DeclinedError{Code: string(stripeErr.Code), Message: stripeErr.Msg}
		}
		return nil, fmt.Errorf("[%s] Fail to create payment intent, err=%w", op, err)
	}
	return &Authorization{Ref: intent.ID, ClientSecret: intent.ClientSecret}, nil
}

// Capture 將預授權請款；對已經請款成功的參照是冪等的no-op
func (g *StripeGateway) Capture(ctx context.Context, ref string) error {
	const op = "StripeGateway.Capture"
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	if _, err := g.sc.PaymentIntents.Capture(ref, params); err != nil {
		if g.finalized(ctx, ref, stripe.PaymentIntentStatusSucceeded, err) {
			return nil
		}
		return fmt.Errorf("[%s] Fail to capture payment intent %s, err=%w", op, ref, err)
	}
	return nil
}

// Release 取消預授權；對已經終結的參照是冪等的no-op
func (g *StripeGateway) Release(ctx context.Context, ref string) error {
	const op = "StripeGateway.Release"
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if _, err := g.sc.PaymentIntents.Cancel(ref, params); err != nil {
		if g.finalized(ctx, ref, stripe.PaymentIntentStatusCanceled, err) {
			return nil
		}
		return fmt.Errorf("[%s] Fail to cancel payment intent %s, err=%w", op, ref, err)
	}
	return nil
}

// finalized 檢查操作失敗是否因為PaymentIntent已經處於目標終結狀態
func (g *StripeGateway) finalized(ctx context.Context, ref string, want stripe.PaymentIntentStatus, err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) || stripeErr.Code != stripe.ErrorCodePaymentIntentUnexpectedState {
		return false
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	intent, getErr := g.sc.PaymentIntents.Get(ref, params)
	if getErr != nil {
		return false
	}
	return intent.Status == want
}
