// Package payments resolves opaque external-payment references into a
// normalized verification status. The external gateway speaks a Stripe-shaped
// REST API; the reference shape is inferred from its prefix.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mindwell/therapy-platform/pkg/logging"
)

var tracer = otel.Tracer("payments")

// ErrAdapterUnavailable is returned when no reference could be resolved due
// to lookup or network failure. The accompanying Result is always pending;
// an error is never translated into paid.
var ErrAdapterUnavailable = errors.New("payments: verification adapter unavailable")

// Status is the normalized payment verification outcome.
type Status string

const (
	StatusPaid    Status = "paid"
	StatusFailed  Status = "failed"
	StatusPending Status = "pending"
	StatusUnpaid  Status = "unpaid"
)

// Result is the adapter's normalized answer.
type Result struct {
	PaymentStatus      Status
	SubscriptionStatus string
	IsActive           bool
}

// Refs carries the external references an appointment may hold, one per
// shape. Zero values mean absent.
type Refs struct {
	CheckoutSession string
	PaymentIntent   string
	Charge          string
	Invoice         string
	Subscription    string
}

// RefsFromRef sorts a single opaque reference into its slot by prefix.
func RefsFromRef(ref string) Refs {
	ref = strings.TrimSpace(ref)
	switch {
	case strings.HasPrefix(ref, "cs_"):
		return Refs{CheckoutSession: ref}
	case strings.HasPrefix(ref, "pi_"):
		return Refs{PaymentIntent: ref}
	case strings.HasPrefix(ref, "ch_"), strings.HasPrefix(ref, "py_"):
		return Refs{Charge: ref}
	case strings.HasPrefix(ref, "in_"):
		return Refs{Invoice: ref}
	case strings.HasPrefix(ref, "sub_"):
		return Refs{Subscription: ref}
	default:
		return Refs{}
	}
}

// Empty reports whether no reference is present.
func (r Refs) Empty() bool {
	return r.CheckoutSession == "" && r.PaymentIntent == "" && r.Charge == "" &&
		r.Invoice == "" && r.Subscription == ""
}

// Verifier resolves references to a normalized status.
type Verifier interface {
	Verify(ctx context.Context, refs Refs) (Result, error)
}

// StripeVerifier implements Verifier against the gateway's REST API.
type StripeVerifier struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewStripeVerifier creates a verifier. timeout bounds each lookup; the
// zero value defaults to 10 seconds.
func NewStripeVerifier(baseURL, apiKey string, timeout time.Duration, logger *logging.Logger) *StripeVerifier {
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &StripeVerifier{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Component("payment_verifier"),
	}
}

// Verify prefers the checkout-session reference; a paid session returns
// immediately. Otherwise it inspects whichever fallback reference is present.
// Total resolution failure yields pending with ErrAdapterUnavailable.
func (v *StripeVerifier) Verify(ctx context.Context, refs Refs) (Result, error) {
	ctx, span := tracer.Start(ctx, "payments.verify")
	defer span.End()

	if refs.Empty() {
		return Result{PaymentStatus: StatusUnpaid}, nil
	}

	var lookupErr error

	if refs.CheckoutSession != "" {
		span.SetAttributes(attribute.String("payments.ref_shape", "checkout_session"))
		res, err := v.checkoutSession(ctx, refs.CheckoutSession)
		if err == nil {
			if res.PaymentStatus == StatusPaid {
				return res, nil
			}
			// An unpaid session is not conclusive; a fallback reference may
			// still prove payment.
			if refs.onlyCheckoutSession() {
				return res, nil
			}
		} else {
			lookupErr = err
		}
	}

	type lookup struct {
		shape string
		ref   string
		fn    func(context.Context, string) (Result, error)
	}
	fallbacks := []lookup{
		{"payment_intent", refs.PaymentIntent, v.paymentIntent},
		{"charge", refs.Charge, v.charge},
		{"invoice", refs.Invoice, v.invoice},
		{"subscription", refs.Subscription, v.subscription},
	}
	for _, l := range fallbacks {
		if l.ref == "" {
			continue
		}
		span.SetAttributes(attribute.String("payments.ref_shape", l.shape))
		res, err := l.fn(ctx, l.ref)
		if err != nil {
			lookupErr = err
			continue
		}
		return res, nil
	}

	if lookupErr != nil {
		v.logger.Warn("verification lookup failed", "error", lookupErr)
		return Result{PaymentStatus: StatusPending}, fmt.Errorf("%w: %w", ErrAdapterUnavailable, lookupErr)
	}
	return Result{PaymentStatus: StatusUnpaid}, nil
}

func (r Refs) onlyCheckoutSession() bool {
	return r.PaymentIntent == "" && r.Charge == "" && r.Invoice == "" && r.Subscription == ""
}

func (v *StripeVerifier) checkoutSession(ctx context.Context, id string) (Result, error) {
	var body struct {
		PaymentStatus string `json:"payment_status"`
		Status        string `json:"status"`
	}
	if err := v.getJSON(ctx, "/v1/checkout/sessions/"+id, &body); err != nil {
		return Result{}, err
	}
	switch body.PaymentStatus {
	case "paid", "no_payment_required":
		return Result{PaymentStatus: StatusPaid}, nil
	case "unpaid":
		if body.Status == "expired" {
			return Result{PaymentStatus: StatusFailed}, nil
		}
		return Result{PaymentStatus: StatusUnpaid}, nil
	default:
		return Result{PaymentStatus: StatusPending}, nil
	}
}

func (v *StripeVerifier) paymentIntent(ctx context.Context, id string) (Result, error) {
	var body struct {
		Status string `json:"status"`
	}
	if err := v.getJSON(ctx, "/v1/payment_intents/"+id, &body); err != nil {
		return Result{}, err
	}
	switch body.Status {
	case "succeeded":
		return Result{PaymentStatus: StatusPaid}, nil
	case "canceled":
		return Result{PaymentStatus: StatusFailed}, nil
	default:
		return Result{PaymentStatus: StatusPending}, nil
	}
}

func (v *StripeVerifier) charge(ctx context.Context, id string) (Result, error) {
	var body struct {
		Paid   bool   `json:"paid"`
		Status string `json:"status"`
	}
	if err := v.getJSON(ctx, "/v1/charges/"+id, &body); err != nil {
		return Result{}, err
	}
	// A charge counts as paid only when both the settlement flag and the
	// status agree.
	if body.Paid && body.Status == "succeeded" {
		return Result{PaymentStatus: StatusPaid}, nil
	}
	if body.Status == "failed" {
		return Result{PaymentStatus: StatusFailed}, nil
	}
	return Result{PaymentStatus: StatusPending}, nil
}

func (v *StripeVerifier) invoice(ctx context.Context, id string) (Result, error) {
	var body struct {
		Status string `json:"status"`
	}
	if err := v.getJSON(ctx, "/v1/invoices/"+id, &body); err != nil {
		return Result{}, err
	}
	switch body.Status {
	case "paid":
		return Result{PaymentStatus: StatusPaid}, nil
	case "void", "uncollectible":
		return Result{PaymentStatus: StatusFailed}, nil
	case "open":
		return Result{PaymentStatus: StatusUnpaid}, nil
	default:
		return Result{PaymentStatus: StatusPending}, nil
	}
}

func (v *StripeVerifier) subscription(ctx context.Context, id string) (Result, error) {
	var body struct {
		Status string `json:"status"`
	}
	if err := v.getJSON(ctx, "/v1/subscriptions/"+id, &body); err != nil {
		return Result{}, err
	}
	res := Result{SubscriptionStatus: body.Status}
	switch body.Status {
	case "active", "trialing":
		res.PaymentStatus = StatusPaid
		res.IsActive = true
	case "canceled", "ended", "past_due":
		// The subscription once charged successfully; a later cancellation
		// never revokes that evidence.
		res.PaymentStatus = StatusPaid
	case "incomplete":
		res.PaymentStatus = StatusPending
	case "incomplete_expired":
		res.PaymentStatus = StatusFailed
	default:
		res.PaymentStatus = StatusUnpaid
	}
	return res, nil
}

func (v *StripeVerifier) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("payments: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+v.apiKey)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("payments: lookup %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("payments: lookup %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("payments: decode %s: %w", path, err)
	}
	return nil
}
