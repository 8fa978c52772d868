package billing

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"lynxa/internal/db"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/webhook"
)

// maxWebhookBody caps the payload we are willing to read, per Stripe's
// own recommendation.
const maxWebhookBody = 65536

// WebhookHandler applies Stripe subscription and invoice events to
// organization plan state.
type WebhookHandler struct {
	db     db.Service
	secret string
	logger *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler verifying signatures with the
// given endpoint secret.
func NewWebhookHandler(dbService db.Service, secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		db:     dbService,
		secret: secret,
		logger: logger.With("component", "billing"),
	}
}

// Handle verifies and dispatches one webhook delivery. Unrecognized event
// types are acknowledged and ignored so Stripe does not retry them.
func (h *WebhookHandler) Handle(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_payload", "message": "failed to read payload"}})
		return
	}

	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.secret)
	if err != nil {
		h.logger.Warn("Rejected webhook with bad signature", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_signature", "message": "webhook signature verification failed"}})
		return
	}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		err = h.applySubscription(event.Data.Raw, false)
	case "customer.subscription.deleted":
		err = h.applySubscription(event.Data.Raw, true)
	case "invoice.payment_succeeded":
		err = h.applyInvoice(event.Data.Raw, "active")
	case "invoice.payment_failed":
		err = h.applyInvoice(event.Data.Raw, "past_due")
	default:
		h.logger.Debug("Ignoring webhook event", "type", event.Type)
	}

	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			// No organization for this customer; acknowledge so Stripe
			// stops retrying an event we can never apply.
			h.logger.Warn("Webhook for unknown Stripe customer", "type", event.Type)
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		h.logger.Error("Failed to apply webhook event", "type", event.Type, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "store_unavailable", "message": "failed to apply event"}})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// applySubscription updates the owning organization's plan and status from
// a subscription event. Deletion downgrades the organization to free.
func (h *WebhookHandler) applySubscription(raw json.RawMessage, deleted bool) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return err
	}
	if sub.Customer == nil {
		return errors.New("subscription event without customer")
	}

	org, err := h.db.GetOrganizationByCustomerID(sub.Customer.ID)
	if err != nil {
		return err
	}

	if deleted {
		org.Plan = "free"
		org.StripeSubscriptionID = ""
		org.SubscriptionStatus = "canceled"
	} else {
		if plan := planFromSubscription(&sub); plan != "" {
			org.Plan = plan
		}
		org.StripeSubscriptionID = sub.ID
		org.SubscriptionStatus = string(sub.Status)
	}

	if err := h.db.UpdateOrganization(org); err != nil {
		return err
	}
	h.logger.Info("Updated organization plan from subscription event",
		"organization", org.Name, "plan", org.Plan, "status", org.SubscriptionStatus)
	return nil
}

// applyInvoice updates the subscription status from an invoice outcome.
func (h *WebhookHandler) applyInvoice(raw json.RawMessage, status string) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return err
	}
	if invoice.Customer == nil {
		return errors.New("invoice event without customer")
	}

	org, err := h.db.GetOrganizationByCustomerID(invoice.Customer.ID)
	if err != nil {
		return err
	}

	org.SubscriptionStatus = status
	if err := h.db.UpdateOrganization(org); err != nil {
		return err
	}
	h.logger.Info("Updated organization subscription status from invoice event",
		"organization", org.Name, "status", status)
	return nil
}

// planFromSubscription resolves the plan tier for a subscription: explicit
// metadata wins, then the price nickname. Empty means "leave unchanged".
func planFromSubscription(sub *stripe.Subscription) string {
	if plan, ok := sub.Metadata["plan"]; ok && plan != "" {
		return strings.ToLower(plan)
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.Price != nil && item.Price.Nickname != "" {
				return strings.ToLower(item.Price.Nickname)
			}
		}
	}
	return ""
}
