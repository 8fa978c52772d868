package model

import "gorm.io/gorm"

// Organization groups users under a billing plan. Plan state is driven by
// Stripe subscription webhooks; the plan tier decides the default rate
// limit applied to newly issued keys.
type Organization struct {
	gorm.Model
	Name                 string `gorm:"type:varchar(255);uniqueIndex;not null" json:"name"`
	Plan                 string `gorm:"type:varchar(50);default:'free';not null" json:"plan"`
	StripeCustomerID     string `gorm:"type:varchar(255);index" json:"stripe_customer_id"`
	StripeSubscriptionID string `gorm:"type:varchar(255)" json:"stripe_subscription_id"`
	SubscriptionStatus   string `gorm:"type:varchar(50)" json:"subscription_status"`
}
