package harness

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/subsync/internal/model"
	"github.com/roach88/subsync/internal/storefront"
)

// Scenario is a scripted engine run loaded from YAML.
type Scenario struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Config      ConfigOverride `yaml:"config"`
	Backend     BackendScript  `yaml:"backend"`
	Store       StoreScript    `yaml:"store"`
	Steps       []Step         `yaml:"steps"`
	Assertions  []Assertion    `yaml:"assertions"`
}

// ConfigOverride adjusts the default engine configuration.
type ConfigOverride struct {
	UserID                  string `yaml:"user_id,omitempty"`
	AutoFinish              *bool  `yaml:"auto_finish,omitempty"`
	MaxRegistrationAttempts int    `yaml:"max_registration_attempts,omitempty"`
	MaxReceiptAttempts      int    `yaml:"max_receipt_attempts,omitempty"`
}

// BackendScript lists the replies of each endpoint, in call order. The last
// reply repeats once the list is exhausted. An endpoint with no replies
// succeeds, echoing the request's user ID.
type BackendScript struct {
	Customers   []Reply `yaml:"customers"`
	Products    []Reply `yaml:"products"`
	Receipts    []Reply `yaml:"receipts"`
	SignOffer   []Reply `yaml:"sign_offer"`
	Attribution []Reply `yaml:"attribution"`
}

// Reply is one scripted backend answer.
type Reply struct {
	// Status fails the call with this HTTP status.
	Status int `yaml:"status,omitempty"`
	// Connectivity fails the call with a refused connection.
	Connectivity bool `yaml:"connectivity,omitempty"`
	// User is returned by /customers and /subscriptions.
	User *UserReply `yaml:"user,omitempty"`
	// Groups is returned by GET /products.
	Groups map[string]string `yaml:"groups,omitempty"`
}

// UserReply is a scripted user payload.
type UserReply struct {
	UserID        string              `yaml:"user_id,omitempty"`
	Subscriptions []SubscriptionReply `yaml:"subscriptions,omitempty"`
	Purchases     []string            `yaml:"purchases,omitempty"`
	Paywalls      []string            `yaml:"paywalls,omitempty"`
}

// SubscriptionReply is a scripted subscription.
type SubscriptionReply struct {
	ProductID      string `yaml:"product_id"`
	Status         string `yaml:"status"`
	GroupID        string `yaml:"group_id,omitempty"`
	IntroActivated bool   `yaml:"intro_activated,omitempty"`
}

// StoreScript configures the scripted storefront.
type StoreScript struct {
	Products []ProductScript `yaml:"products"`
	// Receipt is installed before the engine starts.
	Receipt string `yaml:"receipt,omitempty"`
	// Outcomes maps product ID to purchased, failed or deferred.
	Outcomes map[string]string `yaml:"outcomes,omitempty"`
}

// ProductScript is a store catalog entry.
type ProductScript struct {
	ProductID    string `yaml:"product_id"`
	Price        string `yaml:"price,omitempty"`
	CurrencyCode string `yaml:"currency_code,omitempty"`
	CountryCode  string `yaml:"country_code,omitempty"`
	StoreGroupID string `yaml:"subscription_group_id,omitempty"`
	IntroOffer   bool   `yaml:"intro_offer,omitempty"`
}

// Step is one public call. Exactly one action field is set.
type Step struct {
	Purchase      string         `yaml:"purchase,omitempty"`
	PurchasePromo *PromoStep     `yaml:"purchase_promo,omitempty"`
	Restore       bool           `yaml:"restore,omitempty"`
	CheckIntro    []string       `yaml:"check_intro,omitempty"`
	CheckPromo    []string       `yaml:"check_promo,omitempty"`
	Attribute     *AttributeStep `yaml:"attribute,omitempty"`
	UpdateUserID  string         `yaml:"update_user_id,omitempty"`
	Logout        bool           `yaml:"logout,omitempty"`
	Settle        bool           `yaml:"settle,omitempty"`
	Emit          *EmitStep      `yaml:"emit,omitempty"`
	Expect        *Expect        `yaml:"expect,omitempty"`
}

// PromoStep purchases a product with a promotional offer.
type PromoStep struct {
	ProductID string `yaml:"product_id"`
	OfferID   string `yaml:"offer_id"`
}

// AttributeStep submits attribution for a provider.
type AttributeStep struct {
	Provider string `yaml:"provider"`
	ID       string `yaml:"id"`
}

// EmitStep delivers an unsolicited store transaction.
type EmitStep struct {
	ProductID     string `yaml:"product_id"`
	TransactionID string `yaml:"transaction_id"`
	State         string `yaml:"state"`
}

// Expect checks a step's result once the scenario finishes.
type Expect struct {
	// Error is a substring of the expected error. Empty means success.
	Error       string          `yaml:"error,omitempty"`
	Active      *bool           `yaml:"active,omitempty"`
	Eligibility map[string]bool `yaml:"eligibility,omitempty"`
	UserID      string          `yaml:"user_id,omitempty"`
}

// Action names a step's action.
func (s Step) Action() string {
	var actions []string
	if s.Purchase != "" {
		actions = append(actions, "purchase")
	}
	if s.PurchasePromo != nil {
		actions = append(actions, "purchase_promo")
	}
	if s.Restore {
		actions = append(actions, "restore")
	}
	if s.CheckIntro != nil {
		actions = append(actions, "check_intro")
	}
	if s.CheckPromo != nil {
		actions = append(actions, "check_promo")
	}
	if s.Attribute != nil {
		actions = append(actions, "attribute")
	}
	if s.UpdateUserID != "" {
		actions = append(actions, "update_user_id")
	}
	if s.Logout {
		actions = append(actions, "logout")
	}
	if s.Settle {
		actions = append(actions, "settle")
	}
	if s.Emit != nil {
		actions = append(actions, "emit")
	}
	if len(actions) != 1 {
		return ""
	}
	return actions[0]
}

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseScenario decodes and validates a scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse scenario YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 && len(s.Assertions) == 0 {
		return fmt.Errorf("at least one step or assertion is required")
	}

	for product, outcome := range s.Store.Outcomes {
		if _, err := parseOutcome(outcome); err != nil {
			return fmt.Errorf("store.outcomes[%s]: %w", product, err)
		}
	}
	for i, p := range s.Store.Products {
		if p.ProductID == "" {
			return fmt.Errorf("store.products[%d]: product_id is required", i)
		}
	}
	for i, r := range s.Backend.Customers {
		if err := validateUserReply(r); err != nil {
			return fmt.Errorf("backend.customers[%d]: %w", i, err)
		}
	}
	for i, r := range s.Backend.Receipts {
		if err := validateUserReply(r); err != nil {
			return fmt.Errorf("backend.receipts[%d]: %w", i, err)
		}
	}

	for i, step := range s.Steps {
		action := step.Action()
		if action == "" {
			return fmt.Errorf("steps[%d]: exactly one action is required", i)
		}
		if err := validateStep(step, action); err != nil {
			return fmt.Errorf("steps[%d] %s: %w", i, action, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateUserReply(r Reply) error {
	if r.User == nil {
		return nil
	}
	for _, sub := range r.User.Subscriptions {
		if sub.ProductID == "" {
			return fmt.Errorf("subscription product_id is required")
		}
		switch model.SubscriptionStatus(sub.Status) {
		case model.StatusTrial, model.StatusIntro, model.StatusPromo, model.StatusRegular,
			model.StatusGrace, model.StatusRefunded, model.StatusExpired:
		default:
			return fmt.Errorf("unknown subscription status %q", sub.Status)
		}
	}
	return nil
}

func validateStep(step Step, action string) error {
	switch action {
	case "purchase_promo":
		if step.PurchasePromo.ProductID == "" || step.PurchasePromo.OfferID == "" {
			return fmt.Errorf("product_id and offer_id are required")
		}
	case "attribute":
		if _, err := attributionPayload(*step.Attribute); err != nil {
			return err
		}
	case "emit":
		if _, err := parseEmitState(step.Emit.State); err != nil {
			return err
		}
	case "settle":
		if step.Expect != nil {
			return fmt.Errorf("expect is not supported")
		}
	}
	return nil
}

func parseOutcome(s string) (storefront.State, error) {
	switch strings.ToLower(s) {
	case "purchased":
		return storefront.StatePurchased, nil
	case "failed":
		return storefront.StateFailed, nil
	case "deferred":
		return storefront.StateDeferred, nil
	default:
		return 0, fmt.Errorf("unknown outcome %q (valid: purchased, failed, deferred)", s)
	}
}

func parseEmitState(s string) (storefront.State, error) {
	if strings.ToLower(s) == "restored" {
		return storefront.StateRestored, nil
	}
	return parseOutcome(s)
}

func attributionPayload(a AttributeStep) (model.AttributionPayload, error) {
	return model.NewAttributionPayload(model.Provider(a.Provider), a.ID, nil)
}
