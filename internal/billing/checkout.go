package billing

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/persona-labs/botpanel/internal/store"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
)

// CheckoutConfig carries what the checkout flow needs from panel config.
type CheckoutConfig struct {
	APIKey  string
	BaseURL string
	// PriceIDs maps bot key to the provider price id for the recurring plan.
	PriceIDs map[string]string
}

// CheckoutHandler redirects a tenant to the provider's hosted checkout page
// for one bot persona. The session is stamped with identity metadata so the
// resulting webhook events resolve back to the (tenant, bot) pair.
type CheckoutHandler struct {
	cfg CheckoutConfig

	createSession func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
}

// NewCheckoutHandler creates a CheckoutHandler.
func NewCheckoutHandler(cfg CheckoutConfig) *CheckoutHandler {
	return &CheckoutHandler{
		cfg:           cfg,
		createSession: stripesession.New,
	}
}

// ServeHTTP handles POST /api/checkout/{bot_key}/{tenant}.
func (h *CheckoutHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	botKey := strings.TrimSpace(r.PathValue("bot_key"))
	tenantExternalID := strings.TrimSpace(r.PathValue("tenant"))
	platform, err := store.ParsePlatform(r.URL.Query().Get("platform"))
	if err != nil {
		platform = store.PlatformDiscord
	}
	if botKey == "" || tenantExternalID == "" {
		http.Error(w, "bot_key and tenant are required", http.StatusBadRequest)
		return
	}

	priceID := strings.TrimSpace(h.cfg.PriceIDs[botKey])
	if strings.TrimSpace(h.cfg.APIKey) == "" || priceID == "" {
		http.Error(w, "checkout not configured for this bot", http.StatusServiceUnavailable)
		return
	}

	stripelib.Key = strings.TrimSpace(h.cfg.APIKey)
	metadata := map[string]string{
		MetaTenantExternalID: tenantExternalID,
		MetaPlatform:         string(platform),
		MetaBotKey:           botKey,
	}
	params := &stripelib.CheckoutSessionParams{
		Mode:       stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		SuccessURL: stripelib.String(h.buildURL("/checkout/success")),
		CancelURL:  stripelib.String(h.buildURL("/checkout/cancelled")),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				Price:    stripelib.String(priceID),
				Quantity: stripelib.Int64(1),
			},
		},
		SubscriptionData: &stripelib.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
		Metadata: metadata,
	}

	session, err := h.createSession(params)
	if err != nil || session == nil || strings.TrimSpace(session.URL) == "" {
		log.Error().Err(err).
			Str("bot_key", botKey).
			Str("tenant", tenantExternalID).
			Msg("Checkout session creation failed")
		http.Error(w, "unable to create checkout session", http.StatusBadGateway)
		return
	}

	http.Redirect(w, r, session.URL, http.StatusSeeOther)
}

func (h *CheckoutHandler) buildURL(path string) string {
	base := strings.TrimSpace(h.cfg.BaseURL)
	if base == "" {
		return path
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return path
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + path
	return parsed.String()
}
