package functions

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/weldqai/weldqai-functions/internal/functions/admin"
	"github.com/weldqai/weldqai-functions/internal/functions/auth"
	"github.com/weldqai/weldqai-functions/internal/functions/billing"
	"github.com/weldqai/weldqai-functions/internal/functions/callable"
	"github.com/weldqai/weldqai-functions/internal/functions/push"
	"github.com/weldqai/weldqai-functions/internal/functions/store"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config   *Config
	Store    *store.Store
	Provider billing.Provider
	Tokens   auth.TokenVerifier
	Inbox    *push.Inbox
	Version  string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return admin.AdminKeyMiddleware(deps.Config.AdminKey, next)
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", admin.HandleHealthz)
	mux.HandleFunc("/readyz", admin.HandleReadyz(deps.Store))
	mux.Handle("/status", adminAuth(admin.HandleStatus(deps.Version)))

	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", adminAuth(metricsHandler))
	}

	// Stripe webhook (signature-authenticated)
	reconciler := billing.NewReconciler(deps.Store, deps.Provider)
	webhookHandler := billing.NewWebhookHandler(
		billing.NewVerifier(deps.Config.StripeWebhookSecret, deps.Config.WebhookTolerance),
		billing.NewDeduper(deps.Store, billing.DefaultEventLockTTL),
		reconciler,
	)
	webhookLimiter := NewRateLimiter(deps.Config.WebhookRateLimit, time.Minute)
	webhookLimiter.TrustProxy = deps.Config.TrustProxy
	mux.Handle("/api/stripe/webhook", webhookLimiter.Middleware(webhookHandler))

	// Callables (Firebase ID token authenticated)
	svc := callable.NewService(deps.Provider, deps.Store, callable.URLs{
		CheckoutSuccess: deps.Config.CheckoutSuccessURL,
		CheckoutCancel:  deps.Config.CheckoutCancelURL,
		PortalReturn:    deps.Config.PortalReturnURL,
	})
	callableLimiter := NewRateLimiter(deps.Config.CallableRateLimit, time.Minute)
	callableLimiter.TrustProxy = deps.Config.TrustProxy
	callerAuth := auth.Middleware(deps.Tokens)
	callables := map[string]http.Handler{
		"createCheckoutSession":      callable.Handle("createCheckoutSession", svc.CreateCheckoutSession),
		"createSubscription":         callable.Handle("createSubscription", svc.CreateSubscription),
		"createBillingPortalSession": callable.Handle("createBillingPortalSession", svc.CreateBillingPortalSession),
		"registerPushToken":          callable.Handle("registerPushToken", svc.RegisterPushToken),
		"markInboxRead":              callable.Handle("markInboxRead", svc.MarkInboxRead),
	}
	for name, h := range callables {
		mux.Handle("/callable/"+name, callableLimiter.Middleware(callerAuth(h)))
	}

	// Admin API (key-authenticated)
	inbox := deps.Inbox
	if inbox == nil {
		inbox = push.NewInbox(deps.Store, nil)
	}
	mux.Handle("/admin/users/{uid}/entitlement", adminAuth(admin.HandleGetEntitlement(deps.Store)))
	mux.Handle("/admin/users/{uid}/inbox", adminAuth(admin.HandleDeliverInbox(inbox)))
}
