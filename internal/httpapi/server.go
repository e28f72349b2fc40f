// Package httpapi is the HTTP dispatcher: routing, tenant scoping, auth,
// idempotency replay and the single domain-error-to-HTTP mapping. Handlers
// stay thin; all business rules live in the engines.
package httpapi

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/settld-labs/settld-core/internal/authority"
	"github.com/settld-labs/settld-core/internal/config"
	"github.com/settld-labs/settld-core/internal/dispute"
	"github.com/settld-labs/settld-core/internal/idempotency"
	"github.com/settld-labs/settld-core/internal/keyring"
	"github.com/settld-labs/settld-core/internal/run"
	"github.com/settld-labs/settld-core/internal/session"
	"github.com/settld-labs/settld-core/internal/store"
	"github.com/settld-labs/settld-core/internal/toolcall"
	"github.com/settld-labs/settld-core/internal/workorder"
	"github.com/settld-labs/settld-core/internal/x402"
)

// Inbound headers. The nooterra aliases are accepted wherever the settld
// name is.
const (
	HeaderTenant          = "x-proxy-tenant-id"
	HeaderTenantAlias     = "x-settld-tenant-id"
	HeaderTenantLegacy    = "x-nooterra-tenant-id"
	HeaderOpsToken        = "x-proxy-ops-token"
	HeaderOpsTokenAlias   = "x-settld-ops-token"
	HeaderAPIKey          = "x-api-key"
	HeaderRequestID       = "x-request-id"
	HeaderIdempotencyKey  = "x-idempotency-key"
	HeaderIdemKeyAlias    = "x-settld-idempotency-key"
	HeaderIdemKeyLegacy   = "x-nooterra-idempotency-key"
	HeaderExpectedPrev    = "x-proxy-expected-prev-chain-hash"
	HeaderExpectedPrevAlt = "x-settld-expected-prev-chain-hash"
)

// Server wires every engine behind the router.
type Server struct {
	Store     store.Store
	Runs      *run.Engine
	Sessions  *session.Engine
	ToolCalls *toolcall.Kernel
	Disputes  *dispute.Engine
	WorkOrds  *workorder.Engine
	Gates     *x402.Engine
	Authority *authority.Verifier
	Keys      *keyring.Ring
	Idem      *idempotency.Guard
	Config    *config.Manager
	Logger    *log.Logger

	// SSEPollInterval bounds the event-stream poll loop; tests shrink it.
	SSEPollInterval time.Duration
}

// New builds a server over a store with default engine wiring.
func New(st store.Store, ring *keyring.Ring, cfg *config.Manager) *Server {
	return &Server{
		Store:           st,
		Runs:            run.NewEngine(st, ring),
		Sessions:        session.NewEngine(st, ring),
		ToolCalls:       toolcall.NewKernel(st, ring),
		Disputes:        dispute.NewEngine(st),
		WorkOrds:        workorder.NewEngine(st),
		Gates:           x402.NewEngine(st, authority.NewVerifier(st)),
		Authority:       authority.NewVerifier(st),
		Keys:            ring,
		Idem:            idempotency.NewGuard(st),
		Config:          cfg,
		Logger:          log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
		SSEPollInterval: 250 * time.Millisecond,
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.accessLogMiddleware)

	// unauthenticated surface
	r.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/.well-known/settld-keys.json", s.handleWellKnownKeys()).Methods(http.MethodGet)
	r.HandleFunc("/public/agent-cards/stream", s.handleAgentCardStream()).Methods(http.MethodGet)

	// receiver-facing ACK: tenant-scoped but key-less, receivers hold only
	// the delivery id and the webhook secret
	r.HandleFunc("/exports/ack", s.withTenant(s.handleExportsAck())).Methods(http.MethodPost)

	api := r.NewRoute().Subrouter()
	api.Use(s.authMiddleware)
	api.Use(s.idempotencyMiddleware)

	api.HandleFunc("/agents/register", s.handleRegisterAgent()).Methods(http.MethodPost)
	api.HandleFunc("/agents/{id}", s.handleGetAgent()).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}/wallet", s.handleGetWallet()).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}/wallet/credit", s.handleCreditWallet()).Methods(http.MethodPost)

	api.HandleFunc("/agents/{id}/runs", s.handleCreateRun()).Methods(http.MethodPost)
	api.HandleFunc("/agents/{id}/runs", s.handleListRuns()).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}/runs/{runId}", s.handleGetRun()).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}/runs/{runId}/events", s.handleListRunEvents()).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}/runs/{runId}/events", s.handleAppendRunEvent()).Methods(http.MethodPost)

	api.HandleFunc("/authority-grants", s.handleCreateGrant(false)).Methods(http.MethodPost)
	api.HandleFunc("/authority-grants", s.handleListGrants(false)).Methods(http.MethodGet)
	api.HandleFunc("/authority-grants/{id}", s.handleGetGrant()).Methods(http.MethodGet)
	api.HandleFunc("/authority-grants/{id}/revoke", s.handleRevokeGrant()).Methods(http.MethodPost)
	api.HandleFunc("/delegation-grants", s.handleCreateGrant(true)).Methods(http.MethodPost)
	api.HandleFunc("/delegation-grants", s.handleListGrants(true)).Methods(http.MethodGet)
	api.HandleFunc("/delegation-grants/{id}", s.handleGetGrant()).Methods(http.MethodGet)
	api.HandleFunc("/delegation-grants/{id}/revoke", s.handleRevokeGrant()).Methods(http.MethodPost)

	api.HandleFunc("/work-orders", s.handleCreateWorkOrder()).Methods(http.MethodPost)
	api.HandleFunc("/work-orders/{id}", s.handleGetWorkOrder()).Methods(http.MethodGet)
	api.HandleFunc("/work-orders/{id}/accept", s.handleAcceptWorkOrder()).Methods(http.MethodPost)
	api.HandleFunc("/work-orders/{id}/progress", s.handleProgressWorkOrder()).Methods(http.MethodPost)
	api.HandleFunc("/work-orders/{id}/topUp", s.handleTopUpWorkOrder()).Methods(http.MethodPost)
	api.HandleFunc("/work-orders/{id}/complete", s.handleCompleteWorkOrder()).Methods(http.MethodPost)
	api.HandleFunc("/work-orders/{id}/settle", s.handleSettleWorkOrder()).Methods(http.MethodPost)
	api.HandleFunc("/work-orders/{id}/metering", s.handleWorkOrderMetering()).Methods(http.MethodGet)
	api.HandleFunc("/work-orders/{id}/receipts", s.handleWorkOrderReceipts()).Methods(http.MethodGet)

	api.HandleFunc("/sessions", s.handleCreateSession()).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", s.handleGetSession()).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/events", s.handleAppendSessionEvent()).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/events", s.handleListSessionEvents()).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/events/stream", s.handleSessionEventStream()).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/replay-pack", s.handleSessionReplayPack()).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/transcript", s.handleSessionTranscript()).Methods(http.MethodGet)

	api.HandleFunc("/x402/gate/create", s.handleCreateGate()).Methods(http.MethodPost)
	api.HandleFunc("/x402/gate/authorize-payment", s.handleAuthorizePayment()).Methods(http.MethodPost)
	api.HandleFunc("/x402/gate/consume", s.handleConsumeGate()).Methods(http.MethodPost)
	api.HandleFunc("/x402/agents/{id}/lifecycle", s.handleAgentLifecycle()).Methods(http.MethodPost)

	api.HandleFunc("/tool-calls/agreements", s.handleCreateAgreement()).Methods(http.MethodPost)
	api.HandleFunc("/tool-calls/evidence", s.handleSignEvidence()).Methods(http.MethodPost)
	api.HandleFunc("/tool-calls/arbitration/open", s.handleArbitrationOpen()).Methods(http.MethodPost)
	api.HandleFunc("/tool-calls/arbitration/verdict", s.handleArbitrationVerdict()).Methods(http.MethodPost)

	api.HandleFunc("/runs/{id}/dispute/open", s.handleDisputeOpen()).Methods(http.MethodPost)
	api.HandleFunc("/runs/{id}/dispute/evidence", s.handleDisputeEvidence()).Methods(http.MethodPost)
	api.HandleFunc("/runs/{id}/dispute/escalate", s.handleDisputeEscalate()).Methods(http.MethodPost)
	api.HandleFunc("/runs/{id}/dispute/close", s.handleDisputeClose()).Methods(http.MethodPost)

	api.HandleFunc("/runs/{id}/settlement", s.handleGetRunSettlement()).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}/settlement/resolve", s.handleResolveSettlement()).Methods(http.MethodPost)
	api.HandleFunc("/runs/{id}/verification", s.handleGetRunVerification()).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}/agreement", s.handleGetRunAgreement()).Methods(http.MethodGet)

	ops := api.NewRoute().Subrouter()
	ops.Use(s.opsMiddleware)
	ops.HandleFunc("/ops/tool-calls/holds/lock", s.handleLockHold()).Methods(http.MethodPost)
	ops.HandleFunc("/ops/tool-calls/holds", s.handleListHolds()).Methods(http.MethodGet)
	ops.HandleFunc("/ops/tool-calls/holds/{holdHash}", s.handleGetHold()).Methods(http.MethodGet)
	ops.HandleFunc("/ops/tool-calls/replay-evaluate", s.handleReplayEvaluate()).Methods(http.MethodGet)
	ops.HandleFunc("/ops/deliveries", s.handleListDeliveries()).Methods(http.MethodGet)

	return r
}
