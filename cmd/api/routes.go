package main

import (
	"log/slog"
	"net/http"

	"callflow-platform/internal/audit"
	"callflow-platform/internal/bridge"
	"callflow-platform/internal/calls"
	"callflow-platform/internal/config"
	"callflow-platform/internal/engine"
	"callflow-platform/internal/gateway"
	"callflow-platform/internal/httpapi"
	"callflow-platform/internal/routing"
	"callflow-platform/internal/simulate"
	"callflow-platform/internal/telephony"
	"callflow-platform/internal/workflow"

	"github.com/gin-gonic/gin"
)

// app is the wired service graph.
type app struct {
	gateway *gateway.Gateway
	api     httpapi.Handlers
}

func newApp(cfg config.Config, st *stores, log *slog.Logger) *app {
	auditSvc := audit.NewService(st.audit)
	eng := engine.New(nil, cfg.Engine.MaxSteps)
	workflows := workflow.NewService(st.workflows, auditSvc, log)

	control := telephony.NewTwilioControl(telephony.TwilioConfig{
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
		BaseURL:    cfg.Twilio.APIBaseURL,
	})
	coord := bridge.NewCoordinator(control, st.directory, st.conferences, bridge.Options{
		BaseURL:  cfg.App.PublicBaseURL,
		CallerID: cfg.Twilio.FromNumber,
		Record:   cfg.Calls.Record,
	}, log)

	machine := calls.NewMachine(calls.MachineDeps{
		Store:    st.sessions,
		Archive:  st.archive,
		Notifier: st.notifier,
		Versions: workflows,
		Engine:   eng,
		Bridge:   coord,
		Locks:    st.locks,
		Capacity: st.capacity,
		Audit:    auditSvc,
		Log:      log,
	})

	resolver := routing.NewResolver(
		st.directory,
		routing.NewOverrideEngine(st.overrides, routing.AuditAdapter{Audit: auditSvc}),
		workflows,
	)

	gw := gateway.New(resolver, machine, coord, control, st.dedup, gateway.Options{
		Verifier: gateway.Verifier{
			AuthToken: cfg.Twilio.AuthToken,
			BaseURL:   cfg.App.PublicBaseURL,
			Required:  cfg.IsProduction(),
		},
		DedupBucket: cfg.Webhook.DedupBucket,
	})

	return &app{
		gateway: gw,
		api: httpapi.Handlers{
			Workflows: workflows,
			Deployer:  workflow.NewDeployer(st.workflows, auditSvc, log),
			Sandbox:   simulate.New(eng, workflows),
			Outbound:  calls.NewOutbound(machine, workflows, coord, auditSvc, cfg.Twilio.FromNumber, log),
			Numbers:   st.directory,
			Queues:    st.directory,
			Overrides: st.overrides,
			Audit:     auditSvc,
		},
	}
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, a *app, st *stores, authMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if err := st.ready(c.Request.Context()); err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Provider webhooks authenticate by signature, not bearer token.
	a.gateway.Register(r)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	a.api.Register(v1)
}
