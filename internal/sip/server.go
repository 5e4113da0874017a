// Package sip is the SIP signaling adapter: a user-agent server for
// REGISTER, INVITE, CANCEL and BYE on the inbound side, and a user-agent
// client launching out-leg invites for the call coordinator.
package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/mediahub/mediahub/internal/hub"
)

// Config carries the SIP adapter settings.
type Config struct {
	// ListenAddr is the UDP and TCP bind address ("0.0.0.0:5060").
	ListenAddr string

	// Service is the tenant every SIP-originated object is scoped to.
	Service string

	// Domain is the digest realm and, with ForceDomain, the domain
	// REGISTER To-headers are rewritten to.
	Domain      string
	Registrar   bool
	ForceDomain bool

	// InviteNotRegistered permits INVITE to destinations without a
	// registrar binding.
	InviteNotRegistered bool

	UserAgent string
}

// Server wraps the sipgo stack with the orchestrator handlers.
type Server struct {
	cfg       Config
	ua        *sipgo.UserAgent
	srv       *sipgo.Server
	client    *sipgo.Client
	hub       *hub.Hub
	registrar *Registrar
	auth      *Authenticator
	invites   *InviteHandler
	dialogs   *dialogTable
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewServer creates a SIP server with all handlers registered. The
// out-leg dispatcher and the registrar resolver are installed on the hub.
func NewServer(cfg Config, h *hub.Hub, creds CredentialStore, logger *slog.Logger) (*Server, error) {
	logger = logger.With("component", "sip")
	if cfg.UserAgent == "" {
		cfg.UserAgent = "mediahub"
	}
	if cfg.Service == "" {
		cfg.Service = "default"
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(cfg.UserAgent),
		sipgo.WithUserAgentHostname(cfg.Domain),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(logger))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	auth := NewAuthenticator(cfg.Domain, creds, logger)
	registrar := NewRegistrar(cfg.Registrar, cfg.Domain, cfg.ForceDomain, auth, logger)
	dialogs := newDialogTable()

	s := &Server{
		cfg:       cfg,
		ua:        ua,
		srv:       srv,
		client:    client,
		hub:       h,
		registrar: registrar,
		auth:      auth,
		dialogs:   dialogs,
		logger:    logger,
	}
	s.invites = newInviteHandler(s)

	h.Calls.RegisterDispatcher("sip", newOutboundDispatcher(s))
	h.Resolvers.Append("sip-registrar", registrarResolver(registrar))

	s.registerHandlers()
	return s, nil
}

func (s *Server) registerHandlers() {
	s.srv.OnInvite(s.invites.HandleInvite)
	s.srv.OnRegister(s.registrar.HandleRegister)
	s.srv.OnCancel(s.invites.HandleCancel)
	s.srv.OnBye(s.invites.HandleBye)
	s.srv.OnAck(s.handleACK)
	s.srv.OnOptions(s.handleOptions)
	s.srv.OnInfo(s.invites.HandleInfo)
}

// Registrar returns the location table for status queries.
func (s *Server) Registrar() *Registrar { return s.registrar }

// Start begins listening on the configured transports. It returns once
// the listeners are spawned.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip udp listener starting", "addr", s.cfg.ListenAddr)
		if err := s.srv.ListenAndServe(ctx, "udp", s.cfg.ListenAddr); err != nil {
			s.logger.Error("sip udp listener stopped", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip tcp listener starting", "addr", s.cfg.ListenAddr)
		if err := s.srv.ListenAndServe(ctx, "tcp", s.cfg.ListenAddr); err != nil {
			s.logger.Error("sip tcp listener stopped", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.registrar.RunExpiryCleanup(ctx)
	}()

	return nil
}

// Stop shuts the listeners down and waits for the handler goroutines.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.srv.Close()
	s.client.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

// handleACK confirms a dialog after our 200 OK. The dialog table already
// holds the leg; nothing to advance.
func (s *Server) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	s.logger.Debug("sip ack received",
		"call_id", callID,
		"source", req.Source(),
	)
}

// handleOptions answers keepalive pings.
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, REGISTER, OPTIONS, INFO"))
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}
