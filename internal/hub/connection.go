package hub

import (
	"context"
	"time"

	"github.com/hubwire/hubwire/internal/protocol"
	"github.com/hubwire/hubwire/internal/transport"
)

// handlePeer runs one peer's lifetime: welcome, envelope loop, cleanup.
// A protocol fault closes the connection with a terminal error
// envelope; everything else produces a per-command response.
func (h *Hub) handlePeer(ctx context.Context, conn *transport.Conn) {
	peer := h.registry.Accept(conn)
	log := h.log.With().Int64("peer_id", peer.ID).Logger()
	log.Info().Str("remote", conn.RemoteAddr().String()).Msg("peer connected")

	welcome, err := protocol.New(protocol.TypeWelcome, protocol.WelcomePayload{
		PeerID:            peer.ID,
		ServerTime:        time.Now().UTC(),
		AvailableCommands: h.admin.Names(),
	})
	if err == nil {
		peer.Send(welcome)
	}

	defer func() {
		h.registry.Remove(peer)
		if peer.Role() == RoleEndpoint {
			h.router.FailEndpoint(peer.ID, protocol.CodeDisconnect,
				"endpoint disconnected")
		} else {
			h.router.DropAdmin(peer.ID)
		}
		conn.Close()
		log.Info().Str("identity", peer.Identity()).Msg("peer disconnected")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, err := conn.ReadEnvelope()
		if err != nil {
			if protocol.IsProtocolError(err) {
				log.Warn().Err(err).Msg("protocol error, closing connection")
				conn.CloseWithError(protocol.CodeProtocolError, err.Error())
			} else if !transport.IsClosedError(err) {
				log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		if !env.Type.Valid() {
			log.Warn().Str("type", string(env.Type)).Msg("unknown envelope type, closing connection")
			conn.CloseWithError(protocol.CodeProtocolError, "unknown envelope type")
			return
		}
		peer.Touch()

		switch env.Type {
		case protocol.TypeRegister:
			h.handleRegister(peer, env)
		case protocol.TypeHello:
			ack, err := protocol.NewReply(protocol.TypeAck, env.ID, nil)
			if err == nil {
				peer.Send(ack)
			}
		case protocol.TypeCommand:
			// Plugin commands may block on subprocesses; keep the read
			// loop free. Correlation is by id, ordering is not promised.
			go h.handleAdminCommand(ctx, peer, env)
		case protocol.TypeResponse:
			h.router.HandleResponse(peer, env)
		case protocol.TypeHeartbeat:
			peer.ObserveLatency(time.Since(env.Timestamp))
			echo, err := protocol.NewReply(protocol.TypeHeartbeat, env.ID, nil)
			if err == nil {
				peer.Send(echo)
			}
		case protocol.TypeEvent:
			var p protocol.EventPayload
			env.DecodePayload(&p)
			log.Info().Str("kind", p.Kind).Str("identity", peer.Identity()).Msg("endpoint event")
		case protocol.TypeError:
			var p protocol.ErrorPayload
			env.DecodePayload(&p)
			log.Warn().Str("code", p.Code).Str("message", p.Message).Msg("peer error")
		}
	}
}

// handleRegister binds an endpoint identity. A prior holder is unbound
// together with the new binding; it is then notified, closed, and its
// pending commands failed.
func (h *Hub) handleRegister(peer *Peer, env *protocol.Envelope) {
	var reg protocol.RegisterPayload
	if err := env.DecodePayload(&reg); err != nil || reg.Identity == "" {
		peer.SendError(protocol.CodeInvalidParams, "register requires identity")
		return
	}

	evicted := h.registry.BindEndpoint(peer, reg)
	if evicted != nil {
		h.log.Info().
			Int64("old_peer", evicted.ID).
			Int64("new_peer", peer.ID).
			Str("identity", reg.Identity).
			Msg("identity re-registered, evicting prior endpoint")
		h.router.FailEndpoint(evicted.ID, protocol.CodeDisconnect,
			"endpoint evicted by re-registration")
		evicted.SendError(protocol.CodeEvicted, "identity re-registered from a new connection")
		evicted.Close()
	}

	h.log.Info().
		Int64("peer_id", peer.ID).
		Str("identity", reg.Identity).
		Int("capabilities", len(reg.Capabilities)).
		Str("version", reg.Version).
		Msg("endpoint registered")

	ack, err := protocol.NewReply(protocol.TypeAck, env.ID, protocol.WelcomePayload{
		PeerID:     peer.ID,
		ServerTime: time.Now().UTC(),
	})
	if err == nil {
		peer.Send(ack)
	}
}

// handleAdminCommand dispatches one admin envelope against the command
// table. A nil/nil return means the router owns the (deferred)
// response.
func (h *Hub) handleAdminCommand(ctx context.Context, peer *Peer, env *protocol.Envelope) {
	var payload protocol.CommandPayload
	if err := env.DecodePayload(&payload); err != nil || payload.Command == "" {
		peer.SendResponse(env.ID, protocol.NewError("", protocol.CodeInvalidParams,
			"command payload missing or malformed"))
		return
	}

	fn, ok := h.admin.Lookup(payload.Command)
	if !ok {
		peer.SendResponse(env.ID, protocol.NewError(payload.Command,
			protocol.CodeUnknownCommand, "unknown admin command "+payload.Command))
		return
	}

	start := time.Now()
	resp, err := fn(withOriginalID(ctx, env.ID), peer, payload.Params)
	switch {
	case err != nil:
		peer.SendResponse(env.ID, protocol.FromError(payload.Command, err))
	case resp != nil:
		resp.Metadata.Command = payload.Command
		resp.Metadata.ExecutionTime = time.Since(start).Seconds()
		peer.SendResponse(env.ID, resp)
	}
	// nil/nil: deferred, the router answers with the original id.
}
