// Package service holds the business logic sitting between HTTP handlers
// and the repository layer: the registration gate, ingest pipeline,
// findings aggregation, and player-state access rules.
package service

import (
	"context"
	"errors"

	"github.com/packetwatch/anticheat-ingest/internal/middleware"
	apierrors "github.com/packetwatch/anticheat-ingest/internal/pkg/errors"
	"github.com/packetwatch/anticheat-ingest/internal/repository"
)

// RegistrationGate authenticates a server on every request and decides
// whether it may proceed: the first request for a server_id establishes
// trust-on-first-use (its token hash is stored and fixed from then on);
// every subsequent request must present that same token.
type RegistrationGate struct {
	servers repository.ServerRepository
}

func NewRegistrationGate(servers repository.ServerRepository) *RegistrationGate {
	return &RegistrationGate{servers: servers}
}

// Authenticate verifies serverID against hashedToken, creating a new
// pending server row on first contact. It returns apierrors.Unauthorized
// on a token mismatch, and apierrors.PendingRegistration if the server
// exists but has not completed owner registration.
//
// last_seen_at (and, when provided, callback_url/platform) is only ever
// advanced after the token check succeeds: bumping it earlier would let
// an unauthenticated caller spoof liveness for a server it doesn't own.
func (g *RegistrationGate) Authenticate(ctx context.Context, serverID, hashedToken string, callbackURL, platform *string) error {
	srv, err := g.servers.GetByID(ctx, serverID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return apierrors.Internal("registration lookup failed").Wrap(err)
		}
		srv, err = g.servers.EnsureSeen(ctx, serverID, hashedToken)
		if err != nil {
			return apierrors.Internal("registration create failed").Wrap(err)
		}
		return apierrors.PendingRegistration(serverID)
	}

	if srv.AuthTokenHash == "" {
		// A row created out-of-band (dashboard pre-linking) has no token yet:
		// the first presented token is adopted, trust-on-first-use.
		if err := g.servers.AdoptToken(ctx, serverID, hashedToken); err != nil {
			return apierrors.Internal("registration token adopt failed").Wrap(err)
		}
	} else if !middleware.ConstantTimeEqual(srv.AuthTokenHash, hashedToken) {
		return apierrors.Unauthorized("invalid server token")
	}

	if _, err := g.servers.EnsureSeen(ctx, serverID, hashedToken); err != nil {
		return apierrors.Internal("registration touch failed").Wrap(err)
	}
	if err := g.servers.UpdateContact(ctx, serverID, callbackURL, platform); err != nil {
		return apierrors.Internal("registration contact update failed").Wrap(err)
	}

	if !srv.IsRegistered() {
		return apierrors.PendingRegistration(serverID)
	}
	return nil
}
