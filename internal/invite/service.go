package invite

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/writer"
)

// Service coordinates invite minting and redemption.
type Service struct {
	repo     Repository
	tokens   *Tokens
	writes   *writer.Serializer
	lifetime time.Duration
	log      zerolog.Logger
}

// NewService creates an invite service.
func NewService(repo Repository, tokens *Tokens, writes *writer.Serializer, lifetime time.Duration, log zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		tokens:   tokens,
		writes:   writes,
		lifetime: lifetime,
		log:      log.With().Str("component", "invite").Logger(),
	}
}

// Mint creates an invite bound to the given address and returns it together
// with the signed link token.
func (s *Service) Mint(ctx context.Context, address string, createdBy uuid.UUID) (*Invite, string, error) {
	address = strings.ToLower(strings.TrimSpace(address))

	inv, err := writer.Await(ctx, s.writes, "invite.mint", func(ctx context.Context) (*Invite, error) {
		return s.repo.Create(ctx, address, createdBy, s.lifetime)
	})
	if err != nil {
		return nil, "", err
	}

	token, err := s.tokens.Mint(inv)
	if err != nil {
		return nil, "", err
	}

	s.log.Info().Str("invite_id", inv.ID.String()).Str("address", address).Msg("invite minted")
	return inv, token, nil
}

// Validate resolves a link token to a live invite for the given address. A
// deleted row means the invite was revoked, which the caller cannot tell
// apart from a forged token.
func (s *Service) Validate(ctx context.Context, tokenStr, address string) (*Invite, error) {
	id, err := s.tokens.Verify(tokenStr)
	if err != nil {
		return nil, err
	}

	inv, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, err
	}

	if err := inv.Live(time.Now()); err != nil {
		return nil, err
	}
	if !strings.EqualFold(strings.TrimSpace(address), inv.Address) {
		return nil, ErrAddressMismatch
	}
	return inv, nil
}

// Consume marks the invite used. Called when address verification succeeds,
// from inside the enrollment flow's write closure.
func (s *Service) Consume(ctx context.Context, id uuid.UUID) error {
	return s.repo.Consume(ctx, id)
}

// ActiveByAddress returns the live invite pending for an address, if any.
func (s *Service) ActiveByAddress(ctx context.Context, address string) (*Invite, error) {
	return s.repo.ActiveByAddress(ctx, address)
}

// List returns every invite for the admin surface.
func (s *Service) List(ctx context.Context) ([]Invite, error) {
	return s.repo.List(ctx)
}

// Revoke deletes the invite row, invalidating any outstanding link token.
func (s *Service) Revoke(ctx context.Context, id uuid.UUID) error {
	_, err := writer.Await(ctx, s.writes, "invite.revoke", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.repo.Delete(ctx, id)
	})
	if err == nil {
		s.log.Info().Str("invite_id", id.String()).Msg("invite revoked")
	}
	return err
}
