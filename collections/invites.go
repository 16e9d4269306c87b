package collections

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blockberries/bondberry/types"
)

func validEmail(addr string) bool {
	if len(addr) < 6 || len(addr) > 254 {
		return false
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil || parsed.Address != addr {
		return false
	}
	_, domain, _ := strings.Cut(addr, "@")
	return strings.Contains(domain, ".")
}

// CreateInvite creates a pending invite from inviter to partnerEmail. A
// non-positive ttl uses the configured default.
func (c *Collections) CreateInvite(
	ctx context.Context,
	inviter types.NodeID,
	partnerEmail, inviterName string,
	ttl time.Duration,
) (*Invite, string, error) {
	if inviter.IsEmpty() {
		return nil, "", fmt.Errorf("%w: empty inviter", types.ErrValidation)
	}
	if !validEmail(partnerEmail) {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidEmail, partnerEmail)
	}
	if ttl <= 0 {
		ttl = c.config.InviteTTL
	}
	now := c.now()
	inv := &Invite{
		ID:           uuid.NewString(),
		Inviter:      inviter,
		PartnerEmail: partnerEmail,
		InviterName:  inviterName,
		Status:       InvitePending,
		CreatedAt:    now.UnixNano(),
		ExpiresAt:    now.Add(ttl).UnixNano(),
	}
	opID, err := c.invites.Store(ctx, inv.ID, *inv, inviter)
	if err != nil {
		return nil, opID, fmt.Errorf("failed to store invite: %w", err)
	}
	c.logger.Info("invite created",
		zap.String("invite", inv.ID),
		zap.String("inviter", inviter.String()),
		zap.Time("expires_at", time.Unix(0, inv.ExpiresAt)))
	return inv, opID, nil
}

// Invite returns a verified invite that is still pending and unexpired
func (c *Collections) Invite(id string) (*Invite, error) {
	inv, err := c.invites.Retrieve(id)
	if err != nil {
		return nil, err
	}
	if err := c.checkOpen(&inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (c *Collections) checkOpen(inv *Invite) error {
	if c.now().UnixNano() > inv.ExpiresAt {
		return fmt.Errorf("%w: %s", ErrInviteExpired, inv.ID)
	}
	if inv.Status != InvitePending {
		return fmt.Errorf("%w: %s is %s", ErrInviteNotPending, inv.ID, inv.Status)
	}
	return nil
}

// AcceptInvite accepts a pending invite, creating an active relationship
// between the inviter and accepter.
func (c *Collections) AcceptInvite(ctx context.Context, accepter types.NodeID, inviteID string) (*Relationship, error) {
	inv, err := c.Invite(inviteID)
	if err != nil {
		return nil, err
	}
	if inv.Inviter == accepter {
		return nil, fmt.Errorf("%w: cannot accept your own invite", ErrInvalidPartner)
	}

	rel, err := c.CreateRelationship(ctx, inv.Inviter, accepter)
	if err != nil {
		return nil, err
	}

	accepted := *inv
	accepted.Status = InviteAccepted
	accepted.RelationshipID = rel.ID
	if _, err := c.invites.Update(ctx, inv.ID, accepted, accepter); err != nil {
		return rel, fmt.Errorf("relationship %s created but invite not closed: %w", rel.ID, err)
	}
	c.logger.Info("invite accepted",
		zap.String("invite", inv.ID),
		zap.String("relationship", rel.ID),
		zap.String("accepter", accepter.String()))
	return rel, nil
}

// RevokeInvite withdraws a pending invite. Only the inviter may revoke it.
func (c *Collections) RevokeInvite(ctx context.Context, caller types.NodeID, inviteID string) error {
	inv, err := c.Invite(inviteID)
	if err != nil {
		return err
	}
	if inv.Inviter != caller {
		return fmt.Errorf("%w: only the inviter can revoke an invite", ErrNotAuthorized)
	}
	revoked := *inv
	revoked.Status = InviteRevoked
	_, err = c.invites.Update(ctx, inv.ID, revoked, caller)
	return err
}
