package collections

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blockberries/bondberry/storage"
	"github.com/blockberries/bondberry/types"
)

// TimelinePage is one page of a relationship's evidence, newest first
type TimelinePage struct {
	Evidence        []Evidence
	TotalCount      int
	HasMore         bool
	IntegrityReport storage.IntegrityReport
}

// CreateRelationship creates an active relationship between initiator and
// partner.
func (c *Collections) CreateRelationship(ctx context.Context, initiator, partner types.NodeID) (*Relationship, error) {
	if initiator.IsEmpty() || partner.IsEmpty() || initiator == partner {
		return nil, fmt.Errorf("%w: %q and %q", ErrInvalidPartner, initiator, partner)
	}
	now := c.now().UnixNano()
	rel := &Relationship{
		ID:           uuid.NewString(),
		Partner1:     initiator,
		Partner2:     partner,
		Status:       RelationshipActive,
		CreatedAt:    now,
		LastActivity: now,
	}
	if _, err := c.relationships.Store(ctx, rel.ID, *rel, initiator); err != nil {
		return nil, fmt.Errorf("failed to store relationship: %w", err)
	}
	c.logger.Info("relationship created",
		zap.String("relationship", rel.ID),
		zap.String("partner1", initiator.String()),
		zap.String("partner2", partner.String()))
	return rel, nil
}

// Relationship returns the verified relationship id
func (c *Collections) Relationship(id string) (*Relationship, error) {
	rel, err := c.relationships.Retrieve(id)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRelationshipMissing, id)
		}
		return nil, err
	}
	return &rel, nil
}

func (c *Collections) validateEvidence(data []byte, meta EvidenceMetadata) error {
	if len(data) < c.config.MinEvidenceSize {
		return fmt.Errorf("%w: encrypted data is %d bytes, need at least %d",
			ErrInvalidEvidence, len(data), c.config.MinEvidenceSize)
	}
	if meta.ContentType == "" {
		return fmt.Errorf("%w: content type is required", ErrInvalidEvidence)
	}
	if meta.Timestamp == 0 {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidEvidence)
	}
	if meta.Timestamp > c.now().Add(c.config.MaxClockSkew).UnixNano() {
		return fmt.Errorf("%w: timestamp is in the future", ErrInvalidEvidence)
	}
	return nil
}

// UploadEvidence stores evidence for a relationship the uploader is a
// partner of, then bumps the relationship's evidence count.
func (c *Collections) UploadEvidence(
	ctx context.Context,
	uploader types.NodeID,
	relationshipID string,
	data []byte,
	meta EvidenceMetadata,
) (*Evidence, string, error) {
	if err := c.validateEvidence(data, meta); err != nil {
		return nil, "", err
	}
	rel, err := c.Relationship(relationshipID)
	if err != nil {
		return nil, "", err
	}
	if !rel.HasPartner(uploader) {
		return nil, "", fmt.Errorf("%w: %s is not a partner of %s", ErrNotAuthorized, uploader, relationshipID)
	}
	if rel.Status != RelationshipActive {
		return nil, "", fmt.Errorf("%w: %s is %s", ErrRelationshipClosed, relationshipID, rel.Status)
	}

	ev := &Evidence{
		ID:             uuid.NewString(),
		RelationshipID: relationshipID,
		EncryptedData:  append([]byte(nil), data...),
		Metadata:       meta,
		UploadedAt:     c.now().UnixNano(),
		ContentHash:    ContentHashOf(data, meta),
		Uploader:       uploader,
	}
	opID, err := c.evidence.Store(ctx, ev.Key(), *ev, uploader)
	if err != nil {
		return nil, opID, fmt.Errorf("failed to store evidence: %w", err)
	}

	// the evidence is already committed; a stale count is only logged
	if err := c.touchRelationship(ctx, relationshipID, uploader, 1); err != nil {
		c.logger.Warn("failed to update relationship after upload",
			zap.String("relationship", relationshipID), zap.Error(err))
	}
	c.logger.Info("evidence uploaded",
		zap.String("evidence", ev.ID),
		zap.String("relationship", relationshipID),
		zap.String("op", opID))
	return ev, opID, nil
}

// touchRelationship adjusts the evidence count of a relationship and stamps
// its activity time.
func (c *Collections) touchRelationship(ctx context.Context, relationshipID string, initiator types.NodeID, delta int) error {
	c.relMu.Lock()
	defer c.relMu.Unlock()

	rel, err := c.Relationship(relationshipID)
	if err != nil {
		return err
	}
	updated := *rel
	switch {
	case delta > 0:
		updated.EvidenceCount += uint64(delta)
	case uint64(-delta) >= updated.EvidenceCount:
		updated.EvidenceCount = 0
	default:
		updated.EvidenceCount -= uint64(-delta)
	}
	updated.LastActivity = c.now().UnixNano()
	_, err = c.relationships.Update(ctx, rel.ID, updated, initiator)
	return err
}

// DeleteEvidence removes evidence. Only its uploader may delete it.
func (c *Collections) DeleteEvidence(ctx context.Context, caller types.NodeID, relationshipID, evidenceID string) (string, error) {
	key := evidenceKey(relationshipID, evidenceID)
	ev, err := c.evidence.Retrieve(key)
	if err != nil {
		return "", err
	}
	if ev.Uploader != caller {
		return "", fmt.Errorf("%w: only the uploader can delete evidence", ErrNotAuthorized)
	}
	opID, err := c.evidence.Delete(ctx, key, caller)
	if err != nil {
		return opID, err
	}

	if err := c.touchRelationship(ctx, relationshipID, caller, -1); err != nil {
		c.logger.Warn("failed to update relationship after delete",
			zap.String("relationship", relationshipID), zap.Error(err))
	}
	return opID, nil
}

// Timeline returns page (zero based) of a relationship's evidence, newest
// first. Every item is verified on the way out; items that fail are left
// out of the page and listed in the report.
func (c *Collections) Timeline(relationshipID string, page, pageSize int) (TimelinePage, error) {
	if relationshipID == "" {
		return TimelinePage{}, fmt.Errorf("%w: empty relationship id", types.ErrValidation)
	}
	if page < 0 {
		return TimelinePage{}, fmt.Errorf("%w: negative page", types.ErrValidation)
	}
	if pageSize <= 0 {
		pageSize = c.config.DefaultPageSize
	}
	pageSize = min(pageSize, c.config.MaxPageSize)

	report := storage.IntegrityReport{
		CorruptedEntries: []string{},
		RecoveryNeeded:   []string{},
		ByzantineNodes:   []types.NodeID{},
	}
	var verified []Evidence
	for _, key := range c.evidence.Keys(relationshipID + ":") {
		report.TotalChecked++
		ev, err := c.evidence.Retrieve(key)
		if err == nil && !types.HashEqual(ContentHashOf(ev.EncryptedData, ev.Metadata), ev.ContentHash) {
			err = fmt.Errorf("%w: content hash of %s", storage.ErrHashMismatch, key)
		}
		if err == nil && ev.RelationshipID != relationshipID {
			err = fmt.Errorf("%w: %s filed under %s", ErrInvalidEvidence, key, relationshipID)
		}
		if err != nil {
			report.IntegrityFailed++
			report.CorruptedEntries = append(report.CorruptedEntries, key)
			report.RecoveryNeeded = append(report.RecoveryNeeded, key)
			c.logger.Warn("skipping evidence that failed verification",
				zap.String("key", key), zap.Error(err))
			continue
		}
		report.IntegrityPassed++
		verified = append(verified, ev)
	}

	sort.Slice(verified, func(i, j int) bool {
		if verified[i].UploadedAt != verified[j].UploadedAt {
			return verified[i].UploadedAt > verified[j].UploadedAt
		}
		return verified[i].ID < verified[j].ID
	})

	out := TimelinePage{
		Evidence:        []Evidence{},
		TotalCount:      len(verified),
		IntegrityReport: report,
	}
	// compare pages before multiplying so a huge page cannot overflow
	if pages := (len(verified) + pageSize - 1) / pageSize; page < pages {
		start := page * pageSize
		end := min(start+pageSize, len(verified))
		out.Evidence = verified[start:end]
		out.HasMore = end < len(verified)
	}
	return out, nil
}
