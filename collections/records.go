package collections

import (
	"encoding/binary"

	"github.com/blockberries/bondberry/types"
)

// EvidenceMetadata describes an evidence payload
type EvidenceMetadata struct {
	Timestamp   int64    `cbor:"1,keyasint"` // unix nanoseconds
	ContentType string   `cbor:"2,keyasint"`
	Location    string   `cbor:"3,keyasint,omitempty"`
	Description string   `cbor:"4,keyasint,omitempty"`
	Tags        []string `cbor:"5,keyasint,omitempty"`
}

// Evidence is an encrypted piece of relationship evidence
type Evidence struct {
	ID             string           `cbor:"1,keyasint"`
	RelationshipID string           `cbor:"2,keyasint"`
	EncryptedData  []byte           `cbor:"3,keyasint"`
	Metadata       EvidenceMetadata `cbor:"4,keyasint"`
	UploadedAt     int64            `cbor:"5,keyasint"` // unix nanoseconds
	ContentHash    types.Hash       `cbor:"6,keyasint"`
	Uploader       types.NodeID     `cbor:"7,keyasint"`
}

// Key returns the storage key of e
func (e *Evidence) Key() string {
	return evidenceKey(e.RelationshipID, e.ID)
}

func evidenceKey(relationshipID, id string) string {
	return relationshipID + ":" + id
}

// ContentHashOf binds the payload to its timestamp and content type
func ContentHashOf(data []byte, meta EvidenceMetadata) types.Hash {
	buf := make([]byte, 0, len(data)+8+len(meta.ContentType))
	buf = append(buf, data...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(meta.Timestamp))
	buf = append(buf, meta.ContentType...)
	return types.HashBytes(buf)
}

// RelationshipStatus is the lifecycle state of a relationship
type RelationshipStatus uint8

const (
	RelationshipPending RelationshipStatus = iota
	RelationshipActive
	RelationshipTerminated
)

func (s RelationshipStatus) String() string {
	switch s {
	case RelationshipPending:
		return "pending"
	case RelationshipActive:
		return "active"
	case RelationshipTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Relationship links two partners
type Relationship struct {
	ID            string             `cbor:"1,keyasint"`
	Partner1      types.NodeID       `cbor:"2,keyasint"`
	Partner2      types.NodeID       `cbor:"3,keyasint,omitempty"`
	Status        RelationshipStatus `cbor:"4,keyasint"`
	CreatedAt     int64              `cbor:"5,keyasint"`
	EvidenceCount uint64             `cbor:"6,keyasint"`
	LastActivity  int64              `cbor:"7,keyasint"`
}

// HasPartner reports whether id is a partner of r
func (r *Relationship) HasPartner(id types.NodeID) bool {
	return r.Partner1 == id || (!r.Partner2.IsEmpty() && r.Partner2 == id)
}

// InviteStatus is the lifecycle state of an invite
type InviteStatus uint8

const (
	InvitePending InviteStatus = iota
	InviteAccepted
	InviteExpired
	InviteRevoked
)

func (s InviteStatus) String() string {
	switch s {
	case InvitePending:
		return "pending"
	case InviteAccepted:
		return "accepted"
	case InviteExpired:
		return "expired"
	case InviteRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Invite asks a partner to join a relationship
type Invite struct {
	ID             string       `cbor:"1,keyasint"`
	Inviter        types.NodeID `cbor:"2,keyasint"`
	PartnerEmail   string       `cbor:"3,keyasint"`
	InviterName    string       `cbor:"4,keyasint,omitempty"`
	Status         InviteStatus `cbor:"5,keyasint"`
	CreatedAt      int64        `cbor:"6,keyasint"`
	ExpiresAt      int64        `cbor:"7,keyasint"`
	RelationshipID string       `cbor:"8,keyasint,omitempty"`
}
