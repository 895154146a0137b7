package escrow

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hypertuna/gateway/gateway/core/cryptoops"
)

// Policy is the escrow service's advertised issuance policy.
type Policy struct {
	MaxLeaseTTLSec  int  `json:"maxLeaseTtlSeconds"`
	RenewWindowSec  int  `json:"renewWindowSeconds"`
	AllowDeposit    bool `json:"allowDeposit"`
	AllowUnlock     bool `json:"allowUnlock"`
	MaxActiveLeases int  `json:"maxActiveLeases"`
}

// WriterPackage carries the delegated writer key. Clones strip the raw key
// bytes unless Clone is called with includeSecret.
type WriterPackage struct {
	WriterKey       []byte `json:"writerKey,omitempty"`
	WriterKeyDigest string `json:"writerKeyDigest"`
}

// Lease is a time-bounded writer-key delegation.
type Lease struct {
	LeaseID       string        `json:"leaseId"`
	RelayKey      string        `json:"relayKey"`
	EscrowID      string        `json:"escrowId"`
	RequesterID   string        `json:"requesterId"`
	OwnerPeerKey  string        `json:"ownerPeerKey"`
	IssuedAt      time.Time     `json:"issuedAt"`
	ExpiresAt     time.Time     `json:"expiresAt"`
	Evidence      string        `json:"evidence,omitempty"`
	Writer        WriterPackage `json:"writerPackage"`
	PayloadDigest string        `json:"payloadDigest"`
	// Status is only meaningful on the server's reconciliation view.
	Status string `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Deposit statuses.
const (
	StatusDeposited = "deposited"
	StatusUnlocked  = "unlocked"
	StatusRevoked   = "revoked"
	StatusExpired   = "expired"
)

// Deposit is the persisted record of a sealed writer key held server-side.
type Deposit struct {
	EscrowID           string                   `json:"escrowId"`
	OwnerPeerKey       string                   `json:"ownerPeerKey"`
	SealedPayload      *cryptoops.SealedPayload `json:"sealedPayload"`
	RecipientPublicKey string                   `json:"recipientPublicKey"`
	Policy             *Policy                  `json:"policy,omitempty"`
	DepositedAt        time.Time                `json:"depositedAt"`
	Status             string                   `json:"status"`
}

// ComputePayloadDigest binds a writer key to its identity without exposing
// either: sha256(writerKey || identity).
func ComputePayloadDigest(writerKey []byte, identity string) string {
	h := sha256.New()
	h.Write(writerKey)
	h.Write([]byte(identity))
	return hex.EncodeToString(h.Sum(nil))
}

// Clone copies the lease. The writer key bytes are omitted unless
// includeSecret is set, in which case the clone gets a fresh buffer so the
// vault's copy and the caller's copy can be wiped independently.
func (l *Lease) Clone(includeSecret bool) *Lease {
	out := *l
	out.Writer.WriterKey = nil
	if includeSecret && len(l.Writer.WriterKey) > 0 {
		out.Writer.WriterKey = make([]byte, len(l.Writer.WriterKey))
		copy(out.Writer.WriterKey, l.Writer.WriterKey)
	}
	return &out
}
