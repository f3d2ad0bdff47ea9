package repository

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Message roles. Insertion order is conversation order.
const (
	RoleHuman = "human"
	RoleAI    = "ai"
)

var (
	// ErrNotFound is returned when the referenced conversation does not exist.
	ErrNotFound = errors.New("conversation not found")
)

// Message is one conversation turn. Append-only; never mutated after creation.
type Message struct {
	ID               int64
	ConversationUUID uuid.UUID
	Role             string
	Content          string
	Tokens           int32
	Cost             decimal.Decimal
	SentAt           time.Time
}

// ConversationSummary is the listing view of a conversation.
type ConversationSummary struct {
	UUID uuid.UUID
	Name string
}

// PackageEntitlement is one insurance package held by a user, with the
// deductible and sum-insured values applicable to that user.
type PackageEntitlement struct {
	PackageID  int32
	Name       string
	Deductible float64
	SumInsured float64
}
