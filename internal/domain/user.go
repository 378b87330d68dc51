// Package domain defines the shared records, states, events and error taxonomy.
package domain

import "time"

// UserRecord is the durable credential record of a registered Telegram user.
type UserRecord struct {
	UserID         int64     `bson:"user_id" json:"user_id"`
	CredentialHash string    `bson:"credential_hash" json:"credential_hash"`
	Authenticated  bool      `bson:"authenticated" json:"authenticated"`
	CreatedAt      time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at" json:"updated_at"`
}

// Stats summarises the credential store for diagnostics.
type Stats struct {
	Users         int64 `json:"users"`
	Authenticated int64 `json:"authenticated"`
}
