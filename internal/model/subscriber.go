package model

import "time"

// Subscriber is a recipient registered for alerts. RecipientID is unique across the set.
type Subscriber struct {
	RecipientID  string    `json:"chat_id"`
	Username     string    `json:"username,omitempty"`
	FirstName    string    `json:"first_name,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}
