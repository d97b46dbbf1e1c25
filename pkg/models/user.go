package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// User is the identity record behind a host or renter
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Party is a host or renter record. Each owns exactly one wallet.
type Party struct {
	ID            string `json:"id"`
	User          User   `json:"user"`
	WalletBalance Amount `json:"wallet_balance"`
}

// UnmarshalJSON accepts either a full object or a bare id reference
func (p *Party) UnmarshalJSON(data []byte) error {
	type party Party
	return unmarshalRef(data, &p.ID, (*party)(p))
}

// Profile is the response of GET /hosts/ or GET /renters/ for the current user
type Profile struct {
	ID     string `json:"id"`
	User   User   `json:"user"`
	Wallet struct {
		Balance Amount `json:"balance"`
	} `json:"wallet"`
}

// WalletBalance returns the balance embedded in the profile
func (p *Profile) WalletBalance() Amount {
	return p.Wallet.Balance
}

// unmarshalRef decodes data into full when it is an object, or stores the
// scalar into id when the backend returned a primary key instead of a
// nested record.
func unmarshalRef(data []byte, id *string, full any) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	switch data[0] {
	case '{':
		return json.Unmarshal(data, full)
	case '"':
		return json.Unmarshal(data, id)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("invalid reference: %s", string(data))
		}
		*id = n.String()
		return nil
	}
}
