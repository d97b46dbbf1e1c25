package models

// Wallet is a per-user running balance
type Wallet struct {
	ID        string `json:"id"`
	Balance   Amount `json:"balance"`
	Currency  string `json:"currency"`
	OwnerName string `json:"owner_name"`
	OwnerType string `json:"owner_type"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// UnmarshalJSON accepts either a full object or a bare id reference
func (w *Wallet) UnmarshalJSON(data []byte) error {
	type wallet Wallet
	return unmarshalRef(data, &w.ID, (*wallet)(w))
}

// TransactionType classifies a ledger entry
type TransactionType string

const (
	TransactionDeposit    TransactionType = "DEPOSIT"
	TransactionWithdrawal TransactionType = "WITHDRAWAL"
	TransactionPayment    TransactionType = "PAYMENT"
)

// TransactionStatus is the settlement state of a ledger entry
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "PENDING"
	TransactionCompleted TransactionStatus = "COMPLETED"
	TransactionFailed    TransactionStatus = "FAILED"
)

// Transaction is an immutable ledger entry explaining a balance change.
// Amount is signed: deposits are positive, withdrawals and payments negative.
type Transaction struct {
	ID          string            `json:"id"`
	Wallet      Wallet            `json:"wallet"`
	Amount      Amount            `json:"amount"`
	Type        TransactionType   `json:"transaction_type"`
	Status      TransactionStatus `json:"status"`
	Description string            `json:"description,omitempty"`
	WalletOwner string            `json:"wallet_owner,omitempty"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at,omitempty"`
}

// FundsRequest is the payload for add_funds and withdraw_funds
type FundsRequest struct {
	Amount      float64 `json:"amount" validate:"gt=0"`
	Description string  `json:"description,omitempty" validate:"max=255"`
}

// FundsResponse is the response of add_funds and withdraw_funds
type FundsResponse struct {
	Message         string `json:"message"`
	NewBalance      Amount `json:"new_balance"`
	AmountAdded     Amount `json:"amount_added,omitempty"`
	AmountWithdrawn Amount `json:"amount_withdrawn,omitempty"`
}

// DashboardStats are the server-computed dashboard aggregates
type DashboardStats struct {
	TotalGPUs      int    `json:"totalGPUs"`
	ActiveSessions int    `json:"activeSessions"`
	TodaysEarnings Amount `json:"todaysEarnings"`
	TotalSessions  int    `json:"totalSessions"`
	TotalSpent     Amount `json:"totalSpent"`
}
