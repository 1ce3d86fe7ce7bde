package ais

// BankDescriptor is one selectable bank entry. Each aggregator profile of a
// bank yields its own descriptor.
type BankDescriptor struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	BIC          string `json:"bic,omitempty"`
	BankCode     string `json:"bankCode,omitempty"`
	ProtocolType string `json:"protocolType,omitempty"`
	BankID       string `json:"bankId,omitempty"`
}

// BankProfile describes what a bank profile supports.
type BankProfile struct {
	BankName string   `json:"bankName"`
	BIC      string   `json:"bic,omitempty"`
	BankID   string   `json:"bankId,omitempty"`
	Services []string `json:"services"`
}

// Amount is a decimal amount kept as text to avoid float rounding.
type Amount struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type Balance struct {
	BalanceAmount      Amount `json:"balanceAmount"`
	BalanceType        string `json:"balanceType"`
	LastChangeDateTime string `json:"lastChangeDateTime,omitempty"`
}

// AccountSummary is an account as listed by the aggregator.
type AccountSummary struct {
	ID              string    `json:"id"`
	IBAN            string    `json:"iban"`
	Currency        string    `json:"currency,omitempty"`
	Name            string    `json:"name,omitempty"`
	Product         string    `json:"product,omitempty"`
	CashAccountType string    `json:"cashAccountType,omitempty"`
	Status          string    `json:"status,omitempty"`
	Balances        []Balance `json:"balances,omitempty"`
}

// AccountReference identifies a counterparty account.
type AccountReference struct {
	IBAN     string `json:"iban,omitempty"`
	BBAN     string `json:"bban,omitempty"`
	Currency string `json:"currency,omitempty"`
}

// Transaction statuses.
const (
	StatusBooked  = "booked"
	StatusPending = "pending"
)

type TransactionRecord struct {
	TransactionID                     string            `json:"transactionId,omitempty"`
	EntryReference                    string            `json:"entryReference,omitempty"`
	EndToEndID                        string            `json:"endToEndId,omitempty"`
	MandateID                         string            `json:"mandateId,omitempty"`
	CheckID                           string            `json:"checkId,omitempty"`
	CreditorID                        string            `json:"creditorId,omitempty"`
	Amount                            Amount            `json:"amount"`
	CreditorName                      string            `json:"creditorName,omitempty"`
	CreditorAccount                   *AccountReference `json:"creditorAccount,omitempty"`
	DebtorName                        string            `json:"debtorName,omitempty"`
	DebtorAccount                     *AccountReference `json:"debtorAccount,omitempty"`
	BookingDate                       string            `json:"bookingDate,omitempty"`
	ValueDate                         string            `json:"valueDate,omitempty"`
	RemittanceInformationUnstructured string            `json:"remittanceInformationUnstructured,omitempty"`
	PurposeCode                       string            `json:"purposeCode,omitempty"`
	BankTransactionCode               string            `json:"bankTransactionCode,omitempty"`
	Status                            string            `json:"status"`
}

// UserProfile is returned by login.
type UserProfile struct {
	Name      string `json:"name"`
	LastLogin string `json:"lastLogin,omitempty"`
}

// Session is an authenticated aggregator session.
type Session struct {
	Token   string      `json:"-"`
	Profile UserProfile `json:"userProfile"`
}

// Wire shapes of the aggregator responses.

type bankSearchResponse struct {
	BankDescriptor []BankSearchEntry `json:"bankDescriptor"`
}

// BankSearchEntry is a bank as the search endpoint nests it.
type BankSearchEntry struct {
	UUID     string              `json:"uuid"`
	BankName string              `json:"bankName"`
	BIC      string              `json:"bic"`
	BankCode string              `json:"bankCode"`
	Profiles []BankSearchProfile `json:"profiles"`
}

// BankSearchProfile is one aggregator profile of a bank.
type BankSearchProfile struct {
	UUID         string `json:"uuid"`
	ProtocolType string `json:"protocolType"`
	BankName     string `json:"bankName"`
}

type bankProfileResponse struct {
	BankProfile BankProfile `json:"bankProfile"`
}

type accountListResponse struct {
	Accounts []accountWire `json:"accounts"`
}

// accountWire accepts the XS2A "resourceId" as well as "id".
type accountWire struct {
	AccountSummary
	ResourceID string `json:"resourceId"`
}

func (a accountWire) summary() AccountSummary {
	account := a.AccountSummary
	if a.ResourceID != "" {
		account.ID = a.ResourceID
	}
	return account
}

// transactionWire accepts the XS2A "transactionAmount" as well as "amount".
type transactionWire struct {
	TransactionRecord
	TransactionAmount *Amount `json:"transactionAmount"`
}

func (t transactionWire) record(status string) TransactionRecord {
	record := t.TransactionRecord
	if t.TransactionAmount != nil {
		record.Amount = *t.TransactionAmount
	}
	record.Status = status
	return record
}

type transactionsResponse struct {
	Transactions struct {
		Booked  []transactionWire `json:"booked"`
		Pending []transactionWire `json:"pending"`
	} `json:"transactions"`
}

// FlattenBanks turns the nested search answer into one descriptor per
// profile. The name is "<bankName> (<protocolType>)"; bic and bank code come
// from the parent bank. Banks without profiles are skipped.
func FlattenBanks(banks []BankSearchEntry) []BankDescriptor {
	out := make([]BankDescriptor, 0, len(banks))
	for _, bank := range banks {
		for _, profile := range bank.Profiles {
			name := bank.BankName
			if name == "" {
				name = profile.BankName
			}
			if profile.ProtocolType != "" {
				name += " (" + profile.ProtocolType + ")"
			}
			out = append(out, BankDescriptor{
				ID:           profile.UUID,
				Name:         name,
				BIC:          bank.BIC,
				BankCode:     bank.BankCode,
				ProtocolType: profile.ProtocolType,
				BankID:       bank.UUID,
			})
		}
	}
	return out
}
