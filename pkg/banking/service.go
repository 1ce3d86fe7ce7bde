package banking

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"bankconnect/pkg/ais"
	"bankconnect/pkg/consent"
	"bankconnect/pkg/logging"
	"bankconnect/pkg/state"

	"go.uber.org/zap"
)

const (
	// MinQueryLength is the shortest search query sent to the aggregator.
	MinQueryLength = 3

	// DefaultHistory is the transaction window used when neither the caller
	// nor the settings bound it.
	DefaultHistory = 90 * 24 * time.Hour
)

// Client is the part of the aggregator client the service needs.
type Client interface {
	SearchBanks(ctx context.Context, query string) ([]ais.BankDescriptor, error)
	GetBankProfile(ctx context.Context, bankID string) (ais.BankProfile, error)
	GetAccounts(ctx context.Context, bankID string, withBalance bool) (ais.Result[[]ais.AccountSummary], error)
	GetTransactions(ctx context.Context, bankID, accountID string, dateFrom, dateTo time.Time) (ais.Result[[]ais.TransactionRecord], error)
}

// ConsentStarter starts a bank redirect.
type ConsentStarter interface {
	Begin(ctx context.Context, kind state.RedirectKind, c *ais.ConsentRequired, nav consent.Navigator) error
}

// Accounts is an account listing and where it came from.
type Accounts struct {
	Items     []ais.AccountSummary `json:"accounts"`
	FromCache bool                 `json:"fromCache"`
}

// Transactions is a transaction listing and the range it covers.
type Transactions struct {
	Items    []ais.TransactionRecord `json:"transactions"`
	DateFrom string                  `json:"dateFrom"`
	DateTo   string                  `json:"dateTo"`
}

// Service is the integration logic around the aggregator client: query
// gating, settings, local caches and handing consent answers to the flow.
type Service struct {
	client Client
	store  *state.Store
	flow   ConsentStarter
	logger *logging.Logger
	now    func() time.Time
}

// New creates a service.
func New(client Client, store *state.Store, flow ConsentStarter, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.L()
	}
	return &Service{
		client: client,
		store:  store,
		flow:   flow,
		logger: logger.Named("banking"),
		now:    time.Now,
	}
}

// SearchBanks searches for banks. Queries shorter than MinQueryLength
// characters return an empty list without calling the aggregator.
func (s *Service) SearchBanks(ctx context.Context, query string) ([]ais.BankDescriptor, error) {
	query = strings.TrimSpace(query)
	if utf8.RuneCountInString(query) < MinQueryLength {
		return []ais.BankDescriptor{}, nil
	}
	return s.client.SearchBanks(ctx, query)
}

// SelectBank loads the profile of bankID and remembers its name.
func (s *Service) SelectBank(ctx context.Context, bankID string) (ais.BankProfile, error) {
	profile, err := s.client.GetBankProfile(ctx, bankID)
	if err != nil {
		return ais.BankProfile{}, err
	}

	if err := s.store.SetBankName(ctx, profile.BankName); err != nil {
		s.logger.Warn("Failed to cache bank name", zap.String("bank_id", bankID), zap.Error(err))
	}
	return profile, nil
}

// Accounts lists the accounts at bankID. With CacheLoa set, a cached list
// is served without a bank call. A consent answer starts the redirect
// flow through nav and is returned as the result.
func (s *Service) Accounts(ctx context.Context, bankID string, nav consent.Navigator) (ais.Result[Accounts], error) {
	settings, err := s.store.Settings(ctx)
	if err != nil {
		return ais.Result[Accounts]{}, err
	}

	if settings.CacheLoa {
		refs, found, err := s.store.AccountList(ctx, bankID)
		if err != nil {
			s.logger.Warn("Failed to read cached accounts", zap.String("bank_id", bankID), zap.Error(err))
		}
		if found {
			return ais.Ok(Accounts{Items: fromRefs(refs), FromCache: true}), nil
		}
	}

	result, err := s.client.GetAccounts(ctx, bankID, settings.WithBalance)
	if err != nil {
		return ais.Result[Accounts]{}, err
	}
	if c, ok := result.Consent(); ok {
		if err := s.flow.Begin(ctx, state.KindAIS, c, nav); err != nil {
			return ais.Result[Accounts]{}, err
		}
		return ais.NeedsConsent[Accounts](c), nil
	}

	accounts, _ := result.Data()
	if err := s.store.SetAccountList(ctx, bankID, toRefs(accounts)); err != nil {
		s.logger.Warn("Failed to cache accounts", zap.String("bank_id", bankID), zap.Error(err))
	}
	return ais.Ok(Accounts{Items: accounts}), nil
}

// Transactions lists the transactions of accountID. Zero bounds fall back
// to the settings, then to the last DefaultHistory up to today.
func (s *Service) Transactions(ctx context.Context, bankID, accountID string, from, to time.Time, nav consent.Navigator) (ais.Result[Transactions], error) {
	settings, err := s.store.Settings(ctx)
	if err != nil {
		return ais.Result[Transactions]{}, err
	}

	if to.IsZero() {
		if to, err = ParseDate("dateTo", settings.DateTo); err != nil {
			return ais.Result[Transactions]{}, err
		}
	}
	if to.IsZero() {
		to = s.now()
	}
	if from.IsZero() {
		if from, err = ParseDate("dateFrom", settings.DateFrom); err != nil {
			return ais.Result[Transactions]{}, err
		}
	}
	if from.IsZero() {
		from = to.Add(-DefaultHistory)
	}

	result, err := s.client.GetTransactions(ctx, bankID, accountID, from, to)
	if err != nil {
		return ais.Result[Transactions]{}, err
	}
	if c, ok := result.Consent(); ok {
		if err := s.flow.Begin(ctx, state.KindAIS, c, nav); err != nil {
			return ais.Result[Transactions]{}, err
		}
		return ais.NeedsConsent[Transactions](c), nil
	}

	records, _ := result.Data()
	return ais.Ok(Transactions{
		Items:    records,
		DateFrom: from.Format(ais.DateLayout),
		DateTo:   to.Format(ais.DateLayout),
	}), nil
}

// BankName returns the name of the last selected bank.
func (s *Service) BankName(ctx context.Context) (string, bool, error) {
	return s.store.BankName(ctx)
}

// ParseDate parses an optional YYYY-MM-DD value; "" yields the zero time.
func ParseDate(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(ais.DateLayout, value)
	if err != nil {
		return time.Time{}, &ais.ValidationError{Field: field, Reason: fmt.Sprintf("%q is not a YYYY-MM-DD date", value)}
	}
	return t, nil
}

func toRefs(accounts []ais.AccountSummary) []state.AccountRef {
	refs := make([]state.AccountRef, 0, len(accounts))
	for _, a := range accounts {
		refs = append(refs, state.AccountRef{ResourceID: a.ID, IBAN: a.IBAN, Name: a.Name})
	}
	return refs
}

func fromRefs(refs []state.AccountRef) []ais.AccountSummary {
	accounts := make([]ais.AccountSummary, 0, len(refs))
	for _, r := range refs {
		accounts = append(accounts, ais.AccountSummary{ID: r.ResourceID, IBAN: r.IBAN, Name: r.Name})
	}
	return accounts
}
