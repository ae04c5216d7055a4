package accounts

import (
	"context"
	"strings"

	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
)

// normalizeExchangeName canonicalizes vendor names so connector dispatch is
// case-insensitive.
func normalizeExchangeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// CreateInput is the plaintext account spec arriving from the API. The
// service seals the credentials before anything touches storage.
type CreateInput struct {
	Name          string
	Kind          domain.AccountKind
	ExchangeName  string
	APIKey        string
	APISecret     string
	Passphrase    string
	WalletAddress string
	EnabledChains []string
}

// Create seals the credentials and inserts the account.
func (s *Service) Create(ctx context.Context, userID string, input CreateInput) (*domain.Account, error) {
	sealed, err := s.seal(input.APIKey, input.APISecret, input.Passphrase)
	if err != nil {
		return nil, err
	}
	if input.Kind == domain.AccountKindExchange && input.APIKey == "" {
		return nil, domain.Validationf("api_key", "api key is required for exchange accounts")
	}
	return s.repo.Create(ctx, userID, CreateSpec{
		Name:          input.Name,
		Kind:          input.Kind,
		ExchangeName:  normalizeExchangeName(input.ExchangeName),
		Credentials:   sealed,
		WalletAddress: input.WalletAddress,
		EnabledChains: input.EnabledChains,
	})
}

// UpdateInput is the plaintext partial update arriving from the API.
// Credential fields replace the stored set when the API key and secret are
// both provided; an omitted passphrase is stored empty.
type UpdateInput struct {
	Name          *string
	EnabledChains *[]string
	IsActive      *bool
	APIKey        *string
	APISecret     *string
	Passphrase    *string
}

// Update seals any new credentials and applies the patch.
func (s *Service) Update(ctx context.Context, userID, accountID string, input UpdateInput) (*domain.Account, error) {
	patch := Patch{
		Name:          input.Name,
		EnabledChains: input.EnabledChains,
		IsActive:      input.IsActive,
	}
	if input.APIKey != nil || input.APISecret != nil || input.Passphrase != nil {
		if input.APIKey == nil || input.APISecret == nil {
			return nil, domain.Validationf("api_key", "api key and secret must be rotated together")
		}
		passphrase := ""
		if input.Passphrase != nil {
			passphrase = *input.Passphrase
		}
		sealed, err := s.seal(*input.APIKey, *input.APISecret, passphrase)
		if err != nil {
			return nil, err
		}
		patch.Credentials = &sealed
	}
	return s.repo.Update(ctx, userID, accountID, patch)
}

func (s *Service) seal(apiKey, apiSecret, passphrase string) (SealedCredentials, error) {
	var sealed SealedCredentials
	var err error
	if sealed.APIKey, err = s.box.Seal(apiKey); err != nil {
		return SealedCredentials{}, err
	}
	if sealed.APISecret, err = s.box.Seal(apiSecret); err != nil {
		return SealedCredentials{}, err
	}
	if sealed.Passphrase, err = s.box.Seal(passphrase); err != nil {
		return SealedCredentials{}, err
	}
	return sealed, nil
}
