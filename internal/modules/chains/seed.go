package chains

import (
	"context"
	"fmt"
	"os"

	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	"gopkg.in/yaml.v3"
)

// seedFile is the YAML layout accepted by SeedFromFile:
//
//	chains:
//	  - chain_key: ethereum
//	    numeric_chain_id: 1
//	    rpc_url: https://eth.llamarpc.com
//	tokens:
//	  - chain_key: ethereum
//	    symbol: USDC
//	    contract_address: "0xA0b8..."
//	    decimals: 6
type seedFile struct {
	Chains []struct {
		ChainKey       string `yaml:"chain_key"`
		NumericChainID int64  `yaml:"numeric_chain_id"`
		RPCURL         string `yaml:"rpc_url"`
	} `yaml:"chains"`
	Tokens []struct {
		ChainKey        string `yaml:"chain_key"`
		Symbol          string `yaml:"symbol"`
		ContractAddress string `yaml:"contract_address"`
		Decimals        uint8  `yaml:"decimals"`
	} `yaml:"tokens"`
}

// SeedFromFile upserts chains and tokens from a YAML registry file. Existing
// rows keyed the same are updated in place, so re-seeding is safe.
func (r *Repository) SeedFromFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read chain registry %s: %w", path, err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("failed to parse chain registry %s: %w", path, err)
	}

	for _, c := range seed.Chains {
		err := r.UpsertChain(ctx, domain.Chain{
			ChainKey:       c.ChainKey,
			NumericChainID: c.NumericChainID,
			RPCURL:         c.RPCURL,
			IsActive:       true,
		})
		if err != nil {
			return err
		}
	}
	for _, t := range seed.Tokens {
		err := r.UpsertToken(ctx, domain.Token{
			ChainKey:        t.ChainKey,
			Symbol:          t.Symbol,
			ContractAddress: t.ContractAddress,
			Decimals:        t.Decimals,
			IsActive:        true,
		})
		if err != nil {
			return err
		}
	}

	r.log.Info().
		Int("chains", len(seed.Chains)).
		Int("tokens", len(seed.Tokens)).
		Str("file", path).
		Msg("Chain registry seeded")
	return nil
}
