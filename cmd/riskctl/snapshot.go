package main

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/dorkfi/risk-engine/internal/market"
	"github.com/dorkfi/risk-engine/internal/model"
)

// Snapshot is an offline copy of one network's markets and balances. It is
// read from YAML; JSON files parse too.
type Snapshot struct {
	Network  string              `yaml:"network"`
	Markets  []model.MarketState `yaml:"markets"`
	Balances []model.Balance     `yaml:"balances"`
}

func loadSnapshot(path string) (*Snapshot, error) {
	if path == "" {
		return nil, errors.New("snapshot path required (--snapshot)")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer file.Close()

	var snap Snapshot
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	for _, m := range snap.Markets {
		if err := market.ValidateID("market", m.MarketID); err != nil {
			return nil, err
		}
	}
	return &snap, nil
}

func (s *Snapshot) index() market.Index {
	return market.NewIndex(s.Markets)
}

// positions builds the position set of accountID from the snapshot.
func (s *Snapshot) positions(accountID string) (model.PositionSet, error) {
	if err := market.ValidateID("account", accountID); err != nil {
		return model.PositionSet{}, err
	}
	var balances []model.Balance
	for _, b := range s.Balances {
		if b.AccountID == accountID {
			balances = append(balances, b)
		}
	}
	return market.BuildPositionSet(accountID, balances, s.index())
}

// accounts lists the distinct account ids holding balances, sorted.
func (s *Snapshot) accounts() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, b := range s.Balances {
		if !seen[b.AccountID] {
			seen[b.AccountID] = true
			ids = append(ids, b.AccountID)
		}
	}
	sort.Strings(ids)
	return ids
}
