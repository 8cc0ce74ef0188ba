package exchange

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

// SnapshotWriter stores an encoded snapshot under key.
type SnapshotWriter interface {
	Put(ctx context.Context, key string, data io.Reader, contentType string) error
}

// Snapshot is the canonical encoding of the engine state. Every slice is
// ordered, so equal states encode to equal bytes.
type Snapshot struct {
	Sequence    uint64             `json:"sequence"`
	Markets     []model.Market     `json:"markets"`
	Collateral  []model.Balance    `json:"collateral"`
	Wallets     []model.Balance    `json:"wallets"`
	Positions   []model.Position   `json:"positions"`
	IndexPrices []model.IndexPrice `json:"index_prices"`
	BadDebt     decimal.Decimal    `json:"bad_debt"`
	// ReferenceTime is the latest now a transition ran at.
	ReferenceTime uint64 `json:"reference_time"`
}

// Encode returns the canonical JSON encoding.
func (snap Snapshot) Encode() ([]byte, error) {
	return json.Marshal(snap)
}

// Root is the hex SHA-256 of the canonical encoding.
func (snap Snapshot) Root() (string, error) {
	data, err := snap.Encode()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// snapshot captures the current state. Caller holds s.mu.
func (s *Service) snapshot() (Snapshot, error) {
	snap := Snapshot{
		Sequence:    s.seq,
		Markets:     []model.Market{},
		Collateral:  []model.Balance{},
		Wallets:     []model.Balance{},
		Positions:   []model.Position{},
		IndexPrices: []model.IndexPrice{},
		BadDebt:     fixed.BalanceDecimal(s.ch.BadDebt()),

		ReferenceTime: s.ref.Load(),
	}
	for _, m := range s.ch.Markets() {
		st, err := s.ch.Engine().Get(m.ID)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Markets = append(snap.Markets, marketRecord(m, s.meta[m.ID], st))
	}
	asset := s.ch.Config().CollateralAsset
	for _, c := range s.ch.CollateralBalances() {
		snap.Collateral = append(snap.Collateral, balanceRecord(c.Account, asset, c.Amount))
	}
	for _, h := range s.ledger.Holdings() {
		snap.Wallets = append(snap.Wallets, balanceRecord(h.Account, h.Asset, h.Amount))
	}
	for _, p := range s.ch.Positions() {
		snap.Positions = append(snap.Positions, positionRecord(p))
	}
	for _, a := range s.oracle.Assets() {
		p, err := s.oracle.GetPrice(a)
		if err != nil {
			return Snapshot{}, err
		}
		snap.IndexPrices = append(snap.IndexPrices, model.IndexPrice{Asset: string(a), Price: p.Decimal()})
	}
	return snap, nil
}

// Snapshot returns the current state.
func (s *Service) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := s.view(func() error {
		var err error
		snap, err = s.snapshot()
		return err
	})
	return snap, err
}

// StateRoot returns the event sequence and the root of the current state.
func (s *Service) StateRoot() (uint64, string, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return 0, "", err
	}
	root, err := snap.Root()
	return snap.Sequence, root, err
}

// ArchiveResult describes an archived snapshot.
type ArchiveResult struct {
	Sequence uint64 `json:"sequence"`
	Root     string `json:"root"`
	Key      string `json:"key"`
}

func snapshotKey(seq uint64) string {
	return fmt.Sprintf("%020d.json", seq)
}

// ArchiveSnapshot writes the current state to the archive.
func (s *Service) ArchiveSnapshot(ctx context.Context) (ArchiveResult, error) {
	if s.opts.Archive == nil {
		return ArchiveResult{}, errArchiveDisabled
	}
	var (
		snap     Snapshot
		revision uint64
	)
	err := s.view(func() error {
		var err error
		snap, err = s.snapshot()
		revision = s.revision
		return err
	})
	if err != nil {
		return ArchiveResult{}, err
	}
	data, err := snap.Encode()
	if err != nil {
		return ArchiveResult{}, err
	}
	sum := sha256.Sum256(data)
	res := ArchiveResult{Sequence: snap.Sequence, Root: hex.EncodeToString(sum[:]), Key: snapshotKey(snap.Sequence)}
	if err := s.opts.Archive.Put(ctx, res.Key, bytes.NewReader(data), "application/json"); err != nil {
		return ArchiveResult{}, fmt.Errorf("archive snapshot %d: %w", snap.Sequence, err)
	}

	s.mu.Lock()
	if revision > s.archived {
		s.archived = revision
	}
	s.mu.Unlock()

	slog.Info("snapshot archived", "sequence", res.Sequence, "root", res.Root, "key", res.Key)
	return res, nil
}

// RunArchiver archives a snapshot every interval in which the state changed. It returns when ctx is done.
func (s *Service) RunArchiver(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.mu.Lock()
			stale := s.revision > s.archived
			s.mu.Unlock()
			if !stale {
				continue
			}
			if _, err := s.ArchiveSnapshot(ctx); err != nil {
				slog.Error("snapshot archive failed", "err", err)
			}
		}
	}
}
