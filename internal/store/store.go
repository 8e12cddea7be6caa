package store

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/shopspring/decimal"

	"gridtrader/internal/config"
	"gridtrader/internal/core"
)

// Cache is the advisory local snapshot store. The exchange remains the
// source of truth: everything here is rebuildable from one reconciliation
// pass and is only used to warm-start before that pass completes.
type Cache struct {
	db *badger.DB
}

// LevelLink records which order currently rests at a ladder index.
type LevelLink struct {
	Index         int             `json:"index"`
	Price         decimal.Decimal `json:"price"`
	Side          core.Side       `json:"side"`
	OrderID       string          `json:"order_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// LadderSnapshot is the persisted shape of the ladder linkage.
type LadderSnapshot struct {
	Symbol    string          `json:"symbol"`
	Type      string          `json:"type"`
	Base      decimal.Decimal `json:"base"`
	Interval  decimal.Decimal `json:"interval"`
	Origin    int             `json:"origin"`
	Count     int             `json:"count"`
	Levels    []LevelLink     `json:"levels"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func Open(cfg config.StateConfig) (*Cache, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) SaveLadder(snap LadderSnapshot) error {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	return c.setJSON(ladderKey(snap.Symbol), snap)
}

func (c *Cache) LoadLadder(symbol string) (LadderSnapshot, bool, error) {
	var snap LadderSnapshot
	ok, err := c.getJSON(ladderKey(symbol), &snap)
	return snap, ok, err
}

func (c *Cache) SavePosition(pos core.Position) error {
	return c.setJSON(positionKey(pos.Symbol), pos)
}

func (c *Cache) LoadPosition(symbol string) (core.Position, bool, error) {
	var pos core.Position
	ok, err := c.getJSON(positionKey(symbol), &pos)
	return pos, ok, err
}

// SaveWatermark records the highest applied fill sequence so a warm start
// can discard replayed stream events from before the crash.
func (c *Cache) SaveWatermark(symbol string, seq int64) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(watermarkKey(symbol), []byte(strconv.FormatInt(seq, 10)))
	})
}

func (c *Cache) LoadWatermark(symbol string) (int64, bool, error) {
	var seq int64
	found := false
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(watermarkKey(symbol))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			parsed, err := strconv.ParseInt(string(val), 10, 64)
			if err != nil {
				return err
			}
			seq = parsed
			found = true
			return nil
		})
	})
	return seq, found, err
}

// Drop clears every cached entry for a symbol, used when reconciliation
// proves the cache wrong.
func (c *Cache) Drop(symbol string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		for _, key := range [][]byte{ladderKey(symbol), positionKey(symbol), watermarkKey(symbol)} {
			if err := txn.Delete(key); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
}

func (c *Cache) setJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (c *Cache) getJSON(key []byte, v any) (bool, error) {
	found := false
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, v); err != nil {
				return err
			}
			found = true
			return nil
		})
	})
	return found, err
}

func ladderKey(symbol string) []byte {
	return []byte("ladder:" + symbol)
}

func positionKey(symbol string) []byte {
	return []byte("position:" + symbol)
}

func watermarkKey(symbol string) []byte {
	return []byte("watermark:" + symbol)
}
