package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pos-payments-go/internal/blockchain"
	"pos-payments-go/internal/coins"
	"pos-payments-go/internal/models"
	"pos-payments-go/internal/store"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"go.uber.org/zap"
)

var (
	ErrWalletCapacityExhausted = errors.New("wallet capacity exhausted")
	ErrBadSignature            = errors.New("bad signature")
	ErrDustOutput              = errors.New("dust output")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrWalletNotInitialized    = errors.New("wallet key not initialized")
)

// Manager hands out one Wallet per coin. Keys are loaded from the store on
// first use and kept in memory for the life of the process.
type Manager struct {
	store    store.Store
	registry *coins.Registry
	adapters map[string]blockchain.Adapter
	maxIndex uint32

	mu      sync.Mutex
	wallets map[string]*Wallet
}

func NewManager(st store.Store, registry *coins.Registry, adapters map[string]blockchain.Adapter) *Manager {
	return &Manager{
		store:    st,
		registry: registry,
		adapters: adapters,
		maxIndex: coins.MaxIndex,
		wallets:  make(map[string]*Wallet),
	}
}

// SetMaxIndex lowers the per-chain address limit. Wallets already loaded
// keep their limit.
func (m *Manager) SetMaxIndex(maxIndex uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxIndex = maxIndex
}

// Adapter returns the blockchain adapter of a coin.
func (m *Manager) Adapter(symbol string) (blockchain.Adapter, error) {
	adapter, ok := m.adapters[symbol]
	if !ok {
		return nil, fmt.Errorf("no blockchain adapter for %s", symbol)
	}
	return adapter, nil
}

// Wallet returns the wallet of a coin, loading its key on first use.
func (m *Manager) Wallet(ctx context.Context, symbol string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.wallets[symbol]; ok {
		return w, nil
	}

	coin, err := m.registry.Get(symbol)
	if err != nil {
		return nil, err
	}
	params, err := m.registry.Params(symbol)
	if err != nil {
		return nil, err
	}
	adapter, ok := m.adapters[symbol]
	if !ok {
		return nil, fmt.Errorf("no blockchain adapter for %s", symbol)
	}

	key, err := m.store.GetWalletKey(ctx, coin.Bip44Type)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", symbol, ErrWalletNotInitialized)
		}
		return nil, err
	}

	root, err := hdkeychain.NewKeyFromString(key.Xpriv)
	if err != nil {
		return nil, fmt.Errorf("unable to parse %s wallet key: %w", symbol, err)
	}
	if !root.IsPrivate() {
		return nil, fmt.Errorf("%s wallet key is not private", symbol)
	}

	w := &Wallet{
		coin:     coin,
		params:   params,
		root:     root,
		adapter:  adapter,
		maxIndex: m.maxIndex,
	}
	m.wallets[symbol] = w

	zap.L().Info("Wallet loaded",
		zap.String("coin", symbol),
		zap.String("path", key.Path))
	return w, nil
}

// CreateWalletKey derives the purpose'/coin' key of a coin from seed and
// stores it. It fails with store.ErrDuplicate when the coin already has one.
func (m *Manager) CreateWalletKey(ctx context.Context, symbol string, seed []byte) (*models.WalletKey, error) {
	coin, err := m.registry.Get(symbol)
	if err != nil {
		return nil, err
	}
	params, err := m.registry.Params(symbol)
	if err != nil {
		return nil, err
	}

	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("unable to create master key: %w", err)
	}
	purposeKey, err := master.Derive(hdkeychain.HardenedKeyStart + coins.Bip44Purpose)
	if err != nil {
		return nil, fmt.Errorf("unable to derive purpose key: %w", err)
	}
	coinKey, err := purposeKey.Derive(hdkeychain.HardenedKeyStart + coin.Bip44Type)
	if err != nil {
		return nil, fmt.Errorf("unable to derive coin key: %w", err)
	}

	key := &models.WalletKey{
		CoinType: coin.Bip44Type,
		Xpriv:    coinKey.String(),
		Path:     fmt.Sprintf("%d'/%d'", coins.Bip44Purpose, coin.Bip44Type),
	}
	if err := m.store.CreateWalletKey(ctx, key); err != nil {
		return nil, fmt.Errorf("unable to store %s wallet key: %w", symbol, err)
	}

	zap.L().Info("Wallet key created",
		zap.String("coin", symbol),
		zap.String("path", key.Path))
	return key, nil
}

// Wallet derives and signs for one coin. Derivation is read-only on the
// root key and safe for concurrent use.
type Wallet struct {
	coin     models.Coin
	params   *chaincfg.Params
	root     *hdkeychain.ExtendedKey
	adapter  blockchain.Adapter
	maxIndex uint32
}

func (w *Wallet) Coin() models.Coin { return w.coin }

func (w *Wallet) Params() *chaincfg.Params { return w.params }

func (w *Wallet) Adapter() blockchain.Adapter { return w.adapter }

func (w *Wallet) derive(path [3]uint32) (*hdkeychain.ExtendedKey, error) {
	account, err := w.root.Derive(hdkeychain.HardenedKeyStart + path[0])
	if err != nil {
		return nil, fmt.Errorf("unable to derive account %d: %w", path[0], err)
	}
	chain, err := account.Derive(path[1])
	if err != nil {
		return nil, fmt.Errorf("unable to derive chain %d: %w", path[1], err)
	}
	key, err := chain.Derive(path[2])
	if err != nil {
		return nil, fmt.Errorf("unable to derive index %d: %w", path[2], err)
	}
	return key, nil
}

// DeriveAddress encodes the address at account/change/index.
func (w *Wallet) DeriveAddress(path [3]uint32) (string, error) {
	key, err := w.derive(path)
	if err != nil {
		return "", err
	}
	addr, err := key.Address(w.params)
	if err != nil {
		return "", fmt.Errorf("unable to encode address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// DerivePrivateKey recomputes the signing key of a wallet address and checks
// it still maps to the stored address.
func (w *Wallet) DerivePrivateKey(address *models.Address) (*btcec.PrivateKey, error) {
	if address.CoinType != w.coin.Bip44Type {
		return nil, fmt.Errorf("address %s does not belong to the %s wallet", address.Address, w.coin.Symbol)
	}
	key, err := w.derive(address.RelativePath())
	if err != nil {
		return nil, err
	}
	derived, err := key.Address(w.params)
	if err != nil {
		return nil, fmt.Errorf("unable to encode address: %w", err)
	}
	if derived.EncodeAddress() != address.Address {
		return nil, fmt.Errorf("address %s does not match derived %s", address.Address, derived.EncodeAddress())
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("unable to get private key: %w", err)
	}
	return priv, nil
}
