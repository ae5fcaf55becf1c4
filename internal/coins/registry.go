package coins

import (
	"fmt"
	"sort"

	"pos-payments-go/internal/models"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
)

// BIP44 constants
const (
	Bip44Purpose = 0
	MaxIndex     = 1 << 30
)

var (
	dustThreshold   = decimal.RequireFromString("0.00005460")
	minFee          = decimal.RequireFromString("0.00005")
	defaultFeePerKb = decimal.RequireFromString("0.0002")
)

// DashMainNetParams and DashTestNetParams reuse the bitcoin network
// definitions with Dash address and key prefixes.
var (
	DashMainNetParams = dashParams(chaincfg.MainNetParams, "dash-mainnet", 0xbd6b0cbf, 0x4c, 0x10, 0xcc)
	DashTestNetParams = dashParams(chaincfg.TestNet3Params, "dash-testnet", 0xffcae2ce, 0x8c, 0x13, 0xef)
)

// Dash networks are registered so btcutil can decode their addresses.
func init() {
	for _, params := range []*chaincfg.Params{DashMainNetParams, DashTestNetParams} {
		if err := chaincfg.Register(params); err != nil {
			panic(fmt.Sprintf("failed to register %s params: %v", params.Name, err))
		}
	}
}

func dashParams(base chaincfg.Params, name string, net uint32, pubKeyHashID, scriptHashID, privateKeyID byte) *chaincfg.Params {
	params := base
	params.Name = name
	params.Net = wire.BitcoinNet(net)
	params.PubKeyHashAddrID = pubKeyHashID
	params.ScriptHashAddrID = scriptHashID
	params.PrivateKeyID = privateKeyID
	params.Bech32HRPSegwit = ""
	return &params
}

type entry struct {
	coin   models.Coin
	params *chaincfg.Params
}

// Registry holds the supported coins
type Registry struct {
	bySymbol map[string]entry
}

// NewRegistry returns the registry of built-in coins.
func NewRegistry() *Registry {
	r := &Registry{bySymbol: make(map[string]entry)}
	r.add(models.Coin{Symbol: "BTC", Name: "Bitcoin", Bip44Type: 0, UriPrefix: "bitcoin"}, &chaincfg.MainNetParams)
	r.add(models.Coin{Symbol: "TBTC", Name: "Bitcoin Testnet", Bip44Type: 1, IsTestnet: true, UriPrefix: "bitcoin"}, &chaincfg.TestNet3Params)
	r.add(models.Coin{Symbol: "DASH", Name: "Dash", Bip44Type: 5, UriPrefix: "dash"}, DashMainNetParams)
	r.add(models.Coin{Symbol: "TDASH", Name: "Dash Testnet", Bip44Type: 1005, IsTestnet: true, UriPrefix: "dash"}, DashTestNetParams)
	return r
}

func (r *Registry) add(coin models.Coin, params *chaincfg.Params) {
	coin.DustThreshold = dustThreshold
	coin.MinFee = minFee
	coin.DefaultFeePerKb = defaultFeePerKb
	r.bySymbol[coin.Symbol] = entry{coin: coin, params: params}
}

// Get returns the coin with the given symbol.
func (r *Registry) Get(symbol string) (models.Coin, error) {
	e, ok := r.bySymbol[symbol]
	if !ok {
		return models.Coin{}, fmt.Errorf("unsupported coin: %s", symbol)
	}
	return e.coin, nil
}

// ByBip44Type returns the coin registered under a BIP44 coin type.
func (r *Registry) ByBip44Type(coinType uint32) (models.Coin, error) {
	for _, e := range r.bySymbol {
		if e.coin.Bip44Type == coinType {
			return e.coin, nil
		}
	}
	return models.Coin{}, fmt.Errorf("unsupported coin type: %d", coinType)
}

// Params returns the chain parameters used for address encoding.
func (r *Registry) Params(symbol string) (*chaincfg.Params, error) {
	e, ok := r.bySymbol[symbol]
	if !ok {
		return nil, fmt.Errorf("unsupported coin: %s", symbol)
	}
	return e.params, nil
}

// All returns the registered coins ordered by BIP44 type.
func (r *Registry) All() []models.Coin {
	out := make([]models.Coin, 0, len(r.bySymbol))
	for _, e := range r.bySymbol {
		out = append(out, e.coin)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bip44Type < out[j].Bip44Type })
	return out
}

// Override adjusts fee policy of a registered coin.
type Override struct {
	Symbol          string
	DustThreshold   *decimal.Decimal
	MinFee          *decimal.Decimal
	DefaultFeePerKb *decimal.Decimal
}

// Apply merges overrides into the registry.
func (r *Registry) Apply(overrides []Override) error {
	for _, o := range overrides {
		e, ok := r.bySymbol[o.Symbol]
		if !ok {
			return fmt.Errorf("override for unsupported coin: %s", o.Symbol)
		}
		if o.DustThreshold != nil {
			e.coin.DustThreshold = *o.DustThreshold
		}
		if o.MinFee != nil {
			e.coin.MinFee = *o.MinFee
		}
		if o.DefaultFeePerKb != nil {
			e.coin.DefaultFeePerKb = *o.DefaultFeePerKb
		}
		r.bySymbol[o.Symbol] = e
	}
	return nil
}
