package blockchain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pos-payments-go/internal/coins"
	"pos-payments-go/internal/models"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	txA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	txB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	txC = "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
)

type rpcRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	Id     json.RawMessage   `json:"id"`
}

type rpcHandler func(params []json.RawMessage) (any, *btcjson.RPCError)

// newFakeNode serves a minimal bitcoind JSON-RPC endpoint.
func newFakeNode(t *testing.T, handlers map[string]rpcHandler) *Bitcoind {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := map[string]any{"id": req.Id, "result": nil, "error": nil}
		handler, ok := handlers[req.Method]
		if !ok {
			resp["error"] = &btcjson.RPCError{Code: btcjson.ErrRPCMethodNotFound.Code, Message: "Method not found"}
		} else if result, rpcErr := handler(req.Params); rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(server.Close)

	registry := coins.NewRegistry()
	coin, err := registry.Get("TBTC")
	require.NoError(t, err)

	node, err := NewBitcoind(models.NodeConfig{
		Host:       strings.TrimPrefix(server.URL, "http://"),
		User:       "user",
		Password:   "pass",
		DisableTLS: true,
	}, coin, &chaincfg.TestNet3Params)
	require.NoError(t, err)
	t.Cleanup(node.Close)
	return node
}

func txHex(t *testing.T, values ...int64) string {
	t.Helper()
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{1}, 0), nil, nil))
	for _, v := range values {
		tx.AddTxOut(wire.NewTxOut(v, []byte{0x76, 0xa9}))
	}
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	return hex.EncodeToString(buf.Bytes())
}

func notFound() *btcjson.RPCError {
	return &btcjson.RPCError{Code: btcjson.ErrRPCInvalidAddressOrKey, Message: "Invalid or non-wallet transaction id"}
}

func gettransaction(t *testing.T, txs map[string]btcjson.GetTransactionResult) rpcHandler {
	return func(params []json.RawMessage) (any, *btcjson.RPCError) {
		var id string
		require.NoError(t, json.Unmarshal(params[0], &id))
		tx, ok := txs[id]
		if !ok {
			return nil, notFound()
		}
		return tx, nil
	}
}

func TestTxFee(t *testing.T) {
	fee := TxFee(decimal.RequireFromString("0.0002"), 1, 2)
	assert.Equal(t, "0.00004434", fee.String())

	fee = TxFee(decimal.RequireFromString("0.001"), 2, 1)
	// 2*148 + 34 + 10 + 2 = 342 bytes
	assert.Equal(t, "0.00033398", fee.String())
}

func TestSatoshiConversion(t *testing.T) {
	assert.Equal(t, int64(50000), CoinToSatoshi(decimal.RequireFromString("0.0005")))
	assert.Equal(t, "0.0005", SatoshiToCoin(50000).String())
}

func TestEstimateConfirmations(t *testing.T) {
	ctx := context.Background()

	t.Run("confirmed", func(t *testing.T) {
		node := newFakeNode(t, map[string]rpcHandler{
			"gettransaction": gettransaction(t, map[string]btcjson.GetTransactionResult{
				txA: {TxID: txA, Confirmations: 3, Hex: txHex(t, 1000)},
			}),
		})
		confirmations, err := node.EstimateConfirmations(ctx, txA)
		require.NoError(t, err)
		assert.Equal(t, int64(3), confirmations)
	})

	t.Run("unknown transaction", func(t *testing.T) {
		node := newFakeNode(t, map[string]rpcHandler{
			"gettransaction": gettransaction(t, nil),
		})
		_, err := node.EstimateConfirmations(ctx, txA)
		var invalid *InvalidTransactionError
		require.True(t, errors.As(err, &invalid))
		assert.Equal(t, txA, invalid.TxId)
	})

	t.Run("malleated copy confirmed", func(t *testing.T) {
		node := newFakeNode(t, map[string]rpcHandler{
			"gettransaction": gettransaction(t, map[string]btcjson.GetTransactionResult{
				txA: {TxID: txA, Confirmations: -1, WalletConflicts: []string{txC, txB}, Hex: txHex(t, 1000, 2000)},
				txB: {TxID: txB, Confirmations: 1, Hex: txHex(t, 1000, 2000)},
			}),
		})
		_, err := node.EstimateConfirmations(ctx, txA)
		var modified *TransactionModifiedError
		require.True(t, errors.As(err, &modified))
		assert.Equal(t, txB, modified.OtherTxId)
	})

	t.Run("double spend confirmed", func(t *testing.T) {
		node := newFakeNode(t, map[string]rpcHandler{
			"gettransaction": gettransaction(t, map[string]btcjson.GetTransactionResult{
				txA: {TxID: txA, Confirmations: 0, WalletConflicts: []string{txB}, Hex: txHex(t, 1000, 2000)},
				txB: {TxID: txB, Confirmations: 2, Hex: txHex(t, 3000)},
			}),
		})
		_, err := node.EstimateConfirmations(ctx, txA)
		var doubleSpend *DoubleSpendError
		require.True(t, errors.As(err, &doubleSpend))
		assert.Equal(t, txB, doubleSpend.OtherTxId)
	})

	t.Run("unconfirmed conflict ignored", func(t *testing.T) {
		node := newFakeNode(t, map[string]rpcHandler{
			"gettransaction": gettransaction(t, map[string]btcjson.GetTransactionResult{
				txA: {TxID: txA, Confirmations: 0, WalletConflicts: []string{txB}, Hex: txHex(t, 1000)},
				txB: {TxID: txB, Confirmations: 0, Hex: txHex(t, 900)},
			}),
		})
		confirmations, err := node.EstimateConfirmations(ctx, txA)
		require.NoError(t, err)
		assert.Zero(t, confirmations)
	})
}

func TestGetTxFeeFallsBackToDefault(t *testing.T) {
	ctx := context.Background()

	node := newFakeNode(t, map[string]rpcHandler{
		"estimatesmartfee": func([]json.RawMessage) (any, *btcjson.RPCError) {
			return map[string]any{"errors": []string{"Insufficient data or no feerate found"}, "blocks": 6}, nil
		},
	})
	fee, err := node.GetTxFee(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, "0.00004434", fee.String())

	node = newFakeNode(t, map[string]rpcHandler{
		"estimatesmartfee": func([]json.RawMessage) (any, *btcjson.RPCError) {
			return map[string]any{"feerate": 0.0001, "blocks": 6}, nil
		},
	})
	fee, err = node.GetTxFee(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, "0.00002217", fee.String())

	node = newFakeNode(t, map[string]rpcHandler{
		"estimatesmartfee": func([]json.RawMessage) (any, *btcjson.RPCError) {
			return map[string]any{"feerate": 0.00001, "blocks": 6}, nil
		},
	})
	fee, err = node.GetTxFee(ctx, 1, 2)
	require.NoError(t, err)
	// floored at the minimum fee per kB
	assert.Equal(t, "0.00001108", fee.String())
}

func testAddress(t *testing.T, params *chaincfg.Params) string {
	t.Helper()
	addr, err := btcutil.NewAddressPubKeyHash(bytes.Repeat([]byte{7}, 20), params)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func TestGetUnspentAndBalance(t *testing.T) {
	ctx := context.Background()
	address := testAddress(t, &chaincfg.TestNet3Params)

	node := newFakeNode(t, map[string]rpcHandler{
		"listunspent": func(params []json.RawMessage) (any, *btcjson.RPCError) {
			return []btcjson.ListUnspentResult{
				{TxID: txA, Vout: 0, Address: address, Amount: 0.0003, Confirmations: 0},
				{TxID: txB, Vout: 1, Address: address, Amount: 0.0002, Confirmations: 1},
			}, nil
		},
	})

	outputs, err := node.GetUnspent(ctx, address)
	require.NoError(t, err)
	require.Len(t, outputs, 2)
	assert.Equal(t, "0.0003", outputs[0].Amount.String())
	assert.Equal(t, txA+":0", outputs[0].Outpoint())

	balance, err := node.GetAddressBalance(ctx, address)
	require.NoError(t, err)
	assert.Equal(t, "0.0005", balance.String())

	_, err = node.GetUnspent(ctx, "not-an-address")
	assert.Error(t, err)
}

func TestValidateAddress(t *testing.T) {
	node := newFakeNode(t, nil)
	assert.True(t, node.ValidateAddress(testAddress(t, &chaincfg.TestNet3Params)))
	assert.False(t, node.ValidateAddress(testAddress(t, &chaincfg.MainNetParams)))
	assert.False(t, node.ValidateAddress("garbage"))
}

func TestNodeUnreachable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	node := newFakeNode(t, nil)
	_, err := node.EstimateConfirmations(ctx, txA)
	assert.True(t, IsNetworkError(err))
}
