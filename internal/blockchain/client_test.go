package blockchain

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBlockJSON = `{
	"hash": "0x1111111111111111111111111111111111111111111111111111111111111111",
	"parentHash": "0x2222222222222222222222222222222222222222222222222222222222222222",
	"number": "0x83",
	"timestamp": "0x6553f100",
	"extraData": "0xd883010d0e846765746888676f312e32312e31856c696e7578000000000000001f0c5e8a54b3b5b4f58a3a9a4d8f2c3b1a0e9d8c7b6a5f4e3d2c1b0a99887766554433",
	"transactions": [
		{
			"hash": "0x3333333333333333333333333333333333333333333333333333333333333333",
			"blockHash": "0x1111111111111111111111111111111111111111111111111111111111111111",
			"from": "0x1000000000000000000000000000000000000001",
			"to": "0x2000000000000000000000000000000000000002",
			"nonce": "0x5",
			"value": "0xde0b6b3a7640000",
			"input": "0x",
			"gas": "0x5208",
			"gasPrice": "0x3b9aca00",
			"transactionIndex": "0x0"
		},
		{
			"hash": "0x4444444444444444444444444444444444444444444444444444444444444444",
			"blockHash": "0x1111111111111111111111111111111111111111111111111111111111111111",
			"from": "0x1000000000000000000000000000000000000001",
			"to": null,
			"nonce": "0x6",
			"value": "0x0",
			"input": "0x6080",
			"gas": "0x27100",
			"gasPrice": "0x3b9aca00",
			"transactionIndex": "0x1"
		}
	]
}`

const testReceiptJSON = `{
	"status": "0x1",
	"gasUsed": "0xb411",
	"effectiveGasPrice": "0x3b9aca00",
	"logs": [
		{
			"address": "0x5000000000000000000000000000000000000005",
			"topics": [
				"0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef",
				"0x0000000000000000000000001000000000000000000000000000000000000001",
				"0x0000000000000000000000002000000000000000000000000000000000000002"
			],
			"data": "0x00000000000000000000000000000000000000000000000000000000000f4240"
		}
	]
}`

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params []interface{}   `json:"params"`
}

// newRPCServer 启动一个按方法名返回固定结果的 JSON-RPC 服务
func newRPCServer(t *testing.T, results map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req rpcRequest
		require.NoError(t, json.Unmarshal(body, &req))

		w.Header().Set("Content-Type", "application/json")
		result, ok := results[req.Method]
		if !ok {
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"error":{"code":-32601,"message":"method not found"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":` + result + `}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, results map[string]string) *Client {
	t.Helper()
	if _, ok := results["eth_chainId"]; !ok {
		results["eth_chainId"] = `"0x61"`
	}
	srv := newRPCServer(t, results)
	client, err := NewClient(context.Background(), &ClientConfig{
		RPCURLs:       []string{srv.URL},
		MaxRetries:    1,
		RetryInterval: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestNewClient_Validation(t *testing.T) {
	t.Run("empty RPC URLs", func(t *testing.T) {
		_, err := NewClient(context.Background(), &ClientConfig{ChainID: 97})
		assert.ErrorIs(t, err, ErrEmptyRPCEndpoint)
	})

	t.Run("chain id adopted from endpoint", func(t *testing.T) {
		client := newTestClient(t, map[string]string{})
		assert.Equal(t, int64(97), client.ChainID())
	})

	t.Run("chain id mismatch", func(t *testing.T) {
		srv := newRPCServer(t, map[string]string{"eth_chainId": `"0x1"`})
		_, err := NewClient(context.Background(), &ClientConfig{
			ChainID: 97,
			RPCURLs: []string{srv.URL},
		})
		assert.ErrorIs(t, err, ErrChainIDMismatch)
	})
}

func TestSplitEndpoints(t *testing.T) {
	assert.Equal(t, []string{"http://a", "http://b"}, SplitEndpoints(" http://a , http://b,"))
	assert.Nil(t, SplitEndpoints(""))
}

func TestClient_BlockDecoding(t *testing.T) {
	client := newTestClient(t, map[string]string{
		"eth_getBlockByNumber": testBlockJSON,
	})

	block, err := client.BlockByNumber(context.Background(), 131)
	require.NoError(t, err)

	assert.Equal(t, int64(131), block.Number)
	assert.Equal(t, common.HexToHash("0x2222222222222222222222222222222222222222222222222222222222222222"), block.ParentHash)
	assert.True(t, IsPOA(block))
	require.Len(t, block.Transactions, 2)

	transfer := block.Transactions[0]
	assert.Equal(t, "0x2000000000000000000000000000000000000002", transfer.ToHex())
	assert.Equal(t, uint64(5), transfer.Nonce)
	assert.Equal(t, "1000000000000000000", transfer.Value.String())
	assert.Equal(t, "0x", transfer.Input)
	assert.NotEmpty(t, transfer.Raw)

	creation := block.Transactions[1]
	assert.Nil(t, creation.To)
	assert.Equal(t, "", creation.ToHex())
	assert.Equal(t, int64(1), creation.TransactionIndex)
}

func TestClient_BlockNotFound(t *testing.T) {
	client := newTestClient(t, map[string]string{
		"eth_getBlockByNumber": `null`,
	})

	_, err := client.BlockByNumber(context.Background(), 999)
	assert.ErrorIs(t, err, ErrBlockNotFound)
}

func TestClient_Receipt(t *testing.T) {
	client := newTestClient(t, map[string]string{
		"eth_getTransactionReceipt": testReceiptJSON,
	})

	receipt, err := client.TransactionReceipt(context.Background(), common.Hash{})
	require.NoError(t, err)
	assert.True(t, receipt.Succeeded())
	assert.Equal(t, uint64(46097), receipt.GasUsed)

	transfer, err := FirstTransferLog(receipt.Logs)
	require.NoError(t, err)
	assert.Equal(t, "1000000", transfer.Value.String())
	assert.Equal(t, common.HexToAddress("0x2000000000000000000000000000000000000002"), transfer.To)
	assert.Equal(t, common.HexToAddress("0x5000000000000000000000000000000000000005"), transfer.Token)
}

func TestClient_Filter(t *testing.T) {
	client := newTestClient(t, map[string]string{
		"eth_newBlockFilter":   `"0xabc"`,
		"eth_getFilterChanges": `["0x1111111111111111111111111111111111111111111111111111111111111111"]`,
	})

	id, err := client.NewBlockFilter(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0xabc", id)

	hashes, err := client.GetFilterChanges(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, hashes, 1)
}

func TestClient_GasPriceAndBalance(t *testing.T) {
	client := newTestClient(t, map[string]string{
		"eth_gasPrice":   `"0x3b9aca00"`,
		"eth_getBalance": `"0x64"`,
		"eth_call":       `"0x00000000000000000000000000000000000000000000000000000000000003e8"`,
	})

	price, err := client.GasPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1000000000", price.String())

	balance, err := client.BalanceAt(context.Background(), common.Address{})
	require.NoError(t, err)
	assert.Equal(t, "100", balance.String())

	tokenBalance, err := client.ERC20BalanceOf(context.Background(), common.Address{1}, common.Address{2})
	require.NoError(t, err)
	assert.Equal(t, "1000", tokenBalance.String())
}

func TestClientPool(t *testing.T) {
	dials := 0
	pool := NewClientPool(func(ctx context.Context, chainID int64, endpoint string) (ChainRPC, error) {
		dials++
		return &Client{chainID: chainID}, nil
	})

	_, err := pool.Get(context.Background(), 97, "http://a")
	require.NoError(t, err)
	_, err = pool.Get(context.Background(), 97, "http://a")
	require.NoError(t, err)
	assert.Equal(t, 1, dials)

	_, err = pool.Get(context.Background(), 97, "http://b")
	require.NoError(t, err)
	assert.Equal(t, 2, dials)

	pool.Evict(97)
	_, err = pool.Get(context.Background(), 97, "http://b")
	require.NoError(t, err)
	assert.Equal(t, 3, dials)
}
