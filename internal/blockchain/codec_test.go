package blockchain

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransferTopic(t *testing.T) {
	assert.Equal(t, ethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")), TransferTopic)
}

func TestEncodeTransfer(t *testing.T) {
	to := common.HexToAddress("0x2000000000000000000000000000000000000002")
	data, err := EncodeTransfer(to, big.NewInt(1_000_000))
	require.NoError(t, err)

	assert.True(t, IsERC20Transfer(data))
	assert.Len(t, data, 2+8+64+64)
	assert.True(t, strings.HasSuffix(data, "00000000000000000000000000000000000000000000000000000000000f4240"))
	assert.Contains(t, data, strings.ToLower(to.Hex()[2:]))
}

func TestFirstTransferLog(t *testing.T) {
	value := common.LeftPadBytes(big.NewInt(42).Bytes(), 32)
	other := &Log{Topics: []common.Hash{{0x01}}}
	first := &Log{
		Address: common.Address{0x05},
		Topics:  []common.Hash{TransferTopic, common.BytesToHash(common.Address{0x01}.Bytes()), common.BytesToHash(common.Address{0x02}.Bytes())},
		Data:    value,
	}
	second := &Log{
		Address: common.Address{0x06},
		Topics:  first.Topics,
		Data:    common.LeftPadBytes(big.NewInt(7).Bytes(), 32),
	}

	transfer, err := FirstTransferLog([]*Log{other, first, second})
	require.NoError(t, err)
	assert.Equal(t, common.Address{0x05}, transfer.Token)
	assert.Equal(t, common.Address{0x02}, transfer.To)
	assert.Equal(t, int64(42), transfer.Value.Int64())

	_, err = FirstTransferLog([]*Log{other})
	assert.ErrorIs(t, err, ErrInvalidTransferLog)
}

func TestCreate2Address(t *testing.T) {
	factory := common.HexToAddress("0xC8B76793EAf491A3018C74aCacfBab5b967B2ae9")
	var salt [32]byte
	copy(salt[:], ethcrypto.Keccak256([]byte("salt")))
	initCode := []byte{0x60, 0x80, 0x60, 0x40}

	expected := ethcrypto.CreateAddress2(factory, salt, ethcrypto.Keccak256(initCode))
	assert.Equal(t, expected, Create2Address(factory, salt, initCode))
}

func TestInvoiceInitCode(t *testing.T) {
	collection := common.HexToAddress("0x2000000000000000000000000000000000000002")
	token := common.HexToAddress("0x5000000000000000000000000000000000000005")

	native, err := InvoiceInitCode("0x6080", nil, collection)
	require.NoError(t, err)
	assert.Len(t, native, 2+32)
	assert.Equal(t, collection.Bytes(), native[2+12:])

	erc20, err := InvoiceInitCode("6080", &token, collection)
	require.NoError(t, err)
	assert.Len(t, erc20, 2+64)
	assert.Equal(t, token.Bytes(), erc20[2+12:2+32])

	_, err = InvoiceInitCode("", nil, collection)
	assert.ErrorIs(t, err, ErrEmptyBytecode)
}

func TestFactoryDeployData(t *testing.T) {
	var salt [32]byte
	salt[31] = 0x01
	data, err := FactoryDeployData([]byte{0x60, 0x80}, salt)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(data, FactoryDeploySelector))
	raw, err := hexutil.Decode(data)
	require.NoError(t, err)
	// selector + offset + salt + length + padded code
	assert.Len(t, raw, 4+32*4)
	assert.Equal(t, byte(0x40), raw[4+31])
	assert.Equal(t, byte(0x01), raw[4+63])
	assert.Equal(t, byte(0x02), raw[4+95])
	assert.Equal(t, []byte{0x60, 0x80}, raw[4+96:4+98])

	assert.Equal(t, DeployInvoiceGas, GasLimit(data, big.NewInt(0)))
}

func TestParseSalt(t *testing.T) {
	s := strings.Repeat("ab", 32)
	salt, err := ParseSalt(s)
	require.NoError(t, err)
	assert.Equal(t, byte(0xab), salt[0])

	_, err = ParseSalt("0xabcd")
	assert.Error(t, err)
}

func TestGasLimit(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		value *big.Int
		want  uint64
	}{
		{"native transfer", "", big.NewInt(1), BaseTransferGas},
		{"empty data prefix", "0x", big.NewInt(1), BaseTransferGas},
		{"erc20 transfer", TransferSelector + strings.Repeat("0", 128), big.NewInt(0), ERC20TransferGas},
		{"deploy", FactoryDeploySelector + "00", big.NewInt(0), DeployInvoiceGas},
		{"zero value no data", "", big.NewInt(0), ERC20TransferGas},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GasLimit(tt.data, tt.value))
		})
	}
}

func TestERC20TransferCost(t *testing.T) {
	assert.Equal(t, "100000000000000", ERC20TransferCost(big.NewInt(1_000_000_000)).String())
}

func TestKeyPairAndSigning(t *testing.T) {
	pair, err := GenerateKeyPair()
	require.NoError(t, err)

	checksum, err := ChecksumAddress(strings.ToLower(pair.Address))
	require.NoError(t, err)
	assert.Equal(t, pair.Address, checksum)

	_, err = ChecksumAddress("0x1234")
	assert.ErrorIs(t, err, ErrInvalidAddress)

	key, err := ParsePrivateKey(pair.PrivateKey)
	require.NoError(t, err)

	tx, err := SignLegacy(key, &LegacyTx{
		ChainID:  97,
		Nonce:    3,
		To:       common.HexToAddress("0x2000000000000000000000000000000000000002"),
		Value:    big.NewInt(10),
		GasPrice: big.NewInt(1_000_000_000),
	})
	require.NoError(t, err)

	assert.Equal(t, uint8(types.LegacyTxType), tx.Type())
	assert.Equal(t, uint64(3), tx.Nonce())
	assert.Equal(t, BaseTransferGas, tx.Gas())
	assert.Equal(t, int64(97), tx.ChainId().Int64())

	sender, err := types.Sender(types.NewEIP155Signer(big.NewInt(97)), tx)
	require.NoError(t, err)
	assert.Equal(t, pair.Address, sender.Hex())
}

func TestLookupNetwork(t *testing.T) {
	n, ok := LookupNetwork(97)
	require.True(t, ok)
	assert.Equal(t, "tBNB", n.Currency.Symbol)

	_, ok = LookupNetwork(123456789)
	assert.False(t, ok)

	assert.False(t, IsPOA(&Block{ExtraData: make([]byte, 32)}))
	assert.True(t, IsPOA(&Block{ExtraData: make([]byte, 97)}))
}
