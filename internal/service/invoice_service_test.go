package service

import (
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihawking/evmx/internal/blockchain"
	"github.com/ihawking/evmx/internal/model"
	bizerr "github.com/ihawking/evmx/pkg/errors"
)

func differRequest(project *model.Project, no string, value int64) *CreateInvoiceRequest {
	return &CreateInvoiceRequest{
		Project:    project,
		No:         no,
		Type:       model.InvoiceTypeDiffer,
		ChainID:    testChainID,
		Symbol:     "USDT",
		Value:      decimal.NewFromInt(value),
		DifferStep: decimal.NewFromInt(1),
		DifferMax:  decimal.NewFromInt(5),
		Duration:   30 * time.Minute,
	}
}

func TestInvoiceService_DifferAllocation(t *testing.T) {
	h := newHarness(t)
	project := h.project(t, "")
	h.usdt(t)

	var values []string
	for i, no := range []string{"a", "b", "c", "d"} {
		invoice, err := h.invoices.Create(h.ctx, differRequest(project, no, 100))
		require.NoError(t, err, "invoice %d", i)
		values = append(values, invoice.Value.String())
		assert.True(t, invoice.OriginalValue.Equal(decimal.NewFromInt(100)))
	}
	assert.Equal(t, []string{"100", "101", "99", "102"}, values)
}

func TestInvoiceService_DifferAcrossAddresses(t *testing.T) {
	h := newHarness(t)
	project := h.project(t, "")
	h.usdt(t)

	second := "0x00000000000000000000000000000000000000c1"
	require.NoError(t, h.projects.AddCollectionAddress(h.ctx, project.ID, project.CollectionAddress))
	require.NoError(t, h.projects.AddCollectionAddress(h.ctx, project.ID, second))

	first, err := h.invoices.Create(h.ctx, differRequest(project, "a", 100))
	require.NoError(t, err)
	other, err := h.invoices.Create(h.ctx, differRequest(project, "b", 100))
	require.NoError(t, err)

	assert.True(t, first.Value.Equal(other.Value))
	assert.NotEqual(t, first.PayAddress, other.PayAddress)
	assert.Equal(t, common.HexToAddress(second).Hex(), other.PayAddress)
}

func TestInvoiceService_DifferExhausted(t *testing.T) {
	h := newHarness(t)
	project := h.project(t, "")
	h.usdt(t)

	req := differRequest(project, "a", 100)
	req.DifferMax = decimal.NewFromInt(1)
	for _, no := range []string{"a", "b", "c"} {
		req.No = no
		_, err := h.invoices.Create(h.ctx, req)
		require.NoError(t, err)
	}

	req.No = "d"
	_, err := h.invoices.Create(h.ctx, req)
	assert.True(t, bizerr.Is(err, bizerr.ErrInvoiceDifferNotEnough), "got %v", err)
}

func TestInvoiceService_DifferStopsAtNonPositive(t *testing.T) {
	h := newHarness(t)
	project := h.project(t, "")
	h.usdt(t)

	_, err := h.invoices.Create(h.ctx, differRequest(project, "a", 1))
	require.NoError(t, err)

	// 下界为 0 时终止, 不再尝试 2
	_, err = h.invoices.Create(h.ctx, differRequest(project, "b", 1))
	assert.True(t, bizerr.Is(err, bizerr.ErrInvoiceDifferNotEnough), "got %v", err)
}

func TestInvoiceService_DifferReleasedAfterPaid(t *testing.T) {
	h := newHarness(t)
	project := h.project(t, "")
	usdt := h.usdt(t)

	invoice, err := h.invoices.Create(h.ctx, differRequest(project, "a", 100))
	require.NoError(t, err)
	_, err = h.invoices.RecordPayment(h.ctx, invoice, usdt, 1, usdt.ToUnits(decimal.NewFromInt(100)))
	require.NoError(t, err)

	next, err := h.invoices.Create(h.ctx, differRequest(project, "b", 100))
	require.NoError(t, err)
	assert.True(t, next.Value.Equal(decimal.NewFromInt(100)))
}

func TestInvoiceService_CreateContract(t *testing.T) {
	h := newHarness(t)
	project := h.project(t, "")
	h.usdt(t)

	invoice, err := h.invoices.Create(h.ctx, &CreateInvoiceRequest{
		Project:  project,
		No:       "order-1",
		Subject:  "VIP",
		Type:     model.InvoiceTypeContract,
		ChainID:  testChainID,
		Symbol:   "USDT",
		Value:    decimal.RequireFromString("12.5"),
		Duration: 10 * time.Minute,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(invoice.SysNo, "EI-"))
	assert.Equal(t, project.CollectionAddress, invoice.CollectionAddress)

	salt, err := blockchain.ParseSalt(invoice.Salt)
	require.NoError(t, err)
	initCode, err := hexutil.Decode(invoice.InitCode)
	require.NoError(t, err)
	want := blockchain.Create2Address(common.HexToAddress(testFactory), salt, initCode)
	assert.Equal(t, want.Hex(), invoice.PayAddress)

	status, err := h.invoices.Status(h.ctx, invoice)
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusPending, status)

	open, err := h.stores.Invoices.HasOpenPayAddress(h.ctx, invoice.PayAddress, time.Now().UnixMilli())
	require.NoError(t, err)
	assert.True(t, open)
}

func TestInvoiceService_ContractNotConfigured(t *testing.T) {
	h := newHarness(t)
	project := h.project(t, "")
	h.usdt(t)

	svc := NewInvoiceService(h.stores, h.chains, h.dispatcher, nil, &InvoiceServiceConfig{})
	_, err := svc.Create(h.ctx, &CreateInvoiceRequest{
		Project:  project,
		No:       "order-1",
		Type:     model.InvoiceTypeContract,
		ChainID:  testChainID,
		Symbol:   "USDT",
		Value:    decimal.NewFromInt(1),
		Duration: 10 * time.Minute,
	})
	assert.True(t, bizerr.Is(err, bizerr.ErrInvoiceContractMissing), "got %v", err)
}

func TestInvoiceService_CreateValidation(t *testing.T) {
	h := newHarness(t)
	project := h.project(t, "")
	h.usdt(t)

	tests := []struct {
		name   string
		mutate func(req *CreateInvoiceRequest)
		want   *bizerr.Error
	}{
		{"duration too short", func(req *CreateInvoiceRequest) { req.Duration = time.Minute }, bizerr.ErrInvalidRequest},
		{"duration too long", func(req *CreateInvoiceRequest) { req.Duration = 3 * time.Hour }, bizerr.ErrInvalidRequest},
		{"zero value", func(req *CreateInvoiceRequest) { req.Value = decimal.Zero }, bizerr.ErrInvalidRequest},
		{"step above max", func(req *CreateInvoiceRequest) { req.DifferStep = decimal.NewFromInt(9) }, bizerr.ErrInvalidRequest},
		{"unknown token", func(req *CreateInvoiceRequest) { req.Symbol = "DOGE" }, bizerr.ErrInvalidChainToken},
		{"unknown type", func(req *CreateInvoiceRequest) { req.Type = "stream" }, bizerr.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := differRequest(project, "order-"+tt.name, 100)
			tt.mutate(req)
			_, err := h.invoices.Create(h.ctx, req)
			assert.True(t, bizerr.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestInvoiceService_DuplicateNo(t *testing.T) {
	h := newHarness(t)
	project := h.project(t, "")
	h.usdt(t)

	_, err := h.invoices.Create(h.ctx, differRequest(project, "order-1", 100))
	require.NoError(t, err)
	_, err = h.invoices.Create(h.ctx, differRequest(project, "order-1", 200))
	assert.True(t, bizerr.Is(err, bizerr.ErrDuplicateOrderNo), "got %v", err)
}

func TestInvoiceService_ExpiredStatus(t *testing.T) {
	h := newHarness(t)
	project := h.project(t, "")
	h.usdt(t)

	invoice, err := h.invoices.Create(h.ctx, differRequest(project, "order-1", 100))
	require.NoError(t, err)

	h.invoices.now = func() time.Time { return time.Now().Add(time.Hour) }
	status, err := h.invoices.Status(h.ctx, invoice)
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusExpired, status)
}

func TestInvoiceService_GatherPaidContract(t *testing.T) {
	h := newHarness(t)
	project := h.project(t, "")
	usdt := h.usdt(t)

	invoice, err := h.invoices.Create(h.ctx, &CreateInvoiceRequest{
		Project:  project,
		No:       "order-1",
		Type:     model.InvoiceTypeContract,
		ChainID:  testChainID,
		Symbol:   "USDT",
		Value:    decimal.NewFromInt(5),
		Duration: 10 * time.Minute,
	})
	require.NoError(t, err)
	_, err = h.invoices.RecordPayment(h.ctx, invoice, usdt, 7, usdt.ToUnits(decimal.NewFromInt(5)))
	require.NoError(t, err)

	// 未过期不归集
	n, err := h.invoices.GatherPaid(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.invoices.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = h.invoices.GatherPaid(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	gathered, err := h.stores.Invoices.GetByID(h.ctx, invoice.ID)
	require.NoError(t, err)
	require.NotNil(t, gathered.QueueID)

	entry, err := h.stores.Queue.GetByID(h.ctx, *gathered.QueueID)
	require.NoError(t, err)
	assert.Equal(t, model.TxCategoryIGathering, entry.Category)
	assert.Equal(t, common.HexToAddress(testFactory).Hex(), entry.To)
	assert.True(t, strings.HasPrefix(entry.Data, blockchain.FactoryDeploySelector))

	transfer, err := h.invoices.GatherTransfer(h.ctx, entry.ID)
	require.NoError(t, err)
	require.NotNil(t, transfer)
	assert.Equal(t, invoice.PayAddress, transfer.From)
	assert.Equal(t, project.CollectionAddress, transfer.To)
	assert.True(t, transfer.Value.Equal(decimal.NewFromInt(5_000_000)))

	// 已归集的账单不再重复归集
	n, err = h.invoices.GatherPaid(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
