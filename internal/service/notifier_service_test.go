package service

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihawking/evmx/internal/model"
	"github.com/ihawking/evmx/pkg/crypto"
)

// webhookRecorder 记录收到的回调请求
type webhookRecorder struct {
	mu         sync.Mutex
	signatures []string
	bodies     []map[string]interface{}
	status     int
	reply      string
}

func (w *webhookRecorder) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&body)

	w.mu.Lock()
	w.signatures = append(w.signatures, r.Header.Get(crypto.SignatureHeader))
	w.bodies = append(w.bodies, body)
	status, reply := w.status, w.reply
	w.mu.Unlock()

	rw.WriteHeader(status)
	_, _ = rw.Write([]byte(reply))
}

func (w *webhookRecorder) calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.bodies)
}

func newWebhook(t *testing.T, status int, reply string) (*webhookRecorder, string) {
	t.Helper()
	recorder := &webhookRecorder{status: status, reply: reply}
	server := httptest.NewServer(recorder)
	t.Cleanup(server.Close)
	return recorder, server.URL
}

func (h *harness) notification(t *testing.T, project *model.Project, content map[string]interface{}) *model.Notification {
	t.Helper()
	n := &model.Notification{
		ProjectID:     project.ID,
		TransactionID: h.seq.Add(1),
		Content:       content,
	}
	require.NoError(t, h.stores.Notifications.Create(h.ctx, n))
	return n
}

func TestNotifierService_DeliverSigned(t *testing.T) {
	h := newHarness(t)
	recorder, url := newWebhook(t, http.StatusOK, "ok")
	project := h.project(t, url)

	content := map[string]interface{}{"action": "deposit", "uid": "player-1", "value": "1.5"}
	n := h.notification(t, project, content)

	delivered, err := h.notifier.DeliverDue(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	require.Equal(t, 1, recorder.calls())
	assert.Equal(t, crypto.Sign(content, project.HMACKey), recorder.signatures[0])
	assert.Equal(t, "player-1", recorder.bodies[0]["uid"])

	list, err := h.stores.Notifications.ListByTransaction(h.ctx, n.TransactionID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Notified)
	assert.NotNil(t, list[0].NotifiedAt)

	// 已投递的通知不再出现在待投递列表
	delivered, err = h.notifier.DeliverDue(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 1, recorder.calls())
}

func TestNotifierService_DeliverRejected(t *testing.T) {
	tests := []struct {
		name   string
		status int
		reply  string
	}{
		{"server error", http.StatusInternalServerError, "ok"},
		{"unexpected reply", http.StatusOK, "received"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, url := newWebhook(t, tt.status, tt.reply)
			project := h.project(t, url)
			n := h.notification(t, project, map[string]interface{}{"action": "deposit"})

			now := time.Now()
			h.notifier.now = func() time.Time { return now }
			err := h.notifier.Deliver(h.ctx, n)
			require.Error(t, err)

			updated, err := h.stores.Projects.GetByID(h.ctx, project.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, updated.NotificationFailedTimes)
			assert.Equal(t, now.Add(2*time.Second).UnixMilli(), updated.NextNotificationTime)

			list, err := h.stores.Notifications.ListByTransaction(h.ctx, n.TransactionID)
			require.NoError(t, err)
			assert.False(t, list[0].Notified)
		})
	}
}

func TestNotifierService_DeliverDueSkipsFailedProject(t *testing.T) {
	h := newHarness(t)
	bad, badURL := newWebhook(t, http.StatusServiceUnavailable, "")
	good, goodURL := newWebhook(t, http.StatusOK, "ok")

	failing := h.project(t, badURL)
	healthy := h.project(t, goodURL)

	h.notification(t, failing, map[string]interface{}{"action": "deposit", "uid": "a"})
	h.notification(t, failing, map[string]interface{}{"action": "deposit", "uid": "b"})
	h.notification(t, healthy, map[string]interface{}{"action": "deposit", "uid": "c"})

	delivered, err := h.notifier.DeliverDue(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, bad.calls())
	assert.Equal(t, 1, good.calls())

	// 失败项目在下次通知时间之前不会被选中
	delivered, err = h.notifier.DeliverDue(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 1, bad.calls())

	// 恢复后投递成功并清零失败计数
	bad.mu.Lock()
	bad.status, bad.reply = http.StatusOK, "ok"
	bad.mu.Unlock()
	h.notifier.now = func() time.Time { return time.Now().Add(time.Minute) }
	delivered, err = h.notifier.DeliverDue(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)

	updated, err := h.stores.Projects.GetByID(h.ctx, failing.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, updated.NotificationFailedTimes)
}

func TestNotifierService_Backoff(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, 2*time.Second, h.notifier.Backoff(1))
	assert.Equal(t, 8*time.Second, h.notifier.Backoff(3))
	assert.Equal(t, 16*time.Second, h.notifier.Backoff(4))
	assert.Equal(t, 1800*time.Second, h.notifier.Backoff(11))
	assert.Equal(t, 1800*time.Second, h.notifier.Backoff(64))
}

func TestNotifierService_NotifyRules(t *testing.T) {
	h := newHarness(t)
	project := h.project(t, "")
	projectID := project.ID

	unconfirmed := &model.Block{Number: 1}
	confirmed := &model.Block{Number: 1, Confirmed: true}

	tests := []struct {
		name  string
		tx    *model.Transaction
		block *model.Block
		pre   bool
	}{
		{"failed transaction", &model.Transaction{Success: false, ProjectID: &projectID, Category: model.TxCategoryDepositing}, confirmed, false},
		{"no project", &model.Transaction{Success: true, Category: model.TxCategoryDepositing}, confirmed, false},
		{"pre notify on confirmed block", &model.Transaction{Success: true, ProjectID: &projectID, Category: model.TxCategoryDepositing}, confirmed, true},
		{"funding", &model.Transaction{Success: true, ProjectID: &projectID, Category: model.TxCategoryFunding}, unconfirmed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := h.notifier.Notify(h.ctx, tt.tx, tt.block, tt.pre)
			require.NoError(t, err)
			assert.Nil(t, n)
		})
	}
}

func TestNotifierService_WithdrawalNotification(t *testing.T) {
	h := newHarness(t)
	project := h.project(t, "http://127.0.0.1:1/hook")
	system, err := h.projects.SystemAccount(h.ctx, project)
	require.NoError(t, err)
	native := h.native(t)

	withdrawal, err := h.withdrawals.Create(h.ctx, &CreateWithdrawalRequest{
		Project: project,
		No:      "w-1",
		ChainID: testChainID,
		Symbol:  native.Symbol,
		To:      h.externalAddress().Hex(),
		Value:   decimal.NewFromInt(1),
	})
	require.NoError(t, err)

	entry, err := h.stores.Queue.GetByID(h.ctx, withdrawal.QueueID)
	require.NoError(t, err)

	tx := h.nativeTransfer(common.HexToAddress(system.Address), entry.To, ether(1))
	block := h.mine(t, 1, tx)
	h.confirm(t, block)

	record, err := h.stores.Transactions.GetByHash(h.ctx, tx.Hash.Hex())
	require.NoError(t, err)
	notifications, err := h.stores.Notifications.ListByTransaction(h.ctx, record.ID)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, "withdrawal", notifications[0].Content["action"])
	assert.Equal(t, "w-1", notifications[0].Content["no"])
}
