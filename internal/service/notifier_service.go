package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ihawking/evmx/internal/kafka"
	"github.com/ihawking/evmx/internal/metrics"
	"github.com/ihawking/evmx/internal/model"
	"github.com/ihawking/evmx/internal/repository"
	"github.com/ihawking/evmx/pkg/crypto"
	"github.com/ihawking/evmx/pkg/logger"
)

var errWebhookRejected = errors.New("webhook rejected notification")

// NotifierService 回调通知的生成与投递
type NotifierService struct {
	stores    *Stores
	publisher kafka.EventPublisher
	client    *http.Client

	batchSize  int
	maxBackoff time.Duration
	now        func() time.Time
}

// NotifierServiceConfig 配置
type NotifierServiceConfig struct {
	BatchSize  int
	Timeout    time.Duration
	MaxBackoff time.Duration
}

// NewNotifierService 创建通知服务
func NewNotifierService(stores *Stores, publisher kafka.EventPublisher, cfg *NotifierServiceConfig) *NotifierService {
	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = 4
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 4 * time.Second
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff == 0 {
		maxBackoff = 1800 * time.Second
	}
	if publisher == nil {
		publisher = kafka.NopPublisher{}
	}

	return &NotifierService{
		stores:     stores,
		publisher:  publisher,
		client:     &http.Client{Timeout: timeout},
		batchSize:  batchSize,
		maxBackoff: maxBackoff,
		now:        time.Now,
	}
}

// Notify 为交易生成通知, 不需要通知时返回 nil
// pre 为预通知, 仅针对未确认区块中的交易
func (s *NotifierService) Notify(ctx context.Context, tx *model.Transaction, block *model.Block, pre bool) (*model.Notification, error) {
	if !tx.Success || tx.ProjectID == nil {
		return nil, nil
	}
	if pre && block.Confirmed {
		return nil, nil
	}

	domain, err := s.domainContent(ctx, tx, pre)
	if err != nil || domain == nil {
		return nil, err
	}

	content := map[string]interface{}{
		"chain_id":  tx.ChainID,
		"block":     block.Number,
		"hash":      tx.Hash,
		"timestamp": block.Timestamp,
		"confirmed": block.Confirmed,
	}
	for k, v := range domain {
		content[k] = v
	}

	n := &model.Notification{
		ProjectID:     *tx.ProjectID,
		TransactionID: tx.ID,
		Content:       content,
	}
	if err := s.stores.Notifications.Create(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// domainContent 按交易类别生成业务内容
// 账单在支付完成后只通知一次: 预通知在完成支付时, 确认通知在全部支付所在区块确认时
func (s *NotifierService) domainContent(ctx context.Context, tx *model.Transaction, pre bool) (map[string]interface{}, error) {
	switch tx.Category {
	case model.TxCategoryPaying:
		payment, err := s.stores.Invoices.GetPaymentByTransaction(ctx, tx.ID)
		if err != nil {
			return nil, err
		}
		invoice, err := s.stores.Invoices.GetByID(ctx, payment.InvoiceID)
		if err != nil {
			return nil, err
		}
		if !invoice.Paid {
			return nil, nil
		}
		if !pre {
			confirming, err := s.stores.Invoices.HasUnconfirmedPayment(ctx, invoice.ID)
			if err != nil || confirming {
				return nil, err
			}
		}
		first, err := s.stores.Invoices.MarkNotified(ctx, invoice.ID, pre)
		if err != nil || !first {
			return nil, err
		}
		return InvoiceNotificationContent(invoice), nil

	case model.TxCategoryDepositing:
		deposit, err := s.stores.Deposits.GetByTransaction(ctx, tx.ID)
		if err != nil {
			return nil, err
		}
		player, err := s.stores.Players.GetByID(ctx, deposit.PlayerID)
		if err != nil {
			return nil, err
		}
		token, err := s.stores.Tokens.GetByID(ctx, deposit.TokenID)
		if err != nil {
			return nil, err
		}
		return DepositNotificationContent(deposit, player, token), nil

	case model.TxCategoryWithdrawal:
		entries, err := s.stores.Queue.ListByTransactions(ctx, []int64{tx.ID})
		if err != nil || len(entries) == 0 {
			return nil, err
		}
		withdrawal, err := s.stores.Deposits.GetWithdrawalByQueue(ctx, entries[0].ID)
		if errors.Is(err, repository.ErrWithdrawalNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return WithdrawalNotificationContent(withdrawal), nil
	}
	return nil, nil
}

// Publish 将已确认的通知发布到 Kafka, 失败只记录日志
func (s *NotifierService) Publish(ctx context.Context, notifications []*model.Notification, chainID int64) {
	for _, n := range notifications {
		content := map[string]interface{}(n.Content)
		action, _ := content["action"].(string)
		hash, _ := content["hash"].(string)

		event := &kafka.Event{
			ProjectID: n.ProjectID,
			Action:    action,
			ChainID:   chainID,
			Hash:      hash,
			Content:   content,
			CreatedAt: n.CreatedAt,
		}
		if err := s.publisher.Publish(ctx, event); err != nil {
			logger.Warn("failed to publish notification event",
				zap.Int64("notification_id", n.ID),
				zap.String("action", action),
				zap.Error(err))
		}
	}
}

// DeliverDue 投递一批到期的通知, 同一批次中失败的项目不再重试
func (s *NotifierService) DeliverDue(ctx context.Context) (int, error) {
	list, err := s.stores.Notifications.ListDue(ctx, s.now().UnixMilli(), s.batchSize)
	if err != nil {
		return 0, err
	}

	failed := make(map[int64]bool)
	delivered := 0
	for _, n := range list {
		if failed[n.ProjectID] {
			continue
		}
		if err := s.Deliver(ctx, n); err != nil {
			failed[n.ProjectID] = true
			continue
		}
		delivered++
	}
	return delivered, nil
}

// Deliver 投递单条通知并更新项目的失败计数与下次通知时间
func (s *NotifierService) Deliver(ctx context.Context, n *model.Notification) error {
	project, err := s.stores.Projects.GetByID(ctx, n.ProjectID)
	if err != nil {
		return err
	}

	if err := s.post(ctx, project, n.Content); err != nil {
		metrics.RecordNotification("failed")
		failures, ferr := s.stores.Projects.RecordNotifyFailure(ctx, project.ID)
		if ferr != nil {
			return ferr
		}
		next := s.now().Add(s.Backoff(failures))
		if ferr := s.stores.Projects.SetNextNotificationTime(ctx, project.ID, next.UnixMilli()); ferr != nil {
			return ferr
		}
		logger.Warn("notification delivery failed",
			logger.Project(project.ID),
			zap.Int64("notification_id", n.ID),
			zap.Int("failures", failures),
			zap.Time("next_attempt", next),
			zap.Error(err))
		return err
	}

	metrics.RecordNotification("delivered")
	if err := s.stores.Notifications.MarkNotified(ctx, n.ID, s.now().UnixMilli()); err != nil {
		return err
	}
	return s.stores.Projects.RecordNotifySuccess(ctx, project.ID)
}

// Backoff 失败 n 次后的等待时间 min(2^n, 上限) 秒
func (s *NotifierService) Backoff(failures int) time.Duration {
	seconds := math.Pow(2, float64(failures))
	if seconds >= s.maxBackoff.Seconds() {
		return s.maxBackoff
	}
	return time.Duration(seconds) * time.Second
}

// post 发送签名后的 JSON, 仅 HTTP 200 且响应体为 ok 视为成功
func (s *NotifierService) post(ctx context.Context, project *model.Project, content map[string]interface{}) error {
	body, err := json.Marshal(content)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, project.Webhook, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(crypto.SignatureHeader, crypto.Sign(content, project.HMACKey))

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK || string(reply) != "ok" {
		return fmt.Errorf("%w: status %d", errWebhookRejected, resp.StatusCode)
	}
	return nil
}

// DepositNotificationContent 充值回调内容
func DepositNotificationContent(deposit *model.Deposit, player *model.Player, token *model.Token) map[string]interface{} {
	return map[string]interface{}{
		"action": "deposit",
		"uid":    player.UID,
		"symbol": token.Symbol,
		"value":  deposit.Value.String(),
	}
}

// WithdrawalNotificationContent 提币回调内容
func WithdrawalNotificationContent(withdrawal *model.Withdrawal) map[string]interface{} {
	return map[string]interface{}{
		"action": "withdrawal",
		"no":     withdrawal.No,
	}
}
