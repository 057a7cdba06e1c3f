// Package notification 把签发结果推送到 Webhook。
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"text/template"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/egbonrelu/certify/internal/config"
)

// EventType 事件类型
type EventType string

const (
	EventCertExpiring      EventType = "cert_expiring"        // 证书即将过期
	EventCertRenewed       EventType = "cert_renewed"         // 证书申请/续期成功
	EventCertFailed        EventType = "cert_failed"          // 证书申请失败
	EventBindingWarning    EventType = "cert_binding_warning" // 证书已签发但部署失败
	EventValidationTimeout EventType = "validation_timeout"   // 域名验证超时
)

// EventData 事件数据
type EventData struct {
	Event     string                 `json:"event"`          // 事件类型
	Domain    string                 `json:"domain"`         // 域名
	Timestamp string                 `json:"timestamp"`      // 时间戳
	Message   string                 `json:"message"`        // 消息
	Data      map[string]interface{} `json:"data,omitempty"` // 额外数据
}

// WebhookNotifier Webhook 通知器
type WebhookNotifier struct {
	config     *config.WebhookConfig
	client     *http.Client
	logger     *zap.Logger
	retryDelay time.Duration
	now        func() time.Time
}

// NewWebhookNotifier 创建 Webhook 通知器，未启用时返回 nil，nil 通知器的方法都直接返回
func NewWebhookNotifier(cfg *config.WebhookConfig, logger *zap.Logger) *WebhookNotifier {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := 30 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	return &WebhookNotifier{
		config:     cfg,
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
		retryDelay: time.Second,
		now:        time.Now,
	}
}

// ShouldNotify 检查是否应该发送该事件的通知
func (w *WebhookNotifier) ShouldNotify(eventType EventType) bool {
	if !w.IsEnabled() {
		return false
	}

	// 如果没有配置事件列表，则发送所有事件
	if len(w.config.Events) == 0 {
		return true
	}

	for _, e := range w.config.Events {
		if e == string(eventType) {
			return true
		}
	}
	return false
}

// Notify 发送通知
func (w *WebhookNotifier) Notify(ctx context.Context, eventType EventType, domain, message string, data map[string]interface{}) error {
	if !w.ShouldNotify(eventType) {
		return nil
	}

	eventData := EventData{
		Event:     string(eventType),
		Domain:    domain,
		Timestamp: w.now().Format(time.RFC3339),
		Message:   message,
		Data:      data,
	}

	body, err := w.buildBody(eventData)
	if err != nil {
		return err
	}

	retries := w.config.Retries
	if retries <= 0 {
		retries = 3
	}

	err = retry.Do(
		func() error { return w.send(ctx, body) },
		retry.Context(ctx),
		retry.Attempts(uint(retries)),
		retry.Delay(w.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			w.logger.Warn("Webhook 通知失败，准备重试",
				zap.Uint("attempt", n+1),
				zap.Int("max", retries),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		w.logger.Error("Webhook 通知发送失败",
			zap.String("event", string(eventType)),
			zap.String("domain", domain),
			zap.Error(err),
		)
		return err
	}

	w.logger.Info("Webhook 通知发送成功",
		zap.String("url", w.config.URL),
		zap.String("event", string(eventType)),
		zap.String("domain", domain),
	)
	return nil
}

func (w *WebhookNotifier) buildBody(eventData EventData) ([]byte, error) {
	// 如果配置了自定义模板，使用模板生成请求体
	if w.config.BodyTemplate != "" {
		body, err := w.renderTemplate(w.config.BodyTemplate, eventData)
		if err == nil {
			return body, nil
		}
		// 模板渲染失败，使用默认 JSON 格式
		w.logger.Warn("渲染 Webhook 请求体模板失败", zap.Error(err))
	}

	body, err := json.Marshal(eventData)
	if err != nil {
		return nil, fmt.Errorf("序列化事件数据失败: %w", err)
	}
	return body, nil
}

func (w *WebhookNotifier) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("创建请求失败: %w", err))
	}

	// 设置请求头
	req.Header.Set("Content-Type", "application/json")
	for key, value := range w.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送请求失败: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("Webhook 返回错误状态码: %d", resp.StatusCode)
	}
	return nil
}

// renderTemplate 渲染模板
func (w *WebhookNotifier) renderTemplate(tmplStr string, data EventData) ([]byte, error) {
	tmplData := map[string]interface{}{
		"Event":     data.Event,
		"Domain":    data.Domain,
		"Timestamp": data.Timestamp,
		"Message":   data.Message,
		"Data":      data.Data,
	}

	funcMap := template.FuncMap{
		"toJson": func(v interface{}) string {
			b, err := json.Marshal(v)
			if err != nil {
				return "null"
			}
			return string(b)
		},
	}

	tmpl, err := template.New("webhook").Funcs(funcMap).Parse(tmplStr)
	if err != nil {
		return nil, fmt.Errorf("解析模板失败: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, tmplData); err != nil {
		return nil, fmt.Errorf("渲染模板失败: %w", err)
	}
	return buf.Bytes(), nil
}

// NotifyCertExpiring 通知证书即将过期
func (w *WebhookNotifier) NotifyCertExpiring(ctx context.Context, domain string, daysRemaining int) error {
	message := fmt.Sprintf("证书即将过期: %s (剩余 %d 天)", domain, daysRemaining)
	return w.Notify(ctx, EventCertExpiring, domain, message, map[string]interface{}{
		"days_remaining": daysRemaining,
	})
}

// NotifyCertRenewed 通知证书申请/续期成功
func (w *WebhookNotifier) NotifyCertRenewed(ctx context.Context, domain string, notAfter time.Time) error {
	message := fmt.Sprintf("证书申请/续期成功: %s", domain)
	return w.Notify(ctx, EventCertRenewed, domain, message, map[string]interface{}{
		"not_after": notAfter.Format(time.RFC3339),
	})
}

// NotifyCertFailed 通知证书申请失败
func (w *WebhookNotifier) NotifyCertFailed(ctx context.Context, domain, stage, reason string) error {
	message := fmt.Sprintf("证书申请失败: %s", domain)
	return w.Notify(ctx, EventCertFailed, domain, message, map[string]interface{}{
		"stage":  stage,
		"reason": reason,
	})
}

// NotifyBindingWarning 通知证书部署失败
func (w *WebhookNotifier) NotifyBindingWarning(ctx context.Context, domain string, warnings []string) error {
	message := fmt.Sprintf("证书已签发但部署失败: %s", domain)
	return w.Notify(ctx, EventBindingWarning, domain, message, map[string]interface{}{
		"warnings": warnings,
	})
}

// NotifyValidationTimeout 通知域名验证超时
func (w *WebhookNotifier) NotifyValidationTimeout(ctx context.Context, domain, orderURL string) error {
	message := fmt.Sprintf("域名验证超时: %s", domain)
	return w.Notify(ctx, EventValidationTimeout, domain, message, map[string]interface{}{
		"order": orderURL,
	})
}

// IsEnabled 检查是否启用
func (w *WebhookNotifier) IsEnabled() bool {
	return w != nil && w.config != nil && w.config.Enabled
}
