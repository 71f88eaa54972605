package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"partsync/internal/config"
	"partsync/internal/syncjob"

	"gopkg.in/gomail.v2"
)

// maxListedErrors 邮件中列出的错误条数上限。
const maxListedErrors = 20

// sender 发送已构建好的邮件，测试中可替换。
type sender func(m *gomail.Message) error

// EmailNotifier 实现邮件通知。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
	send   sender
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	n := &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
	n.send = func(m *gomail.Message) error {
		d := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass)
		return d.DialAndSend(m)
	}
	return n
}

// Enabled 判断邮件配置是否完整。
func (n *EmailNotifier) Enabled() bool {
	return n != nil && n.cfg != nil &&
		n.cfg.SMTPHost != "" && n.cfg.SMTPUser != "" && n.cfg.FromEmail != "" &&
		strings.TrimSpace(n.cfg.ToEmail) != ""
}

// NotifySyncFinished 发送同步结果摘要邮件。
func (n *EmailNotifier) NotifySyncFinished(ctx context.Context, snap syncjob.Snapshot) error {
	if !n.Enabled() {
		n.logger.Warn("email config missing, skip notification", slog.String("sync_id", snap.SyncID))
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", n.cfg.ToEmail)
	m.SetHeader("Subject", subjectFor(snap))
	m.SetBody("text/html", buildHTMLBody(snap))

	if err := n.send(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("email notification sent",
		slog.String("to", n.cfg.ToEmail),
		slog.String("sync_id", snap.SyncID),
		slog.String("status", string(snap.Status)))
	return nil
}

func subjectFor(snap syncjob.Snapshot) string {
	if snap.Status == syncjob.StatusFailed {
		return "[PartSync] Senkronizasyon başarısız"
	}
	return fmt.Sprintf("[PartSync] Senkronizasyon tamamlandı: %d hata", snap.FailedProducts)
}

func buildHTMLBody(snap syncjob.Snapshot) string {
	duration := "-"
	if snap.EndTime != nil {
		duration = snap.EndTime.Sub(snap.StartTime).Round(time.Second).String()
	}

	var errs strings.Builder
	listed := snap.Errors
	if len(listed) > maxListedErrors {
		listed = listed[len(listed)-maxListedErrors:]
	}
	for _, e := range listed {
		errs.WriteString("<li>")
		errs.WriteString(html.EscapeString(e))
		errs.WriteString("</li>")
	}
	if len(snap.Errors) > len(listed) {
		fmt.Fprintf(&errs, "<li>… %d more</li>", len(snap.Errors)-len(listed))
	}

	template := `
<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8" />
<style>
  body { font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937; }
  .card { max-width: 600px; margin: 24px auto; background: #ffffff; border-radius: 12px; overflow: hidden; border: 1px solid #e5e7eb; }
  .header { background: #0f172a; color: #ffffff; padding: 16px 20px; font-size: 16px; font-weight: bold; }
  .content { padding: 20px; }
  table { border-collapse: collapse; width: 100%%; margin-bottom: 16px; }
  td { padding: 6px 8px; border-bottom: 1px solid #e5e7eb; }
  .errors li { color: #ef4444; margin-bottom: 4px; }
  .footer { margin-top: 20px; font-size: 12px; color: #6b7280; }
</style>
</head>
<body>
  <div class="card">
    <div class="header">[PartSync] %s</div>
    <div class="content">
      <table>
        <tr><td>Durum</td><td>%s</td></tr>
        <tr><td>Toplam</td><td>%d</td></tr>
        <tr><td>İşlenen</td><td>%d</td></tr>
        <tr><td>Başarılı</td><td>%d</td></tr>
        <tr><td>Başarısız</td><td>%d</td></tr>
        <tr><td>Atlanan</td><td>%d</td></tr>
        <tr><td>Süre</td><td>%s</td></tr>
      </table>
      <ul class="errors">%s</ul>
      <div class="footer">Sync ID: %s</div>
    </div>
  </div>
</body>
</html>`

	return fmt.Sprintf(template,
		html.EscapeString(subjectFor(snap)),
		snap.Status,
		snap.TotalProducts,
		snap.ProcessedProducts,
		snap.SuccessfulProducts,
		snap.FailedProducts,
		snap.SkippedProducts,
		duration,
		errs.String(),
		html.EscapeString(snap.SyncID),
	)
}
