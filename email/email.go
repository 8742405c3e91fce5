package email

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"formflip/models"
)

type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	From     string
	Domain   string
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Notifier mails form owners when their forms receive a submission.
type Notifier struct {
	cfg    Config
	db     *gorm.DB
	logger *zap.Logger
	send   SendFunc
	wg     sync.WaitGroup
}

// NewNotifier returns nil when no SMTP host is configured.
func NewNotifier(cfg Config, db *gorm.DB, logger *zap.Logger) *Notifier {
	if cfg.Host == "" {
		return nil
	}
	if cfg.Port == "" {
		cfg.Port = "587"
	}
	if cfg.Domain == "" {
		cfg.Domain = "http://localhost:8080"
	}
	return &Notifier{cfg: cfg, db: db, logger: logger, send: smtp.SendMail}
}

func (n *Notifier) SubmissionCreated(ctx context.Context, form *models.Form, submission *models.FormSubmission) {
	if n == nil {
		return
	}

	var owner models.User
	if err := n.db.WithContext(ctx).First(&owner, form.UserID).Error; err != nil {
		n.logger.Warn("submission notification skipped, owner not loaded",
			zap.Uint("form_id", form.ID), zap.Error(err))
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.SendSubmissionEmail(owner.Email, form, submission); err != nil {
			n.logger.Warn("failed to send submission notification",
				zap.Uint("form_id", form.ID), zap.Error(err))
		}
	}()
}

func (n *Notifier) SendSubmissionEmail(to string, form *models.Form, submission *models.FormSubmission) error {
	link := fmt.Sprintf("%s/api/forms/%d/submissions", strings.TrimRight(n.cfg.Domain, "/"), form.ID)

	subject := fmt.Sprintf("New response to %s", form.Name)
	body := fmt.Sprintf(`Hello!

Your form "%s" received a new response at %s.

See all responses:

%s

---
FormFlip
`, form.Name, submission.SubmittedAt.Format("2006-01-02 15:04 MST"), link)

	message := fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"\r\n"+
		"%s\r\n", n.cfg.From, to, subject, body)

	var auth smtp.Auth
	if n.cfg.User != "" {
		auth = smtp.PlainAuth("", n.cfg.User, n.cfg.Password, n.cfg.Host)
	}
	addr := n.cfg.Host + ":" + n.cfg.Port

	if err := n.send(addr, auth, n.cfg.From, []string{to}, []byte(message)); err != nil {
		return errors.Wrap(err, "failed to send email")
	}
	return nil
}

// Wait blocks until queued emails are sent.
func (n *Notifier) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}
