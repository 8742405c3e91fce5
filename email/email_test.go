package email

import (
	"context"
	"errors"
	"net/smtp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"formflip/models"
)

type sentMail struct {
	addr string
	from string
	to   []string
	msg  string
}

func setupTestNotifier(t *testing.T, sendErr error) (*Notifier, *[]sentMail, *models.User) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.User{}))

	user := &models.User{Name: "Owner", Email: "owner@example.com", PasswordHash: "x"}
	require.NoError(t, db.Create(user).Error)

	notifier := NewNotifier(Config{Host: "smtp.example.com", From: "noreply@example.com", Domain: "https://formflip.test/"}, db, zap.NewNop())
	require.NotNil(t, notifier)

	var sent []sentMail
	notifier.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		sent = append(sent, sentMail{addr: addr, from: from, to: to, msg: string(msg)})
		return sendErr
	}
	return notifier, &sent, user
}

func TestNewNotifierDisabledWithoutHost(t *testing.T) {
	notifier := NewNotifier(Config{}, nil, zap.NewNop())
	assert.Nil(t, notifier)
	notifier.SubmissionCreated(context.Background(), &models.Form{}, &models.FormSubmission{})
	notifier.Wait()
}

func TestSubmissionCreatedMailsOwner(t *testing.T) {
	notifier, sent, user := setupTestNotifier(t, nil)

	form := &models.Form{ID: 3, UserID: user.ID, Name: "Contact"}
	submission := &models.FormSubmission{ID: 1, FormID: 3, SubmittedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	notifier.SubmissionCreated(context.Background(), form, submission)
	notifier.Wait()

	require.Len(t, *sent, 1)
	mail := (*sent)[0]
	assert.Equal(t, "smtp.example.com:587", mail.addr)
	assert.Equal(t, "noreply@example.com", mail.from)
	assert.Equal(t, []string{"owner@example.com"}, mail.to)
	assert.Contains(t, mail.msg, "Subject: New response to Contact")
	assert.Contains(t, mail.msg, "https://formflip.test/api/forms/3/submissions")
	assert.Contains(t, mail.msg, "2024-03-01 12:00 UTC")
}

func TestSubmissionCreatedUnknownOwner(t *testing.T) {
	notifier, sent, _ := setupTestNotifier(t, nil)

	notifier.SubmissionCreated(context.Background(), &models.Form{ID: 1, UserID: 999}, &models.FormSubmission{})
	notifier.Wait()
	assert.Empty(t, *sent)
}

func TestSendSubmissionEmailWrapsError(t *testing.T) {
	notifier, _, _ := setupTestNotifier(t, errors.New("connection refused"))

	err := notifier.SendSubmissionEmail("owner@example.com", &models.Form{ID: 1, Name: "Contact"}, &models.FormSubmission{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to send email: connection refused")
}
