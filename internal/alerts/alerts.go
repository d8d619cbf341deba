package alerts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/smtp"
	"time"
)

// Service fans alerts out to a Slack-style webhook and SMTP email.
// Sends are fire-and-forget on a background goroutine; a failing sink is
// logged and never propagates into the scheduling cycle. Unconfigured
// sinks are skipped.
type Service struct {
	WebhookURL string
	SMTPHost   string
	SMTPPort   int
	SMTPUser   string
	SMTPPass   string
	AdminEmail string

	client *http.Client
}

// New builds the alert service; zero-value fields disable that sink.
func New(webhookURL, smtpHost string, smtpPort int, smtpUser, smtpPass, adminEmail string) *Service {
	return &Service{
		WebhookURL: webhookURL,
		SMTPHost:   smtpHost,
		SMTPPort:   smtpPort,
		SMTPUser:   smtpUser,
		SMTPPass:   smtpPass,
		AdminEmail: adminEmail,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Send dispatches one alert to all configured sinks without blocking the
// caller.
func (s *Service) Send(eventType, message, details string) {
	go func() {
		if err := s.sendWebhook(eventType, message, details); err != nil {
			log.Printf("webhook alert: %v", err)
		}
		if err := s.sendEmail(eventType, message, details); err != nil {
			log.Printf("email alert: %v", err)
		}
	}()
}

var levelColors = map[string]string{
	"queue_length":     "#ff9800",
	"callback_failure": "#f44336",
	"failure_rate":     "#f44336",
}

func (s *Service) sendWebhook(eventType, message, details string) error {
	if s.WebhookURL == "" {
		return nil
	}
	color, ok := levelColors[eventType]
	if !ok {
		color = "#2196F3"
	}
	body, err := json.Marshal(map[string]string{
		"text":  fmt.Sprintf("*[Queue System] %s*\n%s\n%s", eventType, message, details),
		"color": color,
	})
	if err != nil {
		return err
	}
	resp, err := s.client.Post(s.WebhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *Service) sendEmail(eventType, message, details string) error {
	if s.SMTPHost == "" || s.SMTPUser == "" || s.AdminEmail == "" {
		return nil
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: [Queue System] %s\r\n\r\n%s\n\n%s\r\n",
		s.SMTPUser, s.AdminEmail, eventType, message, details)
	addr := fmt.Sprintf("%s:%d", s.SMTPHost, s.SMTPPort)
	auth := smtp.PlainAuth("", s.SMTPUser, s.SMTPPass, s.SMTPHost)
	return smtp.SendMail(addr, auth, s.SMTPUser, []string{s.AdminEmail}, []byte(msg))
}
