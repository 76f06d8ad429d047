package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/resy-sniper/internal/jobs"
	"github.com/example/resy-sniper/internal/sniper"
)

// WebhookDispatcher posts terminal-job reports as signed JSON to a single
// endpoint. Delivery is best effort: the scheduler logs a failed delivery but
// does not retry the job because of it.
type WebhookDispatcher struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookDispatcher(url, secret string) *WebhookDispatcher {
	return &WebhookDispatcher{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// WebhookPayload is the wire form of one terminal-job report.
type WebhookPayload struct {
	Event          string `json:"event"` // "booked" or "failed"
	JobID          string `json:"job_id"`
	GroupID        string `json:"group_id"`
	VenueID        string `json:"venue_id"`
	Date           string `json:"date"`
	Status         string `json:"status"`
	SlotTime       string `json:"slot_time,omitempty"`
	ConfirmationID string `json:"confirmation_id,omitempty"`
	Attempts       int    `json:"attempts"`
	Summary        string `json:"summary"`
}

func (d *WebhookDispatcher) NotifySuccess(ctx context.Context, job jobs.SniperJob, res sniper.Result) error {
	return d.post(ctx, WebhookPayload{
		Event:          "booked",
		JobID:          job.ID.String(),
		GroupID:        job.GroupID.String(),
		VenueID:        job.VenueID,
		Date:           job.Date.Format("2006-01-02"),
		Status:         string(res.Status),
		SlotTime:       res.SlotTime.Format(time.RFC3339),
		ConfirmationID: res.ConfirmationID,
		Attempts:       res.Attempts,
		Summary:        FormatSuccess(job, res),
	})
}

func (d *WebhookDispatcher) NotifyFailure(ctx context.Context, job jobs.SniperJob, res sniper.Result) error {
	return d.post(ctx, WebhookPayload{
		Event:    "failed",
		JobID:    job.ID.String(),
		GroupID:  job.GroupID.String(),
		VenueID:  job.VenueID,
		Date:     job.Date.Format("2006-01-02"),
		Status:   string(res.Status),
		Attempts: res.Attempts,
		Summary:  FormatFailure(job, res),
	})
}

func (d *WebhookDispatcher) post(ctx context.Context, payload WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sniper-Job-ID", payload.JobID)
	if d.secret != "" {
		req.Header.Set("X-Sniper-Signature", ComputeSignature(d.secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func ComputeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature lets receivers validate an incoming report.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(ComputeSignature(secret, body)), []byte(signature))
}
