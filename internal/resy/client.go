// Package resy talks to the Resy API using the request flow from an
// authenticated browser session: an api_key plus auth token captured by the
// user. Endpoints and headers follow the public web client.
package resy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/resy-sniper/internal/domain/reservation"
)

const slotTimeLayout = "2006-01-02 15:04:05"

type Credentials struct {
	APIKey    string
	AuthToken string
}

type Client struct {
	hc      *http.Client
	baseURL string
	creds   Credentials
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API host, mainly for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient replaces the default 10s-timeout client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

func New(creds Credentials, opts ...Option) *Client {
	c := &Client{
		hc:      &http.Client{Timeout: 10 * time.Second},
		baseURL: "https://api.resy.com",
		creds:   creds,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var _ reservation.Client = (*Client)(nil)

// Ping verifies the captured credentials against the user endpoint.
func (c *Client) Ping(ctx context.Context) error {
	status, body, err := c.do(ctx, http.MethodGet, "/2/user", "", nil)
	if err != nil {
		return err
	}
	if status >= 400 {
		var r struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &r)
		if r.Message != "" {
			return fmt.Errorf("resy ping: %s: %w", r.Message, statusErr(status))
		}
		return fmt.Errorf("resy ping: %w", statusErr(status))
	}
	return nil
}

type findResponse struct {
	Results struct {
		Venues []struct {
			Slots []struct {
				Date struct {
					Start string `json:"start"`
				} `json:"date"`
				Config struct {
					Type  string `json:"type"`
					Token string `json:"token"`
				} `json:"config"`
			} `json:"slots"`
		} `json:"venues"`
	} `json:"results"`
}

// GetAvailability lists the offered slots for a venue and date. An empty
// result is not an error; the caller decides whether no match is terminal.
func (c *Client) GetAvailability(ctx context.Context, venueID string, date time.Time, partySize int) ([]reservation.SlotCandidate, error) {
	params := url.Values{}
	params.Set("party_size", strconv.Itoa(partySize))
	params.Set("venue_id", venueID)
	params.Set("day", date.Format("2006-01-02"))
	// Deprecated but still required by the endpoint.
	params.Set("lat", "0")
	params.Set("long", "0")

	status, body, err := c.do(ctx, http.MethodGet, "/4/find?"+params.Encode(), "", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("fetch availability for venue %s: %w", venueID, statusErr(status))
	}
	var res findResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode availability: %w", err)
	}
	if len(res.Results.Venues) == 0 {
		return nil, fmt.Errorf("venue %s: %w", venueID, reservation.ErrNotFound)
	}

	var out []reservation.SlotCandidate
	for _, s := range res.Results.Venues[0].Slots {
		t, err := time.ParseInLocation(slotTimeLayout, s.Date.Start, date.Location())
		if err != nil {
			continue
		}
		out = append(out, reservation.SlotCandidate{
			Time: t,
			Meta: map[string]string{
				"config_id": s.Config.Token,
				"type":      s.Config.Type,
			},
		})
	}
	return out, nil
}

type detailsResponse struct {
	BookToken struct {
		Value string `json:"value"`
	} `json:"book_token"`
	User struct {
		PaymentMethods []struct {
			ID int64 `json:"id"`
		} `json:"payment_methods"`
	} `json:"user"`
}

// MakeReservation books a specific slot via the details/book two-step and
// returns the confirmation token.
func (c *Client) MakeReservation(ctx context.Context, venueID string, slot reservation.SlotCandidate, partySize int) (string, error) {
	configID := slot.Meta["config_id"]
	if configID == "" {
		return "", fmt.Errorf("slot %s has no booking token: %w", slot.Time.Format(time.RFC3339), reservation.ErrUnavailable)
	}

	jb, err := json.Marshal(struct {
		ConfigID  string `json:"config_id"`
		Day       string `json:"day"`
		PartySize int64  `json:"party_size"`
	}{
		ConfigID:  configID,
		Day:       slot.Time.Format("2006-01-02"),
		PartySize: int64(partySize),
	})
	if err != nil {
		return "", err
	}
	status, body, err := c.do(ctx, http.MethodPost, "/3/details", "application/json", jb)
	if err != nil {
		return "", err
	}
	if status >= 400 {
		return "", fmt.Errorf("booking details for venue %s: %w", venueID, statusErr(status))
	}
	var details detailsResponse
	if err := json.Unmarshal(body, &details); err != nil {
		return "", fmt.Errorf("decode booking details: %w", err)
	}
	if details.BookToken.Value == "" {
		// The slot disappeared between find and details.
		return "", fmt.Errorf("no book token for venue %s: %w", venueID, reservation.ErrSlotTaken)
	}

	form := url.Values{}
	form.Set("book_token", details.BookToken.Value)
	if len(details.User.PaymentMethods) > 0 {
		pb, _ := json.Marshal(struct {
			ID int64 `json:"id"`
		}{ID: details.User.PaymentMethods[0].ID})
		form.Set("struct_payment_method", string(pb))
	}
	status, body, err = c.do(ctx, http.MethodPost, "/3/book", "application/x-www-form-urlencoded", []byte(form.Encode()))
	if err != nil {
		return "", err
	}
	if status == http.StatusPreconditionFailed || status == http.StatusConflict {
		// Someone else got the table between details and book.
		return "", fmt.Errorf("book venue %s: %w", venueID, reservation.ErrSlotTaken)
	}
	if status >= 400 {
		return "", fmt.Errorf("book venue %s: %w", venueID, statusErr(status))
	}
	var booked struct {
		ResyToken string `json:"resy_token"`
	}
	if err := json.Unmarshal(body, &booked); err != nil || booked.ResyToken == "" {
		return "", fmt.Errorf("book venue %s: confirmation token missing from response", venueID)
	}
	return booked.ResyToken, nil
}

// CancelReservation releases a booking by its confirmation token.
func (c *Client) CancelReservation(ctx context.Context, confirmationID string) error {
	form := url.Values{}
	form.Set("resy_token", confirmationID)
	status, _, err := c.do(ctx, http.MethodPost, "/3/cancel", "application/x-www-form-urlencoded", []byte(form.Encode()))
	if err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("cancel reservation: %w", statusErr(status))
	}
	return nil
}

// statusErr maps HTTP status codes onto the provider sentinel errors so
// callers can classify without knowing about HTTP.
func statusErr(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("status %d: %w", status, reservation.ErrRateLimited)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("status %d: %w", status, reservation.ErrAuthFailure)
	case status == http.StatusNotFound:
		return fmt.Errorf("status %d: %w", status, reservation.ErrNotFound)
	default:
		return fmt.Errorf("status %d: %w", status, reservation.ErrUnavailable)
	}
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Add("user-agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Safari/537.36")
	req.Header.Add("origin", "https://resy.com")
	req.Header.Add("referrer", "https://resy.com")
	req.Header.Add("x-origin", "https://resy.com")
	req.Header.Add("cache-control", "no-cache")
	if contentType != "" {
		req.Header.Add("content-type", contentType)
	}
	req.Header.Add("authorization", fmt.Sprintf(`ResyAPI api_key="%s"`, c.creds.APIKey))
	req.Header.Add("x-resy-auth-token", c.creds.AuthToken)
	req.Header.Add("x-resy-universal-auth", c.creds.AuthToken)

	res, err := c.hc.Do(req)
	if err != nil {
		// Network failures look like provider unavailability to the caller.
		return 0, nil, fmt.Errorf("%s %s: %v: %w", method, path, err, reservation.ErrUnavailable)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, nil, err
	}
	return res.StatusCode, b, nil
}
