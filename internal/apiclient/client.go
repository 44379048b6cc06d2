// Package apiclient is a typed client for the booking REST API used by the
// booking session controller and by operational tooling.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/cinema-seat-booking/internal/domain"
)

// Credentials identify the signed-in user for every call of a Client.
type Credentials struct {
	Token  string
	UserID string
}

// APIError is a non-2xx response decoded from the server's error body.
type APIError struct {
	Status           int
	Kind             string   `json:"kind"`
	Message          string   `json:"message"`
	ConflictingSeats []string `json:"conflicting_seats"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Kind, e.Message)
}

// Is lets callers test API errors against the domain sentinels.
func (e *APIError) Is(target error) bool {
	switch e.Kind {
	case "Conflict":
		return target == domain.ErrConflict
	case "LockExpired":
		return target == domain.ErrLockExpired
	case "LockNotFound":
		return target == domain.ErrLockNotFound
	case "NotOwner":
		return target == domain.ErrNotOwner
	case "InvalidInput":
		return target == domain.ErrInvalidInput
	case "NotFound":
		return target == domain.ErrNotFound
	case "ShowtimeHalted":
		return target == domain.ErrShowtimeHalted
	}
	return false
}

type Client struct {
	base  string
	http  *http.Client
	creds Credentials
}

func New(baseURL string, creds Credentials, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: httpClient, creds: creds}
}

func (c *Client) Credentials() Credentials { return c.creds }

type Showtime struct {
	ID         string           `json:"id"`
	MovieTitle string           `json:"movie_title"`
	CinemaName string           `json:"cinema_name"`
	HallName   string           `json:"hall_name"`
	StartsAt   time.Time        `json:"starts_at"`
	Prices     map[string]int64 `json:"prices"`
	Seats      []struct {
		Number   string `json:"number"`
		Category string `json:"category"`
	} `json:"seats"`
}

type Combo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Price int64  `json:"price"`
}

type Lock struct {
	LockID           uuid.UUID `json:"lock_id"`
	ShowtimeID       string    `json:"showtime_id"`
	SeatNumbers      []string  `json:"seat_numbers"`
	ExpiresAt        time.Time `json:"expires_at"`
	ExpiresInSeconds int64     `json:"expires_in_seconds"`
}

type Booking struct {
	ID            uuid.UUID           `json:"id"`
	LockID        uuid.UUID           `json:"lock_id"`
	ShowtimeID    string              `json:"showtime_id"`
	Seats         []domain.BookedSeat `json:"seats"`
	Combos        []domain.ComboLine  `json:"combos"`
	PaymentMethod string              `json:"payment_method"`
	Total         int64               `json:"total"`
	Status        string              `json:"status"`
}

func (c *Client) Showtime(ctx context.Context, showtimeID string) (Showtime, error) {
	var out Showtime
	err := c.do(ctx, http.MethodGet, "/v1/showtimes/"+url.PathEscape(showtimeID), nil, &out)
	return out, err
}

func (c *Client) Combos(ctx context.Context) ([]Combo, error) {
	var out struct {
		Combos []Combo `json:"combos"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/combos", nil, &out)
	return out.Combos, err
}

func (c *Client) SeatStatuses(ctx context.Context, showtimeID string) (map[string]domain.SeatStatus, error) {
	var out struct {
		Seats map[string]domain.SeatStatus `json:"seats"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/showtimes/"+url.PathEscape(showtimeID)+"/seats", nil, &out)
	return out.Seats, err
}

func (c *Client) RequestLock(ctx context.Context, showtimeID string, seats []string) (Lock, error) {
	var out Lock
	body := map[string]interface{}{"showtime_id": showtimeID, "seat_numbers": seats}
	err := c.do(ctx, http.MethodPost, "/v1/locks", body, &out)
	return out, err
}

func (c *Client) ReleaseLock(ctx context.Context, lockID uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/v1/locks/"+lockID.String(), nil, nil)
}

// ConfirmBooking sends an Idempotency-Key derived from the lock so a retried
// confirmation is answered from the stored response.
func (c *Client) ConfirmBooking(ctx context.Context, lockID uuid.UUID, combos []domain.ComboSelection, method domain.PaymentMethod) (Booking, bool, error) {
	var out struct {
		Booking  Booking `json:"booking"`
		Replayed bool    `json:"replayed"`
	}
	body := map[string]interface{}{"lock_id": lockID, "combos": combos, "payment_method": method}
	err := c.doKeyed(ctx, http.MethodPost, "/v1/bookings/confirm", "confirm-"+lockID.String(), body, &out)
	return out.Booking, out.Replayed, err
}

func (c *Client) MyBookings(ctx context.Context) ([]Booking, error) {
	var out struct {
		Bookings []Booking `json:"bookings"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/bookings/me", nil, &out)
	return out.Bookings, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	return c.doKeyed(ctx, method, path, "", in, out)
}

func (c *Client) doKeyed(ctx context.Context, method, path, idempotencyKey string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.creds.Token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Kind == "" {
			apiErr.Kind = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s %s", method, path)
	}
	return nil
}
