package http

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robertarktes/cinema-seat-booking/internal/booking"
	"github.com/robertarktes/cinema-seat-booking/internal/catalog"
	"github.com/robertarktes/cinema-seat-booking/internal/domain"
	"github.com/robertarktes/cinema-seat-booking/internal/locks"
)

const maxCallbackBody = 1 << 20

type Handlers struct {
	locks         *locks.Manager
	bookings      *booking.Finalizer
	catalog       catalog.Catalog
	validate      *validator.Validate
	webhookSecret []byte
	ready         func(ctx context.Context) error
}

func NewHandlers(lm *locks.Manager, bf *booking.Finalizer, cat catalog.Catalog, webhookSecret string, ready func(ctx context.Context) error) *Handlers {
	if ready == nil {
		ready = func(context.Context) error { return nil }
	}
	return &Handlers{
		locks:         lm,
		bookings:      bf,
		catalog:       cat,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		webhookSecret: []byte(webhookSecret),
		ready:         ready,
	}
}

type lockRequest struct {
	ShowtimeID  string   `json:"showtime_id" validate:"required"`
	SeatNumbers []string `json:"seat_numbers" validate:"required,min=1,dive,required"`
}

type lockResponse struct {
	LockID           uuid.UUID `json:"lock_id"`
	ShowtimeID       string    `json:"showtime_id"`
	SeatNumbers      []string  `json:"seat_numbers"`
	ExpiresAt        time.Time `json:"expires_at"`
	ExpiresInSeconds int64     `json:"expires_in_seconds"`
}

type confirmRequest struct {
	LockID        uuid.UUID               `json:"lock_id" validate:"required"`
	Combos        []domain.ComboSelection `json:"combos" validate:"omitempty,dive"`
	PaymentMethod domain.PaymentMethod    `json:"payment_method" validate:"required,oneof=momo vnpay visa card"`
}

type bookingView struct {
	ID            uuid.UUID           `json:"id"`
	LockID        uuid.UUID           `json:"lock_id"`
	ShowtimeID    string              `json:"showtime_id"`
	OwnerID       string              `json:"owner_id"`
	Seats         []domain.BookedSeat `json:"seats"`
	Combos        []domain.ComboLine  `json:"combos"`
	PaymentMethod string              `json:"payment_method"`
	Total         int64               `json:"total"`
	Status        string              `json:"status"`
	PaymentRef    string              `json:"payment_ref,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

func toView(b domain.Booking) bookingView {
	v := bookingView{
		ID:            b.ID,
		LockID:        b.LockID,
		ShowtimeID:    b.ShowtimeID,
		OwnerID:       b.OwnerID,
		Seats:         b.Seats,
		Combos:        b.Combos,
		PaymentMethod: string(b.PaymentMethod),
		Total:         b.Total,
		Status:        string(b.Status),
		PaymentRef:    b.PaymentRef,
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
	if v.Combos == nil {
		v.Combos = []domain.ComboLine{}
	}
	return v
}

func toViews(bs []domain.Booking) []bookingView {
	out := make([]bookingView, len(bs))
	for i, b := range bs {
		out[i] = toView(b)
	}
	return out
}

// decode reads a JSON body into dst and validates it.
func (h *Handlers) decode(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.Wrapf(domain.ErrInvalidInput, "malformed body: %v", err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return errors.Wrapf(domain.ErrInvalidInput, "%v", err)
	}
	return nil
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, errors.Wrapf(domain.ErrInvalidInput, "invalid %s", name)
	}
	return id, nil
}

func (h *Handlers) RequestLock(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	var req lockRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	grant, err := h.locks.RequestLock(r.Context(), req.ShowtimeID, req.SeatNumbers, id.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, lockResponse{
		LockID:           grant.Lock.ID,
		ShowtimeID:       grant.Lock.ShowtimeID,
		SeatNumbers:      grant.Lock.Seats,
		ExpiresAt:        grant.Lock.ExpiresAt,
		ExpiresInSeconds: int64(grant.ExpiresIn / time.Second),
	})
}

func (h *Handlers) ReleaseLock(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	lockID, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.locks.ReleaseLock(r.Context(), lockID, id.UserID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"lock_id": lockID, "released": true})
}

func (h *Handlers) SeatStatuses(w http.ResponseWriter, r *http.Request) {
	seatMap, err := h.locks.QuerySeatStatuses(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"showtime_id": seatMap.ShowtimeID,
		"seats":       seatMap.Statuses,
		"taken_at":    seatMap.TakenAt,
	})
}

// Showtime returns the layout and price table clients need to show prices
// before a lock is taken.
func (h *Handlers) Showtime(w http.ResponseWriter, r *http.Request) {
	st, err := h.catalog.Showtime(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	type seat struct {
		Number   string `json:"number"`
		Category string `json:"category"`
	}
	seats := make([]seat, len(st.Seats))
	for i, s := range st.Seats {
		seats[i] = seat{Number: s.Number, Category: string(s.Category)}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":          st.ID,
		"movie_id":    st.MovieID,
		"movie_title": st.MovieTitle,
		"cinema_name": st.CinemaName,
		"hall_name":   st.HallName,
		"starts_at":   st.StartsAt,
		"ends_at":     st.EndsAt,
		"prices":      st.Prices,
		"seats":       seats,
	})
}

func (h *Handlers) Combos(w http.ResponseWriter, r *http.Request) {
	combos, err := h.catalog.ActiveCombos(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	type combo struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Price int64  `json:"price"`
	}
	out := make([]combo, len(combos))
	for i, c := range combos {
		out[i] = combo{ID: c.ID, Name: c.Name, Price: c.Price}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"combos": out})
}

func (h *Handlers) ConfirmBooking(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	var req confirmRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	conf, err := h.bookings.ConfirmBooking(r.Context(), booking.ConfirmRequest{
		LockID:        req.LockID,
		OwnerID:       id.UserID,
		Combos:        req.Combos,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if conf.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]interface{}{"booking": toView(conf.Booking), "replayed": conf.Replayed})
}

func (h *Handlers) GetBooking(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	bookingID, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	b, err := h.bookings.GetBooking(r.Context(), bookingID, id.UserID, id.Admin())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(b))
}

func (h *Handlers) MyBookings(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	bs, err := h.bookings.ListOwnerBookings(r.Context(), id.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"bookings": toViews(bs)})
}

func (h *Handlers) CancelBooking(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	bookingID, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	b, err := h.bookings.CancelBooking(r.Context(), bookingID, id.UserID, id.Admin())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(b))
}

func (h *Handlers) AdminListBookings(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, errors.Wrap(domain.ErrInvalidInput, "limit must be a positive integer"))
			return
		}
		limit = n
	}
	status := domain.BookingStatus(r.URL.Query().Get("status"))
	bs, err := h.bookings.ListBookings(r.Context(), status, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"bookings": toViews(bs)})
}

func (h *Handlers) AdminResumeShowtime(w http.ResponseWriter, r *http.Request) {
	showtimeID := chi.URLParam(r, "id")
	resumed, err := h.locks.Resume(r.Context(), showtimeID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	loggerFrom(r.Context()).WithFields(map[string]interface{}{"showtime_id": showtimeID, "resumed": resumed}).Info("resume requested")
	writeJSON(w, http.StatusOK, map[string]interface{}{"showtime_id": showtimeID, "resumed": resumed})
}

// PaymentCallback applies a gateway result. The body must be signed with the
// shared webhook secret: X-Signature is the hex HMAC-SHA256 of the raw body.
func (h *Handlers) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		writeError(w, r, errors.Wrap(domain.ErrInvalidInput, "unreadable body"))
		return
	}
	if !h.validSignature(body, r.Header.Get("X-Signature")) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Kind: "InvalidSignature", Message: "signature mismatch"})
		return
	}

	var res domain.PaymentResult
	if err := json.Unmarshal(body, &res); err != nil {
		writeError(w, r, errors.Wrapf(domain.ErrInvalidInput, "malformed body: %v", err))
		return
	}
	if err := h.validate.Struct(res); err != nil {
		writeError(w, r, errors.Wrapf(domain.ErrInvalidInput, "%v", err))
		return
	}

	b, err := h.bookings.ApplyPayment(r.Context(), res)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(b))
}

func (h *Handlers) validSignature(body []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return false
	}
	return hmac.Equal(got, Sign(h.webhookSecret, body))
}

// Sign returns the HMAC-SHA256 of body under secret, as expected in X-Signature.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.ready(ctx); err != nil {
		loggerFrom(r.Context()).WithError(err).Warn("readiness check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}
