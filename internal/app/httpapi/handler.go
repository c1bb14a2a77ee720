// Package httpapi exposes the offering engine over REST plus a websocket
// event feed. The authenticated identity from the request context is the
// actor for every state-changing operation.
package httpapi

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	app "github.com/raisefi/offering_layer/internal/app"
	"github.com/raisefi/offering_layer/internal/app/domain/offering"
	escrowsvc "github.com/raisefi/offering_layer/internal/app/services/escrow"
	ledgersvc "github.com/raisefi/offering_layer/internal/app/services/ledger"
	offeringsvc "github.com/raisefi/offering_layer/internal/app/services/offering"
	positionsvc "github.com/raisefi/offering_layer/internal/app/services/position"
	"github.com/raisefi/offering_layer/internal/middleware"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
}

// NewHandler returns a router exposing the core REST API.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}
	r := mux.NewRouter()

	r.HandleFunc("/offerings", h.createOffering).Methods(http.MethodPost)
	r.HandleFunc("/offerings", h.listOfferings).Methods(http.MethodGet)
	r.HandleFunc("/offerings/{id}", h.getOffering).Methods(http.MethodGet)
	r.HandleFunc("/offerings/{id}/stats", h.offeringStats).Methods(http.MethodGet)
	r.HandleFunc("/offerings/{id}/invest", h.invest).Methods(http.MethodPost)
	r.HandleFunc("/offerings/{id}/finalize", h.finalize).Methods(http.MethodPost)
	r.HandleFunc("/offerings/{id}/cancel", h.cancel).Methods(http.MethodPost)
	r.HandleFunc("/offerings/{id}/claim", h.claimTokens).Methods(http.MethodPost)
	r.HandleFunc("/offerings/{id}/refund", h.refund).Methods(http.MethodPost)
	r.HandleFunc("/offerings/{id}/refunds/enable", h.enableRefunds).Methods(http.MethodPost)
	r.HandleFunc("/offerings/{id}/escrow", h.getEscrow).Methods(http.MethodGet)

	r.HandleFunc("/offerings/{id}/ledger", h.getLedger).Methods(http.MethodGet)
	r.HandleFunc("/offerings/{id}/positions/{investor}", h.getPosition).Methods(http.MethodGet)
	r.HandleFunc("/offerings/{id}/distribute", h.distribute).Methods(http.MethodPost)
	r.HandleFunc("/offerings/{id}/payouts/claim", h.claimPayouts).Methods(http.MethodPost)
	r.HandleFunc("/offerings/{id}/unlock", h.emergencyUnlock).Methods(http.MethodPost)
	r.HandleFunc("/offerings/{id}/unlock/config", h.configureUnlock).Methods(http.MethodPost)
	r.HandleFunc("/offerings/{id}/redeem", h.claimFinal).Methods(http.MethodPost)
	r.HandleFunc("/offerings/{id}/pause", h.setPaused).Methods(http.MethodPost)

	r.HandleFunc("/pricefeeds", h.createFeed).Methods(http.MethodPost)
	r.HandleFunc("/pricefeeds", h.listFeeds).Methods(http.MethodGet)
	r.HandleFunc("/pricefeeds/{id}", h.getFeed).Methods(http.MethodGet)
	r.HandleFunc("/pricefeeds/{id}", h.patchFeed).Methods(http.MethodPatch)
	r.HandleFunc("/pricefeeds/{id}/snapshots", h.listSnapshots).Methods(http.MethodGet)
	r.HandleFunc("/pricefeeds/{id}/snapshots", h.recordSnapshot).Methods(http.MethodPost)

	r.HandleFunc("/balances/{holder}", h.getBalances).Methods(http.MethodGet)
	r.HandleFunc("/balances/mint", h.mint).Methods(http.MethodPost)

	r.HandleFunc("/events", h.events).Methods(http.MethodGet)

	return r
}

func (h *handler) createOffering(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name          string `json:"name"`
		SaleAsset     string `json:"sale_asset"`
		PaymentAssets []struct {
			Asset  string `json:"asset"`
			FeedID string `json:"feed_id"`
		} `json:"payment_assets"`
		MinInvestment   int64   `json:"min_investment"`
		MaxInvestment   int64   `json:"max_investment"`
		StartTime       string  `json:"start_time"`
		EndTime         string  `json:"end_time"`
		MaturityTime    string  `json:"maturity_time"`
		UnitPrice       float64 `json:"unit_price"`
		FundraisingCap  int64   `json:"fundraising_cap"`
		SoftCap         int64   `json:"soft_cap"`
		Beneficiary     string  `json:"beneficiary"`
		InterestEnabled bool    `json:"interest_enabled"`
		PayoutPeriod    string  `json:"payout_period"`
		APRBasisPoints  int64   `json:"apr_bps"`
		PayoutAsset     string  `json:"payout_asset"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	start, err := parseTime(payload.StartTime, "start_time")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	end, err := parseTime(payload.EndTime, "end_time")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	maturity, err := parseTime(payload.MaturityTime, "maturity_time")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var period time.Duration
	if strings.TrimSpace(payload.PayoutPeriod) != "" {
		period, err = time.ParseDuration(payload.PayoutPeriod)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("payout_period must be a duration"))
			return
		}
	}

	assets := make([]offering.PaymentAsset, 0, len(payload.PaymentAssets))
	for _, p := range payload.PaymentAssets {
		assets = append(assets, offering.PaymentAsset{Asset: p.Asset, FeedID: p.FeedID})
	}

	created, err := h.app.Offerings.Create(r.Context(), offering.Offering{
		Name:            payload.Name,
		SaleAsset:       payload.SaleAsset,
		PaymentAssets:   assets,
		MinInvestment:   payload.MinInvestment,
		MaxInvestment:   payload.MaxInvestment,
		StartTime:       start,
		EndTime:         end,
		MaturityTime:    maturity,
		UnitPrice:       payload.UnitPrice,
		FundraisingCap:  payload.FundraisingCap,
		SoftCap:         payload.SoftCap,
		Beneficiary:     payload.Beneficiary,
		InterestEnabled: payload.InterestEnabled,
		PayoutPeriod:    period,
		APRBasisPoints:  payload.APRBasisPoints,
		PayoutAsset:     payload.PayoutAsset,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) listOfferings(w http.ResponseWriter, r *http.Request) {
	offs, err := h.app.Offerings.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, offs)
}

func (h *handler) getOffering(w http.ResponseWriter, r *http.Request) {
	off, err := h.app.Offerings.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, off)
}

func (h *handler) offeringStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.app.Offerings.Stats(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) invest(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		InvestorID string `json:"investor_id"`
		Asset      string `json:"asset"`
		Amount     int64  `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	actor := middleware.GetUserID(r.Context())
	investor := payload.InvestorID
	if strings.TrimSpace(investor) == "" {
		investor = actor
	}

	inv, err := h.app.Offerings.Invest(r.Context(), actor, mux.Vars(r)["id"], investor, payload.Asset, payload.Amount)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *handler) finalize(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetUserID(r.Context())
	rec, err := h.app.Escrow.FinalizeOffering(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetUserID(r.Context())
	off, err := h.app.Offerings.Cancel(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, off)
}

func (h *handler) claimTokens(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetUserID(r.Context())
	tokens, err := h.app.Offerings.ClaimTokens(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"tokens": tokens})
}

func (h *handler) refund(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Asset string `json:"asset"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	actor := middleware.GetUserID(r.Context())
	amount, err := h.app.Escrow.Refund(r.Context(), mux.Vars(r)["id"], actor, payload.Asset)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"amount": amount})
}

func (h *handler) enableRefunds(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetUserID(r.Context())
	rec, err := h.app.Escrow.EnableRefundsByOwner(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) getEscrow(w http.ResponseWriter, r *http.Request) {
	rec, err := h.app.Escrow.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) getLedger(w http.ResponseWriter, r *http.Request) {
	led, err := h.app.Positions.GetLedger(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, led)
}

func (h *handler) getPosition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	pos, err := h.app.Positions.GetPosition(r.Context(), vars["id"], vars["investor"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (h *handler) distribute(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Funds int64 `json:"funds"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	actor := middleware.GetUserID(r.Context())
	per, err := h.app.Positions.Distribute(r.Context(), actor, mux.Vars(r)["id"], payload.Funds)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, per)
}

func (h *handler) claimPayouts(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetUserID(r.Context())
	amount, err := h.app.Positions.ClaimAvailablePayouts(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"amount": amount})
}

func (h *handler) emergencyUnlock(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetUserID(r.Context())
	returned, err := h.app.Positions.EmergencyUnlock(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"returned": returned})
}

func (h *handler) configureUnlock(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Enabled    bool  `json:"enabled"`
		PenaltyBps int64 `json:"penalty_bps"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	actor := middleware.GetUserID(r.Context())
	offeringID := mux.Vars(r)["id"]
	var err error
	if payload.Enabled {
		err = h.app.Positions.EnableEmergencyUnlock(r.Context(), actor, offeringID, payload.PenaltyBps)
	} else {
		err = h.app.Positions.DisableEmergencyUnlock(r.Context(), actor, offeringID)
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	led, err := h.app.Positions.GetLedger(r.Context(), offeringID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, led)
}

func (h *handler) claimFinal(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetUserID(r.Context())
	amount, err := h.app.Positions.ClaimFinalTokens(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"amount": amount})
}

func (h *handler) setPaused(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Paused bool `json:"paused"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	actor := middleware.GetUserID(r.Context())
	if err := h.app.Positions.SetPaused(r.Context(), actor, mux.Vars(r)["id"], payload.Paused); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) createFeed(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		BaseAsset         string  `json:"base_asset"`
		QuoteAsset        string  `json:"quote_asset"`
		UpdateInterval    string  `json:"update_interval"`
		HeartbeatInterval string  `json:"heartbeat_interval"`
		DeviationPercent  float64 `json:"deviation_percent"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	feed, err := h.app.PriceFeeds.CreateFeed(r.Context(), payload.BaseAsset, payload.QuoteAsset, payload.UpdateInterval, payload.HeartbeatInterval, payload.DeviationPercent)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, feed)
}

func (h *handler) listFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := h.app.PriceFeeds.ListFeeds(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, feeds)
}

func (h *handler) getFeed(w http.ResponseWriter, r *http.Request) {
	feed, err := h.app.PriceFeeds.GetFeed(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

func (h *handler) patchFeed(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Active *bool `json:"active"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Active == nil {
		writeError(w, http.StatusBadRequest, errors.New("active is required"))
		return
	}
	feed, err := h.app.PriceFeeds.SetActive(r.Context(), mux.Vars(r)["id"], *payload.Active)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

func (h *handler) listSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.app.PriceFeeds.ListSnapshots(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (h *handler) recordSnapshot(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Price       float64 `json:"price"`
		Source      string  `json:"source"`
		CollectedAt string  `json:"collected_at"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var collected time.Time
	if strings.TrimSpace(payload.CollectedAt) != "" {
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(payload.CollectedAt))
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("collected_at must be RFC3339 timestamp"))
			return
		}
		collected = parsed
	}
	snap, err := h.app.PriceFeeds.RecordSnapshot(r.Context(), mux.Vars(r)["id"], payload.Price, payload.Source, collected)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (h *handler) getBalances(w http.ResponseWriter, r *http.Request) {
	holder := mux.Vars(r)["holder"]
	if asset := strings.TrimSpace(r.URL.Query().Get("asset")); asset != "" {
		amount, err := h.app.Balances.Balance(r.Context(), asset, holder)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"asset": asset, "holder": holder, "amount": amount})
		return
	}
	bals, err := h.app.Balances.Balances(r.Context(), holder)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, bals)
}

func (h *handler) mint(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Asset     string `json:"asset"`
		Holder    string `json:"holder"`
		Amount    int64  `json:"amount"`
		Reference string `json:"reference"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.app.Balances.Mint(r.Context(), payload.Asset, payload.Holder, payload.Amount, payload.Reference); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	amount, err := h.app.Balances.Balance(r.Context(), payload.Asset, payload.Holder)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"asset": payload.Asset, "holder": payload.Holder, "amount": amount})
}

// statusFor maps service sentinels onto HTTP statuses. Conflicting lifecycle
// transitions surface as 409, authorization failures as 403, missing records
// as 404, everything else as 400.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, offeringsvc.ErrNotAuthorized),
		errors.Is(err, escrowsvc.ErrNotAuthorized),
		errors.Is(err, positionsvc.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, offeringsvc.ErrCapExceeded),
		errors.Is(err, offeringsvc.ErrSaleClosed),
		errors.Is(err, offeringsvc.ErrCancelled),
		errors.Is(err, offeringsvc.ErrAlreadyFinalized),
		errors.Is(err, escrowsvc.ErrAlreadyFinalized),
		errors.Is(err, escrowsvc.ErrAlreadyRegistered),
		errors.Is(err, escrowsvc.ErrRefundsEnabled),
		errors.Is(err, positionsvc.ErrAlreadyExited),
		errors.Is(err, positionsvc.ErrAlreadyArmed):
		return http.StatusConflict
	case errors.Is(err, ledgersvc.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, sql.ErrNoRows), strings.Contains(err.Error(), "not found"):
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func parseTime(raw, field string) (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, errors.New(field + " must be RFC3339 timestamp")
	}
	return parsed, nil
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
