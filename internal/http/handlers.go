package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/ride-booking/internal/auth"
	"github.com/example/ride-booking/internal/dispatch"
	"github.com/example/ride-booking/internal/eta"
	"github.com/example/ride-booking/internal/geo"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/observability"
	"github.com/example/ride-booking/internal/store"
)

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())
	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	customerID := actor.UserID
	switch actor.Role {
	case models.RoleCustomer:
	case models.RoleAdmin:
		if req.CustomerID == "" {
			http.Error(w, "customer_id required", http.StatusBadRequest)
			return
		}
		customerID = req.CustomerID
	default:
		writeError(w, fmt.Errorf("%w: only customers book rides", dispatch.ErrForbidden))
		return
	}

	if req.PickupAddress == "" {
		http.Error(w, "pickup_address required", http.StatusBadRequest)
		return
	}
	if req.Pickup != nil {
		if err := geo.Validate(*req.Pickup); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	now := s.Engine.Now
	b := &models.Booking{
		ID:            uuid.NewString(),
		CustomerID:    customerID,
		Status:        models.StatusWaiting,
		PickupAddress: req.PickupAddress,
		Pickup:        req.Pickup,
		PriceCents:    req.PriceCents,
		Currency:      req.Currency,
		ServiceTier:   req.ServiceTier,
		Notes:         req.Notes,
	}
	if now != nil {
		b.CreatedAt = now()
	} else {
		b.CreatedAt = timeNow()
	}
	b.UpdatedAt = b.CreatedAt

	if s.Payments != nil && b.PriceCents > 0 {
		currency := b.Currency
		if currency == "" {
			currency = "usd"
		}
		intent, err := s.Payments.Hold(r.Context(), b.PriceCents, currency, customerID)
		if err != nil {
			s.logger.Warn("payment hold failed", "booking_id", b.ID, "error", err)
		} else {
			b.PaymentIntentID = intent
		}
	}

	if err := s.Store.PutBooking(r.Context(), b); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())
	id := mux.Vars(r)["id"]

	b, err := s.Store.GetBooking(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	switch {
	case actor.Role == models.RoleAdmin:
	case actor.Role == models.RoleCustomer && b.CustomerID == actor.UserID:
	case actor.Role == models.RoleDriver && b.AssignedDriver != nil && b.AssignedDriver.DriverID == actor.UserID:
	default:
		writeError(w, fmt.Errorf("%w: not your booking", dispatch.ErrForbidden))
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())
	id := mux.Vars(r)["id"]

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Target == "" {
		http.Error(w, "target required", http.StatusBadRequest)
		return
	}
	if req.Location != nil {
		if err := geo.Validate(*req.Location); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	status, err := s.Engine.RequestTransition(r.Context(), id, req.Target, actor, req.Location, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionResponse{BookingID: id, Status: status})
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())
	if actor.Role != models.RoleAdmin {
		writeError(w, fmt.Errorf("%w: admin only", dispatch.ErrForbidden))
		return
	}
	id := mux.Vars(r)["id"]

	driverID, err := s.Engine.AutoAssign(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := assignResponse{BookingID: id, DriverID: driverID}
	if s.ETA != nil {
		if secs, ok := s.pickupETA(r, id, driverID); ok {
			resp.ETASeconds = secs
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) pickupETA(r *http.Request, bookingID, driverID string) (float64, bool) {
	b, err := s.Store.GetBooking(r.Context(), bookingID)
	if err != nil || b.Pickup == nil {
		return 0, false
	}
	d, err := s.Store.GetDriver(r.Context(), driverID)
	if err != nil || d.Location == nil {
		return 0, false
	}
	if secs, ok := s.etaCache.Get(*d.Location, *b.Pickup); ok {
		return secs, true
	}
	if secs, err := s.ETA.EstimateSeconds(*d.Location, *b.Pickup); err == nil {
		s.etaCache.Set(*d.Location, *b.Pickup, secs)
		return secs, true
	}
	return eta.EstimateSeconds(*d.Location, *b.Pickup, 0), true
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())
	var req driverStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	driverID := actor.UserID
	switch actor.Role {
	case models.RoleDriver:
	case models.RoleAdmin:
		if req.DriverID == "" {
			http.Error(w, "driver_id required", http.StatusBadRequest)
			return
		}
		driverID = req.DriverID
	default:
		writeError(w, fmt.Errorf("%w: drivers only", dispatch.ErrForbidden))
		return
	}

	// busy is owned by the dispatch engine, not the status endpoint.
	if req.Status != models.DriverAvailable && req.Status != models.DriverOffline {
		http.Error(w, "status must be available or offline", http.StatusBadRequest)
		return
	}
	if req.Location != nil {
		if err := geo.Validate(*req.Location); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	if req.Status == models.DriverAvailable {
		// A driver with an in-flight ride cannot re-enter the matching pool
		// by hand; the ride has to finish or be released first.
		active, err := s.Store.ListDriverActiveBookings(r.Context(), driverID)
		if err != nil {
			writeError(w, err)
			return
		}
		if len(active) > 0 {
			writeError(w, fmt.Errorf("%w: driver has an active booking", dispatch.ErrPreconditionFailed))
			return
		}
	}

	prev := models.DriverOffline
	err := s.Store.RunTransaction(r.Context(), func(tx store.Tx) error {
		d, err := tx.Driver(r.Context(), driverID)
		if errors.Is(err, store.ErrNotFound) {
			d = &models.Driver{ID: driverID, Status: models.DriverOffline}
		} else if err != nil {
			return err
		}
		prev = d.Status
		if req.Name != "" {
			d.Name = req.Name
		}
		if req.Phone != "" {
			d.Phone = req.Phone
		}
		if req.Vehicle != "" {
			d.Vehicle = req.Vehicle
		}
		if req.Location != nil {
			loc := *req.Location
			d.Location = &loc
		}
		d.Status = req.Status
		d.Updated = timeNow()
		tx.PutDriver(d)
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	// The gauge moves only on real offline/online flips; repeated posts of
	// the same status leave it alone.
	wasOnline := prev != models.DriverOffline
	isOnline := req.Status != models.DriverOffline
	if isOnline && !wasOnline {
		observability.DriversOnline.Inc()
	} else if !isOnline && wasOnline {
		observability.DriversOnline.Dec()
	}

	resp := driverStatusResponse{DriverID: driverID, Status: req.Status}
	if req.Status == models.DriverOffline {
		released, err := s.Engine.ReleaseDriverBookings(r.Context(), driverID)
		if err != nil {
			s.logger.Error("offline cascade failed", "driver_id", driverID, "error", err)
		}
		resp.ReleasedBookings = released
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDriverLocation ingests location pings from the driver app backend.
// It only moves the pin; status changes go through /drivers/status.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var req driverLocationReport
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	loc := models.Coord{Lat: req.Lat, Lng: req.Lng}
	if err := geo.Validate(loc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err := s.Store.RunTransaction(r.Context(), func(tx store.Tx) error {
		d, err := tx.Driver(r.Context(), req.DriverID)
		if errors.Is(err, store.ErrNotFound) {
			d = &models.Driver{ID: req.DriverID, Status: models.DriverOffline}
		} else if err != nil {
			return err
		}
		d.Location = &loc
		d.Updated = timeNow()
		tx.PutDriver(d)
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ParseRequest(r, s.JWTSecret)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(actor.UserID, conn)
}
