package order

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/georgemunganga/fixi-backend/internal/modules/auth"
	"github.com/go-chi/chi/v5"
)

// Handler exposes order HTTP endpoints.
type Handler struct{ service Service }

func NewHandler(service Service) *Handler { return &Handler{service: service} }

func (h *Handler) RegisterRoutes(r chi.Router, authn func(http.Handler) http.Handler) {
	r.Route("/api/v1/orders", func(r chi.Router) {
		r.Use(authn)
		r.Post("/", h.placeOrder)        // POST   /api/v1/orders
		r.Get("/", h.listMyOrders)       // GET    /api/v1/orders
		r.Get("/{id}", h.getOrder)       // GET    /api/v1/orders/{id}
		r.Delete("/{id}", h.cancelOrder) // DELETE /api/v1/orders/{id}
		r.With(auth.RequireRole(auth.RoleAdmin, auth.RoleTechnician)).
			Patch("/{id}/status", h.updateStatus) // PATCH /api/v1/orders/{id}/status
	})
}

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	o, err := h.service.PlaceOrder(r.Context(), req, caller.Subject)
	if err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	respond(w, http.StatusCreated, o)
}

func (h *Handler) listMyOrders(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	orders, err := h.service.ListCustomerOrders(r.Context(), caller.Subject)
	if err != nil {
		respond(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	respond(w, http.StatusOK, orders)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	o, err := h.service.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	if !caller.IsAdmin() && o.CustomerID.String() != caller.Subject &&
		(o.TechnicianID == nil || o.TechnicianID.String() != caller.Subject) {
		fail(w, ErrNotFound)
		return
	}
	respond(w, http.StatusOK, o)
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	o, err := h.service.UpdateStatus(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, o)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	id := chi.URLParam(r, "id")
	o, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		fail(w, err)
		return
	}
	if !caller.IsAdmin() && o.CustomerID.String() != caller.Subject {
		fail(w, ErrNotFound)
		return
	}
	if err := h.service.CancelOrder(r.Context(), id); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "order cancelled"})
}

func fail(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotAwaitingPayment):
		code = http.StatusUnprocessableEntity
	}
	respond(w, code, map[string]string{"error": err.Error()})
}

func respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
