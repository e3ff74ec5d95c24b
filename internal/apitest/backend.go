// Package apitest provides an in-memory fake of the PetBnB REST backend for
// tests. It implements every route the client consumes, issues real HS256
// JWTs, counts calls per route and supports fault injection.
package apitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/esracengel/PetBNB/internal/model"
)

// Route keys, "METHOD path-pattern", used by Calls, Fail and Hold.
const (
	RouteRegister      = "POST /auth/users/"
	RouteCreateTokens  = "POST /auth/jwt/create/"
	RouteRefresh       = "POST /auth/jwt/refresh/"
	RouteMe            = "GET /auth/users/me/"
	RouteListRequests  = "GET /services/service-requests/"
	RouteCreateRequest = "POST /services/service-requests/"
	RouteDeleteRequest = "DELETE /services/service-requests/{id}/"
	RouteListOffers    = "GET /services/service-offers/"
	RouteCreateOffer   = "POST /services/service-offers/"
	RouteUpdateOffer   = "PUT /services/service-offers/{id}/"
	RouteDeleteOffer   = "DELETE /services/service-offers/{id}/"
)

var signKey = []byte("apitest-signing-key")

type account struct {
	user     model.User
	password secret
}

type fault struct {
	status int
	body   string
	times  int // <= 0 means until cleared
}

// Backend is the fake server. All exported methods are safe for concurrent use.
type Backend struct {
	Server *httptest.Server

	mu       sync.Mutex
	nextID   int64
	seq      int64
	users    map[int64]*account
	access   map[string]int64 // live access token -> user id
	refresh  map[string]int64 // live refresh token -> user id
	requests map[int64]*model.ServiceRequest
	offers   map[int64]*model.ServiceOffer
	calls    map[string]int
	faults   map[string]*fault
	holds    map[string]chan struct{}
	entered  map[string]chan struct{}
	lastAuth map[string]string
}

// New starts a backend that is closed when the test ends.
func New(t testing.TB) *Backend {
	t.Helper()
	b := &Backend{
		users:    map[int64]*account{},
		access:   map[string]int64{},
		refresh:  map[string]int64{},
		requests: map[int64]*model.ServiceRequest{},
		offers:   map[int64]*model.ServiceOffer{},
		calls:    map[string]int{},
		faults:   map[string]*fault{},
		holds:    map[string]chan struct{}{},
		entered:  map[string]chan struct{}{},
		lastAuth: map[string]string{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(RouteRegister, b.wrap(RouteRegister, false, b.handleRegister))
	mux.HandleFunc(RouteCreateTokens, b.wrap(RouteCreateTokens, false, b.handleCreateTokens))
	mux.HandleFunc(RouteRefresh, b.wrap(RouteRefresh, false, b.handleRefresh))
	mux.HandleFunc(RouteMe, b.wrap(RouteMe, true, b.handleMe))
	mux.HandleFunc(RouteListRequests, b.wrap(RouteListRequests, true, b.handleListRequests))
	mux.HandleFunc(RouteCreateRequest, b.wrap(RouteCreateRequest, true, b.handleCreateRequest))
	mux.HandleFunc(RouteDeleteRequest, b.wrap(RouteDeleteRequest, true, b.handleDeleteRequest))
	mux.HandleFunc(RouteListOffers, b.wrap(RouteListOffers, true, b.handleListOffers))
	mux.HandleFunc(RouteCreateOffer, b.wrap(RouteCreateOffer, true, b.handleCreateOffer))
	mux.HandleFunc(RouteUpdateOffer, b.wrap(RouteUpdateOffer, true, b.handleUpdateOffer))
	mux.HandleFunc(RouteDeleteOffer, b.wrap(RouteDeleteOffer, true, b.handleDeleteOffer))
	b.Server = httptest.NewServer(mux)
	t.Cleanup(func() {
		b.ReleaseAll()
		b.Server.Close()
	})
	return b
}

// URL is the base URL of the backend.
func (b *Backend) URL() string { return b.Server.URL }

// ---- fixtures ----

// AddUser registers an account directly and returns it.
func (b *Backend) AddUser(email, username, password string, typ model.UserType) model.User {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	u := model.User{ID: b.nextID, Email: email, Username: username, UserType: typ}
	b.users[u.ID] = &account{user: u, password: hashPassword(password)}
	return u
}

// Issue mints a fresh access/refresh pair for the user.
func (b *Backend) Issue(userID int64) model.Tokens {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.issueLocked(userID)
}

func (b *Backend) issueLocked(userID int64) model.Tokens {
	return model.Tokens{AccessToken: b.accessLocked(userID), RefreshToken: b.refreshLocked(userID)}
}

func (b *Backend) accessLocked(userID int64) string {
	b.seq++
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		ID:        strconv.FormatInt(b.seq, 10),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(5 * time.Minute)),
	})
	s, _ := tok.SignedString(signKey)
	b.access[s] = userID
	return s
}

func (b *Backend) refreshLocked(userID int64) string {
	b.seq++
	s := fmt.Sprintf("refresh-%d-%d", userID, b.seq)
	b.refresh[s] = userID
	return s
}

// AddRequest stores a service request as if its owner had created it.
func (b *Backend) AddRequest(r model.ServiceRequest) model.ServiceRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	r.ID = b.nextID
	r.IsActive = true
	if a, ok := b.users[r.Owner]; ok {
		r.OwnerDisplayName = a.user.DisplayName()
	}
	cp := r
	b.requests[r.ID] = &cp
	return b.decorateLocked(cp)
}

// AddOffer stores an offer directly.
func (b *Backend) AddOffer(o model.ServiceOffer) model.ServiceOffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	o.ID = b.nextID
	if o.Status == "" {
		o.Status = model.OfferPending
	}
	cp := o
	b.offers[o.ID] = &cp
	return cp
}

// Requests returns the stored requests ordered by id.
func (b *Backend) Requests() []model.ServiceRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requestListLocked(0, true)
}

// Offers returns the stored offers ordered by id.
func (b *Backend) Offers() []model.ServiceOffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.ServiceOffer, 0, len(b.offers))
	for _, o := range b.offers {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ---- fault injection ----

// ExpireAccess invalidates every access token issued so far.
func (b *Backend) ExpireAccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.access = map[string]int64{}
}

// RevokeRefresh invalidates every refresh token issued so far.
func (b *Backend) RevokeRefresh() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh = map[string]int64{}
}

// Fail makes the next n calls to route answer status/body; n <= 0 means
// until ClearFaults.
func (b *Backend) Fail(route string, status int, body string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[route] = &fault{status: status, body: body, times: n}
}

// ClearFaults removes all injected failures.
func (b *Backend) ClearFaults() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = map[string]*fault{}
}

// Hold makes calls to route block after authentication until the returned
// release func is called. Entered receives once per blocked call.
func (b *Backend) Hold(route string) (entered <-chan struct{}, release func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.holds[route]; ok {
		close(prev)
	}
	ch := make(chan struct{})
	in := make(chan struct{}, 16)
	b.holds[route] = ch
	b.entered[route] = in
	return in, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.holds[route] == ch {
			delete(b.holds, route)
			close(ch)
		}
	}
}

// ReleaseAll unblocks every held route.
func (b *Backend) ReleaseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, ch := range b.holds {
		close(ch)
		delete(b.holds, k)
	}
}

// Calls returns how many times route was hit.
func (b *Backend) Calls(route string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[route]
}

// LastAuthorization returns the Authorization header of the latest call to route.
func (b *Backend) LastAuthorization(route string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastAuth[route]
}

// ---- plumbing ----

type handler func(w http.ResponseWriter, r *http.Request, uid int64)

func (b *Backend) wrap(route string, auth bool, h handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.calls[route]++
		b.lastAuth[route] = r.Header.Get("Authorization")
		var uid int64
		authed := false
		if tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "JWT "); ok {
			uid, authed = b.access[tok]
		}
		if auth && !authed {
			b.mu.Unlock()
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"detail": "Given token not valid for any token type",
				"code":   "token_not_valid",
			})
			return
		}
		f := b.faults[route]
		if f != nil && f.times > 0 {
			f.times--
			if f.times == 0 {
				delete(b.faults, route)
			}
		}
		hold, in := b.holds[route], b.entered[route]
		b.mu.Unlock()

		if hold != nil {
			select {
			case in <- struct{}{}:
			default:
			}
			select {
			case <-hold:
			case <-r.Context().Done():
				return
			}
		}
		if f != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(f.status)
			_, _ = w.Write([]byte(f.body))
			return
		}
		h(w, r, uid)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "JSON parse error - " + err.Error()})
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(strings.Trim(r.PathValue("id"), "/"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return 0, false
	}
	return id, true
}

func (b *Backend) decorateLocked(r model.ServiceRequest) model.ServiceRequest {
	r.PendingOffersCount, r.TotalOffersCount = 0, 0
	for _, o := range b.offers {
		if o.ServiceRequest != r.ID {
			continue
		}
		r.TotalOffersCount++
		if o.Status == model.OfferPending {
			r.PendingOffersCount++
		}
	}
	return r
}

func (b *Backend) requestListLocked(uid int64, all bool) []model.ServiceRequest {
	viewer := b.users[uid]
	out := make([]model.ServiceRequest, 0, len(b.requests))
	for _, r := range b.requests {
		if !all && viewer != nil && viewer.user.UserType == model.PetOwner && r.Owner != uid {
			continue
		}
		out = append(out, b.decorateLocked(*r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ---- handlers ----

func (b *Backend) handleRegister(w http.ResponseWriter, r *http.Request, _ int64) {
	var in model.Registration
	if !decode(w, r, &in) {
		return
	}
	b.mu.Lock()
	for _, a := range b.users {
		if strings.EqualFold(a.user.Email, in.Email) {
			b.mu.Unlock()
			writeJSON(w, http.StatusBadRequest, map[string][]string{
				"email": {"user with this email already exists."},
			})
			return
		}
	}
	b.mu.Unlock()
	if in.Password != in.RePassword {
		writeJSON(w, http.StatusBadRequest, map[string][]string{
			"non_field_errors": {"The two password fields didn't match."},
		})
		return
	}
	u := b.AddUser(in.Email, in.Username, in.Password, in.UserType)
	writeJSON(w, http.StatusCreated, u)
}

func (b *Backend) handleCreateTokens(w http.ResponseWriter, r *http.Request, _ int64) {
	var in model.Credentials
	if !decode(w, r, &in) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range b.users {
		if strings.EqualFold(a.user.Email, in.Email) && a.password.matches(in.Password) {
			t := b.issueLocked(a.user.ID)
			writeJSON(w, http.StatusOK, map[string]string{"access": t.AccessToken, "refresh": t.RefreshToken})
			return
		}
	}
	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"detail": "No active account found with the given credentials",
	})
}

func (b *Backend) handleRefresh(w http.ResponseWriter, r *http.Request, _ int64) {
	var in struct {
		Refresh string `json:"refresh"`
	}
	if !decode(w, r, &in) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	uid, ok := b.refresh[in.Refresh]
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"detail": "Token is invalid or expired",
			"code":   "token_not_valid",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access": b.accessLocked(uid)})
}

func (b *Backend) handleMe(w http.ResponseWriter, _ *http.Request, uid int64) {
	b.mu.Lock()
	a, ok := b.users[uid]
	b.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return
	}
	writeJSON(w, http.StatusOK, a.user)
}

func (b *Backend) handleListRequests(w http.ResponseWriter, _ *http.Request, uid int64) {
	b.mu.Lock()
	out := b.requestListLocked(uid, false)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) handleCreateRequest(w http.ResponseWriter, r *http.Request, uid int64) {
	var in model.RequestFields
	if !decode(w, r, &in) {
		return
	}
	b.mu.Lock()
	owner := b.users[uid]
	b.mu.Unlock()
	if owner == nil || owner.user.UserType != model.PetOwner {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"detail": "You do not have permission to perform this action.",
		})
		return
	}
	created := b.AddRequest(model.ServiceRequest{
		Owner:       uid,
		PetType:     in.PetType,
		PetBreed:    in.PetBreed,
		StartDate:   in.StartDate,
		EndDate:     in.EndDate,
		Location:    in.Location,
		Description: in.Description,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	})
	writeJSON(w, http.StatusCreated, created)
}

func (b *Backend) handleDeleteRequest(w http.ResponseWriter, r *http.Request, uid int64) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.requests[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return
	}
	if req.Owner != uid {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"detail": "You do not have permission to perform this action.",
		})
		return
	}
	delete(b.requests, id)
	for oid, o := range b.offers {
		if o.ServiceRequest == id {
			delete(b.offers, oid)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleListOffers(w http.ResponseWriter, r *http.Request, _ int64) {
	q := r.URL.Query()
	b.mu.Lock()
	out := make([]model.ServiceOffer, 0)
	for _, o := range b.offers {
		if v := q.Get("service_request"); v != "" && v != strconv.FormatInt(o.ServiceRequest, 10) {
			continue
		}
		if v := q.Get("caregiver"); v != "" && v != strconv.FormatInt(o.Caregiver, 10) {
			continue
		}
		out = append(out, *o)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) handleCreateOffer(w http.ResponseWriter, r *http.Request, uid int64) {
	var in model.OfferPayload
	if !decode(w, r, &in) {
		return
	}
	b.mu.Lock()
	caregiver := b.users[uid]
	_, reqOK := b.requests[in.ServiceRequest]
	dup := false
	for _, o := range b.offers {
		if o.ServiceRequest == in.ServiceRequest && o.Caregiver == uid {
			dup = true
		}
	}
	b.mu.Unlock()
	switch {
	case caregiver == nil || caregiver.user.UserType != model.Caregiver:
		writeJSON(w, http.StatusBadRequest, []string{"Only caregivers can make service offers."})
		return
	case !reqOK:
		writeJSON(w, http.StatusBadRequest, map[string][]string{
			"service_request": {fmt.Sprintf("Invalid pk \"%d\" - object does not exist.", in.ServiceRequest)},
		})
		return
	case dup:
		writeJSON(w, http.StatusBadRequest, map[string][]string{
			"non_field_errors": {"The fields service_request, caregiver must make a unique set."},
		})
		return
	}
	now := time.Now().UTC()
	created := b.AddOffer(model.ServiceOffer{
		ServiceRequest:    in.ServiceRequest,
		Caregiver:         uid,
		CaregiverUsername: caregiver.user.Username,
		Price:             in.Price,
		Message:           in.Message,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	writeJSON(w, http.StatusCreated, created)
}

func (b *Backend) handleUpdateOffer(w http.ResponseWriter, r *http.Request, uid int64) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var in model.OfferPayload
	if !decode(w, r, &in) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.offers[id]
	if !ok || o.Caregiver != uid {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return
	}
	if !o.Editable() {
		writeJSON(w, http.StatusBadRequest, []string{"Can only update pending or rejected offers."})
		return
	}
	o.Price, o.Message, o.UpdatedAt = in.Price, in.Message, time.Now().UTC()
	writeJSON(w, http.StatusOK, *o)
}

func (b *Backend) handleDeleteOffer(w http.ResponseWriter, r *http.Request, uid int64) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.offers[id]
	if !ok || o.Caregiver != uid {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return
	}
	delete(b.offers, id)
	w.WriteHeader(http.StatusNoContent)
}
