// Package market keeps the client's copy of the service request collection
// and the current user's offers, derives the filtered and sorted projection
// and reconciles local state after mutations.
package market

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	evbus "github.com/asaskevich/EventBus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/esracengel/PetBNB/internal/api"
	"github.com/esracengel/PetBNB/internal/errs"
	"github.com/esracengel/PetBNB/internal/model"
	"github.com/esracengel/PetBNB/internal/session"
	"github.com/esracengel/PetBNB/internal/validate"
)

// DefaultConcurrency bounds parallel offer lookups in ResolveOffers.
const DefaultConcurrency = 4

// resolveAttempts bounds how often an offer lookup is repeated when the
// collection changes underneath it.
const resolveAttempts = 3

// errMoved reports that the offer cache generation changed during a lookup.
var errMoved = errors.New("offer cache changed")

// Session is the part of the session store the synchronizer depends on.
type Session interface {
	Epoch() uint64
	User() *model.User
	Subscribe(fn func(session.Snapshot)) (cancel func())
}

// Confirmer approves destructive actions, typically by asking the user.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, prompt string) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, prompt string) (bool, error) { return f(ctx, prompt) }

// View is an immutable snapshot handed to renderers.
type View struct {
	Requests   []model.ServiceRequest
	Projection []model.ServiceRequest
	Filter     model.FilterCriteria
	Sort       model.SortKey
	// Offers maps a request id to the current user's offer on it; a present
	// nil entry means the user has no offer there.
	Offers map[int64]*model.ServiceOffer
}

const topicView = "market:view"

type offerKey struct{ request, caregiver int64 }

// Synchronizer owns the request collection. It is safe for concurrent use.
type Synchronizer struct {
	client      *api.Client
	sess        Session
	log         *zap.Logger
	bus         evbus.Bus
	concurrency int

	resolves singleflight.Group

	pub sync.Mutex

	mu       sync.Mutex
	raw      []model.ServiceRequest
	proj     []model.ServiceRequest
	filter   model.FilterCriteria
	sort     model.SortKey
	offers   map[int64]*model.ServiceOffer
	resolved map[offerKey]*model.ServiceOffer
	// gen changes whenever offer answers may have gone out of date; lookups
	// started under an older gen are not stored.
	gen      uint64
	inflight map[string]struct{}
	closed   bool

	unsubscribe func()
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Synchronizer) {
		if l != nil {
			s.log = l
		}
	}
}

// WithConcurrency bounds parallel offer lookups.
func WithConcurrency(n int) Option {
	return func(s *Synchronizer) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// New builds a synchronizer that empties itself whenever the session leaves
// the logged-in state.
func New(client *api.Client, sess Session, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		client:      client,
		sess:        sess,
		log:         zap.NewNop(),
		bus:         evbus.New(),
		concurrency: DefaultConcurrency,
		sort:        model.SortByStartDate,
		offers:      map[int64]*model.ServiceOffer{},
		resolved:    map[offerKey]*model.ServiceOffer{},
		inflight:    map[string]struct{}{},
	}
	for _, o := range opts {
		o(s)
	}
	s.unsubscribe = sess.Subscribe(func(snap session.Snapshot) {
		if snap.State != session.LoggedIn {
			s.reset()
		}
	})
	return s
}

// Close detaches the synchronizer. Calls completing afterwards are
// discarded with errs.ErrStale.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.unsubscribe()
}

// Subscribe registers fn for every published view and returns a func that
// stops delivery. fn must not call back into the Synchronizer's mutators.
func (s *Synchronizer) Subscribe(fn func(View)) (cancel func()) {
	var off atomic.Bool
	handler := func(v View) {
		if !off.Load() {
			fn(v)
		}
	}
	if err := s.bus.Subscribe(topicView, handler); err != nil {
		s.log.Error("subscribe", zap.Error(err))
	}
	return func() { off.Store(true) }
}

// View returns the current snapshot.
func (s *Synchronizer) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Synchronizer) viewLocked() View {
	offers := make(map[int64]*model.ServiceOffer, len(s.offers))
	for k, v := range s.offers {
		offers[k] = v
	}
	return View{
		Requests:   append([]model.ServiceRequest(nil), s.raw...),
		Projection: append([]model.ServiceRequest(nil), s.proj...),
		Filter:     s.filter,
		Sort:       s.sort,
		Offers:     offers,
	}
}

// commit applies mutate under the lock and publishes the new view when
// mutate succeeds.
func (s *Synchronizer) commit(mutate func() error) error {
	s.pub.Lock()
	defer s.pub.Unlock()

	s.mu.Lock()
	if err := mutate(); err != nil {
		s.mu.Unlock()
		return err
	}
	v := s.viewLocked()
	s.mu.Unlock()

	s.bus.Publish(topicView, v)
	return nil
}

// liveLocked reports whether a result obtained under epoch may still be applied.
func (s *Synchronizer) liveLocked(epoch uint64) bool {
	return !s.closed && s.sess.Epoch() == epoch
}

// start captures the liveness token for an operation.
func (s *Synchronizer) start() (uint64, error) {
	epoch := s.sess.Epoch()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errs.ErrStale
	}
	return epoch, nil
}

// begin marks key as in flight; a second begin for the same key fails with
// errs.ErrBusy until done is called.
func (s *Synchronizer) begin(key string) (done func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[key]; ok {
		return nil, fmt.Errorf("%s: %w", key, errs.ErrBusy)
	}
	s.inflight[key] = struct{}{}
	return func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
	}, nil
}

func (s *Synchronizer) reset() {
	_ = s.commit(func() error {
		s.raw, s.proj = nil, nil
		s.offers = map[int64]*model.ServiceOffer{}
		s.resolved = map[offerKey]*model.ServiceOffer{}
		s.gen++
		return nil
	})
	s.log.Debug("collections cleared")
}

// LoadRequests replaces the local collection with the backend's.
func (s *Synchronizer) LoadRequests(ctx context.Context) ([]model.ServiceRequest, error) {
	epoch, err := s.start()
	if err != nil {
		return nil, err
	}
	items, err := s.client.ListRequests(ctx)
	if err != nil {
		return nil, err
	}

	err = s.commit(func() error {
		if !s.liveLocked(epoch) {
			return errs.ErrStale
		}
		s.raw = items
		s.proj = Project(s.raw, s.filter, s.sort)
		s.resolved = map[offerKey]*model.ServiceOffer{}
		s.gen++
		present := make(map[int64]bool, len(items))
		for _, r := range items {
			present[r.ID] = true
		}
		for id := range s.offers {
			if !present[id] {
				delete(s.offers, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("requests loaded", zap.Int("count", len(items)))
	return append([]model.ServiceRequest(nil), items...), nil
}

// SetFilter replaces the filter and recomputes the projection.
func (s *Synchronizer) SetFilter(f model.FilterCriteria) {
	_ = s.commit(func() error {
		s.filter = f
		s.proj = Project(s.raw, s.filter, s.sort)
		return nil
	})
}

// SetSort replaces the sort key and recomputes the projection.
func (s *Synchronizer) SetSort(key model.SortKey) error {
	k, err := model.ParseSortKey(string(key))
	if err != nil {
		return &errs.ValidationError{Fields: map[string]string{"sort": err.Error()}}
	}
	return s.commit(func() error {
		s.sort = k
		s.proj = Project(s.raw, s.filter, s.sort)
		return nil
	})
}

// CreateRequest validates and posts a new request, then reloads the
// collection. Nothing is inserted locally before the reload.
func (s *Synchronizer) CreateRequest(ctx context.Context, f model.RequestFields) (*model.ServiceRequest, error) {
	if err := validate.Request(f); err != nil {
		return nil, err
	}
	done, err := s.begin("request:new")
	if err != nil {
		return nil, err
	}
	defer done()
	if _, err := s.start(); err != nil {
		return nil, err
	}

	created, err := s.client.CreateRequest(ctx, f)
	if err != nil {
		return nil, err
	}
	s.log.Info("request created", zap.Int64("request_id", created.ID))
	if _, err := s.LoadRequests(ctx); err != nil {
		return created, fmt.Errorf("reload after create: %w", err)
	}
	return created, nil
}

// DeleteRequest asks c for confirmation, deletes the request and removes it
// locally without a reload.
func (s *Synchronizer) DeleteRequest(ctx context.Context, id int64, c Confirmer) error {
	done, err := s.begin("request:" + strconv.FormatInt(id, 10))
	if err != nil {
		return err
	}
	defer done()
	epoch, err := s.start()
	if err != nil {
		return err
	}

	ok, err := c.Confirm(ctx, fmt.Sprintf("Delete service request %d?", id))
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrCancelled
	}
	if err := s.client.DeleteRequest(ctx, id); err != nil {
		return err
	}

	err = s.commit(func() error {
		if !s.liveLocked(epoch) {
			return errs.ErrStale
		}
		s.raw = without(s.raw, id)
		s.proj = without(s.proj, id)
		delete(s.offers, id)
		s.gen++
		for k := range s.resolved {
			if k.request == id {
				delete(s.resolved, k)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info("request deleted", zap.Int64("request_id", id))
	return nil
}

func without(items []model.ServiceRequest, id int64) []model.ServiceRequest {
	out := make([]model.ServiceRequest, 0, len(items))
	for _, r := range items {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return out
}

// ResolveOfferFor returns the user's offer on the request, or nil when there
// is none or the user is not a caregiver.
func (s *Synchronizer) ResolveOfferFor(ctx context.Context, req model.ServiceRequest, user *model.User) (*model.ServiceOffer, error) {
	if !user.IsCaregiver() {
		return nil, nil
	}
	epoch, err := s.start()
	if err != nil {
		return nil, err
	}
	for attempt := 1; ; attempt++ {
		o, gen, err := s.resolve(ctx, epoch, req.ID, user.ID)
		if err != nil {
			return nil, err
		}
		err = s.commit(func() error {
			if !s.liveLocked(epoch) {
				return errs.ErrStale
			}
			if s.gen != gen {
				return errMoved
			}
			s.offers[req.ID] = o
			return nil
		})
		if errors.Is(err, errMoved) && attempt < resolveAttempts {
			continue
		}
		if err != nil {
			return nil, stale(err)
		}
		return o, nil
	}
}

// stale maps a lookup that never settled to errs.ErrStale.
func stale(err error) error {
	if errors.Is(err, errMoved) {
		return fmt.Errorf("resolve offer: %w", errs.ErrStale)
	}
	return err
}

// ResolveOffers looks up the user's offer on every projected request in
// parallel and publishes the complete map at once. Nothing is published if
// any lookup fails.
func (s *Synchronizer) ResolveOffers(ctx context.Context, user *model.User) (map[int64]*model.ServiceOffer, error) {
	epoch, err := s.start()
	if err != nil {
		return nil, err
	}

	var m map[int64]*model.ServiceOffer
	for attempt := 1; ; attempt++ {
		m, err = s.resolveAll(ctx, epoch, user)
		if errors.Is(err, errMoved) && attempt < resolveAttempts {
			continue
		}
		if err != nil {
			return nil, stale(err)
		}
		break
	}
	out := make(map[int64]*model.ServiceOffer, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out, nil
}

// resolveAll runs one batch over the current projection and publishes it
// when no mutation intervened.
func (s *Synchronizer) resolveAll(ctx context.Context, epoch uint64, user *model.User) (map[int64]*model.ServiceOffer, error) {
	s.mu.Lock()
	reqs := append([]model.ServiceRequest(nil), s.proj...)
	gen := s.gen
	s.mu.Unlock()

	found := make([]*model.ServiceOffer, len(reqs))
	if user.IsCaregiver() {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.concurrency)
		for i, r := range reqs {
			g.Go(func() error {
				o, got, err := s.resolve(gctx, epoch, r.ID, user.ID)
				if err == nil && got != gen {
					err = errMoved
				}
				found[i] = o
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	m := make(map[int64]*model.ServiceOffer, len(reqs))
	if user.IsCaregiver() {
		for i, r := range reqs {
			m[r.ID] = found[i]
		}
	}
	err := s.commit(func() error {
		if !s.liveLocked(epoch) {
			return errs.ErrStale
		}
		if s.gen != gen {
			return errMoved
		}
		s.offers = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// resolve queries the backend for the (request, caregiver) offer and
// returns it with the cache generation it belongs to. Identical concurrent
// lookups share one call, which outlives a cancelled caller. Answers are
// cached until the next reload, offer mutation or logout.
func (s *Synchronizer) resolve(ctx context.Context, epoch uint64, requestID, caregiverID int64) (*model.ServiceOffer, uint64, error) {
	key := offerKey{requestID, caregiverID}
	s.mu.Lock()
	gen := s.gen
	o, ok := s.resolved[key]
	s.mu.Unlock()
	if ok {
		return o, gen, nil
	}

	sfKey := fmt.Sprintf("%d:%d:%d:%d", epoch, gen, requestID, caregiverID)
	ch := s.resolves.DoChan(sfKey, func() (any, error) {
		list, err := s.client.QueryOffers(context.WithoutCancel(ctx), requestID, caregiverID)
		if err != nil {
			return nil, err
		}
		var found *model.ServiceOffer
		for i := range list {
			if list[i].ServiceRequest == requestID && list[i].Caregiver == caregiverID {
				found = &list[i]
				break
			}
		}
		s.mu.Lock()
		if s.liveLocked(epoch) && s.gen == gen {
			s.resolved[key] = found
		}
		s.mu.Unlock()
		return found, nil
	})
	select {
	case <-ctx.Done():
		return nil, gen, fmt.Errorf("resolve offer: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, gen, res.Err
		}
		return res.Val.(*model.ServiceOffer), gen, nil
	}
}

// SubmitOffer validates values and creates an offer on req, or updates
// existing when it is set, then reloads the collection so the request's
// counts are current. On failure no local state changes.
func (s *Synchronizer) SubmitOffer(ctx context.Context, values model.OfferValues, req model.ServiceRequest, existing *model.ServiceOffer) (*model.ServiceOffer, error) {
	if err := validate.Offer(values); err != nil {
		return nil, err
	}
	key := "offer:new:" + strconv.FormatInt(req.ID, 10)
	if existing != nil {
		key = "offer:" + strconv.FormatInt(existing.ID, 10)
	}
	done, err := s.begin(key)
	if err != nil {
		return nil, err
	}
	defer done()
	epoch, err := s.start()
	if err != nil {
		return nil, err
	}
	user := s.sess.User()
	if user == nil {
		return nil, fmt.Errorf("submit offer: %w", errs.ErrAuthExpired)
	}

	payload := model.OfferPayload{
		Price:          values.Price,
		Message:        values.Message,
		Caregiver:      user.ID,
		ServiceRequest: req.ID,
	}
	var o *model.ServiceOffer
	if existing == nil {
		o, err = s.client.CreateOffer(ctx, payload)
	} else {
		o, err = s.client.UpdateOffer(ctx, existing.ID, payload)
	}
	if err != nil {
		return nil, err
	}

	err = s.commit(func() error {
		if !s.liveLocked(epoch) {
			return errs.ErrStale
		}
		s.offers[req.ID] = o
		s.gen++
		delete(s.resolved, offerKey{req.ID, user.ID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("offer submitted", zap.Int64("offer_id", o.ID), zap.Int64("request_id", req.ID), zap.Bool("update", existing != nil))
	if _, err := s.LoadRequests(ctx); err != nil {
		return o, fmt.Errorf("reload after offer: %w", err)
	}
	return o, nil
}

// DeleteOffer asks c for confirmation, withdraws the offer and reloads.
func (s *Synchronizer) DeleteOffer(ctx context.Context, id int64, c Confirmer) error {
	done, err := s.begin("offer:" + strconv.FormatInt(id, 10))
	if err != nil {
		return err
	}
	defer done()
	epoch, err := s.start()
	if err != nil {
		return err
	}

	ok, err := c.Confirm(ctx, fmt.Sprintf("Withdraw offer %d?", id))
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrCancelled
	}
	if err := s.client.DeleteOffer(ctx, id); err != nil {
		return err
	}

	err = s.commit(func() error {
		if !s.liveLocked(epoch) {
			return errs.ErrStale
		}
		for rid, o := range s.offers {
			if o != nil && o.ID == id {
				s.offers[rid] = nil
			}
		}
		s.gen++
		for k, o := range s.resolved {
			if o != nil && o.ID == id {
				delete(s.resolved, k)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info("offer withdrawn", zap.Int64("offer_id", id))
	if _, err := s.LoadRequests(ctx); err != nil {
		return fmt.Errorf("reload after withdraw: %w", err)
	}
	return nil
}
