package market

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/esracengel/PetBNB/internal/api"
	"github.com/esracengel/PetBNB/internal/apitest"
	"github.com/esracengel/PetBNB/internal/credstore"
	"github.com/esracengel/PetBNB/internal/errs"
	"github.com/esracengel/PetBNB/internal/model"
	"github.com/esracengel/PetBNB/internal/session"
)

type env struct {
	be    *apitest.Backend
	sess  *session.Store
	sync  *Synchronizer
	owner model.User
	care  model.User
}

// newEnv logs in as the user of the given type; the other account exists too.
func newEnv(t *testing.T, as model.UserType, opts ...api.Option) *env {
	t.Helper()
	be := apitest.New(t)
	tokens := credstore.NewMemory()
	log := zaptest.NewLogger(t)
	exec, err := api.NewExecutor(be.URL(), tokens, append([]api.Option{api.WithLogger(log)}, opts...)...)
	require.NoError(t, err)
	client := api.NewClient(exec)
	sess := session.New(client, tokens, log)

	e := &env{
		be:    be,
		sess:  sess,
		sync:  New(client, sess, WithLogger(log), WithConcurrency(2)),
		owner: be.AddUser("owner@example.com", "owner", "secret123", model.PetOwner),
		care:  be.AddUser("care@example.com", "care", "secret123", model.Caregiver),
	}
	t.Cleanup(e.sync.Close)

	login := e.owner
	if as == model.Caregiver {
		login = e.care
	}
	_, err = sess.Login(context.Background(), be.Issue(login.ID))
	require.NoError(t, err)
	return e
}

func (e *env) addRequest(pet, start, end string) model.ServiceRequest {
	return e.be.AddRequest(model.ServiceRequest{
		Owner: e.owner.ID, PetType: pet, Location: "Kadikoy", Description: "please",
		StartDate: model.MustDate(start), EndDate: model.MustDate(end),
	})
}

func confirm(answer bool) (Confirmer, *int) {
	n := 0
	return ConfirmFunc(func(context.Context, string) (bool, error) {
		n++
		return answer, nil
	}), &n
}

func TestLoadRequests_FilterAndSortAreLocal(t *testing.T) {
	e := newEnv(t, model.PetOwner)
	e.addRequest("Cat", "2024-06-01", "2024-07-01")
	e.addRequest("Cat", "2024-06-10", "2024-06-01")
	ctx := context.Background()

	got, err := e.sync.LoadRequests(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	calls := e.be.Calls(apitest.RouteListRequests)

	e.sync.SetFilter(model.FilterCriteria{StartDate: model.MustDate("2024-06-05")})
	v := e.sync.View()
	require.Len(t, v.Requests, 2)
	require.Len(t, v.Projection, 1)
	require.Equal(t, "2024-06-10", v.Projection[0].StartDate.String())

	e.sync.SetFilter(model.FilterCriteria{})
	require.NoError(t, e.sync.SetSort(model.SortByEndDate))
	v = e.sync.View()
	require.Equal(t, "2024-06-01", v.Projection[0].EndDate.String())
	require.Equal(t, model.SortByEndDate, v.Sort)

	var verr *errs.ValidationError
	require.ErrorAs(t, e.sync.SetSort("price"), &verr)
	require.Equal(t, model.SortByEndDate, e.sync.View().Sort)

	require.Equal(t, calls, e.be.Calls(apitest.RouteListRequests), "filtering and sorting never hit the network")
}

func TestLoadRequests_FailureKeepsState(t *testing.T) {
	e := newEnv(t, model.PetOwner)
	e.addRequest("Cat", "2024-06-01", "2024-06-02")
	ctx := context.Background()
	_, err := e.sync.LoadRequests(ctx)
	require.NoError(t, err)

	e.be.Fail(apitest.RouteListRequests, 500, `{"detail":"down"}`, 1)
	_, err = e.sync.LoadRequests(ctx)
	require.ErrorIs(t, err, errs.ErrRequestRejected)
	require.Len(t, e.sync.View().Requests, 1)
}

func TestCreateRequest(t *testing.T) {
	e := newEnv(t, model.PetOwner)
	ctx := context.Background()

	_, err := e.sync.CreateRequest(ctx, model.RequestFields{PetType: "Dog", Location: "x", Description: "y",
		StartDate: model.MustDate("2024-06-10"), EndDate: model.MustDate("2024-06-01")})
	var verr *errs.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "Required for dogs", verr.Fields["pet_breed"])
	require.Equal(t, "End date can't be before start date", verr.Fields["end_date"])
	require.Zero(t, e.be.Calls(apitest.RouteCreateRequest))

	entered, release := e.be.Hold(apitest.RouteListRequests)
	done := make(chan error, 1)
	go func() {
		_, err := e.sync.CreateRequest(ctx, model.RequestFields{PetType: "Cat", Location: "Moda", Description: "one cat",
			StartDate: model.MustDate("2024-06-01"), EndDate: model.MustDate("2024-06-03")})
		done <- err
	}()
	<-entered
	require.Len(t, e.be.Requests(), 1, "created on the backend")
	require.Empty(t, e.sync.View().Requests, "no optimistic insert before the reload")
	release()
	require.NoError(t, <-done)

	v := e.sync.View()
	require.Len(t, v.Requests, 1)
	require.Equal(t, "owner", v.Requests[0].OwnerDisplayName)
}

func TestDeleteRequest(t *testing.T) {
	e := newEnv(t, model.PetOwner)
	a := e.addRequest("Cat", "2024-06-01", "2024-06-02")
	b := e.addRequest("Dog", "2024-06-03", "2024-06-04")
	ctx := context.Background()
	_, err := e.sync.LoadRequests(ctx)
	require.NoError(t, err)
	loads := e.be.Calls(apitest.RouteListRequests)

	no, asked := confirm(false)
	require.ErrorIs(t, e.sync.DeleteRequest(ctx, a.ID, no), errs.ErrCancelled)
	require.Equal(t, 1, *asked)
	require.Zero(t, e.be.Calls(apitest.RouteDeleteRequest))

	yes, _ := confirm(true)
	require.NoError(t, e.sync.DeleteRequest(ctx, a.ID, yes))
	v := e.sync.View()
	require.Equal(t, []int64{b.ID}, ids(v.Requests))
	require.Equal(t, []int64{b.ID}, ids(v.Projection))
	require.Equal(t, loads, e.be.Calls(apitest.RouteListRequests), "removal is local")

	e.be.Fail(apitest.RouteDeleteRequest, 403, `{"detail":"You do not have permission to perform this action."}`, 1)
	err = e.sync.DeleteRequest(ctx, b.ID, yes)
	require.ErrorIs(t, err, errs.ErrRequestRejected)
	require.Equal(t, []int64{b.ID}, ids(e.sync.View().Requests), "failure leaves state unchanged")
}

func TestResolveOfferFor(t *testing.T) {
	e := newEnv(t, model.Caregiver)
	r1 := e.addRequest("Cat", "2024-06-01", "2024-06-02")
	r2 := e.addRequest("Dog", "2024-06-03", "2024-06-04")
	other := e.be.AddUser("other@example.com", "other", "secret123", model.Caregiver)
	mine := e.be.AddOffer(model.ServiceOffer{ServiceRequest: r1.ID, Caregiver: e.care.ID, Price: 1000, Message: "happy to help"})
	e.be.AddOffer(model.ServiceOffer{ServiceRequest: r1.ID, Caregiver: other.ID, Price: 900, Message: "me as well!!"})
	ctx := context.Background()
	user := e.sess.User()

	o, err := e.sync.ResolveOfferFor(ctx, r1, user)
	require.NoError(t, err)
	require.Equal(t, mine.ID, o.ID)

	o, err = e.sync.ResolveOfferFor(ctx, r2, user)
	require.NoError(t, err)
	require.Nil(t, o)

	calls := e.be.Calls(apitest.RouteListOffers)
	_, err = e.sync.ResolveOfferFor(ctx, r1, user)
	require.NoError(t, err)
	require.Equal(t, calls, e.be.Calls(apitest.RouteListOffers), "answers are cached until a reload")

	ownerUser := e.owner
	o, err = e.sync.ResolveOfferFor(ctx, r1, &ownerUser)
	require.NoError(t, err)
	require.Nil(t, o, "pet owners never have offers")
	require.Equal(t, calls, e.be.Calls(apitest.RouteListOffers))

	v := e.sync.View()
	require.Equal(t, mine.ID, v.Offers[r1.ID].ID)
	require.Contains(t, v.Offers, r2.ID)
	require.Nil(t, v.Offers[r2.ID])
}

// gate holds the client side of the first offers query until open is
// closed. The backend has already answered by then.
type gate struct {
	once sync.Once
	got  chan struct{}
	open chan struct{}
}

func newGate() *gate { return &gate{got: make(chan struct{}), open: make(chan struct{})} }

func (g *gate) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := http.DefaultTransport.RoundTrip(r)
	if err != nil || r.Method != http.MethodGet || r.URL.Path != "/services/service-offers/" {
		return resp, err
	}
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.got)
		<-g.open
	}
	return resp, nil
}

func (g *gate) wait(t *testing.T) {
	t.Helper()
	select {
	case <-g.got:
	case <-time.After(5 * time.Second):
		t.Fatal("offers query never sent")
	}
}

type resolved struct {
	offer *model.ServiceOffer
	err   error
}

func TestResolveOfferFor_SubmitDuringLookup(t *testing.T) {
	g := newGate()
	e := newEnv(t, model.Caregiver, api.WithHTTPClient(&http.Client{Transport: g}))
	r := e.addRequest("Cat", "2024-06-01", "2024-06-02")
	ctx := context.Background()
	_, err := e.sync.LoadRequests(ctx)
	require.NoError(t, err)
	user := e.sess.User()

	out := make(chan resolved, 1)
	go func() {
		o, err := e.sync.ResolveOfferFor(ctx, r, user)
		out <- resolved{o, err}
	}()
	g.wait(t) // the backend answered "no offer"

	o, err := e.sync.SubmitOffer(ctx, model.OfferValues{Price: 1500, Message: "I can take care"}, r, nil)
	require.NoError(t, err)
	close(g.open)

	res := <-out
	require.NoError(t, res.err)
	require.NotNil(t, res.offer, "an answer from before the submit is not kept")
	require.Equal(t, o.ID, res.offer.ID)
	require.Equal(t, o.ID, e.sync.View().Offers[r.ID].ID)

	again, err := e.sync.ResolveOfferFor(ctx, r, user)
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, o.ID, again.ID)
}

func TestResolveOfferFor_CancelledCallerDoesNotFailOthers(t *testing.T) {
	g := newGate()
	e := newEnv(t, model.Caregiver, api.WithHTTPClient(&http.Client{Transport: g}))
	r := e.addRequest("Cat", "2024-06-01", "2024-06-02")
	_, err := e.sync.LoadRequests(context.Background())
	require.NoError(t, err)
	user := e.sess.User()

	cctx, cancel := context.WithCancel(context.Background())
	first := make(chan resolved, 1)
	go func() {
		o, err := e.sync.ResolveOfferFor(cctx, r, user)
		first <- resolved{o, err}
	}()
	g.wait(t)

	second := make(chan resolved, 1)
	go func() {
		o, err := e.sync.ResolveOfferFor(context.Background(), r, user)
		second <- resolved{o, err}
	}()
	cancel()
	res := <-first
	require.ErrorIs(t, res.err, context.Canceled)

	close(g.open)
	res = <-second
	require.NoError(t, res.err)
	require.Nil(t, res.offer)
	require.Equal(t, 1, e.be.Calls(apitest.RouteListOffers), "the shared lookup completed and was cached")
}

func TestResolveOffers_PublishesCompleteMap(t *testing.T) {
	e := newEnv(t, model.Caregiver)
	var reqs []model.ServiceRequest
	for _, d := range []string{"2024-06-01", "2024-06-02", "2024-06-03", "2024-06-04", "2024-06-05"} {
		reqs = append(reqs, e.addRequest("Cat", d, d))
	}
	e.be.AddOffer(model.ServiceOffer{ServiceRequest: reqs[2].ID, Caregiver: e.care.ID, Price: 500, Message: "ten chars ok"})
	ctx := context.Background()
	_, err := e.sync.LoadRequests(ctx)
	require.NoError(t, err)

	var mu sync.Mutex
	var sizes []int
	e.sync.Subscribe(func(v View) {
		mu.Lock()
		defer mu.Unlock()
		sizes = append(sizes, len(v.Offers))
	})

	m, err := e.sync.ResolveOffers(ctx, e.sess.User())
	require.NoError(t, err)
	require.Len(t, m, len(reqs))
	require.NotNil(t, m[reqs[2].ID])
	require.Nil(t, m[reqs[0].ID])
	require.Equal(t, len(reqs), e.be.Calls(apitest.RouteListOffers))

	mu.Lock()
	require.Equal(t, []int{len(reqs)}, sizes, "the map is published once and whole")
	mu.Unlock()
}

func TestResolveOffers_FailurePublishesNothing(t *testing.T) {
	e := newEnv(t, model.Caregiver)
	e.addRequest("Cat", "2024-06-01", "2024-06-02")
	e.addRequest("Cat", "2024-06-03", "2024-06-04")
	ctx := context.Background()
	_, err := e.sync.LoadRequests(ctx)
	require.NoError(t, err)

	e.be.Fail(apitest.RouteListOffers, 500, "", 0)
	_, err = e.sync.ResolveOffers(ctx, e.sess.User())
	require.ErrorIs(t, err, errs.ErrRequestRejected)
	require.Empty(t, e.sync.View().Offers)
}

func TestSubmitOffer(t *testing.T) {
	e := newEnv(t, model.Caregiver)
	r := e.addRequest("Cat", "2024-06-01", "2024-06-02")
	ctx := context.Background()
	_, err := e.sync.LoadRequests(ctx)
	require.NoError(t, err)

	_, err = e.sync.SubmitOffer(ctx, model.OfferValues{Price: 0, Message: "long enough message"}, r, nil)
	var verr *errs.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "Minimum price is $0.01", verr.Fields["price"])
	require.Zero(t, e.be.Calls(apitest.RouteCreateOffer))
	require.Zero(t, e.be.Calls(apitest.RouteUpdateOffer))

	existing, err := e.sync.ResolveOfferFor(ctx, r, e.sess.User())
	require.NoError(t, err)
	require.Nil(t, existing)

	o, err := e.sync.SubmitOffer(ctx, model.OfferValues{Price: 1500, Message: "I can take care"}, r, existing)
	require.NoError(t, err)
	require.Equal(t, model.Price(1500), o.Price)
	v := e.sync.View()
	require.Equal(t, 1, v.Requests[0].TotalOffersCount, "counts come from the reload")
	require.Equal(t, o.ID, v.Offers[r.ID].ID)

	existing, err = e.sync.ResolveOfferFor(ctx, r, e.sess.User())
	require.NoError(t, err)
	require.Equal(t, o.ID, existing.ID)

	o2, err := e.sync.SubmitOffer(ctx, model.OfferValues{Price: 1200, Message: "I can take care, cheaper"}, r, existing)
	require.NoError(t, err)
	require.Equal(t, o.ID, o2.ID)
	require.Equal(t, 1, e.be.Calls(apitest.RouteCreateOffer))
	require.Equal(t, 1, e.be.Calls(apitest.RouteUpdateOffer))
	require.Len(t, e.be.Offers(), 1)

	// a create that should have been an update is refused and changes nothing
	before := e.sync.View()
	_, err = e.sync.SubmitOffer(ctx, model.OfferValues{Price: 1000, Message: "once more please"}, r, nil)
	require.ErrorIs(t, err, errs.ErrRequestRejected)
	require.Equal(t, "The fields service_request, caregiver must make a unique set.", errs.Detail(err))
	require.Equal(t, before, e.sync.View())
}

func TestSubmitOffer_Busy(t *testing.T) {
	e := newEnv(t, model.Caregiver)
	r := e.addRequest("Cat", "2024-06-01", "2024-06-02")
	ctx := context.Background()
	values := model.OfferValues{Price: 1500, Message: "I can take care"}

	entered, release := e.be.Hold(apitest.RouteCreateOffer)
	done := make(chan error, 1)
	go func() {
		_, err := e.sync.SubmitOffer(ctx, values, r, nil)
		done <- err
	}()
	<-entered
	_, err := e.sync.SubmitOffer(ctx, values, r, nil)
	require.ErrorIs(t, err, errs.ErrBusy)
	require.Equal(t, 1, e.be.Calls(apitest.RouteCreateOffer))
	release()
	require.NoError(t, <-done)

	// the guard is released once the first submission resolves
	o := e.be.Offers()[0]
	_, err = e.sync.SubmitOffer(ctx, values, r, &o)
	require.NoError(t, err)
}

func TestDeleteOffer(t *testing.T) {
	e := newEnv(t, model.Caregiver)
	r := e.addRequest("Cat", "2024-06-01", "2024-06-02")
	o := e.be.AddOffer(model.ServiceOffer{ServiceRequest: r.ID, Caregiver: e.care.ID, Price: 1000, Message: "happy to help"})
	ctx := context.Background()
	_, err := e.sync.LoadRequests(ctx)
	require.NoError(t, err)
	_, err = e.sync.ResolveOffers(ctx, e.sess.User())
	require.NoError(t, err)
	require.Equal(t, 1, e.sync.View().Requests[0].TotalOffersCount)

	no, _ := confirm(false)
	require.ErrorIs(t, e.sync.DeleteOffer(ctx, o.ID, no), errs.ErrCancelled)
	require.Zero(t, e.be.Calls(apitest.RouteDeleteOffer))

	yes, _ := confirm(true)
	require.NoError(t, e.sync.DeleteOffer(ctx, o.ID, yes))
	v := e.sync.View()
	require.Nil(t, v.Offers[r.ID])
	require.Zero(t, v.Requests[0].TotalOffersCount)

	got, err := e.sync.ResolveOfferFor(ctx, r, e.sess.User())
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestLogoutDiscardsInFlightLoad(t *testing.T) {
	e := newEnv(t, model.PetOwner)
	e.addRequest("Cat", "2024-06-01", "2024-06-02")
	ctx := context.Background()
	_, err := e.sync.LoadRequests(ctx)
	require.NoError(t, err)
	require.Len(t, e.sync.View().Requests, 1)

	entered, release := e.be.Hold(apitest.RouteListRequests)
	done := make(chan error, 1)
	go func() {
		_, err := e.sync.LoadRequests(ctx)
		done <- err
	}()
	<-entered
	e.sess.Logout()
	require.Empty(t, e.sync.View().Requests, "logout clears the collections")
	release()

	require.ErrorIs(t, <-done, errs.ErrStale)
	require.Empty(t, e.sync.View().Requests)
}

func TestClose(t *testing.T) {
	e := newEnv(t, model.PetOwner)
	e.addRequest("Cat", "2024-06-01", "2024-06-02")
	ctx := context.Background()

	entered, release := e.be.Hold(apitest.RouteListRequests)
	done := make(chan error, 1)
	go func() {
		_, err := e.sync.LoadRequests(ctx)
		done <- err
	}()
	<-entered
	e.sync.Close()
	release()
	require.True(t, errors.Is(<-done, errs.ErrStale))
	require.Empty(t, e.sync.View().Requests)

	_, err := e.sync.LoadRequests(ctx)
	require.ErrorIs(t, err, errs.ErrStale)
}
