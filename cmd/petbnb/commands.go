package main

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/esracengel/PetBNB/internal/errs"
	"github.com/esracengel/PetBNB/internal/model"
	"github.com/esracengel/PetBNB/internal/validate"
)

func (a *app) flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(a.errOut)
	return fs
}

func parse(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return usageErr("%s: %v", fs.Name(), err)
	}
	return nil
}

func (a *app) register(ctx context.Context, args []string) error {
	fs := a.flags("register")
	email := fs.String("email", "", "email")
	username := fs.String("username", "", "username")
	password := fs.String("password", "", "password (prompted when empty)")
	typ := fs.String("type", "", "petowner or caregiver")
	if err := parse(fs, args); err != nil {
		return err
	}

	r := model.Registration{Email: *email, Username: *username, Password: *password, UserType: model.UserType(*typ)}
	if r.Password == "" {
		var err error
		if r.Password, err = a.readSecret("Password: "); err != nil {
			return err
		}
		if r.RePassword, err = a.readSecret("Repeat password: "); err != nil {
			return err
		}
	} else {
		r.RePassword = r.Password
	}

	u, err := a.sess.Register(ctx, r)
	if err != nil {
		return err
	}
	a.printJSON(u)
	return nil
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := a.flags("login")
	email := fs.String("email", "", "email")
	password := fs.String("password", "", "password (prompted when empty)")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *password == "" {
		p, err := a.readSecret("Password: ")
		if err != nil {
			return err
		}
		*password = p
	}

	u, err := a.sess.Authenticate(ctx, model.Credentials{Email: *email, Password: *password})
	if err != nil {
		return err
	}
	a.printJSON(u)
	return nil
}

func (a *app) logout(_ context.Context, args []string) error {
	if err := parse(a.flags("logout"), args); err != nil {
		return err
	}
	a.sess.Logout()
	fmt.Fprintln(a.out, "ok")
	return nil
}

// currentUser verifies the stored session and requires a logged-in user.
func (a *app) currentUser(ctx context.Context) (*model.User, error) {
	u, err := a.sess.Verify(ctx)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("not logged in: %w", errs.ErrAuthExpired)
	}
	return u, nil
}

func (a *app) whoami(ctx context.Context, args []string) error {
	if err := parse(a.flags("whoami"), args); err != nil {
		return err
	}
	u, err := a.currentUser(ctx)
	if err != nil {
		return err
	}
	a.printJSON(u)
	return nil
}

type listing struct {
	Requests []model.ServiceRequest       `json:"requests"`
	Offers   map[int64]*model.ServiceOffer `json:"offers,omitempty"`
}

func (a *app) requests(ctx context.Context, args []string) error {
	fs := a.flags("requests")
	pet := fs.String("pet-type", "", "exact pet type")
	loc := fs.String("location", "", "location substring")
	start := fs.String("start", "", "start on or after (YYYY-MM-DD)")
	end := fs.String("end", "", "end on or before (YYYY-MM-DD)")
	sortKey := fs.String("sort", string(model.SortByStartDate), "startDate or endDate")
	withOffers := fs.Bool("offers", false, "resolve your offer on each request (caregivers)")
	if err := parse(fs, args); err != nil {
		return err
	}

	f := model.FilterCriteria{PetType: *pet, Location: *loc}
	var err error
	if f.StartDate, err = model.ParseDate(*start); err != nil {
		return &errs.ValidationError{Fields: map[string]string{"start": err.Error()}}
	}
	if f.EndDate, err = model.ParseDate(*end); err != nil {
		return &errs.ValidationError{Fields: map[string]string{"end": err.Error()}}
	}
	if err := a.market.SetSort(model.SortKey(*sortKey)); err != nil {
		return err
	}
	a.market.SetFilter(f)

	u, err := a.currentUser(ctx)
	if err != nil {
		return err
	}
	if _, err := a.market.LoadRequests(ctx); err != nil {
		return err
	}
	out := listing{Requests: a.market.View().Projection}
	if *withOffers && u.IsCaregiver() {
		if out.Offers, err = a.market.ResolveOffers(ctx, u); err != nil {
			return err
		}
	}
	a.printJSON(out)
	return nil
}

func (a *app) requestAdd(ctx context.Context, args []string) error {
	fs := a.flags("request-add")
	pet := fs.String("pet-type", "", "one of Cat, Dog, Bird, Fish, Turtle, Hamster")
	breed := fs.String("breed", "", "breed (required for dogs)")
	start := fs.String("start", "", "start date (YYYY-MM-DD)")
	end := fs.String("end", "", "end date (YYYY-MM-DD)")
	loc := fs.String("location", "", "location")
	desc := fs.String("description", "", "description")
	if err := parse(fs, args); err != nil {
		return err
	}

	fields := model.RequestFields{PetType: *pet, PetBreed: *breed, Location: *loc, Description: *desc}
	bad := map[string]string{}
	var err error
	if fields.StartDate, err = model.ParseDate(*start); err != nil {
		bad["start_date"] = err.Error()
	}
	if fields.EndDate, err = model.ParseDate(*end); err != nil {
		bad["end_date"] = err.Error()
	}
	if len(bad) > 0 {
		return &errs.ValidationError{Fields: bad}
	}

	created, err := a.market.CreateRequest(ctx, fields)
	if err != nil {
		return err
	}
	a.printJSON(created)
	return nil
}

func (a *app) requestRm(ctx context.Context, args []string) error {
	fs := a.flags("request-rm")
	id := fs.Int64("id", 0, "request id")
	yes := fs.Bool("yes", false, "do not ask for confirmation")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *id <= 0 {
		return usageErr("request-rm: need --id")
	}
	if err := a.market.DeleteRequest(ctx, *id, a.confirmer(*yes)); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "ok")
	return nil
}

// findRequest loads the collection and returns the request with id.
func (a *app) findRequest(ctx context.Context, id int64) (model.ServiceRequest, error) {
	items, err := a.market.LoadRequests(ctx)
	if err != nil {
		return model.ServiceRequest{}, err
	}
	for _, r := range items {
		if r.ID == id {
			return r, nil
		}
	}
	return model.ServiceRequest{}, fmt.Errorf("service request %d: %w", id, errs.ErrNotFound)
}

func (a *app) offerShow(ctx context.Context, args []string) error {
	fs := a.flags("offer-show")
	reqID := fs.Int64("request", 0, "request id")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *reqID <= 0 {
		return usageErr("offer-show: need --request")
	}
	u, err := a.currentUser(ctx)
	if err != nil {
		return err
	}
	r, err := a.findRequest(ctx, *reqID)
	if err != nil {
		return err
	}
	o, err := a.market.ResolveOfferFor(ctx, r, u)
	if err != nil {
		return err
	}
	a.printJSON(o)
	return nil
}

func (a *app) offer(ctx context.Context, args []string) error {
	fs := a.flags("offer")
	reqID := fs.Int64("request", 0, "request id")
	price := fs.String("price", "", "price, e.g. 12.50")
	msg := fs.String("message", "", "message (10-500 characters)")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *reqID <= 0 {
		return usageErr("offer: need --request")
	}
	p, err := model.ParsePrice(*price)
	if err != nil {
		return &errs.ValidationError{Fields: map[string]string{"price": err.Error()}}
	}
	values := model.OfferValues{Price: p, Message: *msg}
	if err := validate.Offer(values); err != nil {
		return err
	}

	u, err := a.currentUser(ctx)
	if err != nil {
		return err
	}
	r, err := a.findRequest(ctx, *reqID)
	if err != nil {
		return err
	}
	existing, err := a.market.ResolveOfferFor(ctx, r, u)
	if err != nil {
		return err
	}
	o, err := a.market.SubmitOffer(ctx, values, r, existing)
	if err != nil {
		return err
	}
	a.printJSON(o)
	return nil
}

func (a *app) offerRm(ctx context.Context, args []string) error {
	fs := a.flags("offer-rm")
	id := fs.Int64("id", 0, "offer id")
	yes := fs.Bool("yes", false, "do not ask for confirmation")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *id <= 0 {
		return usageErr("offer-rm: need --id")
	}
	if _, err := a.currentUser(ctx); err != nil {
		return err
	}
	if err := a.market.DeleteOffer(ctx, *id, a.confirmer(*yes)); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "ok")
	return nil
}
