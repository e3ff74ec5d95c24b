package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/esracengel/PetBNB/internal/apitest"
	"github.com/esracengel/PetBNB/internal/model"
)

type result struct {
	code   int
	stdout string
	stderr string
}

// petbnb runs the CLI against be with the given stdin.
func petbnb(t *testing.T, be *apitest.Backend, stdin string, args ...string) result {
	t.Helper()
	var out, errOut bytes.Buffer
	full := append([]string{"--api", be.URL()}, args...)
	code := run(context.Background(), full, strings.NewReader(stdin), &out, &errOut)
	return result{code: code, stdout: out.String(), stderr: errOut.String()}
}

func withTmpConfig(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("PETBNB_STORE_KIND", "file")
}

func Test_version(t *testing.T) {
	var out bytes.Buffer
	code := run(context.Background(), []string{"version"}, strings.NewReader(""), &out, &out)
	require.Zero(t, code)
	require.Contains(t, out.String(), "petbnb dev")
}

func Test_usage(t *testing.T) {
	withTmpConfig(t)
	be := apitest.New(t)
	require.Equal(t, 2, petbnb(t, be, "").code)
	require.Equal(t, 2, petbnb(t, be, "", "fly").code)
	require.Equal(t, 2, petbnb(t, be, "", "request-rm").code)
	require.Equal(t, 2, petbnb(t, be, "", "login", "--bogus").code)
}

func Test_registerLoginWhoami(t *testing.T) {
	withTmpConfig(t)
	be := apitest.New(t)

	r := petbnb(t, be, "", "register", "--email", "ann@example.com", "--username", "ann",
		"--password", "short", "--type", "petowner")
	require.Equal(t, 1, r.code)
	require.Contains(t, r.stderr, "Password must be at least 8 characters")
	require.Zero(t, be.Calls(apitest.RouteRegister))

	r = petbnb(t, be, "", "register", "--email", "ann@example.com", "--username", "ann",
		"--password", "secret123", "--type", "petowner")
	require.Zero(t, r.code, r.stderr)

	// password from stdin when not a terminal
	r = petbnb(t, be, "secret123\n", "login", "--email", "ann@example.com")
	require.Zero(t, r.code, r.stderr)
	var u model.User
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &u))
	require.Equal(t, "ann", u.Username)

	r = petbnb(t, be, "", "whoami")
	require.Zero(t, r.code, r.stderr)
	require.Contains(t, r.stdout, `"email": "ann@example.com"`)

	r = petbnb(t, be, "", "logout")
	require.Zero(t, r.code)
	r = petbnb(t, be, "", "whoami")
	require.Equal(t, 1, r.code)
	require.Contains(t, r.stderr, "not logged in")
}

func Test_sessionEnded(t *testing.T) {
	withTmpConfig(t)
	be := apitest.New(t)
	be.AddUser("ann@example.com", "ann", "secret123", model.PetOwner)
	require.Zero(t, petbnb(t, be, "", "login", "--email", "ann@example.com", "--password", "secret123").code)

	be.ExpireAccess()
	r := petbnb(t, be, "", "whoami")
	require.Zero(t, r.code, "an expired access token is refreshed transparently")

	be.ExpireAccess()
	be.RevokeRefresh()
	r = petbnb(t, be, "", "requests")
	require.Equal(t, 1, r.code)
	require.Equal(t, "session ended, please log in again\n", r.stderr)
}

func Test_requestsAndDelete(t *testing.T) {
	withTmpConfig(t)
	be := apitest.New(t)
	owner := be.AddUser("ann@example.com", "ann", "secret123", model.PetOwner)
	require.Zero(t, petbnb(t, be, "", "login", "--email", "ann@example.com", "--password", "secret123").code)

	r := petbnb(t, be, "", "request-add", "--pet-type", "Dog", "--start", "2024-06-01", "--end", "2024-06-05",
		"--location", "Moda", "--description", "one dog")
	require.Equal(t, 1, r.code)
	require.Contains(t, r.stderr, "pet_breed: Required for dogs")

	r = petbnb(t, be, "", "request-add", "--pet-type", "Dog", "--breed", "Akita", "--start", "2024-06-10",
		"--end", "2024-06-15", "--location", "Moda", "--description", "one dog")
	require.Zero(t, r.code, r.stderr)
	be.AddRequest(model.ServiceRequest{Owner: owner.ID, PetType: "Cat", Location: "Kadikoy",
		StartDate: model.MustDate("2024-06-01"), EndDate: model.MustDate("2024-06-20")})

	r = petbnb(t, be, "", "requests", "--start", "2024-06-05")
	require.Zero(t, r.code, r.stderr)
	var l listing
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &l))
	require.Len(t, l.Requests, 1)
	require.Equal(t, "Dog", l.Requests[0].PetType)

	r = petbnb(t, be, "", "requests", "--sort", "endDate")
	require.Zero(t, r.code, r.stderr)
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &l))
	require.Len(t, l.Requests, 2)
	require.Equal(t, "Dog", l.Requests[0].PetType)

	r = petbnb(t, be, "", "requests", "--sort", "price")
	require.Equal(t, 1, r.code)

	id := l.Requests[0].ID
	r = petbnb(t, be, "n\n", "request-rm", "--id", itoa(id))
	require.Equal(t, 1, r.code)
	require.Contains(t, r.stderr, "cancelled")
	require.Zero(t, be.Calls(apitest.RouteDeleteRequest))

	r = petbnb(t, be, "y\n", "request-rm", "--id", itoa(id))
	require.Zero(t, r.code, r.stderr)
	require.Len(t, be.Requests(), 1)
}

func Test_offerFlow(t *testing.T) {
	withTmpConfig(t)
	be := apitest.New(t)
	owner := be.AddUser("ann@example.com", "ann", "secret123", model.PetOwner)
	be.AddUser("cg@example.com", "cg", "secret123", model.Caregiver)
	req := be.AddRequest(model.ServiceRequest{Owner: owner.ID, PetType: "Cat", Location: "Kadikoy",
		StartDate: model.MustDate("2024-06-01"), EndDate: model.MustDate("2024-06-20")})
	require.Zero(t, petbnb(t, be, "", "login", "--email", "cg@example.com", "--password", "secret123").code)

	before := routeCalls(be)
	for _, price := range []string{"0", "0.00"} {
		r := petbnb(t, be, "", "offer", "--request", itoa(req.ID), "--price", price, "--message", "long enough text")
		require.Equal(t, 1, r.code)
		require.Contains(t, r.stderr, "Minimum price is $0.01")
	}
	r := petbnb(t, be, "", "offer", "--request", itoa(req.ID), "--price", "5", "--message", "short")
	require.Equal(t, 1, r.code)
	require.Contains(t, r.stderr, "message: Must be at least 10 characters")
	require.Equal(t, before, routeCalls(be), "invalid forms never reach the backend")

	r = petbnb(t, be, "", "offer-show", "--request", itoa(req.ID))
	require.Zero(t, r.code, r.stderr)
	require.Equal(t, "null\n", r.stdout)

	r = petbnb(t, be, "", "offer", "--request", itoa(req.ID), "--price", "12.50", "--message", "I can feed them")
	require.Zero(t, r.code, r.stderr)
	r = petbnb(t, be, "", "offer", "--request", itoa(req.ID), "--price", "11", "--message", "I can feed them twice")
	require.Zero(t, r.code, r.stderr)
	require.Equal(t, 1, be.Calls(apitest.RouteCreateOffer))
	require.Equal(t, 1, be.Calls(apitest.RouteUpdateOffer))

	offers := be.Offers()
	require.Len(t, offers, 1)
	require.Equal(t, model.Price(1100), offers[0].Price)

	r = petbnb(t, be, "", "requests", "--offers")
	require.Zero(t, r.code, r.stderr)
	var l listing
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &l))
	require.Equal(t, offers[0].ID, l.Offers[req.ID].ID)

	r = petbnb(t, be, "", "offer-rm", "--id", itoa(offers[0].ID), "--yes")
	require.Zero(t, r.code, r.stderr)
	require.Empty(t, be.Offers())
}

func routeCalls(be *apitest.Backend) map[string]int {
	out := map[string]int{}
	for _, route := range []string{
		apitest.RouteRegister, apitest.RouteCreateTokens, apitest.RouteRefresh, apitest.RouteMe,
		apitest.RouteListRequests, apitest.RouteCreateRequest, apitest.RouteDeleteRequest,
		apitest.RouteListOffers, apitest.RouteCreateOffer, apitest.RouteUpdateOffer, apitest.RouteDeleteOffer,
	} {
		out[route] = be.Calls(route)
	}
	return out
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
