// Package session owns the authentication state of the client: the persisted
// token pair, the verified user and the lifecycle around them.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	evbus "github.com/asaskevich/EventBus"
	"go.uber.org/zap"

	"github.com/esracengel/PetBNB/internal/api"
	"github.com/esracengel/PetBNB/internal/credstore"
	"github.com/esracengel/PetBNB/internal/errs"
	"github.com/esracengel/PetBNB/internal/model"
	"github.com/esracengel/PetBNB/internal/validate"
)

// State is the lifecycle position of the session.
type State int

const (
	Loading State = iota
	LoggedOut
	LoggedIn
	Failed
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case LoggedOut:
		return "logged out"
	case LoggedIn:
		return "logged in"
	case Failed:
		return "verification failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Snapshot is an immutable view of the session published on every change.
type Snapshot struct {
	State State
	User  *model.User
	Epoch uint64
	Err   error
}

const topicChanged = "session:changed"

// Store holds the session. The zero value is not usable; call New.
type Store struct {
	client *api.Client
	tokens credstore.Store
	log    *zap.Logger
	bus    evbus.Bus

	mu    sync.Mutex
	state State
	user  *model.User
	epoch uint64
	err   error

	// serialises publication so subscribers observe commits in order
	pub sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once
}

// New builds a store in the Loading state and installs Logout as the
// executor's session-end hook.
func New(client *api.Client, tokens credstore.Store, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		client: client,
		tokens: tokens,
		log:    log,
		bus:    evbus.New(),
		state:  Loading,
		ready:  make(chan struct{}),
	}
	client.Executor().SetSessionEndHook(s.Logout)
	return s
}

// Ready is closed once the first verification has resolved.
func (s *Store) Ready() <-chan struct{} { return s.ready }

// Epoch increases on every login and logout.
func (s *Store) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// User returns the verified user, nil when not logged in.
func (s *Store) User() *model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{State: s.state, User: s.user, Epoch: s.epoch, Err: s.err}
}

// Subscribe registers fn for every committed change and returns a func that
// stops delivery. fn runs synchronously on the goroutine that made the
// change and must not call back into the Store's mutators.
func (s *Store) Subscribe(fn func(Snapshot)) (cancel func()) {
	var off atomic.Bool
	handler := func(snap Snapshot) {
		if !off.Load() {
			fn(snap)
		}
	}
	if err := s.bus.Subscribe(topicChanged, handler); err != nil {
		s.log.Error("subscribe", zap.Error(err))
	}
	return func() { off.Store(true) }
}

// commit applies mutate under the lock and, when it reports a change,
// publishes the resulting snapshot.
func (s *Store) commit(mutate func() bool) {
	s.pub.Lock()
	defer s.pub.Unlock()

	s.mu.Lock()
	changed := mutate()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if snap.State != Loading {
		s.readyOnce.Do(func() { close(s.ready) })
	}
	if changed {
		s.bus.Publish(topicChanged, snap)
	}
}

// Verify confirms the stored access token with the backend. Without a token
// it resolves to logged out with a nil user and no error. On any failure the
// session is logged out and a nil user is returned with the error. A result
// that arrives after a logout or a newer login is discarded with
// errs.ErrStale.
func (s *Store) Verify(ctx context.Context) (*model.User, error) {
	epoch := s.Epoch()

	tokens, err := s.tokens.Load(ctx)
	if err != nil {
		s.fail(epoch, fmt.Errorf("load tokens: %w", err))
		return nil, err
	}
	if tokens.Empty() {
		s.commit(func() bool {
			if s.epoch != epoch {
				return false
			}
			s.state, s.user, s.err = LoggedOut, nil, nil
			return true
		})
		return nil, nil
	}

	user, err := s.client.Me(ctx)
	if err != nil {
		s.fail(epoch, err)
		return nil, err
	}

	stale := false
	s.commit(func() bool {
		if s.epoch != epoch {
			stale = true
			return false
		}
		s.state, s.user, s.err = LoggedIn, user, nil
		return true
	})
	if stale {
		s.log.Info("discarding stale verification", zap.Uint64("epoch", epoch))
		return nil, errs.ErrStale
	}
	s.log.Info("session verified", zap.Int64("user_id", user.ID), zap.String("user_type", string(user.UserType)))
	return user, nil
}

// fail logs the session out and records err, unless the session moved on
// while the verification was running.
func (s *Store) fail(epoch uint64, err error) {
	s.log.Warn("session verification failed", zap.Error(err))
	s.commit(func() bool {
		if s.epoch != epoch {
			return false
		}
		s.clearLocked()
		s.epoch++
		s.state, s.err = Failed, err
		return true
	})
}

// Login persists the pair and verifies it.
func (s *Store) Login(ctx context.Context, tokens model.Tokens) (*model.User, error) {
	if tokens.Empty() {
		return nil, &errs.ValidationError{Fields: map[string]string{"access": "Required"}}
	}
	s.commit(func() bool {
		s.epoch++
		s.state, s.user, s.err = Loading, nil, nil
		return true
	})
	if err := s.tokens.Save(ctx, tokens); err != nil {
		s.fail(s.Epoch(), fmt.Errorf("save tokens: %w", err))
		return nil, err
	}
	return s.Verify(ctx)
}

// Authenticate exchanges credentials for tokens and logs in with them.
func (s *Store) Authenticate(ctx context.Context, c model.Credentials) (*model.User, error) {
	if err := validate.Credentials(c); err != nil {
		return nil, err
	}
	tokens, err := s.client.CreateTokens(ctx, c)
	if err != nil {
		return nil, err
	}
	return s.Login(ctx, tokens)
}

// Register creates an account. It does not log in.
func (s *Store) Register(ctx context.Context, r model.Registration) (*model.User, error) {
	if err := validate.Registration(r); err != nil {
		return nil, err
	}
	u, err := s.client.Register(ctx, r)
	if err != nil {
		return nil, err
	}
	s.log.Info("account registered", zap.Int64("user_id", u.ID))
	return u, nil
}

// Logout clears the tokens and the user. It is safe to call repeatedly and
// from the executor when a refresh fails.
func (s *Store) Logout() {
	changed := false
	s.commit(func() bool {
		changed = s.state != LoggedOut
		s.clearLocked()
		if changed {
			s.epoch++
		}
		s.state, s.err = LoggedOut, nil
		return changed
	})
	if changed {
		s.log.Info("logged out")
	}
}

func (s *Store) clearLocked() {
	if err := s.tokens.Clear(context.Background()); err != nil {
		s.log.Error("clear tokens", zap.Error(err))
	}
	s.user = nil
}
