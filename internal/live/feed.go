// Package live keeps invoice views up to date for connected clients.
package live

import (
	"context"
	"errors"
	"sync"

	"github.com/facturapp/factura-backend/internal/app/model"
	"github.com/facturapp/factura-backend/internal/app/repository"
	"github.com/facturapp/factura-backend/pkg/logger"
)

var ErrFeedClosed = errors.New("live feed is closed")

// Loader is the read side of an invoice repository.
type Loader interface {
	List(ctx context.Context, ownerID string) ([]model.Invoice, error)
	FindByID(ctx context.Context, ownerID, id string) (*model.Invoice, error)
}

// Snapshot is the full current state of a watched view.
type Snapshot struct {
	Invoices []model.Invoice `json:"invoices,omitempty"` // list views
	Invoice  *model.Invoice  `json:"invoice,omitempty"`  // detail views, nil when absent
	Err      error           `json:"-"`
	Final    bool            `json:"final,omitempty"` // sent once on sign-out, then the channel closes
}

// Subscription is the lifetime handle of one live view.
type Subscription struct {
	owner     string
	invoiceID string // empty for list views
	session   string // login session that opened it, may be empty

	out    chan Snapshot
	notify chan struct{}

	mu        sync.Mutex // orders sends against sign-out
	signedOut chan struct{}
	isSigned  bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// C yields snapshots; it is closed when the subscription ends.
func (s *Subscription) C() <-chan Snapshot {
	return s.out
}

// Done is closed once the subscription has fully stopped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Cancel stops the subscription and waits for it to wind down. Safe to call
// more than once.
func (s *Subscription) Cancel() {
	s.cancel()
	<-s.done
}

func (s *Subscription) isList() bool {
	return s.invoiceID == ""
}

func (s *Subscription) poke() {
	select {
	case s.notify <- struct{}{}:
	default:
		// a reload is already pending
	}
}

// signOut also drops a snapshot still waiting to be read, so nothing loaded
// before the sign-out reaches the reader after it.
func (s *Subscription) signOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isSigned {
		return
	}
	s.isSigned = true
	close(s.signedOut)
	select {
	case <-s.out:
	default:
	}
}

// offer replaces any unread snapshot with snap. It reports false once the
// subscription is signed out.
func (s *Subscription) offer(snap Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isSigned {
		return false
	}
	select {
	case <-s.out:
	default:
	}
	// run is the only sender and the buffer is now free
	s.out <- snap
	return true
}

type sessionKey struct{}

// WithSession marks subscriptions opened with ctx as belonging to a login
// session, so logging that session out ends only them.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// Feed fans change events out to subscriptions, one goroutine per subscription.
type Feed struct {
	store Loader

	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	closed bool

	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewFeed subscribes to events right away so no change published after it
// returns is missed.
func NewFeed(store Loader, events *Events) (*Feed, error) {
	ctx, cancel := context.WithCancel(context.Background())
	changes, err := events.Subscribe(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	f := &Feed{
		store: store,
		subs:  make(map[string]map[*Subscription]struct{}),
		stop:  cancel,
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for ev := range changes {
			f.Notify(ev)
		}
	}()
	return f, nil
}

// WatchList follows the owner's invoice list.
func (f *Feed) WatchList(ctx context.Context, ownerID string) (*Subscription, error) {
	if ownerID == "" {
		return nil, repository.ErrNotAuthenticated
	}
	return f.watch(ctx, ownerID, "")
}

// WatchOne follows a single invoice.
func (f *Feed) WatchOne(ctx context.Context, ownerID, id string) (*Subscription, error) {
	if ownerID == "" {
		return nil, repository.ErrNotAuthenticated
	}
	if id == "" {
		return nil, repository.ErrInvalidID
	}
	return f.watch(ctx, ownerID, id)
}

func (f *Feed) watch(ctx context.Context, ownerID, id string) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	session, _ := ctx.Value(sessionKey{}).(string)
	s := &Subscription{
		owner:     ownerID,
		invoiceID: id,
		session:   session,
		out:       make(chan Snapshot, 1),
		notify:    make(chan struct{}, 1),
		signedOut: make(chan struct{}),
		ctx:       subCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		cancel()
		return nil, ErrFeedClosed
	}
	if f.subs[ownerID] == nil {
		f.subs[ownerID] = make(map[*Subscription]struct{})
	}
	f.subs[ownerID][s] = struct{}{}
	f.wg.Add(1)
	f.mu.Unlock()

	logger.Debug("Live subscription started", logger.Fields{
		"owner_id":   ownerID,
		"invoice_id": id,
	})

	go f.run(s)
	return s, nil
}

func (f *Feed) run(s *Subscription) {
	defer f.wg.Done()
	defer close(s.done)
	defer close(s.out)
	defer f.remove(s)

	if !f.deliver(s, f.load(s)) {
		return
	}
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.signedOut:
			f.final(s)
			return
		case <-s.notify:
			select {
			case <-s.signedOut:
				f.final(s)
				return
			default:
			}
			if !f.deliver(s, f.load(s)) {
				return
			}
		}
	}
}

func (f *Feed) load(s *Subscription) Snapshot {
	if s.isList() {
		invoices, err := f.store.List(s.ctx, s.owner)
		if err != nil {
			return Snapshot{Err: err}
		}
		if invoices == nil {
			invoices = []model.Invoice{}
		}
		return Snapshot{Invoices: invoices}
	}

	invoice, err := f.store.FindByID(s.ctx, s.owner, s.invoiceID)
	if errors.Is(err, repository.ErrInvoiceNotFound) {
		return Snapshot{}
	}
	if err != nil {
		return Snapshot{Err: err}
	}
	return Snapshot{Invoice: invoice}
}

// deliver reports whether the subscription should keep running. Unread
// snapshots are replaced, so a slow reader only ever sees the latest state.
func (f *Feed) deliver(s *Subscription, snap Snapshot) bool {
	if s.ctx.Err() != nil {
		return false
	}
	if !s.offer(snap) {
		f.final(s)
		return false
	}
	return true
}

func (f *Feed) final(s *Subscription) {
	snap := Snapshot{Final: true}
	if s.isList() {
		snap.Invoices = []model.Invoice{}
	}
	select {
	case s.out <- snap:
	case <-s.ctx.Done():
	}
	logger.Debug("Live subscription closed by sign-out", logger.Fields{
		"owner_id":   s.owner,
		"invoice_id": s.invoiceID,
	})
}

func (f *Feed) remove(s *Subscription) {
	s.cancel()
	f.mu.Lock()
	defer f.mu.Unlock()
	if owned := f.subs[s.owner]; owned != nil {
		delete(owned, s)
		if len(owned) == 0 {
			delete(f.subs, s.owner)
		}
	}
}

// Notify schedules a reload of every view the event affects. It never blocks.
func (f *Feed) Notify(ev ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs[ev.OwnerID] {
		if s.isList() || s.invoiceID == ev.InvoiceID {
			s.poke()
		}
	}
}

// SignedOut ends every view of the owner: each delivers an empty snapshot
// and then closes.
func (f *Feed) SignedOut(ownerID string) {
	f.SessionEnded(ownerID, "")
}

// SessionEnded ends the owner's views opened by the session, plus views not
// tied to any session. An empty sessionID ends them all.
func (f *Feed) SessionEnded(ownerID, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for s := range f.subs[ownerID] {
		if sessionID != "" && s.session != "" && s.session != sessionID {
			continue
		}
		s.signOut()
		n++
	}
	if n > 0 {
		logger.Info("Closing live subscriptions after sign-out", logger.Fields{
			"owner_id":      ownerID,
			"session_id":    sessionID,
			"subscriptions": n,
		})
	}
}

// Active returns the number of running subscriptions of the owner.
func (f *Feed) Active(ownerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[ownerID])
}

// Close cancels every subscription and waits for them to stop.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for _, owned := range f.subs {
		for s := range owned {
			s.cancel()
		}
	}
	f.mu.Unlock()

	f.stop()
	f.wg.Wait()
}
