package barcode

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	"github.com/medflow/stockflow-backend/internal/inventory/ledger"
	apperrors "github.com/medflow/stockflow-backend/pkg/errors"
	"github.com/medflow/stockflow-backend/pkg/logger"
)

// State is a scan session's lifecycle position
type State string

const (
	StateIdle      State = "idle"
	StateScanning  State = "scanning"
	StateReviewing State = "reviewing"
	StateCommitted State = "committed"
	StateAborted   State = "aborted"
)

// Terminal reports whether no further commands change the session
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateAborted
}

// Scanner decodes and resolves one frame
type Scanner interface {
	Scan(ctx context.Context, frame Frame) (*DecodeResult, *ItemRef, error)
}

// Committer submits a session's entries as one atomic batch
type Committer interface {
	SubmitBatch(ctx context.Context, batch ledger.BatchRequest) (*ledger.BatchResult, error)
}

// Params fix what a session's entries become when committed
type Params struct {
	LocationID       string               `json:"location_id"`
	Type             domain.OperationType `json:"type"`
	ActorID          string               `json:"actor_id"`
	BackorderAllowed bool                 `json:"backorder_allowed"`
	ReasonCode       string               `json:"reason_code,omitempty"`
}

// Entry is one line of the review list
type Entry struct {
	ID        string           `json:"id"`
	ItemID    string           `json:"item_id,omitempty"`
	Symbology domain.Symbology `json:"symbology"`
	Value     string           `json:"value"`
	Quantity  int64            `json:"quantity"`
	Resolved  bool             `json:"resolved"`
	// Candidates are offered for manual selection while unresolved
	Candidates []string `json:"candidates,omitempty"`
}

// View is an immutable copy of a session's state
type View struct {
	ID           string              `json:"id"`
	State        State               `json:"state"`
	Params       Params              `json:"params"`
	Entries      []Entry             `json:"entries"`
	BatchID      string              `json:"batch_id"`
	OperationIDs []string            `json:"operation_ids,omitempty"`
	Report       []domain.EntryError `json:"report,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// ScanOutcome is the reply to a Scan command
type ScanOutcome struct {
	Session View   `json:"session"`
	Entry   *Entry `json:"entry"`
	// Warning is set when the scan was kept as an unresolved entry
	Warning error `json:"-"`
}

type commandKind string

const (
	cmdStart       commandKind = "start"
	cmdScan        commandKind = "scan"
	cmdReview      commandKind = "review"
	cmdSetQuantity commandKind = "set_quantity"
	cmdResolve     commandKind = "resolve"
	cmdRemove      commandKind = "remove_entry"
	cmdCommit      commandKind = "commit"
	cmdAbort       commandKind = "abort"
	cmdSnapshot    commandKind = "snapshot"
)

type command struct {
	kind     commandKind
	ctx      context.Context
	frame    Frame
	entryID  string
	quantity int64
	itemID   string
	reply    chan reply
}

type reply struct {
	view    View
	entry   *Entry
	warning error
	err     error
}

// Session is a batch scan owned by one controller goroutine. All methods
// are safe for concurrent use; they message the controller and wait.
type Session struct {
	id        string
	cmds      chan command
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	final     atomic.Pointer[View]
	lastTouch atomic.Int64

	// owned by the controller goroutine
	state     State
	params    Params
	entries   []*Entry
	nextEntry int
	batchID   string
	opIDs     []string
	report    []domain.EntryError
	createdAt time.Time
	updatedAt time.Time

	scanner   Scanner
	committer Committer
	items     ledger.ItemReader
	now       func() time.Time
	logger    *logger.Logger
}

func newSession(params Params, scanner Scanner, committer Committer, items ledger.ItemReader, now func() time.Time, log *logger.Logger) *Session {
	id := uuid.NewString()
	at := now()
	s := &Session{
		id:        id,
		cmds:      make(chan command),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		state:     StateIdle,
		params:    params,
		batchID:   uuid.NewString(),
		createdAt: at,
		updatedAt: at,
		scanner:   scanner,
		committer: committer,
		items:     items,
		now:       now,
		logger:    &logger.Logger{Logger: log.With().Str("session_id", id).Logger()},
	}
	s.lastTouch.Store(at.UnixNano())
	go s.run()
	return s
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// Start begins scanning, or resumes it from review
func (s *Session) Start(ctx context.Context) (View, error) {
	r := s.send(ctx, command{kind: cmdStart})
	return r.view, r.err
}

// Scan decodes and resolves a frame and adds it to the review list
func (s *Session) Scan(ctx context.Context, frame Frame) (*ScanOutcome, error) {
	r := s.send(ctx, command{kind: cmdScan, frame: frame})
	if r.err != nil {
		return nil, r.err
	}
	return &ScanOutcome{Session: r.view, Entry: r.entry, Warning: r.warning}, nil
}

// Review stops scanning so the list can be checked before commit
func (s *Session) Review(ctx context.Context) (View, error) {
	r := s.send(ctx, command{kind: cmdReview})
	return r.view, r.err
}

// SetQuantity overrides an entry's quantity
func (s *Session) SetQuantity(ctx context.Context, entryID string, quantity int64) (View, error) {
	r := s.send(ctx, command{kind: cmdSetQuantity, entryID: entryID, quantity: quantity})
	return r.view, r.err
}

// Resolve assigns an item to an unresolved entry
func (s *Session) Resolve(ctx context.Context, entryID, itemID string) (View, error) {
	r := s.send(ctx, command{kind: cmdResolve, entryID: entryID, itemID: itemID})
	return r.view, r.err
}

// RemoveEntry drops an entry from the review list
func (s *Session) RemoveEntry(ctx context.Context, entryID string) (View, error) {
	r := s.send(ctx, command{kind: cmdRemove, entryID: entryID})
	return r.view, r.err
}

// Commit submits every entry as one atomic batch. A rejected batch leaves
// the session in review with the per-entry report attached.
func (s *Session) Commit(ctx context.Context) (View, error) {
	r := s.send(ctx, command{kind: cmdCommit})
	return r.view, r.err
}

// Abort discards the session without touching the ledger
func (s *Session) Abort(ctx context.Context) (View, error) {
	r := s.send(ctx, command{kind: cmdAbort})
	return r.view, r.err
}

// Snapshot returns the current state
func (s *Session) Snapshot(ctx context.Context) (View, error) {
	r := s.send(ctx, command{kind: cmdSnapshot})
	return r.view, r.err
}

// IdleSince returns the time of the last command
func (s *Session) IdleSince() time.Time {
	return time.Unix(0, s.lastTouch.Load()).UTC()
}

// Done is closed once the controller has exited
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// shutdown aborts a live session and stops its controller
func (s *Session) shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Session) send(ctx context.Context, cmd command) reply {
	cmd.ctx = ctx
	cmd.reply = make(chan reply, 1)

	select {
	case s.cmds <- cmd:
	case <-s.done:
		return s.finished(cmd.kind)
	case <-ctx.Done():
		return reply{err: ctx.Err()}
	}

	select {
	case r := <-cmd.reply:
		return r
	case <-ctx.Done():
		return reply{err: ctx.Err()}
	}
}

// finished answers commands sent after the controller exited
func (s *Session) finished(kind commandKind) reply {
	view := *s.final.Load()
	if kind == cmdSnapshot {
		return reply{view: view}
	}
	return reply{view: view, err: domain.InvalidTransitionError(string(view.State), string(kind))}
}

func (s *Session) run() {
	defer close(s.done)

	for {
		select {
		case cmd := <-s.cmds:
			r := s.handle(cmd)
			if cmd.kind != cmdSnapshot {
				s.updatedAt = s.now()
				s.lastTouch.Store(s.updatedAt.UnixNano())
				r.view = s.view()
			}
			if s.state.Terminal() {
				view := s.view()
				s.final.Store(&view)
				cmd.reply <- r
				return
			}
			cmd.reply <- r

		case <-s.stop:
			if !s.state.Terminal() {
				s.state = StateAborted
				s.entries = nil
				s.logger.Info().Msg("scan session expired")
			}
			view := s.view()
			s.final.Store(&view)
			return
		}
	}
}

func (s *Session) handle(cmd command) reply {
	switch cmd.kind {
	case cmdSnapshot:
		return reply{view: s.view()}
	case cmdStart:
		if s.state != StateIdle && s.state != StateReviewing {
			return s.invalid(cmd.kind)
		}
		s.state = StateScanning
		return reply{}
	case cmdScan:
		if s.state != StateScanning {
			return s.invalid(cmd.kind)
		}
		return s.scan(cmd)
	case cmdReview:
		if s.state != StateScanning {
			return s.invalid(cmd.kind)
		}
		s.state = StateReviewing
		return reply{}
	case cmdSetQuantity:
		if s.state != StateScanning && s.state != StateReviewing {
			return s.invalid(cmd.kind)
		}
		return s.setQuantity(cmd)
	case cmdResolve:
		if s.state != StateScanning && s.state != StateReviewing {
			return s.invalid(cmd.kind)
		}
		return s.resolve(cmd)
	case cmdRemove:
		if s.state != StateScanning && s.state != StateReviewing {
			return s.invalid(cmd.kind)
		}
		idx := s.find(cmd.entryID)
		if idx < 0 {
			return reply{err: apperrors.NotFound("entry")}
		}
		s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
		return reply{}
	case cmdCommit:
		if s.state != StateReviewing {
			return s.invalid(cmd.kind)
		}
		return s.commit(cmd.ctx)
	case cmdAbort:
		if s.state.Terminal() {
			return s.invalid(cmd.kind)
		}
		s.state = StateAborted
		s.entries = nil
		s.logger.Info().Msg("scan session aborted")
		return reply{}
	default:
		return reply{err: apperrors.BadRequest("unknown session command")}
	}
}

func (s *Session) invalid(kind commandKind) reply {
	return reply{err: domain.InvalidTransitionError(string(s.state), string(kind))}
}

func (s *Session) scan(cmd command) reply {
	res, ref, err := s.scanner.Scan(cmd.ctx, cmd.frame)
	if err != nil && !(res != nil && errors.Is(err, domain.ErrAmbiguousBarcode)) {
		return reply{err: err}
	}

	if ref != nil {
		for _, e := range s.entries {
			if e.Resolved && e.ItemID == ref.ItemID {
				e.Quantity++
				return reply{entry: copyEntry(e)}
			}
		}
		e := s.addEntry(&Entry{ItemID: ref.ItemID, Symbology: ref.Symbology, Value: ref.Value, Quantity: 1, Resolved: true})
		return reply{entry: copyEntry(e)}
	}

	sym, value := Normalize(res.Symbology, res.RawValue)
	for _, e := range s.entries {
		if !e.Resolved && e.Symbology == sym && e.Value == value {
			e.Quantity++
			return reply{entry: copyEntry(e), warning: err}
		}
	}
	e := s.addEntry(&Entry{Symbology: sym, Value: value, Quantity: 1, Candidates: domain.Candidates(err)})
	return reply{entry: copyEntry(e), warning: err}
}

func (s *Session) addEntry(e *Entry) *Entry {
	s.nextEntry++
	e.ID = strconv.Itoa(s.nextEntry)
	s.entries = append(s.entries, e)
	return e
}

func (s *Session) setQuantity(cmd command) reply {
	idx := s.find(cmd.entryID)
	if idx < 0 {
		return reply{err: apperrors.NotFound("entry")}
	}
	floor := int64(1)
	if s.params.Type == domain.OpCycleCount {
		floor = 0
	}
	if cmd.quantity < floor {
		return reply{err: domain.ValidationError("quantity", "must be at least "+strconv.FormatInt(floor, 10))}
	}
	s.entries[idx].Quantity = cmd.quantity
	return reply{}
}

func (s *Session) resolve(cmd command) reply {
	idx := s.find(cmd.entryID)
	if idx < 0 {
		return reply{err: apperrors.NotFound("entry")}
	}
	e := s.entries[idx]

	if len(e.Candidates) > 0 && !contains(e.Candidates, cmd.itemID) {
		return reply{err: domain.ValidationError("item_id", "not a candidate for this barcode")}
	}
	item, err := s.items.Item(cmd.ctx, cmd.itemID)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return reply{err: domain.ValidationError("item_id", "unknown item")}
	}
	if err != nil {
		return reply{err: err}
	}
	if !item.Active {
		return reply{err: domain.ValidationError("item_id", "item is inactive")}
	}

	for i, other := range s.entries {
		if i != idx && other.Resolved && other.ItemID == item.ID {
			other.Quantity += e.Quantity
			s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
			return reply{entry: copyEntry(other)}
		}
	}

	e.ItemID = item.ID
	e.Resolved = true
	e.Candidates = nil
	return reply{entry: copyEntry(e)}
}

func (s *Session) commit(ctx context.Context) reply {
	if len(s.entries) == 0 {
		return reply{err: domain.ValidationError("entries", "session has no entries")}
	}

	unresolved := make(map[string]string)
	for _, e := range s.entries {
		if !e.Resolved {
			unresolved["entry_"+e.ID] = "barcode " + e.Value + " is not resolved to an item"
		}
	}
	if len(unresolved) > 0 {
		return reply{err: apperrors.Validation(unresolved)}
	}

	batch := ledger.BatchRequest{
		BatchID:   s.batchID,
		SessionID: s.id,
		ActorID:   s.params.ActorID,
		Source:    domain.SourceBatchScan,
		Entries:   make([]ledger.Request, len(s.entries)),
	}
	for i, e := range s.entries {
		batch.Entries[i] = ledger.Request{
			ItemID:           e.ItemID,
			LocationID:       s.params.LocationID,
			Type:             s.params.Type,
			Quantity:         e.Quantity,
			BackorderAllowed: s.params.BackorderAllowed,
			ReasonCode:       s.params.ReasonCode,
		}
	}

	res, err := s.committer.SubmitBatch(ctx, batch)
	var rejected *domain.BatchRejectedError
	if errors.As(err, &rejected) {
		s.report = rejected.Entries
		s.logger.Info().Int("failed_entries", len(rejected.Entries)).Msg("scan session batch rejected")
		return reply{err: err}
	}
	if err != nil {
		return reply{err: err}
	}

	s.state = StateCommitted
	s.batchID = res.BatchID
	s.opIDs = res.OperationIDs()
	s.report = nil
	s.logger.Info().Str("batch_id", res.BatchID).Int("entries", len(s.entries)).Msg("scan session committed")
	return reply{}
}

func (s *Session) find(entryID string) int {
	for i, e := range s.entries {
		if e.ID == entryID {
			return i
		}
	}
	return -1
}

func (s *Session) view() View {
	entries := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		entries[i] = *copyEntry(e)
	}
	return View{
		ID:           s.id,
		State:        s.state,
		Params:       s.params,
		Entries:      entries,
		BatchID:      s.batchID,
		OperationIDs: append([]string(nil), s.opIDs...),
		Report:       append([]domain.EntryError(nil), s.report...),
		CreatedAt:    s.createdAt,
		UpdatedAt:    s.updatedAt,
	}
}

func copyEntry(e *Entry) *Entry {
	c := *e
	c.Candidates = append([]string(nil), e.Candidates...)
	return &c
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
