package domain

import (
	"sort"
	"sync"
	"time"
)

// Coord addresses one question on the grid.
type Coord struct {
	Category int `json:"category"`
	Question int `json:"question"`
}

type Question struct {
	Value  int            `json:"value"`
	Prompt string         `json:"prompt"`
	Answer string         `json:"answer"`
	Winner *UserSessionID `json:"winner,omitempty"`
	// Media is the ordered list of media URLs shown for this question;
	// empty for plain text questions.
	Media []string `json:"media,omitempty"`
}

type Category struct {
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

// MediaStatus is one client's report of shared playback. LastUpdated is
// the client's clock in unix milliseconds; Origin is the socket that
// produced the report.
type MediaStatus struct {
	Position    float64            `json:"position"`
	Paused      bool               `json:"paused"`
	LastUpdated int64              `json:"last_updated"`
	Origin      WebsocketSessionID `json:"origin"`
}

// MediaPlayer is the active playback sub-state: the authoritative status
// plus an index into the open question's media list.
type MediaPlayer struct {
	Status MediaStatus `json:"status"`
	Index  int         `json:"index"`
}

type ActionKind string

const (
	ActionNone        ActionKind = "none"
	ActionMediaPlayer ActionKind = "media_player"
)

// ActionState is the board's "what is playing" variant.
type ActionState struct {
	Kind   ActionKind   `json:"kind"`
	Player *MediaPlayer `json:"player,omitempty"`
}

type BuzzerKind string

const (
	BuzzerNone   BuzzerKind = "none"
	BuzzerOpen   BuzzerKind = "open"
	BuzzerClosed BuzzerKind = "closed"
)

// BuzzerState is a snapshot of the buzzer sub-state.
type BuzzerState struct {
	Kind     BuzzerKind              `json:"kind"`
	Arrivals map[UserSessionID]int64 `json:"arrivals,omitempty"`
	Ranking  []UserSessionID         `json:"ranking,omitempty"`
}

// BuzzResult reports how a buzz landed. First marks the arrival that
// should schedule the deferred close.
type BuzzResult struct {
	Accepted bool
	First    bool
}

// Board is the authoritative quiz state. Its mutex exists because the
// deferred buzzer-close timer can touch it concurrently with the lobby
// mailbox; every method locks for the whole, strictly synchronous
// mutation and never across a blocking call.
type Board struct {
	mu         sync.Mutex
	categories []Category
	current    *Coord
	action     ActionState

	buzzerKind BuzzerKind
	arrivals   map[UserSessionID]int64
	firstBuzz  int64
	ranking    []UserSessionID

	lastMediaAccept time.Time
}

func NewBoard(categories []Category) *Board {
	return &Board{
		categories: categories,
		action:     ActionState{Kind: ActionNone},
		buzzerKind: BuzzerNone,
	}
}

func (b *Board) CategoryCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.categories)
}

func (b *Board) question(c Coord) *Question {
	if c.Category < 0 || c.Category >= len(b.categories) {
		return nil
	}
	qs := b.categories[c.Category].Questions
	if c.Question < 0 || c.Question >= len(qs) {
		return nil
	}
	return &qs[c.Question]
}

// Question returns a copy of the question at c.
func (b *Board) Question(c Coord) (Question, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.question(c)
	if q == nil {
		return Question{}, false
	}
	return *q, true
}

// Current returns the coordinate of the open question, if any.
func (b *Board) Current() (Coord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return Coord{}, false
	}
	return *b.current, true
}

// SetCurrent opens the question at c and computes its default action
// state: plain questions yield none, media questions a fresh player
// bound to the requesting socket.
func (b *Board) SetCurrent(c Coord, origin WebsocketSessionID, now time.Time) (Question, ActionState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.question(c)
	if q == nil {
		return Question{}, ActionState{}, false
	}
	b.current = &Coord{Category: c.Category, Question: c.Question}
	if len(q.Media) == 0 {
		b.action = ActionState{Kind: ActionNone}
	} else {
		b.action = ActionState{
			Kind: ActionMediaPlayer,
			Player: &MediaPlayer{
				Status: MediaStatus{Paused: true, LastUpdated: now.UnixMilli(), Origin: origin},
				Index:  0,
			},
		}
	}
	return *q, b.snapshotAction(), true
}

// ClearCurrent closes the open question and resets the action state.
func (b *Board) ClearCurrent() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = nil
	b.action = ActionState{Kind: ActionNone}
}

// AwardCurrent marks the open question as won, clears it and returns its
// point value.
func (b *Board) AwardCurrent(winner UserSessionID) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return 0, false
	}
	q := b.question(*b.current)
	if q == nil {
		return 0, false
	}
	w := winner
	q.Winner = &w
	b.current = nil
	b.action = ActionState{Kind: ActionNone}
	return q.Value, true
}

func (b *Board) snapshotAction() ActionState {
	out := ActionState{Kind: b.action.Kind}
	if b.action.Player != nil {
		p := *b.action.Player
		out.Player = &p
	}
	return out
}

// ActionState returns a copy of the current action sub-state.
func (b *Board) ActionState() ActionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotAction()
}

// OpenBuzzer arms the buzzer. Opening an already open buzzer is a no-op;
// the return value reports whether the state actually changed.
func (b *Board) OpenBuzzer() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buzzerKind == BuzzerOpen {
		return false
	}
	b.buzzerKind = BuzzerOpen
	b.arrivals = make(map[UserSessionID]int64)
	b.firstBuzz = 0
	b.ranking = nil
	return true
}

// RecordBuzz registers a buzz at time at. Duplicates and arrivals past
// the grace window after the first buzz are dropped.
func (b *Board) RecordBuzz(user UserSessionID, at time.Time, grace time.Duration) BuzzResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buzzerKind != BuzzerOpen {
		return BuzzResult{}
	}
	if _, dup := b.arrivals[user]; dup {
		return BuzzResult{}
	}
	ms := at.UnixMilli()
	first := len(b.arrivals) == 0
	if !first && ms-b.firstBuzz > grace.Milliseconds() {
		return BuzzResult{}
	}
	if first {
		b.firstBuzz = ms
	}
	b.arrivals[user] = ms
	return BuzzResult{Accepted: true, First: first}
}

// CloseBuzzer ranks the arrivals ascending by time. Closing with no
// arrivals is a no-op and the buzzer stays open.
func (b *Board) CloseBuzzer() ([]UserSessionID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buzzerKind != BuzzerOpen || len(b.arrivals) == 0 {
		return nil, false
	}
	ranked := make([]UserSessionID, 0, len(b.arrivals))
	for u := range b.arrivals {
		ranked = append(ranked, u)
	}
	sort.Slice(ranked, func(i, j int) bool {
		ti, tj := b.arrivals[ranked[i]], b.arrivals[ranked[j]]
		if ti != tj {
			return ti < tj
		}
		return ranked[i] < ranked[j]
	})
	b.buzzerKind = BuzzerClosed
	b.ranking = ranked
	b.arrivals = nil
	out := make([]UserSessionID, len(ranked))
	copy(out, ranked)
	return out, true
}

// ResetBuzzer disarms the buzzer from any state; reports whether the
// state actually changed.
func (b *Board) ResetBuzzer() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buzzerKind == BuzzerNone {
		return false
	}
	b.buzzerKind = BuzzerNone
	b.arrivals = nil
	b.ranking = nil
	b.firstBuzz = 0
	return true
}

// Buzzer returns a snapshot of the buzzer sub-state.
func (b *Board) Buzzer() BuzzerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := BuzzerState{Kind: b.buzzerKind}
	if b.arrivals != nil {
		out.Arrivals = make(map[UserSessionID]int64, len(b.arrivals))
		for u, t := range b.arrivals {
			out.Arrivals[u] = t
		}
	}
	if b.ranking != nil {
		out.Ranking = append([]UserSessionID(nil), b.ranking...)
	}
	return out
}

// ApplyMediaState accepts a playback report iff it is monotonic with
// respect to the client clock and not a rapid duplicate from the socket
// that produced the last accepted update. now is the server receipt time
// used for the debounce window.
func (b *Board) ApplyMediaState(status MediaStatus, debounce time.Duration, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.action.Kind != ActionMediaPlayer || b.action.Player == nil {
		return false
	}
	cur := &b.action.Player.Status
	if status.LastUpdated < cur.LastUpdated {
		return false
	}
	if status.Origin == cur.Origin && now.Sub(b.lastMediaAccept) < debounce {
		return false
	}
	*cur = status
	b.lastMediaAccept = now
	return true
}

// StepMedia moves the media index by delta and rebinds a fresh status to
// the requesting socket. Out-of-range steps and questions without media
// are no-ops.
func (b *Board) StepMedia(delta int, origin WebsocketSessionID, now time.Time) (MediaPlayer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.action.Kind != ActionMediaPlayer || b.action.Player == nil || b.current == nil {
		return MediaPlayer{}, false
	}
	q := b.question(*b.current)
	if q == nil || len(q.Media) == 0 {
		return MediaPlayer{}, false
	}
	next := b.action.Player.Index + delta
	if next < 0 || next >= len(q.Media) {
		return MediaPlayer{}, false
	}
	b.action.Player = &MediaPlayer{
		Status: MediaStatus{Paused: true, LastUpdated: now.UnixMilli(), Origin: origin},
		Index:  next,
	}
	return *b.action.Player, true
}
