package main

import (
	"crypto/rand"
	mrand "math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 6

	defaultRounds = 10
	minRounds     = 1
	maxRounds     = 50
)

type sessionStatus string

const (
	statusLobby     sessionStatus = "lobby"
	statusAssigning sessionStatus = "assigning"
	statusGuessing  sessionStatus = "guessing"
	statusRevealing sessionStatus = "revealing"
	statusEnded     sessionStatus = "ended"
)

// channel is the delivery address of one connected participant. Delivery
// must never block a session operation.
type channel interface {
	deliver(msg any)
}

// Player is one participant in a session. Players are never removed;
// leaving only clears liveness, so scores and turn order survive
// disconnects.
type Player struct {
	ID        string
	Name      string
	Score     int
	Connected bool
	ch        channel // nil while disconnected
}

// GuessRecord captures who guessed whom in a completed round.
type GuessRecord struct {
	By       string `json:"by"`
	TargetID string `json:"target_id"`
	Correct  bool   `json:"correct"`
}

// HistoryEntry is the immutable record of one completed round. Entries are
// only ever appended and never feed back into scoring.
type HistoryEntry struct {
	Round     int             `json:"round"`
	PoliceID  string          `json:"police_id"`
	ThiefID   string          `json:"thief_id"`
	Civilians []CivilianAward `json:"civilians"`
	Guess     GuessRecord     `json:"guess"`
	Delta     map[string]int  `json:"delta"`
	Totals    map[string]int  `json:"totals"`
}

// Session is one game room. Every operation against a session runs under
// its mutex; sessions share no state with each other.
type Session struct {
	mu sync.Mutex

	code        string
	hostID      string
	players     map[string]*Player
	order       []string // join order, doubles as turn order
	totalRounds int
	round       int
	status      sessionStatus
	roles       *RoleAssignment // set between round start and reveal only
	history     []HistoryEntry

	lastActive time.Time
}

// SessionManager holds all active sessions keyed by code. Its own mutex
// covers only the map; per-session work happens under each session's mutex.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	cfg *Config

	// rng injects deterministic role deals in tests; nil in production.
	// A *rand.Rand is not safe for concurrent use, so all draws from it
	// go through rngMu.
	rngMu sync.Mutex
	rng   *mrand.Rand
}

// dealRoles serializes access to the shared test source; with no source
// injected it falls through to the concurrency-safe global one.
func (sm *SessionManager) dealRoles(ids []string) (*RoleAssignment, error) {
	if sm.rng == nil {
		return assignRoles(ids, nil)
	}

	sm.rngMu.Lock()
	defer sm.rngMu.Unlock()

	return assignRoles(ids, sm.rng)
}

func newSessionManager(cfg *Config) *SessionManager {
	sm := &SessionManager{
		sessions: make(map[string]*Session),
		cfg:      cfg,
	}
	if cfg.sessionTimeout > 0 {
		go sm.reaperLoop(cfg.sessionTimeout)
	}
	return sm
}

// newSessionCode draws codeLength characters from the unambiguous alphabet.
// The alphabet length divides 256, so a single random byte per character
// is uniform.
func newSessionCode() string {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	out := make([]byte, codeLength)
	for i := range out {
		out[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}
	return string(out)
}

func newPlayerID() string {
	return uuid.NewString()
}

func clampRounds(n int) int {
	switch {
	case n == 0:
		return defaultRounds
	case n < minRounds:
		return minRounds
	case n > maxRounds:
		return maxRounds
	}
	return n
}

// Create allocates a fresh session with a collision-checked code and
// registers the host as its first player.
func (sm *SessionManager) Create(hostName string, totalRounds int, ch channel) (*Session, *Player) {
	if hostName == "" {
		hostName = "Host"
	}

	host := &Player{
		ID:        newPlayerID(),
		Name:      hostName,
		Connected: true,
		ch:        ch,
	}

	s := &Session{
		hostID:      host.ID,
		players:     map[string]*Player{host.ID: host},
		order:       []string{host.ID},
		totalRounds: clampRounds(totalRounds),
		status:      statusLobby,
		lastActive:  time.Now(),
	}

	sm.mu.Lock()
	for {
		code := newSessionCode()
		if _, exists := sm.sessions[code]; !exists {
			s.code = code
			sm.sessions[code] = s
			break
		}
	}
	sm.mu.Unlock()

	logf(sm.cfg, "GAMES: %q created session %s (%d rounds)", host.Name, s.code, s.totalRounds)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sendLocked(host, SessionCreatedMessage{
		Type:     "session_created",
		Code:     s.code,
		PlayerID: host.ID,
	})
	s.broadcastLobbyLocked()

	return s, host
}

// lookup resolves a code to its session. Absence is the single most common
// caller error and is always recoverable.
func (sm *SessionManager) lookup(code string) (*Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	s, ok := sm.sessions[code]
	if !ok {
		return nil, gameErrorf(errSessionNotFound, "Session %s not found.", code)
	}
	return s, nil
}

// Join appends a new player to the end of the turn order. Joining is legal
// at any point in the game; a mid-game joiner becomes eligible to start
// once the rotation reaches their position.
func (sm *SessionManager) Join(code, name string, ch channel) (*Player, error) {
	s, err := sm.lookup(code)
	if err != nil {
		return nil, err
	}

	if name == "" {
		name = "Player"
	}

	p := &Player{
		ID:        newPlayerID(),
		Name:      name,
		Connected: true,
		ch:        ch,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.touchLocked()
	s.players[p.ID] = p
	s.order = append(s.order, p.ID)

	s.sendLocked(p, SessionJoinedMessage{
		Type:     "session_joined",
		Code:     s.code,
		PlayerID: p.ID,
	})
	s.broadcastLobbyLocked()

	logf(sm.cfg, "GAMES: %q joined session %s", p.Name, s.code)

	return p, nil
}

// Dismantle removes a session irreversibly. Only the host may do so, and
// every member is told before the code stops resolving.
func (sm *SessionManager) Dismantle(code, requesterID string) error {
	s, err := sm.lookup(code)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if requesterID != s.hostID {
		s.mu.Unlock()
		return gameErrorf(errNotHost, "Only the host can dismantle the session.")
	}

	s.broadcastLocked(SimpleMessage{
		Type:    "game_dismantled",
		Message: "The host has dismantled the session.",
	})
	s.mu.Unlock()

	sm.mu.Lock()
	delete(sm.sessions, code)
	sm.mu.Unlock()

	logf(sm.cfg, "GAMES: Session %s dismantled", code)

	return nil
}

// Reconnect rebinds a returning player's delivery channel and, while a
// round is awaiting a guess, replays exactly the private role message and
// public police reveal that player received at round start. Nobody else
// hears anything and no state changes.
func (sm *SessionManager) Reconnect(code, playerID string, ch channel) error {
	s, err := sm.lookup(code)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[playerID]
	if !ok {
		return gameErrorf(errUnknownPlayer, "Unknown player.")
	}

	s.touchLocked()
	p.ch = ch
	p.Connected = true

	if s.status == statusGuessing && s.roles != nil {
		s.sendLocked(p, s.roleMessageLocked(playerID))
		s.sendLocked(p, s.policeRevealLocked())
	}
	s.broadcastLobbyLocked()

	logf(sm.cfg, "GAMES: %q reconnected to session %s", p.Name, s.code)

	return nil
}

// StartRound begins the next round. Only the designated starter, the
// player at position round mod len(order) before the increment, may call
// it, and only from the lobby or the reveal of the previous round.
func (sm *SessionManager) StartRound(code, playerID string) error {
	s, err := sm.lookup(code)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case statusEnded:
		return gameErrorf(errGameEnded, "The game has already ended.")
	case statusAssigning, statusGuessing:
		return gameErrorf(errRoundInProgress, "A round is already in progress.")
	}

	starterID := s.order[s.round%len(s.order)]
	if playerID != starterID {
		starterName := "the next player"
		if starter, ok := s.players[starterID]; ok {
			starterName = starter.Name
		}
		return gameErrorf(errNotYourTurn, "It's %s's turn to start the round.", starterName)
	}

	roles, err := sm.dealRoles(s.order)
	if err != nil {
		return err
	}

	s.touchLocked()
	s.round++
	s.status = statusAssigning
	s.roles = roles

	// Each player learns only their own role; the thief is told their
	// award is 0.
	for _, id := range s.order {
		p := s.players[id]
		if p.ch == nil {
			continue
		}
		s.sendLocked(p, s.roleMessageLocked(id))
	}

	// Everyone learns who the police is. The thief stays secret until
	// the reveal.
	s.broadcastLocked(s.policeRevealLocked())

	s.status = statusGuessing
	s.broadcastLobbyLocked()

	logf(sm.cfg, "GAMES: Session %s started round %d/%d", s.code, s.round, s.totalRounds)

	return nil
}

// Guess resolves the police's accusation, applies score deltas, records
// the round, and reveals the full assignment to the whole session. On the
// final round it also ends the game and announces the winner set.
func (sm *SessionManager) Guess(code, playerID, targetID string) error {
	s, err := sm.lookup(code)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != statusGuessing || s.roles == nil {
		return gameErrorf(errNoActiveRound, "No active round.")
	}
	if playerID != s.roles.PoliceID {
		return gameErrorf(errNotPolice, "Only the police can guess.")
	}
	if _, ok := s.players[targetID]; !ok {
		return gameErrorf(errInvalidTarget, "Invalid target.")
	}

	s.touchLocked()

	delta, correct := resolveGuess(s.roles, s.order, targetID)
	for id, d := range delta {
		s.players[id].Score += d
	}
	totals := s.totalsLocked()

	entry := HistoryEntry{
		Round:     s.round,
		PoliceID:  s.roles.PoliceID,
		ThiefID:   s.roles.ThiefID,
		Civilians: s.roles.Civilians,
		Guess: GuessRecord{
			By:       playerID,
			TargetID: targetID,
			Correct:  correct,
		},
		Delta:  delta,
		Totals: totals,
	}
	s.history = append(s.history, entry)

	civilians := make([]NamedAward, 0, len(s.roles.Civilians))
	for _, c := range s.roles.Civilians {
		civilians = append(civilians, NamedAward{
			ID:   c.ID,
			Name: s.playerNameLocked(c.ID),
			Pts:  c.Pts,
		})
	}

	s.broadcastLocked(RoundResultMessage{
		Type:    "round_result",
		Round:   s.round,
		Correct: correct,
		Police: NamedPlayer{
			ID:   s.roles.PoliceID,
			Name: s.playerNameLocked(s.roles.PoliceID),
		},
		Thief: NamedPlayer{
			ID:   s.roles.ThiefID,
			Name: s.playerNameLocked(s.roles.ThiefID),
		},
		Civilians: civilians,
		Delta:     delta,
		Totals:    totals,
	})

	logf(sm.cfg, "GAMES: Session %s round %d guess by %q was correct=%t", s.code, s.round, s.playerNameLocked(playerID), correct)

	s.status = statusRevealing
	s.roles = nil

	if s.round >= s.totalRounds {
		s.status = statusEnded
		s.broadcastLocked(GameEndedMessage{
			Type:    "game_ended",
			Winners: s.winnersLocked(),
			Totals:  totals,
		})
		logf(sm.cfg, "GAMES: Session %s ended after round %d", s.code, s.round)
	}

	s.broadcastLobbyLocked()

	return nil
}

// Disconnect marks the owner of the given channel as offline in whichever
// session holds it. The player keeps their turn-order slot and score; only
// liveness changes.
func (sm *SessionManager) Disconnect(ch channel) {
	sm.mu.Lock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		for _, p := range s.players {
			if p.ch == ch {
				p.ch = nil
				p.Connected = false
				s.broadcastLobbyLocked()
				logf(sm.cfg, "GAMES: %q disconnected from session %s", p.Name, s.code)
			}
		}
		s.mu.Unlock()
	}
}

// reaperLoop periodically removes sessions that have been idle longer than
// idleTimeout, telling any remaining members first.
func (sm *SessionManager) reaperLoop(idleTimeout time.Duration) {
	ticker := time.NewTicker(idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-idleTimeout)

		sm.mu.Lock()
		for code, s := range sm.sessions {
			s.mu.Lock()
			idle := s.lastActive.Before(cutoff)
			if idle {
				s.broadcastLocked(SimpleMessage{
					Type:    "game_dismantled",
					Message: "The session was ended due to inactivity.",
				})
				delete(sm.sessions, code)
			}
			s.mu.Unlock()

			if idle {
				logf(sm.cfg, "GAMES: Session %s reaped after idle timeout", code)
			}
		}
		sm.mu.Unlock()
	}
}

func (s *Session) touchLocked() {
	s.lastActive = time.Now()
}

func (s *Session) playerNameLocked(id string) string {
	if p, ok := s.players[id]; ok {
		return p.Name
	}
	return id
}

func (s *Session) totalsLocked() map[string]int {
	totals := make(map[string]int, len(s.players))
	for id, p := range s.players {
		totals[id] = p.Score
	}
	return totals
}

// winnersLocked returns every player whose score equals the maximum; ties
// produce multiple winners.
func (s *Session) winnersLocked() []PlayerSummary {
	maxScore := 0
	for _, p := range s.players {
		if p.Score > maxScore {
			maxScore = p.Score
		}
	}

	winners := make([]PlayerSummary, 0, 1)
	for _, id := range s.order {
		p := s.players[id]
		if p.Score == maxScore {
			winners = append(winners, PlayerSummary{
				ID:        p.ID,
				Name:      p.Name,
				Score:     p.Score,
				Connected: p.Connected,
			})
		}
	}
	return winners
}

// roleMessageLocked builds the private role message for one player from
// the active assignment. Reconnection replays the exact same message.
func (s *Session) roleMessageLocked(playerID string) RoleMessage {
	switch {
	case playerID == s.roles.PoliceID:
		return RoleMessage{Type: "round_role", Role: rolePolice, Points: policeWin}
	case playerID == s.roles.ThiefID:
		return RoleMessage{Type: "round_role", Role: roleThief, Points: 0}
	}

	for _, c := range s.roles.Civilians {
		if c.ID == playerID {
			return RoleMessage{Type: "round_role", Role: roleCivilian, Points: c.Pts}
		}
	}

	// Joined after the deal; a civilian with nothing at stake this round.
	return RoleMessage{Type: "round_role", Role: roleCivilian, Points: 0}
}

func (s *Session) policeRevealLocked() PoliceRevealedMessage {
	return PoliceRevealedMessage{
		Type:       "police_revealed",
		Round:      s.round,
		PoliceID:   s.roles.PoliceID,
		PoliceName: s.playerNameLocked(s.roles.PoliceID),
	}
}

func (s *Session) snapshotLocked() LobbyUpdateMessage {
	players := make([]PlayerSummary, 0, len(s.order))
	for _, id := range s.order {
		p := s.players[id]
		players = append(players, PlayerSummary{
			ID:        p.ID,
			Name:      p.Name,
			Score:     p.Score,
			Connected: p.Connected,
		})
	}

	return LobbyUpdateMessage{
		Type:        "lobby_update",
		Code:        s.code,
		HostID:      s.hostID,
		Players:     players,
		TotalRounds: s.totalRounds,
		Round:       s.round,
		Status:      string(s.status),
		Order:       s.order,
		History:     s.history,
	}
}

func (s *Session) sendLocked(p *Player, msg any) {
	if p.ch == nil {
		return
	}
	p.ch.deliver(msg)
}

func (s *Session) broadcastLocked(msg any) {
	for _, p := range s.players {
		s.sendLocked(p, msg)
	}
}

func (s *Session) broadcastLobbyLocked() {
	s.broadcastLocked(s.snapshotLocked())
}
