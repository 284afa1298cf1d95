// Thiefbox Police vs Thief Game
//
// Small groups join a session by short code and play a fixed number of
// deduction rounds. Each round every player is secretly dealt a role: one
// police, one thief, and civilians holding descending point values. Only
// the police identity is public. The police accuses one player of being
// the thief; a correct guess awards the police, a wrong one awards the
// thief, and civilians bank their points either way. Highest total after
// the last round wins.
//
// Features:
// - Single WebSocket endpoint at /ws shared by all sessions
// - 6-char session codes from an unambiguous alphabet, collision-checked
// - Players identified by opaque UUIDs, stable across reconnects
// - Turn order fixed by join order; starter rotates round-robin
// - Secret roles delivered per-player; thief never leaked before reveal
// - Reconnecting mid-round replays the exact original role message
// - Disconnects only flip liveness; scores and turn order survive
// - Host-only session dismantle
// - In-browser QR button to share a session join URL, backed by go-qrcode
// - Optional idle-session reaper via --session-timeout

package main

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// Messages coming from clients
type ClientMessage struct {
	Type        string `json:"type"`                   // "create", "join", "reconnect", "dismantle", "start_round", "guess"
	Code        string `json:"code,omitempty"`         // all but create
	PlayerID    string `json:"player_id,omitempty"`    // reconnect / dismantle / start_round / guess
	Name        string `json:"name,omitempty"`         // create / join
	TotalRounds int    `json:"total_rounds,omitempty"` // create
	TargetID    string `json:"target_id,omitempty"`    // guess
}

// Sent to the creator once their session is registered
type SessionCreatedMessage struct {
	Type     string `json:"type"` // "session_created"
	Code     string `json:"code"`
	PlayerID string `json:"player_id"`
}

// Sent to a joiner with their assigned player id
type SessionJoinedMessage struct {
	Type     string `json:"type"` // "session_joined"
	Code     string `json:"code"`
	PlayerID string `json:"player_id"`
}

// PlayerSummary is the public view of one player; it never carries roles.
type PlayerSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Score     int    `json:"score"`
	Connected bool   `json:"connected"`
}

// LobbyUpdateMessage is the session-wide snapshot broadcast after every
// state change.
type LobbyUpdateMessage struct {
	Type        string          `json:"type"` // "lobby_update"
	Code        string          `json:"code"`
	HostID      string          `json:"host_id"`
	Players     []PlayerSummary `json:"players"`
	TotalRounds int             `json:"total_rounds"`
	Round       int             `json:"round"`
	Status      string          `json:"status"`
	Order       []string        `json:"order"`
	History     []HistoryEntry  `json:"history"`
}

// RoleMessage is the private role delivery for a single player.
type RoleMessage struct {
	Type   string `json:"type"` // "round_role"
	Role   string `json:"role"`
	Points int    `json:"points"`
}

// PoliceRevealedMessage tells the whole session who the police is.
type PoliceRevealedMessage struct {
	Type       string `json:"type"` // "police_revealed"
	Round      int    `json:"round"`
	PoliceID   string `json:"police_id"`
	PoliceName string `json:"police_name"`
}

type NamedPlayer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type NamedAward struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Pts  int    `json:"pts"`
}

// RoundResultMessage reveals the full assignment and scoring of a round.
type RoundResultMessage struct {
	Type      string         `json:"type"` // "round_result"
	Round     int            `json:"round"`
	Correct   bool           `json:"correct"`
	Police    NamedPlayer    `json:"police"`
	Thief     NamedPlayer    `json:"thief"`
	Civilians []NamedAward   `json:"civilians"`
	Delta     map[string]int `json:"delta"`
	Totals    map[string]int `json:"totals"`
}

// GameEndedMessage announces the winner set; ties produce multiple winners.
type GameEndedMessage struct {
	Type    string          `json:"type"` // "game_ended"
	Winners []PlayerSummary `json:"winners"`
	Totals  map[string]int  `json:"totals"`
}

// SimpleMessage is for generic notifications ("game_dismantled", "error").
type SimpleMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type Client struct {
	conn *websocket.Conn
	send chan any
}

// deliver queues a message for the client without blocking; a slow
// consumer drops messages rather than stalling a session operation.
func (c *Client) deliver(msg any) {
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Client) readPump(cfg *Config, sm *SessionManager) {
	defer func() {
		// Once Disconnect returns, every session has unbound this
		// channel under its lock, so nothing can deliver anymore and
		// closing lets writePump drain and exit.
		sm.Disconnect(c)
		close(c.send)
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		c.dispatch(cfg, sm, msg)
	}
}

func (c *Client) dispatch(cfg *Config, sm *SessionManager, msg ClientMessage) {
	var err error

	switch msg.Type {
	case "create":
		sm.Create(msg.Name, msg.TotalRounds, c)
	case "join":
		_, err = sm.Join(msg.Code, msg.Name, c)
	case "reconnect":
		err = sm.Reconnect(msg.Code, msg.PlayerID, c)
	case "dismantle":
		err = sm.Dismantle(msg.Code, msg.PlayerID)
	case "start_round":
		err = sm.StartRound(msg.Code, msg.PlayerID)
	case "guess":
		err = sm.Guess(msg.Code, msg.PlayerID, msg.TargetID)
	default:
		// ignore unknown types
	}

	if err == nil {
		return
	}

	// Caller errors go back to the offending client only; anything else
	// is a bug and gets a generic message.
	var ge *gameError
	if errors.As(err, &ge) {
		c.deliver(SimpleMessage{Type: "error", Message: ge.Error()})
		return
	}

	logf(cfg, "ERROR: %v", err)
	c.deliver(SimpleMessage{Type: "error", Message: "Something went wrong. Please try again."})
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func serveWS(cfg *Config, sm *SessionManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "ERROR: websocket upgrade: %v", err)
			return
		}

		client := &Client{
			conn: conn,
			send: make(chan any, 16),
		}

		go client.writePump()
		client.readPump(cfg, sm)
	}
}

// QR handler: generates a PNG QR code for a session's join URL using go-qrcode.
func qrHandler(cfg *Config, sm *SessionManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := ps.ByName("code")
		if code == "" {
			http.Error(w, "missing session code", http.StatusBadRequest)
			return
		}

		if _, err := sm.lookup(code); err != nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + cfg.prefix + "/?code=" + strings.ToUpper(code)

		const qrSize = 320 // mobile-friendly size
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}

// registerThiefGame sets up routes so that:
//   - /ws                  → shared WebSocket for all sessions
//   - /session/:code/qr    → PNG QR code linking to the join page
func registerThiefGame(cfg *Config, mux *httprouter.Router) {
	sm := newSessionManager(cfg)

	mux.GET(cfg.prefix+"/ws", serveWS(cfg, sm))

	mux.GET(cfg.prefix+"/session/:code/qr", qrHandler(cfg, sm))
}
