// Imposterbox Number Game
//
// Players join a shared room and are each privately dealt a role: everyone
// but the imposter learns a shared secret number. The table then talks it
// out — out loud, not in the app — and tries to spot who is bluffing.
//
// Features:
// - WebSockets per room ID: /path/:gameid and /path/:gameid/ws
// - Players identified per connection (ephemeral ID, no accounts)
// - Display names assigned as "Player N" in join order
// - One imposter per round; optionally two in rooms of four or more
// - Randomized speaking order, drawn independently of the roles
// - Any departure mid-round resets the room to waiting
// - Rooms vanish the moment their last player leaves
// - Two registered variants: open-ended (explicit start, 2+) and classic
//   (auto-start at exactly 3 players)
// - Idle rooms auto-reaped after a configurable timeout
// - Random 8-char room IDs via crypto/rand, with server-side collision check
// - In-browser QR button to share the current room, backed by go-qrcode

package main

import (
	"crypto/rand"
	_ "embed"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

type role string

const (
	roleKnower   role = "knower"
	roleImposter role = "imposter"
)

type gameState string

const (
	stateWaiting gameState = "waiting"
	statePlaying gameState = "playing"
)

// Player holds the data we store server-side. IDs are minted per websocket
// connection, so a reconnect produces a brand-new player.
type Player struct {
	ID   string
	Name string
}

// Messages coming from clients. The room is implied by the connection's URL,
// so nothing beyond the type is needed.
type ClientMessage struct {
	Type string `json:"type"` // "join-room", "start-game", "restart-game", "toggle-two-imposters"
}

// Sent to a single client with its assigned display name.
type PlayerNameMessage struct {
	Type string `json:"type"` // "player-name"
	Name string `json:"name"`
}

// Broadcast whenever the roster changes.
type PlayersUpdateMessage struct {
	Type    string   `json:"type"`    // "players-update"
	Players []string `json:"players"` // display names in join order
}

// Broadcast room-wide; carries no role or number information.
type GameStatusMessage struct {
	Type    string `json:"type"`    // "game-status"
	Status  string `json:"status"`  // "waiting", "playing" or "error"
	Message string `json:"message"` // user-facing text
}

// Sent privately to each player when a round starts. Number is null for the
// imposter — they must never receive it, even in a debugging payload.
type GameStartMessage struct {
	Type         string `json:"type"` // "game-start"
	Role         string `json:"role"` // "knower" or "imposter"
	Number       *int   `json:"number"`
	TurnPosition int    `json:"turn_position"`
	TurnOrder    string `json:"turn_order"` // e.g. "1st: Player 2, 2nd: Player 1"
	Message      string `json:"message"`
}

// Broadcast whenever a round is torn down, with no payload.
type GameRestartedMessage struct {
	Type string `json:"type"` // "game-restarted"
}

// Broadcast when the two-imposters flag flips (open variant only).
type TwoImpostersMessage struct {
	Type    string `json:"type"` // "two-imposters-toggle"
	Enabled bool   `json:"enabled"`
}

type Client struct {
	conn *websocket.Conn
	send chan any
	id   string
}

type hubCommand struct {
	client *Client
	kind   string
}

// Hub is one room: its connected clients, its players, and the state of the
// current round. All game state is mutated only by run(), one event at a
// time; the mutex exists so the manager's reaper can peek at lastActive.
type Hub struct {
	id    string
	rules gameRules

	clients map[*Client]bool
	players []Player

	state        gameState
	secretNumber int
	roles        map[string]role
	turnOrder    []turnSlot
	twoImposters bool

	register   chan *Client
	unregister chan *Client
	joins      chan *Client
	cmds       chan hubCommand

	rng randSource

	mu sync.RWMutex

	createdAt  time.Time
	lastActive time.Time

	// drop removes this hub from its manager; set at creation.
	drop func()
}

func newHub(gameID string, rules gameRules) *Hub {
	now := time.Now()
	return &Hub{
		id:         gameID,
		rules:      rules,
		clients:    make(map[*Client]bool),
		state:      stateWaiting,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		joins:      make(chan *Client),
		cmds:       make(chan hubCommand),
		rng:        newGameRand(),
		createdAt:  now,
		lastActive: now,
	}
}

func (h *Hub) run(cfg *Config) {
	for {
		select {
		case c := <-h.register:
			h.handleRegister(c)

		case c := <-h.unregister:
			if h.handleUnregister(cfg, c) {
				return
			}

		case c := <-h.joins:
			h.handleJoin(cfg, c)

		case cmd := <-h.cmds:
			switch cmd.kind {
			case "start-game":
				h.handleStart(cfg, cmd.client)
			case "restart-game":
				h.handleRestart(cfg)
			case "toggle-two-imposters":
				h.handleToggle()
			}
		}
	}
}

func (h *Hub) handleRegister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()
	h.clients[c] = true
}

// handleUnregister removes the connection and its player entry. Returns true
// once the room is empty and has been dropped from the manager, which ends
// the run loop.
func (h *Hub) handleUnregister(cfg *Config, c *Client) bool {
	h.mu.Lock()

	h.lastActive = time.Now()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}

	idx := -1
	for i, p := range h.players {
		if p.ID == c.id {
			idx = i
			break
		}
	}

	if idx >= 0 {
		h.players = append(h.players[:idx], h.players[idx+1:]...)
		delete(h.roles, c.id)

		if len(h.players) > 0 {
			h.broadcastRosterLocked()

			// A round cannot survive any player's departure.
			if h.state == statePlaying {
				h.resetLocked()
				h.broadcastStatusLocked(string(stateWaiting), "A player left. Game reset.")
				h.broadcastLocked(GameRestartedMessage{Type: "game-restarted"})
				logf(cfg, "GAMES: Player left mid-round in %s, reset to waiting", h.id)
			}
		}
	}

	empty := len(h.players) == 0 && len(h.clients) == 0
	h.mu.Unlock()

	if empty {
		if h.drop != nil {
			h.drop()
		}
		logf(cfg, "GAMES: Room %s emptied and was removed", h.id)
		return true
	}

	return false
}

// handleJoin processes "join-room" messages.
func (h *Hub) handleJoin(cfg *Config, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	// Duplicate join from the same connection is an idempotent refresh:
	// no new entry, no renumbering.
	for _, p := range h.players {
		if p.ID == c.id {
			h.sendLocked(c, PlayerNameMessage{Type: "player-name", Name: p.Name})
			h.broadcastRosterLocked()
			return
		}
	}

	// A membership change invalidates any assignments in flight.
	if h.state == statePlaying {
		h.resetLocked()
		h.broadcastLocked(GameRestartedMessage{Type: "game-restarted"})
	}

	player := Player{
		ID:   c.id,
		Name: fmt.Sprintf("Player %d", len(h.players)+1),
	}
	h.players = append(h.players, player)
	logf(cfg, "GAMES: %q joined %s (%d players)", player.Name, h.id, len(h.players))

	h.sendLocked(c, PlayerNameMessage{Type: "player-name", Name: player.Name})
	h.broadcastRosterLocked()

	if h.rules.autoStart > 0 && len(h.players) == h.rules.autoStart {
		h.startLocked(cfg)
		return
	}

	switch {
	case h.rules.autoStart > 0 && len(h.players) < h.rules.autoStart:
		h.broadcastStatusLocked(string(stateWaiting),
			fmt.Sprintf("Waiting for %d more player(s)...", h.rules.autoStart-len(h.players)))
	case h.rules.autoStart > 0:
		h.broadcastStatusLocked(string(stateWaiting), "Too many players. Waiting for someone to leave.")
	default:
		h.broadcastStatusLocked(string(stateWaiting),
			fmt.Sprintf("%d player(s) in the room. Start when ready!", len(h.players)))
	}
}

func (h *Hub) handleStart(cfg *Config, c *Client) {
	if !h.rules.manualStart {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()
	h.startLocked(cfg)
}

// startLocked runs one round start: precondition checks, the secret number,
// the imposter draw, the turn order, and the private deal.
func (h *Hub) startLocked(cfg *Config) {
	if len(h.players) < h.rules.minPlayers {
		h.broadcastStatusLocked(string(stateWaiting),
			fmt.Sprintf("Need at least %d players to start.", h.rules.minPlayers))
		return
	}

	if h.rules.autoStart > 0 && len(h.players) != h.rules.autoStart {
		h.broadcastStatusLocked(string(stateWaiting),
			fmt.Sprintf("This room plays with exactly %d players.", h.rules.autoStart))
		return
	}

	if h.state == statePlaying {
		h.broadcastStatusLocked("error", "Game already in progress.")
		return
	}

	h.secretNumber = h.rng.Intn(h.rules.maxNumber) + 1

	imposterCount := 1
	if h.rules.twoImposters && h.twoImposters && len(h.players) >= 4 {
		imposterCount = 2
	}

	h.roles = make(map[string]role, len(h.players))
	for _, p := range h.players {
		h.roles[p.ID] = roleKnower
	}
	for _, idx := range pickImposters(len(h.players), imposterCount, h.rng) {
		h.roles[h.players[idx].ID] = roleImposter
	}

	h.turnOrder = shuffledTurnOrder(h.players, h.rng)
	h.state = statePlaying

	orderText := formatTurnOrder(h.turnOrder)
	positions := make(map[string]int, len(h.turnOrder))
	for _, slot := range h.turnOrder {
		positions[slot.PlayerID] = slot.Position
	}

	for _, p := range h.players {
		c := h.clientLocked(p.ID)
		if c == nil {
			continue
		}

		msg := GameStartMessage{
			Type:         "game-start",
			Role:         string(h.roles[p.ID]),
			TurnPosition: positions[p.ID],
			TurnOrder:    orderText,
		}

		if h.roles[p.ID] == roleKnower {
			n := h.secretNumber
			msg.Number = &n
			msg.Message = fmt.Sprintf("You know the number! It's %d. Find the imposter!", n)
		} else {
			msg.Message = "You are the IMPOSTER! You don't know the number. Blend in and don't get caught!"
		}

		h.sendLocked(c, msg)
	}

	h.broadcastStatusLocked(string(statePlaying), "Game started! Check your role above.")
	logf(cfg, "GAMES: Started round in %s with %d players (%d imposter(s))",
		h.id, len(h.players), imposterCount)
}

// handleRestart tears the round down. Safe to call at any time; restarting
// an already-waiting room changes nothing observable.
func (h *Hub) handleRestart(cfg *Config) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	h.resetLocked()
	h.broadcastStatusLocked(string(stateWaiting), "Game reset. Ready to start!")
	h.broadcastLocked(GameRestartedMessage{Type: "game-restarted"})
	logf(cfg, "GAMES: Room %s reset", h.id)
}

// handleToggle flips the two-imposters flag. The flag is informational until
// start time, where the ≥4-players condition is enforced; flips during a
// round are ignored.
func (h *Hub) handleToggle() {
	if !h.rules.twoImposters {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	if h.state == statePlaying {
		return
	}

	h.twoImposters = !h.twoImposters
	h.broadcastLocked(TwoImpostersMessage{Type: "two-imposters-toggle", Enabled: h.twoImposters})
}

func (h *Hub) resetLocked() {
	h.state = stateWaiting
	h.secretNumber = 0
	h.roles = nil
	h.turnOrder = nil
}

func (h *Hub) clientLocked(playerID string) *Client {
	for c := range h.clients {
		if c.id == playerID {
			return c
		}
	}
	return nil
}

func (h *Hub) sendLocked(c *Client, msg any) {
	select {
	case c.send <- msg:
	default:
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) broadcastLocked(msg any) {
	for c := range h.clients {
		h.sendLocked(c, msg)
	}
}

func (h *Hub) broadcastRosterLocked() {
	names := make([]string, 0, len(h.players))
	for _, p := range h.players {
		names = append(names, p.Name)
	}

	h.broadcastLocked(PlayersUpdateMessage{Type: "players-update", Players: names})
}

func (h *Hub) broadcastStatusLocked(status, message string) {
	h.broadcastLocked(GameStatusMessage{Type: "game-status", Status: status, Message: message})
}

// closeAll disconnects all clients of this hub (used by reaper).
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		_ = c.conn.Close()
		delete(h.clients, c)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// GameManager holds a set of hubs keyed by game ID, so each $path/$gameid
// is its own isolated room.
type GameManager struct {
	mu          sync.Mutex
	hubs        map[string]*Hub
	rules       gameRules
	idleTimeout time.Duration
}

func newGameManager(rules gameRules, idleTimeout time.Duration) *GameManager {
	gm := &GameManager{
		hubs:        make(map[string]*Hub),
		rules:       rules,
		idleTimeout: idleTimeout,
	}
	if idleTimeout > 0 {
		go gm.reaperLoop()
	}
	return gm
}

func (gm *GameManager) getHub(cfg *Config, gameID string) *Hub {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if hub, ok := gm.hubs[gameID]; ok {
		return hub
	}

	hub := newHub(gameID, gm.rules)
	hub.drop = func() { gm.remove(gameID) }
	gm.hubs[gameID] = hub
	go hub.run(cfg)
	return hub
}

func (gm *GameManager) remove(gameID string) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	delete(gm.hubs, gameID)
}

func (gm *GameManager) lookup(gameID string) (*Hub, bool) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	hub, ok := gm.hubs[gameID]
	return hub, ok
}

func randomGameID(n int) string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	const max = byte(255 - (256 % len(letters)))

	out := make([]byte, 0, n)
	buf := make([]byte, n*2)

	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			panic(err)
		}

		for _, b := range buf {
			if b <= max {
				out = append(out, letters[int(b)%len(letters)])
				if len(out) == n {
					return string(out)
				}
			}
		}
	}

	return string(out)
}

// newGameID generates a crypto-random game ID and ensures it doesn't
// collide with existing games.
func (gm *GameManager) newGameID() string {
	for {
		id := randomGameID(8)

		gm.mu.Lock()
		_, exists := gm.hubs[id]
		gm.mu.Unlock()

		if !exists {
			return id
		}
	}
}

// reaperLoop periodically removes hubs that have been idle longer than
// idleTimeout. Rooms normally vanish when their last player leaves; this
// catches connections that never joined.
func (gm *GameManager) reaperLoop() {
	ticker := time.NewTicker(gm.idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-gm.idleTimeout)

		gm.mu.Lock()
		for id, hub := range gm.hubs {
			hub.mu.RLock()
			last := hub.lastActive
			hub.mu.RUnlock()

			if last.Before(cutoff) {
				delete(gm.hubs, id)
				go hub.closeAll()
			}
		}
		gm.mu.Unlock()
	}
}

// WebSocket handler that picks the hub based on :gameid
func serveWSForManager(cfg *Config, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		gameID := ps.ByName("gameid")
		if gameID == "" {
			http.Error(w, "missing game id", http.StatusBadRequest)
			return
		}

		hub := gm.getHub(cfg, gameID)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn: conn,
			send: make(chan any, 8),
			id:   uuid.NewString(),
		}

		hub.register <- client

		go client.writePump()
		client.readPump(hub)
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "join-room":
			h.joins <- c
		case "start-game", "restart-game", "toggle-two-imposters":
			h.cmds <- hubCommand{
				client: c,
				kind:   msg.Type,
			}
		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the current room URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	gameID := ps.ByName("gameid")
	if gameID == "" {
		http.Error(w, "missing game id", http.StatusBadRequest)
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

	// We are at /.../:gameid/qr; strip trailing "/qr" to get the room URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

//go:embed imposter/index.html
var indexHTML []byte

func getIndexHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(indexHTML)
	}
}

// redirectNewGame handles GET /path by generating a new random game ID
// (with server-side collision detection) and redirecting to /path/:gameid.
func redirectNewGame(cfg *Config, path string, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		gameID := gm.newGameID()
		logf(cfg, "GAMES: Created game %s/%s", path, gameID)
		http.Redirect(w, r, path+"/"+gameID, http.StatusTemporaryRedirect)
	}
}

// registerImposterGame sets up routes so that:
//   - $path                  → redirects to new random room (8-char ID)
//   - $path/:gameid          → HTML client
//   - $path/:gameid/ws       → WebSocket for that room
//   - $path/:gameid/qr       → PNG QR code for that room URL
func registerImposterGame(cfg *Config, path string, rules gameRules, mux *httprouter.Router) {
	gm := newGameManager(rules, cfg.sessionTimeout)

	path = cfg.prefix + path

	// Root path → redirect to new random room
	mux.GET(path, redirectNewGame(cfg, path, gm))

	// Per-room client view (HTML)
	mux.GET(path+"/:gameid", getIndexHandler(cfg))

	// Per-room websocket
	mux.GET(path+"/:gameid/ws", serveWSForManager(cfg, gm))

	// Per-room QR code
	mux.GET(path+"/:gameid/qr", qrHandler)
}
