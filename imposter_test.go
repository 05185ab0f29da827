package main

import (
	"fmt"
	mrand "math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Handlers are exercised directly rather than through run(), which gives
// each test the same run-to-completion ordering the loop provides.

var testCfg = &Config{}

func newTestHub(rules gameRules) *Hub {
	h := newHub("TESTROOM", rules)
	h.rng = mrand.New(mrand.NewSource(1))
	return h
}

func joinPlayer(h *Hub, id string) *Client {
	c := &Client{send: make(chan any, 32), id: id}
	h.handleRegister(c)
	h.handleJoin(testCfg, c)
	return c
}

// drain empties a client's send buffer.
func drain(c *Client) []any {
	var msgs []any
	for {
		select {
		case m, ok := <-c.send:
			if !ok {
				return msgs
			}
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func findGameStart(t *testing.T, msgs []any) GameStartMessage {
	t.Helper()
	for _, m := range msgs {
		if gs, ok := m.(GameStartMessage); ok {
			return gs
		}
	}
	require.FailNow(t, "no game-start message found")
	return GameStartMessage{}
}

func hasRestarted(msgs []any) bool {
	for _, m := range msgs {
		if _, ok := m.(GameRestartedMessage); ok {
			return true
		}
	}
	return false
}

func lastStatus(t *testing.T, msgs []any) GameStatusMessage {
	t.Helper()
	var status GameStatusMessage
	found := false
	for _, m := range msgs {
		if gs, ok := m.(GameStatusMessage); ok {
			status = gs
			found = true
		}
	}
	require.True(t, found, "no game-status message found")
	return status
}

func lastRoster(t *testing.T, msgs []any) PlayersUpdateMessage {
	t.Helper()
	var roster PlayersUpdateMessage
	found := false
	for _, m := range msgs {
		if pu, ok := m.(PlayersUpdateMessage); ok {
			roster = pu
			found = true
		}
	}
	require.True(t, found, "no players-update message found")
	return roster
}

func TestJoinAssignsSequentialNames(t *testing.T) {
	t.Parallel()

	h := newTestHub(openRules)

	c1 := joinPlayer(h, "p1")
	c2 := joinPlayer(h, "p2")

	require.Len(t, h.players, 2)
	assert.Equal(t, "Player 1", h.players[0].Name)
	assert.Equal(t, "Player 2", h.players[1].Name)

	msgs := drain(c1)
	for _, m := range msgs {
		if pn, ok := m.(PlayerNameMessage); ok {
			assert.Equal(t, "Player 1", pn.Name)
		}
	}

	roster := lastRoster(t, drain(c2))
	assert.Equal(t, []string{"Player 1", "Player 2"}, roster.Players)
}

func TestNamesNotRenumberedAfterChurn(t *testing.T) {
	t.Parallel()

	h := newTestHub(openRules)

	joinPlayer(h, "p1")
	c2 := joinPlayer(h, "p2")
	joinPlayer(h, "p3")

	h.handleUnregister(testCfg, c2)
	joinPlayer(h, "p4")

	names := make([]string, 0, len(h.players))
	for _, p := range h.players {
		names = append(names, p.Name)
	}

	// "Player 2" left; the newcomer is numbered off the current size, so
	// the duplicate "Player 3" is expected.
	assert.Equal(t, []string{"Player 1", "Player 3", "Player 3"}, names)
}

func TestDuplicateJoinIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newTestHub(openRules)

	c := joinPlayer(h, "p1")
	drain(c)

	h.handleJoin(testCfg, c)

	require.Len(t, h.players, 1)
	assert.Equal(t, "Player 1", h.players[0].Name)

	msgs := drain(c)
	found := false
	for _, m := range msgs {
		if pn, ok := m.(PlayerNameMessage); ok {
			found = true
			assert.Equal(t, "Player 1", pn.Name)
		}
	}
	assert.True(t, found, "duplicate join should resend the player name")
}

// Scenario: three players join a classic room; the third join starts the
// round on its own.
func TestClassicAutoStartAtThree(t *testing.T) {
	t.Parallel()

	h := newTestHub(classicRules)

	c1 := joinPlayer(h, "p1")
	c2 := joinPlayer(h, "p2")

	status := lastStatus(t, drain(c1))
	assert.Equal(t, "waiting", status.Status)
	assert.Contains(t, status.Message, "1 more player(s)")
	drain(c2)

	c3 := joinPlayer(h, "p3")

	assert.Equal(t, statePlaying, h.state)
	assert.Len(t, h.roles, 3)
	assert.GreaterOrEqual(t, h.secretNumber, 1)
	assert.LessOrEqual(t, h.secretNumber, 100)

	imposters := 0
	var knowerNumbers []int
	for _, c := range []*Client{c1, c2, c3} {
		msgs := drain(c)
		gs := findGameStart(t, msgs)

		if gs.Role == "imposter" {
			imposters++
			assert.Nil(t, gs.Number, "the imposter must never receive the number")
		} else {
			assert.Equal(t, "knower", gs.Role)
			require.NotNil(t, gs.Number)
			knowerNumbers = append(knowerNumbers, *gs.Number)
		}

		status := lastStatus(t, msgs)
		assert.Equal(t, "playing", status.Status)
	}

	assert.Equal(t, 1, imposters)
	require.Len(t, knowerNumbers, 2)
	assert.Equal(t, knowerNumbers[0], knowerNumbers[1])
	assert.Equal(t, h.secretNumber, knowerNumbers[0])
}

// Scenario: two players in an open room start explicitly; turn order text
// and positions agree.
func TestOpenStartWithTwoPlayers(t *testing.T) {
	t.Parallel()

	h := newTestHub(openRules)

	c1 := joinPlayer(h, "p1")
	c2 := joinPlayer(h, "p2")
	drain(c1)
	drain(c2)

	h.handleStart(testCfg, c1)

	assert.Equal(t, statePlaying, h.state)

	positions := make(map[string]int)
	for _, slot := range h.turnOrder {
		positions[slot.PlayerID] = slot.Position
	}

	for _, c := range []*Client{c1, c2} {
		gs := findGameStart(t, drain(c))

		if gs.Number != nil {
			assert.GreaterOrEqual(t, *gs.Number, 1)
			assert.LessOrEqual(t, *gs.Number, 130)
		}

		assert.Equal(t, positions[c.id], gs.TurnPosition)
		assert.Contains(t, gs.TurnOrder, "1st: ")
		assert.Contains(t, gs.TurnOrder, "2nd: ")
		assert.Contains(t, gs.TurnOrder, fmt.Sprintf("%s: ", ordinal(gs.TurnPosition)))
	}
}

// Scenario: five players with the two-imposters flag enabled get exactly
// two distinct imposters sharing nothing with the three knowers.
func TestTwoImpostersWithFivePlayers(t *testing.T) {
	t.Parallel()

	h := newTestHub(openRules)

	clients := make([]*Client, 5)
	for i := range clients {
		clients[i] = joinPlayer(h, fmt.Sprintf("p%d", i+1))
	}

	h.handleToggle()
	assert.True(t, h.twoImposters)
	for _, c := range clients {
		drain(c)
	}

	h.handleStart(testCfg, clients[0])

	imposters, knowers := 0, 0
	for _, c := range clients {
		gs := findGameStart(t, drain(c))
		switch gs.Role {
		case "imposter":
			imposters++
			assert.Nil(t, gs.Number)
		case "knower":
			knowers++
			require.NotNil(t, gs.Number)
			assert.Equal(t, h.secretNumber, *gs.Number)
		}
	}

	assert.Equal(t, 2, imposters)
	assert.Equal(t, 3, knowers)
}

// Scenario: a departure mid-round resets the remaining room to waiting.
func TestDisconnectDuringGameResets(t *testing.T) {
	t.Parallel()

	h := newTestHub(classicRules)

	c1 := joinPlayer(h, "p1")
	c2 := joinPlayer(h, "p2")
	c3 := joinPlayer(h, "p3")

	require.Equal(t, statePlaying, h.state)
	drain(c1)
	drain(c2)

	dropped := h.handleUnregister(testCfg, c3)
	assert.False(t, dropped)

	assert.Equal(t, stateWaiting, h.state)
	assert.Empty(t, h.roles)
	assert.Empty(t, h.turnOrder)
	assert.Zero(t, h.secretNumber)

	for _, c := range []*Client{c1, c2} {
		msgs := drain(c)
		assert.True(t, hasRestarted(msgs))

		roster := lastRoster(t, msgs)
		assert.Len(t, roster.Players, 2)

		status := lastStatus(t, msgs)
		assert.Equal(t, "waiting", status.Status)
		assert.Contains(t, status.Message, "A player left")
	}
}

func TestJoinDuringGameResets(t *testing.T) {
	t.Parallel()

	h := newTestHub(classicRules)

	c1 := joinPlayer(h, "p1")
	joinPlayer(h, "p2")
	joinPlayer(h, "p3")
	require.Equal(t, statePlaying, h.state)
	drain(c1)

	joinPlayer(h, "p4")

	assert.Equal(t, stateWaiting, h.state)
	assert.Empty(t, h.roles)
	assert.Len(t, h.players, 4)
	assert.True(t, hasRestarted(drain(c1)))
}

func TestRolesMatchPlayersWhilePlaying(t *testing.T) {
	t.Parallel()

	h := newTestHub(openRules)

	for i := 0; i < 4; i++ {
		joinPlayer(h, fmt.Sprintf("p%d", i+1))
	}

	assert.Empty(t, h.roles, "roles must be empty while waiting")
	assert.Empty(t, h.turnOrder)

	h.handleStart(testCfg, nil)

	assert.Len(t, h.roles, len(h.players))
	assert.Len(t, h.turnOrder, len(h.players))

	seen := make(map[string]bool)
	for _, slot := range h.turnOrder {
		seen[slot.PlayerID] = true
	}
	for _, p := range h.players {
		assert.True(t, seen[p.ID], "turn order must cover every player")
	}
}

func TestStartBelowMinimumIsNoOp(t *testing.T) {
	t.Parallel()

	h := newTestHub(openRules)

	c := joinPlayer(h, "p1")
	drain(c)

	h.handleStart(testCfg, c)

	assert.Equal(t, stateWaiting, h.state)
	assert.Empty(t, h.roles)
	assert.Zero(t, h.secretNumber)

	status := lastStatus(t, drain(c))
	assert.Equal(t, "waiting", status.Status)
	assert.Contains(t, status.Message, "at least 2 players")
}

func TestStartWhileGameInProgress(t *testing.T) {
	t.Parallel()

	h := newTestHub(openRules)

	c1 := joinPlayer(h, "p1")
	c2 := joinPlayer(h, "p2")

	h.handleStart(testCfg, c1)
	number := h.secretNumber
	drain(c1)
	drain(c2)

	h.handleStart(testCfg, c1)

	assert.Equal(t, statePlaying, h.state)
	assert.Equal(t, number, h.secretNumber, "a second start must not redraw the number")

	status := lastStatus(t, drain(c1))
	assert.Equal(t, "error", status.Status)
}

func TestClassicIgnoresManualStart(t *testing.T) {
	t.Parallel()

	h := newTestHub(classicRules)

	c1 := joinPlayer(h, "p1")
	c2 := joinPlayer(h, "p2")
	drain(c1)
	drain(c2)

	h.handleStart(testCfg, c1)

	assert.Equal(t, stateWaiting, h.state)
	assert.Empty(t, drain(c1))
}

func TestRestartIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newTestHub(openRules)

	c1 := joinPlayer(h, "p1")
	c2 := joinPlayer(h, "p2")
	h.handleStart(testCfg, c1)
	drain(c1)
	drain(c2)

	h.handleRestart(testCfg)
	h.handleRestart(testCfg)

	assert.Equal(t, stateWaiting, h.state)
	assert.Empty(t, h.roles)
	assert.Empty(t, h.turnOrder)
	assert.Zero(t, h.secretNumber)

	msgs := drain(c1)
	restarts := 0
	for _, m := range msgs {
		if _, ok := m.(GameRestartedMessage); ok {
			restarts++
		}
	}
	assert.Equal(t, 2, restarts, "both restarts broadcast, with identical resulting state")
}

func TestToggleIgnoredWhilePlaying(t *testing.T) {
	t.Parallel()

	h := newTestHub(openRules)

	clients := make([]*Client, 4)
	for i := range clients {
		clients[i] = joinPlayer(h, fmt.Sprintf("p%d", i+1))
	}
	h.handleStart(testCfg, clients[0])
	for _, c := range clients {
		drain(c)
	}

	h.handleToggle()

	assert.False(t, h.twoImposters)
	for _, c := range clients {
		for _, m := range drain(c) {
			_, isToggle := m.(TwoImpostersMessage)
			assert.False(t, isToggle, "no toggle broadcast mid-round")
		}
	}
}

func TestTwoImpostersEnforcedAtStartTime(t *testing.T) {
	t.Parallel()

	h := newTestHub(openRules)

	clients := make([]*Client, 3)
	for i := range clients {
		clients[i] = joinPlayer(h, fmt.Sprintf("p%d", i+1))
	}

	// The toggle is accepted below four players; the imposter count is
	// decided at start time.
	h.handleToggle()
	assert.True(t, h.twoImposters)
	for _, c := range clients {
		drain(c)
	}

	h.handleStart(testCfg, clients[0])

	imposters := 0
	for _, r := range h.roles {
		if r == roleImposter {
			imposters++
		}
	}
	assert.Equal(t, 1, imposters)
}

func TestClassicHasNoToggle(t *testing.T) {
	t.Parallel()

	h := newTestHub(classicRules)

	c := joinPlayer(h, "p1")
	drain(c)

	h.handleToggle()

	assert.False(t, h.twoImposters)
	assert.Empty(t, drain(c))
}

func TestLastPlayerLeavingDropsRoom(t *testing.T) {
	t.Parallel()

	h := newTestHub(openRules)

	dropped := false
	h.drop = func() { dropped = true }

	c := joinPlayer(h, "p1")

	assert.True(t, h.handleUnregister(testCfg, c))
	assert.True(t, dropped)
	assert.Empty(t, h.players)
}

func TestGameManagerLookupAndRemove(t *testing.T) {
	t.Parallel()

	gm := newGameManager(openRules, 0)

	hub := gm.getHub(testCfg, "ROOMX")
	require.NotNil(t, hub)

	again := gm.getHub(testCfg, "ROOMX")
	assert.Same(t, hub, again)

	_, ok := gm.lookup("ROOMX")
	assert.True(t, ok)

	gm.remove("ROOMX")
	_, ok = gm.lookup("ROOMX")
	assert.False(t, ok)

	id := gm.newGameID()
	assert.Len(t, id, 8)
}
