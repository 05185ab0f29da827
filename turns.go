package main

import (
	"fmt"
	mrand "math/rand"
	"strings"
	"time"
)

// randSource provides the randomness a round needs: uniform integers and a
// shuffle primitive. *math/rand.Rand satisfies it; tests seed their own.
// Casual fairness is all that's required here, not bias-resistance.
type randSource interface {
	Intn(n int) int
	Shuffle(n int, swap func(i, j int))
}

func newGameRand() *mrand.Rand {
	return mrand.New(mrand.NewSource(time.Now().UnixNano()))
}

// turnSlot assigns one player a 1-based speaking position.
type turnSlot struct {
	PlayerID string
	Name     string
	Position int
}

// ordinal renders n with its English suffix: 1st, 2nd, 3rd, 4th, and the
// 11th/12th/13th exceptions.
func ordinal(n int) string {
	switch n % 100 {
	case 11, 12, 13:
		return fmt.Sprintf("%dth", n)
	}

	switch n % 10 {
	case 1:
		return fmt.Sprintf("%dst", n)
	case 2:
		return fmt.Sprintf("%dnd", n)
	case 3:
		return fmt.Sprintf("%drd", n)
	default:
		return fmt.Sprintf("%dth", n)
	}
}

// shuffledTurnOrder returns a uniformly random permutation of players with
// positions 1..N. Roles are drawn separately, so a player's position says
// nothing about whether they are the imposter.
func shuffledTurnOrder(players []Player, rng randSource) []turnSlot {
	order := make([]turnSlot, len(players))
	for i, p := range players {
		order[i] = turnSlot{PlayerID: p.ID, Name: p.Name}
	}

	rng.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})

	for i := range order {
		order[i].Position = i + 1
	}

	return order
}

// formatTurnOrder renders a turn order as e.g. "1st: Player 2, 2nd: Player 1".
func formatTurnOrder(order []turnSlot) string {
	parts := make([]string, len(order))
	for i, slot := range order {
		parts[i] = ordinal(slot.Position) + ": " + slot.Name
	}
	return strings.Join(parts, ", ")
}

// pickImposters draws k distinct player indices out of n. The second index
// is resampled until it differs from the first.
func pickImposters(n, k int, rng randSource) []int {
	first := rng.Intn(n)
	if k < 2 {
		return []int{first}
	}

	second := rng.Intn(n)
	for second == first {
		second = rng.Intn(n)
	}

	return []int{first, second}
}
