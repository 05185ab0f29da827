package main

// gameRules parameterizes one registered variant of the imposter game.
type gameRules struct {
	minPlayers int // fewest players a round may start with
	maxNumber  int // secret number is drawn from [1, maxNumber]

	// autoStart > 0 starts a round automatically the moment the room
	// reaches exactly that many players.
	autoStart int

	manualStart  bool // honor "start-game" messages
	twoImposters bool // honor "toggle-two-imposters" messages
}

// openRules is the open-ended variant: any number of players from two up,
// started explicitly by a player, with an optional second imposter for
// rooms of four or more.
var openRules = gameRules{
	minPlayers:   2,
	maxNumber:    130,
	manualStart:  true,
	twoImposters: true,
}

// classicRules is the original fixed-trio variant: the round starts on its
// own when the third player joins, and never otherwise.
var classicRules = gameRules{
	minPlayers: 3,
	maxNumber:  100,
	autoStart:  3,
}
