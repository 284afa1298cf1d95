package main

import (
	"math/rand/v2"
)

// Civilian points by descending rank; ranks past the table fall back to
// the flat minimum.
var civilianPoints = []int{900, 800, 700, 600, 500, 400, 300, 200}

const (
	policeWin       = 1000
	thiefWin        = 1000 // thief wins if the police guesses wrong
	civilianMinimum = 100
)

const (
	rolePolice   = "POLICE"
	roleThief    = "THIEF"
	roleCivilian = "CIVILIAN"
)

// CivilianAward pairs a civilian with the points at stake for them this round.
type CivilianAward struct {
	ID  string `json:"id"`
	Pts int    `json:"pts"`
}

// RoleAssignment is one round's secret role distribution. It is owned by its
// session and exists only between round start and reveal.
type RoleAssignment struct {
	PoliceID  string          `json:"police_id"`
	ThiefID   string          `json:"thief_id"`
	Civilians []CivilianAward `json:"civilians"`
}

func civilianPointsAt(rank int) int {
	if rank < len(civilianPoints) {
		return civilianPoints[rank]
	}
	return civilianMinimum
}

// assignRoles shuffles the given player ids with Fisher-Yates and deals the
// first out as police, the second as thief, and the rest as civilians with
// descending points. A nil rng uses the shared seeded source.
func assignRoles(ids []string, rng *rand.Rand) (*RoleAssignment, error) {
	if len(ids) < 2 {
		return nil, gameErrorf(errInsufficientPlayers, "At least 2 players are needed to start a round.")
	}

	shuffled := make([]string, len(ids))
	copy(shuffled, ids)

	swap := func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	if rng != nil {
		rng.Shuffle(len(shuffled), swap)
	} else {
		rand.Shuffle(len(shuffled), swap)
	}

	assignment := &RoleAssignment{
		PoliceID: shuffled[0],
		ThiefID:  shuffled[1],
	}
	for rank, id := range shuffled[2:] {
		assignment.Civilians = append(assignment.Civilians, CivilianAward{
			ID:  id,
			Pts: civilianPointsAt(rank),
		})
	}

	return assignment, nil
}

// resolveGuess computes the round's score delta for every current player.
// The guess is correct iff the target is the thief; exactly one of police
// and thief receives their award, and civilians always receive their
// assigned points regardless of the outcome. Players outside the
// assignment receive 0.
func resolveGuess(assignment *RoleAssignment, ids []string, targetID string) (map[string]int, bool) {
	correct := targetID == assignment.ThiefID

	delta := make(map[string]int, len(ids))
	for _, id := range ids {
		delta[id] = 0
	}

	if correct {
		delta[assignment.PoliceID] = policeWin
	} else {
		delta[assignment.ThiefID] = thiefWin
	}

	for _, c := range assignment.Civilians {
		delta[c.ID] += c.Pts
	}

	return delta, correct
}
