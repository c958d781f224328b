package queue

import (
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/mutations"
)

// Plan is the outcome of a consolidation pass: the surviving mutations, oldest first, and the
// ids of the ones that can be dropped.
type Plan struct {
	Keep []PendingMutation
	Drop []string
}

type entityState struct {
	deleteIndex int
	deleted     bool
	marks       map[mutations.Action]bool
}

// Consolidate scans the log newest to oldest and removes mutations made moot by later ones:
//
//   - a delete drops earlier updates and marks of the entity, and cancels an earlier create
//     that was never transmitted (both are dropped);
//   - repeated marks of the same kind keep only the newest;
//   - a chain of reaction toggles on one key keeps only the newest toggle, or nothing when the
//     chain ends where it started and none of it was ever transmitted.
//
// Mutations that do not decode are kept untouched. Consolidate is pure and idempotent.
func Consolidate(pending []PendingMutation) Plan {
	drop := make([]bool, len(pending))
	entities := map[string]*entityState{}
	reactions := map[string][]int{}

	state := func(entity string) *entityState {
		current, ok := entities[entity]
		if !ok {
			current = &entityState{marks: map[mutations.Action]bool{}}
			entities[entity] = current
		}
		return current
	}

	for index := len(pending) - 1; index >= 0; index-- {
		descriptor, err := mutations.Describe(pending[index].Mutation())
		if err != nil {
			continue
		}
		switch descriptor.Action {
		case mutations.ActionDelete:
			current := state(descriptor.Entity)
			if !current.deleted {
				current.deleted = true
				current.deleteIndex = index
			}
		case mutations.ActionCreate:
			current := state(descriptor.Entity)
			if current.deleted && pending[index].Retries == 0 && pending[current.deleteIndex].Retries == 0 {
				drop[index] = true
				drop[current.deleteIndex] = true
			}
		case mutations.ActionUpdate:
			if state(descriptor.Entity).deleted {
				drop[index] = true
			}
		case mutations.ActionMarkSeen, mutations.ActionMarkOpened:
			current := state(descriptor.Entity)
			if current.deleted || current.marks[descriptor.Action] {
				drop[index] = true
				continue
			}
			current.marks[descriptor.Action] = true
		case mutations.ActionAddReaction, mutations.ActionRemoveReaction:
			reactions[descriptor.Entity] = append(reactions[descriptor.Entity], index)
		}
	}

	for _, chain := range reactions {
		collapseReactions(pending, chain, drop)
	}

	plan := Plan{}
	for index, mutation := range pending {
		if drop[index] {
			plan.Drop = append(plan.Drop, mutation.ID)
			continue
		}
		plan.Keep = append(plan.Keep, mutation)
	}
	return plan
}

// collapseReactions reduces one key's toggles, given newest first. The newest toggle decides the
// final state; the oldest implies the state before the chain.
func collapseReactions(pending []PendingMutation, chain []int, drop []bool) {
	if len(chain) < 2 {
		return
	}
	transmitted := false
	for _, index := range chain {
		if pending[index].Retries > 0 {
			transmitted = true
		}
	}
	for _, index := range chain[1:] {
		drop[index] = true
	}
	newest := mutations.Type(pending[chain[0]].Type)
	oldest := mutations.Type(pending[chain[len(chain)-1]].Type)
	finalPresent := newest == mutations.TypeCreateMessageReaction
	initialPresent := oldest != mutations.TypeCreateMessageReaction
	if !transmitted && finalPresent == initialPresent {
		drop[chain[0]] = true
	}
}
