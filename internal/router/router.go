// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package router implements the Task Router (spec §4.3): a pure scoring
// function over a set of candidate runners for a given task.
package router

import (
	"sort"
	"time"

	"github.com/sibylhq/sibyl-core/pkg/types"
)

const (
	affinityBonus        = 50
	capabilityBonus      = 30
	capabilityIneligible = -100
	loadWeight           = 20
	loadSaturatedPenalty = -50
	healthPenalty        = -100
	preferenceBonus      = 25
	healthThreshold      = 60 * time.Second

	// conflictPenalty is a routing refinement: a small
	// nudge down when a candidate is already modifying files that
	// overlap with the task's file hints, to reduce pointless merge
	// conflicts. It never flips an otherwise-eligible score negative on
	// its own (it is smaller than every other single component).
	conflictPenalty = -5
)

// Preferences carries the router's optional preference inputs.
type Preferences struct {
	PreferredRunnerID string
	// FilesInFlight maps runner id -> files currently being modified by
	// an in-flight task on that runner, for the conflict-avoidance
	// refinement.
	FilesInFlight map[string][]string
}

// Candidate is the subset of Runner state the router needs, plus
// whether the candidate has a warm workspace for the task's project.
type Candidate struct {
	Runner           *types.Runner
	HasWarmWorkspace bool
}

// Route scores every candidate against task and returns the ranked
// result. Given identical inputs, Route always produces identical
// output (spec §4.3 determinism).
func Route(task *types.Task, candidates []Candidate, now time.Time, prefs Preferences) types.RoutingResult {
	result := types.RoutingResult{
		FailureReasons: make(map[string]string),
	}

	if len(candidates) == 0 {
		result.Failed = true
		result.FailureReasons["*"] = "no_runners"
		return result
	}

	scores := make([]types.RunnerScore, 0, len(candidates))
	for _, c := range candidates {
		scores = append(scores, scoreOne(task, c, now, prefs))
	}

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].TotalScore != scores[j].TotalScore {
			return scores[i].TotalScore > scores[j].TotalScore
		}
		// Tie-break 1: lower current load (fewer available slots used,
		// i.e. higher available_slots wins).
		if scores[i].AvailableSlots != scores[j].AvailableSlots {
			return scores[i].AvailableSlots > scores[j].AvailableSlots
		}
		// Tie-break 2: lexicographic runner id.
		return scores[i].RunnerID < scores[j].RunnerID
	})

	result.Scores = scores

	for _, s := range scores {
		if s.Eligible && s.TotalScore >= 0 {
			result.Selected = s.RunnerID
			break
		}
	}
	if result.Selected == "" {
		result.Failed = true
		for _, s := range scores {
			result.FailureReasons[s.RunnerID] = s.Reason
		}
	}
	return result
}

func scoreOne(task *types.Task, c Candidate, now time.Time, prefs Preferences) types.RunnerScore {
	r := c.Runner
	score := types.RunnerScore{
		RunnerID:         r.ID,
		AvailableSlots:   r.AvailableSlots(),
		HasWarmWorkspace: c.HasWarmWorkspace,
		Eligible:         true,
	}

	if c.HasWarmWorkspace {
		score.AffinityScore = affinityBonus
	}

	missing := r.MissingCapabilities(task.RequiredCapabilities)
	if len(missing) > 0 {
		score.CapabilityScore = capabilityIneligible
		score.MissingCapabilities = missing
		score.Eligible = false
	} else {
		score.CapabilityScore = capabilityBonus
	}

	if r.AvailableSlots() == 0 {
		score.LoadScore = loadSaturatedPenalty
	} else if r.MaxConcurrentAgents > 0 {
		score.LoadScore = loadWeight * float64(r.AvailableSlots()) / float64(r.MaxConcurrentAgents)
	}

	if !r.IsHealthy(now, healthThreshold) {
		score.HealthScore = healthPenalty
	}

	if prefs.PreferredRunnerID != "" && r.ID == prefs.PreferredRunnerID {
		score.PreferenceScore = preferenceBonus
	}
	if files, ok := prefs.FilesInFlight[r.ID]; ok && overlaps(files, task.FilesHint) {
		score.PreferenceScore += conflictPenalty
	}

	score.TotalScore = score.AffinityScore + score.CapabilityScore + score.LoadScore + score.HealthScore + score.PreferenceScore

	score.Reason = reasonFor(score)
	return score
}

func reasonFor(s types.RunnerScore) string {
	if len(s.MissingCapabilities) > 0 {
		return "missing: " + joinCaps(s.MissingCapabilities)
	}
	if s.AvailableSlots == 0 {
		return "at capacity"
	}
	if s.HealthScore < 0 {
		return "unhealthy"
	}
	if s.TotalScore < 0 {
		return "score below threshold"
	}
	return ""
}

func joinCaps(caps []string) string {
	out := "{"
	for i, c := range caps {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out + "}"
}

func overlaps(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, f := range a {
		set[f] = struct{}{}
	}
	for _, f := range b {
		if _, ok := set[f]; ok {
			return true
		}
	}
	return false
}
