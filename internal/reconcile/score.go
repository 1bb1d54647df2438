// Package reconcile fuses canonical entities from the three sources into
// unified trip records using fuzzy temporal and amount matching.
package reconcile

import (
	"time"

	"github.com/fleetops/fleetsync/internal/config"
	"github.com/fleetops/fleetsync/internal/model"
)

// MatchPolicy holds the tunable matching parameters. Settlement lag and
// score weights vary by market, so all of them come from configuration.
type MatchPolicy struct {
	// SettlementWindow is how long after trip end a payout may settle
	// and still be considered a candidate. Payouts never precede trip
	// completion.
	SettlementWindow time.Duration

	// AmountWeight and TimeWeight combine the two score components.
	// Amount dominates: it is the stronger discriminator.
	AmountWeight float64
	TimeWeight   float64

	// AcceptThreshold is the minimum combined score for a link.
	AcceptThreshold float64

	// TieEpsilon bounds "effectively equal": candidates within this of
	// the best score form a tie, which is surfaced as a conflict rather
	// than broken arbitrarily.
	TieEpsilon float64
}

// PolicyFromConfig builds a MatchPolicy from configuration, applying the
// documented defaults for zero values.
func PolicyFromConfig(cfg config.ReconcileConfig) MatchPolicy {
	p := MatchPolicy{
		SettlementWindow: cfg.SettlementWindow,
		AmountWeight:     cfg.AmountWeight,
		TimeWeight:       cfg.TimeWeight,
		AcceptThreshold:  cfg.AcceptThreshold,
		TieEpsilon:       cfg.TieEpsilon,
	}
	if p.SettlementWindow <= 0 {
		p.SettlementWindow = 7 * 24 * time.Hour
	}
	if p.AmountWeight == 0 && p.TimeWeight == 0 {
		p.AmountWeight, p.TimeWeight = 0.7, 0.3
	}
	if p.AcceptThreshold == 0 {
		p.AcceptThreshold = 0.5
	}
	if p.TieEpsilon == 0 {
		p.TieEpsilon = 0.01
	}
	return p
}

// Candidate reports whether the payout is eligible to match the trip at
// all: settlement must fall within [end_ts, end_ts+window]. Settlement
// strictly before trip end is never a candidate.
func (p MatchPolicy) Candidate(trip model.Trip, payout model.Payout) bool {
	if !trip.Gross.SameCurrency(payout.Net) {
		return false
	}
	if payout.SettlementTS.Before(trip.EndTS) {
		return false
	}
	return payout.SettlementTS.Sub(trip.EndTS) <= p.SettlementWindow
}

// Score computes the match score for a candidate pair. It is a pure
// function of the pair and the policy: recomputing from the same inputs
// yields the same value. Non-candidates score 0.
func (p MatchPolicy) Score(trip model.Trip, payout model.Payout) float64 {
	if !p.Candidate(trip, payout) {
		return 0
	}

	amountScore := trip.Gross.Closeness(payout.Net)

	// Linear decay across the window: settlement at trip end scores 1,
	// at the window edge scores 0.
	lag := payout.SettlementTS.Sub(trip.EndTS)
	timeScore := 1 - float64(lag)/float64(p.SettlementWindow)
	if timeScore < 0 {
		timeScore = 0
	}

	total := p.AmountWeight + p.TimeWeight
	return (p.AmountWeight*amountScore + p.TimeWeight*timeScore) / total
}
