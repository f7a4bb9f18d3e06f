// Copyright 2025 The go-crossvault Authors
// This file is part of the go-crossvault library.
//
// The go-crossvault library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-crossvault library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-crossvault library. If not, see <http://www.gnu.org/licenses/>.

// Package metrics registers the pipeline's prometheus collectors on the
// default registry. No HTTP endpoint is exposed here; an embedding process
// exports the registry however it sees fit.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BlocksProcessed counts per-block pipeline outcomes, labelled by chain
	// and completed/failed/reorged.
	BlocksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crossvault",
		Subsystem: "indexer",
		Name:      "blocks_processed_total",
		Help:      "Blocks taken through the per-block pipeline.",
	}, []string{"chain", "status"})

	// MessagesPublished counts messages put on the channel.
	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crossvault",
		Subsystem: "indexer",
		Name:      "messages_published_total",
		Help:      "Filtered transaction messages published.",
	}, []string{"chain"})

	// BlockProcessDuration observes the receipt-fetch-and-match time of one
	// block.
	BlockProcessDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "crossvault",
		Subsystem: "indexer",
		Name:      "block_process_duration_seconds",
		Help:      "Wall time to filter one block.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"chain"})

	// ReorgsDetected counts parent-hash divergences.
	ReorgsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crossvault",
		Subsystem: "indexer",
		Name:      "reorgs_detected_total",
		Help:      "Chain reorganizations observed.",
	}, []string{"chain"})

	// LedgerEvents counts collateral ledger events by type and outcome
	// (applied, duplicate, rejected, error).
	LedgerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crossvault",
		Subsystem: "ledger",
		Name:      "events_total",
		Help:      "Vault and relayer events handled by the ledger.",
	}, []string{"type", "outcome"})

	// MerkleRoots counts ownership root recomputations.
	MerkleRoots = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "crossvault",
		Subsystem: "merkle",
		Name:      "roots_total",
		Help:      "Ownership roots computed.",
	})

	// RelayerSubmissions counts signed on-chain writes by chain, method and
	// outcome.
	RelayerSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crossvault",
		Subsystem: "relayer",
		Name:      "submissions_total",
		Help:      "Signed relayer transactions submitted.",
	}, []string{"chain", "method", "outcome"})
)
