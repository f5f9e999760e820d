// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

// Package index holds the in-memory document index a replica serves
// reads from. Mutations arrive as write log records; applying the same
// record twice leaves the index unchanged, so log replay is safe.
package index

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/errs"

	"bazaar.io/bazaar/replica/writelog"
)

// Error is the default index errs class.
var Error = errs.Class("index")

// Document is one indexed source.
type Document struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// InsertPayload is the payload of an insert record.
type InsertPayload struct {
	Documents []Document `json:"documents"`
}

// DeletePayload is the payload of a delete record.
type DeletePayload struct {
	IDs []string `json:"ids"`
}

// UpvotePayload boosts a document for a query. The same payload shape
// carries implicit feedback, which boosts more weakly.
type UpvotePayload struct {
	Query      string `json:"query"`
	DocumentID string `json:"document_id"`
}

// AssociatePayload teaches the index that source implies target.
type AssociatePayload struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Result is one search hit.
type Result struct {
	Document Document `json:"document"`
	Score    float64  `json:"score"`
}

// Boost weights applied during search. Upvotes are explicit user
// endorsements; implicit feedback is a weaker click signal.
const (
	upvoteBoost   = 10
	feedbackBoost = 2
)

// Index is the mutable document index. Upvotes, feedback and
// associations are sets keyed on (query, target), so re-applying a
// record is a no-op.
type Index struct {
	mu       sync.RWMutex
	docs     map[string]Document
	upvotes  map[string]map[string]bool
	feedback map[string]map[string]bool
	assocs   map[string]map[string]bool
}

// New creates an empty index.
func New() *Index {
	return &Index{
		docs:     map[string]Document{},
		upvotes:  map[string]map[string]bool{},
		feedback: map[string]map[string]bool{},
		assocs:   map[string]map[string]bool{},
	}
}

// Apply folds one write log record into the index.
func (ix *Index) Apply(rec writelog.Record) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	switch rec.Op {
	case writelog.OpInsert:
		var payload InsertPayload
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			return Error.Wrap(err)
		}
		for _, doc := range payload.Documents {
			ix.docs[doc.ID] = doc
		}
	case writelog.OpDelete:
		var payload DeletePayload
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			return Error.Wrap(err)
		}
		for _, id := range payload.IDs {
			delete(ix.docs, id)
		}
	case writelog.OpUpvote:
		var payload UpvotePayload
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			return Error.Wrap(err)
		}
		query := normalize(payload.Query)
		if ix.upvotes[query] == nil {
			ix.upvotes[query] = map[string]bool{}
		}
		ix.upvotes[query][payload.DocumentID] = true
	case writelog.OpImplicitFeedback:
		var payload UpvotePayload
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			return Error.Wrap(err)
		}
		query := normalize(payload.Query)
		if ix.feedback[query] == nil {
			ix.feedback[query] = map[string]bool{}
		}
		ix.feedback[query][payload.DocumentID] = true
	case writelog.OpAssociate:
		var payload AssociatePayload
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			return Error.Wrap(err)
		}
		source := normalize(payload.Source)
		if ix.assocs[source] == nil {
			ix.assocs[source] = map[string]bool{}
		}
		ix.assocs[source][normalize(payload.Target)] = true
	default:
		return Error.New("unknown op %q", rec.Op)
	}
	return nil
}

// Len returns the number of indexed documents.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// Search scores documents by token overlap with the query, expanded
// through associations and boosted by upvotes.
func (ix *Index) Search(query string, topK int) []Result {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if topK <= 0 {
		topK = 5
	}

	terms := map[string]bool{}
	for _, token := range tokenize(query) {
		terms[token] = true
	}
	for target := range ix.assocs[normalize(query)] {
		for _, token := range tokenize(target) {
			terms[token] = true
		}
	}

	upvoted := ix.upvotes[normalize(query)]
	clicked := ix.feedback[normalize(query)]

	var results []Result
	for _, doc := range ix.docs {
		var overlap int
		for _, token := range tokenize(doc.Text) {
			if terms[token] {
				overlap++
			}
		}
		score := float64(overlap)
		if upvoted[doc.ID] {
			score += upvoteBoost
		}
		if clicked[doc.ID] {
			score += feedbackBoost
		}
		if score > 0 {
			results = append(results, Result{Document: doc, Score: score})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Document.ID < results[j].Document.ID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results
}

// Snapshot serializes the full index state. The bytes are what Save
// uploads as a new model artifact.
func (ix *Index) Snapshot() ([]byte, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	docs := make([]Document, 0, len(ix.docs))
	for _, doc := range ix.docs {
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })

	state := snapshotState{
		Documents:    docs,
		Upvotes:      ix.upvotes,
		Feedback:     ix.feedback,
		Associations: ix.assocs,
	}
	data, err := json.Marshal(state)
	return data, Error.Wrap(err)
}

// LoadSnapshot replaces the index state with a serialized snapshot.
func (ix *Index) LoadSnapshot(data []byte) error {
	var state snapshotState
	if err := json.Unmarshal(data, &state); err != nil {
		return Error.Wrap(err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.docs = map[string]Document{}
	for _, doc := range state.Documents {
		ix.docs[doc.ID] = doc
	}
	ix.upvotes = state.Upvotes
	if ix.upvotes == nil {
		ix.upvotes = map[string]map[string]bool{}
	}
	ix.feedback = state.Feedback
	if ix.feedback == nil {
		ix.feedback = map[string]map[string]bool{}
	}
	ix.assocs = state.Associations
	if ix.assocs == nil {
		ix.assocs = map[string]map[string]bool{}
	}
	return nil
}

type snapshotState struct {
	Documents    []Document                 `json:"documents"`
	Upvotes      map[string]map[string]bool `json:"upvotes,omitempty"`
	Feedback     map[string]map[string]bool `json:"feedback,omitempty"`
	Associations map[string]map[string]bool `json:"associations,omitempty"`
}

func normalize(s string) string {
	return strings.Join(tokenize(s), " ")
}

func tokenize(s string) []string {
	return strings.Fields(strings.ToLower(s))
}
