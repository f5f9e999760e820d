// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package index_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bazaar.io/bazaar/internal/testcontext"
	"bazaar.io/bazaar/replica/index"
	"bazaar.io/bazaar/replica/writelog"
)

func mustRecord(t *testing.T, op writelog.Op, payload interface{}) writelog.Record {
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return writelog.Record{Op: op, Timestamp: time.Now(), Payload: raw}
}

func TestApplyAndSearch(t *testing.T) {
	ix := index.New()

	require.NoError(t, ix.Apply(mustRecord(t, writelog.OpInsert, index.InsertPayload{
		Documents: []index.Document{
			{ID: "a", Text: "refund policy for damaged goods"},
			{ID: "b", Text: "shipping times and carriers"},
			{ID: "c", Text: "refund requests take five days"},
		},
	})))
	require.Equal(t, 3, ix.Len())

	results := ix.Search("refund", 5)
	require.Len(t, results, 2)

	// upvoting b for the query lifts it above the text matches
	require.NoError(t, ix.Apply(mustRecord(t, writelog.OpUpvote, index.UpvotePayload{
		Query: "refund", DocumentID: "b",
	})))
	results = ix.Search("refund", 5)
	require.Equal(t, "b", results[0].Document.ID)

	// implicit feedback nudges c above a without outranking the upvote
	require.NoError(t, ix.Apply(mustRecord(t, writelog.OpImplicitFeedback, index.UpvotePayload{
		Query: "refund", DocumentID: "c",
	})))
	results = ix.Search("refund", 5)
	require.Equal(t, "b", results[0].Document.ID)
	require.Equal(t, "c", results[1].Document.ID)

	// association expands the query terms
	require.NoError(t, ix.Apply(mustRecord(t, writelog.OpAssociate, index.AssociatePayload{
		Source: "delivery", Target: "shipping",
	})))
	results = ix.Search("delivery", 5)
	require.Len(t, results, 1)
	require.Equal(t, "b", results[0].Document.ID)

	require.NoError(t, ix.Apply(mustRecord(t, writelog.OpDelete, index.DeletePayload{
		IDs: []string{"a"},
	})))
	require.Equal(t, 2, ix.Len())
}

func TestApplyIdempotent(t *testing.T) {
	ix := index.New()

	insert := mustRecord(t, writelog.OpInsert, index.InsertPayload{
		Documents: []index.Document{{ID: "a", Text: "hello world"}},
	})
	require.NoError(t, ix.Apply(insert))
	require.NoError(t, ix.Apply(insert))
	require.Equal(t, 1, ix.Len())

	upvote := mustRecord(t, writelog.OpUpvote, index.UpvotePayload{
		Query: "hello", DocumentID: "a",
	})
	require.NoError(t, ix.Apply(upvote))
	once, err := ix.Snapshot()
	require.NoError(t, err)

	// replaying feedback records leaves the index byte-identical
	require.NoError(t, ix.Apply(upvote))
	twice, err := ix.Snapshot()
	require.NoError(t, err)
	require.Equal(t, once, twice)

	feedback := mustRecord(t, writelog.OpImplicitFeedback, index.UpvotePayload{
		Query: "hello", DocumentID: "a",
	})
	associate := mustRecord(t, writelog.OpAssociate, index.AssociatePayload{
		Source: "hi", Target: "hello",
	})
	require.NoError(t, ix.Apply(feedback))
	require.NoError(t, ix.Apply(associate))
	once, err = ix.Snapshot()
	require.NoError(t, err)

	require.NoError(t, ix.Apply(feedback))
	require.NoError(t, ix.Apply(associate))
	twice, err = ix.Snapshot()
	require.NoError(t, err)
	require.Equal(t, once, twice)

	remove := mustRecord(t, writelog.OpDelete, index.DeletePayload{IDs: []string{"a"}})
	require.NoError(t, ix.Apply(remove))
	require.NoError(t, ix.Apply(remove))
	require.Equal(t, 0, ix.Len())
}

func TestSnapshotRoundTrip(t *testing.T) {
	ix := index.New()
	require.NoError(t, ix.Apply(mustRecord(t, writelog.OpInsert, index.InsertPayload{
		Documents: []index.Document{
			{ID: "a", Text: "alpha"},
			{ID: "b", Text: "beta"},
		},
	})))
	require.NoError(t, ix.Apply(mustRecord(t, writelog.OpUpvote, index.UpvotePayload{
		Query: "letters", DocumentID: "b",
	})))

	data, err := ix.Snapshot()
	require.NoError(t, err)

	restored := index.New()
	require.NoError(t, restored.LoadSnapshot(data))
	require.Equal(t, 2, restored.Len())
	results := restored.Search("letters", 5)
	require.Len(t, results, 1)
	require.Equal(t, "b", results[0].Document.ID)
}

func TestRebuilderConsume(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	path := ctx.File("log", "write.log")
	wlog, err := writelog.Open(path)
	require.NoError(t, err)
	defer ctx.Check(wlog.Close)

	require.NoError(t, wlog.Append(ctx, mustRecord(t, writelog.OpInsert, index.InsertPayload{
		Documents: []index.Document{{ID: "a", Text: "one"}},
	})))

	ix := index.New()
	rebuilder := index.NewRebuilder(zaptest.NewLogger(t), ix, path, time.Hour)
	require.NoError(t, rebuilder.Consume(ctx))
	require.Equal(t, 1, ix.Len())

	// consuming again without new records applies nothing twice
	require.NoError(t, rebuilder.Consume(ctx))
	require.Equal(t, 1, ix.Len())

	require.NoError(t, wlog.Append(ctx, mustRecord(t, writelog.OpInsert, index.InsertPayload{
		Documents: []index.Document{{ID: "b", Text: "two"}},
	})))
	require.NoError(t, rebuilder.Consume(ctx))
	require.Equal(t, 2, ix.Len())

	// a fresh rebuilder over the same pointer file resumes, not replays
	fresh := index.New()
	replacement := index.NewRebuilder(zaptest.NewLogger(t), fresh, path, time.Hour)
	require.NoError(t, wlog.Append(ctx, mustRecord(t, writelog.OpInsert, index.InsertPayload{
		Documents: []index.Document{{ID: "c", Text: "three"}},
	})))
	require.NoError(t, replacement.Consume(ctx))
	require.Equal(t, 1, fresh.Len())
}
