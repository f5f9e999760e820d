// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bazaar.io/bazaar/internal/testcontext"
	"bazaar.io/bazaar/internal/testrand"
	"bazaar.io/bazaar/replica/index"
	"bazaar.io/bazaar/replica/permcache"
	"bazaar.io/bazaar/replica/server"
	"bazaar.io/bazaar/replica/writelog"
)

type fakeSource struct {
	decisions map[string]permcache.Decision
}

func (fake *fakeSource) Permissions(ctx context.Context, token string) (permcache.Decision, error) {
	decision, ok := fake.decisions[token]
	if !ok {
		return permcache.Decision{}, server.ErrUnauthorized.New("unknown token")
	}
	return decision, nil
}

type fakeSaver struct {
	savedName string
	saved     []byte
}

func (fake *fakeSaver) SaveSnapshot(ctx context.Context, token, name string, snapshot []byte) (string, error) {
	fake.savedName = name
	fake.saved = snapshot
	return testrand.UUID().String(), nil
}

type replicaEnv struct {
	t       *testing.T
	handler http.Handler
	index   *index.Index
	saver   *fakeSaver
	logPath string
}

func newReplicaEnv(t *testing.T, ctx *testcontext.Context, mode string) *replicaEnv {
	logPath := ctx.File("replica", "write.log")
	wlog, err := writelog.Open(logPath)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, wlog.Close()) })

	source := &fakeSource{decisions: map[string]permcache.Decision{
		"reader": {UserID: testrand.UUID(), Read: true},
		"writer": {UserID: testrand.UUID(), Read: true, Write: true},
		"owner":  {UserID: testrand.UUID(), Read: true, Write: true, Owner: true},
	}}

	ix := index.New()
	saver := &fakeSaver{}
	srv := server.NewServer(zaptest.NewLogger(t),
		server.Config{Mode: mode, PermissionTTL: time.Minute},
		ix, wlog, nil, permcache.New(source, time.Minute), saver)

	return &replicaEnv{
		t:       t,
		handler: srv.Handler(),
		index:   ix,
		saver:   saver,
		logPath: logPath,
	}
}

func (env *replicaEnv) post(path, token string, body interface{}) *httptest.ResponseRecorder {
	raw, err := json.Marshal(body)
	require.NoError(env.t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func TestDevModeReadYourWrites(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newReplicaEnv(t, ctx, server.ModeDev)

	rec := env.post("/insert", "writer", index.InsertPayload{
		Documents: []index.Document{{ID: "a", Text: "refund policy"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.post("/search", "reader", map[string]interface{}{"query": "refund"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "refund policy")

	// the write also landed in the durable log
	records, _, err := writelog.ScanFrom(env.logPath, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, writelog.OpInsert, records[0].Op)
	require.NotEqual(t, "00000000-0000-0000-0000-000000000000", records[0].Caller.String())
}

func TestProductionModeDefersApply(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newReplicaEnv(t, ctx, server.ModeProduction)

	rec := env.post("/insert", "writer", index.InsertPayload{
		Documents: []index.Document{{ID: "a", Text: "refund policy"}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	// not visible until the rebuilder consumes the log
	require.Equal(t, 0, env.index.Len())
	rebuilder := index.NewRebuilder(zaptest.NewLogger(t), env.index, env.logPath, time.Hour)
	require.NoError(t, rebuilder.Consume(ctx))
	require.Equal(t, 1, env.index.Len())
}

func TestPermissionLevels(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newReplicaEnv(t, ctx, server.ModeDev)

	query := map[string]interface{}{"query": "anything"}
	insert := index.InsertPayload{Documents: []index.Document{{ID: "a", Text: "x"}}}

	require.Equal(t, http.StatusUnauthorized, env.post("/search", "", query).Code)
	require.Equal(t, http.StatusUnauthorized, env.post("/search", "bogus", query).Code)
	require.Equal(t, http.StatusOK, env.post("/search", "reader", query).Code)
	require.Equal(t, http.StatusForbidden, env.post("/insert", "reader", insert).Code)
	require.Equal(t, http.StatusOK, env.post("/insert", "writer", insert).Code)
	require.Equal(t, http.StatusForbidden, env.post("/delete", "reader",
		index.DeletePayload{IDs: []string{"a"}}).Code)

	// feedback operations are open to readers
	vote := index.UpvotePayload{Query: "anything", DocumentID: "a"}
	require.Equal(t, http.StatusOK, env.post("/upvote", "reader", vote).Code)
	require.Equal(t, http.StatusOK, env.post("/implicit-feedback", "reader", vote).Code)
	require.Equal(t, http.StatusOK, env.post("/associate", "reader",
		index.AssociatePayload{Source: "hi", Target: "anything"}).Code)
	require.Equal(t, http.StatusUnauthorized, env.post("/upvote", "", vote).Code)
}

func TestSave(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newReplicaEnv(t, ctx, server.ModeDev)

	rec := env.post("/insert", "writer", index.InsertPayload{
		Documents: []index.Document{{ID: "a", Text: "hello"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// overriding is owner-only
	require.Equal(t, http.StatusForbidden, env.post("/save", "writer",
		map[string]interface{}{"model_name": "tuned", "override": true}).Code)

	rec = env.post("/save", "writer", map[string]interface{}{"model_name": "tuned"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "tuned", env.saver.savedName)

	// the uploaded snapshot restores into an equal index
	restored := index.New()
	require.NoError(t, restored.LoadSnapshot(env.saver.saved))
	require.Equal(t, 1, restored.Len())

	rec = env.post("/save", "owner", map[string]interface{}{"model_name": "tuned2", "override": true})
	require.Equal(t, http.StatusOK, rec.Code)
}
