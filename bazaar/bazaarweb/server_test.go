// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package bazaarweb_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bazaar.io/bazaar/bazaar/artifacts"
	"bazaar.io/bazaar/bazaar/bazaardb"
	"bazaar.io/bazaar/bazaar/bazaarweb"
	"bazaar.io/bazaar/bazaar/console"
	"bazaar.io/bazaar/bazaar/console/consoleauth"
	"bazaar.io/bazaar/bazaar/licensing"
	"bazaar.io/bazaar/bazaar/orchestrator"
	"bazaar.io/bazaar/bazaar/runner"
	"bazaar.io/bazaar/internal/testcontext"
	"bazaar.io/bazaar/internal/testrand"
)

type fakeRunner struct {
	mu        sync.Mutex
	submitted []runner.JobSpec
	states    map[string]string
}

func (fake *fakeRunner) SubmitJob(ctx context.Context, spec runner.JobSpec) (string, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.submitted = append(fake.submitted, spec)
	jobID := spec.Name + "/alloc"
	fake.states[jobID] = "pending"
	return jobID, nil
}

func (fake *fakeRunner) StopJob(ctx context.Context, jobID string) error {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.states[jobID] = "stopped"
	return nil
}

func (fake *fakeRunner) Status(ctx context.Context, jobID string) (runner.JobStatus, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	state, ok := fake.states[jobID]
	if !ok {
		return runner.JobStatus{}, runner.ErrJobNotFound.New("%s", jobID)
	}
	return runner.JobStatus{ID: jobID, State: state}, nil
}

func (fake *fakeRunner) lastSubmitted(t *testing.T) runner.JobSpec {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.NotEmpty(t, fake.submitted)
	return fake.submitted[len(fake.submitted)-1]
}

type testEnv struct {
	t       *testing.T
	db      *bazaardb.DB
	console *console.Service
	runner  *fakeRunner
	handler http.Handler
}

func newTestEnv(t *testing.T, ctx *testcontext.Context) *testEnv {
	log := zaptest.NewLogger(t)

	db, err := bazaardb.Open(ctx, log, ctx.File("db", "bazaar.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	require.NoError(t, db.MigrateToLatest(ctx))

	signer := consoleauth.Hmac{Secret: testrand.BytesN(32)}
	consoleService, err := console.NewService(log, signer, db.Console(), db.Catalog(),
		console.Config{PasswordCost: console.TestPasswordCost})
	require.NoError(t, err)

	store, err := artifacts.NewDir(ctx.Dir("artifacts"))
	require.NoError(t, err)

	fake := &fakeRunner{states: map[string]string{}}
	orch := orchestrator.NewService(log, db.Catalog(), store, fake,
		licensing.NewServiceWith(licensing.License{ExpiresAt: time.Now().Add(24 * time.Hour)}),
		orchestrator.Config{ReconcileInterval: time.Hour})
	orch.Tokens = consoleService

	server := bazaarweb.NewServer(log, bazaarweb.Config{},
		consoleService, db.Console(), db.Catalog(), store, orch, nil, nil)

	return &testEnv{
		t:       t,
		db:      db,
		console: consoleService,
		runner:  fake,
		handler: server.Handler(),
	}
}

type response struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (env *testEnv) request(req *http.Request) response {
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	var body struct {
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	// download responses are not json envelopes
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(env.t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return response{Code: rec.Code, Message: body.Message, Data: body.Data}
}

func (env *testEnv) do(method, target, token string, body interface{}) response {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(env.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return env.request(req)
}

func (env *testEnv) dataField(t *testing.T, resp response, key string) string {
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	value, ok := data[key].(string)
	require.True(t, ok, "missing field %s in %s", key, resp.Data)
	return value
}

// registerUser signs up, verifies and logs in a user, returning the
// session token.
func (env *testEnv) registerUser(t *testing.T, ctx *testcontext.Context, username string) string {
	resp := env.do(http.MethodPost, "/api/user/signup", "", console.CreateUser{
		Username: username,
		Email:    username + "@example.com",
		Password: "superduper",
	})
	require.Equal(t, http.StatusOK, resp.Code)

	user, err := env.db.Console().Users().GetByEmail(ctx, username+"@example.com")
	require.NoError(t, err)
	user.Verified = true
	require.NoError(t, env.db.Console().Users().Update(ctx, user))

	req := httptest.NewRequest(http.MethodGet, "/api/user/login", nil)
	req.SetBasicAuth(username+"@example.com", "superduper")
	login := env.request(req)
	require.Equal(t, http.StatusOK, login.Code)
	return env.dataField(t, login, "access_token")
}

func TestAuthFlow(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)

	resp := env.do(http.MethodPost, "/api/user/signup", "", console.CreateUser{
		Username: "alice",
		Email:    "alice@example.com",
		Password: "superduper",
	})
	require.Equal(t, http.StatusOK, resp.Code)

	// duplicate email conflicts
	resp = env.do(http.MethodPost, "/api/user/signup", "", console.CreateUser{
		Username: "alice2",
		Email:    "alice@example.com",
		Password: "superduper",
	})
	require.Equal(t, http.StatusConflict, resp.Code)

	// login before verification is refused
	req := httptest.NewRequest(http.MethodGet, "/api/user/login", nil)
	req.SetBasicAuth("alice@example.com", "superduper")
	require.Equal(t, http.StatusUnauthorized, env.request(req).Code)

	user, err := env.db.Console().Users().GetByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	user.Verified = true
	require.NoError(t, env.db.Console().Users().Update(ctx, user))

	// wrong password
	req = httptest.NewRequest(http.MethodGet, "/api/user/login", nil)
	req.SetBasicAuth("alice@example.com", "wrong")
	require.Equal(t, http.StatusUnauthorized, env.request(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/user/login", nil)
	req.SetBasicAuth("alice@example.com", "superduper")
	login := env.request(req)
	require.Equal(t, http.StatusOK, login.Code)
	token := env.dataField(t, login, "access_token")

	info := env.do(http.MethodGet, "/api/user/info", token, nil)
	require.Equal(t, http.StatusOK, info.Code)
	require.Contains(t, string(info.Data), "alice")

	// no token
	require.Equal(t, http.StatusUnauthorized,
		env.do(http.MethodGet, "/api/user/info", "", nil).Code)
}

func TestUploadDownloadFlow(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)
	token := env.registerUser(t, ctx, "uploader")

	resp := env.do(http.MethodGet,
		"/api/model/upload-token?model_name=classifier&size=1024&type=ndb", token, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	uploadToken := env.dataField(t, resp, "token")
	modelID := env.dataField(t, resp, "model_id")

	// same name cannot be reserved twice
	require.Equal(t, http.StatusConflict, env.do(http.MethodGet,
		"/api/model/upload-token?model_name=classifier&size=1024&type=ndb", token, nil).Code)

	putChunk := func(n int, content string) response {
		req := httptest.NewRequest(http.MethodPost,
			"/api/model/upload-chunk?chunk_number="+strconv.Itoa(n), strings.NewReader(content))
		req.Header.Set("Authorization", "Bearer "+uploadToken)
		return env.request(req)
	}
	require.Equal(t, http.StatusOK, putChunk(2, "world").Code)
	require.Equal(t, http.StatusOK, putChunk(1, "hello ").Code)

	// committing with a session token fails, only upload tokens count
	commitBody := map[string]interface{}{"type": "ndb", "access_level": "public"}
	require.Equal(t, http.StatusUnauthorized, env.do(http.MethodPost,
		"/api/model/upload-commit?total_chunks=2", token, commitBody).Code)

	resp = env.do(http.MethodPost,
		"/api/model/upload-commit?total_chunks=2", uploadToken, commitBody)
	require.Equal(t, http.StatusOK, resp.Code)

	// the committed artifact downloads without any token
	req := httptest.NewRequest(http.MethodGet,
		"/api/model/public-download?model_identifier="+modelID, nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hello world", rec.Body.String())

	// and shows up complete in the public listing
	list := env.do(http.MethodGet, "/api/model/public-list", "", nil)
	require.Equal(t, http.StatusOK, list.Code)
	require.Contains(t, string(list.Data), "classifier")
	require.Contains(t, string(list.Data), "complete")
}

func TestTrainFlow(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)
	token := env.registerUser(t, ctx, "trainer")

	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	require.NoError(t, writer.WriteField("model_name", "sentiment"))
	require.NoError(t, writer.WriteField("sub_type", "text"))
	part, err := writer.CreateFormFile("files", "corpus.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte("id,text\n1,hello\n"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/train/ndb", &form)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp := env.request(req)
	require.Equal(t, http.StatusOK, resp.Code)
	modelID, err := uuid.Parse(env.dataField(t, resp, "model_id"))
	require.NoError(t, err)

	spec := env.runner.lastSubmitted(t)
	require.Equal(t, runner.KindTrain, spec.Kind)
	jobToken := spec.Env["BAZAAR_JOB_TOKEN"]
	require.NotEmpty(t, jobToken)

	// session tokens cannot report job status
	require.Equal(t, http.StatusUnauthorized, env.do(http.MethodPost,
		"/api/train/update-status", token,
		map[string]interface{}{"model_id": modelID, "status": "in_progress"}).Code)

	// a job token scoped to another model is refused
	require.Equal(t, http.StatusForbidden, env.do(http.MethodPost,
		"/api/train/update-status", jobToken,
		map[string]interface{}{"model_id": uuid.New(), "status": "in_progress"}).Code)

	resp = env.do(http.MethodPost, "/api/train/update-status", jobToken,
		map[string]interface{}{"model_id": modelID, "status": "in_progress"})
	require.Equal(t, http.StatusOK, resp.Code)

	// duplicate report is tolerated
	resp = env.do(http.MethodPost, "/api/train/update-status", jobToken,
		map[string]interface{}{"model_id": modelID, "status": "in_progress"})
	require.Equal(t, http.StatusOK, resp.Code)

	resp = env.do(http.MethodPost, "/api/train/complete", jobToken,
		map[string]interface{}{
			"model_id": modelID,
			"metadata": map[string]string{"accuracy": "0.93"},
		})
	require.Equal(t, http.StatusOK, resp.Code)

	info := env.do(http.MethodGet,
		"/api/model/info?model_identifier="+modelID.String(), token, nil)
	require.Equal(t, http.StatusOK, info.Code)
	require.Contains(t, string(info.Data), `"complete"`)
	require.Contains(t, string(info.Data), "accuracy")

	// warnings reported during the run are listed
	resp = env.do(http.MethodGet,
		"/api/train/messages?model_identifier="+modelID.String(), token, nil)
	require.Equal(t, http.StatusOK, resp.Code)
}

func TestDeployFlow(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)
	token := env.registerUser(t, ctx, "deployer")

	// a completed model to deploy
	resp := env.do(http.MethodGet,
		"/api/model/upload-token?model_name=served&size=16&type=ndb", token, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	uploadToken := env.dataField(t, resp, "token")
	modelID := env.dataField(t, resp, "model_id")

	req := httptest.NewRequest(http.MethodPost,
		"/api/model/upload-chunk?chunk_number=1", strings.NewReader("weights"))
	req.Header.Set("Authorization", "Bearer "+uploadToken)
	require.Equal(t, http.StatusOK, env.request(req).Code)
	require.Equal(t, http.StatusOK, env.do(http.MethodPost,
		"/api/model/upload-commit?total_chunks=1", uploadToken,
		map[string]interface{}{"type": "ndb"}).Code)

	resp = env.do(http.MethodPost,
		"/api/deploy/run?model_identifier="+modelID+"&deployment_name=prod&replicas=2", token, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	depID := env.dataField(t, resp, "deployment_id")

	status := env.do(http.MethodGet, "/api/deploy/status?deployment_id="+depID, token, nil)
	require.Equal(t, http.StatusOK, status.Code)
	require.Contains(t, string(status.Data), `"starting"`)

	// replicas ask what the caller may do
	perms := env.do(http.MethodGet, "/api/deploy/permissions/"+depID, token, nil)
	require.Equal(t, http.StatusOK, perms.Code)
	require.Contains(t, string(perms.Data), `"write":true`)
	require.Contains(t, string(perms.Data), `"owner":true`)

	// strangers get read on nothing private
	stranger := env.registerUser(t, ctx, "stranger")
	perms = env.do(http.MethodGet, "/api/deploy/permissions/"+depID, stranger, nil)
	require.Equal(t, http.StatusOK, perms.Code)
	require.Contains(t, string(perms.Data), `"read":false`)

	// deleting a deployed model is refused
	require.Equal(t, http.StatusBadRequest, env.do(http.MethodPost,
		"/api/model/delete?model_identifier="+modelID, token, nil).Code)

	// only the owner stops it
	require.Equal(t, http.StatusForbidden, env.do(http.MethodPost,
		"/api/deploy/stop?deployment_id="+depID, stranger, nil).Code)
	require.Equal(t, http.StatusOK, env.do(http.MethodPost,
		"/api/deploy/stop?deployment_id="+depID, token, nil).Code)

	require.Equal(t, http.StatusOK, env.do(http.MethodPost,
		"/api/model/delete?model_identifier="+modelID, token, nil).Code)
}

func TestTeamEndpoints(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)
	admin := env.registerUser(t, ctx, "teamadmin")
	member := env.registerUser(t, ctx, "member")

	resp := env.do(http.MethodPost, "/api/team/create-team", admin,
		map[string]interface{}{"name": "research"})
	require.Equal(t, http.StatusOK, resp.Code)
	teamID := env.dataField(t, resp, "team_id")

	require.Equal(t, http.StatusOK, env.do(http.MethodPost,
		"/api/team/add-user-to-team", admin, map[string]interface{}{
			"team_id": teamID, "email": "member@example.com",
		}).Code)

	// non-admins of the team cannot add members
	require.Equal(t, http.StatusForbidden, env.do(http.MethodPost,
		"/api/team/add-user-to-team", member, map[string]interface{}{
			"team_id": teamID, "email": "member@example.com",
		}).Code)

	users := env.do(http.MethodGet, "/api/team/team-users?team_id="+teamID, admin, nil)
	require.Equal(t, http.StatusOK, users.Code)
	require.Contains(t, string(users.Data), "teamadmin")
	require.Contains(t, string(users.Data), "member")

	// team deletion needs the global admin bit
	require.Equal(t, http.StatusForbidden, env.do(http.MethodDelete,
		"/api/team/delete-team?team_id="+teamID, admin, nil).Code)
}

func TestPermissionStatuses(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)
	owner := env.registerUser(t, ctx, "owner")
	stranger := env.registerUser(t, ctx, "stranger")

	resp := env.do(http.MethodGet,
		"/api/model/upload-token?model_name=hidden&size=16&type=ndb", owner, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	modelID := env.dataField(t, resp, "model_id")

	// private models are invisible to strangers
	require.Equal(t, http.StatusForbidden, env.do(http.MethodGet,
		"/api/model/info?model_identifier="+modelID, stranger, nil).Code)

	// unknown models are not found
	require.Equal(t, http.StatusNotFound, env.do(http.MethodGet,
		"/api/model/info?model_identifier="+uuid.New().String(), owner, nil).Code)

	// owner grants the stranger read
	require.Equal(t, http.StatusOK, env.do(http.MethodPost,
		"/api/model/update-model-permission?model_identifier="+modelID+
			"&email=stranger@example.com&permission=read", owner, nil).Code)
	require.Equal(t, http.StatusOK, env.do(http.MethodGet,
		"/api/model/info?model_identifier="+modelID, stranger, nil).Code)
}

