package app

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"bugvault/api/internal/auth"
	"bugvault/api/internal/authpw"
	"bugvault/api/internal/config"
	"bugvault/api/internal/enrich"
	"bugvault/api/internal/search"
	"bugvault/api/internal/store"
)

type fakeStore struct {
	createUserFn            func(context.Context, store.User) error
	getUserByIDFn           func(context.Context, string) (store.User, error)
	getUserByEmailFn        func(context.Context, string) (store.User, error)
	ensureUserByEmailFn     func(context.Context, string, string, string) (store.User, error)
	insertProjectFn         func(context.Context, store.Project) error
	getProjectForUserFn     func(context.Context, string, string) (store.Project, error)
	listProjectsFn          func(context.Context, string) ([]store.Project, error)
	deleteProjectCascadeFn  func(context.Context, string) ([]string, error)
	insertEntryFn           func(context.Context, store.Entry) error
	getEntryForUserFn       func(context.Context, string, string) (store.Entry, error)
	listEntriesFn           func(context.Context, string, string) ([]store.Entry, error)
	updateEntryFn           func(context.Context, string, store.EntryUpdate) error
	updateEnrichmentFn      func(context.Context, string, string, string) error
	deleteEntryFn           func(context.Context, string) error
	saveRefreshSessionFn    func(context.Context, string, string, time.Time) error
	lookupRefreshSessionFn  func(context.Context, string) (store.User, error)
	revokeRefreshSessionFn  func(context.Context, string) error
	isAccessTokenRevokedFn  func(context.Context, string) (bool, error)
}

func (f *fakeStore) CreateUser(ctx context.Context, user store.User) error {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, user)
	}
	return nil
}
func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, Email: "dev@example.com", Name: "Dev"}, nil
}
func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) EnsureUserByEmail(ctx context.Context, id, email, name string) (store.User, error) {
	if f.ensureUserByEmailFn != nil {
		return f.ensureUserByEmailFn(ctx, id, email, name)
	}
	return store.User{ID: id, Email: email, Name: name}, nil
}
func (f *fakeStore) InsertProject(ctx context.Context, project store.Project) error {
	if f.insertProjectFn != nil {
		return f.insertProjectFn(ctx, project)
	}
	return nil
}
func (f *fakeStore) GetProjectForUser(ctx context.Context, projectID, userID string) (store.Project, error) {
	if f.getProjectForUserFn != nil {
		return f.getProjectForUserFn(ctx, projectID, userID)
	}
	return store.Project{ID: projectID, Name: "Project", UserID: userID}, nil
}
func (f *fakeStore) ListProjects(ctx context.Context, userID string) ([]store.Project, error) {
	if f.listProjectsFn != nil {
		return f.listProjectsFn(ctx, userID)
	}
	return nil, nil
}
func (f *fakeStore) DeleteProjectCascade(ctx context.Context, projectID string) ([]string, error) {
	if f.deleteProjectCascadeFn != nil {
		return f.deleteProjectCascadeFn(ctx, projectID)
	}
	return nil, nil
}
func (f *fakeStore) InsertEntry(ctx context.Context, entry store.Entry) error {
	if f.insertEntryFn != nil {
		return f.insertEntryFn(ctx, entry)
	}
	return nil
}
func (f *fakeStore) GetEntryForUser(ctx context.Context, entryID, userID string) (store.Entry, error) {
	if f.getEntryForUserFn != nil {
		return f.getEntryForUserFn(ctx, entryID, userID)
	}
	return store.Entry{}, sql.ErrNoRows
}
func (f *fakeStore) ListEntries(ctx context.Context, projectID, entryType string) ([]store.Entry, error) {
	if f.listEntriesFn != nil {
		return f.listEntriesFn(ctx, projectID, entryType)
	}
	return nil, nil
}
func (f *fakeStore) UpdateEntry(ctx context.Context, entryID string, update store.EntryUpdate) error {
	if f.updateEntryFn != nil {
		return f.updateEntryFn(ctx, entryID, update)
	}
	return nil
}
func (f *fakeStore) UpdateEntryEnrichment(ctx context.Context, entryID, explanation, question string) error {
	if f.updateEnrichmentFn != nil {
		return f.updateEnrichmentFn(ctx, entryID, explanation, question)
	}
	return nil
}
func (f *fakeStore) DeleteEntry(ctx context.Context, entryID string) error {
	if f.deleteEntryFn != nil {
		return f.deleteEntryFn(ctx, entryID)
	}
	return nil
}
func (f *fakeStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	if f.saveRefreshSessionFn != nil {
		return f.saveRefreshSessionFn(ctx, tokenHash, userID, expiresAt)
	}
	return nil
}
func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	if f.lookupRefreshSessionFn != nil {
		return f.lookupRefreshSessionFn(ctx, tokenHash)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if f.revokeRefreshSessionFn != nil {
		return f.revokeRefreshSessionFn(ctx, tokenHash)
	}
	return nil
}
func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error { return nil }
func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isAccessTokenRevokedFn != nil {
		return f.isAccessTokenRevokedFn(ctx, jti)
	}
	return false, nil
}
func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeSearch struct {
	indexedProjects  []search.ProjectRecord
	indexedBugs      []search.BugRecord
	indexedDecisions []search.DecisionRecord
	deletedProjects  []string
	deletedEntries   []string
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	return search.Response{
		Projects:  []search.ProjectRecord{},
		Bugs:      []search.BugRecord{},
		Decisions: []search.DecisionRecord{},
		Query:     q.Text,
	}
}
func (f *fakeSearch) IndexProject(p search.ProjectRecord) {
	f.indexedProjects = append(f.indexedProjects, p)
}
func (f *fakeSearch) IndexBug(b search.BugRecord) {
	f.indexedBugs = append(f.indexedBugs, b)
}
func (f *fakeSearch) IndexDecision(d search.DecisionRecord) {
	f.indexedDecisions = append(f.indexedDecisions, d)
}
func (f *fakeSearch) DeleteProject(id string) {
	f.deletedProjects = append(f.deletedProjects, id)
}
func (f *fakeSearch) DeleteEntry(id string) {
	f.deletedEntries = append(f.deletedEntries, id)
}

type stubGenerator struct {
	text  string
	err   error
	calls int
}

func (g *stubGenerator) Generate(context.Context, string) (string, error) {
	g.calls++
	return g.text, g.err
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: time.Hour,
		EnrichSync: true,
	}
}

func newTestService(fs *fakeStore, cfg config.Config, gen enrich.Generator) (*Service, *fakeSearch) {
	fsearch := &fakeSearch{}
	svc := &Service{
		cfg:         cfg,
		store:       fs,
		sessions:    fs,
		search:      fsearch,
		enricher:    gen,
		authpw:      authpw.NewService(fs),
		stateTTL:    10 * time.Minute,
		oauthStates: make(map[string]oauthState),
	}
	return svc, fsearch
}

func ownerSession() Session {
	return Session{UserID: "usr_owner", UserEmail: "owner@example.com", UserName: "Owner"}
}

func strPtr(s string) *string { return &s }

func TestGetProjectScopedToOwner(t *testing.T) {
	fs := &fakeStore{
		getProjectForUserFn: func(_ context.Context, projectID, userID string) (store.Project, error) {
			if userID != "usr_owner" {
				return store.Project{}, sql.ErrNoRows
			}
			return store.Project{ID: projectID, Name: "Mine", UserID: userID}, nil
		},
	}
	svc, _ := newTestService(fs, testConfig(), nil)

	if _, err := svc.GetProject(context.Background(), ownerSession(), "proj_1"); err != nil {
		t.Fatalf("owner should see own project: %v", err)
	}

	intruder := Session{UserID: "usr_other"}
	_, err := svc.GetProject(context.Background(), intruder, "proj_1")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("foreign project should look missing, got %v", err)
	}
	status, code, _, _ := mapError(err)
	if status != 404 || code != "NOT_FOUND" {
		t.Fatalf("expected 404 NOT_FOUND, got %d %s", status, code)
	}
}

func TestCreateEntryValidation(t *testing.T) {
	svc, _ := newTestService(&fakeStore{}, testConfig(), nil)

	tests := []struct {
		name  string
		input CreateEntryInput
	}{
		{name: "unknown type", input: CreateEntryInput{ProjectID: "proj_1", EntryType: "NOTE", Title: "x"}},
		{name: "bug missing title", input: CreateEntryInput{ProjectID: "proj_1", EntryType: "BUG"}},
		{name: "decision missing context", input: CreateEntryInput{ProjectID: "proj_1", EntryType: "DECISION", Title: "t", Solution: "s"}},
		{name: "decision missing solution", input: CreateEntryInput{ProjectID: "proj_1", EntryType: "DECISION", Title: "t", Context: "c"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateEntry(context.Background(), ownerSession(), tc.input)
			status, code, _, _ := mapError(err)
			if status != 400 || code != "VALIDATION_ERROR" {
				t.Fatalf("expected 400 VALIDATION_ERROR, got %d %s (err=%v)", status, code, err)
			}
		})
	}
}

func TestCreateEntryEnrichesBugs(t *testing.T) {
	gen := &stubGenerator{text: "Explanation:\nfoo\n\nInterview Question:\nbar"}
	var inserted store.Entry
	fs := &fakeStore{
		insertEntryFn: func(_ context.Context, entry store.Entry) error {
			inserted = entry
			return nil
		},
	}
	svc, fsearch := newTestService(fs, testConfig(), gen)

	entry, err := svc.CreateEntry(context.Background(), ownerSession(), CreateEntryInput{
		ProjectID:    "proj_1",
		EntryType:    store.EntryTypeBug,
		Title:        "Nil deref",
		ErrorMessage: "panic: nil pointer",
	})
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if entry.AIExplanation != "foo" || entry.AIInterviewQuestion != "bar" {
		t.Fatalf("unexpected enrichment: %q / %q", entry.AIExplanation, entry.AIInterviewQuestion)
	}
	if inserted.AIExplanation != "foo" {
		t.Fatalf("inserted row should carry enrichment, got %q", inserted.AIExplanation)
	}
	if len(fsearch.indexedBugs) != 1 || fsearch.indexedBugs[0].UserID != "usr_owner" {
		t.Fatalf("bug should be indexed under owner, got %+v", fsearch.indexedBugs)
	}
}

func TestCreateEntryEnrichmentFailureDegrades(t *testing.T) {
	gen := &stubGenerator{err: errors.New("upstream boom")}
	svc, _ := newTestService(&fakeStore{}, testConfig(), gen)

	entry, err := svc.CreateEntry(context.Background(), ownerSession(), CreateEntryInput{
		ProjectID: "proj_1",
		EntryType: store.EntryTypeBug,
		Title:     "Flaky timeout",
	})
	if err != nil {
		t.Fatalf("enrichment failure must not fail the create: %v", err)
	}
	if entry.AIExplanation != "" || entry.AIInterviewQuestion != "" {
		t.Fatalf("expected empty sections on failure, got %q / %q", entry.AIExplanation, entry.AIInterviewQuestion)
	}
}

func TestCreateEntryDecisionNeverEnriches(t *testing.T) {
	gen := &stubGenerator{text: "Explanation:\nfoo\n\nInterview Question:\nbar"}
	svc, fsearch := newTestService(&fakeStore{}, testConfig(), gen)

	entry, err := svc.CreateEntry(context.Background(), ownerSession(), CreateEntryInput{
		ProjectID: "proj_1",
		EntryType: store.EntryTypeDecision,
		Title:     "Use Postgres",
		Context:   "Need relational queries",
		Solution:  "Postgres with pgx",
	})
	if err != nil {
		t.Fatalf("create decision: %v", err)
	}
	if gen.calls != 0 {
		t.Fatalf("decision must not hit the generator, got %d calls", gen.calls)
	}
	if entry.AIExplanation != "" || entry.AIInterviewQuestion != "" {
		t.Fatal("decision must not carry enrichment sections")
	}
	if len(fsearch.indexedDecisions) != 1 {
		t.Fatalf("decision should be indexed, got %+v", fsearch.indexedDecisions)
	}
}

func TestCreateEntryAsyncEnrichment(t *testing.T) {
	gen := &stubGenerator{text: "Explanation:\nfoo\n\nInterview Question:\nbar"}
	var inserted store.Entry
	var savedID, savedExplanation, savedQuestion string
	fs := &fakeStore{
		insertEntryFn: func(_ context.Context, entry store.Entry) error {
			inserted = entry
			return nil
		},
		updateEnrichmentFn: func(_ context.Context, entryID, explanation, question string) error {
			savedID, savedExplanation, savedQuestion = entryID, explanation, question
			return nil
		},
	}
	cfg := testConfig()
	cfg.EnrichSync = false
	svc, _ := newTestService(fs, cfg, gen)

	entry, err := svc.CreateEntry(context.Background(), ownerSession(), CreateEntryInput{
		ProjectID: "proj_1",
		EntryType: store.EntryTypeBug,
		Title:     "Race on shutdown",
	})
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if entry.AIExplanation != "" {
		t.Fatal("async mode must return the entry before enrichment lands")
	}
	if inserted.AIExplanation != "" {
		t.Fatal("async mode must insert the entry without enrichment")
	}

	svc.WaitForEnrichment()
	if savedID != entry.ID || savedExplanation != "foo" || savedQuestion != "bar" {
		t.Fatalf("expected enrichment saved for %s, got id=%s %q / %q", entry.ID, savedID, savedExplanation, savedQuestion)
	}
}

func TestCreateEntryAsyncEnrichmentWaitsForInsert(t *testing.T) {
	gen := &stubGenerator{text: "Explanation:\nfoo\n\nInterview Question:\nbar"}

	var mu sync.Mutex
	var events []string
	fs := &fakeStore{
		insertEntryFn: func(_ context.Context, entry store.Entry) error {
			time.Sleep(50 * time.Millisecond)
			mu.Lock()
			events = append(events, "insert")
			mu.Unlock()
			return nil
		},
		updateEnrichmentFn: func(_ context.Context, entryID, explanation, question string) error {
			mu.Lock()
			events = append(events, "update-enrichment")
			mu.Unlock()
			return nil
		},
	}
	cfg := testConfig()
	cfg.EnrichSync = false
	svc, _ := newTestService(fs, cfg, gen)

	if _, err := svc.CreateEntry(context.Background(), ownerSession(), CreateEntryInput{
		ProjectID: "proj_1",
		EntryType: store.EntryTypeBug,
		Title:     "Slow insert",
	}); err != nil {
		t.Fatalf("create entry: %v", err)
	}
	svc.WaitForEnrichment()

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != "insert" || events[1] != "update-enrichment" {
		t.Fatalf("enrichment must not touch the row before it exists, got order %v", events)
	}
}

func TestCreateEntryInsertFailureSkipsEnrichment(t *testing.T) {
	gen := &stubGenerator{text: "Explanation:\nfoo\n\nInterview Question:\nbar"}
	enrichmentSaved := false
	fs := &fakeStore{
		insertEntryFn: func(context.Context, store.Entry) error {
			return errors.New("insert entry: connection reset")
		},
		updateEnrichmentFn: func(context.Context, string, string, string) error {
			enrichmentSaved = true
			return nil
		},
	}
	cfg := testConfig()
	cfg.EnrichSync = false
	svc, _ := newTestService(fs, cfg, gen)

	if _, err := svc.CreateEntry(context.Background(), ownerSession(), CreateEntryInput{
		ProjectID: "proj_1",
		EntryType: store.EntryTypeBug,
		Title:     "Doomed insert",
	}); err == nil {
		t.Fatal("expected insert error")
	}
	svc.WaitForEnrichment()

	if gen.calls != 0 {
		t.Fatalf("a failed insert must not enrich, got %d generator calls", gen.calls)
	}
	if enrichmentSaved {
		t.Fatal("a failed insert must not save enrichment")
	}
}

func TestUpdateEntryPreservesOmittedFields(t *testing.T) {
	existing := store.Entry{
		ID:           "ent_1",
		ProjectID:    "proj_1",
		EntryType:    store.EntryTypeBug,
		Title:        "Old title",
		ErrorMessage: "panic: nil pointer",
		Context:      "checkout flow",
		RootCause:    "missing guard",
		Solution:     "add nil check",
	}
	var saved store.EntryUpdate
	fs := &fakeStore{
		getEntryForUserFn: func(context.Context, string, string) (store.Entry, error) {
			return existing, nil
		},
		updateEntryFn: func(_ context.Context, entryID string, update store.EntryUpdate) error {
			saved = update
			return nil
		},
	}
	svc, _ := newTestService(fs, testConfig(), nil)

	if _, err := svc.UpdateEntry(context.Background(), ownerSession(), "ent_1", UpdateEntryInput{
		Title: strPtr("New title"),
	}); err != nil {
		t.Fatalf("update entry: %v", err)
	}

	if saved.Title != "New title" {
		t.Fatalf("title should change, got %q", saved.Title)
	}
	if saved.ErrorMessage != "panic: nil pointer" || saved.Context != "checkout flow" ||
		saved.RootCause != "missing guard" || saved.Solution != "add nil check" {
		t.Fatalf("omitted fields must keep their values, got %+v", saved)
	}

	if _, err := svc.UpdateEntry(context.Background(), ownerSession(), "ent_1", UpdateEntryInput{
		ErrorMessage: strPtr(""),
	}); err != nil {
		t.Fatalf("update entry: %v", err)
	}
	if saved.ErrorMessage != "" {
		t.Fatalf("an explicit empty string should clear the field, got %q", saved.ErrorMessage)
	}
	if saved.Title != "Old title" {
		t.Fatalf("omitted title must keep its value, got %q", saved.Title)
	}
}

func TestDeleteProjectCleansSearchIndex(t *testing.T) {
	fs := &fakeStore{
		deleteProjectCascadeFn: func(_ context.Context, projectID string) ([]string, error) {
			return []string{"ent_1", "ent_2"}, nil
		},
	}
	svc, fsearch := newTestService(fs, testConfig(), nil)

	if err := svc.DeleteProject(context.Background(), ownerSession(), "proj_1"); err != nil {
		t.Fatalf("delete project: %v", err)
	}
	if len(fsearch.deletedProjects) != 1 || fsearch.deletedProjects[0] != "proj_1" {
		t.Fatalf("project not removed from index: %+v", fsearch.deletedProjects)
	}
	if len(fsearch.deletedEntries) != 2 {
		t.Fatalf("cascaded entries not removed from index: %+v", fsearch.deletedEntries)
	}
}

func TestDeleteEntryMissingLooksLikeNotFound(t *testing.T) {
	svc, _ := newTestService(&fakeStore{}, testConfig(), nil)

	err := svc.DeleteEntry(context.Background(), ownerSession(), "ent_gone")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for missing entry, got %v", err)
	}
}

func TestUpdateEntryDoesNotReEnrich(t *testing.T) {
	gen := &stubGenerator{text: "Explanation:\nnew\n\nInterview Question:\nnew"}
	existing := store.Entry{
		ID:                  "ent_1",
		ProjectID:           "proj_1",
		EntryType:           store.EntryTypeBug,
		Title:               "Old title",
		AIExplanation:       "original explanation",
		AIInterviewQuestion: "original question",
	}
	fs := &fakeStore{
		getEntryForUserFn: func(_ context.Context, entryID, userID string) (store.Entry, error) {
			return existing, nil
		},
		updateEntryFn: func(_ context.Context, entryID string, update store.EntryUpdate) error {
			existing.Title = update.Title
			return nil
		},
	}
	svc, _ := newTestService(fs, testConfig(), gen)

	updated, err := svc.UpdateEntry(context.Background(), ownerSession(), "ent_1", UpdateEntryInput{
		Title: strPtr("New title"),
	})
	if err != nil {
		t.Fatalf("update entry: %v", err)
	}
	if gen.calls != 0 {
		t.Fatalf("update must not re-run enrichment, got %d calls", gen.calls)
	}
	if updated.AIExplanation != "original explanation" {
		t.Fatalf("enrichment should survive updates, got %q", updated.AIExplanation)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	presented := "rft_original"
	presentedHash := auth.HashToken(presented)

	var revokedHash string
	var savedHashes []string
	fs := &fakeStore{
		lookupRefreshSessionFn: func(_ context.Context, tokenHash string) (store.User, error) {
			if tokenHash != presentedHash {
				return store.User{}, sql.ErrNoRows
			}
			return store.User{ID: "usr_owner"}, nil
		},
		revokeRefreshSessionFn: func(_ context.Context, tokenHash string) error {
			revokedHash = tokenHash
			return nil
		},
		saveRefreshSessionFn: func(_ context.Context, tokenHash, userID string, _ time.Time) error {
			savedHashes = append(savedHashes, tokenHash)
			return nil
		},
	}
	svc, _ := newTestService(fs, testConfig(), nil)

	session, err := svc.Refresh(context.Background(), presented)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if revokedHash != presentedHash {
		t.Fatal("presented refresh token must be revoked")
	}
	if session.RefreshToken == presented {
		t.Fatal("rotation must mint a new refresh token")
	}
	if len(savedHashes) != 1 || savedHashes[0] == presentedHash {
		t.Fatalf("new refresh session should be saved under a new hash: %v", savedHashes)
	}
	if session.Token == "" || session.UserID != "usr_owner" {
		t.Fatalf("unexpected session: %+v", session)
	}
}

func TestSessionFromTokenRejectsRevokedJTI(t *testing.T) {
	cfg := testConfig()
	fs := &fakeStore{
		isAccessTokenRevokedFn: func(_ context.Context, jti string) (bool, error) {
			return true, nil
		},
	}
	svc, _ := newTestService(fs, cfg, nil)

	token, err := auth.IssueToken([]byte(cfg.JWTSecret), auth.Claims{
		Sub: "usr_owner",
		JTI: "jti_revoked",
		Exp: time.Now().Add(time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	_, err = svc.SessionFromToken(context.Background(), token)
	if !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("revoked JTI should be invalid, got %v", err)
	}
}
