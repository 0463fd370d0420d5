package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"bugvault/api/internal/auth"
	"bugvault/api/internal/authpw"
	"bugvault/api/internal/config"
	"bugvault/api/internal/enrich"
	"bugvault/api/internal/oauth"
	"bugvault/api/internal/search"
	"bugvault/api/internal/store"
	"bugvault/api/internal/upload"
	"bugvault/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserEmail    string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

type CreateProjectInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	TechStack   string `json:"techStack"`
}

type CreateEntryInput struct {
	ProjectID     string `json:"projectId"`
	EntryType     string `json:"entryType"`
	Title         string `json:"title"`
	ErrorMessage  string `json:"errorMessage"`
	Context       string `json:"context"`
	RootCause     string `json:"rootCause"`
	Solution      string `json:"solution"`
	ScreenshotURL string `json:"screenshotUrl"`
}

// UpdateEntryInput carries a partial update. Nil fields were absent from the
// request body and keep their stored values.
type UpdateEntryInput struct {
	Title        *string `json:"title"`
	ErrorMessage *string `json:"errorMessage"`
	Context      *string `json:"context"`
	RootCause    *string `json:"rootCause"`
	Solution     *string `json:"solution"`
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	EnsureUserByEmail(context.Context, string, string, string) (store.User, error)
	InsertProject(context.Context, store.Project) error
	GetProjectForUser(context.Context, string, string) (store.Project, error)
	ListProjects(context.Context, string) ([]store.Project, error)
	DeleteProjectCascade(context.Context, string) ([]string, error)
	InsertEntry(context.Context, store.Entry) error
	GetEntryForUser(context.Context, string, string) (store.Entry, error)
	ListEntries(context.Context, string, string) ([]store.Entry, error)
	UpdateEntry(context.Context, string, store.EntryUpdate) error
	UpdateEntryEnrichment(context.Context, string, string, string) error
	DeleteEntry(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(ctx context.Context) error
}

// sessionStore holds refresh sessions. Backed by Redis when configured,
// otherwise the Postgres store satisfies it too.
type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexProject(p search.ProjectRecord)
	IndexBug(b search.BugRecord)
	IndexDecision(d search.DecisionRecord)
	DeleteProject(id string)
	DeleteEntry(id string)
}

type oauthState struct {
	expiresAt time.Time
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	search   searchService
	enricher enrich.Generator
	uploader upload.Uploader
	authpw   *authpw.Service
	github   *oauth.GitHubProvider

	stateTTL    time.Duration
	stateMu     sync.Mutex
	oauthStates map[string]oauthState

	enrichWG sync.WaitGroup
}

// New wires the service. sessions falls back to the Postgres store when nil;
// enricher, uploader, and github may be nil when not configured.
func New(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, searchSvc *search.Service, enricher enrich.Generator, uploader upload.Uploader, github *oauth.GitHubProvider) *Service {
	svc := &Service{
		cfg:         cfg,
		store:       dataStore,
		sessions:    sessions,
		search:      searchSvc,
		enricher:    enricher,
		uploader:    uploader,
		authpw:      authpw.NewService(dataStore),
		github:      github,
		stateTTL:    10 * time.Minute,
		oauthStates: make(map[string]oauthState),
	}
	if svc.sessions == nil {
		svc.sessions = dataStore
	}
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// WaitForEnrichment blocks until in-flight enrichment goroutines finish.
// Used by graceful shutdown and tests.
func (s *Service) WaitForEnrichment() {
	s.enrichWG.Wait()
}

// --- Sessions ---

func (s *Service) SignUp(ctx context.Context, email, password, name string) (Session, error) {
	user, err := s.authpw.SignUp(ctx, authpw.SignUpRequest{
		Email:    email,
		Password: password,
		Name:     name,
	})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.authpw.SignIn(ctx, authpw.SignInRequest{
		Email:    email,
		Password: password,
	})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// GitHubLoginURL returns the provider consent URL with a short-lived state.
func (s *Service) GitHubLoginURL() (string, error) {
	if s.github == nil {
		return "", domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "GitHub sign-in not configured", nil)
	}
	state := util.NewID("state")
	s.stateMu.Lock()
	now := time.Now()
	for key, record := range s.oauthStates {
		if now.After(record.expiresAt) {
			delete(s.oauthStates, key)
		}
	}
	s.oauthStates[state] = oauthState{expiresAt: now.Add(s.stateTTL)}
	s.stateMu.Unlock()
	return s.github.AuthURL(state), nil
}

// GitHubCallback exchanges the provider code, upserts the user, and issues
// a session. The state must match one handed out by GitHubLoginURL.
func (s *Service) GitHubCallback(ctx context.Context, state, code string) (Session, error) {
	if s.github == nil {
		return Session{}, domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "GitHub sign-in not configured", nil)
	}

	s.stateMu.Lock()
	record, ok := s.oauthStates[state]
	delete(s.oauthStates, state)
	s.stateMu.Unlock()
	if !ok || time.Now().After(record.expiresAt) {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Invalid OAuth state", nil)
	}

	identity, err := s.github.Exchange(ctx, code)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "GitHub exchange failed", nil)
	}

	user, err := s.store.EnsureUserByEmail(ctx, util.NewID("usr"), strings.ToLower(identity.Email), identity.Name)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		Name:  user.Name,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserEmail:    user.Email,
		UserName:     user.Name,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a
// fresh pair is issued. A reused token fails the lookup.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	sessionUser, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, sessionUser.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserEmail: user.Email,
		UserName:  user.Name,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// --- Projects ---

func (s *Service) CreateProject(ctx context.Context, session Session, input CreateProjectInput) (store.Project, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Project{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "name is required", nil)
	}

	project := store.Project{
		ID:          util.NewID("proj"),
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		TechStack:   strings.TrimSpace(input.TechStack),
		UserID:      session.UserID,
		CreatedAt:   time.Now(),
	}
	if err := s.store.InsertProject(ctx, project); err != nil {
		return store.Project{}, err
	}

	s.search.IndexProject(search.ProjectRecord{
		ID:          project.ID,
		Name:        project.Name,
		Description: project.Description,
		TechStack:   project.TechStack,
		UserID:      project.UserID,
	})
	return project, nil
}

func (s *Service) ListProjects(ctx context.Context, session Session) ([]store.Project, error) {
	return s.store.ListProjects(ctx, session.UserID)
}

// GetProject returns the project only when the caller owns it. A project
// owned by someone else looks identical to a missing one.
func (s *Service) GetProject(ctx context.Context, session Session, projectID string) (store.Project, error) {
	return s.store.GetProjectForUser(ctx, projectID, session.UserID)
}

func (s *Service) DeleteProject(ctx context.Context, session Session, projectID string) error {
	if _, err := s.store.GetProjectForUser(ctx, projectID, session.UserID); err != nil {
		return err
	}
	entryIDs, err := s.store.DeleteProjectCascade(ctx, projectID)
	if err != nil {
		return err
	}

	s.search.DeleteProject(projectID)
	for _, entryID := range entryIDs {
		s.search.DeleteEntry(entryID)
	}
	return nil
}

// --- Entries ---

func (s *Service) ListEntries(ctx context.Context, session Session, projectID, entryType string) ([]store.Entry, error) {
	if entryType != "" && entryType != store.EntryTypeBug && entryType != store.EntryTypeDecision {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "type must be BUG or DECISION", nil)
	}
	if _, err := s.store.GetProjectForUser(ctx, projectID, session.UserID); err != nil {
		return nil, err
	}
	return s.store.ListEntries(ctx, projectID, entryType)
}

func (s *Service) CreateEntry(ctx context.Context, session Session, input CreateEntryInput) (store.Entry, error) {
	if err := validateEntryInput(input); err != nil {
		return store.Entry{}, err
	}
	project, err := s.store.GetProjectForUser(ctx, input.ProjectID, session.UserID)
	if err != nil {
		return store.Entry{}, err
	}

	entry := store.Entry{
		ID:            util.NewID("ent"),
		ProjectID:     project.ID,
		EntryType:     input.EntryType,
		Title:         strings.TrimSpace(input.Title),
		ErrorMessage:  input.ErrorMessage,
		Context:       input.Context,
		RootCause:     input.RootCause,
		Solution:      input.Solution,
		ScreenshotURL: input.ScreenshotURL,
		CreatedAt:     time.Now(),
	}

	enrichable := entry.EntryType == store.EntryTypeBug && s.enricher != nil
	if enrichable && s.cfg.EnrichSync {
		result := s.runEnrichment(ctx, entry)
		entry.AIExplanation = result.Explanation
		entry.AIInterviewQuestion = result.InterviewQuestion
	}

	if err := s.store.InsertEntry(ctx, entry); err != nil {
		return store.Entry{}, err
	}

	// Async enrichment updates the row in place, so the insert must land first.
	if enrichable && !s.cfg.EnrichSync {
		s.scheduleEnrichment(entry)
	}

	s.indexEntry(entry, session.UserID)
	return entry, nil
}

// runEnrichment calls the generator and parses its sections. Any failure
// degrades to empty strings so entry creation never depends on the LLM.
func (s *Service) runEnrichment(ctx context.Context, entry store.Entry) enrich.Result {
	prompt := enrich.BuildPrompt(enrich.PromptInput{
		Title:        entry.Title,
		ErrorMessage: entry.ErrorMessage,
		Context:      entry.Context,
		RootCause:    entry.RootCause,
		Solution:     entry.Solution,
	})
	text, err := s.enricher.Generate(ctx, prompt)
	if err != nil {
		log.Printf("enrich: generate for entry %s: %v", entry.ID, err)
		return enrich.Result{}
	}
	return enrich.ParseSections(text)
}

// scheduleEnrichment enriches after the response is sent. The entry row is
// updated in place once the sections arrive.
func (s *Service) scheduleEnrichment(entry store.Entry) {
	s.enrichWG.Add(1)
	go func() {
		defer s.enrichWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		result := s.runEnrichment(ctx, entry)
		if result.Explanation == "" && result.InterviewQuestion == "" {
			return
		}
		if err := s.store.UpdateEntryEnrichment(ctx, entry.ID, result.Explanation, result.InterviewQuestion); err != nil {
			log.Printf("enrich: save for entry %s: %v", entry.ID, err)
		}
	}()
}

func validateEntryInput(input CreateEntryInput) error {
	if input.EntryType != store.EntryTypeBug && input.EntryType != store.EntryTypeDecision {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "entryType must be BUG or DECISION", nil)
	}

	missing := make([]string, 0)
	if strings.TrimSpace(input.Title) == "" {
		missing = append(missing, "title")
	}
	if input.EntryType == store.EntryTypeDecision {
		if strings.TrimSpace(input.Context) == "" {
			missing = append(missing, "context")
		}
		if strings.TrimSpace(input.Solution) == "" {
			missing = append(missing, "solution")
		}
	}
	if len(missing) > 0 {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR",
			fmt.Sprintf("missing required fields: %s", strings.Join(missing, ", ")),
			map[string]any{"fields": missing})
	}
	return nil
}

func (s *Service) GetEntry(ctx context.Context, session Session, entryID string) (store.Entry, error) {
	return s.store.GetEntryForUser(ctx, entryID, session.UserID)
}

// UpdateEntry merges the provided fields over the stored entry; omitted
// fields keep their values. Enrichment is not re-run; the stored sections
// reflect the entry as originally captured.
func (s *Service) UpdateEntry(ctx context.Context, session Session, entryID string, input UpdateEntryInput) (store.Entry, error) {
	entry, err := s.store.GetEntryForUser(ctx, entryID, session.UserID)
	if err != nil {
		return store.Entry{}, err
	}

	update := store.EntryUpdate{
		Title:        entry.Title,
		ErrorMessage: entry.ErrorMessage,
		Context:      entry.Context,
		RootCause:    entry.RootCause,
		Solution:     entry.Solution,
	}
	if input.Title != nil {
		update.Title = strings.TrimSpace(*input.Title)
	}
	if input.ErrorMessage != nil {
		update.ErrorMessage = *input.ErrorMessage
	}
	if input.Context != nil {
		update.Context = *input.Context
	}
	if input.RootCause != nil {
		update.RootCause = *input.RootCause
	}
	if input.Solution != nil {
		update.Solution = *input.Solution
	}

	if update.Title == "" {
		return store.Entry{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "title is required", nil)
	}
	if entry.EntryType == store.EntryTypeDecision {
		if strings.TrimSpace(update.Context) == "" || strings.TrimSpace(update.Solution) == "" {
			return store.Entry{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "context and solution are required for decisions", nil)
		}
	}

	if err := s.store.UpdateEntry(ctx, entryID, update); err != nil {
		return store.Entry{}, err
	}

	updated, err := s.store.GetEntryForUser(ctx, entryID, session.UserID)
	if err != nil {
		return store.Entry{}, err
	}
	s.indexEntry(updated, session.UserID)
	return updated, nil
}

func (s *Service) DeleteEntry(ctx context.Context, session Session, entryID string) error {
	if _, err := s.store.GetEntryForUser(ctx, entryID, session.UserID); err != nil {
		return err
	}
	if err := s.store.DeleteEntry(ctx, entryID); err != nil {
		return err
	}
	s.search.DeleteEntry(entryID)
	return nil
}

func (s *Service) indexEntry(entry store.Entry, userID string) {
	switch entry.EntryType {
	case store.EntryTypeBug:
		s.search.IndexBug(search.BugRecord{
			ID:           entry.ID,
			Title:        entry.Title,
			ErrorMessage: entry.ErrorMessage,
			Context:      entry.Context,
			ProjectID:    entry.ProjectID,
			UserID:       userID,
		})
	case store.EntryTypeDecision:
		s.search.IndexDecision(search.DecisionRecord{
			ID:        entry.ID,
			Title:     entry.Title,
			Context:   entry.Context,
			ProjectID: entry.ProjectID,
			UserID:    userID,
		})
	}
}

// --- Search ---

func (s *Service) Search(ctx context.Context, session Session, text string, limit int) search.Response {
	return s.search.Search(search.Query{
		Text:   text,
		UserID: session.UserID,
		Limit:  limit,
	})
}

// --- Upload ---

func (s *Service) UploadScreenshot(ctx context.Context, filename, contentType string, data []byte) (string, error) {
	if s.uploader == nil {
		return "", domainError(http.StatusServiceUnavailable, "UPLOAD_UNAVAILABLE", "Upload storage not configured", nil)
	}
	url, err := s.uploader.Upload(ctx, filename, contentType, data)
	if err != nil {
		log.Printf("upload: %v", err)
		return "", domainError(http.StatusInternalServerError, "UPSTREAM_ERROR", "Upload failed", nil)
	}
	return url, nil
}
