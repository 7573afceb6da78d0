package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"shopfloor-api/domain"
)

func quietLog() *log.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

func initTestMailer(t *testing.T, store Storage, deduper Deduper) {
	t.Helper()
	shutdownMailer()
	initMailer(store, deduper, quietLog())
	t.Cleanup(shutdownMailer)
}

func TestCreateUserProfile(t *testing.T) {
	e := echo.New()
	var inserted domain.Profile
	store := &mockStore{
		insertProfile: func(ctx context.Context, p domain.Profile) error {
			inserted = p
			return nil
		},
	}
	notifier := &mockNotifier{}
	body := `{"firstName":"Ada","lastName":"Nguyen","email":"Ada.Nguyen@Plant.example","title":"Line lead"}`
	req := newJSONRequest(http.MethodPost, "/api/create-user-profile", body)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	auth := mockAuth{claims: Claims{UserID: "auth-1", Email: "ada.nguyen@plant.example"}}
	if err := createUserProfile(store, auth, notifier)(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", rec.Code, rec.Body.String())
	}

	var resp createProfileResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if !resp.Success || resp.UserID != "auth-1" {
		t.Fatalf("unexpected response: %#v", resp)
	}
	if inserted.Email != "ada.nguyen@plant.example" {
		t.Fatalf("expected lowercased email, got %q", inserted.Email)
	}
	if inserted.Department != domain.DefaultDepartment {
		t.Fatalf("expected default department, got %q", inserted.Department)
	}
	if inserted.Initials != "AN" {
		t.Fatalf("expected derived initials, got %q", inserted.Initials)
	}
	if inserted.Role != domain.FallbackRole {
		t.Fatalf("expected unprivileged default role, got %q", inserted.Role)
	}
	if len(notifier.userIDs) != 1 || notifier.userIDs[0] != "auth-1" {
		t.Fatalf("expected auth change notification, got %#v", notifier.userIDs)
	}
}

func TestCreateUserProfileIdempotentByEmail(t *testing.T) {
	e := echo.New()
	insertCalled := false
	store := &mockStore{
		profileByEmail: func(ctx context.Context, email string) (domain.Profile, error) {
			return domain.Profile{ID: "existing-id", Email: email}, nil
		},
		insertProfile: func(ctx context.Context, p domain.Profile) error {
			insertCalled = true
			return nil
		},
	}
	body := `{"firstName":"Ada","lastName":"Nguyen","email":"ada.nguyen@plant.example"}`
	req := newJSONRequest(http.MethodPost, "/api/create-user-profile", body)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := createUserProfile(store, mockAuth{}, nil)(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if insertCalled {
		t.Fatal("expected no insert for existing profile")
	}
	var resp createProfileResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.UserID != "existing-id" {
		t.Fatalf("expected existing profile id, got %q", resp.UserID)
	}
}

func TestCreateUserProfileValidation(t *testing.T) {
	testCases := map[string]string{
		"missing_fields": `{"firstName":"Ada"}`,
		"bad_email":      `{"firstName":"Ada","lastName":"Nguyen","email":"not an email"}`,
		"invalid_body":   `{`,
	}
	for name, body := range testCases {
		t.Run(name, func(t *testing.T) {
			e := echo.New()
			req := newJSONRequest(http.MethodPost, "/api/create-user-profile", body)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := createUserProfile(&mockStore{}, mockAuth{}, nil)(c); err != nil {
				t.Fatalf("handler returned error: %v", err)
			}
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400 got %d", rec.Code)
			}
		})
	}
}

func TestCreateUserProfileUnauthorized(t *testing.T) {
	e := echo.New()
	req := newJSONRequest(http.MethodPost, "/api/create-user-profile", `{}`)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := createUserProfile(&mockStore{}, mockAuth{err: errMissingAuthorization}, nil)(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 got %d", rec.Code)
	}
}

func TestInviteUserSendsEmail(t *testing.T) {
	e := echo.New()
	enqueued := make(chan domain.EmailEnvelope, 1)
	var inserted domain.Profile
	store := &mockStore{
		insertProfile: func(ctx context.Context, p domain.Profile) error {
			inserted = p
			return nil
		},
		enqueueEmail: func(ctx context.Context, env domain.EmailEnvelope) error {
			enqueued <- env
			return nil
		},
	}
	initTestMailer(t, store, &mockDeduper{})

	body := `{"first_name":"Bo","last_name":"Larsen","email":"bo.larsen@plant.example","role":"manager","department":"Assembly"}`
	req := newJSONRequest(http.MethodPost, "/api/users/invite", body)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := inviteUser(store, mockAuth{}, quietLog())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201 got %d: %s", rec.Code, rec.Body.String())
	}
	if inserted.Role != domain.RoleManager || inserted.Department != "Assembly" {
		t.Fatalf("unexpected profile: %#v", inserted)
	}
	if inserted.CreatedBy != "user" {
		t.Fatalf("expected creator defaulted from claims, got %q", inserted.CreatedBy)
	}

	select {
	case env := <-enqueued:
		if env.Message.To != "bo.larsen@plant.example" || env.Message.Kind != domain.EmailInvite {
			t.Fatalf("unexpected envelope: %#v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("expected invitation email to be enqueued")
	}
}

func TestInviteUserDuplicateEmail(t *testing.T) {
	e := echo.New()
	store := &mockStore{
		profileByEmail: func(ctx context.Context, email string) (domain.Profile, error) {
			return domain.Profile{ID: "existing", Email: email}, nil
		},
		insertProfile: func(ctx context.Context, p domain.Profile) error {
			t.Fatal("expected no insert for duplicate email")
			return nil
		},
	}
	body := `{"first_name":"Bo","last_name":"Larsen","email":"bo.larsen@plant.example","role":"viewer"}`
	req := newJSONRequest(http.MethodPost, "/api/users/invite", body)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := inviteUser(store, mockAuth{}, quietLog())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409 got %d", rec.Code)
	}
}

func TestInviteUserEmailFailureDoesNotFailRequest(t *testing.T) {
	e := echo.New()
	store := &mockStore{
		enqueueEmail: func(ctx context.Context, env domain.EmailEnvelope) error {
			return errors.New("queue unavailable")
		},
	}
	initTestMailer(t, store, &mockDeduper{})

	body := `{"first_name":"Bo","last_name":"Larsen","email":"bo.larsen@plant.example","role":"viewer"}`
	req := newJSONRequest(http.MethodPost, "/api/users/invite", body)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := inviteUser(store, mockAuth{}, quietLog())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201 despite mail failure, got %d", rec.Code)
	}
}

func TestInviteUserValidation(t *testing.T) {
	testCases := map[string]string{
		"missing_role":  `{"first_name":"Bo","last_name":"Larsen","email":"bo@plant.example"}`,
		"bad_email":     `{"first_name":"Bo","last_name":"Larsen","email":"bo at plant","role":"viewer"}`,
		"no_tld_email":  `{"first_name":"Bo","last_name":"Larsen","email":"bo@plant","role":"viewer"}`,
		"missing_names": `{"email":"bo@plant.example","role":"viewer"}`,
	}
	for name, body := range testCases {
		t.Run(name, func(t *testing.T) {
			e := echo.New()
			req := newJSONRequest(http.MethodPost, "/api/users/invite", body)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := inviteUser(&mockStore{}, mockAuth{}, quietLog())(c); err != nil {
				t.Fatalf("handler returned error: %v", err)
			}
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400 got %d", rec.Code)
			}
		})
	}
}

func TestApproveUser(t *testing.T) {
	e := echo.New()
	var forwarded ApprovalRequest
	approver := &mockApprover{
		approveFn: func(ctx context.Context, req ApprovalRequest) (map[string]any, error) {
			forwarded = req
			return map[string]any{"emailSent": true}, nil
		},
	}
	notifier := &mockNotifier{}
	body := `{"userId":"u-1","role":"manager","approvedBy":"admin-1","userEmail":"bo@plant.example"}`
	req := newJSONRequest(http.MethodPost, "/api/approve-user", body)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := approveUser(&mockStore{}, mockAuth{}, approver, notifier)(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if forwarded.UserID != "u-1" || forwarded.Role != "manager" || forwarded.ApprovedBy != "admin-1" {
		t.Fatalf("unexpected forwarded request: %#v", forwarded)
	}
	var resp approveResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if !resp.Success || resp.Result["emailSent"] != true {
		t.Fatalf("unexpected response: %#v", resp)
	}
	if len(notifier.userIDs) != 1 || notifier.userIDs[0] != "u-1" {
		t.Fatalf("expected auth change notification, got %#v", notifier.userIDs)
	}
}

func TestApproveUserMissingFields(t *testing.T) {
	e := echo.New()
	req := newJSONRequest(http.MethodPost, "/api/approve-user", `{"userId":"u-1"}`)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := approveUser(&mockStore{}, mockAuth{}, &mockApprover{}, nil)(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", rec.Code)
	}
}

func TestApproveUserUpstreamFailure(t *testing.T) {
	e := echo.New()
	approver := &mockApprover{
		approveFn: func(ctx context.Context, req ApprovalRequest) (map[string]any, error) {
			return nil, errors.New("function returned status 502")
		},
	}
	body := `{"userId":"u-1","role":"manager","approvedBy":"admin-1"}`
	req := newJSONRequest(http.MethodPost, "/api/approve-user", body)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := approveUser(&mockStore{}, mockAuth{}, approver, nil)(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500 got %d", rec.Code)
	}
	var resp errorResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.Error == "" {
		t.Fatal("expected upstream message in error body")
	}
}
