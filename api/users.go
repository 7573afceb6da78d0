package api

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"shopfloor-api/domain"
	"shopfloor-api/storage"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// createUserProfile creates the caller's own profile row. A repeated
// call with the same email returns the existing row instead of failing.
func createUserProfile(store Storage, auth Authenticator, notifier Notifier) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := auth.ClaimsFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return jsonError(c, http.StatusUnauthorized, err.Error())
		}

		var req createProfileRequest
		if err := decodeBody(c, &req); err != nil {
			return jsonError(c, http.StatusBadRequest, "invalid body")
		}

		record := map[string]any{
			"firstName": req.FirstName,
			"lastName":  req.LastName,
			"email":     req.Email,
		}
		if missing := domain.CheckRequiredFields(record, []string{"firstName", "lastName", "email"}); len(missing) > 0 {
			return jsonError(c, http.StatusBadRequest, "missing required fields: "+strings.Join(missing, ", "))
		}
		email := strings.ToLower(strings.TrimSpace(req.Email))
		if !emailPattern.MatchString(email) {
			return jsonError(c, http.StatusBadRequest, "invalid email format")
		}

		ctx := c.Request().Context()
		existing, err := store.ProfileByEmail(ctx, email)
		if err == nil {
			return c.JSON(http.StatusOK, createProfileResponse{
				Success: true,
				Message: "profile already exists",
				UserID:  existing.ID,
			})
		}
		if !errors.Is(err, storage.ErrNotFound) {
			c.Logger().Error(err)
			return jsonError(c, http.StatusInternalServerError, err.Error())
		}

		profile := domain.Profile{
			ID:         claims.UserID,
			Email:      email,
			FirstName:  strings.TrimSpace(req.FirstName),
			LastName:   strings.TrimSpace(req.LastName),
			Title:      strings.TrimSpace(req.Title),
			Phone:      strings.TrimSpace(req.Phone),
			Department: strings.TrimSpace(req.Department),
			Initials:   strings.TrimSpace(req.Initials),
			Role:       domain.FallbackRole,
		}
		if profile.Department == "" {
			profile.Department = domain.DefaultDepartment
		}
		if profile.Initials == "" {
			profile.Initials = deriveInitials(profile.FirstName, profile.LastName)
		}

		if err := store.InsertProfile(ctx, profile); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return c.JSON(http.StatusOK, createProfileResponse{
					Success: true,
					Message: "profile already exists",
					UserID:  profile.ID,
				})
			}
			c.Logger().Error(err)
			return jsonError(c, http.StatusInternalServerError, err.Error())
		}

		if notifier != nil {
			notifier.AuthChanged(ctx, profile.ID)
		}
		return c.JSON(http.StatusOK, createProfileResponse{
			Success: true,
			Message: "profile created",
			UserID:  profile.ID,
		})
	}
}

func deriveInitials(first, last string) string {
	var b strings.Builder
	if first != "" {
		b.WriteString(strings.ToUpper(first[:1]))
	}
	if last != "" {
		b.WriteString(strings.ToUpper(last[:1]))
	}
	return b.String()
}

// inviteUser creates a profile row for a colleague and sends the
// invitation email in the background. Mail failure never fails the
// request.
func inviteUser(store Storage, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := auth.ClaimsFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return jsonError(c, http.StatusUnauthorized, err.Error())
		}

		var req inviteRequest
		if err := decodeBody(c, &req); err != nil {
			return jsonError(c, http.StatusBadRequest, "invalid body")
		}

		record := map[string]any{
			"first_name": req.FirstName,
			"last_name":  req.LastName,
			"email":      req.Email,
			"role":       req.Role,
		}
		if missing := domain.CheckRequiredFields(record, []string{"first_name", "last_name", "email", "role"}); len(missing) > 0 {
			return jsonError(c, http.StatusBadRequest, "missing required fields: "+strings.Join(missing, ", "))
		}
		email := strings.ToLower(strings.TrimSpace(req.Email))
		if !emailPattern.MatchString(email) {
			return jsonError(c, http.StatusBadRequest, "invalid email format")
		}

		ctx := c.Request().Context()
		if _, err := store.ProfileByEmail(ctx, email); err == nil {
			return jsonError(c, http.StatusConflict, "a user with this email already exists")
		} else if !errors.Is(err, storage.ErrNotFound) {
			c.Logger().Error(err)
			return jsonError(c, http.StatusInternalServerError, err.Error())
		}

		createdBy := strings.TrimSpace(req.CreatedBy)
		if createdBy == "" {
			createdBy = claims.UserID
		}
		profile := domain.Profile{
			ID:         uuid.NewString(),
			Email:      email,
			FirstName:  strings.TrimSpace(req.FirstName),
			LastName:   strings.TrimSpace(req.LastName),
			Title:      strings.TrimSpace(req.Title),
			Phone:      strings.TrimSpace(req.Phone),
			Department: strings.TrimSpace(req.Department),
			Initials:   deriveInitials(strings.TrimSpace(req.FirstName), strings.TrimSpace(req.LastName)),
			Role:       domain.ParseRole(req.Role),
			CreatedBy:  createdBy,
		}
		if profile.Department == "" {
			profile.Department = domain.DefaultDepartment
		}

		if err := store.InsertProfile(ctx, profile); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return jsonError(c, http.StatusConflict, "a user with this email already exists")
			}
			c.Logger().Error(err)
			return jsonError(c, http.StatusInternalServerError, err.Error())
		}

		sendInviteEmail(domain.EmailEnvelope{
			RequestedBy: claims.UserID,
			Message: domain.EmailMessage{
				To:   email,
				Kind: domain.EmailInvite,
				Data: map[string]string{
					"firstName":  profile.FirstName,
					"department": profile.Department,
					"role":       string(profile.Role),
				},
			},
		}, logger)

		return c.JSON(http.StatusCreated, inviteResponse{
			Success: true,
			User:    profile,
			Message: "invitation sent",
		})
	}
}

// approveUser forwards the approval to the external serverless function
// which flips the profile flag and emails the user.
func approveUser(store Storage, auth Authenticator, approver Approver, notifier Notifier) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, err := auth.ClaimsFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return jsonError(c, http.StatusUnauthorized, err.Error())
		}

		var req ApprovalRequest
		if err := decodeBody(c, &req); err != nil {
			return jsonError(c, http.StatusBadRequest, "invalid body")
		}
		record := map[string]any{
			"userId":     req.UserID,
			"role":       req.Role,
			"approvedBy": req.ApprovedBy,
		}
		if missing := domain.CheckRequiredFields(record, []string{"userId", "role", "approvedBy"}); len(missing) > 0 {
			return jsonError(c, http.StatusBadRequest, "missing required fields: "+strings.Join(missing, ", "))
		}

		ctx := c.Request().Context()
		result, err := approver.Approve(ctx, req)
		if err != nil {
			c.Logger().Error(err)
			return jsonError(c, http.StatusInternalServerError, err.Error())
		}

		if notifier != nil {
			notifier.AuthChanged(ctx, req.UserID)
		}
		return c.JSON(http.StatusOK, approveResponse{
			Success: true,
			Message: "user approved",
			Result:  result,
		})
	}
}
