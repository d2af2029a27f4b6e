package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"testing"

	echoapi "github.com/shulehub/shule/apps/api/echo"
	"github.com/shulehub/shule/core/user"
	emailsvc "github.com/shulehub/shule/services/email"
)

func Test_userAPI_login(t *testing.T) {
	resetDB(t)

	usr := createUser(t, "school-1", "Awe Luhya", "awesome", "awe@test.cd", user.RoleTeacher)

	naughty := createUser(t, "school-1", "N Dog", "naughty", "ndog@test.cd", user.RoleGuardian)
	naughty.SetActive(false)
	if _, err := usrSvc.SetLastLogin(context.Background(), naughty); err != nil {
		t.Fatalf("deactivating user: %v", err)
	}

	tests := []httpTest{
		{
			name: "empty body", wantCode: http.StatusBadRequest,
			body:     marchallObj(t, echoapi.LoginRequest{}),
			wantData: marchallObj(t, map[string]string{"username": "this field is required", "password": "this field is required"}),
		},
		{
			name: "unknown user", wantCode: http.StatusBadRequest,
			body:     marchallObj(t, echoapi.LoginRequest{Username: "who", Password: "dis"}),
			wantData: marchallObj(t, httpErr{Error: "authentication failed"}),
		},
		{
			name: "wrong password", wantCode: http.StatusBadRequest,
			body:     marchallObj(t, echoapi.LoginRequest{Username: usr.Username, Password: "WrongPass123"}),
			wantData: marchallObj(t, httpErr{Error: "authentication failed"}),
		},
		{
			name: "deactivated account", wantCode: http.StatusForbidden,
			body:     marchallObj(t, echoapi.LoginRequest{Username: naughty.Username, Password: "LocalPass123"}),
			wantData: marchallObj(t, httpErr{Error: "account deactivated"}),
		},
		{
			name: "login with username", wantCode: http.StatusOK,
			body: marchallObj(t, echoapi.LoginRequest{Username: usr.Username, Password: "LocalPass123"}),
		},
		{
			name: "login with email", wantCode: http.StatusOK,
			body: marchallObj(t, echoapi.LoginRequest{Username: usr.Email, Password: "LocalPass123"}),
		},
		{
			name: "username is case-insensitive", wantCode: http.StatusOK,
			body: marchallObj(t, echoapi.LoginRequest{Username: "AweSome", Password: "LocalPass123"}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newRequest(http.MethodPost, "/v1/users/login", tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)

			if tt.wantCode != http.StatusOK {
				return
			}
			var resp echoapi.LoginResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("unmarshalling LoginResponse: %v", err)
			}
			claims, err := echoapi.VerifyToken(conf, resp.Token)
			if err != nil {
				t.Fatalf("token does not verify: %v", err)
			}
			if claims.Subject != usr.ID {
				t.Errorf("claims.Subject = %v; want %v", claims.Subject, usr.ID)
			}
			if claims.TenantID != usr.TenantID {
				t.Errorf("claims.TenantID = %v; want %v", claims.TenantID, usr.TenantID)
			}
			if !claims.IsTeacher {
				t.Error("claims.IsTeacher = false; want true")
			}
		})
	}
}

func Test_userAPI_me(t *testing.T) {
	resetDB(t)

	usr := createUser(t, "school-1", "Awe Luhya", "awesome", "awe@test.cd", user.RoleTeacher)

	tests := []httpTest{
		{name: "auth required", wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{name: "get self", token: getToken(t, usr), wantCode: http.StatusOK, wantData: marchallObj(t, usr)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(http.MethodGet, "/v1/users/me", tt.token)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}

func Test_userAPI_tokenRefresh(t *testing.T) {
	resetDB(t)

	usr := createUser(t, "school-1", "Awe Luhya", "awesome", "awe@test.cd")

	req, rec := newAuthRequest(http.MethodPost, "/v1/users/token-refresh", getToken(t, usr))
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %v; want %v. body: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var resp echoapi.LoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshalling LoginResponse: %v", err)
	}
	claims, err := echoapi.VerifyToken(conf, resp.Token)
	if err != nil {
		t.Fatalf("refreshed token does not verify: %v", err)
	}
	if claims.Subject != usr.ID {
		t.Errorf("claims.Subject = %v; want %v", claims.Subject, usr.ID)
	}
}

func Test_userAPI_passwordReset(t *testing.T) {
	resetDB(t)

	usr := createUser(t, "school-1", "Awe Luhya", "awesome", "awe@test.cd")

	successResp := marchallObj(t, echoapi.SuccessResponse{
		Success: "If the email address supplied is associated with an active account on this system, " +
			"an email will arrive in your inbox shortly with instructions to reset your password.",
	})

	tests := []httpTest{
		{
			name: "invalid email", wantCode: http.StatusBadRequest,
			body:     marchallObj(t, echoapi.PasswordResetRequest{Email: "notanemail"}),
			wantData: marchallObj(t, map[string]string{"email": "email must be a valid email address"}),
		},
		{
			// same response as a hit so addresses cannot be enumerated
			name: "unknown email", wantCode: http.StatusOK,
			body:     marchallObj(t, echoapi.PasswordResetRequest{Email: "ghost@test.cd"}),
			wantData: successResp,
		},
		{
			name: "known email", wantCode: http.StatusOK,
			body:     marchallObj(t, echoapi.PasswordResetRequest{Email: usr.Email}),
			wantData: successResp,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newRequest(http.MethodPost, "/v1/users/password-reset", tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}

	if n := len(emailsvc.SentMessages); n != 1 {
		t.Fatalf("len(SentMessages) = %v; want 1", n)
	}
	sent := emailsvc.SentMessages[0]

	// complete the reset with the emailed uid & token
	re := regexp.MustCompile(`password-reset/([^/\s]+)/(\S+)`)
	match := re.FindStringSubmatch(sent.BodyStr)
	if match == nil {
		t.Fatalf("no reset link in email body: %q", sent.BodyStr)
	}

	body := marchallObj(t, user.ResetUserPassword{
		UID:             match[1],
		Token:           match[2],
		Password:        "NewLocalPass123",
		PasswordConfirm: "NewLocalPass123",
	})
	req, rec := newRequest(http.MethodPost, "/v1/users/password-reset-confirm", body)
	app.ServeHTTP(rec, req)
	tt := httpTest{
		wantCode: http.StatusOK,
		wantData: marchallObj(t, echoapi.SuccessResponse{Success: "Password has been reset with the new password."}),
	}
	checkCodeAndData(t, tt, rec)

	// old password no longer works
	req, rec = newRequest(http.MethodPost, "/v1/users/login",
		marchallObj(t, echoapi.LoginRequest{Username: usr.Username, Password: "LocalPass123"}))
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("old password still accepted; code = %v", rec.Code)
	}

	req, rec = newRequest(http.MethodPost, "/v1/users/login",
		marchallObj(t, echoapi.LoginRequest{Username: usr.Username, Password: "NewLocalPass123"}))
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("new password rejected; code = %v. body: %s", rec.Code, rec.Body.String())
	}
}
