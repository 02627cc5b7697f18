package api

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"example.com/backstage/services/branchops/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestHeartbeatIsOpen(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/heartbeats", "", gin.H{"mac_address": "AA:BB:CC:DD:EE:01"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "ip_address")

	w = s.do(t, http.MethodPost, "/api/heartbeats", "", gin.H{"ip_address": "10.0.0.7", "mac_address": "aa-bb-cc-dd-ee-01"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	d, err := s.store.GetDeviceByMAC(context.Background(), "AA:BB:CC:DD:EE:01")
	require.NoError(t, err)
	assert.Equal(t, "inactive", d.DeviceStatus)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/heartbeats", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/heartbeats", "not-a-token", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	req.Header.Set("Authorization", "Basic abc")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	s := newTestServer(t)
	s.user(t, "alice", core.RoleAdmin)

	w := s.do(t, http.MethodPost, "/api/auth/login", "", gin.H{"username": "alice", "password": "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/api/auth/login", "", gin.H{"username": "nobody", "password": "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/api/auth/login", "", gin.H{"username": "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLogoutRevokesSession(t *testing.T) {
	s := newTestServer(t)
	s.user(t, "alice", core.RoleAdmin)
	token := s.login(t, "alice")

	w := s.do(t, http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var me core.User
	decode(t, w, &me)
	assert.Equal(t, "alice", me.Username)
	assert.NotContains(t, w.Body.String(), "password")

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/auth/logout", token, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/auth/me", token, nil).Code)
}

func TestDeactivatedUserLosesSession(t *testing.T) {
	s := newTestServer(t)
	u := s.user(t, "alice", core.RoleAdmin)
	token := s.login(t, "alice")

	inactive := false
	_, err := s.services.Users.UpdateUser(context.Background(), u.UUID, core.UserInput{
		EmpName: u.EmpName, Username: u.Username, Role: u.Role, IsActive: &inactive,
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/auth/me", token, nil).Code)
}

func TestNonAdminWithoutBranchIsForbidden(t *testing.T) {
	s := newTestServer(t)
	s.user(t, "floating", core.RoleManager)
	token := s.login(t, "floating")

	for _, path := range []string{"/api/heartbeats", "/api/devices", "/api/recordings"} {
		w := s.do(t, http.MethodGet, path, token, nil)
		assert.Equal(t, http.StatusForbidden, w.Code, path)
		assert.Contains(t, w.Body.String(), core.ErrNoBranchAssigned.Error())
	}
}

func TestHeartbeatListingIsBranchScoped(t *testing.T) {
	s := newTestServer(t)
	_, _, managerToken := s.branchUser(t, "B1", "AA:00:00:00:00:01", "manager1", core.RoleManager)
	s.branchUser(t, "B2", "AA:00:00:00:00:02", "manager2", core.RoleManager)
	s.user(t, "root", core.RoleAdmin)
	adminToken := s.login(t, "root")

	for _, mac := range []string{"AA:00:00:00:00:01", "AA:00:00:00:00:02"} {
		require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/heartbeats", "", gin.H{"ip_address": "10.0.0.1", "mac_address": mac}).Code)
	}

	var listing core.HeartbeatListing
	w := s.do(t, http.MethodGet, "/api/heartbeats", managerToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &listing)
	require.Len(t, listing.Devices, 1)
	assert.Equal(t, "AA:00:00:00:00:01", *listing.Devices[0].MACAddress)
	assert.Equal(t, core.StatusOnline, listing.Devices[0].Status)
	assert.Equal(t, 1, listing.Summary.Online)

	w = s.do(t, http.MethodGet, "/api/heartbeats", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &listing)
	assert.Len(t, listing.Devices, 2)
	assert.Equal(t, 2, listing.Summary.Total)
}

func TestRolePolicy(t *testing.T) {
	s := newTestServer(t)
	_, _, userToken := s.branchUser(t, "B1", "AA:00:00:00:00:11", "teller", core.RoleUser)
	b2, _, managerToken := s.branchUser(t, "B2", "AA:00:00:00:00:12", "boss", core.RoleManager)

	newBranch := gin.H{"branch_code": "B9", "branch_name": "Nine"}
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/branches", userToken, newBranch).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/branches", managerToken, newBranch).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/users", managerToken, nil).Code)

	contact := gin.H{"branch_id": b2.ID, "name": "Front desk", "phone": "042-111"}
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/contacts", userToken, contact).Code)
	assert.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/contacts", managerToken, contact).Code)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/branches", userToken, nil).Code)
}

func TestAuthorizerPolicy(t *testing.T) {
	authz, err := NewAuthorizer()
	require.NoError(t, err)

	tests := []struct {
		role     core.Role
		resource string
		action   string
		want     bool
	}{
		{core.RoleAdmin, "users", ActionWrite, true},
		{core.RoleAdmin, "anything", ActionRead, true},
		{core.RoleManager, "contacts", ActionWrite, true},
		{core.RoleManager, "heartbeats", ActionRead, true},
		{core.RoleManager, "deployments", ActionWrite, false},
		{core.RoleUser, "complaints", ActionWrite, true},
		{core.RoleUser, "contacts", ActionWrite, false},
		{core.RoleUser, "users", ActionRead, false},
		{core.Role("guest"), "heartbeats", ActionRead, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, authz.Allowed(tt.role, tt.resource, tt.action), "%s %s %s", tt.role, tt.resource, tt.action)
	}
}

func TestDeploymentConflictCarriesCode(t *testing.T) {
	s := newTestServer(t)
	_, d1, _ := s.branchUser(t, "B1", "AA:00:00:00:00:21", "u1", core.RoleUser)
	s.user(t, "root", core.RoleAdmin)
	adminToken := s.login(t, "root")

	b2 := &core.Branch{BranchCode: "B2", BranchName: "Two"}
	require.NoError(t, s.services.Branches.CreateBranch(context.Background(), b2))
	u2 := s.user(t, "u2", core.RoleUser)

	w := s.do(t, http.MethodPost, "/api/deployments", adminToken, gin.H{"device_id": d1.ID, "branch_id": b2.ID, "user_id": u2.UUID})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]string
	decode(t, w, &body)
	assert.Equal(t, core.ErrDeviceAlreadyDeployed.Code, body["code"])
}

func TestBranchCRUD(t *testing.T) {
	s := newTestServer(t)
	s.user(t, "root", core.RoleAdmin)
	token := s.login(t, "root")

	w := s.do(t, http.MethodPost, "/api/branches", token, gin.H{"branch_code": "LHR-01", "branch_name": "Gulberg", "branch_city": "Lahore"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created core.Branch
	decode(t, w, &created)
	assert.True(t, created.IsActive)

	w = s.do(t, http.MethodPost, "/api/branches", token, gin.H{"branch_code": "LHR-01", "branch_name": "Copy"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), core.ErrBranchCodeExists.Error())

	path := "/api/branches/" + itoa(created.ID)
	w = s.do(t, http.MethodPut, path, token, gin.H{"branch_code": "LHR-01", "branch_name": "Gulberg II"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated core.Branch
	decode(t, w, &updated)
	assert.Equal(t, "Gulberg II", updated.BranchName)
	assert.Empty(t, updated.BranchCity, "update overwrites every field")
	assert.True(t, updated.IsActive)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodDelete, path, token, nil).Code)
	w = s.do(t, http.MethodGet, "/api/branches", token, nil)
	assert.NotContains(t, w.Body.String(), "LHR-01")
	w = s.do(t, http.MethodGet, "/api/branches?include_inactive=true", token, nil)
	assert.Contains(t, w.Body.String(), "LHR-01")

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/branches/999", token, nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/branches/abc", token, nil).Code)
}

func TestUploadRecording(t *testing.T) {
	s := newTestServer(t)
	_, _, token := s.branchUser(t, "B1", "AA:00:00:00:00:31", "teller", core.RoleUser)

	upload := func(fields map[string]string, audio []byte) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		for k, v := range fields {
			require.NoError(t, mw.WriteField(k, v))
		}
		if audio != nil {
			fw, err := mw.CreateFormFile("audio", "call.wav")
			require.NoError(t, err)
			_, err = fw.Write(audio)
			require.NoError(t, err)
		}
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, "/api/voice/upload", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		return w
	}

	w := upload(map[string]string{"cnic": "not-a-cnic", "start_time": "2026-03-02T10:00:00Z", "ip_address": "10.0.0.1"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = upload(map[string]string{
		"cnic":        "35202-1234567-1",
		"start_time":  "2026-03-02T10:00:00Z",
		"end_time":    "2026-03-02T10:02:00Z",
		"ip_address":  "10.0.0.1",
		"mac_address": "AA:00:00:00:00:31",
	}, []byte("RIFF0000WAVE"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var rec core.Recording
	decode(t, w, &rec)
	assert.Equal(t, core.RecordingCompleted, rec.Status)
	require.NotNil(t, rec.FileName)

	w = s.do(t, http.MethodGet, "/api/recordings", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page core.RecordingPage
	decode(t, w, &page)
	assert.EqualValues(t, 1, page.Total)

	w = s.do(t, http.MethodGet, "/api/audio/"+*rec.FileName, token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "RIFF0000WAVE", w.Body.String())

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/audio/..%2Fsecret", token, nil).Code)

	_, _, other := s.branchUser(t, "B2", "AA:00:00:00:00:32", "clerk", core.RoleUser)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/audio/"+*rec.FileName, other, nil).Code)

	s.user(t, "root", core.RoleAdmin)
	admin := s.login(t, "root")
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/audio/"+*rec.FileName, admin, nil).Code)
}

func TestPasswordResetFlow(t *testing.T) {
	s := newTestServer(t)
	u := s.user(t, "alice", core.RoleAdmin)

	w := s.do(t, http.MethodPost, "/api/auth/password/forgot", "", gin.H{"username": "nobody"})
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodPost, "/api/auth/password/forgot", "", gin.H{"username": "alice"})
	require.Equal(t, http.StatusOK, w.Code)

	tokens := s.store.ResetTokens(u.UUID)
	require.Len(t, tokens, 1)

	w = s.do(t, http.MethodPost, "/api/auth/password/reset", "", gin.H{"token": tokens[0].Token, "new_password": "brand-new-pass"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = s.do(t, http.MethodPost, "/api/auth/password/reset", "", gin.H{"token": tokens[0].Token, "new_password": "another-pass"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/auth/login", "", gin.H{"username": "alice", "password": "brand-new-pass"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	w = s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "branchops_http_request_duration_seconds")
}
