package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"example.com/backstage/services/branchops/internal/core"
	"example.com/backstage/services/branchops/internal/core/memstore"
	"example.com/backstage/services/branchops/internal/infrastructure"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testPassword = "s3cret-pass"

type testServer struct {
	router   *gin.Engine
	store    *memstore.Store
	services *core.ServiceRegistry
	tokens   *TokenIssuer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	audio, err := infrastructure.NewFileAudioStore(t.TempDir(), 1<<20)
	require.NoError(t, err)

	store := memstore.New()
	services := core.NewServiceRegistry(core.Dependencies{
		Store:         store,
		Cache:         infrastructure.NewLocalCache(1000, 24*time.Hour),
		Sessions:      infrastructure.NewSessionCache(24 * time.Hour),
		Audio:         audio,
		Policy:        core.DefaultStatusPolicy(),
		BcryptCost:    bcrypt.MinCost,
		ResetTokenTTL: 30 * time.Minute,
		Logger:        logger,
	})

	tokens, err := NewTokenIssuer("test-secret-that-is-long-enough-123", time.Hour)
	require.NoError(t, err)
	authz, err := NewAuthorizer()
	require.NoError(t, err)

	router := gin.New()
	handlers := NewAPIHandlers(services, tokens, Options{Production: true, MaxUploadBytes: 1 << 20, Logger: logger})
	require.NoError(t, SetupRoutes(router, handlers, authz, RouteConfig{CORSOrigins: []string{"*"}, IngestRateLimit: 1000}, logger))

	return &testServer{router: router, store: store, services: services, tokens: tokens}
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) user(t *testing.T, username string, role core.Role) *core.User {
	t.Helper()
	u, err := s.services.Users.CreateUser(context.Background(), core.UserInput{
		EmpName:  "Emp " + username,
		Username: username,
		Password: testPassword,
		Role:     role,
	})
	require.NoError(t, err)
	return u
}

func (s *testServer) login(t *testing.T, username string) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/auth/login", "", gin.H{"username": username, "password": testPassword})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

// branchUser creates a branch, a device and a user of role deployed together.
func (s *testServer) branchUser(t *testing.T, code, mac, username string, role core.Role) (*core.Branch, *core.Device, string) {
	t.Helper()
	ctx := context.Background()

	b := &core.Branch{BranchCode: code, BranchName: "Branch " + code}
	require.NoError(t, s.services.Branches.CreateBranch(ctx, b))
	d := &core.Device{DeviceName: "Recorder " + code, DeviceMAC: &mac}
	require.NoError(t, s.services.Devices.CreateDevice(ctx, d))
	u := s.user(t, username, role)
	_, err := s.services.Deployments.CreateDeployment(ctx, core.DeploymentInput{DeviceID: d.ID, BranchID: b.ID, UserID: u.UUID})
	require.NoError(t, err)

	return b, d, s.login(t, username)
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func itoa(id uint) string { return strconv.FormatUint(uint64(id), 10) }
