package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/taskroom/taskroom-api/internal/models"
)

func performWithClaims(t *testing.T, claims *models.JWTClaims, required ...models.Role) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest(http.MethodGet, "/tasks", nil)
	if claims != nil {
		c.Set(ContextUserKey, claims)
	}

	RequireRoles(required...)(c)
	if !c.IsAborted() {
		c.Status(http.StatusOK)
	}
	return w
}

func TestRequireRolesAllowsHeldRole(t *testing.T) {
	w := performWithClaims(t, &models.JWTClaims{UserID: "u1", Roles: models.RoleSet{models.RoleTeacher}}, models.RoleTeacher)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireRolesAllowsAnyOf(t *testing.T) {
	w := performWithClaims(t, &models.JWTClaims{UserID: "u1", Roles: models.RoleSet{models.RoleStudent}}, models.RoleTeacher, models.RoleStudent)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireRolesForbidsMissingRole(t *testing.T) {
	w := performWithClaims(t, &models.JWTClaims{UserID: "u1", Roles: models.RoleSet{models.RoleStudent}}, models.RoleTeacher)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequireRolesUnauthenticated(t *testing.T) {
	w := performWithClaims(t, nil, models.RoleTeacher)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
