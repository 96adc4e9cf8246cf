package handlers

import (
	"crypto/subtle"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/as-czyk/diagnostic-test/middleware"
	"github.com/as-czyk/diagnostic-test/models"
)

// AnonymousSignIn creates a user with an empty diagnostic and returns a student token.
// POST /api/v1/auth/anonymous
func AnonymousSignIn(store StudentStore, auth AuthSettings) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := store.CreateAnonymousUser(c.Request.Context())
		if err != nil {
			log.Printf("Error creating anonymous user: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create user"})
			return
		}

		token, expiresAt, err := middleware.IssueToken(auth.SigningKey, auth.Issuer, userID, []string{middleware.RoleStudent}, auth.TokenTTL)
		if err != nil {
			log.Printf("Error issuing token for user %s: %v", userID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue token"})
			return
		}
		c.JSON(http.StatusCreated, models.TokenResponse{Token: token, UserID: userID, ExpiresAt: expiresAt})
	}
}

// TutorSignIn checks the configured tutor credentials and returns a tutor token.
// POST /api/v1/auth/tutor
func TutorSignIn(store StudentStore, auth AuthSettings) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.TutorLoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(auth.TutorUser)) == 1
		if auth.TutorPassHash == "" || !userOK ||
			bcrypt.CompareHashAndPassword([]byte(auth.TutorPassHash), []byte(req.Password)) != nil {
			log.Printf("Failed tutor sign-in for %q", req.Username)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
			return
		}

		token, expiresAt, err := middleware.IssueToken(auth.SigningKey, auth.Issuer, req.Username, []string{middleware.RoleTutor}, auth.TokenTTL)
		if err != nil {
			log.Printf("Error issuing tutor token: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue token"})
			return
		}
		store.LogAdminEvent(req.Username, "tutor_sign_in", req.Username, "")
		c.JSON(http.StatusOK, models.TokenResponse{Token: token, UserID: req.Username, ExpiresAt: expiresAt})
	}
}
