package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/macaron-dev/macaron/pkg/store"
)

// respondError writes the uniform error body.
func respondError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

// respondStoreError maps persistence errors to HTTP responses. Anything
// that is not a not-found is logged and reported as a 500 without
// leaking the internal error text.
func respondStoreError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		respondError(c, http.StatusNotFound, "resource not found")
		return
	}
	slog.Error("Unexpected store error",
		"path", c.Request.URL.Path, "error", err)
	respondError(c, http.StatusInternalServerError, "internal server error")
}
