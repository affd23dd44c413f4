// Package validation provides request validation middleware for the risk API.
package validation

import (
	"mime"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB). Biometric batches
// are the largest bodies the API accepts.
const MaxRequestSize = 1 << 20

// MaxIdentifierLength bounds entity, transaction and blacklist identifiers.
const MaxIdentifierLength = 128

// identifierRegex admits phone numbers (+255...), merchant codes, UUIDs and
// prefixed IDs such as "dec_...".
var identifierRegex = regexp.MustCompile(`^[A-Za-z0-9+_.:@-]{1,128}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidIdentifier checks if s can name an entity, transaction or session.
func IsValidIdentifier(s string) bool {
	return identifierRegex.MatchString(s)
}

// IdentifierParams are the URL parameters checked by IdentifierParamMiddleware.
var IdentifierParams = []string{"entityId", "transactionId", "identifier", "id"}

// IdentifierParamMiddleware rejects malformed identifier URL parameters
// before they reach a handler or a store. Absent parameters are ignored.
func IdentifierParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, name := range IdentifierParams {
			v := c.Param(name)
			if v != "" && !IsValidIdentifier(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_identifier",
					"message": name + " contains unsupported characters or is too long",
					"field":   name,
				})
				return
			}
		}
		c.Next()
	}
}

// JSONBodyMiddleware rejects bodies on write methods that are not declared
// as JSON with 415. Requests without a body pass.
func JSONBodyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
		default:
			c.Next()
			return
		}
		if c.Request.ContentLength == 0 {
			c.Next()
			return
		}
		mt, _, err := mime.ParseMediaType(c.GetHeader("Content-Type"))
		if err != nil || mt != "application/json" {
			c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{
				"error":   "unsupported_media_type",
				"message": "request body must be application/json",
			})
			return
		}
		c.Next()
	}
}
