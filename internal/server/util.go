package server

import (
	"encoding/json"
	"strings"

	"github.com/gin-gonic/gin"
)

// normalizeBasePath turns " api/ " into "/api"; "" and "/" mount at the root.
func normalizeBasePath(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

// writeJSON encodes v without gin's HTML escaping so frames reach clients verbatim.
func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	enc := json.NewEncoder(c.Writer)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
