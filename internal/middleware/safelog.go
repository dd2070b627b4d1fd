package middleware

import "strings"

// MaskToken маскирует токен в логах (в prod не светить целиком).
func MaskToken(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 8 {
		return "****"
	}
	return s[:8] + "***"
}
