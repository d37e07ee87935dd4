package risk

import (
	"bytes"
	"io"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/parceld/gate/internal/auth"
)

// Path and body fragments that indicate probing rather than legitimate
// client traffic. Matching is deliberately coarse: a flag only adds
// points, it never rejects by itself.
var (
	pathSignatures = []string{
		"../", "..%2f", "%2e%2e",
		"/etc/passwd", "/wp-admin", "/.env", "/.git",
		"<script", "union select", "union+select",
	}
	bodySignatures = []string{
		"<script", "javascript:",
		"union select", "' or '1'='1", "'; drop table",
		"${jndi:", "{{constructor",
	}
	botUserAgents = []string{
		"sqlmap", "nikto", "nmap", "masscan", "dirbuster", "gobuster",
		"python-requests", "curl/", "go-http-client",
	}
)

// maxSniffedBody bounds how much of the body the detector inspects.
const maxSniffedBody = 64 * 1024

// Detect inspects every request for probe signatures and feeds matches
// to the scorer. It never short-circuits; the gate middleware downstream
// acts on the accumulated score.
func Detect(scorer *Scorer) gin.HandlerFunc {
	return func(c *gin.Context) {
		actorID := c.ClientIP()
		if actor, ok := auth.ActorFromContext(c); ok {
			actorID = actor.ID
		}

		if ua := c.Request.UserAgent(); suspiciousUserAgent(ua) {
			scorer.Flag(actorID, FlagInjectionProbe, "user-agent: "+ua)
		}

		rawPath := c.Request.URL.RawPath
		if rawPath == "" {
			rawPath = c.Request.URL.Path
		}
		if sig := matchSignature(strings.ToLower(rawPath+"?"+c.Request.URL.RawQuery), pathSignatures); sig != "" {
			scorer.Flag(actorID, FlagInjectionProbe, "path: "+sig)
		}

		if conflictingForwardHeaders(c) {
			scorer.Flag(actorID, FlagHeaderConflict, "conflicting forwarding headers")
		}

		if c.Request.Body != nil && c.Request.ContentLength > 0 && c.Request.ContentLength <= maxSniffedBody {
			body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSniffedBody))
			if err == nil {
				c.Request.Body = io.NopCloser(bytes.NewReader(body))
				if sig := matchSignature(strings.ToLower(string(body)), bodySignatures); sig != "" {
					scorer.Flag(actorID, FlagInjectionProbe, "body: "+sig)
				}
			}
		}

		c.Next()
	}
}

func suspiciousUserAgent(ua string) bool {
	if ua == "" {
		return true
	}
	lower := strings.ToLower(ua)
	for _, bot := range botUserAgents {
		if strings.Contains(lower, bot) {
			return true
		}
	}
	return false
}

func matchSignature(s string, signatures []string) string {
	for _, sig := range signatures {
		if strings.Contains(s, sig) {
			return sig
		}
	}
	return ""
}

// conflictingForwardHeaders reports whether the request carries multiple
// forwarding headers that disagree about the client address — a common
// spoofing pattern.
func conflictingForwardHeaders(c *gin.Context) bool {
	xff := strings.TrimSpace(strings.Split(c.GetHeader("X-Forwarded-For"), ",")[0])
	realIP := strings.TrimSpace(c.GetHeader("X-Real-IP"))
	return xff != "" && realIP != "" && xff != realIP
}
