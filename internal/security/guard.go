package security

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	xhttp "github.com/nimasrn/notifyhub-gateway/pkg/http"
	"github.com/nimasrn/notifyhub-gateway/pkg/logger"
	"github.com/nimasrn/notifyhub-gateway/pkg/prom"
)

const deniedMessage = "Access Denied"

// ban reasons, also used as the prometheus label
const (
	ReasonBlacklistedPath = "blacklisted_path"
	ReasonPayload         = "malicious_payload"
	ReasonScanner         = "scanner"
	ReasonAbnormal        = "abnormal_behavior"
)

var DefaultBlacklistedPaths = []string{
	"/solr/admin/collections", "/actuator/health", "/actuator/env", "/actuator/beans",
	"/actuator/configprops", "/druid/index.html", "/druid/websession.json",
	"/websso/SAML2/SSO/vsphere.local", "/ui/login", "/rest/appliance/access/ssh",
	"/smartbi/vision/RMIServlet", "/suite-api/", "/uapjs/jsinvoke/", "/webapi/entry.cgi",
	"/wp-admin/", "/wp-login.php", "/admin/", "/manager/text/list", "/console/", "/phpmyadmin/",
	"/.env", "/.git/config", "/web.config", "/config.php", "/phpinfo.php", "/info.php",
	"/jenkins/login", "/grafana/login", "/kibana/", "/elasticsearch/_cluster/health",
	"/redis/info", "/nacos/v1/auth/login",
	"/docker/containers/json", "/kubernetes/api/v1", "/aws/credentials", "/azure/metadata/instance",
	"/mysql/", "/mssql/", "/oracle/", "/postgres/", "/mongodb/",
	"/weblogic/console", "/jboss/management", "/tomcat/manager",
	"/glassfish/common/index.jsf", "/wildfly/console",
}

// DefaultPayloadPatterns cover template injection, script injection, SQL
// keywords, path traversal and shell command chaining.
var DefaultPayloadPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\$\{jndi:`),
	regexp.MustCompile(`(?i)\$\{.*:.*\}`),
	regexp.MustCompile(`(?i)<script.*?>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
	regexp.MustCompile(`(?i)union.*select`),
	regexp.MustCompile(`(?i)drop.*table`),
	regexp.MustCompile(`(?i)insert.*into`),
	regexp.MustCompile(`(?i)delete.*from`),
	regexp.MustCompile(`\.\.[\\/]`),
	regexp.MustCompile(`(?i)%2e%2e`),
	regexp.MustCompile(`(?i)\.\.%2f`),
	regexp.MustCompile("(?i)[;&|`]\\s*(?:cat|ls|ps|id|whoami|uname)\\b"),
	regexp.MustCompile(`(?i)(?:wget|curl|nc|netcat).*http`),
}

var DefaultScannerAgents = []string{
	"sqlmap", "nmap", "masscan", "nikto", "dirb", "gobuster", "dirbuster",
	"burp", "owasp", "metasploit", "nessus", "openvas", "acunetix",
	"w3af", "skipfish", "arachni", "nuclei", "httpx", "subfinder",
	"zgrab", "shodan", "censys", "fofa", "zoomeye",
}

var DefaultSensitivePaths = []string{"/admin", "/api", "/config", "/login", "/auth"}

// DefaultSensitiveExempt are the gateway's own routes, traffic to them is not
// a probe even though it matches "/api".
var DefaultSensitiveExempt = []string{"/api/email/"}

type Options struct {
	BlacklistBan time.Duration
	PayloadBan   time.Duration
	ScannerBan   time.Duration
	AbnormalBan  time.Duration

	// a violation counter reaching ViolationThreshold bans the client
	ViolationThreshold int
	ViolationWindow    time.Duration

	// counts strictly above the threshold within the window are abnormal
	NotFoundThreshold  int
	NotFoundWindow     time.Duration
	SensitiveThreshold int
	SensitiveWindow    time.Duration

	BlacklistedPaths []string
	PayloadPatterns  []*regexp.Regexp
	ScannerAgents    []string
	SensitivePaths   []string
	SensitiveExempt  []string
}

func DefaultOptions() Options {
	return Options{
		BlacklistBan:       24 * time.Hour,
		PayloadBan:         24 * time.Hour,
		ScannerBan:         2 * time.Hour,
		AbnormalBan:        6 * time.Hour,
		ViolationThreshold: 3,
		ViolationWindow:    time.Hour,
		NotFoundThreshold:  20,
		NotFoundWindow:     10 * time.Minute,
		SensitiveThreshold: 10,
		SensitiveWindow:    5 * time.Minute,
		BlacklistedPaths:   DefaultBlacklistedPaths,
		PayloadPatterns:    DefaultPayloadPatterns,
		ScannerAgents:      DefaultScannerAgents,
		SensitivePaths:     DefaultSensitivePaths,
		SensitiveExempt:    DefaultSensitiveExempt,
	}
}

// BanEntry is stored under the ban key of a client for the ban duration.
type BanEntry struct {
	Reason    string    `json:"reason"`
	Detail    string    `json:"detail"`
	BannedAt  time.Time `json:"bannedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Guard classifies requests before authentication and keeps a temporary ban
// list of clients. Cache failures are logged and the request is let through.
type Guard struct {
	cache Cache
	opt   Options

	blacklist []string
	agents    []string
	sensitive []string
	exempt    []string
	now       func() time.Time
}

func NewGuard(cache Cache, opt Options) *Guard {
	return &Guard{
		cache:     cache,
		opt:       opt,
		blacklist: lowerAll(opt.BlacklistedPaths),
		agents:    lowerAll(opt.ScannerAgents),
		sensitive: lowerAll(opt.SensitivePaths),
		exempt:    lowerAll(opt.SensitiveExempt),
		now:       time.Now,
	}
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func banKey(ip string) string { return "banned:" + ip }

func violationKey(kind, ip string) string { return "violation:" + kind + ":" + ip }

// Middleware is the xhttp form of the guard.
func (g *Guard) Middleware(next xhttp.RequestHandler) xhttp.RequestHandler {
	return func(ctx *xhttp.RequestCtx) {
		ip := xhttp.ClientIP(ctx)

		if g.IsBanned(ip) {
			logger.Debug("banned client denied", "ip", ip, "path", string(ctx.Path()))
			deny(ctx)
			return
		}

		path := string(ctx.Path())
		rawPath := string(ctx.Request.URI().PathOriginal())
		userAgent := string(ctx.UserAgent())
		referer := string(ctx.Referer())

		if p, ok := g.blacklisted(path); ok {
			g.Ban(ip, ReasonBlacklistedPath, p, g.opt.BlacklistBan)
			deny(ctx)
			return
		}

		if g.maliciousPayload(ctx, path, rawPath, userAgent, referer) {
			g.Ban(ip, ReasonPayload, rawPath, g.opt.PayloadBan)
			deny(ctx)
			return
		}

		if g.isScanner(userAgent) && g.violation(ReasonScanner, "scanner", ip) {
			g.Ban(ip, ReasonScanner, userAgent, g.opt.ScannerBan)
			deny(ctx)
			return
		}

		if g.sensitiveBurst(ip, path) && g.violation(ReasonAbnormal, "abnormal", ip) {
			g.Ban(ip, ReasonAbnormal, path, g.opt.AbnormalBan)
			deny(ctx)
			return
		}

		next(ctx)

		// the response exists only now, a ban applies from the next request on
		if ctx.Response.StatusCode() == xhttp.StatusNotFound && g.notFoundBurst(ip) &&
			g.violation(ReasonAbnormal, "abnormal", ip) {
			g.Ban(ip, ReasonAbnormal, path, g.opt.AbnormalBan)
		}
	}
}

func deny(ctx *xhttp.RequestCtx) {
	prom.IncDenied()
	ctx.SetStatusCode(xhttp.StatusForbidden)
	ctx.SetContentType("text/plain")
	ctx.SetBodyString(deniedMessage)
}

func (g *Guard) IsBanned(ip string) bool {
	_, ok, err := g.cache.Get(banKey(ip))
	if err != nil {
		logger.Error("ban lookup failed", "ip", ip, "error", err)
		return false
	}
	return ok
}

// Ban denies every request of ip for d.
func (g *Guard) Ban(ip, reason, detail string, d time.Duration) {
	now := g.now().UTC()
	entry := BanEntry{
		Reason:    reason,
		Detail:    sanitize(detail),
		BannedAt:  now,
		ExpiresAt: now.Add(d),
	}
	b, _ := json.Marshal(entry)
	if err := g.cache.Put(banKey(ip), b, d); err != nil {
		logger.Error("ban store failed", "ip", ip, "reason", reason, "error", err)
		return
	}
	prom.IncBan(reason)
	logger.Warn("client banned", "ip", ip, "reason", reason, "detail", entry.Detail, "duration", d.String())
}

// BanInfo returns the stored ban of ip, if any.
func (g *Guard) BanInfo(ip string) (*BanEntry, bool) {
	b, ok, err := g.cache.Get(banKey(ip))
	if err != nil || !ok {
		return nil, false
	}
	var e BanEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, false
	}
	return &e, true
}

func (g *Guard) blacklisted(path string) (string, bool) {
	p := strings.ToLower(path)
	for _, b := range g.blacklist {
		if strings.Contains(p, b) {
			return b, true
		}
	}
	return "", false
}

// maliciousPayload matches the patterns against the path in decoded and raw
// form, each decoded query key and value, the user agent and the referer.
// Query parameters are matched one by one so the separators between them are
// not mistaken for command chaining.
func (g *Guard) maliciousPayload(ctx *xhttp.RequestCtx, inputs ...string) bool {
	for _, in := range inputs {
		if g.matches(in) {
			return true
		}
	}
	hit := false
	ctx.QueryArgs().VisitAll(func(key, value []byte) {
		if !hit && (g.matches(string(key)) || g.matches(string(value))) {
			hit = true
		}
	})
	return hit
}

func (g *Guard) matches(in string) bool {
	if in == "" {
		return false
	}
	for _, re := range g.opt.PayloadPatterns {
		if re.MatchString(in) {
			return true
		}
	}
	return false
}

func (g *Guard) isScanner(userAgent string) bool {
	if userAgent == "" {
		return false
	}
	ua := strings.ToLower(userAgent)
	for _, a := range g.agents {
		if strings.Contains(ua, a) {
			return true
		}
	}
	return false
}

func (g *Guard) sensitiveBurst(ip, path string) bool {
	p := strings.ToLower(path)
	for _, e := range g.exempt {
		if strings.HasPrefix(p, e) {
			return false
		}
	}
	for _, s := range g.sensitive {
		if strings.Contains(p, s) {
			n, err := g.cache.Incr("sensitive:"+ip, g.opt.SensitiveWindow)
			if err != nil {
				logger.Error("sensitive counter failed", "ip", ip, "error", err)
				return false
			}
			return n > int64(g.opt.SensitiveThreshold)
		}
	}
	return false
}

func (g *Guard) notFoundBurst(ip string) bool {
	n, err := g.cache.Incr("notfound:"+ip, g.opt.NotFoundWindow)
	if err != nil {
		logger.Error("not found counter failed", "ip", ip, "error", err)
		return false
	}
	return n > int64(g.opt.NotFoundThreshold)
}

// violation counts one violation of kind and reports whether the client
// reached the ban threshold.
func (g *Guard) violation(reason, kind, ip string) bool {
	n, err := g.cache.Incr(violationKey(kind, ip), g.opt.ViolationWindow)
	if err != nil {
		logger.Error("violation counter failed", "ip", ip, "kind", kind, "error", err)
		return false
	}
	logger.Warn("client violation", "ip", ip, "reason", reason, "count", n)
	return n >= int64(g.opt.ViolationThreshold)
}

// sanitize strips control characters and template markers from values that
// end up in logs.
func sanitize(s string) string {
	s = strings.NewReplacer("\r", "", "\n", "", "\t", "", "${", "[FILTERED]").Replace(s)
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
