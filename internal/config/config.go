package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string
	BaseURL    string

	DBDriver          string
	DBDSN             string
	DBPath            string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	RequestStore  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	ReqExpire     time.Duration
	ReqClaimLease time.Duration

	LDAPURI                string
	LDAPBase               string
	LDAPStartTLS           bool
	LDAPInsecureSkipVerify bool
	LDAPTimeout            time.Duration
	LDAPServiceDN          string
	LDAPServicePassword    string
	LDAPPasswordScheme     string
	LDAPDefaultGroups      []string
	LDAPDefaultRoles       []string
	LDAPAdminRole          string
	LDAPSSHGroup           string
	LDAPSudoGroup          string
	AdminRecheckInterval   time.Duration

	PosixIDMin      int
	PosixHomeBase   string
	PosixLoginShell string

	SessionCookieName   string
	SessionIdleMinutes  int
	SessionAbsoluteHour int
	SessionEncryptKey   string
	CSRFCookieName      string
	CookieSecureMode    string
	TrustProxy          bool
	CORSAllowedOrigins  []string

	CaptchaEnabled   bool
	CaptchaProvider  string
	CaptchaVerifyURL string
	CaptchaSecret    string

	PasswordMinLength int
	PasswordMaxLength int

	MailSender             string
	MailFrom               string
	SMTPHost               string
	SMTPPort               int
	SMTPUsername           string
	SMTPPassword           string
	SMTPTLS                bool
	SMTPStartTLS           bool
	SMTPInsecureSkipVerify bool

	LogEnv         string
	LogLevel       string
	MetricsEnabled bool

	HTTPReadTimeoutSec       int
	HTTPReadHeaderTimeoutSec int
	HTTPWriteTimeoutSec      int
	HTTPIdleTimeoutSec       int
}

const defaultSessionKey = "CHANGE_ME_PRODUCTION_SESSION_KEY"

// Load reads the configuration from the environment. A .env file (ENV_FILE,
// default ".env") is loaded first without overriding variables that are
// already set; a YAML file named by CONFIG_FILE supplies defaults for keys
// the environment leaves empty.
func Load() (Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}
	s := source{}
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		file, err := readYAML(path)
		if err != nil {
			return Config{}, err
		}
		s.file = file
	}
	return s.load()
}

func (s source) load() (Config, error) {
	cfg := Config{
		ListenAddr:               s.env("LISTEN_ADDR", ":8080"),
		BaseURL:                  strings.TrimRight(s.env("BASE_URL", "http://localhost:8080"), "/"),
		DBDriver:                 strings.ToLower(s.env("APP_DB_DRIVER", "sqlite")),
		DBDSN:                    s.env("APP_DB_DSN", ""),
		DBPath:                   s.env("APP_DB_PATH", "./data/webldap.db"),
		DBMaxOpenConns:           s.envInt("APP_DB_MAX_OPEN_CONNS", 4),
		DBMaxIdleConns:           s.envInt("APP_DB_MAX_IDLE_CONNS", 2),
		DBConnMaxLifetime:        time.Duration(s.envInt("APP_DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
		RequestStore:             strings.ToLower(s.env("REQUEST_STORE", "sql")),
		RedisAddr:                s.env("REDIS_ADDR", ""),
		RedisPassword:            s.env("REDIS_PASSWORD", ""),
		RedisDB:                  s.envInt("REDIS_DB", 0),
		RedisPrefix:              s.env("REDIS_PREFIX", "webldap:req:"),
		ReqExpire:                s.envDuration("REQ_EXPIRE", 48*time.Hour),
		ReqClaimLease:            s.envDuration("REQ_CLAIM_LEASE", 2*time.Minute),
		LDAPURI:                  s.env("LDAP_URI", "ldap://127.0.0.1:389"),
		LDAPBase:                 s.env("LDAP_BASE", "dc=example,dc=org"),
		LDAPStartTLS:             s.envBool("LDAP_STARTTLS", false),
		LDAPInsecureSkipVerify:   s.envBool("LDAP_INSECURE_SKIP_VERIFY", false),
		LDAPTimeout:              time.Duration(s.envInt("LDAP_TIMEOUT_SEC", 10)) * time.Second,
		LDAPServiceDN:            s.env("LDAP_SERVICE_DN", ""),
		LDAPServicePassword:      s.env("LDAP_SERVICE_PASSWORD", ""),
		LDAPPasswordScheme:       strings.ToLower(s.env("LDAP_PASSWORD_SCHEME", "exop")),
		LDAPDefaultGroups:        s.envCSV("LDAP_DEFAULT_GROUPS"),
		LDAPDefaultRoles:         s.envCSV("LDAP_DEFAULT_ROLES"),
		LDAPAdminRole:            s.env("LDAP_ADMIN_ROLE", "admin"),
		LDAPSSHGroup:             s.env("LDAP_SSH_GROUP", "ssh"),
		LDAPSudoGroup:            s.env("LDAP_SUDO_GROUP", "sudoldap"),
		AdminRecheckInterval:     s.envDuration("ADMIN_RECHECK_INTERVAL", 0),
		PosixIDMin:               s.envInt("POSIX_ID_MIN", 10000),
		PosixHomeBase:            strings.TrimRight(s.env("POSIX_HOME_BASE", "/home"), "/"),
		PosixLoginShell:          s.env("POSIX_LOGIN_SHELL", "/bin/bash"),
		SessionCookieName:        s.env("SESSION_COOKIE_NAME", "webldap_session"),
		SessionIdleMinutes:       s.envInt("SESSION_IDLE_MINUTES", 30),
		SessionAbsoluteHour:      s.envInt("SESSION_ABSOLUTE_HOURS", 24),
		SessionEncryptKey:        s.env("SESSION_ENCRYPT_KEY", defaultSessionKey),
		CSRFCookieName:           s.env("CSRF_COOKIE_NAME", "webldap_csrf"),
		CookieSecureMode:         strings.ToLower(s.env("COOKIE_SECURE_MODE", "")),
		TrustProxy:               s.envBool("TRUST_PROXY", false),
		CORSAllowedOrigins:       s.envCSV("CORS_ALLOWED_ORIGINS"),
		CaptchaEnabled:           s.envBool("CAPTCHA_ENABLED", false),
		CaptchaProvider:          strings.ToLower(s.env("CAPTCHA_PROVIDER", "turnstile")),
		CaptchaVerifyURL:         s.env("CAPTCHA_VERIFY_URL", ""),
		CaptchaSecret:            s.env("CAPTCHA_SECRET", ""),
		PasswordMinLength:        s.envInt("PASSWORD_MIN_LENGTH", 12),
		PasswordMaxLength:        s.envInt("PASSWORD_MAX_LENGTH", 128),
		MailSender:               strings.ToLower(s.env("MAIL_SENDER", "log")),
		MailFrom:                 s.env("MAIL_FROM", "webmaster@example.org"),
		SMTPHost:                 s.env("SMTP_HOST", "127.0.0.1"),
		SMTPPort:                 s.envInt("SMTP_PORT", 587),
		SMTPUsername:             s.env("SMTP_USERNAME", ""),
		SMTPPassword:             s.env("SMTP_PASSWORD", ""),
		SMTPTLS:                  s.envBool("SMTP_TLS", false),
		SMTPStartTLS:             s.envBool("SMTP_STARTTLS", true),
		SMTPInsecureSkipVerify:   s.envBool("SMTP_INSECURE_SKIP_VERIFY", false),
		LogEnv:                   strings.ToLower(s.env("LOG_ENV", "dev")),
		LogLevel:                 s.env("LOG_LEVEL", "info"),
		MetricsEnabled:           s.envBool("METRICS_ENABLED", true),
		HTTPReadTimeoutSec:       s.envInt("HTTP_READ_TIMEOUT_SEC", 10),
		HTTPReadHeaderTimeoutSec: s.envInt("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		HTTPWriteTimeoutSec:      s.envInt("HTTP_WRITE_TIMEOUT_SEC", 30),
		HTTPIdleTimeoutSec:       s.envInt("HTTP_IDLE_TIMEOUT_SEC", 60),
	}

	if cfg.CookieSecureMode == "" {
		if s.envBool("COOKIE_SECURE", false) {
			cfg.CookieSecureMode = "always"
		} else {
			cfg.CookieSecureMode = "never"
		}
	}

	if cfg.SessionIdleMinutes <= 0 || cfg.SessionAbsoluteHour <= 0 {
		return Config{}, fmt.Errorf("session timeouts must be positive")
	}
	if cfg.DBMaxOpenConns <= 0 || cfg.DBMaxIdleConns < 0 {
		return Config{}, fmt.Errorf("invalid DB pool config")
	}
	switch cfg.DBDriver {
	case "sqlite":
	case "pgx", "mysql":
		if strings.TrimSpace(cfg.DBDSN) == "" {
			return Config{}, fmt.Errorf("APP_DB_DSN is required when APP_DB_DRIVER=%s", cfg.DBDriver)
		}
	default:
		return Config{}, fmt.Errorf("APP_DB_DRIVER must be one of: sqlite, pgx, mysql")
	}
	switch cfg.RequestStore {
	case "sql":
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return Config{}, fmt.Errorf("REDIS_ADDR is required when REQUEST_STORE=redis")
		}
	default:
		return Config{}, fmt.Errorf("REQUEST_STORE must be one of: sql, redis")
	}
	if cfg.ReqExpire <= 0 || cfg.ReqClaimLease <= 0 {
		return Config{}, fmt.Errorf("REQ_EXPIRE and REQ_CLAIM_LEASE must be positive")
	}
	if cfg.ReqClaimLease >= cfg.ReqExpire {
		return Config{}, fmt.Errorf("REQ_CLAIM_LEASE must be shorter than REQ_EXPIRE")
	}
	if strings.TrimSpace(cfg.LDAPBase) == "" {
		return Config{}, fmt.Errorf("LDAP_BASE is required")
	}
	switch cfg.LDAPPasswordScheme {
	case "exop", "argon2", "crypt":
	default:
		return Config{}, fmt.Errorf("LDAP_PASSWORD_SCHEME must be one of: exop, argon2, crypt")
	}
	if cfg.AdminRecheckInterval < 0 {
		return Config{}, fmt.Errorf("ADMIN_RECHECK_INTERVAL must not be negative")
	}
	if cfg.PosixIDMin <= 0 {
		return Config{}, fmt.Errorf("POSIX_ID_MIN must be positive")
	}
	if cfg.PasswordMinLength < 8 {
		return Config{}, fmt.Errorf("password min length must be >= 8")
	}
	if cfg.PasswordMaxLength < cfg.PasswordMinLength {
		return Config{}, fmt.Errorf("password max length must be >= min length")
	}
	if strings.TrimSpace(cfg.SessionEncryptKey) == "" ||
		cfg.SessionEncryptKey == defaultSessionKey ||
		len(cfg.SessionEncryptKey) < 24 {
		return Config{}, fmt.Errorf("SESSION_ENCRYPT_KEY must be set to a strong non-default value (>=24 chars)")
	}
	switch cfg.CookieSecureMode {
	case "always", "auto":
	case "never":
		if !isLocalListen(cfg.ListenAddr) {
			return Config{}, fmt.Errorf("COOKIE_SECURE_MODE=never is allowed only for local listen addresses")
		}
	default:
		return Config{}, fmt.Errorf("COOKIE_SECURE_MODE must be one of: always, auto, never")
	}
	switch cfg.MailSender {
	case "log":
	case "smtp":
		if cfg.SMTPPort <= 0 || strings.TrimSpace(cfg.SMTPHost) == "" {
			return Config{}, fmt.Errorf("invalid SMTP host/port")
		}
	default:
		return Config{}, fmt.Errorf("MAIL_SENDER must be one of: log, smtp")
	}
	if cfg.CaptchaEnabled {
		if strings.TrimSpace(cfg.CaptchaSecret) == "" {
			return Config{}, fmt.Errorf("CAPTCHA_SECRET is required when CAPTCHA_ENABLED=true")
		}
		if strings.TrimSpace(cfg.CaptchaVerifyURL) == "" {
			switch cfg.CaptchaProvider {
			case "turnstile", "":
				cfg.CaptchaVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"
			case "hcaptcha":
				cfg.CaptchaVerifyURL = "https://hcaptcha.com/siteverify"
			default:
				return Config{}, fmt.Errorf("unsupported CAPTCHA_PROVIDER: %s", cfg.CaptchaProvider)
			}
		}
	}
	return cfg, nil
}

func (c Config) SessionIdleDuration() time.Duration {
	return time.Duration(c.SessionIdleMinutes) * time.Minute
}

func (c Config) SessionAbsoluteDuration() time.Duration {
	return time.Duration(c.SessionAbsoluteHour) * time.Hour
}

// ResolveCookieSecure decides the Secure attribute for cookies set on r.
func (c Config) ResolveCookieSecure(r *http.Request) bool {
	switch c.CookieSecureMode {
	case "always":
		return true
	case "never":
		return false
	}
	if r.TLS != nil {
		return true
	}
	if c.TrustProxy {
		proto := strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-Proto"), ",")[0])
		return strings.EqualFold(proto, "https")
	}
	return false
}

// ProcessURL is the link mailed for a confirmation token.
func (c Config) ProcessURL(token string) string {
	return c.BaseURL + "/process/" + token
}

type source struct {
	file map[string]string
}

func readYAML(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch vv := v.(type) {
		case nil:
		case []any:
			parts := make([]string, 0, len(vv))
			for _, p := range vv {
				parts = append(parts, fmt.Sprint(p))
			}
			out[strings.ToUpper(k)] = strings.Join(parts, ",")
		default:
			out[strings.ToUpper(k)] = fmt.Sprint(vv)
		}
	}
	return out, nil
}

func (s source) lookup(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return s.file[k]
}

func (s source) env(k, d string) string {
	if v := s.lookup(k); v != "" {
		return v
	}
	return d
}

func (s source) envInt(k string, d int) int {
	v := s.lookup(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func (s source) envBool(k string, d bool) bool {
	v := s.lookup(k)
	if v == "" {
		return d
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return d
	}
	return b
}

func (s source) envDuration(k string, d time.Duration) time.Duration {
	v := s.lookup(k)
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	dur, err := time.ParseDuration(v)
	if err != nil {
		return d
	}
	return dur
}

func (s source) envCSV(k string) []string {
	v := strings.TrimSpace(s.lookup(k))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isLocalListen(addr string) bool {
	a := strings.ToLower(strings.TrimSpace(addr))
	return strings.Contains(a, "127.0.0.1") || strings.Contains(a, "localhost") || strings.Contains(a, "[::1]") || strings.HasPrefix(a, ":")
}
