// Package credpool manages the pool of Kiro refresh-token accounts: credential
// loading, access-token refresh, and the health/backoff bookkeeping that lets
// the gateway round-robin across many accounts and fail over around bad ones.
package credpool

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"kiro-gateway/config"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// AuthType represents the type of authentication an account uses.
type AuthType int

const (
	AuthTypeKiroDesktop AuthType = iota
	AuthTypeAWSSSOOIDC
)

func (a AuthType) String() string {
	switch a {
	case AuthTypeAWSSSOOIDC:
		return "aws_sso_oidc"
	default:
		return "kiro_desktop"
	}
}

// SQLite token keys (searched in priority order), kept from kiro-cli.
var sqliteTokenKeys = []string{
	"kirocli:social:token",
	"kirocli:odic:token",
	"codewhisperer:odic:token",
}

var sqliteRegistrationKeys = []string{
	"kirocli:odic:device-registration",
	"codewhisperer:odic:device-registration",
}

// tokenData mirrors the JSON shape kiro-cli stores per credential key.
type tokenData struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ProfileArn   string   `json:"profile_arn"`
	Region       string   `json:"region"`
	ExpiresAt    string   `json:"expires_at"`
	Scopes       []string `json:"scopes"`
}

type deviceRegistration struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Region       string `json:"region"`
}

// Account is one refresh-token record in the pool: its credentials, its
// current access token and expiry, and the health/backoff state that governs
// whether acquire() may select it.
type Account struct {
	mu sync.Mutex

	// Stable index used for round-robin selection and status reporting.
	Index int

	refreshToken string
	profileArn   string
	region       string
	credsFile    string
	sqliteDB     string

	// AWS SSO OIDC specific
	clientID     string
	clientSecret string
	scopes       []string
	ssoRegion    string

	accessToken string
	expiresAt   time.Time

	authType AuthType

	sqliteTokenKey string

	refreshURL string
	apiHost    string
	qHost      string

	fingerprint string

	refreshThreshold time.Duration

	// Health/backoff state.
	cooling       bool
	cooldownUntil time.Time
	failureCount  int
}

// newAccount builds one pool record from a raw refresh token plus shared
// config (region, profile ARN, threshold). credsFile/sqliteDB are only set
// on the synthetic account created when no REFRESH_TOKEN is configured but a
// credentials file or kiro-cli database is.
func newAccount(index int, refreshToken string, cfg *config.Config) *Account {
	a := &Account{
		Index:            index,
		refreshToken:     refreshToken,
		profileArn:       cfg.ProfileArn,
		region:           cfg.Region,
		fingerprint:      generateFingerprint(),
		refreshThreshold: time.Duration(cfg.TokenRefreshThreshold) * time.Second,
	}
	a.refreshURL = config.GetKiroRefreshURLForRegion(a.region)
	a.apiHost = config.GetKiroAPIHostForRegion(a.region)
	a.qHost = config.GetKiroAPIHostForRegion(a.region)
	return a
}

// newFileBackedAccount builds the single account sourced from a credentials
// file or kiro-cli SQLite database, for deployments running a single Kiro
// Desktop or CLI login instead of a pool of refresh tokens.
func newFileBackedAccount(index int, cfg *config.Config) *Account {
	a := newAccount(index, "", cfg)
	a.credsFile = cfg.KiroCredsFile
	a.sqliteDB = cfg.KiroCLIDBFile

	if a.sqliteDB != "" {
		a.loadCredentialsFromSQLite(a.sqliteDB)
	} else if a.credsFile != "" {
		a.loadCredentialsFromFile(a.credsFile)
	}
	a.detectAuthType()
	return a
}

func (a *Account) detectAuthType() {
	if a.clientID != "" && a.clientSecret != "" {
		a.authType = AuthTypeAWSSSOOIDC
	} else {
		a.authType = AuthTypeKiroDesktop
	}
}

func (a *Account) loadCredentialsFromSQLite(dbPath string) {
	path := expandPath(dbPath)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Warnf("account %d: SQLite database not found: %s", a.Index, dbPath)
		return
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		log.Errorf("account %d: failed to open SQLite database: %v", a.Index, err)
		return
	}
	defer db.Close()

	var tokenRow *string
	for _, key := range sqliteTokenKeys {
		var value string
		if err := db.QueryRow("SELECT value FROM auth_kv WHERE key = ?", key).Scan(&value); err == nil {
			tokenRow = &value
			a.sqliteTokenKey = key
			break
		}
	}

	if tokenRow != nil {
		var td tokenData
		if err := json.Unmarshal([]byte(*tokenRow), &td); err == nil {
			if td.AccessToken != "" {
				a.accessToken = td.AccessToken
			}
			if td.RefreshToken != "" {
				a.refreshToken = td.RefreshToken
			}
			if td.ProfileArn != "" {
				a.profileArn = td.ProfileArn
			}
			if td.Region != "" {
				a.ssoRegion = td.Region
			}
			if len(td.Scopes) > 0 {
				a.scopes = td.Scopes
			}
			if td.ExpiresAt != "" {
				if t, err := parseTime(td.ExpiresAt); err == nil {
					a.expiresAt = t
				}
			}
		}
	}

	var regRow *string
	for _, key := range sqliteRegistrationKeys {
		var value string
		if err := db.QueryRow("SELECT value FROM auth_kv WHERE key = ?", key).Scan(&value); err == nil {
			regRow = &value
			break
		}
	}

	if regRow != nil {
		var reg deviceRegistration
		if err := json.Unmarshal([]byte(*regRow), &reg); err == nil {
			if reg.ClientID != "" {
				a.clientID = reg.ClientID
			}
			if reg.ClientSecret != "" {
				a.clientSecret = reg.ClientSecret
			}
			if reg.Region != "" && a.ssoRegion == "" {
				a.ssoRegion = reg.Region
			}
		}
	}

	log.Infof("account %d: credentials loaded from SQLite database", a.Index)
}

func (a *Account) loadCredentialsFromFile(filePath string) {
	path := expandPath(filePath)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Warnf("account %d: credentials file not found: %s", a.Index, filePath)
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Errorf("account %d: error reading credentials file: %v", a.Index, err)
		return
	}

	var creds struct {
		RefreshToken string `json:"refreshToken"`
		AccessToken  string `json:"accessToken"`
		ProfileArn   string `json:"profileArn"`
		Region       string `json:"region"`
		ExpiresAt    string `json:"expiresAt"`
		ClientID     string `json:"clientId"`
		ClientSecret string `json:"clientSecret"`
	}

	if err := json.Unmarshal(data, &creds); err != nil {
		log.Errorf("account %d: error parsing credentials file: %v", a.Index, err)
		return
	}

	if creds.RefreshToken != "" {
		a.refreshToken = creds.RefreshToken
	}
	if creds.AccessToken != "" {
		a.accessToken = creds.AccessToken
	}
	if creds.ProfileArn != "" {
		a.profileArn = creds.ProfileArn
	}
	if creds.Region != "" {
		a.region = creds.Region
		a.refreshURL = config.GetKiroRefreshURLForRegion(a.region)
		a.apiHost = config.GetKiroAPIHostForRegion(a.region)
		a.qHost = config.GetKiroAPIHostForRegion(a.region)
	}
	if creds.ClientID != "" {
		a.clientID = creds.ClientID
	}
	if creds.ClientSecret != "" {
		a.clientSecret = creds.ClientSecret
	}
	if creds.ExpiresAt != "" {
		if t, err := parseTime(creds.ExpiresAt); err == nil {
			a.expiresAt = t
		}
	}
}

// isEligibleUnlocked reports whether this account may be selected right now:
// not cooling, or its cooldown has elapsed.
func (a *Account) isEligibleUnlocked(now time.Time) bool {
	return !a.cooling || !now.Before(a.cooldownUntil)
}

// needsRefreshUnlocked reports whether the current access token is too close
// to expiry to hand out: issued only if now < expiry - refreshThreshold.
func (a *Account) needsRefreshUnlocked(now time.Time) bool {
	if a.accessToken == "" || a.expiresAt.IsZero() {
		return true
	}
	return !now.Add(a.refreshThreshold).Before(a.expiresAt)
}

// refresh performs the upstream refresh-token exchange, autodetecting
// between Kiro Desktop Auth and AWS SSO OIDC by the presence of a client
// id/secret pair.
func (a *Account) refresh() error {
	if a.authType == AuthTypeAWSSSOOIDC {
		return a.refreshAWSSSOOIDC()
	}
	return a.refreshKiroDesktop()
}

func (a *Account) refreshKiroDesktop() error {
	if a.refreshToken == "" {
		return fmt.Errorf("account %d: refresh token is not set", a.Index)
	}

	payload := map[string]string{"refreshToken": a.refreshToken}
	jsonData, _ := json.Marshal(payload)

	req, err := http.NewRequest("POST", a.refreshURL, strings.NewReader(string(jsonData)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", fmt.Sprintf("KiroIDE-0.7.45-%s", a.fingerprint))

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("token refresh failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int    `json:"expiresIn"`
		ProfileArn   string `json:"profileArn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	if result.AccessToken == "" {
		return fmt.Errorf("response does not contain accessToken")
	}

	a.accessToken = result.AccessToken
	if result.RefreshToken != "" {
		a.refreshToken = result.RefreshToken
	}
	if result.ProfileArn != "" {
		a.profileArn = result.ProfileArn
	}
	a.expiresAt = time.Now().Add(time.Duration(result.ExpiresIn-60) * time.Second)

	a.persist()
	return nil
}

func (a *Account) refreshAWSSSOOIDC() error {
	if a.refreshToken == "" {
		return fmt.Errorf("account %d: refresh token is not set", a.Index)
	}
	if a.clientID == "" || a.clientSecret == "" {
		return fmt.Errorf("account %d: client id/secret required for AWS SSO OIDC", a.Index)
	}

	ssoRegion := a.ssoRegion
	if ssoRegion == "" {
		ssoRegion = a.region
	}
	refreshURL := config.GetAWSSSOOIDCURLForRegion(ssoRegion)

	payload := map[string]interface{}{
		"grantType":    "refresh_token",
		"clientId":     a.clientID,
		"clientSecret": a.clientSecret,
		"refreshToken": a.refreshToken,
	}
	jsonData, _ := json.Marshal(payload)

	req, err := http.NewRequest("POST", refreshURL, strings.NewReader(string(jsonData)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("token refresh failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int    `json:"expiresIn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	if result.AccessToken == "" {
		return fmt.Errorf("AWS SSO OIDC response does not contain accessToken")
	}

	a.accessToken = result.AccessToken
	if result.RefreshToken != "" {
		a.refreshToken = result.RefreshToken
	}
	a.expiresAt = time.Now().Add(time.Duration(result.ExpiresIn-60) * time.Second)

	a.persist()
	return nil
}

// persist writes the refreshed token back to whichever store this account
// was loaded from. Accounts configured purely via REFRESH_TOKEN env vars
// have nothing to persist to.
func (a *Account) persist() {
	if a.sqliteDB != "" {
		a.saveToSQLite()
	} else if a.credsFile != "" {
		a.saveToFile()
	}
}

func (a *Account) saveToFile() {
	path := expandPath(a.credsFile)

	existing := make(map[string]interface{})
	if data, err := os.ReadFile(path); err == nil {
		json.Unmarshal(data, &existing)
	}

	existing["accessToken"] = a.accessToken
	existing["refreshToken"] = a.refreshToken
	if !a.expiresAt.IsZero() {
		existing["expiresAt"] = a.expiresAt.Format(time.RFC3339)
	}
	if a.profileArn != "" {
		existing["profileArn"] = a.profileArn
	}

	jsonData, _ := json.MarshalIndent(existing, "", "  ")
	if err := os.WriteFile(path, jsonData, 0600); err != nil {
		log.Errorf("account %d: error saving credentials: %v", a.Index, err)
	}
}

func (a *Account) saveToSQLite() {
	path := expandPath(a.sqliteDB)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		log.Errorf("account %d: failed to open SQLite database: %v", a.Index, err)
		return
	}
	defer db.Close()

	td := map[string]interface{}{
		"access_token":  a.accessToken,
		"refresh_token": a.refreshToken,
		"expires_at":    a.expiresAt.Format(time.RFC3339),
		"region":        a.ssoRegion,
	}
	if len(a.scopes) > 0 {
		td["scopes"] = a.scopes
	}
	jsonData, _ := json.Marshal(td)

	keys := sqliteTokenKeys
	if a.sqliteTokenKey != "" {
		keys = append([]string{a.sqliteTokenKey}, keys...)
	}
	for _, key := range keys {
		result, err := db.Exec("UPDATE auth_kv SET value = ? WHERE key = ?", string(jsonData), key)
		if err == nil {
			if rows, _ := result.RowsAffected(); rows > 0 {
				return
			}
		}
	}
}

func generateFingerprint() string {
	return uuid.New().String()[:8]
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func parseTime(s string) (time.Time, error) {
	if strings.HasSuffix(s, "Z") {
		s = s[:len(s)-1] + "+00:00"
	}
	return time.Parse(time.RFC3339, s)
}
