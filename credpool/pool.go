package credpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"kiro-gateway/config"

	log "github.com/sirupsen/logrus"
)

// Backoff parameters for cooling down an account after a failed acquire or
// a refresh error: doubling from a 30 minute base, capped at 2 hours, never
// shorter than 5 minutes.
const (
	backoffBase = 30 * time.Minute
	backoffMax  = 2 * time.Hour
	backoffMin  = 5 * time.Minute
)

// AccountStatus is the non-blocking snapshot of one account's health,
// returned by the accounts status endpoint.
type AccountStatus struct {
	Index         int       `json:"index"`
	AuthType      string    `json:"authType"`
	Healthy       bool      `json:"healthy"`
	Cooling       bool      `json:"cooling"`
	CooldownUntil time.Time `json:"cooldownUntil,omitempty"`
	FailureCount  int       `json:"failureCount"`
	ExpiresAt     time.Time `json:"expiresAt,omitempty"`
}

// Pool is a round-robin collection of Kiro accounts. Acquire selects the
// next eligible account (skipping those in cooldown), refreshing its access
// token on demand; ReportFailure cools an account down after an upstream
// rejection so later acquires skip it until the backoff elapses.
type Pool struct {
	accounts []*Account
	cursor   uint64
}

// NewPool builds a Pool from configuration: one Account per entry in
// cfg.RefreshTokens, or a single file/SQLite-backed Account when no
// REFRESH_TOKEN* variables are set but a credentials file or kiro-cli
// database is configured.
func NewPool(cfg *config.Config) (*Pool, error) {
	var accounts []*Account

	if len(cfg.RefreshTokens) > 0 {
		for i, token := range cfg.RefreshTokens {
			accounts = append(accounts, newAccount(i, token, cfg))
		}
	} else if cfg.KiroCLIDBFile != "" || cfg.KiroCredsFile != "" {
		accounts = append(accounts, newFileBackedAccount(0, cfg))
	}

	if len(accounts) == 0 {
		return nil, fmt.Errorf("credpool: no accounts configured")
	}

	log.Infof("credpool: initialized with %d account(s)", len(accounts))
	return &Pool{accounts: accounts}, nil
}

// Len returns the number of accounts in the pool.
func (p *Pool) Len() int {
	return len(p.accounts)
}

// PrimaryProfileArn returns the profile ARN of the first configured account.
// Request payloads embed a profile ARN before an account is leased for the
// actual call; with multiple accounts this is an approximation of the
// account that will ultimately serve the request, accepted because every
// account in a pool is expected to share the same Kiro profile.
func (p *Pool) PrimaryProfileArn() string {
	if len(p.accounts) == 0 {
		return ""
	}
	p.accounts[0].mu.Lock()
	defer p.accounts[0].mu.Unlock()
	return p.accounts[0].profileArn
}

// Acquire selects the next eligible account in round-robin order, refreshing
// its access token if it is missing or close to expiry, and returns the
// bearer token plus the metadata callers need to build an upstream request
// (profile ARN, region, API host). It returns an error only when every
// account in the pool is currently cooling down or failed to refresh.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	n := len(p.accounts)
	start := int(atomic.AddUint64(&p.cursor, 1)-1) % n

	var lastErr error
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		acc := p.accounts[idx]

		acc.mu.Lock()
		now := time.Now()
		if !acc.isEligibleUnlocked(now) {
			acc.mu.Unlock()
			continue
		}

		if acc.needsRefreshUnlocked(now) {
			if err := acc.refresh(); err != nil {
				acc.applyFailureUnlocked()
				acc.mu.Unlock()
				lastErr = fmt.Errorf("account %d: %w", idx, err)
				log.Warnf("credpool: refresh failed for account %d: %v", idx, err)
				continue
			}
			acc.failureCount = 0
			acc.cooling = false
		}

		lease := &Lease{
			Index:       acc.Index,
			AccessToken: acc.accessToken,
			ProfileArn:  acc.profileArn,
			Region:      acc.region,
			APIHost:     acc.apiHost,
			QHost:       acc.qHost,
		}
		acc.mu.Unlock()
		return lease, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("credpool: all accounts exhausted: %w", lastErr)
	}
	return nil, fmt.Errorf("credpool: all accounts are cooling down")
}

// Lease is the token and routing metadata handed out by Acquire.
type Lease struct {
	Index       int
	AccessToken string
	ProfileArn  string
	Region      string
	APIHost     string
	QHost       string
}

// ReportFailure cools the given account down after an upstream rejection
// (401/403/429/5xx the client classified as account-attributable). Successive
// failures double the cooldown, floored at 5 minutes and capped at 2 hours.
func (p *Pool) ReportFailure(index int, reason string) {
	acc := p.accountByIndex(index)
	if acc == nil {
		return
	}

	acc.mu.Lock()
	acc.applyFailureUnlocked()
	until := acc.cooldownUntil
	count := acc.failureCount
	acc.mu.Unlock()

	log.Warnf("credpool: account %d cooling down until %s (failure #%d: %s)", index, until.Format(time.RFC3339), count, reason)
}

// applyFailureUnlocked must be called with acc.mu held.
func (a *Account) applyFailureUnlocked() {
	a.failureCount++
	backoff := backoffBase * time.Duration(1<<uint(a.failureCount-1))
	if backoff > backoffMax {
		backoff = backoffMax
	}
	if backoff < backoffMin {
		backoff = backoffMin
	}
	a.cooling = true
	a.cooldownUntil = time.Now().Add(backoff)
}

// ReportSuccess clears an account's failure streak after a successful
// upstream call, so a single transient error does not keep cooling it down
// across unrelated successful requests from other accounts.
func (p *Pool) ReportSuccess(index int) {
	acc := p.accountByIndex(index)
	if acc == nil {
		return
	}
	acc.mu.Lock()
	acc.failureCount = 0
	acc.cooling = false
	acc.mu.Unlock()
}

func (p *Pool) accountByIndex(index int) *Account {
	for _, a := range p.accounts {
		if a.Index == index {
			return a
		}
	}
	return nil
}

// Snapshot returns a non-blocking status summary of every account, for the
// accounts status endpoint.
func (p *Pool) Snapshot() []AccountStatus {
	out := make([]AccountStatus, 0, len(p.accounts))
	for _, a := range p.accounts {
		a.mu.Lock()
		now := time.Now()
		status := AccountStatus{
			Index:        a.Index,
			AuthType:     a.authType.String(),
			Cooling:      a.cooling && now.Before(a.cooldownUntil),
			FailureCount: a.failureCount,
			ExpiresAt:    a.expiresAt,
		}
		if status.Cooling {
			status.CooldownUntil = a.cooldownUntil
		}
		status.Healthy = !status.Cooling
		a.mu.Unlock()
		out = append(out, status)
	}
	return out
}

// StartBackgroundRefreshers launches one goroutine per account that wakes up
// shortly before the access token would otherwise need an on-demand refresh,
// so steady traffic rarely pays the refresh latency inline. Goroutines exit
// when ctx is canceled.
func (p *Pool) StartBackgroundRefreshers(ctx context.Context) {
	var wg sync.WaitGroup
	for _, acc := range p.accounts {
		wg.Add(1)
		go func(acc *Account) {
			defer wg.Done()
			acc.backgroundRefreshLoop(ctx)
		}(acc)
	}
}

// backgroundRefreshLoop sleeps until the token is within its refresh
// threshold of expiring, then refreshes proactively. On refresh failure it
// backs off and retries rather than waiting for the next on-demand Acquire.
func (a *Account) backgroundRefreshLoop(ctx context.Context) {
	for {
		a.mu.Lock()
		var wait time.Duration
		if a.expiresAt.IsZero() {
			wait = time.Minute
		} else {
			wait = time.Until(a.expiresAt.Add(-a.refreshThreshold))
			if wait < 0 {
				wait = 0
			}
		}
		a.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		a.mu.Lock()
		err := a.refresh()
		if err != nil {
			a.applyFailureUnlocked()
		} else {
			a.failureCount = 0
			a.cooling = false
		}
		a.mu.Unlock()

		if err != nil {
			log.Warnf("credpool: background refresh failed for account %d: %v", a.Index, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoffMin):
			}
		}
	}
}
