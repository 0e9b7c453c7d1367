// SPDX-License-Identifier: GPL-2.0-or-later

// Package auth verifies client credentials for the RTSP and admin
// surfaces.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"rtspgate/pkg/log"
)

// DefaultHashCost bcrypt hash cost.
const DefaultHashCost = 10

// Account contains user information.
type Account struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Password []byte `json:"password"` // Hashed password.
	IsAdmin  bool   `json:"isAdmin"`
}

// AccountObfuscated Account without sensitive information.
type AccountObfuscated struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
}

// Identity of a verified caller.
type Identity struct {
	Username string
	IsAdmin  bool
}

// ValidateRes result of a credential check.
type ValidateRes struct {
	IsValid bool
	User    Identity
}

// Gate verifies basic-auth credentials against the accounts file.
type Gate struct {
	path      string
	accounts  map[string]Account
	authCache map[string]ValidateRes

	hashCost int

	loopbackUser string
	loopbackPass string

	logger *log.Logger
	mu     sync.Mutex
}

// NewGate reads the accounts file and returns a credential gate.
func NewGate(path, loopbackUser, loopbackPass string, logger *log.Logger) (*Gate, error) {
	g := &Gate{
		path:      path,
		accounts:  make(map[string]Account),
		authCache: make(map[string]ValidateRes),

		hashCost: DefaultHashCost,

		loopbackUser: loopbackUser,
		loopbackPass: loopbackPass,

		logger: logger,
	}

	file, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return g, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(file, &g.accounts); err != nil {
		return nil, fmt.Errorf("unmarshal accounts: %w", err)
	}

	return g, nil
}

// SetHashCost overrides the bcrypt cost, tests use the minimum.
func (g *Gate) SetHashCost(cost int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hashCost = cost
}

// ValidateHeader checks a raw `Basic ...` authorization header value.
// Takes roughly the same amount of time to run whether the username
// or the password is invalid.
func (g *Gate) ValidateHeader(header string) ValidateRes {
	g.mu.Lock()
	if res, exist := g.authCache[header]; exist {
		g.mu.Unlock()
		return res
	}
	g.mu.Unlock()

	name, pass := parseBasicAuth(header)
	user, found := g.userByName(name)

	res := ValidateRes{}
	if !found {
		// Fake hash to prevent timing based attacks.
		bcrypt.GenerateFromPassword([]byte(name), g.hashCost) //nolint:errcheck
	} else if passwordsMatch(user.Password, pass) {
		res = ValidateRes{
			IsValid: true,
			User:    Identity{Username: user.Username, IsAdmin: user.IsAdmin},
		}
	}

	g.mu.Lock()
	g.authCache[header] = res
	g.mu.Unlock()

	if !res.IsValid && name != "" {
		g.logger.Info().Src("auth").Msgf("failed login: username: %v", name)
	}
	return res
}

func (g *Gate) userByName(name string) (Account, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, u := range g.accounts {
		if u.Username == name {
			return u, true
		}
	}
	return Account{}, false
}

// Modified from net/http. Link:
// https://cs.opensource.google/go/go/+/refs/tags/go1.17.8:src/net/http/request.go;l=949
func parseBasicAuth(str string) (username, password string) {
	const prefix = "Basic "
	if len(str) < len(prefix) || !strings.EqualFold(str[:len(prefix)], prefix) {
		return
	}
	c, err := base64.StdEncoding.DecodeString(str[len(prefix):])
	if err != nil {
		return
	}
	cs := string(c)
	s := strings.IndexByte(cs, ':')
	if s < 0 {
		return
	}
	return cs[:s], cs[s+1:]
}

func passwordsMatch(hash []byte, plaintext string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(plaintext)) == nil
}

// Loopback addresses exempt from broker authorization. Exact matches
// only, never a prefix or substring check.
var loopbackAddrs = map[string]struct{}{
	"127.0.0.1": {},
	"::1":       {},
}

// IsLoopbackSentinel reports whether the transport peer is a loopback
// address and the credentials are the reserved sentinel pair. Used for
// intra-host bridging only.
func (g *Gate) IsLoopbackSentinel(peer net.Addr, header string) bool {
	if g.loopbackUser == "" {
		return false
	}

	host, _, err := net.SplitHostPort(peer.String())
	if err != nil {
		return false
	}
	if _, ok := loopbackAddrs[host]; !ok {
		return false
	}

	name, pass := parseBasicAuth(header)
	return name == g.loopbackUser && pass == g.loopbackPass
}

// Errors.
var (
	ErrIDMissing       = errors.New("missing ID")
	ErrUsernameMissing = errors.New("missing username")
	ErrPasswordMissing = errors.New("password is required for new users")
	ErrUserNotExist    = errors.New("user does not exist")
)

// SetUserRequest set user details request.
type SetUserRequest struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	PlainPassword string `json:"plainPassword,omitempty"`
	IsAdmin       bool   `json:"isAdmin"`
}

// UserSet sets the information of a user.
func (g *Gate) UserSet(req SetUserRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if req.ID == "" {
		return ErrIDMissing
	}
	if req.Username == "" {
		return ErrUsernameMissing
	}

	account, exist := g.accounts[req.ID]
	if !exist && req.PlainPassword == "" {
		return ErrPasswordMissing
	}

	account.ID = req.ID
	account.Username = req.Username
	account.IsAdmin = req.IsAdmin
	if req.PlainPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.PlainPassword), g.hashCost)
		if err != nil {
			return err
		}
		account.Password = hash
	}

	g.accounts[req.ID] = account
	g.authCache = make(map[string]ValidateRes)

	return g.saveAccounts()
}

// UserDelete deletes a user by id.
func (g *Gate) UserDelete(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exist := g.accounts[id]; !exist {
		return ErrUserNotExist
	}

	delete(g.accounts, id)
	g.authCache = make(map[string]ValidateRes)

	return g.saveAccounts()
}

// UsersList returns an obfuscated user list.
func (g *Gate) UsersList() map[string]AccountObfuscated {
	g.mu.Lock()
	defer g.mu.Unlock()

	list := make(map[string]AccountObfuscated)
	for id, user := range g.accounts {
		list[id] = AccountObfuscated{
			ID:       user.ID,
			Username: user.Username,
			IsAdmin:  user.IsAdmin,
		}
	}
	return list
}

func (g *Gate) saveAccounts() error {
	raw, err := json.MarshalIndent(g.accounts, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(g.path, raw, 0o600)
}
