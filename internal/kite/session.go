package kite

import (
	"os"
	"sync"

	"github.com/joho/godotenv"
	"github.com/rewired-gh/circuitwatch/internal/logger"
)

const (
	envAPIKey      = "KITE_API_KEY"
	envAccessToken = "KITE_ACCESS_TOKEN"
)

// Session supplies the API credential. The access token is issued by an external
// login flow once per day; the session only tracks whether it currently holds a usable one.
type Session struct {
	mu           sync.Mutex
	file         string
	apiKey       string
	accessToken  string
	invalidToken string
}

// NewSession reads credentials from the dotenv file (if it exists) falling back to the environment.
func NewSession(file string) *Session {
	s := &Session{file: file}
	s.reload()
	return s
}

// NewStaticSession returns a session with fixed credentials.
func NewStaticSession(apiKey, accessToken string) *Session {
	return &Session{apiKey: apiKey, accessToken: accessToken}
}

func (s *Session) reload() {
	apiKey := os.Getenv(envAPIKey)
	token := os.Getenv(envAccessToken)

	if s.file != "" {
		values, err := godotenv.Read(s.file)
		switch {
		case err == nil:
			if v := values[envAPIKey]; v != "" {
				apiKey = v
			}
			if v := values[envAccessToken]; v != "" {
				token = v
			}
		case !os.IsNotExist(err):
			logger.Warn("Failed to read credentials file %s: %v", s.file, err)
		}
	}

	if apiKey != "" {
		s.apiKey = apiKey
	}
	if token != "" {
		s.accessToken = token
	}
}

func (s *Session) usable() bool {
	return s.apiKey != "" && s.accessToken != "" && s.accessToken != s.invalidToken
}

// HasCredential reports whether a usable credential is held, re-reading the
// credentials source when the current one is missing or was rejected.
func (s *Session) HasCredential() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usable() {
		return true
	}
	if s.file == "" {
		return false
	}
	s.reload()
	if s.usable() {
		logger.Info("Picked up a new access token from %s", s.file)
		return true
	}
	return false
}

// Credential returns the API key and access token.
func (s *Session) Credential() (apiKey, accessToken string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiKey, s.accessToken, s.usable()
}

// Invalidate marks the current access token as rejected by the broker.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accessToken != "" && s.invalidToken != s.accessToken {
		s.invalidToken = s.accessToken
		logger.Warn("Access token rejected by broker; waiting for a new one")
	}
}
