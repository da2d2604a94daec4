// Package auth stores the backend bearer token used for REST calls. Tokens
// are pasted once via the CLI and persisted next to the config file.
package auth

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Credential is a stored backend token.
type Credential struct {
	AccessToken string    `json:"access_token"`
	CreatedAt   time.Time `json:"created_at"`
}

// LoginPasteToken prompts for a token on r and returns the credential.
func LoginPasteToken(r io.Reader, w io.Writer) (*Credential, error) {
	fmt.Fprintln(w, "Paste your backend access token:")
	fmt.Fprint(w, "> ")

	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading token: %w", err)
		}
		return nil, errors.New("no input received")
	}

	token := strings.TrimSpace(scanner.Text())
	if token == "" {
		return nil, errors.New("token cannot be empty")
	}

	return &Credential{
		AccessToken: token,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// CredentialPath returns the token file location next to the config file.
func CredentialPath(configDir string) string {
	return filepath.Join(configDir, "credential.json")
}

// SaveCredential persists the credential with owner-only permissions.
func SaveCredential(path string, cred *Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadCredential reads a stored credential. A missing file returns nil
// without error so callers can fall back to anonymous requests.
func LoadCredential(path string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("parsing credential %s: %w", path, err)
	}
	if cred.AccessToken == "" {
		return nil, errors.New("credential file has no access token")
	}
	return &cred, nil
}

// TokenSource adapts a credential for the REST client. A nil credential
// returns a nil source, which the client treats as no Authorization header.
func TokenSource(cred *Credential) oauth2.TokenSource {
	if cred == nil {
		return nil
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.AccessToken})
}
