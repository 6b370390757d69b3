package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves a keystore passphrase. Resolution checks an
// environment variable first, then an optional passphrase file, and finally
// prompts the operator on the terminal. The value is cached after the first
// successful retrieval so repeated calls reuse the same secret.
type Source struct {
	envVar   string
	filePath string
	prompt   string

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a passphrase source. Either envVar or filePath may be
// blank; when both are, only the interactive prompt remains.
func NewSource(envVar, filePath string) *Source {
	return &Source{
		envVar:   strings.TrimSpace(envVar),
		filePath: strings.TrimSpace(filePath),
		prompt:   "Enter keystore passphrase: ",
	}
}

// SetPrompt overrides the text shown before an interactive read.
func (s *Source) SetPrompt(prompt string) {
	if strings.TrimSpace(prompt) != "" {
		s.prompt = prompt
	}
}

// Get returns the cached passphrase or resolves it if this is the first call.
// Whitespace-only passphrases are rejected to avoid unprotected keystores.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}

	if s.filePath != "" {
		raw, err := os.ReadFile(s.filePath)
		if err != nil {
			return "", fmt.Errorf("read passphrase file: %w", err)
		}
		value := firstLine(string(raw))
		if strings.TrimSpace(value) == "" {
			return "", fmt.Errorf("passphrase file %s is empty", s.filePath)
		}
		return value, nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		if s.envVar != "" {
			return "", fmt.Errorf("keystore passphrase required; set %s or run interactively", s.envVar)
		}
		return "", errors.New("keystore passphrase required and no terminal available")
	}

	fmt.Fprint(os.Stderr, s.prompt)
	bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	if strings.TrimSpace(string(bytes)) == "" {
		return "", errors.New("keystore passphrase cannot be empty")
	}
	return string(bytes), nil
}

// firstLine strips a single trailing newline so `echo secret > file` works
// without embedding the line break in the passphrase.
func firstLine(raw string) string {
	if idx := strings.IndexAny(raw, "\r\n"); idx >= 0 {
		return raw[:idx]
	}
	return raw
}
