package wallet

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// PassphraseSource lazily resolves a keystore passphrase from an environment
// variable or by prompting on the terminal. The first result is cached.
type PassphraseSource struct {
	envVar string
	prompt io.Writer
	read   func() ([]byte, error)

	once  sync.Once
	value string
	err   error
}

// NewPassphraseSource checks envVar before prompting on stderr.
func NewPassphraseSource(envVar string) *PassphraseSource {
	return &PassphraseSource{envVar: strings.TrimSpace(envVar), prompt: os.Stderr}
}

// Get returns the passphrase. Whitespace-only values are rejected.
func (s *PassphraseSource) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}

		read := s.read
		if read == nil {
			fd := int(os.Stdin.Fd())
			if !term.IsTerminal(fd) {
				if s.envVar != "" {
					s.err = fmt.Errorf("keystore passphrase required; set %s or run interactively", s.envVar)
				} else {
					s.err = errors.New("keystore passphrase required and no terminal available")
				}
				return
			}
			read = func() ([]byte, error) { return term.ReadPassword(fd) }
		}

		fmt.Fprint(s.prompt, "Enter keystore passphrase: ")
		raw, err := read()
		fmt.Fprintln(s.prompt)
		if err != nil {
			s.err = fmt.Errorf("read passphrase: %w", err)
			return
		}
		if strings.TrimSpace(string(raw)) == "" {
			s.err = errors.New("keystore passphrase cannot be empty")
			return
		}
		s.value = string(raw)
	})
	return s.value, s.err
}
