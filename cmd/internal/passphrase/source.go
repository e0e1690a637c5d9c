package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

const defaultLabel = "signer keystore passphrase"

// Source lazily resolves a keystore passphrase from an environment variable or
// by prompting the operator. The value is cached after the first successful
// retrieval so repeated calls reuse the same secret.
type Source struct {
	envVar  string
	label   string
	confirm bool

	prompt func(label string) (string, error)

	once  sync.Once
	value string
	err   error
}

// Option customises a Source.
type Option func(*Source)

// WithLabel changes the noun used in prompts and errors.
func WithLabel(label string) Option {
	return func(s *Source) {
		if trimmed := strings.TrimSpace(label); trimmed != "" {
			s.label = trimmed
		}
	}
}

// WithConfirmation asks for the passphrase twice when prompting, for
// commands that create a keystore.
func WithConfirmation() Option {
	return func(s *Source) { s.confirm = true }
}

// NewSource constructs a passphrase source that checks envVar before
// interactively prompting on the terminal.
func NewSource(envVar string, opts ...Option) *Source {
	s := &Source{envVar: strings.TrimSpace(envVar), label: defaultLabel}
	for _, opt := range opts {
		opt(s)
	}
	if s.prompt == nil {
		s.prompt = func(label string) (string, error) { return promptTerminal(os.Stdin, os.Stderr, label) }
	}
	return s
}

// Get returns the cached passphrase or resolves it if this is the first call.
// When the environment variable is set the exact value is used; otherwise the
// operator is prompted on stderr. Whitespace-only passphrases are rejected to
// avoid unprotected keystores.
func (s *Source) Get() (string, error) {
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

		passphrase, err := s.prompt("Enter " + s.label + ": ")
		if err != nil {
			if errors.Is(err, errNoTerminal) && s.envVar != "" {
				s.err = fmt.Errorf("%s required; set %s or run interactively", s.label, s.envVar)
			} else if errors.Is(err, errNoTerminal) {
				s.err = fmt.Errorf("%s required and no terminal available", s.label)
			} else {
				s.err = err
			}
			return
		}
		if strings.TrimSpace(passphrase) == "" {
			s.err = fmt.Errorf("%s cannot be empty", s.label)
			return
		}
		if s.confirm {
			again, err := s.prompt("Repeat " + s.label + ": ")
			if err != nil {
				s.err = err
				return
			}
			if again != passphrase {
				s.err = fmt.Errorf("%s entries do not match", s.label)
				return
			}
		}
		s.value = passphrase
	})

	return s.value, s.err
}

var errNoTerminal = errors.New("passphrase: no terminal")

func promptTerminal(in *os.File, out io.Writer, label string) (string, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return "", errNoTerminal
	}
	fmt.Fprint(out, label)
	bytes, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return string(bytes), nil
}
