package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"propsync/internal/app"
	"propsync/internal/propsync"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

// PassphraseEnv supplies the cache key passphrase non-interactively.
const PassphraseEnv = "PROPSYNC_PASSPHRASE"

// getPassphrase prints prompt to w and reads a passphrase without echo.
func getPassphrase(w io.Writer, prompt string) (string, error) {
	if _, err := fmt.Fprint(w, prompt); err != nil {
		return "", err
	}
	pw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(pw), nil
}

// passphraseSource prefers PROPSYNC_PASSPHRASE and prompts otherwise.
func passphraseSource(w io.Writer) app.PassphraseFunc {
	return func() (string, error) {
		if v := os.Getenv(PassphraseEnv); v != "" {
			return v, nil
		}
		return getPassphrase(w, "Cache passphrase: ")
	}
}

// newPassphrase asks for a passphrase twice and checks they match.
func newPassphrase(w io.Writer) (string, error) {
	if v := os.Getenv(PassphraseEnv); v != "" {
		return v, nil
	}
	first, err := getPassphrase(w, "New cache passphrase: ")
	if err != nil {
		return "", err
	}
	if first == "" {
		return "", errors.New("passphrase must not be empty")
	}
	second, err := getPassphrase(w, "Repeat passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("passphrases do not match")
	}
	return first, nil
}

// parseAssignments turns "path=value" arguments into a patch. Values are
// read as JSON when they parse, so price=950 is a number and
// media='["a","b"]' a list; anything else is a plain string.
func parseAssignments(args []string) (propsync.Patch, error) {
	patch := make(propsync.Patch, len(args))
	for _, arg := range args {
		path, raw, ok := strings.Cut(arg, "=")
		path = strings.TrimSpace(path)
		if !ok || path == "" {
			return nil, fmt.Errorf("expected path=value, got %q", arg)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		patch[path] = v
	}
	return patch, nil
}
