package credentials

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// PassphraseEnv names the variable that supplies the passphrase without a
// prompt, for scripted runs.
const PassphraseEnv = "DSYNC_PASSPHRASE"

// Prompt returns a PassphraseFunc that uses PassphraseEnv when it is set and
// otherwise asks on out and reads the reply from in. A terminal input is read
// without echo.
func Prompt(in *os.File, out io.Writer, label string) PassphraseFunc {
	return func() (string, error) {
		if secret := os.Getenv(PassphraseEnv); secret != "" {
			return secret, nil
		}
		return ReadSecret(in, out, label)
	}
}

// ReadSecret prints label and reads one line from in, without echo when in is
// a terminal.
func ReadSecret(in *os.File, out io.Writer, label string) (string, error) {
	fmt.Fprintf(out, "%s: ", label)
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("reading from terminal: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
