package mta

import (
	"errors"
	"strings"
)

type command struct {
	commandCode int
	verb        string
	data        string
}

const (
	heloCmd = iota
	ehloCmd
	quitCmd
	rsetCmd
	noopCmd
	mailCmd
	rcptCmd
	dataCmd
	starttlsCmd
	vrfyCmd
	expnCmd
	helpCmd
	authCmd
	numCommands
)

var commandCodes = map[string]int{
	"HELO":     heloCmd,
	"EHLO":     ehloCmd,
	"QUIT":     quitCmd,
	"RSET":     rsetCmd,
	"NOOP":     noopCmd,
	"MAIL":     mailCmd,
	"RCPT":     rcptCmd,
	"DATA":     dataCmd,
	"STARTTLS": starttlsCmd,
	"VRFY":     vrfyCmd,
	"EXPN":     expnCmd,
	"HELP":     helpCmd,
	"AUTH":     authCmd,
}

var (
	errEmptyCommand       = errors.New("command empty")
	errNot7Bit            = errors.New("command contains non 7-bit ASCII")
	errUnknownCommand     = errors.New("unrecognized command")
	errUnexpectedArgument = errors.New("unexpected argument")
)

/*
isall7bit returns true if the argument is all 7-bit ASCII. This is what all SMTP
commands are supposed to be, and later things are going to screw up if
some joker hands us UTF-8 or any other equivalent.
*/
func isall7bit(b []byte) bool {
	for _, c := range b {
		if c > 127 {
			return false
		}
	}
	return true
}

/*
parseCommand parses command from string or returns error if it is not possible
or the command doesn't exist
*/
func parseCommand(line string) (*command, error) {
	line = strings.TrimRight(line, " \t")
	if line == "" {
		return nil, errEmptyCommand
	}
	parts := strings.SplitN(line, " ", 2)

	// Check that command doesn't contain UTF-8 and other smelly stuff
	if !isall7bit([]byte(parts[0])) {
		return nil, errNot7Bit
	}

	code, ok := commandCodes[strings.ToUpper(parts[0])]
	if !ok {
		return nil, errUnknownCommand
	}

	cmd := &command{
		commandCode: code,
		verb:        strings.ToUpper(parts[0]),
	}
	if len(parts) > 1 {
		cmd.data = strings.TrimSpace(parts[1])
	}

	// Check for verbs defined not to have an argument
	// (RFC 5321 s4.1.1)
	switch cmd.commandCode {
	case rsetCmd, dataCmd, quitCmd, starttlsCmd:
		if cmd.data != "" {
			return nil, errUnexpectedArgument
		}
	}
	return cmd, nil
}

/*
String returns back the original line with command as a string
*/
func (cmd *command) String() string {
	if cmd.data != "" {
		return cmd.verb + " " + cmd.data
	}
	return cmd.verb
}

/*
Args returns array of strings with individual command arguments
*/
func (cmd *command) Args() []string {
	if cmd.data == "" {
		return nil
	}
	return strings.Fields(cmd.data)
}
