package mta

import (
	"time"

	"github.com/matoous/gosmtpd/config"
)

// Limits hold all the session limitations - max attempts, sizes and timeouts
type Limits struct {
	CmdInput        time.Duration // client commands
	MsgInput        time.Duration // total time for the email
	ReplyOut        time.Duration // server reply time
	TLSSetup        time.Duration // time limit for STARTTLS setup
	MsgSize         int64         // max email size
	BadCmds         int           // bad commands limit
	MaxRcptCount    int           // maximum number of recipients of message
	MaxAuthAttempts int           // failed AUTH attempts before disconnect
}

// DefaultLimits that are applied where the configuration leaves a limit empty.
// Two minutes for command input and command replies, ten minutes for
// receiving messages, and 10 Mbytes of message size.
var DefaultLimits = Limits{
	CmdInput:        2 * time.Minute,
	MsgInput:        10 * time.Minute,
	ReplyOut:        2 * time.Minute,
	TLSSetup:        30 * time.Second,
	MsgSize:         10 * 1024 * 1024,
	BadCmds:         5,
	MaxRcptCount:    100,
	MaxAuthAttempts: 3,
}

func limitsFromConfig(c config.LimitsConfig) Limits {
	l := Limits{
		CmdInput:        c.CmdInput,
		MsgInput:        c.MsgInput,
		ReplyOut:        c.ReplyOut,
		TLSSetup:        c.TLSSetup,
		MsgSize:         c.MsgSize,
		BadCmds:         c.BadCmds,
		MaxRcptCount:    c.MaxRcpt,
		MaxAuthAttempts: c.MaxAuthAttempts,
	}
	d := DefaultLimits
	if l.CmdInput <= 0 {
		l.CmdInput = d.CmdInput
	}
	if l.MsgInput <= 0 {
		l.MsgInput = d.MsgInput
	}
	if l.ReplyOut <= 0 {
		l.ReplyOut = d.ReplyOut
	}
	if l.TLSSetup <= 0 {
		l.TLSSetup = d.TLSSetup
	}
	if l.MsgSize <= 0 {
		l.MsgSize = d.MsgSize
	}
	if l.BadCmds <= 0 {
		l.BadCmds = d.BadCmds
	}
	if l.MaxRcptCount <= 0 {
		l.MaxRcptCount = d.MaxRcptCount
	}
	if l.MaxAuthAttempts <= 0 {
		l.MaxAuthAttempts = d.MaxAuthAttempts
	}
	return l
}
