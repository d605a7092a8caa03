package mta

// sessionState is the protocol state of a session. Authentication is tracked
// separately, it doesn't change what commands are allowed.
type sessionState int

const (
	stateConnected sessionState = iota
	stateGreeted
	stateMailFromSet
	stateRcptToSet
	stateReceivingData
	stateClosed
)

var stateNames = [...]string{"connected", "greeted", "mail-from-set", "rcpt-to-set", "receiving-data", "closed"}

func (st sessionState) String() string {
	if int(st) < len(stateNames) {
		return stateNames[st]
	}
	return "unknown"
}

// stateSet is a bitmask of session states
type stateSet uint8

func states(ss ...sessionState) stateSet {
	var set stateSet
	for _, s := range ss {
		set |= 1 << uint(s)
	}
	return set
}

func (set stateSet) has(st sessionState) bool {
	return set&(1<<uint(st)) != 0
}

var (
	anyOpen       = states(stateConnected, stateGreeted, stateMailFromSet, stateRcptToSet)
	inTransaction = states(stateMailFromSet, stateRcptToSet)
)

type handlerFunc func(s *session, cmd *command)

// transition is the dispatch table entry of a command
type transition struct {
	allowed stateSet
	handle  handlerFunc
}

// transitions is indexed by command code. A command in a state outside of
// its allowed set is answered with bad sequence.
var transitions [numCommands]transition

func init() {
	transitions = [numCommands]transition{
		heloCmd:     {anyOpen, handleHelo},
		ehloCmd:     {anyOpen, handleEhlo},
		quitCmd:     {anyOpen, handleQuit},
		rsetCmd:     {anyOpen, handleRset},
		noopCmd:     {anyOpen, handleNoop},
		helpCmd:     {anyOpen, handleHelp},
		vrfyCmd:     {anyOpen, handleVrfy},
		expnCmd:     {anyOpen, handleExpn},
		starttlsCmd: {states(stateGreeted), handleStartTLS},
		authCmd:     {states(stateGreeted), handleAuth},
		mailCmd:     {states(stateGreeted), handleMail},
		rcptCmd:     {inTransaction, handleRcpt},
		dataCmd:     {inTransaction, handleData},
	}
}
