package mail

import "fmt"

const (
	// ClassSuccess specifies that the DSN is reporting a positive delivery
	// action.  Detail sub-codes may provide notification of
	// transformations required for delivery.
	ClassSuccess = 2
	// ClassTransientFailure - a persistent transient failure is one in which the message as
	// sent is valid, but persistence of some temporary condition has
	// caused abandonment or delay of attempts to send the message.
	ClassTransientFailure = 4
	// ClassPermanentFailure - a permanent failure is one which is not likely to be resolved
	// by resending the message in the current form.
	ClassPermanentFailure = 5
)

// class is a type for ClassSuccess, ClassTransientFailure and ClassPermanentFailure constants
type class int

// String implements stringer for the class type
func (c class) String() string {
	return fmt.Sprintf("%d00", c)
}

// Enhanced status subject.detail codes (RFC 3463)
const (
	OtherStatus                             = ".0.0"
	OtherAddressStatus                      = ".1.0"
	BadDestinationMailboxAddress            = ".1.1"
	BadDestinationMailboxAddressSyntax      = ".1.3"
	DestinationMailboxAddressValid          = ".1.5"
	BadSendersMailboxAddressSyntax          = ".1.7"
	MessageLengthExceedsAdministrativeLimit = ".2.3"
	OtherOrUndefinedMailSystemStatus        = ".3.0"
	SystemNotAcceptingNetworkMessages       = ".3.2"
	MessageTooBigForSystem                  = ".3.4"
	NoAnswerFromHost                        = ".4.1"
	BadConnection                           = ".4.2"
	OtherOrUndefinedProtocolStatus          = ".5.0"
	InvalidCommand                          = ".5.1"
	SyntaxError                             = ".5.2"
	TooManyRecipients                       = ".5.3"
	InvalidCommandArguments                 = ".5.4"
	SecurityStatus                          = ".7.0"
	DeliveryNotAuthorized                   = ".7.1"
	AuthenticationCredentialsInvalid        = ".7.8"
	EncryptionRequired                      = ".7.11"
)

// codeMap for mapping Enhanced Status Code to Basic Code when no basic code is given
// Mapping according to https://www.iana.org/assignments/smtp-enhanced-status-codes/smtp-enhanced-status-codes.xml
var codeMap = map[EnhancedStatusCode]int{
	{ClassSuccess, OtherAddressStatus}:             250,
	{ClassSuccess, DestinationMailboxAddressValid}: 250,
	{ClassSuccess, OtherStatus}:                    250,

	{ClassTransientFailure, OtherOrUndefinedMailSystemStatus}: 451,
	{ClassTransientFailure, TooManyRecipients}:                452,
	{ClassTransientFailure, DeliveryNotAuthorized}:            451,

	{ClassPermanentFailure, BadDestinationMailboxAddress}: 550,
	{ClassPermanentFailure, InvalidCommand}:               500,
	{ClassPermanentFailure, SyntaxError}:                  500,
	{ClassPermanentFailure, InvalidCommandArguments}:      501,
	{ClassPermanentFailure, DeliveryNotAuthorized}:        550,
}

var defaultTexts = map[EnhancedStatusCode]string{
	{ClassSuccess, OtherStatus}:                           "OK",
	{ClassSuccess, OtherAddressStatus}:                    "OK",
	{ClassSuccess, DestinationMailboxAddressValid}:        "OK",
	{ClassTransientFailure, TooManyRecipients}:            "Too many recipients",
	{ClassPermanentFailure, InvalidCommand}:               "Invalid command",
	{ClassPermanentFailure, InvalidCommandArguments}:      "Invalid command arguments",
	{ClassPermanentFailure, DeliveryNotAuthorized}:        "Delivery not authorized",
	{ClassPermanentFailure, BadDestinationMailboxAddress}: "Mailbox unavailable",
}

// Response type for Stringer interface
type Response struct {
	EnhancedCode subjectDetail
	BasicCode    int
	Class        class
	// Comment is optional
	Comment string
}

// it looks like this ".5.4"
type subjectDetail string

// EnhancedStatusCode are the ones that look like 2.1.0
type EnhancedStatusCode struct {
	Class             class
	SubjectDetailCode subjectDetail
}

// String returns a string representation of EnhancedStatus
func (e EnhancedStatusCode) String() string {
	return fmt.Sprintf("%d%s", e.Class, e.SubjectDetailCode)
}

// String returns a custom Response as a string
func (r *Response) String() string {
	e := EnhancedStatusCode{r.Class, r.EnhancedCode}
	comment := r.Comment
	if len(comment) == 0 {
		var ok bool
		if comment, ok = defaultTexts[e]; !ok {
			switch r.Class {
			case ClassSuccess:
				comment = "OK"
			case ClassTransientFailure:
				comment = "Temporary failure."
			case ClassPermanentFailure:
				comment = "Permanent failure."
			}
		}
	}
	basicCode := r.BasicCode
	if basicCode == 0 {
		basicCode = getBasicStatusCode(e)
	}
	return fmt.Sprintf("%d %s %s", basicCode, e.String(), comment)
}

// getBasicStatusCode gets the basic status code from codeMap, or fallback code if not mapped
func getBasicStatusCode(e EnhancedStatusCode) int {
	if val, ok := codeMap[e]; ok {
		return val
	}
	return int(e.Class) * 100
}

// Responses has some already pre-constructed responses
type Responses struct {
	// The 500's
	FailUnrecognizedCmd                    string
	FailLineTooLong                        string
	FailSyntax                             string
	FailInvalidAddress                     string
	FailInvalidRecipient                   string
	FailBadSenderMailboxAddressSyntax      string
	FailBadDestinationMailboxAddressSyntax string
	FailInvalidExtension                   string
	FailBadSequence                        string
	FailCmdNotSupported                    string
	FailCmdParamNotImplemented             string
	FailTLSAlreadyActive                   string
	FailAuthentication                     string
	FailAuthCancelled                      string
	FailMalformedAuth                      string
	FailEncryptionRequired                 string
	FailAuthRequired                       string
	FailSenderRejected                     string
	FailRecipientRejected                  string
	FailMailboxDoesntExist                 string
	FailRelayAccessDenied                  string
	FailContentRejected                    string
	FailTooBig                             string
	FailNoRecipients                       string
	FailBackendTransaction                 string

	// The 400's
	ErrorTooManyRecipients string
	ErrorRateLimited       string
	ErrorStorage           string
	ErrorTimeout           string
	ErrorShutdown          string
	ErrorTooManyErrors     string
	ErrorTooManyAuth       string

	// The 200's and 300's
	SuccessAuthentication string
	SuccessMailCmd        string
	SuccessRcptCmd        string
	SuccessResetCmd       string
	SuccessVerifyCmd      string
	SuccessNoopCmd        string
	SuccessQuitCmd        string
	SuccessDataCmd        string
	SuccessHelpCmd        string
	SuccessStartTLSCmd    string
	SuccessMessageQueued  string
}

// Codes is to be read-only, except in the init() function
var Codes Responses

// Called automatically during package load to build up the Responses struct
func init() {
	Codes = Responses{}

	Codes.FailUnrecognizedCmd = (&Response{
		EnhancedCode: InvalidCommand,
		BasicCode:    500,
		Class:        ClassPermanentFailure,
		Comment:      "Unrecognized command",
	}).String()

	Codes.FailLineTooLong = (&Response{
		EnhancedCode: SyntaxError,
		BasicCode:    500,
		Class:        ClassPermanentFailure,
		Comment:      "Line too long",
	}).String()

	Codes.FailSyntax = (&Response{
		EnhancedCode: InvalidCommandArguments,
		Class:        ClassPermanentFailure,
		Comment:      "Syntax error in parameters or arguments",
	}).String()

	Codes.FailInvalidAddress = (&Response{
		EnhancedCode: InvalidCommandArguments,
		Class:        ClassPermanentFailure,
		Comment:      "Syntax: MAIL FROM:<address> [EXT]",
	}).String()

	Codes.FailInvalidRecipient = (&Response{
		EnhancedCode: InvalidCommandArguments,
		Class:        ClassPermanentFailure,
		Comment:      "Syntax: RCPT TO:<address>",
	}).String()

	Codes.FailBadSenderMailboxAddressSyntax = (&Response{
		EnhancedCode: BadSendersMailboxAddressSyntax,
		BasicCode:    501,
		Class:        ClassPermanentFailure,
		Comment:      "Bad sender address syntax",
	}).String()

	Codes.FailBadDestinationMailboxAddressSyntax = (&Response{
		EnhancedCode: BadDestinationMailboxAddressSyntax,
		BasicCode:    501,
		Class:        ClassPermanentFailure,
		Comment:      "Bad destination address syntax",
	}).String()

	Codes.FailInvalidExtension = (&Response{
		EnhancedCode: InvalidCommandArguments,
		BasicCode:    555,
		Class:        ClassPermanentFailure,
		Comment:      "Parameter not recognized or not implemented",
	}).String()

	Codes.FailBadSequence = (&Response{
		EnhancedCode: InvalidCommand,
		BasicCode:    503,
		Class:        ClassPermanentFailure,
		Comment:      "Bad sequence of commands",
	}).String()

	Codes.FailCmdNotSupported = (&Response{
		EnhancedCode: InvalidCommand,
		BasicCode:    502,
		Class:        ClassPermanentFailure,
		Comment:      "Command not implemented",
	}).String()

	Codes.FailCmdParamNotImplemented = (&Response{
		EnhancedCode: InvalidCommandArguments,
		BasicCode:    504,
		Class:        ClassPermanentFailure,
		Comment:      "Command parameter not implemented",
	}).String()

	Codes.FailTLSAlreadyActive = (&Response{
		EnhancedCode: InvalidCommand,
		BasicCode:    503,
		Class:        ClassPermanentFailure,
		Comment:      "TLS already active",
	}).String()

	Codes.FailAuthentication = (&Response{
		EnhancedCode: AuthenticationCredentialsInvalid,
		BasicCode:    535,
		Class:        ClassPermanentFailure,
		Comment:      "Authentication credentials invalid",
	}).String()

	Codes.FailAuthCancelled = (&Response{
		EnhancedCode: OtherStatus,
		BasicCode:    501,
		Class:        ClassPermanentFailure,
		Comment:      "Authentication cancelled",
	}).String()

	Codes.FailMalformedAuth = (&Response{
		EnhancedCode: SyntaxError,
		BasicCode:    501,
		Class:        ClassPermanentFailure,
		Comment:      "Malformed authentication input",
	}).String()

	Codes.FailEncryptionRequired = (&Response{
		EnhancedCode: EncryptionRequired,
		BasicCode:    538,
		Class:        ClassPermanentFailure,
		Comment:      "Encryption required for requested authentication mechanism",
	}).String()

	Codes.FailAuthRequired = (&Response{
		EnhancedCode: SecurityStatus,
		BasicCode:    530,
		Class:        ClassPermanentFailure,
		Comment:      "Authentication required",
	}).String()

	Codes.FailSenderRejected = (&Response{
		EnhancedCode: DeliveryNotAuthorized,
		Class:        ClassPermanentFailure,
		Comment:      "Sender address rejected by policy",
	}).String()

	Codes.FailRecipientRejected = (&Response{
		EnhancedCode: DeliveryNotAuthorized,
		Class:        ClassPermanentFailure,
		Comment:      "Recipient address rejected by policy",
	}).String()

	Codes.FailMailboxDoesntExist = (&Response{
		EnhancedCode: BadDestinationMailboxAddress,
		Class:        ClassPermanentFailure,
		Comment:      "Sorry, no mailbox here by that name",
	}).String()

	Codes.FailRelayAccessDenied = (&Response{
		EnhancedCode: DeliveryNotAuthorized,
		Class:        ClassPermanentFailure,
		Comment:      "Relay access denied",
	}).String()

	Codes.FailContentRejected = (&Response{
		EnhancedCode: DeliveryNotAuthorized,
		Class:        ClassPermanentFailure,
		Comment:      "Message rejected by content policy",
	}).String()

	Codes.FailTooBig = (&Response{
		EnhancedCode: MessageTooBigForSystem,
		BasicCode:    552,
		Class:        ClassPermanentFailure,
		Comment:      "Message size exceeds fixed maximum message size",
	}).String()

	Codes.FailNoRecipients = (&Response{
		EnhancedCode: InvalidCommand,
		BasicCode:    554,
		Class:        ClassPermanentFailure,
		Comment:      "No valid recipients",
	}).String()

	Codes.FailBackendTransaction = (&Response{
		EnhancedCode: OtherOrUndefinedMailSystemStatus,
		BasicCode:    554,
		Class:        ClassPermanentFailure,
		Comment:      "Transaction failed",
	}).String()

	Codes.ErrorTooManyRecipients = (&Response{
		EnhancedCode: TooManyRecipients,
		Class:        ClassTransientFailure,
		Comment:      "Too many recipients",
	}).String()

	Codes.ErrorRateLimited = (&Response{
		EnhancedCode: DeliveryNotAuthorized,
		BasicCode:    451,
		Class:        ClassTransientFailure,
		Comment:      "Rate limit exceeded, try again later",
	}).String()

	Codes.ErrorStorage = (&Response{
		EnhancedCode: OtherOrUndefinedMailSystemStatus,
		BasicCode:    451,
		Class:        ClassTransientFailure,
		Comment:      "Temporary storage failure, try again later",
	}).String()

	Codes.ErrorTimeout = (&Response{
		EnhancedCode: NoAnswerFromHost,
		BasicCode:    421,
		Class:        ClassTransientFailure,
		Comment:      "Idle timeout, closing connection",
	}).String()

	Codes.ErrorShutdown = (&Response{
		EnhancedCode: SystemNotAcceptingNetworkMessages,
		BasicCode:    421,
		Class:        ClassTransientFailure,
		Comment:      "Server is shutting down. Please try again later!",
	}).String()

	Codes.ErrorTooManyErrors = (&Response{
		EnhancedCode: SecurityStatus,
		BasicCode:    421,
		Class:        ClassTransientFailure,
		Comment:      "Too many errors, closing connection",
	}).String()

	Codes.ErrorTooManyAuth = (&Response{
		EnhancedCode: SecurityStatus,
		BasicCode:    421,
		Class:        ClassTransientFailure,
		Comment:      "Too many authentication failures, closing connection",
	}).String()

	Codes.SuccessAuthentication = (&Response{
		EnhancedCode: SecurityStatus,
		BasicCode:    235,
		Class:        ClassSuccess,
		Comment:      "Authentication successful",
	}).String()

	Codes.SuccessMailCmd = (&Response{
		EnhancedCode: OtherAddressStatus,
		Class:        ClassSuccess,
	}).String()

	Codes.SuccessRcptCmd = (&Response{
		EnhancedCode: DestinationMailboxAddressValid,
		Class:        ClassSuccess,
	}).String()

	Codes.SuccessResetCmd = (&Response{
		EnhancedCode: OtherStatus,
		Class:        ClassSuccess,
	}).String()

	Codes.SuccessNoopCmd = Codes.SuccessResetCmd

	Codes.SuccessVerifyCmd = (&Response{
		EnhancedCode: OtherOrUndefinedProtocolStatus,
		BasicCode:    252,
		Class:        ClassSuccess,
		Comment:      "Cannot VRFY user, but will accept message and attempt delivery",
	}).String()

	Codes.SuccessQuitCmd = (&Response{
		EnhancedCode: OtherStatus,
		BasicCode:    221,
		Class:        ClassSuccess,
		Comment:      "Bye!",
	}).String()

	Codes.SuccessDataCmd = "354 Start mail input; end with <CRLF>.<CRLF>"

	Codes.SuccessHelpCmd = (&Response{
		EnhancedCode: OtherStatus,
		BasicCode:    214,
		Class:        ClassSuccess,
		Comment:      "Commands: HELO EHLO STARTTLS AUTH MAIL RCPT DATA RSET NOOP VRFY HELP QUIT",
	}).String()

	Codes.SuccessStartTLSCmd = (&Response{
		EnhancedCode: OtherStatus,
		BasicCode:    220,
		Class:        ClassSuccess,
		Comment:      "Ready to start TLS",
	}).String()

	Codes.SuccessMessageQueued = (&Response{
		EnhancedCode: OtherStatus,
		BasicCode:    250,
		Class:        ClassSuccess,
		Comment:      "OK queued as",
	}).String()
}
