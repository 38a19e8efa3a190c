package features

import (
	"strings"

	"github.com/mbd888/riskwatch/internal/activity"
)

// Token is a coarse action symbol fed to the oracle's sequence model.
type Token string

const (
	TokenLogin         Token = "LOGIN"
	TokenLogout        Token = "LOGOUT"
	TokenAuth          Token = "AUTH"
	TokenFileSensitive Token = "FILE_SENSITIVE"
	TokenFileAccess    Token = "FILE_ACCESS"
	TokenEmailSend     Token = "EMAIL_SEND"
	TokenUSBConnect    Token = "USB_CONNECT"
	TokenProcess       Token = "PROCESS"
	TokenWebBrowse     Token = "WEB_BROWSE"
	TokenNetwork       Token = "NETWORK"
	TokenUnknown       Token = "UNKNOWN"
)

// sequenceSep joins tokens in the wire form.
const sequenceSep = " -> "

// Sequence is an ordered list of at most SequenceLength tokens.
type Sequence []Token

// String renders the sequence as "LOGIN -> FILE_ACCESS -> ...".
func (s Sequence) String() string {
	parts := make([]string, len(s))
	for i, t := range s {
		parts[i] = string(t)
	}
	return strings.Join(parts, sequenceSep)
}

// TokenFor maps one event to its action token.
func TokenFor(ev *activity.Event) Token {
	switch ev.Kind {
	case activity.KindAuth:
		switch ev.Action {
		case "Logon":
			return TokenLogin
		case "Logoff":
			return TokenLogout
		}
		return TokenAuth
	case activity.KindFile:
		if IsSensitivePath(ev.Resource) {
			return TokenFileSensitive
		}
		return TokenFileAccess
	case activity.KindEmail:
		return TokenEmailSend
	case activity.KindDevice:
		if ev.Action == "Connect" {
			return TokenUSBConnect
		}
	case activity.KindEndpoint:
		return TokenProcess
	case activity.KindApp:
		return TokenWebBrowse
	case activity.KindNet:
		return TokenNetwork
	}
	return TokenUnknown
}

// BuildSequence tokenizes the last SequenceLength events of window, in order.
func BuildSequence(window []*activity.Event) Sequence {
	if len(window) > SequenceLength {
		window = window[len(window)-SequenceLength:]
	}
	seq := make(Sequence, len(window))
	for i, ev := range window {
		seq[i] = TokenFor(ev)
	}
	return seq
}
