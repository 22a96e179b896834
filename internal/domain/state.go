package domain

import "fmt"

// LoginState is the session state reported to callers after a login step.
type LoginState int

const (
	NotLoggedIn                LoginState = 0
	WaitingForVerificationCode LoginState = 1
	WaitingForPassword         LoginState = 2
	WaitingForName             LoginState = 3
	LoggedIn                   LoginState = 4
	LoginOther                 LoginState = 5
)

// String returns the state name used in logs.
// Params: none.
// Returns: state name.
func (s LoginState) String() string {
	switch s {
	case NotLoggedIn:
		return "NotLoggedIn"
	case WaitingForVerificationCode:
		return "WaitingForVerificationCode"
	case WaitingForPassword:
		return "WaitingForPassword"
	case WaitingForName:
		return "WaitingForName"
	case LoggedIn:
		return "LoggedIn"
	case LoginOther:
		return "Other"
	default:
		return fmt.Sprintf("LoginState(%d)", int(s))
	}
}

// MonitorStartResult is the typed outcome of a monitor start request.
type MonitorStartResult int

const (
	MonitorStarted        MonitorStartResult = 0
	MonitorMissingTarget  MonitorStartResult = 1
	MonitorNoUserInfo     MonitorStartResult = 2
	MonitorAlreadyRunning MonitorStartResult = 3
	MonitorError          MonitorStartResult = 4
)

// String returns the result name used in logs and websocket frames.
// Params: none.
// Returns: result name.
func (r MonitorStartResult) String() string {
	switch r {
	case MonitorStarted:
		return "Started"
	case MonitorMissingTarget:
		return "MissingTarget"
	case MonitorNoUserInfo:
		return "NoUserInfo"
	case MonitorAlreadyRunning:
		return "AlreadyRunning"
	case MonitorError:
		return "Error"
	default:
		return fmt.Sprintf("MonitorStartResult(%d)", int(r))
	}
}

// Status is the externally visible session/monitor status.
type Status struct {
	LoggedIn   bool `json:"loggedIn"`
	Monitoring bool `json:"monitoring"`
}
