package dispatcher

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Action is what a button press asks for. Values double as metric labels.
type Action string

const (
	IncreaseMaxClients Action = "clients_inc"
	DecreaseMaxClients Action = "clients_dec"
	SetMaxClients      Action = "clients_set"
	IncreaseBandwidth  Action = "bw_inc"
	DecreaseBandwidth  Action = "bw_dec"
	SetBandwidth       Action = "bw_set"
	RestartRelay       Action = "restart"
	StopRelay          Action = "stop"
	StartRelay         Action = "start"
	RebootHost         Action = "reboot"
	SelfUpdate         Action = "update"
	ConfirmPending     Action = "confirm"
	CancelPending      Action = "cancel"
	Navigate           Action = "view"
	RefreshStatus      Action = "refresh"
)

// Destructive reports whether a needs a second, confirming press.
func (a Action) Destructive() bool {
	switch a {
	case RestartRelay, StopRelay, RebootHost, SelfUpdate:
		return true
	}
	return false
}

// Press is a decoded button press.
type Press struct {
	Action Action
	Value  int    // preset value for SetMaxClients and SetBandwidth
	Token  string // confirmation id for ConfirmPending
	View   string // target view for Navigate
}

var ErrBadCallback = errors.New("dispatcher: malformed callback data")

// Encode renders p as callback data. The result stays well under the Bot
// API's 64 byte limit.
func Encode(p Press) string {
	switch p.Action {
	case IncreaseMaxClients:
		return "clients:+1"
	case DecreaseMaxClients:
		return "clients:-1"
	case SetMaxClients:
		return "clients=" + strconv.Itoa(p.Value)
	case IncreaseBandwidth:
		return "bw:+1"
	case DecreaseBandwidth:
		return "bw:-1"
	case SetBandwidth:
		return "bw=" + strconv.Itoa(p.Value)
	case ConfirmPending:
		return "confirm:" + p.Token
	case Navigate:
		return "view:" + p.View
	default:
		return string(p.Action)
	}
}

func Parse(data string) (Press, error) {
	switch data {
	case "clients:+1":
		return Press{Action: IncreaseMaxClients}, nil
	case "clients:-1":
		return Press{Action: DecreaseMaxClients}, nil
	case "bw:+1":
		return Press{Action: IncreaseBandwidth}, nil
	case "bw:-1":
		return Press{Action: DecreaseBandwidth}, nil
	case string(RestartRelay), string(StopRelay), string(StartRelay),
		string(RebootHost), string(SelfUpdate), string(CancelPending), string(RefreshStatus):
		return Press{Action: Action(data)}, nil
	}

	if v, ok := strings.CutPrefix(data, "clients="); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Press{}, fmt.Errorf("%w: %q", ErrBadCallback, data)
		}
		return Press{Action: SetMaxClients, Value: n}, nil
	}
	if v, ok := strings.CutPrefix(data, "bw="); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Press{}, fmt.Errorf("%w: %q", ErrBadCallback, data)
		}
		return Press{Action: SetBandwidth, Value: n}, nil
	}
	if v, ok := strings.CutPrefix(data, "confirm:"); ok {
		if _, err := uuid.Parse(v); err != nil {
			return Press{}, fmt.Errorf("%w: %q", ErrBadCallback, data)
		}
		return Press{Action: ConfirmPending, Token: v}, nil
	}
	if v, ok := strings.CutPrefix(data, "view:"); ok {
		if !knownView(v) {
			return Press{}, fmt.Errorf("%w: unknown view %q", ErrBadCallback, v)
		}
		return Press{Action: Navigate, View: v}, nil
	}
	return Press{}, fmt.Errorf("%w: %q", ErrBadCallback, data)
}
