package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sfukit/sfuclient/internal/domain"
)

// ErrUnknownNotification is returned by Decode for methods outside the
// notification set.
var ErrUnknownNotification = errors.New("unknown notification")

// Decode converts a server notification into its typed form.
func Decode(method string, params *json.RawMessage) (domain.Notification, error) {
	var decode func(json.RawMessage) (domain.Notification, error)
	switch method {
	case domain.NotifyPeerJoin:
		decode = decodeAs[domain.PeerJoin]
	case domain.NotifyPeerLeave:
		decode = decodeAs[domain.PeerLeave]
	case domain.NotifyStreamAdd:
		decode = decodeAs[domain.StreamAdd]
	case domain.NotifyStreamRemove:
		decode = decodeAs[domain.StreamRemove]
	case domain.NotifyBroadcast:
		decode = decodeAs[domain.BroadcastMessage]
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownNotification, method)
	}

	if params == nil {
		return nil, fmt.Errorf("%s: missing params", method)
	}
	n, err := decode(*params)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", method, err)
	}
	return n, nil
}

func decodeAs[T domain.Notification](raw json.RawMessage) (domain.Notification, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
