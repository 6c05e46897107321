package domain

// InputType is the closed set of source kinds a room can composite.
type InputType string

const (
	InputFile    InputType = "file"
	InputTwitch  InputType = "twitch"
	InputYoutube InputType = "youtube"
	InputWhip    InputType = "whip"
	InputImage   InputType = "image"
	InputText    InputType = "text"
	InputGame    InputType = "game"

	// InputPlaceholder is synthetic; rooms insert it themselves so they are
	// never observably empty. Clients cannot create one.
	InputPlaceholder InputType = "placeholder"
)

func (t InputType) Valid() bool {
	switch t {
	case InputFile, InputTwitch, InputYoutube, InputWhip, InputImage, InputText, InputGame:
		return true
	}
	return false
}

// Instantaneous kinds have no registration handshake and are connected the
// moment they are added.
func (t InputType) Instantaneous() bool {
	switch t {
	case InputImage, InputText, InputPlaceholder:
		return true
	}
	return false
}

// InputStatus is the per-input connection state machine:
// disconnected -> pending -> connected, pending -> disconnected on failure,
// connected -> pending -> disconnected on explicit disconnect.
type InputStatus string

const (
	StatusDisconnected InputStatus = "disconnected"
	StatusPending      InputStatus = "pending"
	StatusConnected    InputStatus = "connected"
)
