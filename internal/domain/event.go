package domain

// EventKind classifies an inbound event.
type EventKind int

const (
	EventText EventKind = iota
	EventCommand
	EventImage
	EventOther // stickers, voice notes, locations and other non-text payloads
)

func (k EventKind) String() string {
	switch k {
	case EventCommand:
		return "command"
	case EventImage:
		return "image"
	case EventOther:
		return "other"
	default:
		return "text"
	}
}

// Bot commands understood by the router.
const (
	CommandStart    = "start"
	CommandHelp     = "help"
	CommandRegister = "register"
	CommandLogin    = "login"
	CommandLogout   = "logout"
	CommandPredict  = "predict"
	CommandCancel   = "cancel"
)

// Event is an already decoded inbound message from one user.
type Event struct {
	UserID  int64
	ChatID  int64
	Kind    EventKind
	Command string // lower-case command name without the slash, EventCommand only
	Text    string
	Image   []byte
}
