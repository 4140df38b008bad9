package commstore

// ChangeKind names the part of the model a Change touched.
type ChangeKind string

const (
	ChangeUser           ChangeKind = "user"
	ChangeChannel        ChangeKind = "channel"
	ChangeMessage        ChangeKind = "message"
	ChangeMessageRemoved ChangeKind = "message_removed"
	ChangeCall           ChangeKind = "call"
	ChangeTyping         ChangeKind = "typing"
	ChangeNotification   ChangeKind = "notification"
	ChangeSelection      ChangeKind = "selection"
)

// Change identifies a mutated entity. Readers fetch the new state through
// the store selectors.
type Change struct {
	Kind      ChangeKind
	ID        string
	ChannelID string
}
