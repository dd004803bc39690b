package models

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// StatusFrame announces a contact's presence change.
type StatusFrame struct {
	Type   string `json:"type"`
	User   string `json:"user"`
	Status string `json:"status"`
}

// NewStatusFrame builds a status frame for user.
func NewStatusFrame(user string, online bool) StatusFrame {
	status := StatusOffline
	if online {
		status = StatusOnline
	}
	return StatusFrame{
		Type:   FrameTypeStatus,
		User:   user,
		Status: status,
	}
}
