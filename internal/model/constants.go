package model

// SessionStatus lifecycle of a tutoring session
type SessionStatus string

const (
	SessionStatusScheduled SessionStatus = "SCHEDULED"
	SessionStatusActive    SessionStatus = "ACTIVE"
	SessionStatusEnded     SessionStatus = "ENDED"
)

func (s SessionStatus) String() string {
	return string(s)
}

// ParticipantStatus membership state within a session
type ParticipantStatus string

const (
	ParticipantStatusPending ParticipantStatus = "PENDING"
	ParticipantStatusActive  ParticipantStatus = "ACTIVE"
	ParticipantStatusLeft    ParticipantStatus = "LEFT"
)

func (s ParticipantStatus) String() string {
	return string(s)
}

// ParticipantRole role within a session
type ParticipantRole string

const (
	RoleInstructor ParticipantRole = "INSTRUCTOR"
	RoleStudent    ParticipantRole = "STUDENT"
)

func (r ParticipantRole) String() string {
	return string(r)
}

// InvitationStatus state of a session invitation
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "PENDING"
	InvitationAccepted InvitationStatus = "ACCEPTED"
	InvitationDeclined InvitationStatus = "DECLINED"
)

func (s InvitationStatus) String() string {
	return string(s)
}
