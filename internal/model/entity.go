package model

import (
	"time"
)

// User account, created on first Google sign-in.
type User struct {
	ID         int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	Email      string  `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	Nickname   string  `gorm:"type:varchar(100);not null" json:"nickname"`
	ProfileImg *string `gorm:"type:text" json:"profile_img,omitempty"`
	Provider   *string `gorm:"type:varchar(50)" json:"provider,omitempty"`
	ProviderID *string `gorm:"type:varchar(255)" json:"provider_id,omitempty"`

	// Marketplace profile
	Role     string  `gorm:"type:varchar(20);default:'STUDENT'" json:"role"` // STUDENT, INSTRUCTOR
	Subjects *string `gorm:"type:text" json:"subjects,omitempty"`            // comma-separated, instructors only
	Bio      *string `gorm:"type:text" json:"bio,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (User) TableName() string {
	return "users"
}

// TutoringSession is one instruction engagement between an instructor and
// one or more students, scoped to a subject. The id is a document id shared
// with mobile clients, not a surrogate key.
type TutoringSession struct {
	ID           string     `gorm:"type:varchar(64);primaryKey" json:"id"`
	InstructorID int64      `gorm:"not null;index" json:"instructor_id"`
	Subject      string     `gorm:"type:varchar(100);not null" json:"subject"`
	Status       string     `gorm:"type:varchar(20);default:'SCHEDULED'" json:"status"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`

	// Relations
	Instructor   User                 `gorm:"foreignKey:InstructorID" json:"instructor,omitempty"`
	Participants []SessionParticipant `gorm:"foreignKey:SessionID" json:"participants,omitempty"`
	Pages        []WhiteboardPage     `gorm:"foreignKey:SessionID" json:"pages,omitempty"`
}

func (TutoringSession) TableName() string {
	return "sessions"
}

// SessionParticipant links a user to a session.
type SessionParticipant struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"type:varchar(64);not null;index:idx_session_user,unique" json:"session_id"`
	UserID    int64     `gorm:"not null;index:idx_session_user,unique" json:"user_id"`
	Role      string    `gorm:"type:varchar(20);not null" json:"role"` // INSTRUCTOR, STUDENT
	Status    string    `gorm:"type:varchar(20);default:'PENDING'" json:"status"`
	JoinedAt  time.Time `gorm:"autoCreateTime" json:"joined_at"`

	// Relations
	User User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

func (SessionParticipant) TableName() string {
	return "session_participants"
}

// Invitation asks a student to join a session. Creating one publishes an
// event consumed by the notification collaborator, which needs the
// instructor/student ids and the subject to compose a push.
type Invitation struct {
	ID           string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	SessionID    string    `gorm:"type:varchar(64);not null;index" json:"session_id"`
	InstructorID int64     `gorm:"not null" json:"instructor_id"`
	StudentID    int64     `gorm:"not null;index" json:"student_id"`
	Subject      string    `gorm:"type:varchar(100);not null" json:"subject"`
	Status       string    `gorm:"type:varchar(20);default:'PENDING'" json:"status"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`

	// Relations
	Instructor User `gorm:"foreignKey:InstructorID" json:"instructor,omitempty"`
	Student    User `gorm:"foreignKey:StudentID" json:"student,omitempty"`
}

func (Invitation) TableName() string {
	return "invitations"
}

// ChatMessage is one append-only entry of a two-party thread. The row id is
// server-side bookkeeping only; reconciliation identity is the
// (sender_id, text, timestamp) tuple and the id is never surfaced to it.
type ChatMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ChatID     string    `gorm:"type:varchar(64);not null;index:idx_chat_timestamp" json:"chat_id"`
	SenderID   int64     `gorm:"not null" json:"sender_id"`
	ReceiverID int64     `gorm:"not null;index" json:"receiver_id"`
	Text       string    `gorm:"type:text;not null" json:"text"`
	Timestamp  int64     `gorm:"not null;index:idx_chat_timestamp" json:"timestamp"` // unix millis
	ReadBy     string    `gorm:"type:jsonb;not null;default:'{}'" json:"read_by"`    // map userID -> true
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (ChatMessage) TableName() string {
	return "chat_messages"
}

// ChatParticipant is the thread's participant registry, upserted on send.
type ChatParticipant struct {
	ChatID   string    `gorm:"type:varchar(64);primaryKey" json:"chat_id"`
	UserID   int64     `gorm:"primaryKey" json:"user_id"`
	JoinedAt time.Time `gorm:"autoCreateTime" json:"joined_at"`
}

func (ChatParticipant) TableName() string {
	return "chat_participants"
}

// SessionFile is a shared material uploaded to S3 for a session.
type SessionFile struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID  string    `gorm:"type:varchar(64);not null;index" json:"session_id"`
	UploaderID int64     `gorm:"not null" json:"uploader_id"`
	Name       string    `gorm:"type:varchar(255);not null" json:"name"`
	S3Key      string    `gorm:"type:varchar(512);not null" json:"s3_key"`
	FileSize   *int64    `json:"file_size,omitempty"`
	MimeType   *string   `gorm:"type:varchar(100)" json:"mime_type,omitempty"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`

	// Relations
	Uploader User `gorm:"foreignKey:UploaderID" json:"uploader,omitempty"`
}

func (SessionFile) TableName() string {
	return "session_files"
}
