package db

import "time"

// User is a platform account. Credential material is opaque to the
// sandbox controller.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Verified     bool      `json:"verified"`
	IsAdmin      bool      `json:"isAdmin"`
	Banned       bool      `json:"banned"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Challenge is a CTF challenge. Static challenges share one sandbox
// between all users.
type Challenge struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	Points           int    `json:"points"`
	Flag             string `json:"-"`
	Active           bool   `json:"active"`
	Category         string `json:"category"`
	Static           bool   `json:"static"`
	ImageTag         string `json:"imageTag,omitempty"`
	MetadataFilepath string `json:"metadataFilepath,omitempty"`
	TCPPorts         []int  `json:"tcpPorts,omitempty"`
}

// Sandbox is a live (or retired) container instance for a (challenge, user)
// pair. UserID is nil iff the challenge is static. Rows are append-only:
// the only mutation is flipping Active off and stamping DestroyedAt.
type Sandbox struct {
	ID            int64          `json:"id"`
	ContainerID   string         `json:"containerId"`
	ContainerPort int            `json:"containerPort"`
	CreatedAt     time.Time      `json:"createdAt"`
	DestroyedAt   *time.Time     `json:"destroyedAt,omitempty"`
	ChallengeID   int64          `json:"challengeId"`
	UserID        *int64         `json:"userId,omitempty"`
	Active        bool           `json:"active"`
	PortMappings  map[string]int `json:"portMappings,omitempty"`
}

// Submission records one flag submission attempt.
type Submission struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"userId"`
	ChallengeID int64     `json:"challengeId"`
	Correct     bool      `json:"correct"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// UserSession binds a user to a client IP. At most one active session
// per user exists at any time.
type UserSession struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"userId"`
	IPAddress    string    `json:"ipAddress"`
	SessionToken string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Active       bool      `json:"active"`
}

// Notification is a message shown to a user.
type Notification struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"userId"`
	Message   string    `json:"message"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
}
