package store

import "time"

// Secret types.
const (
	SecretTypeStatic    = "STATIC"
	SecretTypeDynamic   = "DYNAMIC"
	SecretTypeReference = "REFERENCE"
)

// Lease statuses. ACTIVE is the only non-terminal state.
const (
	LeaseStatusActive  = "ACTIVE"
	LeaseStatusExpired = "EXPIRED"
	LeaseStatusRevoked = "REVOKED"
)

// Rotation strategies.
const (
	StrategyRandomGenerate = "RANDOM_GENERATE"
	StrategyExternalAPI    = "EXTERNAL_API"
	StrategyCustomScript   = "CUSTOM_SCRIPT"
)

// Policy binding types.
const (
	BindingTypeUser    = "USER"
	BindingTypeTeam    = "TEAM"
	BindingTypeService = "SERVICE"
)

// Secret is a team-owned entity at a hierarchical path.
type Secret struct {
	ID             string
	TeamID         string
	Path           string
	Name           string
	Description    string
	SecretType     string
	CurrentVersion int
	MaxVersions    *int
	RetentionDays  *int
	ExpiresAt      *time.Time
	LastAccessedAt *time.Time
	LastRotatedAt  *time.Time
	OwnerID        *string
	ExternalRef    *string
	Active         bool
	RowVersion     int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SecretVersion is one immutable encrypted value of a Secret.
type SecretVersion struct {
	ID            string
	SecretID      string
	VersionNumber int
	Ciphertext    string
	KeyID         string
	ChangeNote    *string
	CreatedBy     *string
	Destroyed     bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SecretMetadata is a labeled key-value pair attached to a Secret.
type SecretMetadata struct {
	ID        string
	SecretID  string
	Key       string
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AccessPolicy is a named path-pattern rule set within a team.
type AccessPolicy struct {
	ID          string
	TeamID      string
	Name        string
	PathPattern string
	Permissions []string
	Deny        bool
	Active      bool
	RowVersion  int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PolicyBinding attaches one policy to one target.
type PolicyBinding struct {
	ID          string
	PolicyID    string
	BindingType string
	TargetID    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RotationPolicy holds the rotation schedule for one Secret. At most
// one exists per secret.
type RotationPolicy struct {
	ID                 string
	SecretID           string
	Strategy           string
	IntervalHours      int
	RandomLength       *int
	RandomCharset      *string
	ExternalAPIURL     *string
	ExternalAPIHeaders *string
	LastRotatedAt      *time.Time
	NextRotationAt     time.Time
	Active             bool
	FailureCount       int
	MaxFailures        int
	RowVersion         int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RotationHistory is one append-only rotation attempt record. Secret
// id and path are plain columns so history survives secret deletion.
type RotationHistory struct {
	ID              string
	SecretID        string
	SecretPath      string
	Strategy        string
	PreviousVersion int
	NewVersion      int
	Success         bool
	ErrorMessage    *string
	DurationMillis  int64
	RotatedBy       string
	CreatedAt       time.Time
}

// Lease is a leased dynamic credential set. Secret id and path are
// plain columns, not referential links.
type Lease struct {
	ID                    string
	LeaseID               string
	SecretID              string
	SecretPath            string
	BackendType           string
	CredentialsCiphertext string
	Status                string
	TTLSeconds            int
	ExpiresAt             time.Time
	RevokedAt             *time.Time
	RevokedBy             *string
	RequestedBy           string
	Metadata              *string
	RowVersion            int64
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// TransitKey is a team-owned named key with versioned material. The
// material blob is an envelope-encrypted JSON version array.
type TransitKey struct {
	ID                   string
	TeamID               string
	Name                 string
	Description          string
	CurrentVersion       int
	MinDecryptionVersion int
	MaterialCiphertext   string
	Algorithm            string
	Deletable            bool
	Exportable           bool
	Active               bool
	RowVersion           int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// AuditRecord is one immutable operation log entry.
type AuditRecord struct {
	ID            int64
	TeamID        *string
	UserID        *string
	Operation     string
	Path          *string
	ResourceType  *string
	ResourceID    *string
	Success       bool
	ErrorMessage  *string
	ClientIP      *string
	CorrelationID *string
	Details       *string
	CreatedAt     time.Time
}
