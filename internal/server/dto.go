package server

import (
	"encoding/json"
	"time"

	"github.com/codeops/vault/internal/store"
)

// Wire representations. Ciphertext columns never appear in responses.

type secretResponse struct {
	ID             string     `json:"id"`
	TeamID         string     `json:"teamId"`
	Path           string     `json:"path"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	SecretType     string     `json:"secretType"`
	CurrentVersion int        `json:"currentVersion"`
	MaxVersions    *int       `json:"maxVersions,omitempty"`
	RetentionDays  *int       `json:"retentionDays,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	LastAccessedAt *time.Time `json:"lastAccessedAt,omitempty"`
	LastRotatedAt  *time.Time `json:"lastRotatedAt,omitempty"`
	OwnerID        *string    `json:"ownerId,omitempty"`
	ExternalRef    *string    `json:"externalRef,omitempty"`
	Active         bool       `json:"active"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

func toSecretResponse(s *store.Secret) secretResponse {
	return secretResponse{
		ID:             s.ID,
		TeamID:         s.TeamID,
		Path:           s.Path,
		Name:           s.Name,
		Description:    s.Description,
		SecretType:     s.SecretType,
		CurrentVersion: s.CurrentVersion,
		MaxVersions:    s.MaxVersions,
		RetentionDays:  s.RetentionDays,
		ExpiresAt:      s.ExpiresAt,
		LastAccessedAt: s.LastAccessedAt,
		LastRotatedAt:  s.LastRotatedAt,
		OwnerID:        s.OwnerID,
		ExternalRef:    s.ExternalRef,
		Active:         s.Active,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

func toSecretResponses(secrets []*store.Secret) []secretResponse {
	out := make([]secretResponse, 0, len(secrets))
	for _, s := range secrets {
		out = append(out, toSecretResponse(s))
	}
	return out
}

type versionResponse struct {
	VersionNumber int       `json:"versionNumber"`
	ChangeNote    *string   `json:"changeNote,omitempty"`
	CreatedBy     *string   `json:"createdBy,omitempty"`
	Destroyed     bool      `json:"destroyed"`
	CreatedAt     time.Time `json:"createdAt"`
}

func toVersionResponses(versions []*store.SecretVersion) []versionResponse {
	out := make([]versionResponse, 0, len(versions))
	for _, v := range versions {
		out = append(out, versionResponse{
			VersionNumber: v.VersionNumber,
			ChangeNote:    v.ChangeNote,
			CreatedBy:     v.CreatedBy,
			Destroyed:     v.Destroyed,
			CreatedAt:     v.CreatedAt,
		})
	}
	return out
}

type policyResponse struct {
	ID          string    `json:"id"`
	TeamID      string    `json:"teamId"`
	Name        string    `json:"name"`
	PathPattern string    `json:"pathPattern"`
	Permissions []string  `json:"permissions"`
	Deny        bool      `json:"deny"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func toPolicyResponse(p *store.AccessPolicy) policyResponse {
	return policyResponse{
		ID:          p.ID,
		TeamID:      p.TeamID,
		Name:        p.Name,
		PathPattern: p.PathPattern,
		Permissions: p.Permissions,
		Deny:        p.Deny,
		Active:      p.Active,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

type bindingResponse struct {
	ID          string    `json:"id"`
	PolicyID    string    `json:"policyId"`
	BindingType string    `json:"bindingType"`
	TargetID    string    `json:"targetId"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toBindingResponse(b *store.PolicyBinding) bindingResponse {
	return bindingResponse{
		ID:          b.ID,
		PolicyID:    b.PolicyID,
		BindingType: b.BindingType,
		TargetID:    b.TargetID,
		CreatedAt:   b.CreatedAt,
	}
}

type rotationPolicyResponse struct {
	ID                 string     `json:"id"`
	SecretID           string     `json:"secretId"`
	Strategy           string     `json:"strategy"`
	IntervalHours      int        `json:"intervalHours"`
	RandomLength       *int       `json:"randomLength,omitempty"`
	RandomCharset      *string    `json:"randomCharset,omitempty"`
	ExternalAPIURL     *string    `json:"externalApiUrl,omitempty"`
	LastRotatedAt      *time.Time `json:"lastRotatedAt,omitempty"`
	NextRotationAt     time.Time  `json:"nextRotationAt"`
	Active             bool       `json:"active"`
	FailureCount       int        `json:"failureCount"`
	MaxFailures        int        `json:"maxFailures"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

func toRotationPolicyResponse(p *store.RotationPolicy) rotationPolicyResponse {
	return rotationPolicyResponse{
		ID:             p.ID,
		SecretID:       p.SecretID,
		Strategy:       p.Strategy,
		IntervalHours:  p.IntervalHours,
		RandomLength:   p.RandomLength,
		RandomCharset:  p.RandomCharset,
		ExternalAPIURL: p.ExternalAPIURL,
		LastRotatedAt:  p.LastRotatedAt,
		NextRotationAt: p.NextRotationAt,
		Active:         p.Active,
		FailureCount:   p.FailureCount,
		MaxFailures:    p.MaxFailures,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

type rotationHistoryResponse struct {
	ID              string    `json:"id"`
	SecretID        string    `json:"secretId"`
	SecretPath      string    `json:"secretPath"`
	Strategy        string    `json:"strategy"`
	PreviousVersion int       `json:"previousVersion"`
	NewVersion      int       `json:"newVersion"`
	Success         bool      `json:"success"`
	ErrorMessage    *string   `json:"errorMessage,omitempty"`
	DurationMillis  int64     `json:"durationMillis"`
	RotatedBy       string    `json:"rotatedBy"`
	CreatedAt       time.Time `json:"createdAt"`
}

func toRotationHistoryResponses(history []*store.RotationHistory) []rotationHistoryResponse {
	out := make([]rotationHistoryResponse, 0, len(history))
	for _, h := range history {
		out = append(out, rotationHistoryResponse{
			ID:              h.ID,
			SecretID:        h.SecretID,
			SecretPath:      h.SecretPath,
			Strategy:        h.Strategy,
			PreviousVersion: h.PreviousVersion,
			NewVersion:      h.NewVersion,
			Success:         h.Success,
			ErrorMessage:    h.ErrorMessage,
			DurationMillis:  h.DurationMillis,
			RotatedBy:       h.RotatedBy,
			CreatedAt:       h.CreatedAt,
		})
	}
	return out
}

type leaseResponse struct {
	LeaseID     string     `json:"leaseId"`
	SecretID    string     `json:"secretId"`
	SecretPath  string     `json:"secretPath"`
	BackendType string     `json:"backendType"`
	Status      string     `json:"status"`
	TTLSeconds  int        `json:"ttlSeconds"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	RevokedAt   *time.Time `json:"revokedAt,omitempty"`
	RevokedBy   *string    `json:"revokedBy,omitempty"`
	RequestedBy string     `json:"requestedBy"`
	CreatedAt   time.Time  `json:"createdAt"`
}

func toLeaseResponse(l *store.Lease) leaseResponse {
	return leaseResponse{
		LeaseID:     l.LeaseID,
		SecretID:    l.SecretID,
		SecretPath:  l.SecretPath,
		BackendType: l.BackendType,
		Status:      l.Status,
		TTLSeconds:  l.TTLSeconds,
		ExpiresAt:   l.ExpiresAt,
		RevokedAt:   l.RevokedAt,
		RevokedBy:   l.RevokedBy,
		RequestedBy: l.RequestedBy,
		CreatedAt:   l.CreatedAt,
	}
}

func toLeaseResponses(leases []*store.Lease) []leaseResponse {
	out := make([]leaseResponse, 0, len(leases))
	for _, l := range leases {
		out = append(out, toLeaseResponse(l))
	}
	return out
}

type transitKeyResponse struct {
	ID                   string    `json:"id"`
	TeamID               string    `json:"teamId"`
	Name                 string    `json:"name"`
	Description          string    `json:"description,omitempty"`
	CurrentVersion       int       `json:"currentVersion"`
	MinDecryptionVersion int       `json:"minDecryptionVersion"`
	Algorithm            string    `json:"algorithm"`
	Deletable            bool      `json:"deletable"`
	Exportable           bool      `json:"exportable"`
	Active               bool      `json:"active"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

func toTransitKeyResponse(k *store.TransitKey) transitKeyResponse {
	return transitKeyResponse{
		ID:                   k.ID,
		TeamID:               k.TeamID,
		Name:                 k.Name,
		Description:          k.Description,
		CurrentVersion:       k.CurrentVersion,
		MinDecryptionVersion: k.MinDecryptionVersion,
		Algorithm:            k.Algorithm,
		Deletable:            k.Deletable,
		Exportable:           k.Exportable,
		Active:               k.Active,
		CreatedAt:            k.CreatedAt,
		UpdatedAt:            k.UpdatedAt,
	}
}

type auditRecordResponse struct {
	ID            int64           `json:"id"`
	TeamID        *string         `json:"teamId,omitempty"`
	UserID        *string         `json:"userId,omitempty"`
	Operation     string          `json:"operation"`
	Path          *string         `json:"path,omitempty"`
	ResourceType  *string         `json:"resourceType,omitempty"`
	ResourceID    *string         `json:"resourceId,omitempty"`
	Success       bool            `json:"success"`
	ErrorMessage  *string         `json:"errorMessage,omitempty"`
	ClientIP      *string         `json:"clientIp,omitempty"`
	CorrelationID *string         `json:"correlationId,omitempty"`
	Details       json.RawMessage `json:"details,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

func toAuditRecordResponses(records []*store.AuditRecord) []auditRecordResponse {
	out := make([]auditRecordResponse, 0, len(records))
	for _, rec := range records {
		resp := auditRecordResponse{
			ID:            rec.ID,
			TeamID:        rec.TeamID,
			UserID:        rec.UserID,
			Operation:     rec.Operation,
			Path:          rec.Path,
			ResourceType:  rec.ResourceType,
			ResourceID:    rec.ResourceID,
			Success:       rec.Success,
			ErrorMessage:  rec.ErrorMessage,
			ClientIP:      rec.ClientIP,
			CorrelationID: rec.CorrelationID,
			CreatedAt:     rec.CreatedAt,
		}
		if rec.Details != nil {
			resp.Details = json.RawMessage(*rec.Details)
		}
		out = append(out, resp)
	}
	return out
}
