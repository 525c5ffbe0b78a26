package db

import (
	"encoding/json"
	"time"
)

// Visit status values. Transitions are monotonic forward except
// Scheduled -> Cancelled; Completed and Cancelled are terminal.
const (
	VisitScheduled  = "Scheduled"
	VisitInProgress = "InProgress"
	VisitCompleted  = "Completed"
	VisitCancelled  = "Cancelled"
)

// Care context linking status values.
const (
	LinkingPending = "pending"
	LinkingLinked  = "linked"
	LinkingFailed  = "failed"
)

// Data request status values.
const (
	RequestInitiated = "initiated"
	RequestAwaiting  = "awaiting-response"
	RequestFulfilled = "fulfilled"
	RequestFailed    = "failed"
	RequestTimedOut  = "timed-out"
)

// Webhook event types.
const (
	EventDataRequest  = "data-request"
	EventDataDelivery = "data-delivery"
	EventConsent      = "consent"
	EventLinking      = "linking"
	EventNotification = "notification"
)

// Bridge roles.
const (
	RoleHIP = "HIP"
	RoleHIU = "HIU"
)

type Patient struct {
	ID        string    `json:"patientId"`
	Name      string    `json:"name"`
	Mobile    string    `json:"mobile"`
	AbhaID    string    `json:"abhaId,omitempty"`
	Aadhaar   string    `json:"aadhaar,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Visit struct {
	ID         string    `json:"visitId"`
	PatientID  string    `json:"patientId"`
	VisitType  string    `json:"visitType"`
	Department string    `json:"department"`
	DoctorID   string    `json:"doctorId,omitempty"`
	VisitDate  time.Time `json:"visitDate"`
	Status     string    `json:"status"`
}

// Terminal reports whether no further care contexts or health records
// may attach to the visit.
func (v *Visit) Terminal() bool {
	return v.Status == VisitCompleted || v.Status == VisitCancelled
}

type CareContext struct {
	ID            string    `json:"contextId"`
	PatientID     string    `json:"patientId"`
	VisitID       string    `json:"visitId,omitempty"`
	ContextName   string    `json:"contextName"`
	ContextType   string    `json:"contextType,omitempty"`
	Description   string    `json:"description,omitempty"`
	LinkingStatus string    `json:"linkingStatus"`
	LinkingError  string    `json:"linkingError,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type HealthRecord struct {
	ID              string          `json:"recordId"`
	PatientID       string          `json:"patientId"`
	VisitID         string          `json:"visitId,omitempty"`
	ContextID       string          `json:"contextId"`
	RecordType      string          `json:"recordType"`
	RecordDate      time.Time       `json:"recordDate"`
	Data            json.RawMessage `json:"data"`
	SourceHospital  string          `json:"sourceHospital,omitempty"`
	RequestID       string          `json:"requestId,omitempty"`
	GatewayNotified bool            `json:"gatewayNotified"`
	CreatedAt       time.Time       `json:"createdAt"`
}

type BridgeService struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Active  bool   `json:"active"`
	Version string `json:"version"`
}

type BridgeRegistration struct {
	BridgeID     string          `json:"bridgeId"`
	Role         string          `json:"role"` // "HIP" or "HIU"
	Name         string          `json:"name,omitempty"`
	CallbackURL  string          `json:"callbackUrl,omitempty"`
	Services     []BridgeService `json:"services"`
	RegisteredAt time.Time       `json:"registeredAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

type WebhookEvent struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Event      string          `json:"event,omitempty"`
	FromBridge string          `json:"fromBridge,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Processed  bool            `json:"processed"`
	LastError  string          `json:"lastError,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// Key returns the serialization key handlers lock on so events touching
// the same request or context are applied in causal order.
func (e *WebhookEvent) Key() string {
	var data struct {
		ContextID string `json:"contextId"`
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(e.Data, &data); err == nil {
		if data.RequestID != "" {
			return "req." + data.RequestID
		}
		if data.ContextID != "" {
			return "ctx." + data.ContextID
		}
	}
	return "evt." + e.ID
}

type DataRequest struct {
	ID             string          `json:"requestId"`
	HIUID          string          `json:"hiuId"`
	HIPID          string          `json:"hipId,omitempty"`
	PatientID      string          `json:"patientId,omitempty"`
	ConsentID      string          `json:"consentId"`
	CareContextIDs []string        `json:"careContextIds"`
	DataTypes      []string        `json:"dataTypes"`
	Status         string          `json:"status"`
	Error          string          `json:"error,omitempty"`
	Records        json.RawMessage `json:"records,omitempty"`
	RequestedAt    time.Time       `json:"requestedAt"`
	ResolvedAt     *time.Time      `json:"resolvedAt,omitempty"`
}

// ContextLink is the gateway-held reference to a node-owned care context.
// The gateway never stores the clinical record itself.
type ContextLink struct {
	ContextID       string    `json:"contextId"`
	PatientID       string    `json:"patientId"`
	ReferenceNumber string    `json:"referenceNumber"`
	BridgeID        string    `json:"bridgeId"`
	LinkedAt        time.Time `json:"linkedAt"`
}

// RecordNotice is a record-availability announcement held by the gateway.
type RecordNotice struct {
	RecordID   string    `json:"recordId"`
	PatientID  string    `json:"patientId"`
	AbhaID     string    `json:"patientAbhaId,omitempty"`
	ContextID  string    `json:"contextId,omitempty"`
	RecordType string    `json:"recordType"`
	RecordDate time.Time `json:"recordDate"`
	BridgeID   string    `json:"bridgeId"`
	NotifiedAt time.Time `json:"notifiedAt"`
}
