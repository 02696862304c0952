// Package audit holds the record produced when an operator scans a device
// during an inventory audit.
package audit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Result is the outcome of checking one scanned device against the
// expected inventory.
type Result string

const (
	ResultFound      Result = "found"
	ResultMissing    Result = "missing"
	ResultUnexpected Result = "unexpected"
)

func (r Result) Valid() bool {
	switch r {
	case ResultFound, ResultMissing, ResultUnexpected:
		return true
	}
	return false
}

var (
	ErrMissingAuditID = errors.New("audit: audit id is required")
	ErrMissingIMEI    = errors.New("audit: imei is required")
)

// Scan is the payload queued for delivery. The field names match the
// parameters of the platform's scan RPC.
type Scan struct {
	AuditID        string    `json:"p_audit_id"`
	IMEI           string    `json:"p_imei"`
	DeviceID       string    `json:"p_device_id,omitempty"`
	StoreID        string    `json:"p_store_id,omitempty"`
	ScannedBy      string    `json:"p_scanned_by,omitempty"`
	Result         Result    `json:"p_result"`
	ScannedAt      time.Time `json:"p_scanned_at"`
	IdempotencyKey string    `json:"p_idempotency_key"`
}

// NewScan stamps a scan with the current time and a fresh idempotency key.
func NewScan(auditID, imei string, result Result) Scan {
	return Scan{
		AuditID:        auditID,
		IMEI:           strings.TrimSpace(imei),
		Result:         result,
		ScannedAt:      time.Now().UTC(),
		IdempotencyKey: uuid.NewString(),
	}
}

// Validate performs structural checks only. Whether the device really
// belongs to the store is decided by the platform.
func (s Scan) Validate() error {
	if s.AuditID == "" {
		return ErrMissingAuditID
	}
	if strings.TrimSpace(s.IMEI) == "" {
		return ErrMissingIMEI
	}
	if !s.Result.Valid() {
		return fmt.Errorf("audit: unknown result %q", s.Result)
	}
	return nil
}
